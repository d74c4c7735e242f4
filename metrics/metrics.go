// Package metrics exports TokenShield's pipeline activity as Prometheus
// metrics, subscribed to a Pipeline's event bus. Grounded on the teacher's
// HTTP metrics middleware (internal/middleware/metrics.go) — same
// promauto.NewCounterVec idiom (counters only, no histograms), a dedicated registry rather
// than the global one so two Recorders never collide, and a promhttp
// handler for exposition.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/christireid/tokenshield/breaker"
	"github.com/christireid/tokenshield/eventbus"
	"github.com/christireid/tokenshield/ledger"
)

// Recorder owns one Prometheus registry's worth of TokenShield counters. Construct one per Pipeline and Attach it to that Pipeline's
// event bus.
type Recorder struct {
	registry *prometheus.Registry

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	requestsBlocked *prometheus.CounterVec

	routerDowngrades prometheus.Counter
	contextTrims     prometheus.Counter
	prefixOptimized  prometheus.Counter

	breakerWarnings *prometheus.CounterVec
	breakerTrips    *prometheus.CounterVec

	budgetWarnings *prometheus.CounterVec
	budgetExceeded *prometheus.CounterVec

	ledgerEntries     prometheus.Counter
	ledgerActualCost  prometheus.Counter
	ledgerSavedCost   prometheus.Counter
	ledgerCostByModel *prometheus.CounterVec
}

// New builds a Recorder with its own registry, so multiple TokenShield
// pipelines in one process can each export independently without name
// collisions in the default global registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,

		cacheHits:   factory.NewCounter(prometheus.CounterOpts{Name: "tokenshield_cache_hits_total", Help: "Total response cache hits (exact or fuzzy)."}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{Name: "tokenshield_cache_misses_total", Help: "Total response cache misses."}),

		requestsBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_requests_blocked_total", Help: "Total requests blocked before reaching a provider.",
		}, []string{"stage"}),

		routerDowngrades: factory.NewCounter(prometheus.CounterOpts{Name: "tokenshield_router_downgrades_total", Help: "Total requests routed to a cheaper model."}),
		contextTrims:     factory.NewCounter(prometheus.CounterOpts{Name: "tokenshield_context_trims_total", Help: "Total requests whose context was trimmed."}),
		prefixOptimized:  factory.NewCounter(prometheus.CounterOpts{Name: "tokenshield_prefix_optimized_total", Help: "Total requests whose message order was reordered for prefix caching."}),

		breakerWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_breaker_warnings_total", Help: "Total circuit breaker warning-threshold crossings.",
		}, []string{"window"}),
		breakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_breaker_trips_total", Help: "Total circuit breaker trips.",
		}, []string{"window"}),

		budgetWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_user_budget_warnings_total", Help: "Total user budget warning-threshold crossings.",
		}, []string{"window"}),
		budgetExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_user_budget_exceeded_total", Help: "Total user budget limit rejections.",
		}, []string{"window"}),

		ledgerEntries:    factory.NewCounter(prometheus.CounterOpts{Name: "tokenshield_ledger_entries_total", Help: "Total ledger entries recorded."}),
		ledgerActualCost: factory.NewCounter(prometheus.CounterOpts{Name: "tokenshield_ledger_actual_cost_dollars_total", Help: "Sum of actual billed cost."}),
		ledgerSavedCost:  factory.NewCounter(prometheus.CounterOpts{Name: "tokenshield_ledger_saved_cost_dollars_total", Help: "Sum of cost saved relative to the unshielded counterfactual."}),
		ledgerCostByModel: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_ledger_cost_by_model_dollars_total", Help: "Sum of actual billed cost, by model.",
		}, []string{"model"}),
	}
}

// Attach subscribes the Recorder to every event type it understands. Safe
// to call once per Recorder; calling it twice double-counts every event.
func (r *Recorder) Attach(bus *eventbus.Bus) {
	bus.On(eventbus.CacheHit, func(eventbus.Event) { r.cacheHits.Inc() })
	bus.On(eventbus.CacheMiss, func(eventbus.Event) { r.cacheMisses.Inc() })

	bus.On(eventbus.RequestBlocked, func(ev eventbus.Event) {
		stage := "unknown"
		if data, ok := ev.Data.(map[string]any); ok {
			if s, ok := data["stage"].(string); ok {
				stage = s
			}
		}
		r.requestsBlocked.WithLabelValues(stage).Inc()
	})

	bus.On(eventbus.RouterDowngraded, func(eventbus.Event) { r.routerDowngrades.Inc() })
	bus.On(eventbus.ContextTrimmed, func(eventbus.Event) { r.contextTrims.Inc() })
	bus.On(eventbus.PrefixOptimized, func(eventbus.Event) { r.prefixOptimized.Inc() })

	bus.On(eventbus.BreakerWarning, func(ev eventbus.Event) { r.breakerWarnings.WithLabelValues(windowLabel(ev)).Inc() })
	bus.On(eventbus.BreakerTripped, func(ev eventbus.Event) { r.breakerTrips.WithLabelValues(windowLabel(ev)).Inc() })

	bus.On(eventbus.UserBudgetWarning, func(ev eventbus.Event) { r.budgetWarnings.WithLabelValues(userWindowLabel(ev)).Inc() })
	bus.On(eventbus.UserBudgetExceed, func(ev eventbus.Event) { r.budgetExceeded.WithLabelValues(userWindowLabel(ev)).Inc() })

	bus.On(eventbus.LedgerEntry, func(ev eventbus.Event) {
		entry, ok := ev.Data.(ledger.Entry)
		if !ok {
			return
		}
		r.ledgerEntries.Inc()
		r.ledgerActualCost.Add(entry.ActualCost)
		r.ledgerSavedCost.Add(entry.TotalSaved)
		r.ledgerCostByModel.WithLabelValues(entry.Model).Add(entry.ActualCost)
	})
}

func windowLabel(ev eventbus.Event) string {
	if data, ok := ev.Data.(map[string]any); ok {
		if w, ok := data["window"].(breaker.Window); ok {
			return string(w)
		}
	}
	return "unknown"
}

func userWindowLabel(ev eventbus.Event) string {
	if data, ok := ev.Data.(map[string]any); ok {
		if w, ok := data["window"].(string); ok {
			return w
		}
	}
	return "unknown"
}

// Handler returns an HTTP handler exposing the Recorder's metrics in
// Prometheus text format, for a host application to mount wherever it
// already serves operational endpoints.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
