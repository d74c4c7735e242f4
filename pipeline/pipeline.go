// Package pipeline implements the Pipeline (C14): the orchestrator that
// wires C6 through C13 into the 9-step request transform and response wrap
// described by the system (check breaker and budget, gate on the guard,
// short-circuit on a cache hit, fit context, route the model, optimize the
// prefix, then on generation record ledger/budget/breaker/cache state).
// Grounded on the teacher's gateway Handler
// (internal/transport/http/handlers/chat.go's request lifecycle), replacing
// its HTTP-specific middleware chain with a direct Go call chain plus an
// in-process event bus.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/christireid/tokenshield/breaker"
	"github.com/christireid/tokenshield/budget"
	"github.com/christireid/tokenshield/cache"
	"github.com/christireid/tokenshield/contextmgr"
	"github.com/christireid/tokenshield/encoder"
	"github.com/christireid/tokenshield/eventbus"
	"github.com/christireid/tokenshield/guard"
	"github.com/christireid/tokenshield/ledger"
	"github.com/christireid/tokenshield/pricing"
	"github.com/christireid/tokenshield/prefix"
	"github.com/christireid/tokenshield/router"
)

// Message is the pipeline's own view of a conversation turn. It carries
// every field any sub-package might need; TransformParams converts to and
// from each sub-package's narrower Message shape at the stage boundary.
type Message struct {
	Role      string
	Content   string
	Priority  int32
	Timestamp uint64
	Pinned    bool
}

// Params is one request into the pipeline.
type Params struct {
	Messages  []Message
	ModelID   string
	UserID    string
	MaxTokens uint32
	Feature   string
	RequestID string
}

// defaultEstimatedOutputTokens is used when Params.MaxTokens is unset, to
// give the budget/breaker/guard checks a cost estimate to work from.
const defaultEstimatedOutputTokens = 500

// requestState carries bookkeeping from TransformParams through to
// WrapGenerate/WrapStream: the reserved cost (for release-on-failure and
// release-by-estimate, never by actual — spec §4.6), the attributed
// per-module savings, and enough of the original request to compute the
// ledger's counterfactual.
type requestState struct {
	userID              string
	model               string
	originalModel       string
	estimatedCost       float64
	fingerprint         string
	prompt              string
	inputTokens         uint32
	originalInputTokens uint32
	savings             ledger.Savings
	feature             string
	reservedInflight    bool
}

// Transformed is returned by TransformParams and consumed by
// WrapGenerate/WrapStream.
type Transformed struct {
	Params         Params
	CacheHit       bool
	CachedResponse string
	state          *requestState
}

// GenerateResult is what a non-streaming provider call returns.
type GenerateResult struct {
	Content      string
	InputTokens  uint32
	OutputTokens uint32
	CachedTokens uint32
}

// DoGenerateFunc is the host application's actual provider call.
type DoGenerateFunc func(ctx context.Context, params Params) (GenerateResult, error)

// StreamChunk is one piece of a streamed response. Done marks the final
// chunk; Content on a Done chunk may be empty (the accumulated text is
// tracked internally by WrapStream).
type StreamChunk struct {
	Content string
	Done    bool
}

// DoStreamFunc is the host application's actual streaming provider call.
type DoStreamFunc func(ctx context.Context, params Params) (<-chan StreamChunk, error)

// Pipeline is one configured instance of the whole transform+wrap chain.
// Every sub-component it owns (Cache, Guard, Breaker, Manager, Ledger,
// Bus) is private to this Pipeline — two Pipelines never share state
// (spec §3, "Ownership").
type Pipeline struct {
	cfg     Config
	bus     *eventbus.Bus
	cache   *cache.Cache
	guard   *guard.Guard
	breaker *breaker.Breaker
	budget  *budget.Manager
	ledger  *ledger.Ledger
	sf      singleflight.Group
}

// New validates cfg and wires every enabled module together. It fails fast
// with a *ConfigError rather than allowing a misconfiguration to surface
// as confusing runtime behavior (spec §9, "Config validation").
func New(cfg Config) (*Pipeline, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	bus := eventbus.New()

	if cfg.UserBudget.Pricing == nil {
		cfg.UserBudget.Pricing = cfg.Pricing
	}
	if cfg.UserBudget.Store == nil {
		cfg.UserBudget.Store = cfg.Store
	}
	if cfg.UserBudget.Logger == nil {
		cfg.UserBudget.Logger = cfg.Logger
	}

	userOnWarning, userOnExceeded := cfg.UserBudget.OnWarning, cfg.UserBudget.OnExceeded
	cfg.UserBudget.OnWarning = func(userID, window string, limit, current float64) {
		bus.Emit(eventbus.Event{Type: eventbus.UserBudgetWarning, Data: map[string]any{
			"userId": userID, "window": window, "limit": limit, "current": current,
		}})
		if userOnWarning != nil {
			userOnWarning(userID, window, limit, current)
		}
	}
	cfg.UserBudget.OnExceeded = func(userID, window string, limit, current float64) {
		bus.Emit(eventbus.Event{Type: eventbus.UserBudgetExceed, Data: map[string]any{
			"userId": userID, "window": window, "limit": limit, "current": current,
		}})
		if userOnExceeded != nil {
			userOnExceeded(userID, window, limit, current)
		}
	}

	breakerOnWarning, breakerOnTripped := cfg.Breaker.OnWarning, cfg.Breaker.OnTripped
	cfg.Breaker.OnWarning = func(w breaker.Window, limit, current float64) {
		bus.Emit(eventbus.Event{Type: eventbus.BreakerWarning, Data: map[string]any{"window": w, "limit": limit, "current": current}})
		if breakerOnWarning != nil {
			breakerOnWarning(w, limit, current)
		}
	}
	cfg.Breaker.OnTripped = func(w breaker.Window, limit, current float64) {
		bus.Emit(eventbus.Event{Type: eventbus.BreakerTripped, Data: map[string]any{"window": w, "limit": limit, "current": current}})
		if breakerOnTripped != nil {
			breakerOnTripped(w, limit, current)
		}
	}

	p := &Pipeline{cfg: cfg, bus: bus}

	if cfg.Modules.Cache {
		if cfg.Cache.Logger == nil {
			cfg.Cache.Logger = cfg.Logger
		}
		p.cache = cache.New(cfg.Cache, cfg.Store)
	}
	if cfg.Modules.Guard {
		p.guard = guard.New(cfg.Guard)
	}
	p.breaker = breaker.New(cfg.Breaker)
	p.budget = budget.New(cfg.UserBudget)
	if cfg.Modules.Ledger {
		p.ledger = ledger.New(ledger.Config{Pricing: cfg.Pricing, Bus: bus, Feature: cfg.Ledger.Feature})
	}

	return p, nil
}

// EventBus exposes the pipeline's event bus for host applications that want
// to observe cache hits, budget warnings, breaker trips, and so on.
func (p *Pipeline) EventBus() *eventbus.Bus { return p.bus }

// CacheStats passes through Cache.Stats, or the zero value if caching is
// disabled.
func (p *Pipeline) CacheStats() cache.Stats {
	if p.cache == nil {
		return cache.Stats{}
	}
	return p.cache.Stats()
}

// BudgetStatus passes through Manager.GetStatus.
func (p *Pipeline) BudgetStatus(userID string) budget.Status {
	return p.budget.GetStatus(userID)
}

// BreakerStatus passes through Breaker.GetStatus.
func (p *Pipeline) BreakerStatus() breaker.Status {
	return p.breaker.GetStatus()
}

// LedgerSummary passes through Ledger.GetSummary, or the zero value if the
// ledger module is disabled.
func (p *Pipeline) LedgerSummary() ledger.Summary {
	if p.ledger == nil {
		return ledger.Summary{}
	}
	return p.ledger.GetSummary()
}

// TransformParams implements the 9-step pre-generation transform (spec
// §4.8): circuit breaker, user budget reservation, request guard, cache
// short-circuit, (reserved compressor/delta-encoder extension points, both
// no-ops here — spec.md names them as optional stages without a defined
// contract), context fit, model routing, prefix optimization.
func (p *Pipeline) TransformParams(ctx context.Context, params Params) (*Transformed, error) {
	if p.cfg.GetUserID != nil {
		params.UserID = p.cfg.GetUserID(ctx)
	}

	if p.cfg.DryRun {
		return p.transformParamsDryRun(params), nil
	}

	blocked := func(err *BlockedError) (*Transformed, error) {
		if p.cfg.OnBlocked != nil {
			p.cfg.OnBlocked(err)
		}
		return nil, err
	}

	estInput := p.cfg.Encoder.ChatTokens(toEncoderMessages(params.Messages))
	estOutput := params.MaxTokens
	if estOutput == 0 {
		estOutput = defaultEstimatedOutputTokens
	}
	estimatedCost := pricing.Estimate(p.cfg.Pricing, params.ModelID, estInput, estOutput, 0).TotalCost

	// 1. Circuit Breaker.
	if br := p.breaker.Check(estimatedCost); !br.Allowed {
		return blocked(&BlockedError{Reason: ReasonBreaker, Metadata: map[string]any{"window": br.Reason}})
	}

	// 2. User Budget: reserves estimatedCost against the user's inflight
	// balance on success.
	reserved := false
	if cr := p.budget.Check(params.UserID, params.ModelID, estInput, estOutput); !cr.Allowed {
		return blocked(&BlockedError{Reason: ReasonUserBudget, Metadata: map[string]any{"window": cr.Reason}})
	} else {
		reserved = true
	}

	state := &requestState{
		userID:           params.UserID,
		model:            params.ModelID,
		estimatedCost:    estimatedCost,
		feature:          params.Feature,
		reservedInflight: reserved,
	}

	// 3. Request Guard.
	if p.guard != nil {
		state.fingerprint = guard.Fingerprint(lastUserContent(params.Messages))
		if gr := p.guard.Check(state.fingerprint, estimatedCost); !gr.Allowed {
			p.releaseReservation(state)
			p.bus.Emit(eventbus.Event{Type: eventbus.RequestBlocked, Data: map[string]any{"stage": "guard", "reason": string(gr.Reason)}})
			if p.ledger != nil {
				p.ledger.RecordBlocked(params.ModelID, estimatedCost, params.Feature)
			}
			return blocked(&BlockedError{Reason: ReasonGuard, Metadata: map[string]any{"guardReason": string(gr.Reason)}})
		}
	}

	// 4. Response Cache.
	prompt := lastUserContent(params.Messages)
	if p.cache != nil {
		lr := p.cache.Peek(ctx, prompt, params.ModelID)
		if lr.Hit {
			p.releaseReservation(state)
			p.bus.Emit(eventbus.Event{Type: eventbus.CacheHit, Data: lr})
			wouldHaveCost := pricing.Estimate(p.cfg.Pricing, params.ModelID, lr.Entry.InputTokens, lr.Entry.OutputTokens, 0).TotalCost
			if p.ledger != nil {
				p.ledger.RecordCacheHit(params.ModelID, wouldHaveCost, params.Feature)
			}
			p.cache.RecordSavedTokens(uint64(lr.Entry.InputTokens) + uint64(lr.Entry.OutputTokens))
			return &Transformed{Params: params, CacheHit: true, CachedResponse: lr.Entry.Response, state: state}, nil
		}
		p.bus.Emit(eventbus.Event{Type: eventbus.CacheMiss, Data: prompt})
	}

	// 5. Compressor (optional extension point, not otherwise specified):
	// no-op.
	// 6. DeltaEncoder (optional extension point, not otherwise specified):
	// no-op.

	messages := params.Messages

	// 7. Context Manager.
	if p.cfg.Modules.Context {
		budgetTokens := contextmgr.Budget(p.cfg.Context.MaxContextTokens, p.cfg.Context.ReservedForOutput, p.cfg.Context.ToolTokenOverhead)
		cmMessages := toContextMessages(messages)

		var fit contextmgr.FitResult
		switch p.cfg.Context.Strategy {
		case StrategySliding:
			fit = contextmgr.SlidingWindow(p.cfg.Encoder, cmMessages, p.cfg.Context.SlidingMax)
		case StrategyPriority:
			fit = contextmgr.PriorityFit(p.cfg.Encoder, cmMessages, budgetTokens)
		case StrategySmart:
			fit = contextmgr.SmartFit(p.cfg.Encoder, cmMessages, budgetTokens)
		default:
			fit = contextmgr.FitToBudget(p.cfg.Encoder, cmMessages, budgetTokens)
		}

		if fit.EvictedCount > 0 {
			state.originalInputTokens = estInput
			state.savings.Context += pricing.Estimate(p.cfg.Pricing, params.ModelID, fit.EvictedTokens, 0, 0).TotalCost
			p.bus.Emit(eventbus.Event{Type: eventbus.ContextTrimmed, Data: fit})
		}
		messages = fromContextMessages(fit.Messages)
	}

	// 8. Model Router.
	if p.cfg.Modules.Router {
		analysis := router.AnalyzeComplexity(lastUserContent(messages))
		if cand, ok := router.RouteToModel(analysis.Score, p.cfg.Router.Candidates); ok && cand.ModelID != params.ModelID {
			originalCost := pricing.Estimate(p.cfg.Pricing, params.ModelID, estInput, estOutput, 0).TotalCost
			newCost := pricing.Estimate(p.cfg.Pricing, cand.ModelID, estInput, estOutput, 0).TotalCost
			if p.cfg.Router.DryRun {
				if p.cfg.OnDryRun != nil {
					p.cfg.OnDryRun("router", fmt.Sprintf("would route %s -> %s (score %d)", params.ModelID, cand.ModelID, analysis.Score))
				}
			} else {
				state.originalModel = params.ModelID
				if newCost < originalCost {
					state.savings.Router += originalCost - newCost
				}
				params.ModelID = cand.ModelID
				state.model = cand.ModelID
				p.bus.Emit(eventbus.Event{Type: eventbus.RouterDowngraded, Data: map[string]any{
					"from": state.originalModel, "to": cand.ModelID, "score": analysis.Score,
				}})
			}
		}
	}

	// 9. Prefix Optimizer.
	if p.cfg.Modules.Prefix {
		if reordered, changed := p.applyPrefixOptimizer(messages); changed {
			messages = reordered
			p.bus.Emit(eventbus.Event{Type: eventbus.PrefixOptimized, Data: nil})
		}
	}

	params.Messages = messages
	state.prompt = lastUserContent(messages)
	state.inputTokens = p.cfg.Encoder.ChatTokens(toEncoderMessages(messages))

	return &Transformed{Params: params, state: state}, nil
}

// transformParamsDryRun runs the breaker, guard, cache and router checks for
// their reporting value only: no reservation, no blocking, no mutation of
// params. The context and prefix stages are not run. The guard and breaker
// checks are the live ones: an allowed guard check records the fingerprint,
// and breaker warning/trip callbacks fire.
func (p *Pipeline) transformParamsDryRun(params Params) *Transformed {
	report := func(stage, detail string) {
		if p.cfg.OnDryRun != nil {
			p.cfg.OnDryRun(stage, detail)
		}
	}

	estInput := p.cfg.Encoder.ChatTokens(toEncoderMessages(params.Messages))
	estOutput := params.MaxTokens
	if estOutput == 0 {
		estOutput = defaultEstimatedOutputTokens
	}
	estimatedCost := pricing.Estimate(p.cfg.Pricing, params.ModelID, estInput, estOutput, 0).TotalCost

	if br := p.breaker.Check(estimatedCost); !br.Allowed {
		report("breaker", fmt.Sprintf("would block: window %s", br.Reason))
	}
	if p.guard != nil {
		fp := guard.Fingerprint(lastUserContent(params.Messages))
		if gr := p.guard.Check(fp, 0); !gr.Allowed {
			report("guard", fmt.Sprintf("would block: %s", gr.Reason))
		}
	}
	if p.cache != nil {
		if lr := p.cache.Peek(context.Background(), lastUserContent(params.Messages), params.ModelID); lr.Hit {
			report("cache", "would short-circuit on cache hit")
		}
	}
	if p.cfg.Modules.Router {
		analysis := router.AnalyzeComplexity(lastUserContent(params.Messages))
		if cand, ok := router.RouteToModel(analysis.Score, p.cfg.Router.Candidates); ok && cand.ModelID != params.ModelID {
			report("router", fmt.Sprintf("would route %s -> %s", params.ModelID, cand.ModelID))
		}
	}

	return &Transformed{Params: params, state: &requestState{
		userID: params.UserID, model: params.ModelID, estimatedCost: estimatedCost,
		prompt: lastUserContent(params.Messages), feature: params.Feature,
	}}
}

func (p *Pipeline) releaseReservation(st *requestState) {
	if st.reservedInflight {
		p.budget.ReleaseInflight(st.userID, st.estimatedCost)
		st.reservedInflight = false
	}
}

// applyPrefixOptimizer delegates the reorder-or-not decision to
// prefix.Optimize (operating on the role/content projection it
// understands), then replays the same stable system-first partition over
// the richer pipeline.Message slice so Priority/Timestamp/Pinned survive.
func (p *Pipeline) applyPrefixOptimizer(messages []Message) ([]Message, bool) {
	res := prefix.Optimize(toPrefixMessages(messages))
	if !res.Reordered {
		return messages, false
	}

	var system, rest []Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	out := make([]Message, 0, len(messages))
	out = append(out, system...)
	out = append(out, rest...)
	return out, true
}

// WrapGenerate runs doGenerate (unless a cache hit already satisfied the
// request), coalescing concurrent identical requests for the same
// normalized prompt+model through a singleflight group so only one actually
// reaches the provider (spec §4.1, "at-most-once generation per cache key"),
// then records ledger/budget/breaker/cache state from the result.
func (p *Pipeline) WrapGenerate(ctx context.Context, t *Transformed, doGenerate DoGenerateFunc) (GenerateResult, error) {
	if t.CacheHit {
		return GenerateResult{Content: t.CachedResponse}, nil
	}

	st := t.state
	key := cache.Key(st.prompt, t.Params.ModelID)
	v, err, _ := p.sf.Do(key, func() (any, error) {
		return doGenerate(ctx, t.Params)
	})
	if err != nil {
		p.releaseReservation(st)
		return GenerateResult{}, &ProviderError{Err: err}
	}

	result := v.(GenerateResult)
	p.postGenerate(ctx, st, result)
	return result, nil
}

// WrapStream is WrapGenerate's streaming counterpart. It taps the upstream
// channel to accumulate content and output-token count without delaying
// delivery to the consumer; on Done (or on an early channel close, treated
// as cancellation) it runs the same post-generation accounting as
// WrapGenerate, using whatever partial output was actually received. An
// early close that delivered no content only releases the reservation.
func (p *Pipeline) WrapStream(ctx context.Context, t *Transformed, doStream DoStreamFunc) (<-chan StreamChunk, error) {
	if t.CacheHit {
		out := make(chan StreamChunk, 1)
		out <- StreamChunk{Content: t.CachedResponse, Done: true}
		close(out)
		return out, nil
	}

	st := t.state
	upstream, err := doStream(ctx, t.Params)
	if err != nil {
		p.releaseReservation(st)
		return nil, &ProviderError{Err: err}
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		var content strings.Builder
		sawDone := false
		for chunk := range upstream {
			content.WriteString(chunk.Content)
			out <- chunk
			if chunk.Done {
				sawDone = true
				break
			}
		}

		if content.Len() == 0 && !sawDone {
			p.releaseReservation(st)
			return
		}
		outputTokens := p.cfg.Encoder.Encode(content.String())
		p.postGenerate(ctx, st, GenerateResult{Content: content.String(), InputTokens: st.inputTokens, OutputTokens: outputTokens})
	}()
	return out, nil
}

func (p *Pipeline) postGenerate(ctx context.Context, st *requestState, result GenerateResult) {
	actualCost := pricing.Estimate(p.cfg.Pricing, st.model, result.InputTokens, result.OutputTokens, result.CachedTokens).TotalCost

	if p.ledger != nil {
		p.ledger.Record(ledger.RecordInput{
			Model:               st.model,
			InputTokens:         result.InputTokens,
			OutputTokens:        result.OutputTokens,
			CachedTokens:        result.CachedTokens,
			Savings:             st.savings,
			Feature:             st.feature,
			OriginalModel:       st.originalModel,
			OriginalInputTokens: st.originalInputTokens,
		})
	}
	// RecordSpend always releases by the reserved estimate, never by
	// actualCost, even though both are available here — this keeps the
	// release path identical to the one used on every rejection branch.
	p.budget.RecordSpend(ctx, st.userID, actualCost, st.model, st.estimatedCost)
	p.bus.Emit(eventbus.Event{Type: eventbus.UserBudgetSpend, Data: map[string]any{
		"userId": st.userID, "model": st.model, "cost": actualCost,
	}})
	st.reservedInflight = false
	p.breaker.RecordSpend(actualCost, st.model)
	if p.cache != nil {
		p.cache.Store(ctx, st.prompt, result.Content, st.model, result.InputTokens, result.OutputTokens)
	}
	if p.cfg.OnUsage != nil {
		p.cfg.OnUsage(result.InputTokens, result.OutputTokens, st.model)
	}
}

func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func toEncoderMessages(msgs []Message) []encoder.Message {
	out := make([]encoder.Message, len(msgs))
	for i, m := range msgs {
		out[i] = encoder.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toContextMessages(msgs []Message) []contextmgr.Message {
	out := make([]contextmgr.Message, len(msgs))
	for i, m := range msgs {
		out[i] = contextmgr.Message{Role: m.Role, Content: m.Content, Priority: m.Priority, Timestamp: m.Timestamp, Pinned: m.Pinned}
	}
	return out
}

func fromContextMessages(msgs []contextmgr.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Content: m.Content, Priority: m.Priority, Timestamp: m.Timestamp, Pinned: m.Pinned}
	}
	return out
}

func toPrefixMessages(msgs []Message) []prefix.Message {
	out := make([]prefix.Message, len(msgs))
	for i, m := range msgs {
		out[i] = prefix.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
