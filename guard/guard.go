// Package guard implements the Request Guard (C9): rejects duplicate,
// over-rate, or over-cost requests before they reach the expensive
// pipeline stages. The sliding-window bucket-per-fingerprint structure is
// grounded on the teacher's InMemoryLimiter
// (internal/services/ratelimit/limiter.go).
package guard

import (
	"sync"
	"time"

	"github.com/christireid/tokenshield/cache"
	"github.com/christireid/tokenshield/encoder"
)

// Reason identifies why Check rejected a request.
type Reason string

const (
	ReasonDebounce  Reason = "debounce"
	ReasonRate      Reason = "rate-limit"
	ReasonCostGate  Reason = "cost-gate"
	ReasonMinLength Reason = "min-length"
)

// Result is returned by Check.
type Result struct {
	Allowed bool
	Reason  Reason
}

// Config configures a Guard.
type Config struct {
	DebounceMs           int64
	MaxRequestsPerMinute int
	MaxCostPerHour       float64
	MinInputLength       int
}

type fingerprintState struct {
	lastSeen    time.Time
	requestLog  []time.Time // sliding window, last 60s
}

// Guard is one pipeline's Request Guard. Owns its own bounded per-fingerprint
// state; not shared across pipeline instances (spec §3, "Ownership").
type Guard struct {
	mu    sync.Mutex
	cfg   Config
	byFP  map[string]*fingerprintState
	costLog []costEntry // cumulative cost observed in the last hour, across all fingerprints
}

type costEntry struct {
	at   time.Time
	cost float64
}

// maxTrackedFingerprints bounds the per-fingerprint map under adversarial
// load (spec §5, "Resource caps").
const maxTrackedFingerprints = 10_000

// New creates a Guard.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg, byFP: make(map[string]*fingerprintState)}
}

// Fingerprint derives the guard's dedup key from the last user message
// (spec §4.4: "normalized last user message").
func Fingerprint(lastUserMessage string) string {
	return cache.Normalize(lastUserMessage)
}

// Check evaluates a request fingerprint against minimum-length, cost-gate,
// debounce, and rate rules, in that order (spec §4.4).
func (g *Guard) Check(fingerprint string, estimatedCost float64) Result {
	now := time.Now()

	// Whitespace-only input is rejected regardless of MinInputLength: a
	// string of blanks can satisfy any configured length floor.
	if encoder.IsWhitespaceOrEmpty(fingerprint) {
		return Result{Allowed: false, Reason: ReasonMinLength}
	}
	if g.cfg.MinInputLength > 0 && len(fingerprint) < g.cfg.MinInputLength {
		return Result{Allowed: false, Reason: ReasonMinLength}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.MaxCostPerHour > 0 {
		g.pruneCostLog(now)
		var sum float64
		for _, e := range g.costLog {
			sum += e.cost
		}
		if sum+estimatedCost > g.cfg.MaxCostPerHour {
			return Result{Allowed: false, Reason: ReasonCostGate}
		}
	}

	st, ok := g.byFP[fingerprint]
	if !ok {
		st = &fingerprintState{}
		g.registerFingerprintLocked(fingerprint, st)
	}

	if g.cfg.DebounceMs > 0 && !st.lastSeen.IsZero() {
		if now.Sub(st.lastSeen) < time.Duration(g.cfg.DebounceMs)*time.Millisecond {
			return Result{Allowed: false, Reason: ReasonDebounce}
		}
	}

	if g.cfg.MaxRequestsPerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		pruned := st.requestLog[:0]
		for _, t := range st.requestLog {
			if t.After(cutoff) {
				pruned = append(pruned, t)
			}
		}
		st.requestLog = pruned
		if len(st.requestLog) >= g.cfg.MaxRequestsPerMinute {
			return Result{Allowed: false, Reason: ReasonRate}
		}
	}

	st.lastSeen = now
	st.requestLog = append(st.requestLog, now)
	if g.cfg.MaxCostPerHour > 0 {
		g.costLog = append(g.costLog, costEntry{at: now, cost: estimatedCost})
	}

	return Result{Allowed: true}
}

// registerFingerprintLocked inserts a new fingerprint entry, evicting the
// single oldest (by lastSeen) entry first when the map is at capacity.
// Caller must hold g.mu.
func (g *Guard) registerFingerprintLocked(fp string, st *fingerprintState) {
	if len(g.byFP) >= maxTrackedFingerprints {
		var oldestFP string
		var oldestTime time.Time
		first := true
		for k, v := range g.byFP {
			if first || v.lastSeen.Before(oldestTime) {
				oldestFP = k
				oldestTime = v.lastSeen
				first = false
			}
		}
		if oldestFP != "" {
			delete(g.byFP, oldestFP)
		}
	}
	g.byFP[fp] = st
}

func (g *Guard) pruneCostLog(now time.Time) {
	cutoff := now.Add(-time.Hour)
	pruned := g.costLog[:0]
	for _, e := range g.costLog {
		if e.at.After(cutoff) {
			pruned = append(pruned, e)
		}
	}
	g.costLog = pruned
}
