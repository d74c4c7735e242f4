// Package breaker implements the Circuit Breaker (C10): rolling-window
// spend caps over session/hour/day/month windows, backed by a single
// time-ordered deque of (timestamp, cost) records, with warn/throttle/stop
// action modes. The mutex-guarded state-machine idiom is grounded on the
// teacher's SimpleBreaker/Manager (pkg/circuitbreaker/breaker.go); the
// windowed-accounting idea is grounded on
// internal/services/circuitbreaker/adaptive.go's sliding latency window,
// generalized here to four concurrent cost windows over one deque.
package breaker

import (
	"sync"
	"time"
)

// Window identifies one of the four rolling spend windows.
type Window string

const (
	WindowSession Window = "session"
	WindowHour    Window = "hour"
	WindowDay     Window = "day"
	WindowMonth   Window = "month"
)

var windowDurations = map[Window]time.Duration{
	WindowHour:  time.Hour,
	WindowDay:   24 * time.Hour,
	WindowMonth: 30 * 24 * time.Hour,
}

// Action is what the breaker does when a limit is reached.
type Action string

const (
	ActionStop     Action = "stop"
	ActionThrottle Action = "throttle"
	ActionWarn     Action = "warn"
)

// Limits is a set of caps per window. Zero means zero-budget (blocks every
// request in that window); a nil limit leaves that window unenforced.
type Limits struct {
	PerSession *float64
	PerHour    *float64
	PerDay     *float64
	PerMonth   *float64
}

// Config configures a Breaker.
type Config struct {
	Limits     Limits
	Action     Action
	OnWarning  func(window Window, limit, current float64)
	OnTripped  func(window Window, limit, current float64)
}

type spendRecord struct {
	at   time.Time
	cost float64
}

// Breaker is one pipeline's Circuit Breaker.
type Breaker struct {
	mu           sync.Mutex
	cfg          Config
	started      time.Time
	records      []spendRecord // time-ordered, oldest first
	lastFireWarn map[Window]time.Time
	lastFireTrip map[Window]time.Time
}

// New creates a Breaker. Construction time is the start of the "session"
// window.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:          cfg,
		started:      time.Now(),
		lastFireWarn: make(map[Window]time.Time),
		lastFireTrip: make(map[Window]time.Time),
	}
}

// Result is returned by Check.
type Result struct {
	Allowed bool
	Reason  string
	Throttle bool
}

// Check evaluates whether a request of the given estimated cost would push
// any enforced window over its limit.
func (b *Breaker) Check(estimatedCost float64) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.evictOldLocked(now)

	for _, w := range []Window{WindowSession, WindowHour, WindowDay, WindowMonth} {
		limit, ok := b.limitFor(w)
		if !ok {
			continue
		}
		current := b.sumWindowLocked(w, now)
		projected := current + estimatedCost

		if limit == 0 || projected >= limit {
			b.fireLocked(w, limit, projected, true)
			switch b.cfg.Action {
			case ActionStop:
				return Result{Allowed: false, Reason: string(w)}
			case ActionThrottle:
				return Result{Allowed: true, Throttle: true, Reason: string(w)}
			case ActionWarn:
				// allowed, callback already fired
			}
			continue
		}

		if projected >= 0.8*limit {
			b.fireLocked(w, limit, projected, false)
		}
	}

	return Result{Allowed: true}
}

// RecordSpend appends a spend record, visible to all four windows.
func (b *Breaker) RecordSpend(cost float64, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.records = append(b.records, spendRecord{at: now, cost: cost})
	b.evictOldLocked(now)
}

// UpdateLimits replaces the breaker's configured limits.
func (b *Breaker) UpdateLimits(limits Limits) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Limits = limits
}

// Reset clears all spend history and fired-warning state, restarting the
// session window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	b.started = time.Now()
	b.lastFireWarn = make(map[Window]time.Time)
	b.lastFireTrip = make(map[Window]time.Time)
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	Session, Hour, Day, Month float64
}

// GetStatus returns the current spend sum for every window.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.evictOldLocked(now)
	return Status{
		Session: b.sumWindowLocked(WindowSession, now),
		Hour:    b.sumWindowLocked(WindowHour, now),
		Day:     b.sumWindowLocked(WindowDay, now),
		Month:   b.sumWindowLocked(WindowMonth, now),
	}
}

func (b *Breaker) limitFor(w Window) (float64, bool) {
	var p *float64
	switch w {
	case WindowSession:
		p = b.cfg.Limits.PerSession
	case WindowHour:
		p = b.cfg.Limits.PerHour
	case WindowDay:
		p = b.cfg.Limits.PerDay
	case WindowMonth:
		p = b.cfg.Limits.PerMonth
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// sumWindowLocked walks the deque backward from the newest record until it
// crosses the window cutoff (spec §4.5). Caller must hold b.mu.
func (b *Breaker) sumWindowLocked(w Window, now time.Time) float64 {
	var cutoff time.Time
	if w == WindowSession {
		cutoff = b.started
	} else {
		cutoff = now.Add(-windowDurations[w])
		if cutoff.Before(b.started) {
			cutoff = b.started
		}
	}

	var sum float64
	for i := len(b.records) - 1; i >= 0; i-- {
		if b.records[i].at.Before(cutoff) {
			break
		}
		sum += b.records[i].cost
	}
	return sum
}

// evictOldLocked drops records older than the widest window (month),
// whether or not that window is enforced, bounding deque growth. Caller must hold b.mu.
func (b *Breaker) evictOldLocked(now time.Time) {
	cutoff := now.Add(-windowDurations[WindowMonth])
	i := 0
	for i < len(b.records) && b.records[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.records = b.records[i:]
	}
}

// fireLocked fires onWarning/onTripped at most once per window crossing,
// tracked by the last-fire timestamp per (limit window, kind); it resets
// naturally once the spend window rolls past the crossing. Caller must hold
// b.mu.
func (b *Breaker) fireLocked(w Window, limit, current float64, tripped bool) {
	fireMap := b.lastFireWarn
	cb := b.cfg.OnWarning
	if tripped {
		fireMap = b.lastFireTrip
		cb = b.cfg.OnTripped
	}

	last, fired := fireMap[w]
	now := time.Now()
	windowStart := now
	if w != WindowSession {
		windowStart = now.Add(-windowDurations[w])
	} else {
		windowStart = b.started
	}

	if fired && last.After(windowStart) {
		return
	}
	fireMap[w] = now
	if cb != nil {
		cb(w, limit, current)
	}
}
