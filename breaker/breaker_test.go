package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestBreakerStopModeTripsAtLimit(t *testing.T) {
	b := New(Config{Limits: Limits{PerHour: f64(0.25)}, Action: ActionStop})

	costs := []float64{0.05, 0.08, 0.06, 0.04, 0.05, 0.03, 0.02}
	var blocked bool
	for i, c := range costs {
		res := b.Check(c)
		if !res.Allowed {
			blocked = true
			assert.Equal(t, "hour", res.Reason)
			t.Logf("blocked at step %d", i)
			break
		}
		b.RecordSpend(c, "m")
	}
	require.True(t, blocked, "breaker should trip once cumulative hourly spend reaches the limit")

	// Subsequent requests remain blocked until the window rolls.
	res := b.Check(0.01)
	assert.False(t, res.Allowed)
}

func TestBreakerPerSessionZeroBlocksAll(t *testing.T) {
	b := New(Config{Limits: Limits{PerSession: f64(0)}, Action: ActionStop})
	res := b.Check(0.0001)
	assert.False(t, res.Allowed)
}

func TestBreakerThrottleModeAllowsButFlags(t *testing.T) {
	b := New(Config{Limits: Limits{PerHour: f64(1)}, Action: ActionThrottle})
	b.RecordSpend(1.5, "m")
	res := b.Check(0)
	assert.True(t, res.Allowed)
	assert.True(t, res.Throttle)
}

func TestBreakerWarnModeAlwaysAllows(t *testing.T) {
	var warned bool
	b := New(Config{
		Limits: Limits{PerHour: f64(1)},
		Action: ActionWarn,
		OnTripped: func(w Window, limit, current float64) {
			warned = true
		},
	})
	b.RecordSpend(2, "m")
	res := b.Check(0)
	assert.True(t, res.Allowed)
	assert.True(t, warned)
}

func TestBreakerOnWarningFiresOncePerCrossing(t *testing.T) {
	fireCount := 0
	b := New(Config{
		Limits: Limits{PerHour: f64(10)},
		Action: ActionWarn,
		OnWarning: func(w Window, limit, current float64) {
			fireCount++
		},
	})
	b.RecordSpend(8.5, "m") // crosses 80%
	b.Check(0)
	b.Check(0)
	b.Check(0)
	assert.Equal(t, 1, fireCount, "onWarning should fire exactly once per window crossing")
}

func TestBreakerUnenforcedWindowAlwaysAllows(t *testing.T) {
	b := New(Config{Limits: Limits{}, Action: ActionStop})
	b.RecordSpend(1_000_000, "m")
	res := b.Check(1_000_000)
	assert.True(t, res.Allowed, "a limit omitted from Limits means unenforced")
}

func TestBreakerReset(t *testing.T) {
	b := New(Config{Limits: Limits{PerHour: f64(1)}, Action: ActionStop})
	b.RecordSpend(2, "m")
	assert.False(t, b.Check(0).Allowed)
	b.Reset()
	assert.True(t, b.Check(0).Allowed)
}

func TestBreakerGetStatus(t *testing.T) {
	b := New(Config{})
	b.RecordSpend(1, "m")
	b.RecordSpend(2, "m")
	status := b.GetStatus()
	assert.Equal(t, 3.0, status.Session)
	assert.Equal(t, 3.0, status.Hour)
}

func TestBreakerConcurrentRecordSpend(t *testing.T) {
	b := New(Config{Limits: Limits{PerHour: f64(1_000_000)}, Action: ActionStop})
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			b.RecordSpend(1, "m")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	status := b.GetStatus()
	assert.Equal(t, 50.0, status.Session)
}
