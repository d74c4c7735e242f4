package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuardDebounce(t *testing.T) {
	g := New(Config{DebounceMs: 50})
	fp := Fingerprint("hello world")

	r1 := g.Check(fp, 0)
	assert.True(t, r1.Allowed)

	r2 := g.Check(fp, 0)
	assert.False(t, r2.Allowed)
	assert.Equal(t, ReasonDebounce, r2.Reason)

	time.Sleep(60 * time.Millisecond)
	r3 := g.Check(fp, 0)
	assert.True(t, r3.Allowed)
}

func TestGuardRateLimit(t *testing.T) {
	g := New(Config{MaxRequestsPerMinute: 2})
	fp := Fingerprint("abc def")

	assert.True(t, g.Check(fp, 0).Allowed)
	assert.True(t, g.Check(fp, 0).Allowed)
	r := g.Check(fp, 0)
	assert.False(t, r.Allowed)
	assert.Equal(t, ReasonRate, r.Reason)
}

func TestGuardCostGate(t *testing.T) {
	g := New(Config{MaxCostPerHour: 1.0})

	assert.True(t, g.Check(Fingerprint("first"), 0.6).Allowed)
	r := g.Check(Fingerprint("second"), 0.6)
	assert.False(t, r.Allowed)
	assert.Equal(t, ReasonCostGate, r.Reason)
}

func TestGuardMinLength(t *testing.T) {
	g := New(Config{MinInputLength: 10})
	r := g.Check(Fingerprint("hi"), 0)
	assert.False(t, r.Allowed)
	assert.Equal(t, ReasonMinLength, r.Reason)
}

func TestGuardAllowsDistinctFingerprints(t *testing.T) {
	g := New(Config{DebounceMs: 10_000})
	assert.True(t, g.Check(Fingerprint("one"), 0).Allowed)
	assert.True(t, g.Check(Fingerprint("two"), 0).Allowed)
}

func TestGuardNoLimitsConfiguredAllowsEverything(t *testing.T) {
	g := New(Config{})
	for i := 0; i < 10; i++ {
		assert.True(t, g.Check(Fingerprint("same message"), 0).Allowed)
	}
}
