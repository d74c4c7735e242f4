package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christireid/tokenshield/pricing"
)

func newTestRegistry() *pricing.Registry {
	r := pricing.NewRegistry()
	r.Register(pricing.ModelPrice{ModelID: "m", InputPerM: 1, OutputPerM: 1})
	return r
}

func TestCheckNoLimitsAllowsEverything(t *testing.T) {
	m := New(Config{})
	res := m.Check("u1", "m", 1000, 1000)
	assert.True(t, res.Allowed)
}

func TestDailyBudgetExceededBlocks(t *testing.T) {
	var exceededCount int
	var lastLimitType string
	m := New(Config{
		DefaultLimits: &Limits{Daily: 5, Monthly: 100},
		Pricing:       newTestRegistry(),
		OnExceeded: func(userID, limitType string, limit, current float64) {
			exceededCount++
			lastLimitType = limitType
		},
	})

	m.RecordSpend(context.Background(), "u1", 5.00, "m", 0)

	res := m.Check("u1", "m", 1, 1)
	assert.False(t, res.Allowed)
	assert.Equal(t, "daily", res.Reason)
	assert.Equal(t, 1, exceededCount, "onBudgetExceeded should fire exactly once")
	assert.Equal(t, "daily", lastLimitType)
}

func TestInflightReleasedOnProviderFailure(t *testing.T) {
	m := New(Config{DefaultLimits: &Limits{Daily: 100}, Pricing: newTestRegistry()})

	res := m.Check("u1", "m", 50_000, 50_000) // reserves an estimate
	require.True(t, res.Allowed)
	require.Greater(t, m.GetStatus("u1").Inflight, 0.0)

	m.ReleaseInflight("u1", res.Status.Inflight)

	status := m.GetStatus("u1")
	assert.Equal(t, 0.0, status.Inflight)
	assert.Equal(t, 0.0, status.Daily.Spend, "no ledger/spend record should have been appended")
}

func TestRecordSpendReleasesByEstimateNotActual(t *testing.T) {
	m := New(Config{DefaultLimits: &Limits{Daily: 100}, Pricing: newTestRegistry()})

	res := m.Check("u1", "m", 1_000_000, 0) // estimate ~$1
	require.True(t, res.Allowed)
	estimate := m.GetStatus("u1").Inflight
	require.Greater(t, estimate, 0.0)

	// Actual cost differs wildly from the estimate; inflight must still
	// zero out because release uses the estimate, not actualCost.
	m.RecordSpend(context.Background(), "u1", 9.99, "m", estimate)

	status := m.GetStatus("u1")
	assert.Equal(t, 0.0, status.Inflight)
	assert.Equal(t, 9.99, status.Daily.Spend)
}

func TestRecordSpendZeroActualAppendsNoRecord(t *testing.T) {
	m := New(Config{DefaultLimits: &Limits{Daily: 100}, Pricing: newTestRegistry()})
	m.RecordSpend(context.Background(), "u1", 0, "m", 0.5)
	status := m.GetStatus("u1")
	assert.Equal(t, 0.0, status.Daily.Spend)
}

func TestZeroLimitMeansUnenforced(t *testing.T) {
	m := New(Config{DefaultLimits: &Limits{Daily: 0, Monthly: 0}, Pricing: newTestRegistry()})
	res := m.Check("u1", "m", 1_000_000_000, 0)
	assert.True(t, res.Allowed)
}

func TestWarningFiresOnceAt80Percent(t *testing.T) {
	var warnings int
	m := New(Config{
		DefaultLimits: &Limits{Daily: 10},
		Pricing:       newTestRegistry(),
		OnWarning:     func(userID, limitType string, limit, current float64) { warnings++ },
	})
	m.RecordSpend(context.Background(), "u1", 8.5, "m", 0)

	m.Check("u1", "m", 1, 1)
	m.Check("u1", "m", 1, 1)
	m.Check("u1", "m", 1, 1)

	assert.Equal(t, 1, warnings)
}

func TestGetStatusSnapshotStability(t *testing.T) {
	m := New(Config{DefaultLimits: &Limits{Daily: 100}, Pricing: newTestRegistry()})
	s1 := m.GetStatus("u1")
	s2 := m.GetStatus("u1")
	assert.Equal(t, s1, s2)
}

func TestGetModelForUserTierRouting(t *testing.T) {
	m := New(Config{
		UserLimits: map[string]Limits{"u1": {Tier: "gold"}},
		TierModels: map[string]string{"gold": "gpt-4o"},
	})
	assert.Equal(t, "gpt-4o", m.GetModelForUser("u1"))
	assert.Equal(t, "", m.GetModelForUser("unknown-user"))
}

func TestInflightNeverNegative(t *testing.T) {
	m := New(Config{DefaultLimits: &Limits{Daily: 1000}, Pricing: newTestRegistry()})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Check("u1", "m", 1000, 1000)
			m.ReleaseInflight("u1", 1_000_000) // deliberately over-release
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, m.GetStatus("u1").Inflight, 0.0)
}

func TestRecordSpendPrunesOldRecords(t *testing.T) {
	m := New(Config{DefaultLimits: &Limits{Daily: 1000}, Pricing: newTestRegistry()})
	old := time.Now().Add(-40 * 24 * time.Hour)
	m.mu.Lock()
	m.records = append(m.records, SpendRecord{Timestamp: old, Cost: 1, Model: "m", UserID: "u1"})
	m.mu.Unlock()

	m.RecordSpend(context.Background(), "u1", 1, "m", 0)

	m.mu.Lock()
	count := len(m.records)
	m.mu.Unlock()
	assert.Equal(t, 1, count, "records older than the retention window should be pruned")
}
