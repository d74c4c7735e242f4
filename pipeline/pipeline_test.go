package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christireid/tokenshield/breaker"
	"github.com/christireid/tokenshield/budget"
	"github.com/christireid/tokenshield/cache"
	"github.com/christireid/tokenshield/guard"
	"github.com/christireid/tokenshield/pricing"
	"github.com/christireid/tokenshield/router"
)

func testRegistry() *pricing.Registry {
	r := pricing.NewRegistry()
	r.Register(pricing.ModelPrice{ModelID: "gpt-4o", InputPerM: 5, OutputPerM: 15, Tier: pricing.TierComplex})
	r.Register(pricing.ModelPrice{ModelID: "gpt-4o-mini", InputPerM: 0.15, OutputPerM: 0.6, Tier: pricing.TierSimple})
	r.SetDefault(pricing.ModelPrice{InputPerM: 1, OutputPerM: 2, Tier: pricing.TierModerate})
	return r
}

func baseConfig() Config {
	return Config{
		Modules: Modules{Guard: true, Cache: true, Context: true, Router: true, Prefix: true, Ledger: true},
		Pricing: testRegistry(),
		Cache:   cache.Config{MaxEntries: 100},
		Guard:   guard.Config{},
		Context: ContextConfig{MaxContextTokens: 8000, ReservedForOutput: 500},
		Router:  RouterConfig{Candidates: []router.Candidate{{ModelID: "gpt-4o-mini", Tier: router.TierSimple}, {ModelID: "gpt-4o", Tier: router.TierComplex}}},
	}
}

func f64(v float64) *float64 { return &v }

func userMsg(s string) []Message {
	return []Message{{Role: "user", Content: s}}
}

func stubGenerate(content string, in, out uint32) DoGenerateFunc {
	return func(ctx context.Context, params Params) (GenerateResult, error) {
		return GenerateResult{Content: content, InputTokens: in, OutputTokens: out}, nil
	}
}

func TestDuplicatePromptIsACacheHitOnSecondCall(t *testing.T) {
	cfg := baseConfig()
	p, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	calls := 0
	gen := func(ctx context.Context, params Params) (GenerateResult, error) {
		calls++
		return GenerateResult{Content: "the answer is 4", InputTokens: 10, OutputTokens: 5}, nil
	}

	params := Params{Messages: userMsg("what is 2+2?"), ModelID: "gpt-4o-mini", UserID: "u1"}

	t1, err := p.TransformParams(ctx, params)
	require.NoError(t, err)
	assert.False(t, t1.CacheHit)
	_, err = p.WrapGenerate(ctx, t1, gen)
	require.NoError(t, err)

	t2, err := p.TransformParams(ctx, params)
	require.NoError(t, err)
	assert.True(t, t2.CacheHit)
	res2, err := p.WrapGenerate(ctx, t2, gen)
	require.NoError(t, err)
	assert.Equal(t, "the answer is 4", res2.Content)
	assert.Equal(t, 1, calls, "second identical request should be served from cache, not regenerated")

	summary := p.LedgerSummary()
	assert.Equal(t, 2, summary.TotalCalls)
	assert.Equal(t, 1, summary.CacheHits)
}

func TestDailyBudgetExceededBlocksRequest(t *testing.T) {
	cfg := baseConfig()
	cfg.Modules.Cache = false
	cfg.Modules.Router = false
	var exceededFired int
	cfg.UserBudget = budget.Config{
		DefaultLimits: &budget.Limits{Daily: 5.0, Monthly: 100.0},
		OnExceeded:    func(userID, window string, limit, current float64) { exceededFired++ },
	}
	p, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	params := Params{Messages: userMsg("hello"), ModelID: "gpt-4o", UserID: "u1"}
	transformed, err := p.TransformParams(ctx, params)
	require.NoError(t, err)
	_, err = p.WrapGenerate(ctx, transformed, stubGenerate("hi", 1000, 1000))
	require.NoError(t, err)
	// 1000 input + 1000 output on gpt-4o ($5/$15 per M) = 0.005 + 0.015 = 0.02, well under 5.
	// Record a big spend directly to push the user over budget for the next check.
	p.budget.RecordSpend(ctx, "u1", 5.5, "gpt-4o", 0)

	_, err = p.TransformParams(ctx, params)
	require.Error(t, err)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, ReasonUserBudget, blocked.Reason)
	assert.Equal(t, "daily", blocked.Metadata["window"])
	assert.Equal(t, 1, exceededFired)
}

func TestInflightReleasedOnProviderFailure(t *testing.T) {
	cfg := baseConfig()
	cfg.Modules.Cache = false
	cfg.UserBudget = budget.Config{DefaultLimits: &budget.Limits{Daily: 10.0}}
	p, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	params := Params{Messages: userMsg("hello"), ModelID: "gpt-4o-mini", UserID: "u1"}
	transformed, err := p.TransformParams(ctx, params)
	require.NoError(t, err)

	statusBefore := p.BudgetStatus("u1")
	assert.Greater(t, statusBefore.Inflight, 0.0)

	failing := func(ctx context.Context, params Params) (GenerateResult, error) {
		return GenerateResult{}, errors.New("provider timeout")
	}
	_, err = p.WrapGenerate(ctx, transformed, failing)
	require.Error(t, err)
	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))

	statusAfter := p.BudgetStatus("u1")
	assert.Equal(t, 0.0, statusAfter.Inflight)
}

func TestBreakerTripMidSequenceBlocks(t *testing.T) {
	cfg := baseConfig()
	cfg.Modules.Cache = false
	cfg.Breaker = breaker.Config{
		Limits: breaker.Limits{PerSession: f64(0.10)},
		Action: breaker.ActionStop,
	}
	p, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	params := Params{Messages: userMsg("hello there"), ModelID: "gpt-4o-mini", UserID: "u1"}

	// Spend just under the session cap directly; the request's own estimate
	// (about $0.0003) then takes the projected total past 0.10, so the next
	// check trips.
	p.breaker.RecordSpend(0.0999, "gpt-4o-mini")

	_, err = p.TransformParams(ctx, params)
	require.Error(t, err)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, ReasonBreaker, blocked.Reason)
}

func TestContextTrimAndRouterDowngradeAttributeSavings(t *testing.T) {
	cfg := baseConfig()
	cfg.Context = ContextConfig{MaxContextTokens: 40, ReservedForOutput: 10}
	p, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	var messages []Message
	for i := 0; i < 20; i++ {
		messages = append(messages, Message{Role: "user", Content: "this is a fairly long filler message to consume tokens", Timestamp: uint64(i)})
	}
	messages = append(messages, Message{Role: "user", Content: "simple hi"})

	params := Params{Messages: messages, ModelID: "gpt-4o", UserID: "u1"}
	transformed, err := p.TransformParams(ctx, params)
	require.NoError(t, err)

	assert.Less(t, len(transformed.Params.Messages), len(messages), "context manager should have trimmed old messages")
	assert.Equal(t, "gpt-4o-mini", transformed.Params.ModelID, "router should downgrade a simple prompt to the cheaper candidate")
	assert.Equal(t, "gpt-4o", transformed.state.originalModel)
	assert.Greater(t, transformed.state.savings.Router, 0.0)
	assert.Greater(t, transformed.state.savings.Context, 0.0)

	_, err = p.WrapGenerate(ctx, transformed, stubGenerate("hi!", 10, 5))
	require.NoError(t, err)

	summary := p.LedgerSummary()
	assert.Greater(t, summary.ByModule.Router, 0.0)
	assert.Greater(t, summary.ByModule.Context, 0.0)
}

func TestWrapStreamAccumulatesAndRecordsUsage(t *testing.T) {
	cfg := baseConfig()
	cfg.Modules.Cache = false
	p, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	params := Params{Messages: userMsg("stream this"), ModelID: "gpt-4o-mini", UserID: "u1"}
	transformed, err := p.TransformParams(ctx, params)
	require.NoError(t, err)

	doStream := func(ctx context.Context, params Params) (<-chan StreamChunk, error) {
		ch := make(chan StreamChunk, 3)
		ch <- StreamChunk{Content: "hel"}
		ch <- StreamChunk{Content: "lo"}
		ch <- StreamChunk{Content: "", Done: true}
		close(ch)
		return ch, nil
	}

	out, err := p.WrapStream(ctx, transformed, doStream)
	require.NoError(t, err)
	var received string
	for chunk := range out {
		received += chunk.Content
	}
	assert.Equal(t, "hello", received)

	summary := p.LedgerSummary()
	assert.Equal(t, 1, summary.TotalCalls)
}

func TestDryRunModeNeverMutatesParamsOrReserves(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	var reports []string
	cfg.OnDryRun = func(stage, detail string) { reports = append(reports, stage) }
	p, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	params := Params{Messages: userMsg("please write some code: ```go\nfunc main(){}\n```"), ModelID: "gpt-4o", UserID: "u1"}
	transformed, err := p.TransformParams(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, params.Messages, transformed.Params.Messages)
	assert.Equal(t, "gpt-4o", transformed.Params.ModelID)

	status := p.BudgetStatus("u1")
	assert.Equal(t, 0.0, status.Inflight)
}

func TestConfigValidationRejectsBadContextBudget(t *testing.T) {
	cfg := baseConfig()
	cfg.Context.ReservedForOutput = cfg.Context.MaxContextTokens
	_, err := New(cfg)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
}
