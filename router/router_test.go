package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeComplexitySimplePrompt(t *testing.T) {
	a := AnalyzeComplexity("hi there")
	assert.Equal(t, TierSimple, a.Tier)
}

func TestAnalyzeComplexityCodeIncreasesScore(t *testing.T) {
	plain := AnalyzeComplexity("write a short note")
	withCode := AnalyzeComplexity("write a short note\n```go\nfunc main() {}\n```")
	assert.Greater(t, withCode.Score, plain.Score)
}

func TestAnalyzeComplexityReasoningKeywordsBumpTier(t *testing.T) {
	a := AnalyzeComplexity("Analyze and compare these two approaches, then derive a proof and evaluate the tradeoffs in depth across several dimensions of the underlying system architecture")
	assert.NotEqual(t, TierSimple, a.Tier)
}

func TestRouteToModelPicksCheapestCapable(t *testing.T) {
	candidates := []Candidate{
		{ModelID: "mini", Tier: TierSimple},
		{ModelID: "mid", Tier: TierModerate},
		{ModelID: "big", Tier: TierComplex},
	}

	t.Run("simple score routes to cheapest", func(t *testing.T) {
		c, ok := RouteToModel(5, candidates)
		assert.True(t, ok)
		assert.Equal(t, "mini", c.ModelID)
	})

	t.Run("complex score routes to capable model", func(t *testing.T) {
		c, ok := RouteToModel(90, candidates)
		assert.True(t, ok)
		assert.Equal(t, "big", c.ModelID)
	})
}

func TestRouteToModelNoCandidateQualifies(t *testing.T) {
	candidates := []Candidate{{ModelID: "mini", Tier: TierSimple}}
	_, ok := RouteToModel(95, candidates)
	assert.False(t, ok)
}
