// Package router implements the Model Router (C8): a heuristic complexity
// score for a prompt and tier-based selection of the cheapest capable
// candidate model. Grounded on the teacher's Strategy interface
// (internal/services/llm/models/routing/strategy.go) — a pluggable
// selection policy composed at construction, no reflection or
// string-dispatch at runtime.
package router

import (
	"regexp"
	"strings"

	"github.com/christireid/tokenshield/pricing"
)

// Tier re-exports pricing.Tier so callers of this package don't need to
// import pricing just to name a tier.
type Tier = pricing.Tier

const (
	TierSimple   = pricing.TierSimple
	TierModerate = pricing.TierModerate
	TierComplex  = pricing.TierComplex
)

// Signals are the individual heuristic measurements that feed the
// complexity score, surfaced so callers can explain or log a routing
// decision.
type Signals struct {
	LengthBucket      int
	VocabDiversity    float64
	HasCodeFence      bool
	HasShellPrompt    bool
	ReasoningKeywords int
	MultiTurnMarkers  int
}

// Analysis is the result of analyzing one prompt's complexity.
type Analysis struct {
	Score   int // 0..100
	Tier    Tier
	Signals Signals
}

var (
	codeFence       = regexp.MustCompile("```")
	shellPrompt     = regexp.MustCompile(`(?m)^\s*[$#]\s`)
	reasoningWords  = regexp.MustCompile(`(?i)\b(analyze|compare|derive|prove|explain why|evaluate|synthesize)\b`)
	multiTurnMarker = regexp.MustCompile(`(?i)\b(first,?|then,?|next,?|finally,?|step \d)\b`)
)

// AnalyzeComplexity scores a prompt 0..100 from a weighted sum of heuristic
// signals and buckets it into a capability tier. This is advisory, not ML
// (spec §4.3) — production use requires dryRun validation on real traffic.
func AnalyzeComplexity(prompt string) Analysis {
	words := strings.Fields(prompt)
	sig := Signals{}

	switch {
	case len(words) > 400:
		sig.LengthBucket = 3
	case len(words) > 150:
		sig.LengthBucket = 2
	case len(words) > 40:
		sig.LengthBucket = 1
	default:
		sig.LengthBucket = 0
	}

	sig.VocabDiversity = vocabDiversity(words)
	sig.HasCodeFence = codeFence.MatchString(prompt)
	sig.HasShellPrompt = shellPrompt.MatchString(prompt)
	sig.ReasoningKeywords = len(reasoningWords.FindAllString(prompt, -1))
	sig.MultiTurnMarkers = len(multiTurnMarker.FindAllString(prompt, -1))

	score := 0
	score += sig.LengthBucket * 10
	score += int(sig.VocabDiversity * 20)
	if sig.HasCodeFence {
		score += 15
	}
	if sig.HasShellPrompt {
		score += 10
	}
	score += clampInt(sig.ReasoningKeywords*10, 0, 30)
	score += clampInt(sig.MultiTurnMarkers*5, 0, 15)
	score = clampInt(score, 0, 100)

	return Analysis{Score: score, Tier: tierForScore(score), Signals: sig}
}

func tierForScore(score int) Tier {
	switch {
	case score >= 60:
		return TierComplex
	case score >= 30:
		return TierModerate
	default:
		return TierSimple
	}
}

func vocabDiversity(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[strings.ToLower(w)] = struct{}{}
	}
	return float64(len(seen)) / float64(len(words))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Candidate is one routable model: its id and declared capability tier.
type Candidate struct {
	ModelID string
	Tier    Tier
}

// RouteToModel picks the first candidate (assumed ordered cheapest to most
// capable) whose tier meets or exceeds the tier required by score. Returns
// false if no candidate qualifies.
func RouteToModel(score int, candidates []Candidate) (Candidate, bool) {
	required := tierForScore(score)
	for _, c := range candidates {
		if c.Tier >= required {
			return c, true
		}
	}
	return Candidate{}, false
}
