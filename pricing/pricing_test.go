package pricing

import "testing"

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register(ModelPrice{ModelID: "gpt-4o", InputPerM: 5, OutputPerM: 15, Tier: TierComplex})
	r.Register(ModelPrice{ModelID: "gpt-4o-mini", InputPerM: 0.15, OutputPerM: 0.6, CachedDiscount: 0.5, Tier: TierSimple})
	r.SetDefault(ModelPrice{InputPerM: 1, OutputPerM: 2, Tier: TierModerate})
	return r
}

func TestRegistryLookup(t *testing.T) {
	r := newTestRegistry()

	t.Run("registered model", func(t *testing.T) {
		p, ok := r.Lookup("gpt-4o")
		if !ok {
			t.Fatal("expected registered hit")
		}
		if p.InputPerM != 5 {
			t.Fatalf("expected input 5, got %v", p.InputPerM)
		}
	})

	t.Run("unknown model falls back to default", func(t *testing.T) {
		p, ok := r.Lookup("some-future-model")
		if ok {
			t.Fatal("expected fallback, not a registered hit")
		}
		if p.InputPerM != 1 || p.OutputPerM != 2 {
			t.Fatalf("expected default pricing, got %+v", p)
		}
		if p.ModelID != "some-future-model" {
			t.Fatalf("expected ModelID to be preserved, got %q", p.ModelID)
		}
	})
}

func TestEstimate(t *testing.T) {
	r := newTestRegistry()

	t.Run("basic cost", func(t *testing.T) {
		b := Estimate(r, "gpt-4o", 1_000_000, 1_000_000, 0)
		if b.InputCost != 5 || b.OutputCost != 15 {
			t.Fatalf("got input=%v output=%v", b.InputCost, b.OutputCost)
		}
		if b.TotalCost != 20 {
			t.Fatalf("expected total 20, got %v", b.TotalCost)
		}
	})

	t.Run("cached tokens discounted not free", func(t *testing.T) {
		full := Estimate(r, "gpt-4o-mini", 1_000_000, 0, 0)
		halfCached := Estimate(r, "gpt-4o-mini", 1_000_000, 0, 500_000)
		if halfCached.TotalCost >= full.TotalCost {
			t.Fatalf("expected cached request to cost less: full=%v cached=%v", full.TotalCost, halfCached.TotalCost)
		}
		if halfCached.TotalCost <= 0 {
			t.Fatalf("50%% discount should still leave nonzero cost, got %v", halfCached.TotalCost)
		}
	})

	t.Run("cachedTokens clamped to inputTokens", func(t *testing.T) {
		b := Estimate(r, "gpt-4o-mini", 100, 0, 1000)
		if b.CachedTokens != 100 {
			t.Fatalf("expected cachedTokens clamped to 100, got %d", b.CachedTokens)
		}
	})

	t.Run("unknown model uses default", func(t *testing.T) {
		b := Estimate(r, "unregistered", 1_000_000, 0, 0)
		if b.InputCost != 1 {
			t.Fatalf("expected default input rate, got %v", b.InputCost)
		}
	})
}
