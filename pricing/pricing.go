// Package pricing implements the Pricing Registry (C2) and Cost Estimator
// (C3): a model-id keyed price list with override precedence, and a pure
// function that turns token counts into a cost breakdown.
package pricing

import (
	"fmt"
	"sync"
)

// ModelPrice is the per-token pricing for one model. Input/Output are
// dollars per million tokens; CachedDiscount is the fraction (0..1) knocked
// off the input price for tokens served from the provider's own prompt
// cache.
type ModelPrice struct {
	ModelID        string
	InputPerM      float64
	OutputPerM     float64
	CachedDiscount float64
	Tier           Tier
}

// Tier is the capability class a model is bucketed into for routing (§4.3,
// C8). Declared here, next to ModelPrice; the router re-exports this type
// for its candidates, which carry their own tier rather than looking it up
// in the registry.
type Tier int

const (
	TierSimple Tier = iota
	TierModerate
	TierComplex
)

func (t Tier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierModerate:
		return "moderate"
	case TierComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// Registry maps model id to price with two-level precedence: a registered
// model, then the registry's declared default. Overriding a price means
// calling Register again for that id; there is no per-call override.
// Mirrors the override/merge precedence in the teacher's
// ModelPricingManager (db > config > default), minus the DB layer.
type Registry struct {
	mu      sync.RWMutex
	models  map[string]ModelPrice
	dflt    ModelPrice
	hasDflt bool
}

// NewRegistry builds an empty registry. Call SetDefault before using
// Estimate on unregistered models, or every unknown model falls back to
// the zero-value ModelPrice (free), which is rarely what a caller wants.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]ModelPrice)}
}

// Register adds or replaces the price for a model id.
func (r *Registry) Register(p ModelPrice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[p.ModelID] = p
}

// SetDefault sets the fallback price used for models with no registered
// entry (spec §2, C2: "Unknown models fall back to a declared default").
func (r *Registry) SetDefault(p ModelPrice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dflt = p
	r.hasDflt = true
}

// Lookup returns the price for a model id, falling back to the registry
// default. The bool reports whether the id had its own registered entry
// (false means the default was used).
func (r *Registry) Lookup(modelID string) (ModelPrice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.models[modelID]; ok {
		return p, true
	}
	if r.hasDflt {
		d := r.dflt
		d.ModelID = modelID
		return d, false
	}
	return ModelPrice{ModelID: modelID}, false
}

// HasDefault reports whether SetDefault has been called, so callers can
// tell a Lookup miss that falls back to a real default apart from one that
// falls back to the zero-value ModelPrice.
func (r *Registry) HasDefault() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasDflt
}

// ListModels returns every explicitly registered model id, not including
// the default.
func (r *Registry) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	return ids
}

// Breakdown is the result of a cost estimate: per-component dollar amounts
// and their sum.
type Breakdown struct {
	ModelID      string
	InputCost    float64
	OutputCost   float64
	CachedCost   float64
	TotalCost    float64
	InputTokens  uint32
	OutputTokens uint32
	CachedTokens uint32
}

// Estimate is the Cost Estimator (C3): a pure function of (modelId,
// inputTokens, outputTokens, cachedTokens) over the registry's current
// pricing. cachedTokens is optional; pass 0 when the request has no
// provider-side prompt cache hit.
func Estimate(r *Registry, modelID string, inputTokens, outputTokens, cachedTokens uint32) Breakdown {
	price, _ := r.Lookup(modelID)

	billableInput := inputTokens
	if cachedTokens > billableInput {
		cachedTokens = billableInput
	}
	billableInput -= cachedTokens

	inputCost := float64(billableInput) / 1_000_000 * price.InputPerM
	cachedCost := float64(cachedTokens) / 1_000_000 * price.InputPerM * (1 - price.CachedDiscount)
	outputCost := float64(outputTokens) / 1_000_000 * price.OutputPerM

	return Breakdown{
		ModelID:      modelID,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		CachedCost:   cachedCost,
		TotalCost:    inputCost + outputCost + cachedCost,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CachedTokens: cachedTokens,
	}
}

// ErrUnknownModel is returned by callers that choose to treat an
// unregistered model id as an error rather than silently falling back to
// the default (the registry itself never returns it; it is exported for
// stricter callers such as the Model Router's candidate validation).
type ErrUnknownModel struct {
	ModelID string
}

func (e *ErrUnknownModel) Error() string {
	return fmt.Sprintf("pricing: unknown model %q and no default registered", e.ModelID)
}
