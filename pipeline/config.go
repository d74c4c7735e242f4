package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/christireid/tokenshield/breaker"
	"github.com/christireid/tokenshield/budget"
	"github.com/christireid/tokenshield/cache"
	"github.com/christireid/tokenshield/encoder"
	"github.com/christireid/tokenshield/guard"
	"github.com/christireid/tokenshield/kvstore"
	"github.com/christireid/tokenshield/pricing"
	"github.com/christireid/tokenshield/router"
)

// Modules enables or disables each optional pipeline stage (spec §6).
// Breaker and User Budget are always active since they guard spend
// directly. Every flag, Ledger included, is off in the zero value; New
// does not turn any of them on.
type Modules struct {
	Guard   bool
	Cache   bool
	Context bool
	Router  bool
	Prefix  bool
	Ledger  bool
}

// ContextStrategy selects which Context Manager algorithm transformParams
// uses.
type ContextStrategy string

const (
	StrategyFitToBudget ContextStrategy = "fitToBudget"
	StrategySliding     ContextStrategy = "sliding"
	StrategyPriority    ContextStrategy = "priority"
	StrategySmart       ContextStrategy = "smart"
)

// ContextConfig configures the Context Manager stage.
type ContextConfig struct {
	MaxContextTokens  uint32
	ReservedForOutput uint32
	ToolTokenOverhead uint32
	Strategy          ContextStrategy
	SlidingMax        int
}

// RouterConfig configures the Model Router stage.
type RouterConfig struct {
	Candidates []router.Candidate
	DryRun     bool
}

// Config is one pipeline instance's full configuration (spec §6). It is
// validated at construction by New and never partially applied.
type Config struct {
	Modules Modules

	Cache   cache.Config
	Guard   guard.Config
	Context ContextConfig
	Router  RouterConfig

	Breaker    breaker.Config
	UserBudget budget.Config
	// GetUserID derives the request's user id from context, matching the
	// spec's getUserId(ctx) -> string contract (spec §4.8). When set,
	// TransformParams calls it before every other stage and uses its
	// result in place of Params.UserID.
	GetUserID func(ctx context.Context) string

	Ledger struct {
		Feature string
		// Capacity is not read: New passes only Feature to the ledger,
		// which keeps its fixed cap of 10,000 entries.
		Capacity int
	}

	Pricing *pricing.Registry
	Store   kvstore.Store
	Logger  *zap.Logger
	Encoder encoder.Encoder

	DryRun    bool
	OnDryRun  func(stage string, detail string)
	OnUsage   func(inputTokens, outputTokens uint32, model string)
	OnBlocked func(err *BlockedError)
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Pricing == nil {
		c.Pricing = pricing.NewRegistry()
	}
	if c.Context.Strategy == "" {
		c.Context.Strategy = StrategyFitToBudget
	}
	if c.Context.MaxContextTokens == 0 {
		c.Context.MaxContextTokens = 8000
	}
	if c.Encoder == nil {
		c.Encoder = encoder.Approximate{}
	}
}

// validate fails fast with a ConfigError rather than letting a typo become
// a runtime misbehavior (spec §9).
func (c *Config) validate() error {
	if c.Modules.Context {
		if c.Context.MaxContextTokens == 0 {
			return &ConfigError{Field: "context.maxContextTokens", Message: "must be greater than zero when the context module is enabled"}
		}
		if c.Context.ReservedForOutput >= c.Context.MaxContextTokens {
			return &ConfigError{Field: "context.reservedForOutput", Message: "must be less than maxContextTokens"}
		}
		switch c.Context.Strategy {
		case StrategyFitToBudget, StrategySliding, StrategyPriority, StrategySmart:
		default:
			return &ConfigError{Field: "context.strategy", Message: "unrecognized strategy"}
		}
	}
	if c.Modules.Router {
		if len(c.Router.Candidates) == 0 {
			return &ConfigError{Field: "router.candidates", Message: "must supply at least one candidate when the router module is enabled"}
		}
		for _, cand := range c.Router.Candidates {
			if _, registered := c.Pricing.Lookup(cand.ModelID); !registered && !c.Pricing.HasDefault() {
				return &ConfigError{
					Field:   "router.candidates",
					Message: "candidate model has no pricing entry and the registry has no default",
					Cause:   &pricing.ErrUnknownModel{ModelID: cand.ModelID},
				}
			}
		}
	}
	if c.Cache.SimilarityThreshold != 0 && (c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1) {
		return &ConfigError{Field: "cache.similarityThreshold", Message: "must be between 0 and 1"}
	}
	return nil
}

// defaultSweepInterval is not referenced: New creates no MemoryStore, and a
// nil Store is passed through to the cache and budget unchanged.
const defaultSweepInterval = time.Minute
