// Command tokenshield-demo exercises a wired Pipeline end to end against a
// stub provider. Its root command structure — persistent flags parsed in
// PersistentPreRunE, subcommands registered as factory functions from a
// sibling commands package — is grounded on the teacher's cmd/pllm/main.go.
// Dropped the teacher's --db-url/--api-url/--api-key flags and the gorm
// auto-migrate step in initConfig: this module has no database and no
// remote control-plane API, only the config file/env pair that
// internal/config.Load already understands.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/christireid/tokenshield/breaker"
	"github.com/christireid/tokenshield/budget"
	"github.com/christireid/tokenshield/cache"
	"github.com/christireid/tokenshield/cmd/tokenshield-demo/commands"
	"github.com/christireid/tokenshield/guard"
	tsconfig "github.com/christireid/tokenshield/internal/config"
	"github.com/christireid/tokenshield/internal/logger"
	"github.com/christireid/tokenshield/kvstore"
	"github.com/christireid/tokenshield/metrics"
	"github.com/christireid/tokenshield/pipeline"
	"github.com/christireid/tokenshield/pricing"
	"github.com/christireid/tokenshield/router"
)

var (
	cfgFile    string
	outputJSON bool
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tokenshield-demo",
		Short: "Exercise a wired TokenShield pipeline against a stub provider",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config.yaml's directory")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "print machine-readable JSON instead of tables")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(commands.NewRunCommand())
	root.AddCommand(commands.NewStatsCommand())
	root.AddCommand(commands.NewSimulateCommand())

	return root
}

// initConfig loads internal/config.Config, stands up the logger, builds the
// Pipeline it describes, and hands both to the commands package.
func initConfig() error {
	cfg, err := tsconfig.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	zlog, err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	pl, err := buildPipeline(cfg, zlog)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	commands.SetPipeline(pl)
	commands.SetOutputJSON(outputJSON)
	commands.SetVerbose(verbose)
	return nil
}

// buildPipeline translates the flat, file-friendly internal/config.Config
// into the pipeline.Config the constructor expects, wiring a Prometheus
// Recorder to the resulting Pipeline's event bus along the way.
func buildPipeline(cfg *tsconfig.Config, zlog *zap.Logger) (*pipeline.Pipeline, error) {
	registry := pricing.NewRegistry()
	var dflt *pricing.ModelPrice
	for _, mp := range cfg.Pricing {
		p := pricing.ModelPrice{
			ModelID:        mp.ModelID,
			InputPerM:      mp.InputPerM,
			OutputPerM:     mp.OutputPerM,
			CachedDiscount: mp.CachedDiscount,
			Tier:           tierFromString(mp.Tier),
		}
		registry.Register(p)
		if dflt == nil {
			d := p
			dflt = &d
		}
	}
	if dflt != nil {
		registry.SetDefault(*dflt)
	}

	var store kvstore.Store
	if cfg.Store.RedisURL == "" {
		sweep := cfg.Store.SweepInterval
		if sweep <= 0 {
			sweep = time.Minute
		}
		store = kvstore.NewMemoryStore(sweep)
	} else {
		return nil, fmt.Errorf("redis store not wired for the demo CLI; leave store.redis_url empty")
	}

	candidates := make([]router.Candidate, 0, len(cfg.Router.Candidates))
	for _, c := range cfg.Router.Candidates {
		candidates = append(candidates, router.Candidate{ModelID: c.ModelID, Tier: tierFromString(c.Tier)})
	}

	var breakerLimits breaker.Limits
	if cfg.Breaker.PerSession > 0 {
		breakerLimits.PerSession = &cfg.Breaker.PerSession
	}
	if cfg.Breaker.PerHour > 0 {
		breakerLimits.PerHour = &cfg.Breaker.PerHour
	}
	if cfg.Breaker.PerDay > 0 {
		breakerLimits.PerDay = &cfg.Breaker.PerDay
	}
	if cfg.Breaker.PerMonth > 0 {
		breakerLimits.PerMonth = &cfg.Breaker.PerMonth
	}
	breakerAction := breaker.ActionStop
	switch cfg.Breaker.Action {
	case "throttle":
		breakerAction = breaker.ActionThrottle
	case "warn":
		breakerAction = breaker.ActionWarn
	}

	var userBudget budget.Config
	if cfg.UserBudget.DefaultDaily > 0 || cfg.UserBudget.DefaultMonthly > 0 {
		userBudget.DefaultLimits = &budget.Limits{
			Daily:   cfg.UserBudget.DefaultDaily,
			Monthly: cfg.UserBudget.DefaultMonthly,
		}
	}

	finalCfg := pipeline.Config{
		Modules: pipeline.Modules{
			Guard:   cfg.Modules.Guard,
			Cache:   cfg.Modules.Cache,
			Context: cfg.Modules.Context,
			Router:  cfg.Modules.Router,
			Prefix:  cfg.Modules.Prefix,
			Ledger:  cfg.Modules.Ledger,
		},
		Cache: cache.Config{
			MaxEntries:          cfg.Cache.MaxEntries,
			TTLMs:               cfg.Cache.TTLMs,
			SimilarityThreshold: cfg.Cache.SimilarityThreshold,
			Logger:              zlog,
		},
		Guard: guard.Config{
			DebounceMs:           cfg.Guard.DebounceMs,
			MaxRequestsPerMinute: cfg.Guard.MaxRequestsPerMinute,
			MaxCostPerHour:       cfg.Guard.MaxCostPerHour,
			MinInputLength:       cfg.Guard.MinInputLength,
		},
		Context: pipeline.ContextConfig{
			MaxContextTokens:  cfg.Context.MaxContextTokens,
			ReservedForOutput: cfg.Context.ReservedForOutput,
			Strategy:          pipeline.ContextStrategy(cfg.Context.Strategy),
		},
		Router: pipeline.RouterConfig{
			Candidates: candidates,
		},
		Breaker: breaker.Config{
			Limits: breakerLimits,
			Action: breakerAction,
		},
		UserBudget: userBudget,
		Ledger: struct {
			Feature  string
			Capacity int
		}{Feature: "demo", Capacity: 1000},
		Pricing: registry,
		Store:   store,
		Logger:  zlog,
	}

	pl, err := pipeline.New(finalCfg)
	if err != nil {
		return nil, err
	}

	recorder := metrics.New()
	recorder.Attach(pl.EventBus())
	commands.SetMetricsRecorder(recorder)

	return pl, nil
}

func tierFromString(s string) pricing.Tier {
	switch s {
	case "complex":
		return pricing.TierComplex
	case "moderate":
		return pricing.TierModerate
	default:
		return pricing.TierSimple
	}
}
