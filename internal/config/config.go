// Package config loads the demo CLI's configuration the way the teacher's
// internal/config does: viper with file+env sources, a setDefaults pass,
// and a handful of BindEnv overrides for the knobs most worth tweaking
// without touching a file. Server/Database/JWT/Admin/CORS/ModelList/
// ModelGroups/Router sections from the teacher's Config are gone — this
// module has no HTTP surface and no model-group registry, only the pricing
// table and pipeline toggles TokenShield itself needs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the demo CLI's full configuration surface.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Pricing    []ModelPrice     `mapstructure:"pricing"`
	Modules    ModulesConfig    `mapstructure:"modules"`
	Context    ContextConfig    `mapstructure:"context"`
	Router     RouterConfig     `mapstructure:"router"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	UserBudget UserBudgetConfig `mapstructure:"user_budget"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig configures the optional Redis-backed KVStore. RedisURL ""
// means memory-only.
type StoreConfig struct {
	RedisURL      string        `mapstructure:"redis_url"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ModelPrice struct {
	ModelID        string  `mapstructure:"model_id"`
	InputPerM      float64 `mapstructure:"input_per_m"`
	OutputPerM     float64 `mapstructure:"output_per_m"`
	CachedDiscount float64 `mapstructure:"cached_discount"`
	Tier           string  `mapstructure:"tier"`
}

type ModulesConfig struct {
	Guard   bool `mapstructure:"guard"`
	Cache   bool `mapstructure:"cache"`
	Context bool `mapstructure:"context"`
	Router  bool `mapstructure:"router"`
	Prefix  bool `mapstructure:"prefix"`
	Ledger  bool `mapstructure:"ledger"`
}

type ContextConfig struct {
	MaxContextTokens  uint32 `mapstructure:"max_context_tokens"`
	ReservedForOutput uint32 `mapstructure:"reserved_for_output"`
	Strategy          string `mapstructure:"strategy"`
}

type RouterCandidate struct {
	ModelID string `mapstructure:"model_id"`
	Tier    string `mapstructure:"tier"`
}

type RouterConfig struct {
	Candidates []RouterCandidate `mapstructure:"candidates"`
}

type CacheConfig struct {
	MaxEntries          int     `mapstructure:"max_entries"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	TTLMs               int64   `mapstructure:"ttl_ms"`
}

type GuardConfig struct {
	DebounceMs           int64   `mapstructure:"debounce_ms"`
	MaxRequestsPerMinute int     `mapstructure:"max_requests_per_minute"`
	MaxCostPerHour       float64 `mapstructure:"max_cost_per_hour"`
	MinInputLength       int     `mapstructure:"min_input_length"`
}

type BreakerConfig struct {
	PerSession float64 `mapstructure:"per_session"`
	PerHour    float64 `mapstructure:"per_hour"`
	PerDay     float64 `mapstructure:"per_day"`
	PerMonth   float64 `mapstructure:"per_month"`
	Action     string  `mapstructure:"action"`
}

type UserBudgetConfig struct {
	DefaultDaily   float64 `mapstructure:"default_daily"`
	DefaultMonthly float64 `mapstructure:"default_monthly"`
}

// Load reads config.yaml from configPath (or the working directory / "./config"
// if configPath is empty), overlays environment variables, and falls back
// to setDefaults() for anything unset. A missing config file is not an
// error — the defaults alone produce a usable configuration.
func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()
	bindEnvVars()
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	viper.SetDefault("store.sweep_interval", "1m")

	viper.SetDefault("pricing", []map[string]any{
		{"model_id": "gpt-4o", "input_per_m": 5.0, "output_per_m": 15.0, "cached_discount": 0.5, "tier": "complex"},
		{"model_id": "gpt-4o-mini", "input_per_m": 0.15, "output_per_m": 0.6, "cached_discount": 0.5, "tier": "simple"},
	})

	viper.SetDefault("modules.guard", true)
	viper.SetDefault("modules.cache", true)
	viper.SetDefault("modules.context", true)
	viper.SetDefault("modules.router", true)
	viper.SetDefault("modules.prefix", true)
	viper.SetDefault("modules.ledger", true)

	viper.SetDefault("context.max_context_tokens", 8000)
	viper.SetDefault("context.reserved_for_output", 1000)
	viper.SetDefault("context.strategy", "fitToBudget")

	viper.SetDefault("router.candidates", []map[string]any{
		{"model_id": "gpt-4o-mini", "tier": "simple"},
		{"model_id": "gpt-4o", "tier": "complex"},
	})

	viper.SetDefault("cache.max_entries", 10_000)
	viper.SetDefault("cache.similarity_threshold", 0.85)

	viper.SetDefault("guard.max_requests_per_minute", 60)
	viper.SetDefault("guard.debounce_ms", 500)

	viper.SetDefault("breaker.action", "stop")

	viper.SetDefault("user_budget.default_daily", 0)
	viper.SetDefault("user_budget.default_monthly", 0)
}

func bindEnvVars() {
	_ = viper.BindEnv("logging.level", "TOKENSHIELD_LOG_LEVEL")
	_ = viper.BindEnv("logging.format", "TOKENSHIELD_LOG_FORMAT")
	_ = viper.BindEnv("store.redis_url", "TOKENSHIELD_REDIS_URL")
	_ = viper.BindEnv("breaker.per_session", "TOKENSHIELD_BREAKER_PER_SESSION")
	_ = viper.BindEnv("user_budget.default_daily", "TOKENSHIELD_DEFAULT_DAILY_BUDGET")
}
