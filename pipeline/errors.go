package pipeline

import "fmt"

// BlockedError is thrown when a stage rejects a request before it reaches
// the provider (spec §6, §7). Reason matches one of the values below;
// Metadata carries stage-specific detail for the caller to inspect or log.
type BlockedError struct {
	Reason   string
	Metadata map[string]any
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tokenshield: request blocked: %s", e.Reason)
}

const (
	ReasonGuard      = "guard"
	ReasonBreaker    = "breaker"
	ReasonUserBudget = "user-budget"
	ReasonRateLimit  = "rate-limit"
	ReasonCostGate   = "cost-gate"
)

// ConfigError is returned by New when a Config fails validation. It is
// never propagated at runtime — construction fails fast instead (spec §9,
// "Config validation").
type ConfigError struct {
	Field   string
	Message string
	Cause   error // optional, e.g. *pricing.ErrUnknownModel
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tokenshield: invalid config field %q: %s: %v", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("tokenshield: invalid config field %q: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// BudgetError wraps a budget-subsystem failure that isn't a normal
// BlockedError. No Pipeline method currently constructs or returns one.
type BudgetError struct {
	Err error
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("tokenshield: budget error: %v", e.Err)
}

func (e *BudgetError) Unwrap() error { return e.Err }

// ProviderError wraps a failure from the upstream doGenerate/doStream call
// (spec §7: "Transient downstream failures ... bubble to the caller").
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("tokenshield: provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
