// Package ledger implements the Cost Ledger (C12): per-request actual and
// counterfactual cost recording, per-module savings attribution, bounded
// retention, summary aggregation, and JSON/CSV export. No single teacher
// file owns this concern; it is grounded on the accounting idioms spread
// across internal/services/budget (uuid ids, fmt.Errorf wrapping) applied
// to an in-memory circular buffer rather than a DB table.
package ledger

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/christireid/tokenshield/eventbus"
	"github.com/christireid/tokenshield/pricing"
)

// capacity bounds ledger growth under adversarial load (spec §5).
const capacity = 10_000

// Savings attributes per-module contribution to an entry's total saved.
type Savings struct {
	Guard   float64 `json:"guard,omitempty"`
	Cache   float64 `json:"cache,omitempty"`
	Context float64 `json:"context,omitempty"`
	Router  float64 `json:"router,omitempty"`
	Prefix  float64 `json:"prefix,omitempty"`
}

// Entry is one recorded request (spec §3, LedgerEntry).
type Entry struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	Model              string    `json:"model"`
	InputTokens        uint32    `json:"inputTokens"`
	OutputTokens       uint32    `json:"outputTokens"`
	CachedTokens       uint32    `json:"cachedTokens,omitempty"`
	ActualCost         float64   `json:"actualCost"`
	CostWithoutShield  float64   `json:"costWithoutShield"`
	TotalSaved         float64   `json:"totalSaved"`
	Savings            Savings   `json:"savings"`
	Feature            string    `json:"feature,omitempty"`
	OriginalModel      string    `json:"originalModel,omitempty"`
	OriginalInputTokens uint32   `json:"originalInputTokens,omitempty"`
	CacheHit           bool      `json:"cacheHit,omitempty"`
}

// RecordInput describes one completed (non-blocked, non-cache-hit) request.
type RecordInput struct {
	Model               string
	InputTokens         uint32
	OutputTokens        uint32
	CachedTokens        uint32
	Savings             Savings
	Feature             string
	OriginalModel       string // "" if the router did not downgrade
	OriginalInputTokens uint32 // 0 if context was not trimmed
}

// Config configures a Ledger.
type Config struct {
	Pricing *pricing.Registry
	Bus     *eventbus.Bus
	Feature string // default feature tag when RecordInput.Feature is ""
}

// Ledger is one pipeline's Cost Ledger.
type Ledger struct {
	mu      sync.Mutex
	cfg     Config
	entries []Entry
}

// New creates a Ledger.
func New(cfg Config) *Ledger {
	return &Ledger{cfg: cfg}
}

// Record computes actualCost and costWithoutShield via the Cost Estimator,
// appends the derived entry, and fires ledger:entry (spec §4.7).
func (l *Ledger) Record(in RecordInput) Entry {
	actual := pricing.Estimate(l.cfg.Pricing, in.Model, in.InputTokens, in.OutputTokens, in.CachedTokens).TotalCost

	counterfactualModel := in.Model
	if in.OriginalModel != "" {
		counterfactualModel = in.OriginalModel
	}
	counterfactualInput := in.InputTokens
	if in.OriginalInputTokens != 0 {
		counterfactualInput = in.OriginalInputTokens
	}
	// The counterfactual request has no cached-token discount.
	costWithoutShield := pricing.Estimate(l.cfg.Pricing, counterfactualModel, counterfactualInput, in.OutputTokens, 0).TotalCost

	feature := in.Feature
	if feature == "" {
		feature = l.cfg.Feature
	}

	entry := Entry{
		ID:                  uuid.NewString(),
		Timestamp:           time.Now(),
		Model:               in.Model,
		InputTokens:         in.InputTokens,
		OutputTokens:        in.OutputTokens,
		CachedTokens:        in.CachedTokens,
		ActualCost:          actual,
		CostWithoutShield:   costWithoutShield,
		TotalSaved:          costWithoutShield - actual,
		Savings:             in.Savings,
		Feature:             feature,
		OriginalModel:       in.OriginalModel,
		OriginalInputTokens: in.OriginalInputTokens,
	}

	l.append(entry)
	return entry
}

// RecordBlocked attributes the would-have-been cost entirely to
// savings.guard; inputs/outputs are zeroed (spec §4.7).
func (l *Ledger) RecordBlocked(model string, wouldHaveCost float64, feature string) Entry {
	if feature == "" {
		feature = l.cfg.Feature
	}
	entry := Entry{
		ID:                uuid.NewString(),
		Timestamp:         time.Now(),
		Model:             model,
		ActualCost:        0,
		CostWithoutShield: wouldHaveCost,
		TotalSaved:        wouldHaveCost,
		Savings:           Savings{Guard: wouldHaveCost},
		Feature:           feature,
	}
	l.append(entry)
	return entry
}

// RecordCacheHit attributes the would-have-been cost to savings.cache and
// sets CacheHit=true (spec §4.7).
func (l *Ledger) RecordCacheHit(model string, wouldHaveCost float64, feature string) Entry {
	if feature == "" {
		feature = l.cfg.Feature
	}
	entry := Entry{
		ID:                uuid.NewString(),
		Timestamp:         time.Now(),
		Model:             model,
		ActualCost:        0,
		CostWithoutShield: wouldHaveCost,
		TotalSaved:        wouldHaveCost,
		Savings:           Savings{Cache: wouldHaveCost},
		Feature:           feature,
		CacheHit:          true,
	}
	l.append(entry)
	return entry
}

func (l *Ledger) append(entry Entry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > capacity {
		l.entries = l.entries[len(l.entries)-capacity:]
	}
	l.mu.Unlock()

	if l.cfg.Bus != nil {
		l.cfg.Bus.Emit(eventbus.Event{Type: eventbus.LedgerEntry, Data: entry})
	}
}

// ModelStats is per-model aggregation in Summary.ByModel.
type ModelStats struct {
	Calls  int
	Tokens uint64
	Spent  float64
}

// FeatureStats is per-feature aggregation in Summary.ByFeature.
type FeatureStats struct {
	Calls int
	Spent float64
	Saved float64
}

// Summary is the aggregate returned by GetSummary (spec §4.7).
type Summary struct {
	TotalCalls    int
	TotalSpent    float64
	TotalSaved    float64
	CacheHits     int
	CacheHitRate  float64
	SavingsRate   float64
	ByModel       map[string]ModelStats
	ByFeature     map[string]FeatureStats
	ByModule      Savings
}

const untaggedFeature = "_untagged"

// GetSummary aggregates all retained entries.
func (l *Ledger) GetSummary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		ByModel:   make(map[string]ModelStats),
		ByFeature: make(map[string]FeatureStats),
	}

	for _, e := range l.entries {
		s.TotalCalls++
		s.TotalSpent += e.ActualCost
		s.TotalSaved += e.TotalSaved
		if e.CacheHit {
			s.CacheHits++
		}

		ms := s.ByModel[e.Model]
		ms.Calls++
		ms.Tokens += uint64(e.InputTokens) + uint64(e.OutputTokens)
		ms.Spent += e.ActualCost
		s.ByModel[e.Model] = ms

		feature := e.Feature
		if feature == "" {
			feature = untaggedFeature
		}
		fs := s.ByFeature[feature]
		fs.Calls++
		fs.Spent += e.ActualCost
		fs.Saved += e.TotalSaved
		s.ByFeature[feature] = fs

		s.ByModule.Guard += e.Savings.Guard
		s.ByModule.Cache += e.Savings.Cache
		s.ByModule.Context += e.Savings.Context
		s.ByModule.Router += e.Savings.Router
		s.ByModule.Prefix += e.Savings.Prefix
	}

	if s.TotalCalls > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(s.TotalCalls)
	}
	if denom := s.TotalSpent + s.TotalSaved; denom > 0 {
		s.SavingsRate = s.TotalSaved / denom
	}

	return s
}

// GetEntriesSince returns entries with timestamp >= now - sinceMs.
// Negative sinceMs yields an empty slice (spec §4.7).
func (l *Ledger) GetEntriesSince(sinceMs int64) []Entry {
	if sinceMs < 0 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(sinceMs) * time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// ExportJSON serializes all retained entries.
func (l *Ledger) ExportJSON() ([]byte, error) {
	l.mu.Lock()
	entries := append([]Entry(nil), l.entries...)
	l.mu.Unlock()

	b, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("ledger: export json failed: %w", err)
	}
	return b, nil
}

// ExportCSV serializes all retained entries as CSV, quoting any field
// containing a comma or newline (handled automatically by encoding/csv,
// spec §4.7).
func (l *Ledger) ExportCSV() ([]byte, error) {
	l.mu.Lock()
	entries := append([]Entry(nil), l.entries...)
	l.mu.Unlock()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"id", "timestamp", "model", "inputTokens", "outputTokens", "cachedTokens",
		"actualCost", "costWithoutShield", "totalSaved", "feature", "originalModel",
		"originalInputTokens", "cacheHit"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("ledger: export csv header failed: %w", err)
	}

	for _, e := range entries {
		row := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339Nano),
			e.Model,
			fmt.Sprintf("%d", e.InputTokens),
			fmt.Sprintf("%d", e.OutputTokens),
			fmt.Sprintf("%d", e.CachedTokens),
			fmt.Sprintf("%.9f", e.ActualCost),
			fmt.Sprintf("%.9f", e.CostWithoutShield),
			fmt.Sprintf("%.9f", e.TotalSaved),
			e.Feature,
			e.OriginalModel,
			fmt.Sprintf("%d", e.OriginalInputTokens),
			fmt.Sprintf("%t", e.CacheHit),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("ledger: export csv row failed: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("ledger: export csv flush failed: %w", err)
	}
	return buf.Bytes(), nil
}

// ImportJSON replaces the ledger's entries with those decoded from b, for
// the exportJSON -> parse -> re-record round trip. The ledger has no store
// of its own, so nothing in this module calls it to hydrate.
func (l *Ledger) ImportJSON(b []byte) error {
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return fmt.Errorf("ledger: import json failed: %w", err)
	}
	l.mu.Lock()
	l.entries = entries
	if len(l.entries) > capacity {
		l.entries = l.entries[len(l.entries)-capacity:]
	}
	l.mu.Unlock()
	return nil
}
