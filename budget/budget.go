// Package budget implements the User Budget Manager (C11): per-user daily
// and monthly spend caps enforced through in-flight reservations that
// prevent concurrent overspend. Grounded on the teacher's budget services
// (internal/services/budget/unified_service.go, tracker.go — check/
// reserve/record and getNextResetDate math; service.go — threshold-crossing
// alert firing), with the gorm/DB layer replaced by the in-memory
// state the spec requires plus an optional KVStore-backed persistence
// hook.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/christireid/tokenshield/kvstore"
	"github.com/christireid/tokenshield/pricing"
)

// maxTrackedUsers and maxRecords bound in-memory growth under adversarial
// load (spec §5).
const (
	maxTrackedUsers = 10_000
	maxRecords      = 10_000
	recordRetention = 30 * 24 * time.Hour
)

// SpendRecord is one completed, billed request.
type SpendRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Cost      float64   `json:"cost"`
	Model     string    `json:"model"`
	UserID    string    `json:"userId"`
}

// Limits is a user's or the default's budget caps. Zero means "no limit in
// that window" (spec §3).
type Limits struct {
	Daily   float64
	Monthly float64
	Tier    string
}

// Config configures a Manager.
type Config struct {
	UserLimits     map[string]Limits
	DefaultLimits  *Limits
	TierModels     map[string]string // tier -> modelId
	OnWarning      func(userID, limitType string, limit, current float64)
	OnExceeded     func(userID, limitType string, limit, current float64)
	Pricing        *pricing.Registry
	Store          kvstore.Store
	StoreName      string
	Logger         *zap.Logger
}

func (c *Config) setDefaults() {
	if c.StoreName == "" {
		c.StoreName = "budget"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// WindowStatus is the derived status for one budget window.
type WindowStatus struct {
	Spend       float64
	Remaining   *float64 // nil means the window's limit is 0 (unenforced)
	PercentUsed float64
}

// Status is the derived snapshot returned by GetStatus (spec §3,
// UserBudgetStatus).
type Status struct {
	Daily        WindowStatus
	Monthly      WindowStatus
	Inflight     float64
	IsOverBudget bool
	Tier         string
}

type cachedSnapshot struct {
	version   uint64
	timeBucket int64
	status    Status
}

// Manager is one pipeline's User Budget Manager.
type Manager struct {
	mu             sync.Mutex
	cfg            Config
	records        []SpendRecord
	inflightByUser map[string]float64
	inflightOrder  []string // insertion order, for FIFO eviction
	warningFired   map[string]time.Time
	snapshotCache  map[string]cachedSnapshot
	version        uint64
}

// New creates a Manager.
func New(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:            cfg,
		inflightByUser: make(map[string]float64),
		warningFired:   make(map[string]time.Time),
		snapshotCache:  make(map[string]cachedSnapshot),
	}
}

func (m *Manager) limitsFor(userID string) (Limits, bool) {
	if l, ok := m.cfg.UserLimits[userID]; ok {
		return l, true
	}
	if m.cfg.DefaultLimits != nil {
		return *m.cfg.DefaultLimits, true
	}
	return Limits{}, false
}

// CheckResult is returned by Check.
type CheckResult struct {
	Allowed bool
	Reason  string
	Status  Status
}

// Check resolves the user's limits, estimates the request's cost, and
// either reserves that estimate against the user's in-flight balance or
// rejects the request (spec §4.6).
func (m *Manager) Check(userID, modelID string, estInputTokens, estOutputTokens uint32) CheckResult {
	limits, hasLimits := m.limitsFor(userID)
	if !hasLimits || (limits.Daily == 0 && limits.Monthly == 0) {
		return CheckResult{Allowed: true, Status: m.GetStatus(userID)}
	}

	var estimatedCost float64
	if m.cfg.Pricing != nil {
		estimatedCost = pricing.Estimate(m.cfg.Pricing, modelID, estInputTokens, estOutputTokens, 0).TotalCost
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	inflight := m.inflightByUser[userID]

	type windowCheck struct {
		name  string
		limit float64
	}
	for _, wc := range []windowCheck{{"daily", limits.Daily}, {"monthly", limits.Monthly}} {
		if wc.limit == 0 {
			continue
		}
		spend := m.windowSpendLocked(userID, wc.name, now)
		projected := spend + estimatedCost + inflight

		if projected >= wc.limit {
			m.fireOnceLocked(userID, wc.name, now, true, func() {
				if m.cfg.OnExceeded != nil {
					m.cfg.OnExceeded(userID, wc.name, wc.limit, projected)
				}
			})
			m.invalidateSnapshotLocked()
			return CheckResult{Allowed: false, Reason: wc.name, Status: m.statusLocked(userID, limits, now)}
		}

		if projected >= 0.8*wc.limit {
			m.fireOnceLocked(userID, wc.name, now, false, func() {
				if m.cfg.OnWarning != nil {
					m.cfg.OnWarning(userID, wc.name, wc.limit, projected)
				}
			})
		}
	}

	m.reserveLocked(userID, estimatedCost)
	m.invalidateSnapshotLocked()
	return CheckResult{Allowed: true, Status: m.statusLocked(userID, limits, now)}
}

// fireOnceLocked fires cb the first time (userID, window, kind) crosses its
// threshold in the current window, tracked by last-fire timestamp. Caller
// must hold m.mu.
func (m *Manager) fireOnceLocked(userID, window string, now time.Time, exceeded bool, cb func()) {
	kind := "warn"
	if exceeded {
		kind = "exceeded"
	}
	key := fmt.Sprintf("%s-%s-%s", userID, window, kind)
	windowStart := windowStartFor(window, now)
	if last, ok := m.warningFired[key]; ok && last.After(windowStart) {
		return
	}
	m.warningFired[key] = now
	cb()
}

func windowStartFor(window string, now time.Time) time.Time {
	if window == "daily" {
		return now.Add(-24 * time.Hour)
	}
	return now.AddDate(0, -1, 0)
}

// reserveLocked adds estimatedCost to the user's in-flight balance,
// evicting the oldest tracked user first if at capacity. Caller must hold
// m.mu.
func (m *Manager) reserveLocked(userID string, estimatedCost float64) {
	if _, ok := m.inflightByUser[userID]; !ok {
		if len(m.inflightByUser) >= maxTrackedUsers {
			m.evictOldestInflightLocked()
		}
		m.inflightOrder = append(m.inflightOrder, userID)
	}
	m.inflightByUser[userID] += estimatedCost
}

func (m *Manager) evictOldestInflightLocked() {
	for len(m.inflightOrder) > 0 {
		oldest := m.inflightOrder[0]
		m.inflightOrder = m.inflightOrder[1:]
		if _, ok := m.inflightByUser[oldest]; ok {
			delete(m.inflightByUser, oldest)
			return
		}
	}
}

// windowSpendLocked sums recorded spend for userID within the named window.
// Caller must hold m.mu.
func (m *Manager) windowSpendLocked(userID, window string, now time.Time) float64 {
	cutoff := windowStartFor(window, now)
	var sum float64
	for _, r := range m.records {
		if r.UserID == userID && !r.Timestamp.Before(cutoff) {
			sum += r.Cost
		}
	}
	return sum
}

// RecordSpend releases the user's in-flight reservation by estimatedCost
// (never actualCost — this is the invariant that prevents phantom inflight
// drift from estimation error, spec §4.6) and appends a SpendRecord for the
// actual cost, unless actualCost is zero.
func (m *Manager) RecordSpend(ctx context.Context, userID string, actualCost float64, model string, estimatedCost float64) {
	m.mu.Lock()
	m.releaseLocked(userID, estimatedCost)

	if actualCost != 0 {
		now := time.Now()
		m.records = append(m.records, SpendRecord{Timestamp: now, Cost: actualCost, Model: model, UserID: userID})
		m.pruneRecordsLocked(now)
	}
	m.version++
	m.mu.Unlock()

	if actualCost != 0 && m.cfg.Store != nil {
		m.persistBestEffort(ctx, userID)
	}
}

// ReleaseInflight releases amount from userID's in-flight balance without
// recording spend, for request failures/cancellations where RecordSpend
// will not be called (spec §4.6).
func (m *Manager) ReleaseInflight(userID string, amount float64) {
	m.mu.Lock()
	m.releaseLocked(userID, amount)
	m.version++
	m.mu.Unlock()
}

func (m *Manager) releaseLocked(userID string, amount float64) {
	cur := m.inflightByUser[userID]
	cur -= amount
	if cur < 0 {
		cur = 0
	}
	m.inflightByUser[userID] = cur
}

func (m *Manager) pruneRecordsLocked(now time.Time) {
	cutoff := now.Add(-recordRetention)
	i := 0
	for i < len(m.records) && m.records[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.records = m.records[i:]
	}
	if len(m.records) > maxRecords {
		m.records = m.records[len(m.records)-maxRecords:]
	}
}

func (m *Manager) invalidateSnapshotLocked() {
	m.version++
}

// GetStatus returns a snapshot of the user's current budget status,
// snapshot-cached by (version, floor(now/10s)) for reference stability:
// if nothing has changed since the last call in the same 10-second bucket,
// the exact same Status value is returned (spec §4.6).
func (m *Manager) GetStatus(userID string) Status {
	limits, _ := m.limitsFor(userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(userID, limits, time.Now())
}

func (m *Manager) statusLocked(userID string, limits Limits, now time.Time) Status {
	bucket := now.Unix() / 10
	if cached, ok := m.snapshotCache[userID]; ok && cached.version == m.version && cached.timeBucket == bucket {
		return cached.status
	}

	daily := m.windowStatusLocked(userID, "daily", limits.Daily, now)
	monthly := m.windowStatusLocked(userID, "monthly", limits.Monthly, now)
	inflight := m.inflightByUser[userID]

	status := Status{
		Daily:        daily,
		Monthly:      monthly,
		Inflight:     inflight,
		IsOverBudget: (daily.Remaining != nil && *daily.Remaining <= 0) || (monthly.Remaining != nil && *monthly.Remaining <= 0),
		Tier:         limits.Tier,
	}

	if len(m.snapshotCache) >= maxTrackedUsers {
		m.snapshotCache = make(map[string]cachedSnapshot)
	}
	m.snapshotCache[userID] = cachedSnapshot{version: m.version, timeBucket: bucket, status: status}
	return status
}

func (m *Manager) windowStatusLocked(userID, window string, limit float64, now time.Time) WindowStatus {
	spend := m.windowSpendLocked(userID, window, now)
	ws := WindowStatus{Spend: spend}
	if limit == 0 {
		return ws
	}
	remaining := limit - spend
	ws.Remaining = &remaining
	ws.PercentUsed = spend / limit
	return ws
}

// GetModelForUser resolves the model a user's tier should be routed to, or
// "" if no tier mapping applies (spec §4.6, "Tier routing").
func (m *Manager) GetModelForUser(userID string) string {
	limits, ok := m.limitsFor(userID)
	if !ok || limits.Tier == "" {
		return ""
	}
	return m.cfg.TierModels[limits.Tier]
}

func (m *Manager) persistBestEffort(ctx context.Context, userID string) {
	m.mu.Lock()
	var userRecords []SpendRecord
	for _, r := range m.records {
		if r.UserID == userID {
			userRecords = append(userRecords, r)
		}
	}
	m.mu.Unlock()

	b, err := json.Marshal(userRecords)
	if err != nil {
		m.cfg.Logger.Warn("budget: failed to marshal records for persistence", zap.Error(err))
		return
	}
	if err := m.cfg.Store.Set(ctx, m.cfg.StoreName, userID, b, recordRetention); err != nil {
		m.cfg.Logger.Warn("budget: KV persistence failed, degrading to memory-only", zap.String("userID", userID), zap.Error(err))
	}
}

// Hydrate merges KV-persisted records with the manager's in-memory records,
// deduplicating on (userId, timestamp, cost, model) and dropping anything
// older than the retention window (spec §4.6).
func (m *Manager) Hydrate(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	userIDs, err := m.cfg.Store.Keys(ctx, m.cfg.StoreName)
	if err != nil {
		return fmt.Errorf("budget: hydrate failed to list keys: %w", err)
	}

	now := time.Now()
	cutoff := now.Add(-recordRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(m.records))
	dedupKey := func(r SpendRecord) string {
		return fmt.Sprintf("%s|%d|%f|%s", r.UserID, r.Timestamp.UnixNano(), r.Cost, r.Model)
	}
	for _, r := range m.records {
		seen[dedupKey(r)] = struct{}{}
	}

	for _, userID := range userIDs {
		raw, ok, err := m.cfg.Store.Get(ctx, m.cfg.StoreName, userID)
		if err != nil || !ok {
			continue
		}
		var persisted []SpendRecord
		if err := json.Unmarshal(raw, &persisted); err != nil {
			m.cfg.Logger.Warn("budget: corrupted persisted records, skipping", zap.String("userID", userID), zap.Error(err))
			continue
		}
		for _, r := range persisted {
			if r.Timestamp.Before(cutoff) {
				continue
			}
			k := dedupKey(r)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			m.records = append(m.records, r)
		}
	}

	sort.Slice(m.records, func(i, j int) bool { return m.records[i].Timestamp.Before(m.records[j].Timestamp) })
	m.pruneRecordsLocked(now)
	m.version++
	return nil
}
