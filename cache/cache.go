// Package cache implements the Response Cache (C6): exact and fuzzy
// (MinHash/LSH) lookup with TTL-by-content-type and LRU-by-lastAccessed
// eviction. The two-tier lookup order (in-memory first, persistent KV
// second) and the opportunistic-expiry-on-read idiom are grounded on the
// tokenman reference cache (other_examples, CacheMiddleware.ProcessRequest)
// and the teacher's InMemoryCache cleanup loop
// (internal/services/cache/cache.go).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/christireid/tokenshield/kvstore"
)

// MatchType distinguishes an exact key hit from a fuzzy LSH match.
type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchFuzzy MatchType = "fuzzy"
)

// Entry is an immutable cache record except for AccessCount/LastAccessed,
// which are updated copy-on-read: a read replaces the stored entry with an
// updated copy rather than mutating it in place (spec §3, CacheEntry).
type Entry struct {
	Key          string      `json:"key"`
	NormalizedKey string     `json:"normalizedKey"`
	Prompt       string      `json:"prompt"`
	Response     string      `json:"response"`
	Model        string      `json:"model"`
	InputTokens  uint32      `json:"inputTokens"`
	OutputTokens uint32      `json:"outputTokens"`
	CreatedAt    time.Time   `json:"createdAt"`
	AccessCount  uint64      `json:"accessCount"`
	LastAccessed time.Time   `json:"lastAccessed"`
	ContentType  ContentType `json:"contentType"`
	ExpiresAt    time.Time   `json:"expiresAt"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// LookupResult is returned by Lookup and Peek.
type LookupResult struct {
	Hit        bool
	Entry      *Entry
	MatchType  MatchType
	Similarity float64
}

// EncodingStrategy names a similarity encoding for fuzzy matching. Bigram is
// the default. Config.Encoding is stored but not read by the lookup path:
// fuzzy candidates are always scored with bigram Dice, so Holographic
// behaves the same as Bigram.
type EncodingStrategy string

const (
	EncodingBigram      EncodingStrategy = "bigram"
	EncodingHolographic EncodingStrategy = "holographic"
)

// Config configures a Cache instance.
type Config struct {
	MaxEntries          int
	TTLMs               int64 // legacy field; only ever supplies the General default unless TTLByContentType overrides it (spec §9)
	TTLByContentType     map[ContentType]time.Duration
	SimilarityThreshold  float64
	Encoding             EncodingStrategy
	StoreName            string // KV namespace; "" defaults to "cache" (persistence is on only when New gets a non-nil store)
	Logger               *zap.Logger
}

func (c *Config) setDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10_000
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.85
	}
	if c.Encoding == "" {
		c.Encoding = EncodingBigram
	}
	if c.StoreName == "" {
		c.StoreName = "cache"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ttlFor resolves the TTL for a content type: an explicit override replaces
// the built-in default entirely; TTLMs only ever supplies General's default
// when no override is present for General (spec §9, resolved open
// question).
func (c *Config) ttlFor(ct ContentType) time.Duration {
	if c.TTLByContentType != nil {
		if d, ok := c.TTLByContentType[ct]; ok {
			return d
		}
	}
	if ct == General && c.TTLMs > 0 {
		return time.Duration(c.TTLMs) * time.Millisecond
	}
	return DefaultTTL(ct)
}

// Stats is the snapshot returned by Cache.Stats.
type Stats struct {
	Entries          int
	TotalSavedTokens uint64
	TotalHits        uint64
	TotalLookups     uint64
	HitRate          float64
}

// Cache is one pipeline's Response Cache. Not safe for use across pipeline
// instances — each Pipeline owns exactly one Cache (spec §3, "Ownership").
type Cache struct {
	mu      sync.RWMutex
	cfg     Config
	entries map[string]*storedEntry
	lsh     *lshIndex
	store   kvstore.Store

	totalHits    uint64
	totalLookups uint64
	savedTokens  uint64
}

type storedEntry struct {
	entry Entry
	bands [numBands]uint64
}

// New creates a Cache. store may be nil for memory-only operation.
func New(cfg Config, store kvstore.Store) *Cache {
	cfg.setDefaults()
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*storedEntry),
		lsh:     newLSHIndex(),
		store:   store,
	}
}

// Lookup performs the full lookup order (spec §4.1): memory exact, then KV
// exact, then fuzzy LSH. A hit updates access stats (copy-on-read).
func (c *Cache) Lookup(ctx context.Context, prompt, model string) LookupResult {
	return c.lookup(ctx, prompt, model, true)
}

// Peek is identical to Lookup but never mutates access stats.
func (c *Cache) Peek(ctx context.Context, prompt, model string) LookupResult {
	return c.lookup(ctx, prompt, model, false)
}

func (c *Cache) lookup(ctx context.Context, prompt, model string, touch bool) LookupResult {
	normalized := Normalize(prompt)
	key := Key(prompt, model)
	now := time.Now()

	if touch {
		c.mu.Lock()
		c.totalLookups++
		c.mu.Unlock()
	}

	// 1. Memory exact.
	c.mu.RLock()
	se, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		if se.entry.expired(now) {
			c.deleteEntry(ctx, key)
		} else if se.entry.NormalizedKey == normalized {
			entry := se.entry
			if touch {
				c.touch(ctx, key, &entry, now)
			}
			c.recordHit(touch, entry)
			return LookupResult{Hit: true, Entry: &entry, MatchType: MatchExact, Similarity: 1}
		}
	}

	// 2. Persistent KV exact, when present.
	if c.store != nil {
		if persisted, found := c.loadFromStore(ctx, key); found {
			if persisted.expired(now) {
				_ = c.store.Del(ctx, c.cfg.StoreName, key)
			} else if persisted.NormalizedKey == normalized {
				if touch {
					persisted.AccessCount++
					persisted.LastAccessed = now
					c.writeThrough(ctx, key, persisted)
				}
				c.recordHit(touch, persisted)
				return LookupResult{Hit: true, Entry: &persisted, MatchType: MatchExact, Similarity: 1}
			}
		}
	}

	// 3. Fuzzy via LSH.
	if best, sim, found := c.fuzzyCandidate(normalized, model, now); found {
		if touch {
			c.touch(ctx, best.Key, &best, now)
		}
		c.recordHit(touch, best)
		return LookupResult{Hit: true, Entry: &best, MatchType: MatchFuzzy, Similarity: sim}
	}

	return LookupResult{Hit: false}
}

func (c *Cache) fuzzyCandidate(normalized, model string, now time.Time) (Entry, float64, bool) {
	sig := signature(normalized)
	bs := bands(sig)

	c.mu.RLock()
	candidateKeys := c.lsh.candidates(bs, "")
	var best Entry
	bestSim := -1.0
	for k := range candidateKeys {
		se, ok := c.entries[k]
		if !ok || se.entry.expired(now) || se.entry.Model != model {
			continue
		}
		sim := diceSimilarity(normalized, se.entry.NormalizedKey)
		if sim >= c.cfg.SimilarityThreshold && sim > bestSim {
			best = se.entry
			bestSim = sim
		}
	}
	c.mu.RUnlock()

	if bestSim < 0 {
		return Entry{}, 0, false
	}
	return best, bestSim, true
}

func (c *Cache) recordHit(touch bool, _ Entry) {
	if !touch {
		return
	}
	c.mu.Lock()
	c.totalHits++
	c.mu.Unlock()
}

// touch updates AccessCount/LastAccessed via copy-on-read replacement: a new
// Entry replaces the old one in the map, never mutated in place.
func (c *Cache) touch(ctx context.Context, key string, entry *Entry, now time.Time) {
	updated := *entry
	updated.AccessCount++
	updated.LastAccessed = now
	*entry = updated

	c.mu.Lock()
	if se, ok := c.entries[key]; ok {
		se.entry = updated
	}
	c.mu.Unlock()

	if c.store != nil {
		c.writeThrough(ctx, key, updated)
	}
}

func (c *Cache) writeThrough(ctx context.Context, key string, e Entry) {
	b, err := json.Marshal(e)
	if err != nil {
		c.cfg.Logger.Warn("cache: failed to marshal entry for write-through", zap.Error(err))
		return
	}
	ttl := time.Until(e.ExpiresAt)
	if e.ExpiresAt.IsZero() {
		ttl = 0
	}
	if err := c.store.Set(ctx, c.cfg.StoreName, key, b, ttl); err != nil {
		c.cfg.Logger.Warn("cache: KV write-through failed, degrading to memory-only", zap.Error(err))
	}
}

func (c *Cache) loadFromStore(ctx context.Context, key string) (Entry, bool) {
	raw, ok, err := c.store.Get(ctx, c.cfg.StoreName, key)
	if err != nil {
		c.cfg.Logger.Warn("cache: KV read failed, degrading to memory-only", zap.Error(err))
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.cfg.Logger.Warn("cache: corrupted persisted entry, deleting", zap.String("key", key), zap.Error(err))
		_ = c.store.Del(ctx, c.cfg.StoreName, key)
		return Entry{}, false
	}
	return e, true
}

// Store adds or replaces a cache entry, classifying its content type and
// assigning a TTL, then triggers LRU eviction above MaxEntries.
func (c *Cache) Store(ctx context.Context, prompt, response, model string, inputTokens, outputTokens uint32) {
	normalized := Normalize(prompt)
	key := Key(prompt, model)
	ct := Classify(normalized)
	now := time.Now()
	ttl := c.cfg.ttlFor(ct)

	e := Entry{
		Key:           key,
		NormalizedKey: normalized,
		Prompt:        prompt,
		Response:      response,
		Model:         model,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		CreatedAt:     now,
		AccessCount:   0,
		LastAccessed:  now,
		ContentType:   ct,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	sig := signature(normalized)
	bs := bands(sig)

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.lsh.remove(key, old.bands)
	}
	c.entries[key] = &storedEntry{entry: e, bands: bs}
	c.lsh.add(key, bs)
	evicted := c.evictLocked()
	c.mu.Unlock()

	for _, k := range evicted {
		if c.store != nil {
			if err := c.store.Del(ctx, c.cfg.StoreName, k); err != nil {
				c.cfg.Logger.Warn("cache: best-effort KV eviction delete failed", zap.Error(err))
			}
		}
	}

	if c.store != nil {
		c.writeThrough(ctx, key, e)
	}
}

// evictLocked deletes least-recently-accessed entries, one at a time, until
// the map is back within MaxEntries; after a single Store that is exactly
// one entry (spec §4.1, §8: "maxEntries+1 stores leave exactly maxEntries
// entries"). Caller must hold c.mu.
func (c *Cache) evictLocked() []string {
	var evicted []string
	for len(c.entries) > c.cfg.MaxEntries {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, se := range c.entries {
			if first || se.entry.LastAccessed.Before(oldestTime) {
				oldestKey = k
				oldestTime = se.entry.LastAccessed
				first = false
			}
		}
		if oldestKey == "" {
			break
		}
		if se, ok := c.entries[oldestKey]; ok {
			c.lsh.remove(oldestKey, se.bands)
		}
		delete(c.entries, oldestKey)
		evicted = append(evicted, oldestKey)
	}
	return evicted
}

func (c *Cache) deleteEntry(ctx context.Context, key string) {
	c.mu.Lock()
	if se, ok := c.entries[key]; ok {
		c.lsh.remove(key, se.bands)
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Del(ctx, c.cfg.StoreName, key); err != nil {
			c.cfg.Logger.Warn("cache: best-effort expired-entry KV delete failed", zap.Error(err))
		}
	}
}

// Hydrate loads non-expired entries from the KV store and rebuilds the LSH
// index. Returns the count of entries loaded.
func (c *Cache) Hydrate(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	keys, err := c.store.Keys(ctx, c.cfg.StoreName)
	if err != nil {
		return 0, fmt.Errorf("cache: hydrate failed to list keys: %w", err)
	}

	now := time.Now()
	loaded := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		raw, ok, err := c.store.Get(ctx, c.cfg.StoreName, k)
		if err != nil || !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if e.expired(now) {
			continue
		}
		sig := signature(e.NormalizedKey)
		bs := bands(sig)
		c.entries[k] = &storedEntry{entry: e, bands: bs}
		c.lsh.add(k, bs)
		loaded++
	}
	return loaded, nil
}

// Clear empties the cache, memory and persistent.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*storedEntry)
	c.lsh = newLSHIndex()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Clear(ctx, c.cfg.StoreName); err != nil {
			c.cfg.Logger.Warn("cache: KV clear failed", zap.Error(err))
		}
	}
}

// Stats returns a point-in-time snapshot of cache performance.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var hitRate float64
	if c.totalLookups > 0 {
		hitRate = float64(c.totalHits) / float64(c.totalLookups)
	}
	return Stats{
		Entries:          len(c.entries),
		TotalSavedTokens: c.savedTokens,
		TotalHits:        c.totalHits,
		TotalLookups:     c.totalLookups,
		HitRate:          hitRate,
	}
}

// RecordSavedTokens lets the pipeline attribute tokens saved by a cache hit
// (input+output of the reused response) toward Stats.TotalSavedTokens.
func (c *Cache) RecordSavedTokens(n uint64) {
	c.mu.Lock()
	c.savedTokens += n
	c.mu.Unlock()
}
