package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christireid/tokenshield/kvstore"
)

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"Hello, World!", "  multiple   spaces  ", "What's Promise.all?", ""}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "Normalize should be idempotent for %q", in)
	}
}

func TestDiceSimilarityEmptyEdgeCase(t *testing.T) {
	t.Run("equal-length empty-bigram strings are similarity 1", func(t *testing.T) {
		assert.Equal(t, 1.0, diceSimilarity("a", "b"))
	})
	t.Run("different-length empty-bigram strings are similarity 0", func(t *testing.T) {
		assert.Equal(t, 0.0, diceSimilarity("a", "ab"))
	})
	t.Run("both truly empty are equal length, similarity 1", func(t *testing.T) {
		assert.Equal(t, 1.0, diceSimilarity("", ""))
	})
}

func TestClassifyContentType(t *testing.T) {
	t.Run("factual", func(t *testing.T) {
		assert.Equal(t, Factual, Classify(Normalize("What is the capital of France?")))
	})
	t.Run("time-sensitive wins over factual", func(t *testing.T) {
		assert.Equal(t, TimeSensitive, Classify(Normalize("What is the current population of France?")))
	})
	t.Run("general", func(t *testing.T) {
		assert.Equal(t, General, Classify(Normalize("Write me a poem about the sea")))
	})
}

func newTestCache(t *testing.T, store kvstore.Store) *Cache {
	t.Helper()
	return New(Config{MaxEntries: 3, SimilarityThreshold: 0.85}, store)
}

func TestCacheExactLookup(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	t.Run("miss before store", func(t *testing.T) {
		res := c.Lookup(ctx, "Hello", "gpt-4o-mini")
		assert.False(t, res.Hit)
	})

	t.Run("hit after store, within TTL", func(t *testing.T) {
		c.Store(ctx, "Hello", "Hi", "gpt-4o-mini", 50, 20)
		res := c.Lookup(ctx, "Hello", "gpt-4o-mini")
		require.True(t, res.Hit)
		assert.Equal(t, MatchExact, res.MatchType)
		assert.Equal(t, 1.0, res.Similarity)
		assert.Equal(t, "Hi", res.Entry.Response)
	})

	t.Run("model mismatch is a miss", func(t *testing.T) {
		res := c.Lookup(ctx, "Hello", "other-model")
		assert.False(t, res.Hit)
	})
}

func TestCacheStoreLookupIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)
	c.Store(ctx, "x", "y", "m", 1, 1)
	r1 := c.Lookup(ctx, "x", "m")
	r2 := c.Lookup(ctx, "x", "m")
	assert.True(t, r1.Hit)
	assert.True(t, r2.Hit)
}

func TestCachePeekDoesNotMutateStats(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)
	c.Store(ctx, "x", "y", "m", 1, 1)

	before := c.Stats()
	c.Peek(ctx, "x", "m")
	after := c.Stats()

	assert.Equal(t, before.TotalHits, after.TotalHits)
	assert.Equal(t, before.TotalLookups, after.TotalLookups)
}

func TestCacheFuzzyMatch(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)
	c.Store(ctx, "What is Promise.all?", "it runs promises in parallel", "gpt-4o-mini", 10, 10)

	res := c.Lookup(ctx, "what's promise all", "gpt-4o-mini")
	require.True(t, res.Hit)
	assert.Equal(t, MatchFuzzy, res.MatchType)
	assert.GreaterOrEqual(t, res.Similarity, 0.85)
}

func TestCacheFuzzyMatchFiltersByModel(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)
	c.Store(ctx, "What is Promise.all?", "resp", "gpt-4o-mini", 10, 10)

	res := c.Lookup(ctx, "what's promise all", "claude-3")
	assert.False(t, res.Hit, "fuzzy match must not cross models")
}

func TestCacheLRUEviction(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil) // MaxEntries: 3

	c.Store(ctx, "a", "a", "m", 1, 1)
	time.Sleep(time.Millisecond)
	c.Store(ctx, "b", "b", "m", 1, 1)
	time.Sleep(time.Millisecond)
	c.Store(ctx, "c", "c", "m", 1, 1)
	time.Sleep(time.Millisecond)

	// Touch "a" so it's no longer the least-recently-accessed.
	c.Lookup(ctx, "a", "m")
	time.Sleep(time.Millisecond)

	c.Store(ctx, "d", "d", "m", 1, 1) // exceeds MaxEntries, evicts LRU

	assert.Equal(t, 3, c.Stats().Entries)
	assert.True(t, c.Lookup(ctx, "a", "m").Hit, "recently touched entry should survive eviction")
	assert.False(t, c.Lookup(ctx, "b", "m").Hit, "least-recently-accessed entry should be evicted")
}

func TestCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := New(Config{
		MaxEntries:          10,
		SimilarityThreshold: 0.85,
		TTLByContentType:    map[ContentType]time.Duration{General: time.Millisecond},
	}, nil)

	c.Store(ctx, "Write me a poem", "a poem", "m", 1, 1)
	time.Sleep(5 * time.Millisecond)

	res := c.Lookup(ctx, "Write me a poem", "m")
	assert.False(t, res.Hit, "expired entry should not be returned")
}

func TestCacheTTLByContentTypeOverridesDefault(t *testing.T) {
	cfg := Config{TTLByContentType: map[ContentType]time.Duration{Factual: time.Hour}}
	cfg.setDefaults()
	assert.Equal(t, time.Hour, cfg.ttlFor(Factual))
	assert.Equal(t, DefaultTTL(General), cfg.ttlFor(General))
}

func TestCacheTTLMsOnlyAffectsGeneral(t *testing.T) {
	cfg := Config{TTLMs: 60_000}
	cfg.setDefaults()
	assert.Equal(t, 60*time.Second, cfg.ttlFor(General))
	assert.Equal(t, DefaultTTL(Factual), cfg.ttlFor(Factual), "TTLMs must not affect non-general types")
}

func TestCacheHydrateFromStore(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore(time.Hour)
	defer store.Close()

	c1 := New(Config{MaxEntries: 10, StoreName: "cache"}, store)
	c1.Store(ctx, "hello", "hi", "m", 1, 1)

	c2 := New(Config{MaxEntries: 10, StoreName: "cache"}, store)
	n, err := c2.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res := c2.Lookup(ctx, "hello", "m")
	assert.True(t, res.Hit)
}

func TestCacheClear(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)
	c.Store(ctx, "x", "y", "m", 1, 1)
	c.Clear(ctx)
	assert.False(t, c.Lookup(ctx, "x", "m").Hit)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCacheConcurrentStoreLookup(t *testing.T) {
	ctx := context.Background()
	c := New(Config{MaxEntries: 1000}, nil)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(i int) {
			c.Store(ctx, "prompt", "resp", "m", 1, 1)
			c.Lookup(ctx, "prompt", "m")
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.True(t, c.Lookup(ctx, "prompt", "m").Hit)
}
