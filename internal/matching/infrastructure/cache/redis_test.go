package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	s.calls++
	return s.vector, s.err
}

// fakeStore answers Get from a map and records Set calls.
type fakeStore struct {
	entries map[string]string
	getErr  error
	setErr  error
	sets    map[string]string
	setTTL  time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]string), sets: make(map[string]string)}
}

func (f *fakeStore) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	val, ok := f.entries[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (f *fakeStore) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.sets[key] = string(value.([]byte))
	f.setTTL = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestCachedEmbedder_MissCallsInnerAndWritesBack(t *testing.T) {
	inner := &stubEmbedder{vector: []float32{0.1, 0.2, 0.3}}
	store := newFakeStore()
	embedder := NewCachedEmbedder(inner, store, time.Hour, nil)

	vector, err := embedder.Embed(context.Background(), "engenheiro de dados")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
	assert.Equal(t, 1, inner.calls)

	key := cacheKey("engenheiro de dados")
	require.Contains(t, store.sets, key)
	assert.Equal(t, time.Hour, store.setTTL)

	var cached []float32
	require.NoError(t, json.Unmarshal([]byte(store.sets[key]), &cached))
	assert.Equal(t, vector, cached)
}

func TestCachedEmbedder_HitSkipsInner(t *testing.T) {
	inner := &stubEmbedder{vector: []float32{9, 9, 9}}
	store := newFakeStore()
	encoded, err := json.Marshal([]float32{0.5, 0.6})
	require.NoError(t, err)
	store.entries[cacheKey("analista de bi")] = string(encoded)

	embedder := NewCachedEmbedder(inner, store, time.Hour, nil)

	vector, err := embedder.Embed(context.Background(), "analista de bi")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.6}, vector)
	assert.Zero(t, inner.calls, "cache hit must not reach the model")
}

func TestCachedEmbedder_ReadFailureDegradesToInner(t *testing.T) {
	inner := &stubEmbedder{vector: []float32{1, 2}}
	store := newFakeStore()
	store.getErr = errors.New("connection refused")

	embedder := NewCachedEmbedder(inner, store, time.Hour, nil)

	vector, err := embedder.Embed(context.Background(), "texto")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vector)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedEmbedder_CorruptEntryRefetches(t *testing.T) {
	inner := &stubEmbedder{vector: []float32{4, 5}}
	store := newFakeStore()
	store.entries[cacheKey("texto")] = "{not a vector"

	embedder := NewCachedEmbedder(inner, store, time.Hour, nil)

	vector, err := embedder.Embed(context.Background(), "texto")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5}, vector)
	assert.Equal(t, 1, inner.calls)
	assert.Contains(t, store.sets, cacheKey("texto"), "fresh vector replaces the corrupt entry")
}

func TestCachedEmbedder_WriteFailureStillReturnsVector(t *testing.T) {
	inner := &stubEmbedder{vector: []float32{7}}
	store := newFakeStore()
	store.setErr = errors.New("read-only replica")

	embedder := NewCachedEmbedder(inner, store, time.Hour, nil)

	vector, err := embedder.Embed(context.Background(), "texto")
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, vector)
}

func TestCachedEmbedder_InnerErrorPropagates(t *testing.T) {
	inner := &stubEmbedder{err: errors.New("model unavailable")}
	store := newFakeStore()

	embedder := NewCachedEmbedder(inner, store, time.Hour, nil)

	_, err := embedder.Embed(context.Background(), "texto")
	require.Error(t, err)
	assert.Empty(t, store.sets)
}
