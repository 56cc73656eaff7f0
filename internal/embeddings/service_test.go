package embeddings

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koriath/raketh/internal/breaker"
	"github.com/koriath/raketh/internal/config"
)

type fakeProvider struct {
	id       string
	dim      int
	calls    int32
	failNext int32
}

func (f *fakeProvider) ID() string { return f.id }
func (f *fakeProvider) Dim() int   { return f.dim }

func (f *fakeProvider) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	if atomic.LoadInt32(&f.failNext) > 0 {
		atomic.AddInt32(&f.failNext, -1)
		return nil, assertErr{msg: f.id + " failed"}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 2}
	}
	return out, nil
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.data[key] = value
	return nil
}

func testProviderCfg() (config.ProviderConfig, config.BreakerConfig, config.BatchConfig) {
	pc := config.ProviderConfig{
		Primary:       "primary",
		FallbackChain: []string{"secondary"},
		Model:         "test-model",
		MaxRetries:    2,
		RetryBaseDelay: config.Duration(time.Millisecond),
		RetryMaxDelay:  config.Duration(5 * time.Millisecond),
		RetryFactor:    2.0,
	}
	bc := config.BreakerConfig{
		FailureThreshold:  2,
		SuccessThreshold:  1,
		VolumeThreshold:   100,
		ErrorPctThreshold: 0.9,
		ResetTimeout:      config.Duration(5 * time.Millisecond),
		WindowSize:        10,
	}
	batchCfg := config.BatchConfig{Size: 4, WindowMS: config.Duration(5 * time.Millisecond)}
	return pc, bc, batchCfg
}

func TestCoordinatorEmbedQueryUsesPrimary(t *testing.T) {
	pc, bc, batchCfg := testProviderCfg()
	primary := &fakeProvider{id: "primary", dim: 3}
	secondary := &fakeProvider{id: "secondary", dim: 3}
	coord := NewCoordinator(pc, bc, batchCfg, map[string]Provider{
		"primary": primary, "secondary": secondary,
	}, nil, time.Minute)

	vec, err := coord.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.EqualValues(t, 1, primary.calls)
	assert.EqualValues(t, 0, secondary.calls)
}

func TestCoordinatorCacheHitBypassesProvider(t *testing.T) {
	pc, bc, batchCfg := testProviderCfg()
	primary := &fakeProvider{id: "primary", dim: 3}
	cache := newMemCache()
	coord := NewCoordinator(pc, bc, batchCfg, map[string]Provider{"primary": primary}, cache, time.Minute)

	ctx := context.Background()
	_, err := coord.EmbedQuery(ctx, "repeat-me")
	require.NoError(t, err)
	require.EqualValues(t, 1, primary.calls)

	_, err = coord.EmbedQuery(ctx, "repeat-me")
	require.NoError(t, err)
	assert.EqualValues(t, 1, primary.calls, "second call should be served from cache")
}

func TestCoordinatorEmbedDocumentsBatches(t *testing.T) {
	pc, bc, batchCfg := testProviderCfg()
	primary := &fakeProvider{id: "primary", dim: 3}
	coord := NewCoordinator(pc, bc, batchCfg, map[string]Provider{"primary": primary}, nil, time.Minute)

	vecs, err := coord.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
}

func TestLocalProviderDeterministic(t *testing.T) {
	p := newLocalProvider("local")
	v1, err := p.EmbedOne(context.Background(), "same text")
	require.NoError(t, err)
	v2, err := p.EmbedOne(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	v3, err := p.EmbedOne(context.Background(), "different text")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v3)
}

func TestCacheKeyIncludesProviderModelAndText(t *testing.T) {
	k1 := cacheKey("openai", "m1", "text")
	k2 := cacheKey("cohere", "m1", "text")
	assert.NotEqual(t, k1, k2)
}

// TestEmbedQueryTripsBreakerAtExactlyFailureThreshold guards against
// double-recording a single-embed call's outcome: embedOneViaChain used to
// record its own RecordFailure on top of callProviderBatch's, which tripped
// the breaker after half the configured failures.
func TestEmbedQueryTripsBreakerAtExactlyFailureThreshold(t *testing.T) {
	pc, bc, batchCfg := testProviderCfg()
	pc.FallbackChain = nil
	bc.FailureThreshold = 2
	primary := &fakeProvider{id: "primary", dim: 3, failNext: 100}
	coord := NewCoordinator(pc, bc, batchCfg, map[string]Provider{"primary": primary}, nil, time.Minute)

	for i := 0; i < bc.FailureThreshold-1; i++ {
		_, err := coord.EmbedQuery(context.Background(), "fails")
		require.Error(t, err)
		assert.Equal(t, breaker.StateClosed, coord.breakers["primary"].State(),
			"breaker must stay closed before failure_threshold failures are recorded")
	}

	_, err := coord.EmbedQuery(context.Background(), "fails")
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, coord.breakers["primary"].State(),
		"breaker must open at exactly failure_threshold failures")
}
