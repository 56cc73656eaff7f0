package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koriath/raketh/internal/config"
)

const testVectorSize = 16

func deterministicTestVector(seed int) []float32 {
	vec := make([]float32, testVectorSize)
	var sumSq float32
	for i := range vec {
		vec[i] = float32((seed+i)%7) + 0.1
		sumSq += vec[i] * vec[i]
	}
	norm := sqrtApprox(sumSq)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func sqrtApprox(x float32) float32 {
	if x <= 0 {
		return 1
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

func newTestChromemIndex(t *testing.T) *ChromemIndex {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "chromem")
	cfg := config.VectorDBConfig{Backend: "chromem", VectorSize: testVectorSize, Distance: "cosine"}
	idx, err := NewChromemIndex(dir, cfg, nil)
	require.NoError(t, err)
	return idx
}

func TestChromemUpsertAndQueryRoundTrips(t *testing.T) {
	idx := newTestChromemIndex(t)
	ctx := context.Background()

	ids := []string{"doc-1", "doc-2"}
	vectors := [][]float32{deterministicTestVector(1), deterministicTestVector(4)}
	texts := []string{"first chunk", "second chunk"}
	metas := []map[string]any{{"type": "chunk"}, {"type": "chunk"}}

	require.NoError(t, idx.Upsert(ctx, "ws_test", ids, vectors, texts, metas))

	matches, err := idx.Query(ctx, "ws_test", deterministicTestVector(1), 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "doc-1", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 0.05)
}

func TestChromemCountReflectsUpserts(t *testing.T) {
	idx := newTestChromemIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "ws_test", []string{"a"}, [][]float32{deterministicTestVector(3)}, []string{"text"}, []map[string]any{{}}))
	count, err := idx.Count(ctx, "ws_test")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChromemDeleteRemovesDocument(t *testing.T) {
	idx := newTestChromemIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "ws_test", []string{"a", "b"}, [][]float32{deterministicTestVector(1), deterministicTestVector(9)}, []string{"x", "y"}, []map[string]any{{}, {}}))
	require.NoError(t, idx.Delete(ctx, "ws_test", []string{"a"}))

	count, err := idx.Count(ctx, "ws_test")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChromemUpsertRejectsMismatchedLengths(t *testing.T) {
	idx := newTestChromemIndex(t)
	err := idx.Upsert(context.Background(), "ws_test", []string{"a"}, [][]float32{deterministicTestVector(1)}, []string{"x", "y"}, []map[string]any{{}})
	assert.Error(t, err)
}

func TestChromemQueryOnEmptyCollectionReturnsNoMatches(t *testing.T) {
	idx := newTestChromemIndex(t)
	matches, err := idx.Query(context.Background(), "ws_empty", deterministicTestVector(1), 5, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
