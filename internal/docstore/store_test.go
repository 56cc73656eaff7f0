package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.DocStoreConfig{SafePatternMaxTokens: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateDocumentRejectsDuplicateContentHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := Document{DocumentID: "doc-1", ContentHash: "hash-a", TenantScope: "global", Status: StatusPending}
	require.NoError(t, s.CreateDocument(ctx, doc))

	dup := Document{DocumentID: "doc-2", ContentHash: "hash-a", TenantScope: "global", Status: StatusPending}
	err := s.CreateDocument(ctx, dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestFindByContentHashReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	doc := Document{DocumentID: "doc-1", ContentHash: "hash-a", TenantScope: "global", Status: StatusPending}
	require.NoError(t, s.CreateDocument(context.Background(), doc))

	found, ok := s.FindByContentHash("hash-a")
	require.True(t, ok)
	assert.Equal(t, "doc-1", found.DocumentID)
}

func TestUpdateStatusMovesCompoundIndex(t *testing.T) {
	s := newTestStore(t)
	doc := Document{DocumentID: "doc-1", ContentHash: "h", TenantScope: "ws_1", Status: StatusPending}
	require.NoError(t, s.CreateDocument(context.Background(), doc))

	assert.Contains(t, s.ListByScopeStatus("ws_1", StatusPending), "doc-1")

	require.NoError(t, s.UpdateStatus("doc-1", StatusIndexed, ""))
	assert.NotContains(t, s.ListByScopeStatus("ws_1", StatusPending), "doc-1")
	assert.Contains(t, s.ListByScopeStatus("ws_1", StatusIndexed), "doc-1")
}

func TestListByWorkspaceProjectAndTag(t *testing.T) {
	s := newTestStore(t)
	doc := Document{
		DocumentID: "doc-1", ContentHash: "h", TenantScope: "proj_1",
		WorkspaceID: "ws1", ProjectID: "pr1", Tags: []string{"billing", "q3"},
		Status: StatusPending,
	}
	require.NoError(t, s.CreateDocument(context.Background(), doc))

	assert.Contains(t, s.ListByWorkspaceProject("ws1", "pr1"), "doc-1")
	assert.Contains(t, s.ListByTag("billing"), "doc-1")
	assert.Contains(t, s.ListByTag("q3"), "doc-1")
}

func TestDeleteDocumentRemovesChunksAndIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := Document{DocumentID: "doc-1", ContentHash: "h", TenantScope: "global", Status: StatusPending}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.PutChunks(ctx, []Chunk{
		{ChunkID: "doc-1.0", DocumentID: "doc-1", ChunkIndex: 0, Text: "alpha beta gamma"},
	}))

	require.NoError(t, s.DeleteDocument(ctx, "doc-1"))

	_, ok := s.GetDocument("doc-1")
	assert.False(t, ok)
	_, ok = s.GetChunk("doc-1.0")
	assert.False(t, ok)
	assert.Empty(t, s.ListByScopeStatus("global", StatusPending))
}

func TestTextQueryFindsMatchingChunk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := Document{DocumentID: "doc-1", ContentHash: "h", TenantScope: "global", Status: StatusIndexed}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.PutChunks(ctx, []Chunk{
		{ChunkID: "doc-1.0", DocumentID: "doc-1", ChunkIndex: 0, Text: "quarterly revenue projections for the widget division"},
		{ChunkID: "doc-1.1", DocumentID: "doc-1", ChunkIndex: 1, Text: "unrelated text about garden maintenance"},
	}))

	results, err := s.TextQuery(ctx, "revenue projections", 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc-1.0", results[0].Chunk.ChunkID)
}

func TestTextQueryAppliesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, Document{DocumentID: "doc-1", ContentHash: "h1", TenantScope: "global", Status: StatusIndexed}))
	require.NoError(t, s.PutChunks(ctx, []Chunk{{ChunkID: "doc-1.0", DocumentID: "doc-1", Text: "widget revenue numbers"}}))

	results, err := s.TextQuery(ctx, "widget revenue", 10, map[string]string{"status": "failed"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChunksForDocumentOrderedByIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, Document{DocumentID: "doc-1", ContentHash: "h", TenantScope: "global", Status: StatusPending}))
	require.NoError(t, s.PutChunks(ctx, []Chunk{
		{ChunkID: "doc-1.1", DocumentID: "doc-1", ChunkIndex: 1, Text: "second"},
		{ChunkID: "doc-1.0", DocumentID: "doc-1", ChunkIndex: 0, Text: "first"},
	}))

	chunks := s.ChunksForDocument("doc-1")
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, 1, chunks[1].ChunkIndex)
}
