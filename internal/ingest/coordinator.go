// Package ingest implements C11, the ingestion coordinator: the pipeline
// that takes raw content through sanitization, content-hash dedupe,
// chunking, embedding, vector validation, and persistence across the
// collection registry, vector index, and document store.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/koriath/raketh/internal/chunk"
	"github.com/koriath/raketh/internal/collections"
	"github.com/koriath/raketh/internal/docstore"
	"github.com/koriath/raketh/internal/embeddings"
	"github.com/koriath/raketh/internal/errs"
	"github.com/koriath/raketh/internal/logging"
	"github.com/koriath/raketh/internal/queue"
	"github.com/koriath/raketh/internal/sanitize"
	"github.com/koriath/raketh/internal/vectorstore"
	"github.com/koriath/raketh/internal/vectorvalidate"
)

// priorityNormal is the queue priority embedding tasks are enqueued at,
// per §4.11 step 5.
const priorityNormal = 5

// Result is the outcome of a successful AddDocument call.
type Result struct {
	DocumentID  string
	ChunkCount  int
	TotalTokens int
}

// Coordinator implements C11's add_document pipeline end to end.
type Coordinator struct {
	sanitizer *sanitize.Sanitizer
	chunker   *chunk.Splitter
	embedder  *embeddings.Coordinator
	validator *vectorvalidate.Validator
	queue     *queue.Queue
	registry  *collections.Registry
	index     vectorstore.Index
	docs      *docstore.Store
	log       *logging.Logger
}

// New wires C2-C9 into an ingestion Coordinator.
func New(
	sanitizer *sanitize.Sanitizer,
	chunker *chunk.Splitter,
	embedder *embeddings.Coordinator,
	validator *vectorvalidate.Validator,
	q *queue.Queue,
	registry *collections.Registry,
	index vectorstore.Index,
	docs *docstore.Store,
	log *logging.Logger,
) *Coordinator {
	return &Coordinator{
		sanitizer: sanitizer,
		chunker:   chunker,
		embedder:  embedder,
		validator: validator,
		queue:     q,
		registry:  registry,
		index:     index,
		docs:      docs,
		log:       log,
	}
}

// AddDocument runs the 8-step pipeline of §4.11. One document's failure
// (a sanitize/embed/validate/storage error) only ever marks that document
// failed; it never touches any other document's state, since every
// document-scoped mutation below is keyed by its own docID.
func (c *Coordinator) AddDocument(ctx context.Context, scope collections.Scope, title, content string, tags []string, language, author string) (Result, error) {
	sanRes, err := c.sanitizer.Sanitize(content)
	if err != nil {
		return Result{}, err
	}
	if len(sanRes.PIIClasses) > 0 {
		return Result{}, errs.ErrPiiDetected
	}
	if sanRes.IsEmpty() {
		return Result{}, errs.New(errs.KindValidation, "sanitized content is empty")
	}

	hash := contentHash(title, sanRes.Sanitized, language)
	if existing, ok := c.docs.FindByContentHash(hash); ok {
		return Result{DocumentID: existing.DocumentID, ChunkCount: existing.ChunkCount, TotalTokens: existing.TotalTokens}, errs.ErrAlreadyExists
	}

	chunks := c.chunker.Split(sanRes.Sanitized)
	if len(chunks) == 0 {
		return Result{}, errs.Wrap(errs.KindValidation, "chunker produced no output", errs.ErrIngestFailed)
	}

	docID := uuid.NewString()
	tenantScope := scopeLabel(scope)
	doc := docstore.Document{
		DocumentID:  docID,
		TenantScope: tenantScope,
		Title:       title,
		ContentHash: hash,
		LanguageTag: language,
		Tags:        tags,
		Status:      docstore.StatusProcessing,
		WorkspaceID: scope.Workspace,
		ProjectID:   scope.Project,
	}
	if err := c.docs.CreateDocument(ctx, doc); err != nil {
		return Result{}, errs.Wrap(errs.KindStorage, "create document", err)
	}

	vectors, err := c.embedChunks(ctx, docID, chunks)
	if err != nil {
		_ = c.docs.UpdateStatus(docID, docstore.StatusFailed, err.Error())
		return Result{}, errs.Wrap(errs.KindProvider, "embedding failed", errs.ErrIngestFailed)
	}

	if _, err := c.validator.ValidateAll(vectors); err != nil {
		_ = c.docs.UpdateStatus(docID, docstore.StatusFailed, err.Error())
		return Result{}, errs.Wrap(errs.KindValidation, "vector validation failed", errs.ErrIngestFailed)
	}

	collName, err := c.registry.Ensure(scope, author)
	if err != nil {
		_ = c.docs.UpdateStatus(docID, docstore.StatusFailed, err.Error())
		return Result{}, err
	}
	if err := c.index.EnsureCollection(ctx, collName, nil); err != nil {
		_ = c.docs.UpdateStatus(docID, docstore.StatusFailed, err.Error())
		return Result{}, errs.Wrap(errs.KindStorage, "ensure collection", err)
	}

	ids := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	metas := make([]map[string]any, len(chunks))
	docChunks := make([]docstore.Chunk, len(chunks))
	totalTokens := 0
	for i, ch := range chunks {
		chunkID := fmt.Sprintf("%s.%d", docID, ch.Index)
		meta := map[string]any{
			"tenant_scope": tenantScope,
			"tags":         tags,
			"language":     language,
			"workspace_id": scope.Workspace,
			"project_id":   scope.Project,
			"status":       string(docstore.StatusProcessing),
		}
		ids[i] = chunkID
		texts[i] = ch.Text
		metas[i] = meta
		docChunks[i] = docstore.Chunk{
			ChunkID:      chunkID,
			DocumentID:   docID,
			ChunkIndex:   ch.Index,
			Text:         ch.Text,
			OffsetStart:  ch.Start,
			OffsetEnd:    ch.End,
			EmbeddingRef: chunkID,
			Metadata:     meta,
		}
		totalTokens += approxTokenCount(ch.Text)
	}

	if err := c.index.Upsert(ctx, collName, ids, vectors, texts, metas); err != nil {
		_ = c.docs.UpdateStatus(docID, docstore.StatusFailed, err.Error())
		return Result{}, errs.Wrap(errs.KindStorage, "vector upsert", err)
	}
	if err := c.docs.PutChunks(ctx, docChunks); err != nil {
		_ = c.docs.UpdateStatus(docID, docstore.StatusFailed, err.Error())
		return Result{}, errs.Wrap(errs.KindStorage, "chunk insert", err)
	}

	if err := c.docs.SetChunkStats(docID, len(chunks), totalTokens); err != nil {
		return Result{}, err
	}
	if err := c.docs.UpdateStatus(docID, docstore.StatusIndexed, ""); err != nil {
		return Result{}, err
	}

	// Flip the chunks' C8 metadata to status=indexed only now that the whole
	// pipeline has succeeded, so the retrieval engine's status=indexed where
	// clause (§5) never surfaces a document that failed partway through
	// ingestion. A re-upsert by the same ids overwrites the prior metadata.
	for i := range metas {
		metas[i]["status"] = string(docstore.StatusIndexed)
	}
	if err := c.index.Upsert(ctx, collName, ids, vectors, texts, metas); err != nil {
		return Result{}, errs.Wrap(errs.KindStorage, "vector metadata flip to indexed", err)
	}

	return Result{DocumentID: docID, ChunkCount: len(chunks), TotalTokens: totalTokens}, nil
}

// embedChunks enqueues one embedding task per chunk onto C6 at normal
// priority and awaits all of them. Tasks run with MaxRetries 0: C5's own
// retry/circuit-breaker/fallback chain already covers transient provider
// failures, so a second retry layer at the queue would only duplicate it.
func (c *Coordinator) embedChunks(ctx context.Context, docID string, chunks []chunk.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for i, ch := range chunks {
		wg.Add(1)
		idx, text := i, ch.Text
		task := &queue.Task{
			ID:       fmt.Sprintf("%s.embed.%d", docID, idx),
			Priority: priorityNormal,
			Run: func(taskCtx context.Context) error {
				defer wg.Done()
				vec, err := c.embedder.EmbedQuery(taskCtx, text)
				if err != nil {
					recordErr(err)
					return err
				}
				mu.Lock()
				vectors[idx] = vec
				mu.Unlock()
				return nil
			},
		}
		if err := c.queue.Enqueue(task); err != nil {
			wg.Done()
			recordErr(err)
		}
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return vectors, nil
}

func contentHash(title, sanitized, language string) string {
	h := sha256.Sum256([]byte(title + "\x00" + sanitized + "\x00" + language))
	return hex.EncodeToString(h[:])
}

// approxTokenCount estimates token count at roughly 4 characters per token,
// the absence of a real tokenizer dependency anywhere in the corpus.
func approxTokenCount(text string) int {
	return (len(text) + 3) / 4
}

func scopeLabel(scope collections.Scope) string {
	switch scope.Kind {
	case collections.ScopeWorkspace:
		return "workspace:" + scope.Workspace
	case collections.ScopeProject:
		return "project:" + scope.Workspace + ":" + scope.Project
	default:
		return "global"
	}
}
