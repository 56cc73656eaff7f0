package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
)

// Store is C9: CRUD over Document and Chunk plus a lexical text-query,
// maintaining the indexes required by §4.9 as writes land.
type Store struct {
	mu sync.RWMutex

	documents map[string]Document // by document_id
	chunks    map[string]Chunk    // by chunk_id

	byContentHash map[string]string            // content_hash -> document_id (unique index)
	byScopeStatus map[scopeStatusKey][]string  // (tenant_scope,status) -> document_ids
	byWsProject   map[wsProjectKey][]string    // (workspace_id,project_id) -> document_ids
	byTag         map[string][]string          // tag -> document_ids
	chunksByDoc   map[string][]string          // document_id -> chunk_ids, insertion order

	text *textIndex
}

type scopeStatusKey struct {
	scope  string
	status Status
}

type wsProjectKey struct {
	workspace string
	project   string
}

// New constructs a Store and its backing text index.
func New(cfg config.DocStoreConfig) (*Store, error) {
	idx, err := newTextIndex(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		documents:     make(map[string]Document),
		chunks:        make(map[string]Chunk),
		byContentHash: make(map[string]string),
		byScopeStatus: make(map[scopeStatusKey][]string),
		byWsProject:   make(map[wsProjectKey][]string),
		byTag:         make(map[string][]string),
		chunksByDoc:   make(map[string][]string),
		text:          idx,
	}, nil
}

// FindByContentHash implements invariant I1: a second ingest with the same
// hash returns the existing document instead of creating a duplicate.
func (s *Store) FindByContentHash(hash string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byContentHash[hash]
	if !ok {
		return Document{}, false
	}
	return s.documents[id], true
}

// CreateDocument inserts a new Document, rejecting a duplicate content_hash.
func (s *Store) CreateDocument(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byContentHash[doc.ContentHash]; exists {
		return errs.ErrAlreadyExists
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	doc.UpdatedAt = doc.CreatedAt

	s.documents[doc.DocumentID] = doc
	s.byContentHash[doc.ContentHash] = doc.DocumentID
	s.indexDocumentLocked(doc)
	return nil
}

func (s *Store) indexDocumentLocked(doc Document) {
	ssKey := scopeStatusKey{scope: doc.TenantScope, status: doc.Status}
	s.byScopeStatus[ssKey] = appendUnique(s.byScopeStatus[ssKey], doc.DocumentID)

	wpKey := wsProjectKey{workspace: doc.WorkspaceID, project: doc.ProjectID}
	s.byWsProject[wpKey] = appendUnique(s.byWsProject[wpKey], doc.DocumentID)

	for _, tag := range doc.Tags {
		s.byTag[tag] = appendUnique(s.byTag[tag], doc.DocumentID)
	}
}

func (s *Store) deindexDocumentLocked(doc Document) {
	ssKey := scopeStatusKey{scope: doc.TenantScope, status: doc.Status}
	s.byScopeStatus[ssKey] = removeValue(s.byScopeStatus[ssKey], doc.DocumentID)

	wpKey := wsProjectKey{workspace: doc.WorkspaceID, project: doc.ProjectID}
	s.byWsProject[wpKey] = removeValue(s.byWsProject[wpKey], doc.DocumentID)

	for _, tag := range doc.Tags {
		s.byTag[tag] = removeValue(s.byTag[tag], doc.DocumentID)
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func removeValue(list []string, v string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}

// GetDocument returns a Document by id.
func (s *Store) GetDocument(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	return doc, ok
}

// UpdateStatus transitions a Document's status, re-indexing the
// (tenant_scope,status) compound index, and records error_detail on
// failure.
func (s *Store) UpdateStatus(id string, status Status, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return errs.New(errs.KindValidation, "document not found")
	}
	s.deindexDocumentLocked(doc)
	doc.Status = status
	doc.ErrorDetail = errDetail
	doc.UpdatedAt = time.Now()
	s.documents[id] = doc
	s.indexDocumentLocked(doc)
	return nil
}

// SetChunkStats updates chunk_count/total_tokens after a successful index.
func (s *Store) SetChunkStats(id string, chunkCount, totalTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return errs.New(errs.KindValidation, "document not found")
	}
	doc.ChunkCount = chunkCount
	doc.TotalTokens = totalTokens
	doc.UpdatedAt = time.Now()
	s.documents[id] = doc
	return nil
}

// ListByScopeStatus returns document ids for a (tenant_scope,status) pair.
func (s *Store) ListByScopeStatus(scope string, status Status) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byScopeStatus[scopeStatusKey{scope: scope, status: status}]...)
}

// ListByWorkspaceProject returns document ids for a (workspace_id,
// project_id) pair.
func (s *Store) ListByWorkspaceProject(workspace, project string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byWsProject[wsProjectKey{workspace: workspace, project: project}]...)
}

// ListByTag returns document ids carrying tag.
func (s *Store) ListByTag(tag string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byTag[tag]...)
}

// ListRecentFirst returns all documents ordered by created_at desc, the
// (created_at desc) index required by §4.9.
func (s *Store) ListRecentFirst() []Document {
	s.mu.RLock()
	docs := make([]Document, 0, len(s.documents))
	for _, d := range s.documents {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.After(docs[j].CreatedAt) })
	return docs
}

// DeleteDocument removes a Document and all of its Chunks.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	doc, ok := s.documents[id]
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.KindValidation, "document not found")
	}
	s.deindexDocumentLocked(doc)
	delete(s.documents, id)
	delete(s.byContentHash, doc.ContentHash)
	chunkIDs := append([]string(nil), s.chunksByDoc[id]...)
	delete(s.chunksByDoc, id)
	for _, cid := range chunkIDs {
		delete(s.chunks, cid)
	}
	s.mu.Unlock()

	for _, cid := range chunkIDs {
		if err := s.text.deleteChunk(cid); err != nil {
			return err
		}
	}
	return nil
}

// PutChunks inserts Chunks for a document, indexing each one's text.
func (s *Store) PutChunks(ctx context.Context, chunks []Chunk) error {
	s.mu.Lock()
	for _, c := range chunks {
		s.chunks[c.ChunkID] = c
		s.chunksByDoc[c.DocumentID] = appendUnique(s.chunksByDoc[c.DocumentID], c.ChunkID)
	}
	s.mu.Unlock()

	for _, c := range chunks {
		if err := s.text.indexChunk(c.ChunkID, c.Text); err != nil {
			return err
		}
	}
	return nil
}

// GetChunk returns a Chunk by id.
func (s *Store) GetChunk(id string) (Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	return c, ok
}

// ChunksForDocument returns a document's chunks in chunk_index order.
func (s *Store) ChunksForDocument(id string) []Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.chunksByDoc[id]
	out := make([]Chunk, 0, len(ids))
	for _, cid := range ids {
		out = append(out, s.chunks[cid])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

// TextResult is one lexically-scored chunk returned by TextQuery.
type TextResult struct {
	Chunk        Chunk
	LexicalScore float64
}

// TextQuery runs a keyword search via the ReDoS-safe pattern builder,
// returning up to topK chunks by lexical score. filters restrict results to
// chunks whose document matches every provided closed field, applied
// post-search since the text index itself carries no metadata columns.
func (s *Store) TextQuery(ctx context.Context, query string, topK int, filters map[string]string) ([]TextResult, error) {
	hits, err := s.text.query(ctx, query, topK)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]TextResult, 0, len(hits))
	for _, h := range hits {
		chunk, ok := s.chunks[h.ChunkID]
		if !ok {
			continue
		}
		if !matchesFilters(s.documents[chunk.DocumentID], filters) {
			continue
		}
		results = append(results, TextResult{Chunk: chunk, LexicalScore: h.LexicalScore})
	}
	return results, nil
}

func matchesFilters(doc Document, filters map[string]string) bool {
	for field, want := range filters {
		switch field {
		case "tenant_scope":
			if doc.TenantScope != want {
				return false
			}
		case "status":
			if string(doc.Status) != want {
				return false
			}
		case "workspace_id":
			if doc.WorkspaceID != want {
				return false
			}
		case "project_id":
			if doc.ProjectID != want {
				return false
			}
		case "language":
			if doc.LanguageTag != want {
				return false
			}
		}
	}
	return true
}

// Close releases the backing text index.
func (s *Store) Close() error {
	return s.text.close()
}
