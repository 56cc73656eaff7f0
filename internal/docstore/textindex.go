package docstore

import (
	"context"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
)

// textDoc is the document shape indexed by bleve; it holds only Text, the
// field used for lexical scoring. Metadata filters are applied afterwards by
// Store.TextQuery against the Store's own documents.
type textDoc struct {
	Text string `json:"text"`
}

// textIndex wraps a bleve index over Chunk.Text, queried only through
// safe-pattern-bounded disjunctions built by BuildSafePattern.
type textIndex struct {
	mu        sync.RWMutex
	index     bleve.Index
	maxTokens int
}

func newTextIndex(cfg config.DocStoreConfig) (*textIndex, error) {
	mapping := bleve.NewIndexMapping()
	var idx bleve.Index
	var err error
	if cfg.IndexPath == "" {
		idx, err = bleve.NewMemOnly(mapping)
	} else {
		idx, err = bleve.Open(cfg.IndexPath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(cfg.IndexPath, mapping)
		}
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "open text index", err)
	}
	maxTokens := cfg.SafePatternMaxTokens
	if maxTokens <= 0 {
		maxTokens = 16
	}
	return &textIndex{index: idx, maxTokens: maxTokens}, nil
}

func (t *textIndex) indexChunk(chunkID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.index.Index(chunkID, textDoc{Text: text}); err != nil {
		return errs.Wrap(errs.KindStorage, "index chunk text", err)
	}
	return nil
}

func (t *textIndex) deleteChunk(chunkID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.index.Delete(chunkID); err != nil {
		return errs.Wrap(errs.KindStorage, "delete chunk from text index", err)
	}
	return nil
}

// textHit is one lexically-scored chunk id.
type textHit struct {
	ChunkID      string
	LexicalScore float64
}

// query runs a disjunction of per-token match queries built from the
// caller's already-sanitized input, capped at t.maxTokens tokens; tokens
// never reach bleve as a single concatenated string.
func (t *textIndex) query(ctx context.Context, text string, topK int) ([]textHit, error) {
	_, tokens := BuildSafePattern(text, t.maxTokens)
	if len(tokens) == 0 {
		return nil, nil
	}

	disjuncts := make([]bleve.Query, 0, len(tokens))
	for _, tok := range tokens {
		mq := bleve.NewMatchQuery(strings.ToLower(tok))
		mq.SetField("text")
		disjuncts = append(disjuncts, mq)
	}
	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(disjuncts...))
	req.Size = topK

	t.mu.RLock()
	result, err := t.index.SearchInContext(ctx, req)
	t.mu.RUnlock()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "text index search", err)
	}

	hits := make([]textHit, len(result.Hits))
	for i, hit := range result.Hits {
		hits[i] = textHit{ChunkID: hit.ID, LexicalScore: hit.Score}
	}
	return hits, nil
}

func (t *textIndex) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index.Close()
}
