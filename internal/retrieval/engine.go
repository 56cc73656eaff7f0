// Package retrieval implements C12, the hybrid retrieval engine: semantic
// search over C8, keyword search over C9, score fusion, contextual
// re-ranking, and response caching behind an access-control gate on C7.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koriath/raketh/internal/collections"
	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/docstore"
	"github.com/koriath/raketh/internal/embeddings"
	"github.com/koriath/raketh/internal/errs"
	"github.com/koriath/raketh/internal/logging"
	"github.com/koriath/raketh/internal/sanitize"
	"github.com/koriath/raketh/internal/vectorstore"
)

// ResponseCache is the subset of C10 the engine needs to cache query
// responses, mirroring embeddings.Cache's shape.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Citation identifies the source passage a result was drawn from.
type Citation struct {
	Title      string    `json:"title"`
	Scope      string    `json:"scope"`
	CreatedAt  time.Time `json:"created_at"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	DeepLink   string    `json:"deep_link"`
}

// Passage is one ranked, re-ranked, and enriched retrieval result.
type Passage struct {
	ChunkID  string         `json:"chunk_id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Semantic float64        `json:"semantic"`
	Lexical  float64        `json:"lexical"`
	Metadata map[string]any `json:"metadata"`
	Citation Citation       `json:"citation"`
}

// Result is the outcome of Engine.Query.
type Result struct {
	Passages []Passage `json:"passages"`
	Degraded bool      `json:"degraded"`
}

// Engine implements C12's query pipeline.
type Engine struct {
	cfg       config.RetrievalConfig
	sanitizer *sanitize.Sanitizer
	embedder  *embeddings.Coordinator
	index     vectorstore.Index
	docs      *docstore.Store
	registry  *collections.Registry
	cache     ResponseCache
	log       *logging.Logger
}

// New wires C2/C5/C7/C8/C9/C10 into a retrieval Engine. cache may be nil to
// disable response caching.
func New(
	cfg config.RetrievalConfig,
	sanitizer *sanitize.Sanitizer,
	embedder *embeddings.Coordinator,
	index vectorstore.Index,
	docs *docstore.Store,
	registry *collections.Registry,
	cache ResponseCache,
	log *logging.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		sanitizer: sanitizer,
		embedder:  embedder,
		index:     index,
		docs:      docs,
		registry:  registry,
		cache:     cache,
		log:       log,
	}
}

type candidate struct {
	chunk    docstore.Chunk
	doc      docstore.Document
	scope    string
	semantic float64
	lexical  float64
}

// Query implements the 10-step pipeline of §4.12. scopes is the
// already-resolved collection set to search; callers wanting "all" pass
// every scope the user may read, searched in parallel at step 4.
func (e *Engine) Query(ctx context.Context, scopes []collections.Scope, userID, q string) (Result, error) {
	for _, scope := range scopes {
		if !e.registry.CanAccess(userID, scope) {
			return Result{}, errs.ErrAccessDenied
		}
	}

	sanRes, err := e.sanitizer.Sanitize(q)
	if err != nil {
		return Result{}, err
	}
	if sanRes.IsEmpty() {
		return Result{}, errs.New(errs.KindValidation, "sanitized query is empty")
	}
	sanitizedQ := sanRes.Sanitized

	key := e.cacheKey(sanitizedQ, userID, scopes)
	if e.cache != nil {
		if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			var cached Result
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}
	}

	type resolved struct {
		name  string
		scope collections.Scope
		label string
	}
	resolvedScopes := make([]resolved, 0, len(scopes))
	for _, scope := range scopes {
		name, err := e.registry.Resolve(scope)
		if err != nil {
			continue
		}
		resolvedScopes = append(resolvedScopes, resolved{name: name, scope: scope, label: scopeLabel(scope)})
	}
	if len(resolvedScopes) == 0 {
		return Result{}, errs.Wrap(errs.KindValidation, "no resolvable collections in scope", errs.ErrQueryFailed)
	}

	qVec, embedErr := e.embedder.EmbedQuery(ctx, sanitizedQ)

	candidates := make(map[string]*candidate)
	var mu sync.Mutex

	perCollection := int(math.Ceil(float64(e.cfg.TopK) / float64(len(resolvedScopes))))

	semanticOK := false
	if embedErr == nil {
		var wg sync.WaitGroup
		for _, rs := range resolvedScopes {
			wg.Add(1)
			go func(rs resolved) {
				defer wg.Done()
				where := scopeWhere(rs.scope)
				matches, err := e.index.Query(ctx, rs.name, qVec, perCollection, where)
				if err != nil {
					e.log.Warn(ctx, "semantic search failed for collection")
					return
				}
				mu.Lock()
				semanticOK = true
				mu.Unlock()
				for _, m := range matches {
					chunk, ok := e.docs.GetChunk(m.ID)
					if !ok {
						continue
					}
					doc, ok := e.docs.GetDocument(chunk.DocumentID)
					if !ok || doc.Status != docstore.StatusIndexed {
						continue
					}
					mu.Lock()
					c := candidateFor(candidates, chunk, doc, rs.label)
					if float64(m.Similarity) > c.semantic {
						c.semantic = float64(m.Similarity)
					}
					mu.Unlock()
				}
			}(rs)
		}
		wg.Wait()
	}

	var lexWG sync.WaitGroup
	var lexMu sync.Mutex
	lexicalAnyOK := false
	for _, rs := range resolvedScopes {
		lexWG.Add(1)
		go func(rs resolved) {
			defer lexWG.Done()
			hits, err := e.docs.TextQuery(ctx, sanitizedQ, perCollection, scopeTextFilters(rs.scope))
			if err != nil {
				e.log.Warn(ctx, "keyword search failed for scope")
				return
			}
			lexMu.Lock()
			lexicalAnyOK = true
			for _, hit := range hits {
				c := candidateFor(candidates, hit.Chunk, lookupDoc(e.docs, hit.Chunk.DocumentID), rs.label)
				if hit.LexicalScore > c.lexical {
					c.lexical = hit.LexicalScore
				}
			}
			lexMu.Unlock()
		}(rs)
	}
	lexWG.Wait()
	lexicalOK := lexicalAnyOK

	if !semanticOK && !lexicalOK {
		return Result{}, errs.Wrap(errs.KindStorage, "both semantic and keyword search failed", errs.ErrQueryFailed)
	}
	degraded := !semanticOK || !lexicalOK

	passages := e.rankAndEnrich(candidates, sanitizedQ)

	result := Result{Passages: passages, Degraded: degraded}

	if e.cache != nil {
		if raw, err := json.Marshal(result); err == nil {
			_ = e.cache.Set(ctx, key, raw, e.cfg.CacheTTL.Value())
		}
	}

	return result, nil
}

func candidateFor(candidates map[string]*candidate, chunk docstore.Chunk, doc docstore.Document, scope string) *candidate {
	key := chunkKey(chunk.Text)
	c, ok := candidates[key]
	if !ok {
		c = &candidate{chunk: chunk, doc: doc, scope: scope}
		candidates[key] = c
	}
	return c
}

// rankAndEnrich implements steps 6-9: fusion, contextual re-rank, the
// min_relevance filter, and truncation to final_k with citation metadata.
func (e *Engine) rankAndEnrich(candidates map[string]*candidate, sanitizedQ string) []Passage {
	queryTokens := tokenSet(sanitizedQ)
	now := time.Now()

	type scored struct {
		c     *candidate
		score float64
	}

	scoredList := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		combined := e.cfg.WeightSemantic*c.semantic + e.cfg.WeightKeyword*c.lexical

		titleBoost := 0.0
		for token := range tokenSet(c.doc.Title) {
			if queryTokens[token] {
				titleBoost += e.cfg.TitleBoost
			}
		}

		ageDays := now.Sub(c.doc.CreatedAt).Hours() / 24
		recencyBoost := math.Max(0, e.cfg.RecencyBoost-ageDays*e.cfg.RecencyDecayDay)

		scopeBoost := 0.0
		if c.doc.ProjectID != "" {
			scopeBoost = e.cfg.ScopeBoost
		}

		scoredList = append(scoredList, scored{c: c, score: combined + titleBoost + recencyBoost + scopeBoost})
	}

	sort.Slice(scoredList, func(i, j int) bool {
		if scoredList[i].score != scoredList[j].score {
			return scoredList[i].score > scoredList[j].score
		}
		return scoredList[i].c.doc.CreatedAt.After(scoredList[j].c.doc.CreatedAt)
	})

	passages := make([]Passage, 0, len(scoredList))
	for _, s := range scoredList {
		if s.score < e.cfg.MinRelevance {
			continue
		}
		if len(passages) >= e.cfg.FinalK {
			break
		}
		c := s.c
		passages = append(passages, Passage{
			ChunkID:  c.chunk.ChunkID,
			Text:     c.chunk.Text,
			Score:    s.score,
			Semantic: c.semantic,
			Lexical:  c.lexical,
			Metadata: c.chunk.Metadata,
			Citation: Citation{
				Title:      c.doc.Title,
				Scope:      c.scope,
				CreatedAt:  c.doc.CreatedAt,
				DocumentID: c.doc.DocumentID,
				ChunkIndex: c.chunk.ChunkIndex,
				DeepLink:   deepLink(c.doc.DocumentID, c.chunk.ChunkIndex),
			},
		})
	}
	return passages
}

func deepLink(documentID string, chunkIndex int) string {
	return "/documents/" + documentID + "#chunk-" + strconv.Itoa(chunkIndex)
}

func chunkKey(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:8])
}

// tokenize lowercases and splits on non-alphanumeric runs, the same
// tokenization the teacher's reranker uses for query/document overlap.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenize(text) {
		set[tok] = true
	}
	return set
}

func (e *Engine) cacheKey(sanitizedQ, userID string, scopes []collections.Scope) string {
	labels := make([]string, len(scopes))
	for i, s := range scopes {
		labels[i] = scopeLabel(s)
	}
	sort.Strings(labels)
	h := sha256.Sum256([]byte(sanitizedQ + "\x00" + userID + "\x00" + strings.Join(labels, ",")))
	return "retrieval:" + hex.EncodeToString(h[:])
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

// scopeWhere builds the C8 where-clause enforcing P4 tenant isolation and
// the status=indexed constraint (§5) for a single scope's semantic search.
// SanitizeWhere re-validates this against the closed operator/field sets at
// the backend, but the engine is what supplies the tenant and status fields
// in the first place.
func scopeWhere(scope collections.Scope) map[string]any {
	where := map[string]any{"status": string(docstore.StatusIndexed)}
	switch scope.Kind {
	case collections.ScopeWorkspace:
		where["workspace_id"] = scope.Workspace
		where["project_id"] = ""
	case collections.ScopeProject:
		where["workspace_id"] = scope.Workspace
		where["project_id"] = scope.Project
	default:
		where["workspace_id"] = ""
		where["project_id"] = ""
	}
	return where
}

// scopeTextFilters mirrors scopeWhere for C9's keyword search, which has no
// collection-level isolation of its own: every scope must filter on
// workspace_id/project_id/status explicitly or a global-scope query would
// surface another tenant's documents.
func scopeTextFilters(scope collections.Scope) map[string]string {
	filters := map[string]string{"status": string(docstore.StatusIndexed)}
	switch scope.Kind {
	case collections.ScopeWorkspace:
		filters["workspace_id"] = scope.Workspace
		filters["project_id"] = ""
	case collections.ScopeProject:
		filters["workspace_id"] = scope.Workspace
		filters["project_id"] = scope.Project
	default:
		filters["workspace_id"] = ""
		filters["project_id"] = ""
	}
	return filters
}

func lookupDoc(docs *docstore.Store, documentID string) docstore.Document {
	doc, _ := docs.GetDocument(documentID)
	return doc
}
