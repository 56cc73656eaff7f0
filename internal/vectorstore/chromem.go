package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
	"github.com/koriath/raketh/internal/logging"
)

// ChromemIndex is an Index backed by an embedded chromem-go database, used
// for single-node and test deployments that do not run a separate Qdrant
// process.
type ChromemIndex struct {
	db     *chromem.DB
	log    *logging.Logger
	metric Metric

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemIndex opens (or creates) a persistent chromem-go database at
// dataDir.
func NewChromemIndex(dataDir string, cfg config.VectorDBConfig, log *logging.Logger) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(dataDir, false)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "open chromem database", err)
	}
	metric := MetricCosine
	if cfg.Distance == "euclid" {
		metric = MetricEuclidean
	}
	return &ChromemIndex{
		db:          db,
		log:         log,
		metric:      metric,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// precomputedEmbeddingFunc satisfies chromem.EmbeddingFunc for documents
// whose vectors the caller already computed via C5; the adapter never
// re-embeds text itself.
func precomputedEmbeddingFunc(_ context.Context, _ string) ([]float32, error) {
	return nil, errs.New(errs.KindInternal, "chromem index requires pre-computed vectors, embedding func should not be invoked")
}

func (c *ChromemIndex) getOrCreate(name string) (*chromem.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[name]; ok {
		return col, nil
	}
	col := c.db.GetCollection(name, precomputedEmbeddingFunc)
	if col == nil {
		var err error
		col, err = c.db.CreateCollection(name, nil, precomputedEmbeddingFunc)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorage, "create chromem collection", err)
		}
	}
	c.collections[name] = col
	return col, nil
}

func (c *ChromemIndex) EnsureCollection(ctx context.Context, name string, meta map[string]any) error {
	_, err := c.getOrCreate(name)
	return err
}

func (c *ChromemIndex) Upsert(ctx context.Context, name string, ids []string, vectors [][]float32, texts []string, metas []map[string]any) error {
	if err := validateUpsert(ids, vectors, texts, metas); err != nil {
		return err
	}
	col, err := c.getOrCreate(name)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(ids))
	for i := range ids {
		docs[i] = chromem.Document{
			ID:        ids[i],
			Content:   texts[i],
			Metadata:  stringifyMeta(metas[i]),
			Embedding: vectors[i],
		}
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return errs.Wrap(errs.KindStorage, "chromem upsert", err)
	}
	return nil
}

func (c *ChromemIndex) Query(ctx context.Context, name string, queryVector []float32, topK int, where map[string]any) ([]Match, error) {
	clean := SanitizeWhere(ctx, c.log, where)

	c.mu.Lock()
	col, ok := c.collections[name]
	c.mu.Unlock()
	if !ok {
		var err error
		col, err = c.getOrCreate(name)
		if err != nil {
			return nil, err
		}
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := col.QueryEmbedding(ctx, queryVector, topK, stringifyMeta(clean), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "chromem query", err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		distance := 1 - r.Similarity // chromem reports cosine similarity directly
		matches[i] = Match{
			ID:         r.ID,
			Text:       r.Content,
			Meta:       unstringifyMeta(r.Metadata),
			Distance:   distance,
			Similarity: Similarity(c.metric, distance),
		}
	}
	return matches, nil
}

func (c *ChromemIndex) Delete(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := c.getOrCreate(name)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return errs.Wrap(errs.KindStorage, "chromem delete", err)
	}
	return nil
}

func (c *ChromemIndex) Count(ctx context.Context, name string) (int, error) {
	col, err := c.getOrCreate(name)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

func (c *ChromemIndex) ListCollections(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	return names, nil
}

func (c *ChromemIndex) Close() error {
	return nil
}

func stringifyMeta(meta map[string]any) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		switch val := v.(type) {
		case string:
			out[k] = val
		case map[string]any:
			// where-clause operator maps collapse to their $eq value for
			// chromem, whose metadata filter is exact-match only.
			if eq, ok := val["$eq"]; ok {
				if s, ok := eq.(string); ok {
					out[k] = s
				}
			}
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

func unstringifyMeta(meta map[string]string) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
