// Package vectorstore implements C8, the vector index adapter: a narrow
// contract over a backing similarity-search engine, with a consistent
// similarity convention and a closed where-clause sanitizer shared by every
// backend.
package vectorstore

import (
	"context"

	"github.com/koriath/raketh/internal/errs"
)

// Record is one vector plus its opaque payload, as stored or returned by an
// Index.
type Record struct {
	ID     string
	Text   string
	Meta   map[string]any
	Vector []float32
}

// Match is one query result: the stored record's id/text/meta plus the
// store's native distance and the engine's normalized similarity (§4.8).
type Match struct {
	ID         string
	Text       string
	Meta       map[string]any
	Distance   float32
	Similarity float32
}

// Index is the narrow contract C11/C12 depend on. Every method is
// collection-scoped; collection names are opaque identifiers produced by
// the collection registry (C7), never raw tenant ids.
type Index interface {
	EnsureCollection(ctx context.Context, name string, meta map[string]any) error
	Upsert(ctx context.Context, name string, ids []string, vectors [][]float32, texts []string, metas []map[string]any) error
	Query(ctx context.Context, name string, queryVector []float32, topK int, where map[string]any) ([]Match, error)
	Delete(ctx context.Context, name string, ids []string) error
	Count(ctx context.Context, name string) (int, error)
	ListCollections(ctx context.Context) ([]string, error)
	Close() error
}

// Metric names the distance family a backend reports natively, fixing which
// similarity conversion applies (§4.8). A process uses exactly one metric
// for the lifetime of its Index, never mixed.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
)

// Similarity converts a backend's native distance to the engine's
// normalized similarity score, per the convention pinned in §4.8: cosine
// backends report a distance that similarity = 1 - distance inverts;
// Euclidean backends are converted via 1 / (1 + d) so larger is always
// better regardless of which backend is configured.
func Similarity(metric Metric, distance float32) float32 {
	switch metric {
	case MetricEuclidean:
		return float32(1.0 / (1.0 + float64(distance)))
	default:
		return 1 - distance
	}
}

var errEmptyIDs = errs.New(errs.KindValidation, "upsert requires at least one id")

func validateUpsert(ids []string, vectors [][]float32, texts []string, metas []map[string]any) error {
	if len(ids) == 0 {
		return errEmptyIDs
	}
	if len(vectors) != len(ids) || len(texts) != len(ids) || len(metas) != len(ids) {
		return errs.New(errs.KindValidation, "upsert requires ids, vectors, texts, and metas of equal length")
	}
	return nil
}
