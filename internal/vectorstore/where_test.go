package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeWhereDropsUnknownField(t *testing.T) {
	where := map[string]any{
		"status":  "indexed",
		"api_key": "secret",
	}
	clean := SanitizeWhere(context.Background(), nil, where)
	assert.Equal(t, "indexed", clean["status"])
	_, ok := clean["api_key"]
	assert.False(t, ok)
}

func TestSanitizeWhereDropsUnknownOperator(t *testing.T) {
	where := map[string]any{
		"status": map[string]any{
			"$eq":    "indexed",
			"$regex": ".*",
		},
	}
	clean := SanitizeWhere(context.Background(), nil, where)
	ops := clean["status"].(map[string]any)
	assert.Equal(t, "indexed", ops["$eq"])
	_, ok := ops["$regex"]
	assert.False(t, ok)
}

func TestSanitizeWhereEmptyInputReturnsNil(t *testing.T) {
	assert.Nil(t, SanitizeWhere(context.Background(), nil, nil))
}

func TestSanitizeWhereAllowsInjectedTenantFields(t *testing.T) {
	where := map[string]any{
		"workspace_id": "ws_abc",
		"project_id":   "proj_def",
	}
	clean := SanitizeWhere(context.Background(), nil, where)
	assert.Equal(t, "ws_abc", clean["workspace_id"])
	assert.Equal(t, "proj_def", clean["project_id"])
}

func TestSimilarityCosineInvertsDistance(t *testing.T) {
	assert.InDelta(t, 0.8, Similarity(MetricCosine, 0.2), 1e-6)
}

func TestSimilarityEuclideanDecaysWithDistance(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity(MetricEuclidean, 0), 1e-6)
	assert.InDelta(t, 0.5, Similarity(MetricEuclidean, 1), 1e-6)
	assert.Less(t, Similarity(MetricEuclidean, 10), Similarity(MetricEuclidean, 1))
}
