package vectorstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/koriath/raketh/internal/logging"
)

// allowedOperators is the closed operator set a where-clause may use (§4.8).
var allowedOperators = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true,
	"$lt": true, "$lte": true, "$in": true, "$nin": true,
}

// allowedFields is the closed field set a where-clause may filter on. The
// engine injects workspace_id/project_id itself; callers never need to name
// them explicitly, but they remain valid if present.
var allowedFields = map[string]bool{
	"type": true, "category": true, "status": true, "tags": true,
	"language": true, "created_at": true, "updated_at": true,
	"workspace_id": true, "project_id": true,
}

// SanitizeWhere drops any field or operator outside the closed sets,
// logging a warning for each drop, and returns the filtered clause. A
// condition value of a bare scalar (no operator map) is treated as an
// implicit $eq and passes through field validation only.
func SanitizeWhere(ctx context.Context, log *logging.Logger, where map[string]any) map[string]any {
	if len(where) == 0 {
		return nil
	}
	clean := make(map[string]any, len(where))
	for field, cond := range where {
		if !allowedFields[field] {
			if log != nil {
				log.Warn(ctx, "dropped where-clause field outside closed field set", zap.String("field", field))
			}
			continue
		}
		switch v := cond.(type) {
		case map[string]any:
			cleanOps := make(map[string]any, len(v))
			for op, val := range v {
				if !allowedOperators[op] {
					if log != nil {
						log.Warn(ctx, "dropped where-clause operator outside closed operator set", zap.String("field", field), zap.String("operator", op))
					}
					continue
				}
				cleanOps[op] = val
			}
			if len(cleanOps) > 0 {
				clean[field] = cleanOps
			}
		default:
			clean[field] = v
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}
