package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
	"github.com/koriath/raketh/internal/logging"
)

// QdrantIndex is an Index backed by Qdrant's native gRPC client. It reports
// distances in whichever metric the collection was created with, so the
// caller fixes Metric once per process and never mixes conventions.
type QdrantIndex struct {
	client *qdrant.Client
	cfg    config.VectorDBConfig
	log    *logging.Logger
	metric Metric

	known sync.Map // collection name -> bool, avoids repeated existence checks

	breaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantIndex dials the configured Qdrant host:port and returns a ready
// Index. addr is "host:port" for the gRPC endpoint (not the HTTP REST port).
func NewQdrantIndex(addr string, cfg config.VectorDBConfig, log *logging.Logger) (*QdrantIndex, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse qdrant address", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindProvider, "connect to qdrant", err)
	}

	metric := MetricCosine
	if cfg.Distance == "euclid" {
		metric = MetricEuclidean
	}

	idx := &QdrantIndex{client: client, cfg: cfg, log: log, metric: metric}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, errs.Wrap(errs.KindProvider, "qdrant health check failed", err)
	}
	return idx, nil
}

func splitHostPort(addr string) (string, int, error) {
	var host string
	var port int
	if _, err := fmt.Sscanf(addr, "%[^:]:%d", &host, &port); err != nil {
		return "", 0, fmt.Errorf("expected host:port, got %q", addr)
	}
	return host, port, nil
}

func (q *QdrantIndex) Close() error {
	if q.client == nil {
		return nil
	}
	return q.client.Close()
}

func (q *QdrantIndex) distanceMetric() qdrant.Distance {
	if q.metric == MetricEuclidean {
		return qdrant.Distance_Euclid
	}
	return qdrant.Distance_Cosine
}

func (q *QdrantIndex) EnsureCollection(ctx context.Context, name string, meta map[string]any) error {
	if _, ok := q.known.Load(name); ok {
		return nil
	}
	_, err := q.client.GetCollectionInfo(ctx, name)
	if err == nil {
		q.known.Store(name, true)
		return nil
	}
	if st, ok := status.FromError(err); !ok || st.Code() != grpccodes.NotFound {
		return q.wrapErr("get_collection_info", err)
	}

	err = q.retry(ctx, "create_collection", func() error {
		return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.cfg.VectorSize),
				Distance: q.distanceMetric(),
			}),
		})
	})
	if err != nil {
		return err
	}
	q.known.Store(name, true)
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, name string, ids []string, vectors [][]float32, texts []string, metas []map[string]any) error {
	if err := validateUpsert(ids, vectors, texts, metas); err != nil {
		return err
	}
	if err := q.EnsureCollection(ctx, name, nil); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(ids))
	for i, id := range ids {
		payload := map[string]*qdrant.Value{
			"text": {Kind: &qdrant.Value_StringValue{StringValue: texts[i]}},
			"id":   {Kind: &qdrant.Value_StringValue{StringValue: id}},
		}
		for k, v := range metas[i] {
			if val, ok := toQdrantValue(v); ok {
				payload[k] = val
			}
		}

		var pointID *qdrant.PointId
		if _, err := uuid.Parse(id); err == nil {
			pointID = qdrant.NewIDUUID(id)
		} else {
			pointID = qdrant.NewIDUUID(uuid.New().String())
		}

		points[i] = &qdrant.PointStruct{
			Id:      pointID,
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: payload,
		}
	}

	return q.retry(ctx, "upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Points:         points,
		})
		return err
	})
}

func toQdrantValue(v any) (*qdrant.Value, bool) {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}, true
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}, true
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}, true
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}, true
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}, true
	case []string:
		values := make([]*qdrant.Value, len(val))
		for i, s := range val {
			values[i] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}, true
	default:
		return nil, false
	}
}

func (q *QdrantIndex) Query(ctx context.Context, name string, queryVector []float32, topK int, where map[string]any) ([]Match, error) {
	clean := SanitizeWhere(ctx, q.log, where)
	filter := buildQdrantFilter(clean)

	var results []*qdrant.ScoredPoint
	err := q.retry(ctx, "query", func() error {
		res, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(queryVector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, len(results))
	for i, p := range results {
		meta := make(map[string]any, len(p.Payload))
		var text, id string
		for k, v := range p.Payload {
			switch val := v.Kind.(type) {
			case *qdrant.Value_StringValue:
				switch k {
				case "text":
					text = val.StringValue
				case "id":
					id = val.StringValue
				default:
					meta[k] = val.StringValue
				}
			case *qdrant.Value_IntegerValue:
				meta[k] = val.IntegerValue
			case *qdrant.Value_DoubleValue:
				meta[k] = val.DoubleValue
			case *qdrant.Value_BoolValue:
				meta[k] = val.BoolValue
			}
		}
		distance := 1 - p.Score // qdrant cosine Score is similarity-like; normalize to a distance for Similarity()
		matches[i] = Match{
			ID:         id,
			Text:       text,
			Meta:       meta,
			Distance:   distance,
			Similarity: Similarity(q.metric, distance),
		}
	}
	return matches, nil
}

func buildQdrantFilter(where map[string]any) *qdrant.Filter {
	if len(where) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(where))
	for field, cond := range where {
		switch v := cond.(type) {
		case map[string]any:
			for op, val := range v {
				c := qdrantCondition(field, op, val)
				if c != nil {
					conditions = append(conditions, c)
				}
			}
		default:
			c := qdrantCondition(field, "$eq", v)
			if c != nil {
				conditions = append(conditions, c)
			}
		}
	}
	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conditions}
}

func qdrantCondition(field, op string, value any) *qdrant.Condition {
	s, ok := value.(string)
	if !ok || op != "$eq" {
		return nil
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   field,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: s}},
			},
		},
	}
}

func (q *QdrantIndex) Delete(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return q.retry(ctx, "delete", func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{{
							ConditionOneOf: &qdrant.Condition_Field{
								Field: &qdrant.FieldCondition{
									Key: "id",
									Match: &qdrant.Match{
										MatchValue: &qdrant.Match_Keywords{Keywords: &qdrant.RepeatedStrings{Strings: ids}},
									},
								},
							},
						}},
					},
				},
			},
		})
		return err
	})
}

func (q *QdrantIndex) Count(ctx context.Context, name string) (int, error) {
	info, err := q.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return 0, q.wrapErr("get_collection_info", err)
	}
	if info.PointsCount == nil {
		return 0, nil
	}
	return int(*info.PointsCount), nil
}

func (q *QdrantIndex) ListCollections(ctx context.Context) ([]string, error) {
	names, err := q.client.ListCollections(ctx)
	if err != nil {
		return nil, q.wrapErr("list_collections", err)
	}
	return names, nil
}

func (q *QdrantIndex) retry(ctx context.Context, op string, fn func() error) error {
	backoff := q.cfg.RetryBackoff.Value()
	if backoff <= 0 {
		backoff = time.Second
	}
	maxRetries := q.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			q.resetBreaker()
			return nil
		}
		if q.breakerOpen() {
			return errs.Wrap(errs.KindProvider, op+": circuit breaker open", errs.ErrCircuitOpen)
		}
		if !isTransient(err) {
			return q.wrapErr(op, err)
		}
		q.recordFailure()
		if attempt == maxRetries {
			return q.wrapErr(op, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func (q *QdrantIndex) recordFailure() {
	q.breaker.mu.Lock()
	defer q.breaker.mu.Unlock()
	q.breaker.failures++
	q.breaker.lastFail = time.Now()
}

func (q *QdrantIndex) resetBreaker() {
	q.breaker.mu.Lock()
	defer q.breaker.mu.Unlock()
	q.breaker.failures = 0
}

func (q *QdrantIndex) breakerOpen() bool {
	q.breaker.mu.Lock()
	defer q.breaker.mu.Unlock()
	threshold := q.cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	if q.breaker.failures < threshold {
		return false
	}
	if time.Since(q.breaker.lastFail) > 30*time.Second {
		q.breaker.failures = 0
		return false
	}
	return true
}

func (q *QdrantIndex) wrapErr(op string, err error) error {
	if q.log != nil {
		q.log.Warn(context.Background(), "qdrant operation failed", zap.String("op", op), zap.Error(err))
	}
	return errs.Wrap(errs.KindStorage, "qdrant "+op, err)
}
