package vecstore

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/1122414/AutoWeb/internal/logging"
)

// AnnQuery is one vector leg of a hybrid search.
type AnnQuery struct {
	Field  string
	Vector []float32
	TopK   int
}

// Hit is a flattened search or query result row.
type Hit struct {
	ID     int64
	Score  float64
	Fields map[string]interface{}
}

// String returns the named output field as a string, or "" when absent.
func (h Hit) String(field string) string {
	switch v := h.Fields[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Float returns the named output field as a float64, or 0 when absent.
func (h Hit) Float(field string) float64 {
	switch v := h.Fields[field].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Int returns the named output field as an int64, or 0 when absent.
func (h Hit) Int(field string) int64 {
	switch v := h.Fields[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func buildAnnRequests[R any](newReq func(string, int, ...entity.Vector) R, queries []AnnQuery) []R {
	reqs := make([]R, 0, len(queries))
	for _, q := range queries {
		reqs = append(reqs, newReq(q.Field, q.TopK, entity.FloatVector(q.Vector)))
	}
	return reqs
}

// HybridSearch runs a weighted multi-vector search and flattens the
// result into Hit rows. Weights are normalized before use.
func (s *Store) HybridSearch(ctx context.Context, tag, collection string, queries []AnnQuery, weights, defaultWeights []float64, limit int, outputFields []string) ([]Hit, error) {
	reqs := buildAnnRequests(milvusclient.NewAnnRequest, queries)
	normalized := NormalizeWeights(weights, defaultWeights)
	opt := milvusclient.NewHybridSearchOption(collection, limit, reqs...).
		WithReranker(milvusclient.NewWeightedReranker(normalized)).
		WithOutputFields(outputFields...)

	var hits []Hit
	start := time.Now()
	err := RunWithRetry(ctx, tag, "hybrid_search", func() error {
		results, serr := s.client.HybridSearch(ctx, opt)
		if serr != nil {
			return serr
		}
		hits = hits[:0]
		for _, rs := range results {
			hits = append(hits, hitsFromResultSet(rs)...)
		}
		return nil
	})
	costMs := time.Since(start).Milliseconds()
	if err != nil {
		logging.VectorError("[%s] hybrid_search failed in %dms: %v", tag, costMs, err)
		return nil, err
	}
	logging.Vector("[%s] hybrid_search done in %dms (hits=%d, limit=%d)", tag, costMs, len(hits), limit)
	return hits, nil
}

// Search runs a single-vector search with an optional filter expression.
func (s *Store) Search(ctx context.Context, tag, collection, field string, vector []float32, limit int, filter string, outputFields []string) ([]Hit, error) {
	opt := milvusclient.NewSearchOption(collection, limit, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(field).
		WithOutputFields(outputFields...)
	if filter != "" {
		opt = opt.WithFilter(filter)
	}

	var hits []Hit
	start := time.Now()
	err := RunWithRetry(ctx, tag, "search", func() error {
		results, serr := s.client.Search(ctx, opt)
		if serr != nil {
			return serr
		}
		hits = hits[:0]
		for _, rs := range results {
			hits = append(hits, hitsFromResultSet(rs)...)
		}
		return nil
	})
	costMs := time.Since(start).Milliseconds()
	if err != nil {
		logging.VectorError("[%s] search failed in %dms: %v", tag, costMs, err)
		return nil, err
	}
	logging.Vector("[%s] search done in %dms (hits=%d, limit=%d)", tag, costMs, len(hits), limit)
	return hits, nil
}

// Query scans rows matching a scalar filter expression.
func (s *Store) Query(ctx context.Context, tag, collection, filter string, outputFields []string, limit int) ([]Hit, error) {
	opt := milvusclient.NewQueryOption(collection).
		WithFilter(filter).
		WithOutputFields(outputFields...)
	if limit > 0 {
		opt = opt.WithLimit(limit)
	}

	var hits []Hit
	err := RunWithRetry(ctx, tag, "query", func() error {
		rs, qerr := s.client.Query(ctx, opt)
		if qerr != nil {
			return qerr
		}
		hits = hitsFromResultSet(rs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// Delete removes rows matching the filter expression.
func (s *Store) Delete(ctx context.Context, tag, collection, filter string) (int64, error) {
	var deleted int64
	err := RunWithRetry(ctx, tag, "delete", func() error {
		res, derr := s.client.Delete(ctx, milvusclient.NewDeleteOption(collection).WithExpr(filter))
		if derr != nil {
			return derr
		}
		deleted = res.DeleteCount
		return nil
	})
	return deleted, err
}

// InsertColumns inserts column data and flushes so the rows are
// immediately searchable.
func (s *Store) InsertColumns(ctx context.Context, tag, collection string, cols ...column.Column) error {
	err := RunWithRetry(ctx, tag, "insert", func() error {
		_, ierr := s.client.Insert(ctx, milvusclient.NewColumnBasedInsertOption(collection, cols...))
		return ierr
	})
	if err != nil {
		return err
	}
	return s.Flush(ctx, tag, collection)
}

// Flush forces segment persistence for the collection.
func (s *Store) Flush(ctx context.Context, tag, collection string) error {
	return RunWithRetry(ctx, tag, "flush", func() error {
		task, ferr := s.client.Flush(ctx, milvusclient.NewFlushOption(collection))
		if ferr != nil {
			return ferr
		}
		return task.Await(ctx)
	})
}

// Count returns the number of rows currently visible in the collection.
func (s *Store) Count(ctx context.Context, tag, collection string) (int64, error) {
	var count int64
	err := RunWithRetry(ctx, tag, "count", func() error {
		rs, qerr := s.client.Query(ctx, milvusclient.NewQueryOption(collection).WithOutputFields("count(*)"))
		if qerr != nil {
			return qerr
		}
		col := rs.GetColumn("count(*)")
		if col == nil || col.Len() == 0 {
			count = 0
			return nil
		}
		v, gerr := col.GetAsInt64(0)
		if gerr != nil {
			return gerr
		}
		count = v
		return nil
	})
	return count, err
}

func hitsFromResultSet(rs milvusclient.ResultSet) []Hit {
	n := rs.ResultCount
	if n == 0 && len(rs.Fields) > 0 {
		n = rs.Fields[0].Len()
	}
	hits := make([]Hit, 0, n)
	for i := 0; i < n; i++ {
		hit := Hit{ID: -1, Fields: make(map[string]interface{}, len(rs.Fields))}
		if rs.IDs != nil && i < rs.IDs.Len() {
			if id, err := rs.IDs.GetAsInt64(i); err == nil {
				hit.ID = id
			}
		}
		if i < len(rs.Scores) {
			hit.Score = float64(rs.Scores[i])
		}
		for _, col := range rs.Fields {
			if col == nil || i >= col.Len() {
				continue
			}
			if v, err := col.Get(i); err == nil {
				hit.Fields[col.Name()] = v
			}
		}
		hits = append(hits, hit)
	}
	return hits
}
