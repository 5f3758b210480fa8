package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"fulfillment/internal/projection"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SummaryReader is the read side of the projection store.
type SummaryReader interface {
	GetSummary(ctx context.Context, id uuid.UUID) (projection.OrderSummary, bool, error)
	ListSummaries(ctx context.Context, f projection.Filter) ([]projection.OrderSummary, error)
}

// SummaryCache holds recently read summaries.
type SummaryCache interface {
	Get(ctx context.Context, id uuid.UUID) (projection.OrderSummary, bool, error)
	Set(ctx context.Context, s projection.OrderSummary) error
	Invalidate(ctx context.Context, id uuid.UUID) error
}

// QueryService answers read-only lookups of order summaries.
type QueryService struct {
	reader SummaryReader
	cache  SummaryCache
	logf   func(format string, args ...any)
}

// NewQueryService constructs a QueryService. cache may be nil.
func NewQueryService(reader SummaryReader, cache SummaryCache, logf func(format string, args ...any)) *QueryService {
	if logf == nil {
		logf = log.Printf
	}
	return &QueryService{reader: reader, cache: cache, logf: logf}
}

// Get returns one summary, reading through the cache. Cache failures only
// cost a store read.
func (q *QueryService) Get(ctx context.Context, id uuid.UUID) (projection.OrderSummary, error) {
	if q.cache != nil {
		s, ok, err := q.cache.Get(ctx, id)
		if err != nil {
			q.logf("orders: summary cache get order=%s: %v", id, err)
		} else if ok {
			return s, nil
		}
	}

	s, found, err := q.reader.GetSummary(ctx, id)
	if err != nil {
		return projection.OrderSummary{}, fmt.Errorf("load summary %s: %w", id, err)
	}
	if !found {
		return projection.OrderSummary{}, ErrNotFound
	}
	if q.cache != nil {
		if err := q.cache.Set(ctx, s); err != nil {
			q.logf("orders: summary cache set order=%s: %v", id, err)
		}
	}
	return s, nil
}

// List pages through summaries filtered by status and buyer.
func (q *QueryService) List(ctx context.Context, f projection.Filter) ([]projection.OrderSummary, error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		return nil, &ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	return q.reader.ListSummaries(ctx, f)
}

// SummaryChanged drops the cached copy so the next read sees the update.
func (q *QueryService) SummaryChanged(s projection.OrderSummary) {
	if q.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.cache.Invalidate(ctx, s.ID); err != nil {
		q.logf("orders: summary cache invalidate order=%s: %v", s.ID, err)
	}
}

// RedisSummaryCache stores summaries as JSON under summary:{id}.
type RedisSummaryCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisSummaryCache constructs a cache with the given TTL.
func NewRedisSummaryCache(client redis.Cmdable, ttl time.Duration) *RedisSummaryCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisSummaryCache{client: client, ttl: ttl}
}

func summaryKey(id uuid.UUID) string { return "summary:" + id.String() }

func (c *RedisSummaryCache) Get(ctx context.Context, id uuid.UUID) (projection.OrderSummary, bool, error) {
	raw, err := c.client.Get(ctx, summaryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return projection.OrderSummary{}, false, nil
	}
	if err != nil {
		return projection.OrderSummary{}, false, err
	}
	var s projection.OrderSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return projection.OrderSummary{}, false, fmt.Errorf("decode cached summary: %w", err)
	}
	return s, true, nil
}

func (c *RedisSummaryCache) Set(ctx context.Context, s projection.OrderSummary) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, summaryKey(s.ID), raw, c.ttl).Err()
}

func (c *RedisSummaryCache) Invalidate(ctx context.Context, id uuid.UUID) error {
	return c.client.Del(ctx, summaryKey(id)).Err()
}
