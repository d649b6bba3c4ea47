package query

import (
	"PerpVault/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Projections change only through the projection worker, so entries simply
// expire after ttl.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
	metrics *observability.Metrics
}

func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration, metrics *observability.Metrics) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		metrics: metrics,
	}
}

// --- Read-through ---

func (s *CachedStore) PositionsByTrader(ctx context.Context, trader uuid.UUID) ([]PositionRow, error) {
	key := positionsKey(trader)
	var rows []PositionRow
	if s.get(ctx, "positions", key, &rows) {
		return rows, nil
	}

	rows, err := s.primary.PositionsByTrader(ctx, trader)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, rows)
	return rows, nil
}

func (s *CachedStore) Provider(ctx context.Context, provider uuid.UUID) (*ProviderRow, error) {
	key := providerKey(provider)
	var row ProviderRow
	if s.get(ctx, "provider", key, &row) {
		return &row, nil
	}

	p, err := s.primary.Provider(ctx, provider)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, p)
	return p, nil
}

// --- Passthrough ---

func (s *CachedStore) Watermark(ctx context.Context) (int64, error) {
	return s.primary.Watermark(ctx)
}

func (s *CachedStore) Balance(ctx context.Context, accountPath string, assetID uint16) (int64, error) {
	return s.primary.Balance(ctx, accountPath, assetID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, endpoint, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil && sonic.Unmarshal(data, dst) == nil {
		s.count(endpoint, "hit")
		return true
	}
	if err != nil && err != redis.Nil {
		s.count(endpoint, "error")
	} else {
		s.count(endpoint, "miss")
	}
	return false
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := sonic.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) count(endpoint, result string) {
	if s.metrics != nil {
		s.metrics.QueryCacheHits.WithLabelValues(endpoint, result).Inc()
	}
}

func positionsKey(trader uuid.UUID) string  { return fmt.Sprintf("perpvault:positions:%s", trader) }
func providerKey(provider uuid.UUID) string { return fmt.Sprintf("perpvault:provider:%s", provider) }
