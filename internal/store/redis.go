package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Settlement writes go to the primary inside WithinTx and invalidate
// the user's cached account and positions once the transaction commits;
// reads check Redis first then fall back to the primary.
//
// Each user has a generation counter that invalidation bumps. A reader notes
// the generation before it reads the primary and only fills the cache if the
// generation is unchanged, so a snapshot loaded before a commit is never
// cached after it.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	gen, ok := s.generation(ctx, a.UserID)
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	if ok {
		s.fill(ctx, a.UserID, gen, accountKey(a.UserID), a)
	}
	return nil
}

func (s *CachedStore) WithinTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := s.primary.WithinTx(ctx, userID, fn); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	gen, ok := s.generation(ctx, userID)
	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, userID, gen, accountKey(userID), a)
	}
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	gen, ok := s.generation(ctx, userID)
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, userID, gen, positionsKey(userID), positions)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUserIDs(ctx context.Context) ([]string, error) {
	return s.primary.ListUserIDs(ctx)
}

func (s *CachedStore) ListOrders(ctx context.Context, userID string, f OrderFilter) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, userID, f)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string, f TradeFilter) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID, f)
}

// --- Cache helpers ---

// generation reads the user's cache generation. ok is false when Redis
// cannot answer, in which case the caller must not fill the cache.
func (s *CachedStore) generation(ctx context.Context, userID string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, generationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	return gen, true
}

// fill caches v under key if no invalidation happened since gen was read.
// WATCH aborts the write when invalidate bumps the generation concurrently.
func (s *CachedStore) fill(ctx context.Context, userID string, gen int64, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	genKey := generationKey(userID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil, errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
	default:
		slog.Warn("cache fill failed", "user", userID, "key", key, "err", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(userID))
		pipe.Del(ctx, accountKey(userID), positionsKey(userID))
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

var errStaleFill = errors.New("cache generation moved")

func accountKey(uid string) string    { return fmt.Sprintf("account:%s", uid) }
func positionsKey(uid string) string  { return fmt.Sprintf("positions:%s", uid) }
func generationKey(uid string) string { return fmt.Sprintf("cachegen:%s", uid) }
