package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Live pools and open sessions are never served from cache: trades quote
// from the same read they commit, and a concurrent reader could repopulate
// a stale copy after invalidation. Only state that can no longer change
// (finalized pools, settlements, closed sessions) is cached, plus the
// per-user position listing, which no write path reads.
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

func (s *CachedStore) CreatePool(ctx context.Context, p *model.Pool) error {
	return s.primary.CreatePool(ctx, p)
}

func (s *CachedStore) ApplyTrade(ctx context.Context, p *model.Pool, pos *model.Position, entry *model.LedgerEntry) error {
	if err := s.primary.ApplyTrade(ctx, p, pos, entry); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, positionsKey(pos.UserID))
	return nil
}

func (s *CachedStore) FinalizeMarket(ctx context.Context, p *model.Pool, settlement *model.MarketSettlement) error {
	if err := s.primary.FinalizeMarket(ctx, p, settlement); err != nil {
		return err
	}
	s.set(ctx, poolKey(p.MarketID), p)
	s.set(ctx, settlementKey(p.MarketID), settlement)
	return nil
}

func (s *CachedStore) CreateSession(ctx context.Context, acct *model.CollateralAccount) error {
	return s.primary.CreateSession(ctx, acct)
}

// ListSessionsWithOpenBets reads live session state and is never cached.
func (s *CachedStore) ListSessionsWithOpenBets(ctx context.Context, marketID string) ([]string, error) {
	return s.primary.ListSessionsWithOpenBets(ctx, marketID)
}

func (s *CachedStore) SaveSession(ctx context.Context, acct *model.CollateralAccount) error {
	if err := s.primary.SaveSession(ctx, acct); err != nil {
		return err
	}
	if acct.Status == model.SessionClosed {
		s.set(ctx, sessionKey(acct.SessionID), acct)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, marketID string) (*model.Pool, error) {
	var p model.Pool
	if s.get(ctx, poolKey(marketID), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	pool, err := s.primary.GetPool(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if pool.Finalized {
		s.set(ctx, poolKey(marketID), pool)
	}
	return pool, nil
}

func (s *CachedStore) GetSettlement(ctx context.Context, marketID string) (*model.MarketSettlement, error) {
	var st model.MarketSettlement
	if s.get(ctx, settlementKey(marketID), &st) {
		return &st, nil
	}

	settlement, err := s.primary.GetSettlement(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, settlementKey(marketID), settlement)
	return settlement, nil
}

func (s *CachedStore) GetSession(ctx context.Context, sessionID string) (*model.CollateralAccount, error) {
	var acct model.CollateralAccount
	if s.get(ctx, sessionKey(sessionID), &acct) {
		return &acct, nil
	}

	a, err := s.primary.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if a.Status == model.SessionClosed {
		s.set(ctx, sessionKey(sessionID), a)
	}
	return a, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.get(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, marketID, userID)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) GetUserExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	return s.primary.GetUserExposures(ctx, userID)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func poolKey(id string) string       { return fmt.Sprintf("amm:pool:%s", id) }
func settlementKey(id string) string { return fmt.Sprintf("amm:settlement:%s", id) }
func sessionKey(id string) string    { return fmt.Sprintf("amm:session:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("amm:positions:%s", uid) }
