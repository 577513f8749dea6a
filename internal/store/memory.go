package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/model"
)

type positionKey struct {
	marketID string
	userID   string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	pools       map[string]*model.Pool
	positions   map[positionKey]*model.Position
	ledger      []model.LedgerEntry
	settlements map[string]*model.MarketSettlement
	sessions    map[string]*model.CollateralAccount
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:       make(map[string]*model.Pool),
		positions:   make(map[positionKey]*model.Position),
		settlements: make(map[string]*model.MarketSettlement),
		sessions:    make(map[string]*model.CollateralAccount),
	}
}

func (s *MemoryStore) CreatePool(_ context.Context, p *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.MarketID]; ok {
		return ErrMarketExists.With(p.MarketID)
	}
	s.pools[p.MarketID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, marketID string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[marketID]
	if !ok {
		return nil, ErrMarketNotFound.With(marketID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p.Clone())
	}
	slices.SortFunc(pools, func(a, b model.Pool) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return pools, nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, p *model.Pool, pos *model.Position, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.MarketID]; !ok {
		return ErrMarketNotFound.With(p.MarketID)
	}
	s.pools[p.MarketID] = p.Clone()
	cp := *pos
	s.positions[positionKey{pos.MarketID, pos.UserID}] = &cp
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID, userID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[positionKey{marketID, userID}]
	if !ok {
		return nil, ErrPositionNotFound.With(marketID + "/" + userID)
	}
	cp := *pos
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.MarketID == marketID }), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.UserID == userID }), nil
}

// filterPositions returns matching positions ordered by market, then user.
func (s *MemoryStore) filterPositions(keep func(*model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if keep(p) {
			result = append(result, *p)
		}
	}
	slices.SortFunc(result, func(a, b model.Position) int {
		if c := strings.Compare(a.MarketID, b.MarketID); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return result
}

func (s *MemoryStore) GetUserExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	positions, err := s.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	exposures := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		exposures[p.MarketID] = p.TotalCostBasis
	}
	return exposures, nil
}

func (s *MemoryStore) FinalizeMarket(_ context.Context, p *model.Pool, settlement *model.MarketSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.MarketID]; !ok {
		return ErrMarketNotFound.With(p.MarketID)
	}
	s.pools[p.MarketID] = p.Clone()
	s.settlements[p.MarketID] = cloneSettlement(settlement)
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, marketID string) (*model.MarketSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[marketID]
	if !ok {
		return nil, ErrSettlementNotFound.With(marketID)
	}
	return cloneSettlement(st), nil
}

func (s *MemoryStore) CreateSession(_ context.Context, acct *model.CollateralAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[acct.SessionID]; ok {
		return ErrSessionExists.With(acct.SessionID)
	}
	s.sessions[acct.SessionID] = acct.Clone()
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*model.CollateralAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound.With(sessionID)
	}
	return acct.Clone(), nil
}

func (s *MemoryStore) SaveSession(_ context.Context, acct *model.CollateralAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[acct.SessionID]; !ok {
		return ErrSessionNotFound.With(acct.SessionID)
	}
	s.sessions[acct.SessionID] = acct.Clone()
	return nil
}

func (s *MemoryStore) ListSessionsWithOpenBets(_ context.Context, marketID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, acct := range s.sessions {
		if acct.Status == model.SessionClosed {
			continue
		}
		if slices.ContainsFunc(acct.Bets, func(b model.Bet) bool { return !b.Resolved && b.MarketID == marketID }) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func cloneSettlement(st *model.MarketSettlement) *model.MarketSettlement {
	c := *st
	c.Resolution = st.Resolution.Clone()
	c.Users = slices.Clone(st.Users)
	return &c
}
