// Package store defines the persistence interface for the AMM engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/errs"
	"github.com/atmx/prediction-amm/internal/model"
)

var (
	ErrMarketNotFound     = errs.New(errs.NotFound, "MARKET_NOT_FOUND", "store: market not found")
	ErrPositionNotFound   = errs.New(errs.NotFound, "POSITION_NOT_FOUND", "store: position not found")
	ErrSessionNotFound    = errs.New(errs.NotFound, "SESSION_NOT_FOUND", "store: session not found")
	ErrSettlementNotFound = errs.New(errs.NotFound, "SETTLEMENT_NOT_FOUND", "store: market has not been settled")
	ErrMarketExists       = errs.New(errs.InvalidState, "MARKET_EXISTS", "store: market already exists")
	ErrSessionExists      = errs.New(errs.InvalidState, "SESSION_EXISTS", "store: session already exists")
)

// Store is the persistence interface. Every returned value is a copy the
// caller may mutate freely.
//
// Stores do not serialize writers; callers hold the per-market or
// per-session lock around read-modify-write sequences.
type Store interface {
	// --- Pools ---

	// CreatePool persists a new pool. Returns ErrMarketExists on duplicates.
	CreatePool(ctx context.Context, pool *model.Pool) error

	// GetPool retrieves the pool of a market.
	GetPool(ctx context.Context, marketID string) (*model.Pool, error)

	// ListPools returns every pool.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// --- Trades ---

	// ApplyTrade commits the pool, the position and the ledger entry of one
	// trade atomically: either all three are stored or none.
	ApplyTrade(ctx context.Context, pool *model.Pool, pos *model.Position, entry *model.LedgerEntry) error

	// GetLedgerEntriesByMarket returns all trades for a market, oldest first.
	GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByUser returns all trades for a user, oldest first.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// --- Positions ---

	// GetPosition returns ErrPositionNotFound if the user never traded the market.
	GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error)

	// ListPositionsByMarket returns every position of a market.
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// ListPositionsByUser returns every position of a user.
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// GetUserExposures returns the user's cost basis per market.
	GetUserExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error)

	// --- Settlement ---

	// FinalizeMarket stores the finalized pool together with its settlement.
	FinalizeMarket(ctx context.Context, pool *model.Pool, settlement *model.MarketSettlement) error

	// GetSettlement returns ErrSettlementNotFound for unsettled markets.
	GetSettlement(ctx context.Context, marketID string) (*model.MarketSettlement, error)

	// --- Sessions ---

	// CreateSession persists a new session. Returns ErrSessionExists on duplicates.
	CreateSession(ctx context.Context, acct *model.CollateralAccount) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, sessionID string) (*model.CollateralAccount, error)

	// SaveSession replaces the stored state of an existing session.
	SaveSession(ctx context.Context, acct *model.CollateralAccount) error

	// ListSessionsWithOpenBets returns the ids of unclosed sessions holding an
	// unresolved bet on marketID, sorted.
	ListSessionsWithOpenBets(ctx context.Context, marketID string) ([]string, error)
}
