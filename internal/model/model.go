// Package model defines the core domain types shared across the engine.
// All monetary values and share counts are money.Amount (exact integers);
// signed quantities use shopspring/decimal. Never float64 for money.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/money"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ParseOutcome parses "YES"/"NO" case-insensitively.
func ParseOutcome(s string) (Outcome, bool) {
	switch Outcome(strings.ToUpper(strings.TrimSpace(s))) {
	case OutcomeYes:
		return OutcomeYes, true
	case OutcomeNo:
		return OutcomeNo, true
	}
	return "", false
}

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo }

// Opposite returns the other side.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Pool is the per-market AMM state.
//
// Invariant: (YesReserves+VirtualLiquidity)*(NoReserves+VirtualLiquidity) == K
// after every trade. Finalized is a one-way transition.
type Pool struct {
	MarketID         string            `json:"market_id"`
	YesReserves      money.Amount      `json:"yes_reserves"`
	NoReserves       money.Amount      `json:"no_reserves"`
	K                money.Amount      `json:"k"`
	VirtualLiquidity money.Amount      `json:"virtual_liquidity"`
	TotalCollateral  money.Amount      `json:"total_collateral"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Finalized        bool              `json:"finalized"`
	Resolution       *MarketResolution `json:"resolution,omitempty"`
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	c := *p
	if p.Resolution != nil {
		r := p.Resolution.Clone()
		c.Resolution = &r
	}
	return &c
}

// Reserves returns the real reserve of side.
func (p *Pool) Reserves(side Outcome) money.Amount {
	if side == OutcomeYes {
		return p.YesReserves
	}
	return p.NoReserves
}

// Position is a user's share holdings in one market. Positions are never
// deleted; they are retained for settlement and audit.
type Position struct {
	MarketID  string       `json:"market_id"`
	UserID    string       `json:"user_id"`
	YesShares money.Amount `json:"yes_shares"`
	NoShares  money.Amount `json:"no_shares"`
	// TotalCostBasis is currency spent on buys minus sell proceeds. It may go
	// negative after profitable sells.
	TotalCostBasis decimal.Decimal `json:"cost_basis"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewPosition returns an empty position for (marketID, userID).
func NewPosition(marketID, userID string, now time.Time) *Position {
	return &Position{
		MarketID:       marketID,
		UserID:         userID,
		TotalCostBasis: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Shares returns the holdings on side.
func (p *Position) Shares(side Outcome) money.Amount {
	if side == OutcomeYes {
		return p.YesShares
	}
	return p.NoShares
}

// MarketResolution is the oracle-supplied result of a market. Immutable once created.
type MarketResolution struct {
	MarketID       string          `json:"market_id"`
	WinningOutcome Outcome         `json:"winning_outcome"`
	ResolvedAt     time.Time       `json:"resolved_at"`
	OracleSource   string          `json:"oracle_source"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
}

// Clone returns a deep copy.
func (r MarketResolution) Clone() MarketResolution {
	if r.RawPayload != nil {
		r.RawPayload = append(json.RawMessage(nil), r.RawPayload...)
	}
	return r
}

// TradeKind distinguishes ledger entries.
type TradeKind string

const (
	TradeBuy  TradeKind = "BUY"
	TradeSell TradeKind = "SELL"
)

// LedgerEntry is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	Side      Outcome         `json:"side"`
	Kind      TradeKind       `json:"kind"`
	Amount    money.Amount    `json:"amount"` // currency in (buy) or out (sell)
	Shares    money.Amount    `json:"shares"`
	Price     decimal.Decimal `json:"price"` // effective price per share
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// UserSettlement is derived from a Position and a resolution; it is not a
// source of truth.
type UserSettlement struct {
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	WinningShares money.Amount    `json:"winning_shares"`
	LosingShares  money.Amount    `json:"losing_shares"`
	GrossPayout   money.Amount    `json:"gross_payout"`
	ProtocolFee   money.Amount    `json:"protocol_fee"`
	NetPayout     money.Amount    `json:"net_payout"`
	ProfitLoss    decimal.Decimal `json:"profit_loss"`
}

// MarketSettlement aggregates all user settlements of one resolved market.
// Users is ordered by UserID.
type MarketSettlement struct {
	MarketID             string           `json:"market_id"`
	Resolution           MarketResolution `json:"resolution"`
	Users                []UserSettlement `json:"users"`
	TotalGross           money.Amount     `json:"total_gross"`
	TotalPayout          money.Amount     `json:"total_payout"`
	ProtocolFeeCollected money.Amount     `json:"protocol_fee_collected"`
	SettledAt            time.Time        `json:"settled_at"`
}

// User returns the settlement of userID, if present.
func (s *MarketSettlement) User(userID string) (UserSettlement, bool) {
	for _, u := range s.Users {
		if u.UserID == userID {
			return u, true
		}
	}
	return UserSettlement{}, false
}
