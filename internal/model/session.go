package model

import (
	"time"

	"github.com/atmx/prediction-amm/internal/money"
)

// SessionStatus is the lifecycle state of a collateral session.
// Transitions are strictly forward: pending → active → closing → closed.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionClosing SessionStatus = "closing"
	SessionClosed  SessionStatus = "closed"
)

func (s SessionStatus) rank() int {
	switch s {
	case SessionPending:
		return 0
	case SessionActive:
		return 1
	case SessionClosing:
		return 2
	case SessionClosed:
		return 3
	}
	return -1
}

// CanTransition reports whether s → to is a single forward step.
// active → closed is allowed directly (close implies closing).
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	from, next := s.rank(), to.rank()
	if from < 0 || next < 0 {
		return false
	}
	if s == SessionActive && to == SessionClosed {
		return true
	}
	return next == from+1
}

// Bet is a wager recorded against a collateral session.
type Bet struct {
	ID        string       `json:"id"`
	MarketID  string       `json:"market_id"`
	Side      Outcome      `json:"side"`
	Amount    money.Amount `json:"amount"`
	Timestamp time.Time    `json:"timestamp"`
	Resolved  bool         `json:"resolved"`
	Won       *bool        `json:"won,omitempty"`
}

// CollateralAccount tracks one session's principal, yield rate and bets.
// Collateral is immutable after the session opens.
type CollateralAccount struct {
	SessionID    string        `json:"session_id"`
	User         string        `json:"user"`
	Collateral   money.Amount  `json:"collateral"`
	YieldRateBps uint32        `json:"yield_rate_bps"`
	CreatedAt    time.Time     `json:"created_at"`
	Status       SessionStatus `json:"status"`
	Bets         []Bet         `json:"bets"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
}

// Clone returns a deep copy.
func (a *CollateralAccount) Clone() *CollateralAccount {
	c := *a
	c.Bets = make([]Bet, len(a.Bets))
	for i, b := range a.Bets {
		if b.Won != nil {
			won := *b.Won
			b.Won = &won
		}
		c.Bets[i] = b
	}
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
