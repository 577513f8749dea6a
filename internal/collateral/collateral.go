// Package collateral implements off-chain wagering sessions backed by
// yield-bearing collateral.
//
// A session's spendable balance is a pure function of elapsed time and bet
// state; there is no background accrual. Callers pass the clock in and get a
// new account value back, so the whole package is deterministic.
package collateral

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/errs"
	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
)

// SecondsPerYear is the accrual year (365 days).
const SecondsPerYear = 31_536_000

var (
	ErrInvalidSession      = errs.New(errs.InvalidInput, "INVALID_SESSION", "collateral: session id, user and collateral are required")
	ErrInvalidAmount       = errs.New(errs.InvalidInput, "INVALID_AMOUNT", "collateral: amount must be positive")
	ErrInvalidOutcome      = errs.New(errs.InvalidInput, "INVALID_OUTCOME", "collateral: side must be YES or NO")
	ErrInvalidTransition   = errs.New(errs.InvalidState, "INVALID_TRANSITION", "collateral: session status cannot move backwards")
	ErrSessionNotActive    = errs.New(errs.InvalidState, "SESSION_NOT_ACTIVE", "collateral: session is not active")
	ErrBetAlreadyResolved  = errs.New(errs.InvalidState, "BET_ALREADY_RESOLVED", "collateral: bet already resolved")
	ErrOpenBets            = errs.New(errs.InvalidState, "SESSION_HAS_OPEN_BETS", "collateral: session has unresolved bets")
	ErrBetNotFound         = errs.New(errs.NotFound, "BET_NOT_FOUND", "collateral: bet not found")
	ErrInsufficientBalance = errs.New(errs.InsufficientFunds, "INSUFFICIENT_BALANCE", "collateral: bet exceeds available balance")
	ErrUserMismatch        = errs.New(errs.InvalidInput, "SESSION_USER_MISMATCH", "collateral: session belongs to another user")
)

// Balance is a point-in-time view of a session's funds.
type Balance struct {
	Principal money.Amount `json:"principal"`
	Yield     money.Amount `json:"yield"`
	OpenBets  money.Amount `json:"open_bets"`
	Available money.Amount `json:"available"`
}

// ElapsedSeconds returns whole seconds between from and to, never negative.
func ElapsedSeconds(from, to time.Time) uint64 {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}

// AccruedYield returns principal * rateBps * seconds / (SecondsPerYear * 10_000), floored.
func AccruedYield(principal money.Amount, rateBps uint32, seconds uint64) money.Amount {
	if rateBps == 0 || seconds == 0 {
		return money.Zero
	}
	num := principal.MulUint64(uint64(rateBps)).MulUint64(seconds)
	return num.Div(money.FromUint64(SecondsPerYear * money.BasisPoints))
}

// OpenBets sums the amounts of unresolved bets.
func OpenBets(acct *model.CollateralAccount) money.Amount {
	total := money.Zero
	for _, b := range acct.Bets {
		if !b.Resolved {
			total = total.Add(b.Amount)
		}
	}
	return total
}

// StreamingBalance derives the balance at now. In safe mode only accrued
// yield can be wagered; in full mode principal is at risk as well.
func StreamingBalance(acct *model.CollateralAccount, safeMode bool, now time.Time) Balance {
	yield := AccruedYield(acct.Collateral, acct.YieldRateBps, ElapsedSeconds(acct.CreatedAt, now))
	open := OpenBets(acct)

	spendable := yield
	if !safeMode {
		spendable = acct.Collateral.Add(yield)
	}
	return Balance{
		Principal: acct.Collateral,
		Yield:     yield,
		OpenBets:  open,
		Available: spendable.SubFloor(open),
	}
}

// Open creates a pending session.
func Open(sessionID, user string, collateral money.Amount, yieldRateBps uint32, now time.Time) (*model.CollateralAccount, error) {
	if sessionID == "" || user == "" || collateral.IsZero() {
		return nil, ErrInvalidSession
	}
	if !collateral.InBounds() {
		return nil, ErrInvalidAmount.With("collateral exceeds " + money.MaxAmount.String())
	}
	return &model.CollateralAccount{
		SessionID:    sessionID,
		User:         user,
		Collateral:   collateral,
		YieldRateBps: yieldRateBps,
		CreatedAt:    now,
		Status:       model.SessionPending,
		Bets:         []model.Bet{},
	}, nil
}

func transition(acct *model.CollateralAccount, to model.SessionStatus) (*model.CollateralAccount, error) {
	if !acct.Status.CanTransition(to) {
		return nil, ErrInvalidTransition.With(string(acct.Status) + " -> " + string(to))
	}
	next := acct.Clone()
	next.Status = to
	return next, nil
}

// Activate moves a pending session to active.
func Activate(acct *model.CollateralAccount) (*model.CollateralAccount, error) {
	return transition(acct, model.SessionActive)
}

// BeginClose moves an active session to closing; no further bets are accepted.
func BeginClose(acct *model.CollateralAccount) (*model.CollateralAccount, error) {
	return transition(acct, model.SessionClosing)
}

// PlaceBet records bet against the session. The balance is re-derived at now,
// never taken from a cached value.
func PlaceBet(acct *model.CollateralAccount, bet model.Bet, safeMode bool, now time.Time) (*model.CollateralAccount, Balance, error) {
	if acct.Status != model.SessionActive {
		return nil, Balance{}, ErrSessionNotActive.With(string(acct.Status))
	}
	if bet.Amount.IsZero() || !bet.Amount.InBounds() {
		return nil, Balance{}, ErrInvalidAmount
	}
	if !bet.Side.Valid() {
		return nil, Balance{}, ErrInvalidOutcome
	}

	bal := StreamingBalance(acct, safeMode, now)
	if bet.Amount.Gt(bal.Available) {
		return nil, bal, ErrInsufficientBalance.With("available " + bal.Available.String())
	}

	next := acct.Clone()
	bet.Timestamp = now
	bet.Resolved = false
	bet.Won = nil
	next.Bets = append(next.Bets, bet)

	bal.OpenBets = bal.OpenBets.Add(bet.Amount)
	bal.Available = bal.Available.Sub(bet.Amount)
	return next, bal, nil
}

func findBet(acct *model.CollateralAccount, betID string) int {
	for i := range acct.Bets {
		if acct.Bets[i].ID == betID {
			return i
		}
	}
	return -1
}

// ResolveBet marks a bet won or lost.
func ResolveBet(acct *model.CollateralAccount, betID string, won bool) (*model.CollateralAccount, error) {
	if acct.Status == model.SessionClosed {
		return nil, ErrSessionNotActive.With(string(acct.Status))
	}
	i := findBet(acct, betID)
	if i < 0 {
		return nil, ErrBetNotFound.With(betID)
	}
	if acct.Bets[i].Resolved {
		return nil, ErrBetAlreadyResolved.With(betID)
	}
	next := acct.Clone()
	next.Bets[i].Resolved = true
	next.Bets[i].Won = &won
	return next, nil
}

// CheckOwner rejects user unless it owns the session.
func CheckOwner(acct *model.CollateralAccount, user string) error {
	if acct.User != user {
		return ErrUserMismatch.With(acct.SessionID)
	}
	return nil
}

// ResolveMarketBets resolves every open bet on marketID: a bet wins when its
// side is the winning outcome. It returns the updated account and how many
// bets it resolved. Closed sessions are returned unchanged.
func ResolveMarketBets(acct *model.CollateralAccount, marketID string, winning model.Outcome) (*model.CollateralAccount, int) {
	if acct.Status == model.SessionClosed {
		return acct, 0
	}
	next := acct.Clone()
	n := 0
	for i := range next.Bets {
		b := &next.Bets[i]
		if b.Resolved || b.MarketID != marketID {
			continue
		}
		won := b.Side == winning
		b.Resolved = true
		b.Won = &won
		n++
	}
	return next, n
}

// RemoveBet drops an unresolved bet. It undoes PlaceBet when the trade the
// bet was funding fails to commit.
func RemoveBet(acct *model.CollateralAccount, betID string) (*model.CollateralAccount, error) {
	i := findBet(acct, betID)
	if i < 0 {
		return nil, ErrBetNotFound.With(betID)
	}
	if acct.Bets[i].Resolved {
		return nil, ErrBetAlreadyResolved.With(betID)
	}
	next := acct.Clone()
	next.Bets = append(next.Bets[:i], next.Bets[i+1:]...)
	return next, nil
}

// UnresolvedPolicy decides what happens to open bets when a session closes.
type UnresolvedPolicy string

const (
	// BlockClose refuses to close while any bet is open.
	BlockClose UnresolvedPolicy = "block"
	// ForfeitOpen settles every open bet as lost.
	ForfeitOpen UnresolvedPolicy = "forfeit"
	// ExcludeOpen leaves open bets out of PnL entirely.
	ExcludeOpen UnresolvedPolicy = "exclude"
)

// ParsePolicy parses a policy name; the empty string means BlockClose.
func ParsePolicy(s string) (UnresolvedPolicy, bool) {
	switch p := UnresolvedPolicy(s); p {
	case "":
		return BlockClose, true
	case BlockClose, ForfeitOpen, ExcludeOpen:
		return p, true
	}
	return "", false
}

// CloseResult is the final accounting of a closed session.
type CloseResult struct {
	SessionID string          `json:"session_id"`
	Principal money.Amount    `json:"principal"`
	PnL       decimal.Decimal `json:"pnl"`
	// UserBalance is max(0, principal + pnl).
	UserBalance money.Amount `json:"user_balance"`
	// CounterpartyReserve is max(0, -pnl), held back from the counterparty buffer.
	CounterpartyReserve money.Amount `json:"counterparty_reserve"`
	Forfeited           money.Amount `json:"forfeited"`
	Excluded            money.Amount `json:"excluded"`
	ClosedAt            time.Time    `json:"closed_at"`
}

// CloseSession settles an active or closing session. Won bets add their
// amount to PnL and lost bets subtract it; open bets follow policy.
func CloseSession(acct *model.CollateralAccount, policy UnresolvedPolicy, now time.Time) (*model.CollateralAccount, CloseResult, error) {
	next, err := transition(acct, model.SessionClosed)
	if err != nil {
		return nil, CloseResult{}, err
	}
	open := OpenBets(acct)
	if !open.IsZero() && policy != ForfeitOpen && policy != ExcludeOpen {
		return nil, CloseResult{}, ErrOpenBets.With("open " + open.String())
	}

	res := CloseResult{SessionID: acct.SessionID, Principal: acct.Collateral, ClosedAt: now}
	pnl := decimal.Zero
	for i := range next.Bets {
		b := &next.Bets[i]
		if !b.Resolved {
			if policy == ExcludeOpen {
				res.Excluded = res.Excluded.Add(b.Amount)
				continue
			}
			lost := false
			b.Resolved = true
			b.Won = &lost
			res.Forfeited = res.Forfeited.Add(b.Amount)
		}
		if *b.Won {
			pnl = pnl.Add(b.Amount.Decimal())
		} else {
			pnl = pnl.Sub(b.Amount.Decimal())
		}
	}

	res.PnL = pnl
	res.UserBalance = money.FromSigned(acct.Collateral.Decimal().Add(pnl))
	res.CounterpartyReserve = money.FromSigned(pnl.Neg())
	next.ClosedAt = &now
	return next, res, nil
}
