// Package session manages collateral sessions: yield-bearing deposits whose
// streaming balance funds bets, settled into a final PnL when the session
// closes.
//
// Each session is a single-writer entity guarded by its own lock. The
// balance is always re-derived from the clock at the moment of use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/prediction-amm/internal/collateral"
	"github.com/atmx/prediction-amm/internal/errs"
	"github.com/atmx/prediction-amm/internal/keylock"
	"github.com/atmx/prediction-amm/internal/metrics"
	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
	"github.com/atmx/prediction-amm/internal/store"
)

var (
	ErrMarketOpen      = errs.New(errs.InvalidState, "MARKET_NOT_RESOLVED", "session: bet's market is not resolved yet")
	ErrOutcomeMismatch = errs.New(errs.InvalidInput, "BET_OUTCOME_MISMATCH", "session: result disagrees with the market resolution")
)

// Options configures session defaults.
type Options struct {
	SafeModeDefault bool
	ClosePolicy     collateral.UnresolvedPolicy
}

// Service runs the session lifecycle against a store.
type Service struct {
	store store.Store
	opts  Options
	locks keylock.Map
	now   func() time.Time
}

// NewService creates a session service. An empty close policy blocks
// closing while bets are open.
func NewService(st store.Store, opts Options) *Service {
	if opts.ClosePolicy == "" {
		opts.ClosePolicy = collateral.BlockClose
	}
	return &Service{
		store: st,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SafeModeDefault reports the balance mode used when a caller does not pick one.
func (s *Service) SafeModeDefault() bool { return s.opts.SafeModeDefault }

func sessionKey(id string) string { return "session:" + id }

// update runs fn on the stored session under its lock and saves the result.
func (s *Service) update(ctx context.Context, sessionID string, fn func(*model.CollateralAccount) (*model.CollateralAccount, error)) (*model.CollateralAccount, error) {
	unlock := s.locks.Lock(sessionKey(sessionID))
	defer unlock()

	acct, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	next, err := fn(acct)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveSession(ctx, next); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return next, nil
}

// OpenParams describes a new session. An empty SessionID gets a generated one.
type OpenParams struct {
	SessionID    string
	User         string
	Collateral   money.Amount
	YieldRateBps uint32
}

// Open creates a pending session.
func (s *Service) Open(ctx context.Context, p OpenParams) (*model.CollateralAccount, error) {
	id := p.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	acct, err := collateral.Open(id, p.User, p.Collateral, p.YieldRateBps, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateSession(ctx, acct); err != nil {
		return nil, err
	}
	slog.Info("session opened",
		"session_id", id,
		"user", p.User,
		"collateral", p.Collateral.String(),
		"yield_rate_bps", p.YieldRateBps,
	)
	return acct, nil
}

// Get returns a session.
func (s *Service) Get(ctx context.Context, sessionID string) (*model.CollateralAccount, error) {
	return s.store.GetSession(ctx, sessionID)
}

// Activate moves a pending session to active.
func (s *Service) Activate(ctx context.Context, sessionID string) (*model.CollateralAccount, error) {
	acct, err := s.update(ctx, sessionID, collateral.Activate)
	if err != nil {
		return nil, err
	}
	metrics.ActiveSessions.Inc()
	slog.Info("session activated", "session_id", sessionID)
	return acct, nil
}

// BeginClose stops the session from taking new bets while open ones resolve.
func (s *Service) BeginClose(ctx context.Context, sessionID string) (*model.CollateralAccount, error) {
	acct, err := s.update(ctx, sessionID, collateral.BeginClose)
	if err != nil {
		return nil, err
	}
	metrics.ActiveSessions.Dec()
	slog.Info("session closing", "session_id", sessionID, "open_bets", collateral.OpenBets(acct).String())
	return acct, nil
}

// Balance derives the streaming balance now.
func (s *Service) Balance(ctx context.Context, sessionID string, safeMode bool) (collateral.Balance, error) {
	acct, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return collateral.Balance{}, err
	}
	return collateral.StreamingBalance(acct, safeMode, s.now()), nil
}

// PlaceBetWithMode records bet in the session, checked against the balance
// in the given mode. A non-empty owner must be the session's user.
func (s *Service) PlaceBetWithMode(ctx context.Context, sessionID, owner string, bet model.Bet, safeMode bool) (*model.CollateralAccount, collateral.Balance, error) {
	if bet.ID == "" {
		bet.ID = uuid.New().String()
	}
	var bal collateral.Balance
	acct, err := s.update(ctx, sessionID, func(acct *model.CollateralAccount) (*model.CollateralAccount, error) {
		if owner != "" {
			if err := collateral.CheckOwner(acct, owner); err != nil {
				return nil, err
			}
		}
		next, b, err := collateral.PlaceBet(acct, bet, safeMode, s.now())
		bal = b
		return next, err
	})
	if err != nil {
		return nil, bal, err
	}
	metrics.BetsTotal.Inc()
	slog.Info("bet placed",
		"session_id", sessionID,
		"bet_id", bet.ID,
		"market_id", bet.MarketID,
		"side", bet.Side,
		"amount", bet.Amount.String(),
		"available", bal.Available.String(),
	)
	return acct, bal, nil
}

// PlaceBet records a trade's bet using the default balance mode. Only the
// session's own user may draw on it.
func (s *Service) PlaceBet(ctx context.Context, sessionID, userID string, bet model.Bet) error {
	if userID == "" {
		return collateral.ErrUserMismatch.With(sessionID)
	}
	_, _, err := s.PlaceBetWithMode(ctx, sessionID, userID, bet, s.opts.SafeModeDefault)
	return err
}

// RemoveBet drops an unresolved bet.
func (s *Service) RemoveBet(ctx context.Context, sessionID, betID string) error {
	_, err := s.update(ctx, sessionID, func(acct *model.CollateralAccount) (*model.CollateralAccount, error) {
		return collateral.RemoveBet(acct, betID)
	})
	if err == nil {
		slog.Warn("bet removed", "session_id", sessionID, "bet_id", betID)
	}
	return err
}

// ResolveBet marks a bet won or lost by hand. Bets on a market this engine
// runs follow the oracle: they cannot be resolved before the market is
// finalized, and only with its winning outcome afterwards.
func (s *Service) ResolveBet(ctx context.Context, sessionID, betID string, won bool) (*model.CollateralAccount, error) {
	acct, err := s.update(ctx, sessionID, func(acct *model.CollateralAccount) (*model.CollateralAccount, error) {
		for _, b := range acct.Bets {
			if b.ID == betID && !b.Resolved {
				if err := s.checkMarketOutcome(ctx, b, won); err != nil {
					return nil, err
				}
			}
		}
		return collateral.ResolveBet(acct, betID, won)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("bet resolved", "session_id", sessionID, "bet_id", betID, "won", won)
	return acct, nil
}

func (s *Service) checkMarketOutcome(ctx context.Context, b model.Bet, won bool) error {
	pool, err := s.store.GetPool(ctx, b.MarketID)
	if errors.Is(err, store.ErrMarketNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load market %s: %w", b.MarketID, err)
	}
	if !pool.Finalized || pool.Resolution == nil {
		return ErrMarketOpen.With(b.MarketID)
	}
	if want := b.Side == pool.Resolution.WinningOutcome; won != want {
		return ErrOutcomeMismatch.With(fmt.Sprintf("%s resolved %s", b.MarketID, pool.Resolution.WinningOutcome))
	}
	return nil
}

// ResolveMarketBets settles every open bet on a finalized market against its
// winning outcome. Each session is updated under its own lock; callers must
// not hold the market lock.
func (s *Service) ResolveMarketBets(ctx context.Context, marketID string, winning model.Outcome) error {
	ids, err := s.store.ListSessionsWithOpenBets(ctx, marketID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	var failed []error
	for _, id := range ids {
		var n int
		_, err := s.update(ctx, id, func(acct *model.CollateralAccount) (*model.CollateralAccount, error) {
			next, resolved := collateral.ResolveMarketBets(acct, marketID, winning)
			n = resolved
			return next, nil
		})
		if err != nil {
			failed = append(failed, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		if n > 0 {
			slog.Info("session bets resolved",
				"session_id", id, "market_id", marketID, "winning_outcome", winning, "bets", n)
		}
	}
	return errors.Join(failed...)
}

// Close settles the session. An empty policy uses the configured one.
func (s *Service) Close(ctx context.Context, sessionID string, policy collateral.UnresolvedPolicy) (collateral.CloseResult, error) {
	if policy == "" {
		policy = s.opts.ClosePolicy
	}
	var (
		res     collateral.CloseResult
		wasLive bool
	)
	_, err := s.update(ctx, sessionID, func(acct *model.CollateralAccount) (*model.CollateralAccount, error) {
		wasLive = acct.Status == model.SessionActive
		next, r, err := collateral.CloseSession(acct, policy, s.now())
		res = r
		return next, err
	})
	if err != nil {
		return collateral.CloseResult{}, err
	}
	if wasLive {
		metrics.ActiveSessions.Dec()
	}
	slog.Info("session closed",
		"session_id", sessionID,
		"policy", policy,
		"pnl", res.PnL.String(),
		"user_balance", res.UserBalance.String(),
		"counterparty_reserve", res.CounterpartyReserve.String(),
		"forfeited", res.Forfeited.String(),
	)
	return res, nil
}
