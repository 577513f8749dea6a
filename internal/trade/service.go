// Package trade provides the business logic and HTTP handlers for creating
// markets, executing trades against the constant-product pool, resolving
// markets and serving settlements and proofs.
//
// Every mutation of a pool happens under that market's lock: the quote a
// trade is priced from is the same read it commits against. All monetary
// values are money.Amount; never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/amm"
	"github.com/atmx/prediction-amm/internal/errs"
	"github.com/atmx/prediction-amm/internal/keylock"
	"github.com/atmx/prediction-amm/internal/metrics"
	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
	"github.com/atmx/prediction-amm/internal/relay"
	"github.com/atmx/prediction-amm/internal/risk"
	"github.com/atmx/prediction-amm/internal/settlement"
	"github.com/atmx/prediction-amm/internal/store"
)

var (
	ErrInvalidRequest   = errs.New(errs.InvalidInput, "INVALID_REQUEST", "trade: invalid request")
	ErrSessionsDisabled = errs.New(errs.InvalidState, "SESSIONS_DISABLED", "trade: session-gated trading is not enabled")
)

// BetGate reserves collateral-session balance for a trade. PlaceBet is
// called under the market lock before the trade commits and must reject a
// session that userID does not own; RemoveBet undoes it when the commit
// fails. ResolveMarketBets runs after a market is finalized, outside the
// market lock, and settles every session bet on it.
type BetGate interface {
	PlaceBet(ctx context.Context, sessionID, userID string, bet model.Bet) error
	RemoveBet(ctx context.Context, sessionID, betID string) error
	ResolveMarketBets(ctx context.Context, marketID string, winning model.Outcome) error
}

// ProofPublisher hands settlement proofs to the settlement authority.
type ProofPublisher interface {
	Publish(ctx context.Context, msg relay.Message) error
}

// Options are the market defaults and settlement policy.
type Options struct {
	DefaultInitialLiquidity money.Amount
	DefaultVirtualLiquidity money.Amount
	ProtocolFeeBps          uint32
	AllowedOracles          []string
}

// Service handles market operations. Trades and resolution of one market
// are serialized by a per-market lock; different markets run in parallel.
type Service struct {
	store   store.Store
	limiter *risk.Limiter
	hub     *WSHub
	gate    BetGate
	proofs  ProofPublisher
	opts    Options
	locks   keylock.Map
	now     func() time.Time
}

// NewService creates a new trade service.
// Pass nil for limiter or hub to disable exposure limits or broadcasting.
func NewService(st store.Store, limiter *risk.Limiter, hub *WSHub, opts Options) *Service {
	if opts.DefaultInitialLiquidity.IsZero() {
		opts.DefaultInitialLiquidity = money.FromUint64(100_000_000)
	}
	return &Service{
		store:   st,
		limiter: limiter,
		hub:     hub,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetBetGate enables trades funded from collateral sessions.
func (s *Service) SetBetGate(g BetGate) { s.gate = g }

// SetProofPublisher enables relaying settlement proofs after resolution.
func (s *Service) SetProofPublisher(p ProofPublisher) { s.proofs = p }

// SetClock replaces the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func marketKey(id string) string { return "market:" + id }

// withMarket runs fn holding the market's lock. The lock is released even
// when fn panics.
func withMarket[T any](s *Service, marketID string, fn func() (T, error)) (T, error) {
	unlock := s.locks.Lock(marketKey(marketID))
	defer unlock()
	return fn()
}

// integrityViolation records a failed integrity check. These abort the
// operation and are never retried.
func integrityViolation(err error, attrs ...any) error {
	metrics.IntegrityViolations.WithLabelValues(errs.CodeOf(err)).Inc()
	slog.Error("integrity violation", append([]any{"code", errs.CodeOf(err), "err", err}, attrs...)...)
	return err
}

// --- Markets ---

// MarketView is a pool together with its current prices.
type MarketView struct {
	*model.Pool
	Prices amm.Prices `json:"prices"`
}

// CreateMarketParams configures a new pool. Zero liquidities take the defaults.
type CreateMarketParams struct {
	MarketID         string
	InitialLiquidity money.Amount
	VirtualLiquidity *money.Amount
}

// CreateMarket opens a new pool.
func (s *Service) CreateMarket(ctx context.Context, p CreateMarketParams) (*MarketView, error) {
	id := p.MarketID
	if id == "" {
		id = uuid.New().String()
	}
	initial := p.InitialLiquidity
	if initial.IsZero() {
		initial = s.opts.DefaultInitialLiquidity
	}
	virtual := s.opts.DefaultVirtualLiquidity
	if p.VirtualLiquidity != nil {
		virtual = *p.VirtualLiquidity
	}

	pool, err := amm.NewPool(id, initial, virtual, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePool(ctx, pool); err != nil {
		return nil, err
	}
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"market_id", id,
		"initial_liquidity", initial.String(),
		"virtual_liquidity", virtual.String(),
	)
	return &MarketView{Pool: pool, Prices: amm.GetPrices(pool)}, nil
}

// GetMarket returns a pool and its prices.
func (s *Service) GetMarket(ctx context.Context, marketID string) (*MarketView, error) {
	pool, err := s.store.GetPool(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return &MarketView{Pool: pool, Prices: amm.GetPrices(pool)}, nil
}

// ListMarkets returns every market, newest first.
func (s *Service) ListMarkets(ctx context.Context) ([]MarketView, error) {
	pools, err := s.store.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	views := make([]MarketView, 0, len(pools))
	for i := range pools {
		views = append(views, MarketView{Pool: &pools[i], Prices: amm.GetPrices(&pools[i])})
	}
	return views, nil
}

// Quote prices a buy without executing it.
func (s *Service) Quote(ctx context.Context, marketID string, side model.Outcome, amount money.Amount) (amm.Quote, error) {
	pool, err := s.store.GetPool(ctx, marketID)
	if err != nil {
		return amm.Quote{}, err
	}
	return amm.QuoteBuy(pool, amount, side)
}

// History returns the market's trades, oldest first.
func (s *Service) History(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	if _, err := s.store.GetPool(ctx, marketID); err != nil {
		return nil, err
	}
	entries, err := s.store.GetLedgerEntriesByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("market history: %w", err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// Position returns a user's holdings in one market.
func (s *Service) Position(ctx context.Context, marketID, userID string) (*model.Position, error) {
	return s.store.GetPosition(ctx, marketID, userID)
}

// --- Trades ---

// PoolState is the reserve snapshot returned after a trade.
type PoolState struct {
	YesReserves money.Amount `json:"yes_reserves"`
	NoReserves  money.Amount `json:"no_reserves"`
}

// PositionSummary is the position snapshot included in trade responses.
type PositionSummary struct {
	YesShares money.Amount    `json:"yes_shares"`
	NoShares  money.Amount    `json:"no_shares"`
	CostBasis decimal.Decimal `json:"cost_basis"`
}

// TradeResult is returned by Buy and Sell.
type TradeResult struct {
	TradeID        string          `json:"trade_id"`
	UserID         string          `json:"user_id"`
	MarketID       string          `json:"market_id"`
	Side           model.Outcome   `json:"side"`
	Kind           model.TradeKind `json:"kind"`
	Amount         money.Amount    `json:"amount"` // currency in (buy) or out (sell)
	TotalShares    money.Amount    `json:"total_shares"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
	PriceImpact    decimal.Decimal `json:"price_impact"`
	NewPoolState   PoolState       `json:"new_pool_state"`
	Prices         amm.Prices      `json:"prices"`
	Position       PositionSummary `json:"position"`
	SessionID      string          `json:"session_id,omitempty"`
}

// BuyParams describes a mint-and-swap buy. A non-empty SessionID funds the
// buy from that collateral session.
type BuyParams struct {
	UserID    string
	MarketID  string
	Side      model.Outcome
	Amount    money.Amount
	SessionID string
}

// SellParams describes a sale of shares back to the pool.
type SellParams struct {
	UserID   string
	MarketID string
	Side     model.Outcome
	Shares   money.Amount
}

// Buy executes a mint-and-swap buy.
func (s *Service) Buy(ctx context.Context, p BuyParams) (*TradeResult, error) {
	start := time.Now()
	if p.UserID == "" || p.MarketID == "" {
		return nil, ErrInvalidRequest.With("user_id and market_id are required")
	}
	if p.SessionID != "" && s.gate == nil {
		return nil, ErrSessionsDisabled
	}

	res, err := withMarket(s, p.MarketID, func() (*TradeResult, error) {
		return s.buyLocked(ctx, p)
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(errs.CodeOf(err)).Inc()
		return nil, err
	}

	s.recordTrade(res, start)
	return res, nil
}

func (s *Service) buyLocked(ctx context.Context, p BuyParams) (*TradeResult, error) {
	pool, err := s.store.GetPool(ctx, p.MarketID)
	if err != nil {
		return nil, err
	}
	pos, err := s.positionOrNew(ctx, p.MarketID, p.UserID)
	if err != nil {
		return nil, err
	}

	buy, err := amm.MintAndSwap(pool, p.Amount, p.Side)
	if err != nil {
		return nil, err
	}
	if err := amm.CheckInvariant(buy.NewPool); err != nil {
		return nil, integrityViolation(err, "market_id", p.MarketID, "op", "buy")
	}

	if s.limiter != nil {
		exposures, err := s.store.GetUserExposures(ctx, p.UserID)
		if err != nil {
			return nil, fmt.Errorf("load exposures: %w", err)
		}
		if err := s.limiter.CheckLimit(p.MarketID, p.Amount.Decimal(), exposures); err != nil {
			metrics.ExposureLimitRejections.Inc()
			return nil, err
		}
	}

	now := s.now()
	buy.NewPool.UpdatedAt = now
	newPos := amm.ApplyBuy(pos, p.Side, p.Amount, buy.TotalShares, now)
	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    p.UserID,
		MarketID:  p.MarketID,
		Side:      p.Side,
		Kind:      model.TradeBuy,
		Amount:    p.Amount,
		Shares:    buy.TotalShares,
		Price:     buy.EffectivePrice,
		SessionID: p.SessionID,
		Timestamp: now,
	}

	if p.SessionID != "" {
		bet := model.Bet{ID: entry.ID, MarketID: p.MarketID, Side: p.Side, Amount: p.Amount}
		if err := s.gate.PlaceBet(ctx, p.SessionID, p.UserID, bet); err != nil {
			return nil, err
		}
	}

	if err := s.store.ApplyTrade(ctx, buy.NewPool, newPos, entry); err != nil {
		if p.SessionID != "" {
			if rbErr := s.gate.RemoveBet(ctx, p.SessionID, entry.ID); rbErr != nil {
				slog.Error("bet compensation failed",
					"session_id", p.SessionID, "bet_id", entry.ID, "err", rbErr)
			}
		}
		return nil, fmt.Errorf("commit trade: %w", err)
	}

	return &TradeResult{
		TradeID:        entry.ID,
		UserID:         p.UserID,
		MarketID:       p.MarketID,
		Side:           p.Side,
		Kind:           model.TradeBuy,
		Amount:         p.Amount,
		TotalShares:    buy.TotalShares,
		EffectivePrice: buy.EffectivePrice,
		PriceImpact:    buy.PriceImpact,
		NewPoolState:   PoolState{YesReserves: buy.NewPool.YesReserves, NoReserves: buy.NewPool.NoReserves},
		Prices:         amm.GetPrices(buy.NewPool),
		Position:       summarize(newPos),
		SessionID:      p.SessionID,
	}, nil
}

// Sell sells shares of side back into the pool.
func (s *Service) Sell(ctx context.Context, p SellParams) (*TradeResult, error) {
	start := time.Now()
	if p.UserID == "" || p.MarketID == "" {
		return nil, ErrInvalidRequest.With("user_id and market_id are required")
	}

	res, err := withMarket(s, p.MarketID, func() (*TradeResult, error) {
		return s.sellLocked(ctx, p)
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(errs.CodeOf(err)).Inc()
		return nil, err
	}

	s.recordTrade(res, start)
	return res, nil
}

func (s *Service) sellLocked(ctx context.Context, p SellParams) (*TradeResult, error) {
	pool, err := s.store.GetPool(ctx, p.MarketID)
	if err != nil {
		return nil, err
	}
	pos, err := s.store.GetPosition(ctx, p.MarketID, p.UserID)
	if errors.Is(err, store.ErrPositionNotFound) {
		pos = nil
	} else if err != nil {
		return nil, err
	}

	sell, err := amm.Sell(pool, pos, p.Shares, p.Side)
	if err != nil {
		return nil, err
	}
	if err := amm.CheckInvariant(sell.NewPool); err != nil {
		return nil, integrityViolation(err, "market_id", p.MarketID, "op", "sell")
	}

	now := s.now()
	sell.NewPool.UpdatedAt = now
	sell.NewPosition.UpdatedAt = now
	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    p.UserID,
		MarketID:  p.MarketID,
		Side:      p.Side,
		Kind:      model.TradeSell,
		Amount:    sell.UsdcOut,
		Shares:    p.Shares,
		Price:     sell.EffectivePrice,
		Timestamp: now,
	}
	if err := s.store.ApplyTrade(ctx, sell.NewPool, sell.NewPosition, entry); err != nil {
		return nil, fmt.Errorf("commit trade: %w", err)
	}

	return &TradeResult{
		TradeID:        entry.ID,
		UserID:         p.UserID,
		MarketID:       p.MarketID,
		Side:           p.Side,
		Kind:           model.TradeSell,
		Amount:         sell.UsdcOut,
		TotalShares:    p.Shares,
		EffectivePrice: sell.EffectivePrice,
		PriceImpact:    sell.PriceImpact,
		NewPoolState:   PoolState{YesReserves: sell.NewPool.YesReserves, NoReserves: sell.NewPool.NoReserves},
		Prices:         amm.GetPrices(sell.NewPool),
		Position:       summarize(sell.NewPosition),
	}, nil
}

func (s *Service) positionOrNew(ctx context.Context, marketID, userID string) (*model.Position, error) {
	pos, err := s.store.GetPosition(ctx, marketID, userID)
	if errors.Is(err, store.ErrPositionNotFound) {
		return model.NewPosition(marketID, userID, s.now()), nil
	}
	return pos, err
}

func summarize(p *model.Position) PositionSummary {
	return PositionSummary{YesShares: p.YesShares, NoShares: p.NoShares, CostBasis: p.TotalCostBasis}
}

// recordTrade runs after commit, outside the market lock.
func (s *Service) recordTrade(res *TradeResult, start time.Time) {
	side, kind := string(res.Side), string(res.Kind)
	metrics.TradesTotal.WithLabelValues(side, kind).Inc()
	metrics.TradeLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if f, ok := res.Amount.Uint64(); ok {
		metrics.MarketVolume.WithLabelValues(res.MarketID, side).Add(float64(f))
	}

	slog.Info("trade executed",
		"trade_id", res.TradeID,
		"user", res.UserID,
		"market_id", res.MarketID,
		"side", side,
		"kind", kind,
		"amount", res.Amount.String(),
		"shares", res.TotalShares.String(),
		"effective_price", res.EffectivePrice.String(),
		"new_yes_price", res.Prices.YesPrice.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:        "trade_executed",
			MarketID:    res.MarketID,
			Side:        side,
			Kind:        kind,
			Amount:      res.Amount.String(),
			Shares:      res.TotalShares.String(),
			YesPrice:    res.Prices.YesPrice.String(),
			NoPrice:     res.Prices.NoPrice.String(),
			YesReserves: res.NewPoolState.YesReserves.String(),
			NoReserves:  res.NewPoolState.NoReserves.String(),
		})
	}
}

// --- Resolution and settlement ---

// Resolve verifies an oracle resolution, checks solvency and finalizes the
// market. The whole check-then-finalize sequence holds the market lock, so
// no trade is admitted once it begins.
//
// Checks run in a fixed order: market exists, market not yet finalized,
// oracle and outcome valid, pool solvent. The first failure is reported.
func (s *Service) Resolve(ctx context.Context, res model.MarketResolution) (*model.MarketSettlement, error) {
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = s.now()
	}

	st, err := withMarket(s, res.MarketID, func() (*model.MarketSettlement, error) {
		return s.resolveLocked(ctx, res)
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Dec()
	metrics.SettlementsTotal.WithLabelValues(string(res.WinningOutcome)).Inc()
	if f, ok := st.ProtocolFeeCollected.Uint64(); ok {
		metrics.ProtocolFees.Add(float64(f))
	}
	slog.Info("market settled",
		"market_id", res.MarketID,
		"winning_outcome", res.WinningOutcome,
		"oracle", res.OracleSource,
		"users", len(st.Users),
		"total_payout", st.TotalPayout.String(),
		"protocol_fee", st.ProtocolFeeCollected.String(),
		"total_pnl", settlement.TotalProfitLoss(st).String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:           "market_finalized",
			MarketID:       res.MarketID,
			WinningOutcome: string(res.WinningOutcome),
		})
	}
	s.resolveSessionBets(ctx, res)
	s.publishProofs(ctx, st)
	return st, nil
}

// resolveSessionBets settles the session bets on a finalized market. The
// market is already final, so a failure here is logged and left for the
// manual bet resolution endpoint, which only accepts the oracle's outcome.
func (s *Service) resolveSessionBets(ctx context.Context, res model.MarketResolution) {
	if s.gate == nil {
		return
	}
	if err := s.gate.ResolveMarketBets(ctx, res.MarketID, res.WinningOutcome); err != nil {
		slog.Error("session bet resolution failed",
			"market_id", res.MarketID, "winning_outcome", res.WinningOutcome, "err", err)
	}
}

func (s *Service) resolveLocked(ctx context.Context, res model.MarketResolution) (*model.MarketSettlement, error) {
	pool, err := s.store.GetPool(ctx, res.MarketID)
	if err != nil {
		return nil, err
	}
	if pool.Finalized {
		return nil, settlement.ErrAlreadyFinalized.With(res.MarketID)
	}
	if err := settlement.ValidateResolution(res, s.opts.AllowedOracles); err != nil {
		return nil, err
	}

	positions, err := s.store.ListPositionsByMarket(ctx, res.MarketID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	if !settlement.ValidatePoolSolvency(pool, positions, res.WinningOutcome) {
		claims := settlement.WinningClaims(pool, positions, res.WinningOutcome)
		return nil, integrityViolation(settlement.ErrSolvencyViolation,
			"market_id", res.MarketID,
			"claims", claims.String(),
			"collateral", pool.TotalCollateral.String(),
		)
	}

	final, err := settlement.FinalizePool(pool, res, s.now())
	if err != nil {
		return nil, err
	}
	st := settlement.CalculateMarketSettlement(positions, res, s.opts.ProtocolFeeBps)
	st.SettledAt = final.UpdatedAt

	if err := s.store.FinalizeMarket(ctx, final, st); err != nil {
		return nil, fmt.Errorf("persist settlement: %w", err)
	}
	return st, nil
}

// Settlement returns the stored settlement of a finalized market.
func (s *Service) Settlement(ctx context.Context, marketID string) (*model.MarketSettlement, error) {
	return s.store.GetSettlement(ctx, marketID)
}

// ProofResponse is a user's settlement proof.
type ProofResponse struct {
	MarketID  string `json:"market_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	settlement.Proof
}

// Proof returns the settlement proof of one user. Proofs are stamped with
// the settlement time, so repeated calls return identical bytes.
func (s *Service) Proof(ctx context.Context, marketID, userID string) (*ProofResponse, error) {
	st, err := s.store.GetSettlement(ctx, marketID)
	if err != nil {
		return nil, err
	}
	us, ok := st.User(userID)
	if !ok {
		return nil, store.ErrPositionNotFound.With(marketID + "/" + userID)
	}
	sessionID, err := s.sessionFor(ctx, marketID, userID)
	if err != nil {
		return nil, err
	}
	proof, err := settlement.GenerateSettlementProof(us, marketID, sessionID, st.SettledAt)
	if err != nil {
		return nil, err
	}
	return &ProofResponse{MarketID: marketID, UserID: userID, SessionID: sessionID, Proof: proof}, nil
}

// sessionFor returns the most recent collateral session the user traded the
// market through, or "" for direct trades.
func (s *Service) sessionFor(ctx context.Context, marketID, userID string) (string, error) {
	entries, err := s.store.GetLedgerEntriesByUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load ledger: %w", err)
	}
	sessionID := ""
	for _, e := range entries {
		if e.MarketID == marketID && e.SessionID != "" {
			sessionID = e.SessionID
		}
	}
	return sessionID, nil
}

// publishProofs relays every user's proof after the settlement commit.
// Failures are logged; the relay layer owns retries.
func (s *Service) publishProofs(ctx context.Context, st *model.MarketSettlement) {
	if s.proofs == nil {
		return
	}
	for _, us := range st.Users {
		p, err := s.Proof(ctx, st.MarketID, us.UserID)
		if err != nil {
			slog.Error("build settlement proof", "market_id", st.MarketID, "user", us.UserID, "err", err)
			continue
		}
		msg := relay.Message{
			MarketID:     st.MarketID,
			SessionID:    p.SessionID,
			UserID:       us.UserID,
			EncodedProof: p.EncodedProof,
			ProofHash:    p.ProofHash,
			PnL:          p.PnL,
		}
		if err := s.proofs.Publish(ctx, msg); err != nil {
			slog.Warn("settlement proof not relayed", "market_id", st.MarketID, "user", us.UserID, "err", err)
		}
	}
}
