// Package amm implements the constant-product pricing engine for binary
// prediction markets.
//
// Pricing follows (x+L)(y+L) = k where x, y are the real YES/NO reserves and
// L is a virtual liquidity constant that dampens price impact without adding
// collateral. Buys are executed as mint-and-swap: amountIn of collateral mints
// amountIn YES and amountIn NO shares, and the unwanted side is swapped into
// the pool for more of the requested side. Sells run the inverse swap and burn
// matched pairs against collateral.
//
// Every function here is pure: pools and positions are passed in and new
// values are returned, so a caller can commit the full {pool, position,
// ledger} update atomically or drop it. All arithmetic is integer; every
// rounding favours the pool.
package amm

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/errs"
	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
)

var (
	ErrInvalidMarket         = errs.New(errs.InvalidInput, "INVALID_MARKET", "amm: market id is required")
	ErrInvalidAmount         = errs.New(errs.InvalidInput, "INVALID_AMOUNT", "amm: amount must be positive")
	ErrInvalidOutcome        = errs.New(errs.InvalidInput, "INVALID_OUTCOME", "amm: side must be YES or NO")
	ErrMarketFinalized       = errs.New(errs.InvalidState, "MARKET_FINALIZED", "amm: market is finalized")
	ErrInsufficientPosition  = errs.New(errs.InsufficientFunds, "INSUFFICIENT_POSITION", "amm: position holds fewer shares than requested")
	ErrInsufficientLiquidity = errs.New(errs.InsufficientFunds, "INSUFFICIENT_LIQUIDITY", "amm: trade exceeds pool reserves")
	ErrInvariantViolation    = errs.New(errs.IntegrityViolation, "INVARIANT_VIOLATION", "amm: constant-product invariant broken")

	// MinPrice is the floor applied to quoted marginal prices.
	MinPrice = decimal.RequireFromString("0.01")

	// PriceCap is the ceiling applied to quoted marginal prices.
	PriceCap = decimal.RequireFromString("0.99")

	// PriceScale is the number of decimal places for prices and ratios.
	PriceScale int32 = 8

	hundred = decimal.NewFromInt(100)
	two     = money.FromUint64(2)
)

// NewPool creates a pool seeded with initialLiquidity on both sides. Seeding
// is itself a mint, so it counts toward TotalCollateral.
func NewPool(marketID string, initialLiquidity, virtualLiquidity money.Amount, now time.Time) (*model.Pool, error) {
	if marketID == "" {
		return nil, ErrInvalidMarket
	}
	if initialLiquidity.IsZero() {
		return nil, ErrInvalidAmount.With("initial liquidity")
	}
	if !initialLiquidity.InBounds() || !virtualLiquidity.InBounds() {
		return nil, ErrInvalidAmount.With("liquidity exceeds " + money.MaxAmount.String())
	}
	eff := initialLiquidity.Add(virtualLiquidity)
	return &model.Pool{
		MarketID:         marketID,
		YesReserves:      initialLiquidity,
		NoReserves:       initialLiquidity,
		K:                eff.Mul(eff),
		VirtualLiquidity: virtualLiquidity,
		TotalCollateral:  initialLiquidity,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// effective returns the reserves of side and of the opposite side, each
// offset by the virtual liquidity.
func effective(p *model.Pool, side model.Outcome) (sideEff, otherEff money.Amount) {
	yes := p.YesReserves.Add(p.VirtualLiquidity)
	no := p.NoReserves.Add(p.VirtualLiquidity)
	if side == model.OutcomeYes {
		return yes, no
	}
	return no, yes
}

// Product returns (yes+L)*(no+L) for the current reserves.
func Product(p *model.Pool) money.Amount {
	yes, no := effective(p, model.OutcomeYes)
	return yes.Mul(no)
}

// CheckInvariant verifies the pool's reserves reproduce K exactly and that
// K is non-zero.
func CheckInvariant(p *model.Pool) error {
	if p.K.IsZero() {
		return ErrInvariantViolation.With("k is zero")
	}
	if prod := Product(p); !prod.Eq(p.K) {
		return ErrInvariantViolation.With("product " + prod.String() + " != k " + p.K.String())
	}
	return nil
}

// marginalPrice is the unclamped marginal price of side:
// (other+L) / ((yes+L) + (no+L)).
func marginalPrice(p *model.Pool, side model.Outcome) decimal.Decimal {
	sideEff, otherEff := effective(p, side)
	total := sideEff.Add(otherEff)
	if total.IsZero() {
		return decimal.NewFromFloat(0.5)
	}
	return otherEff.Decimal().DivRound(total.Decimal(), PriceScale)
}

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(PriceCap) {
		return PriceCap
	}
	return p
}

// Prices are independent marginal quotes per side. YesPrice+NoPrice is not
// forced to 1: clamping can move either side on its own.
type Prices struct {
	YesPrice       decimal.Decimal `json:"yes_price"`
	NoPrice        decimal.Decimal `json:"no_price"`
	YesProbability decimal.Decimal `json:"yes_probability"` // percent
	NoProbability  decimal.Decimal `json:"no_probability"`  // percent
}

// GetPrices returns the clamped marginal prices of both sides.
func GetPrices(p *model.Pool) Prices {
	yes := clampPrice(marginalPrice(p, model.OutcomeYes))
	no := clampPrice(marginalPrice(p, model.OutcomeNo))
	return Prices{
		YesPrice:       yes,
		NoPrice:        no,
		YesProbability: yes.Mul(hundred).Round(2),
		NoProbability:  no.Mul(hundred).Round(2),
	}
}

// Price returns the clamped marginal price of side.
func Price(p *model.Pool, side model.Outcome) decimal.Decimal {
	return clampPrice(marginalPrice(p, side))
}

// priceImpact is |effective - marginal| / marginal, in percent.
func priceImpact(effectivePrice, marginal decimal.Decimal) decimal.Decimal {
	if marginal.IsZero() {
		return decimal.Zero
	}
	return effectivePrice.Sub(marginal).Abs().Div(marginal).Mul(hundred).Round(4)
}

func ratio(num, den money.Amount) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Decimal().DivRound(den.Decimal(), PriceScale)
}

func validateTrade(p *model.Pool, amount money.Amount, side model.Outcome) error {
	if p.Finalized {
		return ErrMarketFinalized.With(p.MarketID)
	}
	if !side.Valid() {
		return ErrInvalidOutcome
	}
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if !amount.InBounds() {
		return ErrInvalidAmount.With("exceeds " + money.MaxAmount.String())
	}
	return nil
}

// withReserves returns a copy of p with the given effective reserves and a
// K recomputed from them.
func withReserves(p *model.Pool, side model.Outcome, sideEff, otherEff money.Amount) *model.Pool {
	next := p.Clone()
	sideReal := sideEff.Sub(p.VirtualLiquidity)
	otherReal := otherEff.Sub(p.VirtualLiquidity)
	if side == model.OutcomeYes {
		next.YesReserves, next.NoReserves = sideReal, otherReal
	} else {
		next.YesReserves, next.NoReserves = otherReal, sideReal
	}
	next.K = sideEff.Mul(otherEff)
	return next
}
