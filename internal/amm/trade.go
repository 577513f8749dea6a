package amm

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
)

// Quote is what MintAndSwap would yield, computed without moving state.
type Quote struct {
	ExpectedShares money.Amount    `json:"expected_shares"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
	PriceImpact    decimal.Decimal `json:"price_impact"` // percent
}

// BuyResult is the outcome of a mint-and-swap buy.
type BuyResult struct {
	MintedShares   money.Amount    `json:"minted_shares"`
	SwappedShares  money.Amount    `json:"swapped_shares"`
	TotalShares    money.Amount    `json:"total_shares"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
	PriceImpact    decimal.Decimal `json:"price_impact"`
	NewProbability decimal.Decimal `json:"new_probability"`
	NewPool        *model.Pool     `json:"-"`
}

// SellResult is the outcome of selling shares back into the pool.
type SellResult struct {
	UsdcOut        money.Amount    `json:"usdc_out"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
	PriceImpact    decimal.Decimal `json:"price_impact"`
	NewPool        *model.Pool     `json:"-"`
	NewPosition    *model.Position `json:"-"`
}

// QuoteBuy returns the shares, effective price and price impact of buying
// side with amountIn of collateral. The pool is not modified.
func QuoteBuy(p *model.Pool, amountIn money.Amount, side model.Outcome) (Quote, error) {
	res, err := MintAndSwap(p, amountIn, side)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		ExpectedShares: res.TotalShares,
		EffectivePrice: res.EffectivePrice,
		PriceImpact:    res.PriceImpact,
	}, nil
}

// MintAndSwap executes a buy of side for amountIn of collateral.
//
// For side=YES: amountIn mints amountIn YES + amountIn NO. The NO shares are
// sold into the pool, so noEff grows by amountIn and yesEff shrinks to
// ceil(k / noEff'). The trader receives the minted YES plus the YES released
// by the swap. Rounding the retained reserve up rounds the trader's output
// down. NO is symmetric.
func MintAndSwap(p *model.Pool, amountIn money.Amount, side model.Outcome) (*BuyResult, error) {
	if err := validateTrade(p, amountIn, side); err != nil {
		return nil, err
	}

	sideEff, otherEff := effective(p, side)
	otherAfter := otherEff.Add(amountIn)
	sideAfter := p.K.DivCeil(otherAfter)

	// The swap can only pay out of real reserves.
	if sideAfter.Lt(p.VirtualLiquidity) || sideAfter.Gt(sideEff) {
		return nil, ErrInsufficientLiquidity
	}

	swapped := sideEff.Sub(sideAfter)
	total := amountIn.Add(swapped)

	next := withReserves(p, side, sideAfter, otherAfter)
	next.TotalCollateral = p.TotalCollateral.Add(amountIn)

	effPrice := ratio(amountIn, total)
	return &BuyResult{
		MintedShares:   amountIn,
		SwappedShares:  swapped,
		TotalShares:    total,
		EffectivePrice: effPrice,
		PriceImpact:    priceImpact(effPrice, marginalPrice(p, side)),
		NewProbability: Price(next, side),
		NewPool:        next,
	}, nil
}

// Sell swaps shares of side back into the pool and burns matched YES/NO
// pairs against collateral.
//
// The trader sends s shares of side; the pool returns c shares of the other
// side such that the trader is left holding c of each, which are redeemed for
// c of collateral. c is the smaller root of (sideEff+s-c)(otherEff-c) = k,
// computed with a rounded-up square root and then stepped down until the
// invariant holds, so c never exceeds the exact value.
func Sell(p *model.Pool, pos *model.Position, shares money.Amount, side model.Outcome) (*SellResult, error) {
	if err := validateTrade(p, shares, side); err != nil {
		return nil, err
	}
	if pos == nil || pos.Shares(side).Lt(shares) {
		return nil, ErrInsufficientPosition
	}

	sideEff, otherEff := effective(p, side)
	a := sideEff.Add(shares)
	b := otherEff
	k := p.K

	sum := a.Add(b)
	// a*b >= k because a > sideEff and sideEff*otherEff == k.
	disc := sum.Mul(sum).Sub(a.Mul(b).Sub(k).MulUint64(4))
	c := sum.Sub(disc.SqrtCeil()).Div(two)
	for !c.IsZero() && (c.Gt(b) || c.Gt(a) || a.Sub(c).Mul(b.Sub(c)).Lt(k)) {
		c = c.Sub(money.One)
	}
	if c.IsZero() {
		return nil, ErrInvalidAmount.With("proceeds round to zero")
	}

	otherAfter := b.Sub(c)
	if otherAfter.Lt(p.VirtualLiquidity) {
		return nil, ErrInsufficientLiquidity
	}
	if p.TotalCollateral.Lt(c) {
		return nil, ErrInvariantViolation.With("redemption exceeds total collateral")
	}

	next := withReserves(p, side, a.Sub(c), otherAfter)
	next.TotalCollateral = p.TotalCollateral.Sub(c)

	effPrice := ratio(c, shares)
	return &SellResult{
		UsdcOut:        c,
		EffectivePrice: effPrice,
		PriceImpact:    priceImpact(effPrice, marginalPrice(p, side)),
		NewPool:        next,
		NewPosition:    ApplySell(pos, side, shares, c, time.Time{}),
	}, nil
}

// ApplyBuy returns a copy of pos credited with shares of side bought for
// amountIn. A nil pos is not allowed; callers create one with model.NewPosition.
func ApplyBuy(pos *model.Position, side model.Outcome, amountIn, shares money.Amount, now time.Time) *model.Position {
	next := *pos
	if side == model.OutcomeYes {
		next.YesShares = pos.YesShares.Add(shares)
	} else {
		next.NoShares = pos.NoShares.Add(shares)
	}
	next.TotalCostBasis = pos.TotalCostBasis.Add(amountIn.Decimal())
	if !now.IsZero() {
		next.UpdatedAt = now
	}
	return &next
}

// ApplySell returns a copy of pos debited shares of side for usdcOut.
func ApplySell(pos *model.Position, side model.Outcome, shares, usdcOut money.Amount, now time.Time) *model.Position {
	next := *pos
	if side == model.OutcomeYes {
		next.YesShares = pos.YesShares.Sub(shares)
	} else {
		next.NoShares = pos.NoShares.Sub(shares)
	}
	next.TotalCostBasis = pos.TotalCostBasis.Sub(usdcOut.Decimal())
	if !now.IsZero() {
		next.UpdatedAt = now
	}
	return &next
}
