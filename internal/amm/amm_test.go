package amm

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
)

// a is a test helper for creating amounts.
func a(u uint64) money.Amount {
	return money.FromUint64(u)
}

func newTestPool(t *testing.T, initial, virtual uint64) *model.Pool {
	t.Helper()
	p, err := NewPool("m1", a(initial), a(virtual), time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	return p
}

// --- Pool construction ---

func TestNewPool(t *testing.T) {
	require := require.New(t)

	p := newTestPool(t, 1_000_000, 1_000_000)
	require.Equal("1000000", p.YesReserves.String())
	require.Equal("1000000", p.NoReserves.String())
	require.Equal("4000000000000", p.K.String())
	require.Equal("1000000", p.TotalCollateral.String())
	require.NoError(CheckInvariant(p))
}

func TestNewPool_Invalid(t *testing.T) {
	_, err := NewPool("", a(1), a(1), time.Now())
	require.ErrorIs(t, err, ErrInvalidMarket)

	_, err = NewPool("m1", money.Zero, a(1), time.Now())
	require.ErrorIs(t, err, ErrInvalidAmount)
}

// --- Prices ---

func TestGetPrices_InitiallyFiftyFifty(t *testing.T) {
	p := newTestPool(t, 1_000_000, 1_000_000)
	prices := GetPrices(p)
	require.True(t, prices.YesPrice.Equal(decimal.NewFromFloat(0.5)), prices.YesPrice.String())
	require.True(t, prices.NoPrice.Equal(decimal.NewFromFloat(0.5)))
	require.True(t, prices.YesProbability.Equal(decimal.NewFromInt(50)))
}

func TestGetPrices_Clamped(t *testing.T) {
	// Skewed reserves with no virtual liquidity drive the raw price below 1%.
	p := &model.Pool{MarketID: "m1", YesReserves: a(1_000_000), NoReserves: a(1), K: a(1_000_000)}
	prices := GetPrices(p)
	require.True(t, prices.YesPrice.Equal(MinPrice), prices.YesPrice.String())
	require.True(t, prices.NoPrice.Equal(PriceCap), prices.NoPrice.String())
}

func TestPrice_BuyingYesIncreasesYesPrice(t *testing.T) {
	p := newTestPool(t, 1_000_000, 1_000_000)
	res, err := MintAndSwap(p, a(100_000), model.OutcomeYes)
	require.NoError(t, err)
	require.True(t, Price(res.NewPool, model.OutcomeYes).GreaterThan(Price(p, model.OutcomeYes)))
	require.True(t, Price(res.NewPool, model.OutcomeNo).LessThan(Price(p, model.OutcomeNo)))
	require.True(t, res.NewProbability.Equal(Price(res.NewPool, model.OutcomeYes)))
}

// --- Mint and swap ---

func TestMintAndSwap_EarlyBuyerScenario(t *testing.T) {
	require := require.New(t)

	p := newTestPool(t, 1_000_000, 1_000_000)
	res, err := MintAndSwap(p, a(100_000), model.OutcomeYes)
	require.NoError(err)

	// k = 4e12; noEff' = 2.1e6; yesEff' = ceil(4e12 / 2.1e6) = 1_904_762.
	require.Equal("100000", res.MintedShares.String())
	require.Equal("95238", res.SwappedShares.String())
	require.Equal("195238", res.TotalShares.String())
	require.True(res.TotalShares.Gt(a(100_000)))
	require.True(res.EffectivePrice.LessThan(decimal.NewFromInt(1)))
	require.True(res.PriceImpact.IsPositive())

	np := res.NewPool
	require.Equal("904762", np.YesReserves.String())
	require.Equal("1100000", np.NoReserves.String())
	require.Equal("1100000", np.TotalCollateral.String())
	require.NoError(CheckInvariant(np))
	require.True(np.K.Gte(p.K))

	// Input pool untouched.
	require.Equal("1000000", p.YesReserves.String())
	require.Equal("1000000", p.TotalCollateral.String())
}

func TestMintAndSwap_NoIsSymmetric(t *testing.T) {
	p := newTestPool(t, 1_000_000, 1_000_000)
	yes, err := MintAndSwap(p, a(250_000), model.OutcomeYes)
	require.NoError(t, err)
	no, err := MintAndSwap(p, a(250_000), model.OutcomeNo)
	require.NoError(t, err)

	require.True(t, yes.TotalShares.Eq(no.TotalShares))
	require.True(t, yes.NewPool.YesReserves.Eq(no.NewPool.NoReserves))
	require.True(t, yes.NewPool.NoReserves.Eq(no.NewPool.YesReserves))
}

func TestMintAndSwap_Rejections(t *testing.T) {
	p := newTestPool(t, 1_000_000, 1_000_000)

	_, err := MintAndSwap(p, money.Zero, model.OutcomeYes)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = MintAndSwap(p, a(10), model.Outcome("MAYBE"))
	require.ErrorIs(t, err, ErrInvalidOutcome)

	finalized := p.Clone()
	finalized.Finalized = true
	_, err = MintAndSwap(finalized, a(10), model.OutcomeYes)
	require.ErrorIs(t, err, ErrMarketFinalized)

	huge := money.MaxAmount.Add(money.One)
	require.NotPanics(t, func() {
		_, err = MintAndSwap(p, huge, model.OutcomeYes)
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Sell(p, model.NewPosition("m1", "u", time.Now()), huge, model.OutcomeYes)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = NewPool("m2", huge, a(1), time.Now())
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMintAndSwap_VirtualLiquidityCannotBePaidOut(t *testing.T) {
	// Tiny real reserves behind a large virtual offset: a big buy would need
	// to release more YES than the pool really holds.
	p := newTestPool(t, 10, 1_000_000)
	_, err := MintAndSwap(p, a(10_000_000), model.OutcomeYes)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestQuoteBuy_MatchesExecution(t *testing.T) {
	p := newTestPool(t, 1_000_000, 1_000_000)
	q, err := QuoteBuy(p, a(100_000), model.OutcomeNo)
	require.NoError(t, err)
	res, err := MintAndSwap(p, a(100_000), model.OutcomeNo)
	require.NoError(t, err)

	require.True(t, q.ExpectedShares.Eq(res.TotalShares))
	require.True(t, q.EffectivePrice.Equal(res.EffectivePrice))
	require.True(t, q.PriceImpact.Equal(res.PriceImpact))
}

// --- Sell ---

func TestSell_RoundTripNeverProfits(t *testing.T) {
	require := require.New(t)

	p := newTestPool(t, 1_000_000, 1_000_000)
	buy, err := MintAndSwap(p, a(100_000), model.OutcomeYes)
	require.NoError(err)

	pos := ApplyBuy(model.NewPosition("m1", "alice", time.Now()), model.OutcomeYes, a(100_000), buy.TotalShares, time.Now())
	sell, err := Sell(buy.NewPool, pos, buy.TotalShares, model.OutcomeYes)
	require.NoError(err)

	require.Equal("99999", sell.UsdcOut.String())
	require.True(sell.UsdcOut.Lte(a(100_000)))
	require.True(sell.NewPosition.YesShares.IsZero())
	require.True(sell.NewPosition.TotalCostBasis.Equal(decimal.NewFromInt(1)))
	require.Equal("1000001", sell.NewPool.TotalCollateral.String())
	require.NoError(CheckInvariant(sell.NewPool))
	require.True(sell.NewPool.K.Gte(buy.NewPool.K))
}

func TestSell_Rejections(t *testing.T) {
	p := newTestPool(t, 1_000_000, 1_000_000)
	pos := model.NewPosition("m1", "alice", time.Now())
	pos.YesShares = a(500)

	_, err := Sell(p, pos, a(501), model.OutcomeYes)
	require.ErrorIs(t, err, ErrInsufficientPosition)

	_, err = Sell(p, nil, a(1), model.OutcomeYes)
	require.ErrorIs(t, err, ErrInsufficientPosition)

	_, err = Sell(p, pos, a(1), model.OutcomeNo)
	require.ErrorIs(t, err, ErrInsufficientPosition)

	_, err = Sell(p, pos, money.Zero, model.OutcomeYes)
	require.ErrorIs(t, err, ErrInvalidAmount)

	finalized := p.Clone()
	finalized.Finalized = true
	_, err = Sell(finalized, pos, a(10), model.OutcomeYes)
	require.ErrorIs(t, err, ErrMarketFinalized)
}

func TestCheckInvariant_DetectsTampering(t *testing.T) {
	p := newTestPool(t, 1_000_000, 1_000_000)
	p.YesReserves = p.YesReserves.Add(a(1))
	require.ErrorIs(t, CheckInvariant(p), ErrInvariantViolation)
}

func TestApplyBuyAndSell(t *testing.T) {
	require := require.New(t)

	pos := model.NewPosition("m1", "bob", time.Now())
	pos = ApplyBuy(pos, model.OutcomeNo, a(300), a(550), time.Now())
	require.Equal("550", pos.NoShares.String())
	require.True(pos.TotalCostBasis.Equal(decimal.NewFromInt(300)))

	pos = ApplySell(pos, model.OutcomeNo, a(550), a(400), time.Now())
	require.True(pos.NoShares.IsZero())
	require.True(pos.TotalCostBasis.Equal(decimal.NewFromInt(-100)))
}
