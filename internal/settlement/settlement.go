// Package settlement computes payouts for resolved markets, validates pool
// solvency and produces verifiable settlement proofs.
//
// Winning shares redeem for exactly one unit of currency each; losing shares
// are worthless. A protocol fee is taken from profit only.
package settlement

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/errs"
	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
)

// DefaultFeeBps is the protocol fee on settlement profit (2%).
const DefaultFeeBps = 200

var (
	ErrMarketMismatch     = errs.New(errs.InvalidInput, "MARKET_MISMATCH", "settlement: resolution is for a different market")
	ErrAlreadyFinalized   = errs.New(errs.InvalidState, "ALREADY_FINALIZED", "settlement: market already finalized")
	ErrInvalidOutcome     = errs.New(errs.InvalidInput, "INVALID_OUTCOME", "settlement: winning outcome must be YES or NO")
	ErrResolutionRejected = errs.New(errs.InvalidInput, "RESOLUTION_REJECTED", "settlement: oracle source is not allow-listed")
	ErrSolvencyViolation  = errs.New(errs.IntegrityViolation, "SOLVENCY_VIOLATION", "settlement: winning shares exceed pool collateral")
)

// CalculateUserSettlement settles one position against the winning outcome.
// The fee is feeBps of max(0, gross - costBasis), floored, and never exceeds
// the gross payout.
func CalculateUserSettlement(pos *model.Position, winning model.Outcome, feeBps uint32, applyFee bool) model.UserSettlement {
	winningShares := pos.Shares(winning)
	losingShares := pos.Shares(winning.Opposite())
	gross := winningShares

	fee := money.Zero
	if applyFee && feeBps > 0 {
		profit := money.FromSigned(gross.Decimal().Sub(pos.TotalCostBasis))
		fee = money.Min(profit.MulDiv(money.FromUint64(uint64(feeBps)), money.FromUint64(money.BasisPoints)), gross)
	}
	net := gross.Sub(fee)

	return model.UserSettlement{
		UserID:        pos.UserID,
		MarketID:      pos.MarketID,
		WinningShares: winningShares,
		LosingShares:  losingShares,
		GrossPayout:   gross,
		ProtocolFee:   fee,
		NetPayout:     net,
		ProfitLoss:    net.Decimal().Sub(pos.TotalCostBasis),
	}
}

// CalculateMarketSettlement settles every position of the resolved market.
// Positions of other markets are ignored. Users are processed in ascending
// UserID order so the result, and any proof derived from it, is reproducible.
func CalculateMarketSettlement(positions []model.Position, res model.MarketResolution, feeBps uint32) *model.MarketSettlement {
	relevant := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		if p.MarketID == res.MarketID {
			relevant = append(relevant, p)
		}
	}
	slices.SortFunc(relevant, func(a, b model.Position) int {
		return strings.Compare(a.UserID, b.UserID)
	})

	out := &model.MarketSettlement{
		MarketID:   res.MarketID,
		Resolution: res.Clone(),
		Users:      make([]model.UserSettlement, 0, len(relevant)),
	}
	for i := range relevant {
		us := CalculateUserSettlement(&relevant[i], res.WinningOutcome, feeBps, true)
		out.Users = append(out.Users, us)
		out.TotalGross = out.TotalGross.Add(us.GrossPayout)
		out.TotalPayout = out.TotalPayout.Add(us.NetPayout)
		out.ProtocolFeeCollected = out.ProtocolFeeCollected.Add(us.ProtocolFee)
	}
	return out
}

// WinningClaims sums the winning-side shares of all positions in the pool's market.
func WinningClaims(pool *model.Pool, positions []model.Position, winning model.Outcome) money.Amount {
	total := money.Zero
	for i := range positions {
		if positions[i].MarketID == pool.MarketID {
			total = total.Add(positions[i].Shares(winning))
		}
	}
	return total
}

// ValidatePoolSolvency reports whether the pool's collateral covers every
// winning share held by users. Shares only come from the mint path, so this
// always holds; false means shares were created out of band.
func ValidatePoolSolvency(pool *model.Pool, positions []model.Position, winning model.Outcome) bool {
	return WinningClaims(pool, positions, winning).Lte(pool.TotalCollateral)
}

// VerifyOracleSource reports whether the resolution's oracle is allow-listed.
func VerifyOracleSource(res model.MarketResolution, allowed []string) bool {
	return slices.Contains(allowed, res.OracleSource)
}

// ValidateResolution checks a resolution is well formed and from an allowed oracle.
func ValidateResolution(res model.MarketResolution, allowed []string) error {
	if !res.WinningOutcome.Valid() {
		return ErrInvalidOutcome
	}
	if !VerifyOracleSource(res, allowed) {
		return ErrResolutionRejected.With(res.OracleSource)
	}
	return nil
}

// FinalizePool returns a finalized copy of pool carrying res. A pool that is
// already finalized is rejected rather than re-settled.
func FinalizePool(pool *model.Pool, res model.MarketResolution, now time.Time) (*model.Pool, error) {
	if pool.MarketID != res.MarketID {
		return nil, ErrMarketMismatch.With(pool.MarketID + " != " + res.MarketID)
	}
	if pool.Finalized {
		return nil, ErrAlreadyFinalized.With(pool.MarketID)
	}
	next := pool.Clone()
	r := res.Clone()
	next.Finalized = true
	next.Resolution = &r
	next.UpdatedAt = now
	return next, nil
}

// Conserved reports whether payouts plus fees equal gross payouts.
func Conserved(s *model.MarketSettlement) bool {
	return s.TotalPayout.Add(s.ProtocolFeeCollected).Eq(s.TotalGross)
}

// TotalProfitLoss sums user profit and loss.
func TotalProfitLoss(s *model.MarketSettlement) decimal.Decimal {
	total := decimal.Zero
	for _, u := range s.Users {
		total = total.Add(u.ProfitLoss)
	}
	return total
}
