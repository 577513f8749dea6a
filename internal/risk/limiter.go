// Package risk implements per-user exposure limits that account for
// correlation between related markets.
//
// Markets are correlated when their ids share a group prefix, e.g.
// "us-election-2028:pa" and "us-election-2028:ga" both belong to
// "us-election-2028" with the default ":" separator. A user buying YES on
// every state of one election carries one correlated bet, not many
// independent ones.
package risk

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/errs"
)

var (
	// ErrMarketLimitExceeded is returned when a trade would push a single
	// market's exposure beyond the per-market maximum.
	ErrMarketLimitExceeded = errs.New(errs.InvalidState, "EXPOSURE_LIMIT", "risk: per-market exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across one market group beyond the correlated maximum.
	ErrCorrelatedLimitExceeded = errs.New(errs.InvalidState, "EXPOSURE_LIMIT", "risk: correlated exposure limit exceeded")
)

// DefaultSeparator splits a market id into its group and leaf.
const DefaultSeparator = ":"

// Limiter enforces exposure limits with correlation awareness. Exposure is
// the user's cost basis in a market, so buys add to it and sells reduce it.
// A zero limit disables that check.
type Limiter struct {
	// MaxPerMarket is the maximum absolute exposure in any single market.
	MaxPerMarket decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// markets in the same group.
	MaxCorrelated decimal.Decimal

	// Separator marks the end of the group prefix in a market id. Markets
	// without it form a group of their own.
	Separator string
}

// NewLimiter creates a limiter with the given per-market and correlated
// exposure limits.
func NewLimiter(maxPerMarket, maxCorrelated decimal.Decimal, separator string) *Limiter {
	if separator == "" {
		separator = DefaultSeparator
	}
	return &Limiter{
		MaxPerMarket:  maxPerMarket,
		MaxCorrelated: maxCorrelated,
		Separator:     separator,
	}
}

// CheckLimit validates a trade against the limits.
//
// exposures maps market id to the user's current exposure; a nil map is
// treated as empty.
func (l *Limiter) CheckLimit(marketID string, delta decimal.Decimal, exposures map[string]decimal.Decimal) error {
	next := exposures[marketID].Add(delta)

	if l.MaxPerMarket.IsPositive() && next.Abs().GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded.With(marketID)
	}
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}

	group := l.Group(marketID)
	total := next.Abs()
	for id, exposure := range exposures {
		if id != marketID && l.Group(id) == group {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded.With(group)
	}
	return nil
}

// Group returns the correlation group of a market id.
func (l *Limiter) Group(marketID string) string {
	if i := strings.Index(marketID, l.Separator); i > 0 {
		return marketID[:i]
	}
	return marketID
}
