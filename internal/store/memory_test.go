package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)

func testPool(id string) *model.Pool {
	return &model.Pool{
		MarketID:        id,
		YesReserves:     money.FromUint64(1_000),
		NoReserves:      money.FromUint64(1_000),
		K:               money.FromUint64(1_000_000),
		TotalCollateral: money.FromUint64(1_000),
		CreatedAt:       time.Unix(1700000000, 0).UTC(),
	}
}

func TestMemoryStore_Pools(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreatePool(ctx, testPool("m1")))
	require.ErrorIs(t, s.CreatePool(ctx, testPool("m1")), ErrMarketExists)

	_, err := s.GetPool(ctx, "missing")
	require.ErrorIs(t, err, ErrMarketNotFound)

	p, err := s.GetPool(ctx, "m1")
	require.NoError(t, err)
	p.YesReserves = money.Zero

	again, err := s.GetPool(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "1000", again.YesReserves.String(), "stored pool must not alias returned copy")
}

func TestMemoryStore_ApplyTrade(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(s.CreatePool(ctx, testPool("m1")))

	next := testPool("m1")
	next.YesReserves = money.FromUint64(900)
	pos := model.NewPosition("m1", "alice", time.Now())
	pos.YesShares = money.FromUint64(150)
	pos.TotalCostBasis = decimal.NewFromInt(100)
	entry := &model.LedgerEntry{ID: "t1", UserID: "alice", MarketID: "m1", Side: model.OutcomeYes, Kind: model.TradeBuy}

	require.NoError(s.ApplyTrade(ctx, next, pos, entry))

	p, _ := s.GetPool(ctx, "m1")
	require.Equal("900", p.YesReserves.String())

	got, err := s.GetPosition(ctx, "m1", "alice")
	require.NoError(err)
	require.Equal("150", got.YesShares.String())

	_, err = s.GetPosition(ctx, "m1", "bob")
	require.ErrorIs(err, ErrPositionNotFound)

	entries, _ := s.GetLedgerEntriesByMarket(ctx, "m1")
	require.Len(entries, 1)
	entries, _ = s.GetLedgerEntriesByUser(ctx, "bob")
	require.Empty(entries)

	exposures, err := s.GetUserExposures(ctx, "alice")
	require.NoError(err)
	require.True(exposures["m1"].Equal(decimal.NewFromInt(100)))

	require.ErrorIs(s.ApplyTrade(ctx, testPool("nope"), pos, entry), ErrMarketNotFound)
}

func TestMemoryStore_PositionsOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreatePool(ctx, testPool("m1")))
	require.NoError(t, s.CreatePool(ctx, testPool("m2")))

	for _, k := range []struct{ market, user string }{{"m2", "bob"}, {"m1", "zed"}, {"m1", "bob"}} {
		pos := model.NewPosition(k.market, k.user, time.Now())
		require.NoError(t, s.ApplyTrade(ctx, testPool(k.market), pos, &model.LedgerEntry{ID: k.market + k.user}))
	}

	byMarket, _ := s.ListPositionsByMarket(ctx, "m1")
	require.Len(t, byMarket, 2)
	require.Equal(t, "bob", byMarket[0].UserID)
	require.Equal(t, "zed", byMarket[1].UserID)

	byUser, _ := s.ListPositionsByUser(ctx, "bob")
	require.Len(t, byUser, 2)
	require.Equal(t, "m1", byUser[0].MarketID)
}

func TestMemoryStore_Settlement(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreatePool(ctx, testPool("m1")))

	_, err := s.GetSettlement(ctx, "m1")
	require.ErrorIs(t, err, ErrSettlementNotFound)

	final := testPool("m1")
	final.Finalized = true
	st := &model.MarketSettlement{MarketID: "m1", Users: []model.UserSettlement{{UserID: "alice"}}}
	require.NoError(t, s.FinalizeMarket(ctx, final, st))

	got, err := s.GetSettlement(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got.Users, 1)
	got.Users[0].UserID = "mallory"

	again, _ := s.GetSettlement(ctx, "m1")
	require.Equal(t, "alice", again.Users[0].UserID)

	p, _ := s.GetPool(ctx, "m1")
	require.True(t, p.Finalized)
}

func TestMemoryStore_Sessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	acct := &model.CollateralAccount{SessionID: "s1", User: "alice", Status: model.SessionPending}

	require.ErrorIs(t, s.SaveSession(ctx, acct), ErrSessionNotFound)
	require.NoError(t, s.CreateSession(ctx, acct))
	require.ErrorIs(t, s.CreateSession(ctx, acct), ErrSessionExists)

	acct.Status = model.SessionActive
	require.NoError(t, s.SaveSession(ctx, acct))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionActive, got.Status)

	_, err = s.GetSession(ctx, "s2")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStore_ListSessionsWithOpenBets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	won := true
	for _, acct := range []*model.CollateralAccount{
		{SessionID: "b", Status: model.SessionActive, Bets: []model.Bet{{ID: "1", MarketID: "m1"}}},
		{SessionID: "a", Status: model.SessionClosing, Bets: []model.Bet{{ID: "2", MarketID: "m2"}, {ID: "3", MarketID: "m1"}}},
		{SessionID: "c", Status: model.SessionActive, Bets: []model.Bet{{ID: "4", MarketID: "m1", Resolved: true, Won: &won}}},
		{SessionID: "d", Status: model.SessionClosed, Bets: []model.Bet{{ID: "5", MarketID: "m1"}}},
	} {
		require.NoError(t, s.CreateSession(ctx, acct))
	}

	ids, err := s.ListSessionsWithOpenBets(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	ids, err = s.ListSessionsWithOpenBets(ctx, "m3")
	require.NoError(t, err)
	require.Empty(t, ids)
}
