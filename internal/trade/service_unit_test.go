package trade_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-amm/internal/amm"
	"github.com/atmx/prediction-amm/internal/collateral"
	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
	"github.com/atmx/prediction-amm/internal/relay"
	"github.com/atmx/prediction-amm/internal/settlement"
	"github.com/atmx/prediction-amm/internal/store"
	"github.com/atmx/prediction-amm/internal/trade"
)

var clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newService(st store.Store, hub *trade.WSHub) *trade.Service {
	svc := trade.NewService(st, nil, hub, trade.Options{
		DefaultInitialLiquidity: amt(1_000_000),
		DefaultVirtualLiquidity: amt(1_000_000),
		ProtocolFeeBps:          200,
		AllowedOracles:          []string{"uma"},
	})
	svc.SetClock(func() time.Time { return clock })
	return svc
}

type fakeGate struct {
	mu      sync.Mutex
	placed   map[string]model.Bet
	owners   map[string]string
	removed  []string
	resolved []string
	err      error
}

func (g *fakeGate) PlaceBet(_ context.Context, sessionID, userID string, bet model.Bet) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	if g.placed == nil {
		g.placed = map[string]model.Bet{}
		g.owners = map[string]string{}
	}
	g.placed[sessionID+"/"+bet.ID] = bet
	g.owners[sessionID+"/"+bet.ID] = userID
	return nil
}

func (g *fakeGate) ResolveMarketBets(_ context.Context, marketID string, winning model.Outcome) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolved = append(g.resolved, marketID+"/"+string(winning))
	return nil
}

func (g *fakeGate) RemoveBet(_ context.Context, sessionID, betID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, sessionID+"/"+betID)
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []relay.Message
}

func (p *fakePublisher) Publish(_ context.Context, msg relay.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

// panickingStore panics on the first trade commit and then behaves normally.
type panickingStore struct {
	*store.MemoryStore
	fired atomic.Bool
}

func (p *panickingStore) ApplyTrade(ctx context.Context, pool *model.Pool, pos *model.Position, e *model.LedgerEntry) error {
	if p.fired.CompareAndSwap(false, true) {
		panic("commit exploded")
	}
	return p.MemoryStore.ApplyTrade(ctx, pool, pos, e)
}

// failingStore fails every trade commit.
type failingStore struct {
	*store.MemoryStore
}

func (failingStore) ApplyTrade(context.Context, *model.Pool, *model.Position, *model.LedgerEntry) error {
	return errors.New("disk full")
}

func TestService_SessionFundedBuy(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	svc := newService(store.NewMemoryStore(), nil)
	_, err := svc.Buy(ctx, trade.BuyParams{UserID: "u", MarketID: "m1", Side: model.OutcomeYes, Amount: amt(1), SessionID: "s1"})
	require.ErrorIs(err, trade.ErrSessionsDisabled)

	gate := &fakeGate{}
	svc.SetBetGate(gate)
	_, err = svc.CreateMarket(ctx, trade.CreateMarketParams{MarketID: "m1"})
	require.NoError(err)

	res, err := svc.Buy(ctx, trade.BuyParams{UserID: "u", MarketID: "m1", Side: model.OutcomeNo, Amount: amt(500), SessionID: "s1"})
	require.NoError(err)
	require.Equal("s1", res.SessionID)

	bet, ok := gate.placed["s1/"+res.TradeID]
	require.True(ok, "bet id must be the trade id")
	require.Equal(model.OutcomeNo, bet.Side)
	require.Equal("500", bet.Amount.String())
	require.Equal("m1", bet.MarketID)
	require.Equal("u", gate.owners["s1/"+res.TradeID], "the trader is passed as the session owner")
}

func TestService_GateRejectionLeavesPoolUntouched(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ms := store.NewMemoryStore()
	svc := newService(ms, nil)
	svc.SetBetGate(&fakeGate{err: collateral.ErrInsufficientBalance})
	_, err := svc.CreateMarket(ctx, trade.CreateMarketParams{MarketID: "m1"})
	require.NoError(err)

	_, err = svc.Buy(ctx, trade.BuyParams{UserID: "u", MarketID: "m1", Side: model.OutcomeYes, Amount: amt(500), SessionID: "s1"})
	require.ErrorIs(err, collateral.ErrInsufficientBalance)

	pool, err := ms.GetPool(ctx, "m1")
	require.NoError(err)
	require.Equal("1000000", pool.TotalCollateral.String())
	entries, err := ms.GetLedgerEntriesByMarket(ctx, "m1")
	require.NoError(err)
	require.Empty(entries)
}

func TestService_FailedCommitRemovesBet(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ms := store.NewMemoryStore()
	seed := newService(ms, nil)
	_, err := seed.CreateMarket(ctx, trade.CreateMarketParams{MarketID: "m1"})
	require.NoError(err)

	gate := &fakeGate{}
	svc := newService(failingStore{ms}, nil)
	svc.SetBetGate(gate)

	_, err = svc.Buy(ctx, trade.BuyParams{UserID: "u", MarketID: "m1", Side: model.OutcomeYes, Amount: amt(500), SessionID: "s1"})
	require.Error(err)
	require.Len(gate.placed, 1)
	require.Len(gate.removed, 1)
	for key := range gate.placed {
		require.Equal(key, gate.removed[0])
	}
}

func TestService_ResolvePublishesProofs(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	svc := newService(store.NewMemoryStore(), nil)
	gate := &fakeGate{}
	svc.SetBetGate(gate)
	pub := &fakePublisher{}
	svc.SetProofPublisher(pub)

	_, err := svc.CreateMarket(ctx, trade.CreateMarketParams{MarketID: "m1"})
	require.NoError(err)
	_, err = svc.Buy(ctx, trade.BuyParams{UserID: "alice", MarketID: "m1", Side: model.OutcomeYes, Amount: amt(100_000), SessionID: "sess-a"})
	require.NoError(err)
	_, err = svc.Buy(ctx, trade.BuyParams{UserID: "bob", MarketID: "m1", Side: model.OutcomeNo, Amount: amt(50_000)})
	require.NoError(err)

	st, err := svc.Resolve(ctx, model.MarketResolution{MarketID: "m1", WinningOutcome: model.OutcomeYes, OracleSource: "uma"})
	require.NoError(err)
	require.True(settlement.Conserved(st))
	require.Equal(clock, st.SettledAt)
	require.Len(st.Users, 2)
	require.Equal([]string{"m1/YES"}, gate.resolved)

	require.Len(pub.msgs, 2)
	require.Equal("alice", pub.msgs[0].UserID)
	require.Equal("sess-a", pub.msgs[0].SessionID)
	require.Equal("bob", pub.msgs[1].UserID)
	require.Empty(pub.msgs[1].SessionID)
	require.NoError(settlement.VerifySettlementProof(pub.msgs[0].EncodedProof, pub.msgs[0].ProofHash))

	// The proof endpoint reproduces exactly what was relayed.
	p, err := svc.Proof(ctx, "m1", "alice")
	require.NoError(err)
	require.Equal(pub.msgs[0].ProofHash, p.ProofHash)
	require.Equal(pub.msgs[0].EncodedProof, p.EncodedProof)

	_, err = svc.Proof(ctx, "m1", "carol")
	require.ErrorIs(err, store.ErrPositionNotFound)
}

func TestService_ResolveRejections(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	svc := newService(store.NewMemoryStore(), nil)
	_, err := svc.Resolve(ctx, model.MarketResolution{MarketID: "m1", WinningOutcome: model.OutcomeYes, OracleSource: "uma"})
	require.ErrorIs(err, store.ErrMarketNotFound)

	// Existence is checked before the oracle and the outcome.
	_, err = svc.Resolve(ctx, model.MarketResolution{MarketID: "m1", WinningOutcome: "MAYBE", OracleSource: "pyth"})
	require.ErrorIs(err, store.ErrMarketNotFound)

	_, err = svc.CreateMarket(ctx, trade.CreateMarketParams{MarketID: "m1"})
	require.NoError(err)

	_, err = svc.Resolve(ctx, model.MarketResolution{MarketID: "m1", WinningOutcome: "MAYBE", OracleSource: "uma"})
	require.ErrorIs(err, settlement.ErrInvalidOutcome)

	_, err = svc.Resolve(ctx, model.MarketResolution{MarketID: "m1", WinningOutcome: model.OutcomeYes, OracleSource: "pyth"})
	require.ErrorIs(err, settlement.ErrResolutionRejected)

	_, err = svc.Resolve(ctx, model.MarketResolution{MarketID: "m1", WinningOutcome: model.OutcomeYes, OracleSource: "uma"})
	require.NoError(err)

	// A finalized market reports that before any oracle check.
	_, err = svc.Resolve(ctx, model.MarketResolution{MarketID: "m1", WinningOutcome: model.OutcomeNo, OracleSource: "pyth"})
	require.ErrorIs(err, settlement.ErrAlreadyFinalized)
}

func TestService_ConcurrentBuysSerializePerMarket(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ms := store.NewMemoryStore()
	svc := newService(ms, nil)
	for _, id := range []string{"m1", "m2"} {
		_, err := svc.CreateMarket(ctx, trade.CreateMarketParams{MarketID: id})
		require.NoError(err)
	}

	const workers = 40
	var wg sync.WaitGroup
	errc := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := model.OutcomeYes
			if i%3 == 0 {
				side = model.OutcomeNo
			}
			market := "m1"
			if i%2 == 0 {
				market = "m2"
			}
			_, err := svc.Buy(ctx, trade.BuyParams{UserID: "u", MarketID: market, Side: side, Amount: amt(1_000)})
			errc <- err
		}(i)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(err)
	}

	for _, id := range []string{"m1", "m2"} {
		pool, err := ms.GetPool(ctx, id)
		require.NoError(err)
		require.NoError(amm.CheckInvariant(pool))
		require.Equal("1020000", pool.TotalCollateral.String(), "market %s", id)

		entries, err := ms.GetLedgerEntriesByMarket(ctx, id)
		require.NoError(err)
		require.Len(entries, workers/2)
	}
}

func TestWSHub_BroadcastsTrades(t *testing.T) {
	require := require.New(t)

	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Get("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(err)
	defer conn.Close()

	svc := newService(store.NewMemoryStore(), hub)
	_, err = svc.CreateMarket(context.Background(), trade.CreateMarketParams{MarketID: "m1"})
	require.NoError(err)

	// Registration is asynchronous; keep trading until a message arrives.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make(chan trade.WSMessage, 1)
	go func() {
		var msg trade.WSMessage
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		_, err := svc.Buy(context.Background(), trade.BuyParams{UserID: "u", MarketID: "m1", Side: model.OutcomeYes, Amount: amt(10)})
		require.NoError(err)
		select {
		case msg := <-got:
			require.Equal("trade_executed", msg.Type)
			require.Equal("m1", msg.MarketID)
			require.Equal("YES", msg.Side)
			return
		case <-deadline:
			t.Fatal("no broadcast received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// buyWithin fails the test if the buy does not return within a second,
// which is how a leaked market lock shows up.
func buyWithin(t *testing.T, svc *trade.Service, p trade.BuyParams) (*trade.TradeResult, error) {
	t.Helper()
	type result struct {
		res *trade.TradeResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := svc.Buy(context.Background(), p)
		done <- result{res, err}
	}()
	select {
	case r := <-done:
		return r.res, r.err
	case <-time.After(time.Second):
		t.Fatalf("buy on %s blocked: market lock still held", p.MarketID)
		return nil, nil
	}
}

func TestService_PanicReleasesMarketLock(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ps := &panickingStore{MemoryStore: store.NewMemoryStore()}
	svc := newService(ps, nil)
	_, err := svc.CreateMarket(ctx, trade.CreateMarketParams{MarketID: "m1"})
	require.NoError(err)

	buy := trade.BuyParams{UserID: "u", MarketID: "m1", Side: model.OutcomeYes, Amount: amt(1_000)}
	require.Panics(func() { _, _ = svc.Buy(ctx, buy) })

	res, err := buyWithin(t, svc, buy)
	require.NoError(err)
	require.Equal("1001000", res.NewPoolState.NoReserves.String())

	_, err = svc.Resolve(ctx, model.MarketResolution{MarketID: "m1", WinningOutcome: model.OutcomeYes, OracleSource: "uma"})
	require.NoError(err)
}

func TestService_OversizedAmountsAreRejected(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	svc := newService(store.NewMemoryStore(), nil)
	_, err := svc.CreateMarket(ctx, trade.CreateMarketParams{MarketID: "m1"})
	require.NoError(err)

	huge := money.MaxAmount.Add(money.One)
	_, err = buyWithin(t, svc, trade.BuyParams{UserID: "u", MarketID: "m1", Side: model.OutcomeYes, Amount: huge})
	require.ErrorIs(err, amm.ErrInvalidAmount)

	_, err = svc.Sell(ctx, trade.SellParams{UserID: "u", MarketID: "m1", Side: model.OutcomeYes, Shares: huge})
	require.ErrorIs(err, amm.ErrInvalidAmount)

	_, err = svc.Quote(ctx, "m1", model.OutcomeYes, huge)
	require.ErrorIs(err, amm.ErrInvalidAmount)

	_, err = buyWithin(t, svc, trade.BuyParams{UserID: "u", MarketID: "m1", Side: model.OutcomeYes, Amount: amt(1_000)})
	require.NoError(err)
}
