package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
	"github.com/atmx/prediction-amm/internal/risk"
	"github.com/atmx/prediction-amm/internal/store"
	"github.com/atmx/prediction-amm/internal/trade"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func amt(u uint64) money.Amount {
	return money.FromUint64(u)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	limiter := risk.NewLimiter(d(1_000_000), d(5_000_000), risk.DefaultSeparator)
	svc := trade.NewService(ms, limiter, nil, trade.Options{
		DefaultInitialLiquidity: amt(1_000_000),
		DefaultVirtualLiquidity: amt(1_000_000),
		ProtocolFeeBps:          200,
		AllowedOracles:          []string{"uma", "chainlink"},
	})

	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewHandler(svc).Routes)
	return svc, ms, r
}

// seedMarket creates a test market through the service.
func seedMarket(t *testing.T, svc *trade.Service, marketID string) {
	t.Helper()
	if _, err := svc.CreateMarket(context.Background(), trade.CreateMarketParams{MarketID: marketID}); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body.String())
	}
	return resp["code"]
}

// --- Market tests ---

func TestCreateMarket(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/markets", map[string]any{
		"market_id":         "election:pa",
		"initial_liquidity": "2000000",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var view trade.MarketView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.MarketID != "election:pa" {
		t.Errorf("market_id = %q", view.MarketID)
	}
	if view.YesReserves.String() != "2000000" || view.NoReserves.String() != "2000000" {
		t.Errorf("reserves = %s/%s, want 2000000 each", view.YesReserves, view.NoReserves)
	}
	if !view.Prices.YesPrice.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("yes price = %s, want 0.5", view.Prices.YesPrice)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets", map[string]any{"market_id": "election:pa"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate market: expected 409, got %d", w.Code)
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/markets/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "MARKET_NOT_FOUND" {
		t.Errorf("code = %q, want MARKET_NOT_FOUND", code)
	}
}

func TestListMarkets(t *testing.T) {
	svc, _, router := newTestEnv(t)
	seedMarket(t, svc, "m1")
	seedMarket(t, svc, "m2")

	w := doJSON(t, router, "GET", "/api/v1/markets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []trade.MarketView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 2 {
		t.Errorf("expected 2 markets, got %d", len(views))
	}
}

func TestGetQuote_MatchesBuy(t *testing.T) {
	svc, _, router := newTestEnv(t)
	seedMarket(t, svc, "m1")

	w := doJSON(t, router, "GET", "/api/v1/markets/m1/quote?side=yes&amount=100000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var q struct {
		ExpectedShares money.Amount `json:"expected_shares"`
	}
	json.Unmarshal(w.Body.Bytes(), &q)
	if q.ExpectedShares.String() != "195238" {
		t.Errorf("expected_shares = %s, want 195238", q.ExpectedShares)
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1/quote?side=MAYBE&amount=1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad side: expected 400, got %d", w.Code)
	}
}

// --- Trade execution tests ---

func TestBuy_EarlyBuyerScenario(t *testing.T) {
	svc, _, router := newTestEnv(t)
	seedMarket(t, svc, "m1")

	w := doJSON(t, router, "POST", "/api/v1/trade/buy", trade.BuyRequest{
		UserID:   "alice",
		MarketID: "m1",
		Side:     "YES",
		Amount:   amt(100_000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.TradeResult
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.TradeID == "" {
		t.Error("expected non-empty trade_id")
	}
	if resp.TotalShares.String() != "195238" {
		t.Errorf("total shares = %s, want 195238", resp.TotalShares)
	}
	if resp.NewPoolState.YesReserves.String() != "904762" || resp.NewPoolState.NoReserves.String() != "1100000" {
		t.Errorf("reserves = %s/%s, want 904762/1100000",
			resp.NewPoolState.YesReserves, resp.NewPoolState.NoReserves)
	}
	if !resp.Prices.YesPrice.GreaterThan(decimal.RequireFromString("0.5")) {
		t.Errorf("yes price should rise above 0.5, got %s", resp.Prices.YesPrice)
	}
	if resp.Position.YesShares.String() != "195238" || !resp.Position.CostBasis.Equal(d(100_000)) {
		t.Errorf("position = %+v", resp.Position)
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1", nil)
	var view trade.MarketView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.TotalCollateral.String() != "1100000" {
		t.Errorf("total collateral = %s, want 1100000", view.TotalCollateral)
	}
}

func TestBuy_Validation(t *testing.T) {
	svc, _, router := newTestEnv(t)
	seedMarket(t, svc, "m1")

	tests := []struct {
		name string
		req  trade.BuyRequest
		code string
	}{
		{"missing user", trade.BuyRequest{MarketID: "m1", Side: "YES", Amount: amt(1)}, "INVALID_REQUEST"},
		{"bad side", trade.BuyRequest{UserID: "u", MarketID: "m1", Side: "MAYBE", Amount: amt(1)}, "INVALID_REQUEST"},
		{"zero amount", trade.BuyRequest{UserID: "u", MarketID: "m1", Side: "YES"}, "INVALID_AMOUNT"},
		{"amount above bound", trade.BuyRequest{UserID: "u", MarketID: "m1", Side: "YES", Amount: money.MaxAmount.Add(money.One)}, "INVALID_AMOUNT"},
		{"amount near 2^256", trade.BuyRequest{UserID: "u", MarketID: "m1", Side: "YES",
			Amount: money.MustParse("115792089237316195423570985008687907853269984665640564039457584007913129639935")}, "INVALID_AMOUNT"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/trade/buy", tc.req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if code := errorCode(t, w); code != tc.code {
				t.Errorf("code = %q, want %q", code, tc.code)
			}
		})
	}
}

func TestQuote_AmountAboveBound(t *testing.T) {
	svc, _, router := newTestEnv(t)
	seedMarket(t, svc, "m1")

	w := doJSON(t, router, "GET", "/api/v1/markets/m1/quote?side=YES&amount="+money.MaxAmount.Add(money.One).String(), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "INVALID_AMOUNT" {
		t.Errorf("code = %q, want INVALID_AMOUNT", code)
	}
}

func TestBuy_UnknownMarket(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/trade/buy", trade.BuyRequest{
		UserID: "alice", MarketID: "ghost", Side: "NO", Amount: amt(10),
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSell_RoundTrip(t *testing.T) {
	svc, _, router := newTestEnv(t)
	seedMarket(t, svc, "m1")

	doJSON(t, router, "POST", "/api/v1/trade/buy", trade.BuyRequest{
		UserID: "alice", MarketID: "m1", Side: "YES", Amount: amt(100_000),
	})

	w := doJSON(t, router, "POST", "/api/v1/trade/sell", trade.SellRequest{
		UserID: "alice", MarketID: "m1", Side: "YES", Shares: amt(195_238),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.TradeResult
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Amount.String() != "99999" {
		t.Errorf("sell proceeds = %s, want 99999", resp.Amount)
	}
	if !resp.Position.YesShares.IsZero() {
		t.Errorf("position should be flat, got %s YES", resp.Position.YesShares)
	}
}

func TestSell_InsufficientPosition(t *testing.T) {
	svc, _, router := newTestEnv(t)
	seedMarket(t, svc, "m1")

	w := doJSON(t, router, "POST", "/api/v1/trade/sell", trade.SellRequest{
		UserID: "bob", MarketID: "m1", Side: "NO", Shares: amt(10),
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBuy_ExposureLimit(t *testing.T) {
	svc, _, router := newTestEnv(t)
	seedMarket(t, svc, "m1")

	w := doJSON(t, router, "POST", "/api/v1/trade/buy", trade.BuyRequest{
		UserID: "whale", MarketID: "m1", Side: "YES", Amount: amt(1_000_001),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "EXPOSURE_LIMIT" {
		t.Errorf("code = %q, want EXPOSURE_LIMIT", code)
	}
}

func TestBuy_CorrelatedExposureLimit(t *testing.T) {
	svc, _, router := newTestEnv(t)
	for _, id := range []string{"e:a", "e:b", "e:c", "e:d", "e:e", "e:f"} {
		seedMarket(t, svc, id)
	}

	for _, id := range []string{"e:a", "e:b", "e:c", "e:d", "e:e"} {
		w := doJSON(t, router, "POST", "/api/v1/trade/buy", trade.BuyRequest{
			UserID: "u", MarketID: id, Side: "YES", Amount: amt(1_000_000),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("buy %s: expected 200, got %d: %s", id, w.Code, w.Body.String())
		}
	}

	w := doJSON(t, router, "POST", "/api/v1/trade/buy", trade.BuyRequest{
		UserID: "u", MarketID: "e:f", Side: "YES", Amount: amt(1),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected correlated limit 409, got %d: %s", w.Code, w.Body.String())
	}
}

// --- History and positions ---

func TestHistoryAndPosition(t *testing.T) {
	svc, _, router := newTestEnv(t)
	seedMarket(t, svc, "m1")

	for _, side := range []string{"YES", "NO", "YES"} {
		doJSON(t, router, "POST", "/api/v1/trade/buy", trade.BuyRequest{
			UserID: "alice", MarketID: "m1", Side: side, Amount: amt(1_000),
		})
	}

	w := doJSON(t, router, "GET", "/api/v1/markets/m1/history", nil)
	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(entries))
	}
	if entries[1].Side != model.OutcomeNo {
		t.Errorf("entries out of order: %+v", entries)
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1/positions/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var pos model.Position
	json.Unmarshal(w.Body.Bytes(), &pos)
	if !pos.TotalCostBasis.Equal(d(3_000)) {
		t.Errorf("cost basis = %s, want 3000", pos.TotalCostBasis)
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1/positions/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown position, got %d", w.Code)
	}
}

// --- Resolution ---

func TestResolveAndSettlement(t *testing.T) {
	svc, _, router := newTestEnv(t)
	seedMarket(t, svc, "m1")

	doJSON(t, router, "POST", "/api/v1/trade/buy", trade.BuyRequest{
		UserID: "alice", MarketID: "m1", Side: "YES", Amount: amt(100_000),
	})

	w := doJSON(t, router, "POST", "/api/v1/markets/m1/resolve", trade.ResolveRequest{
		WinningOutcome: "YES", OracleSource: "unknown-oracle",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unlisted oracle: expected 400, got %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1/settlement", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unsettled market: expected 404, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/m1/resolve", trade.ResolveRequest{
		WinningOutcome: "YES", OracleSource: "uma",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var st model.MarketSettlement
	json.Unmarshal(w.Body.Bytes(), &st)
	if len(st.Users) != 1 {
		t.Fatalf("expected 1 user settlement, got %d", len(st.Users))
	}
	alice := st.Users[0]
	// fee = floor((195238 - 100000) * 200 / 10000)
	if alice.GrossPayout.String() != "195238" || alice.ProtocolFee.String() != "1904" || alice.NetPayout.String() != "193334" {
		t.Errorf("alice settlement = %+v", alice)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/m1/resolve", trade.ResolveRequest{
		WinningOutcome: "NO", OracleSource: "uma",
	})
	if w.Code != http.StatusConflict || errorCode(t, w) != "ALREADY_FINALIZED" {
		t.Errorf("second resolve: expected 409 ALREADY_FINALIZED, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/trade/buy", trade.BuyRequest{
		UserID: "bob", MarketID: "m1", Side: "NO", Amount: amt(10),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("trade after finalize: expected 409, got %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1/settlement/alice/proof", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("proof: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var proof map[string]string
	json.Unmarshal(w.Body.Bytes(), &proof)
	if proof["pnl"] != "93334" {
		t.Errorf("proof pnl = %q, want 93334", proof["pnl"])
	}
	if len(proof["proof_hash"]) != 66 {
		t.Errorf("proof hash = %q", proof["proof_hash"])
	}
}
