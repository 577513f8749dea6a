package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atmx/prediction-amm/internal/errs"
	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
)

// --- Request types ---

// CreateMarketRequest is the body of POST /api/v1/markets.
type CreateMarketRequest struct {
	MarketID         string        `json:"market_id" validate:"omitempty,max=128,excludesall=/"`
	InitialLiquidity money.Amount  `json:"initial_liquidity"`
	VirtualLiquidity *money.Amount `json:"virtual_liquidity,omitempty"`
}

// BuyRequest is the body of POST /api/v1/trade/buy.
type BuyRequest struct {
	UserID    string       `json:"user_id" validate:"required,max=128"`
	MarketID  string       `json:"market_id" validate:"required,max=128"`
	Side      string       `json:"side" validate:"required"`
	Amount    money.Amount `json:"amount"`
	SessionID string       `json:"session_id,omitempty" validate:"omitempty,max=128"`
}

// SellRequest is the body of POST /api/v1/trade/sell.
type SellRequest struct {
	UserID   string       `json:"user_id" validate:"required,max=128"`
	MarketID string       `json:"market_id" validate:"required,max=128"`
	Side     string       `json:"side" validate:"required"`
	Shares   money.Amount `json:"shares"`
}

// ResolveRequest is the body of POST /api/v1/markets/{marketID}/resolve.
type ResolveRequest struct {
	WinningOutcome string          `json:"winning_outcome" validate:"required"`
	OracleSource   string          `json:"oracle_source" validate:"required"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
}

// Handler exposes a Service over HTTP.
type Handler struct {
	svc      *Service
	validate *validator.Validate
}

// NewHandler wraps svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Routes mounts the market and trade endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Route("/markets/{marketID}", func(r chi.Router) {
		r.Get("/", h.GetMarket)
		r.Get("/prices", h.GetPrices)
		r.Get("/quote", h.GetQuote)
		r.Get("/history", h.GetHistory)
		r.Get("/positions/{userID}", h.GetPosition)
		r.Post("/resolve", h.Resolve)
		r.Get("/settlement", h.GetSettlement)
		r.Get("/settlement/{userID}/proof", h.GetProof)
	})
	r.Post("/trade/buy", h.Buy)
	r.Post("/trade/sell", h.Sell)
}

// decode reads a JSON body into dst and runs its validation tags.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return ErrInvalidRequest.With("invalid request body")
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return ErrInvalidRequest.With(strings.ToLower(verrs[0].Field()) + " failed " + verrs[0].Tag())
		}
		return ErrInvalidRequest.With(err.Error())
	}
	return nil
}

func parseSide(s string) (model.Outcome, error) {
	side, ok := model.ParseOutcome(s)
	if !ok {
		return "", ErrInvalidRequest.With("side must be YES or NO")
	}
	return side, nil
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	view, err := h.svc.CreateMarket(r.Context(), CreateMarketParams{
		MarketID:         req.MarketID,
		InitialLiquidity: req.InitialLiquidity,
		VirtualLiquidity: req.VirtualLiquidity,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListMarkets handles GET /api/v1/markets
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.ListMarkets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetPrices handles GET /api/v1/markets/{marketID}/prices
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Prices)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote?side=YES&amount=N
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	side, err := parseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := money.Parse(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, ErrInvalidRequest.With("amount must be a non-negative integer"))
		return
	}
	q, err := h.svc.Quote(r.Context(), chi.URLParam(r, "marketID"), side, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetHistory handles GET /api/v1/markets/{marketID}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.History(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{userID}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.svc.Position(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// --- Trades ---

// Buy handles POST /api/v1/trade/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Buy(r.Context(), BuyParams{
		UserID:    req.UserID,
		MarketID:  req.MarketID,
		Side:      side,
		Amount:    req.Amount,
		SessionID: req.SessionID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/trade/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Sell(r.Context(), SellParams{
		UserID:   req.UserID,
		MarketID: req.MarketID,
		Side:     side,
		Shares:   req.Shares,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Settlement ---

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	outcome, err := parseSide(req.WinningOutcome)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := h.svc.Resolve(r.Context(), model.MarketResolution{
		MarketID:       chi.URLParam(r, "marketID"),
		WinningOutcome: outcome,
		OracleSource:   req.OracleSource,
		RawPayload:     req.RawPayload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetSettlement handles GET /api/v1/markets/{marketID}/settlement
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Settlement(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetProof handles GET /api/v1/markets/{marketID}/settlement/{userID}/proof
func (h *Handler) GetProof(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Proof(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Responses ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

// writeError writes a JSON error response with the status of err's kind.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	msg := err.Error()
	if kind == errs.Internal {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": errs.CodeOf(err)})
}
