package session

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atmx/prediction-amm/internal/collateral"
	"github.com/atmx/prediction-amm/internal/errs"
	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
)

var ErrInvalidRequest = errs.New(errs.InvalidInput, "INVALID_REQUEST", "session: invalid request")

// OpenRequest is the body of POST /api/v1/sessions.
type OpenRequest struct {
	SessionID    string       `json:"session_id" validate:"omitempty,max=128"`
	User         string       `json:"user" validate:"required,max=128"`
	Collateral   money.Amount `json:"collateral"`
	YieldRateBps uint32       `json:"yield_rate_bps" validate:"lte=100000"`
}

// BetRequest is the body of POST /api/v1/sessions/{sessionID}/bets.
type BetRequest struct {
	User     string       `json:"user,omitempty" validate:"omitempty,max=128"`
	BetID    string       `json:"bet_id" validate:"omitempty,max=128"`
	MarketID string       `json:"market_id" validate:"required,max=128"`
	Side     string       `json:"side" validate:"required"`
	Amount   money.Amount `json:"amount"`
	SafeMode *bool        `json:"safe_mode,omitempty"`
}

// ResolveBetRequest is the body of POST .../bets/{betID}/resolve.
type ResolveBetRequest struct {
	Won *bool `json:"won" validate:"required"`
}

// CloseRequest is the optional body of POST .../close.
type CloseRequest struct {
	Policy string `json:"policy" validate:"omitempty,oneof=block forfeit exclude"`
}

// BetResponse is returned after a bet is placed.
type BetResponse struct {
	Session *model.CollateralAccount `json:"session"`
	Balance collateral.Balance       `json:"balance"`
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

// Routes mounts the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.Open)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/balance", h.Balance)
		r.Post("/activate", h.Activate)
		r.Post("/begin-close", h.BeginClose)
		r.Post("/bets", h.PlaceBet)
		r.Post("/bets/{betID}/resolve", h.ResolveBet)
		r.Post("/close", h.Close)
	})
}

func (h *Handler) decode(r *http.Request, dst any, optional bool) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return ErrInvalidRequest.With("invalid request body")
		}
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

// Open handles POST /api/v1/sessions
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := h.decode(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	acct, err := h.svc.Open(r.Context(), OpenParams{
		SessionID:    req.SessionID,
		User:         req.User,
		Collateral:   req.Collateral,
		YieldRateBps: req.YieldRateBps,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// Get handles GET /api/v1/sessions/{sessionID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Balance handles GET /api/v1/sessions/{sessionID}/balance?mode=safe|full
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	safe := h.svc.SafeModeDefault()
	switch r.URL.Query().Get("mode") {
	case "":
	case "safe":
		safe = true
	case "full":
		safe = false
	default:
		writeError(w, ErrInvalidRequest.With("mode must be safe or full"))
		return
	}
	bal, err := h.svc.Balance(r.Context(), chi.URLParam(r, "sessionID"), safe)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Activate handles POST /api/v1/sessions/{sessionID}/activate
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.Activate(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// BeginClose handles POST /api/v1/sessions/{sessionID}/begin-close
func (h *Handler) BeginClose(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.BeginClose(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// PlaceBet handles POST /api/v1/sessions/{sessionID}/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if err := h.decode(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	side, ok := model.ParseOutcome(req.Side)
	if !ok {
		writeError(w, collateral.ErrInvalidOutcome)
		return
	}
	safe := h.svc.SafeModeDefault()
	if req.SafeMode != nil {
		safe = *req.SafeMode
	}
	acct, bal, err := h.svc.PlaceBetWithMode(r.Context(), chi.URLParam(r, "sessionID"), req.User, model.Bet{
		ID:       req.BetID,
		MarketID: req.MarketID,
		Side:     side,
		Amount:   req.Amount,
	}, safe)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, BetResponse{Session: acct, Balance: bal})
}

// ResolveBet handles POST /api/v1/sessions/{sessionID}/bets/{betID}/resolve
func (h *Handler) ResolveBet(w http.ResponseWriter, r *http.Request) {
	var req ResolveBetRequest
	if err := h.decode(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	acct, err := h.svc.ResolveBet(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "betID"), *req.Won)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Close handles POST /api/v1/sessions/{sessionID}/close
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := h.decode(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Close(r.Context(), chi.URLParam(r, "sessionID"), collateral.UnresolvedPolicy(req.Policy))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	msg := err.Error()
	if kind == errs.Internal {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, errs.HTTPStatus(kind), map[string]string{"error": msg, "code": errs.CodeOf(err)})
}
