// Package paper provides the HTTP handlers of the paper-trading API.
//
// The user id comes from the URL; authentication is the job of whatever
// sits in front of this service.
package paper

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/market"
	"github.com/atmx/paper-engine/internal/model"
)

// Handler serves the paper-trading endpoints.
type Handler struct {
	eng    *engine.Engine
	stream http.HandlerFunc
}

// Option configures a Handler.
type Option func(*Handler)

// WithStream serves stream at GET /{userID}/ws. The stream handler reads
// the user from the "userID" URL parameter.
func WithStream(stream http.HandlerFunc) Option {
	return func(h *Handler) { h.stream = stream }
}

func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{eng: eng}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router meant to be mounted at /api/v1/paper.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/resolve", h.Resolve)
	r.Route("/{userID}", func(r chi.Router) {
		r.Get("/account", h.GetAccount)
		r.Get("/positions", h.ListPositions)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.ListOrders)
		r.Get("/trades", h.ListTrades)
		r.Post("/reset", h.ResetAccount)
		if h.stream != nil {
			r.Get("/ws", h.stream)
		}
	})
	return r
}

// PlaceOrderRequest is the JSON body for POST /{userID}/orders.
type PlaceOrderRequest struct {
	Code       string     `json:"code"`
	Side       model.Side `json:"side"`
	Quantity   int64      `json:"quantity"`
	Market     string     `json:"market,omitempty"` // skips code detection when set
	AnalysisID string     `json:"analysis_id,omitempty"`
}

// Resolve handles GET /resolve?code=&market=
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := market.Resolve(q.Get("code"), q.Get("market"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAccount handles GET /{userID}/account
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := h.eng.GetSummary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// PlaceOrder handles POST /{userID}/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Kind: "invalid_request"})
		return
	}

	order, err := h.eng.PlaceOrder(r.Context(), engine.OrderRequest{
		UserID:     chi.URLParam(r, "userID"),
		Code:       req.Code,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Market:     req.Market,
		AnalysisID: req.AnalysisID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListPositions handles GET /{userID}/positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.eng.ListPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// ListOrders handles GET /{userID}/orders?limit=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	orders, err := h.eng.ListOrders(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// ListTrades handles GET /{userID}/trades?limit=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := h.eng.ListTrades(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// ResetAccount handles POST /{userID}/reset?confirm=true
func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	acc, err := h.eng.ResetAccount(r.Context(), chi.URLParam(r, "userID"), confirm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// parseLimit reads ?limit=. Absent means the engine default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be an integer", Kind: "invalid_request"})
		return 0, false
	}
	return limit, true
}

// errorBody is the JSON shape of every error response. Detail fields are
// set only for the rejection kinds that carry them.
type errorBody struct {
	Error     string         `json:"error"`
	Kind      string         `json:"kind"`
	Code      string         `json:"code,omitempty"`
	Market    model.Market   `json:"market,omitempty"`
	Currency  model.Currency `json:"currency,omitempty"`
	Required  any            `json:"required,omitempty"`
	Available any            `json:"available,omitempty"`
	Shortfall any            `json:"shortfall,omitempty"`
}

// writeError maps an engine error to a status code and JSON body.
func writeError(w http.ResponseWriter, err error) {
	var (
		funds    *ledger.InsufficientFundsError
		holdings *ledger.InsufficientHoldingsError
		price    *engine.PriceUnavailableError
	)

	switch {
	case errors.As(err, &funds):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:     err.Error(),
			Kind:      "insufficient_funds",
			Currency:  funds.Currency,
			Required:  funds.Required,
			Available: funds.Available,
			Shortfall: funds.Required.Sub(funds.Available),
		})
	case errors.As(err, &holdings):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:     err.Error(),
			Kind:      "insufficient_holdings",
			Code:      holdings.Code,
			Required:  holdings.Required,
			Available: holdings.Available,
		})
	case errors.As(err, &price):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:  err.Error(),
			Kind:   "price_unavailable",
			Code:   price.Code,
			Market: price.Market,
		})
	case errors.Is(err, market.ErrUnsupportedMarket):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "unsupported_market"})
	case errors.Is(err, engine.ErrInvalidOrder), errors.Is(err, market.ErrEmptyCode):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "invalid_request"})
	case errors.Is(err, engine.ErrConfirmationRequired):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "confirmation_required"})
	case errors.Is(err, engine.ErrAccountCorruption):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "account state is inconsistent", Kind: "account_corruption"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
