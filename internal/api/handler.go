// Package api provides the HTTP handlers for the paper-trading engine:
// account and order operations under /api/v1/trading, last-price ingestion
// and quotes, the market session status, the advisory signal relay and the
// WebSocket hub that pushes fills, ticks and decisions to clients.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/marketdata"
	"github.com/papertrade/trading-engine/internal/metrics"
	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/settlement"
	"github.com/papertrade/trading-engine/internal/store"
	"github.com/papertrade/trading-engine/internal/symbol"
)

const (
	defaultOrderLimit = 20
	defaultTradeLimit = 50
	maxListLimit      = 200
)

// DefaultOrderValue sizes the suggested quantity of an advisory signal.
var DefaultOrderValue = decimal.NewFromInt(5000)

// Session reports the exchange session state.
type Session interface {
	IsOpen(t time.Time) bool
	Status(t time.Time) marketdata.SessionStatus
}

// Handler serves the HTTP API.
type Handler struct {
	engine  *settlement.Engine
	feed    marketdata.Feed
	session Session
	hub     *Hub // optional
	now     func() time.Time
}

// NewHandler wires the API. Pass nil for hub if broadcasting is not needed.
func NewHandler(engine *settlement.Engine, feed marketdata.Feed, session Session, hub *Hub) *Handler {
	return &Handler{engine: engine, feed: feed, session: session, hub: hub, now: time.Now}
}

// Routes returns the /api/v1 router. auth guards the trading routes.
func (h *Handler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Route("/trading", func(r chi.Router) {
		r.Use(auth)
		r.Get("/account", h.GetAccount)
		r.Post("/account", h.OpenAccount)
		r.Post("/account/reset", h.ResetAccount)
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders", h.GetOrders)
		r.Get("/positions", h.GetPositions)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/portfolio/summary", h.GetPortfolioSummary)
		r.Get("/trades", h.GetTradeHistory)
	})

	r.Post("/market/ticks", h.IngestTick)
	r.Get("/market/quotes/{symbol}", h.GetQuote)
	r.Get("/market/status", h.GetMarketStatus)
	r.Post("/signals", h.RelaySignal)
	return r
}

// --- Request/Response types ---

// OrderRequestBody is the JSON body for POST /orders.
type OrderRequestBody struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	OrderType string          `json:"order_type"`
}

// AccountResponse is an account with its holdings valuation.
type AccountResponse struct {
	*model.Account
	PortfolioStats model.PortfolioStats `json:"portfolio_stats"`
}

// TickRequest is the JSON body for POST /market/ticks.
type TickRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   *time.Time      `json:"time,omitempty"`
}

// SignalRequest is the JSON body for POST /signals. Action is the model's
// 0 (hold), 1 (buy) or 2 (sell) output.
type SignalRequest struct {
	Symbol string          `json:"symbol"`
	Action *int            `json:"action"`
	Price  decimal.Decimal `json:"price"`
}

// SignalResponse is the decoded, broadcast decision. It is advisory only.
type SignalResponse struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Action            int             `json:"action"`
	Signal            model.Action    `json:"signal"`
	Price             decimal.Decimal `json:"price"`
	SuggestedQuantity int64           `json:"suggested_quantity"`
	CreatedAt         time.Time       `json:"created_at"`
}

// --- Trading handlers ---

// GetAccount handles GET /api/v1/trading/account
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	a, err := h.engine.Account(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: a, PortfolioStats: a.PortfolioValue()})
}

// OpenAccount handles POST /api/v1/trading/account
// Creates the paper account with the starting balance; idempotent.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	a, err := h.engine.OpenAccount(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: a, PortfolioStats: a.PortfolioValue()})
}

// ResetAccount handles POST /api/v1/trading/account/reset
func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	a, err := h.engine.ResetAccount(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "account reset successfully",
		"account": a,
	})
}

// CreateOrder handles POST /api/v1/trading/orders
// Settles the order in full at the submitted price and broadcasts the fill.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body OrderRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	fill, err := h.engine.CreateOrder(r.Context(), userID, settlement.OrderRequest{
		Symbol:    body.Symbol,
		Side:      model.Side(body.Side),
		Quantity:  body.Quantity,
		Price:     body.Price,
		OrderType: model.OrderType(body.OrderType),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(Message{
			Type:      MsgFill,
			Symbol:    fill.Order.Symbol,
			Side:      string(fill.Order.Side),
			Quantity:  fill.Order.Quantity,
			Price:     fill.Order.Price.String(),
			Timestamp: fill.Order.FilledAt,
		})
	}
	writeJSON(w, http.StatusCreated, fill)
}

// GetOrders handles GET /api/v1/trading/orders
// Query: status, symbol, side, limit (default 20, max 200).
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := store.OrderFilter{}

	limit, err := parseLimit(q.Get("limit"), defaultOrderLimit)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.Limit = limit

	if s := q.Get("status"); s != "" {
		if model.OrderStatus(s) != model.OrderStatusFilled {
			writeError(w, "status must be FILLED", http.StatusBadRequest)
			return
		}
		f.Status = model.OrderStatusFilled
	}
	if s := q.Get("side"); s != "" {
		f.Side = model.Side(s)
		if !f.Side.Valid() {
			writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
			return
		}
	}
	if s := q.Get("symbol"); s != "" {
		if f.Symbol, err = symbol.Normalize(s); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	orders, err := h.engine.Orders(r.Context(), userID, f)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(orders), "orders": orders})
}

// GetPositions handles GET /api/v1/trading/positions
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	positions, err := h.engine.Positions(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(positions), "positions": positions})
}

// GetPortfolio handles GET /api/v1/trading/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	view, err := h.engine.Portfolio(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if view.Positions == nil {
		view.Positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, view)
}

// GetPortfolioSummary handles GET /api/v1/trading/portfolio/summary
func (h *Handler) GetPortfolioSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	summary, err := h.engine.Summary(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetTradeHistory handles GET /api/v1/trading/trades
// Query: status (default CLOSED, ALL for every lot), symbol, limit (default 50).
func (h *Handler) GetTradeHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := store.TradeFilter{Status: model.TradeClosed}

	limit, err := parseLimit(q.Get("limit"), defaultTradeLimit)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.Limit = limit

	switch s := q.Get("status"); s {
	case "":
	case "ALL":
		f.Status = ""
	default:
		f.Status = model.TradeStatus(s)
		if !f.Status.Valid() {
			writeError(w, "status must be OPEN, CLOSED, PARTIAL or ALL", http.StatusBadRequest)
			return
		}
	}
	if s := q.Get("symbol"); s != "" {
		if f.Symbol, err = symbol.Normalize(s); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	trades, err := h.engine.Trades(r.Context(), userID, f)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(trades), "trades": trades})
}

// --- Market data ---

// IngestTick handles POST /api/v1/market/ticks
// Records a last traded price and forwards it to WebSocket clients.
func (h *Handler) IngestTick(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	at := h.now().UTC()
	if req.Time != nil {
		at = req.Time.UTC()
	}
	tick := marketdata.Tick{Symbol: sym, Price: req.Price, Time: at}
	if err := h.feed.Update(r.Context(), tick); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.PriceTicks.Inc()

	if h.hub != nil {
		h.hub.Broadcast(Message{Type: MsgTick, Symbol: sym, Price: req.Price.String(), Timestamp: at})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "tick": tick})
}

// GetQuote handles GET /api/v1/market/quotes/{symbol}
// A stale quote is still returned, flagged stale.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Normalize(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := h.feed.Quote(r.Context(), sym)
	switch {
	case err == nil, errors.Is(err, marketdata.ErrStale):
		writeJSON(w, http.StatusOK, q)
	case errors.Is(err, marketdata.ErrNoPrice):
		writeError(w, "no price for "+sym, http.StatusNotFound)
	default:
		slog.Error("quote lookup failed", "symbol", sym, "err", err)
		writeError(w, "failed to load quote", http.StatusInternalServerError)
	}
}

// GetMarketStatus handles GET /api/v1/market/status
func (h *Handler) GetMarketStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Status(h.now()))
}

// --- Signals ---

// RelaySignal handles POST /api/v1/signals
// Decodes the model action and broadcasts it. No order is placed.
func (h *Handler) RelaySignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Action == nil {
		writeError(w, "action is required", http.StatusBadRequest)
		return
	}
	action, err := model.ActionFromCode(*req.Action)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := SignalResponse{
		ID:                uuid.NewString(),
		Symbol:            sym,
		Action:            *req.Action,
		Signal:            action,
		Price:             req.Price,
		SuggestedQuantity: suggestedQuantity(req.Price),
		CreatedAt:         h.now().UTC(),
	}
	msg := Message{
		ID:        resp.ID,
		Type:      MsgDecision,
		Symbol:    sym,
		Action:    string(action),
		Quantity:  resp.SuggestedQuantity,
		Price:     req.Price.String(),
		Timestamp: resp.CreatedAt,
	}
	if side, ok := action.Side(); ok {
		msg.Side = string(side)
	}
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
	metrics.SignalsRelayed.WithLabelValues(string(action)).Inc()
	slog.Info("signal relayed", "symbol", sym, "action", string(action), "price", req.Price.String())

	writeJSON(w, http.StatusOK, resp)
}

// suggestedQuantity is floor(DefaultOrderValue / price), at least 1.
func suggestedQuantity(price decimal.Decimal) int64 {
	if !price.IsPositive() {
		return 1
	}
	qty := DefaultOrderValue.Div(price).Floor().IntPart()
	if qty < 1 {
		return 1
	}
	return qty
}

// --- helpers ---

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := UserFrom(r.Context())
	if err != nil {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func parseLimit(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// writeEngineError maps settlement errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var balErr *settlement.BalanceError
	var holdErr *settlement.HoldingsError
	switch {
	case errors.As(err, &balErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":     "insufficient balance",
			"required":  balErr.Required,
			"available": balErr.Available,
			"shortfall": balErr.Shortfall,
		})
	case errors.As(err, &holdErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":     "insufficient holdings",
			"symbol":    holdErr.Symbol,
			"required":  holdErr.Required,
			"available": holdErr.Available,
		})
	case errors.Is(err, settlement.ErrMarketClosed):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, settlement.ErrInvalidInput):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, settlement.ErrAccountNotFound):
		writeError(w, "account not found", http.StatusNotFound)
	case errors.Is(err, settlement.ErrInvariantViolation):
		writeError(w, "settlement failed, no changes were applied", http.StatusInternalServerError)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
