// Package settlement turns accepted orders into account, position, trade lot
// and order log changes. Every order settles inside one store transaction
// while holding the owning user's lock, so concurrent orders for a user
// never interleave.
//
// All monetary values use shopspring/decimal, never float64 for money.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/ident"
	"github.com/papertrade/trading-engine/internal/metrics"
	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/portfolio"
	"github.com/papertrade/trading-engine/internal/store"
	"github.com/papertrade/trading-engine/internal/symbol"
)

// Brokerage charged per closed lot. Paper trading is commission free.
var Brokerage = decimal.Zero

// DefaultStartingBalance is credited to every new paper account.
var DefaultStartingBalance = decimal.NewFromInt(100000)

// MarketGate reports whether orders may be accepted at t.
type MarketGate interface {
	IsOpen(t time.Time) bool
}

// OrderRequest is an order as submitted by a user.
type OrderRequest struct {
	Symbol    string          `json:"symbol"`
	Side      model.Side      `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	OrderType model.OrderType `json:"order_type"`
}

// Fill is the outcome of a settled order.
type Fill struct {
	Order    model.Order     `json:"order"`
	Account  *model.Account  `json:"account"`
	Trades   []model.Trade   `json:"trades"`             // lots created or changed, in FIFO order
	Position *model.Position `json:"position,omitempty"` // nil once the position is closed out
}

// PortfolioView is the holdings-based valuation of an account plus its
// open positions.
type PortfolioView struct {
	model.PortfolioStats
	Holdings  []model.Holding  `json:"holdings"`
	Positions []model.Position `json:"positions"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithStartingBalance sets the balance credited by OpenAccount.
func WithStartingBalance(b decimal.Decimal) Option {
	return func(e *Engine) { e.startingBalance = b }
}

// Engine settles orders against a Store.
type Engine struct {
	store           store.Store
	gate            MarketGate
	clock           func() time.Time
	startingBalance decimal.Decimal
	locks           *userLocks

	stampMu sync.Mutex
	last    time.Time
}

// NewEngine creates a settlement engine. A nil gate accepts orders at any time.
func NewEngine(st store.Store, gate MarketGate, opts ...Option) *Engine {
	e := &Engine{
		store:           st,
		gate:            gate,
		clock:           time.Now,
		startingBalance: DefaultStartingBalance,
		locks:           newUserLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// now is UTC at microsecond precision, the finest PostgreSQL keeps.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

// stamp returns the settlement time for a reading taken at t: t itself, or
// one microsecond past the previous stamp if t is not later. Stamps are
// taken under the user lock, so their order is settlement order and a
// position's OpenedAt never follows a buy settled into it.
func (e *Engine) stamp(t time.Time) time.Time {
	e.stampMu.Lock()
	defer e.stampMu.Unlock()
	if !t.After(e.last) {
		t = e.last.Add(time.Microsecond)
	}
	e.last = t
	return t
}

// CreateOrder validates and settles one order. Rejections leave no trace in
// the store.
func (e *Engine) CreateOrder(ctx context.Context, userID string, req OrderRequest) (*Fill, error) {
	received := e.now()
	if e.gate != nil && !e.gate.IsOpen(received) {
		metrics.OrderRejections.WithLabelValues("market_closed").Inc()
		return nil, ErrMarketClosed
	}
	req, err := normalize(userID, req)
	if err != nil {
		metrics.OrderRejections.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	unlock := e.locks.lock(userID)
	defer unlock()
	now := e.stamp(received)

	start := time.Now()
	var fill *Fill
	err = e.store.WithinTx(ctx, userID, func(tx store.Tx) error {
		var err error
		fill, err = e.settle(ctx, tx, userID, req, now)
		return err
	})
	if err != nil {
		e.recordFailure(userID, req, err)
		return nil, err
	}

	side := string(req.Side)
	metrics.SettlementLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.OrdersTotal.WithLabelValues(side).Inc()
	metrics.TradedVolume.WithLabelValues(side).Add(float64(req.Quantity))

	slog.Info("order filled",
		"order_id", fill.Order.OrderID,
		"user", userID,
		"symbol", req.Symbol,
		"side", side,
		"qty", req.Quantity,
		"price", req.Price.String(),
		"balance", fill.Account.Balance.String(),
		"lots", len(fill.Trades),
	)
	return fill, nil
}

func (e *Engine) recordFailure(userID string, req OrderRequest, err error) {
	switch {
	case errors.Is(err, ErrInvariantViolation):
		metrics.InvariantViolations.Inc()
		slog.Error("settlement rolled back",
			"user", userID, "symbol", req.Symbol, "side", string(req.Side), "qty", req.Quantity, "err", err)
	case errors.Is(err, ErrAccountNotFound):
		metrics.OrderRejections.WithLabelValues("account_not_found").Inc()
	case errors.Is(err, ErrInsufficientBalance):
		metrics.OrderRejections.WithLabelValues("insufficient_balance").Inc()
	case errors.Is(err, ErrInsufficientHoldings):
		metrics.OrderRejections.WithLabelValues("insufficient_holdings").Inc()
	default:
		slog.Error("settlement failed", "user", userID, "symbol", req.Symbol, "err", err)
	}
}

func normalize(userID string, req OrderRequest) (OrderRequest, error) {
	if userID == "" {
		return req, invalid("user id is required")
	}
	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		return req, invalid("symbol: %v", err)
	}
	req.Symbol = sym
	if !req.Side.Valid() {
		return req, invalid("side must be BUY or SELL")
	}
	if req.Quantity <= 0 {
		return req, invalid("quantity must be a positive integer")
	}
	if !req.Price.IsPositive() {
		return req, invalid("price must be a positive number")
	}
	if req.OrderType == "" {
		req.OrderType = model.OrderTypeMarket
	}
	if !req.OrderType.Valid() {
		return req, invalid("order type must be MARKET or LIMIT")
	}
	return req, nil
}

func (e *Engine) settle(ctx context.Context, tx store.Tx, userID string, req OrderRequest, now time.Time) (*Fill, error) {
	account, err := loadAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	notional := req.Price.Mul(decimal.NewFromInt(req.Quantity))
	switch req.Side {
	case model.SideBuy:
		if account.Balance.LessThan(notional) {
			return nil, &BalanceError{
				Required:  notional,
				Available: account.Balance,
				Shortfall: notional.Sub(account.Balance),
			}
		}
	case model.SideSell:
		if held := account.HoldingQuantity(req.Symbol); held < req.Quantity {
			return nil, &HoldingsError{Symbol: req.Symbol, Required: req.Quantity, Available: held}
		}
	}

	order := model.Order{
		OrderID:   ident.OrderID(),
		UserID:    userID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		OrderType: req.OrderType,
		Status:    model.OrderStatusFilled,
		CreatedAt: now,
		FilledAt:  now,
	}
	if err := tx.InsertOrder(ctx, &order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	fill := &Fill{Order: order, Trades: []model.Trade{}}
	if req.Side == model.SideBuy {
		err = e.applyBuy(ctx, tx, account, &order, fill, now)
	} else {
		err = e.applySell(ctx, tx, account, &order, fill, now)
	}
	if err != nil {
		return nil, err
	}

	account.UpdatedAt = now
	if err := tx.SaveAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	fill.Account = account
	return fill, nil
}

func (e *Engine) applyBuy(ctx context.Context, tx store.Tx, account *model.Account, order *model.Order, fill *Fill, now time.Time) error {
	notional := order.Notional()
	account.Balance = account.Balance.Sub(notional)
	account.TotalInvested = account.TotalInvested.Add(notional)

	if i := account.Holding(order.Symbol); i >= 0 {
		h := &account.Holdings[i]
		newQty := h.Quantity + order.Quantity
		h.AvgPrice = h.AvgPrice.Mul(decimal.NewFromInt(h.Quantity)).Add(notional).Div(decimal.NewFromInt(newQty))
		h.Quantity = newQty
		h.CurrentPrice = order.Price
		h.UpdatedAt = now
	} else {
		account.Holdings = append(account.Holdings, model.Holding{
			Symbol:       order.Symbol,
			Quantity:     order.Quantity,
			AvgPrice:     order.Price,
			CurrentPrice: order.Price,
			PnL:          decimal.Zero,
			PnLPercent:   decimal.Zero,
			UpdatedAt:    now,
		})
	}

	pos, err := tx.GetPosition(ctx, order.UserID, order.Symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = &model.Position{UserID: order.UserID, Symbol: order.Symbol, OpenedAt: now}
	case err != nil:
		return fmt.Errorf("load position: %w", err)
	}
	pos.Qty += order.Quantity

	// Cost basis comes from the order log: every filled BUY since this
	// position was opened.
	buyQty, buyNotional, err := tx.BuyOrderTotals(ctx, order.UserID, order.Symbol, pos.OpenedAt)
	if err != nil {
		return err
	}
	if buyQty > 0 {
		pos.AvgPrice = buyNotional.Div(decimal.NewFromInt(buyQty))
	} else {
		pos.AvgPrice = order.Price
	}
	pos.Mark(order.Price)
	pos.UpdatedAt = now
	if err := tx.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	fill.Position = pos

	lot := model.Trade{
		TradeID:       ident.TradeID(),
		UserID:        order.UserID,
		Symbol:        order.Symbol,
		EntryOrderID:  order.OrderID,
		EntrySide:     model.SideBuy,
		EntryQuantity: order.Quantity,
		EntryPrice:    order.Price,
		EntryTime:     now,
		Status:        model.TradeOpen,
		PnL:           decimal.Zero,
		PnLPercent:    decimal.Zero,
		Brokerage:     Brokerage,
		NetPnL:        decimal.Zero,
		CreatedAt:     now,
	}
	if err := tx.InsertTrade(ctx, &lot); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	fill.Trades = append(fill.Trades, lot)
	return nil
}

func (e *Engine) applySell(ctx context.Context, tx store.Tx, account *model.Account, order *model.Order, fill *Fill, now time.Time) error {
	lots, err := tx.OpenLots(ctx, order.UserID, order.Symbol)
	if err != nil {
		return fmt.Errorf("load open lots: %w", err)
	}

	remaining := order.Quantity
	for i := range lots {
		if remaining == 0 {
			break
		}
		lot := lots[i]
		closeQty := min(remaining, lot.EntryQuantity)

		if closeQty == lot.EntryQuantity {
			lot.Close(order.OrderID, model.SideSell, closeQty, order.Price, now, Brokerage)
			if err := tx.UpdateTrade(ctx, &lot); err != nil {
				return fmt.Errorf("close trade %s: %w", lot.TradeID, err)
			}
			account.TotalPnL = account.TotalPnL.Add(lot.NetPnL)
			fill.Trades = append(fill.Trades, lot)
		} else {
			// Split: the closed part becomes its own CLOSED lot and the
			// original stays OPEN with what is left.
			part := lot
			part.TradeID = ident.TradeID()
			part.EntryQuantity = closeQty
			part.CreatedAt = now
			part.Close(order.OrderID, model.SideSell, closeQty, order.Price, now, Brokerage)
			if err := tx.InsertTrade(ctx, &part); err != nil {
				return fmt.Errorf("insert split trade: %w", err)
			}
			account.TotalPnL = account.TotalPnL.Add(part.NetPnL)

			lot.EntryQuantity -= closeQty
			if err := tx.UpdateTrade(ctx, &lot); err != nil {
				return fmt.Errorf("reduce trade %s: %w", lot.TradeID, err)
			}
			fill.Trades = append(fill.Trades, part, lot)
		}
		metrics.LotsClosed.Inc()
		remaining -= closeQty
	}
	if remaining > 0 {
		return fmt.Errorf("%w: %s/%s has %d shares in open lots, sell of %d left %d unmatched",
			ErrInvariantViolation, order.UserID, order.Symbol, order.Quantity-remaining, order.Quantity, remaining)
	}

	account.Balance = account.Balance.Add(order.Notional())

	i := account.Holding(order.Symbol)
	h := &account.Holdings[i]
	qty := decimal.NewFromInt(order.Quantity)
	h.Quantity -= order.Quantity
	h.CurrentPrice = order.Price
	h.UpdatedAt = now
	h.PnL = order.Price.Sub(h.AvgPrice).Mul(qty)
	if cost := h.AvgPrice.Mul(qty); cost.IsPositive() {
		h.PnLPercent = h.PnL.Div(cost).Mul(decimal.NewFromInt(100))
	} else {
		h.PnLPercent = decimal.Zero
	}
	if h.Quantity == 0 {
		account.Holdings = append(account.Holdings[:i], account.Holdings[i+1:]...)
	}

	pos, err := tx.GetPosition(ctx, order.UserID, order.Symbol)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s/%s has holdings but no position", ErrInvariantViolation, order.UserID, order.Symbol)
	}
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if pos.Qty < order.Quantity {
		return fmt.Errorf("%w: %s/%s position qty %d below sell of %d",
			ErrInvariantViolation, order.UserID, order.Symbol, pos.Qty, order.Quantity)
	}
	pos.Qty -= order.Quantity
	pos.CurrentPrice = order.Price
	pos.UpdatedAt = now
	if pos.Qty == 0 {
		if err := tx.DeletePosition(ctx, order.UserID, order.Symbol); err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
		fill.Position = nil
		return nil
	}
	pos.Mark(order.Price)
	if err := tx.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	fill.Position = pos
	return nil
}

// ResetAccount restores the starting balance and deletes every position and
// trade lot of the user. The order log is kept.
func (e *Engine) ResetAccount(ctx context.Context, userID string) (*model.Account, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	now := e.stamp(e.now())
	var account *model.Account
	err := e.store.WithinTx(ctx, userID, func(tx store.Tx) error {
		a, err := loadAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		a.Balance = a.InitialBalance
		a.TotalInvested = decimal.Zero
		a.TotalPnL = decimal.Zero
		a.Holdings = []model.Holding{}
		a.UpdatedAt = now
		if err := tx.SaveAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.DeletePositions(ctx, userID); err != nil {
			return err
		}
		if err := tx.DeleteTrades(ctx, userID); err != nil {
			return err
		}
		account = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.AccountResets.Inc()
	slog.Info("account reset", "user", userID, "balance", account.Balance.String())
	return account, nil
}

// OpenAccount returns the user's account, creating it with the starting
// balance on first use.
func (e *Engine) OpenAccount(ctx context.Context, userID string) (*model.Account, error) {
	if userID == "" {
		return nil, invalid("user id is required")
	}
	a, err := e.store.GetAccount(ctx, userID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := e.now()
	a = &model.Account{
		ID:             uuid.New().String(),
		UserID:         userID,
		Balance:        e.startingBalance,
		InitialBalance: e.startingBalance,
		TotalInvested:  decimal.Zero,
		TotalPnL:       decimal.Zero,
		Holdings:       []model.Holding{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			return e.store.GetAccount(ctx, userID)
		}
		return nil, err
	}
	slog.Info("account opened", "user", userID, "balance", a.Balance.String())
	return a, nil
}

// LockUser blocks until no order of userID is settling in this Engine and
// returns the matching unlock func.
func (e *Engine) LockUser(userID string) (unlock func()) {
	return e.locks.lock(userID)
}

// --- Reads ---

// Account returns the user's account.
func (e *Engine) Account(ctx context.Context, userID string) (*model.Account, error) {
	a, err := e.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrAccountNotFound, userID)
	}
	return a, err
}

// Portfolio values the account's holdings and lists its open positions.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*PortfolioView, error) {
	a, err := e.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings := a.Holdings
	if holdings == nil {
		holdings = []model.Holding{}
	}
	return &PortfolioView{
		PortfolioStats: a.PortfolioValue(),
		Holdings:       holdings,
		Positions:      positions,
	}, nil
}

// Summary computes the portfolio performance report.
func (e *Engine) Summary(ctx context.Context, userID string) (*portfolio.Summary, error) {
	a, err := e.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	trades, err := e.store.ListTrades(ctx, userID, store.TradeFilter{})
	if err != nil {
		return nil, err
	}
	s := portfolio.Summarize(a, positions, trades)
	return &s, nil
}

// Positions lists open positions.
func (e *Engine) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	return e.store.ListPositions(ctx, userID)
}

// Orders lists the order log, newest first.
func (e *Engine) Orders(ctx context.Context, userID string, f store.OrderFilter) ([]model.Order, error) {
	return e.store.ListOrders(ctx, userID, f)
}

// Trades lists trade lots, most recently closed first.
func (e *Engine) Trades(ctx context.Context, userID string, f store.TradeFilter) ([]model.Trade, error) {
	return e.store.ListTrades(ctx, userID, f)
}

func loadAccount(ctx context.Context, tx store.Tx, userID string) (*model.Account, error) {
	a, err := tx.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrAccountNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return a, nil
}
