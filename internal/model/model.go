// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or of a lot's entry/exit.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType mirrors the order types the UI can submit. Every order is filled
// in full at the submitted price regardless of type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus of an accepted order. The simulated market fills immediately.
type OrderStatus string

const OrderStatusFilled OrderStatus = "FILLED"

// TradeStatus is the lifecycle state of a lot.
type TradeStatus string

const (
	TradeOpen    TradeStatus = "OPEN"
	TradeClosed  TradeStatus = "CLOSED"
	TradePartial TradeStatus = "PARTIAL" // reserved; partial closes split into a new CLOSED record instead
)

// Valid reports whether s is a known trade status.
func (s TradeStatus) Valid() bool {
	return s == TradeOpen || s == TradeClosed || s == TradePartial
}

var hundred = decimal.NewFromInt(100)

// Holding is the denormalized per-symbol view embedded in an Account.
type Holding struct {
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnl_percent"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Account is a user's paper-trading cash account. One per user.
type Account struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	TotalInvested  decimal.Decimal `json:"total_invested"`
	TotalPnL       decimal.Decimal `json:"total_pnl"` // cumulative realized P&L
	Holdings       []Holding       `json:"holdings"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Holding returns the index of the holding for symbol, or -1.
func (a *Account) Holding(symbol string) int {
	for i := range a.Holdings {
		if a.Holdings[i].Symbol == symbol {
			return i
		}
	}
	return -1
}

// HoldingQuantity returns the quantity held for symbol (0 if none).
func (a *Account) HoldingQuantity(symbol string) int64 {
	if i := a.Holding(symbol); i >= 0 {
		return a.Holdings[i].Quantity
	}
	return 0
}

// Clone returns a deep copy so callers can mutate holdings freely.
func (a *Account) Clone() *Account {
	c := *a
	c.Holdings = append([]Holding(nil), a.Holdings...)
	return &c
}

// PortfolioStats is the holdings-based valuation of an account.
type PortfolioStats struct {
	Cash            decimal.Decimal `json:"cash"`
	HoldingsValue   decimal.Decimal `json:"holdings_value"`
	PortfolioValue  decimal.Decimal `json:"portfolio_value"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent decimal.Decimal `json:"total_pnl_percent"`
}

// PortfolioValue marks the embedded holdings at their last seen price.
// TotalPnL here is unrealized P&L over holdings, not Account.TotalPnL.
func (a *Account) PortfolioValue() PortfolioStats {
	holdingsValue := decimal.Zero
	pnl := decimal.Zero
	for _, h := range a.Holdings {
		qty := decimal.NewFromInt(h.Quantity)
		current := h.CurrentPrice.Mul(qty)
		holdingsValue = holdingsValue.Add(current)
		pnl = pnl.Add(current.Sub(h.AvgPrice.Mul(qty)))
	}
	value := a.Balance.Add(holdingsValue)
	pct := decimal.Zero
	if a.InitialBalance.IsPositive() {
		pct = value.Sub(a.InitialBalance).Div(a.InitialBalance).Mul(hundred)
	}
	return PortfolioStats{
		Cash:            a.Balance,
		HoldingsValue:   holdingsValue,
		PortfolioValue:  value,
		TotalPnL:        pnl,
		TotalPnLPercent: pct,
	}
}

// Position is the normalized per-user-per-symbol aggregate of open quantity.
type Position struct {
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Qty          int64           `json:"qty"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnl_percent"`
	OpenedAt     time.Time       `json:"opened_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Mark revalues the position at price.
func (p *Position) Mark(price decimal.Decimal) {
	p.CurrentPrice = price
	qty := decimal.NewFromInt(p.Qty)
	p.PnL = price.Sub(p.AvgPrice).Mul(qty)
	cost := p.AvgPrice.Mul(qty)
	if cost.IsZero() {
		p.PnLPercent = decimal.Zero
		return
	}
	p.PnLPercent = p.PnL.Div(cost).Mul(hundred)
}

// Order is an immutable record of an accepted order submission.
type Order struct {
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	OrderType OrderType       `json:"order_type"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	FilledAt  time.Time       `json:"filled_at"`
}

// Notional is quantity × price.
func (o *Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}
