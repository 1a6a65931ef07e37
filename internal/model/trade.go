package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one entry lot and its (possibly absent) exit.
//
// A CLOSED trade always has EntryQuantity == ExitQuantity: a partial close
// is recorded as a separate CLOSED trade carrying the closed quantity while
// the original lot stays OPEN with a reduced EntryQuantity.
type Trade struct {
	TradeID       string          `json:"trade_id"`
	UserID        string          `json:"user_id"`
	Symbol        string          `json:"symbol"`
	EntryOrderID  string          `json:"entry_order_id"`
	EntrySide     Side            `json:"entry_side"`
	EntryQuantity int64           `json:"entry_quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	EntryTime     time.Time       `json:"entry_time"`

	ExitOrderID  string           `json:"exit_order_id,omitempty"`
	ExitSide     Side             `json:"exit_side,omitempty"`
	ExitQuantity int64            `json:"exit_quantity,omitempty"`
	ExitPrice    *decimal.Decimal `json:"exit_price,omitempty"`
	ExitTime     *time.Time       `json:"exit_time,omitempty"`

	Status     TradeStatus     `json:"status"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	Brokerage  decimal.Decimal `json:"brokerage"`
	NetPnL     decimal.Decimal `json:"net_pnl"`

	HoldingDays    int `json:"holding_days"`
	HoldingHours   int `json:"holding_hours"`
	HoldingMinutes int `json:"holding_minutes"`

	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// EntryTotal is entryPrice × entryQuantity.
func (t *Trade) EntryTotal() decimal.Decimal {
	return t.EntryPrice.Mul(decimal.NewFromInt(t.EntryQuantity))
}

// Close records the exit of the whole lot and computes duration and P&L.
func (t *Trade) Close(orderID string, side Side, qty int64, price decimal.Decimal, at time.Time, brokerage decimal.Decimal) {
	exitPrice := price
	exitTime := at
	closedAt := at
	t.ExitOrderID = orderID
	t.ExitSide = side
	t.ExitQuantity = qty
	t.ExitPrice = &exitPrice
	t.ExitTime = &exitTime
	t.ClosedAt = &closedAt
	t.Status = TradeClosed
	t.CalculateHoldingDuration()
	t.CalculatePnL(brokerage)
}

// CalculatePnL sets PnL, PnLPercent, Brokerage and NetPnL from the entry and
// exit legs. It is a no-op while the trade has no exit.
func (t *Trade) CalculatePnL(brokerage decimal.Decimal) {
	if t.ExitPrice == nil || t.ExitQuantity == 0 {
		return
	}
	entryTotal := t.EntryTotal()
	exitTotal := t.ExitPrice.Mul(decimal.NewFromInt(t.ExitQuantity))

	if t.EntrySide == SideBuy {
		t.PnL = exitTotal.Sub(entryTotal)
	} else {
		t.PnL = entryTotal.Sub(exitTotal)
	}
	if entryTotal.IsPositive() {
		t.PnLPercent = t.PnL.Div(entryTotal).Mul(hundred)
	} else {
		t.PnLPercent = decimal.Zero
	}
	t.Brokerage = brokerage
	t.NetPnL = t.PnL.Sub(brokerage)
}

// CalculateHoldingDuration splits exitTime − entryTime into whole days,
// remaining hours and remaining minutes. Seconds are truncated.
func (t *Trade) CalculateHoldingDuration() {
	if t.ExitTime == nil {
		return
	}
	totalMinutes := int(t.ExitTime.Sub(t.EntryTime) / time.Minute)
	if totalMinutes < 0 {
		totalMinutes = 0
	}
	t.HoldingDays = totalMinutes / (24 * 60)
	t.HoldingHours = (totalMinutes % (24 * 60)) / 60
	t.HoldingMinutes = totalMinutes % 60
}
