// Package portfolio derives read-only performance figures from an account,
// its open positions and its trade lots. Nothing here mutates state.
package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/model"
)

// ProfitFactorCap stands in for an infinite profit factor (wins, no losses).
var ProfitFactorCap = decimal.NewFromInt(9999)

var hundred = decimal.NewFromInt(100)

// PositionRow is one open position in the summary.
type PositionRow struct {
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnl_percent"`
	Value        decimal.Decimal `json:"value"`
}

// Summary is the portfolio performance report.
type Summary struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	TotalBalance   decimal.Decimal `json:"total_balance"`

	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	CashInvested   decimal.Decimal `json:"cash_invested"`

	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	RealizedPnL          decimal.Decimal `json:"realized_pnl"`
	TotalPnL             decimal.Decimal `json:"total_pnl"`

	TotalReturn        decimal.Decimal `json:"total_return"`
	TradeReturnPercent decimal.Decimal `json:"trade_return_percent"`
	AvgTradeROI        decimal.Decimal `json:"avg_trade_roi"`

	TotalTrades   int             `json:"total_trades"`
	ClosedTrades  int             `json:"closed_trades"`
	OpenTrades    int             `json:"open_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       decimal.Decimal `json:"win_rate"`
	AvgWin        decimal.Decimal `json:"avg_win"`
	AvgLoss       decimal.Decimal `json:"avg_loss"`
	ProfitFactor  decimal.Decimal `json:"profit_factor"`

	Positions []PositionRow `json:"positions"`
}

// Summarize computes the report. positions with qty <= 0 are ignored;
// trades may mix OPEN and CLOSED lots.
func Summarize(account *model.Account, positions []model.Position, trades []model.Trade) Summary {
	s := Summary{
		InitialBalance: account.InitialBalance,
		CurrentBalance: account.Balance,
		Positions:      []PositionRow{},
	}

	value := decimal.Zero
	invested := decimal.Zero
	unrealized := decimal.Zero
	for _, p := range positions {
		if p.Qty <= 0 {
			continue
		}
		qty := decimal.NewFromInt(p.Qty)
		posValue := p.CurrentPrice.Mul(qty)
		value = value.Add(posValue)
		invested = invested.Add(p.AvgPrice.Mul(qty))
		unrealized = unrealized.Add(p.CurrentPrice.Sub(p.AvgPrice).Mul(qty))
		s.Positions = append(s.Positions, PositionRow{
			Symbol:       p.Symbol,
			Quantity:     p.Qty,
			AvgPrice:     p.AvgPrice,
			CurrentPrice: p.CurrentPrice,
			PnL:          p.PnL,
			PnLPercent:   p.PnLPercent,
			Value:        posValue,
		})
	}
	s.PortfolioValue = value
	s.CashInvested = invested
	s.UnrealizedPnL = unrealized
	s.UnrealizedPnLPercent = percentOf(unrealized, invested)

	realized := decimal.Zero
	sumWins := decimal.Zero
	sumLosses := decimal.Zero
	tradeInvested := decimal.Zero
	roiSum := decimal.Zero
	roiCount := 0
	for _, t := range trades {
		s.TotalTrades++
		if t.Status != model.TradeClosed {
			continue
		}
		s.ClosedTrades++
		realized = realized.Add(t.NetPnL)
		switch {
		case t.NetPnL.IsPositive():
			s.WinningTrades++
			sumWins = sumWins.Add(t.NetPnL)
		case t.NetPnL.IsNegative():
			s.LosingTrades++
			sumLosses = sumLosses.Add(t.NetPnL)
		}

		exitQty := t.ExitQuantity
		if exitQty == 0 {
			exitQty = t.EntryQuantity
		}
		tradeInvested = tradeInvested.Add(t.EntryPrice.Mul(decimal.NewFromInt(exitQty)))

		if entry := t.EntryTotal(); !entry.IsZero() {
			roiSum = roiSum.Add(t.NetPnL.Div(entry).Mul(hundred))
			roiCount++
		}
	}
	s.OpenTrades = s.TotalTrades - s.ClosedTrades
	s.RealizedPnL = realized
	s.TotalPnL = unrealized.Add(realized)

	decided := s.WinningTrades + s.LosingTrades
	s.WinRate = decimal.Zero
	if decided > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.WinningTrades)).Div(decimal.NewFromInt(int64(decided))).Mul(hundred)
	}
	s.AvgWin = decimal.Zero
	if s.WinningTrades > 0 {
		s.AvgWin = sumWins.Div(decimal.NewFromInt(int64(s.WinningTrades)))
	}
	s.AvgLoss = decimal.Zero
	if s.LosingTrades > 0 {
		s.AvgLoss = sumLosses.Div(decimal.NewFromInt(int64(s.LosingTrades)))
	}
	switch {
	case !sumLosses.IsZero():
		s.ProfitFactor = sumWins.Div(sumLosses.Abs())
	case s.WinningTrades > 0:
		s.ProfitFactor = ProfitFactorCap
	default:
		s.ProfitFactor = decimal.Zero
	}

	s.TotalBalance = account.Balance.Add(value)
	s.TotalReturn = percentOf(s.TotalBalance.Sub(account.InitialBalance), account.InitialBalance)
	s.TradeReturnPercent = percentOf(realized, tradeInvested)
	s.AvgTradeROI = decimal.Zero
	if roiCount > 0 {
		s.AvgTradeROI = roiSum.Div(decimal.NewFromInt(int64(roiCount)))
	}
	return s
}

// percentOf returns part/whole×100, or 0 when whole is not positive.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}
