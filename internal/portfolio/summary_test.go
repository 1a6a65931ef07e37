package portfolio_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/portfolio"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func account(balance string) *model.Account {
	return &model.Account{
		UserID:         "u1",
		Balance:        d(balance),
		InitialBalance: d("100000"),
	}
}

func closed(entry string, qty int64, exit string) model.Trade {
	t := model.Trade{
		TradeID:       "TRD-" + entry + "-" + exit,
		EntrySide:     model.SideBuy,
		EntryQuantity: qty,
		EntryPrice:    d(entry),
		EntryTime:     time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC),
		Status:        model.TradeOpen,
	}
	t.Close("ORD-X", model.SideSell, qty, d(exit), t.EntryTime.Add(time.Hour), decimal.Zero)
	return t
}

func assertDec(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: expected %s, got %s", field, want, got)
}

func TestSummarize_Empty(t *testing.T) {
	s := portfolio.Summarize(account("100000"), nil, nil)

	assertDec(t, "0", s.PortfolioValue, "portfolio value")
	assertDec(t, "0", s.UnrealizedPnLPercent, "unrealized pct")
	assertDec(t, "0", s.WinRate, "win rate")
	assertDec(t, "0", s.ProfitFactor, "profit factor")
	assertDec(t, "0", s.AvgTradeROI, "avg roi")
	assertDec(t, "100000", s.TotalBalance, "total balance")
	assertDec(t, "0", s.TotalReturn, "total return")
	assert.NotNil(t, s.Positions)
	assert.Empty(t, s.Positions)
}

func TestSummarize_PositionsAndTrades(t *testing.T) {
	positions := []model.Position{
		{Symbol: "INFY", Qty: 10, AvgPrice: d("100"), CurrentPrice: d("110"), PnL: d("100"), PnLPercent: d("10")},
		{Symbol: "TCS", Qty: 5, AvgPrice: d("200"), CurrentPrice: d("180"), PnL: d("-100"), PnLPercent: d("-10")},
		{Symbol: "GONE", Qty: 0, AvgPrice: d("1"), CurrentPrice: d("1")},
	}
	open := model.Trade{TradeID: "TRD-OPEN", Status: model.TradeOpen, EntryQuantity: 10, EntryPrice: d("100")}
	trades := []model.Trade{
		closed("100", 10, "120"), // +200, roi 20
		closed("50", 4, "40"),    // -40, roi -20
		closed("10", 10, "13"),   // +30, roi 30
		open,
	}

	s := portfolio.Summarize(account("97000"), positions, trades)

	require.Len(t, s.Positions, 2)
	assertDec(t, "2000", s.PortfolioValue, "portfolio value")
	assertDec(t, "2000", s.CashInvested, "cash invested")
	assertDec(t, "0", s.UnrealizedPnL, "unrealized")
	assertDec(t, "1100", s.Positions[0].Value, "row value")

	assertDec(t, "190", s.RealizedPnL, "realized")
	assertDec(t, "190", s.TotalPnL, "total pnl")
	assert.Equal(t, 4, s.TotalTrades)
	assert.Equal(t, 3, s.ClosedTrades)
	assert.Equal(t, 1, s.OpenTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 1, s.LosingTrades)

	assertDec(t, "115", s.AvgWin, "avg win")
	assertDec(t, "-40", s.AvgLoss, "avg loss")
	assertDec(t, "5.75", s.ProfitFactor, "profit factor")
	assertDec(t, "10", s.AvgTradeROI, "avg roi")
	// 190 / (1000 + 200 + 100) × 100
	assert.Equal(t, "14.62", s.TradeReturnPercent.StringFixed(2))
	assert.Equal(t, "66.67", s.WinRate.StringFixed(2))

	assertDec(t, "99000", s.TotalBalance, "total balance")
	assertDec(t, "-1", s.TotalReturn, "total return")
}

func TestSummarize_WinsWithoutLosses(t *testing.T) {
	s := portfolio.Summarize(account("100000"), nil, []model.Trade{closed("100", 1, "110")})

	assert.True(t, s.ProfitFactor.Equal(portfolio.ProfitFactorCap), "expected cap, got %s", s.ProfitFactor)
	assertDec(t, "100", s.WinRate, "win rate")
	assertDec(t, "0", s.AvgLoss, "avg loss")
}

func TestSummarize_BreakEvenIgnoredByWinRate(t *testing.T) {
	s := portfolio.Summarize(account("100000"), nil, []model.Trade{closed("100", 1, "100")})

	assert.Equal(t, 0, s.WinningTrades)
	assert.Equal(t, 0, s.LosingTrades)
	assertDec(t, "0", s.WinRate, "win rate")
	assertDec(t, "0", s.ProfitFactor, "profit factor")
	assertDec(t, "0", s.AvgTradeROI, "avg roi")
}

func TestSummarize_ZeroNotionalSkippedForROI(t *testing.T) {
	zero := closed("0", 5, "2")
	s := portfolio.Summarize(account("100000"), nil, []model.Trade{zero, closed("100", 1, "150")})

	assertDec(t, "50", s.AvgTradeROI, "avg roi")
}

func TestSummarize_Idempotent(t *testing.T) {
	positions := []model.Position{{Symbol: "INFY", Qty: 3, AvgPrice: d("100"), CurrentPrice: d("101")}}
	trades := []model.Trade{closed("100", 2, "90")}
	acc := account("99700")

	first, err := json.Marshal(portfolio.Summarize(acc, positions, trades))
	require.NoError(t, err)
	second, err := json.Marshal(portfolio.Summarize(acc, positions, trades))
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
}
