// Package marketdata holds the last-traded-price feed and the exchange
// session clock. Neither ever touches settlement state: prices are only
// shown to clients, and orders still carry their own execution price.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// HistoryLen is how many recent ticks are kept per symbol for high/low/avg.
const HistoryLen = 60

var (
	ErrNoPrice = errors.New("marketdata: no price for symbol")
	ErrStale   = errors.New("marketdata: price is stale")
)

// Tick is one last-traded-price observation.
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// Quote is the latest price of a symbol with statistics over recent ticks.
type Quote struct {
	Symbol    string          `json:"symbol"`
	LTP       decimal.Decimal `json:"ltp"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Average   decimal.Decimal `json:"average"`
	TickCount int             `json:"tick_count"`
	Timestamp time.Time       `json:"timestamp"`
	Stale     bool            `json:"stale"`
}

// Feed stores ticks and serves quotes. Quote returns ErrNoPrice for unknown
// symbols. A quote older than the feed's staleness window is returned
// together with an error wrapping ErrStale.
type Feed interface {
	Update(ctx context.Context, tick Tick) error
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// MemoryFeed is an in-process Feed.
type MemoryFeed struct {
	mu         sync.RWMutex
	history    map[string][]Tick
	staleAfter time.Duration
	now        func() time.Time
}

// NewMemoryFeed creates an in-memory feed. staleAfter <= 0 disables staleness.
func NewMemoryFeed(staleAfter time.Duration) *MemoryFeed {
	return &MemoryFeed{
		history:    make(map[string][]Tick),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (f *MemoryFeed) Update(_ context.Context, tick Tick) error {
	if err := validateTick(tick); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	h := append(f.history[tick.Symbol], tick)
	if len(h) > HistoryLen {
		h = h[len(h)-HistoryLen:]
	}
	f.history[tick.Symbol] = h
	return nil
}

func (f *MemoryFeed) Quote(_ context.Context, symbol string) (Quote, error) {
	f.mu.RLock()
	h := f.history[symbol]
	ticks := make([]Tick, len(h))
	copy(ticks, h)
	f.mu.RUnlock()

	return buildQuote(symbol, ticks, f.staleAfter, f.now())
}

func validateTick(t Tick) error {
	if t.Symbol == "" {
		return fmt.Errorf("marketdata: tick without symbol")
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("marketdata: tick price must be positive, got %s", t.Price)
	}
	if t.Time.IsZero() {
		return fmt.Errorf("marketdata: tick without time")
	}
	return nil
}

// buildQuote expects ticks oldest first.
func buildQuote(symbol string, ticks []Tick, staleAfter time.Duration, now time.Time) (Quote, error) {
	if len(ticks) == 0 {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	last := ticks[len(ticks)-1]
	q := Quote{
		Symbol:    symbol,
		LTP:       last.Price,
		High:      last.Price,
		Low:       last.Price,
		TickCount: len(ticks),
		Timestamp: last.Time,
	}
	sum := decimal.Zero
	for _, t := range ticks {
		if t.Price.GreaterThan(q.High) {
			q.High = t.Price
		}
		if t.Price.LessThan(q.Low) {
			q.Low = t.Price
		}
		sum = sum.Add(t.Price)
	}
	q.Average = sum.Div(decimal.NewFromInt(int64(len(ticks)))).Round(2)

	if staleAfter > 0 && now.Sub(last.Time) > staleAfter {
		q.Stale = true
		return q, fmt.Errorf("%w: %s last updated %s", ErrStale, symbol, last.Time.Format(time.RFC3339))
	}
	return q, nil
}
