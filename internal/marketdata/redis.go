package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFeed keeps the recent ticks of each symbol in a capped Redis list so
// every engine instance serves the same quotes.
type RedisFeed struct {
	rdb        *redis.Client
	staleAfter time.Duration
	now        func() time.Time
}

// NewRedisFeed creates a Redis-backed feed. staleAfter <= 0 disables staleness.
func NewRedisFeed(rdb *redis.Client, staleAfter time.Duration) *RedisFeed {
	return &RedisFeed{rdb: rdb, staleAfter: staleAfter, now: time.Now}
}

func (f *RedisFeed) Update(ctx context.Context, tick Tick) error {
	if err := validateTick(tick); err != nil {
		return err
	}
	data, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	key := ticksKey(tick.Symbol)
	_, err = f.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -HistoryLen, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store tick %s: %w", tick.Symbol, err)
	}
	return nil
}

func (f *RedisFeed) Quote(ctx context.Context, symbol string) (Quote, error) {
	raw, err := f.rdb.LRange(ctx, ticksKey(symbol), 0, -1).Result()
	if err != nil {
		return Quote{}, fmt.Errorf("load ticks %s: %w", symbol, err)
	}
	ticks := make([]Tick, 0, len(raw))
	for _, s := range raw {
		var t Tick
		if json.Unmarshal([]byte(s), &t) == nil {
			ticks = append(ticks, t)
		}
	}
	return buildQuote(symbol, ticks, f.staleAfter, f.now())
}

func ticksKey(symbol string) string { return fmt.Sprintf("ticks:%s", symbol) }
