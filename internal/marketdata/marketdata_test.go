package marketdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMemoryFeed_Quote(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC)
	feed := NewMemoryFeed(time.Minute)
	feed.now = func() time.Time { return base.Add(10 * time.Second) }

	_, err := feed.Quote(ctx, "NIFTY")
	assert.True(t, errors.Is(err, ErrNoPrice), "got %v", err)

	for i, p := range []string{"100", "104", "98", "102"} {
		require.NoError(t, feed.Update(ctx, Tick{Symbol: "NIFTY", Price: d(p), Time: base.Add(time.Duration(i) * time.Second)}))
	}

	q, err := feed.Quote(ctx, "NIFTY")
	require.NoError(t, err)
	assert.True(t, q.LTP.Equal(d("102")))
	assert.True(t, q.High.Equal(d("104")))
	assert.True(t, q.Low.Equal(d("98")))
	assert.True(t, q.Average.Equal(d("101")))
	assert.Equal(t, 4, q.TickCount)
	assert.False(t, q.Stale)
}

func TestMemoryFeed_Stale(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC)
	feed := NewMemoryFeed(time.Minute)
	feed.now = func() time.Time { return base.Add(2 * time.Minute) }

	require.NoError(t, feed.Update(ctx, Tick{Symbol: "NIFTY", Price: d("100"), Time: base}))

	q, err := feed.Quote(ctx, "NIFTY")
	assert.True(t, errors.Is(err, ErrStale), "got %v", err)
	assert.True(t, q.Stale)
	assert.True(t, q.LTP.Equal(d("100")))

	never := NewMemoryFeed(0)
	never.now = feed.now
	require.NoError(t, never.Update(ctx, Tick{Symbol: "NIFTY", Price: d("100"), Time: base}))
	_, err = never.Quote(ctx, "NIFTY")
	assert.NoError(t, err)
}

func TestMemoryFeed_HistoryCapped(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC)
	feed := NewMemoryFeed(0)

	for i := 0; i < HistoryLen+15; i++ {
		require.NoError(t, feed.Update(ctx, Tick{Symbol: "X", Price: decimal.NewFromInt(int64(i + 1)), Time: base}))
	}
	q, err := feed.Quote(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, HistoryLen, q.TickCount)
	assert.True(t, q.Low.Equal(decimal.NewFromInt(16)), "oldest ticks dropped, low %s", q.Low)
}

func TestMemoryFeed_RejectsBadTicks(t *testing.T) {
	feed := NewMemoryFeed(0)
	ctx := context.Background()
	now := time.Now()

	assert.Error(t, feed.Update(ctx, Tick{Price: d("1"), Time: now}))
	assert.Error(t, feed.Update(ctx, Tick{Symbol: "X", Price: d("0"), Time: now}))
	assert.Error(t, feed.Update(ctx, Tick{Symbol: "X", Price: d("1")}))
}

func TestSessionClock(t *testing.T) {
	clock, err := NewSessionClock(ist, "09:15", "15:30", []string{"2024-01-26"})
	require.NoError(t, err)

	cases := []struct {
		name   string
		at     time.Time
		open   bool
		reason string
	}{
		{"mid session", time.Date(2024, 3, 4, 11, 0, 0, 0, ist), true, ""},
		{"at open", time.Date(2024, 3, 4, 9, 15, 0, 0, ist), true, ""},
		{"last minute", time.Date(2024, 3, 4, 15, 30, 59, 0, ist), true, ""},
		{"before open", time.Date(2024, 3, 4, 9, 14, 59, 0, ist), false, "before open"},
		{"after close", time.Date(2024, 3, 4, 15, 31, 0, 0, ist), false, "after close"},
		{"saturday", time.Date(2024, 3, 2, 11, 0, 0, 0, ist), false, "weekend"},
		{"holiday", time.Date(2024, 1, 26, 11, 0, 0, 0, ist), false, "holiday"},
		// 05:00 UTC is 10:30 IST
		{"utc input", time.Date(2024, 3, 4, 5, 0, 0, 0, time.UTC), true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := clock.Status(tc.at)
			assert.Equal(t, tc.open, st.Open)
			assert.Equal(t, tc.reason, st.Reason)
			assert.Equal(t, tc.open, clock.IsOpen(tc.at))
		})
	}
}

func TestNewSessionClock_Invalid(t *testing.T) {
	_, err := NewSessionClock(ist, "9.15", "15:30", nil)
	assert.Error(t, err)
	_, err = NewSessionClock(ist, "15:30", "09:15", nil)
	assert.Error(t, err)
	_, err = NewSessionClock(ist, "09:15", "15:30", []string{"26/01/2024"})
	assert.Error(t, err)
}

func TestLoadHolidays(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "holidays.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`["2024-01-26", "2024-03-08"]`), 0o644))
	days, err := LoadHolidays(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-26", "2024-03-08"}, days)

	yamlPath := filepath.Join(dir, "holidays.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("- 2024-08-15\n- \"2024-10-02\"\n"), 0o644))
	days, err = LoadHolidays(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-08-15", "2024-10-02"}, days)

	_, err = LoadHolidays(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestAlwaysOpen(t *testing.T) {
	at := time.Date(2024, 3, 2, 3, 0, 0, 0, ist)
	assert.True(t, AlwaysOpen{}.IsOpen(at))

	st := AlwaysOpen{}.Status(at)
	assert.True(t, st.Open)
	assert.Equal(t, "IST", st.Timezone)
}
