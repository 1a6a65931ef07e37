package reconcile_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/reconcile"
	"github.com/papertrade/trading-engine/internal/settlement"
	"github.com/papertrade/trading-engine/internal/store"
)

func seed(t *testing.T) (*store.MemoryStore, context.Context) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := settlement.NewEngine(st, nil)

	for _, uid := range []string{"u1", "u2"} {
		_, err := eng.OpenAccount(ctx, uid)
		require.NoError(t, err)
	}
	for _, req := range []settlement.OrderRequest{
		{Symbol: "INFY", Side: model.SideBuy, Quantity: 10, Price: decimal.NewFromInt(100)},
		{Symbol: "TCS", Side: model.SideBuy, Quantity: 5, Price: decimal.NewFromInt(300)},
		{Symbol: "INFY", Side: model.SideSell, Quantity: 4, Price: decimal.NewFromInt(110)},
	} {
		_, err := eng.CreateOrder(ctx, "u1", req)
		require.NoError(t, err)
	}
	return st, ctx
}

func TestRun_Clean(t *testing.T) {
	st, ctx := seed(t)

	rep, err := reconcile.New(st).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Users)
	assert.Empty(t, rep.Drifts)
}

func TestRun_ReportsDrift(t *testing.T) {
	st, ctx := seed(t)

	require.NoError(t, st.WithinTx(ctx, "u1", func(tx store.Tx) error {
		return tx.DeletePosition(ctx, "u1", "TCS")
	}))

	rep, err := reconcile.New(st).Run(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Drifts, 1)

	got := rep.Drifts[0]
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "TCS", got.Symbol)
	assert.Equal(t, int64(5), got.LotQty)
	assert.Equal(t, int64(0), got.PositionQty)
	assert.Equal(t, int64(5), got.HoldingQty)
}

func TestRun_Cancelled(t *testing.T) {
	st, _ := seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reconcile.New(st).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSchedule(t *testing.T) {
	r := reconcile.New(store.NewMemoryStore())

	_, err := reconcile.Schedule(r, "every now and then")
	assert.Error(t, err)

	c, err := reconcile.Schedule(r, "@every 1h")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)
	c.Stop()
}

// racingStore lands an order for the user right after the first account read,
// between the reconciler's reads of one pass.
type racingStore struct {
	store.Store
	once  sync.Once
	order func()
}

func (s *racingStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	a, err := s.Store.GetAccount(ctx, userID)
	if userID == "u1" {
		s.once.Do(s.order)
	}
	return a, err
}

func TestRun_OrderBetweenReadsIsNotDrift(t *testing.T) {
	st, ctx := seed(t)
	eng := settlement.NewEngine(st, nil)
	racing := &racingStore{Store: st, order: func() {
		_, err := eng.CreateOrder(ctx, "u1", settlement.OrderRequest{
			Symbol: "WIPRO", Side: model.SideBuy, Quantity: 3, Price: decimal.NewFromInt(400),
		})
		require.NoError(t, err)
	}}

	rep, err := reconcile.New(racing).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Drifts)
}

type recordingLocker struct {
	mu     sync.Mutex
	locked []string
	held   int
}

func (l *recordingLocker) LockUser(userID string) func() {
	l.mu.Lock()
	l.locked = append(l.locked, userID)
	l.held++
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.held--
		l.mu.Unlock()
	}
}

func TestRun_ReadsUnderUserLock(t *testing.T) {
	st, ctx := seed(t)
	locker := &recordingLocker{}

	rep, err := reconcile.New(st, reconcile.WithUserLocker(locker)).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Drifts)
	assert.ElementsMatch(t, []string{"u1", "u2"}, locker.locked)
	assert.Zero(t, locker.held, "every lock is released")
}

func TestRun_EngineAsLocker(t *testing.T) {
	st, ctx := seed(t)
	eng := settlement.NewEngine(st, nil)

	rep, err := reconcile.New(st, reconcile.WithUserLocker(eng)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Users)
	assert.Empty(t, rep.Drifts)
}
