// Package reconcile periodically checks that every user's open lots, positions
// and account holdings agree on quantity per symbol.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/papertrade/trading-engine/internal/metrics"
	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/store"
	"github.com/robfig/cron/v3"
)

// Drift is one (user, symbol) whose three quantities disagree.
type Drift struct {
	UserID      string `json:"user_id"`
	Symbol      string `json:"symbol"`
	LotQty      int64  `json:"lot_qty"`
	PositionQty int64  `json:"position_qty"`
	HoldingQty  int64  `json:"holding_qty"`
}

// Report summarizes one run.
type Report struct {
	Users  int     `json:"users"`
	Drifts []Drift `json:"drifts"`
}

// UserLocker holds off a user's settlements while the reconciler reads.
type UserLocker interface {
	LockUser(userID string) (unlock func())
}

type Option func(*Reconciler)

// WithUserLocker reads each user under l so the account, positions and lots
// come from the same settled state.
func WithUserLocker(l UserLocker) Option {
	return func(r *Reconciler) { r.locker = l }
}

type Reconciler struct {
	store  store.Store
	locker UserLocker
}

func New(st store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: st}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run checks every account once. Drift is reported, never repaired.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	users, err := r.store.ListUserIDs(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return Report{}, fmt.Errorf("list users: %w", err)
	}

	rep := Report{Users: len(users)}
	for _, uid := range users {
		if err := ctx.Err(); err != nil {
			metrics.ReconcileRuns.WithLabelValues("error").Inc()
			return rep, err
		}
		drifts, err := r.checkUser(ctx, uid)
		if err != nil {
			metrics.ReconcileRuns.WithLabelValues("error").Inc()
			return rep, fmt.Errorf("reconcile %s: %w", uid, err)
		}
		rep.Drifts = append(rep.Drifts, drifts...)
	}

	metrics.LotDrift.Set(float64(len(rep.Drifts)))
	if len(rep.Drifts) > 0 {
		metrics.ReconcileRuns.WithLabelValues("drift").Inc()
		for _, d := range rep.Drifts {
			slog.Error("quantity drift",
				"user", d.UserID, "symbol", d.Symbol,
				"lots", d.LotQty, "position", d.PositionQty, "holding", d.HoldingQty)
		}
	} else {
		metrics.ReconcileRuns.WithLabelValues("clean").Inc()
	}
	slog.Info("reconcile finished", "users", rep.Users, "drifts", len(rep.Drifts))
	return rep, nil
}

// checkUser only reports drift that shows on two consecutive reads. Orders
// settled by another process can land between the three reads of one pass.
func (r *Reconciler) checkUser(ctx context.Context, userID string) ([]Drift, error) {
	drifts, err := r.readUser(ctx, userID)
	if err != nil || len(drifts) == 0 {
		return drifts, err
	}
	slog.Debug("drift seen, checking again", "user", userID, "symbols", len(drifts))
	return r.readUser(ctx, userID)
}

func (r *Reconciler) readUser(ctx context.Context, userID string) ([]Drift, error) {
	if r.locker != nil {
		unlock := r.locker.LockUser(userID)
		defer unlock()
	}
	acc, err := r.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := r.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	lots, err := r.store.ListTrades(ctx, userID, store.TradeFilter{Status: model.TradeOpen})
	if err != nil {
		return nil, err
	}

	byLot := map[string]int64{}
	for _, t := range lots {
		if t.EntrySide == model.SideBuy {
			byLot[t.Symbol] += t.EntryQuantity
		}
	}
	byPos := map[string]int64{}
	for _, p := range positions {
		byPos[p.Symbol] = p.Qty
	}
	byHolding := map[string]int64{}
	for _, h := range acc.Holdings {
		byHolding[h.Symbol] = h.Quantity
	}

	symbols := map[string]struct{}{}
	for _, m := range []map[string]int64{byLot, byPos, byHolding} {
		for s := range m {
			symbols[s] = struct{}{}
		}
	}

	var drifts []Drift
	for s := range symbols {
		l, p, h := byLot[s], byPos[s], byHolding[s]
		if l != p || p != h {
			drifts = append(drifts, Drift{UserID: userID, Symbol: s, LotQty: l, PositionQty: p, HoldingQty: h})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].Symbol < drifts[j].Symbol })
	return drifts, nil
}

// Schedule runs the reconciler on a cron spec (standard five-field or
// descriptors such as "@every 15m"). The caller stops the returned scheduler.
func Schedule(r *Reconciler, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := r.Run(context.Background()); err != nil {
			slog.Error("reconcile failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
