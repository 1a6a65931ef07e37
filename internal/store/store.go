// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), SQLite (single
// node), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/papertrade/trading-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAccountExists is returned when a user already has an account.
	ErrAccountExists = errors.New("store: account already exists")
)

// OrderFilter narrows ListOrders. Zero values match everything; Limit 0
// means no limit. Results are newest first.
type OrderFilter struct {
	Status model.OrderStatus
	Symbol string
	Side   model.Side
	Limit  int
}

// TradeFilter narrows ListTrades. Results are ordered by close time
// descending (open lots last), then entry time descending.
type TradeFilter struct {
	Status model.TradeStatus
	Symbol string
	Limit  int
}

// Store is the persistence interface. Every settlement mutation goes through
// WithinTx so that Account, Position, Trade and Order writes commit together.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. Returns ErrAccountExists if the
	// user already has one.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves a user's account or ErrNotFound.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// ListUserIDs returns every user that owns an account.
	ListUserIDs(ctx context.Context) ([]string, error)

	// --- Read models ---

	// ListOrders returns the user's order log.
	ListOrders(ctx context.Context, userID string, f OrderFilter) ([]model.Order, error)

	// ListPositions returns the user's open positions (qty > 0).
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListTrades returns the user's trade lots.
	ListTrades(ctx context.Context, userID string, f TradeFilter) ([]model.Trade, error)

	// --- Unit of work ---

	// WithinTx runs fn in a single transaction scoped to userID. If fn
	// returns an error nothing it wrote is visible afterwards.
	WithinTx(ctx context.Context, userID string, fn func(tx Tx) error) error
}

// Tx is the read-modify-write surface available inside WithinTx.
type Tx interface {
	// GetAccount loads the account for update, or ErrNotFound.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	SaveAccount(ctx context.Context, account *model.Account) error

	// GetPosition returns the position for (userID, symbol), or ErrNotFound.
	GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error)
	// SavePosition inserts or replaces the position for (UserID, Symbol).
	SavePosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, userID, symbol string) error
	DeletePositions(ctx context.Context, userID string) error

	// OpenLots returns OPEN BUY-entry trades for symbol in FIFO order
	// (entry time ascending, then trade id ascending).
	OpenLots(ctx context.Context, userID, symbol string) ([]model.Trade, error)
	InsertTrade(ctx context.Context, t *model.Trade) error
	UpdateTrade(ctx context.Context, t *model.Trade) error
	DeleteTrades(ctx context.Context, userID string) error

	// InsertOrder appends to the order log.
	InsertOrder(ctx context.Context, o *model.Order) error

	// BuyOrderTotals sums quantity and notional of FILLED BUY orders for
	// symbol created at or after since.
	BuyOrderTotals(ctx context.Context, userID, symbol string, since time.Time) (qty int64, notional decimal.Decimal, err error)
}

// decimalCol is a NUMERIC column read back as text.
type decimalCol struct {
	name string
	text string
	dst  *decimal.Decimal
}

// parseDecimals fills every destination or fails on the first column that
// does not hold a number.
func parseDecimals(cols ...decimalCol) error {
	for _, c := range cols {
		v, err := decimal.NewFromString(c.text)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", c.name, c.text, err)
		}
		*c.dst = v
	}
	return nil
}
