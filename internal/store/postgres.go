package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id              UUID PRIMARY KEY,
	user_id         TEXT NOT NULL UNIQUE,
	balance         NUMERIC NOT NULL CHECK (balance >= 0),
	initial_balance NUMERIC NOT NULL,
	total_invested  NUMERIC NOT NULL DEFAULT 0,
	total_pnl       NUMERIC NOT NULL DEFAULT 0,
	holdings        JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	user_id       TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	qty           BIGINT NOT NULL CHECK (qty >= 0),
	avg_price     NUMERIC NOT NULL,
	current_price NUMERIC NOT NULL,
	pnl           NUMERIC NOT NULL,
	pnl_percent   NUMERIC NOT NULL,
	opened_at     TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS trades (
	trade_id        TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	entry_order_id  TEXT NOT NULL,
	entry_side      TEXT NOT NULL,
	entry_quantity  BIGINT NOT NULL,
	entry_price     NUMERIC NOT NULL,
	entry_time      TIMESTAMPTZ NOT NULL,
	exit_order_id   TEXT NOT NULL DEFAULT '',
	exit_side       TEXT NOT NULL DEFAULT '',
	exit_quantity   BIGINT NOT NULL DEFAULT 0,
	exit_price      NUMERIC,
	exit_time       TIMESTAMPTZ,
	status          TEXT NOT NULL,
	pnl             NUMERIC NOT NULL DEFAULT 0,
	pnl_percent     NUMERIC NOT NULL DEFAULT 0,
	brokerage       NUMERIC NOT NULL DEFAULT 0,
	net_pnl         NUMERIC NOT NULL DEFAULT 0,
	holding_days    INTEGER NOT NULL DEFAULT 0,
	holding_hours   INTEGER NOT NULL DEFAULT 0,
	holding_minutes INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	closed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS trades_open_lots ON trades (user_id, symbol, status, entry_time);

CREATE TABLE IF NOT EXISTS orders (
	order_id   TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	quantity   BIGINT NOT NULL,
	price      NUMERIC NOT NULL,
	order_type TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	filled_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_user_created ON orders (user_id, created_at DESC);
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	holdings, err := json.Marshal(nonNilHoldings(a.Holdings))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, balance, initial_balance, total_invested, total_pnl, holdings, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::JSONB, $8, $9)`,
		a.ID, a.UserID,
		a.Balance.String(), a.InitialBalance.String(),
		a.TotalInvested.String(), a.TotalPnL.String(),
		string(holdings), a.CreatedAt, a.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: user %s", ErrAccountExists, a.UserID)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return pgGetAccount(ctx, s.pool, userID, false)
}

func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID string, f OrderFilter) ([]model.Order, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if f.Side != "" {
		args = append(args, f.Side)
		where = append(where, fmt.Sprintf("side = $%d", len(args)))
	}
	query := `SELECT order_id, user_id, symbol, side, quantity, price::TEXT, order_type, status, created_at, filled_at
		 FROM orders WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, order_id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		var o model.Order
		var price string
		if err := rows.Scan(&o.OrderID, &o.UserID, &o.Symbol, &o.Side, &o.Quantity, &price,
			&o.OrderType, &o.Status, &o.CreatedAt, &o.FilledAt); err != nil {
			return nil, err
		}
		if err := parseDecimals(decimalCol{"price", price, &o.Price}); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.OrderID, err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, qty, avg_price::TEXT, current_price::TEXT, pnl::TEXT, pnl_percent::TEXT, opened_at, updated_at
		 FROM positions WHERE user_id = $1 AND qty > 0 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanPgPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string, f TradeFilter) ([]model.Trade, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	query := pgTradeColumns + ` FROM trades WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY closed_at DESC NULLS LAST, entry_time DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgTrades(rows)
}

// WithinTx runs fn inside a pgx transaction. The account row is locked
// FOR UPDATE when fn first loads it.
func (s *PostgresStore) WithinTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&postgresTx{q: tx, userID: userID})
	})
}

type postgresTx struct {
	q      querier
	userID string
}

func (tx *postgresTx) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return pgGetAccount(ctx, tx.q, userID, true)
}

func (tx *postgresTx) SaveAccount(ctx context.Context, a *model.Account) error {
	holdings, err := json.Marshal(nonNilHoldings(a.Holdings))
	if err != nil {
		return err
	}
	tag, err := tx.q.Exec(ctx,
		`UPDATE accounts
		 SET balance = $2::NUMERIC, total_invested = $3::NUMERIC, total_pnl = $4::NUMERIC,
		     holdings = $5::JSONB, updated_at = $6
		 WHERE user_id = $1`,
		a.UserID, a.Balance.String(), a.TotalInvested.String(), a.TotalPnL.String(),
		string(holdings), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account for user %s: %w", a.UserID, ErrNotFound)
	}
	return nil
}

func (tx *postgresTx) GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error) {
	row := tx.q.QueryRow(ctx,
		`SELECT user_id, symbol, qty, avg_price::TEXT, current_price::TEXT, pnl::TEXT, pnl_percent::TEXT, opened_at, updated_at
		 FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	p, err := scanPgPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, ErrNotFound)
	}
	return p, err
}

func (tx *postgresTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO positions (user_id, symbol, qty, avg_price, current_price, pnl, pnl_percent, opened_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (user_id, symbol) DO UPDATE
		 SET qty = EXCLUDED.qty, avg_price = EXCLUDED.avg_price, current_price = EXCLUDED.current_price,
		     pnl = EXCLUDED.pnl, pnl_percent = EXCLUDED.pnl_percent,
		     opened_at = EXCLUDED.opened_at, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Symbol, p.Qty,
		p.AvgPrice.String(), p.CurrentPrice.String(), p.PnL.String(), p.PnLPercent.String(),
		p.OpenedAt, p.UpdatedAt,
	)
	return err
}

func (tx *postgresTx) DeletePosition(ctx context.Context, userID, symbol string) error {
	_, err := tx.q.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	return err
}

func (tx *postgresTx) DeletePositions(ctx context.Context, userID string) error {
	_, err := tx.q.Exec(ctx, `DELETE FROM positions WHERE user_id = $1`, userID)
	return err
}

func (tx *postgresTx) OpenLots(ctx context.Context, userID, symbol string) ([]model.Trade, error) {
	rows, err := tx.q.Query(ctx,
		pgTradeColumns+` FROM trades
		 WHERE user_id = $1 AND symbol = $2 AND status = $3 AND entry_side = $4
		 ORDER BY entry_time ASC, trade_id ASC
		 FOR UPDATE`,
		userID, symbol, model.TradeOpen, model.SideBuy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgTrades(rows)
}

func (tx *postgresTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	exitPrice := nullableDecimal(t.ExitPrice)
	_, err := tx.q.Exec(ctx,
		`INSERT INTO trades (trade_id, user_id, symbol, entry_order_id, entry_side, entry_quantity, entry_price, entry_time,
		                     exit_order_id, exit_side, exit_quantity, exit_price, exit_time,
		                     status, pnl, pnl_percent, brokerage, net_pnl,
		                     holding_days, holding_hours, holding_minutes, created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8,
		         $9, $10, $11, $12::NUMERIC, $13,
		         $14, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC, $18::NUMERIC,
		         $19, $20, $21, $22, $23)`,
		t.TradeID, t.UserID, t.Symbol, t.EntryOrderID, t.EntrySide, t.EntryQuantity, t.EntryPrice.String(), t.EntryTime,
		t.ExitOrderID, t.ExitSide, t.ExitQuantity, exitPrice, t.ExitTime,
		t.Status, t.PnL.String(), t.PnLPercent.String(), t.Brokerage.String(), t.NetPnL.String(),
		t.HoldingDays, t.HoldingHours, t.HoldingMinutes, t.CreatedAt, t.ClosedAt,
	)
	return err
}

func (tx *postgresTx) UpdateTrade(ctx context.Context, t *model.Trade) error {
	exitPrice := nullableDecimal(t.ExitPrice)
	tag, err := tx.q.Exec(ctx,
		`UPDATE trades
		 SET entry_quantity = $2, exit_order_id = $3, exit_side = $4, exit_quantity = $5,
		     exit_price = $6::NUMERIC, exit_time = $7, status = $8,
		     pnl = $9::NUMERIC, pnl_percent = $10::NUMERIC, brokerage = $11::NUMERIC, net_pnl = $12::NUMERIC,
		     holding_days = $13, holding_hours = $14, holding_minutes = $15, closed_at = $16
		 WHERE trade_id = $1`,
		t.TradeID, t.EntryQuantity, t.ExitOrderID, t.ExitSide, t.ExitQuantity,
		exitPrice, t.ExitTime, t.Status,
		t.PnL.String(), t.PnLPercent.String(), t.Brokerage.String(), t.NetPnL.String(),
		t.HoldingDays, t.HoldingHours, t.HoldingMinutes, t.ClosedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s: %w", t.TradeID, ErrNotFound)
	}
	return nil
}

func (tx *postgresTx) DeleteTrades(ctx context.Context, userID string) error {
	_, err := tx.q.Exec(ctx, `DELETE FROM trades WHERE user_id = $1`, userID)
	return err
}

func (tx *postgresTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO orders (order_id, user_id, symbol, side, quantity, price, order_type, status, created_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)`,
		o.OrderID, o.UserID, o.Symbol, o.Side, o.Quantity, o.Price.String(),
		o.OrderType, o.Status, o.CreatedAt, o.FilledAt,
	)
	return err
}

func (tx *postgresTx) BuyOrderTotals(ctx context.Context, userID, symbol string, since time.Time) (int64, decimal.Decimal, error) {
	var qty int64
	var notional string
	err := tx.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)::BIGINT, COALESCE(SUM(quantity * price), 0)::TEXT
		 FROM orders
		 WHERE user_id = $1 AND symbol = $2 AND side = $3 AND status = $4 AND created_at >= $5`,
		userID, symbol, model.SideBuy, model.OrderStatusFilled, since).
		Scan(&qty, &notional)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("buy order totals %s/%s: %w", userID, symbol, err)
	}
	var n decimal.Decimal
	if err := parseDecimals(decimalCol{"notional", notional, &n}); err != nil {
		return 0, decimal.Zero, fmt.Errorf("buy order totals %s/%s: %w", userID, symbol, err)
	}
	return qty, n, nil
}

// --- helpers ---

func pgGetAccount(ctx context.Context, q querier, userID string, forUpdate bool) (*model.Account, error) {
	query := `SELECT id, user_id, balance::TEXT, initial_balance::TEXT, total_invested::TEXT, total_pnl::TEXT,
	                 holdings::TEXT, created_at, updated_at
	          FROM accounts WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var a model.Account
	var balance, initial, invested, pnl, holdings string
	err := q.QueryRow(ctx, query, userID).
		Scan(&a.ID, &a.UserID, &balance, &initial, &invested, &pnl, &holdings, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	if err := parseDecimals(
		decimalCol{"balance", balance, &a.Balance},
		decimalCol{"initial_balance", initial, &a.InitialBalance},
		decimalCol{"total_invested", invested, &a.TotalInvested},
		decimalCol{"total_pnl", pnl, &a.TotalPnL},
	); err != nil {
		return nil, fmt.Errorf("account %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(holdings), &a.Holdings); err != nil {
		return nil, fmt.Errorf("decode holdings for %s: %w", userID, err)
	}
	return &a, nil
}

func scanPgPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avg, current, pnl, pct string
	if err := row.Scan(&p.UserID, &p.Symbol, &p.Qty, &avg, &current, &pnl, &pct, &p.OpenedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(
		decimalCol{"avg_price", avg, &p.AvgPrice},
		decimalCol{"current_price", current, &p.CurrentPrice},
		decimalCol{"pnl", pnl, &p.PnL},
		decimalCol{"pnl_percent", pct, &p.PnLPercent},
	); err != nil {
		return nil, fmt.Errorf("position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	return &p, nil
}

const pgTradeColumns = `SELECT trade_id, user_id, symbol, entry_order_id, entry_side, entry_quantity, entry_price::TEXT, entry_time,
	        exit_order_id, exit_side, exit_quantity, exit_price::TEXT, exit_time,
	        status, pnl::TEXT, pnl_percent::TEXT, brokerage::TEXT, net_pnl::TEXT,
	        holding_days, holding_hours, holding_minutes, created_at, closed_at`

func scanPgTrades(rows pgx.Rows) ([]model.Trade, error) {
	trades := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		var entryPrice, pnl, pct, brokerage, net string
		var exitPrice *string
		if err := rows.Scan(&t.TradeID, &t.UserID, &t.Symbol, &t.EntryOrderID, &t.EntrySide, &t.EntryQuantity, &entryPrice, &t.EntryTime,
			&t.ExitOrderID, &t.ExitSide, &t.ExitQuantity, &exitPrice, &t.ExitTime,
			&t.Status, &pnl, &pct, &brokerage, &net,
			&t.HoldingDays, &t.HoldingHours, &t.HoldingMinutes, &t.CreatedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			decimalCol{"entry_price", entryPrice, &t.EntryPrice},
			decimalCol{"pnl", pnl, &t.PnL},
			decimalCol{"pnl_percent", pct, &t.PnLPercent},
			decimalCol{"brokerage", brokerage, &t.Brokerage},
			decimalCol{"net_pnl", net, &t.NetPnL},
		); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.TradeID, err)
		}
		if exitPrice != nil {
			var d decimal.Decimal
			if err := parseDecimals(decimalCol{"exit_price", *exitPrice, &d}); err != nil {
				return nil, fmt.Errorf("trade %s: %w", t.TradeID, err)
			}
			t.ExitPrice = &d
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func nullableDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func nonNilHoldings(h []model.Holding) []model.Holding {
	if h == nil {
		return []model.Holding{}
	}
	return h
}
