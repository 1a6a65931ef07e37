package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/model"
)

// Decimals are TEXT so no precision is lost; times are INTEGER unix
// nanoseconds (UTC) so they sort numerically.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL UNIQUE,
	balance         TEXT NOT NULL,
	initial_balance TEXT NOT NULL,
	total_invested  TEXT NOT NULL,
	total_pnl       TEXT NOT NULL,
	holdings        TEXT NOT NULL DEFAULT '[]',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	user_id       TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	qty           INTEGER NOT NULL,
	avg_price     TEXT NOT NULL,
	current_price TEXT NOT NULL,
	pnl           TEXT NOT NULL,
	pnl_percent   TEXT NOT NULL,
	opened_at     INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS trades (
	trade_id        TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	entry_order_id  TEXT NOT NULL,
	entry_side      TEXT NOT NULL,
	entry_quantity  INTEGER NOT NULL,
	entry_price     TEXT NOT NULL,
	entry_time      INTEGER NOT NULL,
	exit_order_id   TEXT NOT NULL DEFAULT '',
	exit_side       TEXT NOT NULL DEFAULT '',
	exit_quantity   INTEGER NOT NULL DEFAULT 0,
	exit_price      TEXT,
	exit_time       INTEGER,
	status          TEXT NOT NULL,
	pnl             TEXT NOT NULL,
	pnl_percent     TEXT NOT NULL,
	brokerage       TEXT NOT NULL,
	net_pnl         TEXT NOT NULL,
	holding_days    INTEGER NOT NULL DEFAULT 0,
	holding_hours   INTEGER NOT NULL DEFAULT 0,
	holding_minutes INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	closed_at       INTEGER
);
CREATE INDEX IF NOT EXISTS trades_open_lots ON trades (user_id, symbol, status, entry_time);

CREATE TABLE IF NOT EXISTS orders (
	order_id   TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	quantity   INTEGER NOT NULL,
	price      TEXT NOT NULL,
	order_type TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	filled_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_user_created ON orders (user_id, created_at);
`

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store on a single SQLite file. Suitable for a
// single-node deployment; writers are serialized by the one open connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	holdings, err := json.Marshal(nonNilHoldings(a.Holdings))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, balance, initial_balance, total_invested, total_pnl, holdings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID,
		a.Balance.String(), a.InitialBalance.String(),
		a.TotalInvested.String(), a.TotalPnL.String(),
		string(holdings), nanos(a.CreatedAt), nanos(a.UpdatedAt),
	)
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: user %s", ErrAccountExists, a.UserID)
	}
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return sqliteGetAccount(ctx, s.db, userID)
}

func (s *SQLiteStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM accounts ORDER BY user_id`)
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

func (s *SQLiteStore) ListOrders(ctx context.Context, userID string, f OrderFilter) ([]model.Order, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Side != "" {
		where = append(where, "side = ?")
		args = append(args, string(f.Side))
	}
	query := `SELECT order_id, user_id, symbol, side, quantity, price, order_type, status, created_at, filled_at
		 FROM orders WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, order_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		var o model.Order
		var side, orderType, status, price string
		var created, filled int64
		if err := rows.Scan(&o.OrderID, &o.UserID, &o.Symbol, &side, &o.Quantity, &price,
			&orderType, &status, &created, &filled); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.OrderType = model.OrderType(orderType)
		o.Status = model.OrderStatus(status)
		if err := parseDecimals(decimalCol{"price", price, &o.Price}); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.OrderID, err)
		}
		o.CreatedAt = fromNanos(created)
		o.FilledAt = fromNanos(filled)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, symbol, qty, avg_price, current_price, pnl, pnl_percent, opened_at, updated_at
		 FROM positions WHERE user_id = ? AND qty > 0 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) ListTrades(ctx context.Context, userID string, f TradeFilter) ([]model.Trade, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	query := sqliteTradeColumns + ` FROM trades WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY closed_at IS NULL, closed_at DESC, entry_time DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteTrades(rows)
}

// WithinTx runs fn in an IMMEDIATE transaction, which takes the database
// write lock up front.
func (s *SQLiteStore) WithinTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	if err := fn(&sqliteTx{q: tx, userID: userID}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite tx: %w", err)
	}
	return nil
}

type sqliteTx struct {
	q      sqlQuerier
	userID string
}

func (tx *sqliteTx) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return sqliteGetAccount(ctx, tx.q, userID)
}

func (tx *sqliteTx) SaveAccount(ctx context.Context, a *model.Account) error {
	holdings, err := json.Marshal(nonNilHoldings(a.Holdings))
	if err != nil {
		return err
	}
	res, err := tx.q.ExecContext(ctx,
		`UPDATE accounts
		 SET balance = ?, total_invested = ?, total_pnl = ?, holdings = ?, updated_at = ?
		 WHERE user_id = ?`,
		a.Balance.String(), a.TotalInvested.String(), a.TotalPnL.String(),
		string(holdings), nanos(a.UpdatedAt), a.UserID,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.UserID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account for user %s: %w", a.UserID, ErrNotFound)
	}
	return nil
}

func (tx *sqliteTx) GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error) {
	row := tx.q.QueryRowContext(ctx,
		`SELECT user_id, symbol, qty, avg_price, current_price, pnl, pnl_percent, opened_at, updated_at
		 FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)
	p, err := scanSQLitePosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, ErrNotFound)
	}
	return p, err
}

func (tx *sqliteTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO positions (user_id, symbol, qty, avg_price, current_price, pnl, pnl_percent, opened_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, symbol) DO UPDATE
		 SET qty = excluded.qty, avg_price = excluded.avg_price, current_price = excluded.current_price,
		     pnl = excluded.pnl, pnl_percent = excluded.pnl_percent,
		     opened_at = excluded.opened_at, updated_at = excluded.updated_at`,
		p.UserID, p.Symbol, p.Qty,
		p.AvgPrice.String(), p.CurrentPrice.String(), p.PnL.String(), p.PnLPercent.String(),
		nanos(p.OpenedAt), nanos(p.UpdatedAt),
	)
	return err
}

func (tx *sqliteTx) DeletePosition(ctx context.Context, userID, symbol string) error {
	_, err := tx.q.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)
	return err
}

func (tx *sqliteTx) DeletePositions(ctx context.Context, userID string) error {
	_, err := tx.q.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ?`, userID)
	return err
}

func (tx *sqliteTx) OpenLots(ctx context.Context, userID, symbol string) ([]model.Trade, error) {
	rows, err := tx.q.QueryContext(ctx,
		sqliteTradeColumns+` FROM trades
		 WHERE user_id = ? AND symbol = ? AND status = ? AND entry_side = ?
		 ORDER BY entry_time ASC, trade_id ASC`,
		userID, symbol, string(model.TradeOpen), string(model.SideBuy))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteTrades(rows)
}

func (tx *sqliteTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO trades (trade_id, user_id, symbol, entry_order_id, entry_side, entry_quantity, entry_price, entry_time,
		                     exit_order_id, exit_side, exit_quantity, exit_price, exit_time,
		                     status, pnl, pnl_percent, brokerage, net_pnl,
		                     holding_days, holding_hours, holding_minutes, created_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.UserID, t.Symbol, t.EntryOrderID, string(t.EntrySide), t.EntryQuantity, t.EntryPrice.String(), nanos(t.EntryTime),
		t.ExitOrderID, string(t.ExitSide), t.ExitQuantity, nullableDecimal(t.ExitPrice), nullableNanos(t.ExitTime),
		string(t.Status), t.PnL.String(), t.PnLPercent.String(), t.Brokerage.String(), t.NetPnL.String(),
		t.HoldingDays, t.HoldingHours, t.HoldingMinutes, nanos(t.CreatedAt), nullableNanos(t.ClosedAt),
	)
	return err
}

func (tx *sqliteTx) UpdateTrade(ctx context.Context, t *model.Trade) error {
	res, err := tx.q.ExecContext(ctx,
		`UPDATE trades
		 SET entry_quantity = ?, exit_order_id = ?, exit_side = ?, exit_quantity = ?,
		     exit_price = ?, exit_time = ?, status = ?,
		     pnl = ?, pnl_percent = ?, brokerage = ?, net_pnl = ?,
		     holding_days = ?, holding_hours = ?, holding_minutes = ?, closed_at = ?
		 WHERE trade_id = ?`,
		t.EntryQuantity, t.ExitOrderID, string(t.ExitSide), t.ExitQuantity,
		nullableDecimal(t.ExitPrice), nullableNanos(t.ExitTime), string(t.Status),
		t.PnL.String(), t.PnLPercent.String(), t.Brokerage.String(), t.NetPnL.String(),
		t.HoldingDays, t.HoldingHours, t.HoldingMinutes, nullableNanos(t.ClosedAt),
		t.TradeID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trade %s: %w", t.TradeID, ErrNotFound)
	}
	return nil
}

func (tx *sqliteTx) DeleteTrades(ctx context.Context, userID string) error {
	_, err := tx.q.ExecContext(ctx, `DELETE FROM trades WHERE user_id = ?`, userID)
	return err
}

func (tx *sqliteTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO orders (order_id, user_id, symbol, side, quantity, price, order_type, status, created_at, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.UserID, o.Symbol, string(o.Side), o.Quantity, o.Price.String(),
		string(o.OrderType), string(o.Status), nanos(o.CreatedAt), nanos(o.FilledAt),
	)
	return err
}

// BuyOrderTotals sums in Go because SQLite has no exact decimal type.
func (tx *sqliteTx) BuyOrderTotals(ctx context.Context, userID, symbol string, since time.Time) (int64, decimal.Decimal, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT quantity, price FROM orders
		 WHERE user_id = ? AND symbol = ? AND side = ? AND status = ? AND created_at >= ?`,
		userID, symbol, string(model.SideBuy), string(model.OrderStatusFilled), nanos(since))
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("buy order totals %s/%s: %w", userID, symbol, err)
	}
	defer rows.Close()

	var qty int64
	notional := decimal.Zero
	for rows.Next() {
		var q int64
		var price string
		if err := rows.Scan(&q, &price); err != nil {
			return 0, decimal.Zero, err
		}
		var p decimal.Decimal
		if err := parseDecimals(decimalCol{"price", price, &p}); err != nil {
			return 0, decimal.Zero, fmt.Errorf("buy order totals %s/%s: %w", userID, symbol, err)
		}
		qty += q
		notional = notional.Add(p.Mul(decimal.NewFromInt(q)))
	}
	return qty, notional, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteGetAccount(ctx context.Context, q sqlQuerier, userID string) (*model.Account, error) {
	var a model.Account
	var balance, initial, invested, pnl, holdings string
	var created, updated int64
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, balance, initial_balance, total_invested, total_pnl, holdings, created_at, updated_at
		 FROM accounts WHERE user_id = ?`, userID).
		Scan(&a.ID, &a.UserID, &balance, &initial, &invested, &pnl, &holdings, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
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
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(holdings), &a.Holdings); err != nil {
		return nil, fmt.Errorf("decode holdings for %s: %w", userID, err)
	}
	return &a, nil
}

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var avg, current, pnl, pct string
	var opened, updated int64
	if err := row.Scan(&p.UserID, &p.Symbol, &p.Qty, &avg, &current, &pnl, &pct, &opened, &updated); err != nil {
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
	p.OpenedAt = fromNanos(opened)
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

const sqliteTradeColumns = `SELECT trade_id, user_id, symbol, entry_order_id, entry_side, entry_quantity, entry_price, entry_time,
	        exit_order_id, exit_side, exit_quantity, exit_price, exit_time,
	        status, pnl, pnl_percent, brokerage, net_pnl,
	        holding_days, holding_hours, holding_minutes, created_at, closed_at`

func scanSQLiteTrades(rows *sql.Rows) ([]model.Trade, error) {
	trades := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		var entrySide, exitSide, status string
		var entryPrice, pnl, pct, brokerage, net string
		var entryTime, created int64
		var exitPrice sql.NullString
		var exitTime, closedAt sql.NullInt64
		if err := rows.Scan(&t.TradeID, &t.UserID, &t.Symbol, &t.EntryOrderID, &entrySide, &t.EntryQuantity, &entryPrice, &entryTime,
			&t.ExitOrderID, &exitSide, &t.ExitQuantity, &exitPrice, &exitTime,
			&status, &pnl, &pct, &brokerage, &net,
			&t.HoldingDays, &t.HoldingHours, &t.HoldingMinutes, &created, &closedAt); err != nil {
			return nil, err
		}
		t.EntrySide = model.Side(entrySide)
		t.ExitSide = model.Side(exitSide)
		t.Status = model.TradeStatus(status)
		if err := parseDecimals(
			decimalCol{"entry_price", entryPrice, &t.EntryPrice},
			decimalCol{"pnl", pnl, &t.PnL},
			decimalCol{"pnl_percent", pct, &t.PnLPercent},
			decimalCol{"brokerage", brokerage, &t.Brokerage},
			decimalCol{"net_pnl", net, &t.NetPnL},
		); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.TradeID, err)
		}
		t.EntryTime = fromNanos(entryTime)
		t.CreatedAt = fromNanos(created)
		if exitPrice.Valid {
			var d decimal.Decimal
			if err := parseDecimals(decimalCol{"exit_price", exitPrice.String, &d}); err != nil {
				return nil, fmt.Errorf("trade %s: %w", t.TradeID, err)
			}
			t.ExitPrice = &d
		}
		if exitTime.Valid {
			et := fromNanos(exitTime.Int64)
			t.ExitTime = &et
		}
		if closedAt.Valid {
			ct := fromNanos(closedAt.Int64)
			t.ClosedAt = &ct
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}
