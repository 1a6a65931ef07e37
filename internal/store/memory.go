package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/papertrade/trading-engine/internal/model"
	"github.com/shopspring/decimal"
)

// book is everything owned by one user.
type book struct {
	account   *model.Account
	positions map[string]model.Position
	trades    []model.Trade
	orders    []model.Order
}

func newBook() *book {
	return &book{positions: make(map[string]model.Position)}
}

func (b *book) clone() *book {
	c := &book{
		positions: make(map[string]model.Position, len(b.positions)),
		trades:    append([]model.Trade(nil), b.trades...),
		orders:    append([]model.Order(nil), b.orders...),
	}
	if b.account != nil {
		c.account = b.account.Clone()
	}
	for k, v := range b.positions {
		c.positions[k] = v
	}
	return c
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions work on a copy of the user's book which replaces the
// original only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	books map[string]*book
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books: make(map[string]*book),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[a.UserID]
	if ok && b.account != nil {
		return fmt.Errorf("%w: user %s", ErrAccountExists, a.UserID)
	}
	if !ok {
		b = newBook()
		s.books[a.UserID] = b
	}
	// Store a copy to avoid external mutation.
	b.account = a.Clone()
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[userID]
	if !ok || b.account == nil {
		return nil, fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
	}
	return b.account.Clone(), nil
}

func (s *MemoryStore) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.books))
	for id, b := range s.books {
		if b.account != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, userID string, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[userID]
	if !ok {
		return []model.Order{}, nil
	}
	result := make([]model.Order, 0, len(b.orders))
	for _, o := range b.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if f.Side != "" && o.Side != f.Side {
			continue
		}
		result = append(result, o)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].OrderID > result[j].OrderID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[userID]
	if !ok {
		return []model.Position{}, nil
	}
	positions := make([]model.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Qty > 0 {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string, f TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[userID]
	if !ok {
		return []model.Trade{}, nil
	}
	result := make([]model.Trade, 0, len(b.trades))
	for _, t := range b.trades {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Symbol != "" && t.Symbol != f.Symbol {
			continue
		}
		result = append(result, t)
	}
	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := result[i].ClosedAt, result[j].ClosedAt
		switch {
		case ci != nil && cj == nil:
			return true
		case ci == nil && cj != nil:
			return false
		case ci != nil && cj != nil && !ci.Equal(*cj):
			return ci.After(*cj)
		}
		return result[i].EntryTime.After(result[j].EntryTime)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// WithinTx holds the store write lock for the duration of fn.
func (s *MemoryStore) WithinTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := newBook()
	if b, ok := s.books[userID]; ok {
		work = b.clone()
	}
	if err := fn(&memoryTx{userID: userID, book: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.books[userID] = work
	return nil
}

// memoryTx mutates a private copy of one user's book.
type memoryTx struct {
	userID string
	book   *book
}

func (tx *memoryTx) check(userID string) error {
	if userID != tx.userID {
		return fmt.Errorf("memory tx scoped to user %s, got %s", tx.userID, userID)
	}
	return nil
}

func (tx *memoryTx) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	if err := tx.check(userID); err != nil {
		return nil, err
	}
	if tx.book.account == nil {
		return nil, fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
	}
	return tx.book.account.Clone(), nil
}

func (tx *memoryTx) SaveAccount(_ context.Context, a *model.Account) error {
	if err := tx.check(a.UserID); err != nil {
		return err
	}
	tx.book.account = a.Clone()
	return nil
}

func (tx *memoryTx) GetPosition(_ context.Context, userID, symbol string) (*model.Position, error) {
	if err := tx.check(userID); err != nil {
		return nil, err
	}
	p, ok := tx.book.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, ErrNotFound)
	}
	return &p, nil
}

func (tx *memoryTx) SavePosition(_ context.Context, p *model.Position) error {
	if err := tx.check(p.UserID); err != nil {
		return err
	}
	tx.book.positions[p.Symbol] = *p
	return nil
}

func (tx *memoryTx) DeletePosition(_ context.Context, userID, symbol string) error {
	if err := tx.check(userID); err != nil {
		return err
	}
	delete(tx.book.positions, symbol)
	return nil
}

func (tx *memoryTx) DeletePositions(_ context.Context, userID string) error {
	if err := tx.check(userID); err != nil {
		return err
	}
	tx.book.positions = make(map[string]model.Position)
	return nil
}

func (tx *memoryTx) OpenLots(_ context.Context, userID, symbol string) ([]model.Trade, error) {
	if err := tx.check(userID); err != nil {
		return nil, err
	}
	var lots []model.Trade
	for _, t := range tx.book.trades {
		if t.Symbol == symbol && t.Status == model.TradeOpen && t.EntrySide == model.SideBuy {
			lots = append(lots, t)
		}
	}
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].EntryTime.Equal(lots[j].EntryTime) {
			return lots[i].EntryTime.Before(lots[j].EntryTime)
		}
		return lots[i].TradeID < lots[j].TradeID
	})
	return lots, nil
}

func (tx *memoryTx) InsertTrade(_ context.Context, t *model.Trade) error {
	if err := tx.check(t.UserID); err != nil {
		return err
	}
	for _, existing := range tx.book.trades {
		if existing.TradeID == t.TradeID {
			return fmt.Errorf("trade %s already exists", t.TradeID)
		}
	}
	tx.book.trades = append(tx.book.trades, *t)
	return nil
}

func (tx *memoryTx) UpdateTrade(_ context.Context, t *model.Trade) error {
	if err := tx.check(t.UserID); err != nil {
		return err
	}
	for i := range tx.book.trades {
		if tx.book.trades[i].TradeID == t.TradeID {
			tx.book.trades[i] = *t
			return nil
		}
	}
	return fmt.Errorf("trade %s: %w", t.TradeID, ErrNotFound)
}

func (tx *memoryTx) DeleteTrades(_ context.Context, userID string) error {
	if err := tx.check(userID); err != nil {
		return err
	}
	tx.book.trades = nil
	return nil
}

func (tx *memoryTx) InsertOrder(_ context.Context, o *model.Order) error {
	if err := tx.check(o.UserID); err != nil {
		return err
	}
	tx.book.orders = append(tx.book.orders, *o)
	return nil
}

func (tx *memoryTx) BuyOrderTotals(_ context.Context, userID, symbol string, since time.Time) (int64, decimal.Decimal, error) {
	if err := tx.check(userID); err != nil {
		return 0, decimal.Zero, err
	}
	var qty int64
	notional := decimal.Zero
	for _, o := range tx.book.orders {
		if o.Symbol != symbol || o.Side != model.SideBuy || o.Status != model.OrderStatusFilled {
			continue
		}
		if o.CreatedAt.Before(since) {
			continue
		}
		qty += o.Quantity
		notional = notional.Add(o.Notional())
	}
	return qty, notional, nil
}
