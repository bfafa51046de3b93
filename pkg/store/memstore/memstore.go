// Package memstore is an in-memory store implementation for tests. It
// serializes all transactions behind one big lock and restores a
// snapshot on rollback, which gives the same observable semantics as
// the Postgres store without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/sasha-s/go-deadlock"
	"github.com/shopspring/decimal"

	"github.com/dylanlott/exchange/pkg/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu deadlock.Mutex

	accounts   map[string]decimal.Decimal
	positions  map[string]decimal.Decimal // accountID + "/" + symbol
	orders     map[int64]store.Order
	executions []store.Execution

	nextOrderID int64
	nextExecID  int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]decimal.Decimal),
		positions: make(map[string]decimal.Decimal),
		orders:    make(map[int64]store.Order),
	}
}

func posKey(accountID, symbol string) string {
	return accountID + "/" + symbol
}

// Update runs fn under the store lock and rolls all writes back if fn
// returns an error.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// View runs fn under the store lock; writes made through a View are a
// caller bug and are rolled back just like a failed Update.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	err := fn(&memTx{s: s})
	s.restore(snap)
	return err
}

type snapshot struct {
	accounts    map[string]decimal.Decimal
	positions   map[string]decimal.Decimal
	orders      map[int64]store.Order
	executions  []store.Execution
	nextOrderID int64
	nextExecID  int64
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		accounts:    make(map[string]decimal.Decimal, len(s.accounts)),
		positions:   make(map[string]decimal.Decimal, len(s.positions)),
		orders:      make(map[int64]store.Order, len(s.orders)),
		executions:  append([]store.Execution(nil), s.executions...),
		nextOrderID: s.nextOrderID,
		nextExecID:  s.nextExecID,
	}
	for k, v := range s.accounts {
		snap.accounts[k] = v
	}
	for k, v := range s.positions {
		snap.positions[k] = v
	}
	for k, v := range s.orders {
		snap.orders[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.accounts = snap.accounts
	s.positions = snap.positions
	s.orders = snap.orders
	s.executions = snap.executions
	s.nextOrderID = snap.nextOrderID
	s.nextExecID = snap.nextExecID
}

type memTx struct {
	s *Store
}

func (t *memTx) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	if _, ok := t.s.accounts[id]; ok {
		return fmt.Errorf("%w: account %s", store.ErrDuplicate, id)
	}
	t.s.accounts[id] = balance
	return nil
}

func (t *memTx) Account(ctx context.Context, id string) (store.Account, error) {
	bal, ok := t.s.accounts[id]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return store.Account{ID: id, Balance: bal}, nil
}

func (t *memTx) AccountForUpdate(ctx context.Context, id string) (store.Account, error) {
	return t.Account(ctx, id)
}

func (t *memTx) SetBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	if _, ok := t.s.accounts[id]; !ok {
		return store.ErrNotFound
	}
	t.s.accounts[id] = balance
	return nil
}

func (t *memTx) PositionForUpdate(ctx context.Context, accountID, symbol string) (store.Position, error) {
	qty, ok := t.s.positions[posKey(accountID, symbol)]
	if !ok {
		return store.Position{}, store.ErrNotFound
	}
	return store.Position{AccountID: accountID, Symbol: symbol, Quantity: qty}, nil
}

func (t *memTx) UpsertPosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error {
	t.s.positions[posKey(accountID, symbol)] = quantity
	return nil
}

func (t *memTx) CreateOrder(ctx context.Context, o store.Order) (store.Order, error) {
	t.s.nextOrderID++
	o.ID = t.s.nextOrderID
	t.s.orders[o.ID] = o
	return o, nil
}

func (t *memTx) Order(ctx context.Context, id int64) (store.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return store.Order{}, store.ErrNotFound
	}
	return o, nil
}

func (t *memTx) OrderForUpdate(ctx context.Context, id int64) (store.Order, error) {
	return t.Order(ctx, id)
}

func (t *memTx) SetOrderStatus(ctx context.Context, id int64, status store.Status) error {
	o, ok := t.s.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	t.s.orders[id] = o
	return nil
}

func (t *memTx) BestResting(ctx context.Context, symbol string, buySide bool) (store.Order, error) {
	var book []store.Order
	for _, o := range t.s.orders {
		if o.Symbol != symbol || o.Status != store.StatusOpen || o.IsBuy() != buySide {
			continue
		}
		book = append(book, o)
	}
	if len(book) == 0 {
		return store.Order{}, store.ErrNotFound
	}
	sort.Slice(book, func(i, j int) bool {
		a, b := book[i], book[j]
		if !a.LimitPrice.Equal(b.LimitPrice) {
			if buySide {
				return a.LimitPrice.GreaterThan(b.LimitPrice)
			}
			return a.LimitPrice.LessThan(b.LimitPrice)
		}
		if a.CreationTime != b.CreationTime {
			return a.CreationTime < b.CreationTime
		}
		return a.ID < b.ID
	})
	return book[0], nil
}

func (t *memTx) InsertExecution(ctx context.Context, orderID int64, shares, price decimal.Decimal, execTime int64) error {
	t.s.nextExecID++
	t.s.executions = append(t.s.executions, store.Execution{
		ID:      t.s.nextExecID,
		OrderID: orderID,
		Shares:  shares,
		Price:   price,
		Time:    execTime,
	})
	return nil
}

func (t *memTx) FilledShares(ctx context.Context, orderID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range t.s.executions {
		if e.OrderID == orderID {
			total = total.Add(e.Shares)
		}
	}
	return total, nil
}

func (t *memTx) Executions(ctx context.Context, orderID int64) ([]store.Execution, error) {
	var execs []store.Execution
	for _, e := range t.s.executions {
		if e.OrderID == orderID {
			execs = append(execs, e)
		}
	}
	sort.SliceStable(execs, func(i, j int) bool {
		if execs[i].Time != execs[j].Time {
			return execs[i].Time < execs[j].Time
		}
		return execs[i].ID < execs[j].ID
	})
	return execs, nil
}
