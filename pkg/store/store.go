// Package store defines the durable state the exchange runs against:
// accounts, positions, orders, and executions, with row-locked reads
// inside explicit transactions. The engine never touches rows outside
// of a Store transaction.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order. OPEN orders form the book;
// EXECUTED and CANCELED are terminal.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusExecuted Status = "EXECUTED"
	StatusCanceled Status = "CANCELED"
)

var (
	// ErrNotFound is returned by lookups when no row matches.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrConflict marks serialization or deadlock failures that are safe
	// to retry with a fresh transaction.
	ErrConflict = errors.New("store: transaction conflict")
)

// Account relates an opaque id to a cash balance. Balances are exact
// decimals kept at two decimal places and never go negative.
type Account struct {
	ID      string
	Balance decimal.Decimal
}

// Position is the number of shares of one symbol held by one account.
// Quantity never goes negative; shorting is rejected at the store.
type Position struct {
	AccountID string
	Symbol    string
	Quantity  decimal.Decimal
}

// Order is a limit order. Amount is signed: positive is a buy, negative
// a sell, and its magnitude is the original total share count. Amount is
// never mutated after insert; remaining shares are derived by subtracting
// the executions recorded against the order.
type Order struct {
	ID           int64
	AccountID    string
	Symbol       string
	Amount       decimal.Decimal
	LimitPrice   decimal.Decimal
	Status       Status
	CreationTime int64
}

// IsBuy reports whether the order is on the buy side.
func (o Order) IsBuy() bool {
	return o.Amount.Sign() > 0
}

// Shares returns the original total share count, |Amount|.
func (o Order) Shares() decimal.Decimal {
	return o.Amount.Abs()
}

// Execution is one matched quantity at one price. Every fill writes two
// of these, one per side.
type Execution struct {
	ID      int64
	OrderID int64
	Shares  decimal.Decimal
	Price   decimal.Decimal
	Time    int64
}

// Tx is the set of row operations available inside one transaction.
// ForUpdate variants take the row-exclusive lock before returning, so
// the value read is the value the caller may base a write on.
type Tx interface {
	CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error
	Account(ctx context.Context, id string) (Account, error)
	AccountForUpdate(ctx context.Context, id string) (Account, error)
	SetBalance(ctx context.Context, id string, balance decimal.Decimal) error

	PositionForUpdate(ctx context.Context, accountID, symbol string) (Position, error)
	UpsertPosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error

	// CreateOrder inserts the order and returns it with the store-assigned
	// monotonic id filled in.
	CreateOrder(ctx context.Context, o Order) (Order, error)
	Order(ctx context.Context, id int64) (Order, error)
	OrderForUpdate(ctx context.Context, id int64) (Order, error)
	SetOrderStatus(ctx context.Context, id int64, status Status) error

	// BestResting locks and returns the best OPEN order resting on the
	// given side of the symbol's book: best price first (descending for
	// buys, ascending for sells), then earliest creation time, then
	// lowest order id. ErrNotFound when the side is empty.
	BestResting(ctx context.Context, symbol string, buySide bool) (Order, error)

	InsertExecution(ctx context.Context, orderID int64, shares, price decimal.Decimal, execTime int64) error
	FilledShares(ctx context.Context, orderID int64) (decimal.Decimal, error)
	// Executions returns the order's executions in ascending time order,
	// ties broken by insertion order.
	Executions(ctx context.Context, orderID int64) ([]Execution, error)
}

// Store runs functions inside transactions. Update commits when fn
// returns nil and rolls back otherwise; View is read-only.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}
