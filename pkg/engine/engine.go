// Package engine is the matching engine. It owns the invariants tying
// cash, shares, orders, and executions together: funds and shares are
// reserved when an order opens, fills settle both sides at the resting
// order's price, and cancels release only the unfilled remainder. Every
// operation runs inside a single store transaction, so concurrent
// clients never observe a half-matched order.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dylanlott/exchange/pkg/store"
)

// maxRetries bounds how many times a conflicted transaction is retried
// before the failure surfaces as a storage error.
const maxRetries = 3

// Engine matches orders against the book held in the store.
type Engine struct {
	store store.Store
	log   *slog.Logger
	now   func() int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the epoch-seconds clock, used by tests to pin
// creation and execution times.
func WithClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine backed by s.
func New(s store.Store, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store: s,
		log:   log,
		now:   func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QueryResult is the committed state of one order.
type QueryResult struct {
	Order      store.Order
	OpenShares decimal.Decimal
	Executions []store.Execution
}

// CancelResult reports a completed cancel: the executions that stood
// and the leftover shares whose reservation was released.
type CancelResult struct {
	Order      store.Order
	OpenShares decimal.Decimal
	Executions []store.Execution
	CanceledAt int64
}

// CreateAccount provisions a new account with an initial balance.
func (e *Engine) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	if id == "" {
		return errf(KindInvalidRequest, "account id must not be empty")
	}
	if balance.Sign() < 0 {
		return errf(KindInvalidRequest, "initial balance must not be negative")
	}
	err := e.update(ctx, func(tx store.Tx) error {
		if err := tx.CreateAccount(ctx, id, balance.Round(2)); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return errf(KindInvalidRequest, "account %s already exists", id)
			}
			return err
		}
		return nil
	})
	if err == nil {
		e.log.Info("account created", "account", id, "balance", balance)
	}
	return err
}

// CreditShares adds shares of symbol to an account's position, creating
// the position row if it does not exist. A negative credit that would
// take the position below zero is rejected.
func (e *Engine) CreditShares(ctx context.Context, accountID, symbol string, shares decimal.Decimal) error {
	if symbol == "" {
		return errf(KindInvalidRequest, "symbol must not be empty")
	}
	return e.update(ctx, func(tx store.Tx) error {
		if _, err := tx.Account(ctx, accountID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindUnknownAccount, "account %s does not exist", accountID)
			}
			return err
		}
		qty := decimal.Zero
		pos, err := tx.PositionForUpdate(ctx, accountID, symbol)
		switch {
		case err == nil:
			qty = pos.Quantity
		case errors.Is(err, store.ErrNotFound):
			// first credit creates the row
		default:
			return err
		}
		next := qty.Add(shares)
		if next.Sign() < 0 {
			return errf(KindInsufficientShares, "cannot short %s: position would be %s", symbol, next)
		}
		return tx.UpsertPosition(ctx, accountID, symbol, next)
	})
}

// AccountExists reports whether the account id names a known account.
func (e *Engine) AccountExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := e.store.View(ctx, func(tx store.Tx) error {
		_, err := tx.Account(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, e.lift(err)
	}
	return exists, nil
}

// PlaceOrder reserves funds or shares, inserts the order, and matches
// it against the opposite side of the book, all in one transaction. The
// returned order carries the assigned id and final status.
func (e *Engine) PlaceOrder(ctx context.Context, accountID, symbol string, amount, limit decimal.Decimal) (store.Order, error) {
	if amount.IsZero() {
		return store.Order{}, errf(KindInvalidRequest, "order amount must not be zero")
	}
	if limit.Sign() <= 0 {
		return store.Order{}, errf(KindInvalidRequest, "limit price must be positive")
	}
	if symbol == "" {
		return store.Order{}, errf(KindInvalidRequest, "symbol must not be empty")
	}

	var placed store.Order
	err := e.update(ctx, func(tx store.Tx) error {
		acct, err := tx.AccountForUpdate(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindUnknownAccount, "account %s does not exist", accountID)
			}
			return err
		}

		shares := amount.Abs()
		if amount.Sign() > 0 {
			// Reserve the full cost at the limit price. Fills at better
			// prices refund the difference as they happen.
			required := shares.Mul(limit)
			if acct.Balance.LessThan(required) {
				return errf(KindInsufficientFunds,
					"account %s has %s, needs %s", accountID, acct.Balance, required)
			}
			if err := tx.SetBalance(ctx, accountID, acct.Balance.Sub(required).Round(2)); err != nil {
				return err
			}
		} else {
			pos, err := tx.PositionForUpdate(ctx, accountID, symbol)
			if errors.Is(err, store.ErrNotFound) || (err == nil && pos.Quantity.LessThan(shares)) {
				return errf(KindInsufficientShares,
					"account %s cannot sell %s shares of %s", accountID, shares, symbol)
			}
			if err != nil {
				return err
			}
			if err := tx.UpsertPosition(ctx, accountID, symbol, pos.Quantity.Sub(shares)); err != nil {
				return err
			}
		}

		order, err := tx.CreateOrder(ctx, store.Order{
			AccountID:    accountID,
			Symbol:       symbol,
			Amount:       amount,
			LimitPrice:   limit,
			Status:       store.StatusOpen,
			CreationTime: e.now(),
		})
		if err != nil {
			return err
		}

		remaining, err := e.attemptFill(ctx, tx, order)
		if err != nil {
			return err
		}
		if remaining.IsZero() {
			if err := tx.SetOrderStatus(ctx, order.ID, store.StatusExecuted); err != nil {
				return err
			}
			order.Status = store.StatusExecuted
		}
		placed = order
		return nil
	})
	if err != nil {
		return store.Order{}, err
	}
	e.log.Info("order placed",
		"order", placed.ID, "account", accountID, "symbol", symbol,
		"amount", amount, "limit", limit, "status", placed.Status)
	return placed, nil
}

// CancelOrder releases the reservation behind the unfilled remainder of
// an open order and marks it CANCELED. Filled shares are not reversed.
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) (CancelResult, error) {
	var res CancelResult
	err := e.update(ctx, func(tx store.Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindUnknownOrder, "order %d does not exist", orderID)
			}
			return err
		}
		if o.Status != store.StatusOpen {
			return errf(KindNotCancellable, "order %d is %s", orderID, o.Status)
		}

		filled, err := tx.FilledShares(ctx, o.ID)
		if err != nil {
			return err
		}
		leftover := o.Shares().Sub(filled)

		// Refund only what is still reserved. The rate is the order's own
		// limit price because that is what was withheld at placement.
		if leftover.Sign() > 0 {
			if o.IsBuy() {
				acct, err := tx.AccountForUpdate(ctx, o.AccountID)
				if err != nil {
					return err
				}
				refund := leftover.Mul(o.LimitPrice)
				if err := tx.SetBalance(ctx, o.AccountID, acct.Balance.Add(refund).Round(2)); err != nil {
					return err
				}
			} else {
				qty := decimal.Zero
				pos, err := tx.PositionForUpdate(ctx, o.AccountID, o.Symbol)
				switch {
				case err == nil:
					qty = pos.Quantity
				case errors.Is(err, store.ErrNotFound):
					// position fully sold off since placement
				default:
					return err
				}
				if err := tx.UpsertPosition(ctx, o.AccountID, o.Symbol, qty.Add(leftover)); err != nil {
					return err
				}
			}
		}

		if err := tx.SetOrderStatus(ctx, o.ID, store.StatusCanceled); err != nil {
			return err
		}
		o.Status = store.StatusCanceled

		execs, err := tx.Executions(ctx, o.ID)
		if err != nil {
			return err
		}
		res = CancelResult{
			Order:      o,
			OpenShares: leftover,
			Executions: execs,
			CanceledAt: e.now(),
		}
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	e.log.Info("order canceled", "order", orderID, "leftover", res.OpenShares)
	return res, nil
}

// QueryOrder returns the committed state of an order: status, open
// shares, and its executions in ascending time order.
func (e *Engine) QueryOrder(ctx context.Context, orderID int64) (QueryResult, error) {
	var res QueryResult
	err := e.store.View(ctx, func(tx store.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindUnknownOrder, "order %d does not exist", orderID)
			}
			return err
		}
		filled, err := tx.FilledShares(ctx, o.ID)
		if err != nil {
			return err
		}
		execs, err := tx.Executions(ctx, o.ID)
		if err != nil {
			return err
		}
		res = QueryResult{
			Order:      o,
			OpenShares: o.Shares().Sub(filled),
			Executions: execs,
		}
		return nil
	})
	if err != nil {
		return QueryResult{}, e.lift(err)
	}
	return res, nil
}

// update runs fn in a read-write transaction, retrying a bounded number
// of times when the store reports a serialization conflict.
func (e *Engine) update(ctx context.Context, fn func(store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = e.store.Update(ctx, fn)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return e.lift(err)
		}
		e.log.Warn("transaction conflict, retrying", "attempt", attempt+1, "err", err)
	}
	return e.lift(err)
}

// lift tags raw store failures as storage errors; engine errors pass
// through untouched.
func (e *Engine) lift(err error) error {
	if err == nil {
		return nil
	}
	var engErr *Error
	if errors.As(err, &engErr) {
		return err
	}
	return &Error{Kind: KindStorage, Msg: "storage failure: " + err.Error(), Err: err}
}
