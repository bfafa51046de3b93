package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/dylanlott/exchange/pkg/store"
)

// attemptFill walks the opposite side of the book and fills the incoming
// order against the best-priced resting orders until it is satisfied or
// nothing crosses. Counterparty rows are locked one at a time in priority
// order and stay locked until the surrounding transaction commits.
// Returns the incoming order's remaining open shares.
func (e *Engine) attemptFill(ctx context.Context, tx store.Tx, incoming store.Order) (decimal.Decimal, error) {
	remaining := incoming.Shares()

	for remaining.Sign() > 0 {
		resting, err := tx.BestResting(ctx, incoming.Symbol, !incoming.IsBuy())
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return decimal.Zero, err
		}

		// Crossing check. Price-time priority means that if the best
		// resting order does not cross, no later one can.
		buyLimit, sellLimit := incoming.LimitPrice, resting.LimitPrice
		if !incoming.IsBuy() {
			buyLimit, sellLimit = resting.LimitPrice, incoming.LimitPrice
		}
		if sellLimit.GreaterThan(buyLimit) {
			break
		}

		filled, err := tx.FilledShares(ctx, resting.ID)
		if err != nil {
			return decimal.Zero, err
		}
		available := resting.Shares().Sub(filled)
		if available.Sign() <= 0 {
			// A fully-filled order should have left OPEN already; flip it
			// and move on to the next candidate.
			if err := tx.SetOrderStatus(ctx, resting.ID, store.StatusExecuted); err != nil {
				return decimal.Zero, err
			}
			continue
		}

		q := decimal.Min(remaining, available)

		// The order that was on the book first sets the price.
		price := resting.LimitPrice
		now := e.now()

		if err := tx.InsertExecution(ctx, incoming.ID, q, price, now); err != nil {
			return decimal.Zero, err
		}
		if err := tx.InsertExecution(ctx, resting.ID, q, price, now); err != nil {
			return decimal.Zero, err
		}

		buyer, seller := incoming, resting
		if !incoming.IsBuy() {
			buyer, seller = resting, incoming
		}
		if err := e.settleBuyer(ctx, tx, buyer, q, price); err != nil {
			return decimal.Zero, err
		}
		if err := e.settleSeller(ctx, tx, seller, q, price); err != nil {
			return decimal.Zero, err
		}

		if available.Equal(q) {
			if err := tx.SetOrderStatus(ctx, resting.ID, store.StatusExecuted); err != nil {
				return decimal.Zero, err
			}
		}
		remaining = remaining.Sub(q)

		e.log.Info("orders matched",
			"symbol", incoming.Symbol, "shares", q, "price", price,
			"incoming", incoming.ID, "resting", resting.ID)
	}

	return remaining, nil
}

// settleBuyer credits the filled shares to the buyer's position and
// refunds the spread between the buyer's limit and the execution price.
// The reservation already withheld q*limit, so the net cash out is
// exactly q*price.
func (e *Engine) settleBuyer(ctx context.Context, tx store.Tx, buyer store.Order, q, price decimal.Decimal) error {
	qty := decimal.Zero
	pos, err := tx.PositionForUpdate(ctx, buyer.AccountID, buyer.Symbol)
	switch {
	case err == nil:
		qty = pos.Quantity
	case errors.Is(err, store.ErrNotFound):
		// first shares of this symbol for the buyer
	default:
		return err
	}
	if err := tx.UpsertPosition(ctx, buyer.AccountID, buyer.Symbol, qty.Add(q)); err != nil {
		return err
	}

	refund := q.Mul(buyer.LimitPrice.Sub(price))
	if refund.Sign() > 0 {
		acct, err := tx.AccountForUpdate(ctx, buyer.AccountID)
		if err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, buyer.AccountID, acct.Balance.Add(refund).Round(2)); err != nil {
			return err
		}
	}
	return nil
}

// settleSeller credits the sale proceeds. The shares themselves were
// already debited from the seller's position at reservation time.
func (e *Engine) settleSeller(ctx context.Context, tx store.Tx, seller store.Order, q, price decimal.Decimal) error {
	acct, err := tx.AccountForUpdate(ctx, seller.AccountID)
	if err != nil {
		return err
	}
	return tx.SetBalance(ctx, seller.AccountID, acct.Balance.Add(q.Mul(price)).Round(2))
}
