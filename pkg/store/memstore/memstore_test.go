package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"
	"github.com/shopspring/decimal"

	"github.com/dylanlott/exchange/pkg/store"
)

func TestUpdateRollsBackOnError(t *testing.T) {
	is := is.New(t)
	s := New()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx store.Tx) error {
		is.NoErr(tx.CreateAccount(ctx, "alice", decimal.NewFromInt(100)))
		if _, err := tx.CreateOrder(ctx, store.Order{
			AccountID: "alice", Symbol: "TEST",
			Amount:     decimal.NewFromInt(10),
			LimitPrice: decimal.NewFromInt(5),
			Status:     store.StatusOpen,
		}); err != nil {
			return err
		}
		return boom
	})
	is.True(errors.Is(err, boom))

	// nothing from the failed transaction is visible
	err = s.View(ctx, func(tx store.Tx) error {
		_, err := tx.Account(ctx, "alice")
		is.True(errors.Is(err, store.ErrNotFound))
		_, err = tx.Order(ctx, 1)
		is.True(errors.Is(err, store.ErrNotFound))
		return nil
	})
	is.NoErr(err)
}

func TestOrderIDsAreMonotonic(t *testing.T) {
	is := is.New(t)
	s := New()
	ctx := context.Background()

	var first, second store.Order
	err := s.Update(ctx, func(tx store.Tx) error {
		is.NoErr(tx.CreateAccount(ctx, "alice", decimal.NewFromInt(1000)))
		var err error
		first, err = tx.CreateOrder(ctx, store.Order{AccountID: "alice", Symbol: "A",
			Amount: decimal.NewFromInt(1), LimitPrice: decimal.NewFromInt(1), Status: store.StatusOpen})
		is.NoErr(err)
		second, err = tx.CreateOrder(ctx, store.Order{AccountID: "alice", Symbol: "A",
			Amount: decimal.NewFromInt(1), LimitPrice: decimal.NewFromInt(1), Status: store.StatusOpen})
		return err
	})
	is.NoErr(err)
	is.True(second.ID > first.ID)
}

func TestBestRestingPriority(t *testing.T) {
	is := is.New(t)
	s := New()
	ctx := context.Background()

	mk := func(tx store.Tx, amount, limit int64, ctime int64) store.Order {
		o, err := tx.CreateOrder(ctx, store.Order{
			AccountID:    "alice",
			Symbol:       "TEST",
			Amount:       decimal.NewFromInt(amount),
			LimitPrice:   decimal.NewFromInt(limit),
			Status:       store.StatusOpen,
			CreationTime: ctime,
		})
		is.NoErr(err)
		return o
	}

	var cheap, tieOld, tieNew store.Order
	err := s.Update(ctx, func(tx store.Tx) error {
		is.NoErr(tx.CreateAccount(ctx, "alice", decimal.NewFromInt(0)))
		mk(tx, -10, 48, 1000)
		cheap = mk(tx, -10, 45, 1200)
		tieOld = mk(tx, -10, 46, 1000)
		tieNew = mk(tx, -10, 46, 1100)
		return nil
	})
	is.NoErr(err)

	err = s.View(ctx, func(tx store.Tx) error {
		// sells: best price first regardless of age
		best, err := tx.BestResting(ctx, "TEST", false)
		is.NoErr(err)
		is.Equal(best.ID, cheap.ID)

		// empty side
		_, err = tx.BestResting(ctx, "TEST", true)
		is.True(errors.Is(err, store.ErrNotFound))
		return nil
	})
	is.NoErr(err)

	// on a price tie the older order wins
	err = s.Update(ctx, func(tx store.Tx) error {
		return tx.SetOrderStatus(ctx, cheap.ID, store.StatusCanceled)
	})
	is.NoErr(err)
	err = s.View(ctx, func(tx store.Tx) error {
		// remove the 45 level; ties at 46 resolve by creation time
		best, err := tx.BestResting(ctx, "TEST", false)
		is.NoErr(err)
		is.Equal(best.ID, tieOld.ID)
		is.True(best.ID != tieNew.ID)
		return nil
	})
	is.NoErr(err)
}
