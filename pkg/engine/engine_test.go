package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dylanlott/exchange/pkg/store"
	"github.com/dylanlott/exchange/pkg/store/memstore"
)

// fakeClock lets tests pin creation and execution times.
type fakeClock struct {
	now int64
}

func newTestEngine(t *testing.T) (*Engine, *memstore.Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: 1000}
	st := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, log, WithClock(func() int64 { return clk.now })), st, clk
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func balance(t *testing.T, st *memstore.Store, id string) decimal.Decimal {
	t.Helper()
	var bal decimal.Decimal
	err := st.View(context.Background(), func(tx store.Tx) error {
		a, err := tx.Account(context.Background(), id)
		if err != nil {
			return err
		}
		bal = a.Balance
		return nil
	})
	require.NoError(t, err)
	return bal
}

func position(t *testing.T, st *memstore.Store, id, sym string) decimal.Decimal {
	t.Helper()
	qty := decimal.Zero
	err := st.View(context.Background(), func(tx store.Tx) error {
		p, err := tx.PositionForUpdate(context.Background(), id, sym)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		qty = p.Quantity
		return nil
	})
	require.NoError(t, err)
	return qty
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "got error: %v", err)
}

func TestCreateAccount(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	id := gofakeit.Username()
	require.NoError(t, eng.CreateAccount(ctx, id, d("100.50")))
	require.True(t, balance(t, st, id).Equal(d("100.50")))

	requireKind(t, eng.CreateAccount(ctx, id, d("1")), KindInvalidRequest)
	requireKind(t, eng.CreateAccount(ctx, "", d("1")), KindInvalidRequest)
	requireKind(t, eng.CreateAccount(ctx, gofakeit.Username(), d("-5")), KindInvalidRequest)
}

func TestCreditShares(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "alice", d("0")))

	require.NoError(t, eng.CreditShares(ctx, "alice", "TEST", d("100")))
	require.NoError(t, eng.CreditShares(ctx, "alice", "TEST", d("50")))
	require.True(t, position(t, st, "alice", "TEST").Equal(d("150")))

	// negative credits may reduce but never short the position
	require.NoError(t, eng.CreditShares(ctx, "alice", "TEST", d("-150")))
	requireKind(t, eng.CreditShares(ctx, "alice", "TEST", d("-1")), KindInsufficientShares)

	requireKind(t, eng.CreditShares(ctx, "nobody", "TEST", d("10")), KindUnknownAccount)
}

func TestPlaceOrderValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.CreateAccount(ctx, "alice", d("1000")))

	tests := []struct {
		name    string
		account string
		amount  string
		limit   string
		kind    Kind
	}{
		{"zero amount", "alice", "0", "10", KindInvalidRequest},
		{"zero limit", "alice", "10", "0", KindInvalidRequest},
		{"negative limit", "alice", "10", "-3", KindInvalidRequest},
		{"unknown account", "nobody", "10", "10", KindUnknownAccount},
		{"insufficient funds", "alice", "1000", "10", KindInsufficientFunds},
		{"insufficient shares", "alice", "-10", "10", KindInsufficientShares},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.PlaceOrder(ctx, tt.account, "TEST", d(tt.amount), d(tt.limit))
			requireKind(t, err, tt.kind)
		})
	}
}

func TestReservationFailureLeavesStateUntouched(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.CreateAccount(ctx, "alice", d("100")))
	require.NoError(t, eng.CreditShares(ctx, "alice", "TEST", d("5")))

	_, err := eng.PlaceOrder(ctx, "alice", "TEST", d("100"), d("10"))
	requireKind(t, err, KindInsufficientFunds)
	_, err = eng.PlaceOrder(ctx, "alice", "TEST", d("-10"), d("10"))
	requireKind(t, err, KindInsufficientShares)

	require.True(t, balance(t, st, "alice").Equal(d("100")))
	require.True(t, position(t, st, "alice", "TEST").Equal(d("5")))
}

// S1: full fill where the buyer's limit crosses above the resting sell.
func TestFullFill(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "S", d("5000")))
	require.NoError(t, eng.CreditShares(ctx, "S", "TEST", d("200")))
	require.NoError(t, eng.CreateAccount(ctx, "B", d("10000")))

	clk.now = 1000
	sell, err := eng.PlaceOrder(ctx, "S", "TEST", d("-100"), d("45"))
	require.NoError(t, err)
	require.Equal(t, store.StatusOpen, sell.Status)

	clk.now = 1001
	buy, err := eng.PlaceOrder(ctx, "B", "TEST", d("100"), d("50"))
	require.NoError(t, err)
	require.Equal(t, store.StatusExecuted, buy.Status)

	// one execution at the resting price
	qr, err := eng.QueryOrder(ctx, buy.ID)
	require.NoError(t, err)
	require.Len(t, qr.Executions, 1)
	require.True(t, qr.Executions[0].Shares.Equal(d("100")))
	require.True(t, qr.Executions[0].Price.Equal(d("45")))
	require.True(t, qr.OpenShares.IsZero())

	sellQR, err := eng.QueryOrder(ctx, sell.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusExecuted, sellQR.Order.Status)
	require.True(t, sellQR.OpenShares.IsZero())

	// conservation: buyer pays 100*45 net, seller receives it
	require.True(t, balance(t, st, "B").Equal(d("5500")), "got %s", balance(t, st, "B"))
	require.True(t, position(t, st, "B", "TEST").Equal(d("100")))
	require.True(t, balance(t, st, "S").Equal(d("9500")))
	require.True(t, position(t, st, "S", "TEST").Equal(d("100")))
}

// S2: cancel of an unfilled BUY refunds the full reservation.
func TestCancelBuyNoFills(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "B", d("8000")))
	o, err := eng.PlaceOrder(ctx, "B", "TEST", d("100"), d("60"))
	require.NoError(t, err)
	require.True(t, balance(t, st, "B").Equal(d("2000")))

	cr, err := eng.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCanceled, cr.Order.Status)
	require.True(t, cr.OpenShares.Equal(d("100")))
	require.Empty(t, cr.Executions)
	require.True(t, balance(t, st, "B").Equal(d("8000")))
}

// S3: cancel of an unfilled SELL returns the reserved shares.
func TestCancelSellNoFills(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "S", d("0")))
	require.NoError(t, eng.CreditShares(ctx, "S", "TEST", d("200")))

	o, err := eng.PlaceOrder(ctx, "S", "TEST", d("-100"), d("40"))
	require.NoError(t, err)
	require.True(t, position(t, st, "S", "TEST").Equal(d("100")))

	_, err = eng.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, position(t, st, "S", "TEST").Equal(d("200")))
}

// S4: partial fill leaves the incoming order OPEN with the remainder.
func TestPartialFillIncomingRemainsOpen(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "S", d("0")))
	require.NoError(t, eng.CreditShares(ctx, "S", "TEST", d("50")))
	require.NoError(t, eng.CreateAccount(ctx, "B", d("10000")))

	clk.now = 1000
	_, err := eng.PlaceOrder(ctx, "S", "TEST", d("-50"), d("45"))
	require.NoError(t, err)

	clk.now = 1001
	buy, err := eng.PlaceOrder(ctx, "B", "TEST", d("100"), d("50"))
	require.NoError(t, err)
	require.Equal(t, store.StatusOpen, buy.Status)

	qr, err := eng.QueryOrder(ctx, buy.ID)
	require.NoError(t, err)
	require.True(t, qr.OpenShares.Equal(d("50")))
	require.Len(t, qr.Executions, 1)
	require.True(t, qr.Executions[0].Shares.Equal(d("50")))
	require.True(t, qr.Executions[0].Price.Equal(d("45")))

	// reserved 5000, refunded 50*(50-45)=250
	require.True(t, balance(t, st, "B").Equal(d("5250")), "got %s", balance(t, st, "B"))
}

// S5: a large buy sweeps multiple price levels in price order.
func TestMultiLevelWalk(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "S", d("0")))
	require.NoError(t, eng.CreditShares(ctx, "S", "TEST", d("230")))
	require.NoError(t, eng.CreateAccount(ctx, "B", d("15000")))

	clk.now = 1000
	_, err := eng.PlaceOrder(ctx, "S", "TEST", d("-80"), d("45"))
	require.NoError(t, err)
	clk.now = 1100
	_, err = eng.PlaceOrder(ctx, "S", "TEST", d("-100"), d("48"))
	require.NoError(t, err)
	clk.now = 1200
	_, err = eng.PlaceOrder(ctx, "S", "TEST", d("-50"), d("47"))
	require.NoError(t, err)

	clk.now = 1300
	buy, err := eng.PlaceOrder(ctx, "B", "TEST", d("250"), d("50"))
	require.NoError(t, err)
	require.Equal(t, store.StatusOpen, buy.Status)

	qr, err := eng.QueryOrder(ctx, buy.ID)
	require.NoError(t, err)
	require.True(t, qr.OpenShares.Equal(d("20")))

	// fills walk the book by price: 45, then 47, then 48
	require.Len(t, qr.Executions, 3)
	require.True(t, qr.Executions[0].Shares.Equal(d("80")))
	require.True(t, qr.Executions[0].Price.Equal(d("45")))
	require.True(t, qr.Executions[1].Shares.Equal(d("50")))
	require.True(t, qr.Executions[1].Price.Equal(d("47")))
	require.True(t, qr.Executions[2].Shares.Equal(d("100")))
	require.True(t, qr.Executions[2].Price.Equal(d("48")))

	// 15000 - 250*50 + (80*5 + 50*3 + 100*2) = 3250
	require.True(t, balance(t, st, "B").Equal(d("3250")), "got %s", balance(t, st, "B"))
	require.True(t, position(t, st, "B", "TEST").Equal(d("230")))
	// seller proceeds: 80*45 + 50*47 + 100*48 = 10750
	require.True(t, balance(t, st, "S").Equal(d("10750")))
}

// S6: a non-crossing pair rests on both sides with no executions.
func TestNonCrossing(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "S", d("0")))
	require.NoError(t, eng.CreditShares(ctx, "S", "TEST", d("100")))
	require.NoError(t, eng.CreateAccount(ctx, "B", d("10000")))

	clk.now = 1000
	sell, err := eng.PlaceOrder(ctx, "S", "TEST", d("-100"), d("45"))
	require.NoError(t, err)
	clk.now = 1001
	buy, err := eng.PlaceOrder(ctx, "B", "TEST", d("100"), d("40"))
	require.NoError(t, err)

	for _, id := range []int64{sell.ID, buy.ID} {
		qr, err := eng.QueryOrder(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.StatusOpen, qr.Order.Status)
		require.Empty(t, qr.Executions)
	}
	require.True(t, balance(t, st, "B").Equal(d("6000")))
}

// Property 4: on equal prices the older resting order fills first.
func TestTimePriorityOnPriceTie(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "S1", d("0")))
	require.NoError(t, eng.CreateAccount(ctx, "S2", d("0")))
	require.NoError(t, eng.CreditShares(ctx, "S1", "TEST", d("100")))
	require.NoError(t, eng.CreditShares(ctx, "S2", "TEST", d("100")))
	require.NoError(t, eng.CreateAccount(ctx, "B", d("10000")))

	clk.now = 1000
	older, err := eng.PlaceOrder(ctx, "S1", "TEST", d("-100"), d("45"))
	require.NoError(t, err)
	clk.now = 1100
	newer, err := eng.PlaceOrder(ctx, "S2", "TEST", d("-100"), d("45"))
	require.NoError(t, err)

	clk.now = 1200
	_, err = eng.PlaceOrder(ctx, "B", "TEST", d("60"), d("45"))
	require.NoError(t, err)

	olderQR, err := eng.QueryOrder(ctx, older.ID)
	require.NoError(t, err)
	require.True(t, olderQR.OpenShares.Equal(d("40")))

	newerQR, err := eng.QueryOrder(ctx, newer.ID)
	require.NoError(t, err)
	require.True(t, newerQR.OpenShares.Equal(d("100")))
	require.Empty(t, newerQR.Executions)
}

// Property 7: place then query reports the full amount open.
func TestQueryRoundTrip(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	acct := gofakeit.Username()
	require.NoError(t, eng.CreateAccount(ctx, acct, d("1000")))
	o, err := eng.PlaceOrder(ctx, acct, "TEST", d("10"), d("10"))
	require.NoError(t, err)

	qr, err := eng.QueryOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusOpen, qr.Order.Status)
	require.True(t, qr.OpenShares.Equal(d("10")))
	require.Empty(t, qr.Executions)
}

func TestCancelAfterPartialFill(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "S", d("0")))
	require.NoError(t, eng.CreditShares(ctx, "S", "TEST", d("50")))
	require.NoError(t, eng.CreateAccount(ctx, "B", d("10000")))

	clk.now = 1000
	_, err := eng.PlaceOrder(ctx, "S", "TEST", d("-50"), d("45"))
	require.NoError(t, err)
	clk.now = 1001
	buy, err := eng.PlaceOrder(ctx, "B", "TEST", d("100"), d("50"))
	require.NoError(t, err)

	clk.now = 1002
	cr, err := eng.CancelOrder(ctx, buy.ID)
	require.NoError(t, err)
	require.True(t, cr.OpenShares.Equal(d("50")))
	require.Len(t, cr.Executions, 1)
	require.Equal(t, int64(1002), cr.CanceledAt)

	// 10000 - 5000 + 250 (spread refund) + 2500 (leftover at limit 50)
	require.True(t, balance(t, st, "B").Equal(d("7750")), "got %s", balance(t, st, "B"))
	// the 50 filled shares stay credited
	require.True(t, position(t, st, "B", "TEST").Equal(d("50")))
}

func TestCancelErrors(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.CancelOrder(ctx, 999)
	requireKind(t, err, KindUnknownOrder)

	require.NoError(t, eng.CreateAccount(ctx, "B", d("1000")))
	o, err := eng.PlaceOrder(ctx, "B", "TEST", d("10"), d("10"))
	require.NoError(t, err)

	_, err = eng.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	_, err = eng.CancelOrder(ctx, o.ID)
	requireKind(t, err, KindNotCancellable)
}

func TestQueryUnknownOrder(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.QueryOrder(context.Background(), 42)
	requireKind(t, err, KindUnknownOrder)
}

// A canceled resting order never matches.
func TestCanceledOrderLeavesBook(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "S", d("0")))
	require.NoError(t, eng.CreditShares(ctx, "S", "TEST", d("100")))
	require.NoError(t, eng.CreateAccount(ctx, "B", d("10000")))

	clk.now = 1000
	sell, err := eng.PlaceOrder(ctx, "S", "TEST", d("-100"), d("45"))
	require.NoError(t, err)
	_, err = eng.CancelOrder(ctx, sell.ID)
	require.NoError(t, err)

	clk.now = 1001
	buy, err := eng.PlaceOrder(ctx, "B", "TEST", d("100"), d("50"))
	require.NoError(t, err)
	require.Equal(t, store.StatusOpen, buy.Status)

	qr, err := eng.QueryOrder(ctx, buy.ID)
	require.NoError(t, err)
	require.Empty(t, qr.Executions)
}

// Sub-cent spreads round half-up at the balance write.
func TestRefundRounding(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "S", d("0")))
	require.NoError(t, eng.CreditShares(ctx, "S", "TEST", d("3")))
	require.NoError(t, eng.CreateAccount(ctx, "B", d("100")))

	clk.now = 1000
	_, err := eng.PlaceOrder(ctx, "S", "TEST", d("-3"), d("10.01"))
	require.NoError(t, err)
	clk.now = 1001
	_, err = eng.PlaceOrder(ctx, "B", "TEST", d("3"), d("10.12"))
	require.NoError(t, err)

	// reserve 30.36, refund 3*0.11 = 0.33, pay 30.03
	require.True(t, balance(t, st, "B").Equal(d("69.97")), "got %s", balance(t, st, "B"))
	require.True(t, balance(t, st, "S").Equal(d("30.03")))
}

// seedFilledOpenOrder inserts an order whose executions already sum to
// its full amount but whose status was left OPEN, as if a status flip
// never landed.
func seedFilledOpenOrder(t *testing.T, st *memstore.Store, o store.Order) store.Order {
	t.Helper()
	ctx := context.Background()
	err := st.Update(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.CreateOrder(ctx, o)
		if err != nil {
			return err
		}
		return tx.InsertExecution(ctx, o.ID, o.Shares(), o.LimitPrice, o.CreationTime)
	})
	require.NoError(t, err)
	return o
}

func TestStaleFilledRestingOrderIsSkipped(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "S", d("0")))
	require.NoError(t, eng.CreditShares(ctx, "S", "TEST", d("100")))
	require.NoError(t, eng.CreateAccount(ctx, "B", d("10000")))

	stale := seedFilledOpenOrder(t, st, store.Order{
		AccountID:    "S",
		Symbol:       "TEST",
		Amount:       d("-50"),
		LimitPrice:   d("45"),
		Status:       store.StatusOpen,
		CreationTime: 900,
	})

	clk.now = 1000
	_, err := eng.PlaceOrder(ctx, "S", "TEST", d("-50"), d("47"))
	require.NoError(t, err)

	clk.now = 1001
	buy, err := eng.PlaceOrder(ctx, "B", "TEST", d("50"), d("50"))
	require.NoError(t, err)
	require.Equal(t, store.StatusExecuted, buy.Status)

	// the stale best-priced order contributed nothing; the fill came
	// from the next price level and the stale order was flipped
	qr, err := eng.QueryOrder(ctx, buy.ID)
	require.NoError(t, err)
	require.Len(t, qr.Executions, 1)
	require.True(t, qr.Executions[0].Price.Equal(d("47")))
	require.True(t, qr.Executions[0].Shares.Equal(d("50")))

	err = st.View(ctx, func(tx store.Tx) error {
		o, err := tx.Order(ctx, stale.ID)
		require.NoError(t, err)
		require.Equal(t, store.StatusExecuted, o.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestCancelFullyFilledOpenOrder(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.CreateAccount(ctx, "alice", d("500")))
	require.NoError(t, eng.CreditShares(ctx, "alice", "TEST", d("5")))

	o := seedFilledOpenOrder(t, st, store.Order{
		AccountID:    "alice",
		Symbol:       "TEST",
		Amount:       d("20"),
		LimitPrice:   d("10"),
		Status:       store.StatusOpen,
		CreationTime: 900,
	})

	cr, err := eng.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCanceled, cr.Order.Status)
	require.True(t, cr.OpenShares.IsZero())

	// leftover is zero, so the cancel moves no money and no shares
	require.True(t, balance(t, st, "alice").Equal(d("500")))
	require.True(t, position(t, st, "alice", "TEST").Equal(d("5")))
}
