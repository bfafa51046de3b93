// Package pgstore backs the store contract with PostgreSQL via pgx.
// Row locks are plain SELECT ... FOR UPDATE, order ids come from a
// BIGSERIAL, and every engine operation maps to exactly one transaction.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dylanlott/exchange/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	balance    NUMERIC(32,2) NOT NULL CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL REFERENCES accounts (account_id),
	symbol     TEXT NOT NULL,
	quantity   NUMERIC(32,8) NOT NULL CHECK (quantity >= 0),
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS orders (
	order_id      BIGSERIAL PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts (account_id),
	symbol        TEXT NOT NULL,
	amount        NUMERIC(32,8) NOT NULL,
	limit_price   NUMERIC(32,2) NOT NULL,
	status        TEXT NOT NULL,
	creation_time BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS orders_book_idx
	ON orders (symbol, status, limit_price, creation_time, order_id);

CREATE TABLE IF NOT EXISTS executions (
	execution_id BIGSERIAL PRIMARY KEY,
	order_id     BIGINT NOT NULL REFERENCES orders (order_id),
	shares       NUMERIC(32,8) NOT NULL,
	price        NUMERIC(32,2) NOT NULL,
	exec_time    BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS executions_order_idx ON executions (order_id);
`

// Store is a pgx-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres, verifies the connection, and ensures the
// schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Update runs fn in a read-write transaction, committing on nil error.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr(err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (account_id, balance) VALUES ($1, $2)`, id, balance)
	return wrapErr(err)
}

func (t *pgTx) Account(ctx context.Context, id string) (store.Account, error) {
	return t.account(ctx, id, `SELECT account_id, balance FROM accounts WHERE account_id = $1`)
}

func (t *pgTx) AccountForUpdate(ctx context.Context, id string) (store.Account, error) {
	return t.account(ctx, id, `SELECT account_id, balance FROM accounts WHERE account_id = $1 FOR UPDATE`)
}

func (t *pgTx) account(ctx context.Context, id, sql string) (store.Account, error) {
	var a store.Account
	err := t.tx.QueryRow(ctx, sql, id).Scan(&a.ID, &a.Balance)
	if err != nil {
		return store.Account{}, wrapErr(err)
	}
	return a, nil
}

func (t *pgTx) SetBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $1 WHERE account_id = $2`, balance, id)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) PositionForUpdate(ctx context.Context, accountID, symbol string) (store.Position, error) {
	var p store.Position
	err := t.tx.QueryRow(ctx,
		`SELECT account_id, symbol, quantity FROM positions
		 WHERE account_id = $1 AND symbol = $2 FOR UPDATE`,
		accountID, symbol).Scan(&p.AccountID, &p.Symbol, &p.Quantity)
	if err != nil {
		return store.Position{}, wrapErr(err)
	}
	return p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (account_id, symbol, quantity) VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, symbol) DO UPDATE SET quantity = EXCLUDED.quantity`,
		accountID, symbol, quantity)
	return wrapErr(err)
}

func (t *pgTx) CreateOrder(ctx context.Context, o store.Order) (store.Order, error) {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (account_id, symbol, amount, limit_price, status, creation_time)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING order_id`,
		o.AccountID, o.Symbol, o.Amount, o.LimitPrice, string(o.Status), o.CreationTime).
		Scan(&o.ID)
	if err != nil {
		return store.Order{}, wrapErr(err)
	}
	return o, nil
}

func (t *pgTx) Order(ctx context.Context, id int64) (store.Order, error) {
	return t.order(ctx, id, "")
}

func (t *pgTx) OrderForUpdate(ctx context.Context, id int64) (store.Order, error) {
	return t.order(ctx, id, " FOR UPDATE")
}

func (t *pgTx) order(ctx context.Context, id int64, suffix string) (store.Order, error) {
	var o store.Order
	var status string
	err := t.tx.QueryRow(ctx,
		`SELECT order_id, account_id, symbol, amount, limit_price, status, creation_time
		 FROM orders WHERE order_id = $1`+suffix, id).
		Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.LimitPrice, &status, &o.CreationTime)
	if err != nil {
		return store.Order{}, wrapErr(err)
	}
	o.Status = store.Status(status)
	return o, nil
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id int64, status store.Status) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $1 WHERE order_id = $2`, string(status), id)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) BestResting(ctx context.Context, symbol string, buySide bool) (store.Order, error) {
	// Best price first, then time priority, then order id. The buy side
	// of the book sorts descending by price, the sell side ascending.
	dir := "ASC"
	amountCond := "amount < 0"
	if buySide {
		dir = "DESC"
		amountCond = "amount > 0"
	}
	var o store.Order
	var status string
	err := t.tx.QueryRow(ctx,
		`SELECT order_id, account_id, symbol, amount, limit_price, status, creation_time
		 FROM orders
		 WHERE symbol = $1 AND status = 'OPEN' AND `+amountCond+`
		 ORDER BY limit_price `+dir+`, creation_time ASC, order_id ASC
		 LIMIT 1
		 FOR UPDATE`, symbol).
		Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.LimitPrice, &status, &o.CreationTime)
	if err != nil {
		return store.Order{}, wrapErr(err)
	}
	o.Status = store.Status(status)
	return o, nil
}

func (t *pgTx) InsertExecution(ctx context.Context, orderID int64, shares, price decimal.Decimal, execTime int64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO executions (order_id, shares, price, exec_time) VALUES ($1, $2, $3, $4)`,
		orderID, shares, price, execTime)
	return wrapErr(err)
}

func (t *pgTx) FilledShares(ctx context.Context, orderID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(shares), 0) FROM executions WHERE order_id = $1`, orderID).
		Scan(&total)
	if err != nil {
		return decimal.Zero, wrapErr(err)
	}
	return total, nil
}

func (t *pgTx) Executions(ctx context.Context, orderID int64) ([]store.Execution, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT execution_id, order_id, shares, price, exec_time
		 FROM executions WHERE order_id = $1
		 ORDER BY exec_time ASC, execution_id ASC`, orderID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var execs []store.Execution
	for rows.Next() {
		var e store.Execution
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Shares, &e.Price, &e.Time); err != nil {
			return nil, wrapErr(err)
		}
		execs = append(execs, e)
	}
	return execs, wrapErr(rows.Err())
}

// wrapErr maps pgx failures onto the store's error vocabulary so the
// engine can branch without importing pgx.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.Message)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}
