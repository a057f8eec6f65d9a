package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Transaction is the only handle application code gets on a connection
// for one unit of work. It stops working as soon as the unit of work is
// over.
type Transaction struct {
	tx *sql.Tx

	mu         sync.Mutex
	ended      string
	savepoints int
}

func newTransaction(tx *sql.Tx) *Transaction {
	return &Transaction{tx: tx}
}

func (t *Transaction) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.tx.ExecContext(ctx, query, args...)
}

// Query runs a statement returning rows. The rows must be closed before
// the next statement is issued on the same transaction.
func (t *Transaction) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Transaction) QueryRow(ctx context.Context, query string, args ...any) *Row {
	if err := t.check(); err != nil {
		return &Row{err: err}
	}
	return &Row{row: t.tx.QueryRowContext(ctx, query, args...)}
}

type Row struct {
	row *sql.Row
	err error
}

func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

func (t *Transaction) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended != "" {
		return &TransactionEnded{Reason: t.ended}
	}
	return nil
}

func (t *Transaction) end(reason string) {
	t.mu.Lock()
	t.ended = reason
	t.mu.Unlock()
}

// savepoint runs fn inside a savepoint. When fn fails the transaction is
// rolled back to the savepoint and remains usable; fn's error is
// returned.
func (t *Transaction) savepoint(ctx context.Context, fn func() error) error {
	t.mu.Lock()
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)
	t.mu.Unlock()

	if _, err := t.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}

	if err := fn(); err != nil {
		if _, rbErr := t.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if _, relErr := t.Exec(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}

	_, err := t.Exec(ctx, "RELEASE SAVEPOINT "+name)
	return err
}
