// Package store keeps sessions, accounts and per-session authorizations
// in a relational database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/rs/zerolog"
)

// Datastore owns the connection pool and the component registry. The
// registry is fixed once Open returns.
type Datastore struct {
	db         *sql.DB
	log        zerolog.Logger
	meta       *Metadata
	components []any
}

// Open runs every creator in order against a fresh Metadata and registers
// what they return. Two authorizers declaring the same capability make
// Open fail with ErrDuplicateCapability.
func Open(db *sql.DB, log zerolog.Logger, creators ...ComponentCreator) (*Datastore, error) {
	ds := &Datastore{
		db:   db,
		log:  log,
		meta: NewMetadata(),
	}

	for i, create := range creators {
		component, err := create(ds.meta, ds)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		if component == nil {
			return nil, fmt.Errorf("component %d: %w", i, ErrNilComponent)
		}
		ds.components = append(ds.components, component)
	}

	seen := make(map[Capability]struct{})
	for a := range ComponentsProviding[Authorizer](ds) {
		capability := a.AuthorizationFor()
		if _, dup := seen[capability]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCapability, capability)
		}
		seen[capability] = struct{}{}
	}

	return ds, nil
}

// ComponentsProviding yields the registered components implementing T in
// registration order. Each range over the result starts from the
// beginning.
func ComponentsProviding[T any](ds *Datastore) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, c := range ds.components {
			if v, ok := c.(T); ok {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// First returns the first registered component implementing T.
func First[T any](ds *Datastore) (T, bool) {
	for v := range ComponentsProviding[T](ds) {
		return v, true
	}
	var zero T
	return zero, false
}

// SQL runs fn in a transaction: commit when fn succeeds, roll back when it
// fails or panics. fn's own error is what the caller sees; a failed
// rollback is only logged.
func SQL[T any](ctx context.Context, ds *Datastore, fn func(context.Context, *Transaction) (T, error)) (T, error) {
	var zero T

	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin: %w", err)
	}
	txn := newTransaction(tx)

	finished := false
	defer func() {
		if !finished {
			ds.rollback(txn)
		}
	}()

	result, err := fn(ctx, txn)
	if err != nil {
		finished = true
		ds.rollback(txn)
		return zero, err
	}

	finished = true
	txn.end(reasonCommitted)
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// Transact is SQL for units of work without a result.
func (d *Datastore) Transact(ctx context.Context, fn func(context.Context, *Transaction) error) error {
	_, err := SQL(ctx, d, func(ctx context.Context, txn *Transaction) (struct{}, error) {
		return struct{}{}, fn(ctx, txn)
	})
	return err
}

func (d *Datastore) rollback(txn *Transaction) {
	txn.end(reasonRolledBack)
	if err := txn.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		d.log.Error().Err(err).Msg("rollback failed")
	}
}

// PopulateSchema initializes every SchemaComponent in one transaction.
// A component that fails is logged and skipped.
func (d *Datastore) PopulateSchema(ctx context.Context) error {
	ctx = d.log.WithContext(ctx)
	return d.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		for component := range ComponentsProviding[SchemaComponent](d) {
			err := txn.savepoint(ctx, func() error {
				return component.InitializeSchema(ctx, txn)
			})
			if err != nil {
				d.log.Warn().
					Err(err).
					Str("component", fmt.Sprintf("%T", component)).
					Msg("schema initialization failed")
			}
		}
		return nil
	})
}

func (d *Datastore) Metadata() *Metadata {
	return d.meta
}

func (d *Datastore) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Datastore) Close() error {
	return d.db.Close()
}
