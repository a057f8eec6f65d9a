package store

import (
	"context"

	"github.com/rs/zerolog"
)

// AuthorizerFunc computes the implementation of a capability for session.
type AuthorizerFunc func(ctx context.Context, meta *Metadata, ds *Datastore, sessions *SessionStore, txn *Transaction, session *Session) (any, error)

// SchemaFunc initializes the tables an authorizer needs.
type SchemaFunc func(ctx context.Context, txn *Transaction, meta *Metadata) error

// AuthorizerFor declares an authorizer for capability implemented by fn,
// with an optional schema. The result is a ComponentCreator for Open:
//
//	store.AuthorizerFor("notes", loadNotes, store.Tables(store.TableDef{
//		Name:    "note",
//		Columns: []string{"sessionID TEXT NOT NULL", "body TEXT NOT NULL"},
//	}))
func AuthorizerFor(capability Capability, fn AuthorizerFunc, schema SchemaFunc) ComponentCreator {
	return func(meta *Metadata, ds *Datastore) (any, error) {
		return &funcAuthorizer{
			capability: capability,
			fn:         fn,
			schema:     schema,
			meta:       meta,
			ds:         ds,
		}, nil
	}
}

type funcAuthorizer struct {
	capability Capability
	fn         AuthorizerFunc
	schema     SchemaFunc
	meta       *Metadata
	ds         *Datastore
}

func (a *funcAuthorizer) AuthorizationFor() Capability {
	return a.capability
}

func (a *funcAuthorizer) AuthorizationForSession(ctx context.Context, sessions *SessionStore, txn *Transaction, session *Session) (any, error) {
	return a.fn(ctx, a.meta, a.ds, sessions, txn, session)
}

func (a *funcAuthorizer) InitializeSchema(ctx context.Context, txn *Transaction) error {
	if a.schema == nil {
		return nil
	}
	return a.schema(ctx, txn, a.meta)
}

// Tables is a quick-start SchemaFunc: it defines each table and creates
// it if missing. A table that cannot be created is logged and skipped.
// Anything with a longer maintenance cycle needs real migrations.
func Tables(defs ...TableDef) SchemaFunc {
	return func(ctx context.Context, txn *Transaction, meta *Metadata) error {
		log := zerolog.Ctx(ctx)
		for _, def := range defs {
			table, err := meta.Define(def)
			if err != nil {
				return err
			}

			log.Debug().Str("table", table.Name).Msg("creating table")
			err = txn.savepoint(ctx, func() error {
				_, err := txn.Exec(ctx, table.CreateStatement())
				return err
			})
			if err != nil {
				log.Warn().Err(err).Str("table", table.Name).Msg("table initialization failed")
			}
		}
		return nil
	}
}
