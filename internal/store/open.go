package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"sqlsession/internal/config"
	"sqlsession/internal/database"
)

type Config struct {
	Database config.DatabaseConfig
	Hasher   PasswordHasher
	Logger   zerolog.Logger
}

// ProcurerFactory builds the base procurer that IP tracking wraps.
type ProcurerFactory func(*SessionStore) Procurer

// DefaultComponents is the ordered component list OpenSessionStore uses:
// session store, IP tracking around procurerFromStore, account binding
// (reading addresses from the IP tracker) and the current-account
// authorizer. Tables are created in this order, so every foreign key
// target exists first.
func DefaultComponents(hasher PasswordHasher, procurerFromStore ProcurerFactory) []ComponentCreator {
	return []ComponentCreator{
		Creator(NewSessionStore),
		Creator(func(meta *Metadata, ds *Datastore) (*IPTrackingProcurer, error) {
			sessions, ok := First[*SessionStore](ds)
			if !ok {
				return nil, ErrNoSessionStore
			}
			return NewIPTrackingProcurer(meta, ds, procurerFromStore(sessions))
		}),
		Creator(func(meta *Metadata, ds *Datastore) (*AccountBindingStore, error) {
			ips, ok := First[SessionIPLookup](ds)
			if !ok {
				return nil, ErrNoSessionIPLookup
			}
			return NewAccountBindingStore(meta, ds, hasher, ips)
		}),
		Creator(NewAccountLoginAuthorizer),
	}
}

// OpenSessionStore connects to cfg.Database, opens the default components
// followed by extra, creates missing tables and returns the datastore
// with its outermost Procurer.
func OpenSessionStore(ctx context.Context, cfg Config, procurerFromStore ProcurerFactory, extra ...ComponentCreator) (*Datastore, Procurer, error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	creators := append(DefaultComponents(cfg.Hasher, procurerFromStore), extra...)
	ds, err := Open(db, cfg.Logger, creators...)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	if err := ds.PopulateSchema(ctx); err != nil {
		ds.Close()
		return nil, nil, fmt.Errorf("populate schema: %w", err)
	}

	procurer, ok := First[Procurer](ds)
	if !ok {
		ds.Close()
		return nil, nil, fmt.Errorf("no session procurer registered")
	}

	cfg.Logger.Info().Int("components", len(creators)).Msg("session store opened")
	return ds, procurer, nil
}
