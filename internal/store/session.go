package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

type AuthenticatedBy string

const (
	AuthenticatedByHeader AuthenticatedBy = "header"
	AuthenticatedByCookie AuthenticatedBy = "cookie"
)

// Session is an opaque identifier plus how it reached us. It is never
// modified after creation.
type Session struct {
	sessions *SessionStore

	Identifier      string
	IsConfidential  bool
	AuthenticatedBy AuthenticatedBy
}

// Authorizations maps each granted capability to its implementation.
type Authorizations map[Capability]any

// Authorized returns the implementation bound to capability when it is
// present and of type T.
func Authorized[T any](a Authorizations, capability Capability) (T, bool) {
	v, ok := a[capability].(T)
	return v, ok
}

// Authorize asks every registered Authorizer providing one of caps for
// its implementation, all inside a single transaction. Capabilities
// nobody provides are left out of the result.
func (s *Session) Authorize(ctx context.Context, caps ...Capability) (Authorizations, error) {
	return SQL(ctx, s.sessions.ds, func(ctx context.Context, txn *Transaction) (Authorizations, error) {
		return s.AuthorizeWithin(ctx, txn, caps...)
	})
}

// AuthorizeWithin is Authorize on an existing transaction; authorizers
// that depend on other capabilities use it to stay in the caller's
// transaction.
func (s *Session) AuthorizeWithin(ctx context.Context, txn *Transaction, caps ...Capability) (Authorizations, error) {
	wanted := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		wanted[c] = struct{}{}
	}

	result := make(Authorizations, len(caps))
	for a := range ComponentsProviding[Authorizer](s.sessions.ds) {
		capability := a.AuthorizationFor()
		if _, ok := wanted[capability]; !ok {
			continue
		}
		v, err := a.AuthorizationForSession(ctx, s.sessions, txn, s)
		if err != nil {
			return nil, fmt.Errorf("authorize %s: %w", capability, err)
		}
		result[capability] = v
	}
	return result, nil
}

// SessionStore persists session identifiers and their confidentiality.
type SessionStore struct {
	ds    *Datastore
	table TableDef
}

func NewSessionStore(meta *Metadata, ds *Datastore) (*SessionStore, error) {
	table, err := meta.Define(TableDef{
		Name: "session",
		Columns: []string{
			"sessionID TEXT NOT NULL PRIMARY KEY",
			"confidential BOOLEAN NOT NULL",
		},
	})
	if err != nil {
		return nil, err
	}
	return &SessionStore{ds: ds, table: table}, nil
}

func (s *SessionStore) InitializeSchema(ctx context.Context, txn *Transaction) error {
	_, err := txn.Exec(ctx, s.table.CreateStatement())
	return err
}

func (s *SessionStore) NewSession(ctx context.Context, isConfidential bool, authenticatedBy AuthenticatedBy) (*Session, error) {
	return SQL(ctx, s.ds, func(ctx context.Context, txn *Transaction) (*Session, error) {
		identifier, err := newIdentifier()
		if err != nil {
			return nil, err
		}

		const query = `INSERT INTO session (sessionID, confidential) VALUES ($1, $2)`
		if _, err := txn.Exec(ctx, query, identifier, isConfidential); err != nil {
			return nil, err
		}

		return &Session{
			sessions:        s,
			Identifier:      identifier,
			IsConfidential:  isConfidential,
			AuthenticatedBy: authenticatedBy,
		}, nil
	})
}

// LoadSession finds a session by identifier and confidentiality.
// authenticatedBy is the caller's claim and is attached as given.
func (s *SessionStore) LoadSession(ctx context.Context, identifier string, isConfidential bool, authenticatedBy AuthenticatedBy) (*Session, error) {
	return SQL(ctx, s.ds, func(ctx context.Context, txn *Transaction) (*Session, error) {
		const query = `SELECT sessionID FROM session WHERE sessionID = $1 AND confidential = $2`

		var fetched string
		if err := txn.QueryRow(ctx, query, identifier, isConfidential).Scan(&fetched); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNoSuchSession
			}
			return nil, err
		}

		return &Session{
			sessions:        s,
			Identifier:      fetched,
			IsConfidential:  isConfidential,
			AuthenticatedBy: authenticatedBy,
		}, nil
	})
}

// SentInsecurely deletes the confidential sessions among tokens, which
// were seen on an insecure channel.
func (s *SessionStore) SentInsecurely(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	return s.ds.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		const query = `DELETE FROM session WHERE sessionID = $1 AND confidential = $2`
		for _, token := range tokens {
			if _, err := txn.Exec(ctx, query, token, true); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SessionStore) Datastore() *Datastore {
	return s.ds
}

func newIdentifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session identifier: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
