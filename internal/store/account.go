package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"sqlsession/internal/database"
)

// PasswordHasher computes password hashes and verifies them, replacing
// outdated hashes through reset.
type PasswordHasher interface {
	Hash(password string) (string, error)
	CheckAndReset(ctx context.Context, encoded string, password string, reset func(context.Context, string) error) (bool, error)
}

type Account struct {
	accounts *AccountBindingStore

	AccountID string
	Username  string
	Email     string
}

// AddSession binds session to the account. Binding an already bound
// session is a no-op.
func (a *Account) AddSession(ctx context.Context, session *Session) error {
	return a.accounts.ds.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		return a.accounts.bind(ctx, txn, a.AccountID, session.Identifier)
	})
}

func (a *Account) ChangePassword(ctx context.Context, newPassword string) error {
	hash, err := a.accounts.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	return a.accounts.storePassword(ctx, a.AccountID, hash)
}

// AccountBindingStore owns the account tables and authorizes
// AccountBindingCapability.
type AccountBindingStore struct {
	ds              *Datastore
	hasher          PasswordHasher
	ips             SessionIPLookup
	accounts        TableDef
	accountSessions TableDef
}

func NewAccountBindingStore(meta *Metadata, ds *Datastore, hasher PasswordHasher, ips SessionIPLookup) (*AccountBindingStore, error) {
	accounts, err := meta.Define(TableDef{
		Name: "account",
		Columns: []string{
			"accountID TEXT NOT NULL PRIMARY KEY",
			"username TEXT NOT NULL UNIQUE",
			"email TEXT NOT NULL",
			"passwordBlob TEXT NOT NULL",
		},
	})
	if err != nil {
		return nil, err
	}

	accountSessions, err := meta.Define(TableDef{
		Name: "account_session",
		Columns: []string{
			"accountID TEXT REFERENCES account(accountID) ON DELETE CASCADE",
			"sessionID TEXT REFERENCES session(sessionID) ON DELETE CASCADE",
			"UNIQUE (accountID, sessionID)",
		},
	})
	if err != nil {
		return nil, err
	}

	return &AccountBindingStore{
		ds:              ds,
		hasher:          hasher,
		ips:             ips,
		accounts:        accounts,
		accountSessions: accountSessions,
	}, nil
}

func (p *AccountBindingStore) InitializeSchema(ctx context.Context, txn *Transaction) error {
	for _, table := range []TableDef{p.accounts, p.accountSessions} {
		if _, err := txn.Exec(ctx, table.CreateStatement()); err != nil {
			return err
		}
	}
	return nil
}

func (p *AccountBindingStore) AuthorizationFor() Capability {
	return AccountBindingCapability
}

func (p *AccountBindingStore) AuthorizationForSession(_ context.Context, _ *SessionStore, _ *Transaction, session *Session) (any, error) {
	return &AccountBinding{accounts: p, session: session}, nil
}

func (p *AccountBindingStore) account(id, username, email string) *Account {
	return &Account{accounts: p, AccountID: id, Username: username, Email: email}
}

func (p *AccountBindingStore) bind(ctx context.Context, txn *Transaction, accountID, sessionID string) error {
	const query = `INSERT INTO account_session (accountID, sessionID) VALUES ($1, $2)`
	err := txn.savepoint(ctx, func() error {
		_, err := txn.Exec(ctx, query, accountID, sessionID)
		return err
	})
	if err == nil {
		return nil
	}

	var exists int
	const check = `SELECT COUNT(*) FROM account_session WHERE accountID = $1 AND sessionID = $2`
	if database.IsIntegrityViolation(err) {
		if scanErr := txn.QueryRow(ctx, check, accountID, sessionID).Scan(&exists); scanErr == nil && exists > 0 {
			return nil
		}
	}
	return err
}

func (p *AccountBindingStore) storePassword(ctx context.Context, accountID, hash string) error {
	return p.ds.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		const query = `UPDATE account SET passwordBlob = $1 WHERE accountID = $2`
		_, err := txn.Exec(ctx, query, hash, accountID)
		return err
	})
}

// AccountBinding is the account view of one session: who is logged in on
// it and how to change that.
type AccountBinding struct {
	accounts *AccountBindingStore
	session  *Session
}

// CreateAccount returns nil, nil when the username is taken.
func (b *AccountBinding) CreateAccount(ctx context.Context, username, email, password string) (*Account, error) {
	hash, err := b.accounts.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	accountID := uuid.NewString()
	created, err := SQL(ctx, b.accounts.ds, func(ctx context.Context, txn *Transaction) (bool, error) {
		const query = `INSERT INTO account (accountID, username, email, passwordBlob) VALUES ($1, $2, $3, $4)`
		err := txn.savepoint(ctx, func() error {
			_, err := txn.Exec(ctx, query, accountID, username, email, hash)
			return err
		})
		if database.IsIntegrityViolation(err) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil || !created {
		return nil, err
	}

	return b.accounts.account(accountID, username, email), nil
}

type accountRow struct {
	id       string
	username string
	email    string
	blob     string
}

// LogIn binds the session to username's account when password matches.
// A hash in an outdated format is replaced after the lookup transaction
// has committed. Unknown users and wrong passwords give nil, nil.
func (b *AccountBinding) LogIn(ctx context.Context, username, password string) (*Account, error) {
	row, err := SQL(ctx, b.accounts.ds, func(ctx context.Context, txn *Transaction) (*accountRow, error) {
		const query = `SELECT accountID, username, email, passwordBlob FROM account WHERE username = $1`
		var r accountRow
		if err := txn.QueryRow(ctx, query, username).Scan(&r.id, &r.username, &r.email, &r.blob); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		return &r, nil
	})
	if err != nil || row == nil {
		return nil, err
	}

	ok, err := b.accounts.hasher.CheckAndReset(ctx, row.blob, password, func(ctx context.Context, rehashed string) error {
		return b.accounts.storePassword(ctx, row.id, rehashed)
	})
	if err != nil || !ok {
		return nil, err
	}

	account := b.accounts.account(row.id, row.username, row.email)
	if err := account.AddSession(ctx, b.session); err != nil {
		return nil, err
	}
	return account, nil
}

func (b *AccountBinding) AuthenticatedAccounts(ctx context.Context) ([]*Account, error) {
	return SQL(ctx, b.accounts.ds, b.authenticatedAccounts)
}

func (b *AccountBinding) authenticatedAccounts(ctx context.Context, txn *Transaction) ([]*Account, error) {
	const query = `
		SELECT a.accountID, a.username, a.email
		FROM account_session s
		JOIN account a ON s.accountID = a.accountID
		WHERE s.sessionID = $1
		ORDER BY a.username
	`
	rows, err := txn.Query(ctx, query, b.session.Identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var id, username, email string
		if err := rows.Scan(&id, &username, &email); err != nil {
			return nil, err
		}
		accounts = append(accounts, b.accounts.account(id, username, email))
	}
	return accounts, rows.Err()
}

// AttachedSessions lists where every session sharing an account with
// this one has been used from.
func (b *AccountBinding) AttachedSessions(ctx context.Context) ([]SessionIPInformation, error) {
	if b.accounts.ips == nil {
		return nil, ErrNoSessionIPLookup
	}

	return SQL(ctx, b.accounts.ds, func(ctx context.Context, txn *Transaction) ([]SessionIPInformation, error) {
		const query = `
			SELECT DISTINCT other.sessionID
			FROM account_session mine
			JOIN account_session other ON mine.accountID = other.accountID
			WHERE mine.sessionID = $1
		`
		rows, err := txn.Query(ctx, query, b.session.Identifier)
		if err != nil {
			return nil, err
		}

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		return b.accounts.ips.SessionIPs(ctx, txn, ids)
	})
}

// LogOut unbinds the session from every account.
func (b *AccountBinding) LogOut(ctx context.Context) error {
	return b.accounts.ds.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		_, err := txn.Exec(ctx, `DELETE FROM account_session WHERE sessionID = $1`, b.session.Identifier)
		return err
	})
}

func (b *AccountBinding) Session() *Session {
	return b.session
}
