package store

import "context"

// AccountLoginAuthorizer resolves CurrentAccountCapability to the first
// account the session is logged in to.
type AccountLoginAuthorizer struct{}

func NewAccountLoginAuthorizer(*Metadata, *Datastore) (*AccountLoginAuthorizer, error) {
	return &AccountLoginAuthorizer{}, nil
}

func (AccountLoginAuthorizer) AuthorizationFor() Capability {
	return CurrentAccountCapability
}

func (AccountLoginAuthorizer) AuthorizationForSession(ctx context.Context, _ *SessionStore, txn *Transaction, session *Session) (any, error) {
	authzs, err := session.AuthorizeWithin(ctx, txn, AccountBindingCapability)
	if err != nil {
		return nil, err
	}
	binding, ok := Authorized[*AccountBinding](authzs, AccountBindingCapability)
	if !ok {
		return nil, nil
	}

	accounts, err := binding.authenticatedAccounts(ctx, txn)
	if err != nil || len(accounts) == 0 {
		return nil, err
	}
	return accounts[0], nil
}
