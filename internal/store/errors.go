package store

import (
	"errors"
	"fmt"
)

var (
	ErrNoSuchSession       = errors.New("no such session")
	ErrDuplicateCapability = errors.New("capability provided by more than one authorizer")
	ErrNilComponent        = errors.New("component creator returned nil")
	ErrNoSessionStore      = errors.New("no session store registered")
	ErrNoSessionIPLookup   = errors.New("no session ip lookup registered")
)

const (
	reasonCommitted  = "committed"
	reasonRolledBack = "rolled back"
)

// TransactionEnded is returned by every Transaction method once the
// unit of work that owned it has committed or rolled back.
type TransactionEnded struct {
	Reason string
}

func (e *TransactionEnded) Error() string {
	return fmt.Sprintf("transaction already %s", e.Reason)
}
