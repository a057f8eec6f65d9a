package store

import (
	"context"
	"fmt"
	"strings"
)

// Capability names a facility that an Authorizer can bind to a session.
type Capability string

const (
	AccountBindingCapability Capability = "account-binding"
	CurrentAccountCapability Capability = "current-account"
)

// SchemaComponent creates the tables it owns. It runs once per
// PopulateSchema, inside a savepoint of the shared schema transaction.
type SchemaComponent interface {
	InitializeSchema(ctx context.Context, txn *Transaction) error
}

// Authorizer loads the implementation of one Capability for a session.
type Authorizer interface {
	AuthorizationFor() Capability
	AuthorizationForSession(ctx context.Context, sessions *SessionStore, txn *Transaction, session *Session) (any, error)
}

// ComponentCreator builds one component during Open. The returned value
// is registered immediately, so later creators can find it through
// ComponentsProviding.
type ComponentCreator func(meta *Metadata, ds *Datastore) (any, error)

// Creator adapts a typed constructor to a ComponentCreator.
func Creator[T any](fn func(*Metadata, *Datastore) (T, error)) ComponentCreator {
	return func(meta *Metadata, ds *Datastore) (any, error) {
		c, err := fn(meta, ds)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type TableDef struct {
	Name    string
	Columns []string
}

func (t TableDef) CreateStatement() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.Name, strings.Join(t.Columns, ",\n\t"))
}

func (t TableDef) equal(o TableDef) bool {
	if t.Name != o.Name || len(t.Columns) != len(o.Columns) {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != o.Columns[i] {
			return false
		}
	}
	return true
}

// Metadata collects the table definitions of every component opened on
// one Datastore.
type Metadata struct {
	tables []TableDef
	byName map[string]int
}

func NewMetadata() *Metadata {
	return &Metadata{byName: make(map[string]int)}
}

// Define registers a table. Defining the same table twice is a no-op;
// redefining a name with different columns is an error.
func (m *Metadata) Define(def TableDef) (TableDef, error) {
	if i, ok := m.byName[def.Name]; ok {
		if !m.tables[i].equal(def) {
			return TableDef{}, fmt.Errorf("table %q already defined with different columns", def.Name)
		}
		return m.tables[i], nil
	}
	m.byName[def.Name] = len(m.tables)
	m.tables = append(m.tables, def)
	return def, nil
}

func (m *Metadata) Table(name string) (TableDef, bool) {
	i, ok := m.byName[name]
	if !ok {
		return TableDef{}, false
	}
	return m.tables[i], true
}

func (m *Metadata) Tables() []TableDef {
	out := make([]TableDef, len(m.tables))
	copy(out, m.tables)
	return out
}
