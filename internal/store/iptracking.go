package store

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sqlsession/internal/database"
)

const (
	AddressFamilyIPv4 = "AF_INET"
	AddressFamilyIPv6 = "AF_INET6"
)

// Request is the part of an incoming HTTP request that session
// procurement reads and writes.
type Request interface {
	ClientAddress() (string, error)
	IsSecure() bool
	Header(name string) string
	Cookie(name string) (string, error)
	SetCookie(cookie *http.Cookie)
}

// Procurer gets (or creates) the session for a request. A nil session
// with a nil error means there is none and none was created.
type Procurer interface {
	ProcureSession(ctx context.Context, req Request, forceInsecure bool, alwaysCreate bool) (*Session, error)
}

type SessionIPInformation struct {
	ID   string
	IP   string
	When time.Time
}

// SessionIPLookup reads the addresses recorded for a set of sessions.
type SessionIPLookup interface {
	SessionIPs(ctx context.Context, txn *Transaction, sessionIDs []string) ([]SessionIPInformation, error)
}

// IPTrackingProcurer wraps another Procurer and records the client
// address every time it hands out a session.
type IPTrackingProcurer struct {
	ds    *Datastore
	inner Procurer
	table TableDef
	now   func() time.Time
}

func NewIPTrackingProcurer(meta *Metadata, ds *Datastore, inner Procurer) (*IPTrackingProcurer, error) {
	table, err := meta.Define(TableDef{
		Name: "session_ip",
		Columns: []string{
			"sessionID TEXT NOT NULL REFERENCES session(sessionID) ON DELETE CASCADE",
			"ip_address TEXT NOT NULL",
			"address_family TEXT NOT NULL",
			"last_used TIMESTAMP NOT NULL",
			"UNIQUE (sessionID, ip_address, address_family)",
		},
	})
	if err != nil {
		return nil, err
	}
	return &IPTrackingProcurer{
		ds:    ds,
		inner: inner,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *IPTrackingProcurer) InitializeSchema(ctx context.Context, txn *Transaction) error {
	_, err := txn.Exec(ctx, p.table.CreateStatement())
	return err
}

func (p *IPTrackingProcurer) ProcureSession(ctx context.Context, req Request, forceInsecure bool, alwaysCreate bool) (*Session, error) {
	session, err := p.inner.ProcureSession(ctx, req, forceInsecure, alwaysCreate)
	if err != nil || session == nil {
		return session, err
	}

	ip, err := req.ClientAddress()
	if err != nil {
		ip = ""
	}

	if err := p.Touch(ctx, session.Identifier, ip); err != nil {
		return nil, err
	}
	return session, nil
}

// Touch records that sessionID was just used from ip.
func (p *IPTrackingProcurer) Touch(ctx context.Context, sessionID string, ip string) error {
	family := AddressFamilyIPv4
	if strings.Contains(ip, ":") {
		family = AddressFamilyIPv6
	}

	return p.ds.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		return upsert(ctx, txn, p.table.Name,
			[]column{
				{"sessionID", sessionID},
				{"ip_address", ip},
				{"address_family", family},
			},
			[]column{
				{"last_used", p.now()},
			},
		)
	})
}

func (p *IPTrackingProcurer) SessionIPs(ctx context.Context, txn *Transaction, sessionIDs []string) ([]SessionIPInformation, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(sessionIDs))
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT sessionID, ip_address, last_used
		FROM session_ip
		WHERE sessionID IN (%s)
		ORDER BY last_used DESC, sessionID, ip_address
	`, strings.Join(placeholders, ", "))

	rows, err := txn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionIPInformation
	for rows.Next() {
		var info SessionIPInformation
		if err := rows.Scan(&info.ID, &info.IP, &info.When); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// PruneStale deletes address records not used since olderThan.
func (p *IPTrackingProcurer) PruneStale(ctx context.Context, olderThan time.Time) (int64, error) {
	return SQL(ctx, p.ds, func(ctx context.Context, txn *Transaction) (int64, error) {
		res, err := txn.Exec(ctx, `DELETE FROM session_ip WHERE last_used < $1`, olderThan.UTC())
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

type column struct {
	name  string
	value any
}

// upsert inserts key+change; if that violates a constraint it updates the
// change columns of the row matching key instead.
func upsert(ctx context.Context, txn *Transaction, table string, key []column, change []column) error {
	all := make([]column, 0, len(key)+len(change))
	all = append(all, key...)
	all = append(all, change...)

	names := make([]string, len(all))
	placeholders := make([]string, len(all))
	args := make([]any, len(all))
	for i, c := range all {
		names[i] = c.name
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = c.value
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "))

	err := txn.savepoint(ctx, func() error {
		_, err := txn.Exec(ctx, insert, args...)
		return err
	})
	if err == nil || !database.IsIntegrityViolation(err) {
		return err
	}

	sets := make([]string, len(change))
	wheres := make([]string, len(key))
	args = args[:0]
	n := 0
	for i, c := range change {
		n++
		sets[i] = fmt.Sprintf("%s = $%d", c.name, n)
		args = append(args, c.value)
	}
	for i, c := range key {
		n++
		wheres[i] = fmt.Sprintf("%s = $%d", c.name, n)
		args = append(args, c.value)
	}
	update := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		table, strings.Join(sets, ", "), strings.Join(wheres, " AND "))

	_, err = txn.Exec(ctx, update, args...)
	return err
}
