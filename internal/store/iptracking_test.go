package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestProcureSessionRecordsAddress(t *testing.T) {
	_, ts := openTestStore(t)
	ctx := context.Background()
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ts.ips.now = func() time.Time { return first }

	session, err := ts.ips.ProcureSession(ctx, &fakeRequest{addr: "10.0.0.1"}, false, true)
	if err != nil || session == nil {
		t.Fatalf("ProcureSession = %v, %v", session, err)
	}

	var family string
	var when time.Time
	row := ts.ds.db.QueryRow(`SELECT address_family, last_used FROM session_ip WHERE sessionID = $1`, session.Identifier)
	if err := row.Scan(&family, &when); err != nil {
		t.Fatalf("read session_ip: %v", err)
	}
	if family != AddressFamilyIPv4 || !when.Equal(first) {
		t.Fatalf("unexpected record: %s %v", family, when)
	}
}

func TestTouchUpdatesExistingRecord(t *testing.T) {
	_, ts := openTestStore(t)
	ctx := context.Background()
	session := ts.newSession(t)

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	ts.ips.now = func() time.Time { return first }
	if err := ts.ips.Touch(ctx, session.Identifier, "2001:db8::1"); err != nil {
		t.Fatalf("first Touch error: %v", err)
	}
	ts.ips.now = func() time.Time { return later }
	if err := ts.ips.Touch(ctx, session.Identifier, "2001:db8::1"); err != nil {
		t.Fatalf("second Touch error: %v", err)
	}

	if n := ts.count(t, `SELECT COUNT(*) FROM session_ip WHERE sessionID = $1`, session.Identifier); n != 1 {
		t.Fatalf("expected a single record, got %d", n)
	}

	infos, err := SQL(ctx, ts.ds, func(ctx context.Context, txn *Transaction) ([]SessionIPInformation, error) {
		return ts.ips.SessionIPs(ctx, txn, []string{session.Identifier})
	})
	if err != nil || len(infos) != 1 {
		t.Fatalf("SessionIPs = %v, %v", infos, err)
	}
	if !infos[0].When.Equal(later) {
		t.Fatalf("last_used = %v, want %v", infos[0].When, later)
	}

	var family string
	if err := ts.ds.db.QueryRow(`SELECT address_family FROM session_ip`).Scan(&family); err != nil || family != AddressFamilyIPv6 {
		t.Fatalf("address_family = %q, %v", family, err)
	}
}

func TestProcureSessionPassesThroughNoSession(t *testing.T) {
	_, ts := openTestStore(t)
	ts.inner.none = true

	session, err := ts.ips.ProcureSession(context.Background(), &fakeRequest{addr: "10.0.0.1"}, false, false)
	if err != nil || session != nil {
		t.Fatalf("ProcureSession = %v, %v", session, err)
	}
	if ts.inner.calls != 1 {
		t.Fatalf("inner procurer called %d times", ts.inner.calls)
	}
	if n := ts.count(t, `SELECT COUNT(*) FROM session_ip`); n != 0 {
		t.Fatalf("recorded an address without a session: %d", n)
	}
}

func TestProcureSessionUnknownAddress(t *testing.T) {
	_, ts := openTestStore(t)

	req := &fakeRequest{addrErr: errors.New("no peer")}
	session, err := ts.ips.ProcureSession(context.Background(), req, false, true)
	if err != nil || session == nil {
		t.Fatalf("ProcureSession = %v, %v", session, err)
	}
	if n := ts.count(t, `SELECT COUNT(*) FROM session_ip WHERE sessionID = $1 AND ip_address = ''`, session.Identifier); n != 1 {
		t.Fatalf("expected an empty-address record, got %d", n)
	}
}

func TestPruneStale(t *testing.T) {
	_, ts := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	old := ts.newSession(t)
	fresh := ts.newSession(t)

	ts.ips.now = func() time.Time { return now.Add(-48 * time.Hour) }
	if err := ts.ips.Touch(ctx, old.Identifier, "10.0.0.1"); err != nil {
		t.Fatalf("Touch error: %v", err)
	}
	ts.ips.now = func() time.Time { return now }
	if err := ts.ips.Touch(ctx, fresh.Identifier, "10.0.0.2"); err != nil {
		t.Fatalf("Touch error: %v", err)
	}

	removed, err := ts.ips.PruneStale(ctx, now.Add(-24*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("PruneStale = %d, %v", removed, err)
	}
	if n := ts.count(t, `SELECT COUNT(*) FROM session_ip WHERE sessionID = $1`, fresh.Identifier); n != 1 {
		t.Fatalf("fresh record pruned")
	}
}
