package store

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"sqlsession/internal/config"
	"sqlsession/internal/database"
	"sqlsession/internal/security"
)

func testHasher() *security.Hasher {
	return security.NewHasher(security.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16})
}

type testStore struct {
	ds       *Datastore
	sessions *SessionStore
	accounts *AccountBindingStore
	ips      *IPTrackingProcurer
	inner    *stubProcurer
}

func openTestStore(t *testing.T, extra ...ComponentCreator) (*Datastore, *testStore) {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, config.DatabaseConfig{
		URI: "sqlite://" + filepath.Join(t.TempDir(), "sessions.db"),
	})
	if err != nil {
		t.Fatalf("database.Open error: %v", err)
	}

	inner := &stubProcurer{}
	creators := DefaultComponents(testHasher(), func(s *SessionStore) Procurer {
		inner.sessions = s
		return inner
	})
	ds, err := Open(db, zerolog.Nop(), append(creators, extra...)...)
	if err != nil {
		db.Close()
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	if err := ds.PopulateSchema(ctx); err != nil {
		t.Fatalf("PopulateSchema error: %v", err)
	}

	ts := &testStore{ds: ds, inner: inner}
	ts.sessions, _ = First[*SessionStore](ds)
	ts.accounts, _ = First[*AccountBindingStore](ds)
	ts.ips, _ = First[*IPTrackingProcurer](ds)
	return ds, ts
}

func (ts *testStore) newSession(t *testing.T) *Session {
	t.Helper()
	session, err := ts.sessions.NewSession(context.Background(), true, AuthenticatedByCookie)
	if err != nil {
		t.Fatalf("NewSession error: %v", err)
	}
	return session
}

func (ts *testStore) binding(t *testing.T, session *Session) *AccountBinding {
	t.Helper()
	authzs, err := session.Authorize(context.Background(), AccountBindingCapability)
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	binding, ok := Authorized[*AccountBinding](authzs, AccountBindingCapability)
	if !ok {
		t.Fatal("account binding not authorized")
	}
	return binding
}

func (ts *testStore) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := ts.ds.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

// stubProcurer hands out a fresh session per call unless told otherwise.
type stubProcurer struct {
	sessions *SessionStore
	none     bool
	calls    int
}

func (p *stubProcurer) ProcureSession(ctx context.Context, _ Request, _ bool, _ bool) (*Session, error) {
	p.calls++
	if p.none {
		return nil, nil
	}
	return p.sessions.NewSession(ctx, false, AuthenticatedByCookie)
}

type fakeRequest struct {
	addr    string
	addrErr error
	secure  bool
	headers map[string]string
	cookies map[string]string
	set     []*http.Cookie
}

func (r *fakeRequest) ClientAddress() (string, error) {
	return r.addr, r.addrErr
}

func (r *fakeRequest) IsSecure() bool {
	return r.secure
}

func (r *fakeRequest) Header(name string) string {
	return r.headers[name]
}

func (r *fakeRequest) Cookie(name string) (string, error) {
	v, ok := r.cookies[name]
	if !ok {
		return "", http.ErrNoCookie
	}
	return v, nil
}

func (r *fakeRequest) SetCookie(c *http.Cookie) {
	r.set = append(r.set, c)
}
