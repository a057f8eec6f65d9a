package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sqlsession/internal/cache"
	"sqlsession/internal/config"
	"sqlsession/internal/procurer"
	"sqlsession/internal/security"
	"sqlsession/internal/store"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	return newThrottledRouter(t, nil)
}

func newThrottledRouter(t *testing.T, throttle LoginThrottle) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.AppConfig{Environment: "test"}
	ds, p, err := store.OpenSessionStore(context.Background(), store.Config{
		Database: config.DatabaseConfig{URI: "sqlite://" + filepath.Join(t.TempDir(), "sessions.db")},
		Hasher:   security.NewHasher(security.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}),
		Logger:   zerolog.Nop(),
	}, procurer.FromStore(cfg.Session))
	if err != nil {
		t.Fatalf("OpenSessionStore error: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	router := gin.New()
	NewHandlerSet(zerolog.Nop(), cfg, ds, p, throttle).Register(router.Group("/api"))
	return router
}

type call struct {
	method string
	path   string
	body   any
	cookie *http.Cookie
	header map[string]string
}

func do(t *testing.T, router http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&body).Encode(c.body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "sid" {
			return c
		}
	}
	t.Fatalf("no session cookie in response: %v", rec.Header())
	return nil
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, call{method: http.MethodGet, path: "/api/healthz"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Database != "ok" || resp.Environment != "test" {
		t.Fatalf("unexpected body %s (%v)", rec.Body.String(), err)
	}
}

func TestAccountLifecycle(t *testing.T) {
	router := newTestRouter(t)
	creds := map[string]string{"username": "ann", "email": "ann@example.com", "password": "correct horse"}

	rec := do(t, router, call{method: http.MethodPost, path: "/api/v1/accounts", body: creds})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	laptop := sessionCookie(t, rec)
	if !laptop.HttpOnly || laptop.Secure {
		t.Fatalf("unexpected cookie flags: %+v", laptop)
	}

	rec = do(t, router, call{method: http.MethodPost, path: "/api/v1/accounts", body: creds, cookie: laptop})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", rec.Code)
	}

	rec = do(t, router, call{method: http.MethodGet, path: "/api/v1/auth/me", cookie: laptop})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("me before login status = %d", rec.Code)
	}

	login := map[string]string{"username": "ann", "password": "correct horse"}
	rec = do(t, router, call{method: http.MethodPost, path: "/api/v1/auth/login", body: login, cookie: laptop})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, router, call{method: http.MethodGet, path: "/api/v1/auth/me", cookie: laptop})
	var me accountResponse
	if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &me) != nil || me.Username != "ann" {
		t.Fatalf("me status = %d: %s", rec.Code, rec.Body.String())
	}

	// A second client logs in without a cookie and then uses the token header.
	rec = do(t, router, call{method: http.MethodPost, path: "/api/v1/auth/login", body: login})
	var second loginResponse
	if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &second) != nil || second.Token == "" {
		t.Fatalf("second login status = %d: %s", rec.Code, rec.Body.String())
	}
	if second.Token == laptop.Value {
		t.Fatal("second client reused the first session")
	}

	rec = do(t, router, call{
		method: http.MethodGet,
		path:   "/api/v1/auth/sessions",
		header: map[string]string{"X-Insecure-Auth-Token": second.Token},
	})
	var listed struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &listed) != nil {
		t.Fatalf("sessions status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(listed.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", listed.Sessions)
	}
	currents := 0
	for _, s := range listed.Sessions {
		if s.IP != "192.0.2.1" {
			t.Fatalf("unexpected ip %q", s.IP)
		}
		if s.Current {
			currents++
		}
	}
	if currents != 1 {
		t.Fatalf("expected exactly one current session, got %d", currents)
	}

	rec = do(t, router, call{method: http.MethodPost, path: "/api/v1/auth/logout", cookie: laptop})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", rec.Code)
	}
	rec = do(t, router, call{method: http.MethodGet, path: "/api/v1/auth/me", cookie: laptop})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout status = %d", rec.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, call{method: http.MethodPost, path: "/api/v1/accounts", body: map[string]string{
		"username": "ann", "email": "ann@example.com", "password": "correct horse",
	}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	rec = do(t, router, call{method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{
		"username": "ann", "password": "battery staple",
	}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login status = %d", rec.Code)
	}
}

func TestBadRequests(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, call{method: http.MethodPost, path: "/api/v1/accounts", body: map[string]string{
		"username": "ann", "email": "not-an-email", "password": "correct horse",
	}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid email status = %d", rec.Code)
	}

	rec = do(t, router, call{
		method: http.MethodGet,
		path:   "/api/v1/auth/me",
		header: map[string]string{"X-Insecure-Auth-Token": "bogus"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bogus token status = %d", rec.Code)
	}

	rec = do(t, router, call{method: http.MethodPost, path: "/api/v1/auth/logout"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout without session status = %d", rec.Code)
	}
}

func TestLoginThrottle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := cache.NewLoginLimiter(client, config.LoginThrottleConfig{MaxAttempts: 2, Window: time.Minute})
	router := newThrottledRouter(t, limiter)

	rec := do(t, router, call{method: http.MethodPost, path: "/api/v1/accounts", body: map[string]string{
		"username": "ann", "email": "ann@example.com", "password": "correct horse",
	}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	wrong := map[string]string{"username": "ann", "password": "battery staple"}
	for i := range 2 {
		rec = do(t, router, call{method: http.MethodPost, path: "/api/v1/auth/login", body: wrong})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, rec.Code)
		}
	}

	right := map[string]string{"username": "ann", "password": "correct horse"}
	rec = do(t, router, call{method: http.MethodPost, path: "/api/v1/auth/login", body: right})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled login status = %d", rec.Code)
	}

	mr.FastForward(2 * time.Minute)
	rec = do(t, router, call{method: http.MethodPost, path: "/api/v1/auth/login", body: right})
	if rec.Code != http.StatusOK {
		t.Fatalf("login after window status = %d", rec.Code)
	}
}
