package procurer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sqlsession/internal/config"
	"sqlsession/internal/store"
)

// Procurer finds the session named by a request's token header or cookie,
// creating one (and setting its cookie) when asked to.
type Procurer struct {
	sessions *store.SessionStore
	cfg      config.SessionConfig
}

func New(sessions *store.SessionStore, cfg config.SessionConfig) *Procurer {
	return &Procurer{sessions: sessions, cfg: withDefaults(cfg)}
}

// FromStore adapts New for store.OpenSessionStore.
func FromStore(cfg config.SessionConfig) store.ProcurerFactory {
	return func(sessions *store.SessionStore) store.Procurer {
		return New(sessions, cfg)
	}
}

func withDefaults(cfg config.SessionConfig) config.SessionConfig {
	if cfg.CookieName == "" {
		cfg.CookieName = "sid"
	}
	if cfg.SecureCookieName == "" {
		cfg.SecureCookieName = "__Host-sid"
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-Auth-Token"
	}
	if cfg.InsecureHeaderName == "" {
		cfg.InsecureHeaderName = "X-Insecure-Auth-Token"
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	return cfg
}

func (p *Procurer) ProcureSession(ctx context.Context, req store.Request, forceInsecure bool, alwaysCreate bool) (*store.Session, error) {
	tokenHeader, cookieName := p.cfg.InsecureHeaderName, p.cfg.CookieName
	sentSecurely := false
	if req.IsSecure() && !forceInsecure {
		tokenHeader, cookieName = p.cfg.HeaderName, p.cfg.SecureCookieName
		sentSecurely = true
	}

	// A client may leak a confidential token over plain HTTP; any such
	// token is burned before anything else happens.
	if !req.IsSecure() {
		if err := p.sessions.SentInsecurely(ctx, p.sentTokens(req)); err != nil {
			return nil, err
		}
	}

	mechanism := store.AuthenticatedByHeader
	token := req.Header(tokenHeader)
	if token == "" {
		mechanism = store.AuthenticatedByCookie
		token, _ = req.Cookie(cookieName)
	}

	if token != "" {
		session, err := p.sessions.LoadSession(ctx, token, sentSecurely, mechanism)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, store.ErrNoSuchSession) || mechanism == store.AuthenticatedByHeader {
			return nil, err
		}
	}

	if !alwaysCreate {
		return nil, nil
	}

	session, err := p.sessions.NewSession(ctx, sentSecurely, mechanism)
	if err != nil {
		return nil, err
	}

	req.SetCookie(&http.Cookie{
		Name:     cookieName,
		Value:    session.Identifier,
		Path:     p.cfg.CookiePath,
		Domain:   p.cfg.CookieDomain,
		MaxAge:   int(p.cfg.MaxAge / time.Second),
		Secure:   sentSecurely,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return session, nil
}

func (p *Procurer) sentTokens(req store.Request) []string {
	var tokens []string
	for _, header := range []string{p.cfg.HeaderName, p.cfg.InsecureHeaderName} {
		if v := req.Header(header); v != "" {
			tokens = append(tokens, v)
		}
	}
	for _, name := range []string{p.cfg.SecureCookieName, p.cfg.CookieName} {
		if v, err := req.Cookie(name); err == nil && v != "" {
			tokens = append(tokens, v)
		}
	}
	return tokens
}
