package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sqlsession/internal/store"
)

const sessionKey = "session"

var errNoClientAddress = errors.New("client address unavailable")

// ginRequest exposes a gin request to session procurement.
type ginRequest struct {
	c *gin.Context
}

func (r ginRequest) ClientAddress() (string, error) {
	ip := r.c.ClientIP()
	if ip == "" {
		return "", errNoClientAddress
	}
	return ip, nil
}

// IsSecure only trusts the connection itself; forwarded-proto headers
// are ignored.
func (r ginRequest) IsSecure() bool {
	return r.c.Request.TLS != nil
}

func (r ginRequest) Header(name string) string {
	return r.c.GetHeader(name)
}

func (r ginRequest) Cookie(name string) (string, error) {
	return r.c.Cookie(name)
}

func (r ginRequest) SetCookie(cookie *http.Cookie) {
	http.SetCookie(r.c.Writer, cookie)
}

// Session procures the request's session once and stores it on the
// context. With alwaysCreate a new session (and cookie) is issued when
// the request carries none.
func Session(procurer store.Procurer, alwaysCreate bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentSession(c); ok {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		session, err := procurer.ProcureSession(ctx, ginRequest{c}, false, alwaysCreate)
		if err != nil {
			if errors.Is(err, store.ErrNoSuchSession) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_session"})
				return
			}
			zerolog.Ctx(ctx).Error().Err(err).Msg("procure session failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_unavailable"})
			return
		}

		if session != nil {
			c.Set(sessionKey, session)
		}
		c.Next()
	}
}

func CurrentSession(c *gin.Context) (*store.Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	session, ok := v.(*store.Session)
	return session, ok && session != nil
}
