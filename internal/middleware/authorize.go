package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sqlsession/internal/store"
)

const (
	authorizationsKey = "authorizations"
	currentAccountKey = "current_account"
)

// RequireAccount authorizes the session for its current account and
// account binding, and rejects requests from sessions nobody is logged
// in to. Must run after Session.
func RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, ok := CurrentSession(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := c.Request.Context()
		authzs, err := session.Authorize(ctx, store.CurrentAccountCapability, store.AccountBindingCapability)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("authorize session failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authorization_failed"})
			return
		}

		account, ok := store.Authorized[*store.Account](authzs, store.CurrentAccountCapability)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not_logged_in"})
			return
		}

		c.Set(authorizationsKey, authzs)
		c.Set(currentAccountKey, account)
		c.Next()
	}
}

func Authorizations(c *gin.Context) store.Authorizations {
	v, _ := c.Get(authorizationsKey)
	authzs, _ := v.(store.Authorizations)
	return authzs
}

func CurrentAccount(c *gin.Context) (*store.Account, bool) {
	v, ok := c.Get(currentAccountKey)
	if !ok {
		return nil, false
	}
	account, ok := v.(*store.Account)
	return account, ok
}
