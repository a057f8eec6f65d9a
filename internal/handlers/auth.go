package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sqlsession/internal/cache"
	"sqlsession/internal/middleware"
	"sqlsession/internal/store"
)

type createAccountRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type accountResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type loginResponse struct {
	Account accountResponse `json:"account"`
	Token   string          `json:"token"`
}

type sessionResponse struct {
	IP       string    `json:"ip"`
	LastUsed time.Time `json:"lastUsed"`
	Current  bool      `json:"current"`
}

func toAccountResponse(a *store.Account) accountResponse {
	return accountResponse{ID: a.AccountID, Username: a.Username, Email: a.Email}
}

// accountBinding authorizes the request's session for account binding.
// It writes the error response itself and reports false on failure.
func accountBinding(c *gin.Context) (*store.AccountBinding, bool) {
	session, ok := middleware.CurrentSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no_session"})
		return nil, false
	}

	authzs, err := session.Authorize(c.Request.Context(), store.AccountBindingCapability)
	if err != nil {
		internalError(c, err, "authorize account binding failed")
		return nil, false
	}
	binding, ok := store.Authorized[*store.AccountBinding](authzs, store.AccountBindingCapability)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_binding_unavailable"})
		return nil, false
	}
	return binding, true
}

func internalError(c *gin.Context, err error, msg string) {
	zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func (h HandlerSet) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	binding, ok := accountBinding(c)
	if !ok {
		return
	}

	account, err := binding.CreateAccount(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		internalError(c, err, "create account failed")
		return
	}
	if account == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
		return
	}

	c.JSON(http.StatusCreated, toAccountResponse(account))
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()
	if h.throttle != nil {
		if err := h.throttle.Check(ctx, req.Username, ip); err != nil {
			if errors.Is(err, cache.ErrLoginThrottled) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts"})
				return
			}
			internalError(c, err, "login throttle check failed")
			return
		}
	}

	binding, ok := accountBinding(c)
	if !ok {
		return
	}

	account, err := binding.LogIn(ctx, req.Username, req.Password)
	if err != nil {
		internalError(c, err, "login failed")
		return
	}
	if account == nil {
		if h.throttle != nil {
			if err := h.throttle.Fail(ctx, req.Username, ip); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("record failed login")
			}
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}

	if h.throttle != nil {
		if err := h.throttle.Succeed(ctx, req.Username); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("reset login throttle")
		}
	}

	c.JSON(http.StatusOK, loginResponse{
		Account: toAccountResponse(account),
		Token:   binding.Session().Identifier,
	})
}

// Logout unbinds the session from its accounts. Without a session there
// is nothing to do.
func (h HandlerSet) Logout(c *gin.Context) {
	if _, ok := middleware.CurrentSession(c); !ok {
		c.Status(http.StatusNoContent)
		return
	}

	binding, ok := accountBinding(c)
	if !ok {
		return
	}
	if err := binding.LogOut(c.Request.Context()); err != nil {
		internalError(c, err, "logout failed")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h HandlerSet) Me(c *gin.Context) {
	account, ok := middleware.CurrentAccount(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, toAccountResponse(account))
}

// ListSessions reports where the sessions sharing the caller's account
// were used from. Session identifiers are credentials and are not
// returned.
func (h HandlerSet) ListSessions(c *gin.Context) {
	binding, ok := store.Authorized[*store.AccountBinding](middleware.Authorizations(c), store.AccountBindingCapability)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	infos, err := binding.AttachedSessions(c.Request.Context())
	if err != nil {
		internalError(c, err, "list attached sessions failed")
		return
	}

	current := binding.Session().Identifier
	resp := make([]sessionResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, sessionResponse{
			IP:       info.IP,
			LastUsed: info.When,
			Current:  info.ID == current,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": resp,
	})
}
