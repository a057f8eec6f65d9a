package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sqlsession/internal/config"
	"sqlsession/internal/middleware"
	"sqlsession/internal/store"
)

// LoginThrottle limits failed login attempts. See cache.LoginLimiter.
type LoginThrottle interface {
	Check(ctx context.Context, username, ip string) error
	Fail(ctx context.Context, username, ip string) error
	Succeed(ctx context.Context, username string) error
}

type HandlerSet struct {
	log      zerolog.Logger
	cfg      *config.AppConfig
	ds       *store.Datastore
	procurer store.Procurer
	throttle LoginThrottle
}

// NewHandlerSet wires the HTTP handlers. throttle may be nil.
func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, ds *store.Datastore, procurer store.Procurer, throttle LoginThrottle) HandlerSet {
	return HandlerSet{
		log:      log,
		cfg:      cfg,
		ds:       ds,
		procurer: procurer,
		throttle: throttle,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	{
		v1.POST("/accounts", middleware.Session(h.procurer, true), h.CreateAccount)

		auth := v1.Group("/auth")
		auth.POST("/login", middleware.Session(h.procurer, true), h.Login)
		auth.POST("/logout", middleware.Session(h.procurer, false), h.Logout)

		protected := v1.Group("/auth")
		protected.Use(
			middleware.Session(h.procurer, false),
			middleware.RequireAccount(),
		)
		protected.GET("/me", h.Me)
		protected.GET("/sessions", h.ListSessions)
	}
}
