package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sqlsession/internal/cache"
	"sqlsession/internal/config"
	"sqlsession/internal/handlers"
	"sqlsession/internal/jobs"
	"sqlsession/internal/log"
	"sqlsession/internal/procurer"
	"sqlsession/internal/security"
	"sqlsession/internal/server"
	"sqlsession/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx := context.Background()

	hasher := security.NewHasher(security.Argon2Params{
		Time:    cfg.Password.Time,
		Memory:  cfg.Password.Memory,
		Threads: cfg.Password.Threads,
		KeyLen:  cfg.Password.KeyLen,
		SaltLen: cfg.Password.SaltLen,
	})

	ds, sessionProcurer, err := store.OpenSessionStore(ctx, store.Config{
		Database: cfg.Database,
		Hasher:   hasher,
		Logger:   logger,
	}, procurer.FromStore(cfg.Session))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session store")
	}

	var (
		redisClient *redis.Client
		throttle    handlers.LoginThrottle
	)
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		throttle = cache.NewLoginLimiter(redisClient, cfg.LoginThrottle)
	}

	handlerSet := handlers.NewHandlerSet(logger, cfg, ds, sessionProcurer, throttle)
	httpServer, err := server.NewHTTPServer(cfg, logger, handlerSet)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure http server")
	}

	var scheduler *jobs.Scheduler
	if tracker, ok := store.First[*store.IPTrackingProcurer](ds); ok {
		scheduler = jobs.NewScheduler(tracker, cfg.IPTracking, logger)
		if err := scheduler.Start(); err != nil {
			logger.Error().Err(err).Msg("scheduler start failed")
		}
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, ds, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, ds *store.Datastore, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn().Msg("prune job still running at shutdown")
		}
	}

	if err := ds.Close(); err != nil {
		logger.Error().Err(err).Msg("database close error")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}

	logger.Info().Msg("server exited cleanly")
}
