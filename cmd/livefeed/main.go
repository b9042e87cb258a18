package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/auth"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/backend"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/gateway"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/hub"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/registry"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/repository"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/stream"
	"github.com/shubham-shewale/portfolio-live/pkg/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	repo := repository.NewRedisStore(rdb, cfg.Redis.SnapshotTTL)
	defer repo.Close()

	tokens := auth.Optional(cfg.Stream.Token)
	reg := registry.New(registry.Options{
		Stream: stream.Config{
			URL:                cfg.Stream.URL,
			ScopeParam:         cfg.Stream.ScopeParam,
			BackoffBase:        cfg.Stream.BackoffBase,
			BackoffCapExponent: cfg.Stream.BackoffCapExponent,
			IdleTimeout:        cfg.Stream.IdleTimeout,
			ReadBuffer:         cfg.Stream.ReadBuffer,
			MaxFrameBytes:      cfg.Stream.MaxFrameBytes,
		},
		MaxPoints:    cfg.Series.MaxPoints,
		Retention:    cfg.Series.Window,
		FetchTimeout: cfg.Backend.Timeout,
	}, registry.Deps{
		Provider: backend.NewClient(cfg.Backend.BaseURL, cfg.Stream.ScopeParam, cfg.Backend.Timeout, tokens),
		// no client timeout: the prices response stays open for the session
		Client: &http.Client{},
		Tokens: tokens,
		Sink:   repo,
	}, logger)
	defer reg.Close()

	// Dependency Injection: Hub depends on the Repository and Registry interfaces
	wsHub := hub.NewHub(repo, reg, hub.Options{
		ChartWindow:    cfg.Series.Window,
		ChartTimeout:   cfg.Backend.Timeout,
		AcquireTimeout: cfg.Backend.Timeout,
	}, logger)
	defer wsHub.Close()

	srv := &http.Server{
		Addr:              cfg.App.Port,
		Handler:           gateway.NewMux(wsHub, reg, repo, gateway.DefaultTimeouts, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Server Started", zap.String("port", cfg.App.Port), zap.String("stream", cfg.Stream.URL))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}
