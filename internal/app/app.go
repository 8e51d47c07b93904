// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initBackend  — the Bedrock invocation client
//  3. initServices — cache, metrics registry, usage logger
//  4. initGateway  — relay handlers + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	bgCache "github.com/nulpointcorp/bedrock-gateway/internal/cache"
	"github.com/nulpointcorp/bedrock-gateway/internal/bedrock"
	"github.com/nulpointcorp/bedrock-gateway/internal/config"
	"github.com/nulpointcorp/bedrock-gateway/internal/logger"
	"github.com/nulpointcorp/bedrock-gateway/internal/metrics"
	"github.com/nulpointcorp/bedrock-gateway/internal/registry"
	"github.com/nulpointcorp/bedrock-gateway/internal/relay"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	usage     *logger.UsageLogger
	cacheImpl bgCache.Cache

	prom    *metrics.Metrics
	backend *bedrock.Client
	reg     *registry.Registry
	gw      *relay.Gateway

	srv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backend", a.initBackend},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("region", a.cfg.Bedrock.Region),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("models", len(a.reg.List())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.log.Error("usage logger close error", slog.String("error", err.Error()))
		}
		a.usage = nil
	}
	if a.cacheImpl != nil {
		if err := a.cacheImpl.Close(); err != nil {
			a.log.Error("cache close error", slog.String("error", err.Error()))
		}
		a.cacheImpl = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
