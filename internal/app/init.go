package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	bgCache "github.com/nulpointcorp/bedrock-gateway/internal/cache"
	"github.com/nulpointcorp/bedrock-gateway/internal/bedrock"
	"github.com/nulpointcorp/bedrock-gateway/internal/logger"
	"github.com/nulpointcorp/bedrock-gateway/internal/metrics"
	"github.com/nulpointcorp/bedrock-gateway/internal/registry"
	"github.com/nulpointcorp/bedrock-gateway/internal/relay"
	"github.com/nulpointcorp/bedrock-gateway/internal/tokens"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initBackend builds the Bedrock client. Credential presence is enforced by
// config validation before we reach here.
func (a *App) initBackend(_ context.Context) error {
	var opts []bedrock.Option
	if a.cfg.Bedrock.SessionToken != "" {
		opts = append(opts, bedrock.WithSessionToken(a.cfg.Bedrock.SessionToken))
	}
	if a.cfg.Bedrock.EndpointURL != "" {
		opts = append(opts, bedrock.WithEndpointURL(a.cfg.Bedrock.EndpointURL))
	}
	if a.cfg.BackendTimeout > 0 {
		opts = append(opts, bedrock.WithTimeout(a.cfg.BackendTimeout))
	}

	a.backend = bedrock.New(
		a.cfg.Bedrock.AccessKey, a.cfg.Bedrock.SecretKey, a.cfg.Bedrock.Region, opts...,
	)

	// DEFAULT_MODEL accepts either a catalog alias or a raw backend id.
	defaultID := a.cfg.DefaultModel
	if id := registry.AliasBackendID(defaultID); id != "" {
		defaultID = id
	}
	a.reg = registry.New(defaultID)

	return nil
}

// initServices creates the cache backend, metrics registry and usage logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cacheImpl = bgCache.NewRedisFromClient(a.rdb, a.cfg.Cache.TTL)
		a.log.Info("cache backend: redis")

	case "memory":
		a.cacheImpl = bgCache.NewMemory(a.cfg.Cache.TTL)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.cacheImpl = bgCache.NewNone()
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	usage, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("usage logger: %w", err)
	}
	a.usage = usage

	return nil
}

// initGateway wires together the relay with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	retrier := relay.NewRetrier(a.log)
	retrier.MaxAttempts = a.cfg.Retry.MaxAttempts
	retrier.BaseDelay = a.cfg.Retry.BaseDelay
	retrier.MaxDelay = a.cfg.Retry.MaxDelay

	a.gw = relay.NewGateway(relay.GatewayOptions{
		Log:      a.log,
		Backend:  a.backend,
		Registry: a.reg,
		Retrier:  retrier,
		Counter:  tokens.NewAccountant(a.log),
		Metrics:  a.prom,
		Cache:    a.cacheImpl,
		Usage:    a.usage,
	})

	handler := a.gw.Handler(relay.ServerOptions{
		CORSOrigins: a.cfg.CORSOrigins,
		Metrics:     a.prom.Handler(),
		Ready:       a.readiness,
		Version:     a.version,
	})

	a.srv = &fasthttp.Server{
		Handler:            handler,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Minute, // streams stay open well past a single invocation
		MaxRequestBodySize: 16 << 20,
	}

	return nil
}

// readiness probes the optional external dependencies.
func (a *App) readiness(ctx context.Context) error {
	if a.rdb != nil {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := a.rdb.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
