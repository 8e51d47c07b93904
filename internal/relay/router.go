package relay

import (
	"context"
	"encoding/json"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ServerOptions configures the HTTP surface built by Handler.
type ServerOptions struct {
	CORSOrigins []string

	// Metrics, when set, is mounted at GET /metrics.
	Metrics fasthttp.RequestHandler

	// Ready, when set, backs GET /readiness; a non-nil error reports 503.
	Ready func(ctx context.Context) error

	Version string
}

// Handler builds the routed, middleware-wrapped request handler.
func (g *Gateway) Handler(opts ServerOptions) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.HandleChatCompletions)
	r.POST("/v1/completions", g.HandleCompletions)
	r.GET("/v1/models", g.HandleModels)
	r.GET("/health", g.handleHealth(opts.Version))
	r.GET("/readiness", g.handleReadiness(opts.Ready))

	if opts.Metrics != nil {
		r.GET("/metrics", opts.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		timing(g.metrics),
		corsHandler(opts.CORSOrigins),
		securityHeaders,
	)
}

func (g *Gateway) handleHealth(version string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, map[string]any{
			"status":  "ok",
			"version": version,
		})
	}
}

func (g *Gateway) handleReadiness(ready func(ctx context.Context) error) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if ready != nil {
			if err := ready(ctx); err != nil {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				writeJSON(ctx, map[string]string{"status": "unavailable", "reason": err.Error()})
				return
			}
		}
		writeJSON(ctx, map[string]string{"status": "ok"})
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	_ = json.NewEncoder(ctx).Encode(v)
}
