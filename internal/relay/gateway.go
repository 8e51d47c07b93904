package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/bedrock-gateway/internal/bedrock"
	"github.com/nulpointcorp/bedrock-gateway/internal/cache"
	"github.com/nulpointcorp/bedrock-gateway/internal/logger"
	"github.com/nulpointcorp/bedrock-gateway/internal/metrics"
	"github.com/nulpointcorp/bedrock-gateway/internal/registry"
	"github.com/nulpointcorp/bedrock-gateway/internal/tokens"
	"github.com/nulpointcorp/bedrock-gateway/pkg/apierr"
)

// Backend is the model invocation boundary. The production implementation
// is *bedrock.Client; tests substitute stubs.
type Backend interface {
	Invoke(ctx context.Context, modelID string, req *bedrock.InvokeRequest) ([]byte, error)
	InvokeStream(ctx context.Context, modelID string, req *bedrock.InvokeRequest) (*bedrock.FrameStream, error)
}

// Gateway serves the OpenAI-compatible surface and relays requests to the
// backend.
type Gateway struct {
	log        *slog.Logger
	backend    Backend
	registry   *registry.Registry
	normalizer *Normalizer
	retrier    *Retrier
	counter    tokens.Counter
	metrics    *metrics.Metrics
	cache      cache.Cache
	usage      *logger.UsageLogger

	seq atomic.Uint64
}

// GatewayOptions carries the collaborators a Gateway needs.
type GatewayOptions struct {
	Log      *slog.Logger
	Backend  Backend
	Registry *registry.Registry
	Retrier  *Retrier
	Counter  tokens.Counter
	Metrics  *metrics.Metrics
	Cache    cache.Cache
	Usage    *logger.UsageLogger
}

// NewGateway wires a Gateway. Log, Backend and Registry are required; the
// rest default to inert implementations.
func NewGateway(opts GatewayOptions) *Gateway {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Retrier == nil {
		opts.Retrier = NewRetrier(opts.Log)
	}
	if opts.Counter == nil {
		opts.Counter = tokens.NewAccountant(opts.Log)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewNone()
	}

	g := &Gateway{
		log:        opts.Log,
		backend:    opts.Backend,
		registry:   opts.Registry,
		normalizer: NewNormalizer(opts.Log),
		retrier:    opts.Retrier,
		counter:    opts.Counter,
		metrics:    opts.Metrics,
		cache:      opts.Cache,
		usage:      opts.Usage,
	}
	g.retrier.OnRetry = func(int) { opts.Metrics.IncRetry() }
	// Seed from the clock so identifiers stay unique across restarts.
	g.seq.Store(uint64(time.Now().UnixNano()))
	return g
}

// nextID produces a monotonically increasing response identifier.
func (g *Gateway) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, g.seq.Add(1))
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) HandleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, flavorChat)
}

// HandleCompletions serves POST /v1/completions.
func (g *Gateway) HandleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, flavorCompletions)
}

// HandleModels serves GET /v1/models with every registry alias.
func (g *Gateway) HandleModels(ctx *fasthttp.RequestCtx) {
	created := time.Now().Unix()
	entries := g.registry.List()

	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{
			"id":       e.Alias,
			"object":   "model",
			"created":  created,
			"owned_by": "anthropic",
		})
	}

	ctx.SetContentType("application/json")
	_ = json.NewEncoder(ctx).Encode(map[string]any{
		"object": "list",
		"data":   data,
	})
}

// dispatch is the shared request path for both POST endpoints.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, flavor endpointFlavor) {
	start := time.Now()

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteError(ctx, &apierr.ValidationError{Message: "invalid JSON body"})
		return
	}

	msgs, err := g.buildMessages(&req, flavor)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	entry := g.registry.Lookup(req.Model)
	invoke := g.normalizer.BuildInvoke(&req, msgs, entry.Thinking)

	log := g.log.With(
		slog.String("model", entry.Alias),
		slog.String("backend_id", entry.BackendID),
		slog.Bool("stream", req.Stream),
	)

	if req.Stream {
		g.serveStream(ctx, flavor, entry, invoke, log, start)
		return
	}
	g.serveBuffered(ctx, flavor, entry, invoke, log, start)
}

// buildMessages validates the flavor-specific body shape and produces the
// backend message sequence.
func (g *Gateway) buildMessages(req *inboundRequest, flavor endpointFlavor) ([]bedrock.Message, error) {
	if flavor == flavorCompletions {
		if strings.TrimSpace(req.Prompt) == "" {
			return nil, &apierr.ValidationError{Message: "prompt is required"}
		}
		return promptMessages(req.Prompt), nil
	}
	if len(req.Messages) == 0 {
		return nil, &apierr.ValidationError{Message: "messages is required"}
	}
	return filterMessages(req.Messages)
}

func (g *Gateway) serveBuffered(ctx *fasthttp.RequestCtx, flavor endpointFlavor, entry registry.Entry, invoke *bedrock.InvokeRequest, log *slog.Logger, start time.Time) {
	body, _ := json.Marshal(invoke)

	// Responses with a reasoning trace are never cached: the trace varies
	// run to run and callers asking for it want a fresh one.
	cacheable := invoke.Thinking == nil
	key := cache.Key(entry.BackendID, body)

	var payload []byte
	if cacheable {
		if hit, ok := g.cache.Get(ctx, key); ok {
			g.metrics.IncCache("hit")
			log.Debug("cache hit")
			payload = hit
		} else {
			g.metrics.IncCache("miss")
		}
	}

	if payload == nil {
		var err error
		payload, err = g.retrier.Invoke(ctx, g.backend, entry.BackendID, invoke)
		if err != nil {
			g.metrics.IncBackendAttempt("error")
			g.writeBackendError(ctx, log, err)
			return
		}
		g.metrics.IncBackendAttempt("success")
		if cacheable {
			g.cache.Set(ctx, key, payload)
			g.metrics.IncCache("store")
		}
	}

	result := TranslateResponse(payload, log)
	if invoke.Thinking == nil {
		// A reasoning trace is surfaced only when the request enabled it,
		// whatever the backend payload carries.
		result.Thinking = ""
	}

	promptTokens := g.counter.Count(promptText(invoke.Messages))
	completionTokens := g.counter.Count(result.Text)
	thinkingTokens := 0
	if result.Thinking != "" {
		thinkingTokens = g.counter.Count(result.Thinking)
	}
	g.metrics.AddTokens("prompt", promptTokens)
	g.metrics.AddTokens("completion", completionTokens)
	g.metrics.AddTokens("thinking", thinkingTokens)

	usage := map[string]any{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"total_tokens":      promptTokens + completionTokens,
	}
	if thinkingTokens > 0 {
		usage["thinking_tokens"] = thinkingTokens
	}

	var resp map[string]any
	if flavor == flavorChat {
		message := map[string]any{
			"role":    "assistant",
			"content": result.Text,
		}
		if result.Thinking != "" {
			message["thinking"] = result.Thinking
		}
		resp = map[string]any{
			"id":      g.nextID("chatcmpl"),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   entry.Alias,
			"choices": []map[string]any{{
				"index":         0,
				"message":       message,
				"finish_reason": mapChatStopReason(result.StopReason),
			}},
			"usage": usage,
		}
	} else {
		finish := result.StopReason
		if finish == "" {
			finish = "stop"
		}
		choice := map[string]any{
			"index":         0,
			"text":          result.Text,
			"finish_reason": finish,
		}
		if result.Thinking != "" {
			choice["thinking"] = result.Thinking
		}
		resp = map[string]any{
			"id":      g.nextID("cmpl"),
			"object":  "text_completion",
			"created": time.Now().Unix(),
			"model":   entry.Alias,
			"choices": []map[string]any{choice},
			"usage":   usage,
		}
	}

	ctx.SetContentType("application/json")
	_ = json.NewEncoder(ctx).Encode(resp)

	g.recordUsage(ctx, entry.Alias, flavor, promptTokens, completionTokens, thinkingTokens, false, start)
}

func (g *Gateway) serveStream(ctx *fasthttp.RequestCtx, flavor endpointFlavor, entry registry.Entry, invoke *bedrock.InvokeRequest, log *slog.Logger, start time.Time) {
	stream, err := g.retrier.InvokeStream(ctx, g.backend, entry.BackendID, invoke)
	if err != nil {
		g.metrics.IncBackendAttempt("error")
		g.writeBackendError(ctx, log, err)
		return
	}
	g.metrics.IncBackendAttempt("success")

	prefix := "chatcmpl"
	if flavor == flavorCompletions {
		prefix = "cmpl"
	}
	sh := newStreamShaper(flavor, g.nextID(prefix), entry.Alias)
	promptTokens := g.counter.Count(promptText(invoke.Messages))

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	alias, mx, counter, usage := entry.Alias, g.metrics, g.counter, g.usage
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var textTokens, thinkingTokens int
		PumpStream(w, stream.Frames, sh, log,
			func(text string) { textTokens += counter.Count(text) },
			func(text string) { thinkingTokens += counter.Count(text) },
		)
		mx.AddTokens("prompt", promptTokens)
		mx.AddTokens("completion", textTokens)
		mx.AddTokens("thinking", thinkingTokens)
		if usage != nil {
			usage.Record(logger.UsageEntry{
				Model:            alias,
				Endpoint:         endpointName(flavor),
				PromptTokens:     promptTokens,
				CompletionTokens: textTokens,
				ThinkingTokens:   thinkingTokens,
				Stream:           true,
				Duration:         time.Since(start),
			})
		}
	})
}

func (g *Gateway) writeBackendError(ctx *fasthttp.RequestCtx, log *slog.Logger, err error) {
	var apiErr *bedrock.APIError
	if errors.As(err, &apiErr) {
		log.Error("backend invocation failed",
			slog.String("code", apiErr.Code),
			slog.Int("status", apiErr.StatusCode),
		)
		apierr.WriteError(ctx, &apierr.BackendError{Code: apiErr.Code, Message: apiErr.Message})
		return
	}
	log.Error("backend invocation failed", slog.String("error", err.Error()))
	apierr.WriteError(ctx, &apierr.BackendError{Message: err.Error()})
}

func (g *Gateway) recordUsage(ctx *fasthttp.RequestCtx, model string, flavor endpointFlavor, prompt, completion, thinking int, stream bool, start time.Time) {
	if g.usage == nil {
		return
	}
	g.usage.Record(logger.UsageEntry{
		RequestID:        requestIDFrom(ctx),
		Model:            model,
		Endpoint:         endpointName(flavor),
		PromptTokens:     prompt,
		CompletionTokens: completion,
		ThinkingTokens:   thinking,
		Stream:           stream,
		Duration:         time.Since(start),
	})
}

func endpointName(flavor endpointFlavor) string {
	if flavor == flavorChat {
		return "chat.completions"
	}
	return "completions"
}

// promptText flattens the message contents for token counting.
func promptText(msgs []bedrock.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(messageText(m.Content))
		sb.WriteByte('\n')
	}
	return sb.String()
}
