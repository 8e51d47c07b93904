// Command backend runs a lightweight HTTP mock of the AWS Bedrock runtime
// API. It is used for E2E/load testing the gateway without real credentials:
//
//	MOCK_PORT=19005 ./backend &
//	BEDROCK_ENDPOINT_URL=http://localhost:19005 ./gateway
//
// Behaviour flags (via env):
//
//	MOCK_PORT          — listen port (default 19005)
//	MOCK_LATENCY_MS    — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE    — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_THROTTLE_RATE — fraction [0,1] of requests that return a
//	                     ThrottlingException, for exercising the retry path (default 0)
//	MOCK_STREAM_WORDS  — words in the streamed response (default 10)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds the mock's runtime knobs.
type Config struct {
	Port         int
	LatencyMS    int
	ErrorRate    float64
	ThrottleRate float64
	StreamWords  int
}

func loadConfig() Config {
	c := Config{Port: 19005, StreamWords: 10}

	if v := os.Getenv("MOCK_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_THROTTLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ThrottleRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func main() {
	cfg := loadConfig()
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: newHandler(cfg),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("mock bedrock listening",
		slog.Int("port", cfg.Port),
		slog.Float64("throttle_rate", cfg.ThrottleRate),
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("mock stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// POST /model/{id}/invoke and /model/{id}/invoke-with-response-stream.
	mux.HandleFunc("/model/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "MethodNotAllowed")
			return
		}

		modelID := extractModel(r.URL.Path)
		isStream := strings.HasSuffix(r.URL.Path, "/invoke-with-response-stream")

		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)

		if rand.Float64() < cfg.ThrottleRate {
			writeError(w, http.StatusTooManyRequests, "Too many requests, please wait before trying again.", "ThrottlingException")
			return
		}
		if rand.Float64() < cfg.ErrorRate {
			writeError(w, http.StatusInternalServerError, "mock internal error", "ServiceUnavailableException")
			return
		}

		var req struct {
			MaxTokens int `json:"max_tokens"`
			Thinking  *struct {
				BudgetTokens int `json:"budget_tokens"`
			} `json:"thinking"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		if isStream {
			serveStream(w, cfg, req.Thinking != nil)
			return
		}
		serveInvoke(w, modelID, cfg, req.Thinking != nil)
	})

	// GET /foundation-models — the control-plane catalog listing.
	mux.HandleFunc("/foundation-models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"modelSummaries": []map[string]string{
				{
					"modelId":      "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
					"modelName":    "Claude 3.7 Sonnet",
					"providerName": "Anthropic",
				},
				{
					"modelId":      "anthropic.claude-3-5-sonnet-20240620-v1:0",
					"modelName":    "Claude 3.5 Sonnet",
					"providerName": "Anthropic",
				},
				{
					"modelId":      "anthropic.claude-3-haiku-20240307-v1:0",
					"modelName":    "Claude 3 Haiku",
					"providerName": "Anthropic",
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "ResourceNotFoundException")
	})

	return mux
}

func serveInvoke(w http.ResponseWriter, modelID string, cfg Config, thinking bool) {
	content := []map[string]string{}
	if thinking {
		content = append(content, map[string]string{
			"type":     "thinking",
			"thinking": "mock reasoning trace for " + modelID,
		})
	}
	answer := fakeSentence(cfg.StreamWords)
	content = append(content, map[string]string{"type": "text", "text": answer})

	writeJSON(w, http.StatusOK, map[string]any{
		"content":     content,
		"stop_reason": "end_turn",
		"usage": map[string]int{
			"input_tokens":  12,
			"output_tokens": cfg.StreamWords,
		},
	})
}

// serveStream emits newline-delimited JSON frames the way the runtime's
// chunked body decodes after event unwrapping.
func serveStream(w http.ResponseWriter, cfg Config, thinking bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	writeFrame := func(v any) {
		b, _ := json.Marshal(v)
		w.Write(append(b, '\n'))
		if flusher != nil {
			flusher.Flush()
		}
	}

	if thinking {
		writeFrame(map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]string{"type": "thinking_delta", "thinking": "mock reasoning "},
		})
	}
	for i := 0; i < cfg.StreamWords; i++ {
		writeFrame(map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]string{"type": "text_delta", "text": words[i%len(words)] + " "},
		})
		time.Sleep(10 * time.Millisecond)
	}
	writeFrame(map[string]any{
		"type":  "message_delta",
		"delta": map[string]string{"stop_reason": "end_turn"},
	})
}

// extractModel pulls the model id out of /model/{id}/invoke[-with-response-stream].
func extractModel(path string) string {
	rest := strings.TrimPrefix(path, "/model/")
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		return rest[:i]
	}
	return rest
}

var words = []string{
	"mock", "response", "generated", "for", "local", "testing", "of", "the", "relay", "pipeline",
}

func fakeSentence(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString(words[i%len(words)])
		if i < n-1 {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError mimics the AWS error envelope: a message plus a __type tag.
func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{
		"message": msg,
		"__type":  code,
	})
}
