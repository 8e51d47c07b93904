package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/bedrock-gateway/internal/bedrock"
	"github.com/nulpointcorp/bedrock-gateway/internal/cache"
	"github.com/nulpointcorp/bedrock-gateway/internal/registry"
)

// --- helpers ----------------------------------------------------------------

// stubBackend serves canned payloads and records what it was asked.
type stubBackend struct {
	mu        sync.Mutex
	calls     int
	lastModel string
	lastReq   *bedrock.InvokeRequest

	// invoke decides the outcome of call n (1-based). Defaults to a simple
	// text payload.
	invoke func(call int) ([]byte, error)

	frames []string
}

func (s *stubBackend) Invoke(_ context.Context, modelID string, req *bedrock.InvokeRequest) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.lastModel = modelID
	s.lastReq = req
	s.mu.Unlock()

	if s.invoke != nil {
		return s.invoke(call)
	}
	return []byte(`{"content":[{"type":"text","text":"stub answer"}],"stop_reason":"end_turn"}`), nil
}

func (s *stubBackend) InvokeStream(_ context.Context, modelID string, req *bedrock.InvokeRequest) (*bedrock.FrameStream, error) {
	s.mu.Lock()
	s.calls++
	s.lastModel = modelID
	s.lastReq = req
	s.mu.Unlock()

	ch := make(chan json.RawMessage, len(s.frames))
	for _, f := range s.frames {
		ch <- json.RawMessage(f)
	}
	close(ch)
	return &bedrock.FrameStream{Frames: ch}, nil
}

func (s *stubBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubBackend) last() (string, *bedrock.InvokeRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModel, s.lastReq
}

func newTestGateway(backend Backend, c cache.Cache) *Gateway {
	retrier := NewRetrier(testLogger())
	retrier.sleep = func(context.Context, time.Duration) error { return nil }

	return NewGateway(GatewayOptions{
		Log:      testLogger(),
		Backend:  backend,
		Registry: registry.New(""),
		Retrier:  retrier,
		Cache:    c,
	})
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline. Returns an HTTP client that routes to
// it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { ln.Close() })

	handler := gw.Handler(ServerOptions{Version: "test"})
	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doPost(t *testing.T, client *http.Client, path string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// --- tests ------------------------------------------------------------------

func TestChatCompletionHappyPath(t *testing.T) {
	backend := &stubBackend{}
	client := serveGateway(t, newTestGateway(backend, cache.NewNone()))

	resp := doPost(t, client, "/v1/chat/completions", `{
		"model": "claude-3-5-sonnet",
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(out.ID, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl- prefix", out.ID)
	}
	if out.Object != "chat.completion" || out.Model != "claude-3-5-sonnet" {
		t.Errorf("object/model = %q/%q", out.Object, out.Model)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "stub answer" {
		t.Fatalf("choices = %+v", out.Choices)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != out.Usage.PromptTokens+out.Usage.CompletionTokens {
		t.Errorf("usage does not add up: %+v", out.Usage)
	}

	model, _ := backend.last()
	if model != "anthropic.claude-3-5-sonnet-20240620-v1:0" {
		t.Errorf("backend model = %q", model)
	}
}

func TestCompletionsRequiresPrompt(t *testing.T) {
	client := serveGateway(t, newTestGateway(&stubBackend{}, cache.NewNone()))

	resp := doPost(t, client, "/v1/completions", `{"model": "claude-2"}`)
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	var out struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Error == "" {
		t.Error("want an error message in the body")
	}
}

func TestChatRequiresUserMessage(t *testing.T) {
	client := serveGateway(t, newTestGateway(&stubBackend{}, cache.NewNone()))

	resp := doPost(t, client, "/v1/chat/completions", `{
		"messages": [{"role": "user", "content": ""}]
	}`)
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownModelFallsBack(t *testing.T) {
	backend := &stubBackend{}
	client := serveGateway(t, newTestGateway(backend, cache.NewNone()))

	resp := doPost(t, client, "/v1/completions", `{"model": "gpt-4", "prompt": "hi"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	model, _ := backend.last()
	if model != registry.DefaultBackendID {
		t.Errorf("backend model = %q, want default fallback", model)
	}
}

func TestBackendErrorReturns500(t *testing.T) {
	backend := &stubBackend{
		invoke: func(int) ([]byte, error) {
			return nil, &bedrock.APIError{StatusCode: 400, Code: "ValidationException", Message: "too long"}
		},
	}
	client := serveGateway(t, newTestGateway(backend, cache.NewNone()))

	resp := doPost(t, client, "/v1/completions", `{"prompt": "hi"}`)
	if resp.StatusCode != 500 {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if backend.callCount() != 1 {
		t.Errorf("calls = %d, want no retry on non-throttle error", backend.callCount())
	}
}

func TestThrottleIsRetried(t *testing.T) {
	backend := &stubBackend{
		invoke: func(call int) ([]byte, error) {
			if call <= 2 {
				return nil, &bedrock.APIError{StatusCode: 429, Code: "ThrottlingException", Message: "slow down"}
			}
			return []byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn"}`), nil
		},
	}
	client := serveGateway(t, newTestGateway(backend, cache.NewNone()))

	resp := doPost(t, client, "/v1/completions", `{"prompt": "hi"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200 after retries", resp.StatusCode)
	}
	if backend.callCount() != 3 {
		t.Errorf("calls = %d, want 3", backend.callCount())
	}
}

func TestThinkingRequestShape(t *testing.T) {
	backend := &stubBackend{
		invoke: func(int) ([]byte, error) {
			return []byte(`{
				"content": [
					{"type": "thinking", "thinking": "working it out"},
					{"type": "text", "text": "42"}
				],
				"stop_reason": "end_turn"
			}`), nil
		},
	}
	client := serveGateway(t, newTestGateway(backend, cache.NewNone()))

	resp := doPost(t, client, "/v1/chat/completions", `{
		"model": "claude-3-7-sonnet-thinking",
		"max_tokens": 2000,
		"top_p": 0.9,
		"messages": [{"role": "user", "content": "what is the answer"}]
	}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	_, req := backend.last()
	if req.Thinking == nil || req.Thinking.BudgetTokens != 1600 {
		t.Fatalf("thinking = %+v, want budget 1600", req.Thinking)
	}
	if req.TopP != nil {
		t.Error("top_p must be stripped when reasoning is on")
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content  string `json:"content"`
				Thinking string `json:"thinking"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			ThinkingTokens int `json:"thinking_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Choices[0].Message.Thinking != "working it out" {
		t.Errorf("thinking = %q", out.Choices[0].Message.Thinking)
	}
	if out.Usage.ThinkingTokens == 0 {
		t.Error("want thinking_tokens in usage")
	}
}

func TestDisabledReasoningHidesTrace(t *testing.T) {
	backend := &stubBackend{
		invoke: func(int) ([]byte, error) {
			return []byte(`{
				"content": [
					{"type": "thinking", "thinking": "internal steps"},
					{"type": "text", "text": "42"}
				],
				"stop_reason": "end_turn"
			}`), nil
		},
	}
	client := serveGateway(t, newTestGateway(backend, cache.NewNone()))

	resp := doPost(t, client, "/v1/chat/completions", `{
		"model": "claude-3-5-sonnet",
		"messages": [{"role": "user", "content": "what is the answer"}]
	}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message map[string]any `json:"message"`
		} `json:"choices"`
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if got, ok := out.Choices[0].Message["thinking"]; ok {
		t.Errorf("reasoning-disabled request surfaced a trace: %v", got)
	}
	if out.Choices[0].Message["content"] != "42" {
		t.Errorf("content = %v", out.Choices[0].Message["content"])
	}
	if _, ok := out.Usage["thinking_tokens"]; ok {
		t.Error("usage must not report thinking tokens when reasoning is off")
	}
}

func TestCompletionsFinishReasonDefaultsToStop(t *testing.T) {
	backend := &stubBackend{
		invoke: func(int) ([]byte, error) {
			return []byte(`{"content":[{"type":"text","text":"done"}]}`), nil
		},
	}
	client := serveGateway(t, newTestGateway(backend, cache.NewNone()))

	resp := doPost(t, client, "/v1/completions", `{"model": "claude-2", "prompt": "hi"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop when the payload carries none", out.Choices[0].FinishReason)
	}
	if out.Choices[0].Text != "done" {
		t.Errorf("text = %q", out.Choices[0].Text)
	}
}

func TestBufferedResponsesAreCached(t *testing.T) {
	backend := &stubBackend{}
	mem := cache.NewMemory(time.Hour)
	defer mem.Close()
	client := serveGateway(t, newTestGateway(backend, mem))

	body := `{"model": "claude-3-haiku", "prompt": "same question"}`
	for i := 0; i < 2; i++ {
		resp := doPost(t, client, "/v1/completions", body)
		if resp.StatusCode != 200 {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}

	if backend.callCount() != 1 {
		t.Errorf("calls = %d, want second request served from cache", backend.callCount())
	}
}

func TestThinkingBypassesCache(t *testing.T) {
	backend := &stubBackend{}
	mem := cache.NewMemory(time.Hour)
	defer mem.Close()
	client := serveGateway(t, newTestGateway(backend, mem))

	body := `{"model": "claude-3-7-sonnet-thinking", "prompt": "same question"}`
	for i := 0; i < 2; i++ {
		resp := doPost(t, client, "/v1/completions", body)
		resp.Body.Close()
	}

	if backend.callCount() != 2 {
		t.Errorf("calls = %d, want reasoning requests to skip the cache", backend.callCount())
	}
}

func TestModelsEndpoint(t *testing.T) {
	client := serveGateway(t, newTestGateway(&stubBackend{}, cache.NewNone()))

	resp, err := client.Get("http://test/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}

	if out.Object != "list" {
		t.Errorf("object = %q, want list", out.Object)
	}
	want := registry.New("").List()
	if len(out.Data) != len(want) {
		t.Fatalf("got %d models, want %d", len(out.Data), len(want))
	}
	seen := make(map[string]bool)
	for i, m := range out.Data {
		if m.ID != want[i].Alias {
			t.Errorf("data[%d] = %q, want %q", i, m.ID, want[i].Alias)
		}
		if m.OwnedBy != "anthropic" || m.Object != "model" {
			t.Errorf("data[%d] metadata = %+v", i, m)
		}
		if seen[m.ID] {
			t.Errorf("duplicate alias %q", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestStreamingChat(t *testing.T) {
	backend := &stubBackend{
		frames: []string{
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		},
	}
	client := serveGateway(t, newTestGateway(backend, cache.NewNone()))

	resp := doPost(t, client, "/v1/chat/completions", `{
		"stream": true,
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}

	body := string(readBody(t, resp))
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream must end with [DONE]:\n%s", body)
	}
	if strings.Count(body, "data: ") != 4 {
		t.Errorf("want 2 content chunks + finish + [DONE]:\n%s", body)
	}
	if !strings.Contains(body, `"content":"Hel"`) || !strings.Contains(body, `"content":"lo"`) {
		t.Errorf("missing content deltas:\n%s", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	client := serveGateway(t, newTestGateway(&stubBackend{}, cache.NewNone()))

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if id := resp.Header.Get("X-Request-ID"); id == "" {
		t.Error("want X-Request-ID header from middleware")
	}
	resp.Body.Close()
}
