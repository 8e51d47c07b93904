package relay

import (
	"encoding/json"
	"testing"
)

func discardNormalizer() *Normalizer {
	return NewNormalizer(testLogger())
}

func TestApplyDefaultBudget(t *testing.T) {
	n := discardNormalizer()

	req := &inboundRequest{
		MaxTokens: 2000,
		Thinking:  json.RawMessage(`true`),
	}
	got := n.Apply(req, false)

	if got.Thinking == nil {
		t.Fatal("expected thinking enabled")
	}
	if got.Thinking.BudgetTokens != 1600 {
		t.Errorf("budget = %d, want 1600", got.Thinking.BudgetTokens)
	}
	if got.MaxTokens != 2000 {
		t.Errorf("max_tokens = %d, want 2000", got.MaxTokens)
	}
}

func TestApplyRaisesSmallMaxTokens(t *testing.T) {
	n := discardNormalizer()

	req := &inboundRequest{
		MaxTokens: 1000,
		Thinking:  json.RawMessage(`true`),
	}
	got := n.Apply(req, false)

	if got.Thinking == nil {
		t.Fatal("expected thinking enabled")
	}
	if got.Thinking.BudgetTokens < 1024 {
		t.Errorf("budget = %d, want >= 1024", got.Thinking.BudgetTokens)
	}
	if got.Thinking.BudgetTokens >= got.MaxTokens {
		t.Errorf("budget %d must stay below max_tokens %d",
			got.Thinking.BudgetTokens, got.MaxTokens)
	}
}

func TestApplyExplicitBudgetExceedsMax(t *testing.T) {
	n := discardNormalizer()

	req := &inboundRequest{
		MaxTokens:         4096,
		Thinking:          json.RawMessage(`true`),
		ThinkingMaxTokens: json.RawMessage(`5000`),
	}
	got := n.Apply(req, false)

	if got.Thinking == nil {
		t.Fatal("expected thinking enabled")
	}
	if got.Thinking.BudgetTokens != 3276 {
		t.Errorf("budget = %d, want 3276 (80%% of 4096)", got.Thinking.BudgetTokens)
	}
}

func TestApplyExplicitDisableWinsOverAlias(t *testing.T) {
	n := discardNormalizer()

	req := &inboundRequest{
		MaxTokens: 4096,
		Thinking:  json.RawMessage(`false`),
	}
	got := n.Apply(req, true)

	if got.Thinking != nil {
		t.Fatal("explicit false must override the alias default")
	}
}

func TestApplyAliasDefaultEnables(t *testing.T) {
	n := discardNormalizer()

	got := n.Apply(&inboundRequest{MaxTokens: 4096}, true)
	if got.Thinking == nil {
		t.Fatal("thinking-capable alias should enable reasoning by default")
	}
}

func TestApplyObjectBudgetPrecedence(t *testing.T) {
	n := discardNormalizer()

	req := &inboundRequest{
		MaxTokens:         8000,
		Thinking:          json.RawMessage(`{"type":"enabled","budget_tokens":2048}`),
		MaxThinkingTokens: json.RawMessage(`7000`),
	}
	got := n.Apply(req, false)

	if got.Thinking == nil || got.Thinking.BudgetTokens != 2048 {
		t.Fatalf("got %+v, want object budget 2048 to win", got.Thinking)
	}
}

func TestApplyBudgetCoercion(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		budget int
	}{
		{"numeric string", `"2048"`, 2048},
		{"float", `2048.9`, 2048},
		{"garbage falls back", `"lots"`, fallbackThinkingBudget},
		{"below floor clamps", `10`, 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := discardNormalizer()
			req := &inboundRequest{
				MaxTokens:         8000,
				Thinking:          json.RawMessage(`true`),
				MaxThinkingTokens: json.RawMessage(tt.raw),
			}
			got := n.Apply(req, false)
			if got.Thinking == nil || got.Thinking.BudgetTokens != tt.budget {
				t.Errorf("budget = %+v, want %d", got.Thinking, tt.budget)
			}
		})
	}
}

func TestApplyInvariantHolds(t *testing.T) {
	n := discardNormalizer()

	for _, maxTokens := range []int{1, 500, 1000, 1024, 1025, 1280, 1281, 2000, 4096, 64001, 128000, 200000} {
		for _, budget := range []string{"", "512", "1024", "100000", `"oops"`} {
			req := &inboundRequest{
				MaxTokens: maxTokens,
				Thinking:  json.RawMessage(`true`),
			}
			if budget != "" {
				req.MaxThinkingTokens = json.RawMessage(budget)
			}
			got := n.Apply(req, false)
			if got.Thinking == nil {
				t.Fatalf("max_tokens=%d budget=%q: thinking disabled", maxTokens, budget)
			}
			b, m := got.Thinking.BudgetTokens, got.MaxTokens
			if b < 1024 || b >= m {
				t.Errorf("max_tokens=%d budget=%q: got budget=%d max=%d, want 1024 <= budget < max",
					maxTokens, budget, b, m)
			}
		}
	}
}

func TestApplyClampsMaxTokensCeiling(t *testing.T) {
	n := discardNormalizer()

	got := n.Apply(&inboundRequest{MaxTokens: 300000}, false)
	if got.MaxTokens != MaxOutputTokens {
		t.Errorf("max_tokens = %d, want %d", got.MaxTokens, MaxOutputTokens)
	}
}

func TestBuildInvokeStripsTopP(t *testing.T) {
	n := discardNormalizer()
	topP := 0.9

	req := &inboundRequest{
		MaxTokens: 4096,
		TopP:      &topP,
		Thinking:  json.RawMessage(`true`),
	}
	out := n.BuildInvoke(req, promptMessages("hi"), false)

	if out.TopP != nil {
		t.Errorf("top_p = %v, want stripped when reasoning is on", *out.TopP)
	}
	if out.Thinking == nil {
		t.Error("expected thinking config on backend request")
	}
}

func TestBuildInvokeKeepsTopPWithoutThinking(t *testing.T) {
	n := discardNormalizer()
	topP := 0.9

	out := n.BuildInvoke(&inboundRequest{MaxTokens: 100, TopP: &topP}, promptMessages("hi"), false)
	if out.TopP == nil || *out.TopP != 0.9 {
		t.Errorf("top_p = %v, want 0.9", out.TopP)
	}
	if out.MaxTokens != 100 {
		t.Errorf("max_tokens = %d, want 100 untouched without reasoning", out.MaxTokens)
	}
}

func TestBuildInvokeBetaFlags(t *testing.T) {
	n := discardNormalizer()

	out := n.BuildInvoke(&inboundRequest{
		MaxTokens:            100000,
		EnableExtendedOutput: true,
		EnableComputerUse:    true,
	}, promptMessages("hi"), false)

	if len(out.AnthropicBeta) != 2 {
		t.Fatalf("betas = %v, want extended output and computer use", out.AnthropicBeta)
	}

	// Extended output only applies above the 64k boundary.
	out = n.BuildInvoke(&inboundRequest{
		MaxTokens:            4096,
		EnableExtendedOutput: true,
	}, promptMessages("hi"), false)
	if len(out.AnthropicBeta) != 0 {
		t.Errorf("betas = %v, want none at 4096 tokens", out.AnthropicBeta)
	}
}

func TestParseStop(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"absent", ``, 0},
		{"null", `null`, 0},
		{"string", `"\n\n"`, 1},
		{"array", `["a","b"]`, 2},
		{"empty array", `[]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseStop(json.RawMessage(tt.raw))
			if len(got) != tt.want {
				t.Errorf("parseStop(%s) = %v, want %d entries", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFilterMessages(t *testing.T) {
	msgs := []inboundMessage{
		{Role: "system", Content: json.RawMessage(`""`)},
		{Role: "user", Content: json.RawMessage(`"hello"`)},
		{Role: "assistant", Content: json.RawMessage(`""`)},
	}
	out, err := filterMessages(msgs)
	if err != nil {
		t.Fatalf("filterMessages: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("kept %d messages, want user + trailing assistant", len(out))
	}
	if out[1].Role != "assistant" {
		t.Errorf("trailing assistant prefix dropped: %+v", out)
	}
}

func TestFilterMessagesBlockContent(t *testing.T) {
	msgs := []inboundMessage{
		{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"hi"}]`)},
	}
	out, err := filterMessages(msgs)
	if err != nil || len(out) != 1 {
		t.Fatalf("got %v, %v; want single block-content message kept", out, err)
	}
}

func TestFilterMessagesRequiresUser(t *testing.T) {
	msgs := []inboundMessage{
		{Role: "assistant", Content: json.RawMessage(`"prefix"`)},
	}
	if _, err := filterMessages(msgs); err == nil {
		t.Fatal("expected validation error without a user message")
	}
}
