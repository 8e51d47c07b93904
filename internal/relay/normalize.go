package relay

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nulpointcorp/bedrock-gateway/internal/bedrock"
	"github.com/nulpointcorp/bedrock-gateway/pkg/apierr"
)

// Package-wide request limits. MaxOutputTokens is the ceiling Claude 3.7
// supports with the extended-output beta; DefaultMaxTokens applies when the
// client omits max_tokens.
const (
	DefaultMaxTokens = 4096
	MaxOutputTokens  = 128000

	// minThinkingBudget is the backend's hard floor for budget_tokens and,
	// consequently, for max_tokens when reasoning is on.
	minThinkingBudget = 1024

	// fallbackThinkingBudget replaces budget values that fail numeric coercion.
	fallbackThinkingBudget = 4000
)

type (
	inboundMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	// inboundRequest is the union of the /v1/completions and
	// /v1/chat/completions bodies. Loosely typed fields stay raw until the
	// normalizer coerces them.
	inboundRequest struct {
		Model       string           `json:"model"`
		Prompt      string           `json:"prompt"`
		Messages    []inboundMessage `json:"messages"`
		MaxTokens   int              `json:"max_tokens"`
		Temperature *float64         `json:"temperature"`
		TopP        *float64         `json:"top_p"`
		Stop        json.RawMessage  `json:"stop"`
		Stream      bool             `json:"stream"`

		// Thinking is a bool or an object {type, budget_tokens}.
		Thinking json.RawMessage `json:"thinking"`

		// Convenience aliases for the thinking budget, in precedence order.
		MaxThinkingTokens json.RawMessage `json:"max_thinking_tokens"`
		ThinkingMaxTokens json.RawMessage `json:"thinking_max_tokens"`
		MaxThinkingLength json.RawMessage `json:"max_thinking_length"`

		EnableExtendedOutput bool `json:"enable_extended_output"`
		EnableComputerUse    bool `json:"enable_computer_use"`
	}
)

// thinkingMode is the client's explicit enablement choice, if any.
type thinkingMode int

const (
	thinkingUnset thinkingMode = iota
	thinkingOff
	thinkingOn
)

// parseThinkingField interprets the raw "thinking" value. An object counts
// as an explicit enable and may carry budget_tokens.
func parseThinkingField(raw json.RawMessage) (mode thinkingMode, budget json.RawMessage) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return thinkingUnset, nil
	}

	var b bool
	if err := json.Unmarshal(trimmed, &b); err == nil {
		if b {
			return thinkingOn, nil
		}
		return thinkingOff, nil
	}

	var obj struct {
		BudgetTokens json.RawMessage `json:"budget_tokens"`
	}
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		return thinkingOn, obj.BudgetTokens
	}

	// Unparseable values behave like an explicit enable with no budget —
	// the caller substitutes documented defaults, never drops the request.
	return thinkingOn, nil
}

// coerceInt converts a raw JSON value (number or numeric string) to int.
func coerceInt(raw json.RawMessage) (int, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(trimmed, &f); err == nil {
		return int(f), true
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, true
		}
	}

	return 0, false
}

// Normalizer applies the canonical extended-reasoning policy to an inbound
// request and assembles the validated backend invocation body.
type Normalizer struct {
	log *slog.Logger
}

// NewNormalizer returns a Normalizer logging policy adjustments to log.
func NewNormalizer(log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{log: log}
}

// normalized is the validated invocation fragment the normalizer produces.
type normalized struct {
	MaxTokens int
	Thinking  *bedrock.ThinkingConfig // nil when reasoning is disabled
}

// Apply decides enablement, computes the reasoning budget, and adjusts
// max_tokens. After it returns with Thinking != nil the invariant
// 1024 ≤ BudgetTokens < MaxTokens holds.
//
// Malformed numeric input never fails: coercion failures fall back to the
// documented defaults.
func (n *Normalizer) Apply(req *inboundRequest, aliasThinking bool) normalized {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if maxTokens > MaxOutputTokens {
		n.log.Warn("max_tokens above supported ceiling, clamping",
			slog.Int("requested", maxTokens),
			slog.Int("ceiling", MaxOutputTokens),
		)
		maxTokens = MaxOutputTokens
	}

	mode, objBudget := parseThinkingField(req.Thinking)

	enabled := false
	switch mode {
	case thinkingOff:
		enabled = false
	case thinkingOn:
		enabled = true
	case thinkingUnset:
		enabled = aliasThinking
	}

	if !enabled {
		return normalized{MaxTokens: maxTokens}
	}

	// Reasoning requires room for at least the minimum budget.
	if maxTokens < minThinkingBudget {
		n.log.Warn("raising max_tokens to the reasoning floor",
			slog.Int("from", maxTokens),
			slog.Int("to", minThinkingBudget),
		)
		maxTokens = minThinkingBudget
	}

	budget, explicit := n.explicitBudget(objBudget, req)
	if explicit {
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		if budget >= maxTokens {
			// An explicit budget may not reach the output ceiling.
			budget = maxTokens * 8 / 10
			n.log.Warn("thinking budget exceeds max_tokens, reset to 80%",
				slog.Int("budget", budget),
				slog.Int("max_tokens", maxTokens),
			)
		}
	} else {
		budget = min(maxTokens*8/10, maxTokens-1)
	}

	if budget < minThinkingBudget {
		budget = minThinkingBudget
	}
	if budget >= maxTokens {
		// Only reachable for max_tokens ≤ 1280; keeps budget < max_tokens.
		maxTokens = budget + 1
	}

	n.log.Info("extended reasoning enabled",
		slog.Int("budget_tokens", budget),
		slog.Int("max_tokens", maxTokens),
	)

	return normalized{MaxTokens: maxTokens, Thinking: bedrock.NewThinking(budget)}
}

// explicitBudget returns the client-supplied budget, checking the thinking
// object's budget_tokens first and then the convenience aliases in fixed
// precedence order. A value that is present but fails coercion yields the
// documented fallback of 4000.
func (n *Normalizer) explicitBudget(objBudget json.RawMessage, req *inboundRequest) (int, bool) {
	for _, raw := range []json.RawMessage{
		objBudget,
		req.MaxThinkingTokens,
		req.ThinkingMaxTokens,
		req.MaxThinkingLength,
	} {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		if v, ok := coerceInt(trimmed); ok {
			return v, true
		}
		n.log.Warn("thinking budget not numeric, using fallback",
			slog.String("value", string(trimmed)),
			slog.Int("fallback", fallbackThinkingBudget),
		)
		return fallbackThinkingBudget, true
	}
	return 0, false
}

// BuildInvoke assembles the full backend request body for a validated
// message sequence. top_p is stripped entirely when reasoning is on — the
// backend rejects the combination.
func (n *Normalizer) BuildInvoke(req *inboundRequest, msgs []bedrock.Message, aliasThinking bool) *bedrock.InvokeRequest {
	norm := n.Apply(req, aliasThinking)

	temperature := 1.0
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	out := &bedrock.InvokeRequest{
		AnthropicVersion: bedrock.AnthropicVersion,
		MaxTokens:        norm.MaxTokens,
		Temperature:      temperature,
		Messages:         msgs,
		Thinking:         norm.Thinking,
		StopSequences:    parseStop(req.Stop),
	}

	if norm.Thinking == nil {
		topP := 1.0
		if req.TopP != nil {
			topP = *req.TopP
		}
		out.TopP = &topP
	}

	if req.EnableExtendedOutput && norm.MaxTokens > 64000 {
		out.AnthropicBeta = append(out.AnthropicBeta, bedrock.BetaExtendedOutput)
	}
	if req.EnableComputerUse {
		out.AnthropicBeta = append(out.AnthropicBeta, bedrock.BetaComputerUse)
	}

	return out
}

// parseStop accepts either a bare string or an array of strings.
func parseStop(raw json.RawMessage) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var arr []string
	if err := json.Unmarshal(trimmed, &arr); err == nil {
		if len(arr) == 0 {
			return nil
		}
		return arr
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil && s != "" {
		return []string{s}
	}
	return nil
}

// ─── Message validation ───────────────────────────────────────────────────────

// messageText extracts the plain text of a message content value: either a
// bare string or the concatenated text items of a block list.
func messageText(content json.RawMessage) string {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(trimmed, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// filterMessages drops messages with empty content — except a trailing
// assistant message, which the backend accepts as a response prefix — and
// requires at least one non-empty user message.
func filterMessages(msgs []inboundMessage) ([]bedrock.Message, error) {
	out := make([]bedrock.Message, 0, len(msgs))
	hasUser := false

	for i, m := range msgs {
		hasContent := strings.TrimSpace(messageText(m.Content)) != ""
		trailingAssistant := i == len(msgs)-1 && m.Role == "assistant"
		if !hasContent && !trailingAssistant {
			continue
		}
		if m.Role == "user" && hasContent {
			hasUser = true
		}
		out = append(out, bedrock.Message{Role: m.Role, Content: m.Content})
	}

	if len(out) == 0 || !hasUser {
		return nil, &apierr.ValidationError{
			Message: "At least one user message with content is required",
		}
	}
	return out, nil
}

// promptMessages wraps a completion prompt as a single-user conversation.
func promptMessages(prompt string) []bedrock.Message {
	content, _ := json.Marshal(prompt)
	return []bedrock.Message{{Role: "user", Content: content}}
}
