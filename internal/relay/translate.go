package relay

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// BackendResult is the extracted payload of a buffered backend response.
type BackendResult struct {
	Text       string
	Thinking   string
	StopReason string

	// Backend-reported usage; zero when the payload carries none.
	InputTokens  int
	OutputTokens int
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

// TranslateResponse extracts text, reasoning and stop metadata from a
// backend response body. It never fails: unrecognized shapes degrade to an
// empty result rather than an error, so a surprising payload still produces
// a well-formed client response.
func TranslateResponse(payload []byte, log *slog.Logger) BackendResult {
	if log == nil {
		log = slog.Default()
	}

	var resp struct {
		Completion string          `json:"completion"`
		Content    json.RawMessage `json:"content"`
		Thinking   json.RawMessage `json:"thinking"`
		StopReason string          `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		log.Warn("unparseable backend response", slog.String("error", err.Error()))
		return BackendResult{}
	}

	out := BackendResult{
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	var blocks []contentBlock
	blocksOK := json.Unmarshal(resp.Content, &blocks) == nil

	out.Text = extractText(resp.Completion, resp.Content, blocks, blocksOK)
	out.Thinking = extractThinking(resp.Thinking, blocks, blocksOK)
	if out.Thinking == "" && resp.Thinking != nil {
		log.Debug("thinking field present but yielded no text")
	}

	return out
}

// extractText resolves the answer text in precedence order: typed text
// blocks, the legacy completion field, the first element of a bare content
// list, and finally the raw content value.
func extractText(completion string, content json.RawMessage, blocks []contentBlock, blocksOK bool) string {
	if blocksOK {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}

	if completion != "" {
		return completion
	}

	var items []json.RawMessage
	if err := json.Unmarshal(content, &items); err == nil && len(items) > 0 {
		var s string
		if err := json.Unmarshal(items[0], &s); err == nil {
			return s
		}
		return string(items[0])
	}

	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) && !bytes.Equal(trimmed, []byte("[]")) {
		return string(trimmed)
	}
	return ""
}

// extractThinking prefers the top-level thinking object's text and falls
// back to joining content-list thinking blocks with single spaces.
func extractThinking(thinking json.RawMessage, blocks []contentBlock, blocksOK bool) string {
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(thinking, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}

	if blocksOK {
		var parts []string
		for _, b := range blocks {
			if b.Type == "thinking" && b.Thinking != "" {
				parts = append(parts, b.Thinking)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// mapChatStopReason translates backend stop reasons to the chat completion
// vocabulary. The legacy completions endpoint reports the backend value
// untouched.
func mapChatStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return "stop"
	default:
		return reason
	}
}
