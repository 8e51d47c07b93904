package relay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// EventKind classifies a backend stream frame.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventText
	EventThinking
	EventStop
	EventLegacy
)

// StreamEvent is one classified backend frame. Legacy frames may carry both
// a text delta and a finish reason at once.
type StreamEvent struct {
	Kind   EventKind
	Text   string
	Reason string
}

// ClassifyFrame maps a raw backend frame to its event. Frames with an
// unrecognized type tag classify as EventUnknown and are skipped upstream.
func ClassifyFrame(raw json.RawMessage) StreamEvent {
	var frame struct {
		Type  string `json:"type"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			Thinking   string `json:"thinking"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return StreamEvent{Kind: EventUnknown}
	}

	switch frame.Type {
	case "content_block_delta":
		switch frame.Delta.Type {
		case "text_delta":
			return StreamEvent{Kind: EventText, Text: frame.Delta.Text}
		case "thinking_delta":
			return StreamEvent{Kind: EventThinking, Text: frame.Delta.Thinking}
		}
		return StreamEvent{Kind: EventUnknown}
	case "message_delta":
		if frame.Delta.StopReason != "" {
			return StreamEvent{Kind: EventStop, Reason: frame.Delta.StopReason}
		}
		return StreamEvent{Kind: EventUnknown}
	case "":
		// Older single-shape protocol: no type tag, text under delta.text.
		if frame.Delta.Text != "" || frame.StopReason != "" {
			return StreamEvent{Kind: EventLegacy, Text: frame.Delta.Text, Reason: frame.StopReason}
		}
		return StreamEvent{Kind: EventUnknown}
	default:
		return StreamEvent{Kind: EventUnknown}
	}
}

// endpointFlavor selects the OpenAI wire shape for outgoing chunks.
type endpointFlavor int

const (
	flavorChat endpointFlavor = iota
	flavorCompletions
)

// streamShaper renders classified events as OpenAI SSE chunks for one
// response.
type streamShaper struct {
	flavor  endpointFlavor
	id      string
	model   string
	created int64
}

func newStreamShaper(flavor endpointFlavor, id, model string) *streamShaper {
	return &streamShaper{flavor: flavor, id: id, model: model, created: time.Now().Unix()}
}

// finishReason maps the backend stop reason for this flavor. The completions
// endpoint passes the backend value through unchanged; only the chat
// endpoint speaks the OpenAI vocabulary.
func (s *streamShaper) finishReason(reason string) string {
	if s.flavor == flavorChat {
		return mapChatStopReason(reason)
	}
	return reason
}

func (s *streamShaper) chunk(delta map[string]any, finish *string) []byte {
	var payload map[string]any
	if s.flavor == flavorChat {
		payload = map[string]any{
			"id":      s.id,
			"object":  "chat.completion.chunk",
			"created": s.created,
			"model":   s.model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
	} else {
		text := ""
		if t, ok := delta["content"].(string); ok {
			text = t
		}
		choice := map[string]any{
			"index":         0,
			"text":          text,
			"finish_reason": finish,
		}
		if th, ok := delta["thinking"].(string); ok {
			choice["thinking"] = th
		}
		payload = map[string]any{
			"id":      s.id,
			"object":  "text_completion",
			"created": s.created,
			"model":   s.model,
			"choices": []map[string]any{choice},
		}
	}
	b, _ := json.Marshal(payload)
	return b
}

// PumpStream consumes classified backend frames and writes OpenAI SSE to w.
// Empty deltas are skipped, unknown frames ignored, and exactly one
// `data: [DONE]` sentinel is written after the final chunk. onText and
// onThinking receive each emitted delta for usage accounting.
func PumpStream(w *bufio.Writer, frames <-chan json.RawMessage, sh *streamShaper, log *slog.Logger, onText, onThinking func(string)) {
	if log == nil {
		log = slog.Default()
	}

	writeChunk := func(b []byte) {
		fmt.Fprintf(w, "data: %s\n\n", b)
		w.Flush()
	}

	finish := func(reason string) {
		mapped := sh.finishReason(reason)
		writeChunk(sh.chunk(map[string]any{}, &mapped))
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()
	}

	for raw := range frames {
		ev := ClassifyFrame(raw)
		switch ev.Kind {
		case EventText:
			if ev.Text == "" {
				continue
			}
			if onText != nil {
				onText(ev.Text)
			}
			writeChunk(sh.chunk(map[string]any{"content": ev.Text}, nil))
		case EventThinking:
			if ev.Text == "" {
				continue
			}
			if onThinking != nil {
				onThinking(ev.Text)
			}
			writeChunk(sh.chunk(map[string]any{"thinking": ev.Text}, nil))
		case EventStop:
			finish(ev.Reason)
			return
		case EventLegacy:
			if ev.Text != "" {
				if onText != nil {
					onText(ev.Text)
				}
				writeChunk(sh.chunk(map[string]any{"content": ev.Text}, nil))
			}
			if ev.Reason != "" {
				finish(ev.Reason)
				return
			}
		case EventUnknown:
			// Forward compatibility: new frame types stream past silently.
		}
	}

	// Backend closed the stream without a stop frame.
	log.Debug("stream ended without stop signal")
	finish("stop")
}
