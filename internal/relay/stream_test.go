package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// runPump feeds frames through PumpStream and returns the decoded SSE data
// payloads in arrival order, with "[DONE]" kept as a literal marker.
func runPump(t *testing.T, flavor endpointFlavor, frames []string) []string {
	t.Helper()

	ch := make(chan json.RawMessage, len(frames))
	for _, f := range frames {
		ch <- json.RawMessage(f)
	}
	close(ch)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	PumpStream(w, ch, newStreamShaper(flavor, "chatcmpl-1", "claude-3-7-sonnet"), testLogger(), nil, nil)

	var out []string
	for _, block := range strings.Split(buf.String(), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("malformed SSE block: %q", block)
		}
		out = append(out, strings.TrimPrefix(block, "data: "))
	}
	return out
}

type chunkChoice struct {
	Delta struct {
		Content  string `json:"content"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

func decodeChunk(t *testing.T, payload string) chunkChoice {
	t.Helper()
	var chunk struct {
		Choices []chunkChoice `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		t.Fatalf("chunk %q: %v", payload, err)
	}
	if len(chunk.Choices) != 1 {
		t.Fatalf("chunk %q: want exactly one choice", payload)
	}
	return chunk.Choices[0]
}

func TestPumpStreamOrderAndDone(t *testing.T) {
	frames := []string{
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
	}
	out := runPump(t, flavorChat, frames)

	if len(out) != 4 {
		t.Fatalf("got %d blocks %v, want 2 content + finish + [DONE]", len(out), out)
	}
	if got := decodeChunk(t, out[0]).Delta.Content; got != "Hel" {
		t.Errorf("chunk 0 content = %q", got)
	}
	if got := decodeChunk(t, out[1]).Delta.Content; got != "lo" {
		t.Errorf("chunk 1 content = %q", got)
	}
	fin := decodeChunk(t, out[2])
	if fin.FinishReason == nil || *fin.FinishReason != "stop" {
		t.Errorf("finish_reason = %v, want stop for end_turn on chat", fin.FinishReason)
	}
	if out[3] != "[DONE]" {
		t.Errorf("last block = %q, want [DONE]", out[3])
	}
	if strings.Count(strings.Join(out, "\n"), "[DONE]") != 1 {
		t.Error("want exactly one [DONE] sentinel")
	}
}

func TestPumpStreamThinkingDelta(t *testing.T) {
	frames := []string{
		`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
	}
	out := runPump(t, flavorChat, frames)
	if got := decodeChunk(t, out[0]).Delta.Thinking; got != "hmm" {
		t.Errorf("thinking delta = %q, want hmm", got)
	}
}

func TestPumpStreamSkipsEmptyDeltas(t *testing.T) {
	frames := []string{
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":""}}`,
		`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":""}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
	}
	out := runPump(t, flavorChat, frames)
	if len(out) != 2 {
		t.Fatalf("got %v, want only finish + [DONE]", out)
	}
}

func TestPumpStreamIgnoresUnknownFrames(t *testing.T) {
	frames := []string{
		`{"type":"message_start","message":{}}`,
		`{"type":"content_block_start","content_block":{}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"ok"}}`,
		`{"type":"ping"}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
	}
	out := runPump(t, flavorChat, frames)
	if len(out) != 3 {
		t.Fatalf("got %v, want content + finish + [DONE]", out)
	}
}

func TestPumpStreamLegacyFrames(t *testing.T) {
	frames := []string{
		`{"delta":{"text":"old style"}}`,
		`{"stop_reason":"stop_sequence"}`,
	}
	out := runPump(t, flavorChat, frames)
	if got := decodeChunk(t, out[0]).Delta.Content; got != "old style" {
		t.Errorf("legacy content = %q", got)
	}
	fin := decodeChunk(t, out[1])
	if fin.FinishReason == nil || *fin.FinishReason != "stop" {
		t.Errorf("legacy finish = %v, want stop", fin.FinishReason)
	}
}

func TestPumpStreamCompletionsKeepsRawReason(t *testing.T) {
	frames := []string{
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
	}
	out := runPump(t, flavorCompletions, frames)

	if got := decodeChunk(t, out[0]).Text; got != "hi" {
		t.Errorf("text = %q, want hi in completions shape", got)
	}
	fin := decodeChunk(t, out[1])
	if fin.FinishReason == nil || *fin.FinishReason != "end_turn" {
		t.Errorf("finish = %v, want raw end_turn on completions", fin.FinishReason)
	}
}

func TestPumpStreamFinishesWithoutStopFrame(t *testing.T) {
	frames := []string{
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}`,
	}
	out := runPump(t, flavorChat, frames)
	if out[len(out)-1] != "[DONE]" {
		t.Fatalf("got %v, want trailing [DONE] even without a stop frame", out)
	}
}

func TestClassifyFrameGarbage(t *testing.T) {
	if ev := ClassifyFrame(json.RawMessage(`not json`)); ev.Kind != EventUnknown {
		t.Errorf("kind = %v, want unknown for invalid JSON", ev.Kind)
	}
	if ev := ClassifyFrame(json.RawMessage(`{}`)); ev.Kind != EventUnknown {
		t.Errorf("kind = %v, want unknown for empty object", ev.Kind)
	}
}
