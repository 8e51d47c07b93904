// Package tokens estimates token usage for billing-adjacent reporting.
//
// Counts come from the cl100k_base reference encoding, which is NOT the
// backend's own tokenizer — the numbers are approximations suitable for the
// usage block of an OpenAI-compatible response and nothing more. When the
// encoding cannot be initialised (e.g. no network to fetch the BPE ranks)
// the accountant degrades to a characters/4 heuristic so startup never fails
// over a usage estimate.
package tokens

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// referenceEncoding is the fixed reference tokenizer encoding.
const referenceEncoding = "cl100k_base"

// Counter reports an approximate token count for a text.
type Counter interface {
	Count(text string) int
}

// Accountant is the default Counter backed by tiktoken.
type Accountant struct {
	enc *tiktoken.Tiktoken // nil → heuristic fallback
}

// NewAccountant builds an Accountant over the reference encoding, falling
// back to the heuristic when the encoding is unavailable.
func NewAccountant(log *slog.Logger) *Accountant {
	enc, err := tiktoken.GetEncoding(referenceEncoding)
	if err != nil {
		if log != nil {
			log.Warn("tokenizer unavailable, using chars/4 heuristic",
				slog.String("encoding", referenceEncoding),
				slog.String("error", err.Error()),
			)
		}
		return &Accountant{}
	}
	return &Accountant{enc: enc}
}

// Count returns the approximate token count of text. Empty text counts as 0.
func (a *Accountant) Count(text string) int {
	if text == "" {
		return 0
	}
	if a.enc == nil {
		return heuristicCount(text)
	}
	return len(a.enc.Encode(text, nil, nil))
}

// heuristicCount approximates ~4 characters per token, minimum 1 for
// non-empty text.
func heuristicCount(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
