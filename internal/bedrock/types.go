package bedrock

import "encoding/json"

// AnthropicVersion is the wire-format version tag required by the Bedrock
// runtime for Anthropic models.
const AnthropicVersion = "bedrock-2023-05-31"

// Beta feature identifiers accepted via anthropic_beta.
const (
	BetaExtendedOutput = "output-128k-2025-02-19"
	BetaComputerUse    = "computer_20250212"
)

type (
	// Message is one conversation turn. Content is kept as raw JSON because
	// the API accepts both a bare string and a list of typed blocks; the
	// gateway forwards it untouched.
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	// ThinkingConfig enables extended reasoning with a token budget.
	// The backend enforces 1024 ≤ BudgetTokens < max_tokens.
	ThinkingConfig struct {
		Type         string `json:"type"`
		BudgetTokens int    `json:"budget_tokens"`
	}

	// InvokeRequest is the anthropic-native request body for the Bedrock
	// invoke and invoke-with-response-stream operations.
	InvokeRequest struct {
		AnthropicVersion string          `json:"anthropic_version"`
		MaxTokens        int             `json:"max_tokens"`
		Temperature      float64         `json:"temperature"`
		TopP             *float64        `json:"top_p,omitempty"`
		Messages         []Message       `json:"messages"`
		Thinking         *ThinkingConfig `json:"thinking,omitempty"`
		StopSequences    []string        `json:"stop_sequences,omitempty"`
		AnthropicBeta    []string        `json:"anthropic_beta,omitempty"`
	}

	// ModelSummary is one entry of the control-plane foundation-model listing.
	ModelSummary struct {
		ModelID      string `json:"modelId"`
		ModelName    string `json:"modelName"`
		ProviderName string `json:"providerName"`
	}
)

// NewThinking returns an enabled ThinkingConfig with the given budget.
func NewThinking(budget int) *ThinkingConfig {
	return &ThinkingConfig{Type: "enabled", BudgetTokens: budget}
}
