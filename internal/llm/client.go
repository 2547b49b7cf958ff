// Package llm abstracts the answer-generating model providers behind one
// client interface so the answer service never depends on a vendor SDK.
package llm

import (
	"context"
)

// StreamCallback receives each generated token in order.
type StreamCallback func(token string, index int) error

// ChatMessage is one turn of model input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one generation call.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// CompletionResponse is the settled result of a generation call, streamed
// or not.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is implemented by every model provider.
type Client interface {
	// Complete generates a full answer in one call.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream generates an answer token by token, invoking the
	// callback for each one, and returns the assembled result.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns the model ids this provider accepts.
	Models() []string
}

// Provider selects a model backend.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"

	// ProviderScripted answers from a fixed script without any API key.
	// Used for local development and tests.
	ProviderScripted Provider = "scripted"
)

// NewClient creates a client for the given provider. An empty or unknown
// provider with no API key falls back to the scripted backend so the
// gateway always starts.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	case ProviderScripted:
		return NewScriptedClient(), nil
	default:
		if apiKey == "" {
			return NewScriptedClient(), nil
		}
		return NewAnthropicClient(apiKey)
	}
}
