package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ScriptedClient answers from a fixed script. It needs no credentials and
// is fully deterministic, which makes it the default backend for local
// development and the test suites.
type ScriptedClient struct{}

// NewScriptedClient creates a scripted client.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// Name returns the provider name.
func (c *ScriptedClient) Name() string {
	return "scripted"
}

// Models returns the model ids this provider accepts.
func (c *ScriptedClient) Models() []string {
	return []string{"scripted-v1"}
}

func (c *ScriptedClient) answer(req *CompletionRequest) string {
	var question string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			question = req.Messages[i].Content
			break
		}
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "Ask me anything about the knowledge base."
	}
	return fmt.Sprintf("Here is what the knowledge base says about %q: this topic is covered, and the scripted backend has no further detail.", question)
}

// Complete generates a full answer in one call.
func (c *ScriptedClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	content := c.answer(req)
	return &CompletionResponse{
		Content:    content,
		Model:      "scripted-v1",
		TokensOut:  len(strings.Fields(content)),
		StopReason: "end_turn",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream generates an answer word by word.
func (c *ScriptedClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()
	content := c.answer(req)

	for i, word := range strings.SplitAfter(content, " ") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := callback(word, i); err != nil {
			return nil, err
		}
	}

	return &CompletionResponse{
		Content:    content,
		Model:      "scripted-v1",
		TokensOut:  len(strings.Fields(content)),
		StopReason: "end_turn",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
