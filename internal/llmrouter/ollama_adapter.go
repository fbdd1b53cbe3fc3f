package llmrouter

import (
	"context"

	"github.com/aireview/engine/internal/adapter/llm/ollama"
)

// ollamaCaller is the subset of *ollama.HTTPClient the adapter needs.
type ollamaCaller interface {
	Call(ctx context.Context, prompt string, options ollama.CallOptions) (*ollama.APIResponse, error)
}

// OllamaAdapter satisfies Adapter against a local Ollama Generate API. Local
// models have no finish-reason concept, so every successful call reports
// FinishStop.
type OllamaAdapter struct {
	client ollamaCaller
}

// NewOllamaAdapter wraps an existing *ollama.HTTPClient for router use.
func NewOllamaAdapter(client *ollama.HTTPClient) *OllamaAdapter {
	return &OllamaAdapter{client: client}
}

func (a *OllamaAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	prompt := flattenMessages(req.Messages)
	apiResp, err := a.client.Call(ctx, prompt, ollama.CallOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{
		Text:             apiResp.Text,
		PromptTokens:     apiResp.TokensIn,
		CompletionTokens: apiResp.TokensOut,
		FinishReason:     FinishStop,
		Cost:             apiResp.Cost,
	}, nil
}
