package llmrouter

import (
	"context"

	"github.com/aireview/engine/internal/adapter/llm/anthropic"
)

// anthropicCaller is the subset of *anthropic.HTTPClient the adapter needs.
type anthropicCaller interface {
	Call(ctx context.Context, prompt string, options anthropic.CallOptions) (*anthropic.APIResponse, error)
}

// AnthropicAdapter satisfies Adapter against the Anthropic Messages API.
type AnthropicAdapter struct {
	client anthropicCaller
}

// NewAnthropicAdapter wraps an existing *anthropic.HTTPClient for router use.
func NewAnthropicAdapter(client *anthropic.HTTPClient) *AnthropicAdapter {
	return &AnthropicAdapter{client: client}
}

func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	prompt := flattenMessages(req.Messages)
	apiResp, err := a.client.Call(ctx, prompt, anthropic.CallOptions{
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
		FinishReason:     mapAnthropicStopReason(apiResp.StopReason),
		Cost:             apiResp.Cost,
	}, nil
}

// mapAnthropicStopReason translates Anthropic's stop_reason vocabulary onto
// the router's provider-agnostic FinishReason.
func mapAnthropicStopReason(reason string) FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return FinishStop
	case "max_tokens":
		return FinishLength
	default:
		return FinishError
	}
}
