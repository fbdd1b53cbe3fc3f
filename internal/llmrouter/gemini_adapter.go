package llmrouter

import (
	"context"

	"github.com/aireview/engine/internal/adapter/llm/gemini"
)

// geminiCaller is the subset of *gemini.HTTPClient the adapter needs.
type geminiCaller interface {
	Call(ctx context.Context, prompt string, options gemini.CallOptions) (*gemini.APIResponse, error)
}

// GeminiAdapter satisfies Adapter against the Gemini generateContent API.
type GeminiAdapter struct {
	client geminiCaller
}

// NewGeminiAdapter wraps an existing *gemini.HTTPClient for router use.
func NewGeminiAdapter(client *gemini.HTTPClient) *GeminiAdapter {
	return &GeminiAdapter{client: client}
}

func (a *GeminiAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	prompt := flattenMessages(req.Messages)
	apiResp, err := a.client.Call(ctx, prompt, gemini.CallOptions{
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
		FinishReason:     mapGeminiFinishReason(apiResp.FinishReason),
		Cost:             apiResp.Cost,
	}, nil
}

// mapGeminiFinishReason translates Gemini's upper-case finishReason
// vocabulary onto the router's provider-agnostic FinishReason.
func mapGeminiFinishReason(reason string) FinishReason {
	switch reason {
	case "STOP", "":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION":
		return FinishFilter
	default:
		return FinishError
	}
}
