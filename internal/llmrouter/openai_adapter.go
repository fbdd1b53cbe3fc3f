package llmrouter

import (
	"context"

	"github.com/aireview/engine/internal/adapter/llm/openai"
)

// openAICaller is the subset of *openai.HTTPClient the adapter needs;
// narrowed to an interface so tests can substitute a fake.
type openAICaller interface {
	Call(ctx context.Context, prompt string, options openai.CallOptions) (*openai.APIResponse, error)
}

// OpenAIAdapter satisfies Adapter by translating the router's
// provider-agnostic Request onto the existing OpenAI-compatible HTTP
// client's Call method. Azure/DeepSeek adapters follow the same shape
// against their own clients, since both speak the OpenAI chat-completion
// wire format.
type OpenAIAdapter struct {
	client openAICaller
}

// NewOpenAIAdapter wraps an existing *openai.HTTPClient for router use.
func NewOpenAIAdapter(client *openai.HTTPClient) *OpenAIAdapter {
	return &OpenAIAdapter{client: client}
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	prompt := flattenMessages(req.Messages)
	apiResp, err := a.client.Call(ctx, prompt, openai.CallOptions{
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
		FinishReason:     mapFinishReason(apiResp.FinishReason),
		Cost:             apiResp.Cost,
	}, nil
}

func flattenMessages(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	out := msgs[0].Content
	for _, m := range msgs[1:] {
		out += "\n\n" + m.Content
	}
	return out
}

func mapFinishReason(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	case "content_filter":
		return FinishFilter
	case "":
		return FinishStop
	default:
		return FinishError
	}
}
