package llmrouter

import (
	"context"
	"fmt"
)

// Repairer issues one corrective completion call through a Router,
// asking a model to re-emit valid JSON for a schema hint. Satisfies
// parser.Repairer without parser importing llmrouter.
type Repairer struct {
	router   *Router
	provider string
	model    string
}

// NewRepairer builds a Repairer that calls (provider, model) through router.
func NewRepairer(router *Router, provider, model string) *Repairer {
	return &Repairer{router: router, provider: provider, model: model}
}

// Repair asks the configured provider/model to correct rawOutput into
// valid JSON matching schemaHint, returning the model's raw text.
func (r *Repairer) Repair(ctx context.Context, rawOutput, schemaHint string) (string, error) {
	resp, err := r.router.Complete(ctx, Request{
		Provider: r.provider,
		Model:    r.model,
		System:   "You repair malformed JSON. Respond with only the corrected JSON, no commentary.",
		Messages: []Message{
			{
				Role: "user",
				Content: fmt.Sprintf(
					"Expected JSON schema:\n%s\n\nMalformed output to correct:\n%s",
					schemaHint, rawOutput,
				),
			},
		},
		MaxTokens:   4096,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("llmrouter: repair call: %w", err)
	}
	return resp.Text, nil
}
