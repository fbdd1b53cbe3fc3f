package llmrouter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairSendsSchemaHintAndRawOutput(t *testing.T) {
	r := New()
	adapter := &fakeAdapter{respond: func(n int64) (Response, error) {
		return Response{Text: `{"fixed":true}`, FinishReason: FinishStop}, nil
	}}
	r.RegisterAdapter("openai", adapter)

	repairer := NewRepairer(r, "openai", "gpt-4o-mini")
	out, err := repairer.Repair(context.Background(), "{bad json", `{"fixed":"bool"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"fixed":true}`, out)
}

func TestRepairPropagatesRouterError(t *testing.T) {
	r := New(WithRetryConfig(fastRetryConfig()))
	adapter := &fakeAdapter{respond: func(n int64) (Response, error) {
		return Response{}, errors.New("boom")
	}}
	r.RegisterAdapter("openai", adapter)

	repairer := NewRepairer(r, "openai", "gpt-4o-mini")
	_, err := repairer.Repair(context.Background(), "broken", "{}")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "repair call"))
}
