// Package loopback fabricates deterministic completions so the full dispatch
// pipeline can run without any upstream credentials. It is registered in dev
// environments and used heavily by tests.
package loopback

import (
	"context"
	"strings"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
)

var _ provider.Provider = (*Adapter)(nil)

// Adapter echoes the last user message back to the caller.
type Adapter struct{}

// New creates a loopback adapter.
func New() *Adapter {
	return &Adapter{}
}

// Name returns the provider name.
func (a *Adapter) Name() string { return "loopback" }

// Generate echoes the most recent user message with a synthetic token count
// and zero cost.
func (a *Adapter) Generate(ctx context.Context, messages []provider.Message, tier provider.Tier, maxTokens int, temperature float64) (provider.Result, error) {
	if len(messages) == 0 {
		return provider.Result{}, provider.NewCallError("loopback", "no messages provided", nil)
	}

	// find last user message; default to the final message if none
	message := messages[len(messages)-1]
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.ToLower(messages[i].Role) == "user" {
			message = messages[i]
			break
		}
	}

	text := "[loopback] " + strings.TrimSpace(message.Content)
	return provider.Result{
		Text:         text,
		Provider:     "loopback",
		Model:        "loopback/" + string(tier),
		InputTokens:  len(messages) * 10,
		OutputTokens: len(text) / 4,
		CostUSD:      0,
		LatencyMS:    0,
	}, nil
}

// HealthCheck always succeeds.
func (a *Adapter) HealthCheck(ctx context.Context) bool { return true }
