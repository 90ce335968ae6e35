// Package provider defines the uniform contract the aggregator speaks to
// every remote text-generation service, plus the registry of configured
// adapters.
package provider

import (
	"context"
	"strings"
)

// Tier names a cost/quality profile for a generation request.
type Tier string

const (
	TierEco   Tier = "eco"
	TierSmart Tier = "smart"
	TierDeep  Tier = "deep"
)

// ParseTier normalizes a user-supplied tier string. The second return value
// is false for anything that is not one of the three explicit tiers.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierEco:
		return TierEco, true
	case TierSmart:
		return TierSmart, true
	case TierDeep:
		return TierDeep, true
	}
	return "", false
}

// Message is one turn of the chat history sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the outcome of one successful provider call. It is constructed
// once by the adapter and not mutated afterwards, except for the dispatcher
// stamping FallbackUsed.
type Result struct {
	Text         string  `json:"text"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMS    int64   `json:"latency_ms"`
	FallbackUsed bool    `json:"fallback_used"`
}

// Provider wraps one remote generation service. Implementations own their
// endpoint, authentication, per-tier model mapping and pricing; callers only
// ever see a Result or a call error.
type Provider interface {
	Name() string
	Generate(ctx context.Context, messages []Message, tier Tier, maxTokens int, temperature float64) (Result, error)
	HealthCheck(ctx context.Context) bool
}
