package openaicompat

import "github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"

// Factory constructors for the OpenAI-compatible services the aggregator
// ships with. Base URLs can be overridden for proxies and tests; an empty
// override keeps the public endpoint.

// NewGroq builds the Groq adapter. Groq's hosted open models are free, so the
// whole price table is zero.
func NewGroq(apiKey, baseURL string) (*Adapter, error) {
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	return New(Config{
		Name:    "groq",
		APIKey:  apiKey,
		BaseURL: baseURL,
		Models: map[provider.Tier]string{
			provider.TierEco:   "llama-3.3-70b-versatile",
			provider.TierSmart: "llama-3.3-70b-versatile",
			provider.TierDeep:  "llama-3.3-70b-versatile",
		},
		Costs: map[string]Pricing{
			"llama-3.3-70b-versatile": {},
			"mixtral-8x7b-32768":      {},
			"gemma2-9b-it":            {},
		},
		AlternateModels: []string{"mixtral-8x7b-32768", "gemma2-9b-it"},
	})
}

// NewDeepSeek builds the DeepSeek adapter.
func NewDeepSeek(apiKey, baseURL string) (*Adapter, error) {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com/v1"
	}
	return New(Config{
		Name:    "deepseek",
		APIKey:  apiKey,
		BaseURL: baseURL,
		Models: map[provider.Tier]string{
			provider.TierEco:   "deepseek-chat",
			provider.TierSmart: "deepseek-chat",
			provider.TierDeep:  "deepseek-reasoner",
		},
		Costs: map[string]Pricing{
			"deepseek-chat":     {InputPerMTok: 0.14, OutputPerMTok: 0.28},
			"deepseek-reasoner": {InputPerMTok: 0.55, OutputPerMTok: 2.19},
		},
	})
}

// NewOpenRouter builds the OpenRouter adapter pinned to free community
// models.
func NewOpenRouter(apiKey, baseURL string) (*Adapter, error) {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return New(Config{
		Name:    "openrouter",
		APIKey:  apiKey,
		BaseURL: baseURL,
		Models: map[provider.Tier]string{
			provider.TierEco:   "google/gemma-2-9b-it:free",
			provider.TierSmart: "meta-llama/llama-3.3-70b-instruct:free",
			provider.TierDeep:  "qwen/qwen-2.5-72b-instruct:free",
		},
		Costs: map[string]Pricing{
			"google/gemma-2-9b-it:free":              {},
			"meta-llama/llama-3.3-70b-instruct:free": {},
			"qwen/qwen-2.5-72b-instruct:free":        {},
		},
		ExtraHeaders: map[string]string{
			"HTTP-Referer": "https://jarvis-ai.app",
			"X-Title":      "Jarvis AI Aggregator",
		},
	})
}

// NewGrok builds the xAI Grok adapter.
func NewGrok(apiKey, baseURL string) (*Adapter, error) {
	if baseURL == "" {
		baseURL = "https://api.x.ai/v1"
	}
	return New(Config{
		Name:    "grok",
		APIKey:  apiKey,
		BaseURL: baseURL,
		Models: map[provider.Tier]string{
			provider.TierEco:   "grok-2",
			provider.TierSmart: "grok-2",
			provider.TierDeep:  "grok-2",
		},
		Costs: map[string]Pricing{
			"grok-2": {InputPerMTok: 5.0, OutputPerMTok: 15.0},
		},
	})
}
