// Package openaicompat implements the provider contract for any service that
// speaks the OpenAI chat-completions dialect (Groq, DeepSeek, OpenRouter,
// xAI). One adapter type covers them all; the differences live entirely in
// configuration.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
)

// Ensure Adapter implements the provider contract.
var _ provider.Provider = (*Adapter)(nil)

// Pricing is the static cost of a model in USD per 1,000,000 tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Config holds everything that distinguishes one OpenAI-compatible service
// from another.
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	// Models maps a tier to the model requested for it.
	Models map[provider.Tier]string
	// Costs is the price table keyed by model; unknown models are billed
	// at zero.
	Costs map[string]Pricing
	// AlternateModels are tried, at most one per call, when the tier's
	// primary model fails.
	AlternateModels []string
	// ExtraHeaders are sent verbatim with every request (e.g. OpenRouter
	// attribution headers).
	ExtraHeaders map[string]string
	// RequestTimeout bounds one HTTP call. Defaults to 60s.
	RequestTimeout time.Duration
	// RetryBackoff is the fixed wait before the single transient retry.
	// Defaults to 200ms.
	RetryBackoff time.Duration
}

// Adapter sends chat-completion requests to one OpenAI-compatible endpoint.
type Adapter struct {
	name       string
	apiKey     string
	baseURL    string
	models     map[provider.Tier]string
	costs      map[string]Pricing
	alternates []string
	headers    map[string]string
	backoff    time.Duration
	httpClient *http.Client
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		return nil, errors.New("openaicompat: provider name required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openaicompat: %s: api key required", name)
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("openaicompat: %s: base url required", name)
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("openaicompat: %s: model map required", name)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	return &Adapter{
		name:       name,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		models:     cfg.Models,
		costs:      cfg.Costs,
		alternates: cfg.AlternateModels,
		headers:    cfg.ExtraHeaders,
		backoff:    backoff,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the configured provider name.
func (a *Adapter) Name() string { return a.name }

// Generate resolves the tier's model, calls the service and converts the
// response into a Result. When the primary model fails, at most one alternate
// model is tried before the failure is surfaced.
func (a *Adapter) Generate(ctx context.Context, messages []provider.Message, tier provider.Tier, maxTokens int, temperature float64) (provider.Result, error) {
	if len(messages) == 0 {
		return provider.Result{}, provider.NewCallError(a.name, "no messages provided", nil)
	}

	var lastErr error
	for _, model := range a.modelCandidates(tier) {
		result, err := a.generateWithModel(ctx, messages, model, maxTokens, temperature)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = provider.NewCallError(a.name, "no model configured for tier "+string(tier), nil)
	}
	return provider.Result{}, lastErr
}

// modelCandidates returns the tier's model plus at most one alternate.
func (a *Adapter) modelCandidates(tier provider.Tier) []string {
	primary := a.models[tier]
	if primary == "" {
		primary = a.models[provider.TierEco]
	}
	if primary == "" {
		return nil
	}
	candidates := []string{primary}
	for _, alt := range a.alternates {
		if alt != primary {
			candidates = append(candidates, alt)
			break
		}
	}
	return candidates
}

func (a *Adapter) generateWithModel(ctx context.Context, messages []provider.Message, model string, maxTokens int, temperature float64) (provider.Result, error) {
	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return provider.Result{}, provider.NewCallError(a.name, "marshal request", err)
	}

	start := time.Now()
	// one transient retry on 429/5xx with a short fixed backoff
	for attempt := 0; attempt < 2; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return provider.Result{}, provider.NewCallError(a.name, "create request", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
		for k, v := range a.headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return provider.Result{}, provider.NewCallError(a.name, "request timed out or failed", err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return provider.Result{}, provider.NewCallError(a.name, "read response", readErr)
		}

		if isTransientStatus(resp.StatusCode) && attempt == 0 {
			select {
			case <-ctx.Done():
				return provider.Result{}, provider.NewCallError(a.name, "request cancelled", ctx.Err())
			case <-time.After(a.backoff):
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return provider.Result{}, provider.NewCallError(a.name, fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(respBody, 200)), nil)
		}
		return a.parseResult(respBody, model, start)
	}
	return provider.Result{}, provider.NewCallError(a.name, "transient upstream error persisted after retry", nil)
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func (a *Adapter) parseResult(body []byte, model string, start time.Time) (provider.Result, error) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return provider.Result{}, provider.NewCallError(a.name, "malformed response body", err)
	}
	if len(parsed.Choices) == 0 {
		return provider.Result{}, provider.NewCallError(a.name, "response carried no choices", nil)
	}

	pricing := a.costs[model]
	inputTokens := parsed.Usage.PromptTokens
	outputTokens := parsed.Usage.CompletionTokens
	cost := float64(inputTokens)*pricing.InputPerMTok/1_000_000 + float64(outputTokens)*pricing.OutputPerMTok/1_000_000

	return provider.Result{
		Text:         strings.TrimSpace(parsed.Choices[0].Message.Content),
		Provider:     a.name,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		LatencyMS:    time.Since(start).Milliseconds(),
	}, nil
}

// HealthCheck issues a minimal eco-tier ping and reports whether it produced
// any text.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	result, err := a.Generate(ctx, []provider.Message{{Role: "user", Content: "ping"}}, provider.TierEco, 5, 0)
	return err == nil && result.Text != ""
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
