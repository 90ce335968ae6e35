// Package gemini implements the provider contract against Google's native
// generateContent API, which does not speak the OpenAI dialect.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
)

var _ provider.Provider = (*Adapter)(nil)

// tierModels maps each tier to the Gemini model serving it.
var tierModels = map[provider.Tier]string{
	provider.TierEco:   "gemini-2.0-flash-lite",
	provider.TierSmart: "gemini-2.0-flash",
	provider.TierDeep:  "gemini-2.0-pro",
}

// pricing is USD per 1,000,000 tokens, input/output.
var pricing = map[string][2]float64{
	"gemini-2.0-flash-lite": {0.075, 0.30},
	"gemini-2.0-flash":      {0.10, 0.40},
	"gemini-2.0-pro":        {1.25, 5.00},
}

// Config holds the Gemini adapter settings.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to the public endpoint
	RequestTimeout time.Duration
}

// Adapter sends requests to the Gemini generateContent endpoint.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a Gemini adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Adapter{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() string { return "gemini" }

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

// Generate calls generateContent for the tier's model and converts the
// response. Gemini uses "model" where the chat dialect uses "assistant".
func (a *Adapter) Generate(ctx context.Context, messages []provider.Message, tier provider.Tier, maxTokens int, temperature float64) (provider.Result, error) {
	if len(messages) == 0 {
		return provider.Result{}, provider.NewCallError("gemini", "no messages provided", nil)
	}
	model := tierModels[tier]
	if model == "" {
		model = tierModels[provider.TierEco]
	}

	contents := make([]content, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}

	body, err := json.Marshal(generateRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
		},
	})
	if err != nil {
		return provider.Result{}, provider.NewCallError("gemini", "marshal request", err)
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent?key=%s", a.baseURL, model, url.QueryEscape(a.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return provider.Result{}, provider.NewCallError("gemini", "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return provider.Result{}, provider.NewCallError("gemini", "request timed out or failed", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Result{}, provider.NewCallError("gemini", "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.Result{}, provider.NewCallError("gemini", fmt.Sprintf("http %d", resp.StatusCode), nil)
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []part `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return provider.Result{}, provider.NewCallError("gemini", "malformed response body", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return provider.Result{}, provider.NewCallError("gemini", "response carried no candidates", nil)
	}

	inputTokens := parsed.UsageMetadata.PromptTokenCount
	outputTokens := parsed.UsageMetadata.CandidatesTokenCount
	rates := pricing[model]
	cost := float64(inputTokens)*rates[0]/1_000_000 + float64(outputTokens)*rates[1]/1_000_000

	return provider.Result{
		Text:         parsed.Candidates[0].Content.Parts[0].Text,
		Provider:     "gemini",
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		LatencyMS:    time.Since(start).Milliseconds(),
	}, nil
}

// HealthCheck issues a minimal eco-tier ping.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	result, err := a.Generate(ctx, []provider.Message{{Role: "user", Content: "ping"}}, provider.TierEco, 5, 0)
	return err == nil && result.Text != ""
}
