package metrics

import (
	"sync"
	"time"
)

// Collector collects and exports metrics for Prometheus.
// This implementation uses manual metric tracking without external dependencies.
// For production, consider integrating prometheus/client_golang.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64 // current in-flight requests

	// Rate limit metrics
	rateLimitHits  int64            // total rate limit rejections
	rateLimitByKey map[string]int64 // rate limits by user

	// Token usage metrics
	totalPromptTokens     int64
	totalCompletionTokens int64
	tokensByModel         map[string]int64 // total tokens by model

	// Provider metrics
	providerCalls   map[string]int64 // calls by provider (gemini, groq, etc.)
	providerErrors  map[string]int64 // errors by provider
	providerLatency map[string]int64 // total latency in ms by provider

	// Dispatch metrics
	fallbacks    int64            // requests served by a non-primary provider
	breakerOpens map[string]int64 // breaker trips by provider

	// Spend metrics
	totalCostUSD float64

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		rateLimitByKey:     make(map[string]int64),
		tokensByModel:      make(map[string]int64),
		providerCalls:      make(map[string]int64),
		providerErrors:     make(map[string]int64),
		providerLatency:    make(map[string]int64),
		breakerOpens:       make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]--
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimitHits++
	c.rateLimitByKey[key]++
}

// RecordTokenUsage records token usage for one generated reply.
func (c *Collector) RecordTokenUsage(model string, promptTokens, completionTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalPromptTokens += promptTokens
	c.totalCompletionTokens += completionTokens

	if model != "" {
		c.tokensByModel[model] += (promptTokens + completionTokens)
	}
}

// RecordProviderCall records one attempt against an upstream provider.
func (c *Collector) RecordProviderCall(provider string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.providerCalls[provider]++
	c.providerLatency[provider] += duration.Milliseconds()

	if err != nil {
		c.providerErrors[provider]++
	}
}

// RecordFallback records a request answered by a provider other than the
// first candidate in its chain.
func (c *Collector) RecordFallback() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fallbacks++
}

// RecordBreakerOpen records a circuit breaker trip for a provider.
func (c *Collector) RecordBreakerOpen(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.breakerOpens[provider]++
}

// RecordCost accumulates spend in USD.
func (c *Collector) RecordCost(usd float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalCostUSD += usd
}

// Snapshot returns a point-in-time snapshot of all metrics.
type Snapshot struct {
	Uptime                int64
	TotalRequests         map[string]int64
	TotalRequestsDur      map[string]int64
	RequestErrors         map[string]int64
	RequestsInProgress    map[string]int64
	RateLimitHits         int64
	RateLimitByKey        map[string]int64
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	TokensByModel         map[string]int64
	ProviderCalls         map[string]int64
	ProviderErrors        map[string]int64
	ProviderLatency       map[string]int64
	Fallbacks             int64
	BreakerOpens          map[string]int64
	TotalCostUSD          float64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:                int64(time.Since(c.startTime).Seconds()),
		TotalRequests:         copyMap(c.totalRequests),
		TotalRequestsDur:      copyMap(c.totalRequestsDur),
		RequestErrors:         copyMap(c.requestErrors),
		RequestsInProgress:    copyMap(c.requestsInProgress),
		RateLimitHits:         c.rateLimitHits,
		RateLimitByKey:        copyMap(c.rateLimitByKey),
		TotalPromptTokens:     c.totalPromptTokens,
		TotalCompletionTokens: c.totalCompletionTokens,
		TokensByModel:         copyMap(c.tokensByModel),
		ProviderCalls:         copyMap(c.providerCalls),
		ProviderErrors:        copyMap(c.providerErrors),
		ProviderLatency:       copyMap(c.providerLatency),
		Fallbacks:             c.fallbacks,
		BreakerOpens:          copyMap(c.breakerOpens),
		TotalCostUSD:          c.totalCostUSD,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
