package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	// Process uptime
	sb.WriteString("# HELP aggregator_uptime_seconds Time since the aggregator started\n")
	sb.WriteString("# TYPE aggregator_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("aggregator_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	// Total requests by endpoint
	sb.WriteString("# HELP aggregator_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE aggregator_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		count := snap.TotalRequests[endpoint]
		sb.WriteString(fmt.Sprintf("aggregator_requests_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Request errors by endpoint
	sb.WriteString("# HELP aggregator_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE aggregator_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		count := snap.RequestErrors[endpoint]
		sb.WriteString(fmt.Sprintf("aggregator_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Requests in progress
	sb.WriteString("# HELP aggregator_requests_in_progress Current number of requests being processed\n")
	sb.WriteString("# TYPE aggregator_requests_in_progress gauge\n")
	for _, endpoint := range sortedKeys(snap.RequestsInProgress) {
		count := snap.RequestsInProgress[endpoint]
		if count > 0 { // Only show active endpoints
			sb.WriteString(fmt.Sprintf("aggregator_requests_in_progress{endpoint=\"%s\"} %d\n", endpoint, count))
		}
	}
	sb.WriteString("\n")

	// Request duration (average)
	sb.WriteString("# HELP aggregator_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE aggregator_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		duration := snap.TotalRequestsDur[endpoint]
		sb.WriteString(fmt.Sprintf("aggregator_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, duration))
	}
	sb.WriteString("\n")

	// Rate limit hits
	sb.WriteString("# HELP aggregator_rate_limit_hits_total Total number of rate limit rejections\n")
	sb.WriteString("# TYPE aggregator_rate_limit_hits_total counter\n")
	sb.WriteString(fmt.Sprintf("aggregator_rate_limit_hits_total %d\n", snap.RateLimitHits))
	sb.WriteString("\n")

	// Rate limits by key
	sb.WriteString("# HELP aggregator_rate_limit_by_key_total Rate limit hits by user\n")
	sb.WriteString("# TYPE aggregator_rate_limit_by_key_total counter\n")
	for _, key := range sortedKeys(snap.RateLimitByKey) {
		count := snap.RateLimitByKey[key]
		sb.WriteString(fmt.Sprintf("aggregator_rate_limit_by_key_total{key=\"%s\"} %d\n", maskUserID(key), count))
	}
	sb.WriteString("\n")

	// Token usage
	sb.WriteString("# HELP aggregator_prompt_tokens_total Total prompt tokens processed\n")
	sb.WriteString("# TYPE aggregator_prompt_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("aggregator_prompt_tokens_total %d\n", snap.TotalPromptTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP aggregator_completion_tokens_total Total completion tokens generated\n")
	sb.WriteString("# TYPE aggregator_completion_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("aggregator_completion_tokens_total %d\n", snap.TotalCompletionTokens))
	sb.WriteString("\n")

	// Tokens by model
	sb.WriteString("# HELP aggregator_tokens_by_model_total Total tokens by model\n")
	sb.WriteString("# TYPE aggregator_tokens_by_model_total counter\n")
	for _, model := range sortedKeys(snap.TokensByModel) {
		count := snap.TokensByModel[model]
		sb.WriteString(fmt.Sprintf("aggregator_tokens_by_model_total{model=\"%s\"} %d\n", model, count))
	}
	sb.WriteString("\n")

	// Provider calls
	sb.WriteString("# HELP aggregator_provider_calls_total Total calls to upstream providers\n")
	sb.WriteString("# TYPE aggregator_provider_calls_total counter\n")
	for _, provider := range sortedKeys(snap.ProviderCalls) {
		count := snap.ProviderCalls[provider]
		sb.WriteString(fmt.Sprintf("aggregator_provider_calls_total{provider=\"%s\"} %d\n", provider, count))
	}
	sb.WriteString("\n")

	// Provider errors
	sb.WriteString("# HELP aggregator_provider_errors_total Total provider call errors\n")
	sb.WriteString("# TYPE aggregator_provider_errors_total counter\n")
	for _, provider := range sortedKeys(snap.ProviderErrors) {
		count := snap.ProviderErrors[provider]
		sb.WriteString(fmt.Sprintf("aggregator_provider_errors_total{provider=\"%s\"} %d\n", provider, count))
	}
	sb.WriteString("\n")

	// Provider latency
	sb.WriteString("# HELP aggregator_provider_latency_ms_total Total provider latency in milliseconds\n")
	sb.WriteString("# TYPE aggregator_provider_latency_ms_total counter\n")
	for _, provider := range sortedKeys(snap.ProviderLatency) {
		latency := snap.ProviderLatency[provider]
		sb.WriteString(fmt.Sprintf("aggregator_provider_latency_ms_total{provider=\"%s\"} %d\n", provider, latency))
	}
	sb.WriteString("\n")

	// Fallbacks
	sb.WriteString("# HELP aggregator_fallbacks_total Requests answered by a non-primary provider\n")
	sb.WriteString("# TYPE aggregator_fallbacks_total counter\n")
	sb.WriteString(fmt.Sprintf("aggregator_fallbacks_total %d\n", snap.Fallbacks))
	sb.WriteString("\n")

	// Breaker opens
	sb.WriteString("# HELP aggregator_breaker_opens_total Circuit breaker trips by provider\n")
	sb.WriteString("# TYPE aggregator_breaker_opens_total counter\n")
	for _, provider := range sortedKeys(snap.BreakerOpens) {
		count := snap.BreakerOpens[provider]
		sb.WriteString(fmt.Sprintf("aggregator_breaker_opens_total{provider=\"%s\"} %d\n", provider, count))
	}
	sb.WriteString("\n")

	// Spend
	sb.WriteString("# HELP aggregator_cost_usd_total Total estimated spend in USD\n")
	sb.WriteString("# TYPE aggregator_cost_usd_total counter\n")
	sb.WriteString(fmt.Sprintf("aggregator_cost_usd_total %.6f\n", snap.TotalCostUSD))
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maskUserID(userID string) string {
	if len(userID) <= 4 {
		return "user_***"
	}
	// Show last 4 characters only
	return "user_***" + userID[len(userID)-4:]
}
