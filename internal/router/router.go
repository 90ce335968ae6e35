// Package router maps a prompt and user context onto a cost/quality tier.
// Everything here is a pure function: classification looks only at the prompt
// text, tier selection only at its arguments.
package router

import (
	"strings"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
)

// Difficulty buckets a prompt by how much model quality it likely needs.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// hardSignals force the hard bucket regardless of length. The Polish entries
// are stems so inflected forms match too.
var hardSignals = []string{
	"architektur",
	"zaprojektuj",
	"zoptymalizuj",
	"porównaj",
	"przeanalizuj",
	"design",
	"architect",
	"optimize",
	"compare",
	"comprehensive",
	"deep dive",
	"complex",
	"refactor",
}

// easySignals mark greetings and lookup-style prompts.
var easySignals = []string{
	"cześć",
	"dzięki",
	"hej",
	"co to jest",
	"przetłumacz",
	"hello",
	"thanks",
	"hi",
	"what is",
	"translate",
}

const (
	hardWordCount = 300
	easyWordCount = 30
)

// ClassifyDifficulty buckets a prompt. Signal phrases win over the length
// heuristic: hard signals are checked first, then easy signals, then word
// count.
func ClassifyDifficulty(prompt string) Difficulty {
	normalized := strings.ToLower(strings.TrimSpace(prompt))
	for _, signal := range hardSignals {
		if strings.Contains(normalized, signal) {
			return DifficultyHard
		}
	}
	for _, signal := range easySignals {
		if strings.Contains(normalized, signal) {
			return DifficultyEasy
		}
	}

	wordCount := len(strings.Fields(normalized))
	switch {
	case wordCount > hardWordCount:
		return DifficultyHard
	case wordCount < easyWordCount:
		return DifficultyEasy
	default:
		return DifficultyMedium
	}
}

// SelectTier resolves the effective tier for a request. An explicit tier in
// requestedMode is honored verbatim, except demo users asking for deep are
// capped at smart. Only "auto" consults the difficulty classification.
func SelectTier(difficulty Difficulty, requestedMode string, role userstore.Role, budgetRemaining float64) provider.Tier {
	if tier, ok := provider.ParseTier(requestedMode); ok {
		if tier == provider.TierDeep && role == userstore.RoleDemo {
			return provider.TierSmart
		}
		return tier
	}

	switch difficulty {
	case DifficultyEasy:
		return provider.TierEco
	case DifficultyHard:
		if role == userstore.RoleDemo {
			return provider.TierSmart
		}
		if budgetRemaining > 0 {
			return provider.TierDeep
		}
		return provider.TierSmart
	default:
		if budgetRemaining > 0 {
			return provider.TierSmart
		}
		return provider.TierEco
	}
}

// CreditsForTokens converts a completed call's token volume into smart
// credits. The steps are flat bands, not a continuous function.
func CreditsForTokens(inputTokens, outputTokens int) int {
	total := max(inputTokens, 0) + max(outputTokens, 0)
	switch {
	case total <= 500:
		return 1
	case total <= 2000:
		return 2
	default:
		return 4
	}
}
