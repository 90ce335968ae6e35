// Package policy decides, per request, whether a user may proceed and
// against which budget. Limits are derived fresh from the user's role and
// subscription on every check; nothing here is cached across requests.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
)

// DefaultProvider is assumed when a request does not pin a provider.
const DefaultProvider = "gemini"

// DenialCode identifies which admission check failed.
type DenialCode string

const (
	DenialUnauthorized      DenialCode = "unauthorized"
	DenialProviderForbidden DenialCode = "provider_forbidden"
	DenialProviderCap       DenialCode = "provider_cap"
	DenialSmartCredits      DenialCode = "smart_credits"
	DenialBudget            DenialCode = "budget"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed         bool
	Code            DenialCode
	DeniedReason    string
	Suggestion      string
	BudgetRemaining float64
}

// EffectiveLimits is the ephemeral limit set computed from (role,
// subscription tier) for a single check.
type EffectiveLimits struct {
	AllowedProviders  map[string]bool
	SmartUnlimited    bool
	ProviderDailyCaps map[string]int
	DailyUSDCap       float64
	GitHubEnabled     bool
}

// Allows reports whether the provider is inside the effective allowed set.
func (l EffectiveLimits) Allows(providerName string) bool {
	return l.AllowedProviders[strings.ToLower(providerName)]
}

// Remaining is the derived view of what a user has left today.
type Remaining struct {
	ProviderCallsRemaining map[string]int `json:"provider_calls_remaining"`
	SmartCreditsRemaining  int            `json:"smart_credits_remaining"`
	BudgetRemaining        float64        `json:"budget_remaining"`
}

// Plan describes what a subscription tier grants on top of the role
// baseline.
type Plan struct {
	Label             string         `yaml:"label"`
	AllProviders      bool           `yaml:"all_providers"`
	SmartUnlimited    bool           `yaml:"smart_unlimited"`
	ProviderDailyCaps map[string]int `yaml:"provider_daily_caps"`
	DailyUSDCap       float64        `yaml:"daily_usd_cap"`
	GitHubEnabled     bool           `yaml:"github"`
}

// Limits carries the configured daily quotas for the restricted tier and the
// global spend cap.
type Limits struct {
	DemoGrokDaily         int
	DemoSmartCreditsDaily int
	DailyUSDCap           float64
}

// DefaultLimits mirrors the shipped configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		DemoGrokDaily:         5,
		DemoSmartCreditsDaily: 20,
		DailyUSDCap:           5.0,
	}
}

// DefaultPlans returns the built-in subscription catalog. A YAML plan file
// can override individual entries.
func DefaultPlans() map[userstore.SubscriptionTier]Plan {
	return map[userstore.SubscriptionTier]Plan{
		userstore.TierFree: {
			Label: "Free",
		},
		userstore.TierStarter: {
			Label:             "Starter",
			SmartUnlimited:    true,
			ProviderDailyCaps: map[string]int{"grok": 5},
		},
		userstore.TierPro: {
			Label:        "Pro",
			AllProviders: true,
			DailyUSDCap:  2.0,
		},
		userstore.TierUnlimited: {
			Label:         "Unlimited",
			AllProviders:  true,
			DailyUSDCap:   5.0,
			GitHubEnabled: true,
		},
	}
}

// provider sets and chain priority per role
var (
	demoProviders = []string{"gemini", "deepseek", "groq", "openrouter", "grok"}
	fullProviders = []string{"gemini", "deepseek", "groq", "openrouter", "grok"}

	demoChain = []string{"gemini", "groq", "openrouter"}
	fullChain = []string{"gemini", "deepseek", "groq", "openrouter", "grok"}
)

// Engine evaluates admission policy against the usage counters.
type Engine struct {
	usage  usage.Store
	limits Limits
	plans  map[userstore.SubscriptionTier]Plan
	now    func() time.Time
}

// Config wires an Engine.
type Config struct {
	Usage  usage.Store
	Limits Limits
	Plans  map[userstore.SubscriptionTier]Plan
	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewEngine creates a policy engine.
func NewEngine(cfg Config) *Engine {
	limits := cfg.Limits
	if limits.DailyUSDCap <= 0 {
		limits = DefaultLimits()
	}
	plans := cfg.Plans
	if plans == nil {
		plans = DefaultPlans()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{usage: cfg.Usage, limits: limits, plans: plans, now: now}
}

// EffectiveLimits derives the limit set for the user right now. It is
// recomputed on every check and never cached beyond one request.
func (e *Engine) EffectiveLimits(user *userstore.User) EffectiveLimits {
	limits := EffectiveLimits{
		AllowedProviders:  map[string]bool{},
		ProviderDailyCaps: map[string]int{},
		DailyUSDCap:       e.limits.DailyUSDCap,
	}

	base := demoProviders
	if user.Role == userstore.RoleFullAccess {
		base = fullProviders
	}
	for _, name := range base {
		limits.AllowedProviders[name] = true
	}

	if user.Role == userstore.RoleDemo {
		limits.ProviderDailyCaps["grok"] = e.limits.DemoGrokDaily
	}

	plan, ok := e.plans[user.EffectiveSubscription(e.now())]
	if !ok {
		return limits
	}
	if plan.AllProviders {
		for _, name := range fullProviders {
			limits.AllowedProviders[name] = true
		}
	}
	limits.SmartUnlimited = limits.SmartUnlimited || plan.SmartUnlimited
	for name, cap := range plan.ProviderDailyCaps {
		limits.ProviderDailyCaps[strings.ToLower(name)] = cap
	}
	if plan.DailyUSDCap > 0 {
		limits.DailyUSDCap = plan.DailyUSDCap
	}
	limits.GitHubEnabled = limits.GitHubEnabled || plan.GitHubEnabled
	return limits
}

// CheckAccess runs the admission checks in their fixed order: authorization,
// allowed provider set, per-provider daily cap, smart credit allowance,
// daily spend cap. The first failing check names the denial reason. The
// returned error is reserved for persistence failures; a policy denial is a
// non-error Decision.
func (e *Engine) CheckAccess(ctx context.Context, user *userstore.User, requestedProvider string) (Decision, error) {
	if !user.Authorized {
		return Decision{
			Code:         DenialUnauthorized,
			DeniedReason: "account is not authorized",
			Suggestion:   "redeem an unlock code to activate the account",
		}, nil
	}

	providerName := strings.ToLower(strings.TrimSpace(requestedProvider))
	if providerName == "" {
		providerName = DefaultProvider
	}

	limits := e.EffectiveLimits(user)
	if !limits.Allows(providerName) {
		return Decision{
			Code:         DenialProviderForbidden,
			DeniedReason: fmt.Sprintf("provider %q is not available on the current plan", providerName),
			Suggestion:   "pick " + DefaultProvider + " or upgrade the plan",
		}, nil
	}

	counter, err := e.todayCounter(ctx, user.ID)
	if err != nil {
		return Decision{}, err
	}

	budgetRemaining := limits.DailyUSDCap
	if counter != nil {
		budgetRemaining = limits.DailyUSDCap - counter.TotalCostUSD
	}
	if budgetRemaining < 0 {
		budgetRemaining = 0
	}

	if cap, capped := limits.ProviderDailyCaps[providerName]; capped && counter.Calls(providerName) >= cap {
		return Decision{
			Code:            DenialProviderCap,
			DeniedReason:    fmt.Sprintf("daily call limit for %q reached", providerName),
			Suggestion:      "try " + DefaultProvider + " instead",
			BudgetRemaining: budgetRemaining,
		}, nil
	}

	if !limits.SmartUnlimited && user.Role == userstore.RoleDemo && counter != nil && counter.SmartCreditsUsed >= e.limits.DemoSmartCreditsDaily {
		return Decision{
			Code:            DenialSmartCredits,
			DeniedReason:    "daily smart credits are exhausted",
			Suggestion:      "switch to eco mode or wait for the daily reset",
			BudgetRemaining: budgetRemaining,
		}, nil
	}

	if budgetRemaining <= 0 {
		return Decision{
			Code:         DenialBudget,
			DeniedReason: "daily spend cap reached",
			Suggestion:   "try again tomorrow",
		}, nil
	}

	return Decision{Allowed: true, BudgetRemaining: budgetRemaining}, nil
}

// ProviderChain returns the priority-ordered candidates for the user,
// filtered to the effective allowed set. The tier is accepted for future
// per-tier orderings but does not change the order today.
func (e *Engine) ProviderChain(user *userstore.User, tier provider.Tier) []string {
	_ = tier
	base := demoChain
	if user.Role == userstore.RoleFullAccess {
		base = fullChain
	}
	limits := e.EffectiveLimits(user)
	chain := make([]string, 0, len(base))
	for _, name := range base {
		if limits.Allows(name) {
			chain = append(chain, name)
		}
	}
	return chain
}

// IncrementCounters accumulates one completed attempt into today's counter
// row, creating it when absent. The write is a single atomic upsert.
func (e *Engine) IncrementCounters(ctx context.Context, user *userstore.User, providerName string, cost float64, smartCredits int) error {
	return e.usage.IncrementCounter(ctx, user.ID, usage.Day(e.now()), usage.CounterDelta{
		Provider:     strings.ToLower(providerName),
		SmartCredits: smartCredits,
		CostUSD:      cost,
	})
}

// RemainingLimits reports what the user has left today. It never mutates
// counters.
func (e *Engine) RemainingLimits(ctx context.Context, user *userstore.User) (Remaining, error) {
	counter, err := e.todayCounter(ctx, user.ID)
	if err != nil {
		return Remaining{}, err
	}

	limits := e.EffectiveLimits(user)
	remaining := Remaining{
		ProviderCallsRemaining: map[string]int{},
		BudgetRemaining:        limits.DailyUSDCap,
	}
	for name, cap := range limits.ProviderDailyCaps {
		left := cap - counter.Calls(name)
		if left < 0 {
			left = 0
		}
		remaining.ProviderCallsRemaining[name] = left
	}

	if limits.SmartUnlimited {
		remaining.SmartCreditsRemaining = -1 // unlimited
	} else {
		used := 0
		if counter != nil {
			used = counter.SmartCreditsUsed
		}
		left := e.limits.DemoSmartCreditsDaily - used
		if left < 0 {
			left = 0
		}
		remaining.SmartCreditsRemaining = left
	}

	if counter != nil {
		remaining.BudgetRemaining = limits.DailyUSDCap - counter.TotalCostUSD
		if remaining.BudgetRemaining < 0 {
			remaining.BudgetRemaining = 0
		}
	}
	return remaining, nil
}

// todayCounter loads today's counter. A missing row is a confirmed empty
// result; a lookup failure propagates so it can never read as "unlimited
// budget".
func (e *Engine) todayCounter(ctx context.Context, userID int64) (*usage.DayCounter, error) {
	counter, err := e.usage.CounterForDay(ctx, userID, usage.Day(e.now()))
	if err != nil {
		return nil, fmt.Errorf("load usage counter: %w", err)
	}
	return counter, nil
}
