// Package dispatch orchestrates a single chat request end to end: admission,
// tier routing, the fallback chain over provider adapters, and settlement
// into the usage ledger.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/breaker"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/hooks"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/metrics"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/policy"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/router"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/session"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
)

const (
	defaultMaxTokens   = 1200
	defaultTemperature = 0.7
	defaultCallTimeout = 60 * time.Second

	ecoDowngradeNote = "⚠️ Daily smart credits are used up, this reply was generated in eco mode."
)

// Request is one chat turn to process.
type Request struct {
	UserID    int64
	SessionID *uuid.UUID
	Prompt    string
	// Mode is "auto" or an explicit tier name. Empty means auto.
	Mode string
	// Provider pins the chain to a single candidate when set.
	Provider string
}

// Reply is the outcome of a successful dispatch.
type Reply struct {
	Text         string     `json:"text"`
	SessionID    uuid.UUID  `json:"session_id"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Tier         string     `json:"tier"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	LatencyMS    int64      `json:"latency_ms"`
	FallbackUsed bool       `json:"fallback_used"`
}

// Config wires a Dispatcher. Users, Sessions, Usage, Policy, Providers and
// Breaker are required; the rest default sensibly.
type Config struct {
	Users     userstore.Store
	Sessions  session.Store
	Usage     usage.Store
	Policy    *policy.Engine
	Providers *provider.Registry
	Breaker   *breaker.Registry
	Hooks     *hooks.Dispatcher
	Metrics   *metrics.Collector

	MaxTokens   int
	Temperature float64
	CallTimeout time.Duration
}

// Dispatcher runs the per-request state machine. Safe for concurrent use;
// all mutable state lives in its collaborators.
type Dispatcher struct {
	users     userstore.Store
	sessions  session.Store
	usage     usage.Store
	policy    *policy.Engine
	providers *provider.Registry
	breaker   *breaker.Registry
	hooks     *hooks.Dispatcher
	metrics   *metrics.Collector
	logger    *log.Logger

	maxTokens   int
	temperature float64
	callTimeout time.Duration
}

// New creates a Dispatcher from cfg.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		users:       cfg.Users,
		sessions:    cfg.Sessions,
		usage:       cfg.Usage,
		policy:      cfg.Policy,
		providers:   cfg.Providers,
		breaker:     cfg.Breaker,
		hooks:       cfg.Hooks,
		metrics:     cfg.Metrics,
		logger:      log.New(log.Writer(), "[aggregator/dispatch] ", log.LstdFlags|log.Lmicroseconds),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		callTimeout: cfg.CallTimeout,
	}
	if d.maxTokens <= 0 {
		d.maxTokens = defaultMaxTokens
	}
	if d.temperature <= 0 {
		d.temperature = defaultTemperature
	}
	if d.callTimeout <= 0 {
		d.callTimeout = defaultCallTimeout
	}
	return d
}

// SetLogger overrides the default logger.
func (d *Dispatcher) SetLogger(l *log.Logger) {
	if l != nil {
		d.logger = l
	}
}

// Process runs one request through admission, routing, dispatch and
// settlement. A policy denial and an exhausted chain are distinct error
// kinds; a settlement failure is not an error because the generated text has
// already been paid for.
func (d *Dispatcher) Process(ctx context.Context, req Request) (Reply, error) {
	user, err := d.users.FindByID(ctx, req.UserID)
	if err != nil {
		return Reply{}, fmt.Errorf("load user %d: %w", req.UserID, err)
	}

	// Admission.
	decision, err := d.policy.CheckAccess(ctx, user, req.Provider)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = "auto"
	}
	advisory := ""
	if !decision.Allowed {
		// An exhausted smart allowance downgrades an auto or eco request
		// instead of denying it; explicit smart/deep requests surface the
		// denial. With no budget left even eco dispatch would spend past
		// the daily cap, so that denial stands.
		if decision.Code == policy.DenialSmartCredits && decision.BudgetRemaining > 0 && (mode == "auto" || mode == string(provider.TierEco)) {
			mode = string(provider.TierEco)
			advisory = ecoDowngradeNote
		} else {
			return Reply{}, &PolicyDeniedError{Reason: decision.DeniedReason, Suggestion: decision.Suggestion}
		}
	}

	sess, err := d.sessions.GetOrCreate(ctx, user.ID, req.SessionID, mode, req.Provider)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: session: %v", ErrPersistence, err)
	}
	history, err := d.sessions.History(ctx, sess.ID, session.HistoryLimit)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: history: %v", ErrPersistence, err)
	}
	messages := append(history, provider.Message{Role: "user", Content: req.Prompt})

	// Routing.
	tier := router.SelectTier(router.ClassifyDifficulty(req.Prompt), mode, user.Role, decision.BudgetRemaining)

	// Dispatch.
	chain := d.resolveChain(user, tier, req.Provider)
	result, attempts := d.tryChain(ctx, chain, messages, tier)
	if result == nil {
		return Reply{}, &AllFailedError{Attempts: attempts}
	}
	if result.FallbackUsed && d.metrics != nil {
		d.metrics.RecordFallback()
	}

	text := result.Text
	if advisory != "" {
		text = advisory + "\n\n" + text
	}
	reply := Reply{
		Text:         text,
		SessionID:    sess.ID,
		Provider:     result.Provider,
		Model:        result.Model,
		Tier:         string(tier),
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      result.CostUSD,
		LatencyMS:    result.LatencyMS,
		FallbackUsed: result.FallbackUsed,
	}

	// Settlement runs on a detached context so a caller disconnect cannot
	// lose the accounting for a reply that was already generated.
	d.settle(context.WithoutCancel(ctx), user, sess.ID, tier, *result)

	if err := d.sessions.AppendExchange(context.WithoutCancel(ctx), sess.ID, req.Prompt, result.Text); err != nil {
		d.logger.Printf("WARN append exchange session=%s: %v", sess.ID, err)
	}

	if d.metrics != nil {
		d.metrics.RecordTokenUsage(result.Model, int64(result.InputTokens), int64(result.OutputTokens))
		d.metrics.RecordCost(result.CostUSD)
	}
	return reply, nil
}

// resolveChain builds the ordered candidate list: the pinned provider alone,
// or the policy chain for the user and tier.
func (d *Dispatcher) resolveChain(user *userstore.User, tier provider.Tier, pinned string) []string {
	if pinned = strings.ToLower(strings.TrimSpace(pinned)); pinned != "" {
		return []string{pinned}
	}
	return d.policy.ProviderChain(user, tier)
}

// tryChain walks the chain strictly in order. Breaker-open candidates are
// skipped without counting as attempts against their failure totals. The
// winner is nil when the chain is exhausted.
func (d *Dispatcher) tryChain(ctx context.Context, chain []string, messages []provider.Message, tier provider.Tier) (*provider.Result, []Attempt) {
	var attempts []Attempt
	for i, name := range chain {
		if d.breaker.IsOpen(name) {
			attempts = append(attempts, Attempt{Provider: name, Reason: "circuit breaker open"})
			continue
		}
		p, ok := d.providers.Get(name)
		if !ok {
			attempts = append(attempts, Attempt{Provider: name, Reason: "not configured"})
			continue
		}

		// The call context is detached from the caller so a disconnect
		// does not abort a generation that will still be billed.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.callTimeout)
		start := time.Now()
		result, err := p.Generate(callCtx, messages, tier, d.maxTokens, d.temperature)
		cancel()
		if d.metrics != nil {
			d.metrics.RecordProviderCall(name, time.Since(start), err)
		}
		if err != nil {
			d.breaker.RecordFailure(name)
			d.logger.Printf("WARN provider %s failed: %v", name, err)
			attempts = append(attempts, Attempt{Provider: name, Reason: err.Error()})
			continue
		}
		d.breaker.RecordSuccess(name)
		result.FallbackUsed = i != 0
		return &result, attempts
	}
	return nil, attempts
}

// settle writes the ledger entry and increments the day counters. A failure
// here is escalated through hooks but never voids the reply.
func (d *Dispatcher) settle(ctx context.Context, user *userstore.User, sessionID uuid.UUID, tier provider.Tier, result provider.Result) {
	credits := 0
	if tier != provider.TierEco {
		credits = router.CreditsForTokens(result.InputTokens, result.OutputTokens)
	}

	entry := usage.Entry{
		ID:           uuid.New(),
		UserID:       user.ID,
		SessionID:    &sessionID,
		Provider:     result.Provider,
		Model:        result.Model,
		Tier:         string(tier),
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      result.CostUSD,
		LatencyMS:    result.LatencyMS,
		FallbackUsed: result.FallbackUsed,
		CreatedAt:    time.Now().UTC(),
	}

	var settleErr error
	if err := d.usage.Record(ctx, entry); err != nil {
		settleErr = fmt.Errorf("%w: ledger: %v", ErrPersistence, err)
	} else if err := d.policy.IncrementCounters(ctx, user, result.Provider, result.CostUSD, credits); err != nil {
		settleErr = fmt.Errorf("%w: counters: %v", ErrPersistence, err)
	}
	if settleErr == nil {
		return
	}

	d.logger.Printf("ERROR accounting failed user=%d provider=%s cost=%.6f: %v", user.ID, result.Provider, result.CostUSD, settleErr)
	if d.hooks != nil {
		err := d.hooks.Emit(ctx, hooks.Event{
			ID:         uuid.NewString(),
			Type:       hooks.EventAccountingFailed,
			OccurredAt: time.Now().UTC(),
			UserID:     user.ID,
			Provider:   result.Provider,
			Metadata: map[string]any{
				"cost_usd": result.CostUSD,
				"model":    result.Model,
				"error":    settleErr.Error(),
			},
		})
		if err != nil {
			d.logger.Printf("ERROR accounting escalation hook: %v", err)
		}
	}
}
