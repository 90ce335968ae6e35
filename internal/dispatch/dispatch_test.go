package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/breaker"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/hooks"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/metrics"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/policy"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/session"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
)

type fakeUserStore struct {
	user *userstore.User
}

func (f *fakeUserStore) FindByID(ctx context.Context, id int64) (*userstore.User, error) {
	if f.user == nil || f.user.ID != id {
		return nil, userstore.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeUserStore) FindByTelegramID(ctx context.Context, tgID int64) (*userstore.User, error) {
	return nil, userstore.ErrNotFound
}

func (f *fakeUserStore) EnsureUser(ctx context.Context, tgID int64, role userstore.Role) (*userstore.User, error) {
	return f.user, nil
}

func (f *fakeUserStore) SetAuthorized(ctx context.Context, id int64, authorized bool) error {
	return nil
}

func (f *fakeUserStore) SetSubscription(ctx context.Context, id int64, tier userstore.SubscriptionTier, expiresAt *time.Time) error {
	return nil
}

func (f *fakeUserStore) Close() error { return nil }

type fakeSessionStore struct {
	session   *session.Session
	history   []provider.Message
	exchanges [][2]string
}

func (f *fakeSessionStore) GetOrCreate(ctx context.Context, userID int64, sessionID *uuid.UUID, mode, providerPref string) (*session.Session, error) {
	if f.session == nil {
		f.session = &session.Session{ID: uuid.New(), UserID: userID, Mode: mode}
	}
	return f.session, nil
}

func (f *fakeSessionStore) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]provider.Message, error) {
	return f.history, nil
}

func (f *fakeSessionStore) AppendExchange(ctx context.Context, sessionID uuid.UUID, prompt, reply string) error {
	f.exchanges = append(f.exchanges, [2]string{prompt, reply})
	return nil
}

func (f *fakeSessionStore) Close() error { return nil }

type fakeUsageStore struct {
	mu        sync.Mutex
	counter   *usage.DayCounter
	entries   []usage.Entry
	deltas    []usage.CounterDelta
	recordErr error
}

func (f *fakeUsageStore) Record(ctx context.Context, entry usage.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeUsageStore) IncrementCounter(ctx context.Context, userID int64, day string, delta usage.CounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, delta)
	return nil
}

func (f *fakeUsageStore) CounterForDay(ctx context.Context, userID int64, day string) (*usage.DayCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter, nil
}

func (f *fakeUsageStore) SummaryRange(ctx context.Context, userID int64, since time.Time) (usage.Summary, error) {
	return usage.Summary{}, nil
}

func (f *fakeUsageStore) Close() error { return nil }

type fakeProvider struct {
	name   string
	result provider.Result
	err    error
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, messages []provider.Message, tier provider.Tier, maxTokens int, temperature float64) (provider.Result, error) {
	f.calls++
	if f.err != nil {
		return provider.Result{}, f.err
	}
	r := f.result
	r.Provider = f.name
	return r, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) bool { return f.err == nil }

type harness struct {
	dispatcher *Dispatcher
	users      *fakeUserStore
	sessions   *fakeSessionStore
	usage      *fakeUsageStore
	providers  *provider.Registry
	breaker    *breaker.Registry
	hooks      *hooks.Dispatcher
}

func newHarness(t *testing.T, user *userstore.User, counter *usage.DayCounter, fakes ...*fakeProvider) *harness {
	t.Helper()

	users := &fakeUserStore{user: user}
	sessions := &fakeSessionStore{}
	usageStore := &fakeUsageStore{counter: counter}
	registry := provider.NewRegistry()
	for _, f := range fakes {
		if err := registry.Register(f); err != nil {
			t.Fatalf("register %s: %v", f.name, err)
		}
	}
	breakers := breaker.NewRegistry(breaker.Config{})
	hookBus := &hooks.Dispatcher{}

	d := New(Config{
		Users:     users,
		Sessions:  sessions,
		Usage:     usageStore,
		Policy:    policy.NewEngine(policy.Config{Usage: usageStore}),
		Providers: registry,
		Breaker:   breakers,
		Hooks:     hookBus,
		Metrics:   metrics.NewCollector(),
	})
	d.SetLogger(log.New(io.Discard, "", 0))

	return &harness{dispatcher: d, users: users, sessions: sessions, usage: usageStore, providers: registry, breaker: breakers, hooks: hookBus}
}

func demoUser() *userstore.User {
	return &userstore.User{ID: 1, Role: userstore.RoleDemo, Authorized: true, SubscriptionTier: userstore.TierFree}
}

func TestPolicyDenialCallsNoAdapter(t *testing.T) {
	user := demoUser()
	user.Authorized = false
	gemini := &fakeProvider{name: "gemini", result: provider.Result{Text: "hello"}}
	h := newHarness(t, user, nil, gemini)

	_, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hi"})
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("expected ErrPolicyDenied, got %v", err)
	}
	if gemini.calls != 0 {
		t.Fatalf("adapter called %d times after denial", gemini.calls)
	}
	if len(h.usage.entries) != 0 {
		t.Fatalf("ledger written after denial")
	}
}

func TestForbiddenProviderDenied(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", result: provider.Result{Text: "hello"}}
	h := newHarness(t, demoUser(), nil, gemini)

	_, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hi", Provider: "anthropic"})
	var denied *PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PolicyDeniedError, got %v", err)
	}
	if denied.Suggestion == "" {
		t.Fatal("denial should carry a remedy")
	}
	if gemini.calls != 0 {
		t.Fatal("adapter called for a forbidden provider")
	}
}

func TestFallbackToSecondCandidate(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", err: errors.New("boom")}
	groq := &fakeProvider{name: "groq", result: provider.Result{Text: "answer", Model: "llama-3.3-70b-versatile"}}
	openrouter := &fakeProvider{name: "openrouter", result: provider.Result{Text: "other"}}
	h := newHarness(t, demoUser(), nil, gemini, groq, openrouter)

	// Trip gemini's breaker so it is skipped without being called.
	for i := 0; i < 3; i++ {
		h.breaker.RecordFailure("gemini")
	}

	reply, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hello there"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply.Provider != "groq" {
		t.Fatalf("provider = %q, want groq", reply.Provider)
	}
	if !reply.FallbackUsed {
		t.Fatal("fallbackUsed should be true for a non-primary winner")
	}
	if gemini.calls != 0 {
		t.Fatal("breaker-open candidate must be skipped, not called")
	}
	for _, st := range h.breaker.Snapshot() {
		if st.Provider == "gemini" && st.Failures != 3 {
			t.Fatalf("skipping must not change gemini failures, got %d", st.Failures)
		}
	}
	if len(h.usage.entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(h.usage.entries))
	}
	if len(h.usage.deltas) != 1 {
		t.Fatalf("counter increments = %d, want 1", len(h.usage.deltas))
	}
}

func TestPrimaryWinnerIsNotFallback(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", result: provider.Result{Text: "answer", Model: "gemini-2.5-flash"}}
	h := newHarness(t, demoUser(), nil, gemini)

	reply, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hello there"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply.FallbackUsed {
		t.Fatal("first-candidate win must not set fallbackUsed")
	}
}

func TestAllProvidersFailed(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", err: errors.New("upstream 500")}
	groq := &fakeProvider{name: "groq", err: errors.New("timeout")}
	openrouter := &fakeProvider{name: "openrouter", err: errors.New("quota")}
	h := newHarness(t, demoUser(), nil, gemini, groq, openrouter)

	_, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hello there"})
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	var allFailed *AllFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllFailedError, got %T", err)
	}
	if len(allFailed.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(allFailed.Attempts))
	}
	for _, want := range []string{"upstream 500", "timeout", "quota"} {
		if !strings.Contains(allFailed.Error(), want) {
			t.Fatalf("aggregate error %q missing %q", allFailed.Error(), want)
		}
	}
	if len(h.usage.entries) != 0 {
		t.Fatal("no ledger entry may be written for a failed chain")
	}
}

func TestSmartCreditExhaustionDowngradesAutoToEco(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", result: provider.Result{
		Text: "answer", Model: "gemini-2.5-flash-lite", InputTokens: 100, OutputTokens: 100,
	}}
	counter := &usage.DayCounter{UserID: 1, SmartCreditsUsed: 20}
	h := newHarness(t, demoUser(), counter, gemini)

	reply, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hello there", Mode: "auto"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply.Tier != string(provider.TierEco) {
		t.Fatalf("tier = %q, want eco after downgrade", reply.Tier)
	}
	if !strings.HasPrefix(reply.Text, "⚠️") {
		t.Fatalf("downgraded reply must carry the advisory note, got %q", reply.Text)
	}
	if len(h.usage.deltas) != 1 {
		t.Fatalf("counter increments = %d, want 1", len(h.usage.deltas))
	}
	if h.usage.deltas[0].SmartCredits != 0 {
		t.Fatalf("eco tier must cost 0 credits, got %d", h.usage.deltas[0].SmartCredits)
	}
}

func TestSmartCreditExhaustionWithSpentBudgetDenies(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", result: provider.Result{Text: "answer"}}
	counter := &usage.DayCounter{UserID: 1, SmartCreditsUsed: 20, TotalCostUSD: 5.0}
	h := newHarness(t, demoUser(), counter, gemini)

	_, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hello there", Mode: "auto"})
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("expected ErrPolicyDenied when the spend cap is gone too, got %v", err)
	}
	if gemini.calls != 0 {
		t.Fatalf("no adapter call may happen past the spend cap, got %d", gemini.calls)
	}
}

func TestSmartCreditExhaustionDeniesExplicitSmart(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", result: provider.Result{Text: "answer"}}
	counter := &usage.DayCounter{UserID: 1, SmartCreditsUsed: 20}
	h := newHarness(t, demoUser(), counter, gemini)

	_, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hello there", Mode: "smart"})
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("expected ErrPolicyDenied, got %v", err)
	}
}

func TestSmartTierChargesCredits(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", result: provider.Result{
		Text: "answer", Model: "gemini-2.5-flash", InputTokens: 1000, OutputTokens: 800,
	}}
	h := newHarness(t, demoUser(), nil, gemini)

	_, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hello there", Mode: "smart"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(h.usage.deltas) != 1 {
		t.Fatalf("counter increments = %d, want 1", len(h.usage.deltas))
	}
	if h.usage.deltas[0].SmartCredits != 2 {
		t.Fatalf("1800 tokens should cost 2 credits, got %d", h.usage.deltas[0].SmartCredits)
	}
}

func TestPinnedProviderBypassesChain(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", result: provider.Result{Text: "from gemini"}}
	groq := &fakeProvider{name: "groq", result: provider.Result{Text: "from groq"}}
	h := newHarness(t, demoUser(), nil, gemini, groq)

	reply, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hi", Provider: "groq"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply.Provider != "groq" {
		t.Fatalf("provider = %q, want groq", reply.Provider)
	}
	if reply.FallbackUsed {
		t.Fatal("pinned provider is the chain head, never a fallback")
	}
	if gemini.calls != 0 {
		t.Fatal("pinned dispatch must not touch other providers")
	}
}

func TestAccountingFailureStillReturnsReply(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", result: provider.Result{Text: "answer", CostUSD: 0.01}}
	h := newHarness(t, demoUser(), nil, gemini)
	h.usage.recordErr = errors.New("disk full")

	var escalated []hooks.Event
	h.hooks.Register(func(ctx context.Context, evt hooks.Event) error {
		escalated = append(escalated, evt)
		return nil
	})

	reply, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "hi"})
	if err != nil {
		t.Fatalf("a settlement failure must not void the reply, got %v", err)
	}
	if reply.Text != "answer" {
		t.Fatalf("reply text = %q", reply.Text)
	}
	if len(escalated) != 1 || escalated[0].Type != hooks.EventAccountingFailed {
		t.Fatalf("expected one accounting escalation, got %+v", escalated)
	}
}

func TestSessionHistoryIsForwarded(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", result: provider.Result{Text: "answer"}}
	h := newHarness(t, demoUser(), nil, gemini)
	h.sessions.history = []provider.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}

	if _, err := h.dispatcher.Process(context.Background(), Request{UserID: 1, Prompt: "follow-up"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(h.sessions.exchanges) != 1 {
		t.Fatalf("exchanges = %d, want 1", len(h.sessions.exchanges))
	}
	if h.sessions.exchanges[0] != [2]string{"follow-up", "answer"} {
		t.Fatalf("unexpected exchange %v", h.sessions.exchanges[0])
	}
}
