package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndSummary(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sessionID := uuid.New()

	entries := []usage.Entry{
		{UserID: 1, SessionID: &sessionID, Provider: "gemini", Model: "gemini-2.0-flash", Tier: "eco", InputTokens: 100, OutputTokens: 50, CostUSD: 0.001, LatencyMS: 420},
		{UserID: 1, Provider: "deepseek", Model: "deepseek-reasoner", Tier: "smart", InputTokens: 200, OutputTokens: 300, CostUSD: 0.02, LatencyMS: 900, FallbackUsed: true},
		{UserID: 2, Provider: "gemini", Model: "gemini-2.0-flash", Tier: "eco", InputTokens: 10, OutputTokens: 5, CostUSD: 0.0001},
	}
	for i, e := range entries {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	summary, err := store.SummaryRange(ctx, 1, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("SummaryRange: %v", err)
	}
	if summary.Requests != 2 {
		t.Fatalf("Requests = %d, want 2", summary.Requests)
	}
	if summary.TotalInputTokens != 300 || summary.TotalOutputTokens != 350 {
		t.Fatalf("token totals = %d/%d", summary.TotalInputTokens, summary.TotalOutputTokens)
	}
	if got := summary.ByProvider["deepseek"].Requests; got != 1 {
		t.Fatalf("deepseek requests = %d, want 1", got)
	}

	empty, err := store.SummaryRange(ctx, 1, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryRange future: %v", err)
	}
	if empty.Requests != 0 {
		t.Fatalf("future window Requests = %d, want 0", empty.Requests)
	}
}

func TestRecordValidation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, usage.Entry{Provider: "gemini"}); err == nil {
		t.Fatal("expected error for missing user id")
	}
	if err := store.Record(ctx, usage.Entry{UserID: 1}); err == nil {
		t.Fatal("expected error for missing provider")
	}
	if err := store.Record(ctx, usage.Entry{UserID: 1, Provider: "gemini", CostUSD: -1}); err == nil {
		t.Fatal("expected error for negative cost")
	}
}

func TestCounterLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	day := usage.Day(time.Now())

	counter, err := store.CounterForDay(ctx, 1, day)
	if err != nil {
		t.Fatalf("CounterForDay: %v", err)
	}
	if counter != nil {
		t.Fatalf("fresh day counter = %+v, want nil", counter)
	}

	deltas := []usage.CounterDelta{
		{Provider: "gemini"},
		{Provider: "gemini", SmartCredits: 2, CostUSD: 0.01},
		{Provider: "grok", CostUSD: 0.05},
	}
	for i, d := range deltas {
		if err := store.IncrementCounter(ctx, 1, day, d); err != nil {
			t.Fatalf("IncrementCounter %d: %v", i, err)
		}
	}

	counter, err = store.CounterForDay(ctx, 1, day)
	if err != nil {
		t.Fatalf("CounterForDay: %v", err)
	}
	if counter == nil {
		t.Fatal("counter is nil after increments")
	}
	if counter.Calls("gemini") != 2 || counter.Calls("grok") != 1 {
		t.Fatalf("calls = %+v", counter.ProviderCalls)
	}
	if counter.SmartCreditsUsed != 2 {
		t.Fatalf("SmartCreditsUsed = %d, want 2", counter.SmartCreditsUsed)
	}
	if counter.TotalCostUSD < 0.059 || counter.TotalCostUSD > 0.061 {
		t.Fatalf("TotalCostUSD = %f", counter.TotalCostUSD)
	}

	other, err := store.CounterForDay(ctx, 2, day)
	if err != nil {
		t.Fatalf("CounterForDay other user: %v", err)
	}
	if other != nil {
		t.Fatalf("other user counter = %+v, want nil", other)
	}
}

func TestConcurrentIncrementsLoseNothing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	day := usage.Day(time.Now())

	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := store.IncrementCounter(ctx, 1, day, usage.CounterDelta{Provider: "gemini", SmartCredits: 1}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("IncrementCounter: %v", err)
	}

	counter, err := store.CounterForDay(ctx, 1, day)
	if err != nil {
		t.Fatalf("CounterForDay: %v", err)
	}
	want := workers * perWorker
	if counter.Calls("gemini") != want {
		t.Fatalf("calls = %d, want %d", counter.Calls("gemini"), want)
	}
	if counter.SmartCreditsUsed != want {
		t.Fatalf("SmartCreditsUsed = %d, want %d", counter.SmartCreditsUsed, want)
	}
}
