package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/dispatch"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/metrics"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/policy"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
)

type stubDispatcher struct {
	reply   dispatch.Reply
	err     error
	lastReq dispatch.Request
}

func (d *stubDispatcher) Process(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
	d.lastReq = req
	return d.reply, d.err
}

type stubUsers struct {
	users map[int64]*userstore.User
}

func (s *stubUsers) FindByID(ctx context.Context, id int64) (*userstore.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, userstore.ErrNotFound
	}
	return u, nil
}

func (s *stubUsers) FindByTelegramID(ctx context.Context, telegramID int64) (*userstore.User, error) {
	return nil, userstore.ErrNotFound
}

func (s *stubUsers) EnsureUser(ctx context.Context, telegramID int64, role userstore.Role) (*userstore.User, error) {
	return nil, userstore.ErrNotFound
}

func (s *stubUsers) SetAuthorized(ctx context.Context, id int64, authorized bool) error { return nil }

func (s *stubUsers) SetSubscription(ctx context.Context, id int64, tier userstore.SubscriptionTier, expiresAt *time.Time) error {
	return nil
}

func (s *stubUsers) Close() error { return nil }

type stubUsage struct {
	summary usage.Summary
	err     error
}

func (s *stubUsage) Record(ctx context.Context, entry usage.Entry) error { return nil }

func (s *stubUsage) IncrementCounter(ctx context.Context, userID int64, day string, delta usage.CounterDelta) error {
	return nil
}

func (s *stubUsage) CounterForDay(ctx context.Context, userID int64, day string) (*usage.DayCounter, error) {
	return nil, nil
}

func (s *stubUsage) SummaryRange(ctx context.Context, userID int64, since time.Time) (usage.Summary, error) {
	return s.summary, s.err
}

func (s *stubUsage) Close() error { return nil }

type stubPolicy struct {
	remaining policy.Remaining
	err       error
}

func (s *stubPolicy) RemainingLimits(ctx context.Context, user *userstore.User) (policy.Remaining, error) {
	return s.remaining, s.err
}

func newTestServer(d *stubDispatcher) (*Server, *stubUsers) {
	users := &stubUsers{users: map[int64]*userstore.User{
		42: {ID: 42, Role: userstore.RoleDemo, Authorized: true},
	}}
	srv := New(Config{
		Dispatcher: d,
		Users:      users,
		Usage:      &stubUsage{},
		Policy:     &stubPolicy{},
		Metrics:    metrics.NewCollector(),
	})
	srv.SetLogger("info", log.New(io.Discard, "", 0))
	return srv, users
}

func postChat(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatSuccess(t *testing.T) {
	d := &stubDispatcher{reply: dispatch.Reply{Text: "hello", Provider: "gemini", Tier: "eco"}}
	srv, _ := newTestServer(d)

	rec := postChat(t, srv.Router(), `{"user_id":42,"prompt":"hi","mode":"auto"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var reply dispatch.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Text != "hello" || reply.Provider != "gemini" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if d.lastReq.UserID != 42 || d.lastReq.Prompt != "hi" || d.lastReq.Mode != "auto" {
		t.Fatalf("dispatcher saw %+v", d.lastReq)
	}
}

func TestChatValidation(t *testing.T) {
	srv, _ := newTestServer(&stubDispatcher{})
	router := srv.Router()

	cases := []struct {
		name string
		body string
	}{
		{"missing user", `{"prompt":"hi"}`},
		{"missing prompt", `{"user_id":42}`},
		{"bad session id", `{"user_id":42,"prompt":"hi","session_id":"nope"}`},
		{"broken json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postChat(t, router, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestChatPolicyDenied(t *testing.T) {
	d := &stubDispatcher{err: &dispatch.PolicyDeniedError{
		Reason:     "grok daily limit reached",
		Suggestion: "upgrade to starter",
	}}
	srv, _ := newTestServer(d)

	rec := postChat(t, srv.Router(), `{"user_id":42,"prompt":"hi","provider":"grok"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "grok daily limit reached" || body["suggestion"] != "upgrade to starter" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestChatAllProvidersFailed(t *testing.T) {
	d := &stubDispatcher{err: &dispatch.AllFailedError{Attempts: []dispatch.Attempt{
		{Provider: "gemini", Reason: "circuit breaker open"},
		{Provider: "groq", Reason: "upstream status 500"},
	}}}
	srv, _ := newTestServer(d)

	rec := postChat(t, srv.Router(), `{"user_id":42,"prompt":"hi"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gemini") || !strings.Contains(rec.Body.String(), "upstream status 500") {
		t.Fatalf("attempts missing from body: %s", rec.Body.String())
	}
}

func TestChatUnknownUser(t *testing.T) {
	d := &stubDispatcher{err: userstore.ErrNotFound}
	srv, _ := newTestServer(d)

	rec := postChat(t, srv.Router(), `{"user_id":999,"prompt":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUsageSummary(t *testing.T) {
	srv, _ := newTestServer(&stubDispatcher{})
	srv.usage = &stubUsage{summary: usage.Summary{
		Requests:     3,
		TotalCostUSD: 0.42,
		ByProvider: map[string]usage.ProviderSummary{
			"gemini": {Requests: 3, CostUSD: 0.42},
		},
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/summary?user_id=42&days=30", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var summary usage.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Requests != 3 || summary.ByProvider["gemini"].Requests != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestUsageSummaryValidation(t *testing.T) {
	srv, _ := newTestServer(&stubDispatcher{})
	router := srv.Router()

	for _, target := range []string{
		"/v1/usage/summary",
		"/v1/usage/summary?user_id=abc",
		"/v1/usage/summary?user_id=42&days=-1",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestLimits(t *testing.T) {
	srv, _ := newTestServer(&stubDispatcher{})
	srv.policy = &stubPolicy{remaining: policy.Remaining{
		ProviderCallsRemaining: map[string]int{"grok": 3},
		SmartCreditsRemaining:  13,
		BudgetRemaining:        4.5,
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/limits?user_id=42", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var remaining policy.Remaining
	if err := json.Unmarshal(rec.Body.Bytes(), &remaining); err != nil {
		t.Fatalf("decode remaining: %v", err)
	}
	if remaining.SmartCreditsRemaining != 13 || remaining.ProviderCallsRemaining["grok"] != 3 {
		t.Fatalf("unexpected remaining %+v", remaining)
	}
}

func TestLimitsUnknownUser(t *testing.T) {
	srv, _ := newTestServer(&stubDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/v1/limits?user_id=7", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthzWithoutChecker(t *testing.T) {
	srv, _ := newTestServer(&stubDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(&stubDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "aggregator_requests_total") {
		t.Fatalf("missing exposition content: %s", rec.Body.String())
	}
}
