package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/dispatch"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/health"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/metrics"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
)

type chatRequest struct {
	UserID    int64  `json:"user_id"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// handleChat handles POST /v1/chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == 0 {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	var sessionID *uuid.UUID
	if req.SessionID != "" {
		parsed, err := uuid.Parse(req.SessionID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid session_id")
			return
		}
		sessionID = &parsed
	}

	reply, err := s.dispatcher.Process(r.Context(), dispatch.Request{
		UserID:    req.UserID,
		SessionID: sessionID,
		Prompt:    req.Prompt,
		Mode:      req.Mode,
		Provider:  req.Provider,
	})
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// writeDispatchError maps the dispatcher's error kinds onto HTTP statuses.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var denied *dispatch.PolicyDeniedError
	if errors.As(err, &denied) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":      denied.Reason,
			"suggestion": denied.Suggestion,
		})
		return
	}
	var allFailed *dispatch.AllFailedError
	if errors.As(err, &allFailed) {
		attempts := make([]map[string]string, 0, len(allFailed.Attempts))
		for _, a := range allFailed.Attempts {
			attempts = append(attempts, map[string]string{"provider": a.Provider, "reason": a.Reason})
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    "all providers failed, retry later",
			"attempts": attempts,
		})
		return
	}
	if errors.Is(err, userstore.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown user")
		return
	}
	s.logger.Printf("ERROR chat dispatch: %v", err)
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

// handleUsageSummary handles GET /v1/usage/summary?user_id=&days=.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = parsed
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	summary, err := s.usage.SummaryRange(r.Context(), userID, since)
	if err != nil {
		s.logger.Printf("ERROR usage summary user=%d: %v", userID, err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleLimits handles GET /v1/limits?user_id=.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	user, err := s.users.FindByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "unknown user")
			return
		}
		s.logger.Printf("ERROR load user %d: %v", userID, err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	remaining, err := s.policy.RemainingLimits(r.Context(), user)
	if err != nil {
		s.logger.Printf("ERROR limits user=%d: %v", userID, err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, remaining)
}

// handleHealthz is the liveness probe; it reports the last known state
// without touching any dependency.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status := s.health.GetLastStatus()
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleReadyz runs the full dependency check.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleMetrics serves the Prometheus exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

func queryUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid user_id")
		return 0, false
	}
	return id, true
}
