package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrPolicyDenied marks an admission failure. The user can retry after
	// satisfying the remedy carried by the concrete error.
	ErrPolicyDenied = errors.New("request denied by policy")
	// ErrAllProvidersFailed marks a fallback chain exhausted without a
	// single successful generation.
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrPersistence marks a failed ledger, counter, or session write.
	ErrPersistence = errors.New("persistence failure")
)

// PolicyDeniedError carries the denial reason and the remedy shown to the
// user.
type PolicyDeniedError struct {
	Reason     string
	Suggestion string
}

func (e *PolicyDeniedError) Error() string {
	if e.Suggestion == "" {
		return e.Reason
	}
	return e.Reason + " (" + e.Suggestion + ")"
}

func (e *PolicyDeniedError) Is(target error) bool { return target == ErrPolicyDenied }

// Attempt records why one chain candidate did not produce a reply.
type Attempt struct {
	Provider string
	Reason   string
}

// AllFailedError aggregates every attempted candidate's failure reason. A
// single candidate failure is never surfaced on its own.
type AllFailedError struct {
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Reason))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *AllFailedError) Is(target error) bool { return target == ErrAllProvidersFailed }
