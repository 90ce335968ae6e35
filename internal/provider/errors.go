package provider

import (
	"errors"
	"fmt"
)

// ErrCallFailed is the single failure kind adapters surface. Callers match it
// with errors.Is; the underlying cause (timeout, bad status, malformed body)
// stays inside the adapter.
var ErrCallFailed = errors.New("provider call failed")

// CallError carries the provider name and a human-readable reason for one
// failed adapter attempt.
type CallError struct {
	Provider string
	Reason   string
	cause    error
}

// NewCallError wraps cause into the unified adapter failure kind.
func NewCallError(providerName, reason string, cause error) *CallError {
	return &CallError{Provider: providerName, Reason: reason, cause: cause}
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func (e *CallError) Unwrap() error { return e.cause }

// Is makes errors.Is(err, ErrCallFailed) succeed for every CallError.
func (e *CallError) Is(target error) bool { return target == ErrCallFailed }
