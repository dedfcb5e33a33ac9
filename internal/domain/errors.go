package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match with errors.Is; messages are wrapped with
// the offending identifiers at the point of failure.
var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrProviderError       = errors.New("provider error")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrUnknownPricing      = errors.New("unknown pricing")

	ErrNotFound              = errors.New("not found")
	ErrStatusConflict        = errors.New("status changed concurrently")
	ErrAgentUnavailable      = errors.New("agent unavailable")
	ErrExperimentNotActive   = errors.New("experiment not active")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidScope          = errors.New("scope requires a team")
	ErrIdempotencyInProgress = errors.New("request with this idempotency key is in progress")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From ExperimentStatus
	To   ExperimentStatus
}

func (e *TransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("invalid transition: %s is terminal, cannot move to %s", e.From, e.To)
	}
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
