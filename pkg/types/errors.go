package types

import (
	"context"
	"errors"
	"fmt"
)

// ============================================================================
// Error taxonomy shared by every layer of the reveal pipeline
// ============================================================================

var (
	// ErrInvalidConfig indicates bad interval/queue/runner configuration. Fatal.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrOracleUnavailable indicates the oracle queue or program cannot be resolved.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrNetwork indicates a connection, timeout or DNS failure. Retryable.
	ErrNetwork = errors.New("network error")

	// State machine guards. Never retried.
	ErrAlreadyCommitted  = errors.New("already committed")
	ErrAlreadyRevealed   = errors.New("already revealed")
	ErrAlreadySettled    = errors.New("already settled")
	ErrNotOwner          = errors.New("caller is not the box owner")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDuplicateBox      = errors.New("box already exists")
	ErrBoxNotFound       = errors.New("box not found")

	// ErrRevealExhausted is matched by *RevealExhaustedError.
	ErrRevealExhausted = errors.New("reveal retries exhausted")

	// ErrTimeout indicates a wait for a revealed value ran out of time.
	ErrTimeout = errors.New("timed out waiting for value")

	// ErrNotReady indicates the randomness account has no revealed payload yet.
	ErrNotReady = errors.New("randomness not ready")

	// ErrNotFound indicates the randomness account does not exist.
	ErrNotFound = errors.New("account not found")

	// ErrExpired indicates the commit window elapsed before reveal.
	ErrExpired = errors.New("commit window expired")
)

// RevealExhaustedError carries the last underlying failure of a reveal that
// ran out of attempts.
type RevealExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RevealExhaustedError) Error() string {
	return fmt.Sprintf("reveal retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Is lets errors.Is(err, ErrRevealExhausted) match.
func (e *RevealExhaustedError) Is(target error) bool {
	return target == ErrRevealExhausted
}

func (e *RevealExhaustedError) Unwrap() error {
	return e.Last
}

// ErrorClass names the taxonomy bucket of err, used in reports and metrics.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrRevealExhausted):
		return "reveal_exhausted"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrAlreadyCommitted):
		return "already_committed"
	case errors.Is(err, ErrAlreadyRevealed):
		return "already_revealed"
	case errors.Is(err, ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBoxNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}
