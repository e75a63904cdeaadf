package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrIncompleteGroup = errors.New("hedge group is missing a leg")
	ErrKillSwitch      = errors.New("kill switch is active")
	ErrNotRunning      = errors.New("automation is not running")
	ErrAlreadyRunning  = errors.New("automation is already running")
	ErrNoStrategies    = errors.New("no strategies registered")
)

// ValidationError marks bad input. Never retried, surfaced immediately.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError is returned when a wallet balance cannot cover an
// order, including the 1% fee buffer.
type InsufficientFundsError struct {
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %.6f, available %.6f", e.Required, e.Available)
}

// SlippageError is returned when the live price has moved past the order's
// slippage tolerance relative to its reference price.
type SlippageError struct {
	Expected float64
	Actual   float64
	Pct      float64
	Max      float64
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("slippage %.4f exceeds max %.4f (expected %.6f, actual %.6f)",
		e.Pct, e.Max, e.Expected, e.Actual)
}

// RateLimitError is returned by the venue when requests are throttled.
// RetryAfter, when positive, overrides the executor's backoff schedule.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// NetworkError wraps a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TransactionTimeoutError is returned when confirmation polling gives up.
type TransactionTimeoutError struct {
	Signature string
	Waited    time.Duration
}

func (e *TransactionTimeoutError) Error() string {
	return fmt.Sprintf("transaction %s not confirmed after %s", e.Signature, e.Waited)
}

// TransactionConfirmationError is returned when the venue reports that a
// submitted transaction failed on-chain. Distinct from a timeout.
type TransactionConfirmationError struct {
	Signature string
	Reason    string
}

func (e *TransactionConfirmationError) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Signature, e.Reason)
}

// AtomicExecutionError reports a hedge pair that did not complete as a unit.
// It carries the signatures of legs that filled and the names of legs that
// did not, so the resulting exposure can be reconciled externally. Terminal;
// no automatic reversal is attempted.
type AtomicExecutionError struct {
	Successful []string
	Failed     []string
	Reason     string
}

func (e *AtomicExecutionError) Error() string {
	return fmt.Sprintf("atomic execution failed: %s (filled %v, failed %v)",
		e.Reason, e.Successful, e.Failed)
}

// RiskLimitError is returned when a risk check rejects an action.
type RiskLimitError struct {
	LimitType string
	Limit     float64
	Current   float64
}

func (e *RiskLimitError) Error() string {
	return fmt.Sprintf("risk limit %s exceeded: %.4f against limit %.4f",
		e.LimitType, e.Current, e.Limit)
}

// Retryable reports whether an error is transient and worth retrying with
// backoff. Everything else propagates to the caller unchanged.
func Retryable(err error) bool {
	var (
		netErr     *NetworkError
		rateErr    *RateLimitError
		timeoutErr *TransactionTimeoutError
	)
	return errors.As(err, &netErr) || errors.As(err, &rateErr) || errors.As(err, &timeoutErr)
}
