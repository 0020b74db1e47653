// Package apperrors defines the semantic error kinds of the execution core
package apperrors

import (
	"errors"
	"fmt"
)

// Standardized broker-side errors
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrExchangeMaintenance  = errors.New("exchange maintenance")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrTimeout              = errors.New("broker timeout")
)

// PretradeRejection is returned to the caller when the pre-trade gate blocks an
// order. The intent is marked REJECTED before this surfaces.
type PretradeRejection struct {
	Reason  string
	Details map[string]string
}

func (e *PretradeRejection) Error() string {
	return fmt.Sprintf("pretrade rejected: %s", e.Reason)
}

// GateThrottled is a pre-trade rejection caused by the risk governor. It carries
// the rates the decision was made on; retry later, not a bug.
type GateThrottled struct {
	Reason      string
	SuccessRate float64
	ErrorRate   float64
}

func (e *GateThrottled) Error() string {
	return fmt.Sprintf("pretrade throttled: %s (success=%.3f error=%.3f)", e.Reason, e.SuccessRate, e.ErrorRate)
}

// IntentScopeConflict is raised when a request id is reused for a different
// (account, venue, symbol, side). The stored intent wins; the new order is
// refused instead of silently returning the old one.
type IntentScopeConflict struct {
	IntentID string
	Existing string
	Got      string
}

func (e *IntentScopeConflict) Error() string {
	return fmt.Sprintf("intent %s already bound to scope %s, got %s", e.IntentID, e.Existing, e.Got)
}

// StateTransitionError indicates an illegal intent state move. Bug indicator.
type StateTransitionError struct {
	IntentID string
	From     string
	To       string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s for intent %s", e.From, e.To, e.IntentID)
}

// RouterError wraps a broker call failure inside a router operation.
type RouterError struct {
	Op    string
	Cause error
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("order router %s failed: %v", e.Op, e.Cause)
}

func (e *RouterError) Unwrap() error { return e.Cause }

// HoldActive is raised when a submit arrives while the supervisor is in HOLD.
type HoldActive struct {
	Reason string
}

func (e *HoldActive) Error() string {
	return fmt.Sprintf("safety hold active: %s", e.Reason)
}
