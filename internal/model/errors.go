package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// Sentinel errors for the classified failures that carry no payload.
var (
	// ErrRequestNotFound means the referenced premium request does not exist.
	ErrRequestNotFound = eris.New("premium request not found")

	// ErrSignerUnavailable means no custodial signer key is configured.
	ErrSignerUnavailable = eris.New("custodial signer unavailable")

	// ErrChainTimeout means the confirmation deadline elapsed before the
	// chain reached the configured commitment. A later facilitator callback
	// may still reconcile the payment to CONFIRMED.
	ErrChainTimeout = eris.New("chain confirmation timed out")

	// ErrDuplicatePayment means the tx hash uniqueness constraint tripped.
	ErrDuplicatePayment = eris.New("payment with this tx hash already recorded")

	// ErrFacilitatorSignature means an inbound callback failed HMAC checks.
	ErrFacilitatorSignature = eris.New("facilitator signature invalid")

	// ErrSessionNotRefreshable means refresh was attempted on a capability
	// whose state forbids reactivation.
	ErrSessionNotRefreshable = eris.New("session not refreshable")
)

// PaymentsPausedError is returned when the payment gate is closed.
type PaymentsPausedError struct {
	Reason    PauseReason
	Balance   float64
	Threshold float64
}

func (e *PaymentsPausedError) Error() string {
	return fmt.Sprintf("payments paused: %s (balance %.9f, threshold %.9f)", e.Reason, e.Balance, e.Threshold)
}

// SessionInvalidError is returned when a supplied session id does not
// resolve to an ACTIVE capability.
type SessionInvalidError struct {
	SessionID string
	Reason    string
}

func (e *SessionInvalidError) Error() string {
	return fmt.Sprintf("session %s invalid: %s", e.SessionID, e.Reason)
}

// ChainRejectedError is a hard RPC rejection with the chain's error code.
type ChainRejectedError struct {
	Code string
	Err  error
}

func (e *ChainRejectedError) Error() string {
	return fmt.Sprintf("chain rejected transaction (%s): %v", e.Code, e.Err)
}

func (e *ChainRejectedError) Unwrap() error { return e.Err }

// TransientStoreError marks a repository conflict that is safe to retry,
// such as an optimistic version mismatch.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store conflict in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }
