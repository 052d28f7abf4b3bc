// Package model defines the payment agent's domain entities and classified errors.
package model

import "time"

// RequestStatus represents the lifecycle state of a premium request.
type RequestStatus string

const (
	RequestStatusPaymentRequired RequestStatus = "PAYMENT_REQUIRED"
	RequestStatusPaid            RequestStatus = "PAID"
	RequestStatusFulfilled       RequestStatus = "FULFILLED"
	RequestStatusFailed          RequestStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusFulfilled || s == RequestStatusFailed
}

// CanTransition reports whether the monotone lifecycle permits s → to.
// PAYMENT_REQUIRED → PAID → FULFILLED, with FAILED reachable from any
// non-terminal state.
func (s RequestStatus) CanTransition(to RequestStatus) bool {
	if s.Terminal() {
		return false
	}
	switch to {
	case RequestStatusPaid:
		return s == RequestStatusPaymentRequired
	case RequestStatusFulfilled:
		return s == RequestStatusPaid
	case RequestStatusFailed:
		return true
	default:
		return false
	}
}

// PremiumRequest represents one client intent to consume a premium endpoint.
type PremiumRequest struct {
	ID             string         `json:"id"`
	Endpoint       string         `json:"endpoint"`
	Status         RequestStatus  `json:"status"`
	Amount         Amount         `json:"amount"`
	Currency       string         `json:"currency"`
	FacilitatorURL string         `json:"facilitator_url"`
	PaymentHash    string         `json:"payment_hash,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
