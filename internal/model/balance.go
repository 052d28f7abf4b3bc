package model

import "time"

// BalanceStatus classifies one sampled wallet balance.
type BalanceStatus string

const (
	BalanceStatusOK      BalanceStatus = "OK"
	BalanceStatusLow     BalanceStatus = "LOW"
	BalanceStatusError   BalanceStatus = "ERROR"
	BalanceStatusUnknown BalanceStatus = "UNKNOWN"
)

// BalanceSnapshot is one sampled wallet balance. Source records which path
// produced the sample: the periodic monitor poll, a post-payment read, or a
// seed injected by tests or tooling.
type BalanceSnapshot struct {
	ID        string        `json:"id"`
	Lamports  uint64        `json:"lamports"`
	Units     float64       `json:"units"`
	Status    BalanceStatus `json:"status"`
	Threshold float64       `json:"threshold"`
	Source    string        `json:"source"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// PauseReason enumerates why payments are gated off.
type PauseReason string

const (
	PauseReasonLowBalance PauseReason = "LOW_BALANCE"
	PauseReasonManual     PauseReason = "MANUAL"
)

// SystemState is the singleton payment gate. PauseReason is set iff
// PaymentsPaused; clearing the pause clears the reason.
type SystemState struct {
	PaymentsPaused bool        `json:"payments_paused"`
	PauseReason    PauseReason `json:"pause_reason,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
