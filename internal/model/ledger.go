package model

import "time"

// LedgerCategory partitions ledger entries by subsystem.
type LedgerCategory string

const (
	LedgerCategoryRequest  LedgerCategory = "REQUEST"
	LedgerCategoryPayment  LedgerCategory = "PAYMENT"
	LedgerCategoryBalance  LedgerCategory = "BALANCE"
	LedgerCategorySystem   LedgerCategory = "SYSTEM"
	LedgerCategoryAutonomy LedgerCategory = "AUTONOMY"
)

// Ledger event tags. Free-form within a category but every writer in this
// repo uses one of these.
const (
	LedgerEventPaymentRequired         = "payment-required"
	LedgerEventDataFulfilled           = "data-fulfilled"
	LedgerEventRequestFailed           = "failed"
	LedgerEventPaymentConfirmed        = "confirmed"
	LedgerEventPaymentFailed           = "failed"
	LedgerEventPaymentOrphaned         = "orphaned"
	LedgerEventDuplicateReconciled     = "duplicate-reconciled"
	LedgerEventFacilitatorSubmitted    = "facilitator-submitted"
	LedgerEventFacilitatorSubmitFailed = "facilitator-submit-failed"
	LedgerEventFacilitatorCallback     = "facilitator-callback"
	LedgerEventFacilitatorCallbackDup  = "facilitator-callback-duplicate"
	LedgerEventBalanceSnapshot         = "balance-snapshot"
	LedgerEventPaymentsPaused          = "payments-paused"
	LedgerEventPaymentsResumed         = "payments-resumed"
	LedgerEventSessionIssued           = "session-issued"
	LedgerEventSessionRevoked          = "session-revoked"
	LedgerEventSessionRefreshed        = "session-refreshed"
	LedgerEventTaskSuccess             = "task-success"
	LedgerEventTaskFailure             = "task-failure"
	LedgerEventBootstrap               = "bootstrap"
)

// LedgerEntry is one immutable observability record. Correlation ids are
// optional; Metadata is an opaque structured blob the core never decodes.
type LedgerEntry struct {
	ID        string         `json:"id"`
	Category  LedgerCategory `json:"category"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	PaymentID string         `json:"payment_id,omitempty"`
	TxHash    string         `json:"tx_hash,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
