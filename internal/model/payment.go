package model

import "time"

// PaymentStatus represents the settlement state of a payment attempt.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusConfirmed PaymentStatus = "CONFIRMED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// Payment is one attempt to satisfy a PremiumRequest. TxHash is unique
// across all payments; a synthetic "failed-" prefixed hash is recorded when
// a payment dies before chain submission.
type Payment struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id"`
	TxHash      string        `json:"tx_hash"`
	Amount      Amount        `json:"amount"`
	Currency    string        `json:"currency"`
	Status      PaymentStatus `json:"status"`
	FailureCode string        `json:"failure_code,omitempty"`
	ConfirmedAt *time.Time    `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`

	// Version guards concurrent status updates; the store rejects writes
	// carrying a stale version.
	Version int64 `json:"-"`
}

// Synthetic reports whether the tx hash was generated locally rather than
// returned by the chain.
func (p Payment) Synthetic() bool {
	return len(p.TxHash) > 7 && p.TxHash[:7] == "failed-"
}
