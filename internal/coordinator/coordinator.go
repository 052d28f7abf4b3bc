// Package coordinator owns the premium request lifecycle: creating requests
// against the endpoint catalog, advancing them through PAYMENT_REQUIRED →
// PAID → FULFILLED, and reconciling facilitator callbacks.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/bus"
	"github.com/x402-labs/agentpay/internal/executor"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/resilience"
	"github.com/x402-labs/agentpay/internal/store"
)

// ErrUnknownEndpoint is returned for endpoints outside the catalog.
var ErrUnknownEndpoint = eris.New("unknown premium endpoint")

// ErrUnknownCallbackStatus is returned for callback statuses other than
// confirmed/rejected.
var ErrUnknownCallbackStatus = eris.New("unknown facilitator callback status")

// reconcileRetries and reconcileDelay bound optimistic-conflict retries on
// callback reconciliation.
const (
	reconcileRetries = 3
	reconcileDelay   = 150 * time.Millisecond
)

// PaymentInstructions carries the x402 payment terms for a request.
type PaymentInstructions struct {
	Amount         model.Amount `json:"amount"`
	Currency       string       `json:"currency"`
	FacilitatorURL string       `json:"facilitatorUrl"`
}

// Decision is the outcome of RequestOrAdvance.
type Decision struct {
	Status       model.RequestStatus  `json:"status"`
	RequestID    string               `json:"requestId"`
	Data         map[string]any       `json:"data,omitempty"`
	Instructions *PaymentInstructions `json:"instructions,omitempty"`
}

// Coordinator drives the request state machine.
type Coordinator struct {
	store          store.Store
	ledger         *ledger.Ledger
	bus            *bus.Bus
	facilitatorURL string

	nowFunc func() time.Time
	log     *zap.Logger
}

// New creates a Coordinator. facilitatorURL seeds the payment instructions
// of newly created requests.
func New(st store.Store, led *ledger.Ledger, b *bus.Bus, facilitatorURL string) *Coordinator {
	return &Coordinator{
		store:          st,
		ledger:         led,
		bus:            b,
		facilitatorURL: facilitatorURL,
		nowFunc:        time.Now,
		log:            zap.L().With(zap.String("component", "coordinator")),
	}
}

// RequestOrAdvance loads (or creates) the request for an endpoint and
// advances it as far as its current state allows. The returned Decision is
// what the caller surfaces: FULFILLED data, PAYMENT_REQUIRED instructions,
// or FAILED.
func (c *Coordinator) RequestOrAdvance(ctx context.Context, endpoint, existingID string) (*Decision, error) {
	var req *model.PremiumRequest
	var err error

	if existingID != "" {
		req, err = c.store.GetRequest(ctx, existingID)
		if err != nil {
			return nil, err
		}
	} else {
		req, err = c.createRequest(ctx, endpoint)
		if err != nil {
			return nil, err
		}
	}

	switch req.Status {
	case model.RequestStatusFulfilled:
		return &Decision{Status: model.RequestStatusFulfilled, RequestID: req.ID, Data: req.Data}, nil

	case model.RequestStatusPaid:
		return c.fulfil(ctx, req)

	case model.RequestStatusPaymentRequired:
		return &Decision{
			Status:    model.RequestStatusPaymentRequired,
			RequestID: req.ID,
			Instructions: &PaymentInstructions{
				Amount:         req.Amount,
				Currency:       req.Currency,
				FacilitatorURL: req.FacilitatorURL,
			},
		}, nil

	default:
		return &Decision{Status: model.RequestStatusFailed, RequestID: req.ID}, nil
	}
}

func (c *Coordinator) createRequest(ctx context.Context, endpoint string) (*model.PremiumRequest, error) {
	offering, ok := model.OfferingFor(endpoint)
	if !ok {
		return nil, ErrUnknownEndpoint
	}

	now := c.nowFunc().UTC()
	req := &model.PremiumRequest{
		ID:             uuid.New().String(),
		Endpoint:       endpoint,
		Status:         model.RequestStatusPaymentRequired,
		Amount:         offering.Amount,
		Currency:       offering.Currency,
		FacilitatorURL: c.facilitatorURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreateRequest(ctx, req); err != nil {
		return nil, eris.Wrap(err, "coordinator: create request")
	}

	// Only first creation announces the payment terms.
	c.ledger.MustAppend(ctx, ledger.Entry{
		Category:  model.LedgerCategoryRequest,
		Event:     model.LedgerEventPaymentRequired,
		RequestID: req.ID,
		Metadata: map[string]any{
			"endpoint": endpoint,
			"amount":   req.Amount.String(),
			"currency": req.Currency,
		},
	})
	return req, nil
}

// fulfil moves a PAID request to FULFILLED with the canonical payload for
// its endpoint. The payload is deterministic per endpoint tag; the
// coordinator never fabricates client-specific data.
func (c *Coordinator) fulfil(ctx context.Context, req *model.PremiumRequest) (*Decision, error) {
	req.Status = model.RequestStatusFulfilled
	req.Data = model.FulfilledPayload(req.Endpoint)
	req.UpdatedAt = c.nowFunc().UTC()
	if err := c.store.UpdateRequest(ctx, req); err != nil {
		return nil, eris.Wrap(err, "coordinator: fulfil request")
	}

	c.ledger.MustAppend(ctx, ledger.Entry{
		Category:  model.LedgerCategoryRequest,
		Event:     model.LedgerEventDataFulfilled,
		RequestID: req.ID,
		TxHash:    req.PaymentHash,
		Metadata:  map[string]any{"endpoint": req.Endpoint},
	})
	return &Decision{Status: model.RequestStatusFulfilled, RequestID: req.ID, Data: req.Data}, nil
}

// Fail marks a request FAILED (from any non-terminal state) and records the
// transition.
func (c *Coordinator) Fail(ctx context.Context, requestID, reason string) error {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !req.Status.CanTransition(model.RequestStatusFailed) {
		return nil
	}
	req.Status = model.RequestStatusFailed
	req.UpdatedAt = c.nowFunc().UTC()
	if err := c.store.UpdateRequest(ctx, req); err != nil {
		return eris.Wrap(err, "coordinator: fail request")
	}
	c.ledger.MustAppend(ctx, ledger.Entry{
		Category:  model.LedgerCategoryRequest,
		Event:     model.LedgerEventRequestFailed,
		RequestID: req.ID,
		Metadata:  map[string]any{"reason": reason},
	})
	return nil
}

// Callback is one inbound facilitator attestation.
type Callback struct {
	TxHash string `json:"txHash"`
	Status string `json:"status"` // "confirmed" | "rejected"
	Reason string `json:"reason,omitempty"`
}

// ReconcileCallback applies a facilitator callback to the referenced
// payment. Reapplying an identical callback is a no-op recorded as a
// facilitator-callback-duplicate entry. Optimistic store conflicts are
// retried three times with linear backoff.
func (c *Coordinator) ReconcileCallback(ctx context.Context, cb Callback) (*model.Payment, error) {
	var target model.PaymentStatus
	switch cb.Status {
	case "confirmed":
		target = model.PaymentStatusConfirmed
	case "rejected":
		target = model.PaymentStatusFailed
	default:
		return nil, ErrUnknownCallbackStatus
	}

	p, err := c.store.GetPaymentByTxHash(ctx, cb.TxHash)
	if err != nil {
		return nil, err
	}

	if p.Status == target && p.FailureCode == cb.Reason {
		c.ledger.MustAppend(ctx, ledger.Entry{
			Category:  model.LedgerCategoryPayment,
			Event:     model.LedgerEventFacilitatorCallbackDup,
			RequestID: p.RequestID,
			PaymentID: p.ID,
			TxHash:    p.TxHash,
		})
		return p, nil
	}

	updated, err := resilience.DoVal(ctx, resilience.LinearRetryConfig(reconcileRetries+1, reconcileDelay),
		func(ctx context.Context) (*model.Payment, error) {
			fresh, err := c.store.GetPaymentByTxHash(ctx, cb.TxHash)
			if err != nil {
				return nil, err
			}
			var confirmedAt *time.Time
			if target == model.PaymentStatusConfirmed {
				confirmedAt = fresh.ConfirmedAt
				if confirmedAt == nil {
					now := c.nowFunc().UTC()
					confirmedAt = &now
				}
			}
			return c.store.UpdatePaymentStatus(ctx, fresh.ID, fresh.Version, target, cb.Reason, confirmedAt)
		})
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: reconcile callback")
	}

	// Keep the owning request consistent with a newly confirmed payment.
	if target == model.PaymentStatusConfirmed {
		if req, err := c.store.GetRequest(ctx, updated.RequestID); err == nil &&
			req.Status.CanTransition(model.RequestStatusPaid) {
			req.Status = model.RequestStatusPaid
			req.PaymentHash = updated.TxHash
			req.UpdatedAt = c.nowFunc().UTC()
			if err := c.store.UpdateRequest(ctx, req); err != nil {
				c.log.Error("callback: request update failed", zap.Error(err))
			}
		}
	}

	c.ledger.MustAppend(ctx, ledger.Entry{
		Category:  model.LedgerCategoryPayment,
		Event:     model.LedgerEventFacilitatorCallback,
		RequestID: updated.RequestID,
		PaymentID: updated.ID,
		TxHash:    updated.TxHash,
		Metadata:  map[string]any{"status": cb.Status, "reason": cb.Reason},
	})
	c.bus.Publish(bus.EventPaymentStatus, executor.PaymentStatusEvent{
		RequestID: updated.RequestID,
		PaymentID: updated.ID,
		TxHash:    updated.TxHash,
		Status:    updated.Status,
		Reason:    cb.Reason,
	})
	return updated, nil
}

// IsNotFound reports whether err means the callback referenced an unknown
// transaction.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
