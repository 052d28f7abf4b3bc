// Package executor performs one payment attempt end to end: gate check,
// session validation, chain transfer, confirmation, persistence, and
// best-effort facilitator notification.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/balance"
	"github.com/x402-labs/agentpay/internal/bus"
	"github.com/x402-labs/agentpay/internal/chain"
	"github.com/x402-labs/agentpay/internal/facilitator"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/session"
	"github.com/x402-labs/agentpay/internal/store"
)

// Outcome classifies a successful Execute call.
type Outcome string

const (
	// OutcomeConfirmed means a new payment was confirmed on-chain.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeAlreadyFulfilled means the request was already FULFILLED.
	OutcomeAlreadyFulfilled Outcome = "already-fulfilled"
	// OutcomeNoop means the request was in a state needing no payment.
	OutcomeNoop Outcome = "noop"
)

// Result is the value returned by Execute.
type Result struct {
	Outcome Outcome `json:"outcome"`
	TxHash  string  `json:"txHash,omitempty"`
	// Balance is the signer's post-confirmation balance in whole units.
	// Only set for OutcomeConfirmed.
	Balance float64 `json:"balance,omitempty"`
}

// PaymentStatusEvent is the payload published on payment-status events.
type PaymentStatusEvent struct {
	RequestID string              `json:"requestId"`
	PaymentID string              `json:"paymentId"`
	TxHash    string              `json:"txHash"`
	Status    model.PaymentStatus `json:"status"`
	Reason    string              `json:"reason,omitempty"`
}

// Executor coordinates one payment attempt. It does not retry; the
// scheduler owns retries so every attempt is a distinct ledger event.
type Executor struct {
	store       store.Store
	ledger      *ledger.Ledger
	bus         *bus.Bus
	monitor     *balance.Monitor
	sessions    *session.Registry
	chain       chain.Client
	facilitator *facilitator.Client
	recipient   string

	nowFunc func() time.Time
	log     *zap.Logger
}

// Config wires an Executor.
type Config struct {
	Store       store.Store
	Ledger      *ledger.Ledger
	Bus         *bus.Bus
	Monitor     *balance.Monitor
	Sessions    *session.Registry
	Chain       chain.Client
	Facilitator *facilitator.Client
	Recipient   string
}

// New creates an Executor.
func New(cfg Config) *Executor {
	return &Executor{
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		bus:         cfg.Bus,
		monitor:     cfg.Monitor,
		sessions:    cfg.Sessions,
		chain:       cfg.Chain,
		facilitator: cfg.Facilitator,
		recipient:   cfg.Recipient,
		nowFunc:     time.Now,
		log:         zap.L().With(zap.String("component", "executor")),
	}
}

// Execute runs one payment attempt for the request. sessionID is optional;
// when supplied it must resolve to an ACTIVE capability and its usage is
// incremented exactly once on successful submission.
func (e *Executor) Execute(ctx context.Context, requestID, sessionID string) (*Result, error) {
	if err := e.monitor.EnsurePaymentsActive(); err != nil {
		return nil, err
	}

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case model.RequestStatusFulfilled:
		return &Result{Outcome: OutcomeAlreadyFulfilled, TxHash: req.PaymentHash}, nil
	case model.RequestStatusPaymentRequired:
	default:
		return &Result{Outcome: OutcomeNoop, TxHash: req.PaymentHash}, nil
	}

	if e.chain == nil || e.chain.SignerAddress() == "" || e.recipient == "" {
		return nil, model.ErrSignerUnavailable
	}

	if sessionID != "" {
		sc, err := e.sessions.GetActive(ctx, sessionID)
		if err != nil && !session.IsNotFound(err) {
			return nil, err
		}
		if sc == nil {
			return nil, &model.SessionInvalidError{SessionID: sessionID, Reason: "expired, exhausted, or unknown"}
		}
	}

	lamports := req.Amount.Lamports()
	if lamports < 1 {
		lamports = 1
	}

	txHash, err := e.chain.Transfer(ctx, e.recipient, lamports)
	if err != nil {
		return nil, e.recordFailure(ctx, req, txHash, err)
	}

	// The transfer is committed on-chain; from here on, persistence must
	// happen even if the caller's context is already cancelled.
	orphaned := ctx.Err() != nil
	pctx := context.WithoutCancel(ctx)

	payment, reconciled, err := e.recordConfirmed(pctx, req, txHash)
	if err != nil {
		return nil, err
	}
	if reconciled {
		return &Result{Outcome: OutcomeConfirmed, TxHash: payment.TxHash}, nil
	}

	if sessionID != "" {
		if _, err := e.sessions.IncrementUsage(pctx, sessionID); err != nil {
			// The payment is already committed; an increment race here means
			// the capability hit its limit in flight. Log, don't unwind.
			e.log.Warn("session usage increment failed after confirmed payment",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	var units float64
	if lamportsAfter, err := e.chain.Balance(pctx); err != nil {
		e.log.Warn("post-payment balance read failed", zap.Error(err))
	} else {
		units = float64(lamportsAfter) / model.LamportsPerUnit
		if err := e.monitor.Ingest(pctx, lamportsAfter, balance.SourcePayment); err != nil {
			e.log.Warn("post-payment balance ingest failed", zap.Error(err))
		}
	}

	e.ledger.MustAppend(pctx, ledger.Entry{
		Category:  model.LedgerCategoryPayment,
		Event:     model.LedgerEventPaymentConfirmed,
		RequestID: req.ID,
		PaymentID: payment.ID,
		TxHash:    txHash,
		Metadata: map[string]any{
			"amount":   req.Amount.String(),
			"currency": req.Currency,
			"lamports": lamports,
		},
	})
	if orphaned {
		e.ledger.MustAppend(pctx, ledger.Entry{
			Category:  model.LedgerCategoryPayment,
			Event:     model.LedgerEventPaymentOrphaned,
			RequestID: req.ID,
			PaymentID: payment.ID,
			TxHash:    txHash,
			Metadata:  map[string]any{"cause": "caller cancelled after on-chain commit"},
		})
	}
	e.bus.Publish(bus.EventPaymentStatus, PaymentStatusEvent{
		RequestID: req.ID,
		PaymentID: payment.ID,
		TxHash:    txHash,
		Status:    model.PaymentStatusConfirmed,
	})

	// Best-effort: a failed submit never fails a confirmed payment.
	if e.facilitator != nil {
		if err := e.facilitator.Submit(pctx, facilitator.Verification{
			RequestID: req.ID,
			TxHash:    txHash,
			Amount:    req.Amount.String(),
			Currency:  req.Currency,
			Payer:     e.chain.SignerAddress(),
		}); err != nil {
			e.log.Warn("facilitator submit failed", zap.Error(err))
		}
	}

	return &Result{Outcome: OutcomeConfirmed, TxHash: txHash, Balance: units}, nil
}

// recordConfirmed inserts the CONFIRMED payment row and advances the
// request to PAID. A duplicate tx hash means a retried call already
// recorded this payment; it reconciles to the existing row.
func (e *Executor) recordConfirmed(ctx context.Context, req *model.PremiumRequest, txHash string) (*model.Payment, bool, error) {
	now := e.nowFunc().UTC()
	payment := &model.Payment{
		ID:          uuid.New().String(),
		RequestID:   req.ID,
		TxHash:      txHash,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      model.PaymentStatusConfirmed,
		ConfirmedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := e.store.CreatePayment(ctx, payment)
	if errors.Is(err, model.ErrDuplicatePayment) {
		existing, getErr := e.store.GetPaymentByTxHash(ctx, txHash)
		if getErr != nil {
			return nil, false, eris.Wrap(getErr, "executor: load duplicate payment")
		}
		e.ledger.MustAppend(ctx, ledger.Entry{
			Category:  model.LedgerCategoryPayment,
			Event:     model.LedgerEventDuplicateReconciled,
			RequestID: req.ID,
			PaymentID: existing.ID,
			TxHash:    txHash,
		})
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	if req.Status.CanTransition(model.RequestStatusPaid) {
		req.Status = model.RequestStatusPaid
		req.PaymentHash = txHash
		req.UpdatedAt = now
		if err := e.store.UpdateRequest(ctx, req); err != nil {
			return nil, false, eris.Wrap(err, "executor: mark request paid")
		}
	}
	return payment, false, nil
}

// recordFailure persists the audit trail for a failed attempt: a FAILED
// payment row (with a synthetic hash when the chain never returned one),
// a PAYMENT:failed ledger entry, and a payment-status event. The original
// error is returned for classification upstream.
func (e *Executor) recordFailure(ctx context.Context, req *model.PremiumRequest, txHash string, cause error) error {
	pctx := context.WithoutCancel(ctx)
	now := e.nowFunc().UTC()

	failureCode := failureCodeFor(cause)
	if txHash == "" {
		txHash = "failed-" + uuid.New().String()
	}

	payment := &model.Payment{
		ID:          uuid.New().String(),
		RequestID:   req.ID,
		TxHash:      txHash,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      model.PaymentStatusFailed,
		FailureCode: failureCode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreatePayment(pctx, payment); err != nil && !errors.Is(err, model.ErrDuplicatePayment) {
		e.log.Error("failed to persist failed payment", zap.Error(err))
	}

	e.ledger.MustAppend(pctx, ledger.Entry{
		Category:  model.LedgerCategoryPayment,
		Event:     model.LedgerEventPaymentFailed,
		RequestID: req.ID,
		PaymentID: payment.ID,
		TxHash:    txHash,
		Metadata:  map[string]any{"error": failureCode},
	})
	e.bus.Publish(bus.EventPaymentStatus, PaymentStatusEvent{
		RequestID: req.ID,
		PaymentID: payment.ID,
		TxHash:    txHash,
		Status:    model.PaymentStatusFailed,
		Reason:    failureCode,
	})

	return cause
}

func failureCodeFor(err error) string {
	if errors.Is(err, model.ErrChainTimeout) {
		return "timeout"
	}
	var rejected *model.ChainRejectedError
	if errors.As(err, &rejected) {
		return rejected.Code
	}
	return err.Error()
}
