// Package balance polls the signer's wallet, records snapshots, and owns
// the pause/resume gate every payment submission must pass through.
package balance

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/bus"
	"github.com/x402-labs/agentpay/internal/chain"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/store"
)

const (
	// DefaultPollInterval between wallet polls.
	DefaultPollInterval = 30 * time.Second
	// MinPollInterval is the floor for configured intervals.
	MinPollInterval = 5 * time.Second

	// SourcePoll marks snapshots taken by the periodic loop.
	SourcePoll = "poll"
	// SourcePayment marks post-confirmation reads ingested by the executor.
	SourcePayment = "payment"
	// SourceSeed marks snapshots injected by tests or tooling.
	SourceSeed = "seed"
)

// Config holds monitor settings.
type Config struct {
	Threshold    float64
	PollInterval time.Duration
}

// Monitor samples the wallet and gates payments. The gate state is mirrored
// in-process so EnsurePaymentsActive observes a pause the instant the
// deciding snapshot commits.
type Monitor struct {
	store  store.Store
	bus    *bus.Bus
	ledger *ledger.Ledger
	chain  chain.Client
	cfg    Config

	mu          sync.Mutex
	paused      bool
	pauseReason model.PauseReason
	lastUnits   float64
	lastStatus  model.BalanceStatus
	lastPolled  time.Time

	nowFunc func() time.Time
	log     *zap.Logger
}

// NewMonitor creates a Monitor. chainClient may be nil when no signer is
// configured; polls then record ERROR snapshots and leave the gate alone.
func NewMonitor(st store.Store, b *bus.Bus, led *ledger.Ledger, chainClient chain.Client, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollInterval < MinPollInterval {
		cfg.PollInterval = MinPollInterval
	}
	return &Monitor{
		store:      st,
		bus:        b,
		ledger:     led,
		chain:      chainClient,
		cfg:        cfg,
		lastStatus: model.BalanceStatusUnknown,
		nowFunc:    time.Now,
		log:        zap.L().With(zap.String("component", "balance")),
	}
}

// Restore loads the persisted gate state into the in-process mirror. Called
// once at boot before the loop starts.
func (m *Monitor) Restore(ctx context.Context) error {
	st, err := m.store.GetSystemState(ctx)
	if err != nil {
		return eris.Wrap(err, "balance: restore system state")
	}
	m.mu.Lock()
	m.paused = st.PaymentsPaused
	m.pauseReason = st.PauseReason
	m.mu.Unlock()

	if snap, err := m.store.LatestBalanceSnapshot(ctx); err == nil {
		m.mu.Lock()
		m.lastUnits = snap.Units
		m.lastStatus = snap.Status
		m.lastPolled = snap.CreatedAt
		m.mu.Unlock()
	}
	return nil
}

// Run starts the poll loop and blocks until ctx is cancelled. One poll runs
// immediately so the gate is primed before the first scheduler tick.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("starting balance monitor",
		zap.Duration("interval", m.cfg.PollInterval),
		zap.Float64("threshold", m.cfg.Threshold),
	)

	m.poll(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("balance monitor stopped")
			return nil
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	if m.chain == nil {
		m.ingestError(ctx, "no chain client configured")
		return
	}
	lamports, err := m.chain.Balance(ctx)
	if err != nil {
		m.ingestError(ctx, err.Error())
		return
	}
	if err := m.Ingest(ctx, lamports, SourcePoll); err != nil {
		m.log.Error("balance poll ingest failed", zap.Error(err))
	}
}

// Ingest records one successful balance sample through the full pipeline:
// snapshot persistence, bus fan-out, and gate transition. The executor
// calls this with post-confirmation reads.
func (m *Monitor) Ingest(ctx context.Context, lamports uint64, source string) error {
	units := float64(lamports) / model.LamportsPerUnit

	status := model.BalanceStatusOK
	if math.IsNaN(units) || math.IsInf(units, 0) {
		status = model.BalanceStatusError
	} else if units < m.cfg.Threshold {
		status = model.BalanceStatusLow
	}

	snap := &model.BalanceSnapshot{
		ID:        uuid.New().String(),
		Lamports:  lamports,
		Units:     units,
		Status:    status,
		Threshold: m.cfg.Threshold,
		Source:    source,
		CreatedAt: m.nowFunc().UTC(),
	}
	if err := m.store.InsertBalanceSnapshot(ctx, snap); err != nil {
		return eris.Wrap(err, "balance: insert snapshot")
	}
	m.bus.Publish(bus.EventBalanceSnapshot, snap)
	m.ledger.MustAppend(ctx, ledger.Entry{
		Category: model.LedgerCategoryBalance,
		Event:    model.LedgerEventBalanceSnapshot,
		Metadata: map[string]any{
			"lamports": lamports,
			"units":    units,
			"status":   string(status),
			"source":   source,
		},
	})

	switch status {
	case model.BalanceStatusLow:
		return m.setPaused(ctx, units)
	case model.BalanceStatusOK:
		return m.clearPaused(ctx, units)
	default:
		// ERROR leaves the gate unchanged but is visible in the snapshot.
		m.mu.Lock()
		m.lastStatus = status
		m.lastPolled = snap.CreatedAt
		m.mu.Unlock()
		return nil
	}
}

func (m *Monitor) ingestError(ctx context.Context, reason string) {
	snap := &model.BalanceSnapshot{
		ID:        uuid.New().String(),
		Status:    model.BalanceStatusError,
		Threshold: m.cfg.Threshold,
		Source:    SourcePoll,
		Error:     reason,
		CreatedAt: m.nowFunc().UTC(),
	}
	if err := m.store.InsertBalanceSnapshot(ctx, snap); err != nil {
		m.log.Error("balance: insert error snapshot failed", zap.Error(err))
		return
	}
	m.bus.Publish(bus.EventBalanceSnapshot, snap)
	m.log.Warn("balance poll failed", zap.String("error", reason))

	m.mu.Lock()
	m.lastStatus = model.BalanceStatusError
	m.lastPolled = snap.CreatedAt
	m.mu.Unlock()
}

// setPaused closes the gate for a LOW sample. The ledger entry and bus
// event fire only on the transition, not on every LOW sample. An existing
// pause keeps its reason: a manual pause is not relabelled by low balance.
func (m *Monitor) setPaused(ctx context.Context, units float64) error {
	m.mu.Lock()
	wasPaused := m.paused
	m.paused = true
	if !wasPaused {
		m.pauseReason = model.PauseReasonLowBalance
	}
	reason := m.pauseReason
	m.lastUnits = units
	m.lastStatus = model.BalanceStatusLow
	m.lastPolled = m.nowFunc().UTC()
	m.mu.Unlock()

	if err := m.store.SetSystemState(ctx, model.SystemState{
		PaymentsPaused: true,
		PauseReason:    reason,
		UpdatedAt:      m.nowFunc().UTC(),
	}); err != nil {
		return eris.Wrap(err, "balance: persist pause")
	}

	if !wasPaused {
		m.log.Warn("payments paused",
			zap.Float64("balance", units),
			zap.Float64("threshold", m.cfg.Threshold),
		)
		m.ledger.MustAppend(ctx, ledger.Entry{
			Category: model.LedgerCategorySystem,
			Event:    model.LedgerEventPaymentsPaused,
			Metadata: map[string]any{
				"reason":    string(model.PauseReasonLowBalance),
				"balance":   units,
				"threshold": m.cfg.Threshold,
			},
		})
	}
	return nil
}

// clearPaused reopens the gate after an OK sample. Only a LOW_BALANCE pause
// recovers this way; a manual pause holds until an operator resumes it.
func (m *Monitor) clearPaused(ctx context.Context, units float64) error {
	m.mu.Lock()
	wasPaused := m.paused
	manual := wasPaused && m.pauseReason != model.PauseReasonLowBalance
	if !manual {
		m.paused = false
		m.pauseReason = ""
	}
	m.lastUnits = units
	m.lastStatus = model.BalanceStatusOK
	m.lastPolled = m.nowFunc().UTC()
	m.mu.Unlock()

	if manual {
		return nil
	}

	if err := m.store.SetSystemState(ctx, model.SystemState{
		PaymentsPaused: false,
		UpdatedAt:      m.nowFunc().UTC(),
	}); err != nil {
		return eris.Wrap(err, "balance: persist resume")
	}

	if wasPaused {
		m.log.Info("payments resumed", zap.Float64("balance", units))
		m.ledger.MustAppend(ctx, ledger.Entry{
			Category: model.LedgerCategorySystem,
			Event:    model.LedgerEventPaymentsResumed,
			Metadata: map[string]any{"balance": units},
		})
	}
	return nil
}

// Pause closes the gate by operator request. Idempotent: pausing an
// already-paused gate records nothing new.
func (m *Monitor) Pause(ctx context.Context, reason model.PauseReason) error {
	if reason == "" {
		reason = model.PauseReasonManual
	}

	m.mu.Lock()
	wasPaused := m.paused
	m.paused = true
	if !wasPaused {
		m.pauseReason = reason
	}
	reason = m.pauseReason
	m.mu.Unlock()

	if wasPaused {
		return nil
	}

	if err := m.store.SetSystemState(ctx, model.SystemState{
		PaymentsPaused: true,
		PauseReason:    reason,
		UpdatedAt:      m.nowFunc().UTC(),
	}); err != nil {
		return eris.Wrap(err, "balance: persist manual pause")
	}

	m.log.Warn("payments paused by operator", zap.String("reason", string(reason)))
	m.ledger.MustAppend(ctx, ledger.Entry{
		Category: model.LedgerCategorySystem,
		Event:    model.LedgerEventPaymentsPaused,
		Metadata: map[string]any{"reason": string(reason)},
	})
	return nil
}

// Resume reopens the gate by operator request, whatever the pause reason.
// Idempotent on an open gate.
func (m *Monitor) Resume(ctx context.Context) error {
	m.mu.Lock()
	wasPaused := m.paused
	m.paused = false
	m.pauseReason = ""
	units := m.lastUnits
	m.mu.Unlock()

	if !wasPaused {
		return nil
	}

	if err := m.store.SetSystemState(ctx, model.SystemState{
		PaymentsPaused: false,
		UpdatedAt:      m.nowFunc().UTC(),
	}); err != nil {
		return eris.Wrap(err, "balance: persist manual resume")
	}

	m.log.Info("payments resumed by operator")
	m.ledger.MustAppend(ctx, ledger.Entry{
		Category: model.LedgerCategorySystem,
		Event:    model.LedgerEventPaymentsResumed,
		Metadata: map[string]any{"balance": units},
	})
	return nil
}

// EnsurePaymentsActive fails with *model.PaymentsPausedError while the gate
// is closed. Every payment submission path calls this first.
func (m *Monitor) EnsurePaymentsActive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return nil
	}
	return &model.PaymentsPausedError{
		Reason:    m.pauseReason,
		Balance:   m.lastUnits,
		Threshold: m.cfg.Threshold,
	}
}

// Status is the current gate view for the balance API.
type Status struct {
	Balance     float64             `json:"balance"`
	Status      model.BalanceStatus `json:"status"`
	Threshold   float64             `json:"threshold"`
	Paused      bool                `json:"paused"`
	PauseReason model.PauseReason   `json:"pauseReason,omitempty"`
	LastUpdated time.Time           `json:"lastUpdated"`
}

// Status returns the latest sampled state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Balance:     m.lastUnits,
		Status:      m.lastStatus,
		Threshold:   m.cfg.Threshold,
		Paused:      m.paused,
		PauseReason: m.pauseReason,
		LastUpdated: m.lastPolled,
	}
}
