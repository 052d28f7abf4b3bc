package balance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-labs/agentpay/internal/bus"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/store"
)

// fakeChain serves scripted balances.
type fakeChain struct {
	lamports uint64
	err      error
}

func (f *fakeChain) SignerAddress() string { return "fake-signer" }

func (f *fakeChain) Balance(context.Context) (uint64, error) {
	return f.lamports, f.err
}

func (f *fakeChain) Transfer(context.Context, string, uint64) (string, error) {
	panic("not used")
}

func newTestMonitor(t *testing.T, ch *fakeChain, threshold float64) (*Monitor, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	b := bus.New(64)
	return NewMonitor(st, b, ledger.New(st, b), ch, Config{Threshold: threshold}), st
}

func TestMonitor_LowBalancePausesOnce(t *testing.T) {
	ch := &fakeChain{lamports: 10_000_000} // 0.01 units
	m, st := newTestMonitor(t, ch, 0.05)
	ctx := context.Background()

	require.NoError(t, m.Ingest(ctx, ch.lamports, SourcePoll))
	require.NoError(t, m.Ingest(ctx, ch.lamports, SourcePoll))

	err := m.EnsurePaymentsActive()
	var paused *model.PaymentsPausedError
	require.True(t, errors.As(err, &paused))
	assert.Equal(t, model.PauseReasonLowBalance, paused.Reason)
	assert.InDelta(t, 0.01, paused.Balance, 1e-9)
	assert.InDelta(t, 0.05, paused.Threshold, 1e-9)

	// Paused entry is written once despite two LOW samples.
	entries, qerr := st.QueryLedger(ctx, store.LedgerFilter{Event: model.LedgerEventPaymentsPaused, Limit: 10})
	require.NoError(t, qerr)
	assert.Len(t, entries, 1)

	state, serr := st.GetSystemState(ctx)
	require.NoError(t, serr)
	assert.True(t, state.PaymentsPaused)
	assert.Equal(t, model.PauseReasonLowBalance, state.PauseReason)
}

func TestMonitor_RecoveryResumesOnce(t *testing.T) {
	m, st := newTestMonitor(t, &fakeChain{}, 0.05)
	ctx := context.Background()

	require.NoError(t, m.Ingest(ctx, 10_000_000, SourcePoll))  // LOW
	require.NoError(t, m.Ingest(ctx, 100_000_000, SourcePoll)) // OK → resume
	require.NoError(t, m.Ingest(ctx, 100_000_000, SourcePoll)) // OK again

	assert.NoError(t, m.EnsurePaymentsActive())

	entries, err := st.QueryLedger(ctx, store.LedgerFilter{Event: model.LedgerEventPaymentsResumed, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	state, err := st.GetSystemState(ctx)
	require.NoError(t, err)
	assert.False(t, state.PaymentsPaused)
	assert.Empty(t, state.PauseReason)
}

func TestMonitor_ErrorLeavesGateUnchanged(t *testing.T) {
	ch := &fakeChain{lamports: 10_000_000}
	m, st := newTestMonitor(t, ch, 0.05)
	ctx := context.Background()

	require.NoError(t, m.Ingest(ctx, ch.lamports, SourcePoll)) // pause
	require.Error(t, m.EnsurePaymentsActive())

	// RPC failure: snapshot recorded, still paused.
	ch.err = errors.New("rpc: connection refused")
	m.poll(ctx)

	require.Error(t, m.EnsurePaymentsActive())

	snap, err := st.LatestBalanceSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BalanceStatusError, snap.Status)
	assert.Contains(t, snap.Error, "connection refused")
}

func TestMonitor_NilChainRecordsError(t *testing.T) {
	m, st := newTestMonitor(t, nil, 0.05)
	// The typed-nil interface needs an explicit nil Monitor.chain.
	m.chain = nil
	ctx := context.Background()

	m.poll(ctx)

	snap, err := st.LatestBalanceSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BalanceStatusError, snap.Status)
	assert.NoError(t, m.EnsurePaymentsActive())
}

func TestMonitor_ManualPauseHeldThroughOKSamples(t *testing.T) {
	m, st := newTestMonitor(t, &fakeChain{}, 0.05)
	ctx := context.Background()

	require.NoError(t, m.Pause(ctx, model.PauseReasonManual))

	err := m.EnsurePaymentsActive()
	var paused *model.PaymentsPausedError
	require.True(t, errors.As(err, &paused))
	assert.Equal(t, model.PauseReasonManual, paused.Reason)

	// Healthy samples do not lift an operator pause.
	require.NoError(t, m.Ingest(ctx, 200_000_000, SourcePoll))
	require.Error(t, m.EnsurePaymentsActive())

	state, serr := st.GetSystemState(ctx)
	require.NoError(t, serr)
	assert.True(t, state.PaymentsPaused)
	assert.Equal(t, model.PauseReasonManual, state.PauseReason)

	// No resumed entry was written by the OK sample.
	entries, qerr := st.QueryLedger(ctx, store.LedgerFilter{Event: model.LedgerEventPaymentsResumed, Limit: 10})
	require.NoError(t, qerr)
	assert.Empty(t, entries)

	// Pausing again is a no-op: still one paused entry.
	require.NoError(t, m.Pause(ctx, model.PauseReasonManual))
	entries, qerr = st.QueryLedger(ctx, store.LedgerFilter{Event: model.LedgerEventPaymentsPaused, Limit: 10})
	require.NoError(t, qerr)
	assert.Len(t, entries, 1)
}

func TestMonitor_ManualResume(t *testing.T) {
	m, st := newTestMonitor(t, &fakeChain{}, 0.05)
	ctx := context.Background()

	require.NoError(t, m.Pause(ctx, model.PauseReasonManual))
	require.NoError(t, m.Resume(ctx))
	assert.NoError(t, m.EnsurePaymentsActive())

	state, err := st.GetSystemState(ctx)
	require.NoError(t, err)
	assert.False(t, state.PaymentsPaused)
	assert.Empty(t, state.PauseReason)

	entries, err := st.QueryLedger(ctx, store.LedgerFilter{Event: model.LedgerEventPaymentsResumed, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Resuming an open gate records nothing new.
	require.NoError(t, m.Resume(ctx))
	entries, err = st.QueryLedger(ctx, store.LedgerFilter{Event: model.LedgerEventPaymentsResumed, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// A manual resume also clears a LOW_BALANCE pause.
	require.NoError(t, m.Ingest(ctx, 10_000_000, SourcePoll))
	require.Error(t, m.EnsurePaymentsActive())
	require.NoError(t, m.Resume(ctx))
	assert.NoError(t, m.EnsurePaymentsActive())
}

func TestMonitor_LowBalanceKeepsManualReason(t *testing.T) {
	m, _ := newTestMonitor(t, &fakeChain{}, 0.05)
	ctx := context.Background()

	require.NoError(t, m.Pause(ctx, model.PauseReasonManual))
	require.NoError(t, m.Ingest(ctx, 10_000_000, SourcePoll)) // LOW while manually paused

	err := m.EnsurePaymentsActive()
	var paused *model.PaymentsPausedError
	require.True(t, errors.As(err, &paused))
	assert.Equal(t, model.PauseReasonManual, paused.Reason)
}

func TestMonitor_Restore(t *testing.T) {
	st := store.NewMemory()
	b := bus.New(16)
	ctx := context.Background()

	require.NoError(t, st.SetSystemState(ctx, model.SystemState{
		PaymentsPaused: true,
		PauseReason:    model.PauseReasonLowBalance,
	}))

	m := NewMonitor(st, b, ledger.New(st, b), &fakeChain{}, Config{Threshold: 0.05})
	require.NoError(t, m.Restore(ctx))

	err := m.EnsurePaymentsActive()
	var paused *model.PaymentsPausedError
	require.True(t, errors.As(err, &paused))
	assert.Equal(t, model.PauseReasonLowBalance, paused.Reason)
}

func TestMonitor_StatusView(t *testing.T) {
	m, _ := newTestMonitor(t, &fakeChain{}, 0.05)
	ctx := context.Background()

	require.NoError(t, m.Ingest(ctx, 150_000_000, SourcePayment))

	s := m.Status()
	assert.InDelta(t, 0.15, s.Balance, 1e-9)
	assert.Equal(t, model.BalanceStatusOK, s.Status)
	assert.False(t, s.Paused)
	assert.False(t, s.LastUpdated.IsZero())
}

func TestMonitor_IntervalFloor(t *testing.T) {
	m := NewMonitor(store.NewMemory(), bus.New(1), ledger.New(store.NewMemory(), bus.New(1)), nil, Config{
		Threshold:    0.05,
		PollInterval: 1, // 1ns, far below the floor
	})
	assert.Equal(t, MinPollInterval, m.cfg.PollInterval)
}
