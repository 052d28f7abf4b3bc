package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-labs/agentpay/internal/balance"
	"github.com/x402-labs/agentpay/internal/bus"
	"github.com/x402-labs/agentpay/internal/coordinator"
	"github.com/x402-labs/agentpay/internal/executor"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/session"
	"github.com/x402-labs/agentpay/internal/store"
)

// fakeChain confirms every transfer with a unique signature unless failing.
type fakeChain struct {
	lamports    uint64
	transferErr error
	transfers   int
}

func (c *fakeChain) SignerAddress() string { return "signer-pubkey" }

func (c *fakeChain) Balance(context.Context) (uint64, error) { return c.lamports, nil }

func (c *fakeChain) Transfer(context.Context, string, uint64) (string, error) {
	c.transfers++
	if c.transferErr != nil {
		return "", c.transferErr
	}
	return "sig-" + time.Now().Format("150405.000000000"), nil
}

type fixture struct {
	sched  *Scheduler
	store  *store.MemoryStore
	chain  *fakeChain
	events <-chan bus.Event
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	b := bus.New(256)
	led := ledger.New(st, b)
	mon := balance.NewMonitor(st, b, led, nil, balance.Config{Threshold: 0.05})
	reg := session.NewRegistry(st, led, session.Policy{})
	coord := coordinator.New(st, led, b, "http://facilitator.local")
	ch := &fakeChain{lamports: 1_000_000_000}
	exec := executor.New(executor.Config{
		Store: st, Ledger: led, Bus: b, Monitor: mon,
		Sessions: reg, Chain: ch, Recipient: "recipient-pubkey",
	})

	events, cancel := b.Subscribe()
	t.Cleanup(cancel)

	f := &fixture{
		store:  st,
		chain:  ch,
		events: events,
		clock:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	f.sched = New(st, led, b, coord, exec, mon, reg, Config{
		MinRunScore:       0.5,
		MaxBackoff:        900 * time.Second,
		WalletKey:         "signer-pubkey",
		SessionSignatures: 3,
		SessionTTL:        time.Hour,
	})
	f.sched.nowFunc = func() time.Time { return f.clock }
	require.NoError(t, f.sched.SeedTasks(context.Background()))
	return f
}

func (f *fixture) countLedger(t *testing.T, event string) int {
	t.Helper()
	entries, err := f.store.QueryLedger(context.Background(), store.LedgerFilter{Event: event, Limit: 500})
	require.NoError(t, err)
	return len(entries)
}

func (f *fixture) drainEvents(typ bus.EventType) int {
	n := 0
	for {
		select {
		case ev := <-f.events:
			if ev.Type == typ {
				n++
			}
		default:
			return n
		}
	}
}

func TestSeedTasks(t *testing.T) {
	f := newFixture(t)
	tasks, err := f.store.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, len(model.Catalog))
	assert.Equal(t, "knowledge", tasks[0].Endpoint)
	assert.Equal(t, "market", tasks[1].Endpoint)
	assert.Equal(t, model.TaskStatusIdle, tasks[0].Status)
}

func TestTick_SuccessCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sched.Tick(ctx)

	// "market" and "knowledge" tie when never run (2×10/0.05 = 2×6/0.03 =
	// 400); the tie breaks to the lexicographically smaller "knowledge".
	task, err := f.store.GetTask(ctx, "knowledge")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusIdle, task.Status)
	assert.Nil(t, task.LockedAt)
	assert.Zero(t, task.FailureCount)
	require.NotNil(t, task.LastSuccessAt)
	assert.Equal(t, f.clock.Add(time.Duration(task.FreshnessSecs)*time.Second), task.NextEligibleAt)

	assert.Equal(t, 1, f.countLedger(t, model.LedgerEventTaskSuccess))
	assert.Equal(t, 1, f.countLedger(t, model.LedgerEventPaymentConfirmed))
	assert.Equal(t, 1, f.countLedger(t, model.LedgerEventDataFulfilled))
	assert.GreaterOrEqual(t, f.drainEvents(bus.EventQueueUpdate), 1)
}

func TestTick_SkippedWhilePaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mon := f.sched.monitor
	require.NoError(t, mon.Ingest(ctx, 10_000_000, balance.SourceSeed)) // LOW → paused
	f.drainEvents(bus.EventQueueUpdate)

	f.sched.Tick(ctx)

	assert.Zero(t, f.chain.transfers)
	assert.Zero(t, f.countLedger(t, model.LedgerEventTaskSuccess))
	assert.Zero(t, f.drainEvents(bus.EventPaymentStatus))
}

func TestTick_BackoffProgression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.transferErr = &model.ChainRejectedError{Code: "submit", Err: errors.New("devnet flake")}

	// Park "knowledge" so only "market" (baseBackoff 30) participates.
	knowledge, err := f.store.GetTask(ctx, "knowledge")
	require.NoError(t, err)
	knowledge.NextEligibleAt = f.clock.Add(24 * time.Hour)
	require.NoError(t, f.store.UpdateTask(ctx, knowledge))

	expectedDelays := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}
	for i, want := range expectedDelays {
		f.sched.Tick(ctx)

		task, err := f.store.GetTask(ctx, "market")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusBackoff, task.Status, "attempt %d", i+1)
		assert.Equal(t, i+1, task.FailureCount)
		assert.Equal(t, f.clock.Add(want), task.NextEligibleAt, "attempt %d", i+1)
		assert.NotEmpty(t, task.LastError)

		// Advance past the backoff window for the next attempt.
		f.clock = task.NextEligibleAt.Add(time.Second)
	}

	// Enough failures cap out at MaxBackoff.
	for i := 0; i < 5; i++ {
		f.sched.Tick(ctx)
		task, err := f.store.GetTask(ctx, "market")
		require.NoError(t, err)
		f.clock = task.NextEligibleAt.Add(time.Second)
	}
	f.sched.Tick(ctx)
	task, err := f.store.GetTask(ctx, "market")
	require.NoError(t, err)
	assert.Equal(t, 10, task.FailureCount)
	assert.Equal(t, 900*time.Second, task.NextEligibleAt.Sub(f.clock))

	// A success resets the counter and schedules a freshness re-run.
	f.chain.transferErr = nil
	f.clock = task.NextEligibleAt.Add(time.Second)
	f.sched.Tick(ctx)
	task, err = f.store.GetTask(ctx, "market")
	require.NoError(t, err)
	assert.Zero(t, task.FailureCount)
	assert.Equal(t, model.TaskStatusIdle, task.Status)
	assert.Equal(t, f.clock.Add(time.Duration(task.FreshnessSecs)*time.Second), task.NextEligibleAt)
	assert.Empty(t, task.LastError)
}

func TestTick_NothingEligible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Everything freshly succeeded → next-eligible in the future.
	f.sched.Tick(ctx)
	f.sched.Tick(ctx)

	// Second tick ran "market"; third does nothing.
	transfers := f.chain.transfers
	f.sched.Tick(ctx)
	assert.Equal(t, transfers, f.chain.transfers)
}

func TestTick_SessionReuseAndReissue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sched.cfg.SessionSignatures = 1 // exhaust after every payment

	f.sched.Tick(ctx) // knowledge
	firstSession := f.sched.sessionID
	require.NotEmpty(t, firstSession)

	f.sched.Tick(ctx) // market → needs a fresh capability
	secondSession := f.sched.sessionID
	assert.NotEqual(t, firstSession, secondSession)

	sessions, err := f.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestSelectTask_ThresholdAndTieBreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two tasks with identical scores: tie breaks to the lexicographically
	// smaller endpoint.
	for _, ep := range []string{"market", "knowledge"} {
		task, err := f.store.GetTask(ctx, ep)
		require.NoError(t, err)
		task.ValueScore = 1
		task.Cost = 1
		task.FreshnessSecs = 100
		require.NoError(t, f.store.UpdateTask(ctx, task))
	}

	task, score, ok, err := f.sched.selectTask(ctx, f.clock)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "knowledge", task.Endpoint)
	assert.InDelta(t, 2.0, score, 1e-9) // never-run → double window staleness

	// Raising the threshold above every score selects nothing.
	f.sched.cfg.MinRunScore = 10
	_, _, ok, err = f.sched.selectTask(ctx, f.clock)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTick_CancelledContextBacksOff(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.chain.transferErr = context.Canceled
	cancel()

	f.sched.Tick(ctx)

	// The tick selects "knowledge" (tie-break with "market").
	task, err := f.store.GetTask(context.Background(), "knowledge")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusBackoff, task.Status)
	assert.Equal(t, 1, task.FailureCount)
}
