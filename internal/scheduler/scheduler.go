// Package scheduler runs the autonomy loop: every tick it scores the task
// queue, takes the most valuable eligible task under an atomic lock, buys
// the endpoint's data through the coordinator and executor, and applies
// success or exponential-backoff bookkeeping.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/balance"
	"github.com/x402-labs/agentpay/internal/bus"
	"github.com/x402-labs/agentpay/internal/coordinator"
	"github.com/x402-labs/agentpay/internal/executor"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/session"
	"github.com/x402-labs/agentpay/internal/store"
)

const (
	// DefaultInterval between ticks.
	DefaultInterval = 20 * time.Second
	// MinInterval is the floor for configured intervals.
	MinInterval = 5 * time.Second
	// DefaultMinRunScore discards tasks not worth running.
	DefaultMinRunScore = 0.5
	// DefaultMaxBackoff caps the failure backoff.
	DefaultMaxBackoff = 900 * time.Second
)

// Config holds scheduler settings.
type Config struct {
	Interval    time.Duration
	MinRunScore float64
	MaxBackoff  time.Duration

	// Session issuance parameters for the scheduler-owned capability.
	WalletKey         string
	SessionSignatures int
	SessionTTL        time.Duration
}

// Scheduler is a single logical runner; multi-replica deployments are
// serialized by the store's atomic task lock.
type Scheduler struct {
	store       store.Store
	ledger      *ledger.Ledger
	bus         *bus.Bus
	coordinator *coordinator.Coordinator
	executor    *executor.Executor
	monitor     *balance.Monitor
	sessions    *session.Registry
	cfg         Config

	// sessionID is the scheduler-owned capability, re-issued on expiry or
	// exhaustion. Only the tick goroutine touches it.
	sessionID string

	nowFunc func() time.Time
	log     *zap.Logger
}

// New creates a Scheduler.
func New(st store.Store, led *ledger.Ledger, b *bus.Bus, coord *coordinator.Coordinator,
	exec *executor.Executor, mon *balance.Monitor, reg *session.Registry, cfg Config) *Scheduler {

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.MinRunScore <= 0 {
		cfg.MinRunScore = DefaultMinRunScore
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &Scheduler{
		store:       st,
		ledger:      led,
		bus:         b,
		coordinator: coord,
		executor:    exec,
		monitor:     mon,
		sessions:    reg,
		cfg:         cfg,
		nowFunc:     time.Now,
		log:         zap.L().With(zap.String("component", "scheduler")),
	}
}

// SeedTasks upserts one task per catalog endpoint with the catalog's
// scheduling defaults. Runtime state of existing tasks is preserved.
func (s *Scheduler) SeedTasks(ctx context.Context) error {
	now := s.nowFunc().UTC()
	for _, offering := range model.Catalog {
		task := &model.AutonomyTask{
			Endpoint:        offering.Endpoint,
			ValueScore:      offering.ValueScore,
			Cost:            offering.Cost,
			FreshnessSecs:   offering.FreshnessSecs,
			BaseBackoffSecs: offering.BaseBackoffSecs,
			Status:          model.TaskStatusIdle,
			NextEligibleAt:  now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.store.UpsertTask(ctx, task); err != nil {
			return eris.Wrapf(err, "scheduler: seed task %s", offering.Endpoint)
		}
	}
	return nil
}

// Run starts the tick loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("starting scheduler",
		zap.Duration("interval", s.cfg.Interval),
		zap.Float64("min_run_score", s.cfg.MinRunScore),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Exported so tests and tooling can drive
// the loop deterministically.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.monitor.EnsurePaymentsActive(); err != nil {
		s.log.Debug("tick skipped: payments paused", zap.Error(err))
		return
	}

	now := s.nowFunc().UTC()
	task, score, ok, err := s.selectTask(ctx, now)
	if err != nil {
		s.log.Error("tick: task selection failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	locked, err := s.store.AcquireTaskLock(ctx, task.Endpoint, now)
	if err != nil {
		s.log.Error("tick: lock acquisition failed", zap.String("endpoint", task.Endpoint), zap.Error(err))
		return
	}
	if !locked {
		// Another replica won the lock between scoring and locking.
		return
	}

	// Refresh the locked row with run bookkeeping.
	locked2, err := s.store.GetTask(ctx, task.Endpoint)
	if err != nil {
		s.log.Error("tick: reload locked task failed", zap.Error(err))
		return
	}
	locked2.LastScore = score
	runAt := now
	locked2.LastRunAt = &runAt
	locked2.LastError = ""
	locked2.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, locked2); err != nil {
		s.log.Error("tick: persist run bookkeeping failed", zap.Error(err))
	}

	s.log.Info("running task",
		zap.String("endpoint", task.Endpoint),
		zap.Float64("score", score),
	)

	if err := s.runTask(ctx, task.Endpoint); err != nil {
		s.recordFailure(ctx, locked2, err)
		return
	}
	s.recordSuccess(ctx, locked2)
}

// selectTask loads the queue, scores eligible tasks, and picks the highest
// scorer at or above the threshold. Ties break lexicographically by
// endpoint tag.
func (s *Scheduler) selectTask(ctx context.Context, now time.Time) (*model.AutonomyTask, float64, bool, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, 0, false, eris.Wrap(err, "scheduler: list tasks")
	}

	var best *model.AutonomyTask
	var bestScore float64
	for i := range tasks {
		t := &tasks[i]
		if !t.Runnable(now) {
			continue
		}
		score := t.Score(now)
		if score < s.cfg.MinRunScore {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && t.Endpoint < best.Endpoint) {
			best = t
			bestScore = score
		}
	}
	if best == nil {
		return nil, 0, false, nil
	}
	return best, bestScore, true, nil
}

// runTask performs the buy-and-fulfil cycle for one endpoint.
func (s *Scheduler) runTask(ctx context.Context, endpoint string) error {
	d, err := s.coordinator.RequestOrAdvance(ctx, endpoint, "")
	if err != nil {
		return err
	}

	switch d.Status {
	case model.RequestStatusFulfilled:
		return nil
	case model.RequestStatusFailed:
		return eris.Errorf("scheduler: request %s is failed", d.RequestID)
	}

	sessionID, err := s.ensureSession(ctx)
	if err != nil {
		return err
	}

	if _, err := s.executor.Execute(ctx, d.RequestID, sessionID); err != nil {
		return err
	}

	final, err := s.coordinator.RequestOrAdvance(ctx, endpoint, d.RequestID)
	if err != nil {
		return err
	}
	if final.Status != model.RequestStatusFulfilled {
		return eris.Errorf("scheduler: request %s ended in %s", d.RequestID, final.Status)
	}
	return nil
}

// ensureSession returns the scheduler-owned ACTIVE capability, issuing a
// new one when the previous expired or ran out of signatures.
func (s *Scheduler) ensureSession(ctx context.Context) (string, error) {
	if s.sessionID != "" {
		sc, err := s.sessions.GetActive(ctx, s.sessionID)
		if err != nil && !session.IsNotFound(err) {
			return "", err
		}
		if sc != nil {
			return sc.ID, nil
		}
	}

	sc, err := s.sessions.Issue(ctx, session.IssueParams{
		WalletKey:     s.cfg.WalletKey,
		SessionKey:    "scheduler",
		Nonce:         uuid.New().String(),
		MaxSignatures: s.cfg.SessionSignatures,
		TTL:           s.cfg.SessionTTL,
	})
	if err != nil {
		return "", eris.Wrap(err, "scheduler: issue session")
	}
	s.sessionID = sc.ID
	return sc.ID, nil
}

func (s *Scheduler) recordSuccess(ctx context.Context, task *model.AutonomyTask) {
	now := s.nowFunc().UTC()
	task.Status = model.TaskStatusIdle
	task.LockedAt = nil
	task.LastSuccessAt = &now
	task.FailureCount = 0
	task.NextEligibleAt = now.Add(time.Duration(task.FreshnessSecs) * time.Second)
	task.LastError = ""
	task.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.log.Error("record success failed", zap.String("endpoint", task.Endpoint), zap.Error(err))
		return
	}

	s.ledger.MustAppend(ctx, ledger.Entry{
		Category: model.LedgerCategoryAutonomy,
		Event:    model.LedgerEventTaskSuccess,
		Metadata: map[string]any{
			"endpoint":     task.Endpoint,
			"score":        task.LastScore,
			"nextEligible": task.NextEligibleAt,
		},
	})
	s.publishQueue(ctx)
}

// recordFailure applies backoff bookkeeping. Cancellation counts as a
// failure; persistence runs on a detached context so a dying tick still
// leaves the task in BACKOFF.
func (s *Scheduler) recordFailure(ctx context.Context, task *model.AutonomyTask, cause error) {
	pctx := context.WithoutCancel(ctx)
	now := s.nowFunc().UTC()

	task.Status = model.TaskStatusBackoff
	task.LockedAt = nil
	task.FailureCount++
	delay := task.BackoffDelay(task.FailureCount, s.cfg.MaxBackoff)
	task.NextEligibleAt = now.Add(delay)
	task.LastError = cause.Error()
	task.UpdatedAt = now
	if err := s.store.UpdateTask(pctx, task); err != nil {
		s.log.Error("record failure failed", zap.String("endpoint", task.Endpoint), zap.Error(err))
		return
	}

	s.log.Warn("task failed",
		zap.String("endpoint", task.Endpoint),
		zap.Int("failure_count", task.FailureCount),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)

	s.ledger.MustAppend(pctx, ledger.Entry{
		Category: model.LedgerCategoryAutonomy,
		Event:    model.LedgerEventTaskFailure,
		Metadata: map[string]any{
			"endpoint":     task.Endpoint,
			"failureCount": task.FailureCount,
			"backoffSecs":  delay.Seconds(),
			"error":        cause.Error(),
		},
	})
	s.publishQueue(pctx)
}

// TaskView is one scored row of the autonomy queue.
type TaskView struct {
	model.AutonomyTask
	CurrentScore float64 `json:"current_score"`
}

// QueueSnapshot returns all tasks with their scores at now.
func (s *Scheduler) QueueSnapshot(ctx context.Context) ([]TaskView, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: queue snapshot")
	}
	now := s.nowFunc().UTC()
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, TaskView{AutonomyTask: t, CurrentScore: t.Score(now)})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CurrentScore != views[j].CurrentScore {
			return views[i].CurrentScore > views[j].CurrentScore
		}
		return views[i].Endpoint < views[j].Endpoint
	})
	return views, nil
}

func (s *Scheduler) publishQueue(ctx context.Context) {
	views, err := s.QueueSnapshot(ctx)
	if err != nil {
		s.log.Error("queue snapshot failed", zap.Error(err))
		return
	}
	s.bus.Publish(bus.EventQueueUpdate, views)
}
