package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/x402-labs/agentpay/internal/model"
)

var errVersionConflict = eris.New("payment version conflict")

// MemoryStore is a mutex-guarded in-memory Store. It mirrors the postgres
// implementation's semantics (uniqueness, optimistic versions, atomic
// locks) and backs unit tests and runs with store.driver=memory.
type MemoryStore struct {
	mu sync.Mutex

	requests  map[string]model.PremiumRequest
	payments  map[string]model.Payment
	txHashes  map[string]string // tx hash → payment id
	sessions  map[string]model.SessionCapability
	tasks     map[string]model.AutonomyTask
	snapshots []model.BalanceSnapshot
	state     *model.SystemState
	ledger    []model.LedgerEntry
	ledgerSeq map[string]int // entry id → insert order, for deterministic ties
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]model.PremiumRequest),
		payments:  make(map[string]model.Payment),
		txHashes:  make(map[string]string),
		sessions:  make(map[string]model.SessionCapability),
		tasks:     make(map[string]model.AutonomyTask),
		ledgerSeq: make(map[string]int),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, req *model.PremiumRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*model.PremiumRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, model.ErrRequestNotFound
	}
	out := req
	return &out, nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, req *model.PremiumRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; !ok {
		return model.ErrRequestNotFound
	}
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.txHashes[p.TxHash]; dup {
		return model.ErrDuplicatePayment
	}
	p.Version = 1
	m.payments[p.ID] = *p
	m.txHashes[p.TxHash] = p.ID
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := p
	return &out, nil
}

func (m *MemoryStore) GetPaymentByTxHash(_ context.Context, txHash string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.txHashes[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	p := m.payments[id]
	return &p, nil
}

func (m *MemoryStore) UpdatePaymentStatus(_ context.Context, id string, version int64, status model.PaymentStatus, failureCode string, confirmedAt *time.Time) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Version != version {
		return nil, &model.TransientStoreError{Op: "update payment status", Err: errVersionConflict}
	}
	p.Status = status
	p.FailureCode = failureCode
	p.ConfirmedAt = confirmedAt
	p.UpdatedAt = time.Now().UTC()
	p.Version++
	m.payments[id] = p
	out := p
	return &out, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *model.SessionCapability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*model.SessionCapability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s
	return &out, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *model.SessionCapability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) IncrementSessionUsage(_ context.Context, id string) (*model.SessionCapability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != model.SessionStatusActive || s.UsedCount >= s.MaxSignatures {
		return nil, ErrSessionUsageExceeded
	}
	s.UsedCount++
	if s.UsedCount >= s.MaxSignatures {
		s.Status = model.SessionStatusExhausted
	}
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	out := s
	return &out, nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]model.SessionCapability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SessionCapability, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpsertTask(_ context.Context, t *model.AutonomyTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tasks[t.Endpoint]; ok {
		// Preserve runtime state; refresh the static scoring parameters.
		existing.ValueScore = t.ValueScore
		existing.Cost = t.Cost
		existing.FreshnessSecs = t.FreshnessSecs
		existing.BaseBackoffSecs = t.BaseBackoffSecs
		existing.UpdatedAt = time.Now().UTC()
		m.tasks[t.Endpoint] = existing
		return nil
	}
	m.tasks[t.Endpoint] = *t
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, endpoint string) (*model.AutonomyTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[endpoint]
	if !ok {
		return nil, ErrNotFound
	}
	out := t
	return &out, nil
}

func (m *MemoryStore) ListTasks(_ context.Context) ([]model.AutonomyTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AutonomyTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, t *model.AutonomyTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.Endpoint]; !ok {
		return ErrNotFound
	}
	m.tasks[t.Endpoint] = *t
	return nil
}

func (m *MemoryStore) AcquireTaskLock(_ context.Context, endpoint string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[endpoint]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status == model.TaskStatusRunning || t.LockedAt != nil || t.NextEligibleAt.After(at) {
		return false, nil
	}
	t.Status = model.TaskStatusRunning
	t.LockedAt = &at
	t.UpdatedAt = at
	m.tasks[endpoint] = t
	return true, nil
}

func (m *MemoryStore) InsertBalanceSnapshot(_ context.Context, s *model.BalanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, *s)
	return nil
}

func (m *MemoryStore) LatestBalanceSnapshot(_ context.Context) (*model.BalanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return nil, ErrNotFound
	}
	out := m.snapshots[len(m.snapshots)-1]
	return &out, nil
}

func (m *MemoryStore) GetSystemState(_ context.Context) (*model.SystemState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return &model.SystemState{}, nil
	}
	out := *m.state
	return &out, nil
}

func (m *MemoryStore) SetSystemState(_ context.Context, s model.SystemState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &s
	return nil
}

func (m *MemoryStore) AppendLedger(_ context.Context, e *model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgerSeq[e.ID] = len(m.ledger)
	m.ledger = append(m.ledger, *e)
	return nil
}

func (m *MemoryStore) QueryLedger(_ context.Context, f LedgerFilter) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]model.LedgerEntry, 0, len(m.ledger))
	for _, e := range m.ledger {
		if !ledgerMatches(e, f) {
			continue
		}
		matched = append(matched, e)
	}

	// Newest first; ties by insert order then id, mirroring the SQL ordering.
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		sa, sb := m.ledgerSeq[a.ID], m.ledgerSeq[b.ID]
		if sa != sb {
			return sa > sb
		}
		return strings.Compare(a.ID, b.ID) > 0
	})

	if f.Before != nil {
		cut := make([]model.LedgerEntry, 0, len(matched))
		for _, e := range matched {
			if e.CreatedAt.After(f.Before.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(f.Before.CreatedAt) && e.ID >= f.Before.ID {
				continue
			}
			cut = append(cut, e)
		}
		matched = cut
	}

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func ledgerMatches(e model.LedgerEntry, f LedgerFilter) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if f.PaymentID != "" && e.PaymentID != f.PaymentID {
		return false
	}
	if f.TxHash != "" && e.TxHash != f.TxHash {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
