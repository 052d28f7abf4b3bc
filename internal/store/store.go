// Package store provides persistence for the payment agent: premium
// requests, payments, session capabilities, autonomy tasks, balance
// snapshots, the singleton system state, and the append-only ledger.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/x402-labs/agentpay/internal/model"
)

// LedgerFilter selects ledger entries. Fields combine conjunctively; zero
// values match everything. Before restricts to entries strictly older than
// the given (timestamp, id) pair and implements cursor pagination.
type LedgerFilter struct {
	Category  model.LedgerCategory
	Event     string
	RequestID string
	PaymentID string
	TxHash    string
	From      *time.Time
	To        *time.Time
	Limit     int
	Before    *LedgerCursor
}

// LedgerCursor marks a position in the newest-first ledger ordering.
type LedgerCursor struct {
	CreatedAt time.Time
	ID        string
}

// Store is the abstract repository the orchestration core runs against.
//
// Implementations must enforce:
//   - UNIQUE payment tx hashes: CreatePayment returns
//     model.ErrDuplicatePayment when the hash is already recorded.
//   - Optimistic payment updates: UpdatePaymentStatus returns a
//     *model.TransientStoreError when the caller's version is stale.
//   - Atomic session usage: IncrementSessionUsage increments and flips the
//     status to EXHAUSTED in one step when the limit is reached.
//   - Atomic task locks: AcquireTaskLock succeeds at most once per
//     unlock/lock cycle even under concurrent callers.
type Store interface {
	// Premium requests
	CreateRequest(ctx context.Context, req *model.PremiumRequest) error
	GetRequest(ctx context.Context, id string) (*model.PremiumRequest, error)
	UpdateRequest(ctx context.Context, req *model.PremiumRequest) error

	// Payments
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	GetPaymentByTxHash(ctx context.Context, txHash string) (*model.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id string, version int64, status model.PaymentStatus, failureCode string, confirmedAt *time.Time) (*model.Payment, error)

	// Session capabilities
	CreateSession(ctx context.Context, s *model.SessionCapability) error
	GetSession(ctx context.Context, id string) (*model.SessionCapability, error)
	UpdateSession(ctx context.Context, s *model.SessionCapability) error
	IncrementSessionUsage(ctx context.Context, id string) (*model.SessionCapability, error)
	ListSessions(ctx context.Context) ([]model.SessionCapability, error)

	// Autonomy tasks
	UpsertTask(ctx context.Context, t *model.AutonomyTask) error
	GetTask(ctx context.Context, endpoint string) (*model.AutonomyTask, error)
	ListTasks(ctx context.Context) ([]model.AutonomyTask, error)
	UpdateTask(ctx context.Context, t *model.AutonomyTask) error
	AcquireTaskLock(ctx context.Context, endpoint string, at time.Time) (bool, error)

	// Balance snapshots
	InsertBalanceSnapshot(ctx context.Context, s *model.BalanceSnapshot) error
	LatestBalanceSnapshot(ctx context.Context) (*model.BalanceSnapshot, error)

	// System state (singleton)
	GetSystemState(ctx context.Context) (*model.SystemState, error)
	SetSystemState(ctx context.Context, s model.SystemState) error

	// Ledger (append-only)
	AppendLedger(ctx context.Context, e *model.LedgerEntry) error
	QueryLedger(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ErrSessionUsageExceeded is returned by IncrementSessionUsage when the
// capability is not ACTIVE or already at its signature limit.
var ErrSessionUsageExceeded = eris.New("session usage limit reached")

// ErrNotFound is returned for missing sessions, payments, and tasks.
// Missing premium requests surface as model.ErrRequestNotFound instead so
// the API layer can map them to 404 without knowing the store.
var ErrNotFound = eris.New("record not found")
