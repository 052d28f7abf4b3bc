// Package session manages bounded signing capabilities: issued with a
// signature budget and a TTL, consumed one increment per payment
// submission, and never reactivated once revoked or exhausted.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/store"
)

const (
	// DefaultMaxSignatures is the signature budget when none is requested.
	DefaultMaxSignatures = 3
	// DefaultTTL is the capability lifetime when none is requested.
	DefaultTTL = time.Hour
)

// Policy controls refresh behavior.
type Policy struct {
	// AllowExpiredRefresh permits refreshing an EXPIRED capability back to
	// ACTIVE. EXHAUSTED and REVOKED are never refreshable.
	AllowExpiredRefresh bool
}

// Registry issues and tracks session capabilities.
type Registry struct {
	store   store.Store
	ledger  *ledger.Ledger
	policy  Policy
	nowFunc func() time.Time
	log     *zap.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(st store.Store, led *ledger.Ledger, policy Policy) *Registry {
	return &Registry{
		store:   st,
		ledger:  led,
		policy:  policy,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "session")),
	}
}

// IssueParams are the inputs to Issue. Zero MaxSignatures and TTL take the
// defaults.
type IssueParams struct {
	WalletKey     string
	SessionKey    string
	Nonce         string
	MaxSignatures int
	TTL           time.Duration
}

// Issue persists a new ACTIVE capability and records a session-issued entry.
func (r *Registry) Issue(ctx context.Context, p IssueParams) (*model.SessionCapability, error) {
	if p.WalletKey == "" || p.SessionKey == "" {
		return nil, eris.New("session: wallet and session keys are required")
	}
	if p.MaxSignatures <= 0 {
		p.MaxSignatures = DefaultMaxSignatures
	}
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}

	now := r.nowFunc().UTC()
	sc := &model.SessionCapability{
		ID:            uuid.New().String(),
		WalletKey:     p.WalletKey,
		SessionKey:    p.SessionKey,
		Nonce:         p.Nonce,
		MaxSignatures: p.MaxSignatures,
		Status:        model.SessionStatusActive,
		ExpiresAt:     now.Add(p.TTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateSession(ctx, sc); err != nil {
		return nil, eris.Wrap(err, "session: issue")
	}

	r.ledger.MustAppend(ctx, ledger.Entry{
		Category: model.LedgerCategorySystem,
		Event:    model.LedgerEventSessionIssued,
		Metadata: map[string]any{
			"sessionId":     sc.ID,
			"maxSignatures": sc.MaxSignatures,
			"expiresAt":     sc.ExpiresAt,
		},
	})
	return sc, nil
}

// GetActive returns the capability iff it can authorize a signature right
// now. Capabilities found expired or exhausted are transitioned and not
// returned; unknown ids return store.ErrNotFound.
func (r *Registry) GetActive(ctx context.Context, id string) (*model.SessionCapability, error) {
	sc, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.nowFunc().UTC()

	if sc.Status == model.SessionStatusActive && sc.ExpiredAt(now) {
		sc.Status = model.SessionStatusExpired
		sc.UpdatedAt = now
		if err := r.store.UpdateSession(ctx, sc); err != nil {
			return nil, eris.Wrap(err, "session: persist expiry")
		}
		return nil, nil
	}
	if sc.Status == model.SessionStatusActive && sc.Exhausted() {
		sc.Status = model.SessionStatusExhausted
		sc.UpdatedAt = now
		if err := r.store.UpdateSession(ctx, sc); err != nil {
			return nil, eris.Wrap(err, "session: persist exhaustion")
		}
		return nil, nil
	}
	if !sc.Usable(now) {
		return nil, nil
	}
	return sc, nil
}

// IncrementUsage consumes one signature. The store performs the increment
// and the EXHAUSTED flip atomically, so it is race-free against concurrent
// GetActive readers.
func (r *Registry) IncrementUsage(ctx context.Context, id string) (*model.SessionCapability, error) {
	sc, err := r.store.IncrementSessionUsage(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.Status == model.SessionStatusExhausted {
		r.log.Info("session exhausted", zap.String("session_id", id), zap.Int("used", sc.UsedCount))
	}
	return sc, nil
}

// Refresh extends the capability's expiry. Refreshing an EXPIRED capability
// requires the policy to permit it; EXHAUSTED and REVOKED always fail with
// model.ErrSessionNotRefreshable.
func (r *Registry) Refresh(ctx context.Context, id string, ttl time.Duration) (*model.SessionCapability, error) {
	sc, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.nowFunc().UTC()

	switch sc.Status {
	case model.SessionStatusActive:
	case model.SessionStatusExpired:
		if !r.policy.AllowExpiredRefresh {
			return nil, model.ErrSessionNotRefreshable
		}
	default:
		return nil, model.ErrSessionNotRefreshable
	}
	// A capability that is past expiry but not yet marked is treated the
	// same as one already transitioned.
	if sc.Status == model.SessionStatusActive && sc.ExpiredAt(now) && !r.policy.AllowExpiredRefresh {
		return nil, model.ErrSessionNotRefreshable
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sc.Status = model.SessionStatusActive
	sc.ExpiresAt = now.Add(ttl)
	sc.UpdatedAt = now
	if err := r.store.UpdateSession(ctx, sc); err != nil {
		return nil, eris.Wrap(err, "session: refresh")
	}

	r.ledger.MustAppend(ctx, ledger.Entry{
		Category: model.LedgerCategorySystem,
		Event:    model.LedgerEventSessionRefreshed,
		Metadata: map[string]any{"sessionId": sc.ID, "expiresAt": sc.ExpiresAt},
	})
	return sc, nil
}

// Revoke is a terminal transition.
func (r *Registry) Revoke(ctx context.Context, id, reason string) (*model.SessionCapability, error) {
	sc, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.Status == model.SessionStatusRevoked {
		return sc, nil
	}
	now := r.nowFunc().UTC()
	sc.Status = model.SessionStatusRevoked
	sc.RevokedReason = reason
	sc.UpdatedAt = now
	if err := r.store.UpdateSession(ctx, sc); err != nil {
		return nil, eris.Wrap(err, "session: revoke")
	}

	r.ledger.MustAppend(ctx, ledger.Entry{
		Category: model.LedgerCategorySystem,
		Event:    model.LedgerEventSessionRevoked,
		Metadata: map[string]any{"sessionId": sc.ID, "reason": reason},
	})
	return sc, nil
}

// List returns every capability, newest first.
func (r *Registry) List(ctx context.Context) ([]model.SessionCapability, error) {
	return r.store.ListSessions(ctx)
}

// IsNotFound reports whether err means the session id is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
