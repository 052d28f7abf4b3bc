// Package ledger is the append-only observability log. Every state-changing
// event in the agent lands here exactly once; the dashboard replays it and
// the test suite asserts against it.
package ledger

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/bus"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/store"
)

const (
	// MaxPageLimit bounds a single query page.
	MaxPageLimit = 500
	// DefaultPageLimit applies when the caller passes no limit.
	DefaultPageLimit = 50
	// MaxExportRows bounds a bulk export.
	MaxExportRows = 5000
)

// Ledger appends and queries entries. Append persists first, then publishes
// a ledger-entry event on the bus; a persistence failure propagates and
// nothing is published.
type Ledger struct {
	store   store.Store
	bus     *bus.Bus
	nowFunc func() time.Time
}

// New creates a Ledger on top of the given store and bus.
func New(st store.Store, b *bus.Bus) *Ledger {
	return &Ledger{store: st, bus: b, nowFunc: time.Now}
}

// Entry is the write-side input; id and timestamp are assigned here.
type Entry struct {
	Category  model.LedgerCategory
	Event     string
	RequestID string
	PaymentID string
	TxHash    string
	Metadata  map[string]any
}

// Append records one entry and fans it out.
func (l *Ledger) Append(ctx context.Context, in Entry) (*model.LedgerEntry, error) {
	e := &model.LedgerEntry{
		ID:        uuid.New().String(),
		Category:  in.Category,
		Event:     in.Event,
		RequestID: in.RequestID,
		PaymentID: in.PaymentID,
		TxHash:    in.TxHash,
		Metadata:  in.Metadata,
		CreatedAt: l.nowFunc().UTC(),
	}
	if err := l.store.AppendLedger(ctx, e); err != nil {
		return nil, eris.Wrapf(err, "ledger: append %s:%s", e.Category, e.Event)
	}
	l.bus.Publish(bus.EventLedgerEntry, e)
	return e, nil
}

// MustAppend appends and logs instead of propagating. For observability
// writes on paths whose primary error already carries the failure.
func (l *Ledger) MustAppend(ctx context.Context, in Entry) {
	if _, err := l.Append(ctx, in); err != nil {
		zap.L().Error("ledger: append failed",
			zap.String("category", string(in.Category)),
			zap.String("event", in.Event),
			zap.Error(err),
		)
	}
}

// Page is one query result page.
type Page struct {
	Entries    []model.LedgerEntry `json:"entries"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// Query returns a page of entries newest-first. The limit is clamped to
// [1, MaxPageLimit]; cursor is the opaque token from a previous page.
func (l *Ledger) Query(ctx context.Context, f store.LedgerFilter, cursor string) (*Page, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if cursor != "" {
		c, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		f.Before = c
	}

	// Fetch one extra row to learn whether another page exists.
	limit := f.Limit
	f.Limit = limit + 1
	entries, err := l.store.QueryLedger(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: query")
	}

	page := &Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		last := page.Entries[limit-1]
		page.NextCursor = encodeCursor(store.LedgerCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// Export returns up to MaxExportRows entries matching the filter, newest
// first, for bulk CSV export.
func (l *Ledger) Export(ctx context.Context, f store.LedgerFilter) ([]model.LedgerEntry, error) {
	if f.Limit <= 0 || f.Limit > MaxExportRows {
		f.Limit = MaxExportRows
	}
	entries, err := l.store.QueryLedger(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: export")
	}
	return entries, nil
}

func encodeCursor(c store.LedgerCursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*store.LedgerCursor, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: decode cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, eris.New("ledger: malformed cursor")
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: malformed cursor timestamp")
	}
	return &store.LedgerCursor{CreatedAt: at, ID: id}, nil
}
