package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/x402-labs/agentpay/internal/db"
	"github.com/x402-labs/agentpay/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS premium_requests (
	id              TEXT PRIMARY KEY,
	endpoint        TEXT NOT NULL,
	status          TEXT NOT NULL,
	amount          TEXT NOT NULL,
	currency        TEXT NOT NULL,
	facilitator_url TEXT NOT NULL,
	payment_hash    TEXT,
	data            JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_premium_requests_endpoint_status ON premium_requests(endpoint, status);

CREATE TABLE IF NOT EXISTS payments (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL REFERENCES premium_requests(id),
	tx_hash      TEXT NOT NULL UNIQUE,
	amount       TEXT NOT NULL,
	currency     TEXT NOT NULL,
	status       TEXT NOT NULL,
	failure_code TEXT,
	confirmed_at TIMESTAMPTZ,
	version      BIGINT NOT NULL DEFAULT 1,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_payments_request_id ON payments(request_id);

CREATE TABLE IF NOT EXISTS session_capabilities (
	id             TEXT PRIMARY KEY,
	wallet_key     TEXT NOT NULL,
	session_key    TEXT NOT NULL,
	nonce          TEXT NOT NULL,
	max_signatures INTEGER NOT NULL,
	used_count     INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	revoked_reason TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS autonomy_tasks (
	endpoint          TEXT PRIMARY KEY,
	value_score       DOUBLE PRECISION NOT NULL,
	cost              DOUBLE PRECISION NOT NULL,
	freshness_secs    BIGINT NOT NULL,
	base_backoff_secs BIGINT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'IDLE',
	last_run_at       TIMESTAMPTZ,
	last_success_at   TIMESTAMPTZ,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	next_eligible_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_at         TIMESTAMPTZ,
	last_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_error        TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS balance_snapshots (
	id         TEXT PRIMARY KEY,
	lamports   BIGINT NOT NULL,
	units      DOUBLE PRECISION NOT NULL,
	status     TEXT NOT NULL,
	threshold  DOUBLE PRECISION NOT NULL,
	source     TEXT NOT NULL,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_balance_snapshots_created_at ON balance_snapshots(created_at DESC);

CREATE TABLE IF NOT EXISTS system_state (
	singleton       BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
	payments_paused BOOLEAN NOT NULL DEFAULT FALSE,
	pause_reason    TEXT,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id         TEXT PRIMARY KEY,
	seq        BIGSERIAL,
	category   TEXT NOT NULL,
	event      TEXT NOT NULL,
	request_id TEXT,
	payment_id TEXT,
	tx_hash    TEXT,
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_category_created ON ledger_entries(category, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_request_id ON ledger_entries(request_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_tx_hash ON ledger_entries(tx_hash);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req *model.PremiumRequest) error {
	dataJSON, err := marshalNullable(req.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal request data")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO premium_requests (id, endpoint, status, amount, currency, facilitator_url, payment_hash, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.Endpoint, string(req.Status), req.Amount.String(), req.Currency,
		req.FacilitatorURL, nullable(req.PaymentHash), dataJSON, req.CreatedAt, req.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert request")
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*model.PremiumRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, endpoint, status, amount, currency, facilitator_url, payment_hash, data, created_at, updated_at
		 FROM premium_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrRequestNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get request %s", id)
	}
	return req, nil
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, req *model.PremiumRequest) error {
	dataJSON, err := marshalNullable(req.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal request data")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE premium_requests SET status = $1, payment_hash = $2, data = $3, updated_at = $4 WHERE id = $5`,
		string(req.Status), nullable(req.PaymentHash), dataJSON, req.UpdatedAt, req.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update request %s", req.ID)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRequestNotFound
	}
	return nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	p.Version = 1
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payments (id, request_id, tx_hash, amount, currency, status, failure_code, confirmed_at, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.RequestID, p.TxHash, p.Amount.String(), p.Currency, string(p.Status),
		nullable(p.FailureCode), p.ConfirmedAt, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.ErrDuplicatePayment
	}
	return eris.Wrap(err, "postgres: insert payment")
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	row := s.pool.QueryRow(ctx, paymentSelect+` WHERE id = $1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get payment %s", id)
	}
	return p, nil
}

func (s *PostgresStore) GetPaymentByTxHash(ctx context.Context, txHash string) (*model.Payment, error) {
	row := s.pool.QueryRow(ctx, paymentSelect+` WHERE tx_hash = $1`, txHash)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get payment by tx %s", txHash)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePaymentStatus(ctx context.Context, id string, version int64, status model.PaymentStatus, failureCode string, confirmedAt *time.Time) (*model.Payment, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE payments
		 SET status = $1, failure_code = $2, confirmed_at = $3, version = version + 1, updated_at = now()
		 WHERE id = $4 AND version = $5
		 RETURNING id, request_id, tx_hash, amount, currency, status, failure_code, confirmed_at, version, created_at, updated_at`,
		string(status), nullable(failureCode), confirmedAt, id, version,
	)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the row is gone or the version is stale; distinguish so
		// callers only retry the conflict case.
		if _, getErr := s.GetPayment(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, &model.TransientStoreError{Op: "update payment status", Err: errVersionConflict}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update payment %s", id)
	}
	return p, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sc *model.SessionCapability) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_capabilities (id, wallet_key, session_key, nonce, max_signatures, used_count, status, expires_at, revoked_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sc.ID, sc.WalletKey, sc.SessionKey, sc.Nonce, sc.MaxSignatures, sc.UsedCount,
		string(sc.Status), sc.ExpiresAt, nullable(sc.RevokedReason), sc.CreatedAt, sc.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert session")
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.SessionCapability, error) {
	row := s.pool.QueryRow(ctx, sessionSelect+` WHERE id = $1`, id)
	sc, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return sc, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sc *model.SessionCapability) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session_capabilities SET status = $1, expires_at = $2, used_count = $3, revoked_reason = $4, updated_at = $5 WHERE id = $6`,
		string(sc.Status), sc.ExpiresAt, sc.UsedCount, nullable(sc.RevokedReason), sc.UpdatedAt, sc.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session %s", sc.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSessionUsage bumps the usage counter and flips the status to
// EXHAUSTED in the same statement when the limit is reached, so two
// concurrent submissions can never both pass the limit.
func (s *PostgresStore) IncrementSessionUsage(ctx context.Context, id string) (*model.SessionCapability, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE session_capabilities
		 SET used_count = used_count + 1,
		     status = CASE WHEN used_count + 1 >= max_signatures THEN 'EXHAUSTED' ELSE status END,
		     updated_at = now()
		 WHERE id = $1 AND status = 'ACTIVE' AND used_count < max_signatures
		 RETURNING id, wallet_key, session_key, nonce, max_signatures, used_count, status, expires_at, revoked_reason, created_at, updated_at`,
		id,
	)
	sc, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrSessionUsageExceeded
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: increment session usage %s", id)
	}
	return sc, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]model.SessionCapability, error) {
	rows, err := s.pool.Query(ctx, sessionSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.SessionCapability
	for rows.Next() {
		sc, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		out = append(out, *sc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions")
}

func (s *PostgresStore) UpsertTask(ctx context.Context, t *model.AutonomyTask) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO autonomy_tasks (endpoint, value_score, cost, freshness_secs, base_backoff_secs, status, failure_count, next_eligible_at, last_score, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (endpoint) DO UPDATE SET
		   value_score = EXCLUDED.value_score,
		   cost = EXCLUDED.cost,
		   freshness_secs = EXCLUDED.freshness_secs,
		   base_backoff_secs = EXCLUDED.base_backoff_secs,
		   updated_at = EXCLUDED.updated_at`,
		t.Endpoint, t.ValueScore, t.Cost, t.FreshnessSecs, t.BaseBackoffSecs,
		string(t.Status), t.FailureCount, t.NextEligibleAt, t.LastScore, t.CreatedAt, t.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert task %s", t.Endpoint)
}

func (s *PostgresStore) GetTask(ctx context.Context, endpoint string) (*model.AutonomyTask, error) {
	row := s.pool.QueryRow(ctx, taskSelect+` WHERE endpoint = $1`, endpoint)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", endpoint)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]model.AutonomyTask, error) {
	rows, err := s.pool.Query(ctx, taskSelect+` ORDER BY endpoint`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var out []model.AutonomyTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tasks")
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *model.AutonomyTask) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE autonomy_tasks
		 SET status = $1, last_run_at = $2, last_success_at = $3, failure_count = $4,
		     next_eligible_at = $5, locked_at = $6, last_score = $7, last_error = $8, updated_at = $9
		 WHERE endpoint = $10`,
		string(t.Status), t.LastRunAt, t.LastSuccessAt, t.FailureCount,
		t.NextEligibleAt, t.LockedAt, t.LastScore, nullable(t.LastError), t.UpdatedAt, t.Endpoint,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task %s", t.Endpoint)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AcquireTaskLock takes the scheduler lock with a single conditional UPDATE;
// the predicate and the write are one statement, so replicas cannot both win.
func (s *PostgresStore) AcquireTaskLock(ctx context.Context, endpoint string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE autonomy_tasks
		 SET status = 'RUNNING', locked_at = $1, updated_at = $1
		 WHERE endpoint = $2 AND status <> 'RUNNING' AND locked_at IS NULL AND next_eligible_at <= $1`,
		at, endpoint,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire task lock %s", endpoint)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) InsertBalanceSnapshot(ctx context.Context, snap *model.BalanceSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balance_snapshots (id, lamports, units, status, threshold, source, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, int64(snap.Lamports), snap.Units, string(snap.Status), snap.Threshold,
		snap.Source, nullable(snap.Error), snap.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert balance snapshot")
}

func (s *PostgresStore) LatestBalanceSnapshot(ctx context.Context) (*model.BalanceSnapshot, error) {
	var snap model.BalanceSnapshot
	var lamports int64
	var errText *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, lamports, units, status, threshold, source, error, created_at
		 FROM balance_snapshots ORDER BY created_at DESC, id DESC LIMIT 1`,
	).Scan(&snap.ID, &lamports, &snap.Units, &snap.Status, &snap.Threshold, &snap.Source, &errText, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest balance snapshot")
	}
	snap.Lamports = uint64(lamports)
	if errText != nil {
		snap.Error = *errText
	}
	return &snap, nil
}

func (s *PostgresStore) GetSystemState(ctx context.Context) (*model.SystemState, error) {
	var st model.SystemState
	var reason *string
	err := s.pool.QueryRow(ctx,
		`SELECT payments_paused, pause_reason, updated_at FROM system_state WHERE singleton`,
	).Scan(&st.PaymentsPaused, &reason, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.SystemState{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get system state")
	}
	if reason != nil {
		st.PauseReason = model.PauseReason(*reason)
	}
	return &st, nil
}

func (s *PostgresStore) SetSystemState(ctx context.Context, st model.SystemState) error {
	var reason *string
	if st.PauseReason != "" {
		r := string(st.PauseReason)
		reason = &r
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO system_state (singleton, payments_paused, pause_reason, updated_at)
		 VALUES (TRUE, $1, $2, $3)
		 ON CONFLICT (singleton) DO UPDATE SET
		   payments_paused = EXCLUDED.payments_paused,
		   pause_reason = EXCLUDED.pause_reason,
		   updated_at = EXCLUDED.updated_at`,
		st.PaymentsPaused, reason, st.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: set system state")
}

func (s *PostgresStore) AppendLedger(ctx context.Context, e *model.LedgerEntry) error {
	metaJSON, err := marshalNullable(e.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal ledger metadata")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, category, event, request_id, payment_id, tx_hash, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, string(e.Category), e.Event, nullable(e.RequestID), nullable(e.PaymentID),
		nullable(e.TxHash), metaJSON, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append ledger")
}

func (s *PostgresStore) QueryLedger(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, error) {
	query := `SELECT id, category, event, request_id, payment_id, tx_hash, metadata, created_at FROM ledger_entries WHERE true`
	args := []any{}
	argIdx := 1

	add := func(clause string, v any) {
		query += fmt.Sprintf(clause, argIdx)
		args = append(args, v)
		argIdx++
	}

	if f.Category != "" {
		add(` AND category = $%d`, string(f.Category))
	}
	if f.Event != "" {
		add(` AND event = $%d`, f.Event)
	}
	if f.RequestID != "" {
		add(` AND request_id = $%d`, f.RequestID)
	}
	if f.PaymentID != "" {
		add(` AND payment_id = $%d`, f.PaymentID)
	}
	if f.TxHash != "" {
		add(` AND tx_hash = $%d`, f.TxHash)
	}
	if f.From != nil {
		add(` AND created_at >= $%d`, *f.From)
	}
	if f.To != nil {
		add(` AND created_at <= $%d`, *f.To)
	}
	if f.Before != nil {
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, argIdx, argIdx+1)
		args = append(args, f.Before.CreatedAt, f.Before.ID)
		argIdx += 2
	}

	query += ` ORDER BY created_at DESC, seq DESC, id DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	add(` LIMIT $%d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query ledger")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var requestID, paymentID, txHash *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Category, &e.Event, &requestID, &paymentID, &txHash, &metaJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		e.RequestID = deref(requestID)
		e.PaymentID = deref(paymentID)
		e.TxHash = deref(txHash)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal ledger metadata")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query ledger")
}

const paymentSelect = `SELECT id, request_id, tx_hash, amount, currency, status, failure_code, confirmed_at, version, created_at, updated_at FROM payments`

const sessionSelect = `SELECT id, wallet_key, session_key, nonce, max_signatures, used_count, status, expires_at, revoked_reason, created_at, updated_at FROM session_capabilities`

const taskSelect = `SELECT endpoint, value_score, cost, freshness_secs, base_backoff_secs, status, last_run_at, last_success_at, failure_count, next_eligible_at, locked_at, last_score, last_error, created_at, updated_at FROM autonomy_tasks`

func scanRequest(row pgx.Row) (*model.PremiumRequest, error) {
	var req model.PremiumRequest
	var amount string
	var paymentHash *string
	var dataJSON []byte
	err := row.Scan(&req.ID, &req.Endpoint, &req.Status, &amount, &req.Currency,
		&req.FacilitatorURL, &paymentHash, &dataJSON, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	req.Amount, err = model.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	req.PaymentHash = deref(paymentHash)
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &req.Data); err != nil {
			return nil, err
		}
	}
	return &req, nil
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	var amount string
	var failureCode *string
	err := row.Scan(&p.ID, &p.RequestID, &p.TxHash, &amount, &p.Currency, &p.Status,
		&failureCode, &p.ConfirmedAt, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Amount, err = model.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	p.FailureCode = deref(failureCode)
	return &p, nil
}

func scanSession(row pgx.Row) (*model.SessionCapability, error) {
	var sc model.SessionCapability
	var revokedReason *string
	err := row.Scan(&sc.ID, &sc.WalletKey, &sc.SessionKey, &sc.Nonce, &sc.MaxSignatures,
		&sc.UsedCount, &sc.Status, &sc.ExpiresAt, &revokedReason, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sc.RevokedReason = deref(revokedReason)
	return &sc, nil
}

func scanTask(row pgx.Row) (*model.AutonomyTask, error) {
	var t model.AutonomyTask
	var lastError *string
	err := row.Scan(&t.Endpoint, &t.ValueScore, &t.Cost, &t.FreshnessSecs, &t.BaseBackoffSecs,
		&t.Status, &t.LastRunAt, &t.LastSuccessAt, &t.FailureCount, &t.NextEligibleAt,
		&t.LockedAt, &t.LastScore, &lastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.LastError = deref(lastError)
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalNullable(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
