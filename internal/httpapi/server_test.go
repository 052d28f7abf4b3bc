package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-labs/agentpay/internal/balance"
	"github.com/x402-labs/agentpay/internal/bus"
	"github.com/x402-labs/agentpay/internal/coordinator"
	"github.com/x402-labs/agentpay/internal/executor"
	"github.com/x402-labs/agentpay/internal/facilitator"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/scheduler"
	"github.com/x402-labs/agentpay/internal/session"
	"github.com/x402-labs/agentpay/internal/store"
)

const adminKey = "test-admin-key"

// fakeChain confirms transfers instantly.
type fakeChain struct {
	lamports uint64
	sig      string
	err      error
}

func (c *fakeChain) SignerAddress() string                  { return "signer-pubkey" }
func (c *fakeChain) Balance(context.Context) (uint64, error) { return c.lamports, nil }
func (c *fakeChain) Transfer(context.Context, string, uint64) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.sig, nil
}

type fixture struct {
	handler http.Handler
	store   *store.MemoryStore
	monitor *balance.Monitor
	fac     *facilitator.Client
	chain   *fakeChain
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	b := bus.New(256)
	led := ledger.New(st, b)
	mon := balance.NewMonitor(st, b, led, nil, balance.Config{Threshold: 0.05})
	reg := session.NewRegistry(st, led, session.Policy{AllowExpiredRefresh: true})
	coord := coordinator.New(st, led, b, "http://facilitator.local")
	fac := facilitator.New("", "shared-secret", led)
	ch := &fakeChain{
		lamports: 1_000_000_000,
		sig:      "3yZe7d1o9VhR4m2pTqXsWn8cKjUbGfLAtEuDvNiSxMHQ5gPJr6wCkY1aFzB2mNde",
	}
	exec := executor.New(executor.Config{
		Store: st, Ledger: led, Bus: b, Monitor: mon,
		Sessions: reg, Chain: ch, Facilitator: nil, Recipient: "recipient-pubkey",
	})
	sched := scheduler.New(st, led, b, coord, exec, mon, reg, scheduler.Config{
		WalletKey: "signer-pubkey",
	})
	require.NoError(t, sched.SeedTasks(context.Background()))

	srv := New(Config{
		Coordinator: coord,
		Executor:    exec,
		Monitor:     mon,
		Scheduler:   sched,
		Ledger:      led,
		Sessions:    reg,
		Facilitator: fac,
		Bus:         b,
		AdminAPIKey: adminKey,
	})
	return &fixture{handler: srv.Router(), store: st, monitor: mon, fac: fac, chain: ch}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + adminKey}
}

func TestHappyPathSingleRequest(t *testing.T) {
	f := newFixture(t)

	// 1. First ask: 402 with payment instructions.
	rec := f.do(t, http.MethodPost, "/request", map[string]string{"endpoint": "market"}, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "solana-devnet", rec.Header().Get("Payment-Network"))
	assert.Equal(t, "USDC", rec.Header().Get("Payment-Methods"))
	assert.Equal(t, "http://facilitator.local", rec.Header().Get("Payment-Facilitator"))

	var d coordinator.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	require.NotNil(t, d.Instructions)
	assert.Equal(t, "0.050000000", d.Instructions.Amount.String())

	// Exactly one payment-required ledger entry.
	entries, err := f.store.QueryLedger(context.Background(), store.LedgerFilter{
		Event: model.LedgerEventPaymentRequired, RequestID: d.RequestID, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// 2. Execute the payment: 200 confirmed.
	rec = f.do(t, http.MethodPost, "/payments/execute", map[string]string{"requestId": d.RequestID}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res executor.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, executor.OutcomeConfirmed, res.Outcome)
	assert.Equal(t, f.chain.sig, res.TxHash)

	// A repeated execute settles nothing new: 202 with the noop outcome.
	rec = f.do(t, http.MethodPost, "/payments/execute", map[string]string{"requestId": d.RequestID}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var repeat executor.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repeat))
	assert.Equal(t, executor.OutcomeNoop, repeat.Outcome)

	// 3. Re-ask with the id: 200 FULFILLED with the market payload.
	rec = f.do(t, http.MethodPost, "/request", map[string]string{
		"endpoint": "market", "requestId": d.RequestID,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var final coordinator.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &final))
	assert.Equal(t, model.RequestStatusFulfilled, final.Status)
	assert.Contains(t, final.Data, "prices")
	assert.Contains(t, final.Data, "arbitrageSignals")
	assert.Contains(t, final.Data, "sentiment")

	// 4. Executing against the fulfilled request is also a 202.
	rec = f.do(t, http.MethodPost, "/payments/execute", map[string]string{"requestId": d.RequestID}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var fulfilled executor.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fulfilled))
	assert.Equal(t, executor.OutcomeAlreadyFulfilled, fulfilled.Outcome)
}

func TestPauseResumeEndpoints(t *testing.T) {
	f := newFixture(t)

	// Admin-only.
	rec := f.do(t, http.MethodPost, "/payments/pause", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/payments/pause", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["paused"])
	assert.Equal(t, "MANUAL", status["pauseReason"])

	// The gate now rejects payments with the manual reason.
	rec = f.do(t, http.MethodPost, "/request", map[string]string{"endpoint": "market"}, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var d coordinator.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))

	rec = f.do(t, http.MethodPost, "/payments/execute", map[string]string{"requestId": d.RequestID}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "MANUAL", body["pauseReason"])

	// A healthy balance sample does not lift the operator pause.
	require.NoError(t, f.monitor.Ingest(context.Background(), 1_000_000_000, balance.SourceSeed))
	rec = f.do(t, http.MethodPost, "/payments/execute", map[string]string{"requestId": d.RequestID}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Resume reopens the gate and the payment settles.
	rec = f.do(t, http.MethodPost, "/payments/resume", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/payments/execute", map[string]string{"requestId": d.RequestID}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/request", map[string]string{"endpoint": "weather"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/request", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecute_PausedReturns503(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/request", map[string]string{"endpoint": "market"}, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var d coordinator.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))

	require.NoError(t, f.monitor.Ingest(ctx, 10_000_000, balance.SourceSeed)) // 0.01 < 0.05

	rec = f.do(t, http.MethodPost, "/payments/execute", map[string]string{"requestId": d.RequestID}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "LOW_BALANCE", body["pauseReason"])
	assert.InDelta(t, 0.01, body["balance"].(float64), 1e-9)
	assert.InDelta(t, 0.05, body["threshold"].(float64), 1e-9)
}

func TestExecute_ErrorMapping(t *testing.T) {
	f := newFixture(t)

	// Unknown request id → 404.
	rec := f.do(t, http.MethodPost, "/payments/execute", map[string]string{"requestId": "ghost"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Timeout → 504.
	rec = f.do(t, http.MethodPost, "/request", map[string]string{"endpoint": "market"}, nil)
	var d coordinator.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))

	f.chain.err = model.ErrChainTimeout
	rec = f.do(t, http.MethodPost, "/payments/execute", map[string]string{"requestId": d.RequestID}, nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestBalanceEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.monitor.Ingest(context.Background(), 150_000_000, balance.SourceSeed))

	rec := f.do(t, http.MethodGet, "/payments/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.InDelta(t, 0.15, body["balance"].(float64), 1e-9)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, false, body["paused"])
}

func TestFacilitatorCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.store.CreateRequest(ctx, &model.PremiumRequest{
		ID: "req-1", Endpoint: "market", Status: model.RequestStatusPaymentRequired,
		Amount: model.MustAmount("0.05"), Currency: "USDC", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, f.store.CreatePayment(ctx, &model.Payment{
		ID: "p1", RequestID: "req-1", TxHash: "sig-1",
		Amount: model.MustAmount("0.05"), Currency: "USDC",
		Status: model.PaymentStatusFailed, FailureCode: "timeout",
		CreatedAt: now, UpdatedAt: now,
	}))

	body := []byte(`{"txHash":"sig-1","status":"confirmed"}`)

	// Missing/invalid signature → 401.
	req := httptest.NewRequest(http.MethodPost, "/payments/facilitator/callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid signature → payment reconciled to CONFIRMED.
	req = httptest.NewRequest(http.MethodPost, "/payments/facilitator/callback", bytes.NewReader(body))
	req.Header.Set("X-Facilitator-Signature", f.fac.Sign(body))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := f.store.GetPaymentByTxHash(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusConfirmed, p.Status)
	require.NotNil(t, p.ConfirmedAt)

	// Unknown tx → 404.
	unknown := []byte(`{"txHash":"ghost","status":"confirmed"}`)
	req = httptest.NewRequest(http.MethodPost, "/payments/facilitator/callback", bytes.NewReader(unknown))
	req.Header.Set("X-Facilitator-Signature", f.fac.Sign(unknown))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/logs/ledger", "/autonomy/queue", "/sessions", "/events/stats"} {
		rec := f.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = f.do(t, http.MethodGet, path, nil, map[string]string{"Authorization": "Bearer wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = f.do(t, http.MethodGet, path, nil, adminHeaders())
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestLedgerQueryAndExport(t *testing.T) {
	f := newFixture(t)

	// Generate some entries via the request flow.
	rec := f.do(t, http.MethodPost, "/request", map[string]string{"endpoint": "market"}, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	rec = f.do(t, http.MethodPost, "/request", map[string]string{"endpoint": "knowledge"}, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = f.do(t, http.MethodGet, "/logs/ledger?category=REQUEST&limit=1", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var page ledger.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Entries, 1)
	assert.NotEmpty(t, page.NextCursor)

	// Bad limit → 400.
	rec = f.do(t, http.MethodGet, "/logs/ledger?limit=abc", nil, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// CSV export.
	rec = f.do(t, http.MethodGet, "/logs/ledger/export?category=REQUEST", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 3) // header + two payment-required rows
}

func TestQueueSnapshot(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/autonomy/queue", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tasks []scheduler.TaskView `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 2)
	assert.Greater(t, body.Tasks[0].CurrentScore, 0.0)
	// Sorted by score descending, ties by endpoint: market and knowledge
	// both score 400 when never run, so knowledge comes first.
	assert.Equal(t, "knowledge", body.Tasks[0].Endpoint)
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/sessions", map[string]any{
		"walletKey": "w1", "sessionKey": "k1", "maxSignatures": 2,
	}, adminHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)

	var sc model.SessionCapability
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sc))
	assert.Equal(t, 2, sc.MaxSignatures)

	rec = f.do(t, http.MethodPost, "/sessions/"+sc.ID+"/revoke", map[string]string{"reason": "test"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/sessions/ghost/revoke", nil, adminHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventStream_Bootstrap(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: bootstrap\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
}
