package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/coordinator"
	"github.com/x402-labs/agentpay/internal/executor"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/session"
	"github.com/x402-labs/agentpay/internal/store"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint  string `json:"endpoint"`
		RequestID string `json:"requestId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	d, err := s.coordinator.RequestOrAdvance(r.Context(), req.Endpoint, req.RequestID)
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownEndpoint) {
			writeError(w, http.StatusBadRequest, "unknown endpoint")
			return
		}
		s.writeDomainError(w, err)
		return
	}

	switch d.Status {
	case model.RequestStatusFulfilled:
		writeJSON(w, http.StatusOK, d)
	case model.RequestStatusPaymentRequired:
		w.Header().Set("Payment-Network", "solana-devnet")
		w.Header().Set("Payment-Methods", d.Instructions.Currency)
		w.Header().Set("Payment-Facilitator", d.Instructions.FacilitatorURL)
		writeJSON(w, http.StatusPaymentRequired, d)
	default:
		writeJSON(w, http.StatusConflict, d)
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"requestId"`
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	res, err := s.executor.Execute(r.Context(), req.RequestID, req.SessionID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Only a freshly confirmed payment is a 200; already-fulfilled and noop
	// outcomes mean no new payment settled on this call.
	if res.Outcome == executor.OutcomeConfirmed {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Pause(r.Context(), model.PauseReasonManual); err != nil {
		writeError(w, http.StatusInternalServerError, "pause failed")
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "resume failed")
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleFacilitatorCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !s.facilitator.VerifyCallback(r.Header.Get("X-Facilitator-Signature"), body) {
		writeError(w, http.StatusUnauthorized, "invalid facilitator signature")
		return
	}

	var cb coordinator.Callback
	if err := json.Unmarshal(body, &cb); err != nil || cb.TxHash == "" {
		writeError(w, http.StatusBadRequest, "invalid callback body")
		return
	}

	payment, err := s.coordinator.ReconcileCallback(r.Context(), cb)
	if err != nil {
		if coordinator.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "unknown transaction")
			return
		}
		if errors.Is(err, coordinator.ErrUnknownCallbackStatus) {
			writeError(w, http.StatusBadRequest, "unknown callback status")
			return
		}
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) handleLedgerQuery(w http.ResponseWriter, r *http.Request) {
	f, cursor, err := ledgerFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.ledger.Query(r.Context(), f, cursor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleLedgerExport(w http.ResponseWriter, r *http.Request) {
	f, _, err := ledgerFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.ledger.Export(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.csv"`)
	if err := ledger.WriteCSV(w, entries); err != nil {
		s.log.Error("ledger export write failed", zap.Error(err))
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	views, err := s.scheduler.QueueSnapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletKey     string `json:"walletKey"`
		SessionKey    string `json:"sessionKey"`
		Nonce         string `json:"nonce"`
		MaxSignatures int    `json:"maxSignatures"`
		TTLSecs       int    `json:"ttlSecs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sc, err := s.sessions.Issue(r.Context(), session.IssueParams{
		WalletKey:     req.WalletKey,
		SessionKey:    req.SessionKey,
		Nonce:         req.Nonce,
		MaxSignatures: req.MaxSignatures,
		TTL:           time.Duration(req.TTLSecs) * time.Second,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &req)

	sc, err := s.sessions.Revoke(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		if session.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleEventStats(w http.ResponseWriter, _ *http.Request) {
	subs, dropped := s.bus.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"subscribers":   subs,
		"droppedEvents": dropped,
	})
}

// writeDomainError maps classified core failures onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var paused *model.PaymentsPausedError
	var sessionInvalid *model.SessionInvalidError
	var chainRejected *model.ChainRejectedError

	switch {
	case errors.Is(err, model.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "request not found")
	case errors.As(err, &paused):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":       "payments paused",
			"pauseReason": string(paused.Reason),
			"balance":     paused.Balance,
			"threshold":   paused.Threshold,
		})
	case errors.Is(err, model.ErrSignerUnavailable):
		writeError(w, http.StatusInternalServerError, "signer unavailable")
	case errors.As(err, &sessionInvalid):
		writeError(w, http.StatusUnauthorized, sessionInvalid.Error())
	case errors.Is(err, model.ErrChainTimeout):
		writeError(w, http.StatusGatewayTimeout, "chain confirmation timed out")
	case errors.As(err, &chainRejected):
		writeError(w, http.StatusBadGateway, chainRejected.Error())
	case errors.Is(err, model.ErrSessionNotRefreshable):
		writeError(w, http.StatusConflict, "session not refreshable")
	default:
		s.log.Error("unclassified error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ledgerFilterFromQuery parses the shared ledger query parameters.
func ledgerFilterFromQuery(r *http.Request) (store.LedgerFilter, string, error) {
	q := r.URL.Query()
	f := store.LedgerFilter{
		Category:  model.LedgerCategory(q.Get("category")),
		Event:     q.Get("event"),
		RequestID: q.Get("requestId"),
		PaymentID: q.Get("paymentId"),
		TxHash:    q.Get("txHash"),
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return f, "", errors.New("limit must be an integer")
		}
		f.Limit = limit
	}
	if v := q.Get("from"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, "", errors.New("from must be RFC3339")
		}
		f.From = &at
	}
	if v := q.Get("to"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, "", errors.New("to must be RFC3339")
		}
		f.To = &at
	}
	return f, q.Get("cursor"), nil
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}
