// Package httpapi exposes the agent's HTTP surface: the x402 request flow,
// payment execution, facilitator callbacks, the ledger, the autonomy
// queue, and the admin event stream. It is a thin adapter; all semantics
// live in the core packages.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/balance"
	"github.com/x402-labs/agentpay/internal/bus"
	"github.com/x402-labs/agentpay/internal/coordinator"
	"github.com/x402-labs/agentpay/internal/executor"
	"github.com/x402-labs/agentpay/internal/facilitator"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/scheduler"
	"github.com/x402-labs/agentpay/internal/session"
)

// Server wires the HTTP routes to the core components.
type Server struct {
	coordinator *coordinator.Coordinator
	executor    *executor.Executor
	monitor     *balance.Monitor
	scheduler   *scheduler.Scheduler
	ledger      *ledger.Ledger
	sessions    *session.Registry
	facilitator *facilitator.Client
	bus         *bus.Bus

	adminKey       string
	allowedOrigins []string
	log            *zap.Logger
}

// Config wires a Server.
type Config struct {
	Coordinator    *coordinator.Coordinator
	Executor       *executor.Executor
	Monitor        *balance.Monitor
	Scheduler      *scheduler.Scheduler
	Ledger         *ledger.Ledger
	Sessions       *session.Registry
	Facilitator    *facilitator.Client
	Bus            *bus.Bus
	AdminAPIKey    string
	AllowedOrigins []string
}

// New creates a Server.
func New(cfg Config) *Server {
	return &Server{
		coordinator:    cfg.Coordinator,
		executor:       cfg.Executor,
		monitor:        cfg.Monitor,
		scheduler:      cfg.Scheduler,
		ledger:         cfg.Ledger,
		sessions:       cfg.Sessions,
		facilitator:    cfg.Facilitator,
		bus:            cfg.Bus,
		adminKey:       cfg.AdminAPIKey,
		allowedOrigins: cfg.AllowedOrigins,
		log:            zap.L().With(zap.String("component", "httpapi")),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Facilitator-Signature"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/request", s.handleRequest)

	r.Route("/payments", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Get("/balance", s.handleBalance)
		r.Post("/facilitator/callback", s.handleFacilitatorCallback)

		// Operator gate controls.
		r.With(s.requireAdmin).Post("/pause", s.handlePause)
		r.With(s.requireAdmin).Post("/resume", s.handleResume)
	})

	// Admin surfaces require the bearer token.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Get("/logs/ledger", s.handleLedgerQuery)
		r.Get("/logs/ledger/export", s.handleLedgerExport)

		r.Get("/autonomy/queue", s.handleQueue)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleIssueSession)
		r.Post("/sessions/{id}/revoke", s.handleRevokeSession)

		r.Get("/events/stream", s.handleEventStream)
		r.Get("/events/stats", s.handleEventStats)
	})

	return r
}

// requireAdmin enforces the configured bearer token. An unset key locks the
// admin surfaces entirely.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.adminKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "admin authorization required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
