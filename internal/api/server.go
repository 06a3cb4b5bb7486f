// Package api is the thin HTTP surface over the core: login, the
// consolidated user profile, PAT and invitation management, and
// OpenAI-compatible chat completions with SSE streaming.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/agixt/backend/internal/agents"
	"github.com/agixt/backend/internal/auth"
	"github.com/agixt/backend/internal/billing"
	"github.com/agixt/backend/internal/cache"
	"github.com/agixt/backend/internal/chains"
	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/invite"
	"github.com/agixt/backend/internal/prompt"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the core subsystems behind HTTP handlers.
type Server struct {
	cfg       *config.Config
	store     database.Store
	cache     cache.Cache
	session   *auth.Session
	magic     *auth.MagicLink
	registrar *auth.Registrar
	pats      *auth.PATManager
	invites   *invite.Manager
	router    *agents.Router
	runner    *prompt.Runner
	executor  *chains.Executor
	gate      *billing.Gate
	logger    *slog.Logger

	http *http.Server
}

// NewServer builds the HTTP server around the assembled core.
func NewServer(cfg *config.Config, store database.Store, c cache.Cache, session *auth.Session, magic *auth.MagicLink, registrar *auth.Registrar, pats *auth.PATManager, invites *invite.Manager, router *agents.Router, runner *prompt.Runner, executor *chains.Executor, gate *billing.Gate, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg: cfg, store: store, cache: c, session: session, magic: magic,
		registrar: registrar, pats: pats, invites: invites, router: router,
		runner: runner, executor: executor, gate: gate, logger: logger,
	}
}

// Routes builds the mux router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/login/request", s.handleLoginRequest).Methods(http.MethodPost)
	v1.HandleFunc("/login", s.handleLoginVerify).Methods(http.MethodPost)
	v1.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/invitations/{id}/accept", s.handleInvitationAccept).Methods(http.MethodPost)

	authed := v1.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/user", s.handleUser).Methods(http.MethodGet)
	authed.HandleFunc("/user/logout", s.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/user/mfa/reset", s.handleMFAReset).Methods(http.MethodPost)
	authed.HandleFunc("/user/preferences", s.handleSetPreference).Methods(http.MethodPut)

	gated := v1.NewRoute().Subrouter()
	gated.Use(s.authMiddleware, s.paywallMiddleware)
	gated.HandleFunc("/tokens", s.handlePATCreate).Methods(http.MethodPost)
	gated.HandleFunc("/tokens", s.handlePATList).Methods(http.MethodGet)
	gated.HandleFunc("/tokens/{id}", s.handlePATGet).Methods(http.MethodGet)
	gated.HandleFunc("/tokens/{id}", s.handlePATRevoke).Methods(http.MethodDelete)
	gated.HandleFunc("/tokens/{id}/regenerate", s.handlePATRegenerate).Methods(http.MethodPost)
	gated.HandleFunc("/invitations", s.handleInvitationIssue).Methods(http.MethodPost)
	gated.HandleFunc("/chains", s.handleChainCreate).Methods(http.MethodPost)
	gated.HandleFunc("/chains/{name}/run", s.handleChainRun).Methods(http.MethodPost)
	gated.HandleFunc("/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api listening", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// authMiddleware resolves the bearer credential and attaches the
// AuthContext.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := s.session.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(core.WithAuth(r.Context(), ac)))
	})
}

// paywallMiddleware enforces the billing gate on work-performing routes.
// Master-key requests bypass.
func (s *Server) paywallMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := core.AuthFrom(r.Context())
		if !ok {
			s.writeError(w, core.Unauthenticated("missing credential"))
			return
		}
		if ac.Method != core.AuthMasterKey {
			if err := s.gate.Check(r.Context(), ac.UserID); err != nil {
				s.writeError(w, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error         string               `json:"error"`
	Detail        string               `json:"detail,omitempty"`
	RequiredScope string               `json:"required_scope,omitempty"`
	Payment       *core.PaymentDetails `json:"payment,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	domainErr := core.AsError(err)
	if domainErr.Kind == core.KindInternal {
		// Log the cause, surface a generic message.
		s.logger.Error("internal error", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(core.KindInternal), Detail: "internal error"})
		return
	}
	body := errorBody{
		Error:         string(domainErr.Kind),
		Detail:        domainErr.Message,
		RequiredScope: domainErr.RequiredScope,
	}
	if domainErr.Kind == core.KindPaymentRequired {
		body.Payment = domainErr.Payment
	}
	s.writeJSON(w, core.HTTPStatus(domainErr), body)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.BadRequest("malformed request body")
	}
	return nil
}
