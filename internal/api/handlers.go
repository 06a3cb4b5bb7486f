package api

import (
	"net/http"

	"github.com/agixt/backend/internal/auth"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/invite"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// handleHealth reports store and cache connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]string{"status": "ok", "store": "ok", "cache": "ok"}
	code := http.StatusOK

	if _, err := s.store.GetUserByEmail(ctx, "health@invalid"); err != nil {
		status["status"], status["store"] = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	var probe string
	if _, err := s.cache.Get(ctx, "health_probe", &probe); err != nil {
		status["status"], status["cache"] = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

// ============================================================================
// LOGIN & REGISTRATION
// ============================================================================

func (s *Server) handleLoginRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.magic.Request(r.Context(), body.Email); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"detail": "login code sent"})
}

func (s *Server) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.magic.Verify(r.Context(), body.Email, body.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	user, err := s.registrar.Register(r.Context(), body.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, user)
}

// ============================================================================
// USER
// ============================================================================

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	if ac.Method == core.AuthMasterKey {
		// Synthetic admin has no stored profile.
		s.writeJSON(w, http.StatusOK, auth.Profile{Email: ac.Email, IsActive: true})
		return
	}
	profile, err := s.session.Profile(r.Context(), ac, s.registrar)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	if ac.Method == core.AuthJWT {
		if err := s.session.Logout(r.Context(), ac.Token); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"detail": "logged out"})
}

func (s *Server) handleMFAReset(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	if err := s.magic.ResetMFA(r.Context(), ac.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"detail": "mfa reset"})
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Key == "" {
		s.writeError(w, core.BadRequest("preference key is required"))
		return
	}
	if err := s.session.SetPreference(r.Context(), ac.UserID, body.Key, body.Value); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"detail": "preference saved"})
}

// ============================================================================
// PERSONAL ACCESS TOKENS
// ============================================================================

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, core.BadRequest("invalid id")
	}
	return id, nil
}

func (s *Server) handlePATCreate(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	var req auth.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pat, token, err := s.pats.Create(r.Context(), ac.UserID, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"token": token, "personal_access_token": pat})
}

func (s *Server) handlePATList(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	pats, err := s.pats.List(r.Context(), ac.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pats == nil {
		pats = []database.PersonalAccessToken{}
	}
	s.writeJSON(w, http.StatusOK, pats)
}

func (s *Server) handlePATGet(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pat, err := s.pats.Get(r.Context(), ac.UserID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pat)
}

func (s *Server) handlePATRevoke(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.pats.Revoke(r.Context(), ac.UserID, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"detail": "token revoked"})
}

func (s *Server) handlePATRegenerate(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pat, token, err := s.pats.Regenerate(r.Context(), ac.UserID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"token": token, "personal_access_token": pat})
}

// ============================================================================
// INVITATIONS
// ============================================================================

func (s *Server) handleInvitationIssue(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	var body struct {
		Email     string    `json:"email"`
		CompanyID uuid.UUID `json:"company_id"`
		RoleID    int       `json:"role_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if !ac.AllowsCompany(body.CompanyID) {
		s.writeError(w, core.Forbidden(invite.ScopeUsersWrite))
		return
	}
	inv, link, err := s.invites.Issue(r.Context(), ac.UserID, body.Email, body.CompanyID, body.RoleID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"invitation": inv, "link": link})
}

func (s *Server) handleInvitationAccept(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	user, err := s.invites.Accept(r.Context(), id, body.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

// ============================================================================
// CHAINS
// ============================================================================

func (s *Server) handleChainCreate(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	var body struct {
		Name      string               `json:"name"`
		CompanyID uuid.UUID            `json:"company_id"`
		Steps     []database.ChainStep `json:"steps"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if !ac.AllowsCompany(body.CompanyID) {
		s.writeError(w, core.Forbidden("chains:write"))
		return
	}
	chain, err := s.executor.Create(r.Context(), body.CompanyID, body.Name, body.Steps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, chain)
}

func (s *Server) handleChainRun(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	var body struct {
		CompanyID uuid.UUID `json:"company_id"`
		UserInput string    `json:"user_input"`
		AgentName string    `json:"agent_name"`
		FromStep  int       `json:"from_step"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if !ac.AllowsCompany(body.CompanyID) {
		s.writeError(w, core.Forbidden("chains:execute"))
		return
	}
	output, err := s.executor.Run(r.Context(), mux.Vars(r)["name"], s.chainOptions(ac, body.CompanyID, body.UserInput, body.AgentName, body.FromStep))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"response": output})
}
