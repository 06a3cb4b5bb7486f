package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/crypto"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/scopes"
	"github.com/agixt/backend/internal/tenancy"
	"github.com/google/uuid"
)

// Scopes guarding the PAT surface itself.
const (
	ScopeAPIKeysRead   = "apikeys:read"
	ScopeAPIKeysWrite  = "apikeys:write"
	ScopeAPIKeysDelete = "apikeys:delete"
)

// PATManager creates, validates and revokes personal access tokens. The raw
// token value leaves the process exactly once, at creation.
type PATManager struct {
	cfg     *config.Config
	store   database.Store
	tree    *tenancy.Tree
	engine  *scopes.Engine
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewPATManager builds a PAT manager.
func NewPATManager(cfg *config.Config, store database.Store, tree *tenancy.Tree, engine *scopes.Engine, metrics *Metrics, logger *slog.Logger) *PATManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PATManager{cfg: cfg, store: store, tree: tree, engine: engine, metrics: metrics, logger: logger, now: time.Now}
}

// SetClock overrides the time source for tests.
func (p *PATManager) SetClock(now func() time.Time) { p.now = now }

func (p *PATManager) countValidation(outcome string) {
	if p.metrics != nil {
		p.metrics.PATValidations.WithLabelValues(outcome).Inc()
	}
}

// ParseExpiry resolves the expiration shorthand. Nil means never.
func ParseExpiry(s string, now time.Time) (*time.Time, error) {
	var t time.Time
	switch s {
	case "", "never":
		return nil, nil
	case "1_day":
		t = now.AddDate(0, 0, 1)
	case "7_days":
		t = now.AddDate(0, 0, 7)
	case "30_days":
		t = now.AddDate(0, 0, 30)
	case "90_days":
		t = now.AddDate(0, 0, 90)
	case "1_year":
		t = now.AddDate(1, 0, 0)
	default:
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, core.BadRequest(fmt.Sprintf("unrecognised expiration %q", s))
		}
		t = parsed
	}
	return &t, nil
}

// CreateRequest is the user-supplied shape of a new PAT.
type CreateRequest struct {
	Name       string      `json:"name"`
	Scopes     []string    `json:"scopes"`
	AgentIDs   []uuid.UUID `json:"agent_ids"`
	CompanyIDs []uuid.UUID `json:"company_ids"`
	ExpiresIn  string      `json:"expires_in"`
}

// requireAnywhere passes when the caller holds the scope in at least one of
// their tenants.
func (p *PATManager) requireAnywhere(ctx context.Context, userID uuid.UUID, scope string) error {
	if ac, ok := core.AuthFrom(ctx); ok && !ac.AllowsScope(scope) {
		return core.Forbidden(scope)
	}
	memberships, err := p.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return core.Internal(err)
	}
	for _, m := range memberships {
		held, err := p.engine.Has(ctx, userID, m.TenantID, scope)
		if err != nil {
			return core.Internal(err)
		}
		if held {
			return nil
		}
	}
	return core.Forbidden(scope)
}

// ============================================================================
// CREATE / REGENERATE
// ============================================================================

// Create mints a new PAT for the caller. Every requested scope must already
// be held by the creator, and every requested agent and tenant must lie
// within the creator's reach. The full token value is returned once.
func (p *PATManager) Create(ctx context.Context, callerID uuid.UUID, req CreateRequest) (*database.PersonalAccessToken, string, error) {
	if req.Name == "" {
		return nil, "", core.BadRequest("token name is required")
	}
	if err := p.requireAnywhere(ctx, callerID, ScopeAPIKeysWrite); err != nil {
		return nil, "", err
	}

	// Strict subset: a PAT can never grant what its creator lacks.
	for _, scope := range req.Scopes {
		if err := scopes.ValidatePattern(scope); err != nil {
			return nil, "", core.BadRequest(err.Error())
		}
		held, err := p.heldAnywhere(ctx, callerID, scope)
		if err != nil {
			return nil, "", err
		}
		if !held {
			return nil, "", core.Forbidden(scope)
		}
	}
	for _, tenantID := range req.CompanyIDs {
		ok, err := p.tree.CanAccess(ctx, callerID, tenantID)
		if err != nil {
			return nil, "", core.Internal(err)
		}
		if !ok {
			return nil, "", core.Forbidden("companies:read")
		}
	}
	for _, agentID := range req.AgentIDs {
		agent, err := p.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, "", core.Internal(err)
		}
		if agent == nil {
			return nil, "", core.NotFound("agent")
		}
		ok, err := p.tree.CanAccess(ctx, callerID, agent.TenantID)
		if err != nil {
			return nil, "", core.Internal(err)
		}
		if !ok {
			return nil, "", core.Forbidden("agents:read")
		}
	}

	expiresAt, err := ParseExpiry(req.ExpiresIn, p.now())
	if err != nil {
		return nil, "", err
	}
	token, err := crypto.GeneratePAT()
	if err != nil {
		return nil, "", core.Internal(err)
	}

	pat := &database.PersonalAccessToken{
		ID:          uuid.New(),
		UserID:      callerID,
		Name:        req.Name,
		TokenPrefix: crypto.PATDisplayPrefix(token),
		TokenHash:   crypto.HashPAT(token, p.cfg.APIKey),
		Scopes:      req.Scopes,
		AgentIDs:    req.AgentIDs,
		CompanyIDs:  req.CompanyIDs,
		ExpiresAt:   expiresAt,
		CreatedAt:   p.now(),
	}
	if err := p.store.CreatePAT(ctx, pat); err != nil {
		return nil, "", core.Internal(err)
	}
	p.logger.Info("pat created", "pat_id", pat.ID, "user_id", callerID, "name", pat.Name)
	return pat, token, nil
}

func (p *PATManager) heldAnywhere(ctx context.Context, userID uuid.UUID, scope string) (bool, error) {
	memberships, err := p.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return false, core.Internal(err)
	}
	for _, m := range memberships {
		held, err := p.engine.Has(ctx, userID, m.TenantID, scope)
		if err != nil {
			return false, core.Internal(err)
		}
		if held {
			return true, nil
		}
	}
	return false, nil
}

// Regenerate revokes and re-mints in one step: same row, same settings, new
// secret. The fresh token value is returned once.
func (p *PATManager) Regenerate(ctx context.Context, callerID, patID uuid.UUID) (*database.PersonalAccessToken, string, error) {
	if err := p.requireAnywhere(ctx, callerID, ScopeAPIKeysWrite); err != nil {
		return nil, "", err
	}
	pat, err := p.ownedPAT(ctx, callerID, patID)
	if err != nil {
		return nil, "", err
	}
	token, err := crypto.GeneratePAT()
	if err != nil {
		return nil, "", core.Internal(err)
	}
	pat.TokenPrefix = crypto.PATDisplayPrefix(token)
	pat.TokenHash = crypto.HashPAT(token, p.cfg.APIKey)
	pat.IsRevoked = false
	pat.LastUsedAt = nil
	if err := p.store.UpdatePAT(ctx, pat); err != nil {
		return nil, "", core.Internal(err)
	}
	p.logger.Info("pat regenerated", "pat_id", pat.ID, "user_id", callerID)
	return pat, token, nil
}

// ============================================================================
// VALIDATE
// ============================================================================

// Validate resolves an incoming agixt_ token to an AuthContext carrying the
// PAT's restriction lists. Failures are opaque.
func (p *PATManager) Validate(ctx context.Context, token string) (*core.AuthContext, error) {
	hash := crypto.HashPAT(token, p.cfg.APIKey)
	pat, err := p.store.GetPATByHash(ctx, hash)
	if err != nil {
		return nil, core.Internal(err)
	}
	if pat == nil {
		p.countValidation("unknown")
		return nil, core.Unauthenticated("invalid credential")
	}
	if pat.IsRevoked {
		p.countValidation("revoked")
		return nil, core.Unauthenticated("invalid credential")
	}
	if pat.ExpiresAt != nil && !pat.ExpiresAt.After(p.now()) {
		p.countValidation("expired")
		return nil, core.Unauthenticated("invalid credential")
	}
	user, err := p.store.GetUser(ctx, pat.UserID)
	if err != nil {
		return nil, core.Internal(err)
	}
	if user == nil || !user.IsActive {
		p.countValidation("unknown")
		return nil, core.Unauthenticated("invalid credential")
	}

	used := p.now()
	pat.LastUsedAt = &used
	if err := p.store.UpdatePAT(ctx, pat); err != nil {
		p.logger.Warn("pat last_used_at update failed", "pat_id", pat.ID, "error", err)
	}
	p.countValidation("ok")

	return &core.AuthContext{
		UserID:        user.ID,
		Email:         user.Email,
		Method:        core.AuthPAT,
		Token:         token,
		PATName:       pat.Name,
		PATScopes:     pat.Scopes,
		PATAgentIDs:   pat.AgentIDs,
		PATCompanyIDs: pat.CompanyIDs,
	}, nil
}

// ============================================================================
// LIST / GET / REVOKE
// ============================================================================

// List returns the caller's PATs, raw values omitted.
func (p *PATManager) List(ctx context.Context, callerID uuid.UUID) ([]database.PersonalAccessToken, error) {
	if err := p.requireAnywhere(ctx, callerID, ScopeAPIKeysRead); err != nil {
		return nil, err
	}
	return p.store.ListPATs(ctx, callerID)
}

// Get returns one of the caller's PATs by id.
func (p *PATManager) Get(ctx context.Context, callerID, patID uuid.UUID) (*database.PersonalAccessToken, error) {
	if err := p.requireAnywhere(ctx, callerID, ScopeAPIKeysRead); err != nil {
		return nil, err
	}
	return p.ownedPAT(ctx, callerID, patID)
}

// Revoke marks a PAT revoked. Terminal; regenerate mints a new secret on the
// same row instead.
func (p *PATManager) Revoke(ctx context.Context, callerID, patID uuid.UUID) error {
	if err := p.requireAnywhere(ctx, callerID, ScopeAPIKeysDelete); err != nil {
		return err
	}
	pat, err := p.ownedPAT(ctx, callerID, patID)
	if err != nil {
		return err
	}
	pat.IsRevoked = true
	if err := p.store.UpdatePAT(ctx, pat); err != nil {
		return core.Internal(err)
	}
	p.logger.Info("pat revoked", "pat_id", pat.ID, "user_id", callerID)
	return nil
}

func (p *PATManager) ownedPAT(ctx context.Context, callerID, patID uuid.UUID) (*database.PersonalAccessToken, error) {
	pat, err := p.store.GetPAT(ctx, patID)
	if err != nil {
		return nil, core.Internal(err)
	}
	if pat == nil || pat.UserID != callerID {
		return nil, core.NotFound("personal access token")
	}
	return pat, nil
}
