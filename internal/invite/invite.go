// Package invite issues and accepts tenant invitations, reactivating dormant
// accounts and provisioning the tenant's default agent on acceptance.
package invite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/agixt/backend/internal/billing"
	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/crypto"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/provider"
	"github.com/agixt/backend/internal/scopes"
	"github.com/agixt/backend/internal/tenancy"
	"github.com/google/uuid"
)

// ScopeUsersWrite guards invitation issuance on the target tenant.
const ScopeUsersWrite = "users:write"

// Manager drives the invitation lifecycle.
type Manager struct {
	cfg      *config.Config
	store    database.Store
	tree     *tenancy.Tree
	engine   *scopes.Engine
	gate     *billing.Gate
	notifier provider.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager builds an invitation manager.
func NewManager(cfg *config.Config, store database.Store, tree *tenancy.Tree, engine *scopes.Engine, gate *billing.Gate, notifier provider.Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, store: store, tree: tree, engine: engine, gate: gate, notifier: notifier, logger: logger, now: time.Now}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// URL builds the front-end invitation link.
func (m *Manager) URL(inv *database.Invitation, tenantName string) string {
	return fmt.Sprintf("%s?invitation_id=%s&email=%s&company=%s",
		m.cfg.AppURI, inv.ID, url.QueryEscape(inv.Email), url.QueryEscape(tenantName))
}

// ============================================================================
// ISSUE
// ============================================================================

// Issue creates an invitation into the tenant. The inviter needs users:write
// there (or admin reach from an ancestor), may not grant a role above their
// own, and the seat limit must admit the new member.
func (m *Manager) Issue(ctx context.Context, inviterID uuid.UUID, email string, tenantID uuid.UUID, roleID int) (*database.Invitation, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", core.BadRequest("invalid email address")
	}
	if err := m.engine.Require(ctx, inviterID, tenantID, ScopeUsersWrite); err != nil {
		return nil, "", err
	}

	inviterRole, ok, err := m.tree.RoleIn(ctx, inviterID, tenantID)
	if err != nil {
		return nil, "", core.Internal(err)
	}
	if !ok {
		return nil, "", core.Forbidden(ScopeUsersWrite)
	}
	// Role tiers grow downward: a lower number is more privileged.
	if roleID < inviterRole {
		return nil, "", core.Forbidden(ScopeUsersWrite)
	}

	if err := m.gate.CanAddMember(ctx, inviterID, tenantID); err != nil {
		return nil, "", err
	}

	if existing, err := m.store.GetInvitationByEmail(ctx, email, tenantID); err != nil {
		return nil, "", core.Internal(err)
	} else if existing != nil && !existing.IsAccepted {
		return nil, "", core.Conflict("invitation already pending")
	}

	tenant, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, "", core.Internal(err)
	}
	if tenant == nil {
		return nil, "", core.NotFound("company")
	}

	inv := &database.Invitation{
		ID:        uuid.New(),
		Email:     email,
		TenantID:  tenantID,
		RoleID:    roleID,
		InviterID: inviterID,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateInvitation(ctx, inv); err != nil {
		return nil, "", core.Internal(err)
	}

	link := m.URL(inv, tenant.Name)
	if m.notifier != nil {
		body := fmt.Sprintf("You have been invited to %s on %s. Accept here: %s", tenant.Name, m.cfg.AppName, link)
		if err := m.notifier.SendEmail(ctx, email, "Invitation to "+tenant.Name, body); err != nil {
			m.logger.Warn("invitation email failed", "invitation_id", inv.ID, "error", err)
		}
	}
	m.logger.Info("invitation issued", "invitation_id", inv.ID, "tenant_id", tenantID, "role_id", roleID)
	return inv, link, nil
}

// ============================================================================
// ACCEPT
// ============================================================================

// Accept redeems an invitation in one transaction: membership creation,
// reactivation of a dormant account, and default-agent provisioning.
// Re-accepting is a conflict and mutates nothing; links expire on first
// acceptance.
func (m *Manager) Accept(ctx context.Context, invitationID uuid.UUID, email string) (*database.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	inv, err := m.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, core.Internal(err)
	}
	if inv == nil || inv.Email != email {
		return nil, core.NotFound("invitation")
	}
	if inv.IsAccepted {
		return nil, core.Conflict("invitation already accepted")
	}

	tenant, err := m.store.GetTenant(ctx, inv.TenantID)
	if err != nil {
		return nil, core.Internal(err)
	}
	if tenant == nil {
		return nil, core.NotFound("company")
	}

	var user *database.User
	err = m.store.WithinTx(ctx, func(tx database.Store) error {
		user, err = tx.GetUserByEmail(ctx, email)
		if err != nil {
			return err
		}
		if user == nil {
			seed, err := crypto.NewTOTPSeed(email)
			if err != nil {
				return err
			}
			user = &database.User{
				ID:        uuid.New(),
				Email:     email,
				MFASeed:   seed,
				IsActive:  true,
				CreatedAt: m.now(),
			}
			if err := tx.CreateUser(ctx, user); err != nil {
				return err
			}
		} else if !user.IsActive {
			// Acceptance reactivates a dormant account.
			user.IsActive = true
			if err := tx.UpdateUser(ctx, user); err != nil {
				return err
			}
		}

		if err := tx.UpsertMembership(ctx, &database.Membership{
			UserID:    user.ID,
			TenantID:  inv.TenantID,
			RoleID:    inv.RoleID,
			CreatedAt: m.now(),
		}); err != nil {
			return err
		}

		if err := m.provisionDefaultAgent(ctx, tx, user.ID, tenant); err != nil {
			return err
		}

		inv.IsAccepted = true
		return tx.UpdateInvitation(ctx, inv)
	})
	if err != nil {
		return nil, core.Internal(err)
	}

	m.engine.InvalidateUser(ctx, user.ID)
	m.logger.Info("invitation accepted", "invitation_id", inv.ID, "user_id", user.ID, "tenant_id", inv.TenantID)
	return user, nil
}

// provisionDefaultAgent creates the tenant's default agent for the user when
// absent. The agent name falls back to the configured default.
func (m *Manager) provisionDefaultAgent(ctx context.Context, tx database.Store, userID uuid.UUID, tenant *database.Tenant) error {
	name := tenant.AgentName
	if name == "" {
		name = m.cfg.AgentName
	}
	existing, err := tx.GetAgentByName(ctx, tenant.ID, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return tx.CreateAgent(ctx, &database.Agent{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		UserID:    userID,
		Name:      name,
		CreatedAt: m.now(),
	})
}
