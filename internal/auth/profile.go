package auth

import (
	"context"
	"errors"
	"time"

	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/crypto"
	"github.com/agixt/backend/internal/database"
	"github.com/google/uuid"
)

// CompanyProfile is one membership on the consolidated profile, hydrated
// with the expanded scope list and the tenant's agents.
type CompanyProfile struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	AgentName string     `json:"agent_name"`
	Status    string     `json:"status"`
	RoleID    int        `json:"role_id"`

	Scopes []string         `json:"scopes"`
	Agents []database.Agent `json:"agents"`
}

// Profile is the consolidated user view served by the hot /v1/user path: one
// store pass with batched role-scope joins, no per-company round trips from
// the handler.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	VerifyMFA bool      `json:"verify_mfa"`
	CreatedAt time.Time `json:"created_at"`

	Preferences map[string]string `json:"preferences"`
	Companies   []CompanyProfile  `json:"companies"`

	// MissingRequirements lists registration preferences still unset.
	MissingRequirements []string `json:"missing_requirements,omitempty"`

	// Paywall is nil when the billing gate grants; otherwise it carries the
	// 402 payload.
	Paywall *core.PaymentDetails `json:"paywall,omitempty"`
}

// secretMask replaces encrypted preference values on the wire.
const secretMask = "HIDDEN"

// Profile builds the consolidated user view for an authenticated context.
// PAT company restrictions filter the membership list.
func (s *Session) Profile(ctx context.Context, ac *core.AuthContext, registrar *Registrar) (*Profile, error) {
	user, err := s.store.GetUser(ctx, ac.UserID)
	if err != nil {
		return nil, core.Internal(err)
	}
	if user == nil {
		return nil, core.Unauthenticated("invalid credential")
	}

	out := &Profile{
		ID:          user.ID,
		Email:       user.Email,
		IsActive:    user.IsActive,
		VerifyMFA:   user.VerifyMFA,
		CreatedAt:   user.CreatedAt,
		Preferences: map[string]string{},
	}

	prefs, err := s.store.GetPreferences(ctx, user.ID)
	if err != nil {
		return nil, core.Internal(err)
	}
	for _, p := range prefs {
		if p.Encrypted {
			out.Preferences[p.Key] = secretMask
			continue
		}
		out.Preferences[p.Key] = p.Value
	}

	memberships, err := s.store.ListMembershipsByUser(ctx, user.ID)
	if err != nil {
		return nil, core.Internal(err)
	}
	visible := memberships[:0]
	for _, m := range memberships {
		if ac.AllowsCompany(m.TenantID) {
			visible = append(visible, m)
		}
	}
	sets, err := s.engine.ExpandBulk(ctx, user.ID, visible)
	if err != nil {
		return nil, core.Internal(err)
	}
	for _, m := range visible {
		tenant, err := s.store.GetTenant(ctx, m.TenantID)
		if err != nil {
			return nil, core.Internal(err)
		}
		if tenant == nil {
			continue
		}
		agents, err := s.store.ListAgentsByTenant(ctx, m.TenantID)
		if err != nil {
			return nil, core.Internal(err)
		}
		cp := CompanyProfile{
			ID:        tenant.ID,
			Name:      tenant.Name,
			ParentID:  tenant.ParentID,
			AgentName: tenant.AgentName,
			Status:    tenant.Status,
			RoleID:    m.RoleID,
			Agents:    agents,
		}
		if set := sets[m.TenantID]; set != nil {
			if set.SuperAdmin {
				cp.Scopes = []string{"*"}
			} else {
				cp.Scopes = set.Scopes
			}
		}
		out.Companies = append(out.Companies, cp)
	}

	if registrar != nil {
		missing, err := registrar.MissingRequirements(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		out.MissingRequirements = missing
	}

	if err := s.gate.Check(ctx, user.ID); err != nil {
		var domainErr *core.Error
		if errors.As(err, &domainErr) && domainErr.Kind == core.KindPaymentRequired {
			out.Paywall = domainErr.Payment
		} else {
			return nil, err
		}
	}
	return out, nil
}

// SetPreference stores a per-user preference, field-encrypting secret-named
// keys.
func (s *Session) SetPreference(ctx context.Context, userID uuid.UUID, key, value string) error {
	pref := &database.UserPreference{UserID: userID, Key: key, Value: value}
	if value != "" && crypto.IsSecretField(key) {
		enc, err := s.forge.EncryptField(value)
		if err != nil {
			return core.Internal(err)
		}
		pref.Value = enc
		pref.Encrypted = true
	}
	if err := s.store.SetPreference(ctx, pref); err != nil {
		return core.Internal(err)
	}
	return nil
}
