package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientBalance is returned by DebitBalance when the root tenant's
// balance cannot cover the debit. The balance is left untouched.
var ErrInsufficientBalance = errors.New("insufficient token balance")

// Store is the persistence contract. Single-entity reads return (nil, nil)
// when the row is missing; callers translate to not_found where that
// matters.
//
// WithinTx provides the transactional session required for multi-row
// operations: invitation acceptance, tenant deletion cascade, and
// debit + ledger insert.
type Store interface {
	// WithinTx runs fn against a transactional view of the store. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	// --- users ---
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error

	// --- preferences ---
	GetPreferences(ctx context.Context, userID uuid.UUID) ([]UserPreference, error)
	SetPreference(ctx context.Context, p *UserPreference) error

	// --- tenants ---
	GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*Tenant, error)
	CreateTenant(ctx context.Context, t *Tenant) error
	UpdateTenant(ctx context.Context, t *Tenant) error
	ListChildTenants(ctx context.Context, parentID uuid.UUID) ([]Tenant, error)
	// DeleteTenant removes the tenant and cascades to memberships,
	// invitations, usage, PATs restricted to it, custom roles, and clears
	// children's parent pointers. Must run inside WithinTx.
	DeleteTenant(ctx context.Context, id uuid.UUID) error

	// --- memberships ---
	GetMembership(ctx context.Context, userID, tenantID uuid.UUID) (*Membership, error)
	ListMembershipsByUser(ctx context.Context, userID uuid.UUID) ([]Membership, error)
	ListMembershipsByTenant(ctx context.Context, tenantID uuid.UUID) ([]Membership, error)
	UpsertMembership(ctx context.Context, m *Membership) error
	DeleteMembership(ctx context.Context, userID, tenantID uuid.UUID) error
	CountMembers(ctx context.Context, tenantID uuid.UUID) (int, error)

	// --- role scopes ---
	ListRoleScopes(ctx context.Context, roleID int) ([]string, error)
	// ListRoleScopesBulk joins role→scope for many roles in one query; the
	// auth hot path hydrates every membership with it.
	ListRoleScopesBulk(ctx context.Context, roleIDs []int) (map[int][]string, error)
	AddRoleScope(ctx context.Context, roleID int, scope string) error

	// --- custom roles ---
	ListUserCustomRoleScopes(ctx context.Context, userID, tenantID uuid.UUID) ([]string, error)
	CreateCustomRole(ctx context.Context, r *CustomRole, scopes []string) error
	AssignCustomRole(ctx context.Context, a *UserCustomRole) error
	DeleteCustomRolesForTenant(ctx context.Context, tenantID uuid.UUID) error

	// --- tenant extensions ---
	ListTenantExtensions(ctx context.Context, tenantID uuid.UUID) ([]string, error)
	AddTenantExtension(ctx context.Context, e *TenantExtension) error

	// --- token blacklist ---
	IsTokenBlacklisted(ctx context.Context, token string) (bool, error)
	BlacklistToken(ctx context.Context, token string, expiresAt time.Time) error
	PurgeExpiredBlacklist(ctx context.Context, now time.Time) (int, error)

	// --- personal access tokens ---
	GetPAT(ctx context.Context, id uuid.UUID) (*PersonalAccessToken, error)
	GetPATByHash(ctx context.Context, hash string) (*PersonalAccessToken, error)
	ListPATs(ctx context.Context, userID uuid.UUID) ([]PersonalAccessToken, error)
	CreatePAT(ctx context.Context, p *PersonalAccessToken) error
	UpdatePAT(ctx context.Context, p *PersonalAccessToken) error

	// --- oauth credentials ---
	GetOAuth(ctx context.Context, userID uuid.UUID, providerID string) (*UserOAuth, error)
	UpsertOAuth(ctx context.Context, o *UserOAuth) error
	ListOAuthExpiringBefore(ctx context.Context, cutoff time.Time) ([]UserOAuth, error)
	DeleteOAuthExpiredSince(ctx context.Context, cutoff time.Time) (int, error)

	// --- invitations ---
	GetInvitation(ctx context.Context, id uuid.UUID) (*Invitation, error)
	GetInvitationByEmail(ctx context.Context, email string, tenantID uuid.UUID) (*Invitation, error)
	CreateInvitation(ctx context.Context, inv *Invitation) error
	UpdateInvitation(ctx context.Context, inv *Invitation) error

	// --- billing ---
	// DebitBalance atomically reduces the root tenant's balance and
	// increments tokens_used_total, failing with ErrInsufficientBalance
	// without mutation when the balance is short. Implementations serialise
	// on the root row.
	DebitBalance(ctx context.Context, rootID uuid.UUID, amount int64) error
	InsertUsage(ctx context.Context, u *TokenUsage) error
	ListUsage(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]TokenUsage, error)

	// --- failed logins ---
	RecordFailedLogin(ctx context.Context, userID uuid.UUID, at time.Time) error
	CountFailedLogins(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)

	// --- agents ---
	GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error)
	GetAgentByName(ctx context.Context, tenantID uuid.UUID, name string) (*Agent, error)
	ListAgentsByTenant(ctx context.Context, tenantID uuid.UUID) ([]Agent, error)
	CreateAgent(ctx context.Context, a *Agent) error

	// --- chains ---
	GetChainByName(ctx context.Context, tenantID uuid.UUID, name string) (*Chain, error)
	CreateChain(ctx context.Context, c *Chain, steps []ChainStep) error
	ListChainSteps(ctx context.Context, chainID uuid.UUID) ([]ChainStep, error)
	CreateChainRun(ctx context.Context, r *ChainRun) error
	UpdateChainRun(ctx context.Context, r *ChainRun) error
	RecordStepResponse(ctx context.Context, s *StepResponse) error

	// --- conversations ---
	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)
	CreateConversation(ctx context.Context, c *Conversation, participants []Participant) error
	ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]Participant, error)
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error)
}
