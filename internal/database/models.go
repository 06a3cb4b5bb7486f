// Package database provides typed persistent access to every core entity:
// users, tenants, memberships, roles, scopes, PATs, OAuth credentials, the
// token blacklist, balances and the usage ledger.
package database

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================================
// ROLE TIERS
// ============================================================================

const (
	RoleSuperAdmin   = 0
	RoleTenantAdmin  = 1
	RoleCompanyAdmin = 2
	RoleUser         = 3
)

// Tenant status values. A suspended tenant rejects all activity.
const (
	TenantActive    = "ACTIVE"
	TenantSuspended = "SUSPENDED"
)

// Pricing models evaluated by the billing gate.
const (
	PricingPerToken    = "per_token"
	PricingPerUser     = "per_user"
	PricingPerCapacity = "per_capacity"
	PricingPerLocation = "per_location"
)

// Conversation types.
const (
	ConversationSingle = "single"
	ConversationDM     = "dm"
	ConversationThread = "thread"
)

// Chain step prompt types.
const (
	PromptTypePrompt  = "Prompt"
	PromptTypeCommand = "Command"
	PromptTypeChain   = "Chain"
)

// ChainRun lifecycle states.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// ============================================================================
// IDENTITY
// ============================================================================

// User is an account holder. Deletion is soft: is_active=false. Emails are
// stored lowercased and unique.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	MFASeed   string    `json:"-"`
	VerifyMFA bool      `json:"verify_mfa"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserPreference is a per-user key/value setting. Secret-named keys are
// stored field-encrypted.
type UserPreference struct {
	UserID    uuid.UUID `json:"user_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"-"`
}

// FailedLogin records one failed magic-link verification for the sliding
// 24 h lockout window.
type FailedLogin struct {
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// TENANCY
// ============================================================================

// Tenant ("company") is the organisational scope unit. ParentID forms a
// forest; billing reads from the root ancestor.
type Tenant struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	AgentName string     `json:"agent_name"`
	Status    string     `json:"status"`

	TokenBalance    int64           `json:"token_balance"`
	TokenBalanceUSD decimal.Decimal `json:"token_balance_usd"`
	TokensUsedTotal int64           `json:"tokens_used_total"`

	PricingModel            string          `json:"pricing_model,omitempty"`
	TokenPricePerMillionUSD decimal.Decimal `json:"token_price_per_million_usd"`

	// UserLimit is paid seats (per_user), declared capacity (per_capacity)
	// or the location count ceiling (per_location).
	UserLimit int `json:"user_limit"`

	// LastLowBalanceWarning is the balance at the last emitted warning;
	// nil means no warning has fired yet.
	LastLowBalanceWarning *int64 `json:"last_low_balance_warning,omitempty"`

	TrainingData string    `json:"training_data,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Membership links a user to a tenant with an integer role tier. At most one
// membership per (user, tenant).
type Membership struct {
	UserID    uuid.UUID `json:"user_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	RoleID    int       `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// SCOPES
// ============================================================================

// DefaultRoleScope links a built-in role tier to a scope string. Wildcard
// forms are stored verbatim and expanded at check time.
type DefaultRoleScope struct {
	RoleID int    `json:"role_id"`
	Scope  string `json:"scope"`
}

// CustomRole is a tenant-defined role carrying an explicit scope list.
type CustomRole struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Name     string    `json:"name"`
	IsActive bool      `json:"is_active"`
}

// CustomRoleScope links a custom role to a scope string.
type CustomRoleScope struct {
	CustomRoleID uuid.UUID `json:"custom_role_id"`
	Scope        string    `json:"scope"`
}

// UserCustomRole assigns a custom role to a user within a tenant.
type UserCustomRole struct {
	UserID       uuid.UUID `json:"user_id"`
	CustomRoleID uuid.UUID `json:"custom_role_id"`
	TenantID     uuid.UUID `json:"tenant_id"`
}

// TenantExtension records an extension configured for a tenant (a command or
// setting row exists). Drives ext:* wildcard expansion.
type TenantExtension struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	ExtensionName string    `json:"extension_name"`
}

// ============================================================================
// CREDENTIALS
// ============================================================================

// TokenBlacklistEntry is a revoked JWT. Expired rows are purged by a
// maintenance task.
type TokenBlacklistEntry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PersonalAccessToken stores only the prefix and PBKDF2 hash of a PAT; the
// full value is returned once at creation and never again retrievable.
type PersonalAccessToken struct {
	ID          uuid.UUID   `json:"id"`
	UserID      uuid.UUID   `json:"user_id"`
	Name        string      `json:"name"`
	TokenPrefix string      `json:"token_prefix"`
	TokenHash   string      `json:"-"`
	Scopes      []string    `json:"scopes"`
	AgentIDs    []uuid.UUID `json:"agent_ids"`
	CompanyIDs  []uuid.UUID `json:"company_ids"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	IsRevoked   bool        `json:"is_revoked"`
	LastUsedAt  *time.Time  `json:"last_used_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// UserOAuth is one OAuth credential per (user, provider).
type UserOAuth struct {
	UserID         uuid.UUID  `json:"user_id"`
	ProviderID     string     `json:"provider_id"`
	AccountName    string     `json:"account_name"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// ============================================================================
// INVITATIONS & BILLING LEDGER
// ============================================================================

type Invitation struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	TenantID   uuid.UUID `json:"tenant_id"`
	RoleID     int       `json:"role_id"`
	InviterID  uuid.UUID `json:"inviter_id"`
	IsAccepted bool      `json:"is_accepted"`
	CreatedAt  time.Time `json:"created_at"`
}

// TokenUsage is an append-only ledger row. TenantID references the direct
// tenant even though the balance debit lands on the root ancestor.
type TokenUsage struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	UserID       uuid.UUID `json:"user_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	Timestamp    time.Time `json:"ts"`
}

// ============================================================================
// AGENTS, CHAINS, CONVERSATIONS
// ============================================================================

// Agent is a named model-provider configuration owned by a user within a
// tenant.
type Agent struct {
	ID        uuid.UUID         `json:"id"`
	TenantID  uuid.UUID         `json:"tenant_id"`
	UserID    uuid.UUID         `json:"user_id"`
	Name      string            `json:"name"`
	Provider  string            `json:"provider"`
	Settings  map[string]string `json:"settings,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Chain struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Name     string    `json:"name"`
}

// ChainStep is one ordered step of a chain. Step numbers are strictly
// increasing; reordering renumbers.
type ChainStep struct {
	ChainID           uuid.UUID         `json:"chain_id"`
	StepNumber        int               `json:"step_number"`
	AgentName         string            `json:"agent_name"`
	PromptType        string            `json:"prompt_type"`
	PromptArgs        map[string]string `json:"prompt_args"`
	RunNextConcurrent bool              `json:"run_next_concurrent"`
}

type ChainRun struct {
	ID          uuid.UUID  `json:"id"`
	ChainID     uuid.UUID  `json:"chain_id"`
	Status      string     `json:"status"`
	CurrentStep int        `json:"current_step"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepResponse records one step's textual output for {STEPn} substitution
// and audit.
type StepResponse struct {
	RunID      uuid.UUID `json:"run_id"`
	StepNumber int       `json:"step_number"`
	Response   string    `json:"response"`
	CreatedAt  time.Time `json:"created_at"`
}

type Conversation struct {
	ID       uuid.UUID  `json:"id"`
	TenantID uuid.UUID  `json:"tenant_id"`
	Type     string     `json:"type"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`
}

// Participant is one member of a conversation; IsAgent distinguishes agent
// participants for the DM guard.
type Participant struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	ParticipantID  uuid.UUID `json:"participant_id"`
	IsAgent        bool      `json:"is_agent"`
}

type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
