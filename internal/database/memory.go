package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store, used when no DATABASE_URL is
// configured and as the test fixture. Transactions serialise on a dedicated
// mutex; multi-row helpers order their mutations check-first so a failed
// operation leaves no partial state behind.
type MemoryStore struct {
	mu sync.RWMutex
	tx sync.Mutex

	users       map[uuid.UUID]User
	usersByMail map[string]uuid.UUID
	prefs       map[uuid.UUID][]UserPreference

	tenants     map[uuid.UUID]Tenant
	memberships map[uuid.UUID]map[uuid.UUID]Membership // tenant → user → row

	roleScopes       map[int][]string
	customRoles      map[uuid.UUID]CustomRole
	customRoleScopes map[uuid.UUID][]string
	userCustomRoles  []UserCustomRole
	extensions       map[uuid.UUID][]string

	blacklist map[string]time.Time

	pats map[uuid.UUID]PersonalAccessToken

	oauth map[string]UserOAuth // userID|provider

	invitations map[uuid.UUID]Invitation

	usage        []TokenUsage
	failedLogins map[uuid.UUID][]time.Time

	agents map[uuid.UUID]Agent

	chains        map[uuid.UUID]Chain
	chainSteps    map[uuid.UUID][]ChainStep
	chainRuns     map[uuid.UUID]ChainRun
	stepResponses map[uuid.UUID][]StepResponse

	conversations map[uuid.UUID]Conversation
	participants  map[uuid.UUID][]Participant
	messages      map[uuid.UUID][]Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:            make(map[uuid.UUID]User),
		usersByMail:      make(map[string]uuid.UUID),
		prefs:            make(map[uuid.UUID][]UserPreference),
		tenants:          make(map[uuid.UUID]Tenant),
		memberships:      make(map[uuid.UUID]map[uuid.UUID]Membership),
		roleScopes:       make(map[int][]string),
		customRoles:      make(map[uuid.UUID]CustomRole),
		customRoleScopes: make(map[uuid.UUID][]string),
		extensions:       make(map[uuid.UUID][]string),
		blacklist:        make(map[string]time.Time),
		pats:             make(map[uuid.UUID]PersonalAccessToken),
		oauth:            make(map[string]UserOAuth),
		invitations:      make(map[uuid.UUID]Invitation),
		failedLogins:     make(map[uuid.UUID][]time.Time),
		agents:           make(map[uuid.UUID]Agent),
		chains:           make(map[uuid.UUID]Chain),
		chainSteps:       make(map[uuid.UUID][]ChainStep),
		chainRuns:        make(map[uuid.UUID]ChainRun),
		stepResponses:    make(map[uuid.UUID][]StepResponse),
		conversations:    make(map[uuid.UUID]Conversation),
		participants:     make(map[uuid.UUID][]Participant),
		messages:         make(map[uuid.UUID][]Message),
	}
}

// WithinTx serialises the callback against all other transactions. The
// in-memory store has no rollback; callers order mutations check-first.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	return fn(m)
}

// ============================================================================
// USERS
// ============================================================================

func (m *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		out := u
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.usersByMail[strings.ToLower(email)]; ok {
		out := m.users[id]
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Email = strings.ToLower(u.Email)
	m.users[u.ID] = *u
	m.usersByMail[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Email = strings.ToLower(u.Email)
	m.users[u.ID] = *u
	m.usersByMail[u.Email] = u.ID
	return nil
}

// ============================================================================
// PREFERENCES
// ============================================================================

func (m *MemoryStore) GetPreferences(ctx context.Context, userID uuid.UUID) ([]UserPreference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]UserPreference(nil), m.prefs[userID]...), nil
}

func (m *MemoryStore) SetPreference(ctx context.Context, p *UserPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.prefs[p.UserID]
	for i := range list {
		if list[i].Key == p.Key {
			list[i] = *p
			m.prefs[p.UserID] = list
			return nil
		}
	}
	m.prefs[p.UserID] = append(list, *p)
	return nil
}

// ============================================================================
// TENANTS
// ============================================================================

func (m *MemoryStore) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenants[id]; ok {
		out := t
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) GetTenantByName(ctx context.Context, name string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if strings.EqualFold(t.Name, name) {
			out := t
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CreateTenant(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = *t
	return nil
}

func (m *MemoryStore) UpdateTenant(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = *t
	return nil
}

func (m *MemoryStore) ListChildTenants(ctx context.Context, parentID uuid.UUID) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Tenant
	for _, t := range m.tenants {
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tenants, id)
	delete(m.memberships, id)
	for invID, inv := range m.invitations {
		if inv.TenantID == id {
			delete(m.invitations, invID)
		}
	}
	kept := m.usage[:0]
	for _, u := range m.usage {
		if u.TenantID != id {
			kept = append(kept, u)
		}
	}
	m.usage = kept
	for patID, p := range m.pats {
		for _, cid := range p.CompanyIDs {
			if cid == id {
				delete(m.pats, patID)
				break
			}
		}
	}
	for crID, cr := range m.customRoles {
		if cr.TenantID == id {
			delete(m.customRoles, crID)
			delete(m.customRoleScopes, crID)
		}
	}
	// Children keep their subtree but lose the parent pointer.
	for tid, t := range m.tenants {
		if t.ParentID != nil && *t.ParentID == id {
			t.ParentID = nil
			m.tenants[tid] = t
		}
	}
	return nil
}

// ============================================================================
// MEMBERSHIPS
// ============================================================================

func (m *MemoryStore) GetMembership(ctx context.Context, userID, tenantID uuid.UUID) (*Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if byUser, ok := m.memberships[tenantID]; ok {
		if mem, ok := byUser[userID]; ok {
			out := mem
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListMembershipsByUser(ctx context.Context, userID uuid.UUID) ([]Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Membership
	for _, byUser := range m.memberships {
		if mem, ok := byUser[userID]; ok {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID.String() < out[j].TenantID.String() })
	return out, nil
}

func (m *MemoryStore) ListMembershipsByTenant(ctx context.Context, tenantID uuid.UUID) ([]Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Membership
	for _, mem := range m.memberships[tenantID] {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

func (m *MemoryStore) UpsertMembership(ctx context.Context, mem *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.memberships[mem.TenantID]
	if !ok {
		byUser = make(map[uuid.UUID]Membership)
		m.memberships[mem.TenantID] = byUser
	}
	byUser[mem.UserID] = *mem
	return nil
}

func (m *MemoryStore) DeleteMembership(ctx context.Context, userID, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byUser, ok := m.memberships[tenantID]; ok {
		delete(byUser, userID)
	}
	return nil
}

func (m *MemoryStore) CountMembers(ctx context.Context, tenantID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.memberships[tenantID]), nil
}

// ============================================================================
// ROLE SCOPES
// ============================================================================

func (m *MemoryStore) ListRoleScopes(ctx context.Context, roleID int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.roleScopes[roleID]...), nil
}

func (m *MemoryStore) ListRoleScopesBulk(ctx context.Context, roleIDs []int) (map[int][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int][]string, len(roleIDs))
	for _, id := range roleIDs {
		out[id] = append([]string(nil), m.roleScopes[id]...)
	}
	return out, nil
}

func (m *MemoryStore) AddRoleScope(ctx context.Context, roleID int, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleScopes[roleID] = append(m.roleScopes[roleID], scope)
	return nil
}

// ============================================================================
// CUSTOM ROLES
// ============================================================================

func (m *MemoryStore) ListUserCustomRoleScopes(ctx context.Context, userID, tenantID uuid.UUID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, ucr := range m.userCustomRoles {
		if ucr.UserID != userID || ucr.TenantID != tenantID {
			continue
		}
		role, ok := m.customRoles[ucr.CustomRoleID]
		if !ok || !role.IsActive {
			continue
		}
		out = append(out, m.customRoleScopes[ucr.CustomRoleID]...)
	}
	return out, nil
}

func (m *MemoryStore) CreateCustomRole(ctx context.Context, r *CustomRole, scopes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customRoles[r.ID] = *r
	m.customRoleScopes[r.ID] = append([]string(nil), scopes...)
	return nil
}

func (m *MemoryStore) AssignCustomRole(ctx context.Context, a *UserCustomRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userCustomRoles = append(m.userCustomRoles, *a)
	return nil
}

func (m *MemoryStore) DeleteCustomRolesForTenant(ctx context.Context, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.customRoles {
		if r.TenantID == tenantID {
			delete(m.customRoles, id)
			delete(m.customRoleScopes, id)
		}
	}
	return nil
}

// ============================================================================
// TENANT EXTENSIONS
// ============================================================================

func (m *MemoryStore) ListTenantExtensions(ctx context.Context, tenantID uuid.UUID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.extensions[tenantID]...), nil
}

func (m *MemoryStore) AddTenantExtension(ctx context.Context, e *TenantExtension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.extensions[e.TenantID] {
		if name == e.ExtensionName {
			return nil
		}
	}
	m.extensions[e.TenantID] = append(m.extensions[e.TenantID], e.ExtensionName)
	return nil
}

// ============================================================================
// TOKEN BLACKLIST
// ============================================================================

func (m *MemoryStore) IsTokenBlacklisted(ctx context.Context, token string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blacklist[token]
	return ok, nil
}

func (m *MemoryStore) BlacklistToken(ctx context.Context, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist[token] = expiresAt
	return nil
}

func (m *MemoryStore) PurgeExpiredBlacklist(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for token, exp := range m.blacklist {
		if now.After(exp) {
			delete(m.blacklist, token)
			purged++
		}
	}
	return purged, nil
}

// ============================================================================
// PERSONAL ACCESS TOKENS
// ============================================================================

func (m *MemoryStore) GetPAT(ctx context.Context, id uuid.UUID) (*PersonalAccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.pats[id]; ok {
		out := p
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) GetPATByHash(ctx context.Context, hash string) (*PersonalAccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pats {
		if p.TokenHash == hash {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListPATs(ctx context.Context, userID uuid.UUID) ([]PersonalAccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PersonalAccessToken
	for _, p := range m.pats {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreatePAT(ctx context.Context, p *PersonalAccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pats[p.ID] = *p
	return nil
}

func (m *MemoryStore) UpdatePAT(ctx context.Context, p *PersonalAccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pats[p.ID] = *p
	return nil
}

// ============================================================================
// OAUTH CREDENTIALS
// ============================================================================

func oauthKey(userID uuid.UUID, providerID string) string {
	return userID.String() + "|" + providerID
}

func (m *MemoryStore) GetOAuth(ctx context.Context, userID uuid.UUID, providerID string) (*UserOAuth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.oauth[oauthKey(userID, providerID)]; ok {
		out := o
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) UpsertOAuth(ctx context.Context, o *UserOAuth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oauth[oauthKey(o.UserID, o.ProviderID)] = *o
	return nil
}

func (m *MemoryStore) ListOAuthExpiringBefore(ctx context.Context, cutoff time.Time) ([]UserOAuth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []UserOAuth
	for _, o := range m.oauth {
		if o.TokenExpiresAt != nil && o.TokenExpiresAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteOAuthExpiredSince(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for key, o := range m.oauth {
		if o.TokenExpiresAt != nil && o.TokenExpiresAt.Before(cutoff) {
			delete(m.oauth, key)
			deleted++
		}
	}
	return deleted, nil
}

// ============================================================================
// INVITATIONS
// ============================================================================

func (m *MemoryStore) GetInvitation(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inv, ok := m.invitations[id]; ok {
		out := inv
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) GetInvitationByEmail(ctx context.Context, email string, tenantID uuid.UUID) (*Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inv := range m.invitations {
		if inv.TenantID == tenantID && strings.EqualFold(inv.Email, email) {
			out := inv
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CreateInvitation(ctx context.Context, inv *Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invitations[inv.ID] = *inv
	return nil
}

func (m *MemoryStore) UpdateInvitation(ctx context.Context, inv *Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invitations[inv.ID] = *inv
	return nil
}

// ============================================================================
// BILLING
// ============================================================================

func (m *MemoryStore) DebitBalance(ctx context.Context, rootID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[rootID]
	if !ok {
		return ErrInsufficientBalance
	}
	if t.TokenBalance < amount {
		return ErrInsufficientBalance
	}
	t.TokenBalance -= amount
	t.TokensUsedTotal += amount
	m.tenants[rootID] = t
	return nil
}

func (m *MemoryStore) InsertUsage(ctx context.Context, u *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, *u)
	return nil
}

func (m *MemoryStore) ListUsage(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]TokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TokenUsage
	for _, u := range m.usage {
		if u.TenantID == tenantID && !u.Timestamp.Before(since) {
			out = append(out, u)
		}
	}
	return out, nil
}

// ============================================================================
// FAILED LOGINS
// ============================================================================

func (m *MemoryStore) RecordFailedLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedLogins[userID] = append(m.failedLogins[userID], at)
	return nil
}

func (m *MemoryStore) CountFailedLogins(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, at := range m.failedLogins[userID] {
		if !at.Before(since) {
			count++
		}
	}
	return count, nil
}

// ============================================================================
// AGENTS
// ============================================================================

func (m *MemoryStore) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.agents[id]; ok {
		out := a
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) GetAgentByName(ctx context.Context, tenantID uuid.UUID, name string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.TenantID == tenantID && strings.EqualFold(a.Name, name) {
			out := a
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListAgentsByTenant(ctx context.Context, tenantID uuid.UUID) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Agent
	for _, a := range m.agents {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = *a
	return nil
}

// ============================================================================
// CHAINS
// ============================================================================

func (m *MemoryStore) GetChainByName(ctx context.Context, tenantID uuid.UUID, name string) (*Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.chains {
		if c.TenantID == tenantID && strings.EqualFold(c.Name, name) {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CreateChain(ctx context.Context, c *Chain, steps []ChainStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[c.ID] = *c
	// Renumber on write so step numbers stay strictly increasing from 1.
	sorted := append([]ChainStep(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepNumber < sorted[j].StepNumber })
	for i := range sorted {
		sorted[i].ChainID = c.ID
		sorted[i].StepNumber = i + 1
	}
	m.chainSteps[c.ID] = sorted
	return nil
}

func (m *MemoryStore) ListChainSteps(ctx context.Context, chainID uuid.UUID) ([]ChainStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ChainStep(nil), m.chainSteps[chainID]...), nil
}

func (m *MemoryStore) CreateChainRun(ctx context.Context, r *ChainRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chainRuns[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateChainRun(ctx context.Context, r *ChainRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chainRuns[r.ID] = *r
	return nil
}

func (m *MemoryStore) RecordStepResponse(ctx context.Context, s *StepResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepResponses[s.RunID] = append(m.stepResponses[s.RunID], *s)
	return nil
}

// ============================================================================
// CONVERSATIONS
// ============================================================================

func (m *MemoryStore) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.conversations[id]; ok {
		out := c
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) CreateConversation(ctx context.Context, c *Conversation, participants []Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = *c
	m.participants[c.ID] = append([]Participant(nil), participants...)
	return nil
}

func (m *MemoryStore) ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Participant(nil), m.participants[conversationID]...), nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], *msg)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.messages[conversationID]...), nil
}
