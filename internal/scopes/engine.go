package scopes

import (
	"context"
	"log/slog"
	"sort"

	"github.com/agixt/backend/internal/cache"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/tenancy"
	"github.com/google/uuid"
)

// ScopeSet is the expanded grant set for one (user, tenant) pair. It is
// JSON-serializable so it can live in the shared cache.
type ScopeSet struct {
	Member     bool `json:"member"`
	SuperAdmin bool `json:"super_admin"`
	RoleID     int  `json:"role_id"`

	// Scopes holds exact scope strings and verbatim wildcard patterns.
	Scopes []string `json:"scopes"`

	// Extensions are the extension names configured for the tenant; grants
	// flowing through an ext:* name wildcard are restricted to these.
	Extensions []string `json:"extensions"`
}

// Grants evaluates a scope query against the set with the wildcard
// precedence order.
func (s *ScopeSet) Grants(query string) bool {
	if s.SuperAdmin {
		return true
	}
	if !s.Member {
		return false
	}
	held := make(map[string]bool, len(s.Scopes))
	for _, sc := range s.Scopes {
		held[sc] = true
	}
	for _, candidate := range Candidates(query) {
		if !held[candidate] {
			continue
		}
		if wildcardExtName(candidate) && IsExtScope(query) {
			if !s.extensionInstalled(ExtName(query)) {
				continue
			}
		}
		return true
	}
	return false
}

func (s *ScopeSet) extensionInstalled(name string) bool {
	if name == "" {
		return false
	}
	for _, ext := range s.Extensions {
		if ext == name {
			return true
		}
	}
	return false
}

// ============================================================================
// ENGINE
// ============================================================================

// Engine expands and evaluates scope grants, caching expansions in the
// shared cache. Role changes, custom-role edits and extension installs must
// invalidate through it.
type Engine struct {
	store  database.Store
	tree   *tenancy.Tree
	cache  cache.Cache
	logger *slog.Logger
}

// NewEngine builds a scope engine.
func NewEngine(store database.Store, tree *tenancy.Tree, c cache.Cache, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, tree: tree, cache: c, logger: logger}
}

// Expand assembles the scope set for (user, tenant), consulting the cache
// first. A user with no reach into the tenant gets an empty, non-member set.
func (e *Engine) Expand(ctx context.Context, userID, tenantID uuid.UUID) (*ScopeSet, error) {
	key := cache.UserScopesKey(userID.String(), tenantID.String())
	var cached ScopeSet
	if hit, err := e.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	}

	set, err := e.expand(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, key, set, cache.TTLUserScopes); err != nil {
		e.logger.Warn("scope cache write failed", "error", err)
	}
	return set, nil
}

func (e *Engine) expand(ctx context.Context, userID, tenantID uuid.UUID) (*ScopeSet, error) {
	roleID, ok, err := e.tree.RoleIn(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ScopeSet{}, nil
	}
	if roleID == database.RoleSuperAdmin {
		return &ScopeSet{Member: true, SuperAdmin: true, RoleID: roleID}, nil
	}

	roleScopes, err := e.store.ListRoleScopes(ctx, roleID)
	if err != nil {
		return nil, err
	}
	customScopes, err := e.store.ListUserCustomRoleScopes(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	extensions, err := e.store.ListTenantExtensions(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	return e.assemble(roleID, roleScopes, customScopes, extensions), nil
}

func (e *Engine) assemble(roleID int, roleScopes, customScopes, extensions []string) *ScopeSet {
	seen := make(map[string]bool)
	var merged []string
	for _, sc := range append(append([]string{}, roleScopes...), customScopes...) {
		if err := ValidatePattern(sc); err != nil {
			e.logger.Warn("dropping malformed scope", "error", err)
			continue
		}
		if !seen[sc] {
			seen[sc] = true
			merged = append(merged, sc)
		}
	}
	sort.Strings(merged)
	return &ScopeSet{
		Member:     true,
		RoleID:     roleID,
		Scopes:     merged,
		Extensions: extensions,
	}
}

// ExpandBulk expands every membership of one user in a single pass, batching
// the role→scope join. The auth hot path builds the consolidated profile
// with it.
func (e *Engine) ExpandBulk(ctx context.Context, userID uuid.UUID, memberships []database.Membership) (map[uuid.UUID]*ScopeSet, error) {
	roleIDs := make([]int, 0, len(memberships))
	seen := map[int]bool{}
	for _, m := range memberships {
		if !seen[m.RoleID] {
			seen[m.RoleID] = true
			roleIDs = append(roleIDs, m.RoleID)
		}
	}
	byRole, err := e.store.ListRoleScopesBulk(ctx, roleIDs)
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]*ScopeSet, len(memberships))
	for _, m := range memberships {
		if m.RoleID == database.RoleSuperAdmin {
			out[m.TenantID] = &ScopeSet{Member: true, SuperAdmin: true, RoleID: m.RoleID}
			continue
		}
		customScopes, err := e.store.ListUserCustomRoleScopes(ctx, userID, m.TenantID)
		if err != nil {
			return nil, err
		}
		extensions, err := e.store.ListTenantExtensions(ctx, m.TenantID)
		if err != nil {
			return nil, err
		}
		out[m.TenantID] = e.assemble(m.RoleID, byRole[m.RoleID], customScopes, extensions)
	}
	return out, nil
}

// ============================================================================
// CHECKS
// ============================================================================

// Has reports whether the user holds the scope in the tenant.
func (e *Engine) Has(ctx context.Context, userID, tenantID uuid.UUID, scope string) (bool, error) {
	set, err := e.Expand(ctx, userID, tenantID)
	if err != nil {
		return false, err
	}
	return set.Grants(scope), nil
}

// HasAny reports whether any of the scopes is held.
func (e *Engine) HasAny(ctx context.Context, userID, tenantID uuid.UUID, scopes ...string) (bool, error) {
	set, err := e.Expand(ctx, userID, tenantID)
	if err != nil {
		return false, err
	}
	for _, s := range scopes {
		if set.Grants(s) {
			return true, nil
		}
	}
	return false, nil
}

// HasAll reports whether every scope is held.
func (e *Engine) HasAll(ctx context.Context, userID, tenantID uuid.UUID, scopes ...string) (bool, error) {
	set, err := e.Expand(ctx, userID, tenantID)
	if err != nil {
		return false, err
	}
	for _, s := range scopes {
		if !set.Grants(s) {
			return false, nil
		}
	}
	return true, nil
}

// Require fails with a forbidden error naming the scope when it is not held.
// PAT restriction lists on the auth context narrow the check further.
func (e *Engine) Require(ctx context.Context, userID, tenantID uuid.UUID, scope string) error {
	if ac, ok := core.AuthFrom(ctx); ok && !ac.AllowsScope(scope) {
		return core.Forbidden(scope)
	}
	held, err := e.Has(ctx, userID, tenantID, scope)
	if err != nil {
		return err
	}
	if !held {
		return core.Forbidden(scope)
	}
	return nil
}

// ============================================================================
// INVALIDATION
// ============================================================================

// InvalidateUser flushes every tenant's cached expansion for one user, on
// role change or custom-role assignment.
func (e *Engine) InvalidateUser(ctx context.Context, userID uuid.UUID) {
	if err := e.cache.DeletePattern(ctx, cache.UserScopesPattern(userID.String())); err != nil {
		e.logger.Warn("scope cache invalidation failed", "user_id", userID, "error", err)
	}
}

// InvalidateTenant flushes every user's cached expansion for one tenant, on
// extension install or custom-role edit.
func (e *Engine) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) {
	if err := e.cache.DeletePattern(ctx, cache.TenantScopesPattern(tenantID.String())); err != nil {
		e.logger.Warn("scope cache invalidation failed", "tenant_id", tenantID, "error", err)
	}
}
