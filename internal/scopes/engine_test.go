package scopes

import (
	"context"
	"testing"

	"github.com/agixt/backend/internal/cache"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/tenancy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePattern(t *testing.T) {
	valid := []string{
		"*",
		"agents:read",
		"agents:*",
		"ext:*",
		"ext:github:execute",
		"ext:github:*",
		"ext:*:read",
		"ext:github:create_issue:execute",
		"ext:*:create_issue:execute",
	}
	for _, s := range valid {
		assert.NoError(t, ValidatePattern(s), s)
	}

	invalid := []string{
		"",
		"agents",
		"agents:read:extra",
		"ext:a:b:c:d",
		"agents :read",
		"agents:re ad",
	}
	for _, s := range invalid {
		assert.Error(t, ValidatePattern(s), s)
	}
}

func TestCandidatesPrecedence(t *testing.T) {
	// Exact first, global wildcard second, then narrowing wildcards.
	assert.Equal(t,
		[]string{"agents:read", "*", "agents:*"},
		Candidates("agents:read"))

	assert.Equal(t,
		[]string{"ext:github:execute", "*", "ext:*", "ext:*:execute", "ext:github:*"},
		Candidates("ext:github:execute"))

	assert.Equal(t,
		[]string{
			"ext:github:create_issue:execute",
			"*",
			"ext:*",
			"ext:*:create_issue:execute",
			"ext:*:*:execute",
			"ext:*:execute",
			"ext:github:create_issue:*",
			"ext:github:*:execute",
			"ext:github:*",
			"ext:github:execute",
		},
		Candidates("ext:github:create_issue:execute"))
}

func TestGrantsWildcards(t *testing.T) {
	set := &ScopeSet{
		Member:     true,
		Scopes:     []string{"agents:*", "ext:github:*", "chains:read"},
		Extensions: []string{"github"},
	}

	assert.True(t, set.Grants("agents:read"))
	assert.True(t, set.Grants("agents:delete"))
	assert.True(t, set.Grants("chains:read"))
	assert.False(t, set.Grants("chains:write"))
	assert.True(t, set.Grants("ext:github:execute"))
	assert.True(t, set.Grants("ext:github:create_issue:execute"))
	assert.False(t, set.Grants("ext:slack:execute"))

	// A stored ext:*:action pattern covers four-part queries too, still
	// restricted to installed extensions.
	wildcardAction := &ScopeSet{
		Member:     true,
		Scopes:     []string{"ext:*:execute"},
		Extensions: []string{"github"},
	}
	assert.True(t, wildcardAction.Grants("ext:github:execute"))
	assert.True(t, wildcardAction.Grants("ext:github:create_issue:execute"))
	assert.False(t, wildcardAction.Grants("ext:github:create_issue:read"))
	assert.False(t, wildcardAction.Grants("ext:slack:create_issue:execute"))
}

func TestGrantsShorthandExecuteCoversFeatures(t *testing.T) {
	set := &ScopeSet{
		Member: true,
		Scopes: []string{"ext:github:execute"},
	}
	assert.True(t, set.Grants("ext:github:create_issue:execute"))
	assert.False(t, set.Grants("ext:github:create_issue:delete"))
}

func TestGrantsExtNameWildcardRequiresInstalledExtension(t *testing.T) {
	set := &ScopeSet{
		Member:     true,
		Scopes:     []string{"ext:*"},
		Extensions: []string{"github"},
	}
	assert.True(t, set.Grants("ext:github:execute"))
	// slack is not configured for the tenant, so ext:* does not reach it.
	assert.False(t, set.Grants("ext:slack:execute"))

	// An explicitly named grant is not subject to the installed check.
	named := &ScopeSet{Member: true, Scopes: []string{"ext:slack:execute"}}
	assert.True(t, named.Grants("ext:slack:execute"))
}

func TestGrantsSuperAdminAndNonMember(t *testing.T) {
	super := &ScopeSet{Member: true, SuperAdmin: true}
	assert.True(t, super.Grants("anything:at_all"))

	outsider := &ScopeSet{Scopes: []string{"*"}}
	assert.False(t, outsider.Grants("agents:read"))
}

// ============================================================================
// ENGINE
// ============================================================================

func testEngine(t *testing.T) (*Engine, *database.MemoryStore, cache.Cache) {
	t.Helper()
	store := database.NewMemoryStore()
	tree := tenancy.NewTree(store)
	c := cache.NewMemoryCache()
	return NewEngine(store, tree, c, nil), store, c
}

func TestExpandMergesRoleAndCustomScopes(t *testing.T) {
	engine, store, _ := testEngine(t)
	ctx := context.Background()

	tenant := &database.Tenant{ID: uuid.New(), Name: "acme", Status: database.TenantActive}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	userID := uuid.New()
	require.NoError(t, store.UpsertMembership(ctx, &database.Membership{
		UserID: userID, TenantID: tenant.ID, RoleID: database.RoleUser,
	}))
	require.NoError(t, store.AddRoleScope(ctx, database.RoleUser, "agents:read"))
	require.NoError(t, store.AddRoleScope(ctx, database.RoleUser, "chains:read"))

	role := &database.CustomRole{ID: uuid.New(), TenantID: tenant.ID, Name: "operator", IsActive: true}
	require.NoError(t, store.CreateCustomRole(ctx, role, []string{"chains:execute", "agents:read"}))
	require.NoError(t, store.AssignCustomRole(ctx, &database.UserCustomRole{
		UserID: userID, CustomRoleID: role.ID, TenantID: tenant.ID,
	}))

	set, err := engine.Expand(ctx, userID, tenant.ID)
	require.NoError(t, err)
	assert.True(t, set.Member)
	assert.Equal(t, database.RoleUser, set.RoleID)
	// Deduplicated and sorted.
	assert.Equal(t, []string{"agents:read", "chains:execute", "chains:read"}, set.Scopes)
}

func TestExpandNonMemberIsEmpty(t *testing.T) {
	engine, store, _ := testEngine(t)
	ctx := context.Background()

	tenant := &database.Tenant{ID: uuid.New(), Name: "acme", Status: database.TenantActive}
	require.NoError(t, store.CreateTenant(ctx, tenant))

	set, err := engine.Expand(ctx, uuid.New(), tenant.ID)
	require.NoError(t, err)
	assert.False(t, set.Member)
	assert.Empty(t, set.Scopes)
	assert.False(t, set.Grants("agents:read"))
}

func TestExpandCachesUntilInvalidated(t *testing.T) {
	engine, store, _ := testEngine(t)
	ctx := context.Background()

	tenant := &database.Tenant{ID: uuid.New(), Name: "acme", Status: database.TenantActive}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	userID := uuid.New()
	require.NoError(t, store.UpsertMembership(ctx, &database.Membership{
		UserID: userID, TenantID: tenant.ID, RoleID: database.RoleUser,
	}))
	require.NoError(t, store.AddRoleScope(ctx, database.RoleUser, "agents:read"))

	set, err := engine.Expand(ctx, userID, tenant.ID)
	require.NoError(t, err)
	require.True(t, set.Grants("agents:read"))

	// A grant added after expansion is invisible until invalidation.
	require.NoError(t, store.AddRoleScope(ctx, database.RoleUser, "agents:write"))
	set, err = engine.Expand(ctx, userID, tenant.ID)
	require.NoError(t, err)
	assert.False(t, set.Grants("agents:write"))

	engine.InvalidateUser(ctx, userID)
	set, err = engine.Expand(ctx, userID, tenant.ID)
	require.NoError(t, err)
	assert.True(t, set.Grants("agents:write"))
}

func TestRequireHonorsPATScopeRestriction(t *testing.T) {
	engine, store, _ := testEngine(t)
	ctx := context.Background()

	tenant := &database.Tenant{ID: uuid.New(), Name: "acme", Status: database.TenantActive}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	userID := uuid.New()
	require.NoError(t, store.UpsertMembership(ctx, &database.Membership{
		UserID: userID, TenantID: tenant.ID, RoleID: database.RoleUser,
	}))
	require.NoError(t, store.AddRoleScope(ctx, database.RoleUser, "agents:read"))
	require.NoError(t, store.AddRoleScope(ctx, database.RoleUser, "chains:read"))

	// The user holds chains:read, but the PAT was minted with agents:read
	// only, so the effective permission set is the intersection.
	patCtx := core.WithAuth(ctx, &core.AuthContext{
		UserID:    userID,
		Method:    core.AuthPAT,
		PATScopes: []string{"agents:read"},
	})
	assert.NoError(t, engine.Require(patCtx, userID, tenant.ID, "agents:read"))

	err := engine.Require(patCtx, userID, tenant.ID, "chains:read")
	require.Error(t, err)
	assert.Equal(t, core.KindForbidden, core.KindOf(err))
	assert.Equal(t, "chains:read", core.AsError(err).RequiredScope)
}

func TestExpandBulkMatchesPerTenantExpansion(t *testing.T) {
	engine, store, _ := testEngine(t)
	ctx := context.Background()

	tenantA := &database.Tenant{ID: uuid.New(), Name: "a", Status: database.TenantActive}
	tenantB := &database.Tenant{ID: uuid.New(), Name: "b", Status: database.TenantActive}
	require.NoError(t, store.CreateTenant(ctx, tenantA))
	require.NoError(t, store.CreateTenant(ctx, tenantB))

	userID := uuid.New()
	memberships := []database.Membership{
		{UserID: userID, TenantID: tenantA.ID, RoleID: database.RoleUser},
		{UserID: userID, TenantID: tenantB.ID, RoleID: database.RoleCompanyAdmin},
	}
	for i := range memberships {
		require.NoError(t, store.UpsertMembership(ctx, &memberships[i]))
	}
	require.NoError(t, store.AddRoleScope(ctx, database.RoleUser, "agents:read"))
	require.NoError(t, store.AddRoleScope(ctx, database.RoleCompanyAdmin, "users:write"))

	sets, err := engine.ExpandBulk(ctx, userID, memberships)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.True(t, sets[tenantA.ID].Grants("agents:read"))
	assert.False(t, sets[tenantA.ID].Grants("users:write"))
	assert.True(t, sets[tenantB.ID].Grants("users:write"))
}
