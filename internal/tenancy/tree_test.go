package tenancy

import (
	"context"
	"testing"

	"github.com/agixt/backend/internal/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTenant(t *testing.T, store *database.MemoryStore, name string, parent *uuid.UUID) *database.Tenant {
	t.Helper()
	tenant := &database.Tenant{
		ID:       uuid.New(),
		Name:     name,
		ParentID: parent,
		Status:   database.TenantActive,
	}
	require.NoError(t, store.CreateTenant(context.Background(), tenant))
	return tenant
}

func seedMember(t *testing.T, store *database.MemoryStore, userID, tenantID uuid.UUID, role int) {
	t.Helper()
	require.NoError(t, store.UpsertMembership(context.Background(), &database.Membership{
		UserID:   userID,
		TenantID: tenantID,
		RoleID:   role,
	}))
}

func TestRootWalksToTopAncestor(t *testing.T) {
	store := database.NewMemoryStore()
	tree := NewTree(store)
	ctx := context.Background()

	top := seedTenant(t, store, "top", nil)
	mid := seedTenant(t, store, "mid", &top.ID)
	leaf := seedTenant(t, store, "leaf", &mid.ID)

	root, err := tree.Root(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, top.ID, root.ID)

	// A root resolves to itself.
	root, err = tree.Root(ctx, top.ID)
	require.NoError(t, err)
	assert.Equal(t, top.ID, root.ID)
}

func TestRootDetectsCycle(t *testing.T) {
	store := database.NewMemoryStore()
	tree := NewTree(store)
	ctx := context.Background()

	a := seedTenant(t, store, "a", nil)
	b := seedTenant(t, store, "b", &a.ID)
	a.ParentID = &b.ID
	require.NoError(t, store.UpdateTenant(ctx, a))

	_, err := tree.Root(ctx, a.ID)
	assert.ErrorIs(t, err, ErrTenantCycle)

	_, err = tree.Ancestors(ctx, b.ID)
	assert.ErrorIs(t, err, ErrTenantCycle)
}

func TestDescendantsEnumeratesSubtree(t *testing.T) {
	store := database.NewMemoryStore()
	tree := NewTree(store)
	ctx := context.Background()

	top := seedTenant(t, store, "top", nil)
	childA := seedTenant(t, store, "child-a", &top.ID)
	childB := seedTenant(t, store, "child-b", &top.ID)
	grand := seedTenant(t, store, "grand", &childA.ID)
	other := seedTenant(t, store, "other", nil)

	descendants, err := tree.Descendants(ctx, top.ID)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool)
	for _, d := range descendants {
		ids[d.ID] = true
	}
	assert.Len(t, ids, 3)
	assert.True(t, ids[childA.ID])
	assert.True(t, ids[childB.ID])
	assert.True(t, ids[grand.ID])
	assert.False(t, ids[other.ID])
}

func TestRoleInPropagatesAdminDownward(t *testing.T) {
	store := database.NewMemoryStore()
	tree := NewTree(store)
	ctx := context.Background()

	top := seedTenant(t, store, "top", nil)
	leaf := seedTenant(t, store, "leaf", &top.ID)

	admin := uuid.New()
	regular := uuid.New()
	seedMember(t, store, admin, top.ID, database.RoleTenantAdmin)
	seedMember(t, store, regular, top.ID, database.RoleUser)

	role, ok, err := tree.RoleIn(ctx, admin, leaf.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, database.RoleTenantAdmin, role)

	// Non-admin ancestor membership does not reach down.
	_, ok, err = tree.RoleIn(ctx, regular, leaf.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAccessDirectMembership(t *testing.T) {
	store := database.NewMemoryStore()
	tree := NewTree(store)
	ctx := context.Background()

	tenant := seedTenant(t, store, "solo", nil)
	member := uuid.New()
	stranger := uuid.New()
	seedMember(t, store, member, tenant.ID, database.RoleUser)

	ok, err := tree.CanAccess(ctx, member, tenant.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tree.CanAccess(ctx, stranger, tenant.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsSuperAdmin(t *testing.T) {
	store := database.NewMemoryStore()
	tree := NewTree(store)
	ctx := context.Background()

	tenant := seedTenant(t, store, "hq", nil)
	root := uuid.New()
	seedMember(t, store, root, tenant.ID, database.RoleSuperAdmin)

	ok, err := tree.IsSuperAdmin(ctx, root)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tree.IsSuperAdmin(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}
