// Package tenancy walks the parent/child tenant forest. It is the single
// source of truth for cross-tenant reach: admins of an ancestor reach every
// descendant.
package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/agixt/backend/internal/database"
	"github.com/google/uuid"
)

// ErrTenantCycle reports a corrupted parent chain. The walker refuses to
// silently pick an arbitrary root.
var ErrTenantCycle = errors.New("tenant parent chain contains a cycle")

// Tree resolves ancestry questions over the persisted tenant forest.
type Tree struct {
	store database.Store
}

// NewTree builds a Tree over the store.
func NewTree(store database.Store) *Tree {
	return &Tree{store: store}
}

// ============================================================================
// WALKS
// ============================================================================

// Root walks parent pointers up to the topmost ancestor. Billing reads and
// debits land on this tenant.
func (t *Tree) Root(ctx context.Context, tenantID uuid.UUID) (*database.Tenant, error) {
	visited := map[uuid.UUID]bool{}
	current, err := t.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}
	for current.ParentID != nil {
		if visited[current.ID] {
			return nil, ErrTenantCycle
		}
		visited[current.ID] = true

		parent, err := t.store.GetTenant(ctx, *current.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			// Dangling parent pointer: treat the orphan as its own root.
			return current, nil
		}
		current = parent
	}
	return current, nil
}

// Ancestors returns the chain from the tenant's direct parent up to the root,
// nearest first. The tenant itself is not included.
func (t *Tree) Ancestors(ctx context.Context, tenantID uuid.UUID) ([]database.Tenant, error) {
	visited := map[uuid.UUID]bool{tenantID: true}
	var chain []database.Tenant

	current, err := t.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}
	for current.ParentID != nil {
		parent, err := t.store.GetTenant(ctx, *current.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		if visited[parent.ID] {
			return nil, ErrTenantCycle
		}
		visited[parent.ID] = true
		chain = append(chain, *parent)
		current = parent
	}
	return chain, nil
}

// Descendants enumerates every tenant below the given one, depth-first. The
// tenant itself is not included.
func (t *Tree) Descendants(ctx context.Context, tenantID uuid.UUID) ([]database.Tenant, error) {
	visited := map[uuid.UUID]bool{tenantID: true}
	var out []database.Tenant

	stack := []uuid.UUID{tenantID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := t.store.ListChildTenants(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			out = append(out, child)
			stack = append(stack, child.ID)
		}
	}
	return out, nil
}

// ============================================================================
// REACH
// ============================================================================

// RoleIn resolves the user's effective role in a tenant: a direct membership
// wins; otherwise an admin membership (role 0 or 1) in any ancestor
// propagates down. The bool reports whether any role applies.
func (t *Tree) RoleIn(ctx context.Context, userID, tenantID uuid.UUID) (int, bool, error) {
	m, err := t.store.GetMembership(ctx, userID, tenantID)
	if err != nil {
		return 0, false, err
	}
	if m != nil {
		return m.RoleID, true, nil
	}

	ancestors, err := t.Ancestors(ctx, tenantID)
	if err != nil {
		return 0, false, err
	}
	for _, anc := range ancestors {
		am, err := t.store.GetMembership(ctx, userID, anc.ID)
		if err != nil {
			return 0, false, err
		}
		if am != nil && am.RoleID <= database.RoleTenantAdmin {
			return am.RoleID, true, nil
		}
	}
	return 0, false, nil
}

// CanAccess reports whether the user reaches the tenant: direct membership or
// admin of any ancestor.
func (t *Tree) CanAccess(ctx context.Context, userID, tenantID uuid.UUID) (bool, error) {
	_, ok, err := t.RoleIn(ctx, userID, tenantID)
	return ok, err
}

// IsSuperAdmin reports whether the user holds role 0 in any tenant.
func (t *Tree) IsSuperAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	memberships, err := t.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, m := range memberships {
		if m.RoleID == database.RoleSuperAdmin {
			return true, nil
		}
	}
	return false, nil
}
