// Package cache implements the shared cross-process TTL cache. Entries are
// short-lived hints, never the source of truth; on miss or expiry callers
// recompute from the store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Required TTLs for the well-known hot-path keys.
const (
	TTLTokenValidation = 5 * time.Second
	TTLUserID          = 60 * time.Second
	TTLUserCompany     = 10 * time.Second
	TTLUserScopes      = 60 * time.Second
	TTLStripeCheck     = 300 * time.Second
)

// Tombstone marks a cached negative result so "known missing" is
// distinguishable from "not cached".
const Tombstone = "\x00tombstone"

// Cache is the shared-cache contract. Values must be JSON-serializable.
type Cache interface {
	// Get unmarshals the cached value into dest. The bool reports a hit.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes every key matching a glob (e.g. "user_scopes:123:*").
	DeletePattern(ctx context.Context, pattern string) error
}

// ============================================================================
// KEY BUILDERS
// ============================================================================

// TokenValidationKey keys the 5s bearer-validation cache on the token digest
// so raw credentials never appear in cache storage.
func TokenValidationKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "token_validation:" + hex.EncodeToString(sum[:])
}

func UserIDKey(email string) string {
	return "user_id:" + email
}

func UserCompanyKey(userID string) string {
	return "user_company:" + userID
}

func UserScopesKey(userID, tenantID string) string {
	return fmt.Sprintf("user_scopes:%s:%s", userID, tenantID)
}

// UserScopesPattern matches every tenant's scope cache for one user.
func UserScopesPattern(userID string) string {
	return fmt.Sprintf("user_scopes:%s:*", userID)
}

// TenantScopesPattern matches every user's scope cache for one tenant, used
// when a tenant-wide change (extension install, custom role edit) lands.
func TenantScopesPattern(tenantID string) string {
	return fmt.Sprintf("user_scopes:*:%s", tenantID)
}

func StripeCheckKey(userID string) string {
	return "stripe_check:" + userID
}
