package core

import (
	"context"

	"github.com/google/uuid"
)

// AuthMethod records which credential form authenticated the request.
type AuthMethod string

const (
	AuthMasterKey AuthMethod = "master_key"
	AuthJWT       AuthMethod = "jwt"
	AuthPAT       AuthMethod = "pat"
)

// AuthContext is the per-request authentication result. PAT restriction
// lists live here, never on the user entity.
type AuthContext struct {
	UserID uuid.UUID
	Email  string
	Admin  bool
	Method AuthMethod

	// Raw bearer, kept for blacklisting on logout.
	Token string

	// PAT restrictions. Empty slices mean unrestricted. The effective scope
	// set of a PAT request is the intersection of PATScopes with whatever
	// the user currently holds.
	PATName       string
	PATScopes     []string
	PATAgentIDs   []uuid.UUID
	PATCompanyIDs []uuid.UUID
}

// Restricted reports whether this context carries PAT restriction lists.
func (a *AuthContext) Restricted() bool {
	return a.Method == AuthPAT
}

// AllowsScope applies the PAT scope restriction list. Master-key and JWT
// contexts are unrestricted.
func (a *AuthContext) AllowsScope(scope string) bool {
	if a.Method != AuthPAT || len(a.PATScopes) == 0 {
		return true
	}
	for _, s := range a.PATScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllowsAgent applies the PAT agent restriction list.
func (a *AuthContext) AllowsAgent(agentID uuid.UUID) bool {
	if a.Method != AuthPAT || len(a.PATAgentIDs) == 0 {
		return true
	}
	for _, id := range a.PATAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// AllowsCompany applies the PAT tenant restriction list.
func (a *AuthContext) AllowsCompany(tenantID uuid.UUID) bool {
	if a.Method != AuthPAT || len(a.PATCompanyIDs) == 0 {
		return true
	}
	for _, id := range a.PATCompanyIDs {
		if id == tenantID {
			return true
		}
	}
	return false
}

type contextKey string

const authContextKey contextKey = "auth_context"

// WithAuth attaches the authentication result to the request context.
func WithAuth(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// AuthFrom extracts the authentication result from the request context.
func AuthFrom(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey).(*AuthContext)
	return ac, ok && ac != nil
}
