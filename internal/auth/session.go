// Package auth resolves bearer credentials into authenticated request
// contexts and owns the credential lifecycles around them: magic-link login,
// personal access tokens and session revocation.
package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/agixt/backend/internal/billing"
	"github.com/agixt/backend/internal/cache"
	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/crypto"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/provider"
	"github.com/agixt/backend/internal/scopes"
	"github.com/agixt/backend/internal/tenancy"
	"github.com/google/uuid"
)

// Session validates bearer credentials. Resolution order: master key, PAT
// prefix, JWT.
type Session struct {
	cfg     *config.Config
	store   database.Store
	cache   cache.Cache
	forge   *crypto.Forge
	tree    *tenancy.Tree
	engine  *scopes.Engine
	gate    *billing.Gate
	pats    *PATManager
	payment provider.PaymentBackend
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	// spawn runs housekeeping off the hot path; cmd wires the task
	// supervisor in, tests run inline or drop the work.
	spawn func(name string, fn func(context.Context))
}

// NewSession builds the bearer validator.
func NewSession(cfg *config.Config, store database.Store, c cache.Cache, forge *crypto.Forge, tree *tenancy.Tree, engine *scopes.Engine, gate *billing.Gate, pats *PATManager, payment provider.PaymentBackend, metrics *Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg: cfg, store: store, cache: c, forge: forge, tree: tree,
		engine: engine, gate: gate, pats: pats, payment: payment,
		metrics: metrics, logger: logger, now: time.Now,
	}
	s.spawn = func(name string, fn func(context.Context)) {
		go fn(context.Background())
	}
	return s
}

// SetSpawner replaces the background-task launcher.
func (s *Session) SetSpawner(spawn func(name string, fn func(context.Context))) { s.spawn = spawn }

// SetClock overrides the time source for tests.
func (s *Session) SetClock(now func() time.Time) { s.now = now }

// countAuth records an authentication outcome when metrics are wired.
func (s *Session) countAuth(method, outcome string) {
	if s.metrics != nil {
		s.metrics.Authentications.WithLabelValues(method, outcome).Inc()
	}
}

// ============================================================================
// BEARER RESOLUTION
// ============================================================================

// Authenticate resolves a bearer credential to an AuthContext. All failures
// collapse to a single opaque unauthenticated error.
func (s *Session) Authenticate(ctx context.Context, bearer string) (*core.AuthContext, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer "))
	if token == "" {
		s.countAuth("none", "missing")
		return nil, core.Unauthenticated("missing credential")
	}

	// 1. Process master key.
	if s.cfg.APIKey != "" && token == s.cfg.APIKey {
		s.countAuth("master_key", "ok")
		return &core.AuthContext{
			Email:  s.cfg.SuperadminEmail,
			Admin:  true,
			Method: core.AuthMasterKey,
			Token:  token,
		}, nil
	}

	// 2. Personal access token.
	if crypto.IsPAT(token) {
		ac, err := s.pats.Validate(ctx, token)
		if err != nil {
			s.countAuth("pat", "fail")
			return nil, err
		}
		s.countAuth("pat", "ok")
		return ac, nil
	}

	// 3. Session JWT.
	ac, err := s.authenticateJWT(ctx, token)
	if err != nil {
		s.countAuth("jwt", "fail")
		return nil, err
	}
	s.countAuth("jwt", "ok")
	return ac, nil
}

func (s *Session) authenticateJWT(ctx context.Context, token string) (*core.AuthContext, error) {
	// Revocation outranks everything, including the validation cache.
	revoked, err := s.store.IsTokenBlacklisted(ctx, token)
	if err != nil {
		return nil, core.Internal(err)
	}
	if revoked {
		return nil, core.Unauthenticated("revoked")
	}

	key := cache.TokenValidationKey(token)
	var cached core.AuthContext
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		cached.Token = token
		return &cached, nil
	}

	claims, err := s.forge.VerifySessionToken(token)
	if err != nil {
		return nil, core.Unauthenticated("invalid credential")
	}
	user, err := s.store.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, core.Internal(err)
	}
	if user == nil || !user.IsActive {
		// Inactive users re-enter via subscription check or invitation.
		if user != nil {
			s.scheduleSubscriptionCheck(user.ID, user.Email)
		}
		return nil, core.Unauthenticated("invalid credential")
	}

	if err := s.promoteSuperadmin(ctx, user); err != nil {
		s.logger.Warn("superadmin promotion failed", "user_id", user.ID, "error", err)
	}
	s.scheduleSubscriptionCheck(user.ID, user.Email)

	ac := &core.AuthContext{
		UserID: user.ID,
		Email:  user.Email,
		Admin:  claims.Admin,
		Method: core.AuthJWT,
		Token:  token,
	}
	if err := s.cache.Set(ctx, key, ac, cache.TTLTokenValidation); err != nil {
		s.logger.Warn("token validation cache write failed", "error", err)
	}
	return ac, nil
}

// Logout blacklists the session token until its natural expiry and drops the
// validation cache entry.
func (s *Session) Logout(ctx context.Context, token string) error {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
	expiresAt := s.now().Add(crypto.ClockSkewLeeway)
	if claims, err := s.forge.VerifySessionToken(token); err == nil && claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time.Add(crypto.ClockSkewLeeway)
	}
	if err := s.store.BlacklistToken(ctx, token, expiresAt); err != nil {
		return core.Internal(err)
	}
	if err := s.cache.Delete(ctx, cache.TokenValidationKey(token)); err != nil {
		s.logger.Warn("token validation cache delete failed", "error", err)
	}
	return nil
}

// ============================================================================
// HOUSEKEEPING
// ============================================================================

// promoteSuperadmin forces role 0 in every tenant the SUPERADMIN_EMAIL user
// belongs to. Runs on first sight and on each session refresh.
func (s *Session) promoteSuperadmin(ctx context.Context, user *database.User) error {
	if s.cfg.SuperadminEmail == "" || !strings.EqualFold(user.Email, s.cfg.SuperadminEmail) {
		return nil
	}
	memberships, err := s.store.ListMembershipsByUser(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, m := range memberships {
		if m.RoleID == database.RoleSuperAdmin {
			continue
		}
		m.RoleID = database.RoleSuperAdmin
		if err := s.store.UpsertMembership(ctx, &m); err != nil {
			return err
		}
	}
	s.engine.InvalidateUser(ctx, user.ID)
	return nil
}

// scheduleSubscriptionCheck re-checks the payment backend for an inactive
// user's subscription, off the hot path and rate-limited to one probe per
// cache TTL.
func (s *Session) scheduleSubscriptionCheck(userID uuid.UUID, email string) {
	if s.payment == nil || s.cfg.StripeAPIKey == "" {
		return
	}
	s.spawn("stripe-subscription-check", func(ctx context.Context) {
		key := cache.StripeCheckKey(userID.String())
		var done bool
		if hit, err := s.cache.Get(ctx, key, &done); err == nil && hit {
			return
		}
		if err := s.cache.Set(ctx, key, true, cache.TTLStripeCheck); err != nil {
			return
		}
		user, err := s.store.GetUser(ctx, userID)
		if err != nil || user == nil || user.IsActive {
			return
		}
		active, err := s.payment.HasActiveSubscription(ctx, email)
		if err != nil {
			s.logger.Warn("subscription check failed", "user_id", userID, "error", err)
			return
		}
		if active {
			user.IsActive = true
			if err := s.store.UpdateUser(ctx, user); err != nil {
				s.logger.Warn("subscription activation failed", "user_id", userID, "error", err)
				return
			}
			s.logger.Info("user activated by subscription", "user_id", userID)
		}
	})
}
