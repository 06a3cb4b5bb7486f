package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/crypto"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/provider"
	"github.com/google/uuid"
)

// Failed-login lockout: this many failures inside the sliding window rate
// limits further verification attempts.
const (
	failedLoginLimit  = 100
	failedLoginWindow = 24 * time.Hour
)

// MagicLink implements TOTP-gated login: a one-time code delivered out of
// band, exchanged for a month-boundary session JWT.
type MagicLink struct {
	cfg      *config.Config
	store    database.Store
	forge    *crypto.Forge
	notifier provider.Notifier
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewMagicLink builds the magic-link flow.
func NewMagicLink(cfg *config.Config, store database.Store, forge *crypto.Forge, notifier provider.Notifier, metrics *Metrics, logger *slog.Logger) *MagicLink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MagicLink{cfg: cfg, store: store, forge: forge, notifier: notifier, metrics: metrics, logger: logger, now: time.Now}
}

// SetClock overrides the time source for tests.
func (m *MagicLink) SetClock(now func() time.Time) { m.now = now }

func (m *MagicLink) count(stage, outcome string) {
	if m.metrics != nil {
		m.metrics.MagicLinks.WithLabelValues(stage, outcome).Inc()
	}
}

// ============================================================================
// REQUEST
// ============================================================================

// Request issues a login code to the email. Unknown addresses still fan out
// a generic notification so enumeration is indistinguishable from success.
func (m *MagicLink) Request(ctx context.Context, email string) error {
	user, err := m.store.GetUserByEmail(ctx, email)
	if err != nil {
		return core.Internal(err)
	}
	if user == nil {
		m.count("request", "unknown")
		body := fmt.Sprintf("A login was requested for this address, but no %s account exists. If this was you, register first.", m.cfg.AppName)
		if err := m.notifier.SendEmail(ctx, email, m.cfg.AppName+" login", body); err != nil {
			m.logger.Warn("decoy notification failed", "error", err)
		}
		_ = m.notifier.SendSMS(ctx, email, body)
		return nil
	}

	code, err := crypto.GenerateTOTP(user.MFASeed, m.now())
	if err != nil {
		return core.Internal(err)
	}
	body := fmt.Sprintf("Your %s login code is %s. It expires shortly.", m.cfg.AppName, code)
	if err := m.notifier.SendEmail(ctx, user.Email, m.cfg.AppName+" login", body); err != nil {
		return core.Internal(err)
	}
	m.count("request", "ok")
	m.logger.Info("magic link requested", "user_id", user.ID)
	return nil
}

// ============================================================================
// VERIFY
// ============================================================================

// VerifyResult carries the minted session token plus the signed front-end
// URL form.
type VerifyResult struct {
	Token     string `json:"token"`
	MagicLink string `json:"magic_link"`
}

// Verify checks the one-time code and mints a session JWT expiring at the
// next month boundary. Failures are opaque and counted toward the sliding
// lockout.
func (m *MagicLink) Verify(ctx context.Context, email, code string) (*VerifyResult, error) {
	user, err := m.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, core.Internal(err)
	}
	if user == nil {
		m.count("verify", "unknown")
		return nil, core.Unauthenticated("invalid credential")
	}

	failures, err := m.store.CountFailedLogins(ctx, user.ID, m.now().Add(-failedLoginWindow))
	if err != nil {
		return nil, core.Internal(err)
	}
	if failures >= failedLoginLimit {
		m.count("verify", "rate_limited")
		return nil, core.RateLimited("too many failed logins")
	}

	if !crypto.VerifyTOTP(code, user.MFASeed, m.now()) {
		if err := m.store.RecordFailedLogin(ctx, user.ID, m.now()); err != nil {
			m.logger.Warn("failed-login record failed", "user_id", user.ID, "error", err)
		}
		m.count("verify", "bad_code")
		return nil, core.Unauthenticated("invalid credential")
	}
	if !user.IsActive {
		m.count("verify", "inactive")
		return nil, core.Unauthenticated("invalid credential")
	}

	if !user.VerifyMFA {
		user.VerifyMFA = true
		if err := m.store.UpdateUser(ctx, user); err != nil {
			m.logger.Warn("mfa verified-flag update failed", "user_id", user.ID, "error", err)
		}
	}

	token, err := m.forge.MintSessionToken(user.ID, user.Email, false)
	if err != nil {
		return nil, core.Internal(err)
	}
	m.count("verify", "ok")
	m.logger.Info("magic link verified", "user_id", user.ID)
	return &VerifyResult{
		Token:     token,
		MagicLink: fmt.Sprintf("%s?token=%s", m.cfg.AppURI, url.QueryEscape(token)),
	}, nil
}

// ResetMFA regenerates the user's TOTP seed and clears the verified flag.
// The next login requires a code from the fresh seed.
func (m *MagicLink) ResetMFA(ctx context.Context, userID uuid.UUID) error {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return core.Internal(err)
	}
	if user == nil {
		return core.NotFound("user")
	}
	seed, err := crypto.NewTOTPSeed(user.Email)
	if err != nil {
		return core.Internal(err)
	}
	user.MFASeed = seed
	user.VerifyMFA = false
	if err := m.store.UpdateUser(ctx, user); err != nil {
		return core.Internal(err)
	}
	m.logger.Info("mfa seed reset", "user_id", user.ID)
	return nil
}
