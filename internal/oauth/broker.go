// Package oauth manages per-user OAuth provider credentials: proactive
// refresh, a one-retry-on-expiry API-call wrapper, and the background
// refresh/purge sweeps.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Refresh windows. A token inside refreshSkew of expiry is treated as
// expired; the hourly sweep refreshes anything inside sweepWindow; the daily
// purge drops credentials dead for longer than purgeAfter.
const (
	refreshSkew = 5 * time.Minute
	sweepWindow = 30 * time.Minute
	purgeAfter  = 30 * 24 * time.Hour
)

// authFailureMarkers identify expiry-shaped errors in provider responses.
var authFailureMarkers = []string{"unauthorized", "forbidden", "invalid_token", "token_expired", "401", "403"}

// IsAuthFailure reports whether an error looks like an expired or rejected
// credential, warranting one forced refresh and retry.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range authFailureMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Broker holds the provider registry and drives the credential lifecycle.
type Broker struct {
	store  database.Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	providers map[string]*oauth2.Config
}

// NewBroker builds an empty broker; providers are registered at wiring time.
func NewBroker(store database.Store, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{store: store, logger: logger, now: time.Now, providers: make(map[string]*oauth2.Config)}
}

// SetClock overrides the time source for tests.
func (b *Broker) SetClock(now func() time.Time) { b.now = now }

// RegisterProvider adds or replaces a provider's OAuth endpoint config.
func (b *Broker) RegisterProvider(id string, cfg *oauth2.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.providers[id] = cfg
}

func (b *Broker) providerConfig(id string) (*oauth2.Config, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg, ok := b.providers[id]
	if !ok {
		return nil, core.BadRequest(fmt.Sprintf("unknown oauth provider %q", id))
	}
	return cfg, nil
}

// ============================================================================
// CREDENTIAL LIFECYCLE
// ============================================================================

// Store persists a fresh credential for (user, provider), one row per pair.
func (b *Broker) Store(ctx context.Context, userID uuid.UUID, providerID, accountName string, tok *oauth2.Token) error {
	row := &database.UserOAuth{
		UserID:       userID,
		ProviderID:   providerID,
		AccountName:  accountName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		row.TokenExpiresAt = &expiry
	}
	return b.store.UpsertOAuth(ctx, row)
}

// Refresh returns a live access token for (user, provider), exchanging the
// refresh token when the stored one is expired, unknown or force is set.
// Rotated refresh tokens are persisted; writer-wins on concurrent refreshes.
func (b *Broker) Refresh(ctx context.Context, userID uuid.UUID, providerID string, force bool) (string, error) {
	row, err := b.store.GetOAuth(ctx, userID, providerID)
	if err != nil {
		return "", core.Internal(err)
	}
	if row == nil {
		return "", core.NotFound("oauth credential")
	}

	fresh := row.TokenExpiresAt != nil && row.TokenExpiresAt.After(b.now().Add(refreshSkew))
	if fresh && !force {
		return row.AccessToken, nil
	}
	if row.RefreshToken == "" {
		return "", core.Unauthenticated("invalid credential")
	}

	cfg, err := b.providerConfig(providerID)
	if err != nil {
		return "", err
	}
	stale := &oauth2.Token{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		Expiry:       b.now().Add(-time.Minute), // force the token source to exchange
	}
	tok, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		return "", core.Unauthenticated("invalid credential")
	}

	row.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		row.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		row.TokenExpiresAt = &expiry
	}
	if err := b.store.UpsertOAuth(ctx, row); err != nil {
		return "", core.Internal(err)
	}
	b.logger.Info("oauth token refreshed", "user_id", userID, "provider", providerID)
	return row.AccessToken, nil
}

// APICall runs fn with a live access token. On an expiry-shaped failure it
// force-refreshes exactly once and retries; any second failure propagates.
func (b *Broker) APICall(ctx context.Context, userID uuid.UUID, providerID string, fn func(accessToken string) error) error {
	token, err := b.Refresh(ctx, userID, providerID, false)
	if err != nil {
		return err
	}
	err = fn(token)
	if err == nil || !IsAuthFailure(err) {
		return err
	}

	token, rerr := b.Refresh(ctx, userID, providerID, true)
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	return fn(token)
}

// ============================================================================
// SWEEPS
// ============================================================================

// SweepExpiring refreshes every credential expiring within the sweep window.
// Run hourly by the task supervisor.
func (b *Broker) SweepExpiring(ctx context.Context) {
	rows, err := b.store.ListOAuthExpiringBefore(ctx, b.now().Add(sweepWindow))
	if err != nil {
		b.logger.Warn("oauth sweep listing failed", "error", err)
		return
	}
	refreshed := 0
	for _, row := range rows {
		if _, err := b.Refresh(ctx, row.UserID, row.ProviderID, false); err != nil {
			b.logger.Warn("oauth sweep refresh failed", "user_id", row.UserID, "provider", row.ProviderID, "error", err)
			continue
		}
		refreshed++
	}
	if len(rows) > 0 {
		b.logger.Info("oauth sweep complete", "candidates", len(rows), "refreshed", refreshed)
	}
}

// PurgeStale deletes credentials expired for longer than the retention
// window. Run daily at 02:00 local by the task supervisor.
func (b *Broker) PurgeStale(ctx context.Context) {
	n, err := b.store.DeleteOAuthExpiredSince(ctx, b.now().Add(-purgeAfter))
	if err != nil {
		b.logger.Warn("oauth purge failed", "error", err)
		return
	}
	if n > 0 {
		b.logger.Info("stale oauth credentials purged", "count", n)
	}
}
