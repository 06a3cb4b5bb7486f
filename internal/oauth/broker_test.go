package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// tokenServer is a minimal OAuth token endpoint handing out sequentially
// numbered access tokens.
func tokenServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var exchanges atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"access-%d","refresh_token":"refresh-%d","token_type":"Bearer","expires_in":3600}`, n, n)
	}))
	t.Cleanup(srv.Close)
	return srv, &exchanges
}

func testBroker(t *testing.T) (*Broker, *database.MemoryStore, *atomic.Int64) {
	t.Helper()
	srv, exchanges := tokenServer(t)
	store := database.NewMemoryStore()
	broker := NewBroker(store, nil)
	broker.RegisterProvider("github", &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL + "/token"},
	})
	return broker, store, exchanges
}

func seedCredential(t *testing.T, store *database.MemoryStore, userID uuid.UUID, expiresAt *time.Time) {
	t.Helper()
	require.NoError(t, store.UpsertOAuth(context.Background(), &database.UserOAuth{
		UserID:         userID,
		ProviderID:     "github",
		AccountName:    "octocat",
		AccessToken:    "access-0",
		RefreshToken:   "refresh-0",
		TokenExpiresAt: expiresAt,
	}))
}

func TestRefreshFreshTokenSkipsExchange(t *testing.T) {
	broker, store, exchanges := testBroker(t)
	userID := uuid.New()
	future := time.Now().Add(2 * time.Hour)
	seedCredential(t, store, userID, &future)

	token, err := broker.Refresh(context.Background(), userID, "github", false)
	require.NoError(t, err)
	assert.Equal(t, "access-0", token)
	assert.Equal(t, int64(0), exchanges.Load())
}

func TestRefreshExchangesExpiredAndPersistsRotation(t *testing.T) {
	broker, store, exchanges := testBroker(t)
	userID := uuid.New()
	past := time.Now().Add(-time.Hour)
	seedCredential(t, store, userID, &past)

	token, err := broker.Refresh(context.Background(), userID, "github", false)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, int64(1), exchanges.Load())

	// The rotated refresh token and new expiry were written back.
	row, err := store.GetOAuth(context.Background(), userID, "github")
	require.NoError(t, err)
	assert.Equal(t, "access-1", row.AccessToken)
	assert.Equal(t, "refresh-1", row.RefreshToken)
	require.NotNil(t, row.TokenExpiresAt)
	assert.True(t, row.TokenExpiresAt.After(time.Now()))
}

func TestRefreshInsideSkewWindowExchanges(t *testing.T) {
	broker, store, exchanges := testBroker(t)
	userID := uuid.New()
	// Nominally live but inside the skew window: treated as expired.
	soon := time.Now().Add(refreshSkew - time.Minute)
	seedCredential(t, store, userID, &soon)

	_, err := broker.Refresh(context.Background(), userID, "github", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), exchanges.Load())
}

func TestRefreshWithoutRefreshTokenIsOpaque(t *testing.T) {
	broker, store, _ := testBroker(t)
	userID := uuid.New()
	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.UpsertOAuth(context.Background(), &database.UserOAuth{
		UserID:         userID,
		ProviderID:     "github",
		AccessToken:    "access-0",
		TokenExpiresAt: &past,
	}))

	_, err := broker.Refresh(context.Background(), userID, "github", false)
	require.Error(t, err)
	assert.Equal(t, core.KindUnauthenticated, core.KindOf(err))
}

func TestRefreshUnknownCredential(t *testing.T) {
	broker, _, _ := testBroker(t)
	_, err := broker.Refresh(context.Background(), uuid.New(), "github", false)
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

// ============================================================================
// API CALL WRAPPER
// ============================================================================

func TestAPICallRetriesExactlyOnceOnExpiry(t *testing.T) {
	broker, store, exchanges := testBroker(t)
	userID := uuid.New()
	future := time.Now().Add(2 * time.Hour)
	seedCredential(t, store, userID, &future)

	var calls []string
	err := broker.APICall(context.Background(), userID, "github", func(token string) error {
		calls = append(calls, token)
		if len(calls) == 1 {
			return errors.New("provider says 401 unauthorized")
		}
		return nil
	})
	require.NoError(t, err)
	// First attempt with the stored token, one forced refresh, one retry.
	assert.Equal(t, []string{"access-0", "access-1"}, calls)
	assert.Equal(t, int64(1), exchanges.Load())
}

func TestAPICallSecondFailurePropagates(t *testing.T) {
	broker, store, _ := testBroker(t)
	userID := uuid.New()
	future := time.Now().Add(2 * time.Hour)
	seedCredential(t, store, userID, &future)

	attempts := 0
	err := broker.APICall(context.Background(), userID, "github", func(token string) error {
		attempts++
		return errors.New("invalid_token")
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestAPICallNonAuthFailureDoesNotRetry(t *testing.T) {
	broker, store, exchanges := testBroker(t)
	userID := uuid.New()
	future := time.Now().Add(2 * time.Hour)
	seedCredential(t, store, userID, &future)

	attempts := 0
	err := broker.APICall(context.Background(), userID, "github", func(token string) error {
		attempts++
		return errors.New("rate limit exceeded")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int64(0), exchanges.Load())
}

func TestIsAuthFailure(t *testing.T) {
	assert.False(t, IsAuthFailure(nil))
	assert.True(t, IsAuthFailure(errors.New("401 Unauthorized")))
	assert.True(t, IsAuthFailure(errors.New("response: token_expired")))
	assert.True(t, IsAuthFailure(errors.New("Forbidden")))
	assert.False(t, IsAuthFailure(errors.New("connection reset by peer")))
}

// ============================================================================
// SWEEPS
// ============================================================================

func TestSweepExpiringRefreshesClosingCredentials(t *testing.T) {
	broker, store, exchanges := testBroker(t)
	ctx := context.Background()

	closing := uuid.New()
	soon := time.Now().Add(10 * time.Minute)
	seedCredential(t, store, closing, &soon)

	healthy := uuid.New()
	far := time.Now().Add(6 * time.Hour)
	seedCredential(t, store, healthy, &far)

	broker.SweepExpiring(ctx)
	assert.Equal(t, int64(1), exchanges.Load())

	row, err := store.GetOAuth(ctx, healthy, "github")
	require.NoError(t, err)
	assert.Equal(t, "access-0", row.AccessToken)
}

func TestPurgeStaleDropsLongDeadCredentials(t *testing.T) {
	broker, store, _ := testBroker(t)
	ctx := context.Background()

	dead := uuid.New()
	longAgo := time.Now().Add(-40 * 24 * time.Hour)
	seedCredential(t, store, dead, &longAgo)

	recent := uuid.New()
	lastWeek := time.Now().Add(-7 * 24 * time.Hour)
	seedCredential(t, store, recent, &lastWeek)

	broker.PurgeStale(ctx)

	row, err := store.GetOAuth(ctx, dead, "github")
	require.NoError(t, err)
	assert.Nil(t, row)
	row, err = store.GetOAuth(ctx, recent, "github")
	require.NoError(t, err)
	assert.NotNil(t, row)
}
