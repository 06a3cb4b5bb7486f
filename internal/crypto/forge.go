// Package crypto covers session JWTs, field encryption, PAT hashing and TOTP.
// All primitives key off the single master API key.
package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClockSkewLeeway absorbs drift between the server and token issuers.
const ClockSkewLeeway = 5 * time.Hour

// SessionClaims is the payload of a session JWT.
type SessionClaims struct {
	UserID uuid.UUID `json:"sub"`
	Email  string    `json:"email"`
	Admin  bool      `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Forge mints and verifies HS256 session tokens.
type Forge struct {
	key      []byte
	location *time.Location
	now      func() time.Time
}

// NewForge builds a Forge signing with the master key. Expiry boundaries are
// computed in loc.
func NewForge(masterKey string, loc *time.Location) *Forge {
	if loc == nil {
		loc = time.UTC
	}
	return &Forge{key: []byte(masterKey), location: loc, now: time.Now}
}

// SetClock overrides the time source for tests.
func (f *Forge) SetClock(now func() time.Time) { f.now = now }

// SessionExpiry returns the first second of the next calendar month in the
// configured timezone. Every token minted in a given month therefore expires
// at the same instant.
func (f *Forge) SessionExpiry() time.Time {
	now := f.now().In(f.location)
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 1, 0, f.location)
}

// MintSessionToken issues a signed session JWT for the user.
func (f *Forge) MintSessionToken(userID uuid.UUID, email string, admin bool) (string, error) {
	now := f.now()
	claims := SessionClaims{
		UserID: userID,
		Email:  email,
		Admin:  admin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(f.SessionExpiry()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.key)
}

// VerifySessionToken parses and validates a session JWT with the configured
// clock-skew leeway. The signing method is pinned to HMAC.
func (f *Forge) VerifySessionToken(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return f.key, nil
	}, jwt.WithLeeway(ClockSkewLeeway), jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(f.now))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid session token")
	}
	return claims, nil
}
