package crypto

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Secret-named fields are stored encrypted at rest. The check is a substring
// match on the lowercased field name.
var secretMarkers = []string{"password", "api_key", "_secret"}

// IsSecretField reports whether a field name marks its value as sensitive.
func IsSecretField(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range secretMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

type fieldClaims struct {
	Value string `json:"v"`
	jwt.RegisteredClaims
}

// EncryptField wraps a plaintext value as a signed non-expiring blob keyed by
// the master key.
func (f *Forge) EncryptField(value string) (string, error) {
	claims := fieldClaims{Value: value}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.key)
}

// DecryptField recovers the plaintext from an encrypted field blob.
func (f *Forge) DecryptField(blob string) (string, error) {
	claims := &fieldClaims{}
	_, err := jwt.ParseWithClaims(blob, claims, func(t *jwt.Token) (any, error) {
		return f.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	return claims.Value, nil
}
