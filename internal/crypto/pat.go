package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// PATPrefix identifies personal access tokens in bearer headers.
const PATPrefix = "agixt_"

const (
	patRandomBytes = 32
	patHashIters   = 100000
	patHashKeyLen  = 32
	patPrefixChars = 16
)

// GeneratePAT returns a fresh personal access token: the fixed prefix
// followed by 64 hex characters.
func GeneratePAT() (string, error) {
	buf := make([]byte, patRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return PATPrefix + hex.EncodeToString(buf), nil
}

// PATDisplayPrefix is the stored, displayable head of a token.
func PATDisplayPrefix(token string) string {
	if len(token) <= patPrefixChars {
		return token
	}
	return token[:patPrefixChars]
}

// IsPAT reports whether a bearer credential is a personal access token.
func IsPAT(token string) bool {
	return strings.HasPrefix(token, PATPrefix)
}

// HashPAT derives the stored lookup hash with PBKDF2-HMAC-SHA256, salted
// with the master key. Deterministic, so the hash itself is the DB index.
func HashPAT(token, masterKey string) string {
	key := pbkdf2.Key([]byte(token), []byte(masterKey), patHashIters, patHashKeyLen, sha256.New)
	return hex.EncodeToString(key)
}
