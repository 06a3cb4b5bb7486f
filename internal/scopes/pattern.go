// Package scopes evaluates capability scope strings against a user's granted
// set. Wildcard patterns are stored verbatim as data and expanded only at
// check time.
package scopes

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentRe admits the characters scope segments may carry. A bare "*" is the
// wildcard segment.
var segmentRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidatePattern checks a stored scope string against the grammar:
//
//	*
//	resource:action          resource:*
//	ext:name:action          ext:* and friends (2-4 segments after ext)
//	ext:name:feature:action
//
// Invalid patterns are configuration bugs and rejected at load time rather
// than silently never matching.
func ValidatePattern(s string) error {
	if s == "*" {
		return nil
	}
	parts := strings.Split(s, ":")
	for _, p := range parts {
		if p == "*" {
			continue
		}
		if !segmentRe.MatchString(p) {
			return fmt.Errorf("scope %q: bad segment %q", s, p)
		}
	}
	if parts[0] == "ext" {
		if len(parts) < 2 || len(parts) > 4 {
			return fmt.Errorf("scope %q: ext scopes take 1-3 segments after ext", s)
		}
		return nil
	}
	if len(parts) != 2 {
		return fmt.Errorf("scope %q: expected resource:action", s)
	}
	return nil
}

// IsExtScope reports whether a scope addresses an extension capability.
func IsExtScope(s string) bool {
	return strings.HasPrefix(s, "ext:")
}

// ExtName extracts the extension-name segment of an ext scope, or "" when the
// segment is absent or wildcard.
func ExtName(s string) string {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || parts[0] != "ext" || parts[1] == "*" {
		return ""
	}
	return parts[1]
}
