package scopes

import "strings"

// Candidates returns, in precedence order, every stored pattern that would
// grant the query. The first entry is always the exact scope, the second the
// global wildcard; the remainder depend on the query's shape.
func Candidates(query string) []string {
	out := []string{query, "*"}

	parts := strings.Split(query, ":")
	if parts[0] == "ext" {
		switch len(parts) {
		case 3:
			// ext:name:action
			name, action := parts[1], parts[2]
			out = append(out,
				"ext:*",
				"ext:*:"+action,
				"ext:"+name+":*",
			)
		case 4:
			// ext:name:feature:action. The three-part candidates apply too:
			// ext:*:action covers every feature of every installed extension.
			name, feature, action := parts[1], parts[2], parts[3]
			out = append(out,
				"ext:*",
				"ext:*:"+feature+":"+action,
				"ext:*:*:"+action,
				"ext:*:"+action,
				"ext:"+name+":"+feature+":*",
				"ext:"+name+":*:"+action,
				"ext:"+name+":*",
			)
			// Shorthand grants: holding ext:name:execute or ext:name:read
			// covers every feature's execute/read.
			if action == "execute" || action == "read" {
				out = append(out, "ext:"+name+":"+action)
			}
		}
		return out
	}

	if len(parts) == 2 {
		out = append(out, parts[0]+":*")
	}
	return out
}

// wildcardExtName reports whether a pattern's extension-name segment is the
// wildcard, meaning a grant through it must be restricted to extensions
// actually installed for the tenant.
func wildcardExtName(pattern string) bool {
	return pattern == "ext:*" || strings.HasPrefix(pattern, "ext:*:")
}
