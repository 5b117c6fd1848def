package prompt

import (
	"regexp"
	"strings"
)

// sqlPattern matches from the first SQL keyword to the first following semicolon.
var sqlPattern = regexp.MustCompile(`(?is)(SELECT|INSERT|UPDATE|DELETE|CREATE|DROP|ALTER).+?;`)

// ExtractSQL joins the fragments and returns the first keyword-to-semicolon
// statement, or the joined text unchanged when nothing matches.
func ExtractSQL(parts ...string) string {
	out, _ := MatchSQL(parts...)
	return out
}

// MatchSQL is ExtractSQL that also reports whether a statement was found.
// A statement without a terminating semicolon does not match.
func MatchSQL(parts ...string) (string, bool) {
	raw := strings.Join(parts, "")
	loc := sqlPattern.FindStringIndex(raw)
	if loc == nil {
		return raw, false
	}
	return raw[loc[0]:loc[1]], true
}
