// Package credential gates submissions on the shape of the provider token.
package credential

import (
	"strings"

	"llamachat/internal/config"
)

// Rule describes the accepted token shape: a fixed prefix and an exact length.
// A zero Length skips the length check; an empty rule only requires a non-empty token.
type Rule struct {
	Prefix string
	Length int
}

// RuleFor returns the rule configured for a provider.
func RuleFor(provCfg config.ProviderConfig) Rule {
	return Rule{Prefix: provCfg.TokenPrefix, Length: provCfg.TokenLength}
}

// Valid reports whether token passes the gate. It depends only on token.
func (r Rule) Valid(token string) bool {
	if token == "" {
		return false
	}
	if !strings.HasPrefix(token, r.Prefix) {
		return false
	}
	if r.Length > 0 && len(token) != r.Length {
		return false
	}
	return true
}
