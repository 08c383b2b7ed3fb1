// Package address turns free-form phone numbers into canonical provider
// addresses.
package address

import (
	"strings"
	"unicode"
)

// DefaultSuffix is appended to bare numbers when no suffix is configured.
const DefaultSuffix = "@c.us"

// domainSep marks an address that already carries a provider domain.
const domainSep = "@"

// Normalizer converts raw recipient strings to canonical addresses.
// The zero value uses DefaultSuffix.
type Normalizer struct {
	Suffix string
}

// Normalize strips whitespace, hyphens and parentheses, drops every leading
// '+' so a second pass is a no-op, and appends the provider suffix unless
// the input already has a domain part.
//
// It never fails: malformed input is passed through best-effort and rejected
// later by the provider's own address check.
func (n Normalizer) Normalize(raw string) string {
	suffix := n.Suffix
	if suffix == "" {
		suffix = DefaultSuffix
	}
	if !strings.HasPrefix(suffix, domainSep) {
		suffix = domainSep + suffix
	}

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, raw)
	cleaned = strings.TrimLeft(cleaned, "+")

	if strings.Contains(cleaned, domainSep) {
		return cleaned
	}
	return cleaned + suffix
}

// Normalize uses DefaultSuffix.
func Normalize(raw string) string { return Normalizer{}.Normalize(raw) }

// Local returns the part before the domain separator.
func Local(addr string) string {
	if i := strings.Index(addr, domainSep); i >= 0 {
		return addr[:i]
	}
	return addr
}

// IsDigits reports whether s is non-empty and made only of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
