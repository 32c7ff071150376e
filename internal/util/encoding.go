package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD so visually identical names compare equal.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// NormalizeName trims surrounding whitespace and normalizes s. It is the
// canonical form used for username lookups.
func NormalizeName(s string) string {
	return Normalize(strings.TrimSpace(s))
}
