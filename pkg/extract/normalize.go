package extract

import "strings"

// Normalize collapses internal whitespace runs to single spaces and trims the
// result. Absent input normalizes to the empty string, never to a null
// marker, so downstream content hashing stays stable.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
