// relaybot/utils/utils.go
package utils

import "strings"

// BtoI converts a boolean to an integer (1 for true, 0 for false).
func BtoI(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StripChars removes every rune contained in cutset from s. Used to make answer
// comparison insensitive to a configured punctuation set.
func StripChars(s, cutset string) string {
	if cutset == "" {
		return s
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(cutset, r) {
			return -1
		}
		return r
	}, s)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
