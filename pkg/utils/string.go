package utils

import "strings"

// Truncate returns a truncated version of s with at most maxLen runes.
// Handles multi-byte Unicode characters properly.
// If the string is truncated, "..." is appended to indicate truncation.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	// Reserve 3 chars for "..."
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// SplitMessage breaks a reply into chat-sized parts. A part ends after every
// second line (so a blank line closes a paragraph) or before it would grow
// past maxLen runes. Lines longer than maxLen are cut. Empty parts are
// dropped.
func SplitMessage(msg string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = 1000
	}

	var parts []string
	var current strings.Builder
	currentLen, newlines := 0, 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			parts = append(parts, s)
		}
		current.Reset()
		currentLen, newlines = 0, 0
	}

	for _, line := range strings.Split(msg, "\n") {
		runes := []rune(line)
		for len(runes) > maxLen {
			flush()
			parts = append(parts, string(runes[:maxLen]))
			runes = runes[maxLen:]
		}

		if currentLen+len(runes)+1 > maxLen {
			flush()
		}
		current.WriteString(string(runes))
		current.WriteByte('\n')
		currentLen += len(runes) + 1
		newlines++

		if newlines >= 2 {
			flush()
		}
	}
	flush()
	return parts
}
