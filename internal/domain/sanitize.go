package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// Field limits in runes.
const (
	MaxCallerNameLength = 100
	MaxQueueLength      = 64
	MaxAgentLength      = 64
	MaxReasonLength     = 500
	MaxNotesLength      = 2000

	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// SanitizeText trims, drops control characters, collapses whitespace runs
// and truncates to maxRunes (0 means no limit).
func SanitizeText(s string, maxRunes int) string {
	var b strings.Builder
	b.Grow(len(s))

	pendingSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}

	out := b.String()
	if maxRunes > 0 {
		runes := []rune(out)
		if len(runes) > maxRunes {
			out = strings.TrimSpace(string(runes[:maxRunes]))
		}
	}
	return out
}

// NormalizePhoneNumber strips common separators and checks for an optional
// leading '+' followed by 7-15 digits.
func NormalizePhoneNumber(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: callerNumber is required", ErrValidation)
	}

	var b strings.Builder
	for i, r := range trimmed {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("%w: invalid callerNumber %q", ErrValidation, raw)
		}
	}

	normalized := b.String()
	if !IsValidPhoneNumber(normalized) {
		return "", fmt.Errorf("%w: invalid callerNumber %q", ErrValidation, raw)
	}
	return normalized, nil
}

// IsValidPhoneNumber reports whether s is already in normalized form.
func IsValidPhoneNumber(s string) bool {
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
