package service

import (
	"strings"
	"unicode/utf8"
)

// DefaultErrorMaxLen bounds the error text stored on a failed job.
const DefaultErrorMaxLen = 2000

const redacted = "[REDACTED]"

// sanitizeError renders err for storage: every occurrence of a secret is
// replaced with a marker and the result is cut to maxLen runes.
func sanitizeError(err error, maxLen int, secrets ...string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, s := range secrets {
		if s != "" {
			msg = strings.ReplaceAll(msg, s, redacted)
		}
	}
	if maxLen <= 0 {
		maxLen = DefaultErrorMaxLen
	}
	if utf8.RuneCountInString(msg) > maxLen {
		msg = string([]rune(msg)[:maxLen])
	}
	return msg
}
