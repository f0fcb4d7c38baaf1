package ingest

import (
	"math/rand"
	"regexp"
	"time"
)

const (
	maxErrorLength  = 500
	maxHandleLength = 255
)

// pathPattern matches absolute unix paths and windows drive paths so stored
// error messages never leak server filesystem layout.
var pathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:/[\w.\-]+){2,}`)

// SanitizeError strips filesystem paths from an upstream error message and
// caps its length before it is persisted or shown to users.
func SanitizeError(message string) string {
	cleaned := pathPattern.ReplaceAllString(message, "[path]")
	if len(cleaned) > maxErrorLength {
		cleaned = cleaned[:maxErrorLength]
	}
	return cleaned
}

// TruncateHandle caps remote handles (operation names, file ids) to the
// column width.
func TruncateHandle(handle string) string {
	if len(handle) > maxHandleLength {
		return handle[:maxHandleLength]
	}
	return handle
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
