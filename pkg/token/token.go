package token

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

const (
	// DefaultSize is the number of random bytes behind a session token.
	DefaultSize = 32

	// TaskSize is used for task identifiers. Kept different from
	// DefaultSize so a task id can never be mistaken for a session id
	// in logs or stored keys.
	TaskSize = 24
)

// New returns a URL-safe random token of the default size.
func New() string {
	return NewWithSize(DefaultSize)
}

// NewWithSize returns a URL-safe random token built from n random bytes.
// The alphabet is base64url without padding, with '-' mapped to '_' so the
// token is also safe as part of a Redis key.
func NewWithSize(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}

	tok := base64.URLEncoding.EncodeToString(buf)
	tok = strings.TrimRight(tok, "=")
	return strings.ReplaceAll(tok, "-", "_")
}

// NewTaskID returns a random task identifier.
func NewTaskID() string {
	return NewWithSize(TaskSize)
}
