package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsURLSafe(t *testing.T) {
	tok := New()
	require.NotEmpty(t, tok)
	assert.NotContains(t, tok, "=")
	assert.NotContains(t, tok, "-")
	assert.NotContains(t, tok, "+")
	assert.NotContains(t, tok, "/")
}

func TestNewIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		tok := New()
		require.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true
	}
}

func TestTaskIDsShorterThanSessionIDs(t *testing.T) {
	assert.Less(t, len(NewTaskID()), len(New()))
}

func TestNewWithSizeAlphabet(t *testing.T) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_"
	tok := NewWithSize(64)
	for _, r := range tok {
		assert.True(t, strings.ContainsRune(alphabet, r), "unexpected rune %q", r)
	}
}
