package encryption

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRandomString(t *testing.T) {
	seen := map[string]bool{}
	for range 100 {
		s := GenerateRandomString(32)
		assert.NotContains(t, s, "+")
		assert.NotContains(t, s, "/")
		assert.NotContains(t, s, "=")

		decoded, err := base64.RawURLEncoding.DecodeString(s)
		require.NoError(t, err)
		assert.Len(t, decoded, 32)

		assert.False(t, seen[s])
		seen[s] = true
	}
}
