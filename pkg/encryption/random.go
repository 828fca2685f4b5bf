package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateRandomString returns length random bytes encoded as unpadded
// base64url, safe to use in a query string.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Errorf("failed to generate random string: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
