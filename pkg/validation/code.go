package validation

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	codeDigits = 6
	codeRange  = 1_000_000
)

// RandomSource draws a uniform integer in [0, max).
type RandomSource func(max int64) (int64, error)

// CryptoRandom draws from crypto/rand.
func CryptoRandom(max int64) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

// GenerateCode returns a zero-padded numeric code of constant width.
func GenerateCode(random RandomSource) (string, error) {
	n, err := random(codeRange)
	if err != nil {
		return "", fmt.Errorf("failed to draw validation code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}
