package password

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/obot-platform/authz-server/pkg/types"
	"golang.org/x/crypto/argon2"
)

const (
	saltLength = 16
	keyLength  = 32
	iterations = 3
	memory     = 64 * 1024
	threads    = 2
)

// Hash derives the argon2id hash of password with salt.
func Hash(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, iterations, memory, threads, keyLength)
}

// New hashes password with a fresh random salt.
func New(userID, password string) (*types.Password, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return &types.Password{
		UserID:       userID,
		Salt:         salt,
		Hash:         Hash(password, salt),
		CreationDate: time.Now(),
	}, nil
}

// IsPasswordMatching reports whether candidate hashes to the stored hash.
// The comparison runs in constant time.
func IsPasswordMatching(stored *types.Password, candidate string) bool {
	return subtle.ConstantTimeCompare(Hash(candidate, stored.Salt), stored.Hash) == 1
}
