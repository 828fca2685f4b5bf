package password

import (
	"testing"

	"github.com/obot-platform/authz-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPasswordMatching(t *testing.T) {
	stored, err := New("user-1", "correct horse battery staple")
	require.NoError(t, err)
	assert.Len(t, stored.Salt, saltLength)
	assert.Equal(t, Hash("correct horse battery staple", stored.Salt), stored.Hash)

	assert.True(t, IsPasswordMatching(stored, "correct horse battery staple"))
	assert.False(t, IsPasswordMatching(stored, "correct horse battery stapler"))
	assert.False(t, IsPasswordMatching(stored, ""))
}

func TestAnyDifferingHashByteFails(t *testing.T) {
	stored, err := New("user-1", "hunter2")
	require.NoError(t, err)

	for i := range stored.Hash {
		tampered := &types.Password{Salt: stored.Salt, Hash: append([]byte(nil), stored.Hash...)}
		tampered.Hash[i] ^= 0xff
		assert.False(t, IsPasswordMatching(tampered, "hunter2"), "byte %d", i)
	}
}

func TestSaltsDiffer(t *testing.T) {
	a, err := New("a", "same")
	require.NoError(t, err)
	b, err := New("b", "same")
	require.NoError(t, err)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Hash, b.Hash)
}
