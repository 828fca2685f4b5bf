package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/obot-platform/authz-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteDatabase(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "test.db"), false)
	require.NoError(t, err)
	defer func() {
		if err := db.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	}()

	// Verify it's using SQLite
	assert.Equal(t, "sqlite", db.dbType)
	runStoreSuite(t, db)

	t.Run("TestValidationCodeOperations", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now()
		attemptID := uuid.NewString()

		code := &types.ValidationCode{
			ID: uuid.NewString(), Code: "123456", UserID: "u", Medium: "email",
			Reasons: []string{"email_claim"}, AttemptID: &attemptID,
			CreationDate: now, ExpirationDate: now.Add(time.Minute),
		}
		require.NoError(t, db.CreateValidationCode(ctx, code))

		exists, err := db.ValidationCodeExists(ctx, "email", "123456", now)
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = db.ValidationCodeExists(ctx, "sms", "123456", now)
		require.NoError(t, err)
		assert.False(t, exists)

		exists, err = db.ValidationCodeExists(ctx, "email", "123456", now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, exists)

		codes, err := db.GetValidationCodes(ctx, attemptID)
		require.NoError(t, err)
		require.Len(t, codes, 1)
		assert.Equal(t, types.StringSlice{"email_claim"}, codes[0].Reasons)

		require.NoError(t, db.DeleteValidationCode(ctx, code.ID))
		codes, err = db.GetValidationCodes(ctx, attemptID)
		require.NoError(t, err)
		assert.Empty(t, codes)
	})
}

func TestSQLiteDefaultLocation(t *testing.T) {
	t.Chdir(t.TempDir())

	db, err := New("", false)
	require.NoError(t, err)
	defer func() {
		if err := db.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	}()

	_, err = os.Stat(filepath.Join("data", "authz_server.db"))
	assert.NoError(t, err)
}
