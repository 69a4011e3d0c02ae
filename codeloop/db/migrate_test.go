package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpen_AppliesMigrations tests that a fresh database gets the conversation schema.
func TestOpen_AppliesMigrations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "codeloop.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"conversation_turns", "conversation_artifacts"} {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}

	// Re-running is a no-op
	assert.NoError(t, Migrate(ctx, db))
}

// TestConnectToDB_EmptyPath tests that an empty path is rejected before touching disk.
func TestConnectToDB_EmptyPath(t *testing.T) {
	db, err := ConnectToDB(context.Background(), "")
	assert.Error(t, err)
	assert.Nil(t, db)
}
