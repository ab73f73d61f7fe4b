package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/taxdesk/backend/internal/model/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/storage/sqlite"
)

func TestOpenEmptyDisablesPersistence(t *testing.T) {
	store, err := Open(context.Background(), "  ")
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestOpenMemory(t *testing.T) {
	store, err := Open(context.Background(), "memory://")
	require.NoError(t, err)
	assert.IsType(t, &chat.MemoryStore{}, store)
}

func TestOpenSQLite(t *testing.T) {
	store, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "threads.db"))
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &sqlite.Store{}, store)
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(context.Background(), "postgres://localhost/db")
	assert.ErrorIs(t, err, sqlite.ErrUnsupportedDSN)
}
