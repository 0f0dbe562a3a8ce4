package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/hearth/backend/internal/config"
	"github.com/zhouzirui/hearth/backend/internal/model/chat"
	"github.com/zhouzirui/hearth/backend/internal/storage/sqlite"
)

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &chat.MemoryStore{}, s)
}

func TestOpenSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "hearth.db")
	s, err := Open(context.Background(), config.StoreConfig{Driver: config.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &sqlite.Store{}, s)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}
