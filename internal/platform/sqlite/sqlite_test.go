package sqlite

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	dsn := Config{Path: "data/applaude.db"}.DSN()
	assert.True(t, strings.HasPrefix(dsn, "file:data/applaude.db?"))
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "journal_mode%28WAL%29")

	mem := Config{Path: MemoryPath}.DSN()
	assert.NotContains(t, mem, "journal_mode")
}

func TestOpenMemory(t *testing.T) {
	db, err := Open(context.Background(), Config{Path: MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.NoError(t, Config{Path: MemoryPath}.Validate())
}
