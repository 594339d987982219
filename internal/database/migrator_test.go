package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsOrdersAndParses(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_index.sql": {Data: []byte("-- +no-transaction\nCREATE INDEX CONCURRENTLY a ON t (x);\n-- note\nCREATE INDEX CONCURRENTLY b ON t (y);")},
		"m/001_init.sql":  {Data: []byte("CREATE TABLE t (x INT, y INT);")},
		"m/README.md":     {Data: []byte("ignored")},
	}

	migrations, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, "001_init", migrations[0].version)
	assert.False(t, migrations[0].noTx)
	assert.Nil(t, migrations[0].statements)

	assert.Equal(t, "002_index", migrations[1].version)
	assert.True(t, migrations[1].noTx)
	assert.Equal(t, []string{
		"CREATE INDEX CONCURRENTLY a ON t (x)",
		"CREATE INDEX CONCURRENTLY b ON t (y)",
	}, migrations[1].statements)
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := loadMigrations(migrationsFS, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, "001_init", migrations[0].version)
	assert.Contains(t, migrations[0].script, "CREATE TABLE IF NOT EXISTS round_donors")
}
