package postgres

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig(Options{
		DSN:             "postgres://chat@localhost:5432/chat",
		MaxConns:        7,
		MaxConnLifetime: 10 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(7), cfg.MaxConns)
	assert.Equal(t, 10*time.Minute, cfg.MaxConnLifetime)
	assert.Equal(t, "chat", cfg.ConnConfig.Database)

	_, err = poolConfig(Options{DSN: "postgres://%zz"})
	assert.Error(t, err)
}

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	assert.Contains(t, files, "migrations/00001_init.sql")
}
