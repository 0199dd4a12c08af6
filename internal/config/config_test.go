package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("IMPORT_CHUNK_SIZE", "")
	t.Setenv("IMPORT_SESSION_TTL", "")
	t.Setenv("AUTH_DEV_TOKENS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.ImportChunkSize)
	assert.Equal(t, 24*time.Hour, cfg.ImportSessionTTL)
	assert.False(t, cfg.AuthDevTokens)
}

func TestLoad_AuthDevTokens(t *testing.T) {
	t.Setenv("AUTH_DEV_TOKENS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.AuthDevTokens)
}

func TestLoad_ImportOverrides(t *testing.T) {
	t.Setenv("IMPORT_CHUNK_SIZE", "25")
	t.Setenv("IMPORT_PREVIEW_ROWS", "100")
	t.Setenv("IMPORT_SESSION_TTL", "90m")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "3307")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.ImportChunkSize)
	assert.Equal(t, 100, cfg.ImportPreviewRows)
	assert.Equal(t, 90*time.Minute, cfg.ImportSessionTTL)
	assert.Contains(t, cfg.GetDSN(), "@tcp(db.internal:3307)/")
}

func TestLoad_RejectsInvalidChunkSize(t *testing.T) {
	t.Setenv("IMPORT_CHUNK_SIZE", "-1")

	_, err := Load()

	assert.Error(t, err)
}
