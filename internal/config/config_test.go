package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setKeys(t *testing.T) {
	t.Helper()
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	t.Setenv("COOKIE_HASH_KEY", key)
	t.Setenv("COOKIE_BLOCK_KEY", key)
}

func TestFromEnvDefaults(t *testing.T) {
	setKeys(t)
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 14, cfg.WindowDays)
	assert.Equal(t, 10*time.Minute, cfg.PreWindowLead)
	assert.Equal(t, 15*time.Minute, cfg.OrphanGrace)
	assert.Equal(t, "Europe/London", cfg.Timezone)
	assert.False(t, cfg.DryRun)
	assert.Len(t, cfg.CookieHashKey, 32)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/London", loc.String())
}

func TestFromEnvOverrides(t *testing.T) {
	setKeys(t)
	t.Setenv("WINDOW_DAYS", "7")
	t.Setenv("PRE_WINDOW_MINUTES", "5")
	t.Setenv("DRY_RUN", "TRUE")
	t.Setenv("TIMEZONE", "UTC")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.WindowDays)
	assert.Equal(t, 5*time.Minute, cfg.PreWindowLead)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "UTC", cfg.Timezone)
}

func TestFromEnvRequiresKeys(t *testing.T) {
	t.Setenv("COOKIE_HASH_KEY", "")
	t.Setenv("COOKIE_BLOCK_KEY", "")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnvBadWindowDays(t *testing.T) {
	setKeys(t)
	t.Setenv("WINDOW_DAYS", "zero")
	_, err := FromEnv()
	assert.Error(t, err)

	t.Setenv("WINDOW_DAYS", "0")
	_, err = FromEnv()
	assert.Error(t, err)
}

func TestKeyFromFile(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	path := filepath.Join(t.TempDir(), "hash_key")
	require.NoError(t, os.WriteFile(path, []byte(key+"\n"), 0o600))

	t.Setenv("COOKIE_HASH_KEY", path)
	t.Setenv("COOKIE_BLOCK_KEY", key)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Len(t, cfg.CookieHashKey, 32)
}
