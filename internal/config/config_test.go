package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &File{}, f)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url: https://example.test/apiMes
ws_url: wss://example.test/ws/messenger
token: from-file
database: cache.db
`), 0600))

	t.Setenv(EnvToken, "from-env")
	t.Setenv(EnvTailnetHostname, "kconnect-cli")

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/apiMes", f.BaseURL)
	assert.Equal(t, "wss://example.test/ws/messenger", f.SocketURL)
	assert.Equal(t, "from-env", f.Token)
	assert.Equal(t, "kconnect-cli", f.TailnetHostname)
	assert.Equal(t, filepath.Join(dir, "cache.db"), f.Database)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_url: [unterminated"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(path, &File{Token: "abc", Database: "/var/lib/kconnect.db"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", f.Token)
	assert.Equal(t, "/var/lib/kconnect.db", f.Database)
}
