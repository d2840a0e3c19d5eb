package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	c := &Config{}
	c.SetDefaults()
	assert.Equal(t, 3000, c.Server.Port)
	assert.Equal(t, "127.0.0.1", c.Server.Host)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "console", c.Log.Format)
	assert.Equal(t, "legacy", c.Identity.Format)
	assert.Equal(t, "file", c.Identity.Store)
	assert.Equal(t, 5*time.Second, c.Sink.Timeout)
	assert.Equal(t, "abtest.db", filepath.Base(c.Store.Path))
	assert.Equal(t, "127.0.0.1:3000", c.Addr())
	assert.Empty(t, c.Catalog.Path)
}

func TestLoadFromYAML(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	content := "catalog:\n  path: ./experiments.yaml\nstore:\n  path: " + filepath.Join(tmp, "x.db") +
		"\nserver:\n  port: 8080\nsink:\n  endpoint: http://localhost:8000\n  timeout: 2s\nlog:\n  format: json\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "./experiments.yaml", cfg.Catalog.Path)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://localhost:8000", cfg.Sink.Endpoint)
	assert.Equal(t, 2*time.Second, cfg.Sink.Timeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, filepath.Join(tmp, "x.db"), cfg.Store.Path)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server: [unterminated"), 0o644))
	_, err := Load(cfgPath)
	require.ErrorContains(t, err, "parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ABTEST_SERVER_PORT", "9090")
	t.Setenv("ABTEST_IDENTITY_FORMAT", "uuid")
	t.Setenv("ABTEST_SINK_TIMEOUT", "750ms")
	t.Setenv("ABTEST_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "uuid", cfg.Identity.Format)
	assert.Equal(t, 750*time.Millisecond, cfg.Sink.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	c := &Config{}
	c.SetDefaults()
	c.Store.Path = filepath.Join(t.TempDir(), "db", "abtest.db")
	require.NoError(t, c.Validate())
	require.NoError(t, c.ValidateServe())
	assert.DirExists(t, filepath.Dir(c.Store.Path))

	c.Identity.Format = "snowflake"
	require.Error(t, c.Validate())
	c.Identity.Format = "uuid"

	c.Identity.Store = "redis"
	require.Error(t, c.Validate())
	c.Identity.Store = "sqlite"
	require.NoError(t, c.Validate())

	c.Log.Format = "xml"
	require.Error(t, c.Validate())
	c.Log.Format = "json"

	c.Server.Port = 70000
	require.Error(t, c.Validate())
}
