package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigRelPath = ".abtest/config.yaml"
	defaultBaseRelPath   = ".abtest"
)

type CatalogConfig struct {
	Path string `yaml:"path"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type IdentityConfig struct {
	// Store is "file" (identity.path) or "sqlite" (store.path, keyed by profile).
	Store   string `yaml:"store"`
	Path    string `yaml:"path"`
	Format  string `yaml:"format"`
	Profile string `yaml:"profile"`
}

type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

type SinkConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type SanitizeConfig struct {
	Fields      []string `yaml:"fields"`
	QueryParams []string `yaml:"query_params"`
	Replacement string   `yaml:"replacement"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Catalog  CatalogConfig  `yaml:"catalog"`
	Store    StoreConfig    `yaml:"store"`
	Identity IdentityConfig `yaml:"identity"`
	Server   ServerConfig   `yaml:"server"`
	Sink     SinkConfig     `yaml:"sink"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Log      LogConfig      `yaml:"log"`
}

// BaseDir returns ~/.abtest.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, defaultBaseRelPath), nil
}

// Load loads YAML config, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configPath = filepath.Join(home, defaultConfigRelPath)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults fills every unset field. Relative store and identity paths
// default to files under ~/.abtest.
func (c *Config) SetDefaults() {
	base, err := BaseDir()
	if err != nil {
		base = defaultBaseRelPath
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(base, "abtest.db")
	}
	if c.Identity.Store == "" {
		c.Identity.Store = "file"
	}
	if c.Identity.Path == "" {
		c.Identity.Path = filepath.Join(base, "identity")
	}
	if c.Identity.Format == "" {
		c.Identity.Format = "legacy"
	}
	if c.Identity.Profile == "" {
		c.Identity.Profile = "default"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = "*"
	}
	if c.Sink.Timeout == 0 {
		c.Sink.Timeout = 5 * time.Second
	}
	if len(c.Sanitize.Fields) == 0 {
		c.Sanitize.Fields = []string{"password", "secret", "token", "api_key", "access_token", "refresh_token", "credential", "csrfmiddlewaretoken"}
	}
	if len(c.Sanitize.QueryParams) == 0 {
		c.Sanitize.QueryParams = []string{"token", "access_token", "api_key", "session"}
	}
	if c.Sanitize.Replacement == "" {
		c.Sanitize.Replacement = "***REDACTED***"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path cannot be empty")
	}
	switch c.Identity.Store {
	case "file", "sqlite":
	default:
		return fmt.Errorf("identity.store must be file or sqlite, got %q", c.Identity.Store)
	}
	switch c.Identity.Format {
	case "legacy", "uuid":
	default:
		return fmt.Errorf("identity.format must be legacy or uuid, got %q", c.Identity.Format)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Sink.Timeout < 0 {
		return errors.New("sink.timeout cannot be negative")
	}
	return nil
}

// ValidateServe enforces serve-specific requirements.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := ensureWritableDir(filepath.Dir(c.Store.Path)); err != nil {
		return fmt.Errorf("store.path not writable: %w", err)
	}
	return nil
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func applyEnvOverrides(c *Config) {
	setString(&c.Catalog.Path, "ABTEST_CATALOG_PATH")
	setString(&c.Store.Path, "ABTEST_STORE_PATH")
	setString(&c.Identity.Store, "ABTEST_IDENTITY_STORE")
	setString(&c.Identity.Path, "ABTEST_IDENTITY_PATH")
	setString(&c.Identity.Format, "ABTEST_IDENTITY_FORMAT")
	setString(&c.Identity.Profile, "ABTEST_IDENTITY_PROFILE")
	setString(&c.Server.Host, "ABTEST_SERVER_HOST")
	setInt(&c.Server.Port, "ABTEST_SERVER_PORT")
	setString(&c.Server.CORSOrigin, "ABTEST_SERVER_CORS_ORIGIN")
	setString(&c.Sink.Endpoint, "ABTEST_SINK_ENDPOINT")
	setDuration(&c.Sink.Timeout, "ABTEST_SINK_TIMEOUT")
	setString(&c.Log.Level, "ABTEST_LOG_LEVEL")
	setString(&c.Log.Format, "ABTEST_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
