package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults for the WHOOP developer API. Overridable for self-hosted
// mocks and tests via config file or environment.
const (
	defaultAuthURL     = "https://api.prod.whoop.com/oauth/oauth2/auth"
	defaultTokenURL    = "https://api.prod.whoop.com/oauth/oauth2/token"
	defaultAPIBaseURL  = "https://api.prod.whoop.com/developer"
	defaultRedirectURI = "http://127.0.0.1:53682/callback"
)

// Config holds all configuration for biosync. Values come from an
// optional YAML config file overlaid by environment variables (with an
// optional .env file).
type Config struct {
	// OAuth client credentials issued by the provider. Required for
	// login and sync.
	ClientID     string `env:"BIOSYNC_CLIENT_ID" yaml:"client_id"`
	ClientSecret string `env:"BIOSYNC_CLIENT_SECRET" yaml:"client_secret"`

	// OAuth endpoints and redirect target.
	AuthURL     string `env:"BIOSYNC_AUTH_URL" yaml:"auth_url"`
	TokenURL    string `env:"BIOSYNC_TOKEN_URL" yaml:"token_url"`
	RedirectURI string `env:"BIOSYNC_REDIRECT_URI" yaml:"redirect_uri"`

	// Scopes requested during authorization.
	Scopes []string `env:"BIOSYNC_SCOPES" envSeparator:"," yaml:"scopes"`

	// Data API base URL.
	APIBaseURL string `env:"BIOSYNC_API_URL" yaml:"api_url"`

	// Directory holding the cycle database and secret store.
	// Defaults to ~/.biosync.
	DataDir string `env:"BIOSYNC_DATA_DIR" yaml:"data_dir"`

	// Passphrase sealing stored tokens at rest. Empty stores tokens
	// in plaintext (a startup warning is logged).
	SecretPassphrase string `env:"BIOSYNC_SECRET_PASSPHRASE" yaml:"-"`

	// Sync loop cadence and fetch window.
	SyncInterval time.Duration `env:"BIOSYNC_SYNC_INTERVAL" yaml:"sync_interval"`
	SyncWindow   time.Duration `env:"BIOSYNC_SYNC_WINDOW" yaml:"sync_window"`

	// How long the login flow waits for the browser callback.
	CallbackTimeout time.Duration `env:"BIOSYNC_CALLBACK_TIMEOUT" yaml:"callback_timeout"`

	// Environment controls log format; LogLevel overrides the level.
	Environment string `env:"ENVIRONMENT" yaml:"environment"`
	LogLevel    string `env:"BIOSYNC_LOG_LEVEL" yaml:"log_level"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration in three layers: the YAML file named by
// BIOSYNC_CONFIG (or ~/.biosync/config.yaml when present), then
// environment variables (after loading .env if present), then code
// defaults for anything still unset. Environment variables win over
// the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}

	if path := configFilePath(); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".biosync")
	}

	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// configFilePath returns the YAML config file to load, or "" when none
// applies. An explicit BIOSYNC_CONFIG always takes effect; otherwise
// ~/.biosync/config.yaml is used only if it exists.
func configFilePath() string {
	if path := os.Getenv("BIOSYNC_CONFIG"); path != "" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	path := filepath.Join(home, ".biosync", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	return path
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.AuthURL == "" {
		c.AuthURL = defaultAuthURL
	}

	if c.TokenURL == "" {
		c.TokenURL = defaultTokenURL
	}

	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}

	if c.RedirectURI == "" {
		c.RedirectURI = defaultRedirectURI
	}

	if len(c.Scopes) == 0 {
		c.Scopes = []string{"read:recovery", "read:sleep", "read:cycles", "offline"}
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = 30 * time.Minute
	}

	if c.SyncWindow == 0 {
		c.SyncWindow = 7 * 24 * time.Hour
	}

	if c.CallbackTimeout == 0 {
		c.CallbackTimeout = 5 * time.Minute
	}

	if c.Environment == "" {
		c.Environment = "development"
	}
}

func (c *Config) validate() error {
	if c.SyncInterval < time.Minute {
		return fmt.Errorf("BIOSYNC_SYNC_INTERVAL must be at least 1m, got %s", c.SyncInterval)
	}

	if c.SyncWindow < 24*time.Hour {
		return fmt.Errorf("BIOSYNC_SYNC_WINDOW must be at least 24h, got %s", c.SyncWindow)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// CycleDBPath is the path of the cycle database inside DataDir.
func (c *Config) CycleDBPath() string {
	return filepath.Join(c.DataDir, "cycles.db")
}

// SecretsDBPath is the path of the secret store inside DataDir.
func (c *Config) SecretsDBPath() string {
	return filepath.Join(c.DataDir, "secrets.db")
}
