// Package config loads ticketchain's YAML configuration. There is no
// search path: the file comes from --config or TICKETCHAIN_CONFIG.
// The signing secret is never stored in the file; it is read from the
// environment variable the file names.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ticketchain/chain"
)

const (
	ConfigEnv = "TICKETCHAIN_CONFIG"

	// MySQLDSNEnv overrides mysql.dsn so credentials can stay out of
	// the file.
	MySQLDSNEnv = "TICKETCHAIN_MYSQL_DSN"
)

// ErrMissingSecret is returned when the signing secret variable is
// unset or empty. There is no fallback secret.
var ErrMissingSecret = errors.New("signing secret is not set")

type Config struct {
	Listen string `yaml:"listen"`

	// SecretEnv names the environment variable holding the shared
	// HMAC secret.
	SecretEnv string `yaml:"secret_env"`

	// AdminTokenEnv names the environment variable holding the bearer
	// token for admin endpoints. Unset disables them.
	AdminTokenEnv string `yaml:"admin_token_env"`

	Mining    MiningConfig    `yaml:"mining"`
	Token     TokenConfig     `yaml:"token"`
	Journal   JournalConfig   `yaml:"journal"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	IPFS      IPFSConfig      `yaml:"ipfs"`
	Integrity IntegrityConfig `yaml:"integrity"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`
}

type MiningConfig struct {
	Difficulty  int           `yaml:"difficulty"`
	MaxAttempts int64         `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

type TokenConfig struct {
	// FreshnessWindow applies to both self-service QR refresh and
	// admin scanning.
	FreshnessWindow  time.Duration `yaml:"freshness_window"`
	ClockDrift       time.Duration `yaml:"clock_drift"`
	VerificationPath string        `yaml:"verification_path"`
	BaseURL          string        `yaml:"base_url"`
}

type JournalConfig struct {
	// Path of the SQLite block journal. Empty keeps the ledger in
	// memory only.
	Path string `yaml:"path"`
}

type MySQLConfig struct {
	// DSN for the ticket and audit log tables. Empty uses in-memory
	// stores.
	DSN string `yaml:"dsn"`
}

type IPFSConfig struct {
	// API address for snapshot publishing. Empty disables snapshots.
	API     string        `yaml:"api"`
	Timeout time.Duration `yaml:"timeout"`
}

type IntegrityConfig struct {
	Interval time.Duration `yaml:"interval"`
	Strict   bool          `yaml:"strict"`
}

type HistoryConfig struct {
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a development configuration: in-memory ledger and
// stores, no archive.
func Default() *Config {
	return &Config{
		Listen:        ":8080",
		SecretEnv:     "TICKETCHAIN_SECRET",
		AdminTokenEnv: "TICKETCHAIN_ADMIN_TOKEN",
		Mining: MiningConfig{
			Difficulty:  chain.DefaultDifficulty,
			MaxAttempts: chain.DefaultMaxAttempts,
			Timeout:     30 * time.Second,
		},
		Token: TokenConfig{
			FreshnessWindow:  time.Minute,
			ClockDrift:       time.Minute,
			VerificationPath: "verify-ticket",
		},
		IPFS: IPFSConfig{
			Timeout: 30 * time.Second,
		},
		Integrity: IntegrityConfig{
			Interval: time.Minute,
		},
		History: HistoryConfig{
			SyncTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file named by TICKETCHAIN_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(ConfigEnv)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your ticketchain.yaml, or use --config", ConfigEnv)
	}
	return LoadFile(path)
}

// LoadFile reads path over Default and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default, applies environment overrides, and
// validates. Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	cfg.applyEnvironmentOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	if dsn := os.Getenv(MySQLDSNEnv); dsn != "" {
		c.MySQL.DSN = dsn
	}
}

func (c *Config) Validate() error {
	var problems []string
	if c.Listen == "" {
		problems = append(problems, "listen is required")
	}
	if c.SecretEnv == "" {
		problems = append(problems, "secret_env is required")
	}
	if c.Mining.Difficulty < 0 || c.Mining.Difficulty > chain.MaxDifficulty {
		problems = append(problems, fmt.Sprintf("mining.difficulty must be between 0 and %d", chain.MaxDifficulty))
	}
	if c.Mining.MaxAttempts < 0 {
		problems = append(problems, "mining.max_attempts must not be negative")
	}
	if c.Mining.Timeout < 0 {
		problems = append(problems, "mining.timeout must not be negative")
	}
	if c.Token.FreshnessWindow <= 0 {
		problems = append(problems, "token.freshness_window must be positive")
	}
	if c.Token.ClockDrift < 0 {
		problems = append(problems, "token.clock_drift must not be negative")
	}
	if strings.Trim(c.Token.VerificationPath, "/") == "" {
		problems = append(problems, "token.verification_path is required")
	}
	if c.Integrity.Interval <= 0 {
		problems = append(problems, "integrity.interval must be positive")
	}
	if _, err := c.LogLevel(); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Secret returns the signing secret from the environment.
func (c *Config) Secret() (string, error) {
	secret := os.Getenv(c.SecretEnv)
	if secret == "" {
		return "", fmt.Errorf("%w: export %s", ErrMissingSecret, c.SecretEnv)
	}
	return secret, nil
}

// AdminToken returns the admin bearer token, or "" when admin
// endpoints are disabled.
func (c *Config) AdminToken() string {
	if c.AdminTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.AdminTokenEnv)
}
