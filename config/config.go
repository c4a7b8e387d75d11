package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "5s" in both TOML and
// YAML files.
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration literal.
func D(d time.Duration) Duration { return Duration{Duration: d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	trimmed := strings.TrimSpace(string(text))
	if trimmed == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", trimmed, err)
	}
	d.Duration = parsed
	return nil
}

type AuthConfig struct {
	TimestampSkew Duration `toml:"TimestampSkew" yaml:"timestampSkew"`
	NonceTTL      Duration `toml:"NonceTTL" yaml:"nonceTTL"`
	NonceCapacity int      `toml:"NonceCapacity" yaml:"nonceCapacity"`
}

type OperatorConfig struct {
	Enabled bool `toml:"Enabled" yaml:"enabled"`
	// HMACSecretEnv names an environment variable holding the secret. It
	// takes precedence over HMACSecret.
	HMACSecret    string   `toml:"HMACSecret" yaml:"hmacSecret"`
	HMACSecretEnv string   `toml:"HMACSecretEnv" yaml:"hmacSecretEnv"`
	Issuer        string   `toml:"Issuer" yaml:"issuer"`
	Audience      string   `toml:"Audience" yaml:"audience"`
	ScopeClaim    string   `toml:"ScopeClaim" yaml:"scopeClaim"`
	ClockSkew     Duration `toml:"ClockSkew" yaml:"clockSkew"`
}

type RateLimitConfig struct {
	RatePerSecond float64        `toml:"RatePerSecond" yaml:"ratePerSecond"`
	Burst         int            `toml:"Burst" yaml:"burst"`
	MethodTokens  map[string]int `toml:"MethodTokens" yaml:"methodTokens"`
}

type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
}

type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}

type AuditConfig struct {
	// DSN is a SQLite path or a postgres:// URL. Empty keeps the audit log
	// under DataDir.
	DSN string `toml:"DSN" yaml:"dsn"`
}

// Allocation credits Amount of Token to Address when the ledger starts
// empty.
type Allocation struct {
	Address string `toml:"Address" yaml:"address"`
	Token   string `toml:"Token" yaml:"token"`
	Amount  string `toml:"Amount" yaml:"amount"`
}

type Config struct {
	Environment     string          `toml:"Environment" yaml:"environment"`
	ListenAddress   string          `toml:"ListenAddress" yaml:"listen"`
	DataDir         string          `toml:"DataDir" yaml:"dataDir"`
	LedgerInterval  Duration        `toml:"LedgerInterval" yaml:"ledgerInterval"`
	ShutdownTimeout Duration        `toml:"ShutdownTimeout" yaml:"shutdownTimeout"`
	AllowedOrigins  []string        `toml:"AllowedOrigins" yaml:"allowedOrigins"`
	Auth            AuthConfig      `toml:"auth" yaml:"auth"`
	Operator        OperatorConfig  `toml:"operator" yaml:"operator"`
	RateLimit       RateLimitConfig `toml:"rate_limit" yaml:"rateLimit"`
	Logging         LoggingConfig   `toml:"logging" yaml:"logging"`
	Telemetry       TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Audit           AuditConfig     `toml:"audit" yaml:"audit"`
	Genesis         []Allocation    `toml:"genesis" yaml:"genesis"`
}

// Signed writes cost more than reads unless overridden.
const defaultWriteTokens = 2

// Default returns the configuration written for a fresh data directory.
func Default() *Config {
	return &Config{
		Environment:     "local",
		ListenAddress:   ":8080",
		DataDir:         "./escrow-data",
		LedgerInterval:  D(5 * time.Second),
		ShutdownTimeout: D(10 * time.Second),
		AllowedOrigins:  []string{},
		Auth: AuthConfig{
			TimestampSkew: D(2 * time.Minute),
			NonceTTL:      D(10 * time.Minute),
			NonceCapacity: 4096,
		},
		Operator: OperatorConfig{
			ScopeClaim: "scope",
			ClockSkew:  D(2 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			RatePerSecond: 20,
			Burst:         40,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
		Telemetry: TelemetryConfig{SampleRatio: 1},
		Genesis:   []Allocation{},
	}
}

// Load reads the configuration at path. Files ending in .yaml or .yml are
// decoded as YAML, everything else as TOML. A missing file is created with
// defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OperatorSecret resolves the operator HMAC secret, preferring the
// environment variable when one is named.
func (c *Config) OperatorSecret() string {
	if env := strings.TrimSpace(c.Operator.HMACSecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(c.Operator.HMACSecret)
}

// AuditDSN returns the configured audit DSN or the default SQLite file under
// DataDir.
func (c *Config) AuditDSN() string {
	if dsn := strings.TrimSpace(c.Audit.DSN); dsn != "" {
		return dsn
	}
	return filepath.Join(c.DataDir, "audit.db")
}

func (c *Config) normalize() {
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{}
	}
	if c.Genesis == nil {
		c.Genesis = []Allocation{}
	}
	if len(c.RateLimit.MethodTokens) == 0 {
		c.RateLimit.MethodTokens = map[string]int{"POST": defaultWriteTokens}
	}
	normalized := make(map[string]int, len(c.RateLimit.MethodTokens))
	for method, tokens := range c.RateLimit.MethodTokens {
		normalized[strings.ToUpper(strings.TrimSpace(method))] = tokens
	}
	c.RateLimit.MethodTokens = normalized
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.normalize()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
