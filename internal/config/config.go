// Package config loads the shopdb service configuration from a YAML file,
// then applies SHOPDB_* environment overrides and validates the result.
//
// Usage:
//
//	cfg, err := config.Load("shopdb.yaml")
//	log := logger.New(cfg.Log.LoggerConfig(os.Stdout))
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/koustreak/shopdb/internal/archive"
	"github.com/koustreak/shopdb/internal/errs"
	"github.com/koustreak/shopdb/internal/logger"
)

// Environment overrides.
const (
	EnvDataDir          = "SHOPDB_DATA_DIR"
	EnvHTTPAddr         = "SHOPDB_HTTP_ADDR"
	EnvLogLevel         = "SHOPDB_LOG_LEVEL"
	EnvHTTPAuthSecret   = "SHOPDB_HTTP_AUTH_SECRET"
	EnvArchiveAccessKey = "SHOPDB_ARCHIVE_ACCESS_KEY"
	EnvArchiveSecretKey = "SHOPDB_ARCHIVE_SECRET_KEY"
)

// Config is the full service configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
	Archive ArchiveConfig `yaml:"archive"`
}

// HTTPConfig configures the admin API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AuthSecret, when set, protects the API with HS256 bearer tokens.
	AuthSecret string `yaml:"auth_secret"`
}

// LogConfig configures the service logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// ArchiveConfig configures where deleted shop databases are uploaded.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		DataDir: "./data",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Archive: ArchiveConfig{
			Endpoint: "localhost:9000",
			Bucket:   "shop-archives",
		},
	}
}

// Load reads the YAML file at path. An empty path skips the file and uses
// the defaults. Environment overrides are applied in both cases.
func Load(path string) (Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errs.Wrap(errs.ErrKindIO, fmt.Sprintf("failed to read config file %s", path), err)
		}
		data = b
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errs.Wrap(errs.ErrKindInvalidConfig, "invalid config file", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHTTPAddr)); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvHTTPAuthSecret); v != "" {
		cfg.HTTP.AuthSecret = v
	}
	if v := os.Getenv(EnvArchiveAccessKey); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv(EnvArchiveSecretKey); v != "" {
		cfg.Archive.SecretKey = v
	}
}

// Validate reports every invalid key at once.
func (c Config) Validate() error {
	invalid := make([]string, 0, 4)

	if strings.TrimSpace(c.DataDir) == "" {
		invalid = append(invalid, "data_dir")
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		invalid = append(invalid, "http.addr")
	}
	if c.HTTP.ReadTimeout <= 0 {
		invalid = append(invalid, "http.read_timeout")
	}
	if c.HTTP.WriteTimeout <= 0 {
		invalid = append(invalid, "http.write_timeout")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		invalid = append(invalid, "http.shutdown_timeout")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		invalid = append(invalid, "log.level")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		invalid = append(invalid, "log.format")
	}

	if c.Archive.Enabled {
		if strings.TrimSpace(c.Archive.Endpoint) == "" {
			invalid = append(invalid, "archive.endpoint")
		}
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			invalid = append(invalid, "archive.bucket")
		}
	}

	if len(invalid) > 0 {
		return errs.Newf(errs.ErrKindInvalidConfig, "invalid configuration values: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// LoggerConfig returns the logger settings writing to out.
func (l LogConfig) LoggerConfig(out io.Writer) *logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Level = l.Level
	cfg.Format = l.Format
	cfg.Output = out
	return cfg
}

// StoreConfig returns the archive store settings.
func (a ArchiveConfig) StoreConfig() archive.Config {
	return archive.Config{
		Endpoint:  a.Endpoint,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		Bucket:    a.Bucket,
		UseSSL:    a.UseSSL,
		Region:    a.Region,
	}
}
