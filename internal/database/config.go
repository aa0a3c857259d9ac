package database

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/koustreak/shopdb/internal/errs"
)

// Engine identifies the database engine a shop database runs on.
type Engine string

const (
	// EngineEmbedded is a SQLite file under the data directory.
	EngineEmbedded Engine = "sqlite"

	// EngineClientServer is a PostgreSQL server reached by connection string.
	EngineClientServer Engine = "postgres"
)

// Pool defaults, shared by the registry and shops without a stored config.
const (
	DefaultMaxConnections = 5
	DefaultMinConnections = 1
	DefaultConnectTimeout = 30 * time.Second
	DefaultIdleTimeout    = 600 * time.Second
)

// maxTimeoutSecs is the largest whole-second timeout a time.Duration holds.
const maxTimeoutSecs = uint64(math.MaxInt64 / int64(time.Second))

func (e Engine) String() string { return string(e) }

// ParseEngine accepts the canonical engine names plus the aliases
// "embedded", "client_server" and "postgresql".
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "embedded":
		return EngineEmbedded, nil
	case "postgres", "postgresql", "client_server":
		return EngineClientServer, nil
	default:
		return "", errs.Newf(errs.ErrKindInvalidConfig, "unknown database engine %q", s)
	}
}

// Config describes how a shop's database is reached and pooled.
// It is read-only once loaded for an operation.
type Config struct {
	Engine Engine

	// ConnectionString is the PostgreSQL DSN, or an explicit SQLite file path.
	// Nil means "derive the SQLite path from the shop id".
	ConnectionString *string

	// Pool tuning
	MaxConnections uint32
	MinConnections uint32

	// Timeouts
	ConnectTimeout time.Duration // bound on acquiring a new connection
	IdleTimeout    time.Duration // maximum time a connection may sit idle
}

// DefaultConfig returns the embedded-engine configuration used when a shop
// has no stored database_config.
func DefaultConfig() Config {
	return Config{
		Engine:         EngineEmbedded,
		MaxConnections: DefaultMaxConnections,
		MinConnections: DefaultMinConnections,
		ConnectTimeout: DefaultConnectTimeout,
		IdleTimeout:    DefaultIdleTimeout,
	}
}

// Validate reports configuration errors that would make pool creation fail.
func (c Config) Validate() error {
	switch c.Engine {
	case EngineEmbedded:
	case EngineClientServer:
		if c.ConnectionString == nil || strings.TrimSpace(*c.ConnectionString) == "" {
			return errs.New(errs.ErrKindInvalidConfig, "postgres requires a connection_string")
		}
	default:
		return errs.Newf(errs.ErrKindInvalidConfig, "unknown database engine %q", c.Engine)
	}
	if c.MaxConnections == 0 {
		return errs.New(errs.ErrKindInvalidConfig, "max_connections must be greater than zero")
	}
	if c.MinConnections > c.MaxConnections {
		return errs.Newf(errs.ErrKindInvalidConfig,
			"min_connections (%d) exceeds max_connections (%d)", c.MinConnections, c.MaxConnections)
	}
	return nil
}

// --- registry payload ---

// configPayload is the JSON stored in shops.database_config.
// Pointer fields distinguish "absent" from zero so absent fields take defaults.
type configPayload struct {
	Engine             string  `json:"engine"`
	ConnectionString   *string `json:"connection_string,omitempty"`
	MaxConnections     *uint32 `json:"max_connections,omitempty"`
	MinConnections     *uint32 `json:"min_connections,omitempty"`
	ConnectTimeoutSecs *uint64 `json:"connect_timeout_secs,omitempty"`
	IdleTimeoutSecs    *uint64 `json:"idle_timeout_secs,omitempty"`
}

// ParseConfig decodes a stored database_config payload.
func ParseConfig(data []byte) (Config, error) {
	var p configPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Config{}, errs.Wrap(errs.ErrKindInvalidConfig, "invalid database_config", err)
	}

	engine, err := ParseEngine(p.Engine)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	cfg.Engine = engine
	cfg.ConnectionString = p.ConnectionString
	if p.MaxConnections != nil {
		cfg.MaxConnections = *p.MaxConnections
	}
	if p.MinConnections != nil {
		cfg.MinConnections = *p.MinConnections
	}
	if p.ConnectTimeoutSecs != nil {
		if cfg.ConnectTimeout, err = secondsField("connect_timeout_secs", *p.ConnectTimeoutSecs); err != nil {
			return Config{}, err
		}
	}
	if p.IdleTimeoutSecs != nil {
		if cfg.IdleTimeout, err = secondsField("idle_timeout_secs", *p.IdleTimeoutSecs); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func secondsField(name string, secs uint64) (time.Duration, error) {
	if secs > maxTimeoutSecs {
		return 0, errs.Newf(errs.ErrKindInvalidConfig, "%s out of range: %d", name, secs)
	}
	return time.Duration(secs) * time.Second, nil
}

// MarshalJSON encodes c in the stored database_config form.
func (c Config) MarshalJSON() ([]byte, error) {
	maxConns, minConns := c.MaxConnections, c.MinConnections
	connect := uint64(c.ConnectTimeout / time.Second)
	idle := uint64(c.IdleTimeout / time.Second)
	return json.Marshal(configPayload{
		Engine:             c.Engine.String(),
		ConnectionString:   c.ConnectionString,
		MaxConnections:     &maxConns,
		MinConnections:     &minConns,
		ConnectTimeoutSecs: &connect,
		IdleTimeoutSecs:    &idle,
	})
}

// String hides the connection string, which may carry credentials.
func (c Config) String() string {
	target := "default path"
	if c.ConnectionString != nil {
		target = "connection string set"
	}
	return fmt.Sprintf("%s (%s, max=%d, min=%d, connect=%s, idle=%s)",
		c.Engine, target, c.MaxConnections, c.MinConnections, c.ConnectTimeout, c.IdleTimeout)
}
