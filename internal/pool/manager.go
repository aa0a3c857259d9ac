// Package pool owns every live database pool in the process: the registry
// pool opened at startup and one lazily created pool per shop.
//
// Usage:
//
//	m, err := pool.Initialize(ctx, "./data", pool.WithLogger(log))
//	defer m.Shutdown(ctx)
//
//	shop, err := m.TenantPool(ctx, "t1") // <data_dir>/shop_t1.db
package pool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
	"github.com/koustreak/shopdb/internal/keylock"
	"github.com/koustreak/shopdb/internal/logger"
)

const registryFile = "registry.db"

// sqliteSidecars are the files SQLite may keep next to a database.
var sqliteSidecars = []string{"-wal", "-shm", "-journal"}

// Manager caches pools per shop and per engine. A shop holds at most one
// pool at a time; switching engines requires InvalidateTenantPool first.
// It is safe for concurrent use.
type Manager struct {
	dataDir  string
	registry *database.EmbeddedPool
	log      *logger.Logger

	// shops serializes opens and invalidations of one shop across engines.
	shops        *keylock.Map
	embedded     *cache[*database.EmbeddedPool]
	clientServer *cache[*database.ClientServerPool]

	// Swappable in tests.
	openEmbedded     func(ctx context.Context, path string, cfg database.Config) (*database.EmbeddedPool, error)
	openClientServer func(ctx context.Context, cfg database.Config) (*database.ClientServerPool, error)

	shutdown sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Initialize creates dataDir if needed and opens the registry database at
// <dataDir>/registry.db. The registry schema is not migrated here.
func Initialize(ctx context.Context, dataDir string, opts ...Option) (*Manager, error) {
	shops := keylock.New()
	m := &Manager{
		dataDir:          dataDir,
		log:              logger.Nop(),
		shops:            shops,
		embedded:         newCache[*database.EmbeddedPool](shops),
		clientServer:     newCache[*database.ClientServerPool](shops),
		openEmbedded:     database.OpenEmbedded,
		openClientServer: database.OpenClientServer,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.ErrKindIO, fmt.Sprintf("failed to create data directory %s", dataDir), err)
	}

	path := filepath.Join(dataDir, registryFile)
	registry, err := database.OpenEmbedded(ctx, path, database.DefaultConfig())
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "failed to open registry database", err)
	}
	m.registry = registry

	m.log.With().Str("path", path).Logger().Info("registry database opened")
	return m, nil
}

// Registry returns the registry pool.
func (m *Manager) Registry() *database.EmbeddedPool { return m.registry }

// DataDir returns the directory holding the registry and shop files.
func (m *Manager) DataDir() string { return m.dataDir }

// TenantPool returns the SQLite pool for shopID with the default config,
// creating and caching it on first use. The file is created if missing.
func (m *Manager) TenantPool(ctx context.Context, shopID string) (*database.EmbeddedPool, error) {
	p, err := m.TenantPoolWithConfig(ctx, shopID, database.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return database.AsEmbedded(p)
}

// TenantPoolWithConfig returns the pool for shopID on cfg's engine, creating
// and caching it on first use. An already cached pool is returned as is,
// even if cfg differs from the config it was opened with.
func (m *Manager) TenantPoolWithConfig(ctx context.Context, shopID string, cfg database.Config) (database.Pool, error) {
	if err := validateShopID(shopID); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Connect timeouts bound the open; one caller cancelling must not fail
	// the others waiting on the same shop.
	openCtx := context.WithoutCancel(ctx)

	// The other engine is checked under the shop's lock, so two requests
	// for different engines cannot both open.
	switch cfg.Engine {
	case database.EngineEmbedded:
		p, created, err := m.embedded.getOrCreate(shopID, func() (*database.EmbeddedPool, error) {
			if _, ok := m.clientServer.get(shopID); ok {
				return nil, engineConflict(shopID, database.EngineClientServer)
			}
			p, err := m.openEmbedded(openCtx, m.EmbeddedPath(shopID, cfg), cfg)
			if err != nil {
				return nil, errs.Wrap(errs.ErrKindConnection, fmt.Sprintf("failed to open shop database for %s", shopID), err)
			}
			return p, nil
		})
		if err != nil {
			return nil, err
		}
		if created {
			m.logPool("shop pool opened", shopID, cfg.Engine)
		}
		return p, nil

	case database.EngineClientServer:
		p, created, err := m.clientServer.getOrCreate(shopID, func() (*database.ClientServerPool, error) {
			if _, ok := m.embedded.get(shopID); ok {
				return nil, engineConflict(shopID, database.EngineEmbedded)
			}
			p, err := m.openClientServer(openCtx, cfg)
			if err != nil {
				return nil, errs.WithContext(fmt.Sprintf("failed to connect shop database for %s", shopID), err)
			}
			return p, nil
		})
		if err != nil {
			return nil, err
		}
		if created {
			m.logPool("shop pool opened", shopID, cfg.Engine)
		}
		return p, nil

	default:
		return nil, errs.Newf(errs.ErrKindInvalidConfig, "unknown engine %q", cfg.Engine)
	}
}

// InvalidateTenantPool removes shopID's pool from both caches and closes it.
// An open already in progress for shopID is waited for and its pool closed
// too. Calling it for a shop without a pool is a no-op.
func (m *Manager) InvalidateTenantPool(_ context.Context, shopID string) {
	unlock := m.shops.Lock(shopID)
	defer unlock()

	if p, ok := m.embedded.remove(shopID); ok {
		p.Close()
		m.logPool("shop pool closed", shopID, database.EngineEmbedded)
	}
	if p, ok := m.clientServer.remove(shopID); ok {
		p.Close()
		m.logPool("shop pool closed", shopID, database.EngineClientServer)
	}
}

// TenantDBPath returns the SQLite file path for shopID.
func (m *Manager) TenantDBPath(shopID string) string {
	return filepath.Join(m.dataDir, "shop_"+shopID+".db")
}

// EmbeddedPath returns the file a SQLite pool for shopID opens under cfg:
// cfg's connection string if set, otherwise TenantDBPath.
func (m *Manager) EmbeddedPath(shopID string, cfg database.Config) string {
	if cfg.ConnectionString != nil && *cfg.ConnectionString != "" {
		return *cfg.ConnectionString
	}
	return m.TenantDBPath(shopID)
}

// TenantDBExists reports whether shopID's SQLite file exists at the default
// path.
func (m *Manager) TenantDBExists(shopID string) bool {
	return m.EmbeddedDBExists(shopID, database.DefaultConfig())
}

// EmbeddedDBExists reports whether the SQLite file shopID uses under cfg
// exists.
func (m *Manager) EmbeddedDBExists(shopID string, cfg database.Config) bool {
	if validateShopID(shopID) != nil {
		return false
	}
	_, err := os.Stat(m.EmbeddedPath(shopID, cfg))
	return err == nil
}

// DeleteTenantDB removes shopID's SQLite file at the default path and its
// sidecar files. Missing files are not an error. Callers invalidate the pool
// first.
func (m *Manager) DeleteTenantDB(shopID string) error {
	return m.DeleteEmbeddedDB(shopID, database.DefaultConfig())
}

// DeleteEmbeddedDB is DeleteTenantDB for the file shopID uses under cfg.
func (m *Manager) DeleteEmbeddedDB(shopID string, cfg database.Config) error {
	if err := validateShopID(shopID); err != nil {
		return err
	}

	path := m.EmbeddedPath(shopID, cfg)
	for _, p := range append([]string{path}, sidecarPaths(path)...) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errs.Wrap(errs.ErrKindIO, fmt.Sprintf("failed to delete %s", p), err)
		}
	}

	m.log.With().Str("shop_id", shopID).Str("path", path).Logger().Info("shop database deleted")
	return nil
}

// ActivePoolCount returns the number of cached shop pools across engines.
func (m *Manager) ActivePoolCount() int {
	return m.embedded.len() + m.clientServer.len()
}

// ActiveShops returns the ids of shops holding a pool, per engine.
func (m *Manager) ActiveShops() map[database.Engine][]string {
	return map[database.Engine][]string{
		database.EngineEmbedded:     m.embedded.ids(),
		database.EngineClientServer: m.clientServer.ids(),
	}
}

// Shutdown closes every shop pool and then the registry. Calling it again is
// a no-op.
func (m *Manager) Shutdown(_ context.Context) {
	m.shutdown.Do(func() {
		closed := 0
		for _, p := range m.embedded.drain() {
			p.Close()
			closed++
		}
		for _, p := range m.clientServer.drain() {
			p.Close()
			closed++
		}
		m.registry.Close()
		m.log.Infof("pool manager shut down (%d shop pools closed)", closed)
	})
}

func (m *Manager) String() string {
	return fmt.Sprintf("pool.Manager{data_dir: %s, sqlite: %d, postgres: %d}",
		m.dataDir, m.embedded.len(), m.clientServer.len())
}

func (m *Manager) logPool(msg, shopID string, engine database.Engine) {
	m.log.With().Str("shop_id", shopID).Str("engine", engine.String()).Logger().Debug(msg)
}

func engineConflict(shopID string, held database.Engine) error {
	return errs.Newf(errs.ErrKindInvalidConfig,
		"shop %s already has an open %s pool; invalidate it before switching engines", shopID, held)
}

func sidecarPaths(path string) []string {
	out := make([]string, 0, len(sqliteSidecars))
	for _, s := range sqliteSidecars {
		out = append(out, path+s)
	}
	return out
}

// validateShopID rejects ids that would escape the data directory.
func validateShopID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, `/\`+"\x00") {
		return errs.Newf(errs.ErrKindInvalidConfig, "invalid shop id %q", id)
	}
	return nil
}
