// Package provision is the entry point the rest of shopdb uses to reach a
// shop database. It turns "I need shop X" into a validated, migrated pool and
// owns the database lifecycle: create, reuse, archive, delete.
//
// Usage:
//
//	f := provision.New(manager, provision.WithLogger(log))
//	if _, err := f.MigrateRegistry(ctx); err != nil { ... }
//
//	err := f.ProvisionTenantDatabase(ctx, "t1")
//	pool, err := f.TenantPool(ctx, "t1")
package provision

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/koustreak/shopdb/internal/archive"
	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
	"github.com/koustreak/shopdb/internal/logger"
	"github.com/koustreak/shopdb/internal/migrate"
	"github.com/koustreak/shopdb/internal/pool"
	"github.com/koustreak/shopdb/internal/schema"
)

// Scripts are the migration scripts the factory applies.
type Scripts struct {
	Registry     string
	ShopSQLite   string
	ShopPostgres string
}

// DefaultScripts returns the scripts embedded in the migrate package.
func DefaultScripts() Scripts {
	sqlite, _ := migrate.ShopSchema(database.EngineEmbedded)
	pg, _ := migrate.ShopSchema(database.EngineClientServer)
	return Scripts{
		Registry:     migrate.RegistrySchema,
		ShopSQLite:   sqlite,
		ShopPostgres: pg,
	}
}

func (s Scripts) shop(engine database.Engine) (string, error) {
	switch engine {
	case database.EngineEmbedded:
		return s.ShopSQLite, nil
	case database.EngineClientServer:
		return s.ShopPostgres, nil
	default:
		return "", errs.Newf(errs.ErrKindInvalidConfig, "no shop schema for engine %q", engine)
	}
}

// Factory combines the pool manager with the migrator.
// It is safe for concurrent use.
type Factory struct {
	pools    *pool.Manager
	migrator *migrate.Migrator
	archive  archive.Store
	scripts  Scripts
	log      *logger.Logger
	now      func() time.Time
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the factory's logger.
func WithLogger(l *logger.Logger) Option {
	return func(f *Factory) { f.log = l }
}

// WithMigrator replaces the default migrator.
func WithMigrator(m *migrate.Migrator) Option {
	return func(f *Factory) { f.migrator = m }
}

// WithArchive makes DeleteTenantDatabase upload each SQLite file to s before
// removing it.
func WithArchive(s archive.Store) Option {
	return func(f *Factory) { f.archive = s }
}

// WithScripts replaces the embedded migration scripts.
func WithScripts(s Scripts) Option {
	return func(f *Factory) { f.scripts = s }
}

// New returns a Factory backed by pools.
func New(pools *pool.Manager, opts ...Option) *Factory {
	f := &Factory{
		pools:   pools,
		scripts: DefaultScripts(),
		log:     logger.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.migrator == nil {
		f.migrator = migrate.New(migrate.WithLogger(f.log))
	}
	return f
}

// Pools returns the underlying pool manager.
func (f *Factory) Pools() *pool.Manager { return f.pools }

// MigrateRegistry brings the registry database to the current schema.
func (f *Factory) MigrateRegistry(ctx context.Context) (migrate.Result, error) {
	res, err := f.migrator.Run(ctx, f.pools.Registry(), f.scripts.Registry, "registry")
	if err != nil {
		return res, errs.WithContext("failed to migrate registry", err)
	}
	return res, nil
}

// TenantPool returns a ready SQLite pool for shopID. A shop configured for
// postgres is rejected before any pool is created. A database file that does
// not exist yet is created and migrated.
func (f *Factory) TenantPool(ctx context.Context, shopID string) (*database.EmbeddedPool, error) {
	cfg, err := f.config(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if cfg.Engine != database.EngineEmbedded {
		return nil, errs.Newf(errs.ErrKindInvalidConfig,
			"shop %s uses the %s engine; use TenantPoolWithConfig", shopID, cfg.Engine)
	}

	p, err := f.embeddedPool(ctx, shopID, cfg)
	if err != nil {
		return nil, err
	}
	return database.AsEmbedded(p)
}

// TenantPoolWithConfig returns a ready pool for shopID on whichever engine
// its registry record names. SQLite databases are migrated when their file is
// new. Postgres databases are always checked, which costs one version read
// once they are current.
func (f *Factory) TenantPoolWithConfig(ctx context.Context, shopID string) (database.Pool, error) {
	cfg, err := f.config(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if cfg.Engine == database.EngineEmbedded {
		return f.embeddedPool(ctx, shopID, cfg)
	}

	p, err := f.pools.TenantPoolWithConfig(ctx, shopID, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := f.initialize(ctx, shopID, p); err != nil {
		return nil, err
	}
	return p, nil
}

// TenantPoolUnchecked returns shopID's pool without checking its schema.
func (f *Factory) TenantPoolUnchecked(ctx context.Context, shopID string) (database.Pool, error) {
	cfg, err := f.config(ctx, shopID)
	if err != nil {
		return nil, err
	}
	return f.pools.TenantPoolWithConfig(ctx, shopID, cfg)
}

// ProvisionTenantDatabase creates and migrates shopID's database. A failed
// config lookup falls back to the default config so onboarding does not
// depend on the registry record being complete.
func (f *Factory) ProvisionTenantDatabase(ctx context.Context, shopID string) error {
	cfg, err := f.pools.TenantDatabaseConfig(ctx, shopID)
	if err != nil {
		f.log.With().Str("shop_id", shopID).Err(err).Logger().
			Warn("shop configuration unavailable, provisioning with defaults")
		cfg = database.DefaultConfig()
	}

	p, err := f.pools.TenantPoolWithConfig(ctx, shopID, cfg)
	if err != nil {
		return err
	}

	res, err := f.initialize(ctx, shopID, p)
	if err != nil {
		return err
	}

	f.log.With().
		Str("shop_id", shopID).
		Str("engine", cfg.Engine.String()).
		Int("version", res.ToVersion).
		Logger().
		Info("shop database provisioned")
	return nil
}

// MigrateTenant brings shopID's database to the current schema, whichever
// engine it uses.
func (f *Factory) MigrateTenant(ctx context.Context, shopID string) (migrate.Result, error) {
	p, err := f.TenantPoolUnchecked(ctx, shopID)
	if err != nil {
		return migrate.Result{}, err
	}
	return f.initialize(ctx, shopID, p)
}

// DeleteTenantDatabase closes shopID's pool and then removes its SQLite file,
// wherever its config places it. With an archive configured, the file is
// uploaded between the two steps and an upload failure keeps the file.
// A PostgreSQL shop only has its pool closed.
func (f *Factory) DeleteTenantDatabase(ctx context.Context, shopID string) error {
	cfg := f.storedConfig(ctx, shopID)

	// The pool must be closed before the file is touched.
	f.pools.InvalidateTenantPool(ctx, shopID)

	if cfg.Engine != database.EngineEmbedded {
		return nil
	}

	if f.archive != nil && f.pools.EmbeddedDBExists(shopID, cfg) {
		key := archive.Key(shopID, f.now())
		if err := f.archive.Upload(ctx, key, f.pools.EmbeddedPath(shopID, cfg)); err != nil {
			return errs.WithContext(fmt.Sprintf("failed to archive shop database for %s", shopID), err)
		}
		f.log.With().Str("shop_id", shopID).Str("key", key).Logger().Info("shop database archived")
	}

	return f.pools.DeleteEmbeddedDB(shopID, cfg)
}

// TenantDatabaseExists reports whether shopID's SQLite file exists, wherever
// its config places it. PostgreSQL shops report false.
func (f *Factory) TenantDatabaseExists(ctx context.Context, shopID string) bool {
	cfg := f.storedConfig(ctx, shopID)
	return cfg.Engine == database.EngineEmbedded && f.pools.EmbeddedDBExists(shopID, cfg)
}

// Archives lists the archived copies of shopID's database.
func (f *Factory) Archives(ctx context.Context, shopID string) ([]archive.ObjectInfo, error) {
	if f.archive == nil {
		return nil, errs.New(errs.ErrKindInvalidConfig, "archiving is not configured")
	}
	return f.archive.List(ctx, archive.ShopPrefix(shopID))
}

// InspectTenant describes the tables of shopID's database. A SQLite database
// that was never provisioned is NotFound rather than created.
func (f *Factory) InspectTenant(ctx context.Context, shopID string) (*schema.Info, error) {
	cfg, err := f.config(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if cfg.Engine == database.EngineEmbedded {
		if _, err := os.Stat(f.pools.EmbeddedPath(shopID, cfg)); os.IsNotExist(err) {
			return nil, errs.Newf(errs.ErrKindNotFound, "shop %s has no database", shopID)
		}
	}

	p, err := f.pools.TenantPoolWithConfig(ctx, shopID, cfg)
	if err != nil {
		return nil, err
	}
	return schema.Inspect(ctx, p)
}

// --- internal ---

// storedConfig resolves where shopID's data lives, soft-deleted shops
// included. Without a readable record the default path is assumed.
func (f *Factory) storedConfig(ctx context.Context, shopID string) database.Config {
	cfg, err := f.pools.StoredDatabaseConfig(ctx, shopID)
	if err != nil {
		if !errs.IsNotFound(err) {
			f.log.With().Str("shop_id", shopID).Err(err).Logger().
				Warn("shop configuration unavailable, assuming the default database path")
		}
		return database.DefaultConfig()
	}
	return cfg
}

func (f *Factory) config(ctx context.Context, shopID string) (database.Config, error) {
	cfg, err := f.pools.TenantDatabaseConfig(ctx, shopID)
	if err != nil {
		return database.Config{}, errs.WithContext("failed to fetch shop configuration", err)
	}
	return cfg, nil
}

// embeddedPool returns shopID's SQLite pool, migrating it when the file did
// not exist before. A failed first migration removes the new file again so
// the next call retries instead of treating it as initialized.
func (f *Factory) embeddedPool(ctx context.Context, shopID string, cfg database.Config) (database.Pool, error) {
	path := f.pools.EmbeddedPath(shopID, cfg)
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	p, err := f.pools.TenantPoolWithConfig(ctx, shopID, cfg)
	if err != nil {
		return nil, err
	}
	if !isNew {
		return p, nil
	}

	if _, err := f.initialize(ctx, shopID, p); err != nil {
		f.pools.InvalidateTenantPool(ctx, shopID)
		if rmErr := f.pools.DeleteEmbeddedDB(shopID, cfg); rmErr != nil {
			f.log.ErrorWith("failed to remove uninitialized shop database", rmErr, map[string]interface{}{
				"shop_id": shopID,
			})
		}
		return nil, err
	}
	return p, nil
}

// initialize migrates p to the shop schema and records the result in
// shop_config. The bookkeeping row is rewritten only when the schema changed
// or the row is missing.
func (f *Factory) initialize(ctx context.Context, shopID string, p database.Pool) (migrate.Result, error) {
	script, err := f.scripts.shop(p.Engine())
	if err != nil {
		return migrate.Result{}, err
	}

	res, err := f.migrator.Run(ctx, p, script, "shop_"+shopID)
	if err != nil {
		return res, errs.WithContext(fmt.Sprintf("failed to migrate shop %s", shopID), err)
	}

	if !res.Applied {
		recorded, err := hasBookkeeping(ctx, p)
		if err != nil || recorded {
			return res, err
		}
	}

	if err := writeBookkeeping(ctx, p, shopID, res.ToVersion); err != nil {
		return res, errs.WithContext(fmt.Sprintf("failed to record initialization of shop %s", shopID), err)
	}
	return res, nil
}
