package pool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
	"github.com/koustreak/shopdb/internal/migrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func migratedManager(t *testing.T) *Manager {
	t.Helper()
	m := newManager(t)
	_, err := migrate.New().Run(context.Background(), m.Registry(), migrate.RegistrySchema, "registry")
	require.NoError(t, err)
	return m
}

func strPtr(s string) *string { return &s }

// slowOpener delays m's SQLite opens by d and closes started when the first
// open begins.
func slowOpener(m *Manager, d time.Duration) (started <-chan struct{}) {
	ch := make(chan struct{})
	var once sync.Once
	open := m.openEmbedded
	m.openEmbedded = func(ctx context.Context, path string, cfg database.Config) (*database.EmbeddedPool, error) {
		once.Do(func() { close(ch) })
		time.Sleep(d)
		return open(ctx, path, cfg)
	}
	return ch
}

// lazyClientServer makes m's postgres opens succeed without a server.
func lazyClientServer(m *Manager) {
	m.openClientServer = func(ctx context.Context, cfg database.Config) (*database.ClientServerPool, error) {
		p, err := pgxpool.New(ctx, *cfg.ConnectionString)
		if err != nil {
			return nil, err
		}
		return database.WrapClientServer(p), nil
	}
}

func postgresConfig() database.Config {
	cfg := database.DefaultConfig()
	cfg.Engine = database.EngineClientServer
	cfg.ConnectionString = strPtr("postgres://shop@127.0.0.1:1/t1")
	return cfg
}

func TestInitialize(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	m, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	assert.FileExists(t, filepath.Join(dir, "registry.db"))
	assert.Equal(t, dir, m.DataDir())
	assert.Zero(t, m.ActivePoolCount())
	assert.Contains(t, m.String(), dir)
	require.NoError(t, m.Registry().Ping(context.Background()))
}

func TestInitialize_DataDirIsAFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Initialize(context.Background(), file)
	require.Error(t, err)
	assert.True(t, errs.IsIO(err))
}

func TestTenantPool_CreatesAndCaches(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	assert.False(t, m.TenantDBExists("t1"))

	p1, err := m.TenantPool(ctx, "t1")
	require.NoError(t, err)
	p2, err := m.TenantPool(ctx, "t1")
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, m.ActivePoolCount())
	assert.True(t, m.TenantDBExists("t1"))
	assert.Equal(t, filepath.Join(m.DataDir(), "shop_t1.db"), p1.Path())

	var fk int
	require.NoError(t, p1.QueryRow(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestTenantPool_ConcurrentGetOrCreate(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	var opens atomic.Int32
	open := m.openEmbedded
	m.openEmbedded = func(ctx context.Context, path string, cfg database.Config) (*database.EmbeddedPool, error) {
		opens.Add(1)
		time.Sleep(20 * time.Millisecond)
		return open(ctx, path, cfg)
	}

	const workers = 16
	pools := make([]*database.EmbeddedPool, workers)
	poolErrs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pools[i], poolErrs[i] = m.TenantPool(ctx, "t1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, poolErrs[i])
		assert.Same(t, pools[0], pools[i])
	}
	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, 1, m.ActivePoolCount())
}

func TestTenantPool_DistinctShops(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	a, err := m.TenantPool(ctx, "a")
	require.NoError(t, err)
	b, err := m.TenantPool(ctx, "b")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, m.ActivePoolCount())
	assert.Equal(t, []string{"a", "b"}, m.ActiveShops()[database.EngineEmbedded])
}

func TestTenantPool_OpenFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	open := m.openEmbedded
	m.openEmbedded = func(context.Context, string, database.Config) (*database.EmbeddedPool, error) {
		return nil, errs.New(errs.ErrKindConnection, "disk on fire")
	}

	_, err := m.TenantPool(ctx, "t1")
	require.Error(t, err)
	assert.True(t, errs.IsConnection(err))
	assert.Zero(t, m.ActivePoolCount())

	m.openEmbedded = open
	_, err = m.TenantPool(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActivePoolCount())
}

func TestTenantPoolWithConfig_Validation(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	cfg := database.DefaultConfig()
	cfg.Engine = database.EngineClientServer

	_, err := m.TenantPoolWithConfig(ctx, "t1", cfg)
	require.Error(t, err)
	assert.True(t, errs.IsInvalidConfig(err))
	assert.Zero(t, m.ActivePoolCount())

	_, err = m.TenantPoolWithConfig(ctx, "../escape", database.DefaultConfig())
	require.Error(t, err)
	assert.True(t, errs.IsInvalidConfig(err))
}

func TestTenantPoolWithConfig_EngineConflict(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, err := m.TenantPool(ctx, "t1")
	require.NoError(t, err)

	var opened bool
	m.openClientServer = func(context.Context, database.Config) (*database.ClientServerPool, error) {
		opened = true
		return nil, errs.New(errs.ErrKindConnection, "unreachable")
	}

	cfg := database.DefaultConfig()
	cfg.Engine = database.EngineClientServer
	cfg.ConnectionString = strPtr("postgres://shop@localhost/t1")

	_, err = m.TenantPoolWithConfig(ctx, "t1", cfg)
	require.Error(t, err)
	assert.True(t, errs.IsInvalidConfig(err))
	assert.False(t, opened)

	// After invalidation the shop may switch engines.
	m.InvalidateTenantPool(ctx, "t1")
	_, err = m.TenantPoolWithConfig(ctx, "t1", cfg)
	require.Error(t, err)
	assert.True(t, opened)
	assert.True(t, errs.IsConnection(err))
}

func TestTenantPoolWithConfig_EnginesRaceForOneShop(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	started := slowOpener(m, 100*time.Millisecond)
	lazyClientServer(m)

	var embeddedErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, embeddedErr = m.TenantPool(ctx, "t1")
	}()

	<-started
	_, csErr := m.TenantPoolWithConfig(ctx, "t1", postgresConfig())
	<-done

	require.NoError(t, embeddedErr)
	require.Error(t, csErr)
	assert.True(t, errs.IsInvalidConfig(csErr))

	shops := m.ActiveShops()
	assert.Equal(t, []string{"t1"}, shops[database.EngineEmbedded])
	assert.Empty(t, shops[database.EngineClientServer])
	assert.Zero(t, m.shops.Len())
}

func TestTenantPoolWithConfig_ClientServerCached(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	lazyClientServer(m)

	p1, err := m.TenantPoolWithConfig(ctx, "t1", postgresConfig())
	require.NoError(t, err)
	p2, err := m.TenantPoolWithConfig(ctx, "t1", postgresConfig())
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	_, err = m.TenantPool(ctx, "t1")
	assert.True(t, errs.IsInvalidConfig(err))
	assert.False(t, m.TenantDBExists("t1"))
}

func TestTenantPoolWithConfig_ConnectionStringIsPath(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	path := filepath.Join(t.TempDir(), "custom.db")
	cfg := database.DefaultConfig()
	cfg.ConnectionString = &path

	p, err := m.TenantPoolWithConfig(ctx, "t1", cfg)
	require.NoError(t, err)

	ep, err := database.AsEmbedded(p)
	require.NoError(t, err)
	assert.Equal(t, path, ep.Path())
	assert.FileExists(t, path)
	assert.False(t, m.TenantDBExists("t1"))
}

func TestInvalidateTenantPool(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	old, err := m.TenantPool(ctx, "t1")
	require.NoError(t, err)

	m.InvalidateTenantPool(ctx, "t1")
	assert.Zero(t, m.ActivePoolCount())
	assert.Error(t, old.Ping(ctx), "invalidated pool still open")

	// Unknown shops are a no-op.
	m.InvalidateTenantPool(ctx, "t1")
	m.InvalidateTenantPool(ctx, "nobody")

	fresh, err := m.TenantPool(ctx, "t1")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
}

func TestInvalidateTenantPool_WaitsForOpenInProgress(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	started := slowOpener(m, 100*time.Millisecond)

	var (
		p       *database.EmbeddedPool
		openErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p, openErr = m.TenantPool(ctx, "t1")
	}()

	<-started
	m.InvalidateTenantPool(ctx, "t1")
	require.NoError(t, m.DeleteTenantDB("t1"))
	<-done

	require.NoError(t, openErr)
	assert.Zero(t, m.ActivePoolCount())
	assert.False(t, m.TenantDBExists("t1"))
	assert.Error(t, p.Ping(ctx), "pool opened before invalidation is still open")
}

func TestDeleteTenantDB(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	p, err := m.TenantPool(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, p.Exec(ctx, "CREATE TABLE x (id INTEGER)"))

	m.InvalidateTenantPool(ctx, "t1")
	require.NoError(t, m.DeleteTenantDB("t1"))

	path := m.TenantDBPath("t1")
	assert.NoFileExists(t, path)
	for _, side := range sidecarPaths(path) {
		assert.NoFileExists(t, side)
	}
	assert.False(t, m.TenantDBExists("t1"))

	// Deleting again is fine.
	require.NoError(t, m.DeleteTenantDB("t1"))
}

func TestDeleteEmbeddedDB_ConnectionStringPath(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	path := filepath.Join(t.TempDir(), "custom.db")
	cfg := database.DefaultConfig()
	cfg.ConnectionString = &path

	_, err := m.TenantPoolWithConfig(ctx, "t1", cfg)
	require.NoError(t, err)
	assert.True(t, m.EmbeddedDBExists("t1", cfg))
	assert.False(t, m.TenantDBExists("t1"))

	m.InvalidateTenantPool(ctx, "t1")
	require.NoError(t, m.DeleteEmbeddedDB("t1", cfg))

	assert.NoFileExists(t, path)
	assert.False(t, m.EmbeddedDBExists("t1", cfg))
}

func TestShutdown_DuringOpen(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	started := slowOpener(m, 100*time.Millisecond)

	var openErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, openErr = m.TenantPool(ctx, "t1")
	}()

	<-started
	m.Shutdown(ctx)
	<-done

	require.Error(t, openErr)
	assert.True(t, errs.IsConnection(openErr))
	assert.Zero(t, m.ActivePoolCount())
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	m, err := Initialize(ctx, t.TempDir())
	require.NoError(t, err)

	a, err := m.TenantPool(ctx, "a")
	require.NoError(t, err)

	m.Shutdown(ctx)
	m.Shutdown(ctx)

	assert.Zero(t, m.ActivePoolCount())
	assert.Error(t, a.Ping(ctx))
	assert.Error(t, m.Registry().Ping(ctx))
}

func TestTenantDatabaseConfig(t *testing.T) {
	ctx := context.Background()
	m := migratedManager(t)

	_, err := m.TenantDatabaseConfig(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))

	require.NoError(t, m.RegisterTenant(ctx, Tenant{ID: "plain", Name: "Plain"}))
	cfg, err := m.TenantDatabaseConfig(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, database.DefaultConfig(), cfg)

	pg := database.DefaultConfig()
	pg.Engine = database.EngineClientServer
	pg.ConnectionString = strPtr("postgres://shop@db/pg")
	pg.MaxConnections = 12
	require.NoError(t, m.RegisterTenant(ctx, Tenant{ID: "pg", Name: "PG", DatabaseConfig: &pg}))

	cfg, err = m.TenantDatabaseConfig(ctx, "pg")
	require.NoError(t, err)
	assert.Equal(t, database.EngineClientServer, cfg.Engine)
	require.NotNil(t, cfg.ConnectionString)
	assert.Equal(t, "postgres://shop@db/pg", *cfg.ConnectionString)
	assert.Equal(t, uint32(12), cfg.MaxConnections)
}

func TestTenantDatabaseConfig_EmptyAndMalformed(t *testing.T) {
	ctx := context.Background()
	m := migratedManager(t)

	require.NoError(t, m.Registry().Exec(ctx,
		`INSERT INTO shops (id, name, database_config) VALUES ('empty', 'Empty', '  '), ('bad', 'Bad', '{not json')`))

	cfg, err := m.TenantDatabaseConfig(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, database.DefaultConfig(), cfg)

	_, err = m.TenantDatabaseConfig(ctx, "bad")
	require.Error(t, err)
	assert.True(t, errs.IsInvalidConfig(err))
}

func TestMarkTenantDeleted(t *testing.T) {
	ctx := context.Background()
	m := migratedManager(t)

	require.NoError(t, m.RegisterTenant(ctx, Tenant{ID: "t1", Name: "One"}))
	require.NoError(t, m.MarkTenantDeleted(ctx, "t1"))

	_, err := m.TenantDatabaseConfig(ctx, "t1")
	assert.True(t, errs.IsNotFound(err))

	cfg, err := m.StoredDatabaseConfig(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, database.DefaultConfig(), cfg)

	_, err = m.StoredDatabaseConfig(ctx, "never")
	assert.True(t, errs.IsNotFound(err))

	err = m.MarkTenantDeleted(ctx, "t1")
	assert.True(t, errs.IsNotFound(err))

	// Registering again reactivates the record.
	require.NoError(t, m.RegisterTenant(ctx, Tenant{ID: "t1", Name: "One again"}))
	_, err = m.TenantDatabaseConfig(ctx, "t1")
	require.NoError(t, err)
}

func TestValidateShopID(t *testing.T) {
	for _, id := range []string{"t1", "shop-42", "A_b.c"} {
		assert.NoError(t, validateShopID(id), id)
	}
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../x", "a\x00b"} {
		assert.True(t, errs.IsInvalidConfig(validateShopID(id)), id)
	}
}
