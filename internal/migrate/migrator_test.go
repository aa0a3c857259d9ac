package migrate

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
	"github.com/koustreak/shopdb/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScriptV1 = `-- Version: 1
-- Test schema

-- Section: items
CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL
);

-- Section: seed
INSERT INTO items (name) VALUES ('it''s; a widget');

-- Section: nothing below this line is executable
-- just commentary
`

const testScriptV2 = `-- Version: 2
CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tags (id INTEGER PRIMARY KEY, label TEXT);
`

func openPool(t *testing.T) *database.EmbeddedPool {
	t.Helper()
	p, err := database.OpenEmbedded(context.Background(), filepath.Join(t.TempDir(), "shop_test.db"), database.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func newLoggedMigrator(buf *bytes.Buffer) *Migrator {
	return New(WithLogger(logger.New(&logger.Config{Level: "debug", Format: "json", Output: buf})))
}

func countLogEntries(buf *bytes.Buffer, message string) int {
	return strings.Count(buf.String(), `"message":"`+message+`"`)
}

func tableExists(t *testing.T, p *database.EmbeddedPool, name string) bool {
	t.Helper()
	var n int
	err := p.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestRun_FreshDatabase(t *testing.T) {
	ctx := context.Background()
	p := openPool(t)
	m := New()

	res, err := m.Run(ctx, p, testScriptV1, "shop_t1")
	require.NoError(t, err)

	assert.True(t, res.Applied)
	assert.Equal(t, 0, res.FromVersion)
	assert.Equal(t, 1, res.ToVersion)
	assert.Equal(t, 2, res.Statements)

	var name string
	require.NoError(t, p.QueryRow(ctx, "SELECT name FROM items WHERE id = 1").Scan(&name))
	assert.Equal(t, "it's; a widget", name)

	var rows, version int
	require.NoError(t, p.QueryRow(ctx, "SELECT COUNT(*), MAX(version) FROM _migrations").Scan(&rows, &version))
	assert.Equal(t, 1, rows)
	assert.Equal(t, 1, version)
}

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	p := openPool(t)
	buf := &bytes.Buffer{}
	m := newLoggedMigrator(buf)

	first, err := m.Run(ctx, p, testScriptV1, "shop_t1")
	require.NoError(t, err)
	require.True(t, first.Applied)
	require.Equal(t, 2, countLogEntries(buf, "executing migration statement"))

	var appliedAt string
	require.NoError(t, p.QueryRow(ctx, "SELECT applied_at FROM _migrations WHERE id = 1").Scan(&appliedAt))

	second, err := m.Run(ctx, p, testScriptV1, "shop_t1")
	require.NoError(t, err)

	assert.False(t, second.Applied)
	assert.Zero(t, second.Statements)
	assert.Equal(t, 1, second.ToVersion)
	assert.Equal(t, 2, countLogEntries(buf, "executing migration statement"), "second run executed statements")

	var appliedAgain string
	var rows int
	require.NoError(t, p.QueryRow(ctx, "SELECT applied_at FROM _migrations WHERE id = 1").Scan(&appliedAgain))
	require.NoError(t, p.QueryRow(ctx, "SELECT COUNT(*) FROM items").Scan(&rows))
	assert.Equal(t, appliedAt, appliedAgain, "version row updated twice")
	assert.Equal(t, 1, rows, "seed row inserted twice")
}

func TestRun_Upgrade(t *testing.T) {
	ctx := context.Background()
	p := openPool(t)
	m := New()

	_, err := m.Run(ctx, p, testScriptV1, "shop_t1")
	require.NoError(t, err)

	res, err := m.Run(ctx, p, testScriptV2, "shop_t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FromVersion)
	assert.Equal(t, 2, res.ToVersion)
	assert.True(t, tableExists(t, p, "tags"))

	v, err := m.Version(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// An older script never downgrades.
	res, err = m.Run(ctx, p, testScriptV1, "shop_t1")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, 2, res.ToVersion)
}

func TestRun_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	p := openPool(t)
	m := New()

	script := `-- Version: 1
CREATE TABLE step_one (id INTEGER PRIMARY KEY);
INSERT INTO no_such_table VALUES (1);
CREATE TABLE step_three (id INTEGER PRIMARY KEY);`

	res, err := m.Run(ctx, p, script, "shop_t1")
	require.Error(t, err)
	assert.True(t, errs.IsMigration(err))
	assert.False(t, res.Applied)

	var stmtErr *StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Equal(t, 2, stmtErr.Index)
	assert.Equal(t, "INSERT INTO no_such_table VALUES (1)", stmtErr.Statement)
	assert.Equal(t, StatePending, stmtErr.State)
	assert.Equal(t, "shop_t1", stmtErr.Database)
	assert.Contains(t, err.Error(), "INSERT INTO no_such_table VALUES (1)")

	assert.False(t, tableExists(t, p, "step_one"), "statement 1 survived the rollback")
	assert.False(t, tableExists(t, p, "step_three"), "statement 3 ran after the failure")

	v, err := m.Version(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, v)

	// Fixing the script and retrying starts from statement 1 again.
	fixed := strings.Replace(script, "INSERT INTO no_such_table VALUES (1);", "INSERT INTO step_one VALUES (1);", 1)
	res, err = m.Run(ctx, p, fixed, "shop_t1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Statements)
}

func TestRun_NonTransactionalPartialFailure(t *testing.T) {
	ctx := context.Background()
	p := openPool(t)
	m := New()

	script := `-- Version: 1
-- Transaction: none
CREATE TABLE step_one (id INTEGER PRIMARY KEY);
INSERT INTO no_such_table VALUES (1);
CREATE TABLE step_three (id INTEGER PRIMARY KEY);`

	_, err := m.Run(ctx, p, script, "shop_t1")
	require.Error(t, err)

	var stmtErr *StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Equal(t, 2, stmtErr.Index)
	assert.Equal(t, StatePartiallyApplied, stmtErr.State)
	assert.Contains(t, err.Error(), "partially-applied")
	assert.Contains(t, err.Error(), "repair manually")

	assert.True(t, tableExists(t, p, "step_one"))
	assert.False(t, tableExists(t, p, "step_three"))

	v, err := m.Version(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestRun_NonTransactionalFirstStatementFails(t *testing.T) {
	p := openPool(t)

	_, err := New().Run(context.Background(), p, "-- Transaction: none\nINSERT INTO nope VALUES (1);", "shop_t1")
	require.Error(t, err)

	var stmtErr *StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Equal(t, 1, stmtErr.Index)
	assert.Equal(t, StatePending, stmtErr.State)
}

func TestRun_NonTransactionalSuccess(t *testing.T) {
	ctx := context.Background()
	p := openPool(t)

	res, err := New().Run(ctx, p, "-- Version: 4\n-- Transaction: none\nCREATE TABLE a (id INT);\nCREATE TABLE b (id INT);", "shop_t1")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 4, res.ToVersion)
	assert.Equal(t, 2, res.Statements)
}

func TestRun_CommentHeadersExecuted(t *testing.T) {
	ctx := context.Background()
	p := openPool(t)
	buf := &bytes.Buffer{}

	script := "\n\n-- Section: Foo\nCREATE TABLE foo (id INTEGER PRIMARY KEY);\n\n-- Section: Bar\n-- nothing yet\n"
	res, err := newLoggedMigrator(buf).Run(ctx, p, script, "shop_t1")
	require.NoError(t, err)

	assert.True(t, tableExists(t, p, "foo"))
	assert.Equal(t, 1, res.Statements)
	assert.Equal(t, 1, countLogEntries(buf, "executing migration statement"))
}

func TestRun_ConcurrentSameDatabase(t *testing.T) {
	ctx := context.Background()
	p := openPool(t)
	m := New()

	const workers = 8
	results := make([]Result, workers)
	runErrs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], runErrs[i] = m.Run(ctx, p, testScriptV1, "shop_t1")
		}(i)
	}
	wg.Wait()

	applied, statements := 0, 0
	for i := 0; i < workers; i++ {
		require.NoError(t, runErrs[i])
		if results[i].Applied {
			applied++
		}
		statements += results[i].Statements
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 2, statements)

	var rows int
	require.NoError(t, p.QueryRow(ctx, "SELECT COUNT(*) FROM items").Scan(&rows))
	assert.Equal(t, 1, rows)
	assert.Zero(t, m.locks.Len(), "per-database locks outlive their runs")
}

func TestRun_LocksReleasedPerDatabase(t *testing.T) {
	ctx := context.Background()
	m := New()

	for _, name := range []string{"shop_a", "shop_b", "shop_c"} {
		_, err := m.Run(ctx, openPool(t), testScriptV1, name)
		require.NoError(t, err)
	}
	assert.Zero(t, m.locks.Len())
}

func TestRun_EmbeddedScripts(t *testing.T) {
	ctx := context.Background()
	m := New()

	res, err := m.Run(ctx, openPool(t), RegistrySchema, "registry")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	shop, err := ShopSchema(database.EngineEmbedded)
	require.NoError(t, err)
	p := openPool(t)
	res, err = m.Run(ctx, p, shop, "shop_t1")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, tableExists(t, p, "shop_config"))

	var footer string
	require.NoError(t, p.QueryRow(ctx, "SELECT value FROM settings WHERE key = 'receipt_footer'").Scan(&footer))
	assert.Equal(t, "Thank you; come again!", footer)

	pg, err := ShopSchema(database.EngineClientServer)
	require.NoError(t, err)
	assert.Equal(t, ParseVersion(shop), ParseVersion(pg), "engine scripts must declare the same version")

	_, err = ShopSchema("oracle")
	assert.True(t, errs.IsInvalidConfig(err))
}
