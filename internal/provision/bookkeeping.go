package provision

import (
	"context"

	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
)

// The upserts keep initialized_at from the first write.
const (
	sqliteBookkeeping = `
		INSERT INTO shop_config (id, shop_id, initialized_at, schema_version)
		VALUES ('config', ?, datetime('now'), ?)
		ON CONFLICT (id) DO UPDATE SET
			shop_id = excluded.shop_id,
			schema_version = excluded.schema_version`

	postgresBookkeeping = `
		INSERT INTO shop_config (id, shop_id, initialized_at, schema_version)
		VALUES ('config', $1, CURRENT_TIMESTAMP, $2)
		ON CONFLICT (id) DO UPDATE SET
			shop_id = EXCLUDED.shop_id,
			schema_version = EXCLUDED.schema_version`

	selectBookkeeping = `SELECT COUNT(*) FROM shop_config WHERE id = 'config'`
)

// Bookkeeping is the shop_config row of a shop database.
type Bookkeeping struct {
	ShopID        string
	InitializedAt string
	SchemaVersion int
}

func writeBookkeeping(ctx context.Context, p database.Pool, shopID string, version int) error {
	var query string
	switch p.(type) {
	case *database.EmbeddedPool:
		query = sqliteBookkeeping
	case *database.ClientServerPool:
		query = postgresBookkeeping
	default:
		return errs.Newf(errs.ErrKindInvalidConfig, "unsupported pool %T", p)
	}
	return p.Exec(ctx, query, shopID, version)
}

func hasBookkeeping(ctx context.Context, p database.Pool) (bool, error) {
	var n int
	if err := p.QueryRow(ctx, selectBookkeeping).Scan(&n); err != nil {
		return false, errs.Wrap(errs.ErrKindQuery, "failed to read shop_config", err)
	}
	return n > 0, nil
}

// ReadBookkeeping returns the shop_config row of the database behind p.
// It is NotFound until the database has been initialized.
func ReadBookkeeping(ctx context.Context, p database.Pool) (Bookkeeping, error) {
	var b Bookkeeping
	err := p.QueryRow(ctx,
		`SELECT shop_id, CAST(initialized_at AS TEXT), schema_version FROM shop_config WHERE id = 'config'`,
	).Scan(&b.ShopID, &b.InitializedAt, &b.SchemaVersion)
	if err != nil {
		if database.IsNoRows(err) {
			return Bookkeeping{}, errs.New(errs.ErrKindNotFound, "shop database is not initialized")
		}
		return Bookkeeping{}, errs.Wrap(errs.ErrKindQuery, "failed to read shop_config", err)
	}
	return b, nil
}
