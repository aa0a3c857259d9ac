package migrate

import (
	_ "embed"

	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
)

// RegistrySchema creates the registry tables. The registry is always SQLite.
//
//go:embed scripts/registry.sql
var RegistrySchema string

//go:embed scripts/shop_sqlite.sql
var shopSchemaSQLite string

//go:embed scripts/shop_postgres.sql
var shopSchemaPostgres string

// ShopSchema returns the shop schema script for engine.
func ShopSchema(engine database.Engine) (string, error) {
	switch engine {
	case database.EngineEmbedded:
		return shopSchemaSQLite, nil
	case database.EngineClientServer:
		return shopSchemaPostgres, nil
	default:
		return "", errs.Newf(errs.ErrKindInvalidConfig, "no shop schema for engine %q", engine)
	}
}
