package pool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
)

// Tenant is a shop record in the registry.
type Tenant struct {
	ID   string
	Name string

	// DatabaseConfig is stored as JSON; nil stores NULL, which reads back as
	// the default config.
	DatabaseConfig *database.Config
}

// TenantDatabaseConfig reads shopID's database config from the registry.
// A missing or soft-deleted shop is NotFound; a NULL or empty column yields
// the default config; an unparsable payload is InvalidConfig.
func (m *Manager) TenantDatabaseConfig(ctx context.Context, shopID string) (database.Config, error) {
	return m.readDatabaseConfig(ctx, shopID,
		`SELECT database_config FROM shops WHERE id = ? AND _status != 'deleted'`)
}

// StoredDatabaseConfig is TenantDatabaseConfig including soft-deleted shops,
// whose files still need to be found to be cleaned up.
func (m *Manager) StoredDatabaseConfig(ctx context.Context, shopID string) (database.Config, error) {
	return m.readDatabaseConfig(ctx, shopID, `SELECT database_config FROM shops WHERE id = ?`)
}

func (m *Manager) readDatabaseConfig(ctx context.Context, shopID, query string) (database.Config, error) {
	var raw sql.NullString
	if err := m.registry.QueryRow(ctx, query, shopID).Scan(&raw); err != nil {
		if database.IsNoRows(err) {
			return database.Config{}, errs.Newf(errs.ErrKindNotFound, "shop %s not found", shopID)
		}
		return database.Config{}, errs.Wrap(errs.ErrKindQuery, fmt.Sprintf("failed to read config for shop %s", shopID), err)
	}

	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return database.DefaultConfig(), nil
	}

	cfg, err := database.ParseConfig([]byte(raw.String))
	if err != nil {
		return database.Config{}, errs.WithContext(fmt.Sprintf("invalid database_config for shop %s", shopID), err)
	}
	return cfg, nil
}

// RegisterTenant inserts t into the registry, or updates it and marks it
// active again if it already exists.
func (m *Manager) RegisterTenant(ctx context.Context, t Tenant) error {
	if err := validateShopID(t.ID); err != nil {
		return err
	}

	var cfg sql.NullString
	if t.DatabaseConfig != nil {
		if err := t.DatabaseConfig.Validate(); err != nil {
			return err
		}
		b, err := t.DatabaseConfig.MarshalJSON()
		if err != nil {
			return errs.Wrap(errs.ErrKindInvalidConfig, "failed to encode database config", err)
		}
		cfg = sql.NullString{String: string(b), Valid: true}
	}

	err := m.registry.Exec(ctx, `
		INSERT INTO shops (id, name, database_config)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			database_config = excluded.database_config,
			_status = 'active',
			updated_at = datetime('now')`,
		t.ID, t.Name, cfg,
	)
	if err != nil {
		return errs.WithContext(fmt.Sprintf("failed to register shop %s", t.ID), err)
	}
	return nil
}

// MarkTenantDeleted soft-deletes shopID. Its config lookups return NotFound
// afterwards.
func (m *Manager) MarkTenantDeleted(ctx context.Context, shopID string) error {
	var id string
	err := m.registry.QueryRow(ctx, `
		UPDATE shops SET _status = 'deleted', updated_at = datetime('now')
		WHERE id = ? AND _status != 'deleted'
		RETURNING id`, shopID,
	).Scan(&id)
	if err != nil {
		if database.IsNoRows(err) {
			return errs.Newf(errs.ErrKindNotFound, "shop %s not found", shopID)
		}
		return errs.Wrap(errs.ErrKindQuery, fmt.Sprintf("failed to delete shop %s", shopID), err)
	}
	return nil
}
