// Package schema reads the structure of a shop database (tables, columns,
// foreign keys) so operators can check what a migration produced.
//
// Usage:
//
//	info, err := schema.Inspect(ctx, pool)
//	if t := info.Table("shop_config"); t != nil { ... }
package schema

import (
	"context"
	"fmt"

	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
)

// introspector holds the engine-specific catalog queries.
type introspector interface {
	listTables(ctx context.Context) ([]string, error)
	inspectTable(ctx context.Context, table string) (*TableInfo, error)
	listForeignKeys(ctx context.Context, tables []string) ([]ForeignKey, error)
}

// Inspect returns every user table of the database behind p.
func Inspect(ctx context.Context, p database.Pool) (*Info, error) {
	in, err := introspectorFor(p)
	if err != nil {
		return nil, err
	}

	tables, err := in.listTables(ctx)
	if err != nil {
		return nil, err
	}

	info := &Info{Engine: p.Engine().String(), Tables: []TableInfo{}}
	for _, table := range tables {
		ti, err := in.inspectTable(ctx, table)
		if err != nil {
			return nil, err
		}
		info.Tables = append(info.Tables, *ti)
	}

	fks, err := in.listForeignKeys(ctx, tables)
	if err != nil {
		return nil, err
	}
	if fks == nil {
		fks = []ForeignKey{}
	}
	info.ForeignKeys = fks
	return info, nil
}

// TableExists reports whether table exists in the database behind p.
func TableExists(ctx context.Context, p database.Pool, table string) (bool, error) {
	in, err := introspectorFor(p)
	if err != nil {
		return false, err
	}
	tables, err := in.listTables(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == table {
			return true, nil
		}
	}
	return false, nil
}

func introspectorFor(p database.Pool) (introspector, error) {
	switch v := p.(type) {
	case *database.EmbeddedPool:
		return &sqliteIntrospector{db: v.DB()}, nil
	case *database.ClientServerPool:
		return &pgIntrospector{pool: v.Pgx()}, nil
	default:
		return nil, errs.Newf(errs.ErrKindInvalidConfig, "cannot inspect %T", p)
	}
}

func queryFailed(what string, err error) error {
	return errs.Wrap(errs.ErrKindQuery, fmt.Sprintf("failed to %s", what), err)
}
