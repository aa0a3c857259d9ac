package schema

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgIntrospector reads information_schema for the connection's current schema.
type pgIntrospector struct {
	pool *pgxpool.Pool
}

func (p *pgIntrospector) listTables(ctx context.Context) ([]string, error) {
	const q = `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema()
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, queryFailed("list tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, queryFailed("scan table name", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("list tables", err)
	}
	return tables, nil
}

func (p *pgIntrospector) inspectTable(ctx context.Context, table string) (*TableInfo, error) {
	const q = `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES'     AS is_nullable,
			c.column_default,
			COALESCE(pk.is_pk, false) AS is_primary_key
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT kcu.column_name, true AS is_pk
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
				ON tc.constraint_name = kcu.constraint_name
				AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'PRIMARY KEY'
			  AND tc.table_schema = current_schema()
			  AND tc.table_name   = $1
		) pk ON pk.column_name = c.column_name
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`

	rows, err := p.pool.Query(ctx, q, table)
	if err != nil {
		return nil, queryFailed("inspect table "+table, err)
	}
	defer rows.Close()

	info := &TableInfo{Name: table}
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.DataType, &col.IsNullable, &col.DefaultValue, &col.IsPrimaryKey); err != nil {
			return nil, queryFailed("scan column", err)
		}
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("inspect table "+table, err)
	}
	return info, nil
}

func (p *pgIntrospector) listForeignKeys(ctx context.Context, _ []string) ([]ForeignKey, error) {
	const q = `
		SELECT
			kcu.table_name   AS from_table,
			kcu.column_name  AS from_column,
			ccu.table_name   AS to_table,
			ccu.column_name  AS to_column
		FROM information_schema.table_constraints AS tc
		JOIN information_schema.key_column_usage AS kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage AS ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = current_schema()
		ORDER BY tc.constraint_name`

	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, queryFailed("list foreign keys", err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.FromTable, &fk.FromColumn, &fk.ToTable, &fk.ToColumn); err != nil {
			return nil, queryFailed("scan foreign key", err)
		}
		fks = append(fks, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("list foreign keys", err)
	}
	return fks, nil
}
