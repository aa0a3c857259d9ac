package schema

import (
	"context"
	"database/sql"
)

type sqliteIntrospector struct {
	db *sql.DB
}

func (s *sqliteIntrospector) listTables(ctx context.Context) ([]string, error) {
	const q = `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY name`

	rows, err := s.db.QueryContext(ctx, q)
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

func (s *sqliteIntrospector) inspectTable(ctx context.Context, table string) (*TableInfo, error) {
	const q = `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`

	rows, err := s.db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, queryFailed("inspect table "+table, err)
	}
	defer rows.Close()

	info := &TableInfo{Name: table}
	for rows.Next() {
		var (
			col     ColumnInfo
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&col.Name, &col.DataType, &notNull, &dflt, &pk); err != nil {
			return nil, queryFailed("scan column", err)
		}
		col.IsPrimaryKey = pk > 0
		// SQLite allows NULL in non-INTEGER primary keys unless declared NOT NULL.
		col.IsNullable = notNull == 0 && !col.IsPrimaryKey
		if dflt.Valid {
			v := dflt.String
			col.DefaultValue = &v
		}
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("inspect table "+table, err)
	}
	return info, nil
}

func (s *sqliteIntrospector) listForeignKeys(ctx context.Context, tables []string) ([]ForeignKey, error) {
	const q = `SELECT "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`

	var fks []ForeignKey
	for _, table := range tables {
		rows, err := s.db.QueryContext(ctx, q, table)
		if err != nil {
			return nil, queryFailed("list foreign keys", err)
		}
		for rows.Next() {
			fk := ForeignKey{FromTable: table}
			var to sql.NullString
			if err := rows.Scan(&fk.ToTable, &fk.FromColumn, &to); err != nil {
				rows.Close()
				return nil, queryFailed("scan foreign key", err)
			}
			fk.ToColumn = to.String
			fks = append(fks, fk)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, queryFailed("list foreign keys", err)
		}
	}
	return fks, nil
}
