package schema

// ColumnInfo describes a single column in a table.
type ColumnInfo struct {
	Name         string  `json:"name"`
	DataType     string  `json:"data_type"`
	IsNullable   bool    `json:"nullable"`
	IsPrimaryKey bool    `json:"primary_key"`
	DefaultValue *string `json:"default,omitempty"` // nil if no default
}

// TableInfo describes a table and its columns.
type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// ForeignKey describes a relationship between two tables.
type ForeignKey struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

// Info is the introspected schema of one shop database.
type Info struct {
	Engine      string       `json:"engine"`
	Tables      []TableInfo  `json:"tables"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
}

// Table returns the table called name, or nil.
func (i *Info) Table(name string) *TableInfo {
	for idx := range i.Tables {
		if i.Tables[idx].Name == name {
			return &i.Tables[idx]
		}
	}
	return nil
}
