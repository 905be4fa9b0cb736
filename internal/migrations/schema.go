package migrations

import (
	"fmt"
	"strings"
)

type sqlColumn struct {
	Name       string
	Type       string
	PrimaryKey bool
	NotNull    bool
	Default    string
}

func (c sqlColumn) SQL() string {
	parts := []string{c.Name, c.Type}
	if c.NotNull {
		parts = append(parts, "NOT NULL")
	}
	if c.Default != "" {
		parts = append(parts, "DEFAULT", c.Default)
	}
	return strings.Join(parts, " ")
}

type sqlTable struct {
	name              string
	columns           []sqlColumn
	primaryKeyColumns []string
	iteration         string // prefix for constraints
}

func createSQLTable(name string) *sqlTable {
	return &sqlTable{
		name:      name,
		iteration: "propack_v1",
	}
}

func (t *sqlTable) IntegerNonNullColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: "INTEGER", NotNull: true})
	return t
}

func (t *sqlTable) IntegerPrimaryKeyAutoincrementColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: "INTEGER", PrimaryKey: true})
	return t
}

func (t *sqlTable) TextColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: "TEXT"})
	return t
}

func (t *sqlTable) TextNonNullColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: "TEXT", NotNull: true})
	return t
}

func (t *sqlTable) TimestampDefaultCurrentTimeColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: "TIMESTAMP", Default: "CURRENT_TIMESTAMP"})
	return t
}

func (t *sqlTable) PrimaryKey(columns ...string) *sqlTable {
	t.primaryKeyColumns = columns
	return t
}

func (t *sqlTable) SQL() string {
	c := make([]string, len(t.columns))
	for i := range t.columns {
		c[i] = t.columns[i].SQL()
	}

	// NOTE: constraint names are ours, so later migrations can refer to them.
	for _, col := range t.columns {
		if col.PrimaryKey {
			c = append(c, fmt.Sprintf("CONSTRAINT %[1]s_%[2]s_%[3]s_pkey PRIMARY KEY (%[3]s)", t.iteration, t.name, col.Name))
		}
	}

	if len(t.primaryKeyColumns) > 0 {
		c = append(c, fmt.Sprintf("CONSTRAINT %s_%s_%s_pkey PRIMARY KEY (%s)",
			t.iteration,
			t.name,
			strings.Join(t.primaryKeyColumns, "_"),
			strings.Join(t.primaryKeyColumns, ", "),
		))
	}

	return `CREATE TABLE IF NOT EXISTS ` + t.name + ` (` + strings.Join(c, ", ") + `);`
}
