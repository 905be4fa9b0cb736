// Package migrations holds the schema of the build cache index.
package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	pfs "github.com/propack/propack/internal/fs"
)

// schema holds the initial tables. THESE MAY NOT BE CHANGED once released:
// add a migration instead.
var schema = []*sqlTable{
	createSQLTable("entries").
		TextNonNullColumn("source_digest").
		TextNonNullColumn("config_digest").
		TextNonNullColumn("digest").
		IntegerNonNullColumn("size").
		IntegerNonNullColumn("stored_size").
		TextNonNullColumn("compression").
		TextColumn("path").
		TextColumn("kind").
		TimestampDefaultCurrentTimeColumn("created_at").
		IntegerNonNullColumn("last_used").
		PrimaryKey("source_digest", "config_digest"),
	createSQLTable("builds").
		IntegerPrimaryKeyAutoincrementColumn("id").
		TextNonNullColumn("pack").
		TextColumn("version").
		TextNonNullColumn("digest").
		TextNonNullColumn("sha1").
		IntegerNonNullColumn("assets").
		IntegerNonNullColumn("hits").
		IntegerNonNullColumn("misses").
		TimestampDefaultCurrentTimeColumn("created_at"),
}

func initialSchemaFS() fs.FS {
	m := make(map[string]string, len(schema))
	for i, tbl := range schema {
		m[fmt.Sprintf("%03d_%s.up.sql", i+1, tbl.name)] = tbl.SQL()
	}
	return pfs.MapFS(m)
}

func addLastUsedIndex() fs.FS {
	return pfs.MapFS(map[string]string{
		"003_entries_last_used_index.up.sql": `CREATE INDEX IF NOT EXISTS propack_v1_entries_last_used_idx ON entries (last_used);`,
	})
}

// FS returns every migration as "NNN_name.up.sql" files.
func FS() fs.FS {
	return pfs.Merge(
		initialSchemaFS(),
		addLastUsedIndex(),
	)
}

// Source returns the migrations for golang-migrate.
func Source() (source.Driver, error) {
	return iofs.New(FS(), ".")
}

// Up applies all pending migrations to the SQLite database.
func Up(db *sql.DB) error {
	src, err := Source()
	if err != nil {
		return err
	}

	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate cache index: %w", err)
	}
	return nil
}
