package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFS(t *testing.T) {
	var names []string
	err := fs.WalkDir(FS(), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	exp := []string{
		"001_entries.up.sql",
		"002_builds.up.sql",
		"003_entries_last_used_index.up.sql",
	}
	if diff := cmp.Diff(exp, names); diff != "" {
		t.Fatalf("unexpected migrations (-want, +got):\n%s", diff)
	}
}

func TestTableSQL(t *testing.T) {
	got := createSQLTable("t").
		TextNonNullColumn("a").
		IntegerNonNullColumn("b").
		TimestampDefaultCurrentTimeColumn("c").
		PrimaryKey("a", "b").
		SQL()

	exp := "CREATE TABLE IF NOT EXISTS t (a TEXT NOT NULL, b INTEGER NOT NULL, c TIMESTAMP DEFAULT CURRENT_TIMESTAMP, CONSTRAINT propack_v1_t_a_b_pkey PRIMARY KEY (a, b));"
	if got != exp {
		t.Fatalf("got:\n%s\nwant:\n%s", got, exp)
	}

	if got := createSQLTable("u").IntegerPrimaryKeyAutoincrementColumn("id").SQL(); !strings.Contains(got, "propack_v1_u_id_pkey PRIMARY KEY (id)") {
		t.Fatalf("unexpected SQL: %s", got)
	}
}
