package store

import (
	"io/fs"
	"testing"
	"testing/fstest"
)

func TestEmbeddedMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := listMigrations(MigrationSource(""))
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}

	byVersion := map[string]map[bool]bool{}
	for _, m := range migrations {
		if byVersion[m.version] == nil {
			byVersion[m.version] = map[bool]bool{}
		}
		if byVersion[m.version][m.up] {
			t.Fatalf("duplicate migration file for version %s", m.version)
		}
		byVersion[m.version][m.up] = true
	}
	for version, dirs := range byVersion {
		if !dirs[true] || !dirs[false] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestListMigrationsOrdersAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("SELECT 2")},
		"0001_a.down.sql": {Data: []byte("SELECT 1")},
		"0001_a.up.sql":   {Data: []byte("SELECT 1")},
		"README.md":       {Data: []byte("notes")},
		"nested/x.up.sql": {Data: []byte("SELECT 3")},
	}
	migrations, err := listMigrations(fsys)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	want := []string{"0001_a.down.sql", "0001_a.up.sql", "0002_b.up.sql"}
	if len(migrations) != len(want) {
		t.Fatalf("expected %v, got %+v", want, migrations)
	}
	for i, name := range want {
		if migrations[i].name != name {
			t.Fatalf("expected %v, got %+v", want, migrations)
		}
	}
	if migrations[0].up || !migrations[1].up || migrations[2].version != "0002" {
		t.Fatalf("unexpected parse %+v", migrations)
	}
}

func TestMigrationSourcePrefersDirectory(t *testing.T) {
	dir := t.TempDir()
	entries, err := fs.ReadDir(MigrationSource(dir), ".")
	if err != nil {
		t.Fatalf("read dir source: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected an empty override dir, got %d entries", len(entries))
	}
}
