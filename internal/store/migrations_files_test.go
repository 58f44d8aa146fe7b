package store

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
)

var testMigrations = os.DirFS(filepath.Join("..", "..", "db", "migrations"))

var migrationName = regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.(up|down)\.sql$`)

func TestEveryMigrationHasUpAndDown(t *testing.T) {
	names, err := fs.Glob(testMigrations, "*.sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("no migrations discovered")
	}

	halves := map[string][]string{}
	for _, name := range names {
		match := migrationName.FindStringSubmatch(name)
		if match == nil {
			t.Fatalf("migration %s does not follow NNNN_name.(up|down).sql", name)
		}
		halves[match[1]] = append(halves[match[1]], match[2])
	}
	for version, dirs := range halves {
		if diff := cmp.Diff([]string{"down", "up"}, dirs); diff != "" {
			t.Fatalf("version %s needs exactly one up and one down file (-want +got):\n%s", version, diff)
		}
	}
}

func TestRecordsMigrationNotifiesListeners(t *testing.T) {
	body, err := fs.ReadFile(testMigrations, "0001_grid_records.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, snippet := range []string{
		"CREATE TABLE IF NOT EXISTS grid_records",
		"pg_notify('" + notifyChannel + "'",
		"CREATE TRIGGER trg_grid_records_notify",
	} {
		if !strings.Contains(string(body), snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

func TestMigrationFilesFiltersBySuffix(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("SELECT 2")},
		"0001_a.down.sql": {Data: []byte("SELECT -1")},
		"0001_a.up.sql":   {Data: []byte("SELECT 1")},
		"README.md":       {Data: []byte("notes")},
		"0003_c.up.sql/x": {Data: []byte("nested")},
	}

	up, err := migrationFiles(fsys, ".up.sql")
	if err != nil {
		t.Fatalf("up files: %v", err)
	}
	if diff := cmp.Diff([]string{"0001_a.up.sql", "0002_b.up.sql"}, up); diff != "" {
		t.Fatalf("up files mismatch (-want +got):\n%s", diff)
	}

	down, err := migrationFiles(fsys, ".down.sql")
	if err != nil {
		t.Fatalf("down files: %v", err)
	}
	if diff := cmp.Diff([]string{"0001_a.down.sql"}, down); diff != "" {
		t.Fatalf("down files mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrationFilesMissingDir(t *testing.T) {
	_, err := migrationFiles(os.DirFS(filepath.Join(t.TempDir(), "absent")), ".up.sql")
	if err == nil || !strings.Contains(err.Error(), "read migrations dir") {
		t.Fatalf("expected read migrations dir error, got %v", err)
	}
}
