package db

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMigrationFile(t *testing.T, dir, name, sql string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644); err != nil {
		t.Fatalf("write migration file %s: %v", name, err)
	}
}

func TestLoadMigrations_SortsByVersion(t *testing.T) {
	dir := t.TempDir()
	writeMigrationFile(t, dir, "003_webhooks.sql", "CREATE TABLE webhook_event ();")
	writeMigrationFile(t, dir, "001_core.sql", "CREATE TABLE sync_job ();")
	writeMigrationFile(t, dir, "002_conflicts.sql", "CREATE TABLE conflict ();")

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 3} {
		if migrations[i].Version != want {
			t.Errorf("migration %d: expected version %d, got %d", i, want, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_core.sql" {
		t.Errorf("expected first migration 001_core.sql, got %s", migrations[0].Name)
	}
}

func TestLoadMigrations_SkipsNonSQLAndUnversionedFiles(t *testing.T) {
	dir := t.TempDir()
	writeMigrationFile(t, dir, "001_core.sql", "CREATE TABLE sync_job ();")
	writeMigrationFile(t, dir, "README.md", "not a migration")
	writeMigrationFile(t, dir, "notes.sql", "no version prefix")
	writeMigrationFile(t, dir, "abc_bad.sql", "non-numeric prefix")

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migrations[0].Version)
	}
}

func TestLoadMigrations_ReadsFileContents(t *testing.T) {
	dir := t.TempDir()
	sql := "CREATE TABLE canonical_record (id UUID PRIMARY KEY);"
	writeMigrationFile(t, dir, "001_records.sql", sql)

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
	if migrations[0].SQL != sql {
		t.Errorf("expected SQL %q, got %q", sql, migrations[0].SQL)
	}
}

func TestLoadMigrations_MissingDirectory(t *testing.T) {
	m := NewMigrator(nil, "/nonexistent/migrations")
	if _, err := m.LoadMigrations(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
