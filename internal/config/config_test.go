package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "postgres")
	}
	if cfg.Storage.Type != "local" {
		t.Errorf("Storage.Type = %q, want %q", cfg.Storage.Type, "local")
	}
	if cfg.Rollup.Concurrency != 4 {
		t.Errorf("Rollup.Concurrency = %d, want 4", cfg.Rollup.Concurrency)
	}
	if cfg.Migration.BatchSize != 100 {
		t.Errorf("Migration.BatchSize = %d, want 100", cfg.Migration.BatchSize)
	}
	if Get() != cfg {
		t.Error("Get() should return the last loaded config")
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
database:
  driver: sqlite
  sqlitePath: /tmp/x.db
rollup:
  concurrency: 9
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if got := cfg.Database.GetDSN(); got != "/tmp/x.db" {
		t.Errorf("GetDSN() = %q, want /tmp/x.db", got)
	}
	if cfg.Rollup.Concurrency != 9 {
		t.Errorf("Rollup.Concurrency = %d, want 9", cfg.Rollup.Concurrency)
	}
	// 未覆盖的字段保留默认值
	if cfg.Rollup.ReconcileBatch != 500 {
		t.Errorf("Rollup.ReconcileBatch = %d, want 500", cfg.Rollup.ReconcileBatch)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestGetDSN_Postgres(t *testing.T) {
	c := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=n sslmode=disable"
	if got := c.GetDSN(); got != want {
		t.Errorf("GetDSN() = %q, want %q", got, want)
	}
}
