package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected default driver postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Worker.ShardCount != 4 {
		t.Errorf("expected default shard count 4, got %d", cfg.Worker.ShardCount)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected default log format json, got %s", cfg.Logging.Format)
	}
}

func TestConnectionString(t *testing.T) {
	cfg := DatabaseConfig{}
	got := cfg.ConnectionString("localhost", 5432, "user", "pass", "db", "disable")
	want := "host=localhost port=5432 user=user password=pass dbname=db sslmode=disable"
	if got != want {
		t.Fatalf("connection string mismatch: %s", got)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  host: 127.0.0.1\n"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected server host override, got %s", cfg.Server.Host)
	}
}

func TestLoadFileMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadFile should not error on missing file: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"server":{"host":"test","port":5000},"database":{"driver":"postgres","dsn":"postgres://x"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Server.Host != "test" || cfg.Server.Port != 5000 {
		t.Errorf("server fields mismatch: %+v", cfg.Server)
	}
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.json")
	if err := os.WriteFile(path, []byte(`{invalid}`), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoadAppliesDatabaseURLEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  dsn: postgres://file-dsn\n"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "postgres://env-dsn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Database.DSN != "postgres://env-dsn" {
		t.Fatalf("expected DATABASE_URL override, got %q", cfg.Database.DSN)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("SETTLD_TEST_BOOL", "yes")
	if !GetEnvBool("SETTLD_TEST_BOOL", false) {
		t.Error("expected GetEnvBool to parse 'yes' as true")
	}
	t.Setenv("SETTLD_TEST_INT", "42")
	if GetEnvInt("SETTLD_TEST_INT", 0) != 42 {
		t.Error("expected GetEnvInt to parse 42")
	}
	if GetEnvInt("SETTLD_TEST_MISSING", 7) != 7 {
		t.Error("expected GetEnvInt fallback")
	}
}

func TestSplitAndTrimCSV(t *testing.T) {
	got := SplitAndTrimCSV(" a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
