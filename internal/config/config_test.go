package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(t.TempDir())
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Address != "127.0.0.1:8420" {
			t.Errorf("Server.Address = %q, want default %q", cfg.Server.Address, "127.0.0.1:8420")
		}
		if cfg.Worker.Concurrency != 20 {
			t.Errorf("Worker.Concurrency = %d, want default 20", cfg.Worker.Concurrency)
		}
		if cfg.Maintenance.JobRetentionDays != 30 {
			t.Errorf("Maintenance.JobRetentionDays = %d, want default 30", cfg.Maintenance.JobRetentionDays)
		}
	})

	t.Run("valid config with comments", func(t *testing.T) {
		dir := t.TempDir()
		configJSON := `{
			// local overrides
			"server": {"address": ":9100"},
			"worker": {"concurrency": 4, "poll_interval_ms": 250},
			"claude": {"allowed_tools": ["Read", "Glob"]},
			/* snapshots on */
			"backup": {"enabled": true, "retention": 3}
		}`
		_ = os.WriteFile(filepath.Join(dir, "memva.jsonc"), []byte(configJSON), 0o644)

		cfg, err := Load(dir)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Address != ":9100" {
			t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":9100")
		}
		if cfg.Worker.Concurrency != 4 {
			t.Errorf("Worker.Concurrency = %d, want 4", cfg.Worker.Concurrency)
		}
		if !cfg.Backup.Enabled {
			t.Error("Backup.Enabled = false, want true")
		}
		if cfg.Backup.Retention != 3 {
			t.Errorf("Backup.Retention = %d, want 3", cfg.Backup.Retention)
		}
		if len(cfg.Claude.AllowedTools) != 2 || cfg.Claude.AllowedTools[0] != "Read" {
			t.Errorf("Claude.AllowedTools = %v, want [Read Glob]", cfg.Claude.AllowedTools)
		}
		// Untouched sections still get defaults
		if cfg.Claude.RunTimeoutHours != 24 {
			t.Errorf("Claude.RunTimeoutHours = %d, want default 24", cfg.Claude.RunTimeoutHours)
		}
	})

	t.Run("invalid JSON returns error", func(t *testing.T) {
		dir := t.TempDir()
		_ = os.WriteFile(filepath.Join(dir, "memva.jsonc"), []byte("not json"), 0o644)

		_, err := Load(dir)
		if err == nil {
			t.Error("expected error for invalid JSON")
		}
	})

	t.Run("out of range values rejected", func(t *testing.T) {
		dir := t.TempDir()
		_ = os.WriteFile(filepath.Join(dir, "memva.jsonc"), []byte(`{"worker": {"poll_interval_ms": 10}}`), 0o644)

		_, err := Load(dir)
		if err == nil {
			t.Error("expected error for poll_interval_ms below minimum")
		}
	})
}

func TestDataDir(t *testing.T) {
	t.Run("explicit override wins", func(t *testing.T) {
		dir, err := DataDir("/tmp/custom-memva")
		if err != nil {
			t.Fatalf("DataDir() error = %v", err)
		}
		if dir != "/tmp/custom-memva" {
			t.Errorf("DataDir() = %q, want %q", dir, "/tmp/custom-memva")
		}
	})

	t.Run("MEMVA_HOME used when no override", func(t *testing.T) {
		t.Setenv("MEMVA_HOME", "/tmp/env-memva")
		dir, err := DataDir("")
		if err != nil {
			t.Fatalf("DataDir() error = %v", err)
		}
		if dir != "/tmp/env-memva" {
			t.Errorf("DataDir() = %q, want %q", dir, "/tmp/env-memva")
		}
	})

	t.Run("falls back to home dot dir", func(t *testing.T) {
		t.Setenv("MEMVA_HOME", "")
		dir, err := DataDir("")
		if err != nil {
			t.Fatalf("DataDir() error = %v", err)
		}
		if filepath.Base(dir) != ".memva" {
			t.Errorf("DataDir() = %q, want a .memva directory", dir)
		}
	})
}

func TestDBPath(t *testing.T) {
	t.Run("development filename", func(t *testing.T) {
		t.Setenv("MEMVA_ENV", "")
		got := DBPath("/data")
		if got != "/data/memva.db" {
			t.Errorf("DBPath() = %q, want %q", got, "/data/memva.db")
		}
	})

	t.Run("production filename", func(t *testing.T) {
		t.Setenv("MEMVA_ENV", "production")
		got := DBPath("/data")
		if got != "/data/memva-prod.db" {
			t.Errorf("DBPath() = %q, want %q", got, "/data/memva-prod.db")
		}
	})
}

func TestEnsureLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "memva-home")
	if err := EnsureLayout(dir); err != nil {
		t.Fatalf("EnsureLayout() error = %v", err)
	}
	for _, sub := range []string{dir, LogDir(dir), TmpDir(dir), BackupDir(dir)} {
		info, err := os.Stat(sub)
		if err != nil {
			t.Fatalf("Stat(%s) error = %v", sub, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", sub)
		}
	}
}

func TestStripJSONComments(t *testing.T) {
	t.Run("preserves slashes inside strings", func(t *testing.T) {
		in := []byte(`{"path": "http://example.com// ok"}`)
		got := string(StripJSONComments(in))
		if got != `{"path": "http://example.com// ok"}` {
			t.Errorf("StripJSONComments() = %q", got)
		}
	})

	t.Run("strips line and block comments", func(t *testing.T) {
		in := []byte("{\n// line\n\"a\": 1 /* block */\n}")
		got := string(StripJSONComments(in))
		want := "{\n\n\"a\": 1 \n}"
		if got != want {
			t.Errorf("StripJSONComments() = %q, want %q", got, want)
		}
	})
}
