package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultProfile: "work", PageSize: 10}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.PageSize != 10 {
		t.Errorf("PageSize = %d, want 10", loaded.PageSize)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Listen == "" {
		t.Error("Listen default not applied")
	}
	if loaded.PageSize != DefaultPageSize {
		t.Errorf("PageSize = %d, want %d", loaded.PageSize, DefaultPageSize)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CONVO_LISTEN", "127.0.0.1:9999")
	t.Setenv("CONVO_PAGE_SIZE", "7")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Listen != "127.0.0.1:9999" {
		t.Errorf("Listen = %q, want env override", cfg.Listen)
	}
	if cfg.PageSize != 7 {
		t.Errorf("PageSize = %d, want 7", cfg.PageSize)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
