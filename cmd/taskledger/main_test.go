package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/msageha/taskledger/internal/uds"
)

func TestScanFlags(t *testing.T) {
	names := []string{"--task", "--delta"}

	f, err := scanFlags([]string{"--task", "t1", "--delta", "-1"}, names)
	if err != nil {
		t.Fatalf("scanFlags: %v", err)
	}
	if f["--task"] != "t1" || f["--delta"] != "-1" {
		t.Errorf("unexpected flags: %v", f)
	}

	if _, err := scanFlags([]string{"--bogus", "x"}, names); err == nil {
		t.Error("expected error for unknown flag")
	}
	if _, err := scanFlags([]string{"--task"}, names); err == nil {
		t.Error("expected error for missing value")
	}
}

func TestFindDataDirFrom(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, ".taskledger")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	if got := findDataDirFrom(nested); got != dataDir {
		t.Errorf("findDataDirFrom: got %q, want %q", got, dataDir)
	}
	if got := findDataDirFrom(t.TempDir()); got != "" {
		t.Errorf("expected no data dir, got %q", got)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&uds.ResponseError{Code: uds.ErrCodeConflict}, 2},
		{&uds.ResponseError{Code: uds.ErrCodeNotFound}, 2},
		{&uds.ResponseError{Code: uds.ErrCodeInternal}, 1},
		{os.ErrNotExist, 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level: got %q", cfg.Logging.Level)
	}
	if cfg.Catalog.Path != "catalog.yaml" {
		t.Errorf("catalog.path default not applied: %q", cfg.Catalog.Path)
	}
}
