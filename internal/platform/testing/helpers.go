// Package testing holds fixtures shared by package tests.
package testing

import (
	"path/filepath"
	"testing"

	"dyzen-server-go/internal/platform/config"
	"dyzen-server-go/internal/platform/logging"
)

// SetupTestConfig returns the defaults rooted in a temp dir, with in-process
// stores and no inference runtime.
func SetupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.IP = "127.0.0.1"
	cfg.Server.StaticDir = filepath.Join(dir, "static")
	cfg.Log.Level = "info"
	cfg.Log.Dir = filepath.Join(dir, "logs")
	cfg.Log.File = "test.log"
	cfg.Storage.SQLitePath = filepath.Join(dir, "dyzen.db")
	cfg.Storage.LineageDriver = "memory"
	cfg.Storage.SamplesDriver = "memory"
	cfg.Image.UploadDir = filepath.Join(cfg.Server.StaticDir, "uploads")
	cfg.Models.Manifest = filepath.Join(dir, "models", "models_info.json")
	cfg.Models.Runtime = "none"
	cfg.Enhance.FallbackSharpen = false

	return cfg
}

// SetupTestLogger creates a logger writing into the config's temp log dir.
func SetupTestLogger(t *testing.T, cfg *config.Config) *logging.Logger {
	t.Helper()

	if cfg == nil {
		cfg = SetupTestConfig(t)
	}
	logger, err := logging.New(logging.Config{
		Level:    cfg.Log.Level,
		Dir:      cfg.Log.Dir,
		Filename: cfg.Log.File,
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })

	return logger
}

func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

func AssertEqual(t *testing.T, expected, actual interface{}) {
	t.Helper()
	if expected != actual {
		t.Fatalf("expected %v, got %v", expected, actual)
	}
}
