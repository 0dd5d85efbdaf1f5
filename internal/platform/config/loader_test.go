package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_Load(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	configContent := `
server:
  ip: "127.0.0.1"
  port: 8080
log:
  log_level: "debug"
  log_dir: "/tmp/logs"
  log_file: "test.log"
network:
  window_size: 10
compression:
  levels: [8, 16]
  default_level: 8
models:
  runtime: worker
`

	if err := os.WriteFile(configFile, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	res, err := NewLoader().WithDotEnv(false).WithPath(configFile).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg := res.Config

	if res.Path != configFile {
		t.Errorf("expected origin %s, got %s", configFile, res.Path)
	}
	if cfg.Server.IP != "127.0.0.1" {
		t.Errorf("expected server IP 127.0.0.1, got %s", cfg.Server.IP)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Network.WindowSize != 10 {
		t.Errorf("expected window size 10, got %d", cfg.Network.WindowSize)
	}
	if len(cfg.Compression.Levels) != 2 || cfg.Compression.DefaultLevel != 8 {
		t.Errorf("unexpected compression config: %+v", cfg.Compression)
	}
	if cfg.Models.Runtime != "worker" {
		t.Errorf("expected worker runtime, got %s", cfg.Models.Runtime)
	}
	// untouched sections keep their defaults
	if cfg.Image.ThumbnailSize != 400 {
		t.Errorf("expected default thumbnail size 400, got %d", cfg.Image.ThumbnailSize)
	}
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	res, err := NewLoader().
		WithDotEnv(false).
		WithPath(filepath.Join(t.TempDir(), "absent.yaml")).
		Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Path != "defaults" {
		t.Errorf("expected defaults origin, got %s", res.Path)
	}
	if res.Config.Compression.DefaultLevel != 16 {
		t.Errorf("expected default level 16, got %d", res.Config.Compression.DefaultLevel)
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("DYZEN_SERVER_PORT", "9090")
	t.Setenv("DYZEN_LOG_LEVEL", "warn")
	t.Setenv("DYZEN_MODEL_RUNTIME", "ONNX")

	res, err := NewLoader().
		WithDotEnv(false).
		WithPath(filepath.Join(t.TempDir(), "absent.yaml")).
		Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Config.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", res.Config.Server.Port)
	}
	if res.Config.Log.Level != "warn" {
		t.Errorf("expected warn, got %s", res.Config.Log.Level)
	}
	if res.Config.Models.Runtime != "onnx" {
		t.Errorf("expected onnx, got %s", res.Config.Models.Runtime)
	}
}

func TestLoader_Validate(t *testing.T) {
	loader := NewLoader()

	valid := func() *Config { return DefaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}, wantErr: false},
		{name: "invalid server port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: true},
		{name: "zero window", mutate: func(c *Config) { c.Network.WindowSize = 0 }, wantErr: true},
		{name: "no levels", mutate: func(c *Config) { c.Compression.Levels = nil }, wantErr: true},
		{name: "negative level", mutate: func(c *Config) { c.Compression.Levels = []int{-8} }, wantErr: true},
		{name: "unknown runtime", mutate: func(c *Config) { c.Models.Runtime = "tensorflow" }, wantErr: true},
		{name: "auth without secret", mutate: func(c *Config) {
			c.Server.Auth.Enabled = true
			c.Server.Auth.Secret = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := loader.validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
