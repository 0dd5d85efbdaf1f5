package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigPath overrides the default config file location.
	EnvConfigPath = "DYZEN_CONFIG"

	defaultConfigPath = "config.yaml"
)

// Loader reads config.yaml over DefaultConfig and applies environment overrides.
type Loader struct {
	useDotEnv bool
	path      string
}

// NewLoader creates a loader that reads .env and then the config file.
func NewLoader() *Loader {
	return &Loader{useDotEnv: true}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPath sets an explicit config file path.
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// Result captures the loaded configuration and its origin path.
type Result struct {
	Config *Config
	Path   string
}

// Load merges defaults, the YAML file (when present) and environment overrides.
// A missing file is not an error; the defaults are used instead.
func (l *Loader) Load() (*Result, error) {
	if l.useDotEnv {
		// .env is optional
		_ = godotenv.Load()
	}

	path := l.path
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = defaultConfigPath
	}

	cfg := DefaultConfig()
	origin := "defaults"

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		origin = path
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, err
	}
	return &Result{Config: cfg, Path: origin}, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DYZEN_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DYZEN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DYZEN_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("DYZEN_AUTH_SECRET"); v != "" {
		cfg.Server.Auth.Secret = v
	}
	if v := os.Getenv("DYZEN_MODEL_RUNTIME"); v != "" {
		cfg.Models.Runtime = strings.ToLower(v)
	}
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Network.WindowSize <= 0 {
		return fmt.Errorf("network.window_size must be positive, got %d", cfg.Network.WindowSize)
	}
	if cfg.Image.ThumbnailSize <= 0 {
		return fmt.Errorf("image.thumbnail_size must be positive, got %d", cfg.Image.ThumbnailSize)
	}
	if len(cfg.Compression.Levels) == 0 {
		return fmt.Errorf("compression.levels must not be empty")
	}
	for _, level := range cfg.Compression.Levels {
		if level <= 0 {
			return fmt.Errorf("compression level must be positive, got %d", level)
		}
	}
	switch cfg.Models.Runtime {
	case "", "none", "onnx", "worker":
	default:
		return fmt.Errorf("unsupported models.runtime: %s", cfg.Models.Runtime)
	}
	if cfg.Server.Auth.Enabled && cfg.Server.Auth.Secret == "" {
		return fmt.Errorf("server.auth.secret is required when auth is enabled")
	}
	return nil
}
