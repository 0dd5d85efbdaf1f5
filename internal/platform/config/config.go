package config

import "time"

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Network     NetworkConfig     `yaml:"network"`
	Compression CompressionConfig `yaml:"compression"`
	Image       ImageConfig       `yaml:"image"`
	Models      ModelsConfig      `yaml:"models"`
	Enhance     EnhanceConfig     `yaml:"enhance"`

	Observability ObservabilityConfig `yaml:"observability"`
}

type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ServerConfig struct {
	IP   string     `yaml:"ip"`
	Port int        `yaml:"port"`
	Auth AuthConfig `yaml:"auth"`
	// StaticDir serves uploaded and enhanced assets under /static.
	StaticDir string `yaml:"static_dir"`
}

type AuthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level string `yaml:"log_level"`
	Dir   string `yaml:"log_dir"`
	File  string `yaml:"log_file"`
}

// StorageConfig selects backends for lineage records and network samples.
type StorageConfig struct {
	SQLitePath     string      `yaml:"sqlite_path"`
	LineageDriver  string      `yaml:"lineage_driver"`
	SamplesDriver  string      `yaml:"samples_driver"`
	Redis          RedisConfig `yaml:"redis"`
	SampleCapacity int         `yaml:"sample_capacity"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type NetworkConfig struct {
	WindowSize    int `yaml:"window_size"`
	RecorderQueue int `yaml:"recorder_queue"`
	RecorderRetry int `yaml:"recorder_retries"`
}

type CompressionConfig struct {
	Levels       []int `yaml:"levels"`
	DefaultLevel int   `yaml:"default_level"`
}

type ImageConfig struct {
	UploadDir        string         `yaml:"upload_dir"`
	ThumbnailSize    int            `yaml:"thumbnail_size"`
	SquareQuality    int            `yaml:"square_quality"`
	ThumbnailQuality int            `yaml:"thumbnail_quality"`
	Security         SecurityConfig `yaml:"security"`
}

type SecurityConfig struct {
	MaxFileSize    int64    `yaml:"max_file_size"`
	MaxPixels      int64    `yaml:"max_pixels"`
	MaxWidth       int      `yaml:"max_width"`
	MaxHeight      int      `yaml:"max_height"`
	AllowedFormats []string `yaml:"allowed_formats"`
	EnableDeepScan bool     `yaml:"enable_deep_scan"`
}

// ModelsConfig points at the artifact manifest and picks the inference runtime.
type ModelsConfig struct {
	Manifest string       `yaml:"manifest"`
	Runtime  string       `yaml:"runtime"`
	ONNX     ONNXConfig   `yaml:"onnx"`
	Worker   WorkerConfig `yaml:"worker"`
}

type ONNXConfig struct {
	SharedLibrary string `yaml:"shared_library"`
	InputName     string `yaml:"input_name"`
	OutputName    string `yaml:"output_name"`
}

type WorkerConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

type EnhanceConfig struct {
	ModelID         string `yaml:"model_id"`
	FallbackSharpen bool   `yaml:"fallback_sharpen"`
}
