package config

import "time"

// DefaultConfig returns a configuration that runs standalone: sqlite storage,
// in-process samples and no inference runtime until models are configured.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:        "0.0.0.0",
			Port:      5000,
			StaticDir: "static",
			Auth: AuthConfig{
				Enabled:  false,
				Secret:   "change-me",
				TokenTTL: time.Hour,
			},
		},
		Log: LogConfig{
			Level: "info",
			Dir:   "data/logs",
			File:  "server.log",
		},
		Storage: StorageConfig{
			SQLitePath:     "data/dyzen.db",
			LineageDriver:  "sqlite",
			SamplesDriver:  "sqlite",
			SampleCapacity: 1000,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "dyzen:",
			},
		},
		Network: NetworkConfig{
			WindowSize:    5,
			RecorderQueue: 256,
			RecorderRetry: 2,
		},
		Compression: CompressionConfig{
			Levels:       []int{8, 16, 32},
			DefaultLevel: 16,
		},
		Image: ImageConfig{
			UploadDir:        "static/uploads",
			ThumbnailSize:    400,
			SquareQuality:    95,
			ThumbnailQuality: 85,
			Security: SecurityConfig{
				MaxFileSize:    10 * 1024 * 1024,
				MaxPixels:      40_000_000,
				MaxWidth:       8192,
				MaxHeight:      8192,
				AllowedFormats: []string{"jpeg", "jpg", "png", "webp", "gif", "bmp"},
				EnableDeepScan: true,
			},
		},
		Models: ModelsConfig{
			Manifest: "static/models/models_info.json",
			Runtime:  "none",
			ONNX: ONNXConfig{
				InputName:  "input",
				OutputName: "output",
			},
			Worker: WorkerConfig{
				Command: "python3",
				Args:    []string{"scripts/inference_worker.py"},
				Timeout: 2 * time.Minute,
			},
		},
		Enhance: EnhanceConfig{
			ModelID:         "espcn",
			FallbackSharpen: true,
		},
	}
}
