// Package store persists network samples for the estimator's recent window.
package store

import (
	"context"

	"dyzen-server-go/internal/domain/network"
)

// Store appends samples and returns the most recent ones, oldest first.
type Store interface {
	Append(ctx context.Context, sample network.Sample) error
	// Recent returns at most limit samples. An empty clientIP selects samples
	// from every client.
	Recent(ctx context.Context, clientIP string, limit int) ([]network.Sample, error)
	Close(ctx context.Context) error
}

// Config selects and sizes the backend.
type Config struct {
	Driver   string
	Capacity int
	Redis    *RedisConfig
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

const defaultCapacity = 1000

func capacity(cfg Config) int {
	if cfg.Capacity <= 0 {
		return defaultCapacity
	}
	return cfg.Capacity
}
