package logging

import (
	"fmt"
	"log/slog"

	"dyzen-server-go/internal/utils"
)

// Config captures logging configuration options.
type Config struct {
	Level    string
	Dir      string
	Filename string
}

// Logger provides access to both slog and the tagged printf logger.
type Logger struct {
	tagged *utils.Logger
}

// New creates a new Logger instance backed by utils.Logger.
func New(cfg Config) (*Logger, error) {
	logger, err := utils.NewLogger(&utils.LogCfg{
		LogLevel: cfg.Level,
		LogDir:   cfg.Dir,
		LogFile:  cfg.Filename,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &Logger{tagged: logger}, nil
}

// Tagged exposes the printf-style logger used across the domain packages.
func (l *Logger) Tagged() *utils.Logger {
	return l.tagged
}

// Slog exposes the structured logger for new integrations.
func (l *Logger) Slog() *slog.Logger {
	return l.tagged.Slog()
}

func (l *Logger) Close() error {
	return l.tagged.Close()
}
