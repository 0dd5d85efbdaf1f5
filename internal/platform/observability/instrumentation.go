package observability

import (
	"context"
	"log/slog"
	"time"
)

// Enabled reports whether spans and metrics are currently emitted.
func Enabled() bool {
	_, cfg := currentLogger()
	return cfg.Enabled
}

type span struct {
	logger    *slog.Logger
	component string
	operation string
	started   time.Time
}

func (s span) attrs(extra ...slog.Attr) []slog.Attr {
	return append([]slog.Attr{
		slog.String("component", s.component),
		slog.String("operation", s.operation),
	}, extra...)
}

func (s span) end(ctx context.Context, err error) {
	if err == nil {
		s.logger.LogAttrs(ctx, slog.LevelDebug, "obs span end",
			s.attrs(slog.Duration("duration", time.Since(s.started)))...)
		return
	}
	s.logger.LogAttrs(ctx, slog.LevelError, "obs span end",
		s.attrs(slog.Duration("duration", time.Since(s.started)), slog.Any("error", err))...)
}

// StartSpan logs the start of component/operation and returns a function that
// logs its end. Both are no-ops while observability is disabled.
func StartSpan(ctx context.Context, component, operation string) (context.Context, func(error)) {
	logger, cfg := currentLogger()
	if logger == nil || !cfg.Enabled {
		return ctx, func(error) {}
	}

	s := span{logger: logger, component: component, operation: operation, started: time.Now()}
	logger.LogAttrs(ctx, slog.LevelDebug, "obs span start", s.attrs()...)
	return ctx, func(err error) { s.end(ctx, err) }
}

// RecordMetric logs a single datapoint with its labels.
func RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) {
	logger, cfg := currentLogger()
	if logger == nil || !cfg.Enabled {
		return
	}

	attrs := make([]slog.Attr, 0, len(labels)+2)
	attrs = append(attrs, slog.String("metric", name), slog.Float64("value", value))
	for k, v := range labels {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "obs metric", attrs...)
}

// Timed runs fn inside a span and records "<component>.<operation>.ms" with
// an ok/error status label. fn's error is returned unchanged.
func Timed(ctx context.Context, component, operation string, fn func(context.Context) error) error {
	start := time.Now()
	spanCtx, finish := StartSpan(ctx, component, operation)
	err := fn(spanCtx)
	finish(err)

	status := map[bool]string{true: "ok", false: "error"}[err == nil]
	RecordMetric(ctx, component+"."+operation+".ms",
		float64(time.Since(start).Milliseconds()), map[string]string{"status": status})
	return err
}
