package postgres

import (
	"context"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/jackc/pgx/v5/tracelog"
)

// slogAdapter routes pgx trace output into the service logger
type slogAdapter struct {
	logger *logging.Logger
}

func newTracer(logger *logging.Logger) *tracelog.TraceLog {
	return &tracelog.TraceLog{
		Logger:   &slogAdapter{logger: logger.WithFields(map[string]any{"component": "pgx"})},
		LogLevel: tracelog.LogLevelDebug,
	}
}

func (a *slogAdapter) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	args := make([]any, 0, len(data)*2)
	for k, v := range data {
		args = append(args, k, v)
	}

	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		a.logger.DebugContext(ctx, msg, args...)
	case tracelog.LogLevelInfo:
		a.logger.InfoContext(ctx, msg, args...)
	case tracelog.LogLevelWarn:
		a.logger.WarnContext(ctx, msg, args...)
	default:
		a.logger.ErrorContext(ctx, msg, args...)
	}
}
