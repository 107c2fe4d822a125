package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog.LevelDebug so pion's per-packet tracing is only
// emitted when explicitly asked for.
const LevelTrace = slog.LevelDebug - 4

// NewLoggerFactory adapts logger to pion's LoggerFactory. Every pion scope
// gets its own child logger tagged with a "pion" attribute.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return slogFactory{logger: logger}
}

type slogFactory struct {
	logger *slog.Logger
}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLogger{logger: f.logger.With("pion", scope)}
}

type slogLogger struct {
	logger *slog.Logger
}

var _ logging.LeveledLogger = (*slogLogger)(nil)

func (l *slogLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *slogLogger) logf(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Trace(msg string)                  { l.log(LevelTrace, msg) }
func (l *slogLogger) Tracef(format string, args ...any) { l.logf(LevelTrace, format, args...) }
func (l *slogLogger) Debug(msg string)                  { l.log(slog.LevelDebug, msg) }
func (l *slogLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *slogLogger) Info(msg string)                   { l.log(slog.LevelInfo, msg) }
func (l *slogLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *slogLogger) Warn(msg string)                   { l.log(slog.LevelWarn, msg) }
func (l *slogLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *slogLogger) Error(msg string)                  { l.log(slog.LevelError, msg) }
func (l *slogLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
