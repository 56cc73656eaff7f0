// Package logging wraps zap with engine-wide conventions: structured
// context fields (tenant/request correlation), a redaction helper for
// config.Secret values, and level parsing that accepts "trace" in addition
// to zap's standard levels.
package logging

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/koriath/raketh/internal/config"
)

// TraceLevel sits below zap's Debug level for ultra-verbose diagnostics
// (wire payloads, per-chunk boundaries) that are always filtered in
// production.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, accepting "trace" in addition to the
// standard zap level names.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// Config controls logger construction.
type Config struct {
	Level  string
	Format string // "json" or "console"
}

// Logger wraps zap.Logger with context-aware helpers.
type Logger struct {
	zap *zap.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level, err := LevelFromString(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), level)
	zl := zap.New(core, zap.AddCaller())
	return &Logger{zap: zl}, nil
}

// Nop returns a Logger that discards everything, for tests and defaults.
func Nop() *Logger { return &Logger{zap: zap.NewNop()} }

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name)}
}

// Underlying exposes the wrapped zap.Logger for libraries that need it
// directly (e.g. components constructed outside this package).
func (l *Logger) Underlying() *zap.Logger { return l.zap }

func (l *Logger) Sync() error { return l.zap.Sync() }

// Secret creates a zap.Field that logs only the length of a config.Secret,
// never its value.
func Secret(key string, val config.Secret) zap.Field {
	if !val.IsSet() {
		return zap.String(key, "")
	}
	return zap.String(key, fmt.Sprintf("[REDACTED:%d]", len(val.Value())))
}
