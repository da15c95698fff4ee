package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// --- Logging Config ---

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error (default info)
	Format string `json:"format,omitempty"` // text, json (default text)
	File   string `json:"file,omitempty"`   // extra file sink; stderr is always written
}

func (c LoggingConfig) levelOrDefault() string {
	if c.Level != "" {
		return c.Level
	}
	return "info"
}

func (c LoggingConfig) formatOrDefault() string {
	if c.Format != "" {
		return c.Format
	}
	return "text"
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// --- Logger ---

// Global logger. A no-op until initLogger runs so tests stay quiet.
var defaultLogger = zap.NewNop()

// initLogger builds the process logger from config. The returned close func
// flushes and releases the file sink, if any.
func initLogger(cfg LoggingConfig) (*zap.Logger, func(), error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.ToLower(cfg.formatOrDefault()) == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(parseLevel(cfg.levelOrDefault())))
	l := zap.New(core)
	closeFn := func() {
		_ = l.Sync()
		if file != nil {
			file.Close()
		}
	}
	return l, closeFn, nil
}

// setDefaultLogger swaps the global logger used by the log* shortcuts.
func setDefaultLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	defaultLogger = l
}

// --- Package-level shortcuts ---

func logDebug(msg string, fields ...any) { defaultLogger.Sugar().Debugw(msg, fields...) }
func logInfo(msg string, fields ...any)  { defaultLogger.Sugar().Infow(msg, fields...) }
func logWarn(msg string, fields ...any)  { defaultLogger.Sugar().Warnw(msg, fields...) }
func logError(msg string, fields ...any) { defaultLogger.Sugar().Errorw(msg, fields...) }

// --- Context-aware shortcuts (attach the trace ID) ---

func withTraceField(ctx context.Context, fields []any) []any {
	if id := traceIDFromContext(ctx); id != "" {
		return append([]any{"traceId", id}, fields...)
	}
	return fields
}

func logDebugCtx(ctx context.Context, msg string, fields ...any) {
	defaultLogger.Sugar().Debugw(msg, withTraceField(ctx, fields)...)
}
func logInfoCtx(ctx context.Context, msg string, fields ...any) {
	defaultLogger.Sugar().Infow(msg, withTraceField(ctx, fields)...)
}
func logWarnCtx(ctx context.Context, msg string, fields ...any) {
	defaultLogger.Sugar().Warnw(msg, withTraceField(ctx, fields)...)
}
func logErrorCtx(ctx context.Context, msg string, fields ...any) {
	defaultLogger.Sugar().Errorw(msg, withTraceField(ctx, fields)...)
}
