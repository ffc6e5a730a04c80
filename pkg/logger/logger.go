package logger

import (
	"context"
	"time"

	"gitlab.com/timkado/api/vapi-call-sync/internal/tenant"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the global logger
var Log *zap.Logger = zap.NewNop()

// Initialize sets up the global logger with the specified log level
func Initialize(level string) error {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	// UTC timestamps regardless of host timezone
	utcTimeEncoder := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}

	config := zap.Config{
		Level:             zap.NewAtomicLevelAt(zapLevel),
		Development:       false,
		DisableCaller:     false,
		DisableStacktrace: false,
		Encoding:          "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     utcTimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	built, err := config.Build(zap.AddCaller())
	if err != nil {
		return err
	}

	Log = built
	return nil
}

// WithLogger attaches a scoped logger to the context
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger carried by ctx, or the global one, tagged
// with the request, organization and run identifiers found in ctx.
func FromContext(ctx context.Context) *zap.Logger {
	return FromContextOr(ctx, nil)
}

// FromContextOr is FromContext with fallback used in place of the global
// logger when ctx carries none. Components pass their named logger here.
func FromContextOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	base := fallback
	if base == nil {
		base = Log
	}
	if ctx == nil {
		return base
	}
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		base = l
	}
	if fields := contextFields(ctx); len(fields) > 0 {
		return base.With(fields...)
	}
	return base
}

func contextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if requestID, err := tenant.FromRequestIDContext(ctx); err == nil {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if organizationID, err := tenant.FromContext(ctx); err == nil {
		fields = append(fields, zap.Uint("organization_id", organizationID))
	}
	if runID := tenant.RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}
	return fields
}

// Sync flushes any buffered log entries
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

type contextKey int

const (
	loggerKey contextKey = iota
)
