// Package logging builds the process logger and the execution-scoped
// loggers used throughout the engine. Output is JSON with ISO-8601 UTC
// timestamps; console encoding is available for development.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/flowengine/internal/ctxkeys"
)

// Options configures the process logger.
type Options struct {
	Level       string   // debug | info | warn | error
	Format      string   // json | console
	OutputPaths []string // zap sink URLs; default stdout
}

// Build constructs the process logger. Invalid options fall back to a
// production JSON logger rather than failing startup.
func Build(opts Options) *zap.Logger {
	var level zapcore.Level
	switch opts.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if opts.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := opts.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// FromContext annotates the logger with the request, correlation, and
// execution identifiers carried by the context, when present.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := make([]zap.Field, 0, 3)
	if id, ok := ctxkeys.RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if id, ok := ctxkeys.CorrelationID(ctx); ok {
		fields = append(fields, zap.String("correlation_id", id))
	}
	if id, ok := ctxkeys.ExecutionID(ctx); ok {
		fields = append(fields, zap.String("execution_id", id))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// ExecutionLogger is a logger with the execution and workflow
// identifiers pre-bound, so every run-scoped line carries them without
// repetition at call sites.
type ExecutionLogger struct {
	base *zap.Logger
}

// NewExecutionLogger binds the execution and workflow identifiers.
func NewExecutionLogger(logger *zap.Logger, executionID, workflowID string) *ExecutionLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionLogger{
		base: logger.With(
			zap.String("execution_id", executionID),
			zap.String("workflow_id", workflowID),
		),
	}
}

// WithAgent returns a logger that additionally carries the agent
// identifier for step-scoped lines.
func (l *ExecutionLogger) WithAgent(agentID string) *ExecutionLogger {
	return &ExecutionLogger{base: l.base.With(zap.String("agent_id", agentID))}
}

// Logger exposes the underlying zap logger.
func (l *ExecutionLogger) Logger() *zap.Logger { return l.base }

func (l *ExecutionLogger) Debug(msg string, fields ...zap.Field) { l.base.Debug(msg, fields...) }
func (l *ExecutionLogger) Info(msg string, fields ...zap.Field)  { l.base.Info(msg, fields...) }
func (l *ExecutionLogger) Warn(msg string, fields ...zap.Field)  { l.base.Warn(msg, fields...) }
func (l *ExecutionLogger) Error(msg string, fields ...zap.Field) { l.base.Error(msg, fields...) }
