// Package elspethlog provides the structured, context-aware logging used
// throughout the pipeline: a logrus base logger with stream-separated
// output, and a ContextLogger carrying run/node identity through a call
// chain without a package-level singleton.
package elspethlog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors the logrus level vocabulary at the package boundary so
// callers outside this package never import logrus directly.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls how New builds the base logger.
type Config struct {
	Level      Level
	Format     string // "json" or "text"
	AddCaller  bool
	TimeFormat string
}

// New builds a configured base *logrus.Logger with output routed through
// OutputSplitter.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: timeFormat, FullTimestamp: true})
	}

	logger.SetReportCaller(cfg.AddCaller)
	logger.SetOutput(&OutputSplitter{})
	return logger
}

type contextKey string

const (
	ctxKeyRunID  contextKey = "run_id"
	ctxKeyNodeID contextKey = "node_id"
)

// WithRunID attaches a run ID to ctx for later extraction by ContextLogger.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, runID)
}

// WithNodeID attaches a node ID to ctx for later extraction by ContextLogger.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, ctxKeyNodeID, nodeID)
}

// ContextLogger carries a base logger plus an accumulated field set,
// threaded explicitly rather than held in a package global.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger wraps logger with an initial field set.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &ContextLogger{logger: logger, fields: base}
}

func (cl *ContextLogger) clone(extra logrus.Fields) *ContextLogger {
	merged := make(logrus.Fields, len(cl.fields)+len(extra))
	for k, v := range cl.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: merged}
}

// WithField returns a derived logger with one additional field.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return cl.clone(logrus.Fields{key: value})
}

// WithFields returns a derived logger with additional fields.
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	lf := make(logrus.Fields, len(fields))
	for k, v := range fields {
		lf[k] = v
	}
	return cl.clone(lf)
}

// WithError attaches an error field.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

// WithContext pulls run_id/node_id set via WithRunID/WithNodeID, if present.
func (cl *ContextLogger) WithContext(ctx context.Context) *ContextLogger {
	fields := logrus.Fields{}
	if runID, ok := ctx.Value(ctxKeyRunID).(string); ok {
		fields["run_id"] = runID
	}
	if nodeID, ok := ctx.Value(ctxKeyNodeID).(string); ok {
		fields["node_id"] = nodeID
	}
	return cl.clone(fields)
}

func (cl *ContextLogger) Debug(msg string) { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Info(msg string)  { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Warn(msg string)  { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Error(msg string) { cl.logger.WithFields(cl.fields).Error(msg) }

func (cl *ContextLogger) Debugf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Debugf(format, args...)
}
func (cl *ContextLogger) Infof(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Infof(format, args...)
}
func (cl *ContextLogger) Errorf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Errorf(format, args...)
}

// LogDuration logs the duration of an operation when the returned func is
// called; typical use is `defer elspethlog.LogDuration(log, "flush")()`.
func LogDuration(logger *ContextLogger, operation string) func() {
	start := time.Now()
	return func() {
		logger.WithFields(map[string]interface{}{
			"operation":   operation,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("operation completed")
	}
}
