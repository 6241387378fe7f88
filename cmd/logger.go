package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jeeves-cluster-organization/kcore/coreengine/config"
)

// zapLogger implements the kernel and grpc Logger interfaces on a zap
// SugaredLogger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Debug(msg string, keysAndValues ...any) { l.s.Debugw(msg, keysAndValues...) }
func (l *zapLogger) Info(msg string, keysAndValues ...any)  { l.s.Infow(msg, keysAndValues...) }
func (l *zapLogger) Warn(msg string, keysAndValues ...any)  { l.s.Warnw(msg, keysAndValues...) }
func (l *zapLogger) Error(msg string, keysAndValues ...any) { l.s.Errorw(msg, keysAndValues...) }

// Sync flushes buffered entries.
func (l *zapLogger) Sync() error {
	return l.s.Sync()
}

func zapLevel(level config.LogLevel) zapcore.Level {
	switch level {
	case config.LogLevelDebug:
		return zapcore.DebugLevel
	case config.LogLevelWarn:
		return zapcore.WarnLevel
	case config.LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// newLogger builds a JSON production logger at the configured level.
func newLogger(levelName string) (*zapLogger, error) {
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: base.Named("kcore").Sugar()}, nil
}
