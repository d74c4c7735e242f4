// Package logger wraps zap the way the teacher's internal/logger does:
// a package-level default logger, lazily constructed, plus thin
// level-specific wrapper functions. Dropped GormLogger and the
// config.LoggingConfig dependency — this module has no ORM layer and its
// own internal/config carries a plain Level/Format pair instead.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

// Initialize builds the package-level logger from a level ("debug", "info",
// "warn", "error") and a format ("json" or anything else for the colorized
// development console encoder).
func Initialize(level, format string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(levelFor(level))

	built, err := zapConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	Logger = built
	Sugar = built.Sugar()
	return built, nil
}

func levelFor(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// Get returns the package logger. Without Initialize this is the logger
// set by init (production config when ENV=production, development
// otherwise); a production logger is built only if Logger was set to nil.
func Get() *zap.Logger {
	if Logger == nil {
		l, _ := zap.NewProduction()
		Logger = l
		Sugar = l.Sugar()
	}
	return Logger
}

func GetSugar() *zap.SugaredLogger {
	if Sugar == nil {
		Get()
	}
	return Sugar
}

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

func NewRequestLogger(requestID string) *zap.Logger {
	return Get().With(zap.String("request_id", requestID))
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

func init() {
	if Logger == nil {
		var l *zap.Logger
		if os.Getenv("ENV") == "production" {
			l, _ = zap.NewProduction()
		} else {
			l, _ = zap.NewDevelopment()
		}
		Logger = l
		Sugar = l.Sugar()
	}
}
