package util

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var once sync.Once

type LogLevel int

const (
	_ LogLevel = iota
	LOG_DEBUG_LEVEL
	LOG_INFO_LEVEL
	LOG_WARN_LEVEL
	LOG_ERROR_LEVEL
)

var logger *zap.Logger
var loggerConfig *zap.Config

func initLogger() {
	once.Do(func() {
		loggerConfig = &zap.Config{Encoding: "console",
			Level:       zap.NewAtomicLevelAt(zapcore.InfoLevel),
			OutputPaths: []string{"stdout"},
			EncoderConfig: zapcore.EncoderConfig{
				MessageKey: "msg",

				LevelKey:    "level",
				EncodeLevel: zapcore.CapitalLevelEncoder,

				TimeKey:    "time",
				EncodeTime: zapcore.RFC3339TimeEncoder,

				CallerKey:    "caller",
				EncodeCaller: zapcore.ShortCallerEncoder,
			}}
		var err error
		logger, err = loggerConfig.Build()
		if err != nil {
			panic(err)
		}
	})
}

func Logger() *zap.Logger {
	initLogger()
	return logger
}

func LoggerLevel(lv LogLevel) {
	initLogger()
	switch lv {
	case LOG_DEBUG_LEVEL:
		loggerConfig.Level.SetLevel(zapcore.DebugLevel)
	case LOG_INFO_LEVEL:
		loggerConfig.Level.SetLevel(zapcore.InfoLevel)
	case LOG_WARN_LEVEL:
		loggerConfig.Level.SetLevel(zapcore.WarnLevel)
	case LOG_ERROR_LEVEL:
		loggerConfig.Level.SetLevel(zapcore.ErrorLevel)
	}
}

// ParseLogLevel maps debug/info/warn/error to a LogLevel, falling back to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LOG_DEBUG_LEVEL
	case "warn", "warning":
		return LOG_WARN_LEVEL
	case "error":
		return LOG_ERROR_LEVEL
	default:
		return LOG_INFO_LEVEL
	}
}

// LoggerOutputPaths set where the logs are written to.
// Paths receive values like "stdout" ,"stderr" or "path/to/file"
func LoggerOutputPaths(paths []string) error {
	initLogger()
	loggerConfig.OutputPaths = paths
	l, err := loggerConfig.Build()
	if err != nil {
		return err
	}
	logger = l
	return nil
}
