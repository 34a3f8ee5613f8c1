// Package logger is the process-wide zap facade. It owns a single logger
// instance behind a zap.AtomicLevel (so the level can change at runtime
// without rebuilding callers), a console core for stdout, and an optional
// JSON core over lumberjack file rotation for production history.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu  sync.Mutex
	log *zap.Logger

	// logLevel switches the level dynamically without recreating cores.
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

	encoderCfg   = defaultEncoderConfig()
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))

	// fileCore is the rotating-file core; nil until EnableFileRotation.
	fileCore zapcore.Core
)

// EnableFileRotation tees a JSON core over lumberjack rotation into the
// logger. Called once at startup when LOG_FILE is configured; calling
// again replaces the core.
func EnableFileRotation(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	mu.Lock()
	defer mu.Unlock()

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	})
	jsonCfg := defaultEncoderConfig()
	jsonCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	fileCore = zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), writer, logLevel)
	rebuildLoggerLocked()
}

func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// rebuildLoggerLocked recreates the global logger from the current cores.
// Caller must hold mu. AddCallerSkip(1) hides the logger.* wrappers in
// reported call sites; the previous logger is Synced before replacement.
func rebuildLoggerLocked() {
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, stdoutWriter, logLevel)
	if fileCore != nil {
		core = zapcore.NewTee(core, fileCore)
	}
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// Init sets the level (debug, info, warn, error; case-insensitive,
// unknown values fall back to info) and builds the logger.
func Init(level string) {
	SetLevel(level)

	mu.Lock()
	defer mu.Unlock()
	encoderCfg = defaultEncoderConfig()
	rebuildLoggerLocked()
}

// SetLevel changes only the dynamic level, leaving cores in place. Used
// by the SIGHUP handler to flip verbosity on a running process.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.SetLevel(zap.DebugLevel)
	case "warn":
		logLevel.SetLevel(zap.WarnLevel)
	case "error":
		logLevel.SetLevel(zap.ErrorLevel)
	default:
		logLevel.SetLevel(zap.InfoLevel)
	}
}

// Logger returns the current zap.Logger, building one lazily on first
// use so package tests can log without calling Init.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// IsDebugEnabled reports whether debug-level output is active, for
// guarding expensive debug-only formatting (pretty-printed entry dumps).
func IsDebugEnabled() bool {
	return Logger().Level() <= zap.DebugLevel
}

// Component returns a sugared logger tagged component=name, used by each
// long-running service (discovery/listener/processor/import/backfill) to
// tell their records apart in the shared log.
func Component(name string) *zap.SugaredLogger {
	return Logger().With(zap.String("component", name)).Sugar()
}

func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal logs at fatal level and exits after flushing buffers.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	_ = Logger().Sync()
	os.Exit(1)
}

// The *f variants format via fmt.Sprintf. Formatting allocates; hot paths
// should prefer the structured variants with zap.Field.

func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }

func Infof(msg string, a ...any) { Logger().Info(fmt.Sprintf(msg, a...)) }

func Warnf(msg string, a ...any) { Logger().Warn(fmt.Sprintf(msg, a...)) }

func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
