// Leveled log wrapper used across the engine.
//
// There are five levels in total: FATAL, ERROR, WARNING, INFO, DEBUG.
// The default log output level is INFO, you can change it by:
// - call log.SetLevel() or log.SetLevelByString()
// - set environment variable `LOG_LEVEL`
//
// Output goes to stderr unless InitFileLogger routes it to a rotated file.

package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	LOG_LEVEL_DEBUG LogLevel = iota
	LOG_LEVEL_INFO
	LOG_LEVEL_WARN
	LOG_LEVEL_ERROR
	LOG_LEVEL_FATAL
)

// FileLogConfig controls file rotation when logging to a file.
type FileLogConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu      sync.RWMutex
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	_log    *zap.SugaredLogger
	_closer func() error
)

func init() {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		SetLevelByString(l)
	}
	_log = newSugared(zapcore.Lock(os.Stderr))
}

func newSugared(ws zapcore.WriteSyncer) *zap.SugaredLogger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

func logger() *zap.SugaredLogger {
	mu.RLock()
	l := _log
	mu.RUnlock()
	return l
}

// InitFileLogger redirects all output to a size-rotated file.
func InitFileLogger(cfg FileLogConfig) {
	lj := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	mu.Lock()
	_log = newSugared(zapcore.AddSync(lj))
	_closer = lj.Close
	mu.Unlock()
}

// Sync flushes buffered output and closes the log file, if any.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = _log.Sync()
	if _closer != nil {
		_ = _closer()
		_closer = nil
	}
}

// GlobalLogger exposes the underlying zap logger for components that log with fields.
func GlobalLogger() *zap.Logger {
	return logger().Desugar()
}

func SetLevel(l LogLevel) {
	level.SetLevel(toZapLevel(l))
}

func GetLogLevel() LogLevel {
	switch level.Level() {
	case zapcore.DebugLevel:
		return LOG_LEVEL_DEBUG
	case zapcore.InfoLevel:
		return LOG_LEVEL_INFO
	case zapcore.WarnLevel:
		return LOG_LEVEL_WARN
	case zapcore.ErrorLevel:
		return LOG_LEVEL_ERROR
	}
	return LOG_LEVEL_FATAL
}

func SetLevelByString(l string) {
	SetLevel(StringToLogLevel(l))
}

func StringToLogLevel(l string) LogLevel {
	switch strings.ToLower(l) {
	case "fatal":
		return LOG_LEVEL_FATAL
	case "error":
		return LOG_LEVEL_ERROR
	case "warn", "warning":
		return LOG_LEVEL_WARN
	case "debug", "all":
		return LOG_LEVEL_DEBUG
	}
	return LOG_LEVEL_INFO
}

func toZapLevel(l LogLevel) zapcore.Level {
	switch l {
	case LOG_LEVEL_DEBUG:
		return zapcore.DebugLevel
	case LOG_LEVEL_WARN:
		return zapcore.WarnLevel
	case LOG_LEVEL_ERROR:
		return zapcore.ErrorLevel
	case LOG_LEVEL_FATAL:
		return zapcore.FatalLevel
	}
	return zapcore.InfoLevel
}

func Info(v ...interface{}) {
	logger().Info(v...)
}

func Infof(format string, v ...interface{}) {
	logger().Infof(format, v...)
}

func Debug(v ...interface{}) {
	logger().Debug(v...)
}

func Debugf(format string, v ...interface{}) {
	logger().Debugf(format, v...)
}

func Warn(v ...interface{}) {
	logger().Warn(v...)
}

func Warnf(format string, v ...interface{}) {
	logger().Warnf(format, v...)
}

func Warning(v ...interface{}) {
	logger().Warn(v...)
}

func Warningf(format string, v ...interface{}) {
	logger().Warnf(format, v...)
}

func Error(v ...interface{}) {
	logger().Error(v...)
}

func Errorf(format string, v ...interface{}) {
	logger().Errorf(format, v...)
}

func Fatal(v ...interface{}) {
	logger().Fatal(v...)
}

func Fatalf(format string, v ...interface{}) {
	logger().Fatalf(format, v...)
}

func Panic(v ...interface{}) {
	logger().Panic(v...)
}

func Panicf(format string, v ...interface{}) {
	logger().Panicf(format, v...)
}
