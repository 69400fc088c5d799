// Package log provides the logger used by the graph runtime.
//
// The default implementation is a zap SugaredLogger writing console-encoded
// records to stderr. Any value implementing Logger can be installed with
// graph.WithLogger or by replacing Default.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log level names accepted by SetLevel and New.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Logger is the logging surface the runtime depends on. *zap.SugaredLogger
// satisfies it.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
}

var zapLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "lvl",
	NameKey:        "name",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// Default is the process-wide logger. Its level follows SetLevel.
var Default Logger = zap.New(
	zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr),
		zapLevel,
	),
	zap.AddCaller(),
).Sugar()

// Nop discards everything.
var Nop Logger = zap.NewNop().Sugar()

// SetLevel changes the level of Default. Unknown names fall back to info.
func SetLevel(level string) {
	zapLevel.SetLevel(parseLevel(level))
}

// New builds a logger that writes console records at or above level to w.
// It does not share its level with Default.
func New(w io.Writer, level string) Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(w),
		zap.NewAtomicLevelAt(parseLevel(level)),
	)
	return zap.New(core).Sugar()
}

// NewJSON is like New but encodes records as JSON lines.
func NewJSON(w io.Writer, level string) Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zap.NewAtomicLevelAt(parseLevel(level)),
	)
	return zap.New(core).Sugar()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Debugf logs to Default at debug level.
func Debugf(format string, args ...any) { Default.Debugf(format, args...) }

// Infof logs to Default at info level.
func Infof(format string, args ...any) { Default.Infof(format, args...) }

// Warnf logs to Default at warn level.
func Warnf(format string, args ...any) { Default.Warnf(format, args...) }

// Errorf logs to Default at error level.
func Errorf(format string, args ...any) { Default.Errorf(format, args...) }

// Fatalf logs to Default at error level and exits the process.
func Fatalf(format string, args ...any) {
	Default.Errorf(format, args...)
	os.Exit(1)
}
