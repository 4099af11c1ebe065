// Package log implements structured, leveled logging for arbiter services.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type Format uint

const (
	FmtLogfmt Format = iota
	FmtJSON
)

func (f Format) String() string {
	switch f {
	case FmtLogfmt:
		return "logfmt"
	case FmtJSON:
		return "json"
	default:
		return fmt.Sprintf("format(%d)", uint(f))
	}
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "logfmt":
		return FmtLogfmt, nil
	case "json", "":
		return FmtJSON, nil
	default:
		return 0, fmt.Errorf("log: invalid log format: '%s'", s)
	}
}

type Level uint

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", uint(l))
	}
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("log: invalid log level: '%s'", s)
	}
}

// Logger is a structured logger tagged with the module that owns it.
type Logger struct {
	logger log.Logger
	level  Level
	module string
}

func NewDefaultLogger(module string) *Logger {
	logger, err := NewLogger(module, os.Stdout, FmtJSON, LevelInfo)
	if err != nil {
		panic(err)
	}

	return logger
}

// NewNopLogger discards everything. Useful in tests.
func NewNopLogger() *Logger {
	return &Logger{
		logger: log.NewNopLogger(),
		level:  LevelError,
		module: "",
	}
}

func NewLogger(module string, w io.Writer, format Format, lvl Level) (*Logger, error) {
	// log.DefaultCaller + 1 for the leveling wrapper below.
	callerUnwind := 4

	var logger log.Logger

	switch format {
	case FmtLogfmt:
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case FmtJSON:
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("log: unsupported log format: %v", format)
	}

	logger = log.WithPrefix(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.Caller(callerUnwind),
	)

	return &Logger{
		logger: logger,
		level:  lvl,
		module: module,
	}, nil
}

func (l *Logger) prefixed(msg string, keyvals []any) []any {
	return append([]any{"module", l.module, "msg", msg}, keyvals...)
}

func (l *Logger) Debug(msg string, keyvals ...any) {
	if l.level > LevelDebug {
		return
	}

	_ = level.Debug(l.logger).Log(l.prefixed(msg, keyvals)...)
}

func (l *Logger) Info(msg string, keyvals ...any) {
	if l.level > LevelInfo {
		return
	}

	_ = level.Info(l.logger).Log(l.prefixed(msg, keyvals)...)
}

func (l *Logger) Warn(msg string, keyvals ...any) {
	if l.level > LevelWarn {
		return
	}

	_ = level.Warn(l.logger).Log(l.prefixed(msg, keyvals)...)
}

func (l *Logger) Error(msg string, keyvals ...any) {
	if l.level > LevelError {
		return
	}

	_ = level.Error(l.logger).Log(l.prefixed(msg, keyvals)...)
}

// With returns a clone carrying keyvals on every subsequent line.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{
		logger: log.With(l.logger, keyvals...),
		level:  l.level,
		module: l.module,
	}
}

func (l *Logger) WithModule(module string) *Logger {
	return &Logger{
		logger: l.logger,
		level:  l.level,
		module: module,
	}
}

func (l *Logger) Level() Level {
	return l.level
}
