// Package util provides low-level helpers shared by all other packages.
package util

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// zerolog has no level between info and debug, so verbose messages go
// out at debug and debug messages at trace.
var zerologLevels = map[LogLevel]zerolog.Level{
	LogQuiet:   zerolog.ErrorLevel,
	LogNormal:  zerolog.InfoLevel,
	LogVerbose: zerolog.DebugLevel,
	LogDebug:   zerolog.TraceLevel,
}

type logField struct {
	key   string
	value interface{}
}

// Logger writes levelled messages to stderr through zerolog, either as
// human-readable console lines or as JSON.
type Logger struct {
	mu         sync.Mutex
	level      LogLevel
	output     io.Writer
	timestamps bool // if true, include a timestamp in every line
	json       bool
	fields     []logField
	zl         zerolog.Logger
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	if verbosity < 0 {
		verbosity = 0
	}
	if verbosity > int(LogDebug) {
		verbosity = int(LogDebug)
	}
	l := &Logger{
		level:      LogLevel(verbosity),
		output:     os.Stderr,
		timestamps: true,
	}
	l.rebuild()
	return l
}

// SetTimestamps enables or disables timestamps.
func (l *Logger) SetTimestamps(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timestamps = on
	l.rebuild()
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.rebuild()
}

// SetJSON switches between console lines and one JSON object per line.
func (l *Logger) SetJSON(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.json = on
	l.rebuild()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// With returns a child logger that attaches key=value to every line.
func (l *Logger) With(key string, value interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := make([]logField, len(l.fields), len(l.fields)+1)
	copy(fields, l.fields)
	child := &Logger{
		level:      l.level,
		output:     l.output,
		timestamps: l.timestamps,
		json:       l.json,
		fields:     append(fields, logField{key, value}),
	}
	child.rebuild()
	return child
}

// Info prints when verbosity ≥ 1.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(zerolog.InfoLevel, format, args...)
}

// Warn prints when verbosity ≥ 1.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(zerolog.WarnLevel, format, args...)
}

// Verbose prints when verbosity ≥ 2.
func (l *Logger) Verbose(format string, args ...interface{}) {
	l.write(zerolog.DebugLevel, format, args...)
}

// Debug prints when verbosity ≥ 3.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(zerolog.TraceLevel, format, args...)
}

// Error always prints regardless of verbosity.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(zerolog.ErrorLevel, format, args...)
}

func (l *Logger) write(level zerolog.Level, format string, args ...interface{}) {
	l.mu.Lock()
	zl := l.zl
	l.mu.Unlock()
	zl.WithLevel(level).Msgf(format, args...)
}

// rebuild recreates the zerolog logger; callers hold l.mu.
func (l *Logger) rebuild() {
	var w io.Writer = l.output
	if !l.json {
		cw := zerolog.ConsoleWriter{
			Out:        l.output,
			NoColor:    true,
			TimeFormat: "15:04:05.000",
		}
		if !l.timestamps {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		w = cw
	}

	ctx := zerolog.New(zerolog.SyncWriter(w)).Level(zerologLevels[l.level]).With()
	if l.timestamps {
		ctx = ctx.Timestamp()
	}
	for _, f := range l.fields {
		ctx = ctx.Interface(f.key, f.value)
	}
	l.zl = ctx.Logger()
}

func init() {
	// Each Logger filters by its own level.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
