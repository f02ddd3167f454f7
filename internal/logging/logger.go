// Package logging provides categorized logging for the cpterm host.
// Standard output carries the native messaging protocol, so log output goes to
// a file under the host directory and optionally to stderr, never to stdout.
// Until Initialize is called every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, configuration
	CategoryTransport Category = "transport" // Framed stdin/stdout stream
	CategoryHost      Category = "host"      // Receive loop, correlation
	CategoryWatch     Category = "watch"     // File watch multiplexer
	CategoryScratch   Category = "scratch"   // Scratch file lifecycle
	CategoryCmdServer Category = "cmdserver" // Local TCP control channel
	CategoryConvert   Category = "convert"   // Problem statement converters
	CategoryProblem   Category = "problem"   // Start-problem workflow
)

// Options mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type Options struct {
	Dir    string // logs directory; empty disables the file sink
	File   string // file name inside Dir
	Level  string // debug, info, warn, error
	Format string // console, json
	Stderr bool   // also write to stderr
}

// Logger is a category logger with printf-style methods.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	base    = zap.NewNop()
	loggers = make(map[Category]*Logger)
	logPath string
)

// Initialize builds the shared zap logger from opts.
// Calling it again replaces the previous logger.
func Initialize(opts Options) error {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	var outputs []string
	path := ""
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		name := opts.File
		if name == "" {
			name = "cpterm-host.log"
		}
		path = filepath.Join(opts.Dir, name)
		outputs = append(outputs, path)
	}
	if opts.Stderr {
		outputs = append(outputs, "stderr")
	}
	if len(outputs) == 0 {
		replace(zap.NewNop(), "")
		return nil
	}

	encoding := "console"
	if strings.EqualFold(opts.Format, "json") {
		encoding = "json"
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.NameKey = "cat"

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encCfg,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	replace(l, path)
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

func replace(l *zap.Logger, path string) {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	base = l
	logPath = path
	loggers = make(map[Category]*Logger)
}

// With attaches fields to every logger handed out from now on.
func With(fields ...zap.Field) {
	mu.Lock()
	defer mu.Unlock()
	base = base.With(fields...)
	loggers = make(map[Category]*Logger)
}

// Path returns the log file path, or "" when no file sink is configured.
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return logPath
}

// Get returns (or creates) the logger for the given category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    base.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Zap exposes the underlying structured logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Sync flushes buffered log entries (call at shutdown)
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// Host logs to the host category
func Host(format string, args ...interface{}) {
	Get(CategoryHost).Info(format, args...)
}

// HostDebug logs debug to the host category
func HostDebug(format string, args ...interface{}) {
	Get(CategoryHost).Debug(format, args...)
}

// Watch logs to the watch category
func Watch(format string, args ...interface{}) {
	Get(CategoryWatch).Info(format, args...)
}

// WatchDebug logs debug to the watch category
func WatchDebug(format string, args ...interface{}) {
	Get(CategoryWatch).Debug(format, args...)
}

// Scratch logs to the scratch category
func Scratch(format string, args ...interface{}) {
	Get(CategoryScratch).Info(format, args...)
}

// CmdServer logs to the cmdserver category
func CmdServer(format string, args ...interface{}) {
	Get(CategoryCmdServer).Info(format, args...)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
