// Package logger is the process-wide leveled log used by storyvoid.
//
// Messages are written to stderr and, when a log file is configured, to a
// size-rotated file as well. Callers prefix messages with the component that
// emits them, e.g. logger.Warn("sync: folder %q: %v", title, err).
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation of the log file set with SetLogFile.
const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 3
	logFileMaxAgeDays = 28
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Level orders messages by severity. The log_level config key selects the
// lowest level that is written.
type Level int

const (
	LevelDebug Level = iota // sync decisions, skipped items
	LevelInfo               // mounts, saved URLs, sync summaries
	LevelWarn               // per-item failures a sync survives
	LevelError              // failed background syncs
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger writes timestamped lines to output and to the optional file.
type Logger struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
	file   *lumberjack.Logger
}

var defaultLogger = &Logger{
	level:  LevelInfo,
	output: os.Stderr,
}

// SetLevel sets the lowest level that is written.
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// GetLevel returns the current threshold.
func GetLevel() Level {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level
}

// SetOutput replaces stderr as the primary output. Tests use it to capture
// log lines.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
}

// SetLogFile mirrors every written line into path, creating its directory.
// The file rotates past logFileMaxSizeMB and keeps logFileMaxBackups old
// copies. A previously set file is closed first.
func SetLogFile(path string) error {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	defaultLogger.closeFile()

	// lumberjack opens lazily; check the path now so a bad log_file fails
	// at startup instead of on the first message.
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	f.Close()

	defaultLogger.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
	}
	return nil
}

// Close closes the log file, if any. The CLI calls it before exiting.
func Close() {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.closeFile()
}

func (l *Logger) closeFile() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// log formats one line as "<utc timestamp> <LEVEL> <message>".
func (l *Logger) log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	line := fmt.Sprintf("%s %s %s\n",
		time.Now().UTC().Format(timestampFormat), level, fmt.Sprintf(format, args...))

	io.WriteString(l.output, line)
	if l.file != nil {
		io.WriteString(l.file, line)
	}
}

func Debug(format string, args ...any) { defaultLogger.log(LevelDebug, format, args...) }

func Info(format string, args ...any) { defaultLogger.log(LevelInfo, format, args...) }

func Warn(format string, args ...any) { defaultLogger.log(LevelWarn, format, args...) }

func Error(format string, args ...any) { defaultLogger.log(LevelError, format, args...) }

// ParseLevel reads a log_level value. Case and surrounding space are ignored
// and "warning" is accepted for warn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}
