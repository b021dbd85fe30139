package utils

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level orders log severities.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

// ParseLevel maps "info", "warn" and "error" to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a custom logger type
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	min    Level
}

// NewLogger creates a new logger instance writing to filePath.
// An empty path logs to stderr.
func NewLogger(filePath string, min Level) (*Logger, error) {
	if filePath == "" {
		return NewWriterLogger(os.Stderr, min), nil
	}
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		file:   file,
		logger: log.New(file, "", log.LstdFlags),
		min:    min,
	}, nil
}

// NewWriterLogger logs to w. Used by tests and by the CLI when no log file is configured.
func NewWriterLogger(w io.Writer, min Level) *Logger {
	return &Logger{logger: log.New(w, "", log.LstdFlags), min: min}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriterLogger(io.Discard, LevelError+1)
}

func (l *Logger) write(level Level, prefix, msg string) {
	if l == nil || level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.SetPrefix(prefix)
	l.logger.Println(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string) { l.write(LevelInfo, "INFO: ", msg) }

// Warn logs a warning message
func (l *Logger) Warn(msg string) { l.write(LevelWarn, "WARN: ", msg) }

// Error logs an error message
func (l *Logger) Error(msg string) { l.write(LevelError, "ERROR: ", msg) }

func (l *Logger) Infof(format string, args ...any)  { l.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.Error(fmt.Sprintf(format, args...)) }

// Close closes the log file
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
}

// RotateLog reopens the log file once a day so external rotation can move it away.
// It returns when ctx is done.
func (l *Logger) RotateLog(ctx context.Context) {
	if l.file == nil {
		return
	}
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		l.mu.Lock()
		name := l.file.Name()
		l.file.Close()
		file, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			l.mu.Unlock()
			fmt.Fprintf(os.Stderr, "failed to rotate log file: %v\n", err)
			return
		}
		l.file = file
		l.logger.SetOutput(file)
		l.mu.Unlock()
	}
}
