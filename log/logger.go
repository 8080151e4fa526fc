package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkgspawn/config"
)

// Logger is a file-backed dispatcher event log: one timestamped line per
// lifecycle event (launch, reuse, reap, kill, exit) written to
// LogsPath/dispatcher.log.
type Logger struct {
	cfg  *config.Config
	file *os.File
	mu   sync.Mutex
}

// NewLogger creates a Logger writing into cfg.LogsPath/dispatcher.log,
// creating the directory if needed.
func NewLogger(cfg *config.Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.LogsPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(cfg.LogsPath, "dispatcher.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	l := &Logger{cfg: cfg, file: file}
	l.writeHeader()
	return l, nil
}

// Close closes the underlying log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}
}

func (l *Logger) writeHeader() {
	fmt.Fprintf(l.file, "dispatcher log opened - %s\n", time.Now().Format(time.RFC3339))
}

func (l *Logger) writeLine(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "[%s] %s: %s\n", timestamp, level, msg)
	l.file.Sync()
}

// Info logs an informational lifecycle event (launch, reuse, graceful exit).
func (l *Logger) Info(format string, args ...any) {
	l.writeLine("INFO", format, args...)
}

// Debug logs a diagnostic event (argv/envp trace, poll tick trace).
func (l *Logger) Debug(format string, args ...any) {
	if !l.cfg.Debug {
		return
	}
	l.writeLine("DEBUG", format, args...)
}

// Warn logs a non-fatal anomaly (short write, signal already delivered).
func (l *Logger) Warn(format string, args ...any) {
	l.writeLine("WARN", format, args...)
}

// Error logs a failure (spawn failure, signal delivery failure).
func (l *Logger) Error(format string, args ...any) {
	l.writeLine("ERROR", format, args...)
}
