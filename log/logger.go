package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Compile-time interface checks
var (
	_ LibraryLogger = (*Logger)(nil)
	_ LibraryLogger = (*ContextLogger)(nil)
)

// Log file names inside the logs directory.
const (
	MainLogName  = "00_chroot.log"
	DebugLogName = "01_debug.log"
)

// Logger writes chroot lifecycle events to two files: a main log with
// info/warn/error and lifecycle events, and a debug log that receives
// everything, including the external commands that were run.
type Logger struct {
	dir       string
	mainFile  *os.File
	debugFile *os.File
	mu        sync.Mutex
}

// LogContext provides metadata for contextual logging
type LogContext struct {
	RunID string // Run UUID (full or short)
	Op    string // Operation, e.g. "mount", "cleanup", "update"
	Path  string // Chroot path
}

// ContextLogger wraps Logger with context metadata for enriched log entries
type ContextLogger struct {
	logger *Logger
	ctx    LogContext
}

// NewLogger opens (appending) the log files under logsDir, creating the
// directory if needed.
func NewLogger(logsDir string) (*Logger, error) {
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	l := &Logger{dir: logsDir}

	var err error
	l.mainFile, err = openAppend(filepath.Join(logsDir, MainLogName))
	if err != nil {
		return nil, err
	}

	l.debugFile, err = openAppend(filepath.Join(logsDir, DebugLogName))
	if err != nil {
		l.mainFile.Close()
		return nil, err
	}

	l.writeHeaders()

	return l, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Dir returns the logs directory.
func (l *Logger) Dir() string {
	return l.dir
}

// Close closes all log files
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mainFile != nil {
		l.mainFile.Close()
		l.mainFile = nil
	}
	if l.debugFile != nil {
		l.debugFile.Close()
		l.debugFile = nil
	}
}

func (l *Logger) writeHeaders() {
	timestamp := time.Now().Format(time.RFC3339)

	fmt.Fprintf(l.mainFile, "\nchrootsdk session - %s\n", timestamp)
	fmt.Fprintf(l.mainFile, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(l.debugFile, "\nDebug log - %s\n", timestamp)
}

// write appends a line to the main log and/or the debug log. Callers hold
// no lock.
func (l *Logger) write(toMain bool, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.debugFile == nil {
		return
	}

	entry := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05"), line)
	if toMain {
		l.mainFile.WriteString(entry)
		l.mainFile.Sync()
	}
	l.debugFile.WriteString(entry)
	l.debugFile.Sync()
}

// Mounted records that path is mounted from source.
func (l *Logger) Mounted(path, source string) {
	l.write(true, fmt.Sprintf("MOUNTED: %s (%s)", path, source))
}

// Unmounted records that the stack behind path was torn down.
func (l *Logger) Unmounted(path string, deleted bool) {
	if deleted {
		l.write(true, fmt.Sprintf("UNMOUNTED: %s (image deleted)", path))
		return
	}
	l.write(true, fmt.Sprintf("UNMOUNTED: %s", path))
}

// HookApplied records a successful version hook.
func (l *Logger) HookApplied(hook string, version int) {
	l.write(true, fmt.Sprintf("HOOK OK: %s -> version %d", hook, version))
}

// HookFailed records a failed version hook.
func (l *Logger) HookFailed(hook string, version, exitCode int) {
	l.write(true, fmt.Sprintf("HOOK FAILED: %s (version %d, exit %d)", hook, version, exitCode))
}

// Diagnostic records a multi-line diagnostic block, such as the output of
// fuser/lsof/ps after a failed unmount.
func (l *Logger) Diagnostic(title, body string) {
	l.write(true, fmt.Sprintf("DIAGNOSTIC: %s\n%s", title, body))
}

// Debug logs debug information
func (l *Logger) Debug(format string, args ...any) {
	l.write(false, "DEBUG: "+fmt.Sprintf(format, args...))
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...any) {
	l.write(true, "INFO: "+fmt.Sprintf(format, args...))
}

// Warn logs a warning message (non-fatal issues)
func (l *Logger) Warn(format string, args ...any) {
	l.write(true, "WARN: "+fmt.Sprintf(format, args...))
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.write(true, "ERROR: "+fmt.Sprintf(format, args...))
}

// WithContext creates a ContextLogger with metadata for enriched logging.
// The RunID will be truncated to 8 characters for readability.
//
// Example:
//
//	ctxLogger := logger.WithContext(log.LogContext{
//	    RunID: runID,
//	    Op:    "mount",
//	    Path:  "/var/lib/chrootsdk/chroot",
//	})
//	ctxLogger.Info("Attaching loop device")
//	// Output: [15:04:05] [a1b2c3d4] mount /var/lib/chrootsdk/chroot: INFO: Attaching loop device
func (l *Logger) WithContext(ctx LogContext) *ContextLogger {
	return &ContextLogger{
		logger: l,
		ctx:    ctx,
	}
}

func (cl *ContextLogger) formatPrefix() string {
	shortID := cl.ctx.RunID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return fmt.Sprintf("[%s] %s %s: ", shortID, cl.ctx.Op, cl.ctx.Path)
}

// Info logs an informational message with context
func (cl *ContextLogger) Info(format string, args ...any) {
	cl.logger.write(true, cl.formatPrefix()+"INFO: "+fmt.Sprintf(format, args...))
}

// Error logs an error message with context
func (cl *ContextLogger) Error(format string, args ...any) {
	cl.logger.write(true, cl.formatPrefix()+"ERROR: "+fmt.Sprintf(format, args...))
}

// Debug logs debug information with context
func (cl *ContextLogger) Debug(format string, args ...any) {
	cl.logger.write(false, cl.formatPrefix()+"DEBUG: "+fmt.Sprintf(format, args...))
}

// Warn logs a warning message with context
func (cl *ContextLogger) Warn(format string, args ...any) {
	cl.logger.write(true, cl.formatPrefix()+"WARN: "+fmt.Sprintf(format, args...))
}
