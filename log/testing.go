package log

import (
	"fmt"
	"strings"
	"sync"
)

// Levels recorded by MemoryLogger.
const (
	LevelInfo  = "INFO"
	LevelDebug = "DEBUG"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// MemoryLogger captures all log messages in memory for testing.
// Thread-safe for concurrent use.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []LogMessage
}

// LogMessage represents a captured log entry
type LogMessage struct {
	Level   string
	Message string
}

// NewMemoryLogger creates a new MemoryLogger for testing
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) record(level, format string, args []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, LogMessage{Level: level, Message: fmt.Sprintf(format, args...)})
}

func (m *MemoryLogger) Info(format string, args ...any)  { m.record(LevelInfo, format, args) }
func (m *MemoryLogger) Debug(format string, args ...any) { m.record(LevelDebug, format, args) }
func (m *MemoryLogger) Warn(format string, args ...any)  { m.record(LevelWarn, format, args) }
func (m *MemoryLogger) Error(format string, args ...any) { m.record(LevelError, format, args) }

// Messages returns a copy of the captured messages at level, or of all
// messages when level is empty.
func (m *MemoryLogger) Messages(level string) []LogMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogMessage
	for _, e := range m.entries {
		if level == "" || e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// Has reports whether a message at level (any level when empty) contains
// substring.
func (m *MemoryLogger) Has(level, substring string) bool {
	for _, e := range m.Messages(level) {
		if strings.Contains(e.Message, substring) {
			return true
		}
	}
	return false
}

// Count returns the number of messages at level, or all when level is empty.
func (m *MemoryLogger) Count(level string) int {
	return len(m.Messages(level))
}

// Clear removes all captured messages
func (m *MemoryLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

// String dumps the messages, one per line, for test failure output.
func (m *MemoryLogger) String() string {
	var sb strings.Builder
	for i, e := range m.Messages("") {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, e.Level, e.Message)
	}
	return sb.String()
}
