package log

import "fmt"

// LibraryLogger is the logging surface used by library packages (lvm,
// chroot, migration, command). It carries no file layout or terminal
// assumptions so the same code runs under the CLI, in tests, or embedded.
type LibraryLogger interface {
	// Info logs progress (e.g. "Attaching loop device for ...")
	Info(format string, args ...any)

	// Debug logs diagnostics, usually the commands being run
	Debug(format string, args ...any)

	// Warn logs non-fatal issues such as a rescan that failed
	Warn(format string, args ...any)

	// Error logs failures; execution may continue
	Error(format string, args ...any)
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

func (NoOpLogger) Info(format string, args ...any)  {}
func (NoOpLogger) Debug(format string, args ...any) {}
func (NoOpLogger) Warn(format string, args ...any)  {}
func (NoOpLogger) Error(format string, args ...any) {}

// StdoutLogger prints messages to stdout with a severity prefix. Debug
// output is only printed when Verbose is set.
type StdoutLogger struct {
	Verbose bool
}

func (l StdoutLogger) Info(format string, args ...any) {
	fmt.Printf("[INFO] "+format+"\n", args...)
}

func (l StdoutLogger) Debug(format string, args ...any) {
	if l.Verbose {
		fmt.Printf("[DEBUG] "+format+"\n", args...)
	}
}

func (l StdoutLogger) Warn(format string, args ...any) {
	fmt.Printf("[WARN] "+format+"\n", args...)
}

func (l StdoutLogger) Error(format string, args ...any) {
	fmt.Printf("[ERROR] "+format+"\n", args...)
}

// MultiLogger fans every message out to each of its loggers in order.
type MultiLogger []LibraryLogger

func (m MultiLogger) Info(format string, args ...any) {
	for _, l := range m {
		l.Info(format, args...)
	}
}

func (m MultiLogger) Debug(format string, args ...any) {
	for _, l := range m {
		l.Debug(format, args...)
	}
}

func (m MultiLogger) Warn(format string, args ...any) {
	for _, l := range m {
		l.Warn(format, args...)
	}
}

func (m MultiLogger) Error(format string, args ...any) {
	for _, l := range m {
		l.Error(format, args...)
	}
}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l LibraryLogger) LibraryLogger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}
