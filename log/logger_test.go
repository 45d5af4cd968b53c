package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLog(t *testing.T, dir, name string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("Failed to read %s: %v", name, err)
	}
	return string(content)
}

func TestNewLogger(t *testing.T) {
	logsDir := filepath.Join(t.TempDir(), "logs")

	logger, err := NewLogger(logsDir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if logger.Dir() != logsDir {
		t.Errorf("Dir() = %q, want %q", logger.Dir(), logsDir)
	}

	for _, name := range []string{MainLogName, DebugLogName} {
		if _, err := os.Stat(filepath.Join(logsDir, name)); os.IsNotExist(err) {
			t.Errorf("Log file %s was not created", name)
		}
	}
}

func TestLogger_Events(t *testing.T) {
	logsDir := t.TempDir()

	logger, err := NewLogger(logsDir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Mounted("/c", "/dev/mapper/cros_c_000-chroot")
	logger.Unmounted("/c", true)
	logger.HookApplied("12_fix_perms", 12)
	logger.HookFailed("13_bad", 13, 2)
	logger.Diagnostic("fuser -mv /c", "USER PID ACCESS COMMAND")
	logger.Close()

	main := readLog(t, logsDir, MainLogName)
	for _, want := range []string{
		"MOUNTED: /c (/dev/mapper/cros_c_000-chroot)",
		"UNMOUNTED: /c (image deleted)",
		"HOOK OK: 12_fix_perms -> version 12",
		"HOOK FAILED: 13_bad (version 13, exit 2)",
		"DIAGNOSTIC: fuser -mv /c",
	} {
		if !strings.Contains(main, want) {
			t.Errorf("main log missing %q\n%s", want, main)
		}
	}

	// The debug log receives everything the main log does.
	debug := readLog(t, logsDir, DebugLogName)
	if !strings.Contains(debug, "HOOK FAILED") {
		t.Error("debug log missing lifecycle event")
	}
}

func TestLogger_DebugOnlyInDebugLog(t *testing.T) {
	logsDir := t.TempDir()

	logger, err := NewLogger(logsDir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Debug("run: %s", "vgs -q --noheadings")
	logger.Info("Mounting %s", "/c")
	logger.Close()

	if strings.Contains(readLog(t, logsDir, MainLogName), "vgs -q") {
		t.Error("debug message leaked into the main log")
	}
	debug := readLog(t, logsDir, DebugLogName)
	if !strings.Contains(debug, "DEBUG: run: vgs -q --noheadings") {
		t.Errorf("debug log missing debug message\n%s", debug)
	}
	if !strings.Contains(debug, "INFO: Mounting /c") {
		t.Errorf("debug log missing info message\n%s", debug)
	}
}

func TestLogger_WriteAfterClose(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Close()

	// Must not panic.
	logger.Info("late")
	logger.Close()
}

func TestContextLogger(t *testing.T) {
	logsDir := t.TempDir()

	logger, err := NewLogger(logsDir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	ctxLogger := logger.WithContext(LogContext{
		RunID: "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
		Op:    "cleanup",
		Path:  "/c",
	})
	ctxLogger.Info("Detaching %s", "/dev/loop3")
	ctxLogger.Warn("rescan failed")
	ctxLogger.Error("boom")
	ctxLogger.Debug("hidden")
	logger.Close()

	main := readLog(t, logsDir, MainLogName)
	if !strings.Contains(main, "[a1b2c3d4] cleanup /c: INFO: Detaching /dev/loop3") {
		t.Errorf("context prefix missing\n%s", main)
	}
	if strings.Contains(main, "a1b2c3d4-e5f6") {
		t.Error("RunID should be truncated to 8 characters")
	}
	if strings.Contains(main, "hidden") {
		t.Error("context debug message leaked into main log")
	}
	if !strings.Contains(readLog(t, logsDir, DebugLogName), "DEBUG: hidden") {
		t.Error("context debug message missing from debug log")
	}
}
