package environment

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"chrootsdk/config"
	"chrootsdk/log"
)

// MockEnvironment is a test implementation of Environment.
//
// MockEnvironment records all method calls and answers Execute from
// ExitCodes (per command line) or ExecuteResult. It's thread-safe.
//
// Usage example:
//
//	mock := NewMockEnvironment().(*MockEnvironment)
//	mock.ExitCodes["bash /hooks/13_fix"] = 1
//
//	result, err := mock.Execute(ctx, cmd)
//	// result.ExitCode == 1 for that hook, 0 otherwise
type MockEnvironment struct {
	mu sync.Mutex

	// Setup tracking
	SetupCalled bool
	SetupConfig *config.Config
	SetupError  error

	// Execute tracking
	ExecuteCalls  []*ExecCommand
	ExecuteResult *ExecResult
	ExecuteError  error

	// ExitCodes overrides the exit code for a command line
	// ("<command> <args...>").
	ExitCodes map[string]int

	// OnExecute, when set, runs before the result is returned. Tests use it
	// to observe state at the time a command runs.
	OnExecute func(cmd *ExecCommand)

	// Cleanup tracking
	CleanupCalled bool
	CleanupError  error

	// BasePath is both the GetBasePath value and the prefix InsidePath
	// strips.
	BasePath string
}

// NewMockEnvironment creates a new mock environment with default values.
//
// Default values:
//   - BasePath: "/mock/base"
//   - ExecuteResult: &ExecResult{ExitCode: 0} (success)
//   - All errors: nil
func NewMockEnvironment() Environment {
	return &MockEnvironment{
		BasePath:      "/mock/base",
		ExecuteResult: &ExecResult{ExitCode: 0},
		ExitCodes:     make(map[string]int),
	}
}

func init() {
	// Register mock backend for testing
	Register("mock", NewMockEnvironment)
}

// Setup records the Setup call and returns the configured error.
func (m *MockEnvironment) Setup(cfg *config.Config, logger log.LibraryLogger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SetupCalled = true
	m.SetupConfig = cfg
	if cfg != nil && cfg.ChrootPath != "" {
		m.BasePath = cfg.ChrootPath
	}

	return m.SetupError
}

// CommandLine joins a command and its arguments the way ExitCodes keys do.
func CommandLine(cmd *ExecCommand) string {
	return strings.Join(append([]string{cmd.Command}, cmd.Args...), " ")
}

// Execute records the Execute call and returns the configured result/error.
func (m *MockEnvironment) Execute(ctx context.Context, cmd *ExecCommand) (*ExecResult, error) {
	m.mu.Lock()
	m.ExecuteCalls = append(m.ExecuteCalls, cmd)
	hook := m.OnExecute
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return &ExecResult{ExitCode: -1}, ctx.Err()
	default:
	}

	if hook != nil {
		hook(cmd)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	result := &ExecResult{}
	if m.ExecuteResult != nil {
		*result = *m.ExecuteResult
	}
	if code, ok := m.ExitCodes[CommandLine(cmd)]; ok {
		result.ExitCode = code
	}
	return result, m.ExecuteError
}

// InsidePath strips BasePath from hostPath.
func (m *MockEnvironment) InsidePath(hostPath string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return InsidePath(m.BasePath, hostPath)
}

// InsidePath maps hostPath below root to its path inside root. Paths
// outside root are returned cleaned, with ok false.
func InsidePath(root, hostPath string) (string, bool) {
	root = filepath.Clean(root)
	hostPath = filepath.Clean(hostPath)
	switch {
	case hostPath == root:
		return "/", true
	case root == "/":
		return hostPath, true
	}
	if rest, ok := strings.CutPrefix(hostPath, root+"/"); ok {
		return "/" + rest, true
	}
	return hostPath, false
}

// Cleanup records the Cleanup call and returns the configured error.
func (m *MockEnvironment) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CleanupCalled = true
	return m.CleanupError
}

// GetBasePath returns the configured base path.
func (m *MockEnvironment) GetBasePath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BasePath
}

// CommandLines returns every executed command line in order.
func (m *MockEnvironment) CommandLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ExecuteCalls))
	for i, c := range m.ExecuteCalls {
		out[i] = CommandLine(c)
	}
	return out
}

// Reset clears all recorded calls and resets to default state.
func (m *MockEnvironment) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SetupCalled = false
	m.SetupConfig = nil
	m.SetupError = nil

	m.ExecuteCalls = nil
	m.ExecuteResult = &ExecResult{ExitCode: 0}
	m.ExecuteError = nil
	m.ExitCodes = make(map[string]int)
	m.OnExecute = nil

	m.CleanupCalled = false
	m.CleanupError = nil
}
