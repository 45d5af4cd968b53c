// Package environment runs commands inside the managed chroot.
//
// The Environment interface lets the version hooks and the "enter" command
// execute inside the chroot without knowing how the chroot is entered.
// This allows:
//   - Testing via the mock backend (no root, no chroot)
//   - Running from inside the chroot (commands run directly)
//   - Running from the host (through an entry point)
//
// Supported backends:
//   - "chroot": the managed chroot on Linux (environment/linux)
//   - "mock": testing backend (no actual isolation)
//
// Usage example:
//
//	env, err := environment.New("chroot")
//	if err != nil {
//	    return err
//	}
//	defer env.Cleanup()
//
//	if err := env.Setup(cfg, logger); err != nil {
//	    return err
//	}
//
//	path, ok := env.InsidePath(hook)
//	if !ok {
//	    // not reachable from inside; stream it with "bash -s" instead
//	}
//	result, err := env.Execute(ctx, &environment.ExecCommand{
//	    Command: "bash",
//	    Args:    []string{path},
//	    Stdout:  os.Stdout,
//	    Stderr:  os.Stderr,
//	})
package environment

import (
	"context"
	"fmt"
	"io"
	"time"

	"chrootsdk/config"
	"chrootsdk/log"
)

// Environment executes commands inside the managed chroot.
//
// Lifecycle:
//  1. Create via New()
//  2. Setup() - bind to the configured chroot
//  3. Execute() - run commands (multiple times)
//  4. Cleanup() - release anything Setup acquired
type Environment interface {
	// Setup binds the environment to cfg.ChrootPath and decides how
	// commands reach it. It does not mount anything; the chroot must
	// already be mounted (see chroot.Manager.MountChroot).
	Setup(cfg *config.Config, logger log.LibraryLogger) error

	// Execute runs a command inside the chroot.
	//
	// Returns:
	//   - ExecResult with exit code and duration
	//   - error if execution fails (not if command exits non-zero)
	//
	// The distinction: command returning exit code 1 is success (ExecResult.ExitCode=1, err=nil).
	// Failure to execute command (e.g., chroot binary missing) returns err != nil.
	Execute(ctx context.Context, cmd *ExecCommand) (*ExecResult, error)

	// InsidePath maps a host path to the path the same file has inside
	// the chroot. ok is false when the file cannot be reached from inside,
	// i.e. it lies outside the chroot root.
	InsidePath(hostPath string) (path string, ok bool)

	// Cleanup releases what Setup acquired. It is idempotent and safe to
	// call when Setup failed or was never called.
	Cleanup() error

	// GetBasePath returns the chroot root on the host.
	GetBasePath() string
}

// ExecCommand describes a command to execute inside the chroot.
type ExecCommand struct {
	// Command is the program to run, resolved inside the chroot.
	// Example: "bash", "/usr/bin/emerge"
	Command string

	// Args are the command arguments (excluding Command itself).
	Args []string

	// WorkDir is the working directory inside the chroot.
	// If empty, the chroot root is used.
	WorkDir string

	// Env contains environment variables to set on top of the inherited
	// environment.
	Env map[string]string

	// Stdin feeds standard input. If nil, no input is provided.
	Stdin io.Reader

	// Stdout receives standard output from the command.
	// If nil, output is discarded.
	Stdout io.Writer

	// Stderr receives standard error from the command.
	// If nil, output is discarded.
	Stderr io.Writer

	// Timeout is the maximum execution duration.
	// Zero means no timeout.
	// Context cancellation takes precedence.
	Timeout time.Duration
}

// ExecResult contains the result of command execution.
type ExecResult struct {
	// ExitCode is the command's exit code.
	// 0 indicates success.
	// Non-zero indicates command-specific error.
	ExitCode int

	// Duration is how long the command took to execute.
	Duration time.Duration

	// Error is set if command execution failed.
	// This is different from non-zero exit code:
	//   - err != nil: failed to execute command
	//   - err == nil, ExitCode != 0: command ran but returned error
	Error error
}

// NewEnvironmentFunc is a constructor function for Environment implementations.
type NewEnvironmentFunc func() Environment

// Backend registry for environment implementations.
var backends = make(map[string]NewEnvironmentFunc)

// Register registers an environment backend.
//
// Typically called from init() functions in backend packages:
//
//	func init() {
//	    environment.Register("chroot", func() environment.Environment {
//	        return &ChrootEnvironment{}
//	    })
//	}
//
// Panics if name is already registered (programming error).
func Register(name string, fn NewEnvironmentFunc) {
	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("environment backend already registered: %s", name))
	}
	backends[name] = fn
}

// New creates a new Environment instance for the specified backend.
//
// Returns error if backend is not registered.
func New(backend string) (Environment, error) {
	fn, ok := backends[backend]
	if !ok {
		return nil, &ErrUnknownBackend{Backend: backend}
	}
	return fn(), nil
}

// ErrUnknownBackend is returned when requesting an unregistered backend.
type ErrUnknownBackend struct {
	Backend string
}

func (e *ErrUnknownBackend) Error() string {
	return fmt.Sprintf("unknown environment backend: %s", e.Backend)
}

// ErrSetupFailed indicates environment setup failed.
type ErrSetupFailed struct {
	Op  string // Operation that failed: "stat-root", "enter-command", etc.
	Err error  // Underlying error
}

func (e *ErrSetupFailed) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("setup failed (%s): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("environment setup failed: %v", e.Err)
}

func (e *ErrSetupFailed) Unwrap() error {
	return e.Err
}

// ErrExecutionFailed indicates command execution failed.
//
// This is different from command returning non-zero exit code.
// This error type distinguishes between:
//   - Execution failures (entry point not found, permission denied, timeout)
//   - Command failures (command ran but returned non-zero exit code)
//
// A command that ran and exited non-zero is never reported this way, so
// there is no exit code to carry: ExecResult.ExitCode is -1.
type ErrExecutionFailed struct {
	Op      string // Operation: "chroot", "enter", "direct"
	Command string // Command path
	Err     error  // Underlying error
}

func (e *ErrExecutionFailed) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s failed: command %s: %v", e.Op, e.Command, e.Err)
	}
	return fmt.Sprintf("failed to execute %s: %v", e.Command, e.Err)
}

func (e *ErrExecutionFailed) Unwrap() error {
	return e.Err
}
