// Package command runs the external tools (losetup, LVM, mount, sudo) that
// manage the chroot stack.
//
// Library code depends only on the Runner interface. Production code uses
// ExecRunner, which shells out through os/exec and elevates with sudo when
// asked to. Tests use FakeRunner, which records calls and replies from
// scripted handlers so no root privileges or real devices are needed.
//
// Result semantics:
//   - Command exits 0: Result, nil
//   - Command exits N and OKToFail is set: Result{ExitCode: N}, nil
//   - Command exits N otherwise: Result{ExitCode: N}, *RunError
//   - Command could not run (not found, context done): Result{ExitCode: -1}, *RunError
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Command describes one external command invocation.
type Command struct {
	// Args is the argv, program first.
	Args []string

	// Sudo elevates the command. Ignored when already running as root.
	Sudo bool

	// Env holds extra environment variables. With Sudo they are passed on
	// the sudo command line so they survive the privilege change.
	Env map[string]string

	// Input is fed to stdin when non-nil.
	Input []byte

	// OKToFail suppresses the error for a non-zero exit code. Failures to
	// start the command are still returned.
	OKToFail bool

	// Dir is the working directory. Empty means the current one.
	Dir string
}

// Result holds the outcome of a command.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the command exited 0.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd *Command) (*Result, error)
}

// RunError reports an external command failure.
type RunError struct {
	Result *Result
	Err    error // Underlying execution error, nil for a plain non-zero exit
}

func (e *RunError) Error() string {
	cmdline := strings.Join(e.Result.Args, " ")
	if e.Err != nil {
		return fmt.Sprintf("command %q failed: %v", cmdline, e.Err)
	}
	msg := fmt.Sprintf("command %q exited with code %d", cmdline, e.Result.ExitCode)
	if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit code carried by a *RunError in err's chain,
// or -1 when there is none.
func ExitCode(err error) int {
	var runErr *RunError
	if errors.As(err, &runErr) && runErr.Result != nil {
		return runErr.Result.ExitCode
	}
	return -1
}

// check turns a finished result into the Runner return values.
func check(cmd *Command, result *Result, execErr error) (*Result, error) {
	if execErr != nil {
		result.ExitCode = -1
		return result, &RunError{Result: result, Err: execErr}
	}
	if result.ExitCode != 0 && !cmd.OKToFail {
		return result, &RunError{Result: result}
	}
	return result, nil
}

// envPairs renders env as sorted K=V strings so command lines are stable.
func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// Output runs cmd and returns its trimmed stdout.
func Output(ctx context.Context, r Runner, cmd *Command) (string, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// New returns an unprivileged command.
func New(args ...string) *Command {
	return &Command{Args: args}
}

// Sudo returns an elevated command.
func Sudo(args ...string) *Command {
	return &Command{Args: args, Sudo: true}
}

// Quiet marks the command as allowed to fail and returns it.
func (c *Command) Quiet() *Command {
	c.OKToFail = true
	return c
}

// String returns the command line for logging.
func (c *Command) String() string {
	s := strings.Join(c.Args, " ")
	if c.Sudo {
		s = "sudo " + s
	}
	return s
}
