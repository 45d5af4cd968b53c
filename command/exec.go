package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"chrootsdk/log"
)

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct {
	logger  log.LibraryLogger
	geteuid func() int
}

// NewExecRunner returns a Runner that logs each command line at debug level.
func NewExecRunner(logger log.LibraryLogger) *ExecRunner {
	return &ExecRunner{
		logger:  log.OrNoOp(logger),
		geteuid: unix.Geteuid,
	}
}

// argv builds the final command line. Elevation is skipped when the
// process already runs as root; the extra environment then goes through
// the process environment instead of the sudo command line.
func (r *ExecRunner) argv(cmd *Command) []string {
	if !cmd.Sudo || r.geteuid() == 0 {
		return cmd.Args
	}
	args := []string{"sudo"}
	args = append(args, envPairs(cmd.Env)...)
	args = append(args, "--")
	return append(args, cmd.Args...)
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, cmd *Command) (*Result, error) {
	argv := r.argv(cmd)
	result := &Result{Args: argv}
	if len(argv) == 0 {
		return check(cmd, result, errors.New("empty command"))
	}

	r.logger.Debug("run: %s", cmd)

	execCmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	execCmd.Dir = cmd.Dir
	if len(cmd.Env) > 0 && argv[0] != "sudo" {
		execCmd.Env = append(os.Environ(), envPairs(cmd.Env)...)
	}
	if cmd.Input != nil {
		execCmd.Stdin = bytes.NewReader(cmd.Input)
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		var exitErr *exec.ExitError
		// A killed process also reports an ExitError; a done context means
		// the caller gave up, which is an execution failure.
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			err = nil
		} else if ctx.Err() != nil {
			err = ctx.Err()
		}
	}

	res, runErr := check(cmd, result, err)
	if runErr != nil {
		r.logger.Debug("%v", runErr)
	}
	return res, runErr
}
