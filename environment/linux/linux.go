// Package linux implements the Environment interface for the managed chroot
// on Linux.
//
// Commands reach the chroot one of three ways:
//
//	inside the chroot     <cmd> <args...>                     (run directly)
//	Enter_command set     <enter...> -- env ... <cmd> <args...>
//	otherwise             [sudo] chroot <root> env ... <cmd> <args...>
//
// The "env" prefix only appears when the command carries a working
// directory or extra variables. Elevation is skipped when already root.
package linux

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"chrootsdk/config"
	"chrootsdk/environment"
	"chrootsdk/log"
	"chrootsdk/util"
)

// ChrootEnvironment runs commands inside the chroot at cfg.ChrootPath.
type ChrootEnvironment struct {
	root   string
	enter  []string
	inside bool
	logger log.LibraryLogger

	geteuid  func() int
	isInside func(versionFile string) bool
}

// NewChrootEnvironment creates a new chroot environment instance.
//
// This constructor is registered with the environment package to handle
// the "chroot" backend type.
func NewChrootEnvironment() environment.Environment {
	return &ChrootEnvironment{
		geteuid:  unix.Geteuid,
		isInside: util.IsInsideChroot,
	}
}

func init() {
	environment.Register("chroot", NewChrootEnvironment)
}

// Setup decides how commands enter the chroot. From the outside the root
// must exist; nothing is mounted here.
func (e *ChrootEnvironment) Setup(cfg *config.Config, logger log.LibraryLogger) error {
	e.logger = log.OrNoOp(logger)
	e.root = cfg.ChrootPath
	e.enter = cfg.EnterCommand
	e.inside = e.isInside(cfg.VersionFile)

	switch {
	case e.inside:
		e.logger.Debug("Already inside the chroot, running commands directly")
	case len(e.enter) > 0:
		e.logger.Debug("Entering the chroot through %s", strings.Join(e.enter, " "))
	default:
		if !util.DirExists(e.root) {
			return &environment.ErrSetupFailed{
				Op:  "stat-root",
				Err: fmt.Errorf("chroot %s does not exist (is it mounted?)", e.root),
			}
		}
	}
	return nil
}

// Inside reports whether Setup found the process already inside the chroot.
func (e *ChrootEnvironment) Inside() bool {
	return e.inside
}

// op names the entry mode for errors.
func (e *ChrootEnvironment) op() string {
	switch {
	case e.inside:
		return "direct"
	case len(e.enter) > 0:
		return "enter"
	}
	return "chroot"
}

// argv builds the host command line for cmd.
func (e *ChrootEnvironment) argv(cmd *environment.ExecCommand) []string {
	var inner []string
	if cmd.WorkDir != "" || len(cmd.Env) > 0 {
		inner = append(inner, "env")
		if cmd.WorkDir != "" {
			inner = append(inner, "-C", cmd.WorkDir)
		}
		pairs := make([]string, 0, len(cmd.Env))
		for k, v := range cmd.Env {
			pairs = append(pairs, k+"="+v)
		}
		sort.Strings(pairs)
		inner = append(inner, pairs...)
	}
	inner = append(inner, cmd.Command)
	inner = append(inner, cmd.Args...)

	switch {
	case e.inside:
		return inner
	case len(e.enter) > 0:
		args := append([]string{}, e.enter...)
		args = append(args, "--")
		return append(args, inner...)
	}

	var args []string
	if e.geteuid() != 0 {
		args = append(args, "sudo", "--")
	}
	args = append(args, "chroot", e.root)
	return append(args, inner...)
}

// Execute runs a command inside the chroot.
//
// A non-zero exit is reported through ExecResult.ExitCode with a nil error.
// Failing to start the command, or the context ending first, yields
// ExitCode -1 and *environment.ErrExecutionFailed.
func (e *ChrootEnvironment) Execute(ctx context.Context, cmd *environment.ExecCommand) (*environment.ExecResult, error) {
	if e.root == "" {
		return nil, &environment.ErrExecutionFailed{
			Command: cmd.Command,
			Err:     fmt.Errorf("environment not set up (Setup must be called first)"),
		}
	}

	execCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	argv := e.argv(cmd)
	e.logger.Debug("exec: %s", strings.Join(argv, " "))

	execCmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	execCmd.Dir = "/"
	execCmd.Stdin = cmd.Stdin
	execCmd.Stdout = cmd.Stdout
	execCmd.Stderr = cmd.Stderr

	start := time.Now()
	err := execCmd.Run()
	result := &environment.ExecResult{Duration: time.Since(start)}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && execCtx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if execCtx.Err() != nil {
			err = execCtx.Err()
		}
		result.ExitCode = -1
		result.Error = err
		return result, &environment.ErrExecutionFailed{
			Op:      e.op(),
			Command: cmd.Command,
			Err:     err,
		}
	}
	return result, nil
}

// InsidePath maps a host path below the chroot root to its path inside.
// Once inside, host and chroot paths coincide. From the host, anything
// outside the root (a hooks directory under /usr/share, say) is not
// reachable through chroot(8) and ok is false.
func (e *ChrootEnvironment) InsidePath(hostPath string) (string, bool) {
	if e.inside {
		return hostPath, true
	}
	return environment.InsidePath(e.root, hostPath)
}

// Cleanup has nothing to release; the chroot outlives the environment.
func (e *ChrootEnvironment) Cleanup() error {
	return nil
}

// GetBasePath returns the chroot root on the host.
func (e *ChrootEnvironment) GetBasePath() string {
	return e.root
}
