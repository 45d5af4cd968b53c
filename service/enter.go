package service

import (
	"context"
	"errors"

	"chrootsdk/environment"
	"chrootsdk/log"
)

// Enter runs a command inside the chroot and returns its exit code. From
// inside the chroot the command runs directly; from the host it goes
// through the entry point. Enter is not recorded as a run.
func (s *Service) Enter(ctx context.Context, opts EnterOptions) (int, error) {
	if len(opts.Args) == 0 {
		return -1, errors.New("no command given")
	}

	env, err := s.environment(log.MultiLogger{s.logger, s.console})
	if err != nil {
		return -1, err
	}
	defer env.Cleanup()

	res, err := env.Execute(ctx, &environment.ExecCommand{
		Command: opts.Args[0],
		Args:    opts.Args[1:],
		WorkDir: opts.WorkDir,
		Env:     opts.Env,
		Stdin:   opts.Stdin,
		Stdout:  opts.Stdout,
		Stderr:  opts.Stderr,
	})
	if err != nil {
		return -1, err
	}
	return res.ExitCode, nil
}
