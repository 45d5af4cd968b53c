// Package service provides reusable business logic for chrootsdk operations.
//
// The service layer sits between the CLI (cmd/) and the library packages
// (chroot, migration, environment, statedb):
//
//   - CLI layer (cmd/): handles user interaction, prompts, formatting, arg parsing
//   - Service layer (service/): orchestrates one chroot, records every run
//   - Library layer (chroot, migration, ...): core functionality with no I/O coupling
//
// Every operation is recorded in the state database as a run with a UUID,
// and logged to the chroot logs with that run ID as context.
package service

import (
	"errors"
	"fmt"
	"time"

	"chrootsdk/chroot"
	"chrootsdk/command"
	"chrootsdk/config"
	"chrootsdk/environment"
	"chrootsdk/log"
	"chrootsdk/migration"
	"chrootsdk/statedb"
	"chrootsdk/util"

	// chroot backend
	_ "chrootsdk/environment/linux"
)

// ErrMountRefused is returned when the chroot could not be mounted without
// an error from the storage stack: the image is missing, or something else
// is mounted at the chroot path.
var ErrMountRefused = errors.New("chroot was not mounted")

// DefaultBackend is the environment backend hooks and commands run through.
const DefaultBackend = "chroot"

// Service coordinates business logic for the chroot at cfg.ChrootPath.
//
// Usage:
//
//	cfg, _ := config.LoadConfig("", "default")
//	svc, err := service.NewService(cfg)
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	result, err := svc.Ensure(ctx, service.EnsureOptions{Create: true})
type Service struct {
	cfg     *config.Config
	logger  *log.Logger
	console log.LibraryLogger
	db      *statedb.DB
	runner  command.Runner

	backend string
	env     environment.Environment
	inside  func(versionFile string) bool
	sleep   func(time.Duration)
}

// Option customizes a Service.
type Option func(*Service)

// WithRunner runs external commands through r instead of the host.
func WithRunner(r command.Runner) Option {
	return func(s *Service) { s.runner = r }
}

// WithBackend selects the environment backend used to enter the chroot.
func WithBackend(name string) Option {
	return func(s *Service) { s.backend = name }
}

// WithEnvironment enters the chroot through env instead of a new backend
// instance.
func WithEnvironment(env environment.Environment) Option {
	return func(s *Service) { s.env = env }
}

// WithConsole echoes every log message to l as well as to the log files.
func WithConsole(l log.LibraryLogger) Option {
	return func(s *Service) { s.console = l }
}

// WithInsideCheck replaces the test for running inside the chroot.
func WithInsideCheck(fn func(versionFile string) bool) Option {
	return func(s *Service) { s.inside = fn }
}

// WithSleep replaces the pause between retries of the storage stack.
func WithSleep(fn func(time.Duration)) Option {
	return func(s *Service) { s.sleep = fn }
}

// NewService creates a new Service instance with the given configuration.
//
// It opens the log files and the state database. The caller is responsible
// for calling Close() to release resources (typically via defer).
func NewService(cfg *config.Config, opts ...Option) (*Service, error) {
	logger, err := log.NewLogger(cfg.LogsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := statedb.OpenDB(cfg.Database.Path)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		console: log.NoOpLogger{},
		db:      db,
		backend: DefaultBackend,
		inside:  util.IsInsideChroot,
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runner == nil {
		s.runner = command.NewExecRunner(log.MultiLogger{logger, s.console})
	}
	return s, nil
}

// Close releases resources held by the service (logger, database).
func (s *Service) Close() error {
	var errs []error

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if s.logger != nil {
		s.logger.Close()
	}

	return errors.Join(errs...)
}

// Config returns the service's configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Logger returns the service's logger.
func (s *Service) Logger() *log.Logger {
	return s.logger
}

// Database returns the service's state database.
func (s *Service) Database() *statedb.DB {
	return s.db
}

// run records op as a run in the database and hands fn a logger tagged
// with the run ID. The run is closed with fn's error.
func (s *Service) run(op string, fn func(runID string, logger log.LibraryLogger) error) (string, error) {
	path := s.cfg.ChrootPath

	if active, err := s.db.ActiveRun(path); err == nil && active != nil {
		s.logger.Warn("Run %s (%s) on %s never finished", active.ID, active.Op, path)
	}

	runID, err := s.db.StartRun(op, path)
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}

	logger := log.MultiLogger{
		s.logger.WithContext(log.LogContext{RunID: runID, Op: op, Path: path}),
		s.console,
	}

	start := time.Now()
	err = fn(runID, logger)
	if err != nil {
		logger.Error("%s failed after %s: %v", op, time.Since(start).Round(time.Millisecond), err)
	} else {
		logger.Debug("%s finished in %s", op, time.Since(start).Round(time.Millisecond))
	}

	if ferr := s.db.FinishRun(runID, err); ferr != nil {
		s.logger.Warn("Failed to record end of run %s: %v", runID, ferr)
	}
	return runID, err
}

// manager returns a chroot manager logging to logger.
func (s *Service) manager(logger log.LibraryLogger) *chroot.Manager {
	m := chroot.NewManager(s.cfg, s.runner, logger)
	m.SetEventRecorder(s.logger)
	m.SetSleep(s.sleep)
	return m
}

// environment returns a set-up environment for entering the chroot.
func (s *Service) environment(logger log.LibraryLogger) (environment.Environment, error) {
	env := s.env
	if env == nil {
		var err error
		if env, err = environment.New(s.backend); err != nil {
			return nil, err
		}
	}
	if err := env.Setup(s.cfg, logger); err != nil {
		env.Cleanup()
		return nil, err
	}
	return env, nil
}

// versionFile returns the version file as seen by this process.
func (s *Service) versionFile() string {
	if s.inside(s.cfg.VersionFile) {
		return "/" + s.cfg.VersionFile
	}
	return s.cfg.VersionFilePath()
}

// updater returns an Updater for the chroot. env may be nil when no hooks
// will be run.
func (s *Service) updater(env environment.Environment, logger log.LibraryLogger) *migration.Updater {
	return migration.NewUpdater(s.versionFile(), s.cfg.HooksPath, s.runner, env, logger)
}
