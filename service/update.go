package service

import (
	"context"
	"path/filepath"

	"chrootsdk/log"
	"chrootsdk/migration"
	"chrootsdk/statedb"
)

// Update runs the version hooks the chroot has not seen yet, inside the
// chroot, recording each hook run in the state database.
func (s *Service) Update(ctx context.Context, opts UpdateOptions) (*UpdateResult, error) {
	result := &UpdateResult{}

	runID, err := s.run("update", func(runID string, logger log.LibraryLogger) error {
		return s.update(ctx, runID, opts, logger, result)
	})

	result.RunID = runID
	return result, err
}

func (s *Service) update(ctx context.Context, runID string, opts UpdateOptions, logger log.LibraryLogger, result *UpdateResult) error {
	env, err := s.environment(logger)
	if err != nil {
		return err
	}
	defer env.Cleanup()

	u := s.updater(env, logger)
	u.AllowUninitialized = opts.AllowUninitialized || s.cfg.AllowUninitialized
	u.Output = opts.Output
	u.OnApplied = func(r migration.HookResult) {
		result.Applied = append(result.Applied, r)
		s.recordHook(runID, r, logger)
	}

	from, err := u.GetVersion()
	if err != nil {
		return err
	}
	result.From, result.To = from, from

	err = u.ApplyUpdates(ctx)

	if v, ok := migration.GetChrootVersion(u.VersionFile()); ok {
		result.To = v
		if dberr := s.db.UpdateChroot(s.cfg.ChrootPath, func(rec *statedb.ChrootRecord) {
			rec.Version = v
			rec.HasVersion = true
		}); dberr != nil {
			logger.Warn("Failed to record chroot version: %v", dberr)
		}
	}
	return err
}

// recordHook persists one hook run and writes it to the main log.
func (s *Service) recordHook(runID string, r migration.HookResult, logger log.LibraryLogger) {
	name := filepath.Base(r.Hook)
	rec := &statedb.HookRecord{
		RunID:    runID,
		Path:     s.cfg.ChrootPath,
		Hook:     name,
		Version:  r.Version,
		ExitCode: r.ExitCode,
		Status:   statedb.RunStatusSuccess,
		Duration: r.Duration,
	}
	if r.Err != nil {
		rec.Status = statedb.RunStatusFailed
		rec.Error = r.Err.Error()
		s.logger.HookFailed(name, r.Version, r.ExitCode)
	} else {
		s.logger.HookApplied(name, r.Version)
	}

	if err := s.db.PutHook(rec); err != nil {
		logger.Warn("Failed to record hook %s: %v", name, err)
	}
}
