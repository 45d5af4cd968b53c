package service

import (
	"context"
	"errors"
	"time"

	"chrootsdk/chroot"
	"chrootsdk/log"
	"chrootsdk/statedb"
	"chrootsdk/util"
)

// Cleanup unmounts the chroot and releases its volume group and loop
// device. With opts.DeleteImage the image and the mountpoint are removed
// and the chroot is forgotten by the state database.
//
// This method handles all the business logic but does not interact with
// the user. The caller is responsible for confirming a destructive cleanup.
func (s *Service) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	result := &CleanupResult{Path: s.cfg.ChrootPath}
	start := time.Now()

	runID, err := s.run("cleanup", func(_ string, logger log.LibraryLogger) error {
		return s.cleanup(ctx, opts, logger, result)
	})

	result.RunID = runID
	result.Duration = time.Since(start)
	return result, err
}

func (s *Service) cleanup(ctx context.Context, opts CleanupOptions, logger log.LibraryLogger, result *CleanupResult) error {
	path := s.cfg.ChrootPath

	if err := s.manager(logger).CleanupChrootMount(ctx, path, opts.DeleteImage); err != nil {
		var uerr *chroot.UnmountError
		if errors.As(err, &uerr) {
			s.logger.Diagnostic("fuser -mv "+path, uerr.Fuser)
			s.logger.Diagnostic("lsof "+path, uerr.Lsof)
			s.logger.Diagnostic("ps auxf", uerr.Ps)
		}
		return err
	}

	if opts.DeleteImage {
		result.ImageDeleted = !util.FileExists(s.cfg.ImagePath())
		return s.db.DeleteChroot(path)
	}

	return s.db.UpdateChroot(path, func(rec *statedb.ChrootRecord) {
		rec.Image = s.cfg.ImagePath()
		rec.Mounted = false
		rec.Device = ""
	})
}
