package service

import (
	"context"
	"time"

	"chrootsdk/log"
	"chrootsdk/lvm"
	"chrootsdk/migration"
	"chrootsdk/mount"
	"chrootsdk/statedb"
)

// Mount makes sure the chroot is mounted, building the storage stack when
// opts.Create is set. It returns ErrMountRefused when the chroot could not
// be mounted but nothing failed (missing image, foreign mount at the path).
func (s *Service) Mount(ctx context.Context, opts MountOptions) (*MountResult, error) {
	result := &MountResult{Path: s.cfg.ChrootPath}
	start := time.Now()

	runID, err := s.run("mount", func(_ string, logger log.LibraryLogger) error {
		return s.mount(ctx, opts, logger, result)
	})

	result.RunID = runID
	result.Duration = time.Since(start)
	return result, err
}

func (s *Service) mount(ctx context.Context, opts MountOptions, logger log.LibraryLogger, result *MountResult) error {
	path := s.cfg.ChrootPath
	m := s.manager(logger)

	ok, err := m.MountChroot(ctx, path, opts.Create)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMountRefused
	}

	var device string
	name, found, err := m.MountSource(path)
	if err != nil {
		logger.Warn("Reading mount table for %s: %v", path, err)
	} else if found {
		result.VG = name.VG
		result.Source = lvm.DevicePath(name.VG, name.LV)
		if pv, err := lvm.DeviceFromVG(ctx, s.runner, name.VG); err == nil && pv.Found {
			device = pv.Name
		}
	}

	// MountChroot also accepts a chroot whose version file is present
	// without anything mounted (a plain directory tree), so the record
	// follows the mount table rather than the return value.
	_, mounted, err := mount.At(s.cfg.ProcMounts, path)
	if err != nil {
		logger.Warn("Reading mount table for %s: %v", path, err)
	}

	version, hasVersion := migration.GetChrootVersion(s.versionFile())
	if err := s.db.UpdateChroot(path, func(rec *statedb.ChrootRecord) {
		rec.Image = s.cfg.ImagePath()
		rec.Mounted = mounted
		if result.VG != "" {
			rec.VG = result.VG
			rec.Device = device
		}
		rec.Version = version
		rec.HasVersion = hasVersion
	}); err != nil {
		logger.Warn("Failed to record chroot state: %v", err)
	}
	return nil
}

// Ensure mounts the chroot and then brings it up to date, the way a
// command about to use the chroot would.
func (s *Service) Ensure(ctx context.Context, opts EnsureOptions) (*EnsureResult, error) {
	result := &EnsureResult{}

	mr, err := s.Mount(ctx, MountOptions{Create: opts.Create})
	result.Mount = mr
	if err != nil {
		return result, err
	}

	ur, err := s.Update(ctx, UpdateOptions{
		AllowUninitialized: opts.AllowUninitialized,
		Output:             opts.Output,
	})
	result.Update = ur
	return result, err
}
