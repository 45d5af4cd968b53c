package service

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"chrootsdk/log"
	"chrootsdk/lvm"
	"chrootsdk/migration"
	"chrootsdk/mount"
)

// Status reports the state of the chroot: image, mount, version and hooks,
// plus what the state database remembers. It changes nothing and is not
// recorded as a run.
func (s *Service) Status(ctx context.Context, opts StatusOptions) (*StatusResult, error) {
	path := s.cfg.ChrootPath
	result := &StatusResult{
		Path:  path,
		Image: s.cfg.ImagePath(),
	}

	var st unix.Stat_t
	if err := unix.Stat(result.Image, &st); err == nil {
		result.ImageExists = true
		result.ImageSize = st.Size
		result.ImageAllocated = st.Blocks * 512
	}

	entry, mounted, err := mount.At(s.cfg.ProcMounts, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	if mounted {
		result.Mounted = true
		result.MountSource = entry.Source
		if name, ok := lvm.ParseMapperSource(entry.Source); ok {
			result.VG = name.VG
		}
	}

	result.Version, result.HasVersion = migration.GetChrootVersion(s.versionFile())

	u := s.updater(nil, log.NoOpLogger{})
	if latest, err := u.LatestVersion(); err != nil {
		result.HooksError = err.Error()
	} else {
		result.LatestVersion = latest
		result.EarliestVersion, _ = u.EarliestVersion()
		if result.HasVersion {
			if updates, err := u.GetChrootUpdates(); err != nil {
				result.HooksError = err.Error()
			} else {
				result.PendingUpdates = len(updates)
			}
		}
	}

	if result.Record, err = s.db.GetChroot(path); err != nil {
		return nil, fmt.Errorf("failed to read chroot record: %w", err)
	}
	if result.ActiveRun, err = s.db.ActiveRun(path); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}

	if opts.RecentRuns > 0 {
		runs, err := s.db.RecentRuns(path, opts.RecentRuns)
		if err != nil {
			return nil, fmt.Errorf("failed to read runs: %w", err)
		}
		for _, r := range runs {
			result.Runs = append(result.Runs, RunSummary{
				ID:       r.ID,
				Op:       r.Op,
				Status:   r.Status,
				Started:  r.StartTime,
				Duration: r.Duration(),
				Error:    r.Error,
			})
		}
	}

	return result, nil
}
