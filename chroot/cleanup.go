package chroot

import (
	"context"
	"path/filepath"

	"chrootsdk/command"
	"chrootsdk/lvm"
	"chrootsdk/mount"
	"chrootsdk/util"
)

// CleanupChrootMount unmounts the chroot at path and releases its volume
// group and loop device. With deleteImage the backing image and the
// mountpoint directory are removed too.
//
// Each step is skipped when its resource cannot be found, so a chroot left
// half built (or half torn down) is cleaned up all the same. The whole call
// is bounded by the configured cleanup timeout and returns a
// *util.TimeoutError when it runs over.
func (m *Manager) CleanupChrootMount(ctx context.Context, path string, deleteImage bool) error {
	path = filepath.Clean(path)
	return util.WithTimeout(ctx, m.cleanupTimeout, func(ctx context.Context) error {
		return m.cleanup(ctx, path, deleteImage)
	})
}

func (m *Manager) cleanup(ctx context.Context, path string, deleteImage bool) error {
	image := ImagePath(path)

	// The mapping is only observable while the filesystem is mounted.
	var vg string
	name, ok, err := m.MountSource(path)
	if err != nil {
		m.logger.Warn("Reading mount table for %s: %v", path, err)
	} else if ok {
		vg = name.VG
	}

	if err := mount.UnmountTree(ctx, m.runner, m.procMounts, path, m.logger); err != nil {
		return m.unmountError(ctx, path, err)
	}

	var device string
	if vg != "" {
		found, err := lvm.DeviceFromVG(ctx, m.runner, vg)
		if err != nil {
			return &MountError{Op: "find-device", Path: path, Err: err}
		}
		if found.Found {
			device = found.Name
		} else {
			m.logger.Info("Volume group %s is no longer known to LVM", vg)
			vg = ""
		}
	}

	if device == "" && m.exists(image) {
		found, err := lvm.DeviceFromFile(ctx, m.runner, image)
		if err != nil {
			return &MountError{Op: "find-device", Path: path, Err: err}
		}
		if found.Found {
			device = found.Name
		}
	}

	if vg == "" && device != "" {
		found, err := lvm.FindVolumeGroupForDevice(ctx, m.runner, path, device, m.logger)
		if err != nil {
			return &MountError{Op: "find-vg", Path: path, Err: err}
		}
		if found.Found {
			valid, err := lvm.VGExists(ctx, m.runner, found.Name)
			if err != nil {
				return &MountError{Op: "find-vg", Path: path, Err: err}
			}
			if valid {
				vg = found.Name
			}
		}
	}

	if vg != "" {
		m.logger.Info("Deactivating volume group %s", vg)
		if _, err := m.runner.Run(ctx, command.Sudo("vgchange", "-q", "-an", vg)); err != nil {
			return &MountError{Op: "deactivate-vg", Path: path, Err: err}
		}
	}

	if device != "" {
		m.logger.Info("Detaching loop device %s", device)
		if _, err := m.runner.Run(ctx, command.Sudo("losetup", "-d", device)); err != nil {
			return &MountError{Op: "detach", Path: path, Err: err}
		}
	}

	if deleteImage {
		if removed, err := util.SafeUnlink(ctx, m.runner, image, true); err != nil {
			return &MountError{Op: "delete-image", Path: path, Err: err}
		} else if removed {
			m.logger.Info("Deleted %s", image)
		}
		if err := util.RmDir(ctx, m.runner, path, true, true); err != nil {
			return &MountError{Op: "delete-mountpoint", Path: path, Err: err}
		}
	}

	if device != "" {
		if err := lvm.RescanDevice(ctx, m.runner, device); err != nil {
			m.logger.Warn("Rescan of %s failed: %v", device, err)
		}
	}

	m.events.Unmounted(path, deleteImage)
	return nil
}

// unmountError collects who still holds the mount. Every probe may fail;
// its output is kept either way.
func (m *Manager) unmountError(ctx context.Context, path string, cause error) error {
	probe := func(cmd *command.Command) string {
		res, err := m.runner.Run(ctx, cmd.Quiet())
		if res == nil {
			if err != nil {
				return err.Error()
			}
			return ""
		}
		return res.Stdout + res.Stderr
	}

	uerr := &UnmountError{
		Path:  path,
		Fuser: probe(command.Sudo("fuser", "-mv", path)),
		Lsof:  probe(command.Sudo("lsof", path)),
		Ps:    probe(command.New("ps", "auxf")),
		Err:   cause,
	}
	m.logger.Error("%v", uerr)
	return uerr
}
