// Package chroot builds and tears down the storage stack behind a chroot:
//
//	sparse image -> loop device -> volume group -> thin pool -> logical
//	volume -> ext4 filesystem -> mountpoint
//
// MountChroot is idempotent and reuses whatever part of the stack already
// exists. CleanupChrootMount is best effort: every step tolerates its
// resource being absent, so it can be rerun from any partial state. Neither
// takes locks; callers serialize operations on the same path.
package chroot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"chrootsdk/command"
	"chrootsdk/config"
	"chrootsdk/log"
	"chrootsdk/lvm"
	"chrootsdk/mount"
	"chrootsdk/util"
)

const (
	activateAttempts = 3
	devicePollTries  = 3
	pollInterval     = time.Second
)

// EventRecorder receives lifecycle events. *log.Logger implements it.
type EventRecorder interface {
	Mounted(path, source string)
	Unmounted(path string, deleted bool)
}

type noEvents struct{}

func (noEvents) Mounted(string, string)  {}
func (noEvents) Unmounted(string, bool) {}

// Manager provisions and releases chroot mounts.
type Manager struct {
	runner command.Runner
	logger log.LibraryLogger
	events EventRecorder

	procMounts     string
	versionFile    string
	imageSize      int64
	thinPoolSize   int64
	volumeSize     int64
	cleanupTimeout time.Duration

	sleep  func(time.Duration)
	exists func(string) bool
}

// NewManager returns a Manager using the sizes, version file, mount table
// and cleanup deadline from cfg.
func NewManager(cfg *config.Config, runner command.Runner, logger log.LibraryLogger) *Manager {
	return &Manager{
		runner:         runner,
		logger:         log.OrNoOp(logger),
		events:         noEvents{},
		procMounts:     cfg.ProcMounts,
		versionFile:    cfg.VersionFile,
		imageSize:      cfg.ImageSize,
		thinPoolSize:   cfg.ThinPoolSize,
		volumeSize:     cfg.VolumeSize,
		cleanupTimeout: cfg.CleanupTimeout,
		sleep:          time.Sleep,
		exists:         util.FileExists,
	}
}

// SetEventRecorder routes lifecycle events to rec.
func (m *Manager) SetEventRecorder(rec EventRecorder) {
	if rec == nil {
		rec = noEvents{}
	}
	m.events = rec
}

// SetSleep replaces the pause between activation attempts and device polls.
func (m *Manager) SetSleep(fn func(time.Duration)) {
	m.sleep = fn
}

// ImagePath returns the backing image of the chroot at path.
func ImagePath(path string) string {
	return filepath.Clean(path) + ".img"
}

// lvmSize renders a byte count for lvcreate (binary units).
func lvmSize(n int64) string {
	switch {
	case n%units.GiB == 0:
		return fmt.Sprintf("%dG", n/units.GiB)
	case n%units.MiB == 0:
		return fmt.Sprintf("%dM", n/units.MiB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// truncateSize renders a byte count for truncate -s, where a bare "B"
// suffix is not accepted.
func truncateSize(n int64) string {
	if n%units.GiB == 0 {
		return fmt.Sprintf("%dG", n/units.GiB)
	}
	return fmt.Sprintf("%d", n)
}

// MountSource returns the volume group and logical volume mounted at path
// when the mount follows the cros_ naming convention.
func (m *Manager) MountSource(path string) (lvm.MapperName, bool, error) {
	entry, ok, err := mount.At(m.procMounts, path)
	if err != nil || !ok {
		return lvm.MapperName{}, false, err
	}
	name, ok := lvm.ParseMapperSource(entry.Source)
	if !ok || !strings.HasPrefix(name.VG, lvm.VGNamePrefix) {
		return lvm.MapperName{}, false, nil
	}
	return name, true, nil
}

// MountChroot makes sure the chroot at path is mounted, building whatever
// part of the storage stack is missing. A missing image is only created
// when create is set.
//
// It returns true when the chroot is mounted afterwards, false when it
// refused (missing image, foreign filesystem at path, no free volume group
// name). Failed external commands are returned as errors.
func (m *Manager) MountChroot(ctx context.Context, path string, create bool) (bool, error) {
	path = filepath.Clean(path)

	if m.exists(filepath.Join(path, m.versionFile)) {
		m.logger.Debug("%s already has a version file, assuming it is set up", path)
		return true, nil
	}

	entry, mounted, err := mount.At(m.procMounts, path)
	if err != nil {
		return false, &MountError{Op: "mount-table", Path: path, Err: err}
	}
	if mounted {
		if name, ok := lvm.ParseMapperSource(entry.Source); ok && strings.HasPrefix(name.VG, lvm.VGNamePrefix) {
			m.logger.Debug("%s already mounted from %s", path, entry.Source)
			return true, nil
		}
		m.logger.Error("%s is already mounted from %s (%s); refusing to mount over it", path, entry.Source, entry.FSType)
		return false, nil
	}

	image := ImagePath(path)
	var device string

	if !m.exists(image) {
		if !create {
			m.logger.Info("Image %s does not exist and creation was not requested", image)
			return false, nil
		}
		m.logger.Info("Creating %s sparse image %s", units.BytesSize(float64(m.imageSize)), image)
		if _, err := m.runner.Run(ctx, command.Sudo("truncate", "-s", truncateSize(m.imageSize), image)); err != nil {
			return false, &MountError{Op: "create-image", Path: path, Err: err}
		}
		if device, err = lvm.AttachDeviceToFile(ctx, m.runner, image, m.logger); err != nil {
			return false, &MountError{Op: "attach", Path: path, Err: err}
		}
	}

	if device == "" {
		found, err := lvm.DeviceFromFile(ctx, m.runner, image)
		if err != nil {
			return false, &MountError{Op: "find-device", Path: path, Err: err}
		}
		if found.Found {
			device = found.Name
		} else if device, err = lvm.AttachDeviceToFile(ctx, m.runner, image, m.logger); err != nil {
			return false, &MountError{Op: "attach", Path: path, Err: err}
		}
	}

	vgLookup, err := lvm.FindVolumeGroupForDevice(ctx, m.runner, path, device, m.logger)
	if err != nil {
		return false, &MountError{Op: "find-vg", Path: path, Err: err}
	}
	if !vgLookup.Found {
		m.logger.Error("No volume group available for %s on %s", path, device)
		return false, nil
	}
	vg := vgLookup.Name

	vgExists, err := lvm.VGExists(ctx, m.runner, vg)
	if err != nil {
		return false, &MountError{Op: "find-vg", Path: path, Err: err}
	}
	if vgExists {
		if err := m.activateVG(ctx, vg); err != nil {
			return false, &MountError{Op: "activate-vg", Path: path, Err: err}
		}
	} else {
		m.logger.Info("Creating volume group %s on %s", vg, device)
		if _, err := m.runner.Run(ctx, command.Sudo("vgcreate", "-q", vg, device)); err != nil {
			return false, &MountError{Op: "create-vg", Path: path, Err: err}
		}
	}

	lvExists, err := lvm.LVExists(ctx, m.runner, vg, lvm.ChrootLVName)
	if err != nil {
		return false, &MountError{Op: "find-lv", Path: path, Err: err}
	}
	dev := lvm.DevicePath(vg, lvm.ChrootLVName)
	if !lvExists {
		if err := m.createLV(ctx, vg, dev); err != nil {
			return false, &MountError{Op: "create-lv", Path: path, Err: err}
		}
	}

	if _, err := util.SafeMakedirsNonRoot(ctx, m.runner, path); err != nil {
		return false, &MountError{Op: "mkdir", Path: path, Err: err}
	}

	m.waitForDevice(dev)

	if err := mount.Mount(ctx, m.runner, "ext4", "noatime", dev, path); err != nil {
		return false, &MountError{Op: "mount", Path: path, Err: err}
	}

	m.logger.Info("Mounted %s at %s", dev, path)
	m.events.Mounted(path, dev)
	return true, nil
}

// activateVG runs vgchange -ay, retrying because LVM's background
// consistency checks make it fail transiently.
func (m *Manager) activateVG(ctx context.Context, vg string) error {
	for attempt := 1; ; attempt++ {
		_, err := m.runner.Run(ctx, command.Sudo("vgchange", "-q", "-ay", vg))
		if err == nil {
			return nil
		}
		if attempt >= activateAttempts || ctx.Err() != nil {
			return err
		}
		m.logger.Warn("Activating %s failed (attempt %d/%d): %v", vg, attempt, activateAttempts, err)
		m.sleep(pollInterval)
	}
}

func (m *Manager) createLV(ctx context.Context, vg, dev string) error {
	m.logger.Info("Creating %s thin volume %s/%s in a %s pool",
		units.BytesSize(float64(m.volumeSize)), vg, lvm.ChrootLVName, units.BytesSize(float64(m.thinPoolSize)))

	if _, err := m.runner.Run(ctx, command.Sudo(
		"lvcreate", "-q",
		"-L"+lvmSize(m.thinPoolSize),
		"-T", vg+"/"+lvm.ThinPoolName,
		"-V"+lvmSize(m.volumeSize),
		"-n", lvm.ChrootLVName,
	)); err != nil {
		return err
	}

	_, err := m.runner.Run(ctx, command.Sudo("mke2fs", "-q", "-m", "0", "-t", "ext4", dev))
	return err
}

// waitForDevice polls for the device node. A node that never shows up is
// only logged; the mount that follows reports the real failure.
func (m *Manager) waitForDevice(dev string) {
	for i := 0; i < devicePollTries; i++ {
		if m.exists(dev) {
			return
		}
		m.sleep(pollInterval)
	}
	m.logger.Warn("Device %s did not appear after %d checks, trying to mount anyway", dev, devicePollTries)
}
