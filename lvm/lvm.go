// Package lvm resolves and queries the loop devices and LVM objects that
// back a chroot image.
//
// The naming convention ties a volume group to a managed path: the path is
// sanitized, truncated to its last 90 characters and wrapped as
// "cros_<path>_NNN". A volume group already bound to the loop device always
// wins over the convention, since renaming a live group is unsafe.
//
// All tool output is scraped by the parsers in parse.go; functions here
// return a Lookup so callers handle "nothing there" explicitly.
package lvm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"chrootsdk/command"
	"chrootsdk/log"
)

const (
	// ThinPoolName is the thin pool inside the chroot volume group.
	ThinPoolName = "thinpool"

	// ChrootLVName is the logical volume holding the chroot filesystem.
	ChrootLVName = "chroot"

	// VGNamePrefix starts every conventionally named volume group.
	VGNamePrefix = "cros_"

	maxPathChars = 90
	maxSuffix    = 1000
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_+.-]`)

// VGPrefix returns the volume group name prefix derived from path.
func VGPrefix(path string) string {
	s := unsafeChars.ReplaceAllString(path, "+")
	if len(s) > maxPathChars {
		s = s[len(s)-maxPathChars:]
	}
	return VGNamePrefix + s + "_"
}

// ListBindings returns every volume group / physical volume pair known to
// LVM.
func ListBindings(ctx context.Context, r command.Runner) ([]Binding, error) {
	out, err := command.Output(ctx, r, command.Sudo(
		"vgs", "-q", "--noheadings", "-o", "vg_name,pv_name", "--unbuffered", "--separator", "\t"))
	if err != nil {
		return nil, fmt.Errorf("failed to list volume groups: %w", err)
	}
	return ParseVGBindings(out), nil
}

// FindVolumeGroupForDevice returns the volume group to use for device
// backing path.
//
// A group already bound to device is returned as is. Otherwise the lowest
// unused "<prefix>NNN" name is returned. When all 1000 names are taken the
// error is logged and NotFound is returned with a nil error.
func FindVolumeGroupForDevice(ctx context.Context, r command.Runner, path, device string, logger log.LibraryLogger) (Lookup, error) {
	logger = log.OrNoOp(logger)

	bindings, err := ListBindings(ctx, r)
	if err != nil {
		return NotFound, err
	}

	prefix := VGPrefix(path)
	taken := make(map[string]bool)
	for _, b := range bindings {
		if b.PV == device {
			return Found(b.VG), nil
		}
		if strings.HasPrefix(b.VG, prefix) {
			taken[b.VG] = true
		}
	}

	for i := 0; i < maxSuffix; i++ {
		name := fmt.Sprintf("%s%03d", prefix, i)
		if !taken[name] {
			return Found(name), nil
		}
	}

	logger.Error("All %d volume group names starting with %s are in use", maxSuffix, prefix)
	return NotFound, nil
}

// DeviceFromFile returns the loop device attached to image, if any.
func DeviceFromFile(ctx context.Context, r command.Runner, image string) (Lookup, error) {
	out, err := command.Output(ctx, r, command.Sudo("losetup", "-j", image))
	if err != nil {
		return NotFound, err
	}
	return ParseLoopDevice(out), nil
}

// AttachDeviceToFile attaches a new loop device to image and rescans it so
// LVM's metadata cache sees the volumes on it.
func AttachDeviceToFile(ctx context.Context, r command.Runner, image string, logger log.LibraryLogger) (string, error) {
	logger = log.OrNoOp(logger)

	out, err := command.Output(ctx, r, command.Sudo("losetup", "--show", "-f", image))
	if err != nil {
		return "", err
	}
	dev := ParseAttachedDevice(out)
	if !dev.Found {
		return "", fmt.Errorf("unable to find loop device in losetup output: %q", out)
	}

	logger.Info("Attached loop device %s to %s", dev.Name, image)
	if err := RescanDevice(ctx, r, dev.Name); err != nil {
		logger.Warn("Rescan of %s failed: %v", dev.Name, err)
	}
	return dev.Name, nil
}

// RescanDevice refreshes LVM's cached metadata for device. Failure is
// returned for the caller to log; it never has to abort anything.
func RescanDevice(ctx context.Context, r command.Runner, device string) error {
	_, err := r.Run(ctx, command.Sudo("pvscan", "--cache", device))
	return err
}

// VGExists reports whether LVM knows the volume group.
func VGExists(ctx context.Context, r command.Runner, vg string) (bool, error) {
	res, err := r.Run(ctx, command.Sudo("vgs", vg).Quiet())
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// LVExists reports whether the logical volume vg/lv exists.
func LVExists(ctx context.Context, r command.Runner, vg, lv string) (bool, error) {
	res, err := r.Run(ctx, command.Sudo("lvs", vg+"/"+lv).Quiet())
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// DeviceFromVG returns the physical volume backing vg. A group LVM cannot
// report on yields NotFound.
func DeviceFromVG(ctx context.Context, r command.Runner, vg string) (Lookup, error) {
	res, err := r.Run(ctx, command.Sudo(
		"vgs", "-q", "--noheadings", "-o", "pv_name", "--unbuffered", vg).Quiet())
	if err != nil {
		return NotFound, err
	}
	if !res.Success() {
		return NotFound, nil
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if pv := strings.TrimSpace(line); pv != "" {
			return Found(pv), nil
		}
	}
	return NotFound, nil
}

// DevicePath returns the device node of lv in vg.
func DevicePath(vg, lv string) string {
	return "/dev/" + vg + "/" + lv
}
