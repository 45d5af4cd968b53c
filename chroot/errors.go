package chroot

import (
	"fmt"
	"strings"
)

// MountError reports a failed step while building or tearing down the
// storage stack of a chroot.
type MountError struct {
	Op   string // Step: "create-image", "attach", "activate-vg", "mount", "deactivate-vg", ...
	Path string // Chroot path
	Err  error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("chroot %s: %s failed: %v", e.Path, e.Op, e.Err)
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// UnmountError reports that the chroot could not be unmounted. It carries
// the output of fuser, lsof and ps taken right after the failure so the
// processes holding the mount can be identified afterwards.
type UnmountError struct {
	Path  string
	Fuser string
	Lsof  string
	Ps    string
	Err   error
}

func (e *UnmountError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "unmounting %s failed: %v\n", e.Path, e.Err)
	fmt.Fprintf(&sb, "fuser output=\n%s\n", e.Fuser)
	fmt.Fprintf(&sb, "lsof output=\n%s\n", e.Lsof)
	fmt.Fprintf(&sb, "ps output=\n%s", e.Ps)
	return sb.String()
}

func (e *UnmountError) Unwrap() error {
	return e.Err
}
