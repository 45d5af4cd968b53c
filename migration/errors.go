package migration

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoHooks is returned when the hook directory holds no version hooks.
var ErrNoHooks = errors.New("no version hooks found")

// UninitializedChrootError means the version file does not exist yet. The
// chroot has never been fully initialized.
type UninitializedChrootError struct {
	Path string
}

func (e *UninitializedChrootError) Error() string {
	return fmt.Sprintf("chroot is not initialized: %s does not exist", e.Path)
}

// InvalidChrootVersionError means the version cannot be trusted: either the
// file does not hold an integer, or the version is newer than every known
// hook. Either way the chroot has to be recreated.
type InvalidChrootVersionError struct {
	Path    string
	Content string // set when the file could not be parsed
	Version int
	Latest  int // set when Version is newer than all hooks
	Err     error
}

func (e *InvalidChrootVersionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid chroot version in %s: %q: %v", e.Path, e.Content, e.Err)
	}
	return fmt.Sprintf("chroot version %d is newer than the latest known version %d; the chroot must be recreated",
		e.Version, e.Latest)
}

func (e *InvalidChrootVersionError) Unwrap() error {
	return e.Err
}

// ChrootDeprecatedError means the hooks needed to bridge the chroot to the
// latest version are no longer available.
type ChrootDeprecatedError struct {
	Version int // current chroot version
	Missing int // first version without a hook
}

func (e *ChrootDeprecatedError) Error() string {
	return fmt.Sprintf("chroot version %d is too old to update: no hook for version %d; the chroot must be recreated",
		e.Version, e.Missing)
}

// ChrootUpdateError names the hook that stopped an update.
type ChrootUpdateError struct {
	Hook     string
	Version  int
	ExitCode int
	Err      error // set when the hook could not be run at all
}

func (e *ChrootUpdateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("error running chroot update hook %s: %v", e.Hook, e.Err)
	}
	return fmt.Sprintf("error running chroot update hook %s: exit code %d", e.Hook, e.ExitCode)
}

func (e *ChrootUpdateError) Unwrap() error {
	return e.Err
}

// VersionHasMultipleHooksError reports two hook files claiming one version.
type VersionHasMultipleHooksError struct {
	Version int
	Hooks   []string
}

func (e *VersionHasMultipleHooksError) Error() string {
	return fmt.Sprintf("version %d has multiple hooks: %s", e.Version, strings.Join(e.Hooks, ", "))
}
