package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"chrootsdk/command"
)

// AskYN prompts the user for yes/no confirmation
func AskYN(prompt string, defaultYes bool) bool {
	if defaultYes {
		fmt.Printf("%s [Y/n]: ", prompt)
	} else {
		fmt.Printf("%s [y/N]: ", prompt)
	}

	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}

	return response == "y" || response == "yes"
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DirExists checks if a directory exists
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// SafeMakedirs creates path and its parents, elevated when sudo is set.
// It reports whether the directory had to be created.
func SafeMakedirs(ctx context.Context, r command.Runner, path string, sudo bool) (bool, error) {
	if DirExists(path) {
		return false, nil
	}
	if !sudo {
		if err := os.MkdirAll(path, 0755); err != nil {
			return false, err
		}
		return true, nil
	}
	if _, err := r.Run(ctx, command.Sudo("mkdir", "-p", "--", path)); err != nil {
		return false, err
	}
	return true, nil
}

// NonRootUser returns the invoking non-root user: SUDO_USER when running
// as root, the current user otherwise. Empty means there is none.
func NonRootUser() string {
	if unix.Geteuid() == 0 {
		if u := os.Getenv("SUDO_USER"); u != "root" {
			return u
		}
		return ""
	}
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

// SafeMakedirsNonRoot creates path owned by the non-root user, so the
// directory stays usable after privileges are dropped. Without a non-root
// user it behaves like SafeMakedirs.
func SafeMakedirsNonRoot(ctx context.Context, r command.Runner, path string) (bool, error) {
	owner := NonRootUser()
	if owner == "" {
		return SafeMakedirs(ctx, r, path, false)
	}

	created, err := SafeMakedirs(ctx, r, path, true)
	if err != nil || !created {
		return created, err
	}
	return true, Chown(ctx, r, path, owner)
}

// Chown changes the owner (user or user:group) of path, elevated.
func Chown(ctx context.Context, r command.Runner, path, owner string) error {
	_, err := r.Run(ctx, command.Sudo("chown", owner, "--", path))
	return err
}

// RmDir removes the tree at path. With ignoreMissing a missing path is not
// an error.
func RmDir(ctx context.Context, r command.Runner, path string, ignoreMissing, sudo bool) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		if ignoreMissing {
			return nil
		}
		return err
	}
	if !sudo {
		return os.RemoveAll(path)
	}
	_, err := r.Run(ctx, command.Sudo("rm", "-rf", "--", path))
	return err
}

// SafeUnlink removes a single file, tolerating its absence. It reports
// whether something was removed.
func SafeUnlink(ctx context.Context, r command.Runner, path string, sudo bool) (bool, error) {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if !sudo {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
		return true, nil
	}
	if _, err := r.Run(ctx, command.Sudo("rm", "-f", "--", path)); err != nil {
		return false, err
	}
	return true, nil
}

// WriteFile replaces the contents of path. Unprivileged writes go through a
// temporary file and a rename; elevated writes pipe data into sudo tee.
func WriteFile(ctx context.Context, r command.Runner, path string, data []byte, sudo bool) error {
	if sudo {
		_, err := r.Run(ctx, &command.Command{
			Args:  []string{"tee", "--", path},
			Sudo:  true,
			Input: data,
		})
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// rootPath is where IsInsideChroot looks for the version marker.
var rootPath = "/"

// IsInsideChroot reports whether the process runs inside the managed
// chroot, that is whether the version marker (relative to /) is present.
// Any other chroot or sandbox lacks the marker and counts as outside.
func IsInsideChroot(versionFile string) bool {
	return FileExists(filepath.Join(rootPath, versionFile))
}
