// Package mount enumerates the mount table and mounts or unmounts the
// filesystems of the chroot.
package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/sys/mountinfo"

	"chrootsdk/command"
	"chrootsdk/log"
)

// Entry is one line of the mount table.
type Entry struct {
	Source      string
	Destination string
	FSType      string
}

// List returns the mount table in mount order. An empty procFile reads the
// table of the current process; otherwise procFile is parsed as a file in
// /proc/<pid>/mountinfo format.
func List(procFile string) ([]Entry, error) {
	var (
		infos []*mountinfo.Info
		err   error
	)
	if procFile == "" {
		infos, err = mountinfo.GetMounts(nil)
	} else {
		var f *os.File
		f, err = os.Open(procFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open mount table: %w", err)
		}
		defer f.Close()
		infos, err = mountinfo.GetMountsFromReader(f, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{
			Source:      info.Source,
			Destination: info.Mountpoint,
			FSType:      info.FSType,
		})
	}
	return entries, nil
}

// At returns the topmost mount whose destination is exactly path.
func At(procFile, path string) (Entry, bool, error) {
	entries, err := List(procFile)
	if err != nil {
		return Entry{}, false, err
	}
	path = filepath.Clean(path)
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Destination == path {
			return entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}

// Under returns the mounts at or below path, deepest first. Mounts stacked
// on the same destination come out most recent first.
func Under(procFile, path string) ([]Entry, error) {
	entries, err := List(procFile)
	if err != nil {
		return nil, err
	}

	path = filepath.Clean(path)
	var under []Entry
	for i := len(entries) - 1; i >= 0; i-- {
		d := entries[i].Destination
		if d == path || strings.HasPrefix(d, path+"/") {
			under = append(under, entries[i])
		}
	}
	sort.SliceStable(under, func(i, j int) bool {
		return depth(under[i].Destination) > depth(under[j].Destination)
	})
	return under, nil
}

func depth(p string) int {
	return strings.Count(filepath.Clean(p), "/")
}

// Mount mounts source on target with the given filesystem type and
// options, elevated.
func Mount(ctx context.Context, r command.Runner, fstype, opts, source, target string) error {
	args := []string{"mount"}
	if fstype != "" {
		args = append(args, "-t"+fstype)
	}
	if opts != "" {
		args = append(args, "-o"+opts)
	}
	args = append(args, source, target)
	_, err := r.Run(ctx, command.Sudo(args...))
	return err
}

// UnmountTree unmounts everything at or below path, deepest first,
// detaching loop devices as it goes (umount -d). It stops at the first
// failure.
func UnmountTree(ctx context.Context, r command.Runner, procFile, path string, logger log.LibraryLogger) error {
	logger = log.OrNoOp(logger)

	entries, err := Under(procFile, path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		logger.Debug("Unmounting %s (%s)", e.Destination, e.Source)
		if _, err := r.Run(ctx, command.Sudo("umount", "-d", e.Destination)); err != nil {
			return fmt.Errorf("unmount %s: %w", e.Destination, err)
		}
	}
	return nil
}
