// Package migration tracks the version of a chroot and runs the hooks that
// bring it up to date.
//
// The version is a single integer stored in a file inside the chroot. Hooks
// live in one directory and are named <N>_<description>, N being the
// version the hook upgrades to. Updates run every hook in (current, latest]
// in ascending order and persist the version after each one, so a failed
// hook leaves the chroot at the last version that succeeded.
//
// Example usage:
//
//	u := migration.NewUpdater(cfg.VersionFilePath(), cfg.HooksPath, runner, env, logger)
//	if err := u.ApplyUpdates(ctx); err != nil {
//	    var deprecated *migration.ChrootDeprecatedError
//	    if errors.As(err, &deprecated) {
//	        // recreate the chroot
//	    }
//	    return err
//	}
package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"chrootsdk/command"
	"chrootsdk/environment"
	"chrootsdk/log"
	"chrootsdk/util"
)

// Update is one pending hook and the version it upgrades to.
type Update struct {
	Hook    string
	Version int
}

// HookResult reports the outcome of one hook run to Updater.OnApplied.
type HookResult struct {
	Update
	ExitCode int
	Duration time.Duration
	Err      error
}

// Updater drives the version of one chroot. Hook discovery is computed on
// first use and kept for the life of the Updater.
type Updater struct {
	versionFile string
	hooksDir    string
	runner      command.Runner
	env         environment.Environment
	logger      log.LibraryLogger

	// AllowUninitialized treats a missing version file as version 0.
	AllowUninitialized bool

	// Output receives hook stdout and stderr. Nil discards it.
	Output io.Writer

	// OnApplied is called after every hook run, successful or not.
	OnApplied func(HookResult)

	hooksLoaded bool
	hooks       map[int]string
	hooksErr    error
}

// NewUpdater returns an Updater for the version file at versionFile (host
// path) and the hooks in hooksDir. Hooks run through env; the version file
// is written through runner with elevated privileges.
func NewUpdater(versionFile, hooksDir string, runner command.Runner, env environment.Environment, logger log.LibraryLogger) *Updater {
	return &Updater{
		versionFile: versionFile,
		hooksDir:    hooksDir,
		runner:      runner,
		env:         env,
		logger:      log.OrNoOp(logger),
	}
}

// VersionFile returns the path of the version file.
func (u *Updater) VersionFile() string {
	return u.versionFile
}

// readVersion parses the version file at path.
func readVersion(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &UninitializedChrootError{Path: path}
		}
		return 0, err
	}
	content := strings.TrimSpace(string(data))
	v, err := strconv.Atoi(content)
	if err != nil {
		return 0, &InvalidChrootVersionError{Path: path, Content: content, Err: err}
	}
	if v < 0 {
		return 0, &InvalidChrootVersionError{Path: path, Content: content, Err: errors.New("negative version")}
	}
	return v, nil
}

// GetVersion returns the current chroot version.
func (u *Updater) GetVersion() (int, error) {
	v, err := readVersion(u.versionFile)
	var uninit *UninitializedChrootError
	if u.AllowUninitialized && errors.As(err, &uninit) {
		return 0, nil
	}
	return v, err
}

// GetChrootVersion reads the version file at versionFile, reporting false
// when the file is missing or unreadable instead of failing.
func GetChrootVersion(versionFile string) (int, bool) {
	v, err := readVersion(versionFile)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetVersion writes v to the version file and gives it to root.
func (u *Updater) SetVersion(ctx context.Context, v int) error {
	if v < 0 {
		return fmt.Errorf("invalid chroot version %d", v)
	}
	if err := util.WriteFile(ctx, u.runner, u.versionFile, []byte(strconv.Itoa(v)), true); err != nil {
		return fmt.Errorf("write %s: %w", u.versionFile, err)
	}
	if err := util.Chown(ctx, u.runner, u.versionFile, "root:root"); err != nil {
		return fmt.Errorf("chown %s: %w", u.versionFile, err)
	}
	return nil
}

// loadHooks scans the hook directory once.
func (u *Updater) loadHooks() (map[int]string, error) {
	if u.hooksLoaded {
		return u.hooks, u.hooksErr
	}
	u.hooksLoaded = true
	u.hooks, u.hooksErr = scanHooks(u.hooksDir, u.logger)
	return u.hooks, u.hooksErr
}

func scanHooks(dir string, logger log.LibraryLogger) (map[int]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read hook directory: %w", err)
	}

	hooks := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		prefix, _, found := strings.Cut(entry.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !found || err != nil || v < 0 {
			logger.Debug("Ignoring %s: not a version hook", entry.Name())
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if prev, ok := hooks[v]; ok {
			return nil, &VersionHasMultipleHooksError{Version: v, Hooks: []string{prev, path}}
		}
		hooks[v] = path
	}
	return hooks, nil
}

// HookFiles returns the hooks ordered by version.
func (u *Updater) HookFiles() ([]Update, error) {
	hooks, err := u.loadHooks()
	if err != nil {
		return nil, err
	}
	out := make([]Update, 0, len(hooks))
	for v, hook := range hooks {
		out = append(out, Update{Hook: hook, Version: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LatestVersion returns the highest version any hook upgrades to.
func (u *Updater) LatestVersion() (int, error) {
	hooks, err := u.HookFiles()
	if err != nil {
		return 0, err
	}
	if len(hooks) == 0 {
		return 0, ErrNoHooks
	}
	return hooks[len(hooks)-1].Version, nil
}

// EarliestVersion returns the lowest version any hook upgrades to.
func (u *Updater) EarliestVersion() (int, error) {
	hooks, err := u.HookFiles()
	if err != nil {
		return 0, err
	}
	if len(hooks) == 0 {
		return 0, ErrNoHooks
	}
	return hooks[0].Version, nil
}

// GetChrootUpdates lists the hooks needed to go from the current version to
// the latest one. A version in that range without a hook fails the whole
// computation with *ChrootDeprecatedError.
func (u *Updater) GetChrootUpdates() ([]Update, error) {
	current, err := u.GetVersion()
	if err != nil {
		return nil, err
	}
	latest, err := u.LatestVersion()
	if err != nil {
		return nil, err
	}
	hooks, err := u.loadHooks()
	if err != nil {
		return nil, err
	}

	var updates []Update
	for v := current + 1; v <= latest; v++ {
		hook, ok := hooks[v]
		if !ok {
			return nil, &ChrootDeprecatedError{Version: current, Missing: v}
		}
		updates = append(updates, Update{Hook: hook, Version: v})
	}
	return updates, nil
}

// ApplyUpdates runs every pending hook in order, recording the new version
// after each success. The first failing hook stops the update with
// *ChrootUpdateError; hooks already applied stay applied.
func (u *Updater) ApplyUpdates(ctx context.Context) error {
	current, err := u.GetVersion()
	if err != nil {
		return err
	}
	latest, err := u.LatestVersion()
	if err != nil {
		return err
	}
	if current > latest {
		return &InvalidChrootVersionError{Path: u.versionFile, Version: current, Latest: latest}
	}

	updates, err := u.GetChrootUpdates()
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		u.logger.Debug("Chroot is at version %d, nothing to do", current)
		return nil
	}

	u.logger.Info("Updating chroot from version %d to %d", current, latest)
	for _, up := range updates {
		if err := u.apply(ctx, up); err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) apply(ctx context.Context, up Update) error {
	u.logger.Info("Running update hook %s", filepath.Base(up.Hook))

	result := HookResult{Update: up, ExitCode: -1}

	cmd, err := u.hookCommand(up.Hook)
	if err == nil {
		var res *environment.ExecResult
		res, err = u.env.Execute(ctx, cmd)
		if c, ok := cmd.Stdin.(io.Closer); ok {
			c.Close()
		}
		if res != nil {
			result.ExitCode = res.ExitCode
			result.Duration = res.Duration
		}
	}

	switch {
	case err != nil:
		result.ExitCode = -1
		result.Err = &ChrootUpdateError{Hook: up.Hook, Version: up.Version, ExitCode: -1, Err: err}
	case result.ExitCode != 0:
		result.Err = &ChrootUpdateError{Hook: up.Hook, Version: up.Version, ExitCode: result.ExitCode}
	default:
		if err := u.SetVersion(ctx, up.Version); err != nil {
			result.Err = err
		}
	}

	if u.OnApplied != nil {
		u.OnApplied(result)
	}
	if result.Err != nil {
		u.logger.Error("%v", result.Err)
		return result.Err
	}
	return nil
}

// hookCommand builds the command running hook inside the environment. A
// hook visible from inside runs by path. One the environment cannot see
// (the hooks directory lives on the host, outside the chroot root) is fed
// to "bash -s" on stdin, with its name as $1.
func (u *Updater) hookCommand(hook string) (*environment.ExecCommand, error) {
	cmd := &environment.ExecCommand{
		Command: "bash",
		Stdout:  u.Output,
		Stderr:  u.Output,
	}
	if path, ok := u.env.InsidePath(hook); ok {
		cmd.Args = []string{path}
		return cmd, nil
	}

	f, err := os.Open(hook)
	if err != nil {
		return nil, err
	}
	cmd.Args = []string{"-s", filepath.Base(hook)}
	cmd.Stdin = f
	return cmd, nil
}
