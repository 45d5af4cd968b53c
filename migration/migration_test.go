package migration

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"

	"chrootsdk/command"
	"chrootsdk/environment"
	"chrootsdk/log"
)

type testChroot struct {
	root        string
	hooksDir    string
	versionFile string
	runner      *command.FakeRunner
	env         *environment.MockEnvironment
	logger      *log.MemoryLogger
}

// newTestChroot lays out a chroot with hooks under /hooks and the version
// file under /etc. An empty version leaves the file absent.
func newTestChroot(t *testing.T, version string, hooks ...string) *testChroot {
	t.Helper()
	root := t.TempDir()
	tc := &testChroot{
		root:        root,
		hooksDir:    filepath.Join(root, "hooks"),
		versionFile: filepath.Join(root, "etc", "cros_chroot_version"),
		runner:      command.NewFakeRunner(),
		env:         environment.NewMockEnvironment().(*environment.MockEnvironment),
		logger:      log.NewMemoryLogger(),
	}
	tc.env.BasePath = root

	for _, dir := range []string{tc.hooksDir, filepath.Dir(tc.versionFile)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	for _, h := range hooks {
		if err := os.WriteFile(filepath.Join(tc.hooksDir, h), []byte("#!/bin/bash\n"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if version != "" {
		tc.writeVersion(t, version)
	}

	tc.runner.On(func(_ context.Context, cmd *command.Command) command.Reply {
		if err := os.WriteFile(cmd.Args[len(cmd.Args)-1], cmd.Input, 0644); err != nil {
			return command.Reply{ExitCode: 1, Stderr: err.Error()}
		}
		return command.Reply{Stdout: string(cmd.Input)}
	}, "tee")
	return tc
}

func (tc *testChroot) writeVersion(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(tc.versionFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (tc *testChroot) updater() *Updater {
	return NewUpdater(tc.versionFile, tc.hooksDir, tc.runner, tc.env, tc.logger)
}

func (tc *testChroot) failHook(name string, code int) {
	tc.env.ExitCodes["bash /hooks/"+name] = code
}

func (tc *testChroot) version(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(tc.versionFile)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestGetChrootVersion(t *testing.T) {
	tests := []struct {
		name    string
		content *string
		want    int
		wantOK  bool
	}{
		{"missing", nil, 0, false},
		{"valid", ptr("42"), 42, true},
		{"whitespace", ptr("  7\n"), 7, true},
		{"garbage", ptr("seven"), 0, false},
		{"empty", ptr(""), 0, false},
		{"negative", ptr("-3"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "version")
			if tt.content != nil {
				if err := os.WriteFile(path, []byte(*tt.content), 0644); err != nil {
					t.Fatal(err)
				}
			}
			got, ok := GetChrootVersion(path)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("GetChrootVersion() = %d, %v; want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if _, ok := GetChrootVersion(t.TempDir()); ok {
		t.Error("GetChrootVersion(directory) should report false")
	}
}

func ptr(s string) *string { return &s }

func TestGetVersion_Errors(t *testing.T) {
	tc := newTestChroot(t, "", "1_init")
	u := tc.updater()

	var uninit *UninitializedChrootError
	if _, err := u.GetVersion(); !errors.As(err, &uninit) {
		t.Errorf("GetVersion() error = %v, want *UninitializedChrootError", err)
	}

	u.AllowUninitialized = true
	if v, err := u.GetVersion(); err != nil || v != 0 {
		t.Errorf("GetVersion() with AllowUninitialized = %d, %v; want 0, nil", v, err)
	}

	tc.writeVersion(t, "not a number")
	var invalid *InvalidChrootVersionError
	if _, err := u.GetVersion(); !errors.As(err, &invalid) {
		t.Errorf("GetVersion() error = %v, want *InvalidChrootVersionError", err)
	} else if invalid.Content != "not a number" {
		t.Errorf("Content = %q", invalid.Content)
	}
}

func TestSetVersion_RoundTrip(t *testing.T) {
	tc := newTestChroot(t, "3", "1_init")
	u := tc.updater()

	if err := u.SetVersion(context.Background(), 7); err != nil {
		t.Fatalf("SetVersion() error = %v", err)
	}
	if v, err := u.GetVersion(); err != nil || v != 7 {
		t.Errorf("GetVersion() = %d, %v; want 7, nil", v, err)
	}

	want := []string{
		"sudo tee -- " + tc.versionFile,
		"sudo chown root:root -- " + tc.versionFile,
	}
	if got := tc.runner.Commandlines(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %q, want %q", got, want)
	}
}

func TestSetVersion_Negative(t *testing.T) {
	tc := newTestChroot(t, "3")
	if err := tc.updater().SetVersion(context.Background(), -1); err == nil {
		t.Error("SetVersion(-1) should fail")
	}
}

func TestLatestAndEarliestVersion(t *testing.T) {
	tc := newTestChroot(t, "11", "11_x", "12_y", "13_z", "15_w", "README", "notes_1")
	if err := os.Mkdir(filepath.Join(tc.hooksDir, "20_dir"), 0755); err != nil {
		t.Fatal(err)
	}
	u := tc.updater()

	if v, err := u.LatestVersion(); err != nil || v != 15 {
		t.Errorf("LatestVersion() = %d, %v; want 15", v, err)
	}
	if v, err := u.EarliestVersion(); err != nil || v != 11 {
		t.Errorf("EarliestVersion() = %d, %v; want 11", v, err)
	}

	hooks, err := u.HookFiles()
	if err != nil {
		t.Fatal(err)
	}
	var versions []int
	for _, h := range hooks {
		versions = append(versions, h.Version)
	}
	if !reflect.DeepEqual(versions, []int{11, 12, 13, 15}) {
		t.Errorf("HookFiles() versions = %v", versions)
	}
}

func TestHookFiles_Cached(t *testing.T) {
	tc := newTestChroot(t, "1", "1_a", "2_b")
	u := tc.updater()

	if v, _ := u.LatestVersion(); v != 2 {
		t.Fatalf("LatestVersion() = %d, want 2", v)
	}
	if err := os.WriteFile(filepath.Join(tc.hooksDir, "3_c"), nil, 0755); err != nil {
		t.Fatal(err)
	}
	if v, _ := u.LatestVersion(); v != 2 {
		t.Errorf("LatestVersion() after new hook = %d, want cached 2", v)
	}
	if v, _ := tc.updater().LatestVersion(); v != 3 {
		t.Errorf("fresh Updater LatestVersion() = %d, want 3", v)
	}
}

func TestHookFiles_Duplicate(t *testing.T) {
	tc := newTestChroot(t, "1", "1_a", "2_b", "2_c")

	var dup *VersionHasMultipleHooksError
	if _, err := tc.updater().LatestVersion(); !errors.As(err, &dup) {
		t.Fatalf("LatestVersion() error = %v, want *VersionHasMultipleHooksError", err)
	}
	if dup.Version != 2 || len(dup.Hooks) != 2 {
		t.Errorf("error = %+v", dup)
	}
}

func TestHookFiles_Empty(t *testing.T) {
	tc := newTestChroot(t, "1")
	if _, err := tc.updater().LatestVersion(); !errors.Is(err, ErrNoHooks) {
		t.Errorf("LatestVersion() error = %v, want ErrNoHooks", err)
	}
}

func TestApplyUpdates_Gap(t *testing.T) {
	tc := newTestChroot(t, "12", "11_x", "12_y", "13_z", "15_w")
	u := tc.updater()

	err := u.ApplyUpdates(context.Background())
	var deprecated *ChrootDeprecatedError
	if !errors.As(err, &deprecated) {
		t.Fatalf("ApplyUpdates() error = %v, want *ChrootDeprecatedError", err)
	}
	if deprecated.Missing != 14 {
		t.Errorf("Missing = %d, want 14", deprecated.Missing)
	}
	if got := tc.version(t); got != "12" {
		t.Errorf("version file = %q, want unchanged 12", got)
	}
	if calls := tc.env.CommandLines(); len(calls) != 0 {
		t.Errorf("hooks ran despite the gap: %v", calls)
	}
}

func TestApplyUpdates_InOrder(t *testing.T) {
	tc := newTestChroot(t, "11", "12_y", "13_z")
	u := tc.updater()

	var seen []string
	tc.env.OnExecute = func(cmd *environment.ExecCommand) {
		v, _ := GetChrootVersion(tc.versionFile)
		seen = append(seen, environment.CommandLine(cmd)+"@"+strconv.Itoa(v))
	}

	if err := u.ApplyUpdates(context.Background()); err != nil {
		t.Fatalf("ApplyUpdates() error = %v", err)
	}

	want := []string{"bash /hooks/12_y@11", "bash /hooks/13_z@12"}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("hooks = %q, want %q", seen, want)
	}
	if got := tc.version(t); got != "13" {
		t.Errorf("version file = %q, want 13", got)
	}
}

func TestApplyUpdates_HooksOutsideChroot(t *testing.T) {
	tc := newTestChroot(t, "11", "12_y", "13_z")
	// The chroot root no longer contains the hooks directory, as with
	// hooks installed on the host under /usr/share.
	tc.env.BasePath = t.TempDir()
	tc.env.ExitCodes["bash -s 13_z"] = 4

	var scripts []string
	tc.env.OnExecute = func(cmd *environment.ExecCommand) {
		if cmd.Stdin == nil {
			t.Errorf("%s: no script on stdin", environment.CommandLine(cmd))
			return
		}
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			t.Errorf("reading stdin: %v", err)
		}
		scripts = append(scripts, string(data))
	}

	err := tc.updater().ApplyUpdates(context.Background())
	var updateErr *ChrootUpdateError
	if !errors.As(err, &updateErr) || updateErr.ExitCode != 4 {
		t.Fatalf("ApplyUpdates() error = %v, want exit 4 from 13_z", err)
	}

	want := []string{"bash -s 12_y", "bash -s 13_z"}
	if got := tc.env.CommandLines(); !reflect.DeepEqual(got, want) {
		t.Errorf("hooks = %q, want %q", got, want)
	}
	if len(scripts) != 2 || scripts[0] != "#!/bin/bash\n" {
		t.Errorf("scripts = %q", scripts)
	}
	if got := tc.version(t); got != "12" {
		t.Errorf("version file = %q, want 12", got)
	}
}

func TestApplyUpdates_HookUnreadable(t *testing.T) {
	tc := newTestChroot(t, "11", "12_y")
	tc.env.BasePath = t.TempDir()
	u := tc.updater()
	if _, err := u.HookFiles(); err != nil {
		t.Fatal(err)
	}
	// Removed after discovery: the cached hook set still names it.
	os.Remove(filepath.Join(tc.hooksDir, "12_y"))

	var results []HookResult
	u.OnApplied = func(r HookResult) { results = append(results, r) }

	err := u.ApplyUpdates(context.Background())
	var updateErr *ChrootUpdateError
	if !errors.As(err, &updateErr) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ApplyUpdates() error = %v, want *ChrootUpdateError wrapping ErrNotExist", err)
	}
	if len(results) != 1 || results[0].ExitCode != -1 {
		t.Errorf("results = %+v", results)
	}
	if calls := tc.env.CommandLines(); len(calls) != 0 {
		t.Errorf("hooks ran: %v", calls)
	}
}

func TestApplyUpdates_StopsAtFailure(t *testing.T) {
	tc := newTestChroot(t, "11", "12_y", "13_z", "14_w")
	tc.failHook("13_z", 2)
	u := tc.updater()

	var results []HookResult
	u.OnApplied = func(r HookResult) { results = append(results, r) }

	err := u.ApplyUpdates(context.Background())
	var updateErr *ChrootUpdateError
	if !errors.As(err, &updateErr) {
		t.Fatalf("ApplyUpdates() error = %v, want *ChrootUpdateError", err)
	}
	if updateErr.Hook != filepath.Join(tc.hooksDir, "13_z") || updateErr.ExitCode != 2 {
		t.Errorf("error = %+v", updateErr)
	}
	if got := tc.version(t); got != "12" {
		t.Errorf("version file = %q, want 12", got)
	}
	if calls := tc.env.CommandLines(); len(calls) != 2 {
		t.Errorf("hooks run = %v, want 12_y and 13_z only", calls)
	}

	if len(results) != 2 || results[0].Err != nil || results[1].ExitCode != 2 || results[1].Err == nil {
		t.Errorf("OnApplied results = %+v", results)
	}
	if !tc.logger.Has(log.LevelError, "13_z") {
		t.Error("failure not logged")
	}
}

func TestApplyUpdates_ExecutionFailure(t *testing.T) {
	tc := newTestChroot(t, "1", "2_b")
	execErr := &environment.ErrExecutionFailed{Op: "chroot", Command: "bash", Err: errors.New("no chroot")}
	tc.env.ExecuteError = execErr
	tc.env.ExecuteResult = &environment.ExecResult{ExitCode: -1}

	err := tc.updater().ApplyUpdates(context.Background())
	var updateErr *ChrootUpdateError
	if !errors.As(err, &updateErr) {
		t.Fatalf("ApplyUpdates() error = %v, want *ChrootUpdateError", err)
	}
	if !errors.Is(err, execErr) {
		t.Error("ChrootUpdateError should wrap the execution failure")
	}
	if got := tc.version(t); got != "1" {
		t.Errorf("version file = %q, want 1", got)
	}
}

func TestApplyUpdates_NewerThanHooks(t *testing.T) {
	tc := newTestChroot(t, "20", "11_x", "12_y")

	err := tc.updater().ApplyUpdates(context.Background())
	var invalid *InvalidChrootVersionError
	if !errors.As(err, &invalid) {
		t.Fatalf("ApplyUpdates() error = %v, want *InvalidChrootVersionError", err)
	}
	if invalid.Version != 20 || invalid.Latest != 12 {
		t.Errorf("error = %+v", invalid)
	}
}

func TestApplyUpdates_Current(t *testing.T) {
	tc := newTestChroot(t, "12", "11_x", "12_y")

	if err := tc.updater().ApplyUpdates(context.Background()); err != nil {
		t.Fatalf("ApplyUpdates() error = %v", err)
	}
	if calls := tc.env.CommandLines(); len(calls) != 0 {
		t.Errorf("hooks ran on a current chroot: %v", calls)
	}
}

func TestApplyUpdates_Uninitialized(t *testing.T) {
	tc := newTestChroot(t, "", "1_init", "2_more")
	u := tc.updater()

	var uninit *UninitializedChrootError
	if err := u.ApplyUpdates(context.Background()); !errors.As(err, &uninit) {
		t.Fatalf("ApplyUpdates() error = %v, want *UninitializedChrootError", err)
	}

	u.AllowUninitialized = true
	if err := u.ApplyUpdates(context.Background()); err != nil {
		t.Fatalf("ApplyUpdates() with AllowUninitialized error = %v", err)
	}
	if got := tc.version(t); got != "2" {
		t.Errorf("version file = %q, want 2", got)
	}
}
