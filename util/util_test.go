package util

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chrootsdk/command"
)

func TestFileAndDirExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if !FileExists(file) || !FileExists(dir) {
		t.Error("FileExists should be true for existing entries")
	}
	if DirExists(file) {
		t.Error("DirExists should be false for a regular file")
	}
	if !DirExists(dir) {
		t.Error("DirExists should be true for a directory")
	}
	if FileExists(filepath.Join(dir, "missing")) {
		t.Error("FileExists should be false for a missing path")
	}
}

func TestSafeMakedirs(t *testing.T) {
	ctx := context.Background()
	fake := command.NewFakeRunner()
	path := filepath.Join(t.TempDir(), "a", "b")

	created, err := SafeMakedirs(ctx, fake, path, false)
	if err != nil || !created {
		t.Fatalf("SafeMakedirs() = (%v, %v), want (true, nil)", created, err)
	}
	if !DirExists(path) {
		t.Fatal("directory not created")
	}

	created, err = SafeMakedirs(ctx, fake, path, true)
	if err != nil || created {
		t.Errorf("second SafeMakedirs() = (%v, %v), want (false, nil)", created, err)
	}
	if len(fake.Calls()) != 0 {
		t.Errorf("existing directory should not run commands: %v", fake.Commandlines())
	}
}

func TestSafeMakedirs_Sudo(t *testing.T) {
	fake := command.NewFakeRunner()
	path := filepath.Join(t.TempDir(), "root-owned")

	created, err := SafeMakedirs(context.Background(), fake, path, true)
	if err != nil || !created {
		t.Fatalf("SafeMakedirs() = (%v, %v)", created, err)
	}
	calls := fake.CallsMatching("mkdir", "-p")
	if len(calls) != 1 || !calls[0].Sudo {
		t.Errorf("expected one elevated mkdir, got %v", fake.Commandlines())
	}
}

func TestSafeUnlink(t *testing.T) {
	ctx := context.Background()
	fake := command.NewFakeRunner()
	file := filepath.Join(t.TempDir(), "chroot.img")

	removed, err := SafeUnlink(ctx, fake, file, true)
	if err != nil || removed {
		t.Errorf("missing file: SafeUnlink() = (%v, %v), want (false, nil)", removed, err)
	}
	if len(fake.Calls()) != 0 {
		t.Error("missing file should not run rm")
	}

	os.WriteFile(file, nil, 0644)
	removed, err = SafeUnlink(ctx, fake, file, false)
	if err != nil || !removed || FileExists(file) {
		t.Errorf("SafeUnlink() = (%v, %v), file exists=%v", removed, err, FileExists(file))
	}
}

func TestRmDir(t *testing.T) {
	ctx := context.Background()
	fake := command.NewFakeRunner()
	dir := filepath.Join(t.TempDir(), "tree")
	os.MkdirAll(filepath.Join(dir, "sub"), 0755)

	if err := RmDir(ctx, fake, dir, false, false); err != nil {
		t.Fatalf("RmDir() = %v", err)
	}
	if FileExists(dir) {
		t.Error("tree not removed")
	}

	if err := RmDir(ctx, fake, dir, true, true); err != nil {
		t.Errorf("RmDir(ignoreMissing) = %v, want nil", err)
	}
	if err := RmDir(ctx, fake, dir, false, true); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("RmDir() on missing path = %v, want ErrNotExist", err)
	}
}

func TestWriteFile(t *testing.T) {
	ctx := context.Background()
	fake := command.NewFakeRunner()
	path := filepath.Join(t.TempDir(), "version")

	if err := WriteFile(ctx, fake, path, []byte("7\n"), false); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "7\n" {
		t.Errorf("content = %q, want 7", data)
	}

	if err := WriteFile(ctx, fake, "/etc/v", []byte("8"), true); err != nil {
		t.Fatalf("WriteFile(sudo) = %v", err)
	}
	calls := fake.CallsMatching("tee")
	if len(calls) != 1 || string(calls[0].Input) != "8" || !calls[0].Sudo {
		t.Errorf("expected elevated tee with input, got %v", fake.Commandlines())
	}
}

func TestIsInsideChroot(t *testing.T) {
	oldRoot := rootPath
	defer func() { rootPath = oldRoot }()

	// A root other than the host's, but without the marker, is some other
	// chroot and must not be mistaken for the managed one.
	rootPath = t.TempDir()
	if IsInsideChroot("etc/cros_chroot_version") {
		t.Error("root without the version marker should be outside")
	}

	os.MkdirAll(filepath.Join(rootPath, "etc"), 0755)
	os.WriteFile(filepath.Join(rootPath, "etc/cros_chroot_version"), []byte("1"), 0644)
	if !IsInsideChroot("etc/cros_chroot_version") {
		t.Error("marker present should be inside")
	}
	if IsInsideChroot("etc/missing") {
		t.Error("a different marker path should not match")
	}
}

func TestWithTimeout(t *testing.T) {
	ctx := context.Background()

	if err := WithTimeout(ctx, time.Second, func(context.Context) error { return nil }); err != nil {
		t.Errorf("WithTimeout() = %v, want nil", err)
	}

	boom := errors.New("boom")
	if err := WithTimeout(ctx, time.Second, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("WithTimeout() = %v, want boom", err)
	}

	err := WithTimeout(ctx, 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})
	var tErr *TimeoutError
	if !errors.As(err, &tErr) {
		t.Fatalf("WithTimeout() = %v, want *TimeoutError", err)
	}
	if tErr.Timeout != 20*time.Millisecond {
		t.Errorf("Timeout = %s", tErr.Timeout)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("TimeoutError should match context.DeadlineExceeded")
	}
}

func TestWithTimeout_IgnoresParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithTimeout(ctx, time.Second, func(ctx context.Context) error {
		return ctx.Err()
	})
	if err != nil {
		t.Errorf("WithTimeout() = %v, want nil for a cancelled parent", err)
	}
}
