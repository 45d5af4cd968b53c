package mount

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"chrootsdk/command"
)

const sampleMountinfo = `22 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw
36 22 253:3 / /c rw,noatime shared:20 - ext4 /dev/mapper/cros_c_000-chroot rw
37 36 0:5 / /c/dev rw,nosuid shared:21 - devtmpfs udev rw
38 37 0:6 / /c/dev/pts rw,nosuid shared:22 - devpts devpts rw
39 36 0:20 / /c/proc rw,nosuid shared:23 - proc proc rw
40 22 0:30 / /cache rw shared:24 - tmpfs tmpfs rw
41 22 0:31 / /with\040space rw shared:25 - tmpfs tmpfs rw
`

func writeMountinfo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mountinfo")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write mountinfo: %v", err)
	}
	return path
}

func TestList(t *testing.T) {
	proc := writeMountinfo(t, sampleMountinfo)

	entries, err := List(proc)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 7 {
		t.Fatalf("len(entries) = %d, want 7", len(entries))
	}

	want := Entry{Source: "/dev/mapper/cros_c_000-chroot", Destination: "/c", FSType: "ext4"}
	if entries[1] != want {
		t.Errorf("entries[1] = %+v, want %+v", entries[1], want)
	}
	if entries[6].Destination != "/with space" {
		t.Errorf("escaped mountpoint = %q, want decoded", entries[6].Destination)
	}
}

func TestList_MissingFile(t *testing.T) {
	if _, err := List(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("List() on missing file should fail")
	}
}

func TestAt(t *testing.T) {
	proc := writeMountinfo(t, sampleMountinfo)

	e, ok, err := At(proc, "/c/")
	if err != nil || !ok {
		t.Fatalf("At(/c) = (%v, %v)", ok, err)
	}
	if e.Source != "/dev/mapper/cros_c_000-chroot" {
		t.Errorf("Source = %q", e.Source)
	}

	if _, ok, _ := At(proc, "/nothing"); ok {
		t.Error("At() found a mount that does not exist")
	}
}

func TestUnder(t *testing.T) {
	proc := writeMountinfo(t, sampleMountinfo)

	entries, err := Under(proc, "/c")
	if err != nil {
		t.Fatalf("Under() error = %v", err)
	}

	var got []string
	for _, e := range entries {
		got = append(got, e.Destination)
	}
	// /cache shares the prefix but is not below /c.
	want := []string{"/c/dev/pts", "/c/proc", "/c/dev", "/c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Under(/c) = %v, want %v", got, want)
	}
}

func TestUnmountTree(t *testing.T) {
	proc := writeMountinfo(t, sampleMountinfo)
	fake := command.NewFakeRunner()

	if err := UnmountTree(context.Background(), fake, proc, "/c", nil); err != nil {
		t.Fatalf("UnmountTree() error = %v", err)
	}

	want := []string{
		"umount -d /c/dev/pts",
		"umount -d /c/proc",
		"umount -d /c/dev",
		"umount -d /c",
	}
	if got := fake.Commandlines(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestUnmountTree_StopsOnFailure(t *testing.T) {
	proc := writeMountinfo(t, sampleMountinfo)
	fake := command.NewFakeRunner()
	fake.On(command.Exit(32), "umount", "-d", "/c/proc")

	err := UnmountTree(context.Background(), fake, proc, "/c", nil)
	var runErr *command.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("UnmountTree() error = %v, want *command.RunError", err)
	}
	if fake.Ran("umount", "-d", "/c/dev") || fake.Ran("umount", "-d", "/c") {
		t.Errorf("should stop after the failing unmount: %v", fake.Commandlines())
	}
}

func TestMount(t *testing.T) {
	fake := command.NewFakeRunner()

	if err := Mount(context.Background(), fake, "ext4", "noatime", "/dev/cros_c_000/chroot", "/c"); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	want := []string{"mount -text4 -onoatime /dev/cros_c_000/chroot /c"}
	if got := fake.Commandlines(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
	if !fake.Calls()[0].Sudo {
		t.Error("mount should be elevated")
	}
}
