package chroot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"chrootsdk/command"
	"chrootsdk/mount"
)

// FakeStack simulates loop devices, LVM and mounts behind a
// command.FakeRunner so the orchestrators can run without root. Mounts are
// written to a mountinfo-format file; point Config.ProcMounts at
// FakeStack.ProcMounts. Image files and directories are really created and
// removed under the test's temporary directory.
type FakeStack struct {
	Runner     *command.FakeRunner
	ProcMounts string

	// ActivateFailures makes that many "vgchange -ay" calls fail.
	ActivateFailures int

	// UmountBusy makes every umount fail as if the target were busy.
	UmountBusy bool

	mu       sync.Mutex
	nextLoop int
	loops    map[string]string // device -> image
	vgs      map[string]string // vg -> pv
	pvImage  map[string]string // vg -> image behind its pv
	active   map[string]bool
	lvs      map[string]bool // "vg/lv"
	mounts   []mount.Entry
}

// NewFakeStack returns a stack with nothing attached and an empty mount
// table stored under dir.
func NewFakeStack(dir string) (*FakeStack, error) {
	s := &FakeStack{
		Runner:     command.NewFakeRunner(),
		ProcMounts: filepath.Join(dir, "mountinfo"),
		loops:      make(map[string]string),
		vgs:        make(map[string]string),
		pvImage:    make(map[string]string),
		active:     make(map[string]bool),
		lvs:        make(map[string]bool),
	}
	if err := s.writeMounts(); err != nil {
		return nil, err
	}

	s.Runner.On(s.truncate, "truncate")
	s.Runner.On(s.losetup, "losetup")
	s.Runner.On(s.vgsCmd, "vgs")
	s.Runner.On(s.vgcreate, "vgcreate")
	s.Runner.On(s.vgchange, "vgchange")
	s.Runner.On(s.lvsCmd, "lvs")
	s.Runner.On(s.lvcreate, "lvcreate")
	s.Runner.On(s.mount, "mount")
	s.Runner.On(s.umount, "umount")
	s.Runner.On(s.mkdir, "mkdir")
	s.Runner.On(s.rm, "rm")
	s.Runner.On(s.tee, "tee")
	return s, nil
}

// AddMount records a mount directly, as if made by someone else.
func (s *FakeStack) AddMount(source, destination, fstype string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounts = append(s.mounts, mount.Entry{Source: source, Destination: destination, FSType: fstype})
	return s.writeMounts()
}

// AddVG records an existing volume group bound to pv.
func (s *FakeStack) AddVG(vg, pv string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vgs[vg] = pv
}

// Loops returns the attached loop devices and their images.
func (s *FakeStack) Loops() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.loops))
	for k, v := range s.loops {
		out[k] = v
	}
	return out
}

// VGs returns the known volume groups and their physical volumes.
func (s *FakeStack) VGs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.vgs))
	for k, v := range s.vgs {
		out[k] = v
	}
	return out
}

// Active reports whether vg is activated.
func (s *FakeStack) Active(vg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[vg]
}

// Mounted reports whether something is mounted at path.
func (s *FakeStack) Mounted(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mounts {
		if m.Destination == path {
			return true
		}
	}
	return false
}

// writeMounts renders the mount table. Callers hold s.mu or own s.
func (s *FakeStack) writeMounts() error {
	var sb strings.Builder
	for i, m := range s.mounts {
		fmt.Fprintf(&sb, "%d 1 0:%d / %s rw,noatime - %s %s rw\n", 100+i, 100+i, m.Destination, m.FSType, m.Source)
	}
	return os.WriteFile(s.ProcMounts, []byte(sb.String()), 0644)
}

func last(cmd *command.Command) string {
	return cmd.Args[len(cmd.Args)-1]
}

func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func fail(code int, msg string) command.Reply {
	return command.Reply{ExitCode: code, Stderr: msg + "\n"}
}

func (s *FakeStack) truncate(_ context.Context, cmd *command.Command) command.Reply {
	if err := os.WriteFile(last(cmd), nil, 0644); err != nil {
		return fail(1, err.Error())
	}
	return command.Reply{}
}

func (s *FakeStack) losetup(_ context.Context, cmd *command.Command) command.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Args[1] {
	case "-j":
		var devs []string
		for dev, img := range s.loops {
			if img == last(cmd) {
				devs = append(devs, dev)
			}
		}
		sort.Strings(devs)
		var sb strings.Builder
		for _, dev := range devs {
			fmt.Fprintf(&sb, "%s: [2049]:12 (%s)\n", dev, last(cmd))
		}
		return command.Reply{Stdout: sb.String()}
	case "--show":
		dev := fmt.Sprintf("/dev/loop%d", s.nextLoop)
		s.nextLoop++
		s.loops[dev] = last(cmd)
		// LVM finds its metadata again on whatever device the image gets.
		for vg, img := range s.pvImage {
			if img == last(cmd) {
				s.vgs[vg] = dev
			}
		}
		return command.Reply{Stdout: dev + "\n"}
	case "-d":
		if _, ok := s.loops[last(cmd)]; !ok {
			return fail(1, "losetup: "+last(cmd)+": detach failed: No such device or address")
		}
		delete(s.loops, last(cmd))
		return command.Reply{}
	}
	return fail(1, "losetup: unsupported arguments")
}

func (s *FakeStack) vgsCmd(_ context.Context, cmd *command.Command) command.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch flagValue(cmd.Args, "-o") {
	case "vg_name,pv_name":
		var lines []string
		for vg, pv := range s.vgs {
			lines = append(lines, "  "+vg+"\t"+pv)
		}
		sort.Strings(lines)
		return command.Reply{Stdout: strings.Join(lines, "\n") + "\n"}
	case "pv_name":
		pv, ok := s.vgs[last(cmd)]
		if !ok {
			return fail(5, "  Volume group \""+last(cmd)+"\" not found")
		}
		return command.Reply{Stdout: "  " + pv + "\n"}
	}
	if _, ok := s.vgs[last(cmd)]; !ok {
		return fail(5, "  Volume group \""+last(cmd)+"\" not found")
	}
	return command.Reply{}
}

func (s *FakeStack) vgcreate(_ context.Context, cmd *command.Command) command.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	vg, pv := cmd.Args[len(cmd.Args)-2], last(cmd)
	if _, ok := s.vgs[vg]; ok {
		return fail(5, "  A volume group called "+vg+" already exists.")
	}
	s.vgs[vg] = pv
	s.pvImage[vg] = s.loops[pv]
	s.active[vg] = true
	return command.Reply{}
}

func (s *FakeStack) vgchange(_ context.Context, cmd *command.Command) command.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	vg := last(cmd)
	if _, ok := s.vgs[vg]; !ok {
		return fail(5, "  Volume group \""+vg+"\" not found")
	}
	switch cmd.Args[len(cmd.Args)-2] {
	case "-ay":
		if s.ActivateFailures > 0 {
			s.ActivateFailures--
			return fail(5, "  Internal lvmetad error")
		}
		s.active[vg] = true
	case "-an":
		s.active[vg] = false
	}
	return command.Reply{}
}

func (s *FakeStack) lvsCmd(_ context.Context, cmd *command.Command) command.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lvs[last(cmd)] {
		return fail(5, "  Failed to find logical volume \""+last(cmd)+"\"")
	}
	return command.Reply{}
}

func (s *FakeStack) lvcreate(_ context.Context, cmd *command.Command) command.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := flagValue(cmd.Args, "-T")
	vg, _, _ := strings.Cut(pool, "/")
	if _, ok := s.vgs[vg]; !ok {
		return fail(5, "  Volume group \""+vg+"\" not found")
	}
	s.lvs[pool] = true
	s.lvs[vg+"/"+flagValue(cmd.Args, "-n")] = true
	return command.Reply{}
}

func (s *FakeStack) mount(_ context.Context, cmd *command.Command) command.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fstype string
	var rest []string
	for _, a := range cmd.Args[1:] {
		switch {
		case strings.HasPrefix(a, "-t"):
			fstype = strings.TrimPrefix(a, "-t")
		case strings.HasPrefix(a, "-o"):
		default:
			rest = append(rest, a)
		}
	}
	if len(rest) != 2 {
		return fail(1, "mount: bad usage")
	}
	source, target := rest[0], rest[1]

	// /dev/<vg>/<lv> shows up in the mount table as its mapper node.
	if parts := strings.Split(strings.TrimPrefix(source, "/dev/"), "/"); len(parts) == 2 {
		if !s.lvs[parts[0]+"/"+parts[1]] {
			return fail(32, "mount: "+source+": special device does not exist.")
		}
		source = "/dev/mapper/" + strings.ReplaceAll(parts[0], "-", "--") + "-" + strings.ReplaceAll(parts[1], "-", "--")
	}

	s.mounts = append(s.mounts, mount.Entry{Source: source, Destination: target, FSType: fstype})
	if err := s.writeMounts(); err != nil {
		return fail(1, err.Error())
	}
	return command.Reply{}
}

func (s *FakeStack) umount(_ context.Context, cmd *command.Command) command.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := last(cmd)
	if s.UmountBusy {
		return fail(32, "umount: "+target+": target is busy.")
	}
	for i := len(s.mounts) - 1; i >= 0; i-- {
		if s.mounts[i].Destination == target {
			s.mounts = append(s.mounts[:i], s.mounts[i+1:]...)
			if err := s.writeMounts(); err != nil {
				return fail(1, err.Error())
			}
			return command.Reply{}
		}
	}
	return fail(32, "umount: "+target+": not mounted.")
}

func (s *FakeStack) mkdir(_ context.Context, cmd *command.Command) command.Reply {
	if err := os.MkdirAll(last(cmd), 0755); err != nil {
		return fail(1, err.Error())
	}
	return command.Reply{}
}

func (s *FakeStack) rm(_ context.Context, cmd *command.Command) command.Reply {
	if err := os.RemoveAll(last(cmd)); err != nil {
		return fail(1, err.Error())
	}
	return command.Reply{}
}

func (s *FakeStack) tee(_ context.Context, cmd *command.Command) command.Reply {
	if err := os.WriteFile(last(cmd), cmd.Input, 0644); err != nil {
		return fail(1, err.Error())
	}
	return command.Reply{Stdout: string(cmd.Input)}
}
