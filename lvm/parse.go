package lvm

import (
	"regexp"
	"strings"
)

// Lookup is the result of scraping a name out of tool output: either a
// found name or nothing.
type Lookup struct {
	Name  string
	Found bool
}

// Found returns a successful Lookup for name.
func Found(name string) Lookup {
	return Lookup{Name: name, Found: true}
}

// NotFound is the empty Lookup.
var NotFound = Lookup{}

func (l Lookup) String() string {
	if !l.Found {
		return "<none>"
	}
	return l.Name
}

var (
	// losetup -j prints "/dev/loop3: [2049]:1234 (/path/to/img)".
	loopListRe = regexp.MustCompile(`(?m)^(/dev/loop\d+):`)

	// losetup --show prints the bare device.
	loopShowRe = regexp.MustCompile(`(?m)^(/dev/loop\d+)\s*$`)
)

// ParseLoopDevice extracts the first loop device from losetup -j output.
func ParseLoopDevice(out string) Lookup {
	if m := loopListRe.FindStringSubmatch(out); m != nil {
		return Found(m[1])
	}
	return NotFound
}

// ParseAttachedDevice extracts the device printed by losetup --show.
func ParseAttachedDevice(out string) Lookup {
	if m := loopShowRe.FindStringSubmatch(strings.TrimSpace(out)); m != nil {
		return Found(m[1])
	}
	return NotFound
}

// Binding ties a volume group to one of its physical volumes.
type Binding struct {
	VG string
	PV string
}

// ParseVGBindings parses "vgs --noheadings -o vg_name,pv_name" output.
// Fields are tab separated; whitespace separation is accepted too. Lines
// without both fields are skipped.
func ParseVGBindings(out string) []Binding {
	var bindings []Binding
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var fields []string
		if strings.Contains(line, "\t") {
			fields = strings.Split(line, "\t")
		} else {
			fields = strings.Fields(line)
		}
		if len(fields) < 2 {
			continue
		}
		vg, pv := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		if vg == "" || pv == "" {
			continue
		}
		bindings = append(bindings, Binding{VG: vg, PV: pv})
	}
	return bindings
}

// MapperName is a VG/LV pair decoded from a device-mapper node name.
type MapperName struct {
	VG string
	LV string
}

// ParseMapperSource decodes a /dev/mapper/<vg>-<lv> mount source. Dashes
// inside the VG or LV name appear doubled in the node name.
func ParseMapperSource(source string) (MapperName, bool) {
	const prefix = "/dev/mapper/"
	if !strings.HasPrefix(source, prefix) {
		return MapperName{}, false
	}
	name := source[len(prefix):]

	for i := 0; i < len(name); i++ {
		if name[i] != '-' {
			continue
		}
		if i+1 < len(name) && name[i+1] == '-' {
			i++
			continue
		}
		vg := strings.ReplaceAll(name[:i], "--", "-")
		lv := strings.ReplaceAll(name[i+1:], "--", "-")
		if vg == "" || lv == "" {
			return MapperName{}, false
		}
		return MapperName{VG: vg, LV: lv}, true
	}
	return MapperName{}, false
}
