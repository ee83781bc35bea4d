// Package loader models the target's address space: the module map
// parsed from /proc/<pid>/maps and readers for instruction bytes. It is
// the metadata source the decoder uses to resolve indirect branch
// targets and to recognize vdso calls.
package loader

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/efeslab/hase/pkg/trace"
)

// Map is the loaded-module map of one process at a point in time.
type Map struct {
	mappings []trace.Mapping
}

// NewMap wraps an already-captured mapping table.
func NewMap(mappings []trace.Mapping) *Map {
	return &Map{mappings: mappings}
}

// ReadProcessMap parses /proc/<pid>/maps.
func ReadProcessMap(pid int) (*Map, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mappings []trace.Mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, err := parseMapsLine(sc.Text())
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return &Map{mappings: mappings}, nil
}

// parseMapsLine parses one line like
// "7f3b4000-7f3b6000 r-xp 00001000 08:01 123456  /lib/libc.so.6".
func parseMapsLine(line string) (trace.Mapping, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return trace.Mapping{}, fmt.Errorf("loader: short maps line %q", line)
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return trace.Mapping{}, fmt.Errorf("loader: bad address range %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return trace.Mapping{}, fmt.Errorf("loader: bad start address %q", addrs[0])
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return trace.Mapping{}, fmt.Errorf("loader: bad end address %q", addrs[1])
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return trace.Mapping{}, fmt.Errorf("loader: bad offset %q", fields[2])
	}
	m := trace.Mapping{
		Start:  start,
		End:    end,
		Offset: offset,
		Perms:  fields[1],
	}
	if len(fields) >= 6 {
		m.Path = fields[5]
	}
	return m, nil
}

// Mappings returns the underlying table.
func (m *Map) Mappings() []trace.Mapping { return m.mappings }

// Find returns the mapping containing ip.
func (m *Map) Find(ip uint64) (trace.Mapping, bool) {
	for _, mp := range m.mappings {
		if mp.Contains(ip) {
			return mp, true
		}
	}
	return trace.Mapping{}, false
}

// IsVDSO reports whether ip falls inside the vdso page.
func (m *Map) IsVDSO(ip uint64) bool {
	mp, ok := m.Find(ip)
	return ok && mp.Path == "[vdso]"
}

// IsMapped reports whether ip belongs to any mapping.
func (m *Map) IsMapped(ip uint64) bool {
	_, ok := m.Find(ip)
	return ok
}

// Location formats ip relative to the module containing it, e.g.
// "0x401234 (/bin/loopy+0x1234)".
func (m *Map) Location(ip uint64) string {
	mp, ok := m.Find(ip)
	if !ok {
		return fmt.Sprintf("0x%x (unmapped)", ip)
	}
	return fmt.Sprintf("0x%x (%s+0x%x)", ip, mp.Path, ip-mp.Start+mp.Offset)
}
