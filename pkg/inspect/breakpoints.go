package inspect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/efeslab/hase/pkg/trace"
)

// BreakpointKind says what a breakpoint matches on.
type BreakpointKind int

const (
	// AddressBreakpoint stops when an event touches an instruction
	// address.
	AddressBreakpoint BreakpointKind = iota
	// EventBreakpoint stops on every event of one kind.
	EventBreakpoint
)

// Breakpoint is one condition the continue command stops at.
type Breakpoint struct {
	ID      int
	Kind    BreakpointKind
	Addr    uint64          // AddressBreakpoint
	Event   trace.EventKind // EventBreakpoint
	Enabled bool
}

func (b *Breakpoint) String() string {
	state := "enabled"
	if !b.Enabled {
		state = "disabled"
	}
	switch b.Kind {
	case AddressBreakpoint:
		return fmt.Sprintf("#%d addr 0x%x (%s)", b.ID, b.Addr, state)
	default:
		return fmt.Sprintf("#%d event %s (%s)", b.ID, b.Event, state)
	}
}

// Breakpoints manages the set of active breakpoints.
type Breakpoints struct {
	bps    []*Breakpoint
	nextID int
}

func NewBreakpoints() *Breakpoints {
	return &Breakpoints{nextID: 1}
}

// Add parses spec and registers a breakpoint. A hex address like
// "0x401000" becomes an address breakpoint; an event kind name like
// "syscall" or "rep" becomes an event breakpoint.
func (m *Breakpoints) Add(spec string) (*Breakpoint, error) {
	bp := &Breakpoint{ID: m.nextID, Enabled: true}

	if strings.HasPrefix(spec, "0x") || strings.HasPrefix(spec, "0X") {
		addr, err := strconv.ParseUint(spec[2:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad address %q: %v", spec, err)
		}
		bp.Kind = AddressBreakpoint
		bp.Addr = addr
	} else {
		kind, err := parseEventKind(spec)
		if err != nil {
			return nil, err
		}
		bp.Kind = EventBreakpoint
		bp.Event = kind
	}

	m.nextID++
	m.bps = append(m.bps, bp)
	return bp, nil
}

func parseEventKind(s string) (trace.EventKind, error) {
	switch strings.ToLower(s) {
	case "branch":
		return trace.KindBranch, nil
	case "syscall":
		return trace.KindSyscall, nil
	case "migration":
		return trace.KindCPUMigration, nil
	case "rep":
		return trace.KindRepIteration, nil
	case "vdso":
		return trace.KindVDSOEntry, nil
	case "overflow":
		return trace.KindOverflow, nil
	}
	return 0, fmt.Errorf("unknown breakpoint spec %q", s)
}

// Remove deletes the breakpoint with the given id.
func (m *Breakpoints) Remove(id int) error {
	for i, bp := range m.bps {
		if bp.ID == id {
			m.bps = append(m.bps[:i], m.bps[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no breakpoint #%d", id)
}

// SetEnabled toggles the breakpoint with the given id.
func (m *Breakpoints) SetEnabled(id int, enabled bool) error {
	for _, bp := range m.bps {
		if bp.ID == id {
			bp.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("no breakpoint #%d", id)
}

// All returns the registered breakpoints in creation order.
func (m *Breakpoints) All() []*Breakpoint { return m.bps }

// Matches reports whether any enabled breakpoint triggers on ev.
func (m *Breakpoints) Matches(ev trace.Event) bool {
	for _, bp := range m.bps {
		if !bp.Enabled {
			continue
		}
		switch bp.Kind {
		case AddressBreakpoint:
			if eventIP(ev) == bp.Addr {
				return true
			}
		case EventBreakpoint:
			if ev.Kind() == bp.Event {
				return true
			}
		}
	}
	return false
}

// eventIP returns the instruction address an event is attributed to,
// or 0 for events without one.
func eventIP(ev trace.Event) uint64 {
	switch e := ev.(type) {
	case trace.Branch:
		return e.IP
	case trace.Syscall:
		return e.IP
	case trace.RepIteration:
		return e.IP
	case trace.VDSOEntry:
		return e.Entry
	}
	return 0
}
