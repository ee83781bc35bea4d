package trace

import "fmt"

// EventKind identifies the concrete type of a trace event.
type EventKind int

const (
	KindBranch EventKind = iota
	KindSyscall
	KindCPUMigration
	KindRepIteration
	KindVDSOEntry
	KindOverflow
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	switch k {
	case KindBranch:
		return "Branch"
	case KindSyscall:
		return "Syscall"
	case KindCPUMigration:
		return "CPUMigration"
	case KindRepIteration:
		return "RepIteration"
	case KindVDSOEntry:
		return "VDSOEntry"
	case KindOverflow:
		return "Overflow"
	default:
		return "Unknown"
	}
}

// Event is one decoded trace event. Events are immutable and totally
// ordered by logical execution order, even when the raw capture was
// split across per-CPU buffers.
type Event interface {
	Kind() EventKind
	String() string
}

// Branch records one control-flow transfer. For a conditional branch
// that was not taken, Target is the fall-through address. If the
// capture lacked the metadata to resolve an indirect target,
// TargetUnknown is set and Target is zero.
type Branch struct {
	IP            uint64 // address of the branch instruction
	Target        uint64
	Taken         bool
	TargetUnknown bool
}

func (Branch) Kind() EventKind { return KindBranch }

func (b Branch) String() string {
	if b.TargetUnknown {
		return fmt.Sprintf("branch 0x%x -> ? (unresolved)", b.IP)
	}
	if !b.Taken {
		return fmt.Sprintf("branch 0x%x not taken -> 0x%x", b.IP, b.Target)
	}
	return fmt.Sprintf("branch 0x%x -> 0x%x", b.IP, b.Target)
}

// MemWrite is one contiguous range of memory written by a syscall,
// captured after the syscall returned.
type MemWrite struct {
	Addr uint64
	Data []byte
}

// Syscall records a system call with its captured write set. Unmodeled
// marks a syscall whose side effects could not be captured; replay
// cannot proceed deterministically past it.
type Syscall struct {
	IP        uint64
	Nr        uint64
	Args      [6]uint64
	Ret       uint64
	Writes    []MemWrite
	Unmodeled bool
}

func (Syscall) Kind() EventKind { return KindSyscall }

func (s Syscall) String() string {
	return fmt.Sprintf("syscall %d at 0x%x = 0x%x", s.Nr, s.IP, s.Ret)
}

// CPUMigration marks the traced thread moving between CPUs. It is
// synthesized during decode so that per-CPU buffers merge into one
// globally ordered sequence.
type CPUMigration struct {
	OldCPU int32
	NewCPU int32
}

func (CPUMigration) Kind() EventKind { return KindCPUMigration }

func (m CPUMigration) String() string {
	return fmt.Sprintf("cpu migration %d -> %d", m.OldCPU, m.NewCPU)
}

// RepIteration records a single REP-prefixed string instruction and
// the iteration count it executed with. One event covers the whole
// instruction regardless of Count.
type RepIteration struct {
	IP    uint64
	Count uint64
}

func (RepIteration) Kind() EventKind { return KindRepIteration }

func (r RepIteration) String() string {
	return fmt.Sprintf("rep 0x%x x%d", r.IP, r.Count)
}

// VDSOEntry records a call into the kernel's vdso page. The vdso is
// not part of the traced binary's image, so the call is recorded as an
// opaque entry/return pair instead of being decoded as user code.
type VDSOEntry struct {
	Entry    uint64
	Ret      uint64 // return address in user code
	RetValue uint64 // RAX at return
}

func (VDSOEntry) Kind() EventKind { return KindVDSOEntry }

func (v VDSOEntry) String() string {
	return fmt.Sprintf("vdso call 0x%x ret 0x%x", v.Entry, v.Ret)
}

// Overflow records a capture buffer overflow. Lost counts records the
// kernel dropped. The event is data, not an error: decoding continues
// at the next sync point.
type Overflow struct {
	CPU    int32
	Lost   uint64
	Reason string
}

func (Overflow) Kind() EventKind { return KindOverflow }

func (o Overflow) String() string {
	return fmt.Sprintf("overflow on cpu %d (%d lost): %s", o.CPU, o.Lost, o.Reason)
}
