package trace

import "fmt"

// TerminationReason says why a recording ended.
type TerminationReason int

const (
	TerminatedExit TerminationReason = iota
	TerminatedLimit
	TerminatedSignal
	TerminatedCaptureError
)

// String returns the string representation of the TerminationReason.
func (t TerminationReason) String() string {
	switch t {
	case TerminatedExit:
		return "target exited"
	case TerminatedLimit:
		return "record limit reached"
	case TerminatedSignal:
		return "target killed by signal"
	case TerminatedCaptureError:
		return "capture error"
	default:
		return "unknown"
	}
}

// Registers is the x86-64 register snapshot carried in checkpoints and
// at session start.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64
	Rflags             uint64
	FsBase             uint64
}

// MemRegion is one contiguous chunk of memory captured at record time.
type MemRegion struct {
	Addr uint64
	Data []byte
}

// Mapping is one entry of the target's address-space map at attach
// time. Path is "[vdso]", "[heap]" etc. for anonymous kernel mappings.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	Perms  string
	Path   string
}

// Contains reports whether ip falls inside the mapping.
func (m Mapping) Contains(ip uint64) bool {
	return m.Start <= ip && ip < m.End
}

// CPUBuffer is the raw packet stream captured on one CPU. A session
// holds one buffer per CPU the target ran on; the decoder merges them
// back into program order using the sequence counters embedded in the
// packets.
type CPUBuffer struct {
	CPU  int32
	Data []byte
}

// Session is one recorded run of a target binary. The Recorder is the
// sole writer; once finalized a session is immutable and may be shared
// by any number of concurrent readers.
type Session struct {
	Format uint32 // file format version this session was read from or will be written as

	Target string
	Argv   []string

	StartRegs  Registers
	Mappings   []Mapping
	InitialMem []MemRegion

	Buffers []CPUBuffer

	Limit      uint64
	Truncated  bool
	Terminated TerminationReason
	ExitStatus int
}

// VDSORange returns the [vdso] mapping bounds, if the session captured
// one.
func (s *Session) VDSORange() (start, end uint64, ok bool) {
	for _, m := range s.Mappings {
		if m.Path == "[vdso]" {
			return m.Start, m.End, true
		}
	}
	return 0, 0, false
}

// FindMapping returns the mapping containing ip.
func (s *Session) FindMapping(ip uint64) (Mapping, bool) {
	for _, m := range s.Mappings {
		if m.Contains(ip) {
			return m, true
		}
	}
	return Mapping{}, false
}

// Location formats ip relative to the module containing it.
func (s *Session) Location(ip uint64) string {
	m, ok := s.FindMapping(ip)
	if !ok {
		return fmt.Sprintf("0x%x (unmapped)", ip)
	}
	return fmt.Sprintf("0x%x (%s+0x%x)", ip, m.Path, ip-m.Start+m.Offset)
}
