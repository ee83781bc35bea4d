package replay

import (
	"errors"
	"fmt"

	"github.com/go-delve/delve/pkg/dwarf/regnum"
	"golang.org/x/arch/x86/x86asm"

	"github.com/efeslab/hase/pkg/trace"
)

// ErrUnmappedMemory reports a replayed read from memory the recording
// never captured.
var ErrUnmappedMemory = errors.New("replay: read from uncaptured memory")

const pageSize = 4096

// Memory is a sparse paged memory image. Clones share pages
// copy-on-write, which keeps checkpoints cheap on large traces.
type Memory struct {
	pages  map[uint64][]byte
	shared map[uint64]bool
}

// NewMemory builds an image from captured regions.
func NewMemory(regions []trace.MemRegion) *Memory {
	m := &Memory{pages: make(map[uint64][]byte), shared: make(map[uint64]bool)}
	for _, r := range regions {
		m.Write(r.Addr, r.Data)
	}
	return m
}

// Clone returns an independent view. Pages the source already shares
// are shared again; pages private to the source are copied. Cloning
// never writes to the source, so any number of goroutines may clone
// the same sealed image concurrently.
func (m *Memory) Clone() *Memory {
	c := &Memory{
		pages:  make(map[uint64][]byte, len(m.pages)),
		shared: make(map[uint64]bool, len(m.pages)),
	}
	for k, v := range m.pages {
		if m.shared[k] {
			c.pages[k] = v
			c.shared[k] = true
			continue
		}
		cp := make([]byte, pageSize)
		copy(cp, v)
		c.pages[k] = cp
	}
	return c
}

// seal marks every page shared so later clones cost one map copy and
// no byte copying. Sealed images must not be written while clones
// exist; writes through a clone copy the page first.
func (m *Memory) seal() {
	for k := range m.pages {
		m.shared[k] = true
	}
}

func (m *Memory) writablePage(pn uint64) []byte {
	pg, ok := m.pages[pn]
	if !ok {
		pg = make([]byte, pageSize)
		m.pages[pn] = pg
		return pg
	}
	if m.shared[pn] {
		cp := make([]byte, pageSize)
		copy(cp, pg)
		m.pages[pn] = cp
		m.shared[pn] = false
		return cp
	}
	return pg
}

// Write stores data at addr, creating pages as needed.
func (m *Memory) Write(addr uint64, data []byte) {
	for len(data) > 0 {
		pn := addr / pageSize
		off := addr % pageSize
		pg := m.writablePage(pn)
		n := copy(pg[off:], data)
		data = data[n:]
		addr += uint64(n)
	}
}

// Read fills buf from addr. Reading a page the recording never
// captured returns ErrUnmappedMemory.
func (m *Memory) Read(addr uint64, buf []byte) error {
	for len(buf) > 0 {
		pn := addr / pageSize
		off := addr % pageSize
		pg, ok := m.pages[pn]
		if !ok {
			return fmt.Errorf("%w: 0x%x", ErrUnmappedMemory, addr)
		}
		n := copy(buf, pg[off:])
		buf = buf[n:]
		addr += uint64(n)
	}
	return nil
}

// ReadUint reads a little-endian integer of width bytes.
func (m *Memory) ReadUint(addr uint64, width int) (uint64, error) {
	var b [8]byte
	if err := m.Read(addr, b[:width]); err != nil {
		return 0, err
	}
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// WriteUint writes a little-endian integer of width bytes.
func (m *Memory) WriteUint(addr uint64, v uint64, width int) {
	var b [8]byte
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * i))
	}
	m.Write(addr, b[:width])
}

// MachineState is the full machine state at one trace offset.
type MachineState struct {
	Regs trace.Registers
	Mem  *Memory

	// desynced is set while replaying across an overflow gap: lost
	// events mean RIP is unreliable until the next event pins it.
	desynced bool
}

// NewMachineState builds the state a session starts in.
func NewMachineState(sess *trace.Session) *MachineState {
	return &MachineState{
		Regs: sess.StartRegs,
		Mem:  NewMemory(sess.InitialMem),
	}
}

// Clone returns an independent copy. Registers copy by value; memory
// pages are shared copy-on-write.
func (s *MachineState) Clone() *MachineState {
	return &MachineState{Regs: s.Regs, Mem: s.Mem.Clone(), desynced: s.desynced}
}

// DWARFRegisters returns the general-purpose registers keyed by their
// DWARF name, the numbering external debug tooling and solver models
// speak.
func (s *MachineState) DWARFRegisters() map[string]uint64 {
	r := s.Regs
	byNum := map[uint64]uint64{
		regnum.AMD64_Rax:    r.Rax,
		regnum.AMD64_Rdx:    r.Rdx,
		regnum.AMD64_Rcx:    r.Rcx,
		regnum.AMD64_Rbx:    r.Rbx,
		regnum.AMD64_Rsi:    r.Rsi,
		regnum.AMD64_Rdi:    r.Rdi,
		regnum.AMD64_Rbp:    r.Rbp,
		regnum.AMD64_Rsp:    r.Rsp,
		regnum.AMD64_R8:     r.R8,
		regnum.AMD64_R9:     r.R9,
		regnum.AMD64_R10:    r.R10,
		regnum.AMD64_R11:    r.R11,
		regnum.AMD64_R12:    r.R12,
		regnum.AMD64_R13:    r.R13,
		regnum.AMD64_R14:    r.R14,
		regnum.AMD64_R15:    r.R15,
		regnum.AMD64_Rip:    r.Rip,
		regnum.AMD64_Rflags: r.Rflags,
	}
	out := make(map[string]uint64, len(byNum))
	for n, v := range byNum {
		out[regnum.AMD64ToName(n)] = v
	}
	return out
}

// rflags bits
const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagAF = 1 << 4
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagDF = 1 << 10
	flagOF = 1 << 11
)

// regSlot resolves an x86asm register to its backing 64-bit field
// plus the view width in bits. high marks AH/BH/CH/DH.
func regSlot(r *trace.Registers, reg x86asm.Reg) (slot *uint64, width int, high bool, ok bool) {
	switch reg {
	case x86asm.AL:
		return &r.Rax, 8, false, true
	case x86asm.CL:
		return &r.Rcx, 8, false, true
	case x86asm.DL:
		return &r.Rdx, 8, false, true
	case x86asm.BL:
		return &r.Rbx, 8, false, true
	case x86asm.AH:
		return &r.Rax, 8, true, true
	case x86asm.CH:
		return &r.Rcx, 8, true, true
	case x86asm.DH:
		return &r.Rdx, 8, true, true
	case x86asm.BH:
		return &r.Rbx, 8, true, true
	case x86asm.SPB:
		return &r.Rsp, 8, false, true
	case x86asm.BPB:
		return &r.Rbp, 8, false, true
	case x86asm.SIB:
		return &r.Rsi, 8, false, true
	case x86asm.DIB:
		return &r.Rdi, 8, false, true
	case x86asm.R8B, x86asm.R9B, x86asm.R10B, x86asm.R11B,
		x86asm.R12B, x86asm.R13B, x86asm.R14B, x86asm.R15B:
		return r64Slot(r, int(reg-x86asm.R8B)), 8, false, true
	case x86asm.AX:
		return &r.Rax, 16, false, true
	case x86asm.CX:
		return &r.Rcx, 16, false, true
	case x86asm.DX:
		return &r.Rdx, 16, false, true
	case x86asm.BX:
		return &r.Rbx, 16, false, true
	case x86asm.SP:
		return &r.Rsp, 16, false, true
	case x86asm.BP:
		return &r.Rbp, 16, false, true
	case x86asm.SI:
		return &r.Rsi, 16, false, true
	case x86asm.DI:
		return &r.Rdi, 16, false, true
	case x86asm.R8W, x86asm.R9W, x86asm.R10W, x86asm.R11W,
		x86asm.R12W, x86asm.R13W, x86asm.R14W, x86asm.R15W:
		return r64Slot(r, int(reg-x86asm.R8W)), 16, false, true
	case x86asm.EAX:
		return &r.Rax, 32, false, true
	case x86asm.ECX:
		return &r.Rcx, 32, false, true
	case x86asm.EDX:
		return &r.Rdx, 32, false, true
	case x86asm.EBX:
		return &r.Rbx, 32, false, true
	case x86asm.ESP:
		return &r.Rsp, 32, false, true
	case x86asm.EBP:
		return &r.Rbp, 32, false, true
	case x86asm.ESI:
		return &r.Rsi, 32, false, true
	case x86asm.EDI:
		return &r.Rdi, 32, false, true
	case x86asm.R8L, x86asm.R9L, x86asm.R10L, x86asm.R11L,
		x86asm.R12L, x86asm.R13L, x86asm.R14L, x86asm.R15L:
		return r64Slot(r, int(reg-x86asm.R8L)), 32, false, true
	case x86asm.RAX:
		return &r.Rax, 64, false, true
	case x86asm.RCX:
		return &r.Rcx, 64, false, true
	case x86asm.RDX:
		return &r.Rdx, 64, false, true
	case x86asm.RBX:
		return &r.Rbx, 64, false, true
	case x86asm.RSP:
		return &r.Rsp, 64, false, true
	case x86asm.RBP:
		return &r.Rbp, 64, false, true
	case x86asm.RSI:
		return &r.Rsi, 64, false, true
	case x86asm.RDI:
		return &r.Rdi, 64, false, true
	case x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11,
		x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15:
		return r64Slot(r, int(reg-x86asm.R8)), 64, false, true
	case x86asm.RIP:
		return &r.Rip, 64, false, true
	}
	return nil, 0, false, false
}

func r64Slot(r *trace.Registers, i int) *uint64 {
	switch i {
	case 0:
		return &r.R8
	case 1:
		return &r.R9
	case 2:
		return &r.R10
	case 3:
		return &r.R11
	case 4:
		return &r.R12
	case 5:
		return &r.R13
	case 6:
		return &r.R14
	default:
		return &r.R15
	}
}

// getReg reads a register view.
func (s *MachineState) getReg(reg x86asm.Reg) (uint64, error) {
	slot, width, high, ok := regSlot(&s.Regs, reg)
	if !ok {
		return 0, fmt.Errorf("replay: unsupported register %v", reg)
	}
	v := *slot
	if high {
		v >>= 8
	}
	if width < 64 {
		v &= (1 << width) - 1
	}
	return v, nil
}

// setReg writes a register view with x86 merge semantics: 32-bit
// writes zero the upper half, 8/16-bit writes merge.
func (s *MachineState) setReg(reg x86asm.Reg, v uint64) error {
	slot, width, high, ok := regSlot(&s.Regs, reg)
	if !ok {
		return fmt.Errorf("replay: unsupported register %v", reg)
	}
	switch {
	case width == 64:
		*slot = v
	case width == 32:
		*slot = v & 0xffffffff
	case high:
		*slot = (*slot &^ 0xff00) | ((v & 0xff) << 8)
	default:
		mask := uint64(1<<width) - 1
		*slot = (*slot &^ mask) | (v & mask)
	}
	return nil
}

// regWidth returns the view width of reg in bits.
func regWidth(reg x86asm.Reg) int {
	var r trace.Registers
	_, w, _, ok := regSlot(&r, reg)
	if !ok {
		return 0
	}
	return w
}
