package replay

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/efeslab/hase/pkg/loader"
)

// ErrUnmodeledInstruction reports an instruction outside the replayed
// subset.
var ErrUnmodeledInstruction = errors.New("replay: unmodeled instruction")

// pauseKind says which trace event the stepper needs to continue.
type pauseKind int

const (
	pauseCond pauseKind = iota
	pauseIndirect
	pauseSyscall
	pauseRep
)

// pause is the point where straight-line execution stopped because the
// next instruction's outcome is recorded in the trace, not derivable
// from state alone.
type pause struct {
	Kind pauseKind
	IP   uint64
	Inst x86asm.Inst
}

const maxStep = 1 << 16

// stepToEvent executes instructions from the current RIP until one
// that consumes a trace event. Direct unconditional jumps and calls
// execute in place; everything else in the modeled subset updates
// registers, flags and memory.
func (s *MachineState) stepToEvent(code loader.CodeReader) (pause, error) {
	buf := make([]byte, 16)
	for i := 0; i < maxStep; i++ {
		ip := s.Regs.Rip
		n, err := code.ReadCode(ip, buf)
		if err != nil {
			// Fall back to captured memory: replayed code may live in
			// regions the snapshot carries but no file backs.
			if merr := s.Mem.Read(ip, buf); merr != nil {
				return pause{}, fmt.Errorf("replay: no code at 0x%x: %v", ip, err)
			}
			n = len(buf)
		}
		inst, err := x86asm.Decode(buf[:n], 64)
		if err != nil {
			return pause{}, fmt.Errorf("%w: undecodable at 0x%x", ErrUnmodeledInstruction, ip)
		}

		if hasRepPrefix(inst) {
			return pause{Kind: pauseRep, IP: ip, Inst: inst}, nil
		}

		switch inst.Op {
		case x86asm.SYSCALL:
			return pause{Kind: pauseSyscall, IP: ip, Inst: inst}, nil

		case x86asm.RET, x86asm.LRET:
			return pause{Kind: pauseIndirect, IP: ip, Inst: inst}, nil

		case x86asm.JMP:
			if rel, ok := inst.Args[0].(x86asm.Rel); ok {
				s.Regs.Rip = ip + uint64(inst.Len) + uint64(int64(rel))
				continue
			}
			return pause{Kind: pauseIndirect, IP: ip, Inst: inst}, nil

		case x86asm.CALL:
			if rel, ok := inst.Args[0].(x86asm.Rel); ok {
				s.push64(ip + uint64(inst.Len))
				s.Regs.Rip = ip + uint64(inst.Len) + uint64(int64(rel))
				continue
			}
			return pause{Kind: pauseIndirect, IP: ip, Inst: inst}, nil
		}

		if isCondBranch(inst.Op) {
			return pause{Kind: pauseCond, IP: ip, Inst: inst}, nil
		}

		if err := s.exec(inst); err != nil {
			return pause{}, err
		}
	}
	return pause{}, fmt.Errorf("%w: no event-consuming instruction within %d steps of 0x%x", ErrUnmodeledInstruction, maxStep, s.Regs.Rip)
}

func isCondBranch(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JNE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

func hasRepPrefix(inst x86asm.Inst) bool {
	if !isStringOp(inst.Op) {
		return false
	}
	for _, p := range inst.Prefix {
		raw := p &^ (x86asm.PrefixImplicit | x86asm.PrefixIgnored)
		if raw == x86asm.PrefixREP || raw == x86asm.PrefixREPN {
			return true
		}
	}
	return false
}

func isStringOp(op x86asm.Op) bool {
	switch op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		return true
	}
	return false
}

func stringOpWidth(op x86asm.Op) uint64 {
	switch op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.LODSB, x86asm.CMPSB, x86asm.SCASB:
		return 1
	case x86asm.MOVSW, x86asm.STOSW, x86asm.LODSW, x86asm.CMPSW, x86asm.SCASW:
		return 2
	case x86asm.MOVSD, x86asm.STOSD, x86asm.LODSD, x86asm.CMPSD, x86asm.SCASD:
		return 4
	default:
		return 8
	}
}

// exec executes one instruction of the modeled subset and advances RIP.
func (s *MachineState) exec(inst x86asm.Inst) error {
	ip := s.Regs.Rip
	next := ip + uint64(inst.Len)

	switch inst.Op {
	case x86asm.NOP:

	case x86asm.MOV:
		v, err := s.argValue(inst, inst.Args[1])
		if err != nil {
			return err
		}
		if err := s.argWrite(inst, inst.Args[0], v); err != nil {
			return err
		}

	case x86asm.MOVZX:
		v, err := s.argValue(inst, inst.Args[1])
		if err != nil {
			return err
		}
		if err := s.argWrite(inst, inst.Args[0], v); err != nil {
			return err
		}

	case x86asm.MOVSX, x86asm.MOVSXD:
		v, err := s.argValue(inst, inst.Args[1])
		if err != nil {
			return err
		}
		v = signExtend(v, s.argWidth(inst, inst.Args[1]))
		if err := s.argWrite(inst, inst.Args[0], v); err != nil {
			return err
		}

	case x86asm.LEA:
		mem, ok := inst.Args[1].(x86asm.Mem)
		if !ok {
			return fmt.Errorf("%w: LEA with non-memory source at 0x%x", ErrUnmodeledInstruction, ip)
		}
		addr, err := s.memAddr(mem)
		if err != nil {
			return err
		}
		if mem.Base == x86asm.RIP {
			addr += uint64(inst.Len)
		}
		if err := s.argWrite(inst, inst.Args[0], addr); err != nil {
			return err
		}

	case x86asm.ADD, x86asm.SUB, x86asm.CMP, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		a, err := s.argValue(inst, inst.Args[0])
		if err != nil {
			return err
		}
		b, err := s.argValue(inst, inst.Args[1])
		if err != nil {
			return err
		}
		w := s.argWidth(inst, inst.Args[0])
		var res uint64
		switch inst.Op {
		case x86asm.ADD:
			res = a + b
			s.setArithFlags(a, b, res, w, false)
		case x86asm.SUB, x86asm.CMP:
			res = a - b
			s.setArithFlags(a, b, res, w, true)
		case x86asm.AND, x86asm.TEST:
			res = a & b
			s.setLogicFlags(res, w)
		case x86asm.OR:
			res = a | b
			s.setLogicFlags(res, w)
		case x86asm.XOR:
			res = a ^ b
			s.setLogicFlags(res, w)
		}
		if inst.Op != x86asm.CMP && inst.Op != x86asm.TEST {
			if err := s.argWrite(inst, inst.Args[0], res); err != nil {
				return err
			}
		}

	case x86asm.INC, x86asm.DEC:
		a, err := s.argValue(inst, inst.Args[0])
		if err != nil {
			return err
		}
		w := s.argWidth(inst, inst.Args[0])
		var res uint64
		if inst.Op == x86asm.INC {
			res = a + 1
		} else {
			res = a - 1
		}
		// INC/DEC leave CF alone.
		cf := s.Regs.Rflags & flagCF
		s.setArithFlags(a, 1, res, w, inst.Op == x86asm.DEC)
		s.Regs.Rflags = (s.Regs.Rflags &^ flagCF) | cf
		if err := s.argWrite(inst, inst.Args[0], res); err != nil {
			return err
		}

	case x86asm.NEG:
		a, err := s.argValue(inst, inst.Args[0])
		if err != nil {
			return err
		}
		w := s.argWidth(inst, inst.Args[0])
		res := -a
		s.setArithFlags(0, a, res, w, true)
		if err := s.argWrite(inst, inst.Args[0], res); err != nil {
			return err
		}

	case x86asm.NOT:
		a, err := s.argValue(inst, inst.Args[0])
		if err != nil {
			return err
		}
		if err := s.argWrite(inst, inst.Args[0], ^a); err != nil {
			return err
		}

	case x86asm.SHL, x86asm.SHR:
		a, err := s.argValue(inst, inst.Args[0])
		if err != nil {
			return err
		}
		cnt, err := s.argValue(inst, inst.Args[1])
		if err != nil {
			return err
		}
		w := s.argWidth(inst, inst.Args[0])
		cnt &= 63
		var res uint64
		if inst.Op == x86asm.SHL {
			res = a << cnt
		} else {
			res = a >> cnt
		}
		s.setLogicFlags(res, w)
		if err := s.argWrite(inst, inst.Args[0], res); err != nil {
			return err
		}

	case x86asm.PUSH:
		v, err := s.argValue(inst, inst.Args[0])
		if err != nil {
			return err
		}
		s.push64(v)

	case x86asm.POP:
		v, err := s.pop64()
		if err != nil {
			return err
		}
		if err := s.argWrite(inst, inst.Args[0], v); err != nil {
			return err
		}

	case x86asm.XCHG:
		a, err := s.argValue(inst, inst.Args[0])
		if err != nil {
			return err
		}
		b, err := s.argValue(inst, inst.Args[1])
		if err != nil {
			return err
		}
		if err := s.argWrite(inst, inst.Args[0], b); err != nil {
			return err
		}
		if err := s.argWrite(inst, inst.Args[1], a); err != nil {
			return err
		}

	case x86asm.CDQE:
		s.Regs.Rax = signExtend(s.Regs.Rax&0xffffffff, 32)

	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		// Unprefixed string op: a single iteration.
		if err := s.stringIterations(inst.Op, 1); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: %v at 0x%x", ErrUnmodeledInstruction, inst.Op, ip)
	}

	s.Regs.Rip = next
	return nil
}

// stringIterations applies count iterations of a string instruction as
// one bulk operation. The final state is identical to count single
// steps with DF clear.
func (s *MachineState) stringIterations(op x86asm.Op, count uint64) error {
	if count == 0 {
		return nil
	}
	if s.Regs.Rflags&flagDF != 0 {
		return fmt.Errorf("%w: string op with DF set", ErrUnmodeledInstruction)
	}
	w := stringOpWidth(op)
	total := count * w

	switch op {
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		pattern := make([]byte, w)
		for i := uint64(0); i < w; i++ {
			pattern[i] = byte(s.Regs.Rax >> (8 * i))
		}
		chunk := make([]byte, 0, 4096)
		for uint64(len(chunk)) < min64(total, 4096) {
			chunk = append(chunk, pattern...)
		}
		addr := s.Regs.Rdi
		remaining := total
		for remaining > 0 {
			n := min64(remaining, uint64(len(chunk)))
			s.Mem.Write(addr, chunk[:n])
			addr += n
			remaining -= n
		}
		s.Regs.Rdi += total

	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		buf := make([]byte, 4096)
		src, dst := s.Regs.Rsi, s.Regs.Rdi
		remaining := total
		for remaining > 0 {
			n := min64(remaining, uint64(len(buf)))
			if err := s.Mem.Read(src, buf[:n]); err != nil {
				return err
			}
			s.Mem.Write(dst, buf[:n])
			src += n
			dst += n
			remaining -= n
		}
		s.Regs.Rsi += total
		s.Regs.Rdi += total

	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		last, err := s.Mem.ReadUint(s.Regs.Rsi+total-w, int(w))
		if err != nil {
			return err
		}
		switch w {
		case 1:
			s.Regs.Rax = (s.Regs.Rax &^ 0xff) | last
		case 2:
			s.Regs.Rax = (s.Regs.Rax &^ 0xffff) | last
		case 4:
			s.Regs.Rax = last
		default:
			s.Regs.Rax = last
		}
		s.Regs.Rsi += total

	default:
		return fmt.Errorf("%w: string op %v", ErrUnmodeledInstruction, op)
	}
	return nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (s *MachineState) push64(v uint64) {
	s.Regs.Rsp -= 8
	s.Mem.WriteUint(s.Regs.Rsp, v, 8)
}

func (s *MachineState) pop64() (uint64, error) {
	v, err := s.Mem.ReadUint(s.Regs.Rsp, 8)
	if err != nil {
		return 0, err
	}
	s.Regs.Rsp += 8
	return v, nil
}

// memAddr computes the effective address of a memory operand.
func (s *MachineState) memAddr(m x86asm.Mem) (uint64, error) {
	var addr uint64 = uint64(m.Disp)
	if m.Base != 0 {
		if m.Base == x86asm.RIP {
			// RIP-relative displacement is resolved against the next
			// instruction by the caller via argValue; here Rip already
			// points at the current instruction, so the caller adds Len.
			addr += s.Regs.Rip
		} else {
			v, err := s.getReg(m.Base)
			if err != nil {
				return 0, err
			}
			addr += v
		}
	}
	if m.Index != 0 {
		v, err := s.getReg(m.Index)
		if err != nil {
			return 0, err
		}
		addr += v * uint64(m.Scale)
	}
	if m.Segment == x86asm.FS {
		addr += s.Regs.FsBase
	}
	return addr, nil
}

// argWidth returns the operand width in bits.
func (s *MachineState) argWidth(inst x86asm.Inst, arg x86asm.Arg) int {
	switch a := arg.(type) {
	case x86asm.Reg:
		return regWidth(a)
	case x86asm.Mem:
		if inst.MemBytes > 0 {
			return inst.MemBytes * 8
		}
		return inst.DataSize
	default:
		return inst.DataSize
	}
}

func (s *MachineState) argValue(inst x86asm.Inst, arg x86asm.Arg) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return s.getReg(a)
	case x86asm.Imm:
		return uint64(int64(a)), nil
	case x86asm.Mem:
		addr, err := s.memAddr(a)
		if err != nil {
			return 0, err
		}
		if a.Base == x86asm.RIP {
			addr += uint64(inst.Len)
		}
		w := s.argWidth(inst, arg) / 8
		if w == 0 {
			w = 8
		}
		return s.Mem.ReadUint(addr, w)
	case x86asm.Rel:
		return s.Regs.Rip + uint64(inst.Len) + uint64(int64(a)), nil
	default:
		return 0, fmt.Errorf("%w: operand %v", ErrUnmodeledInstruction, arg)
	}
}

func (s *MachineState) argWrite(inst x86asm.Inst, arg x86asm.Arg, v uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		return s.setReg(a, v)
	case x86asm.Mem:
		addr, err := s.memAddr(a)
		if err != nil {
			return err
		}
		if a.Base == x86asm.RIP {
			addr += uint64(inst.Len)
		}
		w := s.argWidth(inst, arg) / 8
		if w == 0 {
			w = 8
		}
		s.Mem.WriteUint(addr, v, w)
		return nil
	default:
		return fmt.Errorf("%w: write to operand %v", ErrUnmodeledInstruction, arg)
	}
}

func signExtend(v uint64, width int) uint64 {
	if width >= 64 {
		return v
	}
	shift := 64 - width
	return uint64(int64(v<<shift) >> shift)
}

func (s *MachineState) setArithFlags(a, b, res uint64, width int, sub bool) {
	mask := ^uint64(0)
	sign := uint64(1) << 63
	if width < 64 {
		mask = (1 << width) - 1
		sign = 1 << (width - 1)
	}
	a, b, res = a&mask, b&mask, res&mask

	f := s.Regs.Rflags &^ (flagCF | flagPF | flagZF | flagSF | flagOF | flagAF)
	if res == 0 {
		f |= flagZF
	}
	if res&sign != 0 {
		f |= flagSF
	}
	if parity(byte(res)) {
		f |= flagPF
	}
	if sub {
		if a < b {
			f |= flagCF
		}
		if (a^b)&sign != 0 && (a^res)&sign != 0 {
			f |= flagOF
		}
	} else {
		if res < a {
			f |= flagCF
		}
		if (a^b)&sign == 0 && (a^res)&sign != 0 {
			f |= flagOF
		}
	}
	s.Regs.Rflags = f
}

func (s *MachineState) setLogicFlags(res uint64, width int) {
	mask := ^uint64(0)
	sign := uint64(1) << 63
	if width < 64 {
		mask = (1 << width) - 1
		sign = 1 << (width - 1)
	}
	res &= mask

	f := s.Regs.Rflags &^ (flagCF | flagPF | flagZF | flagSF | flagOF)
	if res == 0 {
		f |= flagZF
	}
	if res&sign != 0 {
		f |= flagSF
	}
	if parity(byte(res)) {
		f |= flagPF
	}
	s.Regs.Rflags = f
}

func parity(b byte) bool {
	n := 0
	for i := 0; i < 8; i++ {
		if b&(1<<i) != 0 {
			n++
		}
	}
	return n%2 == 0
}
