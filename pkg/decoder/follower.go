package decoder

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/efeslab/hase/pkg/loader"
	"github.com/efeslab/hase/pkg/trace"
)

// stopKind classifies the instruction the code follower stopped at.
type stopKind int

const (
	stopCond     stopKind = iota // conditional direct branch, needs a TNT bit
	stopIndirect                 // indirect jmp/call or ret, needs a TIP
	stopSyscall                  // syscall instruction, needs a syscall record
	stopRep                      // REP-prefixed string instruction, needs a rep record
)

// stop describes where the follower stopped.
type stop struct {
	Kind stopKind
	IP   uint64 // address of the stopping instruction
	Len  int

	// For stopCond: the taken target and the fall-through address.
	Target      uint64
	Fallthrough uint64

	// For stopRep: the decoded instruction, for operand-width checks.
	Inst x86asm.Inst
}

// maxFollow bounds how many instructions are walked between two trace
// packets. A straight-line run longer than this means the packet stream
// and the code image disagree.
const maxFollow = 1 << 16

// followCode walks the instruction stream from ip until an instruction
// that requires trace input to resolve: a conditional branch, an
// indirect transfer, a syscall or a REP-prefixed string operation.
// Direct unconditional jumps and calls are followed in place, the way a
// branch-trace capture elides them.
func followCode(code loader.CodeReader, ip uint64) (stop, error) {
	buf := make([]byte, 16)
	for i := 0; i < maxFollow; i++ {
		n, err := code.ReadCode(ip, buf)
		if err != nil {
			return stop{}, fmt.Errorf("%w: reading code at 0x%x: %v", trace.ErrMalformed, ip, err)
		}
		inst, err := x86asm.Decode(buf[:n], 64)
		if err != nil {
			return stop{}, fmt.Errorf("%w: undecodable instruction at 0x%x: %v", trace.ErrMalformed, ip, err)
		}

		if isRepPrefixed(inst) {
			return stop{Kind: stopRep, IP: ip, Len: inst.Len, Inst: inst}, nil
		}

		switch inst.Op {
		case x86asm.SYSCALL:
			return stop{Kind: stopSyscall, IP: ip, Len: inst.Len}, nil

		case x86asm.RET, x86asm.LRET:
			return stop{Kind: stopIndirect, IP: ip, Len: inst.Len}, nil

		case x86asm.JMP, x86asm.CALL:
			if rel, ok := inst.Args[0].(x86asm.Rel); ok {
				// Direct transfer: follow without consuming trace input.
				ip = ip + uint64(inst.Len) + uint64(int64(rel))
				continue
			}
			return stop{Kind: stopIndirect, IP: ip, Len: inst.Len}, nil
		}

		if target, ok := condTarget(inst, ip); ok {
			return stop{
				Kind:        stopCond,
				IP:          ip,
				Len:         inst.Len,
				Target:      target,
				Fallthrough: ip + uint64(inst.Len),
			}, nil
		}

		ip += uint64(inst.Len)
	}
	return stop{}, fmt.Errorf("%w: no control flow within %d instructions of 0x%x", trace.ErrMalformed, maxFollow, ip)
}

// condTarget returns the taken target if inst is a conditional direct
// branch.
func condTarget(inst x86asm.Inst, ip uint64) (uint64, bool) {
	switch inst.Op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JNE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
	default:
		return 0, false
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return ip + uint64(inst.Len) + uint64(int64(rel)), true
}

// isRepPrefixed reports whether inst carries an active F2/F3 prefix on
// a string operation.
func isRepPrefixed(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
	default:
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

// repOperandWidth returns the element width in bytes of a REP string
// instruction.
func repOperandWidth(inst x86asm.Inst) uint64 {
	switch inst.Op {
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
