// Package replay reconstructs machine state at arbitrary offsets of a
// recorded trace: it restores the nearest checkpoint at or before the
// requested offset and replays decoded events forward, executing the
// instructions between them.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"github.com/efeslab/hase/pkg/decoder"
	"github.com/efeslab/hase/pkg/loader"
	"github.com/efeslab/hase/pkg/logx"
	"github.com/efeslab/hase/pkg/trace"
)

var (
	// ErrOffsetOutOfRange reports a requested offset past the end of
	// the trace.
	ErrOffsetOutOfRange = errors.New("replay: offset out of range")

	// ErrUnmodeledSyscall reports a syscall whose side effects were not
	// captured; state past it cannot be reconstructed deterministically.
	ErrUnmodeledSyscall = errors.New("replay: unmodeled syscall")

	// ErrDiverged reports replayed control flow disagreeing with the
	// recorded trace.
	ErrDiverged = errors.New("replay: control flow diverged from trace")

	// ErrUnknownTarget reports a branch whose target the decoder could
	// not attribute; replay cannot continue through it.
	ErrUnknownTarget = errors.New("replay: branch target unresolved in trace")
)

// Options configures a Replayer.
type Options struct {
	// Code supplies instruction bytes; defaults to the session's
	// captured memory image.
	Code loader.CodeReader

	// CheckpointInterval is the maximum number of events between
	// checkpoints; it bounds StateAt cost. Defaults to 4096.
	CheckpointInterval int

	// CheckpointCache bounds resident checkpoints. Defaults to 64.
	CheckpointCache int

	Log *logx.Logger
}

// Replayer reconstructs machine state over one finalized session. Safe
// for concurrent StateAt calls; checkpoints may be computed redundantly
// under contention, which only costs time.
type Replayer struct {
	sess     *trace.Session
	code     loader.CodeReader
	interval uint64
	cps      *checkpointStore
	log      *logx.Logger

	// base is the initial snapshot, built once and sealed; StateAt
	// clones it instead of rebuilding the image per call.
	base *MachineState
}

// New creates a replayer over a finalized session.
func New(sess *trace.Session, opts Options) (*Replayer, error) {
	code := opts.Code
	if code == nil {
		code = loader.NewImageCodeReader(sess.InitialMem)
	}
	interval := opts.CheckpointInterval
	if interval <= 0 {
		interval = 4096
	}
	cacheSize := opts.CheckpointCache
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cps, err := newCheckpointStore(cacheSize)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logx.Discard()
	}
	base := NewMachineState(sess)
	base.Mem.seal()
	return &Replayer{
		sess:     sess,
		code:     code,
		interval: uint64(interval),
		cps:      cps,
		log:      log,
		base:     base,
	}, nil
}

// StateAt returns the machine state after the first offset events of
// the session. Offset 0 is the recorded initial snapshot. The result
// is a pure function of (session, offset): repeated calls return
// bit-identical state.
func (r *Replayer) StateAt(ctx context.Context, offset uint64) (*MachineState, error) {
	dec := decoder.New(ctx, r.sess, decoder.Options{Code: r.code, Log: r.log})

	st := r.base.Clone()
	pos := uint64(0)
	if cp, ok := r.cps.nearest(offset); ok {
		if err := dec.Seek(cp.Cursor); err != nil {
			return nil, err
		}
		st = &MachineState{Regs: cp.Regs, Mem: cp.Mem.Clone(), desynced: cp.Desynced}
		pos = cp.Offset
	}

	for pos < offset {
		ev, err := dec.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %d (trace has %d events)", ErrOffsetOutOfRange, offset, pos)
		}
		if err != nil {
			return nil, err
		}
		if err := r.applyEvent(st, ev); err != nil {
			return nil, fmt.Errorf("at offset %d: %w", pos, err)
		}
		pos++

		if pos%r.interval == 0 || forcesCheckpoint(ev) {
			// Sealed so concurrent StateAt calls clone the cached
			// checkpoint without copying pages.
			mem := st.Mem.Clone()
			mem.seal()
			r.cps.add(&Checkpoint{
				Offset:   pos,
				Regs:     st.Regs,
				Mem:      mem,
				Cursor:   dec.Cursor(),
				Desynced: st.desynced,
			})
		}
	}
	return st.Clone(), nil
}

// forcesCheckpoint reports events that always get a checkpoint after
// them: discontinuities that are natural replay barriers.
func forcesCheckpoint(ev trace.Event) bool {
	switch ev.Kind() {
	case trace.KindCPUMigration, trace.KindOverflow:
		return true
	}
	return false
}

// applyEvent advances st through one trace event, executing the
// straight-line instructions leading up to the event's site first.
func (r *Replayer) applyEvent(st *MachineState, ev trace.Event) error {
	switch e := ev.(type) {
	case trace.CPUMigration:
		// No architectural effect; the same thread continues.
		return nil

	case trace.Overflow:
		// Events were lost: register state is stale until the next
		// branch event pins the instruction pointer again.
		st.desynced = true
		return nil

	case trace.Branch:
		if st.desynced {
			st.Regs.Rip = e.IP
			st.desynced = false
		}
		p, err := st.stepToEvent(r.code)
		if err != nil {
			return err
		}
		if p.IP != e.IP {
			return fmt.Errorf("%w: reached 0x%x, trace has branch at 0x%x", ErrDiverged, p.IP, e.IP)
		}
		switch p.Kind {
		case pauseCond:
			st.Regs.Rip = e.Target
		case pauseIndirect:
			if e.TargetUnknown {
				return fmt.Errorf("%w: branch at 0x%x", ErrUnknownTarget, e.IP)
			}
			return st.applyIndirect(p, e.Target)
		default:
			return fmt.Errorf("%w: branch event at non-branch instruction 0x%x", ErrDiverged, p.IP)
		}
		return nil

	case trace.Syscall:
		if st.desynced {
			st.Regs.Rip = e.IP
			st.desynced = false
		}
		p, err := st.stepToEvent(r.code)
		if err != nil {
			return err
		}
		if p.Kind != pauseSyscall || p.IP != e.IP {
			return fmt.Errorf("%w: syscall event at 0x%x, replay at 0x%x", ErrDiverged, e.IP, p.IP)
		}
		if e.Unmodeled {
			return fmt.Errorf("%w: nr %d at 0x%x", ErrUnmodeledSyscall, e.Nr, e.IP)
		}
		next := p.IP + uint64(p.Inst.Len)
		// Hardware syscall semantics: RCX holds the return RIP and R11
		// the flags; RAX carries the result.
		st.Regs.Rcx = next
		st.Regs.R11 = st.Regs.Rflags
		st.Regs.Rax = e.Ret
		st.Regs.Rip = next
		for _, w := range e.Writes {
			st.Mem.Write(w.Addr, w.Data)
		}
		return nil

	case trace.RepIteration:
		if st.desynced {
			st.Regs.Rip = e.IP
			st.desynced = false
		}
		p, err := st.stepToEvent(r.code)
		if err != nil {
			return err
		}
		if p.Kind != pauseRep || p.IP != e.IP {
			return fmt.Errorf("%w: rep event at 0x%x, replay at 0x%x", ErrDiverged, e.IP, p.IP)
		}
		count := e.Count
		if count == 0 {
			// The capture could not observe the iteration count; the
			// reconstructed RCX at the instruction is authoritative.
			count = st.Regs.Rcx
		}
		if err := st.stringIterations(p.Inst.Op, count); err != nil {
			return err
		}
		st.Regs.Rcx -= count
		st.Regs.Rip = p.IP + uint64(p.Inst.Len)
		return nil

	case trace.VDSOEntry:
		if st.desynced {
			// The call site fell inside the gap; apply the recorded
			// effect at the return point directly.
			st.Regs.Rax = e.RetValue
			st.Regs.Rip = e.Ret
			st.desynced = false
			return nil
		}
		p, err := st.stepToEvent(r.code)
		if err != nil {
			return err
		}
		if p.Kind != pauseIndirect {
			return fmt.Errorf("%w: vdso event at non-call instruction 0x%x", ErrDiverged, p.IP)
		}
		// The vdso body is opaque: apply its effect as a typed register
		// update at the recorded return point.
		st.Regs.Rax = e.RetValue
		st.Regs.Rip = e.Ret
		return nil

	default:
		return fmt.Errorf("replay: unhandled event kind %v", ev.Kind())
	}
}

// applyIndirect executes the stack effect of an indirect transfer and
// redirects to the recorded target.
func (st *MachineState) applyIndirect(p pause, target uint64) error {
	switch p.Inst.Op {
	case x86asm.RET:
		st.Regs.Rsp += 8
		if imm, ok := p.Inst.Args[0].(x86asm.Imm); ok {
			st.Regs.Rsp += uint64(imm)
		}
	case x86asm.CALL:
		st.push64(p.IP + uint64(p.Inst.Len))
	case x86asm.JMP:
		// No stack effect.
	default:
		return fmt.Errorf("%w: indirect transfer %v at 0x%x", ErrUnmodeledInstruction, p.Inst.Op, p.IP)
	}
	st.Regs.Rip = target
	return nil
}
