package recorder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"golang.org/x/sys/unix"

	"github.com/efeslab/hase/pkg/logx"
	"github.com/efeslab/hase/pkg/trace"
)

// Perf record layouts emitted by the BPF programs. Both start with a
// kind discriminator and the thread id so userspace can pair an enter
// with its exit.
const (
	sysRecEnter = 0
	sysRecExit  = 1

	sysRecEnterSize = 72 // kind, tid, nr, args[6]
	sysRecExitSize  = 32 // kind, tid, nr, ret
)

// tracepoint ctx offsets for raw_syscalls (common header is 8 bytes).
const (
	tpOffID   = 8
	tpOffArgs = 16 // sys_enter: args[6]
	tpOffRet  = 16 // sys_exit: ret
)

const bpfFCurrentCPU = 0xffffffff

// ebpfSyscallSource records syscall entries and exits for one process
// via two raw_syscalls tracepoint programs sharing a perf event array.
// Arguments come from sys_enter, the return value from sys_exit; the
// reader goroutine pairs the two by thread id and captures the write
// set of modeled syscalls from the tracee before forwarding the record
// to the stream encoder.
type ebpfSyscallSource struct {
	pid int
	enc *streamEncoder
	log *logx.Logger

	events *ebpf.Map
	progs  []*ebpf.Program
	links  []link.Link
	rd     *perf.Reader
	wg     sync.WaitGroup

	// keyed by tid, touched only by the reader goroutine
	pending map[uint64]pendingEnter
}

type pendingEnter struct {
	nr   uint64
	args [6]uint64
}

func newEBPFSyscallSource(pid int, enc *streamEncoder, log *logx.Logger) *ebpfSyscallSource {
	return &ebpfSyscallSource{
		pid:     pid,
		enc:     enc,
		log:     log,
		pending: make(map[uint64]pendingEnter),
	}
}

func (s *ebpfSyscallSource) start(ctx context.Context) error {
	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name: "hase_sys_events",
		Type: ebpf.PerfEventArray,
	})
	if err != nil {
		return fmt.Errorf("recorder: create syscall event map: %w", err)
	}
	s.events = events

	for _, tp := range []struct {
		name  string
		insns asm.Instructions
	}{
		{"sys_enter", s.enterProgram()},
		{"sys_exit", s.exitProgram()},
	} {
		prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
			Name:         "hase_" + tp.name,
			Type:         ebpf.TracePoint,
			Instructions: tp.insns,
			License:      "GPL",
		})
		if err != nil {
			s.close()
			return fmt.Errorf("recorder: load %s program: %w", tp.name, err)
		}
		s.progs = append(s.progs, prog)

		lnk, err := link.Tracepoint("raw_syscalls", tp.name, prog, nil)
		if err != nil {
			s.close()
			return fmt.Errorf("recorder: attach raw_syscalls/%s: %w", tp.name, err)
		}
		s.links = append(s.links, lnk)
	}

	rd, err := perf.NewReader(events, 64*perfPageSize)
	if err != nil {
		s.close()
		return fmt.Errorf("recorder: syscall perf reader: %w", err)
	}
	s.rd = rd

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

func (s *ebpfSyscallSource) stop() error {
	for _, l := range s.links {
		l.Close()
	}
	s.links = nil
	if s.rd != nil {
		s.rd.Close() // unblocks the reader loop
	}
	s.wg.Wait()
	s.close()
	return nil
}

func (s *ebpfSyscallSource) close() {
	if s.rd != nil {
		s.rd.Close()
		s.rd = nil
	}
	for _, l := range s.links {
		l.Close()
	}
	s.links = nil
	for _, p := range s.progs {
		p.Close()
	}
	s.progs = nil
	if s.events != nil {
		s.events.Close()
		s.events = nil
	}
}

func (s *ebpfSyscallSource) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		rec, err := s.rd.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			s.log.Warnf("syscall reader error: %v", err)
			continue
		}
		if rec.LostSamples > 0 {
			s.enc.Overflow(int32(rec.CPU), rec.LostSamples, "syscall perf ring overflow")
		}
		if len(rec.RawSample) >= 8 {
			s.handleSample(int32(rec.CPU), rec.RawSample)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *ebpfSyscallSource) handleSample(cpu int32, raw []byte) {
	le := binary.LittleEndian
	switch le.Uint64(raw) {
	case sysRecEnter:
		if len(raw) < sysRecEnterSize {
			return
		}
		pe := pendingEnter{nr: le.Uint64(raw[16:])}
		for i := range pe.args {
			pe.args[i] = le.Uint64(raw[24+8*i:])
		}
		s.pending[le.Uint64(raw[8:])] = pe

	case sysRecExit:
		if len(raw) < sysRecExitSize {
			return
		}
		tid := le.Uint64(raw[8:])
		nr := le.Uint64(raw[16:])
		ret := le.Uint64(raw[24:])
		pe, ok := s.pending[tid]
		delete(s.pending, tid)
		if !ok || pe.nr != nr {
			// exit without a matched enter: args unknown, so any
			// memory effects are uncapturable
			s.enc.Syscall(cpu, trace.Syscall{Nr: nr, Ret: ret, Unmodeled: true})
			return
		}
		s.enc.Syscall(cpu, s.buildSyscall(nr, pe.args, ret))
	}
}

// buildSyscall classifies the syscall and captures its write set from
// the tracee. Syscalls whose user-memory effects we cannot enumerate
// are marked unmodeled so replay can surface them instead of silently
// diverging.
func (s *ebpfSyscallSource) buildSyscall(nr uint64, args [6]uint64, ret uint64) trace.Syscall {
	sys := trace.Syscall{Nr: nr, Args: args, Ret: ret}
	ranges, modeled := syscallWriteRanges(nr, args, ret)
	if !modeled {
		sys.Unmodeled = true
		return sys
	}
	for _, r := range ranges {
		data, err := s.readTracee(r.addr, r.size)
		if err != nil {
			s.log.Warnf("write-set capture for syscall %d at 0x%x failed: %v", nr, r.addr, err)
			sys.Unmodeled = true
			sys.Writes = nil
			return sys
		}
		sys.Writes = append(sys.Writes, trace.MemWrite{Addr: r.addr, Data: data})
	}
	return sys
}

func (s *ebpfSyscallSource) readTracee(addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(size)}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}
	n, err := unix.ProcessVMReadv(s.pid, local, remote, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

type writeRange struct {
	addr uint64
	size int
}

// syscallWriteRanges returns the user-memory ranges a syscall wrote,
// derived from its arguments and return value. The second result is
// false for syscalls whose effects cannot be enumerated this way.
func syscallWriteRanges(nr uint64, args [6]uint64, ret uint64) ([]writeRange, bool) {
	// failed syscalls (ret in the -errno band) write nothing
	failed := ret > ^uint64(4095)

	switch nr {
	case unix.SYS_READ, unix.SYS_PREAD64:
		if failed || ret == 0 {
			return nil, true
		}
		return []writeRange{{args[1], int(ret)}}, true

	case unix.SYS_RECVFROM:
		if failed || ret == 0 {
			return nil, true
		}
		if args[4] != 0 {
			// src_addr out-parameter, length unknowable here
			return nil, false
		}
		return []writeRange{{args[1], int(ret)}}, true

	case unix.SYS_GETRANDOM:
		if failed || ret == 0 {
			return nil, true
		}
		return []writeRange{{args[0], int(ret)}}, true

	case unix.SYS_CLOCK_GETTIME:
		if failed || args[1] == 0 {
			return nil, true
		}
		return []writeRange{{args[1], 16}}, true

	case unix.SYS_GETTIMEOFDAY:
		if failed {
			return nil, true
		}
		var out []writeRange
		if args[0] != 0 {
			out = append(out, writeRange{args[0], 16})
		}
		if args[1] != 0 {
			out = append(out, writeRange{args[1], 8})
		}
		return out, true

	case unix.SYS_TIME:
		if failed || args[0] == 0 {
			return nil, true
		}
		return []writeRange{{args[0], 8}}, true

	case unix.SYS_STAT, unix.SYS_FSTAT, unix.SYS_LSTAT, unix.SYS_NEWFSTATAT:
		if failed {
			return nil, true
		}
		buf := args[1]
		if nr == unix.SYS_NEWFSTATAT {
			buf = args[2]
		}
		return []writeRange{{buf, int(unsafe.Sizeof(unix.Stat_t{}))}}, true

	case unix.SYS_UNAME:
		if failed {
			return nil, true
		}
		return []writeRange{{args[0], int(unsafe.Sizeof(unix.Utsname{}))}}, true

	case unix.SYS_GETCWD:
		if failed || ret == 0 {
			return nil, true
		}
		return []writeRange{{args[0], int(ret)}}, true

	// register-only results: no user memory touched
	case unix.SYS_WRITE, unix.SYS_PWRITE64, unix.SYS_CLOSE, unix.SYS_LSEEK,
		unix.SYS_BRK, unix.SYS_MMAP, unix.SYS_MUNMAP, unix.SYS_MPROTECT,
		unix.SYS_MADVISE, unix.SYS_OPENAT, unix.SYS_OPEN, unix.SYS_DUP,
		unix.SYS_DUP2, unix.SYS_FCNTL, unix.SYS_IOCTL, unix.SYS_GETPID,
		unix.SYS_GETTID, unix.SYS_GETPPID, unix.SYS_GETUID, unix.SYS_GETEUID,
		unix.SYS_GETGID, unix.SYS_GETEGID, unix.SYS_SCHED_YIELD,
		unix.SYS_EXIT, unix.SYS_EXIT_GROUP, unix.SYS_KILL, unix.SYS_TGKILL,
		unix.SYS_ARCH_PRCTL, unix.SYS_SET_TID_ADDRESS, unix.SYS_FADVISE64,
		unix.SYS_SENDTO, unix.SYS_SOCKET, unix.SYS_CONNECT, unix.SYS_SHUTDOWN,
		unix.SYS_FSYNC, unix.SYS_FDATASYNC, unix.SYS_UNLINK, unix.SYS_UNLINKAT,
		unix.SYS_RENAME, unix.SYS_MKDIR, unix.SYS_RMDIR, unix.SYS_CHDIR,
		unix.SYS_FTRUNCATE, unix.SYS_UMASK, unix.SYS_ALARM,
		unix.SYS_SETITIMER, unix.SYS_NANOSLEEP:
		return nil, true
	}
	return nil, false
}

// enterProgram assembles the raw_syscalls/sys_enter tracepoint body:
// filter on our tgid, then stream {kind, tid, nr, args[6]} through the
// perf event array.
func (s *ebpfSyscallSource) enterProgram() asm.Instructions {
	const rec = -int16(sysRecEnterSize)
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.FnGetCurrentPidTgid.Call(),
		asm.Mov.Reg(asm.R7, asm.R0), // keep tid in the low half
		asm.RSh.Imm(asm.R0, 32),
		asm.JNE.Imm(asm.R0, int32(s.pid), "drop"),

		asm.StoreImm(asm.RFP, rec, sysRecEnter, asm.DWord),
		asm.LSh.Imm(asm.R7, 32),
		asm.RSh.Imm(asm.R7, 32),
		asm.StoreMem(asm.RFP, rec+8, asm.R7, asm.DWord),
		asm.LoadMem(asm.R8, asm.R6, tpOffID, asm.DWord),
		asm.StoreMem(asm.RFP, rec+16, asm.R8, asm.DWord),
	}
	for i := int16(0); i < 6; i++ {
		insns = append(insns,
			asm.LoadMem(asm.R8, asm.R6, tpOffArgs+8*i, asm.DWord),
			asm.StoreMem(asm.RFP, rec+24+8*i, asm.R8, asm.DWord),
		)
	}
	return append(insns, s.emitAndReturn(rec, sysRecEnterSize)...)
}

// exitProgram assembles raw_syscalls/sys_exit: same filter, streaming
// {kind, tid, nr, ret}.
func (s *ebpfSyscallSource) exitProgram() asm.Instructions {
	const rec = -int16(sysRecExitSize)
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.FnGetCurrentPidTgid.Call(),
		asm.Mov.Reg(asm.R7, asm.R0),
		asm.RSh.Imm(asm.R0, 32),
		asm.JNE.Imm(asm.R0, int32(s.pid), "drop"),

		asm.StoreImm(asm.RFP, rec, sysRecExit, asm.DWord),
		asm.LSh.Imm(asm.R7, 32),
		asm.RSh.Imm(asm.R7, 32),
		asm.StoreMem(asm.RFP, rec+8, asm.R7, asm.DWord),
		asm.LoadMem(asm.R8, asm.R6, tpOffID, asm.DWord),
		asm.StoreMem(asm.RFP, rec+16, asm.R8, asm.DWord),
		asm.LoadMem(asm.R8, asm.R6, tpOffRet, asm.DWord),
		asm.StoreMem(asm.RFP, rec+24, asm.R8, asm.DWord),
	}
	return append(insns, s.emitAndReturn(rec, sysRecExitSize)...)
}

// emitAndReturn is the shared tail: perf_event_output(ctx, events,
// BPF_F_CURRENT_CPU, &rec, size) followed by the drop label both
// programs jump to when the tgid filter misses.
func (s *ebpfSyscallSource) emitAndReturn(rec int16, size int32) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, s.events.FD()),
		asm.LoadImm(asm.R3, bpfFCurrentCPU, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, int32(rec)),
		asm.Mov.Imm(asm.R5, size),
		asm.FnPerfEventOutput.Call(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("drop"),
		asm.Return(),
	}
}
