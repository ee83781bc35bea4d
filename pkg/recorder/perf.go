package recorder

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/efeslab/hase/pkg/loader"
	"github.com/efeslab/hase/pkg/logx"
)

// Sampled user registers: RAX for vdso return values. Mask bits follow
// the kernel's x86 perf register numbering (AX=0).
const perfRegsMask = 1 << 0

const perfPageSize = 4096

// perfBranchSource samples retired branches on every CPU through
// perf_event_open and replays the branch records through a code walker
// to synthesize the packet stream: taken branches come from the
// samples, not-taken conditionals from walking the instruction bytes
// between consecutive samples.
type perfBranchSource struct {
	pid     int
	pages   int
	startIP uint64
	enc     *streamEncoder
	log     *logx.Logger

	fds   []int
	rings [][]byte

	code  *loader.FileCodeReader
	vdso  [2]uint64
	procs map[int32]*branchWalker

	done chan struct{}
	wg   sync.WaitGroup
}

func newPerfBranchSource(pid, pages int, startIP uint64, enc *streamEncoder, log *logx.Logger) *perfBranchSource {
	return &perfBranchSource{
		pid:     pid,
		pages:   pages,
		startIP: startIP,
		enc:     enc,
		log:     log,
		procs:   make(map[int32]*branchWalker),
		done:    make(chan struct{}),
	}
}

func (s *perfBranchSource) start(ctx context.Context) error {
	procMap, err := loader.ReadProcessMap(s.pid)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}
	s.code = loader.NewFileCodeReader(procMap)
	for _, m := range procMap.Mappings() {
		if m.Path == "[vdso]" {
			s.vdso = [2]uint64{m.Start, m.End}
		}
	}

	ncpu := runtime.NumCPU()
	attr := &unix.PerfEventAttr{
		Type:               unix.PERF_TYPE_HARDWARE,
		Size:               uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:             unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS,
		Sample:             1,
		Sample_type:        unix.PERF_SAMPLE_CPU | unix.PERF_SAMPLE_BRANCH_STACK | unix.PERF_SAMPLE_REGS_USER,
		Branch_sample_type: unix.PERF_SAMPLE_BRANCH_USER | unix.PERF_SAMPLE_BRANCH_ANY,
		Sample_regs_user:   perfRegsMask,
		Bits:               unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
		Wakeup:             1,
	}
	for cpu := 0; cpu < ncpu; cpu++ {
		fd, err := unix.PerfEventOpen(attr, s.pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			s.closeAll()
			if err == unix.EACCES || err == unix.EPERM {
				return fmt.Errorf("%w: perf_event_open on cpu %d: %v (recording requires root)", ErrAttachFailed, cpu, err)
			}
			return fmt.Errorf("%w: perf_event_open on cpu %d: %v", ErrAttachFailed, cpu, err)
		}
		ring, err := unix.Mmap(fd, 0, (1+s.pages)*perfPageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(fd)
			s.closeAll()
			return fmt.Errorf("%w: mapping perf ring on cpu %d: %v", ErrAttachFailed, cpu, err)
		}
		s.fds = append(s.fds, fd)
		s.rings = append(s.rings, ring)
	}
	for _, fd := range s.fds {
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			s.closeAll()
			return fmt.Errorf("%w: enabling perf events: %v", ErrAttachFailed, err)
		}
	}

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

func (s *perfBranchSource) loop(ctx context.Context) {
	defer s.wg.Done()
	pollFds := make([]unix.PollFd, len(s.fds))
	for i, fd := range s.fds {
		pollFds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	drainAll := func() {
		for cpu := range s.rings {
			s.drainRing(cpu)
		}
	}
	for {
		select {
		case <-s.done:
			drainAll()
			return
		case <-ctx.Done():
			drainAll()
			return
		default:
		}
		if _, err := unix.Poll(pollFds, 100); err != nil && err != unix.EINTR {
			s.log.Warnf("perf poll: %v", err)
			return
		}
		drainAll()
	}
}

// drainRing consumes all whole records currently in one CPU's ring.
func (s *perfBranchSource) drainRing(cpu int) {
	ring := s.rings[cpu]
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&ring[0]))
	data := ring[perfPageSize:]
	size := uint64(len(data))

	head := atomic.LoadUint64(&meta.Data_head)
	tail := meta.Data_tail
	for tail < head {
		rec := ringRecord(data, tail%size, size)
		if rec == nil {
			break
		}
		s.handleRecord(int32(cpu), rec)
		tail += uint64(binary.LittleEndian.Uint16(rec[6:8]))
	}
	atomic.StoreUint64(&meta.Data_tail, tail)
}

// ringRecord copies one record out of the ring, handling wraparound.
func ringRecord(data []byte, off, size uint64) []byte {
	var hdr [8]byte
	for i := uint64(0); i < 8; i++ {
		hdr[i] = data[(off+i)%size]
	}
	n := uint64(binary.LittleEndian.Uint16(hdr[6:8]))
	if n < 8 || n > size {
		return nil
	}
	rec := make([]byte, n)
	for i := uint64(0); i < n; i++ {
		rec[i] = data[(off+i)%size]
	}
	return rec
}

const (
	perfRecordLost   = 2
	perfRecordSample = 9
)

// handleRecord parses one perf record and feeds it to the walker.
// Sample layout follows the attr's sample type: cpu/res, branch
// stack, then sampled user registers.
func (s *perfBranchSource) handleRecord(ringCPU int32, rec []byte) {
	typ := binary.LittleEndian.Uint32(rec[0:4])
	body := rec[8:]
	switch typ {
	case perfRecordLost:
		if len(body) < 16 {
			return
		}
		lost := binary.LittleEndian.Uint64(body[8:16])
		s.enc.Overflow(ringCPU, lost, "perf ring overflow")
	case perfRecordSample:
		if len(body) < 16 {
			return
		}
		cpu := int32(binary.LittleEndian.Uint32(body[0:4]))
		off := 8
		if len(body) < off+8 {
			return
		}
		bnr := binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
		type lbr struct{ from, to uint64 }
		entries := make([]lbr, 0, bnr)
		for i := uint64(0); i < bnr; i++ {
			if len(body) < off+24 {
				return
			}
			entries = append(entries, lbr{
				from: binary.LittleEndian.Uint64(body[off : off+8]),
				to:   binary.LittleEndian.Uint64(body[off+8 : off+16]),
			})
			off += 24
		}
		var rax uint64
		if len(body) >= off+8 {
			off += 8 // regs ABI word
			if len(body) >= off+8 {
				rax = binary.LittleEndian.Uint64(body[off : off+8])
			}
		}

		w := s.walker(cpu)
		// Branch records are newest first.
		for i := len(entries) - 1; i >= 0; i-- {
			w.branch(entries[i].from, entries[i].to, rax)
		}
	}
}

func (s *perfBranchSource) walker(cpu int32) *branchWalker {
	w, ok := s.procs[cpu]
	if !ok {
		w = &branchWalker{
			cpu:  cpu,
			cur:  s.startIP,
			code: s.code,
			vdso: s.vdso,
			enc:  s.enc,
			log:  s.log,
		}
		s.procs[cpu] = w
	}
	return w
}

func (s *perfBranchSource) stop() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
	for _, fd := range s.fds {
		unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	}
	s.closeAll()
	return nil
}

func (s *perfBranchSource) closeAll() {
	for _, ring := range s.rings {
		unix.Munmap(ring)
	}
	for _, fd := range s.fds {
		unix.Close(fd)
	}
	s.rings, s.fds = nil, nil
	if s.code != nil {
		s.code.Close()
	}
}

// branchWalker converts taken-branch records into packet stream
// observations. Between consecutive records it walks the instruction
// bytes from the last known position: conditional branches crossed on
// the way were not taken, the branch at the record's from address is
// the taken one.
type branchWalker struct {
	cpu  int32
	cur  uint64
	code loader.CodeReader
	vdso [2]uint64
	enc  *streamEncoder
	log  *logx.Logger

	inVDSO    bool
	vdsoEntry uint64
}

const maxWalkInsns = 1 << 16

func (w *branchWalker) inVDSORange(ip uint64) bool {
	return ip >= w.vdso[0] && ip < w.vdso[1]
}

func (w *branchWalker) branch(from, to, rax uint64) {
	if w.inVDSO {
		// Skip branches inside the vdso body; the first transfer back
		// out carries the return point and RAX holds the result.
		if w.inVDSORange(to) {
			return
		}
		w.enc.VDSOCall(w.cpu, w.vdsoEntry, to, rax)
		w.inVDSO = false
		w.cur = to
		return
	}

	// Walk from the last position up to the taken branch, emitting
	// not-taken bits for conditionals crossed on the way.
	ip := w.cur
	var buf [16]byte
	for i := 0; i < maxWalkInsns && ip != from; i++ {
		n, err := w.code.ReadCode(ip, buf[:])
		if err != nil || n == 0 {
			w.log.Debugf("cpu %d: no code at 0x%x, resyncing to 0x%x", w.cpu, ip, from)
			break
		}
		inst, err := x86asm.Decode(buf[:n], 64)
		if err != nil {
			// Not-taken bits between here and the taken branch are
			// lost; record the hole so the decoder treats the gap
			// like an overflow instead of drifting silently.
			w.log.Warnf("cpu %d: %v at 0x%x, resyncing to 0x%x", w.cpu, ErrUnsupportedInstruction, ip, from)
			w.enc.Overflow(w.cpu, 1, fmt.Sprintf("unsupported instruction at 0x%x", ip))
			break
		}
		if isCondBranchOp(inst.Op) {
			w.enc.CondBranch(w.cpu, ip, false)
		}
		if isRepStringInst(inst) {
			// RCX at the REP is not observable here: the sampled
			// registers are post-interrupt and the instruction has
			// already retired. Record the count as unknown; replay
			// reads it from the reconstructed RCX.
			w.enc.Rep(w.cpu, ip, 0)
		}
		ip += uint64(inst.Len)
	}

	// Classify the taken branch itself.
	n, err := w.code.ReadCode(from, buf[:])
	if err != nil || n == 0 {
		w.enc.IndirectBranch(w.cpu, from, to)
		w.cur = to
		return
	}
	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		w.enc.IndirectBranch(w.cpu, from, to)
		w.cur = to
		return
	}
	switch {
	case isCondBranchOp(inst.Op):
		w.enc.CondBranch(w.cpu, from, true)
	case isDirectTransfer(inst):
		// Target is in the opcode; the decoder follows it for free.
	case w.inVDSORange(to):
		w.inVDSO = true
		w.vdsoEntry = to
	default:
		w.enc.IndirectBranch(w.cpu, from, to)
	}
	w.cur = to
}

func isCondBranchOp(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP,
		x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

func isDirectTransfer(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.JMP, x86asm.CALL:
		_, rel := inst.Args[0].(x86asm.Rel)
		return rel
	}
	return false
}

func isRepStringInst(inst x86asm.Inst) bool {
	prefixed := false
	for _, p := range inst.Prefix {
		switch p &^ (x86asm.PrefixImplicit | x86asm.PrefixIgnored) {
		case x86asm.PrefixREP, x86asm.PrefixREPN:
			prefixed = true
		}
	}
	if !prefixed {
		return false
	}
	switch inst.Op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		return true
	}
	return false
}
