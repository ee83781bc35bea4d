package recorder

import (
	"context"
	"sync"

	"github.com/efeslab/hase/pkg/logx"
	"github.com/efeslab/hase/pkg/trace"
)

// RawRecord is a chunk of raw packet stream captured for one CPU.
type RawRecord struct {
	CPU  int32
	Data []byte
}

// CaptureSource produces the raw per-CPU packet streams for a
// recording. The recorder drains Records while the target runs; Stop
// flushes any buffered data and closes the channel. The abstraction
// keeps the recording core testable on hosts without perf access.
type CaptureSource interface {
	Start(ctx context.Context) error
	Records() <-chan RawRecord
	Stop() error
}

// streamEncoder turns capture observations into the raw packet
// streams, one per CPU, maintaining the global sequence counter and
// the migration markers that let the decoder merge the buffers back
// into program order. Safe for use from the branch and syscall capture
// goroutines concurrently.
type streamEncoder struct {
	mu       sync.Mutex
	seq      uint64
	cur      int32
	started  bool
	needSync bool
	writers  map[int32]*trace.PacketWriter

	// pending TNT packing
	tntBits uint8
	tntLen  uint8
}

func newStreamEncoder() *streamEncoder {
	return &streamEncoder{cur: -1, writers: make(map[int32]*trace.PacketWriter)}
}

func (e *streamEncoder) writer() *trace.PacketWriter {
	w, ok := e.writers[e.cur]
	if !ok {
		w = &trace.PacketWriter{}
		e.writers[e.cur] = w
	}
	return w
}

// ensure opens the stream or records a migration when the observation
// comes from a different CPU than the last one.
func (e *streamEncoder) ensure(cpu int32, ip uint64) {
	if !e.started {
		e.cur = cpu
		e.writer().Sync(e.seq, cpu, ip)
		e.seq++
		e.started = true
		e.needSync = false
		return
	}
	if cpu == e.cur {
		return
	}
	e.flushTNT()
	e.writer().Mig(e.seq, cpu)
	e.cur = cpu
	e.writer().Sync(e.seq, cpu, ip)
	e.seq++
	e.needSync = false
}

// resync re-pins the stream at ip after an overflow invalidated the
// decoder's position. Returns false when the observation carries no
// usable address; the caller folds it into the lost gap.
func (e *streamEncoder) resync(ip uint64) bool {
	if !e.needSync {
		return true
	}
	if ip == 0 {
		return false
	}
	e.writer().Sync(e.seq, e.cur, ip)
	e.seq++
	e.needSync = false
	return true
}

func (e *streamEncoder) flushTNT() {
	if e.tntLen == 0 {
		return
	}
	e.writer().TNT(e.tntBits, e.tntLen)
	e.tntBits, e.tntLen = 0, 0
}

// CondBranch records a conditional branch outcome.
func (e *streamEncoder) CondBranch(cpu int32, ip uint64, taken bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(cpu, ip)
	if !e.resync(ip) {
		return
	}
	if taken {
		e.tntBits |= 1 << e.tntLen
	}
	e.tntLen++
	if e.tntLen == 8 {
		e.flushTNT()
	}
}

// IndirectBranch records an indirect transfer target.
func (e *streamEncoder) IndirectBranch(cpu int32, ip, target uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(cpu, ip)
	if !e.resync(ip) {
		return
	}
	e.flushTNT()
	e.writer().TIP(target)
}

// VDSOCall records an opaque vdso call: entry, recorded return point
// and the return value sampled on exit.
func (e *streamEncoder) VDSOCall(cpu int32, entry, ret, retValue uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(cpu, entry)
	if e.needSync {
		// The call itself fell inside the lost gap; pin the stream at
		// the return point and drop the record.
		e.resync(ret)
		return
	}
	e.flushTNT()
	e.writer().VDSO(entry, ret, retValue)
}

// Rep records a REP-prefixed string instruction. A zero count means
// the iteration count was not observable at capture time; replay
// recovers it from RCX in the reconstructed state.
func (e *streamEncoder) Rep(cpu int32, ip, count uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(cpu, ip)
	if !e.resync(ip) {
		return
	}
	e.flushTNT()
	e.writer().Rep(ip, count)
}

// Syscall records a syscall with its captured write set.
func (e *streamEncoder) Syscall(cpu int32, s trace.Syscall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(cpu, s.IP)
	if !e.resync(s.IP) {
		return
	}
	e.flushTNT()
	e.writer().Syscall(s)
}

// Overflow records lost capture data on one CPU.
func (e *streamEncoder) Overflow(cpu int32, lost uint64, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(cpu, 0)
	e.flushTNT()
	e.writer().Overflow(lost, reason)
	// The decoder drops its position on overflow; the next observation
	// with a known address re-pins the stream.
	e.needSync = true
}

// Flush returns the accumulated packet streams as records.
func (e *streamEncoder) Flush() []RawRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushTNT()
	recs := make([]RawRecord, 0, len(e.writers))
	for cpu, w := range e.writers {
		recs = append(recs, RawRecord{CPU: cpu, Data: w.Bytes()})
	}
	return recs
}

// systemSource is the production capture source: per-CPU branch
// sampling through perf_event_open feeding a shared stream encoder,
// plus the eBPF raw_syscalls tracer supplying syscall records.
type systemSource struct {
	pid   int
	pages int
	log   *logx.Logger

	enc      *streamEncoder
	branches *perfBranchSource
	syscalls *ebpfSyscallSource
	out      chan RawRecord
}

func newSystemSource(pid, pages int, startIP uint64, log *logx.Logger) *systemSource {
	if pages <= 0 {
		pages = 64
	}
	enc := newStreamEncoder()
	return &systemSource{
		pid:      pid,
		pages:    pages,
		log:      log,
		enc:      enc,
		branches: newPerfBranchSource(pid, pages, startIP, enc, log),
		syscalls: newEBPFSyscallSource(pid, enc, log),
		out:      make(chan RawRecord, 16),
	}
}

func (s *systemSource) Start(ctx context.Context) error {
	if err := s.branches.start(ctx); err != nil {
		return err
	}
	if err := s.syscalls.start(ctx); err != nil {
		s.branches.stop()
		return err
	}
	return nil
}

func (s *systemSource) Records() <-chan RawRecord { return s.out }

func (s *systemSource) Stop() error {
	berr := s.branches.stop()
	serr := s.syscalls.stop()
	recs := s.enc.Flush()
	go func() {
		for _, rec := range recs {
			s.out <- rec
		}
		close(s.out)
	}()
	if berr != nil {
		return berr
	}
	return serr
}
