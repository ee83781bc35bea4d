package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/efeslab/hase/pkg/decoder"
	"github.com/efeslab/hase/pkg/loader"
	"github.com/efeslab/hase/pkg/logx"
	"github.com/efeslab/hase/pkg/trace"
)

// fakeTracee scripts process control so Record can run without ptrace.
type fakeTracee struct {
	exit chan int
	once sync.Once
}

func newFakeTracee() *fakeTracee {
	return &fakeTracee{exit: make(chan int, 1)}
}

func (t *fakeTracee) Pid() int { return 4242 }

func (t *fakeTracee) Registers() (trace.Registers, error) {
	return trace.Registers{Rip: 0x401000, Rsp: 0x7ffd1000}, nil
}

func (t *fakeTracee) Mappings() ([]trace.Mapping, error) {
	return []trace.Mapping{
		{Start: 0x401000, End: 0x402000, Perms: "r-xp", Path: "/bin/test"},
	}, nil
}

func (t *fakeTracee) Memory() ([]trace.MemRegion, error) {
	return []trace.MemRegion{{Addr: 0x401000, Data: make([]byte, 16)}}, nil
}

func (t *fakeTracee) Resume() error { return nil }

func (t *fakeTracee) Wait() (int, error) { return <-t.exit, nil }

func (t *fakeTracee) Kill() error {
	t.once.Do(func() { t.exit <- 137 })
	return nil
}

// scriptedSource hands the recorder a pre-built raw capture.
type scriptedSource struct {
	recs []RawRecord
	ch   chan RawRecord
}

func (s *scriptedSource) Start(ctx context.Context) error {
	s.ch = make(chan RawRecord, len(s.recs)+1)
	for _, r := range s.recs {
		s.ch <- r
	}
	return nil
}

func (s *scriptedSource) Records() <-chan RawRecord { return s.ch }

func (s *scriptedSource) Stop() error {
	close(s.ch)
	return nil
}

// parsePackets reads a finalized buffer back into packets, stopping at
// the end marker.
func parsePackets(t *testing.T, data []byte) []trace.Packet {
	t.Helper()
	p := trace.NewPacketParser(data)
	var pkts []trace.Packet
	for {
		pkt, err := p.Next()
		if err != nil {
			t.Fatalf("parsing finalized buffer: %v", err)
		}
		if pkt.Type == trace.PktEnd {
			return pkts
		}
		pkts = append(pkts, pkt)
	}
}

func singleCPUCapture(build func(w *trace.PacketWriter)) []RawRecord {
	w := &trace.PacketWriter{}
	build(w)
	return []RawRecord{{CPU: 0, Data: w.Bytes()}}
}

func record(t *testing.T, opts Options) (*trace.Session, error) {
	t.Helper()
	tracee := newFakeTracee()
	tracee.exit <- 0
	opts.NewTracee = func() (Tracee, error) { return tracee, nil }
	return Record(context.Background(), opts)
}

func TestRecordProducesSession(t *testing.T) {
	src := &scriptedSource{recs: singleCPUCapture(func(w *trace.PacketWriter) {
		w.Sync(0, 0, 0x401000)
		w.TNT(0b101, 3)
		w.TIP(0x401800)
	})}
	sess, err := record(t, Options{Target: "/bin/test", Source: src})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if sess.Terminated != trace.TerminatedExit {
		t.Errorf("Terminated = %v, want TerminatedExit", sess.Terminated)
	}
	if sess.Truncated {
		t.Error("session marked truncated without a limit")
	}
	if sess.StartRegs.Rip != 0x401000 {
		t.Errorf("StartRegs.Rip = %#x, want 0x401000", sess.StartRegs.Rip)
	}
	if len(sess.Buffers) != 1 {
		t.Fatalf("got %d buffers, want 1", len(sess.Buffers))
	}
	pkts := parsePackets(t, sess.Buffers[0].Data)
	if len(pkts) != 3 {
		t.Fatalf("got %d packets, want 3", len(pkts))
	}
	if pkts[0].Type != trace.PktSync || pkts[0].Seq != 0 || pkts[0].IP != 0x401000 {
		t.Errorf("unexpected opening packet %+v", pkts[0])
	}
	if pkts[2].Type != trace.PktTIP || pkts[2].IP != 0x401800 {
		t.Errorf("unexpected tail packet %+v", pkts[2])
	}
}

func TestRecordNoTargetNoPid(t *testing.T) {
	_, err := Record(context.Background(), Options{})
	if !errors.Is(err, ErrAttachFailed) {
		t.Fatalf("err = %v, want ErrAttachFailed", err)
	}
}

func TestLimitSplitsTNTPacket(t *testing.T) {
	src := &scriptedSource{recs: singleCPUCapture(func(w *trace.PacketWriter) {
		w.Sync(0, 0, 0x401000)
		w.TNT(0b11011, 5)
		w.TIP(0x401800)
	})}
	sess, err := record(t, Options{Target: "/bin/test", Source: src, Limit: 3})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !sess.Truncated {
		t.Fatal("session not marked truncated")
	}
	if sess.Terminated != trace.TerminatedLimit {
		t.Errorf("Terminated = %v, want TerminatedLimit", sess.Terminated)
	}
	pkts := parsePackets(t, sess.Buffers[0].Data)
	if len(pkts) != 2 {
		t.Fatalf("got %d packets, want sync+tnt", len(pkts))
	}
	tnt := pkts[1]
	if tnt.Type != trace.PktTNT || tnt.TNTLen != 3 {
		t.Fatalf("split packet = %+v, want 3-bit TNT", tnt)
	}
	if tnt.TNTBits != 0b11011 {
		t.Errorf("TNTBits = %#b, want low bits of original", tnt.TNTBits)
	}
}

func TestLimitExactBoundaryNotTruncated(t *testing.T) {
	src := &scriptedSource{recs: singleCPUCapture(func(w *trace.PacketWriter) {
		w.Sync(0, 0, 0x401000)
		w.TNT(0b1, 1)
		w.TIP(0x401800)
	})}
	sess, err := record(t, Options{Target: "/bin/test", Source: src, Limit: 2})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if sess.Truncated {
		t.Error("capture fits the limit exactly, must not be truncated")
	}
	if got := len(parsePackets(t, sess.Buffers[0].Data)); got != 3 {
		t.Errorf("got %d packets, want 3", got)
	}
}

func TestFinalizeFollowsMigration(t *testing.T) {
	w0 := &trace.PacketWriter{}
	w0.Sync(0, 0, 0x401000)
	w0.TNT(0b1, 1)
	w0.Mig(1, 2)
	w2 := &trace.PacketWriter{}
	w2.Sync(1, 2, 0x401010)
	w2.TIP(0x401800)

	raw := map[int32][]byte{0: w0.Bytes(), 2: w2.Bytes()}
	buffers, truncated, err := finalize(raw, 0)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if truncated {
		t.Error("unexpected truncation")
	}
	if len(buffers) != 2 || buffers[0].CPU != 0 || buffers[1].CPU != 2 {
		t.Fatalf("buffers = %+v, want cpus 0 and 2 in order", buffers)
	}
	pkts := parsePackets(t, buffers[1].Data)
	if len(pkts) != 2 || pkts[0].Type != trace.PktSync || pkts[0].Seq != 1 {
		t.Fatalf("cpu2 stream = %+v, want sync seq 1 then tip", pkts)
	}
}

func TestFinalizeLimitCountsAcrossMigration(t *testing.T) {
	w0 := &trace.PacketWriter{}
	w0.Sync(0, 0, 0x401000)
	w0.TNT(0b1, 1)
	w0.Mig(1, 1) // migration is itself one event
	w1 := &trace.PacketWriter{}
	w1.Sync(1, 1, 0x401010)
	w1.TIP(0x401800)

	raw := map[int32][]byte{0: w0.Bytes(), 1: w1.Bytes()}
	buffers, truncated, err := finalize(raw, 2)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !truncated {
		t.Fatal("limit of 2 must cut the trailing tip")
	}
	for _, b := range buffers {
		for _, pkt := range parsePackets(t, b.Data) {
			if pkt.Type == trace.PktTIP {
				t.Errorf("cpu %d kept a tip past the limit", b.CPU)
			}
		}
	}
}

func TestOverflowBeforeAnyEventIsFatal(t *testing.T) {
	src := &scriptedSource{recs: singleCPUCapture(func(w *trace.PacketWriter) {
		w.Sync(0, 0, 0x401000)
		w.Overflow(77, "ring overflow")
	})}
	_, err := record(t, Options{Target: "/bin/test", Source: src})
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("err = %v, want ErrBufferOverflow", err)
	}
}

func TestOverflowMidStreamIsKept(t *testing.T) {
	src := &scriptedSource{recs: singleCPUCapture(func(w *trace.PacketWriter) {
		w.Sync(0, 0, 0x401000)
		w.TNT(0b1, 1)
		w.Overflow(5, "ring overflow")
	})}
	sess, err := record(t, Options{Target: "/bin/test", Source: src})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	pkts := parsePackets(t, sess.Buffers[0].Data)
	last := pkts[len(pkts)-1]
	if last.Type != trace.PktOverflow || last.Lost != 5 {
		t.Errorf("tail packet = %+v, want overflow lost=5", last)
	}
}

func TestTornCaptureKeepsPrefix(t *testing.T) {
	w := &trace.PacketWriter{}
	w.Sync(0, 0, 0x401000)
	w.TNT(0b1, 1)
	whole := len(w.Bytes())
	w.TIP(0x401800)
	torn := w.Bytes()[:whole+3] // tip packet cut mid-body

	buffers, _, err := finalize(map[int32][]byte{0: torn}, 0)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	pkts := parsePackets(t, buffers[0].Data)
	if len(pkts) != 2 || pkts[1].Type != trace.PktTNT {
		t.Fatalf("kept packets = %+v, want sync+tnt prefix", pkts)
	}
}

func TestFinalizeNoOpeningSync(t *testing.T) {
	w := &trace.PacketWriter{}
	w.TIP(0x401800)
	_, _, err := finalize(map[int32][]byte{0: w.Bytes()}, 0)
	if !errors.Is(err, trace.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestRecordContextCancellation(t *testing.T) {
	tracee := newFakeTracee() // never exits on its own
	src := &scriptedSource{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	sess, err := Record(ctx, Options{
		Target:    "/bin/test",
		Source:    src,
		NewTracee: func() (Tracee, error) { return tracee, nil },
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if sess.Terminated != trace.TerminatedCaptureError {
		t.Errorf("Terminated = %v, want TerminatedCaptureError", sess.Terminated)
	}
}

func TestStreamEncoderMigration(t *testing.T) {
	enc := newStreamEncoder()
	enc.CondBranch(0, 0x401000, true)
	enc.CondBranch(0, 0x401005, false)
	enc.IndirectBranch(1, 0x401008, 0x402000)
	recs := enc.Flush()
	if len(recs) != 2 {
		t.Fatalf("got %d raw records, want 2 cpus", len(recs))
	}
	byCPU := map[int32][]byte{}
	for _, r := range recs {
		byCPU[r.CPU] = r.Data
	}

	p := trace.NewPacketParser(byCPU[0])
	sync, _ := p.Next()
	if sync.Type != trace.PktSync || sync.Seq != 0 || sync.IP != 0x401000 {
		t.Fatalf("cpu0 opening = %+v, want sync seq 0", sync)
	}
	tnt, _ := p.Next()
	if tnt.Type != trace.PktTNT || tnt.TNTLen != 2 || tnt.TNTBits != 0b01 {
		t.Fatalf("cpu0 tnt = %+v, want 2 bits 0b01", tnt)
	}
	mig, _ := p.Next()
	if mig.Type != trace.PktMig || mig.Seq != 1 || mig.CPU != 1 {
		t.Fatalf("cpu0 tail = %+v, want mig seq 1 to cpu 1", mig)
	}

	p = trace.NewPacketParser(byCPU[1])
	sync, _ = p.Next()
	if sync.Type != trace.PktSync || sync.Seq != 1 {
		t.Fatalf("cpu1 opening = %+v, want sync seq 1", sync)
	}
	tip, _ := p.Next()
	if tip.Type != trace.PktTIP || tip.IP != 0x402000 {
		t.Fatalf("cpu1 packet = %+v, want tip 0x402000", tip)
	}
}

func TestStreamEncoderFlushesPartialTNT(t *testing.T) {
	enc := newStreamEncoder()
	for i := 0; i < 11; i++ {
		enc.CondBranch(0, 0x401000, i%2 == 0)
	}
	recs := enc.Flush()
	pkts := []trace.Packet{}
	p := trace.NewPacketParser(recs[0].Data)
	for {
		pkt, err := p.Next()
		if err != nil {
			break
		}
		pkts = append(pkts, pkt)
	}
	if len(pkts) != 3 {
		t.Fatalf("got %d packets, want sync + full tnt + partial tnt", len(pkts))
	}
	if pkts[1].TNTLen != 8 || pkts[2].TNTLen != 3 {
		t.Errorf("tnt lengths = %d,%d, want 8,3", pkts[1].TNTLen, pkts[2].TNTLen)
	}
}

func TestSyscallWriteRanges(t *testing.T) {
	// read(3, buf, 64) returning 10 wrote 10 bytes at buf
	ranges, modeled := syscallWriteRanges(0, [6]uint64{3, 0x7000, 64}, 10)
	if !modeled || len(ranges) != 1 || ranges[0].addr != 0x7000 || ranges[0].size != 10 {
		t.Errorf("read ranges = %+v modeled=%v", ranges, modeled)
	}

	// failed read writes nothing but stays modeled
	ranges, modeled = syscallWriteRanges(0, [6]uint64{3, 0x7000, 64}, ^uint64(8)) // -EBADF
	if !modeled || len(ranges) != 0 {
		t.Errorf("failed read ranges = %+v modeled=%v", ranges, modeled)
	}

	// write only touches registers
	if _, modeled = syscallWriteRanges(1, [6]uint64{3, 0x7000, 64}, 64); !modeled {
		t.Error("write must be modeled")
	}

	// ptrace is not in the model
	if _, modeled = syscallWriteRanges(101, [6]uint64{}, 0); modeled {
		t.Error("ptrace must be unmodeled")
	}
}

func TestEncoderOverflowResyncDecodes(t *testing.T) {
	// Lost data invalidates the decoder's position; the encoder must
	// pin a new sync point so the stream stays decodable end to end.
	code := []byte{
		0x75, 0x0e, // 401000: jne 0x401010
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, // 401002: nops
		0x75, 0x02, // 401010: jne 0x401014
		0x90, 0x90, // 401012: nops
	}

	enc := newStreamEncoder()
	enc.CondBranch(0, 0x401000, true)
	enc.Overflow(0, 7, "ring overflow")
	enc.CondBranch(0, 0x401010, false)
	recs := enc.Flush()
	if len(recs) != 1 {
		t.Fatalf("got %d raw records, want 1", len(recs))
	}

	buffers, _, err := finalize(map[int32][]byte{0: recs[0].Data}, 0)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	sess := &trace.Session{
		Target:    "/bin/test",
		StartRegs: trace.Registers{Rip: 0x401000},
		Mappings: []trace.Mapping{
			{Start: 0x400000, End: 0x402000, Perms: "r-xp", Path: "/bin/test"},
		},
		InitialMem: []trace.MemRegion{{Addr: 0x401000, Data: code}},
		Buffers:    buffers,
	}

	events, err := decoder.Decode(context.Background(), sess, decoder.Options{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("decoded %d events %v, want branch, overflow, branch", len(events), events)
	}
	first, ok := events[0].(trace.Branch)
	if !ok || first.IP != 0x401000 || !first.Taken {
		t.Errorf("events[0] = %+v, want taken branch at 0x401000", events[0])
	}
	ovf, ok := events[1].(trace.Overflow)
	if !ok || ovf.Lost != 7 {
		t.Errorf("events[1] = %+v, want overflow lost=7", events[1])
	}
	second, ok := events[2].(trace.Branch)
	if !ok || second.IP != 0x401010 || second.Taken || second.Target != 0x401012 {
		t.Errorf("events[2] = %+v, want not-taken branch at 0x401010", events[2])
	}
}

func TestEncoderDropsUnplaceableRecordsInGap(t *testing.T) {
	// A syscall with no instruction pointer cannot re-pin the stream
	// after lost data; it folds into the gap instead of corrupting the
	// buffer.
	enc := newStreamEncoder()
	enc.CondBranch(0, 0x401000, true)
	enc.Overflow(0, 3, "ring overflow")
	enc.Syscall(0, trace.Syscall{Nr: 0, Ret: 5})
	enc.IndirectBranch(0, 0x401010, 0x402000)
	recs := enc.Flush()

	pkts := []trace.Packet{}
	p := trace.NewPacketParser(recs[0].Data)
	for {
		pkt, err := p.Next()
		if err != nil {
			break
		}
		pkts = append(pkts, pkt)
	}
	types := make([]byte, len(pkts))
	for i, pkt := range pkts {
		types[i] = pkt.Type
	}
	want := []byte{trace.PktSync, trace.PktTNT, trace.PktOverflow, trace.PktSync, trace.PktTIP}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Errorf("packet types mismatch (-want +got):\n%s", diff)
	}
	if pkts[3].IP != 0x401010 {
		t.Errorf("resync point = 0x%x, want 0x401010", pkts[3].IP)
	}
}

func TestWalkerSurfacesUndecodableCode(t *testing.T) {
	// A byte sequence the disassembler rejects loses the not-taken
	// bits up to the next taken branch; the hole is recorded instead
	// of silently dropped.
	code := []byte{
		0x06, // 401000: invalid in 64-bit mode
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, // filler
		0x75, 0x0e, // 401010: jne 0x401020
	}
	enc := newStreamEncoder()
	w := &branchWalker{
		cpu:  0,
		cur:  0x401000,
		code: loader.NewImageCodeReader([]trace.MemRegion{{Addr: 0x401000, Data: code}}),
		enc:  enc,
		log:  logx.Discard(),
	}
	w.branch(0x401010, 0x401020, 0)

	recs := enc.Flush()
	p := trace.NewPacketParser(recs[0].Data)
	var types []byte
	var pkts []trace.Packet
	for {
		pkt, err := p.Next()
		if err != nil {
			break
		}
		types = append(types, pkt.Type)
		pkts = append(pkts, pkt)
	}
	want := []byte{trace.PktSync, trace.PktOverflow, trace.PktSync, trace.PktTNT}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("packet types mismatch (-want +got):\n%s", diff)
	}
	if pkts[2].IP != 0x401010 {
		t.Errorf("resync point = 0x%x, want the taken branch 0x401010", pkts[2].IP)
	}
	if pkts[3].TNTLen != 1 || pkts[3].TNTBits != 1 {
		t.Errorf("tnt = %+v, want the taken bit", pkts[3])
	}
}

func TestWalkerRepCountUnknown(t *testing.T) {
	// Sampled registers postdate a retired rep, so the walker records
	// the count as unknown for replay to recover from state.
	code := []byte{
		0xf3, 0xaa, // 401000: rep stosb
		0x75, 0x0c, // 401002: jne 0x401010
	}
	enc := newStreamEncoder()
	w := &branchWalker{
		cpu:  0,
		cur:  0x401000,
		code: loader.NewImageCodeReader([]trace.MemRegion{{Addr: 0x401000, Data: code}}),
		enc:  enc,
		log:  logx.Discard(),
	}
	w.branch(0x401002, 0x401010, 0)

	recs := enc.Flush()
	p := trace.NewPacketParser(recs[0].Data)
	var pkts []trace.Packet
	for {
		pkt, err := p.Next()
		if err != nil {
			break
		}
		pkts = append(pkts, pkt)
	}
	if len(pkts) != 3 || pkts[1].Type != trace.PktRep {
		t.Fatalf("packets = %+v, want sync, rep, tnt", pkts)
	}
	if pkts[1].Count != 0 {
		t.Errorf("rep count = %d, want 0 (unknown)", pkts[1].Count)
	}
}
