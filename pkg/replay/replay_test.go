package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"

	"github.com/efeslab/hase/pkg/trace"
)

// session builds a test session with code at 0x401000 and the given
// start registers. Rip is forced to the code start.
func session(code []byte, regs trace.Registers, mem []trace.MemRegion, buffers ...trace.CPUBuffer) *trace.Session {
	regs.Rip = 0x401000
	return &trace.Session{
		Target:    "/bin/test",
		StartRegs: regs,
		Mappings: []trace.Mapping{
			{Start: 0x400000, End: 0x402000, Perms: "r-xp", Path: "/bin/test"},
			{Start: 0x7fff0000, End: 0x7fff1000, Perms: "r-xp", Path: "[vdso]"},
		},
		InitialMem: append([]trace.MemRegion{{Addr: 0x401000, Data: code}}, mem...),
		Buffers:    buffers,
	}
}

func mustReplayer(t *testing.T, sess *trace.Session, opts Options) *Replayer {
	t.Helper()
	r, err := New(sess, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

// loopySession is a spin loop: mov eax, 3; dec rax; jne back; ret.
// The full trace is three conditional branch events (taken, taken,
// not taken) plus the final return. With limited=true the recording
// stops after the first branch event.
func loopySession(limited bool) *trace.Session {
	code := []byte{
		0xb8, 0x03, 0x00, 0x00, 0x00, // 401000: mov eax, 3
		0x48, 0xff, 0xc8, // 401005: dec rax
		0x75, 0xfb, // 401008: jne 0x401005
		0xc3, // 40100a: ret
	}
	var w trace.PacketWriter
	w.Sync(0, 0, 0x401000)
	if limited {
		w.TNT(0b1, 1)
	} else {
		w.TNT(0b011, 3)
		w.TIP(0x401800)
	}
	w.End()
	s := session(code, trace.Registers{Rsp: 0x7ffd1000}, []trace.MemRegion{
		{Addr: 0x7ffd0000, Data: make([]byte, 4096)},
	}, trace.CPUBuffer{CPU: 0, Data: w.Bytes()})
	if limited {
		s.Limit = 1
		s.Truncated = true
		s.Terminated = trace.TerminatedLimit
	}
	return s
}

func TestStateAtZeroIsInitialSnapshot(t *testing.T) {
	sess := loopySession(false)
	r := mustReplayer(t, sess, Options{})

	st, err := r.StateAt(context.Background(), 0)
	if err != nil {
		t.Fatalf("StateAt(0) failed: %v", err)
	}
	if st.Regs != sess.StartRegs {
		t.Errorf("registers at offset 0 differ from snapshot:\n got %+v\nwant %+v", st.Regs, sess.StartRegs)
	}
	buf := make([]byte, 4)
	if err := st.Mem.Read(0x7ffd0000, buf); err != nil {
		t.Errorf("initial memory missing: %v", err)
	}
}

func TestTruncatedLoopOneIteration(t *testing.T) {
	// A one-event recording of the loop captures exactly one
	// iteration: mov, dec, then the taken back edge.
	sess := loopySession(true)
	r := mustReplayer(t, sess, Options{})

	st, err := r.StateAt(context.Background(), 1)
	if err != nil {
		t.Fatalf("StateAt(1) failed: %v", err)
	}
	if st.Regs.Rax != 2 {
		t.Errorf("Rax = %d, want 2 (one dec applied)", st.Regs.Rax)
	}
	if st.Regs.Rip != 0x401005 {
		t.Errorf("Rip = 0x%x, want loop head 0x401005", st.Regs.Rip)
	}
}

func TestReplayFullLoop(t *testing.T) {
	sess := loopySession(false)
	r := mustReplayer(t, sess, Options{})

	// After all three iterations and the final ret.
	st, err := r.StateAt(context.Background(), 4)
	if err != nil {
		t.Fatalf("StateAt(4) failed: %v", err)
	}
	if st.Regs.Rax != 0 {
		t.Errorf("Rax = %d, want 0", st.Regs.Rax)
	}
	if st.Regs.Rip != 0x401800 {
		t.Errorf("Rip = 0x%x, want return target 0x401800", st.Regs.Rip)
	}
	if st.Regs.Rsp != 0x7ffd1008 {
		t.Errorf("Rsp = 0x%x, want 0x7ffd1008 after ret", st.Regs.Rsp)
	}
}

func TestStateAtIsPure(t *testing.T) {
	sess := loopySession(false)
	r := mustReplayer(t, sess, Options{})
	ctx := context.Background()

	a, err := r.StateAt(ctx, 3)
	if err != nil {
		t.Fatalf("StateAt failed: %v", err)
	}
	b, err := r.StateAt(ctx, 3)
	if err != nil {
		t.Fatalf("second StateAt failed: %v", err)
	}
	if a.Regs != b.Regs {
		t.Errorf("repeated StateAt returned different registers:\n%+v\n%+v", a.Regs, b.Regs)
	}

	// Mutating a returned state must not leak into later queries.
	a.Regs.Rax = 0xdead
	a.Mem.Write(0x7ffd0000, []byte{0xff})
	c, err := r.StateAt(ctx, 3)
	if err != nil {
		t.Fatalf("third StateAt failed: %v", err)
	}
	if c.Regs != b.Regs {
		t.Errorf("mutation of a returned state leaked into replay")
	}
	one := make([]byte, 1)
	if err := c.Mem.Read(0x7ffd0000, one); err != nil {
		t.Fatal(err)
	}
	if one[0] != 0 {
		t.Errorf("memory mutation of a returned state leaked into replay")
	}
}

func TestCheckpointedReplayMatchesCold(t *testing.T) {
	sess := loopySession(false)
	ctx := context.Background()

	cold := mustReplayer(t, sess, Options{CheckpointInterval: 1 << 20})
	warm := mustReplayer(t, sess, Options{CheckpointInterval: 1})

	// Walk forward first so warm has checkpoints to resume from, then
	// query every offset out of order.
	if _, err := warm.StateAt(ctx, 4); err != nil {
		t.Fatalf("priming replay failed: %v", err)
	}
	for _, off := range []uint64{3, 0, 4, 2, 1} {
		want, err := cold.StateAt(ctx, off)
		if err != nil {
			t.Fatalf("cold StateAt(%d) failed: %v", off, err)
		}
		got, err := warm.StateAt(ctx, off)
		if err != nil {
			t.Fatalf("warm StateAt(%d) failed: %v", off, err)
		}
		if got.Regs != want.Regs {
			t.Errorf("offset %d: checkpointed replay differs:\n got %+v\nwant %+v", off, got.Regs, want.Regs)
		}
	}
}

func TestRepMemsetScenario(t *testing.T) {
	// memset(buf, 'A', 4096) via rep stosb.
	code := []byte{
		0xf3, 0xaa, // 401000: rep stosb
		0xc3, // 401002: ret
	}
	var w trace.PacketWriter
	w.Sync(0, 0, 0x401000)
	w.Rep(0x401000, 4096)
	w.End()

	regs := trace.Registers{
		Rax: 0x41,
		Rcx: 4096,
		Rdi: 0x601000,
		Rsp: 0x7ffd1000,
	}
	sess := session(code, regs, nil, trace.CPUBuffer{CPU: 0, Data: w.Bytes()})
	r := mustReplayer(t, sess, Options{})

	st, err := r.StateAt(context.Background(), 1)
	if err != nil {
		t.Fatalf("StateAt failed: %v", err)
	}

	buf := make([]byte, 4096)
	if err := st.Mem.Read(0x601000, buf); err != nil {
		t.Fatalf("reading filled buffer: %v", err)
	}
	for i, b := range buf {
		if b != 0x41 {
			t.Fatalf("buf[%d] = 0x%x, want 0x41", i, b)
		}
	}
	if st.Regs.Rdi != 0x601000+4096 {
		t.Errorf("Rdi = 0x%x, want 0x%x", st.Regs.Rdi, uint64(0x601000+4096))
	}
	if st.Regs.Rcx != 0 {
		t.Errorf("Rcx = %d, want 0", st.Regs.Rcx)
	}
	if st.Regs.Rip != 0x401002 {
		t.Errorf("Rip = 0x%x, want 0x401002", st.Regs.Rip)
	}
}

func TestRepBulkEqualsStepwise(t *testing.T) {
	// Applying a rep movsq in one bulk operation must match applying
	// its iterations one at a time.
	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}

	mkState := func() *MachineState {
		return &MachineState{
			Regs: trace.Registers{Rsi: 0x1000, Rdi: 0x2000, Rcx: 32},
			Mem:  NewMemory([]trace.MemRegion{{Addr: 0x1000, Data: src}}),
		}
	}

	bulk := mkState()
	if err := bulk.stringIterations(x86asm.MOVSQ, 32); err != nil {
		t.Fatalf("bulk stringIterations failed: %v", err)
	}

	step := mkState()
	for i := 0; i < 32; i++ {
		if err := step.stringIterations(x86asm.MOVSQ, 1); err != nil {
			t.Fatalf("stepwise iteration %d failed: %v", i, err)
		}
	}

	if bulk.Regs != step.Regs {
		t.Errorf("registers differ:\nbulk %+v\nstep %+v", bulk.Regs, step.Regs)
	}
	bbuf := make([]byte, 256)
	sbuf := make([]byte, 256)
	if err := bulk.Mem.Read(0x2000, bbuf); err != nil {
		t.Fatal(err)
	}
	if err := step.Mem.Read(0x2000, sbuf); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(bbuf, sbuf); diff != "" {
		t.Errorf("memory differs (-bulk +step):\n%s", diff)
	}
	if diff := cmp.Diff(src, bbuf); diff != "" {
		t.Errorf("copy wrong (-src +dst):\n%s", diff)
	}
}

func TestVDSOTimestampScenario(t *testing.T) {
	// An indirect call into the vdso returns a timestamp in RAX; the
	// vdso body itself is never executed.
	code := []byte{
		0xff, 0xd0, // 401000: call rax
		0x48, 0x89, 0xc3, // 401002: mov rbx, rax
		0xc3, // 401005: ret
	}
	var w trace.PacketWriter
	w.Sync(0, 0, 0x401000)
	w.VDSO(0x7fff0040, 0x401002, 0x5f5e1000)
	w.TIP(0x401900)
	w.End()

	regs := trace.Registers{Rax: 0x7fff0040, Rsp: 0x7ffd1000}
	sess := session(code, regs, []trace.MemRegion{
		{Addr: 0x7ffd0000, Data: make([]byte, 4096)},
	}, trace.CPUBuffer{CPU: 0, Data: w.Bytes()})
	r := mustReplayer(t, sess, Options{})

	st, err := r.StateAt(context.Background(), 2)
	if err != nil {
		t.Fatalf("StateAt failed: %v", err)
	}
	if st.Regs.Rbx != 0x5f5e1000 {
		t.Errorf("Rbx = 0x%x, want vdso return value 0x5f5e1000", st.Regs.Rbx)
	}
	if st.Regs.Rip != 0x401900 {
		t.Errorf("Rip = 0x%x, want 0x401900", st.Regs.Rip)
	}
}

func TestSyscallAppliesWriteSet(t *testing.T) {
	code := []byte{
		0x0f, 0x05, // 401000: syscall
		0xc3, // 401002: ret
	}
	var w trace.PacketWriter
	w.Sync(0, 0, 0x401000)
	w.Syscall(trace.Syscall{
		IP:     0x401000,
		Nr:     0, // read
		Args:   [6]uint64{3, 0x601000, 5},
		Ret:    5,
		Writes: []trace.MemWrite{{Addr: 0x601000, Data: []byte("hello")}},
	})
	w.End()

	sess := session(code, trace.Registers{Rsp: 0x7ffd1000}, nil,
		trace.CPUBuffer{CPU: 0, Data: w.Bytes()})
	r := mustReplayer(t, sess, Options{})

	st, err := r.StateAt(context.Background(), 1)
	if err != nil {
		t.Fatalf("StateAt failed: %v", err)
	}
	if st.Regs.Rax != 5 {
		t.Errorf("Rax = %d, want syscall return 5", st.Regs.Rax)
	}
	got := make([]byte, 5)
	if err := st.Mem.Read(0x601000, got); err != nil {
		t.Fatalf("reading syscall write set: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("memory = %q, want %q", got, "hello")
	}
	if st.Regs.Rip != 0x401002 {
		t.Errorf("Rip = 0x%x, want 0x401002", st.Regs.Rip)
	}
}

func TestUnmodeledSyscallSurfaced(t *testing.T) {
	code := []byte{0x0f, 0x05, 0xc3}
	var w trace.PacketWriter
	w.Sync(0, 0, 0x401000)
	w.Syscall(trace.Syscall{IP: 0x401000, Nr: 9, Unmodeled: true})
	w.End()

	sess := session(code, trace.Registers{}, nil, trace.CPUBuffer{CPU: 0, Data: w.Bytes()})
	r := mustReplayer(t, sess, Options{})

	_, err := r.StateAt(context.Background(), 1)
	if !errors.Is(err, ErrUnmodeledSyscall) {
		t.Errorf("expected ErrUnmodeledSyscall, got %v", err)
	}
}

func TestOffsetOutOfRange(t *testing.T) {
	sess := loopySession(false)
	r := mustReplayer(t, sess, Options{})

	_, err := r.StateAt(context.Background(), 100)
	if !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("expected ErrOffsetOutOfRange, got %v", err)
	}
}

func TestReplayAcrossCPUMigration(t *testing.T) {
	code := []byte{
		0x48, 0xff, 0xc0, // 401000: inc rax
		0x75, 0xfb, // 401003: jne 0x401000
		0x48, 0xff, 0xc0, // 401005: inc rax
		0xc3,
	}
	// Taken back edge on cpu 0, migration, not-taken on cpu 1.
	var w0 trace.PacketWriter
	w0.Sync(0, 0, 0x401000)
	w0.TNT(0b1, 1)
	w0.Mig(1, 1)
	w0.End()
	var w1 trace.PacketWriter
	w1.Sync(1, 1, 0x401000)
	w1.TNT(0b0, 1)
	w1.End()

	sess := session(code, trace.Registers{Rax: ^uint64(1)}, nil,
		trace.CPUBuffer{CPU: 0, Data: w0.Bytes()},
		trace.CPUBuffer{CPU: 1, Data: w1.Bytes()},
	)
	r := mustReplayer(t, sess, Options{})

	// Offset 3 covers branch, migration, branch.
	st, err := r.StateAt(context.Background(), 3)
	if err != nil {
		t.Fatalf("StateAt failed: %v", err)
	}
	// inc applied twice: -2 wraps to 0.
	if st.Regs.Rax != 0 {
		t.Errorf("Rax = %d, want 0", st.Regs.Rax)
	}
	if st.Regs.Rip != 0x401005 {
		t.Errorf("Rip = 0x%x, want 0x401005", st.Regs.Rip)
	}
}

func TestStateAtCancellation(t *testing.T) {
	sess := loopySession(false)
	r := mustReplayer(t, sess, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.StateAt(ctx, 4); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentStateAt(t *testing.T) {
	sess := loopySession(false)
	r := mustReplayer(t, sess, Options{CheckpointInterval: 1})
	ctx := context.Background()

	// Prime the checkpoint cache, then hammer it from many goroutines:
	// every query clones cached state, so the clones must not write
	// through to the shared checkpoints.
	want := make([]trace.Registers, 5)
	for off := range want {
		st, err := r.StateAt(ctx, uint64(off))
		if err != nil {
			t.Fatalf("StateAt(%d) failed: %v", off, err)
		}
		want[off] = st.Regs
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < 32; i++ {
				off := uint64((seed + i) % len(want))
				st, err := r.StateAt(ctx, off)
				if err != nil {
					errs <- fmt.Errorf("StateAt(%d): %v", off, err)
					return
				}
				if st.Regs != want[off] {
					errs <- fmt.Errorf("offset %d: registers diverged under concurrency", off)
					return
				}
				// Dirty the returned state; neighbors must not see it.
				st.Regs.Rax = 0xdead
				st.Mem.Write(0x7ffd0000, []byte{0xff})
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRepCountRecoveredFromState(t *testing.T) {
	// A rep record with no count defers to RCX at the instruction.
	code := []byte{
		0xf3, 0xaa, // 401000: rep stosb
		0xc3, // 401002: ret
	}
	var w trace.PacketWriter
	w.Sync(0, 0, 0x401000)
	w.Rep(0x401000, 0)
	w.End()

	regs := trace.Registers{Rax: 0x41, Rcx: 16, Rdi: 0x601000, Rsp: 0x7ffd1000}
	sess := session(code, regs, nil, trace.CPUBuffer{CPU: 0, Data: w.Bytes()})
	r := mustReplayer(t, sess, Options{})

	st, err := r.StateAt(context.Background(), 1)
	if err != nil {
		t.Fatalf("StateAt failed: %v", err)
	}
	buf := make([]byte, 16)
	if err := st.Mem.Read(0x601000, buf); err != nil {
		t.Fatalf("reading filled buffer: %v", err)
	}
	for i, b := range buf {
		if b != 0x41 {
			t.Fatalf("buf[%d] = 0x%x, want 0x41", i, b)
		}
	}
	if st.Regs.Rcx != 0 {
		t.Errorf("Rcx = %d, want 0", st.Regs.Rcx)
	}
	if st.Regs.Rip != 0x401002 {
		t.Errorf("Rip = 0x%x, want 0x401002", st.Regs.Rip)
	}
}

func TestRepResyncsAfterOverflow(t *testing.T) {
	// The taken branch leading to the rep fell inside the lost gap, so
	// replayed RIP is stale when the rep event arrives.
	code := []byte{
		0x75, 0x06, // 401000: jne 0x401008
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, // 401002: nops
		0xf3, 0xaa, // 401008: rep stosb
		0xc3, // 40100a: ret
	}
	var w trace.PacketWriter
	w.Sync(0, 0, 0x401000)
	w.Overflow(1, "ring overflow")
	w.Sync(1, 0, 0x401008)
	w.Rep(0x401008, 3)
	w.End()

	regs := trace.Registers{Rax: 0x41, Rcx: 3, Rdi: 0x601000, Rsp: 0x7ffd1000}
	sess := session(code, regs, nil, trace.CPUBuffer{CPU: 0, Data: w.Bytes()})
	r := mustReplayer(t, sess, Options{})

	st, err := r.StateAt(context.Background(), 2)
	if err != nil {
		t.Fatalf("StateAt failed: %v", err)
	}
	if st.Regs.Rcx != 0 {
		t.Errorf("Rcx = %d, want 0", st.Regs.Rcx)
	}
	if st.Regs.Rip != 0x40100a {
		t.Errorf("Rip = 0x%x, want 0x40100a", st.Regs.Rip)
	}
	buf := make([]byte, 3)
	if err := st.Mem.Read(0x601000, buf); err != nil {
		t.Fatalf("reading filled buffer: %v", err)
	}
}

func TestVDSOResyncsAfterOverflow(t *testing.T) {
	// The call site is unreachable from the stale RIP; the event's
	// recorded effect still applies at the return point.
	code := []byte{
		0x75, 0x03, // 401000: jne 0x401005
		0x90, 0x90, 0x90, // 401002: nops
		0xff, 0xd0, // 401005: call rax
		0x48, 0x89, 0xc3, // 401007: mov rbx, rax
		0xc3, // 40100a: ret
	}
	var w trace.PacketWriter
	w.Sync(0, 0, 0x401000)
	w.Overflow(1, "ring overflow")
	w.Sync(1, 0, 0x401005)
	w.VDSO(0x7fff0040, 0x401007, 0x1234)
	w.End()

	regs := trace.Registers{Rax: 0x7fff0040, Rsp: 0x7ffd1000}
	sess := session(code, regs, nil, trace.CPUBuffer{CPU: 0, Data: w.Bytes()})
	r := mustReplayer(t, sess, Options{})

	st, err := r.StateAt(context.Background(), 2)
	if err != nil {
		t.Fatalf("StateAt failed: %v", err)
	}
	if st.Regs.Rax != 0x1234 {
		t.Errorf("Rax = 0x%x, want vdso return value 0x1234", st.Regs.Rax)
	}
	if st.Regs.Rip != 0x401007 {
		t.Errorf("Rip = 0x%x, want return point 0x401007", st.Regs.Rip)
	}
}
