package symbex

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/efeslab/hase/pkg/trace"
)

// recordingSolver captures the formula it was asked to decide and
// returns a canned result.
type recordingSolver struct {
	formula *Formula
	result  Result
	err     error
}

func (s *recordingSolver) Check(_ context.Context, f *Formula) (Result, error) {
	s.formula = f
	return s.result, s.err
}

// blockingSolver waits for context expiry, like a solver grinding on a
// hard formula.
type blockingSolver struct{}

func (blockingSolver) Check(ctx context.Context, _ *Formula) (Result, error) {
	<-ctx.Done()
	return Result{Status: Unknown}, nil
}

// querySession records a single mmap syscall so heap intervals exist
// past offset 1, with 8 bytes of data memory at 0x601000.
func querySession() *trace.Session {
	code := []byte{
		0x0f, 0x05, // 401000: syscall
		0xc3, // 401002: ret
	}
	var w trace.PacketWriter
	w.Sync(0, 0, 0x401000)
	w.Syscall(trace.Syscall{
		IP:   0x401000,
		Nr:   9, // mmap
		Args: [6]uint64{0, 0x4000},
		Ret:  0x7f0000000000,
	})
	w.End()
	return &trace.Session{
		Target: "/bin/test",
		StartRegs: trace.Registers{
			Rip: 0x401000,
			Rax: 0x7f0000001000,
			Rsp: 0x7ffd1000,
		},
		Mappings: []trace.Mapping{
			{Start: 0x400000, End: 0x402000, Perms: "r-xp", Path: "/bin/test"},
		},
		InitialMem: []trace.MemRegion{
			{Addr: 0x401000, Data: code},
			{Addr: 0x601000, Data: []byte{0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0}},
		},
		Buffers: []trace.CPUBuffer{{CPU: 0, Data: w.Bytes()}},
	}
}

func TestMemoryValueQuery(t *testing.T) {
	sess := querySession()
	solver := &recordingSolver{result: Result{Status: Sat, Model: map[string]uint64{"value": 0xdeadbeef}}}
	eng := NewEngine(solver, Options{})

	res, err := eng.Query(context.Background(), sess, 0, MemoryValue{Addr: 0x601000, Width: 4})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Status != Sat {
		t.Errorf("status = %v, want sat", res.Status)
	}
	if res.Model["value"] != 0xdeadbeef {
		t.Errorf("model = %v", res.Model)
	}
	if solver.formula == nil {
		t.Fatal("solver never consulted")
	}
	want := "(value == 0xdeadbeef)"
	if got := solver.formula.String(); got != want {
		t.Errorf("formula = %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{"value"}, solver.formula.Vars); diff != "" {
		t.Errorf("free variables (-want +got):\n%s", diff)
	}
}

func TestMemoryValueUncapturedIsUnconstrained(t *testing.T) {
	sess := querySession()
	solver := &recordingSolver{result: Result{Status: Sat}}
	eng := NewEngine(solver, Options{})

	if _, err := eng.Query(context.Background(), sess, 0, MemoryValue{Addr: 0xdead0000}); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(solver.formula.Constraints) != 0 {
		t.Errorf("uncaptured location produced constraints: %s", solver.formula)
	}
}

func TestHeapLocationQuery(t *testing.T) {
	sess := querySession()
	solver := &recordingSolver{result: Result{Status: Sat}}
	eng := NewEngine(solver, Options{})

	// After the mmap event RAX points into [0x7f0000000000, +0x4000).
	if _, err := eng.Query(context.Background(), sess, 1, HeapLocation{Reg: "rax"}); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	f := solver.formula
	if f == nil {
		t.Fatal("solver never consulted")
	}
	if len(f.Constraints) != 2 {
		t.Fatalf("constraint count = %d, want 2: %s", len(f.Constraints), f)
	}
	if got, want := f.Constraints[0].String(), "(ptr == 0x7f0000001000)"; got != want {
		t.Errorf("pointer binding = %q, want %q", got, want)
	}
	disjunction := f.Constraints[1].String()
	for _, frag := range []string{"ptr >= 0x7f0000000000", "ptr < 0x7f0000004000", "base == 0x7f0000000000", "limit == 0x7f0000004000"} {
		if !strings.Contains(disjunction, frag) {
			t.Errorf("disjunction %q missing %q", disjunction, frag)
		}
	}
}

func TestHeapLocationBeforeAnyHeap(t *testing.T) {
	sess := querySession()
	solver := &recordingSolver{result: Result{Status: Unsat}}
	eng := NewEngine(solver, Options{})

	// At offset 0 no heap exists yet: the disjunction is empty, which
	// lowers to false and the solver must report unsat.
	res, err := eng.Query(context.Background(), sess, 0, HeapLocation{Reg: "rax"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Status != Unsat {
		t.Errorf("status = %v, want unsat", res.Status)
	}
	if got, want := solver.formula.Constraints[1].String(), "0x0"; got != want {
		t.Errorf("empty disjunction = %q, want %q", got, want)
	}
}

func TestQueryTimeoutYieldsUnknown(t *testing.T) {
	sess := querySession()
	eng := NewEngine(blockingSolver{}, Options{Timeout: 10 * time.Millisecond})

	res, err := eng.Query(context.Background(), sess, 0, MemoryValue{Addr: 0x601000})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Status != Unknown {
		t.Errorf("status = %v, want unknown after timeout", res.Status)
	}
}

func TestQueryUnknownRegister(t *testing.T) {
	sess := querySession()
	eng := NewEngine(&recordingSolver{}, Options{})

	_, err := eng.Query(context.Background(), sess, 0, HeapLocation{Reg: "xmm0"})
	if !errors.Is(err, ErrBadQuery) {
		t.Errorf("expected ErrBadQuery, got %v", err)
	}
}

func TestQueryIsIdempotent(t *testing.T) {
	sess := querySession()
	solver := &recordingSolver{result: Result{Status: Sat}}
	eng := NewEngine(solver, Options{})
	ctx := context.Background()

	if _, err := eng.Query(ctx, sess, 1, HeapLocation{Reg: "rax"}); err != nil {
		t.Fatal(err)
	}
	first := solver.formula.String()
	if _, err := eng.Query(ctx, sess, 1, HeapLocation{Reg: "rax"}); err != nil {
		t.Fatal(err)
	}
	if second := solver.formula.String(); second != first {
		t.Errorf("repeated query built a different formula:\n%s\n%s", first, second)
	}
}

func TestUnmapTrimsIntervals(t *testing.T) {
	ivs := []Interval{{0x1000, 0x5000}, {0x8000, 0x9000}}
	got := unmap(ivs, Interval{0x2000, 0x3000})
	want := []Interval{{0x1000, 0x2000}, {0x3000, 0x5000}, {0x8000, 0x9000}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unmap (-want +got):\n%s", diff)
	}

	got = unmap(want, Interval{0x0, 0x10000})
	if len(got) != 0 {
		t.Errorf("full unmap left %v", got)
	}
}
