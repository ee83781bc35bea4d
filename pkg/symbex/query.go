package symbex

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/efeslab/hase/pkg/replay"
)

// ErrBadQuery reports an unparseable or unanswerable query.
var ErrBadQuery = errors.New("symbex: bad query")

// Interval is a half-open address range [Start, End).
type Interval struct {
	Start, End uint64
}

func (iv Interval) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", iv.Start, iv.End)
}

// Query lowers itself into a formula over a reconstructed state. heap
// holds the heap intervals live at the query offset.
type Query interface {
	fmt.Stringer
	build(st *replay.MachineState, heap []Interval) (*Formula, error)
}

// MemoryValue asks which values a memory location can hold at the
// query offset. A captured location is pinned to its reconstructed
// value; an uncaptured one is unconstrained.
type MemoryValue struct {
	Addr  uint64
	Width int
}

func (q MemoryValue) String() string {
	return fmt.Sprintf("mem[0x%x:%d]", q.Addr, q.width())
}

func (q MemoryValue) width() int {
	if q.Width == 0 {
		return 8
	}
	return q.Width
}

func (q MemoryValue) build(st *replay.MachineState, _ []Interval) (*Formula, error) {
	f := &Formula{}
	v := f.freeVar("value")
	c, err := concretize(st, eq(v, Mem{Addr: q.Addr, Width: q.width()}))
	if err != nil {
		return nil, err
	}
	// An uncaptured location pins nothing; the value stays free.
	if c != nil {
		f.assert(c)
	}
	return f, nil
}

// HeapLocation asks which heap interval the pointer in a register lies
// in. The satisfying model binds base and limit to the containing
// interval; unsat means the pointer is outside every heap region
// observed up to the query offset.
type HeapLocation struct {
	Reg string
}

func (q HeapLocation) String() string {
	return fmt.Sprintf("heap[$%s]", strings.ToLower(q.Reg))
}

func (q HeapLocation) build(st *replay.MachineState, heap []Interval) (*Formula, error) {
	f := &Formula{}
	ptr := f.freeVar("ptr")
	base := f.freeVar("base")
	limit := f.freeVar("limit")
	bind, err := concretize(st, eq(ptr, Reg{Name: q.Reg}))
	if err != nil {
		return nil, err
	}
	f.assert(bind)

	disjuncts := make([]Expr, 0, len(heap))
	for _, iv := range heap {
		in := and(
			Bin{Op: OpGe, X: ptr, Y: Const{Val: iv.Start}},
			Bin{Op: OpLt, X: ptr, Y: Const{Val: iv.End}},
		)
		bound := and(eq(base, Const{Val: iv.Start}), eq(limit, Const{Val: iv.End}))
		disjuncts = append(disjuncts, and(in, bound))
	}
	f.assert(or(disjuncts...))
	return f, nil
}

// canonicalReg maps user spellings (rax, RAX) onto DWARF register
// names (Rax).
func canonicalReg(name string) string {
	n := strings.ToLower(strings.TrimPrefix(name, "$"))
	if n == "" {
		return n
	}
	return strings.ToUpper(n[:1]) + n[1:]
}

// ParseQuery parses the command-line query forms:
//
//	mem:<addr>[:<width>]   value of memory at addr
//	heap:<reg>             heap interval containing the pointer in reg
func ParseQuery(s string) (Query, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadQuery, s)
	}
	switch kind {
	case "mem":
		addrStr, widthStr, hasWidth := strings.Cut(rest, ":")
		addr, err := strconv.ParseUint(addrStr, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: address %q: %v", ErrBadQuery, addrStr, err)
		}
		q := MemoryValue{Addr: addr}
		if hasWidth {
			w, err := strconv.Atoi(widthStr)
			if err != nil || w < 1 || w > 8 {
				return nil, fmt.Errorf("%w: width %q", ErrBadQuery, widthStr)
			}
			q.Width = w
		}
		return q, nil
	case "heap":
		if rest == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadQuery, s)
		}
		return HeapLocation{Reg: rest}, nil
	default:
		return nil, fmt.Errorf("%w: unknown query kind %q", ErrBadQuery, kind)
	}
}
