package symbex

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/efeslab/hase/pkg/decoder"
	"github.com/efeslab/hase/pkg/loader"
	"github.com/efeslab/hase/pkg/logx"
	"github.com/efeslab/hase/pkg/replay"
	"github.com/efeslab/hase/pkg/trace"
)

// x86-64 syscall numbers that move the heap.
const (
	sysMmap   = 9
	sysMunmap = 11
	sysBrk    = 12
)

// Options configures an Engine.
type Options struct {
	// Timeout bounds each solver call. Zero means no bound. Expiry
	// yields an Unknown verdict, not an error.
	Timeout time.Duration

	// Replay is passed through to the replayers the engine builds.
	Replay replay.Options

	Log *logx.Logger
}

// Engine answers queries against recorded sessions. One engine and its
// solver can serve many sessions; replayers are cached per session so
// repeated queries reuse checkpoints.
type Engine struct {
	solver  Solver
	timeout time.Duration
	ropts   replay.Options
	log     *logx.Logger

	mu        sync.Mutex
	replayers map[*trace.Session]*replay.Replayer
}

// NewEngine creates an engine delegating to solver.
func NewEngine(solver Solver, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = logx.Discard()
	}
	return &Engine{
		solver:    solver,
		timeout:   opts.Timeout,
		ropts:     opts.Replay,
		log:       log,
		replayers: make(map[*trace.Session]*replay.Replayer),
	}
}

// Query reconstructs state at offset, lowers q into a formula and asks
// the solver. Identical (session, offset, query) triples yield
// identical results.
func (e *Engine) Query(ctx context.Context, sess *trace.Session, offset uint64, q Query) (Result, error) {
	rep, err := e.replayer(sess)
	if err != nil {
		return Result{}, err
	}
	st, err := rep.StateAt(ctx, offset)
	if err != nil {
		return Result{}, err
	}
	heap, err := e.heapIntervals(ctx, sess, offset)
	if err != nil {
		return Result{}, err
	}

	f, err := q.build(st, heap)
	if err != nil {
		return Result{}, err
	}
	e.log.Debugf("query %s at offset %d: %s", q, offset, f)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	res, err := e.solver.Check(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSolver, err)
	}
	return res, nil
}

func (e *Engine) replayer(sess *trace.Session) (*replay.Replayer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.replayers[sess]; ok {
		return r, nil
	}
	r, err := replay.New(sess, e.ropts)
	if err != nil {
		return nil, err
	}
	e.replayers[sess] = r
	return r, nil
}

// heapIntervals returns the heap address ranges live after the first
// offset events: the initial [heap] mapping grown and shrunk by brk,
// plus anonymous mmap regions not yet unmapped.
func (e *Engine) heapIntervals(ctx context.Context, sess *trace.Session, offset uint64) ([]Interval, error) {
	var ivs []Interval
	var brkBase, brkEnd uint64
	for _, m := range sess.Mappings {
		if m.Path == "[heap]" {
			brkBase, brkEnd = m.Start, m.End
		}
	}

	code := e.ropts.Code
	if code == nil {
		code = loader.NewImageCodeReader(sess.InitialMem)
	}
	dec := decoder.New(ctx, sess, decoder.Options{Code: code, Log: e.log})
	for pos := uint64(0); pos < offset; pos++ {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		sc, ok := ev.(trace.Syscall)
		if !ok {
			continue
		}
		switch sc.Nr {
		case sysBrk:
			if sc.Ret == 0 {
				break
			}
			if brkBase == 0 {
				brkBase = sc.Ret
			}
			brkEnd = sc.Ret
		case sysMmap:
			// MAP_FAILED is -errno; real mappings are page aligned.
			if sc.Ret == 0 || sc.Ret > ^uint64(4095) {
				break
			}
			ivs = append(ivs, Interval{Start: sc.Ret, End: sc.Ret + sc.Args[1]})
		case sysMunmap:
			ivs = unmap(ivs, Interval{Start: sc.Args[0], End: sc.Args[0] + sc.Args[1]})
		}
	}

	if brkEnd > brkBase {
		ivs = append(ivs, Interval{Start: brkBase, End: brkEnd})
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
	return ivs, nil
}

// unmap removes gone from ivs, trimming partial overlaps.
func unmap(ivs []Interval, gone Interval) []Interval {
	out := make([]Interval, 0, len(ivs))
	for _, iv := range ivs {
		if iv.End <= gone.Start || iv.Start >= gone.End {
			out = append(out, iv)
			continue
		}
		if iv.Start < gone.Start {
			out = append(out, Interval{Start: iv.Start, End: gone.Start})
		}
		if iv.End > gone.End {
			out = append(out, Interval{Start: gone.End, End: iv.End})
		}
	}
	return out
}
