// Package symbex answers symbolic queries about reconstructed machine
// states: it lowers a query at a trace offset into a bitvector formula
// and delegates satisfiability to an external solver.
package symbex

import (
	"context"
	"errors"
	"fmt"
)

// ErrSolver reports a solver failure distinct from an Unknown verdict.
var ErrSolver = errors.New("symbex: solver failed")

// Status is a solver verdict.
type Status int

const (
	Unknown Status = iota
	Sat
	Unsat
)

func (s Status) String() string {
	switch s {
	case Sat:
		return "sat"
	case Unsat:
		return "unsat"
	default:
		return "unknown"
	}
}

// Result is a solver verdict plus, when satisfiable, an assignment of
// the formula's free variables.
type Result struct {
	Status Status
	Model  map[string]uint64
}

func (r Result) String() string {
	if r.Status != Sat || len(r.Model) == 0 {
		return r.Status.String()
	}
	return fmt.Sprintf("%s %v", r.Status, r.Model)
}

// Solver decides formulas. Implementations must honor ctx: an expired
// context yields Status Unknown, not an error. Unknown is a valid
// verdict, never to be conflated with Unsat.
type Solver interface {
	Check(ctx context.Context, f *Formula) (Result, error)
}
