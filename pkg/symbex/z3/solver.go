// Package z3 adapts the Z3 SMT solver to the symbex.Solver interface
// through the go-z3 bindings.
package z3

import (
	"context"
	"fmt"
	"math"

	goz3 "github.com/mitchellh/go-z3"

	"github.com/efeslab/hase/pkg/symbex"
)

// Solver decides formulas with Z3. The zero value is ready to use;
// each Check builds a fresh Z3 context, so a Solver is safe for
// concurrent use.
type Solver struct{}

// Check asserts the formula's constraints and asks Z3 for a verdict.
// Context expiry while Z3 runs yields an Unknown verdict.
func (Solver) Check(ctx context.Context, f *symbex.Formula) (symbex.Result, error) {
	type outcome struct {
		res symbex.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := check(f)
		ch <- outcome{res, err}
	}()
	select {
	case <-ctx.Done():
		// The Z3 goroutine keeps running to completion; its context
		// is torn down there.
		return symbex.Result{Status: symbex.Unknown}, nil
	case o := <-ch:
		return o.res, o.err
	}
}

func check(f *symbex.Formula) (symbex.Result, error) {
	config := goz3.NewConfig()
	zctx := goz3.NewContext(config)
	config.Close()
	defer zctx.Close()

	solver := zctx.NewSolver()
	defer solver.Close()

	l := &lowerer{
		ctx:  zctx,
		vars: make(map[string]*goz3.AST),
	}
	zero := zctx.Int(0, zctx.IntSort())
	for _, name := range f.Vars {
		v := zctx.Const(zctx.Symbol(name), zctx.IntSort())
		l.vars[name] = v
		// Variables range over uint64 values; without the bound,
		// unsigned comparisons admit negative models.
		solver.Assert(v.Ge(zero))
	}
	for _, c := range f.Constraints {
		ast, err := l.boolean(c)
		if err != nil {
			return symbex.Result{}, err
		}
		solver.Assert(ast)
	}

	switch solver.Check() {
	case goz3.True:
		model := solver.Model()
		defer model.Close()
		out := make(map[string]uint64)
		for name, ast := range model.Assignments() {
			out[name] = uint64(ast.Int())
		}
		return symbex.Result{Status: symbex.Sat, Model: out}, nil
	case goz3.False:
		return symbex.Result{Status: symbex.Unsat}, nil
	default:
		return symbex.Result{Status: symbex.Unknown}, nil
	}
}

// lowerer translates expression trees into Z3 ASTs over integers.
type lowerer struct {
	ctx  *goz3.Context
	vars map[string]*goz3.AST
}

// constant encodes v as a non-negative integer term. The binding's
// constructor takes a signed int, so values past MaxInt64 are built
// from their 32-bit halves to keep unsigned ordering intact.
func (l *lowerer) constant(v uint64) *goz3.AST {
	if v <= math.MaxInt64 {
		return l.ctx.Int(int(v), l.ctx.IntSort())
	}
	hi := l.ctx.Int(int(v>>32), l.ctx.IntSort())
	lo := l.ctx.Int(int(v&0xffffffff), l.ctx.IntSort())
	shift := l.ctx.Int(1<<32, l.ctx.IntSort())
	return hi.Mul(shift).Add(lo)
}

// integer lowers an arithmetic-valued expression.
func (l *lowerer) integer(e symbex.Expr) (*goz3.AST, error) {
	switch n := e.(type) {
	case symbex.Const:
		return l.constant(n.Val), nil
	case symbex.Var:
		ast, ok := l.vars[n.Name]
		if !ok {
			return nil, fmt.Errorf("z3: unbound variable %q", n.Name)
		}
		return ast, nil
	case symbex.Bin:
		x, err := l.integer(n.X)
		if err != nil {
			return nil, err
		}
		y, err := l.integer(n.Y)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case symbex.OpAdd:
			return x.Add(y), nil
		case symbex.OpSub:
			return x.Sub(y), nil
		case symbex.OpMul:
			return x.Mul(y), nil
		}
		return nil, fmt.Errorf("z3: operator %v in arithmetic position", n.Op)
	default:
		return nil, fmt.Errorf("z3: cannot lower %T; formulas must be concretized before solving", e)
	}
}

// boolean lowers a truth-valued expression.
func (l *lowerer) boolean(e symbex.Expr) (*goz3.AST, error) {
	switch n := e.(type) {
	case symbex.Const:
		if n.Val != 0 {
			return l.ctx.True(), nil
		}
		return l.ctx.False(), nil
	case symbex.Not:
		x, err := l.boolean(n.X)
		if err != nil {
			return nil, err
		}
		return x.Not(), nil
	case symbex.Bin:
		switch n.Op {
		case symbex.OpAnd, symbex.OpOr:
			x, err := l.boolean(n.X)
			if err != nil {
				return nil, err
			}
			y, err := l.boolean(n.Y)
			if err != nil {
				return nil, err
			}
			if n.Op == symbex.OpAnd {
				return x.And(y), nil
			}
			return x.Or(y), nil
		case symbex.OpEq, symbex.OpNe, symbex.OpLt, symbex.OpLe, symbex.OpGt, symbex.OpGe:
			x, err := l.integer(n.X)
			if err != nil {
				return nil, err
			}
			y, err := l.integer(n.Y)
			if err != nil {
				return nil, err
			}
			switch n.Op {
			case symbex.OpEq:
				return x.Eq(y), nil
			case symbex.OpNe:
				return x.Eq(y).Not(), nil
			case symbex.OpLt:
				return x.Lt(y), nil
			case symbex.OpLe:
				return x.Le(y), nil
			case symbex.OpGt:
				return x.Gt(y), nil
			default:
				return x.Ge(y), nil
			}
		}
		return nil, fmt.Errorf("z3: operator %v in boolean position", n.Op)
	default:
		return nil, fmt.Errorf("z3: expression %s is not truth-valued", e)
	}
}
