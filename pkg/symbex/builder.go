package symbex

import (
	"errors"
	"fmt"

	"github.com/efeslab/hase/pkg/replay"
)

// concretize rewrites Reg and Mem nodes to constants read from the
// reconstructed state, leaving a formula solvers can decide without
// any machine model. An uncaptured memory select stays symbolic-free:
// it concretizes to nil and the caller drops the constraint.
func concretize(st *replay.MachineState, e Expr) (Expr, error) {
	switch n := e.(type) {
	case Const, Var:
		return e, nil
	case Reg:
		regs := st.DWARFRegisters()
		v, ok := regs[canonicalReg(n.Name)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown register %q", ErrBadQuery, n.Name)
		}
		return Const{Val: v}, nil
	case Mem:
		v, err := st.Mem.ReadUint(n.Addr, n.Width)
		if err != nil {
			if errors.Is(err, replay.ErrUnmappedMemory) {
				return nil, nil
			}
			return nil, err
		}
		return Const{Val: v}, nil
	case Bin:
		x, err := concretize(st, n.X)
		if err != nil || x == nil {
			return nil, err
		}
		y, err := concretize(st, n.Y)
		if err != nil || y == nil {
			return nil, err
		}
		return Bin{Op: n.Op, X: x, Y: y}, nil
	case Not:
		x, err := concretize(st, n.X)
		if err != nil || x == nil {
			return nil, err
		}
		return Not{X: x}, nil
	default:
		return nil, fmt.Errorf("%w: unknown expression %T", ErrBadQuery, e)
	}
}
