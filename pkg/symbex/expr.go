package symbex

import (
	"fmt"
	"strings"
)

// Expr is a node in a 64-bit bitvector expression tree.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// Const is a bitvector constant.
type Const struct {
	Val uint64
}

// Var is a free symbolic variable; the solver assigns it a value in
// satisfying models.
type Var struct {
	Name string
}

// Reg references a register of the machine state under query.
type Reg struct {
	Name string
}

// Mem selects Width bytes of little-endian memory at a concrete
// address of the machine state under query.
type Mem struct {
	Addr  uint64
	Width int
}

// BinOp is a binary operator.
type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
)

var binOpNames = map[BinOp]string{
	OpAdd: "+", OpSub: "-", OpMul: "*",
	OpEq: "==", OpNe: "!=",
	OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpAnd: "&&", OpOr: "||",
}

// Bin applies a binary operator. Comparison and boolean operators
// yield 0 or 1.
type Bin struct {
	Op   BinOp
	X, Y Expr
}

// Not is boolean negation of a 0/1 expression.
type Not struct {
	X Expr
}

func (Const) isExpr() {}
func (Var) isExpr()   {}
func (Reg) isExpr()   {}
func (Mem) isExpr()   {}
func (Bin) isExpr()   {}
func (Not) isExpr()   {}

func (e Const) String() string { return fmt.Sprintf("0x%x", e.Val) }
func (e Var) String() string   { return e.Name }
func (e Reg) String() string   { return "$" + strings.ToLower(e.Name) }
func (e Mem) String() string   { return fmt.Sprintf("mem[0x%x:%d]", e.Addr, e.Width) }
func (e Not) String() string   { return fmt.Sprintf("!(%s)", e.X) }

func (e Bin) String() string {
	return fmt.Sprintf("(%s %s %s)", e.X, binOpNames[e.Op], e.Y)
}

// convenience constructors used by the builder

func eq(x, y Expr) Expr  { return Bin{Op: OpEq, X: x, Y: y} }
func and(x, y Expr) Expr { return Bin{Op: OpAnd, X: x, Y: y} }

func or(xs ...Expr) Expr {
	if len(xs) == 0 {
		return Const{0}
	}
	e := xs[0]
	for _, x := range xs[1:] {
		e = Bin{Op: OpOr, X: e, Y: x}
	}
	return e
}

// Formula is a conjunction of constraints over free variables. It is
// the narrow interface between query building and solving: solvers see
// only the formula, never the machine state it came from.
type Formula struct {
	Vars        []string
	Constraints []Expr
}

func (f *Formula) assert(e Expr) { f.Constraints = append(f.Constraints, e) }

func (f *Formula) freeVar(name string) Var {
	f.Vars = append(f.Vars, name)
	return Var{Name: name}
}

func (f *Formula) String() string {
	parts := make([]string, len(f.Constraints))
	for i, c := range f.Constraints {
		parts[i] = c.String()
	}
	return strings.Join(parts, " && ")
}
