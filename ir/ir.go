package ir

import (
	"bytes"
	"fmt"
	"strings"
)

// Pos locates an instruction in the surface source that produced the IR.
type Pos struct {
	Line   int
	Column int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// ValueID names a single-assignment value. Formal parameters (receiver
// first, when present) occupy the low IDs; every instruction defines
// exactly one fresh ID. IDs are dense per function.
type ValueID int

const NoValue ValueID = -1

// The base Instr interface. Every instruction defines one value.
type Instr interface {
	Def() ValueID
	At() Pos
	String() string
	instr()
}

type BinOp int

const (
	Add BinOp = iota
	Sub
	Mul
	Div

	cmp_beg
	Eq
	Neq
	Lt
	Gt
	Leq
	Geq
	cmp_end
)

var binOps = [...]string{
	Add: "+",
	Sub: "-",
	Mul: "*",
	Div: "/",
	Eq:  "==",
	Neq: "!=",
	Lt:  "<",
	Gt:  ">",
	Leq: "<=",
	Geq: ">=",
}

func (op BinOp) String() string {
	if op >= 0 && int(op) < len(binOps) && binOps[op] != "" {
		return binOps[op]
	}
	return fmt.Sprintf("binop(%d)", int(op))
}

// IsComparison reports whether op yields a Bool.
func (op BinOp) IsComparison() bool {
	return cmp_beg < op && op < cmp_end
}

type UnOp int

const (
	Neg UnOp = iota
)

func (op UnOp) String() string {
	if op == Neg {
		return "-"
	}
	return fmt.Sprintf("unop(%d)", int(op))
}

// Const defines a literal value.
type Const struct {
	ID  ValueID
	Val Value
	Pos Pos
}

func (c *Const) Def() ValueID { return c.ID }
func (c *Const) At() Pos      { return c.Pos }
func (c *Const) instr()       {}
func (c *Const) String() string {
	return fmt.Sprintf("v%d = const %s", c.ID, c.Val)
}

// Bin applies a binary operator to two prior values.
type Bin struct {
	ID   ValueID
	Op   BinOp
	X, Y ValueID
	Pos  Pos
}

func (b *Bin) Def() ValueID { return b.ID }
func (b *Bin) At() Pos      { return b.Pos }
func (b *Bin) instr()       {}
func (b *Bin) String() string {
	return fmt.Sprintf("v%d = v%d %s v%d", b.ID, b.X, b.Op, b.Y)
}

// Un applies a unary operator to a prior value.
type Un struct {
	ID  ValueID
	Op  UnOp
	X   ValueID
	Pos Pos
}

func (u *Un) Def() ValueID { return u.ID }
func (u *Un) At() Pos      { return u.Pos }
func (u *Un) instr()       {}
func (u *Un) String() string {
	return fmt.Sprintf("v%d = %sv%d", u.ID, u.Op, u.X)
}

// Call invokes a named function. Indirect calls through values do not
// exist in this IR.
type Call struct {
	ID     ValueID
	Callee string
	Args   []ValueID
	Pos    Pos
}

func (c *Call) Def() ValueID { return c.ID }
func (c *Call) At() Pos      { return c.Pos }
func (c *Call) instr()       {}
func (c *Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = fmt.Sprintf("v%d", a)
	}
	return fmt.Sprintf("v%d = call %s(%s)", c.ID, c.Callee, strings.Join(args, ", "))
}

// Block is a straight-line sequence of instructions ending in one result.
type Block struct {
	Body []Instr
	Ret  ValueID
}

// If selects between two blocks on a Bool condition. The instruction's
// value is the taken block's result.
type If struct {
	ID   ValueID
	Cond ValueID
	Then Block
	Else Block
	Pos  Pos
}

func (i *If) Def() ValueID { return i.ID }
func (i *If) At() Pos      { return i.Pos }
func (i *If) instr()       {}
func (i *If) String() string {
	return fmt.Sprintf("v%d = if v%d then v%d else v%d", i.ID, i.Cond, i.Then.Ret, i.Else.Ret)
}

// Loop runs Body a counted number of times, threading one carried value.
// Carry is bound to Init on entry and to Body.Ret after each iteration;
// the instruction's value is the final carry.
type Loop struct {
	ID    ValueID
	Trips ValueID // I64 trip count, evaluated once on entry
	Init  ValueID
	Carry ValueID
	Body  Block
	Pos   Pos
}

func (l *Loop) Def() ValueID { return l.ID }
func (l *Loop) At() Pos      { return l.Pos }
func (l *Loop) instr()       {}
func (l *Loop) String() string {
	return fmt.Sprintf("v%d = loop v%d times carry v%d=v%d body v%d", l.ID, l.Trips, l.Carry, l.Init, l.Body.Ret)
}

type Param struct {
	Name string
	Type Type
}

// Function is one IR function. Formals occupy ValueIDs 0..NumFormals-1,
// receiver first when present.
type Function struct {
	Name      string
	Receiver  *Param
	Params    []Param
	Result    Type
	Body      Block
	NumValues int // size of the dense ValueID space
}

// NumFormals counts receiver plus parameters.
func (f *Function) NumFormals() int {
	n := len(f.Params)
	if f.Receiver != nil {
		n++
	}
	return n
}

// Formals returns receiver (when present) followed by parameters.
func (f *Function) Formals() []Param {
	if f.Receiver == nil {
		return f.Params
	}
	out := make([]Param, 0, len(f.Params)+1)
	out = append(out, *f.Receiver)
	return append(out, f.Params...)
}

func (f *Function) String() string {
	var out bytes.Buffer
	fmt.Fprintf(&out, "func %s(", f.Name)
	for i, p := range f.Formals() {
		if i > 0 {
			out.WriteString(", ")
		}
		fmt.Fprintf(&out, "%s %s", p.Name, p.Type)
	}
	fmt.Fprintf(&out, ") %s\n", f.Result)
	writeBlock(&out, &f.Body, 1)
	return out.String()
}

func writeBlock(out *bytes.Buffer, b *Block, depth int) {
	ind := strings.Repeat("  ", depth)
	for _, in := range b.Body {
		fmt.Fprintf(out, "%s%s\n", ind, in)
		switch t := in.(type) {
		case *If:
			writeBlock(out, &t.Then, depth+1)
			fmt.Fprintf(out, "%selse\n", ind)
			writeBlock(out, &t.Else, depth+1)
		case *Loop:
			writeBlock(out, &t.Body, depth+1)
		}
	}
	fmt.Fprintf(out, "%sret v%d\n", ind, b.Ret)
}

// Validate checks structural sanity: every referenced ID is defined
// before use, every definition is fresh, blocks return defined values.
// It does not prove type conformance; that is the checker's job.
func (f *Function) Validate() error {
	defined := make([]bool, f.NumValues)
	for i := 0; i < f.NumFormals(); i++ {
		defined[i] = true
	}
	return validateBlock(f, &f.Body, defined)
}

func validateBlock(f *Function, b *Block, defined []bool) error {
	use := func(id ValueID, at Pos) error {
		if id < 0 || int(id) >= f.NumValues {
			return fmt.Errorf("%s: %s: value v%d out of range", f.Name, at, id)
		}
		if !defined[id] {
			return fmt.Errorf("%s: %s: value v%d used before definition", f.Name, at, id)
		}
		return nil
	}
	def := func(id ValueID, at Pos) error {
		if id < 0 || int(id) >= f.NumValues {
			return fmt.Errorf("%s: %s: definition v%d out of range", f.Name, at, id)
		}
		if defined[id] {
			return fmt.Errorf("%s: %s: value v%d defined twice", f.Name, at, id)
		}
		defined[id] = true
		return nil
	}

	for _, in := range b.Body {
		var err error
		switch t := in.(type) {
		case *Const:
		case *Bin:
			if err = use(t.X, t.Pos); err == nil {
				err = use(t.Y, t.Pos)
			}
		case *Un:
			err = use(t.X, t.Pos)
		case *Call:
			for _, a := range t.Args {
				if err = use(a, t.Pos); err != nil {
					break
				}
			}
		case *If:
			// Branch-local definitions must not leak into the sibling
			// branch or past the If.
			if err = use(t.Cond, t.Pos); err == nil {
				if err = validateBlock(f, &t.Then, append([]bool(nil), defined...)); err == nil {
					err = validateBlock(f, &t.Else, append([]bool(nil), defined...))
				}
			}
		case *Loop:
			if err = use(t.Trips, t.Pos); err == nil {
				err = use(t.Init, t.Pos)
			}
			if err == nil {
				inner := append([]bool(nil), defined...)
				if t.Carry < 0 || int(t.Carry) >= f.NumValues || inner[t.Carry] {
					err = fmt.Errorf("%s: %s: bad loop carry v%d", f.Name, t.Pos, t.Carry)
				} else {
					inner[t.Carry] = true
					err = validateBlock(f, &t.Body, inner)
				}
			}
		default:
			return fmt.Errorf("%s: unhandled instruction type %T", f.Name, in)
		}
		if err != nil {
			return err
		}
		if err = def(in.Def(), in.At()); err != nil {
			return err
		}
	}
	if b.Ret < 0 || int(b.Ret) >= f.NumValues || !defined[b.Ret] {
		return fmt.Errorf("%s: block returns undefined value v%d", f.Name, b.Ret)
	}
	return nil
}
