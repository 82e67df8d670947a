package ad

import (
	"fmt"

	"github.com/tapir-lang/tapir/ir"
)

// Value arithmetic used by synthesized adjoints. Scalars compute
// directly; vectors recurse elementwise. These run only on values the
// analyzer certified, so a type mismatch is an engine bug.

func vAdd(a, b ir.Value) ir.Value {
	switch x := a.(type) {
	case ir.Float64:
		return x + b.(ir.Float64)
	case ir.Float32:
		return x + b.(ir.Float32)
	case ir.Int64:
		return x + b.(ir.Int64)
	case ir.Vector:
		return vecZip(x, b.(ir.Vector), vAdd)
	}
	panic(fmt.Sprintf("ad: add on %T", a))
}

func vSub(a, b ir.Value) ir.Value {
	switch x := a.(type) {
	case ir.Float64:
		return x - b.(ir.Float64)
	case ir.Float32:
		return x - b.(ir.Float32)
	case ir.Int64:
		return x - b.(ir.Int64)
	case ir.Vector:
		return vecZip(x, b.(ir.Vector), vSub)
	}
	panic(fmt.Sprintf("ad: sub on %T", a))
}

func vMul(a, b ir.Value) ir.Value {
	switch x := a.(type) {
	case ir.Float64:
		return x * b.(ir.Float64)
	case ir.Float32:
		return x * b.(ir.Float32)
	case ir.Int64:
		return x * b.(ir.Int64)
	case ir.Vector:
		return vecZip(x, b.(ir.Vector), vMul)
	}
	panic(fmt.Sprintf("ad: mul on %T", a))
}

func vDiv(a, b ir.Value) ir.Value {
	switch x := a.(type) {
	case ir.Float64:
		return x / b.(ir.Float64)
	case ir.Float32:
		return x / b.(ir.Float32)
	case ir.Int64:
		return x / b.(ir.Int64)
	case ir.Vector:
		return vecZip(x, b.(ir.Vector), vDiv)
	}
	panic(fmt.Sprintf("ad: div on %T", a))
}

func vNeg(a ir.Value) ir.Value {
	switch x := a.(type) {
	case ir.Float64:
		return -x
	case ir.Float32:
		return -x
	case ir.Int64:
		return -x
	case ir.Vector:
		out := make([]ir.Value, len(x.Elems))
		for i, e := range x.Elems {
			out[i] = vNeg(e)
		}
		return ir.Vector{Elem: x.Elem, Elems: out}
	}
	panic(fmt.Sprintf("ad: neg on %T", a))
}

func vecZip(a, b ir.Vector, f func(x, y ir.Value) ir.Value) ir.Value {
	if len(a.Elems) != len(b.Elems) {
		panic("ad: elementwise op on vectors with different lengths")
	}
	out := make([]ir.Value, len(a.Elems))
	for i := range a.Elems {
		out[i] = f(a.Elems[i], b.Elems[i])
	}
	return ir.Vector{Elem: a.Elem, Elems: out}
}

// vCompare evaluates a comparison, yielding a Bool.
func vCompare(op ir.BinOp, a, b ir.Value) ir.Value {
	cmp := func(x, y float64) bool {
		switch op {
		case ir.Eq:
			return x == y
		case ir.Neq:
			return x != y
		case ir.Lt:
			return x < y
		case ir.Gt:
			return x > y
		case ir.Leq:
			return x <= y
		case ir.Geq:
			return x >= y
		}
		panic(fmt.Sprintf("ad: bad comparison %s", op))
	}
	return ir.BoolVal(cmp(scalarOf(a), scalarOf(b)))
}

// scalarOf extracts a scalar as float64 for comparisons and trip counts.
func scalarOf(v ir.Value) float64 {
	switch x := v.(type) {
	case ir.Float64:
		return float64(x)
	case ir.Float32:
		return float64(x)
	case ir.Int64:
		return float64(x)
	}
	panic(fmt.Sprintf("ad: scalar expected, got %T", v))
}
