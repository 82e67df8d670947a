package ad

import (
	"math"

	"github.com/tapir-lang/tapir/ir"
)

// saveSet declares which values a Bin adjoint consumes. The primal
// records exactly these and nothing else.
type saveSet int

const (
	saveX saveSet = 1 << iota
	saveY
	saveOut

	saveNothing saveSet = 0
)

// binSaved carries the recorded values back to an adjoint rule. Fields
// not in the rule's save set are nil.
type binSaved struct {
	x, y, out ir.Value
}

// binRule is the adjoint of one arithmetic operator: given the saved
// values and the incoming seed, one contribution per operand.
type binRule struct {
	save saveSet
	back func(s binSaved, seed ir.Value) (dx, dy ir.Value)
}

// binRules maps arithmetic operators to their adjoints. Comparisons are
// absent: they yield Bool, which never carries derivatives.
var binRules = map[ir.BinOp]binRule{
	ir.Add: {
		save: saveNothing,
		back: func(_ binSaved, seed ir.Value) (ir.Value, ir.Value) {
			return seed, seed
		},
	},
	ir.Sub: {
		save: saveNothing,
		back: func(_ binSaved, seed ir.Value) (ir.Value, ir.Value) {
			return seed, vNeg(seed)
		},
	},
	ir.Mul: {
		save: saveX | saveY,
		back: func(s binSaved, seed ir.Value) (ir.Value, ir.Value) {
			return vMul(s.y, seed), vMul(s.x, seed)
		},
	},
	ir.Div: {
		// d(x/y)/dx = 1/y, d(x/y)/dy = -out/y. Saving out instead of x
		// keeps one fewer division in the adjoint.
		save: saveY | saveOut,
		back: func(s binSaved, seed ir.Value) (ir.Value, ir.Value) {
			dx := vDiv(seed, s.y)
			dy := vNeg(vMul(s.out, dx))
			return dx, dy
		},
	},
}

// unBack is the adjoint of a unary operator. Neg saves nothing.
func unBack(op ir.UnOp, seed ir.Value) ir.Value {
	if op == ir.Neg {
		return vNeg(seed)
	}
	panic("ad: no adjoint rule for unary operator")
}

// RegisterMathPrimitives declares the standard F64 math primitives on p:
// tanh, exp, log, sin, cos, sqrt, relu, plus the vector reductions sum
// and dot. These are the declarations the surface collaborator installs
// for its standard library.
func RegisterMathPrimitives(p *Program) error {
	scalar := func(name string, fwd func(float64) float64, back func(x, y, seed float64) float64) error {
		return p.Declare(name, Descriptor{
			Mode:   Reverse,
			Params: []ir.Type{ir.F64},
			Result: ir.F64,
			Forward: func(args []ir.Value) ir.Value {
				return ir.Float64(fwd(float64(args[0].(ir.Float64))))
			},
			Adjoint: func(args []ir.Value, result ir.Value, _ []ir.Value, seed ir.Value) []ir.Value {
				x := float64(args[0].(ir.Float64))
				y := float64(result.(ir.Float64))
				s := float64(seed.(ir.Float64))
				return []ir.Value{ir.Float64(back(x, y, s))}
			},
		})
	}

	decls := []error{
		// dTanh(x, y, seed) = (1 - y*y) * seed
		scalar("tanh", math.Tanh, func(_, y, s float64) float64 { return (1 - y*y) * s }),
		scalar("exp", math.Exp, func(_, y, s float64) float64 { return y * s }),
		scalar("log", math.Log, func(x, _, s float64) float64 { return s / x }),
		scalar("sin", math.Sin, func(x, _, s float64) float64 { return math.Cos(x) * s }),
		scalar("cos", math.Cos, func(x, _, s float64) float64 { return -math.Sin(x) * s }),
		scalar("sqrt", math.Sqrt, func(_, y, s float64) float64 { return s / (2 * y) }),
		scalar("relu", func(x float64) float64 { return math.Max(0, x) },
			func(x, _, s float64) float64 {
				if x > 0 {
					return s
				}
				return 0
			}),

		p.Declare("sum", Descriptor{
			Mode:   Reverse,
			Params: []ir.Type{ir.Vec{Elem: ir.F64}},
			Result: ir.F64,
			Forward: func(args []ir.Value) ir.Value {
				acc := 0.0
				for _, e := range args[0].(ir.Vector).Elems {
					acc += float64(e.(ir.Float64))
				}
				return ir.Float64(acc)
			},
			Adjoint: func(args []ir.Value, _ ir.Value, _ []ir.Value, seed ir.Value) []ir.Value {
				v := args[0].(ir.Vector)
				out := make([]ir.Value, len(v.Elems))
				for i := range v.Elems {
					out[i] = seed
				}
				return []ir.Value{ir.Vector{Elem: ir.F64, Elems: out}}
			},
		}),

		p.Declare("dot", Descriptor{
			Mode:   Reverse,
			Params: []ir.Type{ir.Vec{Elem: ir.F64}, ir.Vec{Elem: ir.F64}},
			Result: ir.F64,
			Forward: func(args []ir.Value) ir.Value {
				a, b := args[0].(ir.Vector), args[1].(ir.Vector)
				acc := 0.0
				for i := range a.Elems {
					acc += float64(a.Elems[i].(ir.Float64)) * float64(b.Elems[i].(ir.Float64))
				}
				return ir.Float64(acc)
			},
			Adjoint: func(args []ir.Value, _ ir.Value, _ []ir.Value, seed ir.Value) []ir.Value {
				a, b := args[0].(ir.Vector), args[1].(ir.Vector)
				return []ir.Value{vMul(b, vecBroadcast(seed, a)), vMul(a, vecBroadcast(seed, b))}
			},
		}),
	}

	for _, err := range decls {
		if err != nil {
			return err
		}
	}
	return nil
}

// vecBroadcast spreads a scalar seed over like's shape.
func vecBroadcast(seed ir.Value, like ir.Vector) ir.Value {
	out := make([]ir.Value, len(like.Elems))
	for i := range like.Elems {
		out[i] = seed
	}
	return ir.Vector{Elem: like.Elem, Elems: out}
}
