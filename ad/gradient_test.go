package ad

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapir-lang/tapir/ir"
)

const tol = 1e-12

func TestGradientOfDeclaredTanh(t *testing.T) {
	p := testProgram(t)
	e := NewEngine(p, StandardCapabilities())

	grad, err := e.Gradient("tanh", Mask{})
	require.NoError(t, err)

	for _, x := range []float64{-2.5, -0.3, 0, 0.7, 3} {
		g := grad(args(x))
		require.Len(t, g, 1)
		want := 1 - math.Tanh(x)*math.Tanh(x)
		assert.InDelta(t, want, f64(g[0]), tol, "x=%g", x)
	}
}

func TestTanhSumScenario(t *testing.T) {
	// f(x, y) = tanh(x) + tanh(y); gradient wrt x at (3, 4) is
	// dTanh(3, tanh(3), 1).
	p := testProgram(t)
	addFunc(t, p, tanhSumFunc())
	e := NewEngine(p, StandardCapabilities())

	gradX, err := e.Gradient("f", Mask{Params: []int{0}})
	require.NoError(t, err)
	g := gradX(args(3, 4))
	require.Len(t, g, 1)
	assert.InDelta(t, 1-math.Tanh(3)*math.Tanh(3), f64(g[0]), tol)

	gradAll, err := e.Gradient("f", Mask{})
	require.NoError(t, err)
	g = gradAll(args(3, 4))
	require.Len(t, g, 2)
	assert.InDelta(t, 1-math.Tanh(3)*math.Tanh(3), f64(g[0]), tol)
	assert.InDelta(t, 1-math.Tanh(4)*math.Tanh(4), f64(g[1]), tol)
}

func TestFinalizedEqualsCanonicalWithIdentitySeed(t *testing.T) {
	p := testProgram(t)
	addFunc(t, p, tanhSumFunc())
	e := NewEngine(p, StandardCapabilities())

	grad, err := e.Gradient("f", Mask{})
	require.NoError(t, err)
	can, err := e.Canonical("f", Mask{})
	require.NoError(t, err)

	in := args(0.4, -1.2)
	res, gCan := can(in, ir.Float64(1))
	gFin := grad(in)

	assert.InDelta(t, math.Tanh(0.4)+math.Tanh(-1.2), f64(res), tol)
	assert.Empty(t, cmp.Diff(gCan, gFin))
}

func TestValueAndGradient(t *testing.T) {
	p := testProgram(t)
	addFunc(t, p, squareFunc())
	e := NewEngine(p, StandardCapabilities())

	vg, err := e.ValueAndGradient("square", Mask{})
	require.NoError(t, err)
	res, g := vg(args(5))
	assert.InDelta(t, 25, f64(res), tol)
	require.Len(t, g, 1)
	assert.InDelta(t, 10, f64(g[0]), tol)
}

func TestSumRule(t *testing.T) {
	// h(x) = g(x) + k(x) with shared currency: gradient(h) is the
	// combine of the two gradients.
	p := testProgram(t)
	b := ir.NewBuilder("h", ir.F64, ir.Param{Name: "x", Type: ir.F64})
	g := b.Call("sin", b.Formal(0))
	k := b.Call("exp", b.Formal(0))
	addFunc(t, p, b.Return(b.Bin(ir.Add, g, k)))
	e := NewEngine(p, StandardCapabilities())

	gradH, err := e.Gradient("h", Mask{})
	require.NoError(t, err)
	gradSin, err := e.Gradient("sin", Mask{})
	require.NoError(t, err)
	gradExp, err := e.Gradient("exp", Mask{})
	require.NoError(t, err)

	for _, x := range []float64{-1, 0.25, 2} {
		want := f64(gradSin(args(x))[0]) + f64(gradExp(args(x))[0])
		assert.InDelta(t, want, f64(gradH(args(x))[0]), tol, "x=%g", x)
	}
}

func TestFanInUsesCombine(t *testing.T) {
	// square(x) = x * x: both mul operands are the same parameter, so
	// its accumulator merges two contributions.
	p := testProgram(t)
	addFunc(t, p, squareFunc())
	e := NewEngine(p, StandardCapabilities())

	grad, err := e.Gradient("square", Mask{})
	require.NoError(t, err)
	assert.InDelta(t, 6, f64(grad(args(3))[0]), tol)
}

func TestCompositeCallChainRule(t *testing.T) {
	// h(x) = square(tanh(x)): d/dx = 2 tanh(x) (1 - tanh(x)^2)
	p := testProgram(t)
	addFunc(t, p, squareFunc())
	b := ir.NewBuilder("h", ir.F64, ir.Param{Name: "x", Type: ir.F64})
	tx := b.Call("tanh", b.Formal(0))
	addFunc(t, p, b.Return(b.Call("square", tx)))
	e := NewEngine(p, StandardCapabilities())

	grad, err := e.Gradient("h", Mask{})
	require.NoError(t, err)
	x := 0.8
	th := math.Tanh(x)
	assert.InDelta(t, 2*th*(1-th*th), f64(grad(args(x))[0]), tol)
}

func TestBranchGradientAndExclusivity(t *testing.T) {
	// g(x) = spyA(x) if x > 0 else spyB(x); the adjoint of the untaken
	// branch must never run.
	p := testProgram(t)
	var ranA, ranB int
	spy := func(name string, ran *int) {
		require.NoError(t, p.Declare(name, Descriptor{
			Mode:    Reverse,
			Params:  []ir.Type{ir.F64},
			Result:  ir.F64,
			Forward: func(a []ir.Value) ir.Value { return vMul(a[0], ir.Float64(2)) },
			Adjoint: func(_ []ir.Value, _ ir.Value, _ []ir.Value, s ir.Value) []ir.Value {
				*ran++
				return []ir.Value{vMul(s, ir.Float64(2))}
			},
		}))
	}
	spy("spyA", &ranA)
	spy("spyB", &ranB)

	b := ir.NewBuilder("g", ir.F64, ir.Param{Name: "x", Type: ir.F64})
	x := b.Formal(0)
	cond := b.Bin(ir.Gt, x, b.Const(ir.Float64(0)))
	r := b.If(cond,
		func(b *ir.Builder) ir.ValueID { return b.Call("spyA", x) },
		func(b *ir.Builder) ir.ValueID { return b.Call("spyB", x) },
	)
	addFunc(t, p, b.Return(r))
	e := NewEngine(p, StandardCapabilities())

	grad, err := e.Gradient("g", Mask{})
	require.NoError(t, err)

	assert.InDelta(t, 2, f64(grad(args(5))[0]), tol)
	assert.Equal(t, 1, ranA)
	assert.Equal(t, 0, ranB, "untaken branch adjoint must not execute")

	assert.InDelta(t, 2, f64(grad(args(-5))[0]), tol)
	assert.Equal(t, 1, ranA, "now the other branch is untaken")
	assert.Equal(t, 1, ranB)
}

func TestLoopGradient(t *testing.T) {
	// pow(x, n) = x^n via a counted loop: d/dx = n * x^(n-1).
	p := testProgram(t)
	addFunc(t, p, powLoopFunc())
	e := NewEngine(p, StandardCapabilities())

	grad, err := e.Gradient("pow", Mask{Params: []int{0}})
	require.NoError(t, err)

	for _, tc := range []struct {
		x float64
		n int64
	}{{2, 5}, {3, 1}, {1.5, 3}, {2, 0}} {
		g := grad([]ir.Value{ir.Float64(tc.x), ir.Int64(tc.n)})
		want := float64(tc.n) * math.Pow(tc.x, float64(tc.n-1))
		if tc.n == 0 {
			want = 0
		}
		assert.InDelta(t, want, f64(g[0]), tol, "x=%g n=%d", tc.x, tc.n)
	}
}

func TestNestedLoopsWithDifferingTripCounts(t *testing.T) {
	// f(x, n, m) = x^(n*m): the outer loop multiplies by inner = x^m.
	p := testProgram(t)
	b := ir.NewBuilder("nested", ir.F64,
		ir.Param{Name: "x", Type: ir.F64},
		ir.Param{Name: "n", Type: ir.I64},
		ir.Param{Name: "m", Type: ir.I64})
	x := b.Formal(0)
	one := b.Const(ir.Float64(1))
	outer := b.Loop(b.Formal(1), one, func(b *ir.Builder, carry ir.ValueID) ir.ValueID {
		inner := b.Loop(b.Formal(2), carry, func(b *ir.Builder, c ir.ValueID) ir.ValueID {
			return b.Bin(ir.Mul, c, x)
		})
		return inner
	})
	addFunc(t, p, b.Return(outer))
	e := NewEngine(p, StandardCapabilities())

	grad, err := e.Gradient("nested", Mask{Params: []int{0}})
	require.NoError(t, err)

	xv, n, m := 1.2, int64(3), int64(4)
	g := grad([]ir.Value{ir.Float64(xv), ir.Int64(n), ir.Int64(m)})
	want := float64(n*m) * math.Pow(xv, float64(n*m-1))
	assert.InDelta(t, want, f64(g[0]), 1e-9)
}

func TestVectorDotGradient(t *testing.T) {
	// dims(x) = dot(x, c): gradient wrt x is c, through the derived
	// Vec[F64] capability.
	p := testProgram(t)
	b := ir.NewBuilder("proj", ir.F64, ir.Param{Name: "x", Type: ir.Vec{Elem: ir.F64}})
	c := b.Const(ir.VecF64(2, -1, 0.5))
	addFunc(t, p, b.Return(b.Call("dot", b.Formal(0), c)))
	e := NewEngine(p, StandardCapabilities())

	grad, err := e.Gradient("proj", Mask{})
	require.NoError(t, err)
	g := grad([]ir.Value{ir.VecF64(10, 20, 30)})
	require.Len(t, g, 1)
	assert.Empty(t, cmp.Diff(ir.VecF64(2, -1, 0.5), g[0].(ir.Vector)))
}

func TestUnusedParameterGetsZeroAdjoint(t *testing.T) {
	p := testProgram(t)
	b := ir.NewBuilder("first", ir.F64,
		ir.Param{Name: "x", Type: ir.F64}, ir.Param{Name: "y", Type: ir.F64})
	addFunc(t, p, b.Return(b.Call("exp", b.Formal(0))))
	e := NewEngine(p, StandardCapabilities())

	grad, err := e.Gradient("first", Mask{})
	require.NoError(t, err)
	g := grad(args(1, 9))
	require.Len(t, g, 2)
	assert.InDelta(t, math.E, f64(g[0]), tol)
	assert.Equal(t, 0.0, f64(g[1]))
}

func TestReceiverGradient(t *testing.T) {
	// scale.w * x differentiated with respect to the receiver.
	p := testProgram(t)
	b := ir.NewMethodBuilder("scale", ir.Param{Name: "w", Type: ir.F64}, ir.F64,
		ir.Param{Name: "x", Type: ir.F64})
	addFunc(t, p, b.Return(b.Bin(ir.Mul, b.Formal(0), b.Formal(1))))
	e := NewEngine(p, StandardCapabilities())

	grad, err := e.Gradient("scale", Mask{Receiver: true})
	require.NoError(t, err)
	g := grad(args(3, 7)) // receiver first
	require.Len(t, g, 1)
	assert.InDelta(t, 7, f64(g[0]), tol)
}

func TestDeclaredPrimalSuppliesCheckpoints(t *testing.T) {
	// cube declares a primal that checkpoints 3x^2 for its adjoint.
	p := testProgram(t)
	require.NoError(t, p.Declare("cube", Descriptor{
		Mode:   Reverse,
		Params: []ir.Type{ir.F64},
		Result: ir.F64,
		Primal: func(a []ir.Value) (ir.Value, []ir.Value) {
			x := f64(a[0])
			return ir.Float64(x * x * x), []ir.Value{ir.Float64(3 * x * x)}
		},
		Adjoint: func(_ []ir.Value, _ ir.Value, saved []ir.Value, s ir.Value) []ir.Value {
			return []ir.Value{vMul(saved[0], s)}
		},
		NeedsTape: true,
	}))
	e := NewEngine(p, StandardCapabilities())

	// Directly.
	grad, err := e.Gradient("cube", Mask{})
	require.NoError(t, err)
	assert.InDelta(t, 12, f64(grad(args(2))[0]), tol)

	// And through a composite caller.
	b := ir.NewBuilder("wrap", ir.F64, ir.Param{Name: "x", Type: ir.F64})
	addFunc(t, p, b.Return(b.Call("cube", b.Formal(0))))
	grad, err = e.Gradient("wrap", Mask{})
	require.NoError(t, err)
	assert.InDelta(t, 27, f64(grad(args(-3))[0]), tol)
}

func TestSeedScalesAdjoint(t *testing.T) {
	p := testProgram(t)
	addFunc(t, p, squareFunc())
	e := NewEngine(p, StandardCapabilities())

	can, err := e.Canonical("square", Mask{})
	require.NoError(t, err)
	_, g := can(args(4), ir.Float64(10))
	assert.InDelta(t, 80, f64(g[0]), tol, "seed scales the vector-Jacobian product")
}
