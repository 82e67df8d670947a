package ad

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tapir-lang/tapir/ir"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testProgram(t *testing.T) *Program {
	t.Helper()
	p := NewProgram()
	require.NoError(t, RegisterMathPrimitives(p))
	return p
}

func addFunc(t *testing.T, p *Program, fn *ir.Function) {
	t.Helper()
	require.NoError(t, p.AddFunc(fn))
}

// f(x, y) = tanh(x) + tanh(y)
func tanhSumFunc() *ir.Function {
	b := ir.NewBuilder("f", ir.F64,
		ir.Param{Name: "x", Type: ir.F64}, ir.Param{Name: "y", Type: ir.F64})
	tx := b.Call("tanh", b.Formal(0))
	ty := b.Call("tanh", b.Formal(1))
	return b.Return(b.Bin(ir.Add, tx, ty))
}

// square(x) = x * x
func squareFunc() *ir.Function {
	b := ir.NewBuilder("square", ir.F64, ir.Param{Name: "x", Type: ir.F64})
	return b.Return(b.Bin(ir.Mul, b.Formal(0), b.Formal(0)))
}

// pow(x, n) = loop n times: carry = carry * x, from 1
func powLoopFunc() *ir.Function {
	b := ir.NewBuilder("pow", ir.F64,
		ir.Param{Name: "x", Type: ir.F64}, ir.Param{Name: "n", Type: ir.I64})
	one := b.Const(ir.Float64(1))
	r := b.Loop(b.Formal(1), one, func(b *ir.Builder, carry ir.ValueID) ir.ValueID {
		return b.Bin(ir.Mul, carry, b.Formal(0))
	})
	return b.Return(r)
}

func f64(v ir.Value) float64 {
	return float64(v.(ir.Float64))
}

func args(xs ...float64) []ir.Value {
	out := make([]ir.Value, len(xs))
	for i, x := range xs {
		out[i] = ir.Float64(x)
	}
	return out
}
