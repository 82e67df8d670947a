package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderAllocatesDenseIDs(t *testing.T) {
	b := NewBuilder("f", F64, Param{Name: "x", Type: F64}, Param{Name: "y", Type: F64})
	x, y := b.Formal(0), b.Formal(1)
	s := b.Bin(Add, x, y)
	p := b.Bin(Mul, s, s)
	fn := b.Return(p)

	assert.Equal(t, ValueID(0), x)
	assert.Equal(t, ValueID(1), y)
	assert.Equal(t, ValueID(2), s)
	assert.Equal(t, ValueID(3), p)
	assert.Equal(t, 4, fn.NumValues)
	assert.Equal(t, ValueID(3), fn.Body.Ret)
	require.NoError(t, fn.Validate())
}

func TestValidateRejectsUseBeforeDefinition(t *testing.T) {
	fn := &Function{
		Name:      "bad",
		Params:    []Param{{Name: "x", Type: F64}},
		Result:    F64,
		NumValues: 3,
		Body: Block{
			Body: []Instr{
				&Bin{ID: 1, Op: Add, X: 0, Y: 2}, // v2 not yet defined
				&Const{ID: 2, Val: Float64(1)},
			},
			Ret: 1,
		},
	}
	err := fn.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "used before definition")
}

func TestValidateRejectsBranchLocalLeak(t *testing.T) {
	// The then-arm defines v3; the else-arm must not see it.
	fn := &Function{
		Name:      "leak",
		Params:    []Param{{Name: "x", Type: F64}},
		Result:    F64,
		NumValues: 6,
		Body: Block{
			Body: []Instr{
				&Const{ID: 1, Val: Float64(0)},
				&Bin{ID: 2, Op: Gt, X: 0, Y: 1},
				&If{
					ID:   5,
					Cond: 2,
					Then: Block{Body: []Instr{&Const{ID: 3, Val: Float64(1)}}, Ret: 3},
					Else: Block{Body: []Instr{&Bin{ID: 4, Op: Add, X: 0, Y: 3}}, Ret: 4},
				},
			},
			Ret: 5,
		},
	}
	err := fn.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v3 used before definition")
}

func TestValidateLoop(t *testing.T) {
	b := NewBuilder("pow", F64, Param{Name: "x", Type: F64}, Param{Name: "n", Type: I64})
	one := b.Const(Float64(1))
	r := b.Loop(b.Formal(1), one, func(b *Builder, carry ValueID) ValueID {
		return b.Bin(Mul, carry, b.Formal(0))
	})
	fn := b.Return(r)
	require.NoError(t, fn.Validate())
}

func TestFormalsIncludeReceiver(t *testing.T) {
	b := NewMethodBuilder("scale", Param{Name: "w", Type: F64}, F64, Param{Name: "x", Type: F64})
	fn := b.Return(b.Bin(Mul, b.Formal(0), b.Formal(1)))

	require.NoError(t, fn.Validate())
	assert.Equal(t, 2, fn.NumFormals())
	formals := fn.Formals()
	require.Len(t, formals, 2)
	assert.Equal(t, "w", formals[0].Name)
	assert.Equal(t, "x", formals[1].Name)
}

func TestTypeKeysAndKinds(t *testing.T) {
	assert.Equal(t, "F64", F64.Key())
	assert.Equal(t, "Vec[F64]", Vec{Elem: F64}.Key())
	assert.Equal(t, "Vec[Vec[F32]]", Vec{Elem: Vec{Elem: F32}}.Key())
	assert.Equal(t, FloatKind, F32.Kind())
	assert.Equal(t, VectorKind, Vec{Elem: F64}.Kind())
	assert.True(t, Gt.IsComparison())
	assert.False(t, Mul.IsComparison())
}

func TestValueStrings(t *testing.T) {
	assert.Equal(t, "1.5", Float64(1.5).String())
	assert.Equal(t, "[1, 2, 3]", VecF64(1, 2, 3).String())
	assert.Equal(t, "true", BoolVal(true).String())
}

func TestFunctionString(t *testing.T) {
	b := NewBuilder("f", F64, Param{Name: "x", Type: F64})
	fn := b.Return(b.Call("tanh", b.Formal(0)))
	s := fn.String()
	assert.Contains(t, s, "func f(x F64) F64")
	assert.Contains(t, s, "call tanh(v0)")
	assert.Contains(t, s, "ret v1")
}
