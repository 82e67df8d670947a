package ir

import (
	"fmt"
	"strings"
)

// Value is a runtime value flowing through a primal or adjoint run.
type Value interface {
	Type() Type
	String() string
}

type Float64 float64

func (f Float64) Type() Type     { return F64 }
func (f Float64) String() string { return fmt.Sprintf("%g", float64(f)) }

type Float32 float32

func (f Float32) Type() Type     { return F32 }
func (f Float32) String() string { return fmt.Sprintf("%g", float32(f)) }

type Int64 int64

func (i Int64) Type() Type     { return I64 }
func (i Int64) String() string { return fmt.Sprintf("%d", int64(i)) }

type BoolVal bool

func (b BoolVal) Type() Type { return Bool }
func (b BoolVal) String() string {
	if b {
		return "true"
	}
	return "false"
}

// Vector boxes a slice of element values sharing one element type.
type Vector struct {
	Elem  Type
	Elems []Value
}

func (v Vector) Type() Type { return Vec{Elem: v.Elem} }

func (v Vector) String() string {
	parts := make([]string, len(v.Elems))
	for i, e := range v.Elems {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// VecF64 builds a Vector of Float64 from raw floats.
func VecF64(xs ...float64) Vector {
	elems := make([]Value, len(xs))
	for i, x := range xs {
		elems[i] = Float64(x)
	}
	return Vector{Elem: F64, Elems: elems}
}
