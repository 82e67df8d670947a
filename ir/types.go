package ir

import "fmt"

type Kind int

const (
	UnresolvedKind Kind = iota
	FloatKind
	IntKind
	BoolKind
	VectorKind
)

// Type is the interface for all types carried by IR values.
type Type interface {
	String() string
	Kind() Kind
	// Key is a stable identity for registry maps. Composite types build
	// their key from their component keys.
	Key() string
}

// Common concrete types (aliases) for readability.
// These are value-typed singletons; using them in maps/keys is safe since
// Float, Int and Bool are comparable by value.
var (
	F64  Type = Float{Width: 64}
	F32  Type = Float{Width: 32}
	I64  Type = Int{Width: 64}
	Bool Type = BoolType{}
)

// Float represents a floating-point type with a given precision.
type Float struct {
	Width uint32 // 32 or 64
}

func (f Float) String() string { return fmt.Sprintf("F%d", f.Width) }
func (f Float) Kind() Kind     { return FloatKind }
func (f Float) Key() string    { return f.String() }

// Int represents an integer type with a given bit width.
type Int struct {
	Width uint32
}

func (i Int) String() string { return fmt.Sprintf("I%d", i.Width) }
func (i Int) Kind() Kind     { return IntKind }
func (i Int) Key() string    { return i.String() }

type BoolType struct{}

func (b BoolType) String() string { return "Bool" }
func (b BoolType) Kind() Kind     { return BoolKind }
func (b BoolType) Key() string    { return "Bool" }

// Vec represents a homogeneous vector of some element type.
// Its length is a runtime property, not part of the type.
type Vec struct {
	Elem Type
}

func (v Vec) String() string { return fmt.Sprintf("Vec_%s", v.Elem.String()) }
func (v Vec) Kind() Kind     { return VectorKind }
func (v Vec) Key() string    { return "Vec[" + v.Elem.Key() + "]" }
