package ad

import (
	"sync"

	"github.com/tapir-lang/tapir/ir"
)

// Capability holds the differentiation facts for one type: the scalar
// currency its seeds and zeros are built from, the constructors, and the
// fan-in combine operator. Combine must be associative and commutative;
// it implements the sum rule where multiple data-flow paths meet.
type Capability struct {
	Currency ir.Type

	// Seed builds a seed of like's structure from a currency scalar.
	// Scalar types ignore like.
	Seed func(c float64, like ir.Value) ir.Value

	// Zero builds the zero adjoint mirroring like's structure.
	Zero func(like ir.Value) ir.Value

	// Combine merges two adjoint contributions of this type.
	Combine func(a, b ir.Value) ir.Value
}

// Capabilities maps type identity to Capability. Registrations happen
// once per type at definition time and are immutable thereafter.
// Composite types are never registered directly: Vec capabilities are
// derived from the element type on lookup.
type Capabilities struct {
	mu      sync.RWMutex
	caps    map[string]Capability
	derived map[string]Capability
}

func NewCapabilities() *Capabilities {
	return &Capabilities{
		caps:    make(map[string]Capability),
		derived: make(map[string]Capability),
	}
}

// Register installs the capability for t. A second registration with the
// same currency is a no-op; a different currency is a CapabilityConflict.
func (c *Capabilities) Register(t ir.Type, cp Capability) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.caps[t.Key()]; ok {
		if prev.Currency.Key() != cp.Currency.Key() {
			return errf(CapabilityConflict, t.String(), ir.Pos{},
				"type %s already registered with currency %s, cannot re-register with %s",
				t, prev.Currency, cp.Currency)
		}
		return nil
	}
	c.caps[t.Key()] = cp
	return nil
}

// Lookup resolves the capability for t, deriving composite capabilities
// from component types. Fails with NotDifferentiableType when t or a
// component lacks one.
func (c *Capabilities) Lookup(t ir.Type) (Capability, error) {
	c.mu.RLock()
	if cp, ok := c.caps[t.Key()]; ok {
		c.mu.RUnlock()
		return cp, nil
	}
	if cp, ok := c.derived[t.Key()]; ok {
		c.mu.RUnlock()
		return cp, nil
	}
	c.mu.RUnlock()

	vec, ok := t.(ir.Vec)
	if !ok {
		return Capability{}, errf(NotDifferentiableType, t.String(), ir.Pos{},
			"type %s has no registered differentiation capability", t)
	}
	elem, err := c.Lookup(vec.Elem)
	if err != nil {
		return Capability{}, errf(NotDifferentiableType, t.String(), ir.Pos{},
			"element type %s of %s has no registered differentiation capability", vec.Elem, t)
	}
	cp := deriveVec(vec, elem)

	c.mu.Lock()
	c.derived[t.Key()] = cp
	c.mu.Unlock()
	return cp, nil
}

// deriveVec lifts an element capability elementwise. The vector shares
// the element's currency, keeping currency consistent across a composite
// and its components.
func deriveVec(t ir.Vec, elem Capability) Capability {
	return Capability{
		Currency: elem.Currency,
		Seed: func(c float64, like ir.Value) ir.Value {
			v := like.(ir.Vector)
			out := make([]ir.Value, len(v.Elems))
			for i, e := range v.Elems {
				out[i] = elem.Seed(c, e)
			}
			return ir.Vector{Elem: t.Elem, Elems: out}
		},
		Zero: func(like ir.Value) ir.Value {
			v := like.(ir.Vector)
			out := make([]ir.Value, len(v.Elems))
			for i, e := range v.Elems {
				out[i] = elem.Zero(e)
			}
			return ir.Vector{Elem: t.Elem, Elems: out}
		},
		Combine: func(a, b ir.Value) ir.Value {
			av, bv := a.(ir.Vector), b.(ir.Vector)
			if len(av.Elems) != len(bv.Elems) {
				panic("ad: combine of vectors with different lengths")
			}
			out := make([]ir.Value, len(av.Elems))
			for i := range av.Elems {
				out[i] = elem.Combine(av.Elems[i], bv.Elems[i])
			}
			return ir.Vector{Elem: t.Elem, Elems: out}
		},
	}
}

// StandardCapabilities returns a table with the floating scalar types
// pre-registered: identity seed, zero adjoint, addition combine.
func StandardCapabilities() *Capabilities {
	c := NewCapabilities()
	_ = c.Register(ir.F64, Capability{
		Currency: ir.F64,
		Seed:     func(s float64, _ ir.Value) ir.Value { return ir.Float64(s) },
		Zero:     func(_ ir.Value) ir.Value { return ir.Float64(0) },
		Combine: func(a, b ir.Value) ir.Value {
			return a.(ir.Float64) + b.(ir.Float64)
		},
	})
	_ = c.Register(ir.F32, Capability{
		Currency: ir.F32,
		Seed:     func(s float64, _ ir.Value) ir.Value { return ir.Float32(s) },
		Zero:     func(_ ir.Value) ir.Value { return ir.Float32(0) },
		Combine: func(a, b ir.Value) ir.Value {
			return a.(ir.Float32) + b.(ir.Float32)
		},
	})
	return c
}
