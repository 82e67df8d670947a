package ad

import (
	"fmt"
	"sync"

	"github.com/tapir-lang/tapir/ir"
)

// Mode selects the differentiation direction. Only reverse mode is
// implemented; the forward slot is reserved.
type Mode int

const (
	Reverse Mode = iota
	Forward
)

func (m Mode) String() string {
	if m == Reverse {
		return "reverse"
	}
	return "forward"
}

// ForwardFn is the body of a declared primitive: it computes the
// original result.
type ForwardFn func(args []ir.Value) ir.Value

// PrimalFn is a declared primal: the original result plus the checkpoint
// values its paired adjoint consumes.
type PrimalFn func(args []ir.Value) (ir.Value, []ir.Value)

// AdjointFn is a declared adjoint. It receives the original arguments,
// the original result, the checkpoints saved by the declared primal
// (nil unless the descriptor needs the tape), and the seed, and returns
// one adjoint contribution per argument. A nil contribution means no
// derivative flows to that argument.
type AdjointFn func(args []ir.Value, result ir.Value, saved []ir.Value, seed ir.Value) []ir.Value

// Descriptor carries a function's differentiability declaration. It is
// created when the function is declared differentiable and consulted,
// never mutated, by every later differentiation request.
type Descriptor struct {
	Mode Mode

	// Params and Result describe the signature for primitives that have
	// no IR body. Functions with bodies leave them nil and the signature
	// comes from the IR.
	Params []ir.Type
	Result ir.Type

	// Wrt lists the parameter indices derivatives flow to; nil means all.
	Wrt []int

	Forward   ForwardFn
	Primal    PrimalFn // supplies checkpoints when NeedsTape is set
	Adjoint   AdjointFn
	NeedsTape bool
}

// HasAdjoint reports whether the descriptor declares a usable
// primal/adjoint pair, making the function a base case for analysis.
func (d *Descriptor) HasAdjoint() bool {
	return d != nil && d.Adjoint != nil
}

// participates reports whether derivatives flow to argument i.
func (d *Descriptor) participates(i int) bool {
	if d.Wrt == nil {
		return true
	}
	for _, w := range d.Wrt {
		if w == i {
			return true
		}
	}
	return false
}

// Program is the immutable-once-populated world a differentiation
// request runs against: IR functions by name plus their descriptors.
// Both tables are populated by external collaborators (the surface
// syntax for descriptors, the front end for IR) and only read here.
type Program struct {
	mu    sync.RWMutex
	funcs map[string]*ir.Function
	descs map[string]*Descriptor
}

func NewProgram() *Program {
	return &Program{
		funcs: make(map[string]*ir.Function),
		descs: make(map[string]*Descriptor),
	}
}

// AddFunc installs an IR function body.
func (p *Program) AddFunc(fn *ir.Function) error {
	if err := fn.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.funcs[fn.Name]; ok {
		return fmt.Errorf("function %q already added", fn.Name)
	}
	p.funcs[fn.Name] = fn
	return nil
}

// Declare attaches a differentiability descriptor to name. Descriptors
// are write-once.
func (p *Program) Declare(name string, d Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.descs[name]; ok {
		return fmt.Errorf("function %q already has a differentiability declaration", name)
	}
	p.descs[name] = &d
	return nil
}

// Func returns the IR body for name, or nil for declared primitives.
func (p *Program) Func(name string) *ir.Function {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.funcs[name]
}

// Descriptor returns the declaration for name, or nil.
func (p *Program) Descriptor(name string) *Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.descs[name]
}

// signature returns the formal types and result type for name, from the
// IR body when present, else from the descriptor.
func (p *Program) signature(name string) (params []ir.Type, result ir.Type, ok bool) {
	if fn := p.Func(name); fn != nil {
		formals := fn.Formals()
		params = make([]ir.Type, len(formals))
		for i, f := range formals {
			params[i] = f.Type
		}
		return params, fn.Result, true
	}
	if d := p.Descriptor(name); d != nil && d.Result != nil {
		return d.Params, d.Result, true
	}
	return nil, nil, false
}
