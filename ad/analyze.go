package ad

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tapir-lang/tapir/ir"
)

// Analysis is the certificate that a (function, mask) pair is
// differentiable, plus everything the generators need: per-value types,
// the active set (values on the differentiated path), and per-call plans.
type Analysis struct {
	Name string
	Fn   *ir.Function // nil for declared primitives
	Desc *Descriptor  // non-nil when the function is a declared base case
	Mask []int        // masked formal indices, ascending

	FormalTypes []ir.Type
	Result      ir.Type

	Types  []ir.Type // per ValueID
	Active []bool    // forward-reachable from masked formals
	Need   []bool    // backward-reachable from the return

	calls map[*ir.Call]*callPlan
}

// onPath reports whether id is on the differentiated data-flow path.
func (a *Analysis) onPath(id ir.ValueID) bool {
	return a.Active[id] && a.Need[id]
}

// callPlan records how one call site differentiates: through a declared
// adjoint (base case) or through the callee's own analysis under the
// mask of its active argument positions.
type callPlan struct {
	desc       *Descriptor
	sub        *Analysis
	activeArgs []int // argument positions derivatives flow through
}

// Analyzer decides differentiability. Results are memoized per
// (function, mask); an in-progress set rejects direct and mutual
// recursion instead of recursing unboundedly.
type Analyzer struct {
	prog *Program
	caps *Capabilities

	mu         sync.Mutex
	memo       map[string]*memoEntry
	inProgress map[string]struct{} // function names with analysis in flight
}

type memoEntry struct {
	analysis *Analysis
	err      error
}

func NewAnalyzer(prog *Program, caps *Capabilities) *Analyzer {
	return &Analyzer{
		prog:       prog,
		caps:       caps,
		memo:       make(map[string]*memoEntry),
		inProgress: make(map[string]struct{}),
	}
}

func maskKey(name string, mask []int) string {
	parts := make([]string, len(mask))
	for i, m := range mask {
		parts[i] = fmt.Sprintf("%d", m)
	}
	return name + "|" + strings.Join(parts, ",")
}

// Analyze certifies (name, mask) or explains why it cannot. mask lists
// masked formal indices (receiver is formal 0 when present); the caller
// validates it against the signature first.
func (a *Analyzer) Analyze(name string, mask []int) (*Analysis, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.analyze(name, mask)
}

// analyze runs with a.mu held; recursive calls stay inside the lock so
// the memo and in-progress set stay coherent.
func (a *Analyzer) analyze(name string, mask []int) (*Analysis, error) {
	mask = canonMask(mask)
	key := maskKey(name, mask)
	if e, ok := a.memo[key]; ok {
		return e.analysis, e.err
	}
	if _, ok := a.inProgress[name]; ok {
		return nil, errf(RecursionUnsupported, name, ir.Pos{},
			"differentiation through recursive calls is unsupported")
	}
	a.inProgress[name] = struct{}{}
	an, err := a.analyzeUnmemoized(name, mask)
	delete(a.inProgress, name)
	a.memo[key] = &memoEntry{analysis: an, err: err}
	return an, err
}

func canonMask(mask []int) []int {
	out := append([]int(nil), mask...)
	sort.Ints(out)
	return out
}

func (a *Analyzer) analyzeUnmemoized(name string, mask []int) (*Analysis, error) {
	formals, result, ok := a.prog.signature(name)
	if !ok {
		return nil, errf(NotDifferentiableFunction, name, ir.Pos{},
			"function %q has neither an IR body nor a differentiability declaration", name)
	}

	an := &Analysis{
		Name:        name,
		Mask:        mask,
		FormalTypes: formals,
		Result:      result,
	}

	// Rule 1: masked parameter types and the result type must have
	// capabilities.
	for _, m := range mask {
		if _, err := a.caps.Lookup(formals[m]); err != nil {
			return nil, errf(NotDifferentiableType, name, ir.Pos{},
				"parameter %d has type %s, which %s", m, formals[m], capMsg(err))
		}
	}
	if _, err := a.caps.Lookup(result); err != nil {
		return nil, errf(NotDifferentiableType, name, ir.Pos{},
			"result type %s %s", result, capMsg(err))
	}

	desc := a.prog.Descriptor(name)
	if desc != nil && desc.Mode != Reverse {
		return nil, errf(NotDifferentiableFunction, name, ir.Pos{},
			"%s-mode differentiation is not supported", desc.Mode)
	}
	if desc.HasAdjoint() {
		// Base case: the declared pair is accepted without inspecting
		// any body.
		an.Desc = desc
		return an, nil
	}

	fn := a.prog.Func(name)
	if fn == nil {
		return nil, errf(NotDifferentiableFunction, name, ir.Pos{},
			"function %q declares no adjoint and has no body to differentiate", name)
	}
	an.Fn = fn

	var err error
	if an.Types, err = a.inferTypes(fn); err != nil {
		return nil, err
	}

	an.Active = make([]bool, fn.NumValues)
	for _, m := range mask {
		an.Active[m] = true
	}
	for propagateActivity(&fn.Body, an) {
	}

	an.Need = make([]bool, fn.NumValues)
	an.Need[fn.Body.Ret] = true
	propagateNeed(&fn.Body, an.Need)

	an.calls = make(map[*ir.Call]*callPlan)
	if err := a.checkBlock(fn, &fn.Body, an); err != nil {
		return nil, err
	}
	return an, nil
}

func capMsg(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Msg
	}
	return err.Error()
}

// propagateActivity marks values forward-reachable from the masked
// formals. Returns whether anything new was marked, so loops can run it
// to a fixed point (a carried value becomes active when any iteration's
// result does).
func propagateActivity(b *ir.Block, an *Analysis) bool {
	changed := false
	mark := func(id ir.ValueID) {
		if !an.Active[id] {
			an.Active[id] = true
			changed = true
		}
	}
	for _, in := range b.Body {
		switch t := in.(type) {
		case *ir.Const:
		case *ir.Bin:
			// Comparisons yield Bool: derivatives never flow through
			// the predicate.
			if !t.Op.IsComparison() && (an.Active[t.X] || an.Active[t.Y]) {
				mark(t.ID)
			}
		case *ir.Un:
			if an.Active[t.X] {
				mark(t.ID)
			}
		case *ir.Call:
			for _, arg := range t.Args {
				if an.Active[arg] {
					mark(t.ID)
					break
				}
			}
		case *ir.If:
			if propagateActivity(&t.Then, an) {
				changed = true
			}
			if propagateActivity(&t.Else, an) {
				changed = true
			}
			if an.Active[t.Then.Ret] || an.Active[t.Else.Ret] {
				mark(t.ID)
			}
		case *ir.Loop:
			if an.Active[t.Init] {
				mark(t.Carry)
			}
			if propagateActivity(&t.Body, an) {
				changed = true
			}
			if an.Active[t.Body.Ret] {
				mark(t.Carry) // feeds the next iteration
				mark(t.ID)
			}
			if an.Active[t.Init] {
				mark(t.ID) // zero-trip loops pass Init through
			}
		}
	}
	return changed
}

// propagateNeed marks values the return transitively consumes, walking
// backward. Over-approximating inside branches is fine: the check only
// tightens to Active ∩ Need.
func propagateNeed(b *ir.Block, need []bool) {
	for i := len(b.Body) - 1; i >= 0; i-- {
		switch t := b.Body[i].(type) {
		case *ir.Const:
		case *ir.Bin:
			if need[t.ID] {
				need[t.X], need[t.Y] = true, true
			}
		case *ir.Un:
			if need[t.ID] {
				need[t.X] = true
			}
		case *ir.Call:
			if need[t.ID] {
				for _, arg := range t.Args {
					need[arg] = true
				}
			}
		case *ir.If:
			if need[t.ID] {
				need[t.Cond] = true
				need[t.Then.Ret] = true
				need[t.Else.Ret] = true
			}
			propagateNeed(&t.Then, need)
			propagateNeed(&t.Else, need)
		case *ir.Loop:
			if need[t.ID] {
				need[t.Trips] = true
				need[t.Init] = true
				need[t.Carry] = true
				need[t.Body.Ret] = true
			}
			propagateNeed(&t.Body, need)
		}
	}
}

// checkBlock applies rule 2 to every instruction on the differentiated
// path: it must carry an adjoint rule, a declared adjoint, or recursively
// analyze clean.
func (a *Analyzer) checkBlock(fn *ir.Function, b *ir.Block, an *Analysis) error {
	for _, in := range b.Body {
		switch t := in.(type) {
		case *ir.Const, *ir.Un:
			// Const is never active; Neg always has an adjoint.
		case *ir.Bin:
			if !an.onPath(t.ID) {
				continue
			}
			if _, ok := binRules[t.Op]; !ok {
				return errf(NotDifferentiableFunction, fn.Name, t.Pos,
					"operator %s has no adjoint rule", t.Op)
			}
			if _, err := a.caps.Lookup(an.Types[t.ID]); err != nil {
				return errf(NotDifferentiableType, fn.Name, t.Pos,
					"intermediate of type %s %s", an.Types[t.ID], capMsg(err))
			}
		case *ir.Call:
			if err := a.checkCall(fn, t, an); err != nil {
				return err
			}
		case *ir.If:
			if err := a.checkBlock(fn, &t.Then, an); err != nil {
				return err
			}
			if err := a.checkBlock(fn, &t.Else, an); err != nil {
				return err
			}
		case *ir.Loop:
			if err := a.checkBlock(fn, &t.Body, an); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Analyzer) checkCall(fn *ir.Function, t *ir.Call, an *Analysis) error {
	// Every executed call needs a forward implementation, active or not:
	// the primal runs the whole body.
	if a.prog.Func(t.Callee) == nil {
		d := a.prog.Descriptor(t.Callee)
		if d == nil || d.Forward == nil {
			return errf(NotDifferentiableFunction, fn.Name, t.Pos,
				"call to unknown function %q", t.Callee)
		}
	}
	if !an.onPath(t.ID) {
		return nil
	}

	var activeArgs []int
	for i, arg := range t.Args {
		if an.Active[arg] {
			activeArgs = append(activeArgs, i)
		}
	}

	desc := a.prog.Descriptor(t.Callee)
	if desc.HasAdjoint() {
		if desc.Mode != Reverse {
			return errf(NotDifferentiableFunction, fn.Name, t.Pos,
				"callee %q is declared for %s mode", t.Callee, desc.Mode)
		}
		an.calls[t] = &callPlan{desc: desc, activeArgs: activeArgs}
		return nil
	}

	sub, err := a.analyze(t.Callee, activeArgs)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == RecursionUnsupported {
			return errf(RecursionUnsupported, fn.Name, t.Pos,
				"call to %q closes a recursion cycle", t.Callee)
		}
		return errf(NotDifferentiableFunction, fn.Name, t.Pos,
			"call to %q is not differentiable: %s", t.Callee, capMsg(err))
	}
	an.calls[t] = &callPlan{sub: sub, activeArgs: activeArgs}
	return nil
}

// inferTypes assigns a type to every ValueID. The external checker has
// already proven conformance; this only recovers the annotations the
// generators need, so disagreements are reported as structural errors.
func (a *Analyzer) inferTypes(fn *ir.Function) ([]ir.Type, error) {
	types := make([]ir.Type, fn.NumValues)
	for i, p := range fn.Formals() {
		types[i] = p.Type
	}
	if err := a.inferBlock(fn, &fn.Body, types); err != nil {
		return nil, err
	}
	return types, nil
}

func (a *Analyzer) inferBlock(fn *ir.Function, b *ir.Block, types []ir.Type) error {
	for _, in := range b.Body {
		switch t := in.(type) {
		case *ir.Const:
			types[t.ID] = t.Val.Type()
		case *ir.Bin:
			if t.Op.IsComparison() {
				types[t.ID] = ir.Bool
			} else {
				types[t.ID] = types[t.X]
			}
		case *ir.Un:
			types[t.ID] = types[t.X]
		case *ir.Call:
			params, result, ok := a.prog.signature(t.Callee)
			if !ok {
				return errf(NotDifferentiableFunction, fn.Name, t.Pos,
					"call to unknown function %q", t.Callee)
			}
			if len(params) != len(t.Args) {
				return errf(NotDifferentiableFunction, fn.Name, t.Pos,
					"call to %q with %d args, want %d", t.Callee, len(t.Args), len(params))
			}
			types[t.ID] = result
		case *ir.If:
			if err := a.inferBlock(fn, &t.Then, types); err != nil {
				return err
			}
			if err := a.inferBlock(fn, &t.Else, types); err != nil {
				return err
			}
			types[t.ID] = types[t.Then.Ret]
		case *ir.Loop:
			types[t.Carry] = types[t.Init]
			if err := a.inferBlock(fn, &t.Body, types); err != nil {
				return err
			}
			types[t.ID] = types[t.Init]
		}
	}
	return nil
}
