package ad

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tapir-lang/tapir/ir"
)

// OperatorKind selects the public differential operator being resolved.
type OperatorKind int

const (
	OpCanonical OperatorKind = iota
	OpGradient
	OpValueAndGradient
)

var opKinds = [...]string{
	OpCanonical:        "canonical",
	OpGradient:         "gradient",
	OpValueAndGradient: "value-and-gradient",
}

func (k OperatorKind) String() string {
	if k >= 0 && int(k) < len(opKinds) {
		return opKinds[k]
	}
	return fmt.Sprintf("operator(%d)", int(k))
}

// Mask selects which parameters (and optionally the receiver)
// differentiation is with respect to. A zero Mask means all parameters,
// receiver excluded.
type Mask struct {
	Receiver bool
	Params   []int
}

func (m Mask) String() string {
	parts := make([]string, 0, len(m.Params)+1)
	if m.Receiver {
		parts = append(parts, "recv")
	}
	for _, p := range m.Params {
		parts = append(parts, fmt.Sprintf("%d", p))
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, ",")
}

// CanonicalFn runs the primal, feeds its outputs plus a caller-supplied
// seed into the adjoint, and returns the original result along with one
// adjoint per masked parameter.
type CanonicalFn func(args []ir.Value, seed ir.Value) (ir.Value, []ir.Value)

// GradientFn is the finalized gradient: canonical with the currency's
// multiplicative identity as seed, original result discarded.
type GradientFn func(args []ir.Value) []ir.Value

// ValueAndGradientFn returns both the original result and the adjoints.
type ValueAndGradientFn func(args []ir.Value) (ir.Value, []ir.Value)

// Engine resolves differential operators over a program. Resolution of a
// (function, mask, mode, operator) key runs at most once process-wide;
// concurrent requesters for the same key wait for and reuse the
// in-flight result.
type Engine struct {
	prog     *Program
	caps     *Capabilities
	analyzer *Analyzer
	synth    *synth
	log      *zap.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]*resolved

	resolutions atomic.Int64 // resolution computations actually run
}

type resolved struct {
	an        *Analysis
	canonical CanonicalFn
	resultCap Capability
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger installs a logger for resolution-pipeline debug logs.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func NewEngine(prog *Program, caps *Capabilities, opts ...Option) *Engine {
	e := &Engine{
		prog:  prog,
		caps:  caps,
		log:   zap.NewNop(),
		cache: make(map[string]*resolved),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.analyzer = NewAnalyzer(prog, caps)
	e.synth = newSynth(prog, caps)
	return e
}

// Canonical resolves the seedable gradient operator for (fn, mask).
func (e *Engine) Canonical(fn string, mask Mask) (CanonicalFn, error) {
	r, err := e.resolve(fn, mask, OpCanonical)
	if err != nil {
		return nil, err
	}
	return r.canonical, nil
}

// Gradient resolves the finalized gradient operator: seed fixed to the
// result currency's multiplicative identity, original result discarded.
func (e *Engine) Gradient(fn string, mask Mask) (GradientFn, error) {
	r, err := e.resolve(fn, mask, OpGradient)
	if err != nil {
		return nil, err
	}
	return func(args []ir.Value) []ir.Value {
		res, tape := e.synth.primal(r.an).Run(args)
		seed := r.resultCap.Seed(1, res)
		return e.synth.adjoint(r.an).Run(tape, args, res, seed)
	}, nil
}

// ValueAndGradient resolves the operator returning both components.
func (e *Engine) ValueAndGradient(fn string, mask Mask) (ValueAndGradientFn, error) {
	r, err := e.resolve(fn, mask, OpValueAndGradient)
	if err != nil {
		return nil, err
	}
	return func(args []ir.Value) (ir.Value, []ir.Value) {
		res, tape := e.synth.primal(r.an).Run(args)
		seed := r.resultCap.Seed(1, res)
		return res, e.synth.adjoint(r.an).Run(tape, args, res, seed)
	}, nil
}

// resolve validates the mask, then computes or reuses the certified pair
// for the request key. Every diagnostic surfaces here, at request time;
// the returned callables cannot fail.
func (e *Engine) resolve(fn string, mask Mask, kind OperatorKind) (*resolved, error) {
	// Mask validation precedes analysis: an invalid mask must never
	// reach the analyzer.
	formalMask, err := e.formalMask(fn, mask)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s|%s|%s|%s", fn, maskKey("", formalMask), Reverse, kind)
	e.mu.RLock()
	if r, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		e.log.Debug("operator cache hit", zap.String("fn", fn), zap.String("key", key))
		return r, nil
	}
	e.mu.RUnlock()

	v, err, _ := e.group.Do(key, func() (any, error) {
		e.mu.RLock()
		r, ok := e.cache[key]
		e.mu.RUnlock()
		if ok {
			return r, nil
		}
		r, err := e.resolveKey(fn, formalMask, kind)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[key] = r
		e.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*resolved), nil
}

func (e *Engine) resolveKey(fn string, formalMask []int, kind OperatorKind) (*resolved, error) {
	e.resolutions.Add(1)
	log := e.log.With(zap.String("fn", fn), zap.Ints("mask", formalMask), zap.Stringer("operator", kind))

	log.Debug("analyzing")
	an, err := e.analyzer.Analyze(fn, formalMask)
	if err != nil {
		log.Debug("analysis rejected", zap.Error(err))
		return nil, err
	}

	resultCap, err := e.caps.Lookup(an.Result)
	if err != nil {
		return nil, err
	}

	log.Debug("synthesizing primal and adjoint")
	primal := e.synth.primal(an)
	adjoint := e.synth.adjoint(an)

	r := &resolved{
		an:        an,
		resultCap: resultCap,
		canonical: func(args []ir.Value, seed ir.Value) (ir.Value, []ir.Value) {
			res, tape := primal.Run(args)
			return res, adjoint.Run(tape, args, res, seed)
		},
	}
	log.Debug("operator resolved")
	return r, nil
}

// formalMask validates a request mask against the signature and lowers
// it to formal indices (receiver first).
func (e *Engine) formalMask(fn string, mask Mask) ([]int, error) {
	params, _, ok := e.prog.signature(fn)
	if !ok {
		return nil, errf(NotDifferentiableFunction, fn, ir.Pos{},
			"function %q has neither an IR body nor a differentiability declaration", fn)
	}

	hasRecv := false
	if f := e.prog.Func(fn); f != nil && f.Receiver != nil {
		hasRecv = true
	}
	nParams := len(params)
	if hasRecv {
		nParams--
	}
	offset := 0
	if hasRecv {
		offset = 1
	}

	if mask.Receiver && !hasRecv {
		return nil, errf(ParameterMaskInvalid, fn, ir.Pos{},
			"mask selects the receiver but %q has none", fn)
	}

	var formals []int
	if mask.Receiver {
		formals = append(formals, 0)
	}
	if mask.Params == nil && !mask.Receiver {
		for i := 0; i < nParams; i++ {
			formals = append(formals, i+offset)
		}
		return formals, nil
	}
	seen := make(map[int]struct{})
	for _, p := range mask.Params {
		if p < 0 || p >= nParams {
			return nil, errf(ParameterMaskInvalid, fn, ir.Pos{},
				"mask index %d out of range for %d parameters", p, nParams)
		}
		if _, dup := seen[p]; dup {
			return nil, errf(ParameterMaskInvalid, fn, ir.Pos{},
				"mask index %d selected twice", p)
		}
		seen[p] = struct{}{}
		formals = append(formals, p+offset)
	}
	if len(formals) == 0 {
		return nil, errf(ParameterMaskInvalid, fn, ir.Pos{},
			"mask selects no parameters")
	}
	sort.Ints(formals)
	return formals, nil
}
