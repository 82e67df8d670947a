// Package ad is the reverse-mode automatic differentiation core. It
// analyzes functions in the tapir IR, synthesizes tape-recording primal
// and tape-consuming adjoint programs for those certified differentiable,
// and resolves the public differential operators from the pair.
package ad

import (
	"fmt"

	"github.com/tapir-lang/tapir/ir"
)

// ErrKind classifies a differentiation diagnostic.
type ErrKind int

const (
	// NotDifferentiableType: a type on the differentiated path has no
	// registered capability.
	NotDifferentiableType ErrKind = iota
	// NotDifferentiableFunction: a specific instruction on the required
	// data-flow path breaks differentiability.
	NotDifferentiableFunction
	// RecursionUnsupported: the function's analysis depends, directly or
	// mutually, on its own unresolved analysis.
	RecursionUnsupported
	// ParameterMaskInvalid: mask index out of range, duplicated, or
	// receiver selected where inapplicable.
	ParameterMaskInvalid
	// CapabilityConflict: a type registered twice with different
	// currencies.
	CapabilityConflict
)

var errKinds = [...]string{
	NotDifferentiableType:     "NotDifferentiableType",
	NotDifferentiableFunction: "NotDifferentiableFunction",
	RecursionUnsupported:      "RecursionUnsupported",
	ParameterMaskInvalid:      "ParameterMaskInvalid",
	CapabilityConflict:        "CapabilityConflict",
}

func (k ErrKind) String() string {
	if k >= 0 && int(k) < len(errKinds) {
		return errKinds[k]
	}
	return fmt.Sprintf("errkind(%d)", int(k))
}

// Error is a structured differentiation diagnostic. It always identifies
// the failing function and, when the failure is an instruction, its
// source position.
type Error struct {
	Kind ErrKind
	Fn   string
	Pos  ir.Pos
	Msg  string
}

func (e *Error) Error() string {
	if e.Pos == (ir.Pos{}) {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Fn, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s: %s", e.Kind, e.Fn, e.Pos, e.Msg)
}

// Is matches on Kind so callers can test with errors.Is(err, KindOf(k)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Fn == "" || t.Fn == e.Fn)
}

// KindOf returns a sentinel matching any *Error of the given kind.
func KindOf(k ErrKind) error {
	return &Error{Kind: k}
}

func errf(kind ErrKind, fn string, pos ir.Pos, format string, args ...any) *Error {
	return &Error{Kind: kind, Fn: fn, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
