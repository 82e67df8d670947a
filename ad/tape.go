package ad

import (
	"fmt"

	"github.com/tapir-lang/tapir/ir"
)

// Record is one checkpoint: the minimal values an adjoint step will
// consume, or a control-flow decision the adjoint must replay.
type Record interface {
	record()
}

// OpRecord checkpoints one arithmetic or primitive step. Saved holds
// exactly what the step's adjoint rule declared it needs — never more.
type OpRecord struct {
	Saved []ir.Value
}

func (*OpRecord) record() {}

// BranchRecord checkpoints which arm a branch took.
type BranchRecord struct {
	Then bool
}

func (*BranchRecord) record() {}

// TripsRecord checkpoints a loop's trip count.
type TripsRecord struct {
	N int
}

func (*TripsRecord) record() {}

// FrameRecord wraps a nested scope's own tape: one frame per loop
// iteration. Nesting frames keeps sibling scopes' records from
// interleaving, so inner loops with differing trip counts stay
// self-delimiting.
type FrameRecord struct {
	Frame *Tape
}

func (*FrameRecord) record() {}

// CallRecord checkpoints a differentiated call: the original arguments
// and result the callee's adjoint requires, plus either the callee's own
// tape (composite callees) or the checkpoints its declared primal saved
// (declared pairs with NeedsTape).
type CallRecord struct {
	Args   []ir.Value
	Result ir.Value
	Frame  *Tape
	Saved  []ir.Value
}

func (*CallRecord) record() {}

// Tape is the checkpoint store bridging one primal run to its matching
// adjoint run: append-only while the primal executes, consumed strictly
// in reverse by the adjoint, owned by exactly one invocation pair.
type Tape struct {
	records  []Record
	appended int
	consumed int
}

func NewTape() *Tape {
	return &Tape{}
}

// Append records a checkpoint. Only the primal calls this.
func (t *Tape) Append(r Record) {
	t.records = append(t.records, r)
	t.appended++
}

// Consume pops the most recent unconsumed record. Tape symmetry is an
// engine invariant: the adjoint of a certified function consumes exactly
// what its primal appended, so running dry is a bug, not an error.
func (t *Tape) Consume() Record {
	if len(t.records) == 0 {
		panic("ad: tape consumed past its first record")
	}
	r := t.records[len(t.records)-1]
	t.records = t.records[:len(t.records)-1]
	t.consumed++
	return r
}

// Len is the number of unconsumed records.
func (t *Tape) Len() int { return len(t.records) }

// Appends is the lifetime append count.
func (t *Tape) Appends() int { return t.appended }

// Consumes is the lifetime consume count.
func (t *Tape) Consumes() int { return t.consumed }

// DeepAppends counts appends including nested frames, for symmetry
// checking across scopes.
func (t *Tape) DeepAppends() int {
	n := t.appended
	for _, r := range t.records {
		switch fr := r.(type) {
		case *FrameRecord:
			n += fr.Frame.DeepAppends()
		case *CallRecord:
			if fr.Frame != nil {
				n += fr.Frame.DeepAppends()
			}
		}
	}
	return n
}

// consumeAs pops the next record, asserting its kind. A mismatch means
// primal and adjoint walked the body differently, which certification
// rules out.
func consumeAs[R Record](t *Tape) R {
	rec := t.Consume()
	r, ok := rec.(R)
	if !ok {
		panic(fmt.Sprintf("ad: tape out of sync: want %T, got %T", r, rec))
	}
	return r
}
