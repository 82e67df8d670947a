package ad

import (
	"fmt"

	"github.com/tapir-lang/tapir/ir"
)

// Adjoint is the synthesized backward counterpart of a certified
// function. It consumes the Tape of the matching primal run strictly in
// reverse and accumulates one derivative per masked parameter. Once the
// analyzer has certified the pair it cannot fail at the value level.
type Adjoint struct {
	an *Analysis
	s  *synth
}

func (s *synth) adjoint(an *Analysis) *Adjoint {
	return &Adjoint{an: an, s: s}
}

// Run propagates seed backward through the recorded computation and
// returns the accumulated adjoints in masked-parameter order.
func (adj *Adjoint) Run(tape *Tape, args []ir.Value, result ir.Value, seed ir.Value) []ir.Value {
	an := adj.an
	if an.Desc != nil {
		return adj.runDeclared(tape, args, result, seed)
	}

	fn := an.Fn
	acc := make([]ir.Value, fn.NumValues)
	adj.accumulate(acc, fn.Body.Ret, seed)
	adj.backBlock(&fn.Body, acc, tape)

	out := make([]ir.Value, len(an.Mask))
	for i, m := range an.Mask {
		if acc[m] != nil {
			out[i] = acc[m]
			continue
		}
		out[i] = adj.zeroLike(an.FormalTypes[m], args[m])
	}
	return out
}

// runDeclared invokes a user-declared adjoint, routing its per-argument
// contributions to the masked parameters.
func (adj *Adjoint) runDeclared(tape *Tape, args []ir.Value, result ir.Value, seed ir.Value) []ir.Value {
	d := adj.an.Desc
	var saved []ir.Value
	if d.NeedsTape {
		saved = consumeAs[*OpRecord](tape).Saved
	}
	contribs := d.Adjoint(args, result, saved, seed)

	out := make([]ir.Value, len(adj.an.Mask))
	for i, m := range adj.an.Mask {
		if m < len(contribs) && contribs[m] != nil && d.participates(m) {
			out[i] = contribs[m]
			continue
		}
		out[i] = adj.zeroLike(adj.an.FormalTypes[m], args[m])
	}
	return out
}

// backBlock walks a block in reverse, consuming this scope's records and
// merging contributions into acc. Only instructions on the
// differentiated path have adjoint steps; everything else was recorded
// nowhere and is skipped here, keeping append and consume counts equal.
func (adj *Adjoint) backBlock(b *ir.Block, acc []ir.Value, tape *Tape) {
	an := adj.an
	for i := len(b.Body) - 1; i >= 0; i-- {
		switch t := b.Body[i].(type) {
		case *ir.Const:

		case *ir.Bin:
			if t.Op.IsComparison() || !an.onPath(t.ID) {
				continue
			}
			rule := binRules[t.Op]
			var saved binSaved
			if rule.save != saveNothing {
				saved = unpackSaved(rule.save, consumeAs[*OpRecord](tape).Saved)
			}
			seed := acc[t.ID]
			if seed == nil {
				continue
			}
			dx, dy := rule.back(saved, seed)
			if an.Active[t.X] {
				adj.accumulate(acc, t.X, dx)
			}
			if an.Active[t.Y] {
				adj.accumulate(acc, t.Y, dy)
			}

		case *ir.Un:
			if !an.onPath(t.ID) || acc[t.ID] == nil {
				continue
			}
			if an.Active[t.X] {
				adj.accumulate(acc, t.X, unBack(t.Op, acc[t.ID]))
			}

		case *ir.Call:
			plan := an.calls[t]
			if plan == nil {
				continue
			}
			rec := consumeAs[*CallRecord](tape)
			seed := acc[t.ID]
			if seed == nil {
				continue
			}
			adj.backCall(t, plan, rec, seed, acc)

		case *ir.If:
			if !an.onPath(t.ID) {
				continue
			}
			frame := consumeAs[*FrameRecord](tape).Frame
			branch := consumeAs[*BranchRecord](tape)
			blk := &t.Else
			if branch.Then {
				blk = &t.Then
			}
			// Only the taken arm's adjoint replays; the untaken arm's
			// adjoint code never executes.
			if acc[t.ID] != nil {
				adj.accumulate(acc, blk.Ret, acc[t.ID])
			}
			adj.backBlock(blk, acc, frame)

		case *ir.Loop:
			if !an.onPath(t.ID) {
				continue
			}
			adj.backLoop(t, acc, tape)

		default:
			panic(fmt.Sprintf("ad: unhandled instruction type %T", t))
		}
	}
}

// backCall routes a differentiated call's contributions to its argument
// accumulators.
func (adj *Adjoint) backCall(t *ir.Call, plan *callPlan, rec *CallRecord, seed ir.Value, acc []ir.Value) {
	an := adj.an
	if plan.desc != nil {
		contribs := plan.desc.Adjoint(rec.Args, rec.Result, rec.Saved, seed)
		for i, arg := range t.Args {
			if i >= len(contribs) || contribs[i] == nil {
				continue
			}
			if an.Active[arg] && plan.desc.participates(i) {
				adj.accumulate(acc, arg, contribs[i])
			}
		}
		return
	}
	sub := adj.s.adjoint(plan.sub)
	dargs := sub.Run(rec.Frame, rec.Args, rec.Result, seed)
	for k, pos := range plan.sub.Mask {
		adj.accumulate(acc, t.Args[pos], dargs[k])
	}
}

// backLoop replays the body adjoint once per recorded iteration, last
// iteration first, threading the carried value's adjoint.
func (adj *Adjoint) backLoop(t *ir.Loop, acc []ir.Value, tape *Tape) {
	an := adj.an
	locals := blockDefs(&t.Body, []ir.ValueID{t.Carry})

	dcarry := acc[t.ID]
	frames := 0
	for {
		rec := tape.Consume()
		if trips, ok := rec.(*TripsRecord); ok {
			if trips.N != frames {
				panic(fmt.Sprintf("ad: loop recorded %d trips but %d iteration frames", trips.N, frames))
			}
			break
		}
		frame, ok := rec.(*FrameRecord)
		if !ok {
			panic(fmt.Sprintf("ad: tape out of sync: want iteration frame, got %T", rec))
		}
		frames++

		// Iteration-local accumulators reset; contributions to outer
		// values keep accumulating across iterations.
		for _, id := range locals {
			acc[id] = nil
		}
		if dcarry != nil {
			adj.accumulate(acc, t.Body.Ret, dcarry)
		}
		adj.backBlock(&t.Body, acc, frame.Frame)
		dcarry = acc[t.Carry]
	}

	if dcarry != nil && an.Active[t.Init] {
		adj.accumulate(acc, t.Init, dcarry)
	}
	for _, id := range locals {
		acc[id] = nil
	}
}

// blockDefs collects every ValueID a block (and its nested blocks)
// defines, plus extra.
func blockDefs(b *ir.Block, extra []ir.ValueID) []ir.ValueID {
	ids := append([]ir.ValueID(nil), extra...)
	for _, in := range b.Body {
		ids = append(ids, in.Def())
		switch t := in.(type) {
		case *ir.If:
			ids = blockDefs(&t.Then, ids)
			ids = blockDefs(&t.Else, ids)
		case *ir.Loop:
			ids = blockDefs(&t.Body, append(ids, t.Carry))
		}
	}
	return ids
}

// accumulate merges a contribution into acc[id] with the value type's
// combine operator; fan-in order must not matter, which the registry's
// commutativity requirement guarantees.
func (adj *Adjoint) accumulate(acc []ir.Value, id ir.ValueID, v ir.Value) {
	if acc[id] == nil {
		acc[id] = v
		return
	}
	cp, err := adj.s.caps.Lookup(adj.an.Types[id])
	if err != nil {
		panic(fmt.Sprintf("ad: no capability for certified value type %s", adj.an.Types[id]))
	}
	acc[id] = cp.Combine(acc[id], v)
}

// zeroLike builds the zero adjoint for a parameter no derivative reached.
func (adj *Adjoint) zeroLike(t ir.Type, like ir.Value) ir.Value {
	cp, err := adj.s.caps.Lookup(t)
	if err != nil {
		panic(fmt.Sprintf("ad: no capability for certified parameter type %s", t))
	}
	return cp.Zero(like)
}
