package ad

import (
	"fmt"

	"github.com/tapir-lang/tapir/ir"
)

// synth builds the primal and adjoint counterparts of certified
// functions. It is pure over the program, capability table, and the
// analyses it is handed; compiled programs are shared by analysis
// identity.
type synth struct {
	prog *Program
	caps *Capabilities
}

func newSynth(prog *Program, caps *Capabilities) *synth {
	return &synth{prog: prog, caps: caps}
}

// Primal is the synthesized forward counterpart of a certified function:
// it computes the original result while appending to a fresh Tape
// exactly the checkpoints the matching adjoint will consume. Apart from
// tape growth it is referentially transparent.
type Primal struct {
	an *Analysis
	s  *synth
}

func (s *synth) primal(an *Analysis) *Primal {
	return &Primal{an: an, s: s}
}

// Run executes the primal. The returned Tape is owned by the single
// matching adjoint invocation.
func (p *Primal) Run(args []ir.Value) (ir.Value, *Tape) {
	tape := NewTape()
	res := p.runInto(args, tape)
	return res, tape
}

func (p *Primal) runInto(args []ir.Value, tape *Tape) ir.Value {
	an := p.an
	if an.Desc != nil {
		// Declared pair: the primal is the function itself, with
		// checkpoints only when the declared adjoint asked for them.
		d := an.Desc
		if d.Primal != nil {
			res, saved := d.Primal(args)
			if d.NeedsTape {
				tape.Append(&OpRecord{Saved: saved})
			}
			return res
		}
		return d.Forward(args)
	}

	env := make([]ir.Value, an.Fn.NumValues)
	copy(env, args)
	p.s.runBlock(an, &an.Fn.Body, env, tape)
	return env[an.Fn.Body.Ret]
}

// runBlock executes a block in original evaluation order. With a non-nil
// analysis it records checkpoints for instructions on the differentiated
// path; with an == nil it is the plain forward evaluator used for calls
// no derivative flows through.
func (s *synth) runBlock(an *Analysis, b *ir.Block, env []ir.Value, tape *Tape) {
	for _, in := range b.Body {
		switch t := in.(type) {
		case *ir.Const:
			env[t.ID] = t.Val

		case *ir.Bin:
			if t.Op.IsComparison() {
				env[t.ID] = vCompare(t.Op, env[t.X], env[t.Y])
				continue
			}
			env[t.ID] = evalBin(t.Op, env[t.X], env[t.Y])
			if an != nil && an.onPath(t.ID) {
				if rule := binRules[t.Op]; rule.save != saveNothing {
					tape.Append(&OpRecord{Saved: packSaved(rule.save, env[t.X], env[t.Y], env[t.ID])})
				}
			}

		case *ir.Un:
			env[t.ID] = evalUn(t.Op, env[t.X])

		case *ir.Call:
			argv := make([]ir.Value, len(t.Args))
			for i, a := range t.Args {
				argv[i] = env[a]
			}
			var plan *callPlan
			if an != nil {
				plan = an.calls[t]
			}
			env[t.ID] = s.runCall(t.Callee, plan, argv, tape)

		case *ir.If:
			taken := bool(env[t.Cond].(ir.BoolVal))
			blk := &t.Else
			if taken {
				blk = &t.Then
			}
			if an != nil && an.onPath(t.ID) {
				// Branch tag first, then the taken arm's own frame, so
				// the untaken arm leaves no trace at all.
				tape.Append(&BranchRecord{Then: taken})
				frame := NewTape()
				s.runBlock(an, blk, env, frame)
				tape.Append(&FrameRecord{Frame: frame})
			} else {
				s.runBlock(an, blk, env, tape)
			}
			env[t.ID] = env[blk.Ret]

		case *ir.Loop:
			trips := tripCount(env[t.Trips])
			carry := env[t.Init]
			if an != nil && an.onPath(t.ID) {
				tape.Append(&TripsRecord{N: trips})
				for i := 0; i < trips; i++ {
					env[t.Carry] = carry
					frame := NewTape()
					s.runBlock(an, &t.Body, env, frame)
					tape.Append(&FrameRecord{Frame: frame})
					carry = env[t.Body.Ret]
				}
			} else {
				for i := 0; i < trips; i++ {
					env[t.Carry] = carry
					s.runBlock(an, &t.Body, env, tape)
					carry = env[t.Body.Ret]
				}
			}
			env[t.ID] = carry

		default:
			panic(fmt.Sprintf("ad: unhandled instruction type %T", in))
		}
	}
}

// runCall dispatches a call site. With a plan, derivatives flow through
// the call and the checkpoint carries what its adjoint consumes; without
// one only the forward value is computed.
func (s *synth) runCall(callee string, plan *callPlan, argv []ir.Value, tape *Tape) ir.Value {
	if plan == nil {
		return s.forward(callee, argv)
	}
	if plan.desc != nil {
		d := plan.desc
		var res ir.Value
		var saved []ir.Value
		if d.Primal != nil {
			res, saved = d.Primal(argv)
			if !d.NeedsTape {
				saved = nil
			}
		} else {
			res = d.Forward(argv)
		}
		tape.Append(&CallRecord{Args: argv, Result: res, Saved: saved})
		return res
	}
	sub := s.primal(plan.sub)
	res, frame := sub.Run(argv)
	tape.Append(&CallRecord{Args: argv, Result: res, Frame: frame})
	return res
}

// forward evaluates a call no derivative flows through.
func (s *synth) forward(callee string, argv []ir.Value) ir.Value {
	if fn := s.prog.Func(callee); fn != nil {
		env := make([]ir.Value, fn.NumValues)
		copy(env, argv)
		s.runBlock(nil, &fn.Body, env, nil)
		return env[fn.Body.Ret]
	}
	d := s.prog.Descriptor(callee)
	if d != nil && d.Forward != nil {
		return d.Forward(argv)
	}
	if d != nil && d.Primal != nil {
		res, _ := d.Primal(argv)
		return res
	}
	panic(fmt.Sprintf("ad: no forward implementation for %q", callee))
}

func evalBin(op ir.BinOp, x, y ir.Value) ir.Value {
	switch op {
	case ir.Add:
		return vAdd(x, y)
	case ir.Sub:
		return vSub(x, y)
	case ir.Mul:
		return vMul(x, y)
	case ir.Div:
		return vDiv(x, y)
	}
	panic(fmt.Sprintf("ad: unhandled binary operator %s", op))
}

func evalUn(op ir.UnOp, x ir.Value) ir.Value {
	if op == ir.Neg {
		return vNeg(x)
	}
	panic(fmt.Sprintf("ad: unhandled unary operator %s", op))
}

// packSaved stores the declared save set in x, y, out order.
func packSaved(set saveSet, x, y, out ir.Value) []ir.Value {
	var saved []ir.Value
	if set&saveX != 0 {
		saved = append(saved, x)
	}
	if set&saveY != 0 {
		saved = append(saved, y)
	}
	if set&saveOut != 0 {
		saved = append(saved, out)
	}
	return saved
}

// unpackSaved is the inverse of packSaved.
func unpackSaved(set saveSet, saved []ir.Value) binSaved {
	var s binSaved
	i := 0
	if set&saveX != 0 {
		s.x = saved[i]
		i++
	}
	if set&saveY != 0 {
		s.y = saved[i]
		i++
	}
	if set&saveOut != 0 {
		s.out = saved[i]
	}
	return s
}

func tripCount(v ir.Value) int {
	n, ok := v.(ir.Int64)
	if !ok {
		panic(fmt.Sprintf("ad: loop trip count must be I64, got %s", v.Type()))
	}
	if n < 0 {
		return 0
	}
	return int(n)
}
