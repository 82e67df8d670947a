package ir

// Builder constructs a Function, allocating the dense ValueID space.
// Formals are allocated first; every emit returns the fresh definition.
type Builder struct {
	fn   *Function
	next ValueID
	cur  *Block
	pos  Pos
}

// NewBuilder starts a function with no receiver.
func NewBuilder(name string, result Type, params ...Param) *Builder {
	return newBuilder(name, nil, result, params)
}

// NewMethodBuilder starts a function with a receiver.
func NewMethodBuilder(name string, recv Param, result Type, params ...Param) *Builder {
	return newBuilder(name, &recv, result, params)
}

func newBuilder(name string, recv *Param, result Type, params []Param) *Builder {
	fn := &Function{
		Name:     name,
		Receiver: recv,
		Params:   params,
		Result:   result,
	}
	b := &Builder{fn: fn}
	b.next = ValueID(fn.NumFormals())
	b.cur = &fn.Body
	return b
}

// Formal returns the ValueID of formal i (receiver first when present).
func (b *Builder) Formal(i int) ValueID { return ValueID(i) }

// At sets the source position stamped on subsequently emitted
// instructions.
func (b *Builder) At(line, column int) *Builder {
	b.pos = Pos{Line: line, Column: column}
	return b
}

func (b *Builder) fresh() ValueID {
	id := b.next
	b.next++
	return id
}

func (b *Builder) emit(in Instr) ValueID {
	b.cur.Body = append(b.cur.Body, in)
	return in.Def()
}

func (b *Builder) Const(v Value) ValueID {
	return b.emit(&Const{ID: b.fresh(), Val: v, Pos: b.pos})
}

func (b *Builder) Bin(op BinOp, x, y ValueID) ValueID {
	return b.emit(&Bin{ID: b.fresh(), Op: op, X: x, Y: y, Pos: b.pos})
}

func (b *Builder) Un(op UnOp, x ValueID) ValueID {
	return b.emit(&Un{ID: b.fresh(), Op: op, X: x, Pos: b.pos})
}

func (b *Builder) Call(callee string, args ...ValueID) ValueID {
	return b.emit(&Call{ID: b.fresh(), Callee: callee, Args: args, Pos: b.pos})
}

// If emits a branch; then and els build the arms and return each arm's
// result value.
func (b *Builder) If(cond ValueID, then, els func(b *Builder) ValueID) ValueID {
	in := &If{ID: b.fresh(), Cond: cond, Pos: b.pos}
	outer := b.cur

	b.cur = &in.Then
	in.Then.Ret = then(b)
	b.cur = &in.Else
	in.Else.Ret = els(b)

	b.cur = outer
	return b.emit(in)
}

// Loop emits a counted loop; body receives the carried value's ID and
// returns the next carry.
func (b *Builder) Loop(trips, init ValueID, body func(b *Builder, carry ValueID) ValueID) ValueID {
	in := &Loop{ID: b.fresh(), Trips: trips, Init: init, Carry: b.fresh(), Pos: b.pos}
	outer := b.cur

	b.cur = &in.Body
	in.Body.Ret = body(b, in.Carry)

	b.cur = outer
	return b.emit(in)
}

// Return sets the function result and finishes construction.
func (b *Builder) Return(id ValueID) *Function {
	b.fn.Body.Ret = id
	b.fn.NumValues = int(b.next)
	return b.fn
}
