package compiler

import (
	"fmt"
	"strings"

	"golang.org/x/tools/container/intsets"

	"github.com/stealthrocket/suspend/ir"
)

// Value is the abstract value of a local slot or an operand stack entry.
// The zero Value is uninitialized.
type Value struct {
	Type ir.Type
}

// Initialized is false for the zero Value.
func (v Value) Initialized() bool { return v.Type != "" }

// Size is the number of stack words occupied by v.
func (v Value) Size() int { return v.Type.Size() }

func (v Value) String() string {
	if !v.Initialized() {
		return "."
	}
	return string(v.Type)
}

// Frame is the abstract state before an instruction.
type Frame struct {
	Locals []Value
	Stack  []Value
}

// StackSize returns the depth of the operand stack in words.
func (f *Frame) StackSize() int {
	n := 0
	for _, v := range f.Stack {
		n += v.Size()
	}
	return n
}

// Clone returns a copy of f sharing no memory with it.
func (f *Frame) Clone() Frame {
	return Frame{
		Locals: append([]Value(nil), f.Locals...),
		Stack:  append([]Value(nil), f.Stack...),
	}
}

func (f *Frame) String() string {
	var b strings.Builder
	for _, v := range f.Locals {
		b.WriteString(v.String())
		b.WriteByte(' ')
	}
	b.WriteString("|")
	for _, v := range f.Stack {
		b.WriteByte(' ')
		b.WriteString(v.String())
	}
	return b.String()
}

// Interpreter defines the abstract semantics of instructions. Execute must
// not modify its input frame.
type Interpreter interface {
	// Execute returns the frame after insn given the frame before it.
	Execute(insn *ir.Insn, in Frame) (Frame, error)

	// Merge joins two initialized values reaching the same instruction.
	// It returns false when the values have no common representation.
	Merge(a, b Value) (Value, bool)
}

// BasicInterpreter tracks the type and initialization state of values.
// Unequal reference types merge to java/lang/Object.
var BasicInterpreter Interpreter = basicInterpreter{}

type basicInterpreter struct{}

func (basicInterpreter) Merge(a, b Value) (Value, bool) {
	switch {
	case a == b:
		return a, true
	case a.Type.IsReference() && b.Type.IsReference():
		return Value{ir.ObjectType}, true
	case a.Type.StackType() == b.Type.StackType():
		return Value{a.Type.StackType()}, true
	}
	return Value{}, false
}

func (basicInterpreter) Execute(insn *ir.Insn, in Frame) (Frame, error) {
	f := in.Clone()

	pop := func() (Value, error) {
		if len(f.Stack) == 0 {
			return Value{}, fmt.Errorf("%s: operand stack underflow", ir.FormatInsn(insn))
		}
		v := f.Stack[len(f.Stack)-1]
		f.Stack = f.Stack[:len(f.Stack)-1]
		return v, nil
	}
	popType := func(t ir.Type) error {
		v, err := pop()
		if err != nil {
			return err
		}
		if !compatible(v.Type, t) {
			return fmt.Errorf("%s: expected %s on the operand stack, found %s", ir.FormatInsn(insn), t, v.Type)
		}
		return nil
	}
	push := func(t ir.Type) {
		if t != ir.VoidType {
			f.Stack = append(f.Stack, Value{t.StackType()})
		}
	}
	local := func(slot int) (*Value, error) {
		if slot < 0 || slot >= len(f.Locals) {
			return nil, fmt.Errorf("%s: local slot %d out of range", ir.FormatInsn(insn), slot)
		}
		return &f.Locals[slot], nil
	}

	switch insn.Op {
	case ir.OpNop, ir.OpLabel, ir.OpLine, ir.OpGoto, ir.OpTrap:
	case ir.OpConst:
		push(insn.Type)
	case ir.OpLoad:
		v, err := local(insn.Var)
		if err != nil {
			return f, err
		}
		if !v.Initialized() {
			return f, fmt.Errorf("%s: read of uninitialized local slot %d", ir.FormatInsn(insn), insn.Var)
		}
		if !compatible(v.Type, insn.Type) {
			return f, fmt.Errorf("%s: local slot %d holds %s", ir.FormatInsn(insn), insn.Var, v.Type)
		}
		push(v.Type)
	case ir.OpStore:
		v, err := pop()
		if err != nil {
			return f, err
		}
		if !compatible(v.Type, insn.Type) {
			return f, fmt.Errorf("%s: expected %s on the operand stack, found %s", ir.FormatInsn(insn), insn.Type, v.Type)
		}
		slot, err := local(insn.Var)
		if err != nil {
			return f, err
		}
		if insn.Type.IsIntLike() && insn.Type != ir.IntType {
			v.Type = insn.Type
		}
		*slot = v
	case ir.OpPop:
		if _, err := pop(); err != nil {
			return f, err
		}
	case ir.OpDup:
		v, err := pop()
		if err != nil {
			return f, err
		}
		f.Stack = append(f.Stack, v, v)
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpRem:
		if err := popType(insn.Type); err != nil {
			return f, err
		}
		if err := popType(insn.Type); err != nil {
			return f, err
		}
		push(insn.Type)
	case ir.OpNeg:
		if err := popType(insn.Type); err != nil {
			return f, err
		}
		push(insn.Type)
	case ir.OpConvert:
		if err := popType(insn.Type); err != nil {
			return f, err
		}
		push(insn.To)
	case ir.OpCheckCast:
		if err := popType(ir.ObjectType); err != nil {
			return f, err
		}
		push(insn.Type)
	case ir.OpBox:
		if err := popType(insn.Type); err != nil {
			return f, err
		}
		push(ir.ObjectType)
	case ir.OpUnbox:
		if err := popType(ir.ObjectType); err != nil {
			return f, err
		}
		push(insn.Type)
	case ir.OpIfEq, ir.OpIfNe, ir.OpTableSwitch:
		if err := popType(ir.IntType); err != nil {
			return f, err
		}
	case ir.OpIfNull, ir.OpIfNonNull, ir.OpThrow:
		if err := popType(ir.ObjectType); err != nil {
			return f, err
		}
	case ir.OpIfCmpEq, ir.OpIfCmpNe, ir.OpIfCmpLt, ir.OpIfCmpGe, ir.OpIfCmpGt, ir.OpIfCmpLe:
		if err := popType(ir.IntType); err != nil {
			return f, err
		}
		if err := popType(ir.IntType); err != nil {
			return f, err
		}
	case ir.OpReturn:
		if insn.Type != ir.VoidType && insn.Type != "" {
			if err := popType(insn.Type); err != nil {
				return f, err
			}
		}
	case ir.OpGetField:
		if err := popType(ir.ObjectTypeOf(insn.Owner)); err != nil {
			return f, err
		}
		push(ir.Type(insn.Desc))
	case ir.OpPutField:
		if err := popType(ir.Type(insn.Desc)); err != nil {
			return f, err
		}
		if err := popType(ir.ObjectTypeOf(insn.Owner)); err != nil {
			return f, err
		}
	case ir.OpNew:
		push(ir.ObjectTypeOf(insn.Owner))
	case ir.OpInvoke:
		mt, err := insn.MethodType()
		if err != nil {
			return f, err
		}
		for i := len(mt.Params) - 1; i >= 0; i-- {
			if err := popType(mt.Params[i]); err != nil {
				return f, err
			}
		}
		if !insn.Static {
			if err := popType(ir.ObjectTypeOf(insn.Owner)); err != nil {
				return f, err
			}
		}
		push(mt.Result)
	default:
		return f, fmt.Errorf("%s: unknown instruction", ir.FormatInsn(insn))
	}
	return f, nil
}

// compatible reports whether a value of type have can be used where a
// value of type want is expected. Reference types are not checked against
// each other: the frontend owns the class hierarchy.
func compatible(have, want ir.Type) bool {
	if have.IsReference() || want.IsReference() {
		return have.IsReference() && want.IsReference()
	}
	return have.StackType() == want.StackType()
}

// Frames holds the result of a dataflow analysis. Frames are indexed by
// instruction handle and are nil for unreachable instructions.
type Frames struct {
	Handles []ir.Handle
	frames  []*Frame
	index   map[ir.Handle]int
}

// Before returns the frame before the instruction h, or nil if h is
// unreachable.
func (f *Frames) Before(h ir.Handle) *Frame {
	i, ok := f.index[h]
	if !ok {
		return nil
	}
	return f.frames[i]
}

// Pos returns the position of h in the analyzed method, or -1.
func (f *Frames) Pos(h ir.Handle) int {
	if i, ok := f.index[h]; ok {
		return i
	}
	return -1
}

// At returns the frame before the i-th instruction.
func (f *Frames) At(i int) *Frame { return f.frames[i] }

// Analyze computes the frame before every instruction of m by forward
// abstract interpretation until a fixed point is reached. owner is the
// class declaring m; it types the receiver slot.
//
// Values reaching an instruction from several predecessors are joined
// with interp.Merge. A local slot whose values cannot be joined becomes
// uninitialized. Operand stacks must agree in depth and have joinable
// values, otherwise a *ConsistencyError is returned. Exception handlers
// start with the locals of every covered instruction and a stack holding
// only the caught exception.
func Analyze(owner string, m *ir.Method, interp Interpreter) (*Frames, error) {
	mt, err := m.Type()
	if err != nil {
		return nil, consistencyError(m.String(), 0, "%v", err)
	}

	handles := m.Code.Handles()
	result := &Frames{
		Handles: handles,
		frames:  make([]*Frame, len(handles)),
		index:   make(map[ir.Handle]int, len(handles)),
	}
	labels := make(map[ir.Label]int)
	for i, h := range handles {
		result.index[h] = i
		if insn := m.Code.At(h); insn.Op == ir.OpLabel {
			labels[insn.Label] = i
		}
	}
	if len(handles) == 0 {
		return result, nil
	}

	target := func(pos int, l ir.Label) (int, error) {
		i, ok := labels[l]
		if !ok {
			return 0, consistencyError(m.String(), pos, "jump to unplaced label %s", l)
		}
		return i, nil
	}

	type handler struct {
		start, end, target int
		caught             Value
	}
	handlers := make([]handler, 0, len(m.TryCatch))
	for _, tc := range m.TryCatch {
		var h handler
		var err error
		if h.start, err = target(0, tc.Start); err != nil {
			return nil, err
		}
		if h.end, err = target(0, tc.End); err != nil {
			return nil, err
		}
		if h.target, err = target(0, tc.Handler); err != nil {
			return nil, err
		}
		h.caught = Value{ir.ThrowableType}
		if tc.Type != "" {
			h.caught = Value{ir.ObjectTypeOf(tc.Type)}
		}
		handlers = append(handlers, h)
	}

	var worklist intsets.Sparse

	merge := func(from, to int, in Frame) error {
		cur := result.frames[to]
		if cur == nil {
			f := in.Clone()
			result.frames[to] = &f
			worklist.Insert(to)
			return nil
		}
		if len(cur.Stack) != len(in.Stack) {
			return consistencyError(m.String(), from, "operand stack height mismatch at instruction %d: %d != %d", to, len(cur.Stack), len(in.Stack))
		}
		changed := false
		for i, v := range in.Stack {
			w, ok := interp.Merge(cur.Stack[i], v)
			if !ok {
				return consistencyError(m.String(), from, "operand stack entry %d at instruction %d cannot merge %s and %s", i, to, cur.Stack[i], v)
			}
			if w != cur.Stack[i] {
				cur.Stack[i], changed = w, true
			}
		}
		for i, v := range in.Locals {
			old := cur.Locals[i]
			if !old.Initialized() {
				continue
			}
			w, ok := Value{}, false
			if v.Initialized() {
				w, ok = interp.Merge(old, v)
			}
			if !ok {
				w = Value{}
			}
			if w != old {
				cur.Locals[i], changed = w, true
			}
		}
		if changed {
			worklist.Insert(to)
		}
		return nil
	}

	entry := Frame{Locals: make([]Value, m.MaxLocals)}
	slot := 0
	if !m.Static() {
		entry.Locals[slot] = Value{ir.ObjectTypeOf(owner)}
		slot++
	}
	for _, p := range mt.Params {
		if slot >= len(entry.Locals) {
			return nil, consistencyError(m.String(), 0, "%d locals cannot hold the method parameters", m.MaxLocals)
		}
		entry.Locals[slot] = Value{p}
		slot++
	}
	if err := merge(0, 0, entry); err != nil {
		return nil, err
	}

	var i int
	for worklist.TakeMin(&i) {
		insn := m.Code.At(handles[i])
		in := result.frames[i]
		out, err := interp.Execute(insn, *in)
		if err != nil {
			return nil, consistencyError(m.String(), i, "%v", err)
		}

		for _, h := range handlers {
			if i < h.start || i >= h.end {
				continue
			}
			for _, locals := range [][]Value{in.Locals, out.Locals} {
				if err := merge(i, h.target, Frame{Locals: locals, Stack: []Value{h.caught}}); err != nil {
					return nil, err
				}
			}
		}

		if insn.Op.IsJump() {
			t, err := target(i, insn.Label)
			if err != nil {
				return nil, err
			}
			if err := merge(i, t, out); err != nil {
				return nil, err
			}
			for _, l := range insn.Labels {
				if t, err = target(i, l); err != nil {
					return nil, err
				}
				if err := merge(i, t, out); err != nil {
					return nil, err
				}
			}
		}
		if insn.Op.FallsThrough() {
			if i+1 == len(handles) {
				return nil, consistencyError(m.String(), i, "control falls off the end of the method")
			}
			if err := merge(i, i+1, out); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}
