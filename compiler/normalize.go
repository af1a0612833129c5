package compiler

import (
	"github.com/stealthrocket/suspend/ir"
)

// normalizeStack makes sure that the operand stack holds nothing but the
// arguments of each suspending call.
//
// Values lying underneath the arguments would be lost when the method
// returns at the suspension point, so they are moved to fresh locals
// before the marker and pushed back after the call, beneath its result:
//
//	stack: a b x      store x, b and a in fresh locals; load x
//	marker            marker
//	call(x)           call(x)
//	                  store the result; load a; load b; load the result
//
// Locals are what the spill planner persists, so after this pass nothing
// live across a suspension is left on the stack.
func normalizeStack(owner string, m *ir.Method, markerOwner string) error {
	var markers []ir.Handle
	for _, h := range m.Code.Handles() {
		if isMarker(m.Code.At(h), markerOwner) {
			markers = append(markers, h)
		}
	}
	if len(markers) == 0 {
		return nil
	}

	frames, err := Analyze(owner, m, BasicInterpreter)
	if err != nil {
		return err
	}

	type edit struct {
		marker, call ir.Handle
		stack        []Value
		args         int
		result       ir.Type
	}
	var edits []edit
	for _, h := range markers {
		f := frames.Before(h)
		call := m.Code.Next(h)
		if f == nil || call == ir.NoHandle || m.Code.At(call).Op != ir.OpInvoke {
			continue // reported by the scanner
		}
		insn := m.Code.At(call)
		mt, err := insn.MethodType()
		if err != nil {
			return consistencyError(m.String(), 0, "%v", err)
		}
		args := len(mt.Params)
		if !insn.Static {
			args++
		}
		if len(f.Stack) <= args {
			continue
		}
		edits = append(edits, edit{
			marker: h,
			call:   call,
			stack:  append([]Value(nil), f.Stack...),
			args:   args,
			result: mt.Result,
		})
	}

	for _, e := range edits {
		slots := make([]int, len(e.stack))
		var before, after []ir.Insn
		for i := len(e.stack) - 1; i >= 0; i-- {
			slots[i] = m.NewLocal()
			before = append(before, ir.Store(e.stack[i].Type, slots[i]))
		}
		saved := len(e.stack) - e.args
		for i := saved; i < len(e.stack); i++ {
			before = append(before, ir.Load(e.stack[i].Type, slots[i]))
		}

		result := -1
		if e.result != ir.VoidType {
			result = m.NewLocal()
			after = append(after, ir.Store(e.result, result))
		}
		for i := 0; i < saved; i++ {
			after = append(after, ir.Load(e.stack[i].Type, slots[i]))
		}
		if result >= 0 {
			after = append(after, ir.Load(e.result, result))
		}

		m.Code.InsertBefore(e.marker, before...)
		m.Code.InsertAfter(e.call, after...)
	}
	return nil
}
