package compiler

import (
	"github.com/stealthrocket/suspend/ir"
)

// StateField is the name of the continuation field holding the state tag:
// zero before the first suspension, the ID of the suspension point the
// method is parked at afterwards.
const StateField = "label"

// transformCall rewrites the call of suspension point p so that the method
// returns right after it and resumes at a new label:
//
//	aload 0; iconst ID; putfield label I
//	call (result narrowed to void)
//	return
//	Lresume:
//	(restored locals, inserted before anchor by the spill plan)
//	aload 2; ifnull Lvalue
//	aload 2; aconst_null; astore 2; athrow
//	Lvalue:
//	aload 1; checkcast or unbox to the original result type
//	anchor
//
// It returns the resumption label.
func transformCall(m *ir.Method, owner string, p SuspensionPoint, anchor ir.Handle) (ir.Label, error) {
	call := m.Code.At(p.Call)
	mt, err := call.MethodType()
	if err != nil {
		return ir.NoLabel, consistencyError(m.String(), 0, "%v", err)
	}
	result := mt.Result
	call.Desc = mt.WithResult(ir.VoidType).String()

	self := ir.ObjectTypeOf(owner)
	m.Code.InsertBefore(p.Call,
		ir.Load(self, ir.ReceiverSlot),
		ir.IntConst(int32(p.ID)),
		ir.PutField(owner, StateField, ir.IntType),
	)

	resume := m.Code.NewLabel()
	m.Code.InsertAfter(p.Call,
		ir.Return(ir.VoidType),
		ir.Mark(resume),
	)

	value := m.Code.NewLabel()
	check := []ir.Insn{
		ir.Load(ir.ThrowableType, ir.ExceptionSlot),
		ir.IfNull(value),
		ir.Load(ir.ThrowableType, ir.ExceptionSlot),
		ir.Null(),
		ir.Store(ir.ThrowableType, ir.ExceptionSlot),
		ir.Throw(),
		ir.Mark(value),
	}
	switch {
	case result == ir.VoidType:
	case result.IsReference():
		check = append(check, ir.Load(ir.ObjectType, ir.ValueSlot))
		if result != ir.ObjectType {
			check = append(check, ir.CheckCast(result))
		}
	default:
		check = append(check,
			ir.Load(ir.ObjectType, ir.ValueSlot),
			ir.Unbox(result),
		)
	}
	m.Code.InsertBefore(anchor, check...)
	return resume, nil
}
