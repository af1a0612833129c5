package compiler

import (
	"github.com/stealthrocket/suspend/ir"
)

// CorruptedStateMessage is the fault raised when a continuation is entered
// with a state tag that matches no suspension point.
const CorruptedStateMessage = "corrupted continuation state"

// generateDispatcher prepends the dispatch table of the state machine to m.
//
// The state tag selects where execution starts when the method is entered:
// tag 0 is the original entry and tag k the resumption label of the k-th
// suspension point. Any other tag jumps to a trap appended to the end of
// the method, so that a corrupted continuation fails loudly instead of
// resuming at an arbitrary point.
func generateDispatcher(m *ir.Method, owner string, resume []ir.Label) {
	start := m.Code.NewLabel()
	trap := m.Code.NewLabel()

	targets := make([]ir.Label, 0, len(resume)+1)
	targets = append(targets, start)
	targets = append(targets, resume...)

	m.Code.InsertAfter(ir.NoHandle,
		ir.Load(ir.ObjectTypeOf(owner), ir.ReceiverSlot),
		ir.GetField(owner, StateField, ir.IntType),
		ir.TableSwitch(0, int32(len(resume)), trap, targets...),
		ir.Mark(start),
	)
	m.Code.Append(ir.Mark(trap))
	m.Code.Append(ir.Trap(CorruptedStateMessage))
}
