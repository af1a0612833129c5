package compiler

import (
	"sort"
	"strconv"

	"github.com/stealthrocket/suspend/ir"
)

// firstSpillSlot is the lowest local slot persisted across suspensions;
// the receiver and the two resumption carriers come before it.
const firstSpillSlot = ir.ExceptionSlot + 1

// Spill is a local slot persisted across a suspension point.
type Spill struct {
	Slot int
	// Type is the dataflow type of the slot before the call. It is
	// restored with a cast when it differs from the storage type.
	Type ir.Type
	// Normalized is the storage type of the slot.
	Normalized ir.Type
	// Ordinal is the index of the slot among the spills of the same
	// normalized type at the same point.
	Ordinal int
}

// Field is the name of the continuation field holding the spilled value.
func (s Spill) Field() string { return spillField(s.Normalized, s.Ordinal) }

// spillField names storage fields after the first character of their
// descriptor: L$0, I$0, J$1, ...
func spillField(t ir.Type, ordinal int) string {
	return string(t[0]) + "$" + strconv.Itoa(ordinal)
}

// plannedSpill is the deferred edit for one suspension point: stores go
// before the call, loads go before anchor, the instruction that followed
// the call in the original code.
type plannedSpill struct {
	point  SuspensionPoint
	anchor ir.Handle
	spills []Spill
}

// spillPlan is the result of planning spills for all the suspension points
// of a method. counts holds, for each normalized type, the number of fields
// needed by the point that needs the most.
type spillPlan struct {
	edits  []plannedSpill
	counts map[ir.Type]int
}

// add folds the spills of one more point into the plan.
func (p spillPlan) add(edit plannedSpill) spillPlan {
	counts := make(map[ir.Type]int, len(p.counts)+1)
	for t, n := range p.counts {
		counts[t] = n
	}
	for _, s := range edit.spills {
		if s.Ordinal+1 > counts[s.Normalized] {
			counts[s.Normalized] = s.Ordinal + 1
		}
	}
	return spillPlan{
		edits:  append(p.edits[:len(p.edits):len(p.edits)], edit),
		counts: counts,
	}
}

// anchor returns the instruction that followed the call of point id.
func (p *spillPlan) anchor(id int) ir.Handle {
	return p.edits[id-1].anchor
}

// fields returns the storage fields to declare, ordered by type and ordinal.
func (p *spillPlan) fields() []ir.Field {
	types := make([]ir.Type, 0, len(p.counts))
	for t := range p.counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var fields []ir.Field
	for _, t := range types {
		for i := 0; i < p.counts[t]; i++ {
			fields = append(fields, ir.Field{
				Access: ir.AccPrivate | ir.AccVolatile,
				Name:   spillField(t, i),
				Type:   t,
			})
		}
	}
	return fields
}

// planSpills computes the locals to persist at each suspension point. It
// does not modify m, so that the frames stay valid until all points are
// planned.
func planSpills(m *ir.Method, points []SuspensionPoint, frames *Frames) (spillPlan, error) {
	var plan spillPlan
	for _, p := range points {
		edit, err := planPoint(m, p, frames)
		if err != nil {
			return spillPlan{}, err
		}
		plan = plan.add(edit)
	}
	return plan, nil
}

func planPoint(m *ir.Method, p SuspensionPoint, frames *Frames) (plannedSpill, error) {
	edit := plannedSpill{point: p, anchor: m.Code.Next(p.Call)}
	pos := frames.Pos(p.Call)

	before := frames.Before(p.Call)
	if before == nil {
		return edit, nil // unreachable
	}

	mt, err := m.Code.At(p.Call).MethodType()
	if err != nil {
		return edit, consistencyError(m.String(), pos, "%v", err)
	}
	if edit.anchor == ir.NoHandle {
		return edit, consistencyError(m.String(), pos, "suspension point %d is the last instruction", p.ID)
	}
	if after := frames.Before(edit.anchor); after == nil || after.StackSize() != mt.Result.Size() {
		depth := -1
		if after != nil {
			depth = after.StackSize()
		}
		return edit, consistencyError(m.String(), pos,
			"operand stack after suspension point %d holds %d words, expected %d", p.ID, depth, mt.Result.Size())
	}

	ordinals := make(map[ir.Type]int)
	for slot := firstSpillSlot; slot < len(before.Locals); slot++ {
		v := before.Locals[slot]
		if !v.Initialized() {
			continue
		}
		t := v.Type.Normalize()
		edit.spills = append(edit.spills, Spill{
			Slot:       slot,
			Type:       v.Type,
			Normalized: t,
			Ordinal:    ordinals[t],
		})
		ordinals[t]++
	}
	return edit, nil
}

// apply inserts the planned stores and loads. Loads are placed before the
// anchor so that the call-site transformer ends up putting them right after
// the resumption label.
func (p *spillPlan) apply(m *ir.Method, owner string) {
	for _, edit := range p.edits {
		if len(edit.spills) == 0 {
			continue
		}
		var stores, loads []ir.Insn
		for _, s := range edit.spills {
			stores = append(stores,
				ir.Load(ir.ObjectTypeOf(owner), ir.ReceiverSlot),
				ir.Load(s.Type, s.Slot),
				ir.PutField(owner, s.Field(), s.Normalized),
			)
			loads = append(loads,
				ir.Load(ir.ObjectTypeOf(owner), ir.ReceiverSlot),
				ir.GetField(owner, s.Field(), s.Normalized),
			)
			if s.Type.IsReference() && s.Type != ir.ObjectType {
				loads = append(loads, ir.CheckCast(s.Type))
			}
			loads = append(loads, ir.Store(s.Type, s.Slot))
		}
		m.Code.InsertBefore(edit.point.Call, stores...)
		m.Code.InsertBefore(edit.anchor, loads...)
	}
}
