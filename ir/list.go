package ir

import "fmt"

// Handle is a stable reference to an instruction in a List. Handles stay
// valid across insertions and removals of other instructions.
type Handle int32

// NoHandle is the zero Handle; it never refers to an instruction.
const NoHandle Handle = 0

// List is an ordered, mutable sequence of instructions stored in an arena.
//
// Nodes are never moved in the arena, which is what keeps handles stable.
// Removed nodes stay allocated but are unlinked.
//
// A List is not safe for concurrent use.
type List struct {
	nodes      []node // nodes[0] is unused so that NoHandle is never valid
	first      Handle
	last       Handle
	length     int
	nextLabel  Label
	generation uint64
}

type node struct {
	insn       Insn
	prev, next Handle
	linked     bool
}

// NewList returns a list holding insns in order.
func NewList(insns ...Insn) *List {
	l := &List{}
	for _, insn := range insns {
		l.Append(insn)
	}
	return l
}

func (l *List) init() {
	if l.nodes == nil {
		l.nodes = make([]node, 1, 64)
	}
}

// Len returns the number of linked instructions.
func (l *List) Len() int { return l.length }

// Generation is incremented on every mutation. It lets callers detect that
// positions computed earlier are stale.
func (l *List) Generation() uint64 { return l.generation }

// First returns the first instruction, or NoHandle if the list is empty.
func (l *List) First() Handle { return l.first }

// Last returns the last instruction, or NoHandle if the list is empty.
func (l *List) Last() Handle { return l.last }

// Next returns the instruction after h, or NoHandle.
func (l *List) Next(h Handle) Handle { return l.node(h).next }

// Prev returns the instruction before h, or NoHandle.
func (l *List) Prev(h Handle) Handle { return l.node(h).prev }

// Contains reports whether h refers to a linked instruction of l.
func (l *List) Contains(h Handle) bool {
	return h > 0 && int(h) < len(l.nodes) && l.nodes[h].linked
}

// At returns the instruction referenced by h. The returned pointer may be
// used to modify the instruction in place; it is invalidated by the next
// insertion.
func (l *List) At(h Handle) *Insn { return &l.node(h).insn }

func (l *List) node(h Handle) *node {
	if !l.Contains(h) {
		panic(fmt.Sprintf("ir: invalid instruction handle %d", h))
	}
	return &l.nodes[h]
}

func (l *List) alloc(insn Insn) Handle {
	l.init()
	l.nodes = append(l.nodes, node{insn: insn, linked: true})
	if insn.Op == OpLabel && insn.Label > l.nextLabel {
		l.nextLabel = insn.Label
	}
	l.length++
	l.generation++
	return Handle(len(l.nodes) - 1)
}

// NewLabel allocates a label that is unique within l.
func (l *List) NewLabel() Label {
	l.nextLabel++
	return l.nextLabel
}

// ReserveLabels makes sure that NewLabel never returns a label <= max.
func (l *List) ReserveLabels(max Label) {
	if max > l.nextLabel {
		l.nextLabel = max
	}
}

// Append adds insn at the end of the list.
func (l *List) Append(insn Insn) Handle {
	h := l.alloc(insn)
	n := &l.nodes[h]
	n.prev = l.last
	if l.last != NoHandle {
		l.nodes[l.last].next = h
	} else {
		l.first = h
	}
	l.last = h
	return h
}

// InsertBefore inserts insns, in order, immediately before at. When at is
// NoHandle the instructions are appended. It returns the new handles.
func (l *List) InsertBefore(at Handle, insns ...Insn) []Handle {
	handles := make([]Handle, len(insns))
	if at == NoHandle {
		for i, insn := range insns {
			handles[i] = l.Append(insn)
		}
		return handles
	}
	l.node(at) // validate
	for i, insn := range insns {
		h := l.alloc(insn)
		prev := l.nodes[at].prev
		l.nodes[h].prev = prev
		l.nodes[h].next = at
		l.nodes[at].prev = h
		if prev != NoHandle {
			l.nodes[prev].next = h
		} else {
			l.first = h
		}
		handles[i] = h
	}
	return handles
}

// InsertAfter inserts insns, in order, immediately after at. When at is
// NoHandle the instructions are prepended.
func (l *List) InsertAfter(at Handle, insns ...Insn) []Handle {
	if at == NoHandle {
		return l.InsertBefore(l.first, insns...)
	}
	return l.InsertBefore(l.node(at).next, insns...)
}

// Remove unlinks h from the list. The handle becomes invalid.
func (l *List) Remove(h Handle) {
	n := l.node(h)
	if n.prev != NoHandle {
		l.nodes[n.prev].next = n.next
	} else {
		l.first = n.next
	}
	if n.next != NoHandle {
		l.nodes[n.next].prev = n.prev
	} else {
		l.last = n.prev
	}
	n.prev, n.next, n.linked = NoHandle, NoHandle, false
	l.length--
	l.generation++
}

// Handles returns the handles of all linked instructions in order. The
// index of a handle in the result is its position.
func (l *List) Handles() []Handle {
	handles := make([]Handle, 0, l.length)
	for h := l.first; h != NoHandle; h = l.nodes[h].next {
		handles = append(handles, h)
	}
	return handles
}

// Insns returns a copy of the instructions in order.
func (l *List) Insns() []Insn {
	insns := make([]Insn, 0, l.length)
	for h := l.first; h != NoHandle; h = l.nodes[h].next {
		insns = append(insns, l.nodes[h].insn.Clone())
	}
	return insns
}

// Positions maps each linked handle to its position.
func (l *List) Positions() map[Handle]int {
	pos := make(map[Handle]int, l.length)
	i := 0
	for h := l.first; h != NoHandle; h = l.nodes[h].next {
		pos[h] = i
		i++
	}
	return pos
}

// Labels maps each placed label to the handle of its OpLabel instruction.
func (l *List) Labels() map[Label]Handle {
	labels := make(map[Label]Handle)
	for h := l.first; h != NoHandle; h = l.nodes[h].next {
		if insn := &l.nodes[h].insn; insn.Op == OpLabel {
			labels[insn.Label] = h
		}
	}
	return labels
}

// Clone returns a deep copy of l. Handles of l are valid in the copy and
// refer to the same instructions.
func (l *List) Clone() *List {
	c := &List{
		first:      l.first,
		last:       l.last,
		length:     l.length,
		nextLabel:  l.nextLabel,
		generation: l.generation,
	}
	if l.nodes != nil {
		c.nodes = make([]node, len(l.nodes))
		for i, n := range l.nodes {
			n.insn = n.insn.Clone()
			c.nodes[i] = n
		}
	}
	return c
}
