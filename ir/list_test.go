package ir

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func opcodes(l *List) []Opcode {
	var ops []Opcode
	for _, h := range l.Handles() {
		ops = append(ops, l.At(h).Op)
	}
	return ops
}

func TestListInsertRemove(t *testing.T) {
	l := NewList()
	a := l.Append(Nop())
	c := l.Append(Return(VoidType))

	b := l.InsertBefore(c, Pop(), Dup())
	l.InsertAfter(a, IntConst(1))
	l.InsertAfter(NoHandle, Line(1))
	l.InsertBefore(NoHandle, Throw())

	expect := []Opcode{OpLine, OpNop, OpConst, OpPop, OpDup, OpReturn, OpThrow}
	if diff := cmp.Diff(expect, opcodes(l)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	l.Remove(b[0])
	l.Remove(l.First())
	l.Remove(l.Last())

	expect = []Opcode{OpNop, OpConst, OpDup, OpReturn}
	if diff := cmp.Diff(expect, opcodes(l)); diff != "" {
		t.Fatalf("order mismatch after removal (-want +got):\n%s", diff)
	}
	if l.Len() != 4 {
		t.Errorf("length: got %d, want 4", l.Len())
	}

	// Handles held across edits still refer to the same instructions.
	if l.At(a).Op != OpNop || l.At(c).Op != OpReturn || l.At(b[1]).Op != OpDup {
		t.Error("handles were invalidated by unrelated edits")
	}
	if l.Contains(b[0]) {
		t.Error("removed handle is still contained in the list")
	}
	if l.Prev(c) != b[1] || l.Next(b[1]) != c {
		t.Error("links are inconsistent")
	}
}

func TestListPositions(t *testing.T) {
	l := NewList(Nop(), Pop(), Return(VoidType))
	handles := l.Handles()
	l.InsertBefore(handles[1], Dup())

	pos := l.Positions()
	for h, want := range map[Handle]int{handles[0]: 0, handles[1]: 2, handles[2]: 3} {
		if pos[h] != want {
			t.Errorf("position of %d: got %d, want %d", h, pos[h], want)
		}
	}
}

func TestListLabels(t *testing.T) {
	l := NewList(Mark(7), Nop())
	if got := l.NewLabel(); got != 8 {
		t.Errorf("new label after L7: got %s, want L8", got)
	}
	l.ReserveLabels(20)
	if got := l.NewLabel(); got != 21 {
		t.Errorf("new label after reserving L20: got %s, want L21", got)
	}
	labels := l.Labels()
	if h, ok := labels[7]; !ok || l.At(h).Op != OpLabel {
		t.Errorf("L7 is not mapped to its label instruction")
	}
}

func TestListClone(t *testing.T) {
	l := NewList(TableSwitch(0, 1, 3, 1, 2), Mark(1), Mark(2), Mark(3), Return(VoidType))
	c := l.Clone()

	h := c.First()
	c.At(h).Labels[0] = 9
	c.Remove(c.Last())

	if l.At(h).Labels[0] != 1 {
		t.Error("clone shares table switch targets with the original")
	}
	if l.Len() != 5 || c.Len() != 4 {
		t.Errorf("lengths: got %d and %d, want 5 and 4", l.Len(), c.Len())
	}

	empty := NewList().Clone()
	if empty.Len() != 0 || empty.First() != NoHandle {
		t.Error("clone of an empty list is not empty")
	}
	empty.Append(Nop())
	if empty.Len() != 1 {
		t.Error("cannot append to the clone of an empty list")
	}
}

func TestListGeneration(t *testing.T) {
	l := NewList()
	g0 := l.Generation()
	h := l.Append(Nop())
	g1 := l.Generation()
	l.Remove(h)
	g2 := l.Generation()
	if !(g0 < g1 && g1 < g2) {
		t.Errorf("generation did not increase: %d, %d, %d", g0, g1, g2)
	}
}
