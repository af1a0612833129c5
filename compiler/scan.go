package compiler

import (
	"fmt"

	"github.com/stealthrocket/suspend/ir"
)

const (
	// DefaultMarkerOwner is the class declaring the suspension markers.
	DefaultMarkerOwner = "suspend/Markers"

	// SuspensionPointMarker is the name of the static method whose call
	// marks the next call as a suspension point.
	SuspensionPointMarker = "suspensionPoint"
)

// SuspensionPoint is a call after which the method may return to its caller
// and later be resumed.
type SuspensionPoint struct {
	// ID is the state tag of the point, starting at 1 in source order.
	ID int
	// Call is the suspending call instruction.
	Call ir.Handle
}

func isMarker(insn *ir.Insn, markerOwner string) bool {
	return insn.Op == ir.OpInvoke && insn.Static && insn.Owner == markerOwner
}

// scanSuspensionPoints pairs each marker of m with the call that follows it
// and removes the markers. Nothing is removed when an error is returned.
func scanSuspensionPoints(m *ir.Method, markerOwner string) ([]SuspensionPoint, error) {
	var points []SuspensionPoint
	var markers []ir.Handle

	for pos, h := range m.Code.Handles() {
		insn := m.Code.At(h)
		if !isMarker(insn, markerOwner) {
			continue
		}
		if insn.Name != SuspensionPointMarker {
			return nil, &UnsupportedError{
				Method:    m.String(),
				Construct: fmt.Sprintf("suspension marker %s.%s", insn.Owner, insn.Name),
			}
		}
		call := m.Code.Next(h)
		if call == ir.NoHandle {
			return nil, consistencyError(m.String(), pos, "suspension marker at the end of the method")
		}
		if next := m.Code.At(call); next.Op != ir.OpInvoke || isMarker(next, markerOwner) {
			return nil, consistencyError(m.String(), pos, "suspension marker is followed by %s instead of a call", ir.FormatInsn(next))
		}
		markers = append(markers, h)
		points = append(points, SuspensionPoint{ID: len(points) + 1, Call: call})
	}

	for _, h := range markers {
		m.Code.Remove(h)
	}
	return points, nil
}
