package ir

import (
	"fmt"

	"go.uber.org/multierr"
)

// Verify checks the structural well-formedness of every method of c: jump
// and handler targets are placed, local slots are in range, descriptors
// parse, and control never runs off the end of a body. All problems are
// reported together.
func Verify(c *Class) error {
	var err error
	for _, m := range c.Methods {
		err = multierr.Append(err, VerifyMethod(m))
	}
	return err
}

// VerifyMethod checks the structural well-formedness of a single method.
func VerifyMethod(m *Method) (err error) {
	fail := func(pos int, format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("%s: %d: %s", m, pos, fmt.Sprintf(format, args...)))
	}

	mt, perr := m.Type()
	if perr != nil {
		fail(0, "%v", perr)
		return err
	}
	params := len(mt.Params)
	if !m.Static() {
		params++
	}
	if m.MaxLocals < params {
		fail(0, "%d locals cannot hold %d parameters", m.MaxLocals, params)
	}

	labels := make(map[Label]int)
	handles := m.Code.Handles()
	for i, h := range handles {
		if insn := m.Code.At(h); insn.Op == OpLabel {
			if _, dup := labels[insn.Label]; dup {
				fail(i, "label %s placed twice", insn.Label)
			}
			labels[insn.Label] = i
		}
	}
	checkLabel := func(pos int, l Label) {
		if _, ok := labels[l]; !ok {
			fail(pos, "label %s is never placed", l)
		}
	}

	last := -1
	for i, h := range handles {
		insn := m.Code.At(h)
		if !insn.Op.IsPseudo() {
			last = i
		}
		switch insn.Op {
		case OpLoad, OpStore:
			if insn.Var < 0 || insn.Var >= m.MaxLocals {
				fail(i, "local slot %d out of range [0, %d)", insn.Var, m.MaxLocals)
			}
			if !insn.Type.Valid() || insn.Type == VoidType {
				fail(i, "invalid local type %q", insn.Type)
			}
		case OpTableSwitch:
			if int64(len(insn.Labels)) != int64(insn.High)-int64(insn.Low)+1 {
				fail(i, "tableswitch %d..%d has %d targets", insn.Low, insn.High, len(insn.Labels))
			}
			for _, l := range insn.Labels {
				checkLabel(i, l)
			}
			checkLabel(i, insn.Label)
		case OpInvoke:
			if _, perr := ParseMethodType(insn.Desc); perr != nil {
				fail(i, "%v", perr)
			}
		case OpGetField, OpPutField:
			if t := Type(insn.Desc); !t.Valid() || t == VoidType {
				fail(i, "invalid field type %q", insn.Desc)
			}
		}
		if insn.Op.IsJump() && insn.Op != OpTableSwitch {
			checkLabel(i, insn.Label)
		}
	}
	if last >= 0 && m.Code.At(handles[last]).Op.FallsThrough() {
		fail(last, "control falls off the end of the method")
	}

	for _, tc := range m.TryCatch {
		checkLabel(0, tc.Start)
		checkLabel(0, tc.End)
		checkLabel(0, tc.Handler)
		start, ok1 := labels[tc.Start]
		end, ok2 := labels[tc.End]
		if ok1 && ok2 && start > end {
			fail(start, "try block %s..%s is reversed", tc.Start, tc.End)
		}
	}
	return err
}
