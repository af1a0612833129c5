package ir

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// typePrefix is the mnemonic prefix of typed instructions.
func typePrefix(t Type) string {
	switch {
	case t.IsIntLike():
		return "i"
	case t == LongType:
		return "l"
	case t == FloatType:
		return "f"
	case t == DoubleType:
		return "d"
	case t.IsReference():
		return "a"
	}
	return "?"
}

var arithNames = map[Opcode]string{
	OpAdd: "add",
	OpSub: "sub",
	OpMul: "mul",
	OpDiv: "div",
	OpRem: "rem",
	OpNeg: "neg",
}

// FormatInsn returns the assembly text of a single instruction.
func FormatInsn(insn *Insn) string {
	switch insn.Op {
	case OpConst:
		if insn.Value == nil {
			return "aconst_null"
		}
		switch v := insn.Value.(type) {
		case int32:
			return "iconst " + strconv.FormatInt(int64(v), 10)
		case int64:
			return "lconst " + strconv.FormatInt(v, 10)
		case float32:
			return "fconst " + strconv.FormatFloat(float64(v), 'g', -1, 32)
		case float64:
			return "dconst " + strconv.FormatFloat(v, 'g', -1, 64)
		case string:
			return "sconst " + strconv.Quote(v)
		}
		return fmt.Sprintf("const %v", insn.Value)
	case OpLoad:
		return typePrefix(insn.Type) + "load " + strconv.Itoa(insn.Var)
	case OpStore:
		return typePrefix(insn.Type) + "store " + strconv.Itoa(insn.Var)
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpNeg:
		return typePrefix(insn.Type) + arithNames[insn.Op]
	case OpConvert:
		return "convert " + string(insn.Type) + " " + string(insn.To)
	case OpCheckCast, OpBox, OpUnbox:
		return insn.Op.String() + " " + string(insn.Type)
	case OpGoto, OpIfEq, OpIfNe, OpIfNull, OpIfNonNull,
		OpIfCmpEq, OpIfCmpNe, OpIfCmpLt, OpIfCmpGe, OpIfCmpGt, OpIfCmpLe:
		return insn.Op.String() + " " + insn.Label.String()
	case OpTableSwitch:
		var b strings.Builder
		fmt.Fprintf(&b, "tableswitch %d %d %s", insn.Low, insn.High, insn.Label)
		for _, l := range insn.Labels {
			b.WriteByte(' ')
			b.WriteString(l.String())
		}
		return b.String()
	case OpReturn:
		if insn.Type == VoidType || insn.Type == "" {
			return "return"
		}
		return typePrefix(insn.Type) + "return"
	case OpTrap:
		return "trap " + strconv.Quote(insn.Message)
	case OpGetField, OpPutField:
		return insn.Op.String() + " " + insn.Owner + " " + insn.Name + " " + insn.Desc
	case OpNew:
		return "new " + insn.Owner
	case OpInvoke:
		kind := "invokevirtual"
		if insn.Static {
			kind = "invokestatic"
		}
		return kind + " " + insn.Owner + " " + insn.Name + " " + insn.Desc
	case OpLabel:
		return insn.Label.String() + ":"
	case OpLine:
		return "line " + strconv.Itoa(insn.Line)
	}
	return insn.Op.String()
}

// Fprint writes the assembly text of c to w. The output can be read back
// with Parse.
func Fprint(w io.Writer, c *Class) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "class %s\n", c.Name)
	for _, f := range c.Fields() {
		b.WriteString("  field ")
		if f.Access != 0 {
			b.WriteString(f.Access.String())
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s %s\n", f.Name, f.Type)
	}
	for _, m := range c.Methods {
		b.WriteByte('\n')
		writeMethod(&b, m)
	}
	_, err := w.Write(b.Bytes())
	return err
}

// Sprint returns the assembly text of c.
func Sprint(c *Class) string {
	var b strings.Builder
	_ = Fprint(&b, c)
	return b.String()
}

// FormatMethod returns the assembly text of m.
func FormatMethod(m *Method) string {
	var b bytes.Buffer
	writeMethod(&b, m)
	return b.String()
}

func writeMethod(b *bytes.Buffer, m *Method) {
	b.WriteString("  method ")
	if m.Access != 0 {
		b.WriteString(m.Access.String())
		b.WriteByte(' ')
	}
	fmt.Fprintf(b, "%s %s\n", m.Name, m.Desc)
	fmt.Fprintf(b, "    .locals %d\n", m.MaxLocals)
	for _, a := range m.Annotations {
		fmt.Fprintf(b, "    .annotation %s\n", a)
	}
	for _, tc := range m.TryCatch {
		fmt.Fprintf(b, "    .catch %s %s %s", tc.Start, tc.End, tc.Handler)
		if tc.Type != "" {
			b.WriteString(" " + tc.Type)
		}
		b.WriteByte('\n')
	}
	if m.Code != nil {
		for _, h := range m.Code.Handles() {
			insn := m.Code.At(h)
			if insn.Op == OpLabel {
				b.WriteString("  ")
			} else {
				b.WriteString("    ")
			}
			b.WriteString(FormatInsn(insn))
			b.WriteByte('\n')
		}
	}
	b.WriteString("  end\n")
}
