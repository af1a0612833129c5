package ir

import "fmt"

// Opcode is the kind of an instruction.
type Opcode uint8

const (
	OpNop Opcode = iota

	// OpConst pushes Insn.Value, typed by Insn.Type. A nil Value with a
	// reference type pushes null.
	OpConst
	// OpLoad pushes local slot Insn.Var; OpStore pops into it.
	OpLoad
	OpStore
	OpPop
	OpDup

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg

	// OpConvert converts the top of the stack from Insn.Type to Insn.To.
	OpConvert
	// OpCheckCast asserts that the reference on top of the stack is an
	// instance of Insn.Type.
	OpCheckCast
	// OpBox and OpUnbox move between a primitive of Insn.Type and its
	// reference representation.
	OpBox
	OpUnbox

	OpGoto
	OpIfEq
	OpIfNe
	OpIfNull
	OpIfNonNull
	OpIfCmpEq
	OpIfCmpNe
	OpIfCmpLt
	OpIfCmpGe
	OpIfCmpGt
	OpIfCmpLe
	// OpTableSwitch pops an int and jumps to Insn.Labels[v-Low] when
	// Low <= v <= High, or to Insn.Label otherwise.
	OpTableSwitch

	// OpReturn returns a value of Insn.Type (nothing when it is VoidType).
	OpReturn
	OpThrow
	// OpTrap stops execution with a non-recoverable fault carrying
	// Insn.Message.
	OpTrap

	OpGetField
	OpPutField
	OpNew
	OpInvoke

	// OpLabel marks the position of Insn.Label. It produces no code.
	OpLabel
	// OpLine sets the source line of the instructions that follow.
	OpLine
)

var opcodeNames = [...]string{
	OpNop:         "nop",
	OpConst:       "const",
	OpLoad:        "load",
	OpStore:       "store",
	OpPop:         "pop",
	OpDup:         "dup",
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpDiv:         "div",
	OpRem:         "rem",
	OpNeg:         "neg",
	OpConvert:     "convert",
	OpCheckCast:   "checkcast",
	OpBox:         "box",
	OpUnbox:       "unbox",
	OpGoto:        "goto",
	OpIfEq:        "ifeq",
	OpIfNe:        "ifne",
	OpIfNull:      "ifnull",
	OpIfNonNull:   "ifnonnull",
	OpIfCmpEq:     "if_icmpeq",
	OpIfCmpNe:     "if_icmpne",
	OpIfCmpLt:     "if_icmplt",
	OpIfCmpGe:     "if_icmpge",
	OpIfCmpGt:     "if_icmpgt",
	OpIfCmpLe:     "if_icmple",
	OpTableSwitch: "tableswitch",
	OpReturn:      "return",
	OpThrow:       "athrow",
	OpTrap:        "trap",
	OpGetField:    "getfield",
	OpPutField:    "putfield",
	OpNew:         "new",
	OpInvoke:      "invoke",
	OpLabel:       "label",
	OpLine:        "line",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return fmt.Sprintf("Opcode(%d)", op)
}

// IsJump is true for instructions whose Label (and Labels) are branch
// targets.
func (op Opcode) IsJump() bool {
	switch op {
	case OpGoto, OpIfEq, OpIfNe, OpIfNull, OpIfNonNull,
		OpIfCmpEq, OpIfCmpNe, OpIfCmpLt, OpIfCmpGe, OpIfCmpGt, OpIfCmpLe,
		OpTableSwitch:
		return true
	}
	return false
}

// FallsThrough is false for instructions after which control never
// reaches the next instruction in the list.
func (op Opcode) FallsThrough() bool {
	switch op {
	case OpGoto, OpTableSwitch, OpReturn, OpThrow, OpTrap:
		return false
	}
	return true
}

// IsPseudo is true for instructions that only carry metadata.
func (op Opcode) IsPseudo() bool {
	return op == OpLabel || op == OpLine
}

// Label identifies a position in an instruction list. Labels are allocated
// by List.NewLabel and placed with an OpLabel instruction.
type Label int32

// NoLabel is the zero Label.
const NoLabel Label = 0

func (l Label) String() string { return fmt.Sprintf("L%d", int32(l)) }

// Insn is a single instruction. Only the fields relevant to Op are set.
type Insn struct {
	Op Opcode

	// Type is the operand type of typed instructions.
	Type Type
	// To is the target type of OpConvert.
	To Type

	// Var is the local slot of OpLoad and OpStore.
	Var int

	// Value is the constant of OpConst: int32, int64, float32, float64,
	// string or nil.
	Value any

	// Label is the jump target, the OpTableSwitch default, or the label
	// placed by OpLabel.
	Label Label
	// Labels are the OpTableSwitch targets for Low..High.
	Labels    []Label
	Low, High int32

	// Owner, Name and Desc name the class, member and descriptor of
	// field and method instructions. OpNew only uses Owner.
	Owner string
	Name  string
	Desc  string
	// Static is set on OpInvoke of methods without a receiver.
	Static bool

	// Line is the source line of OpLine.
	Line int
	// Message is the fault message of OpTrap.
	Message string
}

// Clone returns a copy of insn that shares no slices with it.
func (insn Insn) Clone() Insn {
	if insn.Labels != nil {
		insn.Labels = append([]Label(nil), insn.Labels...)
	}
	return insn
}

// MethodType parses the descriptor of an OpInvoke instruction.
func (insn *Insn) MethodType() (MethodType, error) {
	if insn.Op != OpInvoke {
		return MethodType{}, fmt.Errorf("%s is not a method call", insn.Op)
	}
	return ParseMethodType(insn.Desc)
}

// Constructors for the instructions emitted by the compiler.

func Nop() Insn                    { return Insn{Op: OpNop} }
func Load(t Type, slot int) Insn   { return Insn{Op: OpLoad, Type: t, Var: slot} }
func Store(t Type, slot int) Insn  { return Insn{Op: OpStore, Type: t, Var: slot} }
func Pop() Insn                    { return Insn{Op: OpPop} }
func Dup() Insn                    { return Insn{Op: OpDup} }
func Goto(l Label) Insn            { return Insn{Op: OpGoto, Label: l} }
func IfNull(l Label) Insn          { return Insn{Op: OpIfNull, Label: l} }
func IfNonNull(l Label) Insn       { return Insn{Op: OpIfNonNull, Label: l} }
func Return(t Type) Insn           { return Insn{Op: OpReturn, Type: t} }
func Throw() Insn                  { return Insn{Op: OpThrow} }
func Trap(message string) Insn     { return Insn{Op: OpTrap, Message: message} }
func Mark(l Label) Insn            { return Insn{Op: OpLabel, Label: l} }
func Line(n int) Insn              { return Insn{Op: OpLine, Line: n} }
func CheckCast(t Type) Insn        { return Insn{Op: OpCheckCast, Type: t} }
func Box(t Type) Insn              { return Insn{Op: OpBox, Type: t} }
func Unbox(t Type) Insn            { return Insn{Op: OpUnbox, Type: t} }
func New(className string) Insn    { return Insn{Op: OpNew, Owner: className} }
func Convert(from, to Type) Insn   { return Insn{Op: OpConvert, Type: from, To: to} }
func Arith(op Opcode, t Type) Insn { return Insn{Op: op, Type: t} }

func IntConst(v int32) Insn      { return Insn{Op: OpConst, Type: IntType, Value: v} }
func LongConst(v int64) Insn     { return Insn{Op: OpConst, Type: LongType, Value: v} }
func FloatConst(v float32) Insn  { return Insn{Op: OpConst, Type: FloatType, Value: v} }
func DoubleConst(v float64) Insn { return Insn{Op: OpConst, Type: DoubleType, Value: v} }
func StringConst(v string) Insn  { return Insn{Op: OpConst, Type: StringType, Value: v} }
func Null() Insn                 { return Insn{Op: OpConst, Type: ObjectType} }

func GetField(owner, name string, t Type) Insn {
	return Insn{Op: OpGetField, Owner: owner, Name: name, Desc: string(t)}
}

func PutField(owner, name string, t Type) Insn {
	return Insn{Op: OpPutField, Owner: owner, Name: name, Desc: string(t)}
}

func InvokeStatic(owner, name, desc string) Insn {
	return Insn{Op: OpInvoke, Owner: owner, Name: name, Desc: desc, Static: true}
}

func InvokeVirtual(owner, name, desc string) Insn {
	return Insn{Op: OpInvoke, Owner: owner, Name: name, Desc: desc}
}

func TableSwitch(low, high int32, dflt Label, targets ...Label) Insn {
	return Insn{
		Op:     OpTableSwitch,
		Low:    low,
		High:   high,
		Label:  dflt,
		Labels: append([]Label(nil), targets...),
	}
}
