package vm

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/stealthrocket/suspend/ir"
)

// program is the executable form of a method: a flat copy of its
// instructions with resolved labels, handlers and line numbers.
type program struct {
	class      *ir.Class
	method     *ir.Method
	code       *ir.List
	generation uint64

	insns    []ir.Insn
	lines    []int
	labels   map[ir.Label]int
	handlers []handler
	params   []ir.Type
}

type handler struct {
	start, end, target int
	class              string
}

func compileProgram(c *ir.Class, m *ir.Method) (*program, error) {
	mt, err := m.Type()
	if err != nil {
		return nil, err
	}
	p := &program{
		class:      c,
		method:     m,
		code:       m.Code,
		generation: m.Code.Generation(),
		insns:      m.Code.Insns(),
		labels:     make(map[ir.Label]int),
		params:     mt.Params,
	}
	p.lines = make([]int, len(p.insns))
	line := 0
	for i, insn := range p.insns {
		switch insn.Op {
		case ir.OpLine:
			line = insn.Line
		case ir.OpLabel:
			p.labels[insn.Label] = i
		}
		p.lines[i] = line
	}
	for _, tc := range m.TryCatch {
		start, ok1 := p.labels[tc.Start]
		end, ok2 := p.labels[tc.End]
		target, ok3 := p.labels[tc.Handler]
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("%s.%s: try block refers to an unplaced label", c.Name, m)
		}
		p.handlers = append(p.handlers, handler{start: start, end: end, target: target, class: tc.Type})
	}
	return p, nil
}

func (p *program) name() string { return p.class.Name + "." + p.method.Name }

// activation is a method invocation on the stack of a thread.
type activation struct {
	prog *program
	pc   int
}

// thread is a chain of nested invocations started by Machine.Invoke.
type thread struct {
	machine *Machine
	stack   []*activation
}

func (t *thread) invoke(owner, name, desc string, static bool, args []Value) (Value, error) {
	var receiver Value
	if !static && len(args) > 0 {
		receiver = args[0]
	}
	p, native, err := t.machine.resolve(owner, name, desc, receiver)
	if err != nil {
		return nil, err
	}
	if native != nil {
		return native(args)
	}

	want := len(p.params)
	if !p.method.Static() {
		want++
	}
	if len(args) != want {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrBadOperand, p.name(), want, len(args))
	}
	if !p.method.Static() && args[0] == nil {
		return nil, nullPointer("invoke " + name + " on null")
	}
	locals := make([]Value, max(p.method.MaxLocals, len(args)))
	copy(locals, args)
	return t.run(p, locals)
}

// fill records the trace of a throwable the first time it is thrown.
func (t *thread) fill(e *Throwable) {
	if e.Trace != nil {
		return
	}
	e.Trace = make([]StackElement, 0, len(t.stack))
	for i := len(t.stack) - 1; i >= 0; i-- {
		a := t.stack[i]
		e.Trace = append(e.Trace, StackElement{
			Class:  a.prog.class.Name,
			Method: a.prog.method.Name,
			Line:   a.prog.lines[a.pc],
		})
	}
}

func (t *thread) run(p *program, locals []Value) (Value, error) {
	act := &activation{prog: p}
	t.stack = append(t.stack, act)
	defer func() { t.stack = t.stack[:len(t.stack)-1] }()

	var stack []Value
	pop := func() Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	push := func(v Value) { stack = append(stack, v) }
	jump := func(l ir.Label) error {
		i, ok := p.labels[l]
		if !ok {
			return fmt.Errorf("%s: jump to unplaced label %s", p.name(), l)
		}
		act.pc = i
		return nil
	}

	pc := 0
	for {
		if pc >= len(p.insns) {
			return nil, fmt.Errorf("%s: control fell off the end of the method", p.name())
		}
		act.pc = pc
		insn := &p.insns[pc]
		next, err := t.step(p, act, insn, locals, &stack, pop, push, jump)

		if err != nil {
			var thrown *Throwable
			if !errors.As(err, &thrown) {
				var fault *Fault
				if errors.As(err, &fault) {
					t.machine.logger.Debug("fault", zap.String("method", fault.Method), zap.Int("line", fault.Line), zap.String("message", fault.Message))
				}
				return nil, err
			}
			t.fill(thrown)
			target, ok := t.catch(p, act.pc, thrown)
			if !ok {
				return nil, thrown
			}
			stack = append(stack[:0], thrown)
			pc = target
			continue
		}
		if next.done {
			return next.value, nil
		}
		if next.jumped {
			pc = act.pc
		} else {
			pc++
		}
	}
}

func (t *thread) catch(p *program, pc int, e *Throwable) (int, bool) {
	for _, h := range p.handlers {
		if pc < h.start || pc >= h.end {
			continue
		}
		if h.class == "" || t.machine.IsInstance(e.Class, h.class) {
			return h.target, true
		}
	}
	return 0, false
}

type outcome struct {
	jumped bool
	done   bool
	value  Value
}

func (t *thread) step(p *program, act *activation, insn *ir.Insn, locals []Value, stack *[]Value,
	pop func() Value, push func(Value), jump func(ir.Label) error) (outcome, error) {

	if need := operandsOf(insn); len(*stack) < need {
		return outcome{}, fmt.Errorf("%w: %s at %s:%d: operand stack underflow", ErrBadOperand, ir.FormatInsn(insn), p.name(), p.lines[act.pc])
	}

	branch := func(taken bool) (outcome, error) {
		if !taken {
			return outcome{}, nil
		}
		return outcome{jumped: true}, jump(insn.Label)
	}

	switch insn.Op {
	case ir.OpNop, ir.OpLabel, ir.OpLine:
	case ir.OpConst:
		push(insn.Value)
	case ir.OpLoad:
		push(locals[insn.Var])
	case ir.OpStore:
		locals[insn.Var] = pop()
	case ir.OpPop:
		pop()
	case ir.OpDup:
		v := pop()
		push(v)
		push(v)

	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpRem:
		b, a := pop(), pop()
		v, err := arithmetic(insn.Op, insn.Type, a, b)
		if err != nil {
			return outcome{}, err
		}
		push(v)
	case ir.OpNeg:
		v, err := negate(insn.Type, pop())
		if err != nil {
			return outcome{}, err
		}
		push(v)
	case ir.OpConvert:
		v, err := convert(pop(), insn.To)
		if err != nil {
			return outcome{}, err
		}
		push(v)
	case ir.OpCheckCast:
		v := pop()
		if !t.machine.instanceOf(v, insn.Type) {
			return outcome{}, NewThrowable(ClassCastClass, fmt.Sprintf("%s cannot be cast to %s", describe(v), insn.Type))
		}
		push(v)
	case ir.OpBox:
		v := pop()
		if err := checkKind(insn.Type, v); err != nil {
			return outcome{}, err
		}
		push(v)
	case ir.OpUnbox:
		v := pop()
		if v == nil {
			return outcome{}, nullPointer("unbox " + string(insn.Type) + " from null")
		}
		if checkKind(insn.Type, v) != nil {
			return outcome{}, NewThrowable(ClassCastClass, fmt.Sprintf("%s cannot be unboxed to %s", describe(v), insn.Type))
		}
		push(v)

	case ir.OpGoto:
		return branch(true)
	case ir.OpIfEq, ir.OpIfNe:
		v, err := operand[int32](pop())
		if err != nil {
			return outcome{}, err
		}
		return branch((v == 0) == (insn.Op == ir.OpIfEq))
	case ir.OpIfNull:
		return branch(pop() == nil)
	case ir.OpIfNonNull:
		return branch(pop() != nil)
	case ir.OpIfCmpEq, ir.OpIfCmpNe, ir.OpIfCmpLt, ir.OpIfCmpGe, ir.OpIfCmpGt, ir.OpIfCmpLe:
		b, err := operand[int32](pop())
		if err != nil {
			return outcome{}, err
		}
		a, err := operand[int32](pop())
		if err != nil {
			return outcome{}, err
		}
		return branch(compare(insn.Op, a, b))
	case ir.OpTableSwitch:
		v, err := operand[int32](pop())
		if err != nil {
			return outcome{}, err
		}
		target := insn.Label
		if v >= insn.Low && v <= insn.High {
			target = insn.Labels[v-insn.Low]
		}
		return outcome{jumped: true}, jump(target)

	case ir.OpReturn:
		if insn.Type == ir.VoidType || insn.Type == "" {
			return outcome{done: true}, nil
		}
		return outcome{done: true, value: pop()}, nil
	case ir.OpThrow:
		v := pop()
		if v == nil {
			return outcome{}, nullPointer("throw null")
		}
		e, ok := v.(*Throwable)
		if !ok {
			return outcome{}, fmt.Errorf("%w: cannot throw %T", ErrBadOperand, v)
		}
		return outcome{}, e
	case ir.OpTrap:
		return outcome{}, &Fault{Message: insn.Message, Method: p.name(), Line: p.lines[act.pc]}

	case ir.OpGetField:
		obj, err := receiverOf(pop(), insn)
		if err != nil {
			return outcome{}, err
		}
		v, err := obj.Get(insn.Name)
		if err != nil {
			return outcome{}, err
		}
		push(v)
	case ir.OpPutField:
		v := pop()
		obj, err := receiverOf(pop(), insn)
		if err != nil {
			return outcome{}, err
		}
		if err := obj.Set(insn.Name, v); err != nil {
			return outcome{}, err
		}
	case ir.OpNew:
		obj, err := t.machine.NewObject(insn.Owner)
		if err != nil {
			return outcome{}, err
		}
		push(obj)
	case ir.OpInvoke:
		mt, err := insn.MethodType()
		if err != nil {
			return outcome{}, err
		}
		n := len(mt.Params)
		if !insn.Static {
			n++
		}
		args := make([]Value, n)
		copy(args, (*stack)[len(*stack)-n:])
		*stack = (*stack)[:len(*stack)-n]
		v, err := t.invoke(insn.Owner, insn.Name, insn.Desc, insn.Static, args)
		if err != nil {
			return outcome{}, err
		}
		if mt.Result != ir.VoidType {
			push(v)
		}
	default:
		return outcome{}, fmt.Errorf("%w: unknown instruction %s", ErrBadOperand, insn.Op)
	}
	return outcome{}, nil
}

// operandsOf returns the number of stack entries consumed by insn.
func operandsOf(insn *ir.Insn) int {
	switch insn.Op {
	case ir.OpStore, ir.OpPop, ir.OpDup, ir.OpNeg, ir.OpConvert, ir.OpCheckCast,
		ir.OpBox, ir.OpUnbox, ir.OpIfEq, ir.OpIfNe, ir.OpIfNull, ir.OpIfNonNull,
		ir.OpTableSwitch, ir.OpThrow, ir.OpGetField:
		return 1
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpRem, ir.OpPutField,
		ir.OpIfCmpEq, ir.OpIfCmpNe, ir.OpIfCmpLt, ir.OpIfCmpGe, ir.OpIfCmpGt, ir.OpIfCmpLe:
		return 2
	case ir.OpReturn:
		if insn.Type == ir.VoidType || insn.Type == "" {
			return 0
		}
		return 1
	case ir.OpInvoke:
		mt, err := insn.MethodType()
		if err != nil {
			return 0
		}
		if insn.Static {
			return len(mt.Params)
		}
		return len(mt.Params) + 1
	}
	return 0
}

func receiverOf(v Value, insn *ir.Insn) (*Object, error) {
	if v == nil {
		return nil, nullPointer(insn.Op.String() + " " + insn.Name + " on null")
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %T", ErrBadOperand, insn.Op, v)
	}
	return obj, nil
}

func describe(v Value) string {
	switch x := v.(type) {
	case *Object:
		return x.Class.Name
	case *Throwable:
		return x.Class
	}
	return fmt.Sprintf("%T", v)
}

// instanceOf implements checkcast: null is an instance of every reference
// type.
func (m *Machine) instanceOf(v Value, t ir.Type) bool {
	if v == nil || t == ir.ObjectType {
		return true
	}
	switch t.Sort() {
	case ir.Array:
		switch v.(type) {
		case []int32:
			return t == "[I" || t == "[Z" || t == "[B" || t == "[C" || t == "[S"
		case []int64:
			return t == "[J"
		case []float32:
			return t == "[F"
		case []float64:
			return t == "[D"
		case []Value:
			return ir.Type(t[1:]).IsReference()
		}
		return false
	case ir.Object:
	default:
		return false
	}

	switch x := v.(type) {
	case string:
		return t == ir.StringType
	case int32:
		return t == "Ljava/lang/Integer;"
	case int64:
		return t == "Ljava/lang/Long;"
	case float32:
		return t == "Ljava/lang/Float;"
	case float64:
		return t == "Ljava/lang/Double;"
	case *Throwable:
		return m.IsInstance(x.Class, t.ClassName())
	case *Object:
		return x.Class.Name == t.ClassName()
	}
	return false
}

type number interface {
	int32 | int64 | float32 | float64
}

func arithmetic(op ir.Opcode, t ir.Type, a, b Value) (Value, error) {
	switch t.StackType() {
	case ir.IntType:
		return binary[int32](op, a, b)
	case ir.LongType:
		return binary[int64](op, a, b)
	case ir.FloatType:
		return binary[float32](op, a, b)
	case ir.DoubleType:
		return binary[float64](op, a, b)
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrBadOperand, op, t)
}

func binary[T number](op ir.Opcode, a, b Value) (Value, error) {
	x, err := operand[T](a)
	if err != nil {
		return nil, err
	}
	y, err := operand[T](b)
	if err != nil {
		return nil, err
	}
	switch op {
	case ir.OpAdd:
		return x + y, nil
	case ir.OpSub:
		return x - y, nil
	case ir.OpMul:
		return x * y, nil
	}

	switch any(x).(type) {
	case int32, int64:
		if y == 0 {
			return nil, NewThrowable(ArithmeticExceptionClass, "/ by zero")
		}
	}
	if op == ir.OpDiv {
		return x / y, nil
	}
	switch xv := any(x).(type) {
	case int32:
		return xv % any(y).(int32), nil
	case int64:
		return xv % any(y).(int64), nil
	case float32:
		return float32(math.Mod(float64(xv), float64(any(y).(float32)))), nil
	default:
		return math.Mod(any(x).(float64), any(y).(float64)), nil
	}
}

func negate(t ir.Type, v Value) (Value, error) {
	switch x := v.(type) {
	case int32:
		return -x, nil
	case int64:
		return -x, nil
	case float32:
		return -x, nil
	case float64:
		return -x, nil
	}
	return nil, fmt.Errorf("%w: cannot negate %T as %s", ErrBadOperand, v, t)
}

func compare(op ir.Opcode, a, b int32) bool {
	switch op {
	case ir.OpIfCmpEq:
		return a == b
	case ir.OpIfCmpNe:
		return a != b
	case ir.OpIfCmpLt:
		return a < b
	case ir.OpIfCmpGe:
		return a >= b
	case ir.OpIfCmpGt:
		return a > b
	default:
		return a <= b
	}
}

// convert implements primitive widening and narrowing. Floating-point
// values saturate when converted to integers and NaN converts to zero.
func convert(v Value, to ir.Type) (Value, error) {
	var i int64
	var f float64
	var isFloat bool
	switch x := v.(type) {
	case int32:
		i = int64(x)
	case int64:
		i = x
	case float32:
		f, isFloat = float64(x), true
	case float64:
		f, isFloat = x, true
	default:
		return nil, fmt.Errorf("%w: cannot convert %T", ErrBadOperand, v)
	}

	toInt := func(lo, hi int64) int64 {
		switch {
		case math.IsNaN(f):
			return 0
		case f <= float64(lo):
			return lo
		case f >= float64(hi):
			return hi
		}
		return int64(f)
	}

	switch to {
	case ir.IntType, ir.BooleanType, ir.ByteType, ir.CharType, ir.ShortType:
		n := int32(i)
		if isFloat {
			n = int32(toInt(math.MinInt32, math.MaxInt32))
		}
		switch to {
		case ir.ByteType:
			n = int32(int8(n))
		case ir.CharType:
			n = int32(uint16(n))
		case ir.ShortType:
			n = int32(int16(n))
		}
		return n, nil
	case ir.LongType:
		if isFloat {
			return toInt(math.MinInt64, math.MaxInt64), nil
		}
		return i, nil
	case ir.FloatType:
		if isFloat {
			return float32(f), nil
		}
		return float32(i), nil
	case ir.DoubleType:
		if isFloat {
			return f, nil
		}
		return float64(i), nil
	}
	return nil, fmt.Errorf("%w: cannot convert to %s", ErrBadOperand, to)
}
