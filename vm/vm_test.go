package vm

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/renstrom/dedent"
	"go.uber.org/zap/zaptest"

	"github.com/stealthrocket/suspend/ir"
)

func newMachine(t *testing.T, src string) *Machine {
	t.Helper()
	classes, err := ir.Parse(dedent.Dedent(src))
	if err != nil {
		t.Fatal(err)
	}
	m := New(WithLogger(zaptest.NewLogger(t)))
	for _, c := range classes {
		if err := ir.Verify(c); err != nil {
			t.Fatal(err)
		}
		m.Load(c)
	}
	return m
}

const mathSource = `
	class demo/Math
	  method static sum (I)I
	    .locals 3
	    iconst 0
	    istore 1
	    iconst 0
	    istore 2
	  head:
	    iload 2
	    iload 0
	    if_icmpgt done
	    iload 1
	    iload 2
	    iadd
	    istore 1
	    iload 2
	    iconst 1
	    iadd
	    istore 2
	    goto head
	  done:
	    iload 1
	    ireturn
	  end

	  method static div (II)I
	    iload 0
	    iload 1
	    idiv
	    ireturn
	  end

	  method static ldiv (JJ)J
	    lload 0
	    lload 1
	    ldiv
	    lreturn
	  end

	  method static drem (DD)D
	    dload 0
	    dload 1
	    drem
	    dreturn
	  end

	  method static fneg (F)F
	    fload 0
	    fneg
	    freturn
	  end

	  method static d2i (D)I
	    dload 0
	    convert D I
	    ireturn
	  end

	  method static i2b (I)I
	    iload 0
	    convert I B
	    ireturn
	  end

	  method static l2f (J)F
	    lload 0
	    convert J F
	    freturn
	  end

	  method static pick (I)I
	    iload 0
	    tableswitch 1 2 other one two
	  one:
	    iconst 10
	    ireturn
	  two:
	    iconst 20
	    ireturn
	  other:
	    iconst -1
	    ireturn
	  end
`

func TestArithmetic(t *testing.T) {
	m := newMachine(t, mathSource)

	for _, test := range []struct {
		name string
		desc string
		args []Value
		want Value
	}{
		{name: "sum", desc: "(I)I", args: []Value{int32(10)}, want: int32(55)},
		{name: "div", desc: "(II)I", args: []Value{int32(7), int32(-2)}, want: int32(-3)},
		{name: "ldiv", desc: "(JJ)J", args: []Value{int64(1 << 40), int64(1 << 20)}, want: int64(1 << 20)},
		{name: "drem", desc: "(DD)D", args: []Value{5.5, 2.0}, want: 1.5},
		{name: "fneg", desc: "(F)F", args: []Value{float32(2.5)}, want: float32(-2.5)},
		{name: "d2i", desc: "(D)I", args: []Value{1e300}, want: int32(math.MaxInt32)},
		{name: "d2i", desc: "(D)I", args: []Value{-1e300}, want: int32(math.MinInt32)},
		{name: "d2i", desc: "(D)I", args: []Value{math.NaN()}, want: int32(0)},
		{name: "d2i", desc: "(D)I", args: []Value{-3.75}, want: int32(-3)},
		{name: "i2b", desc: "(I)I", args: []Value{int32(200)}, want: int32(-56)},
		{name: "l2f", desc: "(J)F", args: []Value{int64(3)}, want: float32(3)},
		{name: "pick", desc: "(I)I", args: []Value{int32(1)}, want: int32(10)},
		{name: "pick", desc: "(I)I", args: []Value{int32(2)}, want: int32(20)},
		{name: "pick", desc: "(I)I", args: []Value{int32(3)}, want: int32(-1)},
	} {
		got, err := m.Invoke("demo/Math", test.name, test.desc, test.args...)
		if err != nil {
			t.Errorf("%s%v: %v", test.name, test.args, err)
			continue
		}
		if got != test.want {
			t.Errorf("%s%v: got %v (%T), want %v (%T)", test.name, test.args, got, got, test.want, test.want)
		}
	}
}

func TestDivisionByZero(t *testing.T) {
	m := newMachine(t, mathSource)

	_, err := m.Invoke("demo/Math", "div", "(II)I", int32(1), int32(0))
	var thrown *Throwable
	if !errors.As(err, &thrown) {
		t.Fatalf("expected an exception, got %v", err)
	}
	if thrown.Class != ArithmeticExceptionClass || thrown.Message != "/ by zero" {
		t.Errorf("unexpected exception: %v", thrown)
	}
	if diff := cmp.Diff([]StackElement{{Class: "demo/Math", Method: "div", Line: 0}}, thrown.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

const exceptionSource = `
	class demo/Errors
	  method static inner ()V
	    line 3
	    new demo/Errors
	    aconst_null
	    checkcast Ljava/lang/String;
	    pop
	    pop
	    line 4
	    iconst 1
	    iconst 0
	    idiv
	    pop
	    return
	  end

	  method static outer ()I
	    .catch start stop handler java/lang/ArithmeticException
	  start:
	    line 10
	    invokestatic demo/Errors inner ()V
	  stop:
	    iconst 0
	    ireturn
	  handler:
	    invokestatic test/Host record (Ljava/lang/Object;)V
	    iconst 1
	    ireturn
	  end

	  method static uncaught ()V
	    .catch start stop handler java/lang/NullPointerException
	  start:
	    line 20
	    invokestatic demo/Errors inner ()V
	  stop:
	    return
	  handler:
	    pop
	    return
	  end

	  method static trapped ()V
	    .catch start stop handler
	  start:
	    line 30
	    trap "unreachable"
	  stop:
	    return
	  handler:
	    pop
	    return
	  end

	  method static rethrow (Ljava/lang/Throwable;)V
	    line 40
	    aload 0
	    athrow
	  end
`

func TestExceptionHandlers(t *testing.T) {
	m := newMachine(t, exceptionSource)
	var records []Value
	m.RegisterNative("test/Host", "record", func(args []Value) (Value, error) {
		records = append(records, args...)
		return nil, nil
	})

	v, err := m.Invoke("demo/Errors", "outer", "()I")
	if err != nil {
		t.Fatal(err)
	}
	if v != int32(1) {
		t.Errorf("handler result: got %v, want 1", v)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	thrown := records[0].(*Throwable)
	want := []StackElement{
		{Class: "demo/Errors", Method: "inner", Line: 4},
		{Class: "demo/Errors", Method: "outer", Line: 10},
	}
	if diff := cmp.Diff(want, thrown.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestUncaughtException(t *testing.T) {
	m := newMachine(t, exceptionSource)

	_, err := m.Invoke("demo/Errors", "uncaught", "()V")
	var thrown *Throwable
	if !errors.As(err, &thrown) || thrown.Class != ArithmeticExceptionClass {
		t.Fatalf("expected an arithmetic exception, got %v", err)
	}
	if len(thrown.Trace) != 2 || thrown.Trace[1].Line != 20 {
		t.Errorf("unexpected trace:\n%s", thrown.StackTrace())
	}
}

func TestRethrowKeepsTrace(t *testing.T) {
	m := newMachine(t, exceptionSource)

	e := NewThrowable(IllegalStateClass, "first")
	if _, err := m.Invoke("demo/Errors", "rethrow", "(Ljava/lang/Throwable;)V", e); err != e {
		t.Fatalf("expected the argument to be thrown, got %v", err)
	}
	first := append([]StackElement(nil), e.Trace...)
	if diff := cmp.Diff([]StackElement{{Class: "demo/Errors", Method: "rethrow", Line: 40}}, first); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}

	if _, err := m.Invoke("demo/Errors", "rethrow", "(Ljava/lang/Throwable;)V", e); err != e {
		t.Fatalf("expected the argument to be thrown, got %v", err)
	}
	if diff := cmp.Diff(first, e.Trace); diff != "" {
		t.Errorf("trace was rewritten (-first +second):\n%s", diff)
	}

	if _, err := m.Invoke("demo/Errors", "rethrow", "(Ljava/lang/Throwable;)V", nil); err == nil {
		t.Error("throwing null did not fail")
	} else if thrown, ok := err.(*Throwable); !ok || thrown.Class != NullPointerClass {
		t.Errorf("throwing null: got %v", err)
	}
}

func TestTrapIsNotCatchable(t *testing.T) {
	m := newMachine(t, exceptionSource)

	_, err := m.Invoke("demo/Errors", "trapped", "()V")
	if !errors.Is(err, ErrTrap) {
		t.Fatalf("expected a trap, got %v", err)
	}
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected a fault, got %T", err)
	}
	want := Fault{Message: "unreachable", Method: "demo/Errors.trapped", Line: 30}
	if diff := cmp.Diff(want, *fault); diff != "" {
		t.Errorf("fault mismatch (-want +got):\n%s", diff)
	}
}

func TestNatives(t *testing.T) {
	m := newMachine(t, `
		class demo/Calls
		  method static twice (I)I
		    iload 0
		    invokestatic host/Math double (I)I
		    ireturn
		  end

		  method static fail ()V
		    line 7
		    invokestatic host/Math fail ()V
		    return
		  end
	`)
	m.RegisterNative("host/Math", "double", func(args []Value) (Value, error) {
		return args[0].(int32) * 2, nil
	})
	m.RegisterNative("host/Math", "fail", func([]Value) (Value, error) {
		return nil, NewThrowable(IllegalStateClass, "from host")
	})

	v, err := m.Invoke("demo/Calls", "twice", "(I)I", int32(21))
	if err != nil {
		t.Fatal(err)
	}
	if v != int32(42) {
		t.Errorf("got %v, want 42", v)
	}

	_, err = m.Invoke("demo/Calls", "fail", "()V")
	thrown, ok := err.(*Throwable)
	if !ok {
		t.Fatalf("expected an exception, got %v", err)
	}
	if len(thrown.Trace) != 1 || thrown.Trace[0].Line != 7 {
		t.Errorf("native exception was not attributed to its caller: %v", thrown.Trace)
	}

	if _, err := m.Invoke("demo/Calls", "missing", "()V"); !errors.Is(err, ErrNoSuchMethod) {
		t.Errorf("expected ErrNoSuchMethod, got %v", err)
	}
}

func TestObjects(t *testing.T) {
	m := newMachine(t, `
		class demo/Point
		  field x I
		  field volatile y J
		  field volatile name Ljava/lang/String;

		  method public move (I)V
		    aload 0
		    aload 0
		    getfield demo/Point x I
		    iload 1
		    iadd
		    putfield demo/Point x I
		    return
		  end

		  method public name ()Ljava/lang/String;
		    aload 0
		    getfield demo/Point name Ljava/lang/String;
		    checkcast Ljava/lang/String;
		    areturn
		  end
	`)
	p, err := m.NewObject("demo/Point")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"x", "y", "name"} {
		v, err := p.Get(name)
		if err != nil {
			t.Fatal(err)
		}
		if v != Zero(p.Class.Field(name).Type) {
			t.Errorf("field %s is not zero: %v", name, v)
		}
	}

	if _, err := m.Invoke("demo/Point", "move", "(I)V", p, int32(3)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Invoke("demo/Point", "move", "(I)V", p, int32(4)); err != nil {
		t.Fatal(err)
	}
	if v, _ := p.Get("x"); v != int32(7) {
		t.Errorf("x: got %v, want 7", v)
	}

	if err := p.Set("y", int32(1)); !errors.Is(err, ErrBadOperand) {
		t.Errorf("storing an int in a long field: got %v", err)
	}
	if err := p.Set("z", int32(1)); !errors.Is(err, ErrNoSuchField) {
		t.Errorf("storing an undeclared field: got %v", err)
	}

	if err := p.Set("name", int64(5)); err != nil {
		t.Fatal(err)
	}
	_, err = m.Invoke("demo/Point", "name", "()Ljava/lang/String;", p)
	if thrown, ok := err.(*Throwable); !ok || thrown.Class != ClassCastClass {
		t.Errorf("expected a class cast exception, got %v", err)
	}

	_, err = m.Invoke("demo/Point", "move", "(I)V", nil, int32(1))
	if thrown, ok := err.(*Throwable); !ok || thrown.Class != NullPointerClass {
		t.Errorf("expected a null pointer exception, got %v", err)
	}

	if _, err := m.NewObject("demo/Missing"); !errors.Is(err, ErrNoSuchClass) {
		t.Errorf("expected ErrNoSuchClass, got %v", err)
	}
}

func TestVolatileFields(t *testing.T) {
	m := newMachine(t, `
		class demo/Box
		  field volatile i I
		  field volatile j J
		  field volatile f F
		  field volatile d D
		  field volatile o Ljava/lang/Object;
	`)
	obj, err := m.NewObject("demo/Box")
	if err != nil {
		t.Fatal(err)
	}

	values := map[string]Value{
		"i": int32(-1),
		"j": int64(math.MaxInt64),
		"f": float32(0.25),
		"d": math.Pi,
		"o": "shared",
	}

	var wg sync.WaitGroup
	for name, v := range values {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := obj.Set(name, v); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	for name, want := range values {
		got, err := obj.Get(name)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("field %s: got %v, want %v", name, got, want)
		}
	}
}

func TestReloadRecompiles(t *testing.T) {
	m := newMachine(t, mathSource)
	class := m.Class("demo/Math")
	method := class.Method("div")

	if v, err := m.Invoke("demo/Math", "div", "(II)I", int32(8), int32(2)); err != nil || v != int32(4) {
		t.Fatalf("got %v, %v", v, err)
	}

	// Replace the division by a multiplication in place.
	for _, h := range method.Code.Handles() {
		if insn := method.Code.At(h); insn.Op == ir.OpDiv {
			method.Code.InsertBefore(h, ir.Arith(ir.OpMul, ir.IntType))
			method.Code.Remove(h)
			break
		}
	}
	if v, err := m.Invoke("demo/Math", "div", "(II)I", int32(8), int32(2)); err != nil || v != int32(16) {
		t.Errorf("modified method was not recompiled: got %v, %v", v, err)
	}
}
