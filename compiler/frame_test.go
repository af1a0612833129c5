package compiler

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/renstrom/dedent"

	"github.com/stealthrocket/suspend/ir"
)

func analyze(t *testing.T, src string) (*ir.Method, *Frames, error) {
	t.Helper()
	class, err := ir.ParseClass(dedent.Dedent(src))
	if err != nil {
		t.Fatal(err)
	}
	m := class.Methods[0]
	frames, err := Analyze(class.Name, m, BasicInterpreter)
	return m, frames, err
}

// frameAt returns the frame before the n-th instruction with opcode op.
func frameAt(t *testing.T, m *ir.Method, frames *Frames, op ir.Opcode, n int) *Frame {
	t.Helper()
	for _, h := range m.Code.Handles() {
		if m.Code.At(h).Op != op {
			continue
		}
		if n == 0 {
			return frames.Before(h)
		}
		n--
	}
	t.Fatalf("no %s instruction found", op)
	return nil
}

func TestAnalyzeMergesLocals(t *testing.T) {
	m, frames, err := analyze(t, `
		class demo/Merge
		  method static f (I)V
		    .locals 4
		    iload 0
		    ifeq other
		    iconst 1
		    istore 1
		    sconst "s"
		    astore 2
		    iconst 3
		    istore 3
		    goto join
		  other:
		    fconst 1.5
		    fstore 1
		    new demo/Merge
		    astore 2
		    iconst 4
		    istore 3
		  join:
		    return
		  end
	`)
	if err != nil {
		t.Fatal(err)
	}
	f := frameAt(t, m, frames, ir.OpReturn, 0)
	want := []Value{
		{ir.IntType},
		{},
		{ir.ObjectType},
		{ir.IntType},
	}
	if diff := cmp.Diff(want, f.Locals); diff != "" {
		t.Errorf("locals mismatch (-want +got):\n%s", diff)
	}
	if len(f.Stack) != 0 {
		t.Errorf("stack is not empty: %s", f)
	}
}

func TestAnalyzeLoop(t *testing.T) {
	m, frames, err := analyze(t, `
		class demo/Loop
		  method static sum (I)I
		    .locals 3
		    iconst 0
		    istore 1
		    iconst 0
		    istore 2
		  head:
		    iload 2
		    iload 0
		    if_icmpge done
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
	`)
	if err != nil {
		t.Fatal(err)
	}
	f := frameAt(t, m, frames, ir.OpReturn, 0)
	if diff := cmp.Diff([]Value{{ir.IntType}}, f.Stack); diff != "" {
		t.Errorf("stack mismatch (-want +got):\n%s", diff)
	}
	if got := f.String(); got != "I I I | I" {
		t.Errorf("frame: got %q", got)
	}
}

func TestAnalyzeExceptionHandler(t *testing.T) {
	m, frames, err := analyze(t, `
		class demo/Handler
		  method static h ()V
		    .locals 2
		    .catch start stop handler java/lang/ArithmeticException
		  start:
		    iconst 1
		    iconst 0
		    idiv
		    istore 0
		  stop:
		    return
		  handler:
		    astore 1
		    return
		  end
	`)
	if err != nil {
		t.Fatal(err)
	}
	f := frameAt(t, m, frames, ir.OpStore, 1)
	if diff := cmp.Diff([]Value{{"Ljava/lang/ArithmeticException;"}}, f.Stack); diff != "" {
		t.Errorf("handler stack mismatch (-want +got):\n%s", diff)
	}
	// Slot 0 is set inside the try block, so it is not known to be
	// initialized when the handler starts.
	if diff := cmp.Diff([]Value{{}, {}}, f.Locals); diff != "" {
		t.Errorf("handler locals mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeUnreachable(t *testing.T) {
	m, frames, err := analyze(t, `
		class demo/Dead
		  method static d ()V
		    .locals 1
		    return
		    iconst 1
		    pop
		    return
		  end
	`)
	if err != nil {
		t.Fatal(err)
	}
	if f := frameAt(t, m, frames, ir.OpConst, 0); f != nil {
		t.Errorf("unreachable instruction has a frame: %s", f)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		src  string
	}{
		{
			name: "stack height mismatch",
			src: `
				class demo/Bad
				  method static g (I)V
				    .locals 1
				    iload 0
				    ifeq skip
				    iconst 1
				  skip:
				    return
				  end
			`,
		},
		{
			name: "stack type mismatch",
			src: `
				class demo/Bad
				  method static g (I)V
				    .locals 1
				    iload 0
				    ifeq other
				    iconst 1
				    goto join
				  other:
				    fconst 1
				  join:
				    pop
				    return
				  end
			`,
		},
		{
			name: "uninitialized read",
			src: `
				class demo/Bad
				  method static g (I)V
				    .locals 2
				    iload 1
				    pop
				    return
				  end
			`,
		},
		{
			name: "stack underflow",
			src: `
				class demo/Bad
				  method static g ()V
				    .locals 0
				    pop
				    return
				  end
			`,
		},
		{
			name: "falls off the end",
			src: `
				class demo/Bad
				  method static g ()V
				    .locals 0
				    nop
				  end
			`,
		},
		{
			name: "wrong operand type",
			src: `
				class demo/Bad
				  method static g ()V
				    .locals 0
				    lconst 1
				    iconst 1
				    iadd
				    pop
				    return
				  end
			`,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := analyze(t, test.src)
			var consistency *ConsistencyError
			if !errors.As(err, &consistency) {
				t.Fatalf("expected a consistency error, got %v", err)
			}
		})
	}
}

func TestNormalizeStack(t *testing.T) {
	class := ir.MustParseClass(dedent.Dedent(`
		class demo/Stack
		  method public run (Ljava/lang/Object;Ljava/lang/Throwable;)V
		    .locals 3
		    iconst 1
		    dconst 2
		    sconst "arg"
		    invokestatic suspend/Markers suspensionPoint ()V
		    invokestatic test/Host echo (Ljava/lang/String;)Ljava/lang/String;
		    pop
		    pop
		    pop
		    return
		  end
	`))
	m := class.Methods[0]
	if err := normalizeStack(class.Name, m, DefaultMarkerOwner); err != nil {
		t.Fatal(err)
	}
	frames, err := Analyze(class.Name, m, BasicInterpreter)
	if err != nil {
		t.Fatalf("normalized method does not analyze: %v\n%s", err, ir.FormatMethod(m))
	}

	var call, after ir.Handle
	for _, h := range m.Code.Handles() {
		if insn := m.Code.At(h); insn.Op == ir.OpInvoke && insn.Name == "echo" {
			call, after = h, m.Code.Next(h)
		}
	}
	if diff := cmp.Diff([]Value{{ir.StringType}}, frames.Before(call).Stack); diff != "" {
		t.Errorf("stack at the call mismatch (-want +got):\n%s", diff)
	}
	if n := len(frames.Before(call).Locals); n != 7 {
		t.Errorf("got %d locals, want 7", n)
	}
	// The result is stored, the saved values reloaded beneath it.
	var got []string
	for h := after; h != ir.NoHandle; h = m.Code.Next(h) {
		got = append(got, ir.FormatInsn(m.Code.At(h)))
	}
	want := []string{
		"astore 6",
		"iload 5",
		"dload 4",
		"aload 6",
		"pop",
		"pop",
		"pop",
		"return",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("code after the call mismatch (-want +got):\n%s", diff)
	}
}

func TestScanSuspensionPoints(t *testing.T) {
	class := ir.MustParseClass(dedent.Dedent(`
		class demo/Scan
		  method public run (Ljava/lang/Object;Ljava/lang/Throwable;)V
		    .locals 3
		    invokestatic suspend/Markers suspensionPoint ()V
		    invokestatic test/Host first ()V
		    invokestatic test/Host plain ()V
		    invokestatic suspend/Markers suspensionPoint ()V
		    invokevirtual test/Host second ()V
		    return
		  end
	`))
	m := class.Methods[0]
	points, err := scanSuspensionPoints(m, DefaultMarkerOwner)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, p := range points {
		got = append(got, m.Code.At(p.Call).Name)
		if p.ID != len(got) {
			t.Errorf("point %s has ID %d, want %d", got[len(got)-1], p.ID, len(got))
		}
	}
	if diff := cmp.Diff([]string{"first", "second"}, got); diff != "" {
		t.Errorf("suspension points mismatch (-want +got):\n%s", diff)
	}
	if n := m.Code.Len(); n != 4 {
		t.Errorf("markers were not removed: %d instructions left", n)
	}
}
