// Package suspend drives methods lowered by the compiler package as
// coroutines.
//
// A lowered method returns to its caller at every suspension point and
// resumes where it left off the next time it is called on the same
// continuation object. Coroutine hides this protocol: Next runs the method
// until it yields or completes, Recv returns the yielded value, and Send or
// Throw choose how the method observes the result of the suspending call
// when it resumes.
package suspend

import (
	"fmt"

	"github.com/stealthrocket/suspend/ir"
	"github.com/stealthrocket/suspend/vm"
)

// The yield native. Lowered code calls it with the yielded value and the
// continuation object:
//
//	aload 0
//	invokestatic suspend/Markers suspensionPoint ()V
//	invokestatic suspend/Coroutine yield (Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;
const (
	YieldOwner = "suspend/Coroutine"
	YieldName  = "yield"
	YieldDesc  = "(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;"
)

// Install registers the natives that coroutines depend on in m.
func Install(m *vm.Machine) {
	m.RegisterNative(YieldOwner, YieldName, yield)
}

func yield(args []vm.Value) (vm.Value, error) {
	if len(args) != 2 {
		return nil, vm.NewThrowable(vm.IllegalStateClass, "yield expects a value and a continuation")
	}
	obj, _ := args[1].(*vm.Object)
	if obj == nil {
		return nil, vm.NewThrowable(vm.IllegalStateClass, "yield called without a continuation")
	}
	c, _ := obj.Host.(*Coroutine)
	if c == nil {
		return nil, vm.NewThrowable(vm.IllegalStateClass, "yield called outside of a coroutine")
	}
	c.recv = args[0]
	c.suspended = true
	return nil, nil
}

// Coroutine drives a lowered continuation method.
//
// At most one goroutine may call Next at a time, but successive calls may
// come from different goroutines: the continuation state lives in volatile
// fields of the continuation object.
type Coroutine struct {
	machine *vm.Machine
	class   *ir.Class
	entry   string
	obj     *vm.Object

	recv      vm.Value
	send      vm.Value
	throw     *vm.Throwable
	suspended bool
	stop      bool
	done      bool
	err       error
}

// New creates a coroutine running the method entry of class, which must
// have been loaded in m. The continuation object is a new instance of
// class; use Object to initialize its fields before the first call to Next.
func New(m *vm.Machine, class *ir.Class, entry string) (*Coroutine, error) {
	method := class.LookupMethod(entry, ir.ResumeDesc)
	if method == nil {
		return nil, fmt.Errorf("%w: %s.%s%s", vm.ErrNoSuchMethod, class.Name, entry, ir.ResumeDesc)
	}
	obj, err := m.NewObject(class.Name)
	if err != nil {
		return nil, err
	}
	c := &Coroutine{machine: m, class: class, entry: entry, obj: obj}
	obj.Host = c
	return c, nil
}

// Object returns the continuation object.
func (c *Coroutine) Object() *vm.Object { return c.obj }

// Recv returns the last value that the coroutine has yielded. The method must
// be called only after a call to Next has returned true.
func (c *Coroutine) Recv() vm.Value { return c.recv }

// Send sets the value that the suspending call returns when the coroutine
// resumes. Only the last value sent before a call to Next is seen.
func (c *Coroutine) Send(v vm.Value) { c.send, c.throw = v, nil }

// Throw makes the suspending call throw e when the coroutine resumes. The
// exception keeps its identity and trace.
func (c *Coroutine) Throw(e *vm.Throwable) { c.send, c.throw = nil, e }

// Stop prevents the coroutine from being resumed again. Stop is idempotent.
func (c *Coroutine) Stop() { c.stop = true }

// Done returns true if the coroutine completed, was stopped, or failed.
func (c *Coroutine) Done() bool { return c.done }

// Err returns the error that terminated the coroutine: an uncaught
// *vm.Throwable, a *vm.Fault, or an execution error.
func (c *Coroutine) Err() error { return c.err }

// Next executes the coroutine until its next yield point, or until completion.
// The method returns true if the coroutine entered a yield point, after which
// the program should call Recv to obtain the value that the coroutine yielded,
// and Send or Throw to set the outcome of the yield point.
func (c *Coroutine) Next() bool {
	if c.done {
		return false
	}
	if c.stop {
		c.done = true
		return false
	}

	send, throw := c.send, c.throw
	c.send, c.throw, c.recv, c.suspended = nil, nil, nil, false

	var exception vm.Value
	if throw != nil {
		exception = throw
	}
	_, err := c.machine.Invoke(c.class.Name, c.entry, ir.ResumeDesc, c.obj, send, exception)
	switch {
	case err != nil:
		c.err, c.done = err, true
	case !c.suspended:
		c.done = true
	}
	return !c.done
}

// Run executes a coroutine to completion, calling f for each value that the
// coroutine yields, and sending back each value that f returns. It returns
// the error that terminated the coroutine, if any.
func Run(c *Coroutine, f func(vm.Value) vm.Value) error {
	// f might panic, in which case the coroutine is stopped instead of being
	// left suspended.
	defer func() {
		if !c.Done() {
			c.Stop()
			c.Next()
		}
	}()

	for c.Next() {
		c.Send(f(c.Recv()))
	}
	return c.Err()
}
