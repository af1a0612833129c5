// Package vm is an interpreter for methods of the ir package.
//
// It exists to execute lowered continuation methods: objects have fields
// declared by their class, volatile fields are stored in atomic cells so
// that a continuation suspended on one goroutine can be resumed on another,
// exceptions carry the trace of the point where they were first thrown, and
// trap instructions stop execution with a Fault that no handler can catch.
package vm

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stealthrocket/suspend/ir"
)

// Value is a runtime value: int32 for int-like types, int64, float32,
// float64, string, *Object, *Throwable, a slice for arrays, or nil.
type Value = any

var (
	// ErrTrap is wrapped by the Fault returned when a trap instruction is
	// executed.
	ErrTrap = errors.New("trap")

	// ErrNoSuchMethod is returned when a call matches neither a loaded
	// method nor a native.
	ErrNoSuchMethod = errors.New("no such method")

	// ErrNoSuchField is returned when a field access names a field that
	// the object's class does not declare.
	ErrNoSuchField = errors.New("no such field")

	// ErrNoSuchClass is returned when instantiating a class that was not
	// loaded.
	ErrNoSuchClass = errors.New("no such class")

	// ErrBadOperand is returned when an instruction finds a value of the
	// wrong kind, which only happens when running malformed code.
	ErrBadOperand = errors.New("bad operand")
)

// Fault is a non-recoverable execution failure.
type Fault struct {
	Message string
	Method  string
	Line    int
}

func (f *Fault) Error() string {
	return fmt.Sprintf("trap in %s at line %d: %s", f.Method, f.Line, f.Message)
}

func (f *Fault) Unwrap() error { return ErrTrap }

// Native is a method implemented by the host. For virtual calls, args[0]
// is the receiver. Returning a *Throwable throws it in the caller.
type Native func(args []Value) (Value, error)

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger receiving execution diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// Machine holds loaded classes and host natives. It is safe for concurrent
// use; each call to Invoke runs on the calling goroutine.
type Machine struct {
	logger *zap.Logger

	mutex    sync.RWMutex
	classes  map[string]*ir.Class
	natives  map[string]Native
	parents  map[string]string
	programs map[*ir.Method]*program
}

// New creates a Machine with no classes loaded.
func New(options ...Option) *Machine {
	m := &Machine{
		logger:   zap.NewNop(),
		classes:  make(map[string]*ir.Class),
		natives:  make(map[string]Native),
		parents:  make(map[string]string),
		programs: make(map[*ir.Method]*program),
	}
	for class, parent := range builtinThrowables {
		m.parents[class] = parent
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Load makes the methods of c callable and c instantiable.
func (m *Machine) Load(c *ir.Class) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.classes[c.Name] = c
	for _, method := range c.Methods {
		delete(m.programs, method)
	}
}

// Class returns the loaded class with the given name, or nil.
func (m *Machine) Class(name string) *ir.Class {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.classes[name]
}

// RegisterNative installs fn as the implementation of owner.name.
func (m *Machine) RegisterNative(owner, name string, fn Native) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.natives[owner+"."+name] = fn
}

// DefineThrowable declares class as a subclass of parent for the purpose
// of matching exception handlers.
func (m *Machine) DefineThrowable(class, parent string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.parents[class] = parent
}

// IsInstance reports whether the throwable class is class or one of its
// subclasses.
func (m *Machine) IsInstance(throwable, class string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for c := throwable; c != ""; c = m.parents[c] {
		if c == class {
			return true
		}
	}
	return class == "java/lang/Throwable" || class == "java/lang/Object"
}

// NewObject instantiates a loaded class. Fields hold their zero values.
func (m *Machine) NewObject(class string) (*Object, error) {
	c := m.Class(class)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchClass, class)
	}
	return newObject(c), nil
}

// Invoke calls owner.name with the given arguments. For instance methods
// args[0] is the receiver; if it is an *Object whose class declares the
// method, that declaration is called.
//
// When the method throws, the error is the *Throwable. Traps return a
// *Fault wrapping ErrTrap.
func (m *Machine) Invoke(owner, name, desc string, args ...Value) (Value, error) {
	t := &thread{machine: m}
	return t.invoke(owner, name, desc, false, args)
}

func (m *Machine) resolve(owner, name, desc string, receiver Value) (*program, Native, error) {
	var class *ir.Class
	var method *ir.Method

	m.mutex.RLock()
	if obj, ok := receiver.(*Object); ok {
		if method = obj.Class.LookupMethod(name, desc); method != nil {
			class = obj.Class
		}
	}
	if method == nil {
		if class = m.classes[owner]; class != nil {
			method = class.LookupMethod(name, desc)
		}
	}
	native := m.natives[owner+"."+name]
	m.mutex.RUnlock()

	if method == nil {
		if native != nil {
			return nil, native, nil
		}
		return nil, nil, fmt.Errorf("%w: %s.%s%s", ErrNoSuchMethod, owner, name, desc)
	}
	p, err := m.program(class, method)
	return p, nil, err
}

// program returns the executable form of method, compiling it if its code
// changed since the last call.
func (m *Machine) program(class *ir.Class, method *ir.Method) (*program, error) {
	m.mutex.RLock()
	p := m.programs[method]
	m.mutex.RUnlock()
	if p != nil && p.code == method.Code && p.generation == method.Code.Generation() {
		return p, nil
	}

	p, err := compileProgram(class, method)
	if err != nil {
		return nil, err
	}
	m.mutex.Lock()
	m.programs[method] = p
	m.mutex.Unlock()
	return p, nil
}
