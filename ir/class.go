package ir

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Access flags of fields and methods.
type Access uint16

const (
	AccPublic Access = 1 << iota
	AccPrivate
	AccStatic
	AccVolatile
)

var accessNames = []struct {
	flag Access
	name string
}{
	{AccPublic, "public"},
	{AccPrivate, "private"},
	{AccStatic, "static"},
	{AccVolatile, "volatile"},
}

func (a Access) String() string {
	var names []string
	for _, n := range accessNames {
		if a&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, " ")
}

// Annotations recognized by the compiler.
const (
	// ContinuationMethod marks a method whose body contains suspension
	// markers and must be lowered into a state machine.
	ContinuationMethod = "Lsuspend/ContinuationMethod;"

	// SkipTransform marks a method that has already been lowered.
	SkipTransform = "Lsuspend/SkipTransform;"
)

// ResumeDesc is the descriptor of continuation methods. Slot 0 holds the
// receiver, slot 1 the resumption value and slot 2 the resumption
// exception.
const ResumeDesc = "(Ljava/lang/Object;Ljava/lang/Throwable;)V"

// Reserved local slots of continuation methods.
const (
	ReceiverSlot  = 0
	ValueSlot     = 1
	ExceptionSlot = 2
)

// Field is a field declaration.
type Field struct {
	Access Access
	Name   string
	Type   Type
}

// Volatile is true if reads and writes of the field are synchronized
// between goroutines.
func (f *Field) Volatile() bool { return f.Access&AccVolatile != 0 }

// TryCatch is an exception handler covering the half-open range
// [Start, End). Type is the caught class name, or empty to catch
// everything.
type TryCatch struct {
	Start, End, Handler Label
	Type                string
}

// Method is a method declaration and its body.
type Method struct {
	Access      Access
	Name        string
	Desc        string
	MaxLocals   int
	Annotations []string
	Code        *List
	TryCatch    []TryCatch
}

// NewMethod returns a method with an empty body.
func NewMethod(access Access, name, desc string) *Method {
	return &Method{Access: access, Name: name, Desc: desc, Code: NewList()}
}

// Static is true if the method has no receiver.
func (m *Method) Static() bool { return m.Access&AccStatic != 0 }

// Type parses the method descriptor.
func (m *Method) Type() (MethodType, error) { return ParseMethodType(m.Desc) }

// HasAnnotation reports whether the method carries the annotation desc.
func (m *Method) HasAnnotation(desc string) bool {
	return slices.Contains(m.Annotations, desc)
}

// AddAnnotation adds desc if it is not already present.
func (m *Method) AddAnnotation(desc string) {
	if !m.HasAnnotation(desc) {
		m.Annotations = append(m.Annotations, desc)
	}
}

// RemoveAnnotation removes desc and reports whether it was present.
func (m *Method) RemoveAnnotation(desc string) bool {
	n := len(m.Annotations)
	m.Annotations = slices.DeleteFunc(m.Annotations, func(a string) bool { return a == desc })
	return len(m.Annotations) != n
}

// NewLocal allocates a fresh local slot.
func (m *Method) NewLocal() int {
	slot := m.MaxLocals
	m.MaxLocals++
	return slot
}

// String returns the method's name and descriptor.
func (m *Method) String() string { return m.Name + m.Desc }

// Class is a named container of fields and methods.
//
// Field declarations are safe for concurrent use, so that the methods of a
// class can be compiled in parallel. Methods themselves must only be
// mutated by one goroutine at a time.
type Class struct {
	Name    string
	Methods []*Method

	mutex  sync.Mutex
	fields []*Field
}

// NewClass returns an empty class.
func NewClass(name string) *Class {
	return &Class{Name: name}
}

// ClassName returns the class name.
func (c *Class) ClassName() string { return c.Name }

// Method returns the first method with the given name, or nil.
func (c *Class) Method(name string) *Method {
	for _, m := range c.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// LookupMethod returns the method matching name and the parameters of
// desc. The result type is not compared: a call whose result was narrowed
// to void still resolves to its target.
func (c *Class) LookupMethod(name, desc string) *Method {
	want, err := ParseMethodType(desc)
	if err != nil {
		return nil
	}
	for _, m := range c.Methods {
		if m.Name != name {
			continue
		}
		got, err := m.Type()
		if err == nil && slices.Equal(got.Params, want.Params) {
			return m
		}
	}
	return nil
}

// Fields returns a snapshot of the declared fields.
func (c *Class) Fields() []*Field {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return slices.Clone(c.fields)
}

// Field returns the declared field with the given name, or nil.
func (c *Class) Field(name string) *Field {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, f := range c.fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// NewField declares a field. Declaring the same field twice with the same
// type and access is a no-op; conflicting declarations are an error.
func (c *Class) NewField(access Access, name string, t Type) error {
	if !t.Valid() || t == VoidType {
		return fmt.Errorf("field %s.%s: invalid type %q", c.Name, name, t)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, f := range c.fields {
		if f.Name != name {
			continue
		}
		if f.Type != t || f.Access != access {
			return fmt.Errorf("field %s.%s redeclared as %s %s (was %s %s)", c.Name, name, access, t, f.Access, f.Type)
		}
		return nil
	}
	c.fields = append(c.fields, &Field{Access: access, Name: name, Type: t})
	return nil
}
