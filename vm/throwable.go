package vm

import (
	"fmt"
	"strings"
)

// Exception classes raised by the machine itself.
const (
	ThrowableClass           = "java/lang/Throwable"
	ExceptionClass           = "java/lang/Exception"
	RuntimeExceptionClass    = "java/lang/RuntimeException"
	ArithmeticExceptionClass = "java/lang/ArithmeticException"
	NullPointerClass         = "java/lang/NullPointerException"
	ClassCastClass           = "java/lang/ClassCastException"
	IllegalStateClass        = "java/lang/IllegalStateException"
)

var builtinThrowables = map[string]string{
	ExceptionClass:           ThrowableClass,
	RuntimeExceptionClass:    ExceptionClass,
	ArithmeticExceptionClass: RuntimeExceptionClass,
	NullPointerClass:         RuntimeExceptionClass,
	ClassCastClass:           RuntimeExceptionClass,
	IllegalStateClass:        RuntimeExceptionClass,
}

// StackElement is a frame of an exception trace.
type StackElement struct {
	Class  string
	Method string
	Line   int
}

func (e StackElement) String() string {
	return fmt.Sprintf("%s.%s:%d", e.Class, e.Method, e.Line)
}

// Throwable is an exception value. Its trace is recorded the first time it
// is thrown and kept when it is thrown again.
type Throwable struct {
	Class   string
	Message string
	Trace   []StackElement
}

// NewThrowable creates an exception that has not been thrown yet.
func NewThrowable(class, message string) *Throwable {
	return &Throwable{Class: class, Message: message}
}

func (t *Throwable) Error() string {
	if t.Message == "" {
		return t.Class
	}
	return t.Class + ": " + t.Message
}

// StackTrace formats the exception and its trace, innermost frame first.
func (t *Throwable) StackTrace() string {
	var b strings.Builder
	b.WriteString(t.Error())
	for _, e := range t.Trace {
		b.WriteString("\n\tat ")
		b.WriteString(e.String())
	}
	return b.String()
}

func nullPointer(what string) *Throwable {
	return NewThrowable(NullPointerClass, what)
}
