package compiler

import "fmt"

// ConsistencyError reports a method that violates the contract between the
// frontend and the compiler: a marker that is not followed by a call, values
// left on the operand stack across a suspension, or control flow that the
// dataflow analysis cannot reconcile. It always indicates a bug upstream and
// aborts the transformation of the whole method.
type ConsistencyError struct {
	Method string
	Pos    int
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: instruction %d: internal consistency error: %s", e.Method, e.Pos, e.Reason)
}

// UnsupportedError reports a construct that the compiler does not know how
// to lower.
type UnsupportedError struct {
	Method    string
	Construct string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s: not implemented: %s", e.Method, e.Construct)
}

func consistencyError(method string, pos int, format string, args ...any) error {
	return &ConsistencyError{Method: method, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}
