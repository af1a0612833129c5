// Package ir is the instruction-level representation that suspendable
// functions are lowered in.
//
// The model is a small stack machine: a method body is an ordered list of
// instructions operating on an operand stack and on numbered local slots.
// Control flow is expressed with labels and explicit jumps. Types are
// written as JVM-style descriptors.
package ir

import (
	"fmt"
	"strings"
)

// Sort is the category of a Type.
type Sort uint8

const (
	Invalid Sort = iota
	Void
	Boolean
	Char
	Byte
	Short
	Int
	Float
	Long
	Double
	Array
	Object
)

var sortNames = [...]string{
	Invalid: "invalid",
	Void:    "void",
	Boolean: "boolean",
	Char:    "char",
	Byte:    "byte",
	Short:   "short",
	Int:     "int",
	Float:   "float",
	Long:    "long",
	Double:  "double",
	Array:   "array",
	Object:  "object",
}

func (s Sort) String() string {
	if int(s) < len(sortNames) {
		return sortNames[s]
	}
	return fmt.Sprintf("Sort(%d)", s)
}

// Type is a type descriptor, for example "I", "J" or "Ljava/lang/String;".
//
// The zero value is not a valid type.
type Type string

const (
	VoidType    Type = "V"
	BooleanType Type = "Z"
	CharType    Type = "C"
	ByteType    Type = "B"
	ShortType   Type = "S"
	IntType     Type = "I"
	FloatType   Type = "F"
	LongType    Type = "J"
	DoubleType  Type = "D"

	ObjectType    Type = "Ljava/lang/Object;"
	StringType    Type = "Ljava/lang/String;"
	ThrowableType Type = "Ljava/lang/Throwable;"
)

// ObjectTypeOf returns the type of instances of the named class.
func ObjectTypeOf(className string) Type {
	return Type("L" + className + ";")
}

// Sort returns the category of t, or Invalid if t is malformed.
func (t Type) Sort() Sort {
	if len(t) == 0 {
		return Invalid
	}
	switch t[0] {
	case 'V':
		return Void
	case 'Z':
		return Boolean
	case 'C':
		return Char
	case 'B':
		return Byte
	case 'S':
		return Short
	case 'I':
		return Int
	case 'F':
		return Float
	case 'J':
		return Long
	case 'D':
		return Double
	case '[':
		if len(t) > 1 && t[1:].Valid() && t[1] != 'V' {
			return Array
		}
	case 'L':
		if len(t) > 2 && t[len(t)-1] == ';' && !strings.ContainsAny(string(t[1:len(t)-1]), ";[") {
			return Object
		}
	}
	return Invalid
}

// Valid reports whether t is a well-formed descriptor.
func (t Type) Valid() bool {
	s := t.Sort()
	switch s {
	case Invalid:
		return false
	case Array, Object:
		return true
	default:
		return len(t) == 1
	}
}

// Size returns the number of stack words occupied by a value of type t.
func (t Type) Size() int {
	switch t.Sort() {
	case Void, Invalid:
		return 0
	case Long, Double:
		return 2
	default:
		return 1
	}
}

// IsReference is true for object and array types.
func (t Type) IsReference() bool {
	switch t.Sort() {
	case Object, Array:
		return true
	}
	return false
}

// IsIntLike is true for the sorts represented as int on the operand stack.
func (t Type) IsIntLike() bool {
	switch t.Sort() {
	case Boolean, Char, Byte, Short, Int:
		return true
	}
	return false
}

// ClassName returns the internal class name of an object type.
func (t Type) ClassName() string {
	if t.Sort() != Object {
		return ""
	}
	return string(t[1 : len(t)-1])
}

// Normalize returns the storage category of t: references and arrays
// collapse to ObjectType and int-like sorts collapse to IntType.
func (t Type) Normalize() Type {
	switch {
	case t.IsReference():
		return ObjectType
	case t.IsIntLike():
		return IntType
	}
	return t
}

// StackType is the type a value of type t has once loaded on the operand
// stack.
func (t Type) StackType() Type {
	if t.IsIntLike() {
		return IntType
	}
	return t
}

func (t Type) String() string { return string(t) }

// MethodType is a parsed method descriptor.
type MethodType struct {
	Params []Type
	Result Type
}

// ParseMethodType parses a descriptor such as "(ILjava/lang/Object;)J".
func ParseMethodType(desc string) (MethodType, error) {
	var mt MethodType
	if !strings.HasPrefix(desc, "(") {
		return mt, fmt.Errorf("malformed method descriptor %q: missing '('", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n := typeLen(desc[i:])
		if n == 0 {
			return mt, fmt.Errorf("malformed method descriptor %q: bad parameter at offset %d", desc, i)
		}
		p := Type(desc[i : i+n])
		if p == VoidType {
			return mt, fmt.Errorf("malformed method descriptor %q: void parameter", desc)
		}
		mt.Params = append(mt.Params, p)
		i += n
	}
	if i >= len(desc) {
		return mt, fmt.Errorf("malformed method descriptor %q: missing ')'", desc)
	}
	mt.Result = Type(desc[i+1:])
	if !mt.Result.Valid() {
		return mt, fmt.Errorf("malformed method descriptor %q: bad result type", desc)
	}
	return mt, nil
}

// MustParseMethodType is like ParseMethodType but panics on error.
func MustParseMethodType(desc string) MethodType {
	mt, err := ParseMethodType(desc)
	if err != nil {
		panic(err)
	}
	return mt
}

// WithResult returns a copy of mt with its result replaced.
func (mt MethodType) WithResult(result Type) MethodType {
	return MethodType{
		Params: append([]Type(nil), mt.Params...),
		Result: result,
	}
}

// ArgSize is the number of stack words taken by the parameters.
func (mt MethodType) ArgSize() int {
	n := 0
	for _, p := range mt.Params {
		n += p.Size()
	}
	return n
}

func (mt MethodType) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for _, p := range mt.Params {
		b.WriteString(string(p))
	}
	b.WriteByte(')')
	b.WriteString(string(mt.Result))
	return b.String()
}

// typeLen returns the length of the descriptor at the start of s, or zero.
func typeLen(s string) int {
	if len(s) == 0 {
		return 0
	}
	switch s[0] {
	case 'V', 'Z', 'C', 'B', 'S', 'I', 'F', 'J', 'D':
		return 1
	case 'L':
		if i := strings.IndexByte(s, ';'); i > 1 {
			return i + 1
		}
	case '[':
		if n := typeLen(s[1:]); n > 0 && s[1] != 'V' {
			return n + 1
		}
	}
	return 0
}
