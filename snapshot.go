package suspend

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/stealthrocket/suspend/vm"
)

// ErrCycle is returned when marshaling a continuation whose fields form a
// reference cycle.
var ErrCycle = errors.New("cannot marshal cyclic object graph")

// Field numbers of the snapshot encoding.
const (
	snapshotClass protowire.Number = 1
	snapshotEntry protowire.Number = 2
	snapshotDone  protowire.Number = 3
	snapshotField protowire.Number = 4
	snapshotRecv  protowire.Number = 5

	fieldName  protowire.Number = 1
	fieldValue protowire.Number = 2

	valueInt32     protowire.Number = 1
	valueInt64     protowire.Number = 2
	valueFloat32   protowire.Number = 3
	valueFloat64   protowire.Number = 4
	valueString    protowire.Number = 5
	valueObject    protowire.Number = 6
	valueThrowable protowire.Number = 7

	objectClass protowire.Number = 1
	objectField protowire.Number = 2

	throwableClass   protowire.Number = 1
	throwableMessage protowire.Number = 2
	throwableTrace   protowire.Number = 3

	elementClass  protowire.Number = 1
	elementMethod protowire.Number = 2
	elementLine   protowire.Number = 3
)

// MarshalAppend appends the state of a suspended coroutine to b. The state
// is made of the fields of the continuation object, which hold the state
// tag and every local spilled at the current suspension point.
func (c *Coroutine) MarshalAppend(b []byte) ([]byte, error) {
	b = protowire.AppendTag(b, snapshotClass, protowire.BytesType)
	b = protowire.AppendString(b, c.class.Name)
	b = protowire.AppendTag(b, snapshotEntry, protowire.BytesType)
	b = protowire.AppendString(b, c.entry)
	if c.done {
		b = protowire.AppendTag(b, snapshotDone, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}

	e := encoder{visited: map[*vm.Object]bool{c.obj: true}}
	fields, err := e.fields(nil, snapshotField, c.obj)
	if err != nil {
		return nil, err
	}
	b = append(b, fields...)

	if c.recv != nil {
		v, err := e.value(nil, c.recv)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, snapshotRecv, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	return b, nil
}

type encoder struct {
	visited map[*vm.Object]bool
}

// fields appends each field of obj as an entry numbered num.
func (e *encoder) fields(b []byte, num protowire.Number, obj *vm.Object) ([]byte, error) {
	for _, f := range obj.Class.Fields() {
		v, err := obj.Get(f.Name)
		if err != nil {
			return nil, err
		}
		var field []byte
		field = protowire.AppendTag(field, fieldName, protowire.BytesType)
		field = protowire.AppendString(field, f.Name)
		if v != nil {
			value, err := e.value(nil, v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", obj.Class.Name, f.Name, err)
			}
			field = protowire.AppendTag(field, fieldValue, protowire.BytesType)
			field = protowire.AppendBytes(field, value)
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, field)
	}
	return b, nil
}

func (e *encoder) value(b []byte, v vm.Value) ([]byte, error) {
	switch x := v.(type) {
	case int32:
		b = protowire.AppendTag(b, valueInt32, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(x)))
	case int64:
		b = protowire.AppendTag(b, valueInt64, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(x))
	case float32:
		b = protowire.AppendTag(b, valueFloat32, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(x))
	case float64:
		b = protowire.AppendTag(b, valueFloat64, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(x))
	case string:
		b = protowire.AppendTag(b, valueString, protowire.BytesType)
		b = protowire.AppendString(b, x)
	case *vm.Object:
		if e.visited[x] {
			return nil, ErrCycle
		}
		e.visited[x] = true
		var obj []byte
		obj = protowire.AppendTag(obj, objectClass, protowire.BytesType)
		obj = protowire.AppendString(obj, x.Class.Name)
		obj, err := e.fields(obj, objectField, x)
		if err != nil {
			return nil, err
		}
		delete(e.visited, x)
		b = protowire.AppendTag(b, valueObject, protowire.BytesType)
		b = protowire.AppendBytes(b, obj)
	case *vm.Throwable:
		var t []byte
		t = protowire.AppendTag(t, throwableClass, protowire.BytesType)
		t = protowire.AppendString(t, x.Class)
		t = protowire.AppendTag(t, throwableMessage, protowire.BytesType)
		t = protowire.AppendString(t, x.Message)
		for _, elem := range x.Trace {
			var s []byte
			s = protowire.AppendTag(s, elementClass, protowire.BytesType)
			s = protowire.AppendString(s, elem.Class)
			s = protowire.AppendTag(s, elementMethod, protowire.BytesType)
			s = protowire.AppendString(s, elem.Method)
			s = protowire.AppendTag(s, elementLine, protowire.VarintType)
			s = protowire.AppendVarint(s, uint64(elem.Line))
			t = protowire.AppendTag(t, throwableTrace, protowire.BytesType)
			t = protowire.AppendBytes(t, s)
		}
		b = protowire.AppendTag(b, valueThrowable, protowire.BytesType)
		b = protowire.AppendBytes(b, t)
	default:
		return nil, fmt.Errorf("cannot marshal value of type %T", v)
	}
	return b, nil
}

// Unmarshal restores the state of a coroutine from a buffer produced by
// MarshalAppend. The coroutine must have been created for the same class
// and entry method. It returns the number of bytes read.
func (c *Coroutine) Unmarshal(b []byte) (int, error) {
	var class, entry string
	var done bool
	var recv vm.Value
	fields := map[string]vm.Value{}

	err := scan(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case snapshotClass:
			class = string(v)
		case snapshotEntry:
			entry = string(v)
		case snapshotDone:
			done = x != 0
		case snapshotField:
			name, value, err := c.field(v)
			if err != nil {
				return err
			}
			fields[name] = value
		case snapshotRecv:
			value, err := c.value(v)
			if err != nil {
				return err
			}
			recv = value
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if class != c.class.Name || entry != c.entry {
		return 0, fmt.Errorf("snapshot of %s.%s cannot be restored into %s.%s", class, entry, c.class.Name, c.entry)
	}
	// Fields are checked on a scratch object first so that a snapshot that
	// does not fit the class leaves the continuation untouched.
	scratch, err := c.machine.NewObject(c.class.Name)
	if err != nil {
		return 0, err
	}
	for name, value := range fields {
		if err := scratch.Set(name, value); err != nil {
			return 0, err
		}
	}
	for name, value := range fields {
		if err := c.obj.Set(name, value); err != nil {
			return 0, err
		}
	}
	c.recv, c.done = recv, done
	c.send, c.throw, c.err = nil, nil, nil
	return len(b), nil
}

func (c *Coroutine) field(b []byte) (name string, value vm.Value, err error) {
	err = scan(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case fieldName:
			name = string(v)
		case fieldValue:
			value, err = c.value(v)
		}
		return err
	})
	return name, value, err
}

func (c *Coroutine) value(b []byte) (value vm.Value, err error) {
	err = scan(b, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
		switch num {
		case valueInt32:
			value = int32(protowire.DecodeZigZag(x))
		case valueInt64:
			value = protowire.DecodeZigZag(x)
		case valueFloat32:
			value = math.Float32frombits(uint32(x))
		case valueFloat64:
			value = math.Float64frombits(x)
		case valueString:
			value = string(v)
		case valueObject:
			value, err = c.object(v)
		case valueThrowable:
			value, err = throwable(v)
		}
		return err
	})
	return value, err
}

func (c *Coroutine) object(b []byte) (*vm.Object, error) {
	var obj *vm.Object
	err := scan(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case objectClass:
			o, err := c.machine.NewObject(string(v))
			if err != nil {
				return err
			}
			obj = o
		case objectField:
			if obj == nil {
				return errors.New("object field precedes its class")
			}
			name, value, err := c.field(v)
			if err != nil {
				return err
			}
			return obj.Set(name, value)
		}
		return nil
	})
	return obj, err
}

func throwable(b []byte) (*vm.Throwable, error) {
	t := &vm.Throwable{}
	err := scan(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case throwableClass:
			t.Class = string(v)
		case throwableMessage:
			t.Message = string(v)
		case throwableTrace:
			var elem vm.StackElement
			err := scan(v, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
				switch num {
				case elementClass:
					elem.Class = string(v)
				case elementMethod:
					elem.Method = string(v)
				case elementLine:
					elem.Line = int(x)
				}
				return nil
			})
			if err != nil {
				return err
			}
			t.Trace = append(t.Trace, elem)
		}
		return nil
	})
	return t, err
}

// scan calls f for every field of a protobuf message. Length-delimited
// payloads are passed in v, scalar payloads in x.
func scan(b []byte, f func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x32 uint32
			x32, n = protowire.ConsumeFixed32(b)
			x = uint64(x32)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := f(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
