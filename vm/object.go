package vm

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/stealthrocket/suspend/ir"
)

// Object is an instance of a loaded class.
type Object struct {
	Class *ir.Class

	// Host is an attachment for natives, for example to find the Go value
	// driving a continuation object.
	Host any

	fields map[string]cell
}

func newObject(c *ir.Class) *Object {
	fields := c.Fields()
	o := &Object{Class: c, fields: make(map[string]cell, len(fields))}
	for _, f := range fields {
		o.fields[f.Name] = newCell(f)
	}
	return o
}

// Get returns the value of a field.
func (o *Object) Get(name string) (Value, error) {
	c, ok := o.fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchField, o.Class.Name, name)
	}
	return c.load(), nil
}

// Set stores the value of a field.
func (o *Object) Set(name string, v Value) error {
	c, ok := o.fields[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoSuchField, o.Class.Name, name)
	}
	if err := c.store(v); err != nil {
		return fmt.Errorf("%s.%s: %w", o.Class.Name, name, err)
	}
	return nil
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%p", o.Class.Name, o)
}

// cell is the storage of one field. Cells of volatile fields are atomic:
// a store happens before every load that observes it.
type cell interface {
	load() Value
	store(Value) error
}

func newCell(f *ir.Field) cell {
	if !f.Volatile() {
		return &plainCell{typ: f.Type, value: Zero(f.Type)}
	}
	switch {
	case f.Type.IsIntLike():
		return &int32Cell{}
	case f.Type == ir.LongType:
		return &int64Cell{}
	case f.Type == ir.FloatType:
		return &float32Cell{}
	case f.Type == ir.DoubleType:
		return &float64Cell{}
	default:
		return &refCell{}
	}
}

type plainCell struct {
	typ   ir.Type
	value Value
}

func (c *plainCell) load() Value { return c.value }

func (c *plainCell) store(v Value) error {
	if err := checkKind(c.typ, v); err != nil {
		return err
	}
	c.value = v
	return nil
}

type int32Cell struct{ v atomic.Int32 }

func (c *int32Cell) load() Value { return c.v.Load() }

func (c *int32Cell) store(v Value) error {
	x, err := operand[int32](v)
	if err == nil {
		c.v.Store(x)
	}
	return err
}

type int64Cell struct{ v atomic.Int64 }

func (c *int64Cell) load() Value { return c.v.Load() }

func (c *int64Cell) store(v Value) error {
	x, err := operand[int64](v)
	if err == nil {
		c.v.Store(x)
	}
	return err
}

type float32Cell struct{ v atomic.Float32 }

func (c *float32Cell) load() Value { return c.v.Load() }

func (c *float32Cell) store(v Value) error {
	x, err := operand[float32](v)
	if err == nil {
		c.v.Store(x)
	}
	return err
}

type float64Cell struct{ v atomic.Float64 }

func (c *float64Cell) load() Value { return c.v.Load() }

func (c *float64Cell) store(v Value) error {
	x, err := operand[float64](v)
	if err == nil {
		c.v.Store(x)
	}
	return err
}

type ref struct{ value Value }

type refCell struct{ v atomic.Pointer[ref] }

func (c *refCell) load() Value {
	if r := c.v.Load(); r != nil {
		return r.value
	}
	return nil
}

func (c *refCell) store(v Value) error {
	if err := checkKind(ir.ObjectType, v); err != nil {
		return err
	}
	c.v.Store(&ref{value: v})
	return nil
}

// Zero returns the default value of a field or local of type t.
func Zero(t ir.Type) Value {
	switch {
	case t.IsIntLike():
		return int32(0)
	case t == ir.LongType:
		return int64(0)
	case t == ir.FloatType:
		return float32(0)
	case t == ir.DoubleType:
		return float64(0)
	}
	return nil
}

// checkKind verifies that v has the Go representation of type t.
func checkKind(t ir.Type, v Value) error {
	var ok bool
	switch {
	case t.IsIntLike():
		_, ok = v.(int32)
	case t == ir.LongType:
		_, ok = v.(int64)
	case t == ir.FloatType:
		_, ok = v.(float32)
	case t == ir.DoubleType:
		_, ok = v.(float64)
	default:
		ok = true
	}
	if !ok {
		return fmt.Errorf("%w: %T is not a %s", ErrBadOperand, v, t)
	}
	return nil
}

func operand[T any](v Value) (T, error) {
	x, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: expected %T, found %T", ErrBadOperand, zero, v)
	}
	return x, nil
}
