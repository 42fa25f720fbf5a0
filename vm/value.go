// Package vm executes code units on a small host interpreter with real frames: fast local
// slots, a name mapping, cells and an instruction pointer.
package vm

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/PatchLens/go-byref/bytecode"
)

var (
	// ErrUnsupportedOpcode indicates an instruction outside the executed subset.
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
	// ErrType indicates an operation applied to values of the wrong type or arity.
	ErrType = errors.New("type error")
	// ErrName indicates a name lookup failure.
	ErrName = errors.New("name error")
	// ErrLookup indicates a missing key or an index out of range.
	ErrLookup = errors.New("lookup error")
	// ErrRecursion indicates the interpreter exceeded its call depth.
	ErrRecursion = errors.New("maximum call depth exceeded")
)

// Value is any interpreter value: None, bool, int64, float64, string, Tuple, *List, *Dict,
// *Object, *Cell, *Function, *Builtin, Slice or another Callable.
type Value = any

// Tuple is an immutable sequence.
type Tuple = bytecode.Tuple

// None is the absent value.
var None = bytecode.None

// List is a mutable sequence.
type List struct {
	Items []Value
}

// NewList returns a list holding items.
func NewList(items ...Value) *List {
	return &List{Items: items}
}

// Slice is a start:stop:step subscript, nil fields are omitted bounds.
type Slice struct {
	Start, Stop, Step Value
}

// Object is an attribute bag.
type Object struct {
	Class string
	Attrs map[string]Value
}

// NewObject returns an object of the given class name with no attributes.
func NewObject(class string) *Object {
	return &Object{Class: class, Attrs: make(map[string]Value)}
}

// Cell holds a variable captured by a nested scope. A nil Value is unbound.
type Cell struct {
	Value Value
}

// Dict is an insertion ordered mapping from hashable values.
type Dict struct {
	index  map[any]int
	keys   []Value
	values []Value
}

// NewDict returns an empty dict.
func NewDict() *Dict {
	return &Dict{index: make(map[any]int)}
}

type tupleKey string

func hashKey(k Value) (any, error) {
	switch v := k.(type) {
	case nil, *List, *Dict, Slice:
		return nil, fmt.Errorf("%w: unhashable type %s", ErrType, TypeName(k))
	case Tuple:
		var sb strings.Builder
		for _, item := range v {
			h, err := hashKey(item)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&sb, "%T:%v,", h, h)
		}
		return tupleKey(sb.String()), nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
			return int64(v), nil
		}
		return v, nil
	default:
		return k, nil
	}
}

// Get returns the value stored under k.
func (d *Dict) Get(k Value) (Value, bool, error) {
	h, err := hashKey(k)
	if err != nil {
		return nil, false, err
	}
	i, ok := d.index[h]
	if !ok {
		return nil, false, nil
	}
	return d.values[i], true, nil
}

// Set stores v under k.
func (d *Dict) Set(k, v Value) error {
	h, err := hashKey(k)
	if err != nil {
		return err
	}
	if i, ok := d.index[h]; ok {
		d.values[i] = v
		return nil
	}
	d.index[h] = len(d.keys)
	d.keys = append(d.keys, k)
	d.values = append(d.values, v)
	return nil
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []Value {
	return append([]Value(nil), d.keys...)
}

// Each calls fn for every entry in insertion order, stopping at the first error.
func (d *Dict) Each(fn func(k, v Value) error) error {
	for i, k := range d.keys {
		if err := fn(k, d.values[i]); err != nil {
			return err
		}
	}
	return nil
}

// TypeName returns the interpreter type name of v.
func TypeName(v Value) string {
	switch v := v.(type) {
	case nil:
		return "<unbound>"
	case bytecode.NoneType:
		return "NoneType"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case Tuple:
		return "tuple"
	case *List:
		return "list"
	case *Dict:
		return "dict"
	case Slice:
		return "slice"
	case *Object:
		return v.Class
	case *Cell:
		return "cell"
	case *Function:
		return "function"
	case *Builtin:
		return "builtin_function"
	case *bytecode.Code:
		return "code"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Truth returns the boolean interpretation of v.
func Truth(v Value) bool {
	switch v := v.(type) {
	case nil, bytecode.NoneType:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	case Tuple:
		return len(v) > 0
	case *List:
		return len(v.Items) > 0
	case *Dict:
		return v.Len() > 0
	default:
		return true
	}
}

// Str formats v the way print shows it.
func Str(v Value) string {
	if s, ok := v.(string); ok {
		return s
	}
	return Repr(v)
}

// Repr formats v as a literal where one exists.
func Repr(v Value) string {
	switch v := v.(type) {
	case bytecode.NoneType:
		return "None"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eIN") {
			s += ".0"
		}
		return s
	case string:
		return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
	case Tuple:
		if len(v) == 1 {
			return "(" + Repr(v[0]) + ",)"
		}
		return "(" + joinRepr(v) + ")"
	case *List:
		return "[" + joinRepr(v.Items) + "]"
	case *Dict:
		parts := make([]string, 0, v.Len())
		for i, k := range v.keys {
			parts = append(parts, Repr(k)+": "+Repr(v.values[i]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *Object:
		return "<" + v.Class + " object>"
	case *Function:
		return "<function " + v.Name + ">"
	case *Builtin:
		return "<built-in function " + v.Name + ">"
	default:
		return fmt.Sprintf("<%s>", TypeName(v))
	}
}

func joinRepr(items []Value) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = Repr(item)
	}
	return strings.Join(parts, ", ")
}
