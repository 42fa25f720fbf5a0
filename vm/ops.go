package vm

import (
	"fmt"
	"math"
	"strings"

	"github.com/PatchLens/go-byref/bytecode"
)

// GetAttr reads attribute name of v.
func GetAttr(v Value, name string) (Value, error) {
	switch o := v.(type) {
	case *Object:
		if a, ok := o.Attrs[name]; ok {
			return a, nil
		}
	case *List:
		switch name {
		case "append":
			return &Builtin{Name: "list.append", Fn: func(_ *Interpreter, args []Value, _ map[string]Value) (Value, error) {
				if len(args) != 1 {
					return nil, fmt.Errorf("%w: append takes exactly one argument", ErrType)
				}
				o.Items = append(o.Items, args[0])
				return None, nil
			}}, nil
		case "extend":
			return &Builtin{Name: "list.extend", Fn: func(_ *Interpreter, args []Value, _ map[string]Value) (Value, error) {
				if len(args) != 1 {
					return nil, fmt.Errorf("%w: extend takes exactly one argument", ErrType)
				}
				items, err := Iterate(args[0])
				if err != nil {
					return nil, err
				}
				o.Items = append(o.Items, items...)
				return None, nil
			}}, nil
		}
	case *Function:
		if name == "__name__" {
			return o.Name, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no attribute %q", ErrName, TypeName(v), name)
}

// SetAttr assigns attribute name of v.
func SetAttr(v Value, name string, val Value) error {
	o, ok := v.(*Object)
	if !ok {
		return fmt.Errorf("%w: cannot set attribute %q on %s", ErrType, name, TypeName(v))
	}
	o.Attrs[name] = val
	return nil
}

func asIndex(k Value) (int64, bool) {
	switch k := k.(type) {
	case int64:
		return k, true
	case bool:
		if k {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func normIndex(i int64, n int) (int, error) {
	if i < 0 {
		i += int64(n)
	}
	if i < 0 || i >= int64(n) {
		return 0, fmt.Errorf("%w: index %d out of range", ErrLookup, i)
	}
	return int(i), nil
}

func sliceBounds(s Slice, n int) (start, stop, step int, err error) {
	bound := func(v Value, def int) (int, error) {
		if v == nil || v == None {
			return def, nil
		}
		i, ok := asIndex(v)
		if !ok {
			return 0, fmt.Errorf("%w: slice indices must be integers", ErrType)
		}
		if i < 0 {
			i += int64(n)
		}
		return int(min(max(i, 0), int64(n))), nil
	}
	step = 1
	if s.Step != nil && s.Step != None {
		st, ok := asIndex(s.Step)
		if !ok || st != 1 {
			return 0, 0, 0, fmt.Errorf("%w: only unit slice steps are supported", ErrType)
		}
	}
	if start, err = bound(s.Start, 0); err != nil {
		return
	}
	if stop, err = bound(s.Stop, n); err != nil {
		return
	}
	stop = max(stop, start)
	return
}

// GetItem reads v[k].
func GetItem(v, k Value) (Value, error) {
	var items []Value
	switch c := v.(type) {
	case *Dict:
		val, ok, err := c.Get(k)
		if err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("%w: key %s", ErrLookup, Repr(k))
		}
		return val, nil
	case *List:
		items = c.Items
	case Tuple:
		items = c
	case string:
		if s, ok := k.(Slice); ok {
			start, stop, _, err := sliceBounds(s, len(c))
			if err != nil {
				return nil, err
			}
			return c[start:stop], nil
		}
		i, ok := asIndex(k)
		if !ok {
			return nil, fmt.Errorf("%w: string indices must be integers", ErrType)
		}
		idx, err := normIndex(i, len(c))
		if err != nil {
			return nil, err
		}
		return c[idx : idx+1], nil
	default:
		return nil, fmt.Errorf("%w: %s is not subscriptable", ErrType, TypeName(v))
	}

	if s, ok := k.(Slice); ok {
		start, stop, _, err := sliceBounds(s, len(items))
		if err != nil {
			return nil, err
		}
		part := append([]Value(nil), items[start:stop]...)
		if _, isList := v.(*List); isList {
			return NewList(part...), nil
		}
		return Tuple(part), nil
	}
	i, ok := asIndex(k)
	if !ok {
		return nil, fmt.Errorf("%w: indices must be integers, not %s", ErrType, TypeName(k))
	}
	idx, err := normIndex(i, len(items))
	if err != nil {
		return nil, err
	}
	return items[idx], nil
}

// SetItem assigns v[k] = val.
func SetItem(v, k, val Value) error {
	switch c := v.(type) {
	case *Dict:
		return c.Set(k, val)
	case *List:
		i, ok := asIndex(k)
		if !ok {
			return fmt.Errorf("%w: list indices must be integers, not %s", ErrType, TypeName(k))
		}
		idx, err := normIndex(i, len(c.Items))
		if err != nil {
			return err
		}
		c.Items[idx] = val
		return nil
	}
	return fmt.Errorf("%w: %s does not support item assignment", ErrType, TypeName(v))
}

// Iterate returns the items v yields when iterated.
func Iterate(v Value) ([]Value, error) {
	switch c := v.(type) {
	case *List:
		return append([]Value(nil), c.Items...), nil
	case Tuple:
		return append([]Value(nil), c...), nil
	case *Dict:
		return c.Keys(), nil
	case string:
		items := make([]Value, 0, len(c))
		for _, r := range c {
			items = append(items, string(r))
		}
		return items, nil
	case *iterator:
		return c.rest(), nil
	}
	return nil, fmt.Errorf("%w: %s is not iterable", ErrType, TypeName(v))
}

type iterator struct {
	items []Value
	pos   int
}

func (it *iterator) next() (Value, bool) {
	if it.pos >= len(it.items) {
		return nil, false
	}
	it.pos++
	return it.items[it.pos-1], true
}

func (it *iterator) rest() []Value {
	r := it.items[it.pos:]
	it.pos = len(it.items)
	return r
}

func numeric(v Value) (int64, float64, bool, bool) {
	switch n := v.(type) {
	case int64:
		return n, float64(n), false, true
	case bool:
		if n {
			return 1, 1, false, true
		}
		return 0, 0, false, true
	case float64:
		return 0, n, true, true
	}
	return 0, 0, false, false
}

// BinaryOp applies the arithmetic operator of op (BINARY_* or INPLACE_*) to a and b.
func BinaryOp(op bytecode.Opcode, a, b Value) (Value, error) {
	switch op {
	case bytecode.INPLACE_ADD:
		if l, ok := a.(*List); ok {
			items, err := Iterate(b)
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, items...)
			return l, nil
		}
		op = bytecode.BINARY_ADD
	case bytecode.INPLACE_SUBTRACT:
		op = bytecode.BINARY_SUBTRACT
	case bytecode.INPLACE_MULTIPLY:
		op = bytecode.BINARY_MULTIPLY
	case bytecode.INPLACE_TRUE_DIVIDE:
		op = bytecode.BINARY_TRUE_DIVIDE
	case bytecode.INPLACE_FLOOR_DIVIDE:
		op = bytecode.BINARY_FLOOR_DIVIDE
	case bytecode.INPLACE_MODULO:
		op = bytecode.BINARY_MODULO
	}

	if op == bytecode.BINARY_ADD {
		switch x := a.(type) {
		case string:
			if y, ok := b.(string); ok {
				return x + y, nil
			}
		case *List:
			if y, ok := b.(*List); ok {
				return NewList(append(append([]Value(nil), x.Items...), y.Items...)...), nil
			}
		case Tuple:
			if y, ok := b.(Tuple); ok {
				return append(append(Tuple(nil), x...), y...), nil
			}
		}
	}
	if op == bytecode.BINARY_MULTIPLY {
		if s, ok := a.(string); ok {
			if n, ok := asIndex(b); ok {
				return strings.Repeat(s, int(max(n, 0))), nil
			}
		}
	}

	ai, af, aFloat, aok := numeric(a)
	bi, bf, bFloat, bok := numeric(b)
	if !aok || !bok {
		return nil, fmt.Errorf("%w: unsupported operand types for %s: %s and %s", ErrType, op, TypeName(a), TypeName(b))
	}
	isFloat := aFloat || bFloat

	switch op {
	case bytecode.BINARY_ADD:
		if isFloat {
			return af + bf, nil
		}
		return ai + bi, nil
	case bytecode.BINARY_SUBTRACT:
		if isFloat {
			return af - bf, nil
		}
		return ai - bi, nil
	case bytecode.BINARY_MULTIPLY:
		if isFloat {
			return af * bf, nil
		}
		return ai * bi, nil
	case bytecode.BINARY_TRUE_DIVIDE:
		if bf == 0 {
			return nil, fmt.Errorf("%w: division by zero", ErrType)
		}
		return af / bf, nil
	case bytecode.BINARY_FLOOR_DIVIDE, bytecode.BINARY_MODULO:
		if bf == 0 {
			return nil, fmt.Errorf("%w: division by zero", ErrType)
		}
		if isFloat {
			q := math.Floor(af / bf)
			if op == bytecode.BINARY_FLOOR_DIVIDE {
				return q, nil
			}
			return af - q*bf, nil
		}
		q := ai / bi
		if (ai%bi != 0) && ((ai < 0) != (bi < 0)) {
			q--
		}
		if op == bytecode.BINARY_FLOOR_DIVIDE {
			return q, nil
		}
		return ai - q*bi, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op)
}

// Equal reports value equality.
func Equal(a, b Value) bool {
	if ai, af, aFloat, ok := numeric(a); ok {
		if bi, bf, bFloat, ok := numeric(b); ok {
			if aFloat || bFloat {
				return af == bf
			}
			return ai == bi
		}
	}
	switch x := a.(type) {
	case Tuple:
		y, ok := b.(Tuple)
		return ok && equalItems(x, y)
	case *List:
		y, ok := b.(*List)
		return ok && equalItems(x.Items, y.Items)
	case *Dict:
		y, ok := b.(*Dict)
		if !ok || x.Len() != y.Len() {
			return false
		}
		for i, k := range x.keys {
			v, found, err := y.Get(k)
			if err != nil || !found || !Equal(x.values[i], v) {
				return false
			}
		}
		return true
	case Slice:
		return false
	}
	switch b.(type) {
	case Tuple, *List, *Dict, Slice:
		return false
	}
	return a == b
}

func equalItems(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// compareOps lists the COMPARE_OP operand meanings.
var compareOps = [...]string{"<", "<=", "==", "!=", ">", ">="}

// Compare applies the COMPARE_OP operator with the given operand to a and b.
func Compare(arg int, a, b Value) (Value, error) {
	if arg >= len(compareOps) {
		return nil, fmt.Errorf("%w: COMPARE_OP %d", ErrUnsupportedOpcode, arg)
	}
	switch compareOps[arg] {
	case "==":
		return Equal(a, b), nil
	case "!=":
		return !Equal(a, b), nil
	}

	var c int
	if _, af, _, aok := numeric(a); aok {
		_, bf, _, bok := numeric(b)
		if !bok {
			return nil, fmt.Errorf("%w: cannot order %s and %s", ErrType, TypeName(a), TypeName(b))
		}
		switch {
		case af < bf:
			c = -1
		case af > bf:
			c = 1
		}
	} else if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("%w: cannot order %s and %s", ErrType, TypeName(a), TypeName(b))
		}
		c = strings.Compare(as, bs)
	} else {
		return nil, fmt.Errorf("%w: cannot order %s and %s", ErrType, TypeName(a), TypeName(b))
	}

	switch compareOps[arg] {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

// Contains reports if item is in container.
func Contains(container, item Value) (bool, error) {
	switch c := container.(type) {
	case *Dict:
		_, ok, err := c.Get(item)
		return ok, err
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("%w: 'in <string>' requires string as left operand", ErrType)
		}
		return strings.Contains(c, s), nil
	}
	items, err := Iterate(container)
	if err != nil {
		return false, err
	}
	for _, v := range items {
		if Equal(v, item) {
			return true, nil
		}
	}
	return false, nil
}
