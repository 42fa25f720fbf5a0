package vm

import (
	"fmt"
	"math/bits"

	"github.com/PatchLens/go-byref/bytecode"
)

// MAKE_FUNCTION operand bits.
const (
	makeDefaults   = 0x01
	makeKwDefaults = 0x02
	makeAnnotation = 0x04
	makeClosure    = 0x08
)

func (in *Interpreter) run(f *Frame) (Value, error) {
	code := f.Code
	bc := code.Bytecode
	pc := 0
	for {
		if pc < 0 || pc+1 >= len(bc) {
			return nil, fmt.Errorf("%w: %s fell off the end at offset %d", bytecode.ErrMalformedCode, code.Name, pc)
		}
		f.LastI = pc
		inst := bytecode.At(bc, pc)
		pc += bytecode.InstructionSize

		jump, ret, done, err := in.step(f, inst, pc)
		if err != nil {
			return nil, fmt.Errorf("%s offset %d: %w", code.Name, f.LastI, err)
		} else if done {
			return ret, nil
		} else if jump >= 0 {
			pc = jump
		}
	}
}

func (f *Frame) name(tbl []string, inst bytecode.Instruction) (string, error) {
	if int(inst.Arg) >= len(tbl) {
		return "", fmt.Errorf("%w: %s operand out of range", bytecode.ErrMalformedCode, inst)
	}
	return tbl[inst.Arg], nil
}

// step executes one instruction. It returns a jump destination (or -1), and the return value
// once the frame finishes.
func (in *Interpreter) step(f *Frame, inst bytecode.Instruction, next int) (int, Value, bool, error) {
	code := f.Code
	arg := int(inst.Arg)
	if n := popCount(inst); n > 0 {
		if err := f.need(n, inst); err != nil {
			return -1, nil, false, err
		}
	}

	switch inst.Op {
	case bytecode.NOP:
	case bytecode.POP_TOP:
		f.pop()
	case bytecode.ROT_TWO:
		n := len(f.stack)
		f.stack[n-1], f.stack[n-2] = f.stack[n-2], f.stack[n-1]
	case bytecode.ROT_THREE:
		n := len(f.stack)
		f.stack[n-1], f.stack[n-2], f.stack[n-3] = f.stack[n-2], f.stack[n-3], f.stack[n-1]
	case bytecode.ROT_FOUR:
		n := len(f.stack)
		f.stack[n-1], f.stack[n-2], f.stack[n-3], f.stack[n-4] = f.stack[n-2], f.stack[n-3], f.stack[n-4], f.stack[n-1]
	case bytecode.DUP_TOP:
		f.push(f.top())
	case bytecode.DUP_TOP_TWO:
		n := len(f.stack)
		f.push(f.stack[n-2])
		f.push(f.stack[n-1])

	case bytecode.UNARY_POSITIVE, bytecode.UNARY_NEGATIVE:
		v := f.pop()
		i, fl, isFloat, ok := numeric(v)
		if !ok {
			return -1, nil, false, fmt.Errorf("%w: bad operand type for unary op: %s", ErrType, TypeName(v))
		}
		switch {
		case inst.Op == bytecode.UNARY_POSITIVE && isFloat:
			f.push(fl)
		case inst.Op == bytecode.UNARY_POSITIVE:
			f.push(i)
		case isFloat:
			f.push(-fl)
		default:
			f.push(-i)
		}
	case bytecode.UNARY_NOT:
		f.push(!Truth(f.pop()))

	case bytecode.BINARY_ADD, bytecode.BINARY_SUBTRACT, bytecode.BINARY_MULTIPLY, bytecode.BINARY_TRUE_DIVIDE,
		bytecode.BINARY_FLOOR_DIVIDE, bytecode.BINARY_MODULO, bytecode.INPLACE_ADD, bytecode.INPLACE_SUBTRACT,
		bytecode.INPLACE_MULTIPLY, bytecode.INPLACE_TRUE_DIVIDE, bytecode.INPLACE_FLOOR_DIVIDE,
		bytecode.INPLACE_MODULO:
		b := f.pop()
		v, err := BinaryOp(inst.Op, f.pop(), b)
		if err != nil {
			return -1, nil, false, err
		}
		f.push(v)
	case bytecode.BINARY_SUBSCR:
		k := f.pop()
		v, err := GetItem(f.pop(), k)
		if err != nil {
			return -1, nil, false, err
		}
		f.push(v)
	case bytecode.STORE_SUBSCR:
		k := f.pop()
		container := f.pop()
		if err := SetItem(container, k, f.pop()); err != nil {
			return -1, nil, false, err
		}
	case bytecode.COMPARE_OP:
		b := f.pop()
		v, err := Compare(arg, f.pop(), b)
		if err != nil {
			return -1, nil, false, err
		}
		f.push(v)
	case bytecode.IS_OP:
		b := f.pop()
		a := f.pop()
		f.push(identical(a, b) != (arg == 1))
	case bytecode.CONTAINS_OP:
		container := f.pop()
		ok, err := Contains(container, f.pop())
		if err != nil {
			return -1, nil, false, err
		}
		f.push(ok != (arg == 1))

	case bytecode.GET_ITER:
		items, err := Iterate(f.pop())
		if err != nil {
			return -1, nil, false, err
		}
		f.push(&iterator{items: items})
	case bytecode.FOR_ITER:
		it, ok := f.top().(*iterator)
		if !ok {
			return -1, nil, false, fmt.Errorf("%w: FOR_ITER over %s", ErrType, TypeName(f.top()))
		}
		if v, ok := it.next(); ok {
			f.push(v)
		} else {
			f.pop()
			return next + arg, nil, false, nil
		}

	case bytecode.RETURN_VALUE:
		return -1, f.pop(), true, nil

	case bytecode.LOAD_CONST:
		if arg >= len(code.Consts) {
			return -1, nil, false, fmt.Errorf("%w: %s operand out of range", bytecode.ErrMalformedCode, inst)
		}
		f.push(constValue(code.Consts[arg]))
	case bytecode.LOAD_NAME, bytecode.LOAD_GLOBAL:
		name, err := f.name(code.Names, inst)
		if err != nil {
			return -1, nil, false, err
		}
		var v Value
		if inst.Op == bytecode.LOAD_NAME {
			v, err = f.loadName(name)
		} else {
			v, err = f.loadGlobal(name)
		}
		if err != nil {
			return -1, nil, false, err
		}
		f.push(v)
	case bytecode.STORE_NAME, bytecode.STORE_GLOBAL:
		name, err := f.name(code.Names, inst)
		if err != nil {
			return -1, nil, false, err
		}
		if inst.Op == bytecode.STORE_NAME {
			f.locals[name] = f.pop()
		} else {
			f.Globals[name] = f.pop()
		}
	case bytecode.LOAD_FAST:
		name, err := f.name(code.VarNames, inst)
		if err != nil {
			return -1, nil, false, err
		}
		if f.Fast[arg] == nil {
			return -1, nil, false, fmt.Errorf("%w: local %q referenced before assignment", ErrName, name)
		}
		f.push(f.Fast[arg])
	case bytecode.STORE_FAST:
		if _, err := f.name(code.VarNames, inst); err != nil {
			return -1, nil, false, err
		}
		f.Fast[arg] = f.pop()
	case bytecode.DELETE_FAST:
		if _, err := f.name(code.VarNames, inst); err != nil {
			return -1, nil, false, err
		}
		f.Fast[arg] = nil
	case bytecode.LOAD_CLOSURE, bytecode.LOAD_DEREF, bytecode.STORE_DEREF:
		if arg >= len(f.Cells) {
			return -1, nil, false, fmt.Errorf("%w: %s operand out of range", bytecode.ErrMalformedCode, inst)
		}
		c := f.Cells[arg]
		switch inst.Op {
		case bytecode.LOAD_CLOSURE:
			f.push(c)
		case bytecode.STORE_DEREF:
			c.Value = f.pop()
		default:
			if c.Value == nil {
				name, _ := code.DerefName(arg)
				return -1, nil, false, fmt.Errorf("%w: free variable %q referenced before assignment", ErrName, name)
			}
			f.push(c.Value)
		}
	case bytecode.LOAD_ATTR:
		name, err := f.name(code.Names, inst)
		if err != nil {
			return -1, nil, false, err
		}
		v, err := GetAttr(f.pop(), name)
		if err != nil {
			return -1, nil, false, err
		}
		f.push(v)
	case bytecode.STORE_ATTR:
		name, err := f.name(code.Names, inst)
		if err != nil {
			return -1, nil, false, err
		}
		obj := f.pop()
		if err := SetAttr(obj, name, f.pop()); err != nil {
			return -1, nil, false, err
		}
	case bytecode.LOAD_METHOD:
		name, err := f.name(code.Names, inst)
		if err != nil {
			return -1, nil, false, err
		}
		m, err := GetAttr(f.pop(), name)
		if err != nil {
			return -1, nil, false, err
		}
		f.push(nil) // bound attribute, no self slot
		f.push(m)

	case bytecode.BUILD_TUPLE:
		if err := f.need(arg, inst); err != nil {
			return -1, nil, false, err
		}
		f.push(Tuple(f.popN(arg)))
	case bytecode.BUILD_LIST:
		if err := f.need(arg, inst); err != nil {
			return -1, nil, false, err
		}
		f.push(NewList(f.popN(arg)...))
	case bytecode.BUILD_MAP:
		if err := f.need(2*arg, inst); err != nil {
			return -1, nil, false, err
		}
		kv := f.popN(2 * arg)
		d := NewDict()
		for i := 0; i < len(kv); i += 2 {
			if err := d.Set(kv[i], kv[i+1]); err != nil {
				return -1, nil, false, err
			}
		}
		f.push(d)
	case bytecode.BUILD_SLICE:
		if arg != 2 && arg != 3 {
			return -1, nil, false, fmt.Errorf("%w: %s", bytecode.ErrMalformedCode, inst)
		}
		if err := f.need(arg, inst); err != nil {
			return -1, nil, false, err
		}
		parts := f.popN(arg)
		s := Slice{Start: parts[0], Stop: parts[1]}
		if arg == 3 {
			s.Step = parts[2]
		}
		f.push(s)
	case bytecode.UNPACK_SEQUENCE:
		items, err := Iterate(f.pop())
		if err != nil {
			return -1, nil, false, err
		} else if len(items) != arg {
			return -1, nil, false, fmt.Errorf("%w: expected %d values to unpack, got %d", ErrType, arg, len(items))
		}
		for i := len(items) - 1; i >= 0; i-- {
			f.push(items[i])
		}
	case bytecode.LIST_APPEND:
		v := f.pop()
		l, ok := f.stack[len(f.stack)-arg].(*List)
		if !ok {
			return -1, nil, false, fmt.Errorf("%w: LIST_APPEND target", ErrType)
		}
		l.Items = append(l.Items, v)
	case bytecode.LIST_EXTEND:
		items, err := Iterate(f.pop())
		if err != nil {
			return -1, nil, false, err
		}
		l, ok := f.stack[len(f.stack)-arg].(*List)
		if !ok {
			return -1, nil, false, fmt.Errorf("%w: LIST_EXTEND target", ErrType)
		}
		l.Items = append(l.Items, items...)
	case bytecode.LIST_TO_TUPLE:
		l, ok := f.pop().(*List)
		if !ok {
			return -1, nil, false, fmt.Errorf("%w: LIST_TO_TUPLE operand", ErrType)
		}
		f.push(Tuple(append([]Value(nil), l.Items...)))
	case bytecode.DICT_MERGE, bytecode.DICT_UPDATE:
		src, ok := f.pop().(*Dict)
		if !ok {
			return -1, nil, false, fmt.Errorf("%w: argument after ** must be a dict", ErrType)
		}
		dst, ok := f.stack[len(f.stack)-arg].(*Dict)
		if !ok {
			return -1, nil, false, fmt.Errorf("%w: %s target", ErrType, inst.Op)
		}
		if err := src.Each(func(k, v Value) error {
			if inst.Op == bytecode.DICT_MERGE {
				if _, dup, _ := dst.Get(k); dup {
					return fmt.Errorf("%w: got multiple values for keyword argument %s", ErrType, Repr(k))
				}
			}
			return dst.Set(k, v)
		}); err != nil {
			return -1, nil, false, err
		}

	case bytecode.JUMP_FORWARD:
		return next + arg, nil, false, nil
	case bytecode.JUMP_ABSOLUTE:
		return arg, nil, false, nil
	case bytecode.POP_JUMP_IF_FALSE, bytecode.POP_JUMP_IF_TRUE:
		if Truth(f.pop()) == (inst.Op == bytecode.POP_JUMP_IF_TRUE) {
			return arg, nil, false, nil
		}
	case bytecode.JUMP_IF_FALSE_OR_POP, bytecode.JUMP_IF_TRUE_OR_POP:
		if Truth(f.top()) == (inst.Op == bytecode.JUMP_IF_TRUE_OR_POP) {
			return arg, nil, false, nil
		}
		f.pop()

	case bytecode.MAKE_FUNCTION:
		name, ok := f.pop().(string)
		if !ok {
			return -1, nil, false, fmt.Errorf("%w: MAKE_FUNCTION qualified name", ErrType)
		}
		fnCode, ok := f.pop().(*bytecode.Code)
		if !ok {
			return -1, nil, false, fmt.Errorf("%w: MAKE_FUNCTION code", ErrType)
		}
		fn := &Function{Name: name, Code: fnCode, Globals: f.Globals}
		if arg&makeClosure != 0 {
			cells, ok := f.pop().(Tuple)
			if !ok {
				return -1, nil, false, fmt.Errorf("%w: MAKE_FUNCTION closure", ErrType)
			}
			for _, c := range cells {
				cell, ok := c.(*Cell)
				if !ok {
					return -1, nil, false, fmt.Errorf("%w: MAKE_FUNCTION closure item %s", ErrType, TypeName(c))
				}
				fn.Closure = append(fn.Closure, cell)
			}
		}
		if arg&makeAnnotation != 0 {
			f.pop()
		}
		if arg&makeKwDefaults != 0 {
			d, ok := f.pop().(*Dict)
			if !ok {
				return -1, nil, false, fmt.Errorf("%w: MAKE_FUNCTION keyword defaults", ErrType)
			}
			fn.KwDefaults = make(map[string]Value, d.Len())
			if err := d.Each(func(k, v Value) error {
				fn.KwDefaults[Str(k)] = v
				return nil
			}); err != nil {
				return -1, nil, false, err
			}
		}
		if arg&makeDefaults != 0 {
			defaults, ok := f.pop().(Tuple)
			if !ok {
				return -1, nil, false, fmt.Errorf("%w: MAKE_FUNCTION defaults", ErrType)
			}
			fn.Defaults = defaults
		}
		f.push(fn)

	case bytecode.CALL_FUNCTION:
		args := f.popN(arg)
		return in.callAndPush(f, f.pop(), args, nil)
	case bytecode.CALL_METHOD:
		if err := f.need(arg+2, inst); err != nil {
			return -1, nil, false, err
		}
		args := f.popN(arg)
		callee := f.pop()
		f.pop() // method slot
		return in.callAndPush(f, callee, args, nil)
	case bytecode.CALL_FUNCTION_KW:
		names, ok := f.pop().(Tuple)
		if !ok || len(names) > arg {
			return -1, nil, false, fmt.Errorf("%w: CALL_FUNCTION_KW names", ErrType)
		}
		args := f.popN(arg)
		split := len(args) - len(names)
		kwargs := make(map[string]Value, len(names))
		for i, n := range names {
			kwargs[Str(n)] = args[split+i]
		}
		return in.callAndPush(f, f.pop(), args[:split], kwargs)
	case bytecode.CALL_FUNCTION_EX:
		var kwargs map[string]Value
		if arg&1 != 0 {
			d, ok := f.pop().(*Dict)
			if !ok {
				return -1, nil, false, fmt.Errorf("%w: argument after ** must be a dict", ErrType)
			}
			kwargs = make(map[string]Value, d.Len())
			if err := d.Each(func(k, v Value) error {
				s, ok := k.(string)
				if !ok {
					return fmt.Errorf("%w: keywords must be strings", ErrType)
				}
				kwargs[s] = v
				return nil
			}); err != nil {
				return -1, nil, false, err
			}
		}
		args, err := Iterate(f.pop())
		if err != nil {
			return -1, nil, false, err
		}
		return in.callAndPush(f, f.pop(), args, kwargs)

	default:
		return -1, nil, false, fmt.Errorf("%w: %s", ErrUnsupportedOpcode, inst.Op)
	}
	return -1, nil, false, nil
}

func (in *Interpreter) callAndPush(f *Frame, callee Value, args []Value, kwargs map[string]Value) (int, Value, bool, error) {
	v, err := in.Call(callee, f, args, kwargs)
	if err != nil {
		return -1, nil, false, err
	}
	f.push(v)
	return -1, nil, false, nil
}

// popCount is the number of operands inst reads from the stack, checked before execution.
func popCount(inst bytecode.Instruction) int {
	switch inst.Op {
	case bytecode.POP_TOP, bytecode.DUP_TOP, bytecode.UNARY_POSITIVE, bytecode.UNARY_NEGATIVE, bytecode.UNARY_NOT,
		bytecode.GET_ITER, bytecode.FOR_ITER, bytecode.RETURN_VALUE, bytecode.STORE_NAME, bytecode.STORE_GLOBAL,
		bytecode.STORE_FAST, bytecode.STORE_DEREF, bytecode.LOAD_ATTR, bytecode.LOAD_METHOD,
		bytecode.UNPACK_SEQUENCE, bytecode.LIST_TO_TUPLE, bytecode.POP_JUMP_IF_FALSE, bytecode.POP_JUMP_IF_TRUE,
		bytecode.JUMP_IF_FALSE_OR_POP, bytecode.JUMP_IF_TRUE_OR_POP:
		return 1
	case bytecode.ROT_TWO, bytecode.DUP_TOP_TWO, bytecode.BINARY_ADD, bytecode.BINARY_SUBTRACT,
		bytecode.BINARY_MULTIPLY, bytecode.BINARY_TRUE_DIVIDE, bytecode.BINARY_FLOOR_DIVIDE, bytecode.BINARY_MODULO,
		bytecode.INPLACE_ADD, bytecode.INPLACE_SUBTRACT, bytecode.INPLACE_MULTIPLY, bytecode.INPLACE_TRUE_DIVIDE,
		bytecode.INPLACE_FLOOR_DIVIDE, bytecode.INPLACE_MODULO, bytecode.BINARY_SUBSCR, bytecode.COMPARE_OP,
		bytecode.IS_OP, bytecode.CONTAINS_OP, bytecode.STORE_ATTR:
		return 2
	case bytecode.ROT_THREE, bytecode.STORE_SUBSCR:
		return 3
	case bytecode.ROT_FOUR:
		return 4
	case bytecode.CALL_FUNCTION, bytecode.CALL_FUNCTION_KW:
		return int(inst.Arg) + 1
	case bytecode.CALL_FUNCTION_EX:
		return 2 + int(inst.Arg&1)
	case bytecode.LIST_APPEND, bytecode.LIST_EXTEND, bytecode.DICT_MERGE, bytecode.DICT_UPDATE:
		return int(inst.Arg) + 1
	case bytecode.MAKE_FUNCTION:
		return 2 + bits.OnesCount8(inst.Arg&0x0F)
	}
	return 0
}

// constValue converts a code constant to its runtime value.
func constValue(k any) Value {
	if t, ok := k.(bytecode.Tuple); ok {
		out := make(Tuple, len(t))
		for i, item := range t {
			out[i] = constValue(item)
		}
		return out
	}
	return k
}

func identical(a, b Value) bool {
	switch a.(type) {
	case Tuple, Slice:
		return false
	}
	switch b.(type) {
	case Tuple, Slice:
		return false
	}
	return a == b
}
