package vm

import (
	"fmt"

	"github.com/PatchLens/go-byref/bytecode"
)

// Frame is the execution context of one in-progress code unit.
type Frame struct {
	Code     *bytecode.Code
	Globals  map[string]Value
	Builtins map[string]Value
	// Fast holds the fast local slots indexed like Code.VarNames, nil is unbound.
	Fast []Value
	// Cells holds cell vars then free vars.
	Cells []*Cell
	// Back is the frame that invoked this one, nil at the outermost frame.
	Back *Frame
	// LastI is the offset of the instruction currently executing.
	LastI int
	// Token is per-call data attached by the invoker.
	Token any

	locals map[string]Value
	stack  []Value
}

func newFrame(code *bytecode.Code, globals map[string]Value, builtins map[string]Value, back *Frame) *Frame {
	f := &Frame{
		Code:     code,
		Globals:  globals,
		Builtins: builtins,
		Back:     back,
		Fast:     make([]Value, len(code.VarNames)),
		Cells:    make([]*Cell, 0, len(code.CellVars)+len(code.FreeVars)),
		stack:    make([]Value, 0, code.StackSize),
	}
	if code.Optimized() {
		f.locals = make(map[string]Value)
	} else {
		f.locals = globals
	}
	return f
}

// FastToLocals copies fast slots and cell contents into the name mapping.
func (f *Frame) FastToLocals() {
	if !f.Code.Optimized() {
		return
	}
	sync := func(name string, v Value) {
		if v == nil {
			delete(f.locals, name)
		} else {
			f.locals[name] = v
		}
	}
	for i, name := range f.Code.VarNames {
		sync(name, f.Fast[i])
	}
	for i, c := range f.Cells {
		if name, ok := f.Code.DerefName(i); ok {
			sync(name, c.Value)
		}
	}
}

// LocalsToFast copies the name mapping back into fast slots and cells, unbinding names
// the mapping no longer holds.
func (f *Frame) LocalsToFast() {
	if !f.Code.Optimized() {
		return
	}
	for i, name := range f.Code.VarNames {
		f.Fast[i] = f.locals[name]
	}
	for i, c := range f.Cells {
		if name, ok := f.Code.DerefName(i); ok {
			c.Value = f.locals[name]
		}
	}
}

// Locals synchronizes and returns the name mapping. Writes to it are only observed by the
// running code after LocalsToFast.
func (f *Frame) Locals() map[string]Value {
	f.FastToLocals()
	return f.locals
}

func (f *Frame) push(v Value) {
	f.stack = append(f.stack, v)
}

func (f *Frame) pop() Value {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *Frame) popN(n int) []Value {
	vals := append([]Value(nil), f.stack[len(f.stack)-n:]...)
	f.stack = f.stack[:len(f.stack)-n]
	return vals
}

func (f *Frame) top() Value {
	return f.stack[len(f.stack)-1]
}

func (f *Frame) need(n int, inst bytecode.Instruction) error {
	if len(f.stack) < n {
		return fmt.Errorf("%w: stack underflow at %s offset %d", bytecode.ErrMalformedCode, inst, f.LastI)
	}
	return nil
}

func (f *Frame) loadName(name string) (Value, error) {
	if v, ok := f.locals[name]; ok {
		return v, nil
	}
	return f.loadGlobal(name)
}

func (f *Frame) loadGlobal(name string) (Value, error) {
	if v, ok := f.Globals[name]; ok {
		return v, nil
	} else if v, ok := f.Builtins[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: name %q is not defined", ErrName, name)
}
