package vm

import (
	"fmt"
	"slices"
	"sort"

	"github.com/PatchLens/go-byref/bytecode"
)

// Callable is a value that can be invoked by CALL_* instructions. caller is the frame
// executing the call instruction, its LastI addresses that instruction.
type Callable interface {
	Call(in *Interpreter, caller *Frame, args []Value, kwargs map[string]Value) (Value, error)
}

// Builtin is a host function.
type Builtin struct {
	Name string
	Fn   func(in *Interpreter, args []Value, kwargs map[string]Value) (Value, error)
}

// Call invokes the host function.
func (b *Builtin) Call(in *Interpreter, _ *Frame, args []Value, kwargs map[string]Value) (Value, error) {
	return b.Fn(in, args, kwargs)
}

// FrameBuiltin is a host function that also receives the calling frame.
type FrameBuiltin struct {
	Name string
	Fn   func(in *Interpreter, caller *Frame, args []Value, kwargs map[string]Value) (Value, error)
}

// Call invokes the host function.
func (b *FrameBuiltin) Call(in *Interpreter, caller *Frame, args []Value, kwargs map[string]Value) (Value, error) {
	return b.Fn(in, caller, args, kwargs)
}

// Function is a code unit bound to its globals, closure and defaults.
type Function struct {
	Name    string
	Code    *bytecode.Code
	Globals map[string]Value
	// Closure holds one cell per Code.FreeVars entry.
	Closure []*Cell
	// Defaults apply to the trailing positional parameters.
	Defaults Tuple
	// KwDefaults apply to keyword-only parameters.
	KwDefaults map[string]Value
}

// NewFunction binds code to globals.
func NewFunction(code *bytecode.Code, globals map[string]Value) *Function {
	return &Function{Name: code.Name, Code: code, Globals: globals}
}

// Call runs the function with no per-call token.
func (fn *Function) Call(in *Interpreter, caller *Frame, args []Value, kwargs map[string]Value) (Value, error) {
	result, _, err := fn.Invoke(in, caller, args, kwargs, nil)
	return result, err
}

// Invoke binds the arguments, runs the body with token attached to its frame and returns the
// result together with the finished frame.
func (fn *Function) Invoke(in *Interpreter, caller *Frame, args []Value, kwargs map[string]Value,
	token any) (Value, *Frame, error) {
	code := fn.Code
	if len(fn.Closure) != len(code.FreeVars) {
		return nil, nil, fmt.Errorf("%w: %s expects %d closure cells, has %d", ErrType, fn.Name,
			len(code.FreeVars), len(fn.Closure))
	}

	f := newFrame(code, fn.Globals, in.Builtins, caller)
	f.Token = token
	if err := fn.bind(f, args, kwargs); err != nil {
		return nil, nil, err
	}

	for _, name := range code.CellVars {
		c := &Cell{}
		if i := slices.Index(code.VarNames, name); i >= 0 {
			c.Value, f.Fast[i] = f.Fast[i], nil
		}
		f.Cells = append(f.Cells, c)
	}
	f.Cells = append(f.Cells, fn.Closure...)

	result, err := in.run(f)
	if err != nil {
		return nil, f, err
	}
	return result, f, nil
}

func (fn *Function) bind(f *Frame, args []Value, kwargs map[string]Value) error {
	code := fn.Code
	nargs := code.ArgCount
	nkw := code.KwOnlyArgCount
	slot := nargs + nkw
	varArgsSlot, varKwSlot := -1, -1
	if code.Flags&bytecode.FlagVarArgs != 0 {
		varArgsSlot = slot
		slot++
	}
	if code.Flags&bytecode.FlagVarKeywords != 0 {
		varKwSlot = slot
		slot++
	}
	if slot > len(code.VarNames) {
		return fmt.Errorf("%w: %s declares %d parameters but names %d locals", bytecode.ErrMalformedCode,
			fn.Name, slot, len(code.VarNames))
	}

	for i, a := range args[:min(len(args), nargs)] {
		f.Fast[i] = a
	}
	if len(args) > nargs {
		if varArgsSlot < 0 {
			return fmt.Errorf("%w: %s takes %d positional arguments but %d were given", ErrType, fn.Name,
				nargs, len(args))
		}
		f.Fast[varArgsSlot] = Tuple(slices.Clone(args[nargs:]))
	} else if varArgsSlot >= 0 {
		f.Fast[varArgsSlot] = Tuple{}
	}

	var extra *Dict
	if varKwSlot >= 0 {
		extra = NewDict()
		f.Fast[varKwSlot] = extra
	}
	names := make([]string, 0, len(kwargs))
	for name := range kwargs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		i := slices.Index(code.VarNames[code.PosOnlyArgCount:nargs+nkw], name)
		if i >= 0 {
			i += code.PosOnlyArgCount
			if f.Fast[i] != nil {
				return fmt.Errorf("%w: %s got multiple values for argument %q", ErrType, fn.Name, name)
			}
			f.Fast[i] = kwargs[name]
			continue
		}
		if extra == nil {
			if slices.Contains(code.VarNames[:code.PosOnlyArgCount], name) {
				return fmt.Errorf("%w: %s got positional-only argument %q passed as keyword", ErrType,
					fn.Name, name)
			}
			return fmt.Errorf("%w: %s got an unexpected keyword argument %q", ErrType, fn.Name, name)
		}
		if err := extra.Set(name, kwargs[name]); err != nil {
			return err
		}
	}

	firstDefault := nargs - len(fn.Defaults)
	for i := range nargs {
		if f.Fast[i] != nil {
			continue
		} else if i >= firstDefault {
			f.Fast[i] = fn.Defaults[i-firstDefault]
		} else {
			return fmt.Errorf("%w: %s missing required argument %q", ErrType, fn.Name, code.VarNames[i])
		}
	}
	for i := nargs; i < nargs+nkw; i++ {
		if f.Fast[i] != nil {
			continue
		} else if v, ok := fn.KwDefaults[code.VarNames[i]]; ok {
			f.Fast[i] = v
		} else {
			return fmt.Errorf("%w: %s missing required keyword-only argument %q", ErrType, fn.Name,
				code.VarNames[i])
		}
	}
	return nil
}
