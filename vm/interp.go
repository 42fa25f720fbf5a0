package vm

import (
	"fmt"
	"io"
	"maps"
	"os"
	"strings"

	"github.com/PatchLens/go-byref/bytecode"
)

// DefaultMaxDepth bounds nested calls.
const DefaultMaxDepth = 256

// Interpreter executes code units. It is not safe for concurrent use, independent
// interpreters may share functions and code.
type Interpreter struct {
	// Builtins is consulted after a frame's globals.
	Builtins map[string]Value
	// Stdout receives print output.
	Stdout io.Writer
	// MaxDepth bounds nested calls, DefaultMaxDepth when zero.
	MaxDepth int

	depth int
}

// NewInterpreter returns an interpreter with the standard builtins writing to stdout.
// extra builtins are added after, overriding on name collisions.
func NewInterpreter(stdout io.Writer, extra map[string]Value) *Interpreter {
	if stdout == nil {
		stdout = os.Stdout
	}
	in := &Interpreter{Stdout: stdout, Builtins: defaultBuiltins()}
	maps.Copy(in.Builtins, extra)
	return in
}

func defaultBuiltins() map[string]Value {
	return map[string]Value{
		"print": &Builtin{Name: "print", Fn: func(in *Interpreter, args []Value, _ map[string]Value) (Value, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = Str(a)
			}
			_, err := fmt.Fprintln(in.Stdout, strings.Join(parts, " "))
			return None, err
		}},
		"len": &Builtin{Name: "len", Fn: func(_ *Interpreter, args []Value, _ map[string]Value) (Value, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w: len takes exactly one argument", ErrType)
			}
			if d, ok := args[0].(*Dict); ok {
				return int64(d.Len()), nil
			} else if s, ok := args[0].(string); ok {
				return int64(len(s)), nil
			}
			items, err := Iterate(args[0])
			if err != nil {
				return nil, err
			}
			return int64(len(items)), nil
		}},
		"range": &Builtin{Name: "range", Fn: func(_ *Interpreter, args []Value, _ map[string]Value) (Value, error) {
			var bounds [2]int64
			switch len(args) {
			case 1, 2:
				for i, a := range args {
					n, ok := asIndex(a)
					if !ok {
						return nil, fmt.Errorf("%w: range bounds must be integers", ErrType)
					}
					bounds[i] = n
				}
				if len(args) == 1 {
					bounds[0], bounds[1] = 0, bounds[0]
				}
			default:
				return nil, fmt.Errorf("%w: range takes one or two arguments", ErrType)
			}
			l := &List{}
			for i := bounds[0]; i < bounds[1]; i++ {
				l.Items = append(l.Items, i)
			}
			return l, nil
		}},
		"object": &Builtin{Name: "object", Fn: func(_ *Interpreter, _ []Value, kwargs map[string]Value) (Value, error) {
			o := NewObject("object")
			maps.Copy(o.Attrs, kwargs)
			return o, nil
		}},
	}
}

// RunModule executes a module level code unit against globals and returns the frame it
// ran in.
func (in *Interpreter) RunModule(code *bytecode.Code, globals map[string]Value) (*Frame, error) {
	if globals == nil {
		globals = make(map[string]Value)
	}
	f := newFrame(code, globals, in.Builtins, nil)
	for range code.CellVars {
		f.Cells = append(f.Cells, &Cell{})
	}
	if _, err := in.run(f); err != nil {
		return f, err
	}
	return f, nil
}

// Call invokes a callable value from host code.
func (in *Interpreter) Call(callee Value, caller *Frame, args []Value, kwargs map[string]Value) (Value, error) {
	c, ok := callee.(Callable)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not callable", ErrType, TypeName(callee))
	}
	maxDepth := in.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if in.depth >= maxDepth {
		return nil, ErrRecursion
	}
	in.depth++
	defer func() { in.depth-- }()
	return c.Call(in, caller, args, kwargs)
}
