package byref

import (
	"errors"
	"fmt"
	"log"

	"github.com/PatchLens/go-byref/callsite"
	"github.com/PatchLens/go-byref/vm"
)

// Options configures call site analysis for wrapped functions.
type Options struct {
	// MaxSteps bounds the backward replay per call, callsite.DefaultMaxSteps when zero.
	MaxSteps int
	// Cache shares predecessor maps between calls, may be nil.
	Cache *callsite.FlowCache
	// Verbose logs every resolved call.
	Verbose bool
}

func (o Options) analyzer() callsite.Options {
	return callsite.Options{MaxSteps: o.MaxSteps, Cache: o.Cache}
}

// callToken carries the write-back bookkeeping of a single call. The hook fills it in from the
// body frame, the wrapper consumes it after the body returns.
type callToken struct {
	writebacks []PosWriteback
	nargs      int
	resolved   []LvalueWriteback
	hooked     bool
}

// callHook is injected at the start of every wrapped body. It runs in the body frame, whose
// Back frame is executing the call instruction.
type callHook struct {
	opts Options
}

func (h *callHook) Call(_ *vm.Interpreter, body *vm.Frame, _ []vm.Value, _ map[string]vm.Value) (vm.Value, error) {
	token, ok := body.Token.(*callToken)
	if !ok {
		return nil, fmt.Errorf("%w: call hook of %s ran outside a wrapped call", ErrConfiguration, body.Code.Name)
	} else if len(token.writebacks) == 0 {
		token.hooked = true
		return vm.None, nil
	}
	site := body.Back
	if site == nil {
		return nil, fmt.Errorf("%w: %s was called from host code", ErrNotAssignable, body.Code.Name)
	}

	args, err := callsite.Analyze(site.Code, site.LastI, h.opts.analyzer())
	if err != nil {
		return nil, fmt.Errorf("analyze call to %s in %s: %w", body.Code.Name, site.Code.Name, err)
	}
	resolved, err := resolve(token.writebacks, args, token.nargs)
	if err != nil {
		return nil, fmt.Errorf("call to %s in %s at offset %d: %w", body.Code.Name, site.Code.Name, site.LastI, err)
	}
	if h.opts.Verbose {
		log.Printf("%s at %s:%d resolved %v", body.Code.Name, site.Code.Name, site.LastI, resolved)
	}
	token.resolved = resolved
	token.hooked = true
	return vm.None, nil
}

// Wrapped is a function whose by-reference parameters are written back to the caller.
// It is safe for concurrent use by independent interpreters.
type Wrapped struct {
	fn         *vm.Function
	writebacks []PosWriteback
}

// Wrap validates refs against fn and injects the call hook.
func Wrap(fn *vm.Function, opts Options, refs ...string) (*Wrapped, error) {
	writebacks, err := AnalyzeWriteback(fn, refs)
	if err != nil {
		return nil, err
	}
	hooked, err := InjectCallHook(fn, &callHook{opts: opts})
	if err != nil {
		return nil, err
	}
	return &Wrapped{fn: hooked, writebacks: writebacks}, nil
}

// Function returns the rewritten function.
func (w *Wrapped) Function() *vm.Function {
	return w.fn
}

// Writebacks returns the by-reference parameters and their positions.
func (w *Wrapped) Writebacks() []PosWriteback {
	return append([]PosWriteback(nil), w.writebacks...)
}

// Call runs the function and writes the final by-reference parameter values into caller.
// Resolution failures abort the call before the body runs, errors from the body skip the
// write-back.
func (w *Wrapped) Call(in *vm.Interpreter, caller *vm.Frame, args []vm.Value, kwargs map[string]vm.Value) (vm.Value, error) {
	for _, wb := range w.writebacks {
		if wb.Dst >= len(args) {
			return nil, fmt.Errorf("%w: %s argument %q passed by keyword or left to its default",
				ErrNotAssignable, w.fn.Name, wb.Src)
		}
	}

	token := &callToken{writebacks: w.writebacks, nargs: len(args)}
	result, body, err := w.fn.Invoke(in, caller, args, kwargs, token)
	if err != nil {
		return nil, err
	} else if !token.hooked {
		return nil, fmt.Errorf("%w: call hook of %s did not run", ErrConfiguration, w.fn.Name)
	} else if len(token.resolved) == 0 {
		return result, nil
	}

	bodyLocals := body.Locals()
	callerLocals := caller.Locals()
	var errs []error
	for _, lw := range token.resolved {
		val, ok := bodyLocals[lw.Src]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s unbound %q before returning", vm.ErrName, w.fn.Name, lw.Src))
			continue
		}
		if err := writeLvalue(caller, callerLocals, lw.Dst, val); err != nil {
			errs = append(errs, err)
		}
	}
	caller.LocalsToFast()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return result, nil
}

// Decorator returns the builtin `byref(*names)`, which returns a decorator wrapping a
// function with the named by-reference parameters.
func Decorator(opts Options) *vm.Builtin {
	return &vm.Builtin{Name: "byref", Fn: func(_ *vm.Interpreter, args []vm.Value, kwargs map[string]vm.Value) (vm.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%w: byref takes parameter names only", ErrConfiguration)
		}
		refs := make([]string, len(args))
		for i, a := range args {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("%w: parameter name %s is not a string", ErrConfiguration, vm.Repr(a))
			}
			refs[i] = s
		}
		return &vm.Builtin{Name: "byref.wrapper", Fn: func(_ *vm.Interpreter, args []vm.Value, _ map[string]vm.Value) (vm.Value, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w: decorator takes exactly one function", ErrConfiguration)
			}
			fn, ok := args[0].(*vm.Function)
			if !ok {
				return nil, fmt.Errorf("%w: cannot wrap %s", ErrConfiguration, vm.TypeName(args[0]))
			}
			w, err := Wrap(fn, opts, refs...)
			if err != nil {
				return nil, err
			}
			return w, nil
		}}, nil
	}}
}
