package byref

import (
	"fmt"
	"maps"
	"slices"

	"github.com/PatchLens/go-byref/bytecode"
	"github.com/PatchLens/go-byref/vm"
)

// hookFreeVar names the captured variable holding an injected hook.
const hookFreeVar = "_DO_NOT_USE_call_hook"

// hookPrologue calls the callable captured in deref slot idx and discards its result.
func hookPrologue(idx int) []bytecode.Instruction {
	return []bytecode.Instruction{
		{Op: bytecode.LOAD_DEREF, Arg: uint8(idx)},
		{Op: bytecode.CALL_FUNCTION, Arg: 0},
		{Op: bytecode.POP_TOP, Arg: 0},
	}
}

// InjectCallHook returns a copy of fn that calls hook with no arguments before running its
// own body. The hook is captured through a new free variable, the line table is dropped and
// defaults are carried over.
func InjectCallHook(fn *vm.Function, hook vm.Value) (*vm.Function, error) {
	code := fn.Code
	idx := len(code.CellVars) + len(code.FreeVars)
	if idx >= bytecode.MaxOperand {
		return nil, fmt.Errorf("%w: %s already captures %d variables", ErrCapacity, fn.Name, idx)
	}

	rewritten, err := bytecode.InjectPrologue(code.Bytecode, hookPrologue(idx))
	if err != nil {
		return nil, fmt.Errorf("inject hook into %s: %w", fn.Name, err)
	}

	nc := code.Clone()
	nc.Bytecode = rewritten
	nc.FreeVars = append(nc.FreeVars, hookFreeVar)
	nc.LineTable = nil
	nc.StackSize = max(nc.StackSize, 1)
	nc.Flags &^= bytecode.FlagNoFree

	return &vm.Function{
		Name:       fn.Name,
		Code:       nc,
		Globals:    fn.Globals,
		Closure:    append(slices.Clone(fn.Closure), &vm.Cell{Value: hook}),
		Defaults:   slices.Clone(fn.Defaults),
		KwDefaults: maps.Clone(fn.KwDefaults),
	}, nil
}
