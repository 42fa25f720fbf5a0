package byref

import (
	"fmt"
	"slices"

	"github.com/PatchLens/go-byref/callsite"
	"github.com/PatchLens/go-byref/vm"
)

// PosWriteback maps a by-reference parameter to its positional argument index.
type PosWriteback struct {
	Src string
	Dst int
}

// LvalueWriteback maps a by-reference parameter to the location its argument was read from.
type LvalueWriteback struct {
	Src string
	Dst callsite.Lvalue
}

// AnalyzeWriteback validates refs against the signature of fn. Every ref must name a
// positional-only parameter without a default value.
func AnalyzeWriteback(fn *vm.Function, refs []string) ([]PosWriteback, error) {
	code := fn.Code
	eligible := code.VarNames[:min(code.PosOnlyArgCount, len(code.VarNames))]
	if firstDefault := code.ArgCount - len(fn.Defaults); firstDefault < len(eligible) {
		eligible = eligible[:max(firstDefault, 0)]
	}

	writebacks := make([]PosWriteback, 0, len(refs))
	for _, ref := range refs {
		i := slices.Index(eligible, ref)
		if i < 0 {
			return nil, fmt.Errorf("%w: parameter %q of %s must be positional-only with no default value",
				ErrConfiguration, ref, fn.Name)
		}
		writebacks = append(writebacks, PosWriteback{Src: ref, Dst: i})
	}
	return writebacks, nil
}

// resolve pairs each by-reference parameter with its reconstructed argument.
func resolve(writebacks []PosWriteback, args []callsite.Value, nargs int) ([]LvalueWriteback, error) {
	resolved := make([]LvalueWriteback, 0, len(writebacks))
	for _, wb := range writebacks {
		if wb.Dst >= min(len(args), nargs) {
			return nil, fmt.Errorf("%w: argument %d for %q was not passed positionally", ErrNotAssignable,
				wb.Dst, wb.Src)
		}
		lv, ok := args[wb.Dst].(callsite.Lvalue)
		if !ok {
			return nil, fmt.Errorf("%w: argument %d for %q is an rvalue", ErrNotAssignable, wb.Dst, wb.Src)
		}
		resolved = append(resolved, LvalueWriteback{Src: wb.Src, Dst: lv})
	}
	return resolved, nil
}

// writeLvalue assigns val to the location lv names in frame. The frame's name mapping must be
// synchronized before and flushed back to its fast slots after.
func writeLvalue(frame *vm.Frame, locals map[string]vm.Value, lv callsite.Lvalue, val vm.Value) error {
	scope := locals
	if lv.Global {
		scope = frame.Globals
	}
	if len(lv.Access) == 0 {
		scope[lv.Name] = val
		return nil
	}

	ref, ok := scope[lv.Name]
	if !ok {
		return fmt.Errorf("%w: name %q is not defined", vm.ErrName, lv.Name)
	}
	for _, step := range lv.Access[:len(lv.Access)-1] {
		var err error
		if ref, err = getStep(ref, step); err != nil {
			return fmt.Errorf("write %s: %w", lv, err)
		}
	}

	last := lv.Access[len(lv.Access)-1]
	var err error
	if last.Subscript {
		err = vm.SetItem(ref, last.Key, val)
	} else {
		err = vm.SetAttr(ref, last.Attr, val)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", lv, err)
	}
	return nil
}

func getStep(ref vm.Value, step callsite.Access) (vm.Value, error) {
	if step.Subscript {
		return vm.GetItem(ref, step.Key)
	}
	return vm.GetAttr(ref, step.Attr)
}
