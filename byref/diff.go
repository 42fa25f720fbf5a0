package byref

import (
	"github.com/pmezard/go-difflib/difflib"

	"github.com/PatchLens/go-byref/bytecode"
)

// InjectionDiff returns a unified diff between the disassembly of original and rewritten.
func InjectionDiff(original, rewritten *bytecode.Code) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(bytecode.Disassemble(original)),
		B:        difflib.SplitLines(bytecode.Disassemble(rewritten)),
		FromFile: original.Name,
		ToFile:   rewritten.Name + " (hooked)",
		Context:  2,
	}
	return difflib.GetUnifiedDiffString(diff)
}
