package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders a unit as one line per instruction, marking branch targets with ">>".
func Disassemble(code *Code) string {
	targets := make(map[int]bool)
	for i := 0; i+1 < len(code.Bytecode); i += InstructionSize {
		if t, ok := At(code.Bytecode, i).Target(i); ok {
			targets[t] = true
		}
	}

	var sb strings.Builder
	for i := 0; i+1 < len(code.Bytecode); i += InstructionSize {
		inst := At(code.Bytecode, i)
		marker := "  "
		if targets[i] {
			marker = ">>"
		}
		fmt.Fprintf(&sb, "%s %4d %-24s", marker, i, inst.Op)
		if inst.Op.HasArgument() {
			fmt.Fprintf(&sb, " %3d", inst.Arg)
			if detail := describeOperand(code, i, inst); detail != "" {
				sb.WriteString(" (" + detail + ")")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func describeOperand(code *Code, offset int, inst Instruction) string {
	idx := int(inst.Arg)
	lookup := func(tbl []string) string {
		if idx < len(tbl) {
			return tbl[idx]
		}
		return "?"
	}
	switch inst.Op {
	case LOAD_CONST:
		if idx < len(code.Consts) {
			if nested, ok := code.Consts[idx].(*Code); ok {
				return "<code " + nested.Name + ">"
			}
			return fmt.Sprintf("%#v", code.Consts[idx])
		}
		return "?"
	case LOAD_NAME, STORE_NAME, DELETE_NAME, LOAD_GLOBAL, STORE_GLOBAL, DELETE_GLOBAL,
		LOAD_ATTR, STORE_ATTR, DELETE_ATTR, LOAD_METHOD, IMPORT_NAME, IMPORT_FROM:
		return lookup(code.Names)
	case LOAD_FAST, STORE_FAST, DELETE_FAST:
		return lookup(code.VarNames)
	case LOAD_DEREF, STORE_DEREF, DELETE_DEREF, LOAD_CLOSURE, LOAD_CLASSDEREF:
		if name, ok := code.DerefName(idx); ok {
			return name
		}
		return "?"
	}
	if t, ok := inst.Target(offset); ok && inst.Op.HasRelativeTarget() {
		return fmt.Sprintf("to %d", t)
	}
	return ""
}
