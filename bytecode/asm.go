package bytecode

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownLabel indicates a branch to a label that was never placed.
var ErrUnknownLabel = errors.New("unknown label")

type asmInst struct {
	op    Opcode
	arg   int
	label string // branch target, resolved at Assemble
	deref string // cell or free variable name, resolved at Assemble
}

// Assembler builds a Code unit instruction by instruction, resolving branch labels
// and interning the operand tables.
type Assembler struct {
	code   Code
	insts  []asmInst
	labels map[string]int // label -> instruction index
}

// NewAssembler starts an optimized function unit.
func NewAssembler(name string) *Assembler {
	return &Assembler{
		code: Code{
			Name:     name,
			Filename: "<asm>",
			Flags:    DefaultFuncFlags,
			Version:  SupportedVersion,
		},
		labels: make(map[string]int),
	}
}

// NewModuleAssembler starts a module unit, whose names live in a mapping rather than fast slots.
func NewModuleAssembler(name string) *Assembler {
	a := NewAssembler(name)
	a.code.Flags = 0
	return a
}

// Params declares the positional parameters, the first posOnly of which are positional-only.
// It must be called before any local is interned.
func (a *Assembler) Params(posOnly int, names ...string) {
	a.code.VarNames = append(slices.Clone(names), a.code.VarNames...)
	a.code.ArgCount = len(names)
	a.code.PosOnlyArgCount = posOnly
}

// KwOnlyParams declares keyword-only parameters following the positional ones.
func (a *Assembler) KwOnlyParams(names ...string) {
	at := a.code.ArgCount + a.code.KwOnlyArgCount
	a.code.VarNames = slices.Insert(a.code.VarNames, at, names...)
	a.code.KwOnlyArgCount += len(names)
}

// SetFlags replaces the unit flags.
func (a *Assembler) SetFlags(flags int) {
	a.code.Flags = flags
}

// Const interns a constant and returns its index. Go int values are stored as int64.
func (a *Assembler) Const(v any) int {
	if n, ok := v.(int); ok {
		v = int64(n)
	}
	for i, c := range a.code.Consts {
		if constEqual(c, v) {
			return i
		}
	}
	a.code.Consts = append(a.code.Consts, v)
	return len(a.code.Consts) - 1
}

func constEqual(x, y any) bool {
	switch x.(type) {
	case bool, int64, float64, string, NoneType:
		return x == y
	}
	return false
}

// Name interns a global, attribute or mapping name and returns its index.
func (a *Assembler) Name(name string) int {
	return intern(&a.code.Names, name)
}

// Local interns a fast local and returns its index.
func (a *Assembler) Local(name string) int {
	return intern(&a.code.VarNames, name)
}

// CellVar declares a local captured by nested scopes.
func (a *Assembler) CellVar(name string) {
	intern(&a.code.CellVars, name)
}

// FreeVar declares a name captured from the enclosing scope.
func (a *Assembler) FreeVar(name string) {
	intern(&a.code.FreeVars, name)
}

func intern(tbl *[]string, name string) int {
	if i := slices.Index(*tbl, name); i >= 0 {
		return i
	}
	*tbl = append(*tbl, name)
	return len(*tbl) - 1
}

// Emit appends an instruction with a literal operand.
func (a *Assembler) Emit(op Opcode, arg int) {
	a.insts = append(a.insts, asmInst{op: op, arg: arg})
}

// EmitJump appends a branch to label; the operand is encoded per the opcode's target kind.
func (a *Assembler) EmitJump(op Opcode, label string) {
	a.insts = append(a.insts, asmInst{op: op, label: label})
}

// EmitDeref appends a cell/free variable instruction addressing name.
func (a *Assembler) EmitDeref(op Opcode, name string) {
	a.insts = append(a.insts, asmInst{op: op, deref: name})
}

// Label marks the position of the next emitted instruction.
func (a *Assembler) Label(name string) {
	a.labels[name] = len(a.insts)
}

// LoadConst emits LOAD_CONST for v.
func (a *Assembler) LoadConst(v any) {
	a.Emit(LOAD_CONST, a.Const(v))
}

// LoadFast emits LOAD_FAST for a local.
func (a *Assembler) LoadFast(name string) {
	a.Emit(LOAD_FAST, a.Local(name))
}

// StoreFast emits STORE_FAST for a local.
func (a *Assembler) StoreFast(name string) {
	a.Emit(STORE_FAST, a.Local(name))
}

// LoadGlobal emits LOAD_GLOBAL.
func (a *Assembler) LoadGlobal(name string) {
	a.Emit(LOAD_GLOBAL, a.Name(name))
}

// LoadName emits LOAD_NAME.
func (a *Assembler) LoadName(name string) {
	a.Emit(LOAD_NAME, a.Name(name))
}

// StoreName emits STORE_NAME.
func (a *Assembler) StoreName(name string) {
	a.Emit(STORE_NAME, a.Name(name))
}

// LoadAttr emits LOAD_ATTR.
func (a *Assembler) LoadAttr(name string) {
	a.Emit(LOAD_ATTR, a.Name(name))
}

// LoadDeref emits LOAD_DEREF.
func (a *Assembler) LoadDeref(name string) {
	a.EmitDeref(LOAD_DEREF, name)
}

// Assemble resolves labels and deref operands and returns the finished unit.
func (a *Assembler) Assemble() (*Code, error) {
	instrs := make([]Instruction, 0, len(a.insts))
	for i, ai := range a.insts {
		arg := ai.arg
		if ai.label != "" {
			idx, ok := a.labels[ai.label]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, ai.label)
			}
			target := idx * InstructionSize
			if ai.op.HasRelativeTarget() {
				arg = target - (i+1)*InstructionSize
				if arg < 0 {
					return nil, fmt.Errorf("%w: %s to %q jumps backwards", ErrUnsupportedInstruction, ai.op, ai.label)
				}
			} else {
				arg = target
			}
		} else if ai.deref != "" {
			if j := slices.Index(a.code.CellVars, ai.deref); j >= 0 {
				arg = j
			} else if j := slices.Index(a.code.FreeVars, ai.deref); j >= 0 {
				arg = len(a.code.CellVars) + j
			} else {
				return nil, fmt.Errorf("%w: %q is neither a cell nor a free variable", ErrUnknownLabel, ai.deref)
			}
		}
		inst, err := NewInstruction(ai.op, arg)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		instrs = append(instrs, inst)
	}

	code := a.code.Clone()
	code.Bytecode = Encode(instrs)
	if len(code.FreeVars) == 0 && len(code.CellVars) == 0 {
		code.Flags |= FlagNoFree
	}
	return code, nil
}
