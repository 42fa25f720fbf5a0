package bytecode

import "fmt"

// InjectPrologue returns a new stream with prologue placed before code. Absolute branch
// operands in code are shifted by the prologue length so they still address the same
// instruction; relative branches move together with their targets and are left untouched.
func InjectPrologue(code []byte, prologue []Instruction) ([]byte, error) {
	if len(code)%InstructionSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedCode, len(code))
	}
	shift := len(prologue) * InstructionSize

	result := make([]byte, 0, len(code)+shift)
	result = append(result, Encode(prologue)...)
	for i := 0; i < len(code); i += InstructionSize {
		inst := At(code, i)
		if inst.Op == EXTENDED_ARG {
			return nil, fmt.Errorf("%w: EXTENDED_ARG at offset %d", ErrUnsupportedInstruction, i)
		}
		if inst.Op.HasAbsoluteTarget() {
			shifted, err := NewInstruction(inst.Op, int(inst.Arg)+shift)
			if err != nil {
				return nil, fmt.Errorf("offset %d: %w", i, err)
			}
			inst = shifted
		}
		result = append(result, byte(inst.Op), inst.Arg)
	}
	return result, nil
}
