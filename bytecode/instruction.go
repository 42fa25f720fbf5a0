package bytecode

import (
	"errors"
	"fmt"
)

// InstructionSize is the width in bytes of every instruction record.
const InstructionSize = 2

// MaxOperand is the largest operand that fits an instruction record without an EXTENDED_ARG prefix.
const MaxOperand = 0xFF

// ErrUnsupportedInstruction indicates an instruction class or operand width outside the supported set.
var ErrUnsupportedInstruction = errors.New("unsupported instruction")

// ErrMalformedCode indicates an instruction stream that is not a whole number of records.
var ErrMalformedCode = errors.New("malformed instruction stream")

// Instruction is a single decoded (opcode, operand) record.
type Instruction struct {
	Op  Opcode
	Arg uint8
}

// NewInstruction builds an instruction, rejecting operands wider than one byte.
func NewInstruction(op Opcode, arg int) (Instruction, error) {
	if arg < 0 || arg > MaxOperand {
		return Instruction{}, fmt.Errorf("%w: %s operand %d requires EXTENDED_ARG", ErrUnsupportedInstruction, op, arg)
	}
	return Instruction{Op: op, Arg: uint8(arg)}, nil
}

func (i Instruction) String() string {
	if i.Op.HasArgument() {
		return fmt.Sprintf("%s %d", i.Op, i.Arg)
	}
	return i.Op.String()
}

// Target returns the branch destination of the instruction located at offset.
// The second return is false for instructions that do not branch.
func (i Instruction) Target(offset int) (int, bool) {
	switch {
	case i.Op.HasAbsoluteTarget():
		return int(i.Arg), true
	case i.Op.HasRelativeTarget():
		return offset + InstructionSize + int(i.Arg), true
	default:
		return 0, false
	}
}

// At returns the instruction at the given byte offset.
func At(code []byte, offset int) Instruction {
	return Instruction{Op: Opcode(code[offset]), Arg: code[offset+1]}
}

// Decode splits an instruction stream into records.
func Decode(code []byte) ([]Instruction, error) {
	if len(code)%InstructionSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedCode, len(code))
	}
	result := make([]Instruction, 0, len(code)/InstructionSize)
	for i := 0; i < len(code); i += InstructionSize {
		result = append(result, At(code, i))
	}
	return result, nil
}

// Encode serializes instructions back into a flat stream.
func Encode(instrs []Instruction) []byte {
	code := make([]byte, 0, len(instrs)*InstructionSize)
	for _, inst := range instrs {
		code = append(code, byte(inst.Op), inst.Arg)
	}
	return code
}
