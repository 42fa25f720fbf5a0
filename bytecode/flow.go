package bytecode

import "fmt"

// ControlFlowGraph maps each offset to the ordered offsets that can transfer control to it.
// It is never mutated after BuildControlFlow returns.
type ControlFlowGraph map[int][]int

// Predecessors returns the offsets that can reach offset.
func (g ControlFlowGraph) Predecessors(offset int) []int {
	return g[offset]
}

// BuildControlFlow indexes the predecessor edges of an instruction stream.
func BuildControlFlow(code []byte) (ControlFlowGraph, error) {
	if len(code)%InstructionSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedCode, len(code))
	}

	prev := make(ControlFlowGraph)
	for i := 0; i < len(code); i += InstructionSize {
		inst := At(code, i)
		if inst.Op == EXTENDED_ARG {
			return nil, fmt.Errorf("%w: EXTENDED_ARG at offset %d", ErrUnsupportedInstruction, i)
		}

		if target, ok := inst.Target(i); ok {
			prev[target] = append(prev[target], i)
		}
		if !inst.Op.IsUnconditionalJump() {
			prev[i+InstructionSize] = append(prev[i+InstructionSize], i)
		}
	}
	return prev, nil
}
