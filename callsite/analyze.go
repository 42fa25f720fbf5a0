package callsite

import (
	"errors"
	"fmt"

	"github.com/PatchLens/go-byref/bytecode"
)

// DefaultMaxSteps bounds the total instructions replayed for one call site across all paths.
const DefaultMaxSteps = 1 << 16

// ErrNotCallSite indicates the instruction pointer does not address a call instruction.
var ErrNotCallSite = errors.New("not a call instruction")

// Site is a located call instruction.
type Site struct {
	// Offset is the byte offset of the call instruction.
	Offset int
	// Inst is the call instruction.
	Inst bytecode.Instruction
	// Demand is how many stack slots above the callable hold the call's operands.
	Demand int
	// Expand is set for CALL_FUNCTION_EX, whose positional operand is a single sequence.
	Expand bool
}

// Locate finds the call instruction executing at lasti.
func Locate(code *bytecode.Code, lasti int) (Site, error) {
	if lasti < 0 || lasti+1 >= len(code.Bytecode) || lasti%bytecode.InstructionSize != 0 {
		return Site{}, fmt.Errorf("%w: %w: offset %d outside %s", bytecode.ErrUnsupportedInstruction,
			ErrNotCallSite, lasti, code.Name)
	}
	inst := bytecode.At(code.Bytecode, lasti)
	if inst.Op == bytecode.DICT_MERGE && lasti+bytecode.InstructionSize+1 < len(code.Bytecode) {
		// f(*a, **k) reports the DICT_MERGE feeding CALL_FUNCTION_EX as the current instruction
		lasti += bytecode.InstructionSize
		inst = bytecode.At(code.Bytecode, lasti)
	}

	site := Site{Offset: lasti, Inst: inst}
	switch inst.Op {
	case bytecode.CALL_FUNCTION, bytecode.CALL_METHOD:
		site.Demand = int(inst.Arg)
	case bytecode.CALL_FUNCTION_KW:
		site.Demand = int(inst.Arg) + 1
	case bytecode.CALL_FUNCTION_EX:
		site.Demand = 1 + int(inst.Arg&1)
		site.Expand = true
	default:
		return Site{}, fmt.Errorf("%w: %w: %s at offset %d", bytecode.ErrUnsupportedInstruction,
			ErrNotCallSite, inst.Op, lasti)
	}
	return site, nil
}

// tracer is one exploration frontier item.
type tracer struct {
	state *TracerState
	next  int // offset of the next instruction to replay
	prev  int // offset control flowed to from next
}

// Trace replays the call site backwards along every predecessor path and returns one
// argument sequence per path, in call argument order.
func Trace(code *bytecode.Code, cfg bytecode.ControlFlowGraph, site Site, maxSteps int) ([][]Value, error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	var worklist []*tracer
	for _, p := range cfg.Predecessors(site.Offset) {
		worklist = append(worklist, &tracer{
			state: newTracerState(code, site.Demand, site.Expand),
			next:  p,
			prev:  site.Offset,
		})
	}
	if len(worklist) == 0 {
		return nil, fmt.Errorf("%w: call at offset %d has no predecessors", bytecode.ErrUnsupportedInstruction, site.Offset)
	}

	var results [][]Value
	steps := 0
	for len(worklist) > 0 {
		t := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		for {
			if steps++; steps > maxSteps {
				return nil, fmt.Errorf("%w: step budget %d exhausted at offset %d", bytecode.ErrUnsupportedInstruction,
					maxSteps, site.Offset)
			}

			inst := bytecode.At(code.Bytecode, t.next)
			switch inst.Op {
			case bytecode.JUMP_IF_FALSE_OR_POP, bytecode.JUMP_IF_TRUE_OR_POP:
				// the condition stays on the stack only along the jump edge
				if t.next != t.prev-bytecode.InstructionSize {
					inst = bytecode.Instruction{Op: bytecode.NOP}
				} else {
					inst = bytecode.Instruction{Op: bytecode.POP_TOP}
				}
			}
			if err := t.state.Step(inst); err != nil {
				return nil, fmt.Errorf("offset %d: %w", t.next, err)
			}

			if t.state.Complete() {
				results = append(results, t.state.Result())
				break
			}

			preds := cfg.Predecessors(t.next)
			if len(preds) == 0 {
				return nil, fmt.Errorf("%w: reached start of %s with %d operands unresolved",
					bytecode.ErrUnsupportedInstruction, code.Name, t.state.remainingDemand)
			}
			for _, branch := range preds[1:] {
				worklist = append(worklist, &tracer{state: t.state.Clone(), next: branch, prev: t.next})
			}
			t.prev, t.next = t.next, preds[0]
		}
	}
	return results, nil
}

// Options configures Analyze.
type Options struct {
	// MaxSteps bounds the replay, DefaultMaxSteps when zero.
	MaxSteps int
	// Cache supplies predecessor maps, built on demand when nil.
	Cache *FlowCache
}

// Analyze reconstructs the arguments of the call executing at lasti in code. The result holds
// one value per reconstructed operand; values that differ between paths are Rvalue.
func Analyze(code *bytecode.Code, lasti int, opts Options) ([]Value, error) {
	site, err := Locate(code, lasti)
	if err != nil {
		return nil, err
	}
	cfg, err := opts.Cache.Get(code)
	if err != nil {
		return nil, err
	}
	paths, err := Trace(code, cfg, site, opts.MaxSteps)
	if err != nil {
		return nil, err
	}
	return Merge(paths), nil
}
