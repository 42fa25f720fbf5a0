package callsite

import (
	"fmt"
	"math/bits"
	"slices"

	"github.com/PatchLens/go-byref/bytecode"
)

// combinatorKind enumerates the stack shuffle instructions.
type combinatorKind uint8

const (
	dupTop combinatorKind = iota
	dupTopTwo
	rotTwo
	rotThree
	rotFour
)

// arity is how many pre-shuffle values the combinator needs before it can produce its outputs.
func (k combinatorKind) arity() int {
	switch k {
	case dupTop:
		return 1
	case dupTopTwo, rotTwo:
		return 2
	case rotThree:
		return 3
	default:
		return 4
	}
}

// combinator is a stack shuffle awaiting its inputs. Inputs arrive top of stack first,
// as they are discovered walking backwards.
type combinator struct {
	kind   combinatorKind
	skip   int // skipDepth at registration, inputs are only accepted at the same depth
	inputs []Value
}

// outputs returns the post-shuffle values, top of stack first.
func (c *combinator) outputs() []Value {
	in := c.inputs
	switch c.kind {
	case dupTop:
		return []Value{in[0], in[0]}
	case dupTopTwo:
		return []Value{in[0], in[1], in[0], in[1]}
	case rotTwo:
		return []Value{in[1], in[0]}
	case rotThree:
		return []Value{in[1], in[2], in[0]}
	default:
		return []Value{in[1], in[2], in[3], in[0]}
	}
}

// expansion tracks the compiler idiom for f(a, b, *rest), which walking backwards reads
// LIST_TO_TUPLE, LIST_EXTEND, <load rest>, BUILD_LIST n.
type expansion struct {
	active   bool
	position int
}

// TracerState is the interpreter state of one backward path.
type TracerState struct {
	code *bytecode.Code

	// remainingDemand counts top of stack slots still to be reconstructed.
	remainingDemand int
	// collected holds resolved values, top of stack first.
	collected []Value
	// pending holds shuffles waiting for inputs, innermost last.
	pending []*combinator
	// skipDepth counts pushes that were consumed later on and must be absorbed.
	skipDepth int
	// chain accumulates attribute/subscript steps, outermost first.
	chain []Access
	// subscr is set after BINARY_SUBSCR until its key producer is seen.
	subscr bool
	expand expansion
}

func newTracerState(code *bytecode.Code, demand int, expand bool) *TracerState {
	return &TracerState{
		code:            code,
		remainingDemand: demand,
		expand:          expansion{active: expand},
	}
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *TracerState) Clone() *TracerState {
	ns := *s
	ns.collected = slices.Clone(s.collected)
	ns.chain = slices.Clone(s.chain)
	ns.pending = make([]*combinator, len(s.pending))
	for i, p := range s.pending {
		np := *p
		np.inputs = slices.Clone(p.inputs)
		ns.pending[i] = &np
	}
	return &ns
}

// Complete reports if every demanded slot is resolved and no shuffle is outstanding.
func (s *TracerState) Complete() bool {
	return s.remainingDemand <= 0 && len(s.pending) == 0
}

// Result returns the resolved values in call argument order.
func (s *TracerState) Result() []Value {
	if s.expand.active {
		return []Value{Rvalue{}}
	}
	result := slices.Clone(s.collected)
	slices.Reverse(result)
	return result
}

func (s *TracerState) push(v Value) {
	if n := len(s.pending); n > 0 {
		if p := s.pending[n-1]; p.skip == s.skipDepth {
			p.inputs = append(p.inputs, v)
			if len(p.inputs) == p.kind.arity() {
				s.pending = s.pending[:n-1]
				for _, out := range p.outputs() {
					s.push(out)
				}
			}
			return
		}
	}

	if s.skipDepth > 0 {
		s.skipDepth--
	} else if s.remainingDemand > 0 {
		s.collected = append(s.collected, v)
		s.remainingDemand--
	} // else below the demanded window
}

func (s *TracerState) pushRvalue() {
	s.chain = s.chain[:0]
	s.push(Rvalue{})
}

func (s *TracerState) pushLvalue(name string, global bool) {
	var access []Access
	if len(s.chain) > 0 {
		access = slices.Clone(s.chain)
		slices.Reverse(access)
	}
	s.chain = s.chain[:0]
	s.push(Lvalue{Name: name, Global: global, Access: access})
}

func (s *TracerState) pop(n int) {
	s.skipDepth += n
}

func (s *TracerState) addCombinator(kind combinatorKind) {
	s.pending = append(s.pending, &combinator{kind: kind, skip: s.skipDepth})
}

func tableName(tbl []string, idx uint8, inst bytecode.Instruction) (string, error) {
	if int(idx) >= len(tbl) {
		return "", fmt.Errorf("%w: %s operand out of range", bytecode.ErrMalformedCode, inst)
	}
	return tbl[idx], nil
}

func isNameLoad(op bytecode.Opcode) bool {
	switch op {
	case bytecode.LOAD_FAST, bytecode.LOAD_GLOBAL, bytecode.LOAD_DEREF, bytecode.LOAD_NAME,
		bytecode.LOAD_CLASSDEREF, bytecode.LOAD_CLOSURE:
		return true
	}
	return false
}

func (s *TracerState) expansionStep(inst bytecode.Instruction) bool {
	if s.remainingDemand != 1 || s.skipDepth != 0 {
		return false
	}
	switch s.expand.position {
	case 0:
		return inst.Op == bytecode.LIST_TO_TUPLE
	case 1:
		return inst.Op == bytecode.LIST_EXTEND
	case 2:
		return isNameLoad(inst.Op)
	case 3:
		if inst.Op == bytecode.BUILD_LIST {
			s.expand.active = false
			s.remainingDemand = int(inst.Arg)
			s.collected = nil
			return true
		}
	}
	return false
}

// undoExpansion replays a partially matched idiom as ordinary instructions.
func (s *TracerState) undoExpansion() error {
	s.expand.active = false
	if s.expand.position >= 1 {
		if err := s.trace(bytecode.Instruction{Op: bytecode.LIST_TO_TUPLE}); err != nil {
			return err
		}
	}
	if s.expand.position >= 2 {
		if err := s.trace(bytecode.Instruction{Op: bytecode.LIST_EXTEND, Arg: 1}); err != nil {
			return err
		}
	}
	if s.expand.position >= 3 {
		s.pushRvalue()
	}
	s.expand = expansion{active: true}
	return nil
}

// handleExpansion returns true if inst was consumed by the idiom matcher.
func (s *TracerState) handleExpansion(inst bytecode.Instruction) (bool, error) {
	if s.remainingDemand == 1 && s.skipDepth == 0 && inst.Op == bytecode.BUILD_TUPLE {
		s.expand.active = false
		s.remainingDemand = int(inst.Arg)
		s.collected = nil
		return true, nil
	}
	if s.expansionStep(inst) {
		s.expand.position++
		return true, nil
	}
	return false, s.undoExpansion()
}

// Step applies the reverse stack effect of one instruction.
func (s *TracerState) Step(inst bytecode.Instruction) error {
	if s.expand.active {
		if handled, err := s.handleExpansion(inst); err != nil || handled {
			return err
		}
	}
	return s.trace(inst)
}

func (s *TracerState) trace(inst bytecode.Instruction) error {
	if s.subscr {
		s.subscr = false
		if inst.Op == bytecode.LOAD_CONST {
			if int(inst.Arg) >= len(s.code.Consts) {
				return fmt.Errorf("%w: %s operand out of range", bytecode.ErrMalformedCode, inst)
			}
			s.chain = append(s.chain, Subscr(s.code.Consts[inst.Arg]))
			return nil
		}
		// non constant key, the subscript result is opaque and its operands are absorbed
		s.pushRvalue()
		s.pop(2)
	}

	arg := int(inst.Arg)
	switch inst.Op {
	case bytecode.LOAD_NAME, bytecode.LOAD_GLOBAL:
		name, err := tableName(s.code.Names, inst.Arg, inst)
		if err != nil {
			return err
		}
		s.pushLvalue(name, inst.Op == bytecode.LOAD_GLOBAL)
	case bytecode.LOAD_FAST:
		name, err := tableName(s.code.VarNames, inst.Arg, inst)
		if err != nil {
			return err
		}
		s.pushLvalue(name, false)
	case bytecode.LOAD_DEREF, bytecode.LOAD_CLASSDEREF:
		name, ok := s.code.DerefName(arg)
		if !ok {
			return fmt.Errorf("%w: %s operand out of range", bytecode.ErrMalformedCode, inst)
		}
		s.pushLvalue(name, false)
	case bytecode.LOAD_ATTR:
		name, err := tableName(s.code.Names, inst.Arg, inst)
		if err != nil {
			return err
		}
		s.chain = append(s.chain, Attr(name))
	case bytecode.BINARY_SUBSCR:
		s.subscr = true

	case bytecode.DUP_TOP:
		s.addCombinator(dupTop)
	case bytecode.DUP_TOP_TWO:
		s.addCombinator(dupTopTwo)
	case bytecode.ROT_TWO:
		s.addCombinator(rotTwo)
	case bytecode.ROT_THREE:
		s.addCombinator(rotThree)
	case bytecode.ROT_FOUR:
		s.addCombinator(rotFour)

	case bytecode.CALL_FUNCTION, bytecode.BUILD_CONST_KEY_MAP:
		s.pushRvalue()
		s.pop(arg + 1)
	case bytecode.CALL_FUNCTION_KW, bytecode.CALL_METHOD:
		s.pushRvalue()
		s.pop(arg + 2)
	case bytecode.CALL_FUNCTION_EX:
		s.pushRvalue()
		s.pop(2 + arg&1)
	case bytecode.LOAD_METHOD:
		s.pushRvalue()
		s.pushRvalue()
		s.pop(1)
	case bytecode.FORMAT_VALUE:
		s.pushRvalue()
		s.pop(1 + (arg&4)>>2)
	case bytecode.MAKE_FUNCTION:
		s.pushRvalue()
		s.pop(2 + bits.OnesCount8(inst.Arg&0x0F))
	case bytecode.UNPACK_SEQUENCE:
		for range arg {
			s.pushRvalue()
		}
		s.pop(1)
	case bytecode.BUILD_MAP:
		s.pushRvalue()
		s.pop(arg * 2)
	case bytecode.BUILD_TUPLE, bytecode.BUILD_LIST, bytecode.BUILD_SET, bytecode.BUILD_SLICE,
		bytecode.BUILD_STRING:
		s.pushRvalue()
		s.pop(arg)

	case bytecode.LOAD_CONST, bytecode.GET_ANEXT, bytecode.LOAD_BUILD_CLASS, bytecode.LOAD_ASSERTION_ERROR:
		s.pushRvalue()
	case bytecode.GET_ITER, bytecode.GET_AITER, bytecode.GET_YIELD_FROM_ITER, bytecode.GET_AWAITABLE,
		bytecode.LIST_TO_TUPLE, bytecode.UNARY_POSITIVE, bytecode.UNARY_NEGATIVE, bytecode.UNARY_NOT,
		bytecode.UNARY_INVERT:
		s.pushRvalue()
		s.pop(1)
	case bytecode.COMPARE_OP, bytecode.IS_OP, bytecode.CONTAINS_OP,
		bytecode.BINARY_ADD, bytecode.BINARY_POWER, bytecode.BINARY_MULTIPLY, bytecode.BINARY_MODULO,
		bytecode.BINARY_SUBTRACT, bytecode.BINARY_FLOOR_DIVIDE, bytecode.BINARY_TRUE_DIVIDE,
		bytecode.BINARY_LSHIFT, bytecode.BINARY_RSHIFT, bytecode.BINARY_AND, bytecode.BINARY_XOR,
		bytecode.BINARY_OR, bytecode.BINARY_MATRIX_MULTIPLY, bytecode.INPLACE_MATRIX_MULTIPLY,
		bytecode.INPLACE_FLOOR_DIVIDE, bytecode.INPLACE_TRUE_DIVIDE, bytecode.INPLACE_ADD,
		bytecode.INPLACE_SUBTRACT, bytecode.INPLACE_MULTIPLY, bytecode.INPLACE_MODULO,
		bytecode.INPLACE_POWER, bytecode.INPLACE_LSHIFT, bytecode.INPLACE_RSHIFT, bytecode.INPLACE_AND,
		bytecode.INPLACE_XOR, bytecode.INPLACE_OR, bytecode.JUMP_IF_NOT_EXC_MATCH,
		bytecode.DICT_MERGE, bytecode.DICT_UPDATE, bytecode.LIST_APPEND, bytecode.SET_ADD,
		bytecode.LIST_EXTEND, bytecode.SET_UPDATE:
		s.pushRvalue()
		s.pop(2)
	case bytecode.MAP_ADD:
		s.pushRvalue()
		s.pop(3)

	case bytecode.POP_JUMP_IF_FALSE, bytecode.POP_JUMP_IF_TRUE, bytecode.STORE_NAME, bytecode.STORE_GLOBAL,
		bytecode.STORE_FAST, bytecode.STORE_DEREF, bytecode.POP_TOP, bytecode.PRINT_EXPR,
		bytecode.DELETE_ATTR:
		s.pop(1)
	case bytecode.DELETE_SUBSCR, bytecode.STORE_ATTR:
		s.pop(2)
	case bytecode.STORE_SUBSCR:
		s.pop(3)

	case bytecode.JUMP_FORWARD, bytecode.JUMP_ABSOLUTE, bytecode.NOP, bytecode.SETUP_ANNOTATIONS,
		bytecode.DELETE_NAME, bytecode.DELETE_GLOBAL, bytecode.DELETE_FAST, bytecode.DELETE_DEREF:
		// no stack effect

	default:
		// RETURN_VALUE, FOR_ITER, SETUP_*, POP_BLOCK, EXTENDED_ARG and friends end or
		// restructure the stack in ways a straight backward replay cannot follow
		return fmt.Errorf("%w: cannot trace through %s", bytecode.ErrUnsupportedInstruction, inst.Op)
	}
	return nil
}
