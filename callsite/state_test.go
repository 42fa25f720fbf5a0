package callsite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-byref/bytecode"
)

func TestTracerStateClone(t *testing.T) {
	t.Parallel()

	code := &bytecode.Code{Names: []string{"attr"}, VarNames: []string{"a", "b"}}
	s := newTracerState(code, 2, false)
	require.NoError(t, s.Step(bytecode.Instruction{Op: bytecode.ROT_TWO}))
	require.NoError(t, s.Step(bytecode.Instruction{Op: bytecode.LOAD_FAST, Arg: 0}))
	require.NoError(t, s.Step(bytecode.Instruction{Op: bytecode.LOAD_ATTR, Arg: 0}))

	c := s.Clone()
	require.NoError(t, c.Step(bytecode.Instruction{Op: bytecode.LOAD_FAST, Arg: 1}))
	assert.True(t, c.Complete())
	assert.Equal(t, []Value{Lvalue{Name: "a"}, Lvalue{Name: "b", Access: []Access{Attr("attr")}}}, c.Result())

	assert.False(t, s.Complete())
	require.Len(t, s.pending, 1)
	assert.Len(t, s.pending[0].inputs, 1)
	assert.Equal(t, []Access{Attr("attr")}, s.chain)

	require.NoError(t, s.Step(bytecode.Instruction{Op: bytecode.LOAD_FAST, Arg: 0}))
	assert.Equal(t, []Value{Lvalue{Name: "a"}, Lvalue{Name: "a", Access: []Access{Attr("attr")}}}, s.Result())
}

func TestTracerStateUnsupported(t *testing.T) {
	t.Parallel()

	ops := []bytecode.Opcode{
		bytecode.RETURN_VALUE, bytecode.FOR_ITER, bytecode.SETUP_FINALLY, bytecode.POP_BLOCK,
		bytecode.YIELD_VALUE, bytecode.EXTENDED_ARG, bytecode.RAISE_VARARGS,
	}
	for _, op := range ops {
		s := newTracerState(&bytecode.Code{}, 1, false)
		err := s.Step(bytecode.Instruction{Op: op})
		assert.ErrorIs(t, err, bytecode.ErrUnsupportedInstruction, op.String())
	}
}
