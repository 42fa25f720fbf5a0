package bytecode

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeContainer(t *testing.T) {
	t.Parallel()

	inner := NewAssembler("inner")
	inner.Params(1, "v")
	inner.FreeVar("captured")
	inner.LoadDeref("captured")
	inner.Emit(RETURN_VALUE, 0)
	innerCode, err := inner.Assemble()
	require.NoError(t, err)

	outer := NewModuleAssembler("<module>")
	outer.LoadConst(innerCode)
	outer.LoadConst(Tuple{int64(1), "two", 3.5, true, None})
	outer.LoadConst(None)
	outer.Emit(RETURN_VALUE, 0)
	outerCode, err := outer.Assemble()
	require.NoError(t, err)
	outerCode.LineTable = []byte{0, 1}

	t.Run("round_trip", func(t *testing.T) {
		data, err := MarshalCode(outerCode)
		require.NoError(t, err)
		got, err := UnmarshalCode(data)
		require.NoError(t, err)

		assert.Equal(t, outerCode.Name, got.Name)
		assert.Equal(t, outerCode.Bytecode, got.Bytecode)
		assert.Equal(t, outerCode.Flags, got.Flags)
		assert.Equal(t, outerCode.LineTable, got.LineTable)
		require.Len(t, got.Consts, 3)
		assert.Equal(t, Tuple{int64(1), "two", 3.5, true, None}, got.Consts[1])
		assert.Equal(t, None, got.Consts[2])

		nested, ok := got.Consts[0].(*Code)
		require.True(t, ok)
		assert.Equal(t, innerCode.FreeVars, nested.FreeVars)
		assert.Equal(t, innerCode.VarNames, nested.VarNames)
		assert.Equal(t, innerCode.Bytecode, nested.Bytecode)
		assert.Equal(t, outerCode.Key(), got.Key())
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prog.byrc")
		require.NoError(t, WriteCodeFile(path, innerCode))
		got, err := ReadCodeFile(path)
		require.NoError(t, err)
		assert.Equal(t, innerCode.Key(), got.Key())

		old := innerCode.Clone()
		old.Version = "3.8"
		require.NoError(t, WriteCodeFile(path, old))
		_, err = ReadCodeFile(path)
		require.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("bad_header", func(t *testing.T) {
		_, err := UnmarshalCode([]byte("nope"))
		require.ErrorIs(t, err, ErrContainerFormat)
		_, err = UnmarshalCode([]byte("BYRC\x09"))
		require.ErrorIs(t, err, ErrContainerFormat)
		_, err = UnmarshalCode([]byte("BYRC\x01garbage"))
		require.ErrorIs(t, err, ErrContainerFormat)
	})

	t.Run("unsupported_const", func(t *testing.T) {
		c := outerCode.Clone()
		c.Consts = append(c.Consts, struct{}{})
		_, err := MarshalCode(c)
		require.ErrorIs(t, err, ErrContainerFormat)
	})
}

func TestCodeKey(t *testing.T) {
	t.Parallel()

	a := NewAssembler("f")
	a.LoadConst(int64(1))
	a.Emit(RETURN_VALUE, 0)
	c1, err := a.Assemble()
	require.NoError(t, err)

	c2 := c1.Clone()
	assert.Equal(t, c1.Key(), c2.Key())
	c2.Consts[0] = int64(2)
	assert.NotEqual(t, c1.Key(), c2.Key())
	c3 := c1.Clone()
	c3.Bytecode[1] = 1
	assert.NotEqual(t, c1.Key(), c3.Key())
	assert.Equal(t, int64(1), c1.Consts[0]) // clone did not alias
}

func TestZstdCompress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{"nil_input", nil},
		{"ascii_text", []byte("LOAD_FAST LOAD_FAST CALL_FUNCTION")},
		{"binary_data", []byte{0x00, 0xFF, 0x10, 0x20, 0x7F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed := ZstdCompress(nil, tt.input)
			out, err := ZstdDecompress(nil, compressed)
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), len(out))
			if len(tt.input) > 0 {
				assert.Equal(t, tt.input, out)
			}
		})
	}
}
