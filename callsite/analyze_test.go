package callsite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-byref/bytecode"
)

func assemble(t *testing.T, build func(a *bytecode.Assembler)) *bytecode.Code {
	t.Helper()

	a := bytecode.NewAssembler("caller")
	build(a)
	code, err := a.Assemble()
	require.NoError(t, err)
	return code
}

// lastCall returns the offset of the final call instruction in code.
func lastCall(t *testing.T, code *bytecode.Code) int {
	t.Helper()

	found := -1
	for i := 0; i < len(code.Bytecode); i += bytecode.InstructionSize {
		switch bytecode.At(code.Bytecode, i).Op {
		case bytecode.CALL_FUNCTION, bytecode.CALL_FUNCTION_KW, bytecode.CALL_FUNCTION_EX, bytecode.CALL_METHOD:
			found = i
		}
	}
	require.GreaterOrEqual(t, found, 0, "no call instruction")
	return found
}

func local(name string, access ...Access) Lvalue {
	return Lvalue{Name: name, Access: access}
}

func TestAnalyzePositional(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		build func(a *bytecode.Assembler)
		want  []Value
	}{
		{
			name: "locals_and_literal",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("add")
				a.LoadFast("a")
				a.LoadConst(10)
				a.Emit(bytecode.CALL_FUNCTION, 2)
			},
			want: []Value{local("a"), Rvalue{}},
		},
		{
			name: "global_and_mapping_names",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadGlobal("g")
				a.LoadName("n")
				a.Emit(bytecode.CALL_FUNCTION, 2)
			},
			want: []Value{Lvalue{Name: "g", Global: true}, local("n")},
		},
		{
			name: "deref",
			build: func(a *bytecode.Assembler) {
				a.CellVar("cell")
				a.FreeVar("free")
				a.LoadGlobal("f")
				a.LoadDeref("free")
				a.LoadDeref("cell")
				a.Emit(bytecode.CALL_FUNCTION, 2)
			},
			want: []Value{local("free"), local("cell")},
		},
		{
			name: "attribute_chain",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("obj")
				a.LoadAttr("inner")
				a.LoadAttr("field")
				a.Emit(bytecode.CALL_FUNCTION, 1)
			},
			want: []Value{local("obj", Attr("inner"), Attr("field"))},
		},
		{
			name: "mixed_subscript_chain",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("x")
				a.LoadConst(0)
				a.Emit(bytecode.BINARY_SUBSCR, 0)
				a.LoadAttr("y")
				a.LoadConst("k")
				a.Emit(bytecode.BINARY_SUBSCR, 0)
				a.Emit(bytecode.CALL_FUNCTION, 1)
			},
			want: []Value{local("x", Subscr(int64(0)), Attr("y"), Subscr("k"))},
		},
		{
			name: "variable_subscript",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("x")
				a.LoadFast("i")
				a.Emit(bytecode.BINARY_SUBSCR, 0)
				a.LoadFast("z")
				a.Emit(bytecode.CALL_FUNCTION, 2)
			},
			want: []Value{Rvalue{}, local("z")},
		},
		{
			name: "slice_and_element",
			build: func(a *bytecode.Assembler) {
				a.LoadName("add_all")
				a.LoadName("test_array")
				a.LoadConst(0)
				a.Emit(bytecode.BINARY_SUBSCR, 0)
				a.LoadName("test_array")
				a.LoadConst(1)
				a.LoadConst(bytecode.None)
				a.Emit(bytecode.BUILD_SLICE, 2)
				a.Emit(bytecode.BINARY_SUBSCR, 0)
				a.Emit(bytecode.CALL_FUNCTION, 2)
			},
			want: []Value{local("test_array", Subscr(int64(0))), Rvalue{}},
		},
		{
			name: "computed_values",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("a")
				a.LoadConst(1)
				a.Emit(bytecode.BINARY_ADD, 0)
				a.LoadGlobal("g")
				a.LoadFast("b")
				a.Emit(bytecode.CALL_FUNCTION, 1)
				a.LoadFast("c")
				a.LoadAttr("m")
				a.Emit(bytecode.CALL_FUNCTION, 0)
				a.LoadFast("d")
				a.Emit(bytecode.UNARY_NEGATIVE, 0)
				a.Emit(bytecode.CALL_FUNCTION, 4)
			},
			want: []Value{Rvalue{}, Rvalue{}, Rvalue{}, Rvalue{}},
		},
		{
			name: "attribute_of_call_result",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadGlobal("g")
				a.Emit(bytecode.CALL_FUNCTION, 0)
				a.LoadAttr("x")
				a.Emit(bytecode.CALL_FUNCTION, 1)
			},
			want: []Value{Rvalue{}},
		},
		{
			name: "collections",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("a")
				a.LoadFast("b")
				a.Emit(bytecode.BUILD_LIST, 2)
				a.LoadConst("k")
				a.LoadFast("c")
				a.Emit(bytecode.BUILD_MAP, 1)
				a.LoadFast("d")
				a.Emit(bytecode.CALL_FUNCTION, 3)
			},
			want: []Value{Rvalue{}, Rvalue{}, local("d")},
		},
		{
			name: "method_load",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("s")
				a.Emit(bytecode.LOAD_METHOD, a.Name("upper"))
				a.Emit(bytecode.CALL_METHOD, 0)
				a.LoadFast("t")
				a.Emit(bytecode.CALL_FUNCTION, 2)
			},
			want: []Value{Rvalue{}, local("t")},
		},
		{
			name: "method_call_site",
			build: func(a *bytecode.Assembler) {
				a.LoadFast("obj")
				a.Emit(bytecode.LOAD_METHOD, a.Name("update"))
				a.LoadFast("v")
				a.Emit(bytecode.CALL_METHOD, 1)
			},
			want: []Value{local("v")},
		},
		{
			name: "intervening_store",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("a")
				a.LoadConst(1)
				a.StoreFast("tmp")
				a.Emit(bytecode.NOP, 0)
				a.Emit(bytecode.CALL_FUNCTION, 1)
			},
			want: []Value{local("a")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := assemble(t, tt.build)
			got, err := Analyze(code, lastCall(t, code), Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnalyzeCombinators(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		build func(a *bytecode.Assembler)
		want  []Value
	}{
		{
			name: "rot_two",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("b")
				a.LoadFast("a")
				a.Emit(bytecode.ROT_TWO, 0)
				a.Emit(bytecode.CALL_FUNCTION, 2)
			},
			want: []Value{local("a"), local("b")},
		},
		{
			name: "rot_three",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("c")
				a.LoadFast("a")
				a.LoadFast("b")
				a.Emit(bytecode.ROT_THREE, 0)
				a.Emit(bytecode.CALL_FUNCTION, 3)
			},
			want: []Value{local("b"), local("c"), local("a")},
		},
		{
			name: "rot_four",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("d")
				a.LoadFast("c")
				a.LoadFast("b")
				a.LoadFast("a")
				a.Emit(bytecode.ROT_FOUR, 0)
				a.Emit(bytecode.CALL_FUNCTION, 4)
			},
			want: []Value{local("a"), local("d"), local("c"), local("b")},
		},
		{
			name: "dup_top",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("x")
				a.Emit(bytecode.DUP_TOP, 0)
				a.Emit(bytecode.CALL_FUNCTION, 2)
			},
			want: []Value{local("x"), local("x")},
		},
		{
			name: "dup_top_two",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("a")
				a.LoadFast("b")
				a.Emit(bytecode.DUP_TOP_TWO, 0)
				a.Emit(bytecode.CALL_FUNCTION, 4)
			},
			want: []Value{local("a"), local("b"), local("a"), local("b")},
		},
		{
			name: "dup_consumed_below_window",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("x")
				a.Emit(bytecode.DUP_TOP, 0)
				a.StoreFast("y")
				a.Emit(bytecode.CALL_FUNCTION, 1)
			},
			want: []Value{local("x")},
		},
		{
			name: "dup_straddles_callable",
			build: func(a *bytecode.Assembler) {
				a.LoadFast("x")
				a.Emit(bytecode.DUP_TOP, 0)
				a.Emit(bytecode.CALL_FUNCTION, 1)
			},
			want: []Value{local("x")},
		},
		{
			name: "nested_combinators",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("a")
				a.LoadFast("b")
				a.Emit(bytecode.ROT_TWO, 0)
				a.Emit(bytecode.DUP_TOP, 0)
				a.Emit(bytecode.CALL_FUNCTION, 3)
			},
			want: []Value{local("b"), local("a"), local("a")},
		},
		{
			name: "combinator_input_from_computation",
			build: func(a *bytecode.Assembler) {
				a.LoadGlobal("f")
				a.LoadFast("a")
				a.LoadFast("b")
				a.LoadConst(1)
				a.Emit(bytecode.BINARY_ADD, 0)
				a.Emit(bytecode.ROT_TWO, 0)
				a.Emit(bytecode.CALL_FUNCTION, 2)
			},
			want: []Value{Rvalue{}, local("a")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := assemble(t, tt.build)
			got, err := Analyze(code, lastCall(t, code), Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnalyzeBranches(t *testing.T) {
	t.Parallel()

	conditional := func(thenName, elseName string) func(a *bytecode.Assembler) {
		return func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.LoadFast("first")
			a.LoadFast("cond")
			a.EmitJump(bytecode.POP_JUMP_IF_FALSE, "else")
			a.LoadFast(thenName)
			a.EmitJump(bytecode.JUMP_FORWARD, "end")
			a.Label("else")
			a.LoadFast(elseName)
			a.Label("end")
			a.Emit(bytecode.CALL_FUNCTION, 2)
		}
	}

	t.Run("divergent_names_degrade", func(t *testing.T) {
		code := assemble(t, conditional("a", "b"))
		site, err := Locate(code, lastCall(t, code))
		require.NoError(t, err)
		cfg, err := bytecode.BuildControlFlow(code.Bytecode)
		require.NoError(t, err)

		paths, err := Trace(code, cfg, site, 0)
		require.NoError(t, err)
		require.Len(t, paths, 2)
		assert.ElementsMatch(t, [][]Value{
			{local("first"), local("a")},
			{local("first"), local("b")},
		}, paths)

		assert.Equal(t, []Value{local("first"), Rvalue{}}, Merge(paths))
	})

	t.Run("agreeing_names_kept", func(t *testing.T) {
		code := assemble(t, conditional("a", "a"))
		got, err := Analyze(code, lastCall(t, code), Options{})
		require.NoError(t, err)
		assert.Equal(t, []Value{local("first"), local("a")}, got)
	})

	shortCircuit := func(op bytecode.Opcode, left, right string) func(a *bytecode.Assembler) {
		return func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.LoadFast(left)
			a.EmitJump(op, "end")
			a.LoadFast(right)
			a.Label("end")
			a.Emit(bytecode.CALL_FUNCTION, 1)
		}
	}

	t.Run("and_or_pass_through", func(t *testing.T) {
		for _, op := range []bytecode.Opcode{bytecode.JUMP_IF_FALSE_OR_POP, bytecode.JUMP_IF_TRUE_OR_POP} {
			code := assemble(t, shortCircuit(op, "x", "y"))
			site, err := Locate(code, lastCall(t, code))
			require.NoError(t, err)
			cfg, err := bytecode.BuildControlFlow(code.Bytecode)
			require.NoError(t, err)
			paths, err := Trace(code, cfg, site, 0)
			require.NoError(t, err)
			assert.ElementsMatch(t, [][]Value{{local("x")}, {local("y")}}, paths, op.String())
			assert.Equal(t, []Value{Rvalue{}}, Merge(paths))

			code = assemble(t, shortCircuit(op, "x", "x"))
			got, err := Analyze(code, lastCall(t, code), Options{})
			require.NoError(t, err)
			assert.Equal(t, []Value{local("x")}, got, op.String())
		}
	})

	t.Run("fork_does_not_share_chain", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.LoadFast("cond")
			a.EmitJump(bytecode.POP_JUMP_IF_FALSE, "else")
			a.LoadFast("a")
			a.EmitJump(bytecode.JUMP_FORWARD, "end")
			a.Label("else")
			a.LoadFast("b")
			a.Label("end")
			a.LoadAttr("field")
			a.Emit(bytecode.CALL_FUNCTION, 1)
		})
		site, err := Locate(code, lastCall(t, code))
		require.NoError(t, err)
		cfg, err := bytecode.BuildControlFlow(code.Bytecode)
		require.NoError(t, err)
		paths, err := Trace(code, cfg, site, 0)
		require.NoError(t, err)
		assert.ElementsMatch(t, [][]Value{
			{local("a", Attr("field"))},
			{local("b", Attr("field"))},
		}, paths)
	})
}

func TestAnalyzeCallForms(t *testing.T) {
	t.Parallel()

	t.Run("keywords", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.LoadFast("a")
			a.LoadFast("b")
			a.LoadConst(bytecode.Tuple{"k"})
			a.Emit(bytecode.CALL_FUNCTION_KW, 2)
		})
		got, err := Analyze(code, lastCall(t, code), Options{})
		require.NoError(t, err)
		assert.Equal(t, []Value{local("a"), local("b"), Rvalue{}}, got)
	})

	t.Run("star_expansion", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.LoadFast("a")
			a.LoadFast("b")
			a.Emit(bytecode.BUILD_LIST, 2)
			a.LoadFast("rest")
			a.Emit(bytecode.LIST_EXTEND, 1)
			a.Emit(bytecode.LIST_TO_TUPLE, 0)
			a.Emit(bytecode.CALL_FUNCTION_EX, 0)
		})
		got, err := Analyze(code, lastCall(t, code), Options{})
		require.NoError(t, err)
		assert.Equal(t, []Value{local("a"), local("b")}, got)
	})

	t.Run("tuple_with_kwargs", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.LoadFast("a")
			a.LoadFast("b")
			a.Emit(bytecode.BUILD_TUPLE, 2)
			a.Emit(bytecode.BUILD_MAP, 0)
			a.LoadFast("kw")
			a.Emit(bytecode.DICT_MERGE, 1)
			a.Emit(bytecode.CALL_FUNCTION_EX, 1)
		})
		callAt := lastCall(t, code)
		mergeAt := callAt - bytecode.InstructionSize

		site, err := Locate(code, mergeAt)
		require.NoError(t, err)
		assert.Equal(t, callAt, site.Offset)

		for _, lasti := range []int{callAt, mergeAt} {
			got, err := Analyze(code, lasti, Options{})
			require.NoError(t, err)
			assert.Equal(t, []Value{local("a"), local("b")}, got)
		}
	})

	t.Run("bare_star_degrades", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.LoadFast("args")
			a.Emit(bytecode.CALL_FUNCTION_EX, 0)
		})
		got, err := Analyze(code, lastCall(t, code), Options{})
		require.NoError(t, err)
		assert.Equal(t, []Value{Rvalue{}}, got)
	})

	t.Run("partial_idiom_degrades", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.LoadFast("a")
			a.Emit(bytecode.BUILD_LIST, 1)
			a.LoadGlobal("g")
			a.Emit(bytecode.CALL_FUNCTION, 0)
			a.Emit(bytecode.LIST_EXTEND, 1)
			a.Emit(bytecode.LIST_TO_TUPLE, 0)
			a.Emit(bytecode.CALL_FUNCTION_EX, 0)
		})
		got, err := Analyze(code, lastCall(t, code), Options{})
		require.NoError(t, err)
		assert.Equal(t, []Value{Rvalue{}}, got)
	})
}

func TestAnalyzeErrors(t *testing.T) {
	t.Parallel()

	t.Run("not_a_call", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadFast("x")
			a.Emit(bytecode.RETURN_VALUE, 0)
		})
		_, err := Analyze(code, 0, Options{})
		require.ErrorIs(t, err, ErrNotCallSite)
		require.ErrorIs(t, err, bytecode.ErrUnsupportedInstruction)

		_, err = Analyze(code, 100, Options{})
		require.ErrorIs(t, err, ErrNotCallSite)
		_, err = Analyze(code, 1, Options{})
		require.ErrorIs(t, err, ErrNotCallSite)
	})

	t.Run("unsupported_on_path", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.LoadFast("x")
			a.LoadFast("c")
			a.EmitJump(bytecode.POP_JUMP_IF_FALSE, "body")
			a.LoadConst(bytecode.None)
			a.Emit(bytecode.RETURN_VALUE, 0)
			a.Label("body")
			a.LoadFast("a")
			a.Emit(bytecode.CALL_FUNCTION, 2)
		})
		_, err := Analyze(code, lastCall(t, code), Options{})
		require.ErrorIs(t, err, bytecode.ErrUnsupportedInstruction)
		assert.Contains(t, err.Error(), "RETURN_VALUE")
	})

	t.Run("extended_arg", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.Emit(bytecode.EXTENDED_ARG, 1)
			a.LoadFast("x")
			a.Emit(bytecode.CALL_FUNCTION, 1)
		})
		_, err := Analyze(code, lastCall(t, code), Options{})
		require.ErrorIs(t, err, bytecode.ErrUnsupportedInstruction)
	})

	t.Run("start_of_stream", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadFast("x")
			a.Emit(bytecode.CALL_FUNCTION, 2)
		})
		_, err := Analyze(code, lastCall(t, code), Options{})
		require.ErrorIs(t, err, bytecode.ErrUnsupportedInstruction)
	})

	t.Run("call_at_entry", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.Emit(bytecode.CALL_FUNCTION, 0)
		})
		_, err := Analyze(code, 0, Options{})
		require.ErrorIs(t, err, bytecode.ErrUnsupportedInstruction)
	})

	t.Run("step_budget", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.LoadFast("a")
			a.LoadFast("b")
			a.LoadFast("c")
			a.Emit(bytecode.CALL_FUNCTION, 3)
		})
		_, err := Analyze(code, lastCall(t, code), Options{MaxSteps: 2})
		require.ErrorIs(t, err, bytecode.ErrUnsupportedInstruction)

		got, err := Analyze(code, lastCall(t, code), Options{MaxSteps: 3})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("malformed_operand", func(t *testing.T) {
		code := assemble(t, func(a *bytecode.Assembler) {
			a.LoadGlobal("f")
			a.Emit(bytecode.LOAD_FAST, 9)
			a.Emit(bytecode.CALL_FUNCTION, 1)
		})
		_, err := Analyze(code, lastCall(t, code), Options{})
		require.ErrorIs(t, err, bytecode.ErrMalformedCode)
	})
}

func TestFlowCache(t *testing.T) {
	t.Parallel()

	cache, err := NewFlowCache(1)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	code := assemble(t, func(a *bytecode.Assembler) {
		a.LoadGlobal("f")
		a.LoadFast("a")
		a.Emit(bytecode.CALL_FUNCTION, 1)
	})

	first, err := cache.Get(code)
	require.NoError(t, err)
	cache.Wait()
	second, err := cache.Get(code)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := Analyze(code, lastCall(t, code), Options{Cache: cache})
	require.NoError(t, err)
	assert.Equal(t, []Value{local("a")}, got)

	var nilCache *FlowCache
	direct, err := nilCache.Get(code)
	require.NoError(t, err)
	assert.Equal(t, first, direct)
	nilCache.Wait()
	nilCache.Close()
}
