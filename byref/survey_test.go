package byref

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-byref/bytecode"
	"github.com/PatchLens/go-byref/vm"
)

// surveyModule holds a resolvable call, a nested function with a computed argument and a
// nested function whose call cannot be analyzed.
func surveyModule(t *testing.T) *bytecode.Code {
	inner := bytecode.NewAssembler("inner")
	inner.Params(1, "x")
	inner.LoadGlobal("f")
	inner.LoadFast("x")
	inner.LoadConst(1)
	inner.Emit(bytecode.BINARY_ADD, 0)
	inner.Emit(bytecode.CALL_FUNCTION, 1)
	inner.Emit(bytecode.RETURN_VALUE, 0)

	broken := bytecode.NewAssembler("broken")
	broken.Emit(bytecode.CALL_FUNCTION, 1)
	broken.Emit(bytecode.RETURN_VALUE, 0)

	return moduleCode(t, func(a *bytecode.Assembler) {
		a.LoadName("print")
		a.LoadName("a")
		a.LoadName("b")
		a.LoadAttr("c")
		a.LoadConst(1)
		a.Emit(bytecode.CALL_FUNCTION, 3)
		a.Emit(bytecode.POP_TOP, 0)
		a.LoadConst(mustAssemble(t, inner))
		a.LoadConst("inner")
		a.Emit(bytecode.MAKE_FUNCTION, 0)
		a.StoreName("inner")
		a.LoadConst(mustAssemble(t, broken))
		a.LoadConst("broken")
		a.Emit(bytecode.MAKE_FUNCTION, 0)
		a.StoreName("broken")
	})
}

func TestSurvey(t *testing.T) {
	t.Parallel()

	code := surveyModule(t)
	reports, err := Survey(t.Context(), code, Options{})
	require.NoError(t, err)
	require.Len(t, reports, 3)

	assert.Equal(t, "<module>", reports[0].Code)
	assert.Equal(t, code.Key(), reports[0].CodeKey)
	assert.Equal(t, 10, reports[0].Offset)
	assert.Equal(t, []string{"a", "b.c", "<rvalue>"}, reports[0].Args)
	assert.Equal(t, 2, reports[0].Lvalues)

	assert.Equal(t, "inner", reports[1].Code)
	assert.Equal(t, []string{"<rvalue>"}, reports[1].Args)
	assert.True(t, reports[1].Resolved())

	assert.Equal(t, "broken", reports[2].Code)
	assert.False(t, reports[2].Resolved())
	assert.Contains(t, reports[2].Err, ErrUnsupportedInstruction.Error())

	summary := Summarize(reports)
	assert.Equal(t, 3, summary.Sites)
	assert.Equal(t, 2, summary.Resolved)
	assert.Equal(t, 2, summary.Lvalues)
	assert.Equal(t, map[string]int{"CALL_FUNCTION": 3}, summary.ByOp)
	assert.Equal(t, map[string]int{"broken": 1}, summary.Failures)

	assignable := AssignableSites(reports)
	require.Len(t, assignable, 1)
	assert.Equal(t, reports[0], assignable[0])
}

func TestSurveyCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := Survey(ctx, surveyModule(t), Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestReportStore(t *testing.T) {
	t.Parallel()

	code := surveyModule(t)
	reports, err := Survey(t.Context(), code, Options{})
	require.NoError(t, err)

	store := NewReportStore(KeyPrefixStorage(NewMemStorage(), "reports"))
	t.Cleanup(store.Close)
	require.NoError(t, store.Save(reports))

	got, err := store.LoadCode(code.Key())
	require.NoError(t, err)
	assert.Equal(t, reports[:1], got)

	r, ok, err := store.Load(reports[2].Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, reports[2], r)

	_, ok, err = store.Load("missing-0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInjectionDiff(t *testing.T) {
	t.Parallel()

	fn := vm.NewFunction(addAllCode(t), nil)
	hooked, err := InjectCallHook(fn, vm.None)
	require.NoError(t, err)

	diff, err := InjectionDiff(fn.Code, hooked.Code)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(diff, "--- add_all\n+++ add_all (hooked)\n"))

	var added, removed []string
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added = append(added, line)
		case strings.HasPrefix(line, "-"):
			removed = append(removed, line)
		}
	}
	require.NotEmpty(t, added)
	assert.Contains(t, added[0], "LOAD_DEREF")
	assert.Contains(t, added[0], hookFreeVar)
	assert.NotEmpty(t, removed)

	same, err := InjectionDiff(fn.Code, fn.Code)
	require.NoError(t, err)
	assert.Empty(t, same)
}
