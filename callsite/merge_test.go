package callsite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge(t *testing.T) {
	t.Parallel()

	x := Lvalue{Name: "x"}
	xa := Lvalue{Name: "x", Access: []Access{Attr("a")}}
	gx := Lvalue{Name: "x", Global: true}

	tests := []struct {
		name  string
		paths [][]Value
		want  []Value
	}{
		{name: "no_paths", paths: nil, want: nil},
		{name: "single", paths: [][]Value{{x, Rvalue{}}}, want: []Value{x, Rvalue{}}},
		{
			name:  "agree",
			paths: [][]Value{{x, xa}, {x, xa}},
			want:  []Value{x, xa},
		},
		{
			name:  "name_differs",
			paths: [][]Value{{x}, {Lvalue{Name: "y"}}},
			want:  []Value{Rvalue{}},
		},
		{
			name:  "scope_differs",
			paths: [][]Value{{x}, {gx}},
			want:  []Value{Rvalue{}},
		},
		{
			name:  "access_differs",
			paths: [][]Value{{xa}, {x}},
			want:  []Value{Rvalue{}},
		},
		{
			name:  "key_differs",
			paths: [][]Value{{Lvalue{Name: "x", Access: []Access{Subscr(int64(0))}}}, {Lvalue{Name: "x", Access: []Access{Subscr("0")}}}},
			want:  []Value{Rvalue{}},
		},
		{
			name:  "empty_access_equal",
			paths: [][]Value{{Lvalue{Name: "x", Access: []Access{}}}, {x}},
			want:  []Value{Lvalue{Name: "x", Access: []Access{}}},
		},
		{
			name:  "rvalue_vs_lvalue",
			paths: [][]Value{{Rvalue{}, x}, {x, x}},
			want:  []Value{Rvalue{}, x},
		},
		{
			name:  "shortest_path_wins",
			paths: [][]Value{{x, x}, {Rvalue{}}, {x, x, x}},
			want:  []Value{Rvalue{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.paths))
		})
	}
}

func TestValueString(t *testing.T) {
	t.Parallel()

	v := Lvalue{Name: "obj", Global: true, Access: []Access{Attr("items"), Subscr(int64(2)), Subscr("k")}}
	assert.Equal(t, `global obj.items[2]["k"]`, v.String())
	assert.Equal(t, "x", Lvalue{Name: "x"}.String())
	assert.Equal(t, "<rvalue>", Rvalue{}.String())
}
