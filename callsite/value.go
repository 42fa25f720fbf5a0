// Package callsite reconstructs the expressions that produced the arguments of a call
// instruction by replaying instruction stack effects backwards along every control path.
package callsite

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Value is a reconstructed argument: either an Rvalue or an Lvalue.
type Value interface {
	isValue()
	String() string
}

// Rvalue marks an argument whose value exists but does not name an assignable location.
type Rvalue struct{}

func (Rvalue) isValue() {}

func (Rvalue) String() string {
	return "<rvalue>"
}

// Access is one attribute or subscript step applied to a named location.
type Access struct {
	// Subscript distinguishes a [Key] step from an .Attr step.
	Subscript bool
	// Attr is the attribute name of an attribute step.
	Attr string
	// Key is the constant subscript of a subscript step.
	Key any
}

// Attr returns an attribute access step.
func Attr(name string) Access {
	return Access{Attr: name}
}

// Subscr returns a subscript access step.
func Subscr(key any) Access {
	return Access{Subscript: true, Key: key}
}

func (a Access) String() string {
	if a.Subscript {
		return fmt.Sprintf("[%#v]", a.Key)
	}
	return "." + a.Attr
}

// Lvalue names an assignable location: a local or global name followed by zero or more
// attribute/subscript steps, outermost step last.
type Lvalue struct {
	Name   string
	Global bool
	Access []Access
}

func (Lvalue) isValue() {}

func (l Lvalue) String() string {
	var sb strings.Builder
	if l.Global {
		sb.WriteString("global ")
	}
	sb.WriteString(l.Name)
	for _, a := range l.Access {
		sb.WriteString(a.String())
	}
	return sb.String()
}

// Equal compares two values structurally.
func Equal(a, b Value) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}
