package bytecode

// NoneType is the type of the None constant.
type NoneType struct{}

func (NoneType) String() string {
	return "None"
}

// None is the singleton absent-value constant.
var None = NoneType{}

// Tuple is an immutable sequence constant.
type Tuple []any
