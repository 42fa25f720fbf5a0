package bytecode

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/mtraver/base91"
)

// Code flags.
const (
	FlagOptimized    = 0x0001
	FlagNewLocals    = 0x0002
	FlagVarArgs      = 0x0004
	FlagVarKeywords  = 0x0008
	FlagNested       = 0x0010
	FlagNoFree       = 0x0040
	DefaultFuncFlags = FlagOptimized | FlagNewLocals
)

// Code is a compiled unit: an instruction stream plus the tables its operands index.
type Code struct {
	// Name is the function or module name.
	Name string
	// Filename is the source file the unit was compiled from.
	Filename string
	// FirstLineNo is the first source line of the unit.
	FirstLineNo int
	// ArgCount counts positional parameters, including positional-only ones.
	ArgCount int
	// PosOnlyArgCount counts positional-only parameters.
	PosOnlyArgCount int
	// KwOnlyArgCount counts keyword-only parameters.
	KwOnlyArgCount int
	// StackSize is the maximum value stack depth.
	StackSize int
	// Flags holds the Flag* bits.
	Flags int
	// Bytecode is the instruction stream.
	Bytecode []byte
	// Consts is indexed by LOAD_CONST.
	Consts []any
	// Names is indexed by global, attribute and unoptimized name instructions.
	Names []string
	// VarNames holds parameters then other fast locals.
	VarNames []string
	// FreeVars holds names captured from an enclosing scope.
	FreeVars []string
	// CellVars holds locals captured by nested scopes.
	CellVars []string
	// LineTable maps instruction offsets to source lines, empty once rewritten.
	LineTable []byte
	// Version is the instruction set version the unit targets, e.g. "3.9".
	Version string
}

// Optimized reports if locals live in fast slots rather than a name mapping.
func (c *Code) Optimized() bool {
	return c.Flags&FlagOptimized != 0
}

// DerefName returns the name addressed by a LOAD_DEREF style operand, cell vars first.
func (c *Code) DerefName(idx int) (string, bool) {
	if idx < len(c.CellVars) {
		return c.CellVars[idx], true
	}
	idx -= len(c.CellVars)
	if idx < len(c.FreeVars) {
		return c.FreeVars[idx], true
	}
	return "", false
}

// ParamNames returns the positional parameter names in order.
func (c *Code) ParamNames() []string {
	return c.VarNames[:min(c.ArgCount, len(c.VarNames))]
}

// Clone returns a copy whose slices can be modified without affecting c.
func (c *Code) Clone() *Code {
	nc := *c
	nc.Bytecode = slices.Clone(c.Bytecode)
	nc.Consts = slices.Clone(c.Consts)
	nc.Names = slices.Clone(c.Names)
	nc.VarNames = slices.Clone(c.VarNames)
	nc.FreeVars = slices.Clone(c.FreeVars)
	nc.CellVars = slices.Clone(c.CellVars)
	nc.LineTable = slices.Clone(c.LineTable)
	return &nc
}

// Key returns a short stable identifier derived from the instruction stream and its tables.
func (c *Code) Key() string {
	h := sha1.New()
	writeStr := func(s string) {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeStr(c.Name)
	writeStr(string(c.Bytecode))
	for _, tbl := range [][]string{c.Names, c.VarNames, c.CellVars, c.FreeVars} {
		writeStr("")
		for _, s := range tbl {
			writeStr(s)
		}
	}
	writeStr("")
	for _, k := range c.Consts {
		if nested, ok := k.(*Code); ok {
			writeStr(nested.Key())
		} else {
			writeStr(fmt.Sprintf("%T:%v", k, k))
		}
	}
	writeStr(c.Version)
	return base91.StdEncoding.EncodeToString(h.Sum(nil))
}
