// Package bytecode provides decoding, encoding, control flow indexing and
// rewriting for the CPython 3.9 wordcode instruction set.
package bytecode

import "strconv"

// Opcode is a single instruction opcode.
type Opcode uint8

// Opcodes of the CPython 3.9 instruction set.
const (
	POP_TOP                 Opcode = 1
	ROT_TWO                 Opcode = 2
	ROT_THREE               Opcode = 3
	DUP_TOP                 Opcode = 4
	DUP_TOP_TWO             Opcode = 5
	ROT_FOUR                Opcode = 6
	NOP                     Opcode = 9
	UNARY_POSITIVE          Opcode = 10
	UNARY_NEGATIVE          Opcode = 11
	UNARY_NOT               Opcode = 12
	UNARY_INVERT            Opcode = 15
	BINARY_MATRIX_MULTIPLY  Opcode = 16
	INPLACE_MATRIX_MULTIPLY Opcode = 17
	BINARY_POWER            Opcode = 19
	BINARY_MULTIPLY         Opcode = 20
	BINARY_MODULO           Opcode = 22
	BINARY_ADD              Opcode = 23
	BINARY_SUBTRACT         Opcode = 24
	BINARY_SUBSCR           Opcode = 25
	BINARY_FLOOR_DIVIDE     Opcode = 26
	BINARY_TRUE_DIVIDE      Opcode = 27
	INPLACE_FLOOR_DIVIDE    Opcode = 28
	INPLACE_TRUE_DIVIDE     Opcode = 29
	RERAISE                 Opcode = 48
	WITH_EXCEPT_START       Opcode = 49
	GET_AITER               Opcode = 50
	GET_ANEXT               Opcode = 51
	BEFORE_ASYNC_WITH       Opcode = 52
	END_ASYNC_FOR           Opcode = 54
	INPLACE_ADD             Opcode = 55
	INPLACE_SUBTRACT        Opcode = 56
	INPLACE_MULTIPLY        Opcode = 57
	INPLACE_MODULO          Opcode = 59
	STORE_SUBSCR            Opcode = 60
	DELETE_SUBSCR           Opcode = 61
	BINARY_LSHIFT           Opcode = 62
	BINARY_RSHIFT           Opcode = 63
	BINARY_AND              Opcode = 64
	BINARY_XOR              Opcode = 65
	BINARY_OR               Opcode = 66
	INPLACE_POWER           Opcode = 67
	GET_ITER                Opcode = 68
	GET_YIELD_FROM_ITER     Opcode = 69
	PRINT_EXPR              Opcode = 70
	LOAD_BUILD_CLASS        Opcode = 71
	YIELD_FROM              Opcode = 72
	GET_AWAITABLE           Opcode = 73
	LOAD_ASSERTION_ERROR    Opcode = 74
	INPLACE_LSHIFT          Opcode = 75
	INPLACE_RSHIFT          Opcode = 76
	INPLACE_AND             Opcode = 77
	INPLACE_XOR             Opcode = 78
	INPLACE_OR              Opcode = 79
	LIST_TO_TUPLE           Opcode = 82
	RETURN_VALUE            Opcode = 83
	IMPORT_STAR             Opcode = 84
	SETUP_ANNOTATIONS       Opcode = 85
	YIELD_VALUE             Opcode = 86
	POP_BLOCK               Opcode = 87
	POP_EXCEPT              Opcode = 89
	STORE_NAME              Opcode = 90
	DELETE_NAME             Opcode = 91
	UNPACK_SEQUENCE         Opcode = 92
	FOR_ITER                Opcode = 93
	UNPACK_EX               Opcode = 94
	STORE_ATTR              Opcode = 95
	DELETE_ATTR             Opcode = 96
	STORE_GLOBAL            Opcode = 97
	DELETE_GLOBAL           Opcode = 98
	LOAD_CONST              Opcode = 100
	LOAD_NAME               Opcode = 101
	BUILD_TUPLE             Opcode = 102
	BUILD_LIST              Opcode = 103
	BUILD_SET               Opcode = 104
	BUILD_MAP               Opcode = 105
	LOAD_ATTR               Opcode = 106
	COMPARE_OP              Opcode = 107
	IMPORT_NAME             Opcode = 108
	IMPORT_FROM             Opcode = 109
	JUMP_FORWARD            Opcode = 110
	JUMP_IF_FALSE_OR_POP    Opcode = 111
	JUMP_IF_TRUE_OR_POP     Opcode = 112
	JUMP_ABSOLUTE           Opcode = 113
	POP_JUMP_IF_FALSE       Opcode = 114
	POP_JUMP_IF_TRUE        Opcode = 115
	LOAD_GLOBAL             Opcode = 116
	IS_OP                   Opcode = 117
	CONTAINS_OP             Opcode = 118
	JUMP_IF_NOT_EXC_MATCH   Opcode = 121
	SETUP_FINALLY           Opcode = 122
	LOAD_FAST               Opcode = 124
	STORE_FAST              Opcode = 125
	DELETE_FAST             Opcode = 126
	RAISE_VARARGS           Opcode = 130
	CALL_FUNCTION           Opcode = 131
	MAKE_FUNCTION           Opcode = 132
	BUILD_SLICE             Opcode = 133
	LOAD_CLOSURE            Opcode = 135
	LOAD_DEREF              Opcode = 136
	STORE_DEREF             Opcode = 137
	DELETE_DEREF            Opcode = 138
	CALL_FUNCTION_KW        Opcode = 141
	CALL_FUNCTION_EX        Opcode = 142
	SETUP_WITH              Opcode = 143
	EXTENDED_ARG            Opcode = 144
	LIST_APPEND             Opcode = 145
	SET_ADD                 Opcode = 146
	MAP_ADD                 Opcode = 147
	LOAD_CLASSDEREF         Opcode = 148
	SETUP_ASYNC_WITH        Opcode = 154
	FORMAT_VALUE            Opcode = 155
	BUILD_CONST_KEY_MAP     Opcode = 156
	BUILD_STRING            Opcode = 157
	LOAD_METHOD             Opcode = 160
	CALL_METHOD             Opcode = 161
	LIST_EXTEND             Opcode = 162
	SET_UPDATE              Opcode = 163
	DICT_MERGE              Opcode = 164
	DICT_UPDATE             Opcode = 165
)

// HaveArgument is the first opcode that uses its operand.
const HaveArgument Opcode = 90

type opcodeInfo struct {
	name string
	jabs bool // operand is an absolute byte offset
	jrel bool // operand is relative to the next instruction
}

// opcodeTable is built once at package init and never written afterwards.
var opcodeTable = func() [256]opcodeInfo {
	var t [256]opcodeInfo
	for op, name := range map[Opcode]string{
		POP_TOP: "POP_TOP", ROT_TWO: "ROT_TWO", ROT_THREE: "ROT_THREE", DUP_TOP: "DUP_TOP",
		DUP_TOP_TWO: "DUP_TOP_TWO", ROT_FOUR: "ROT_FOUR", NOP: "NOP",
		UNARY_POSITIVE: "UNARY_POSITIVE", UNARY_NEGATIVE: "UNARY_NEGATIVE", UNARY_NOT: "UNARY_NOT",
		UNARY_INVERT: "UNARY_INVERT", BINARY_MATRIX_MULTIPLY: "BINARY_MATRIX_MULTIPLY",
		INPLACE_MATRIX_MULTIPLY: "INPLACE_MATRIX_MULTIPLY", BINARY_POWER: "BINARY_POWER",
		BINARY_MULTIPLY: "BINARY_MULTIPLY", BINARY_MODULO: "BINARY_MODULO", BINARY_ADD: "BINARY_ADD",
		BINARY_SUBTRACT: "BINARY_SUBTRACT", BINARY_SUBSCR: "BINARY_SUBSCR",
		BINARY_FLOOR_DIVIDE: "BINARY_FLOOR_DIVIDE", BINARY_TRUE_DIVIDE: "BINARY_TRUE_DIVIDE",
		INPLACE_FLOOR_DIVIDE: "INPLACE_FLOOR_DIVIDE", INPLACE_TRUE_DIVIDE: "INPLACE_TRUE_DIVIDE",
		RERAISE: "RERAISE", WITH_EXCEPT_START: "WITH_EXCEPT_START", GET_AITER: "GET_AITER",
		GET_ANEXT: "GET_ANEXT", BEFORE_ASYNC_WITH: "BEFORE_ASYNC_WITH", END_ASYNC_FOR: "END_ASYNC_FOR",
		INPLACE_ADD: "INPLACE_ADD", INPLACE_SUBTRACT: "INPLACE_SUBTRACT", INPLACE_MULTIPLY: "INPLACE_MULTIPLY",
		INPLACE_MODULO: "INPLACE_MODULO", STORE_SUBSCR: "STORE_SUBSCR", DELETE_SUBSCR: "DELETE_SUBSCR",
		BINARY_LSHIFT: "BINARY_LSHIFT", BINARY_RSHIFT: "BINARY_RSHIFT", BINARY_AND: "BINARY_AND",
		BINARY_XOR: "BINARY_XOR", BINARY_OR: "BINARY_OR", INPLACE_POWER: "INPLACE_POWER",
		GET_ITER: "GET_ITER", GET_YIELD_FROM_ITER: "GET_YIELD_FROM_ITER", PRINT_EXPR: "PRINT_EXPR",
		LOAD_BUILD_CLASS: "LOAD_BUILD_CLASS", YIELD_FROM: "YIELD_FROM", GET_AWAITABLE: "GET_AWAITABLE",
		LOAD_ASSERTION_ERROR: "LOAD_ASSERTION_ERROR", INPLACE_LSHIFT: "INPLACE_LSHIFT",
		INPLACE_RSHIFT: "INPLACE_RSHIFT", INPLACE_AND: "INPLACE_AND", INPLACE_XOR: "INPLACE_XOR",
		INPLACE_OR: "INPLACE_OR", LIST_TO_TUPLE: "LIST_TO_TUPLE", RETURN_VALUE: "RETURN_VALUE",
		IMPORT_STAR: "IMPORT_STAR", SETUP_ANNOTATIONS: "SETUP_ANNOTATIONS", YIELD_VALUE: "YIELD_VALUE",
		POP_BLOCK: "POP_BLOCK", POP_EXCEPT: "POP_EXCEPT", STORE_NAME: "STORE_NAME",
		DELETE_NAME: "DELETE_NAME", UNPACK_SEQUENCE: "UNPACK_SEQUENCE", FOR_ITER: "FOR_ITER",
		UNPACK_EX: "UNPACK_EX", STORE_ATTR: "STORE_ATTR", DELETE_ATTR: "DELETE_ATTR",
		STORE_GLOBAL: "STORE_GLOBAL", DELETE_GLOBAL: "DELETE_GLOBAL", LOAD_CONST: "LOAD_CONST",
		LOAD_NAME: "LOAD_NAME", BUILD_TUPLE: "BUILD_TUPLE", BUILD_LIST: "BUILD_LIST",
		BUILD_SET: "BUILD_SET", BUILD_MAP: "BUILD_MAP", LOAD_ATTR: "LOAD_ATTR", COMPARE_OP: "COMPARE_OP",
		IMPORT_NAME: "IMPORT_NAME", IMPORT_FROM: "IMPORT_FROM", JUMP_FORWARD: "JUMP_FORWARD",
		JUMP_IF_FALSE_OR_POP: "JUMP_IF_FALSE_OR_POP", JUMP_IF_TRUE_OR_POP: "JUMP_IF_TRUE_OR_POP",
		JUMP_ABSOLUTE: "JUMP_ABSOLUTE", POP_JUMP_IF_FALSE: "POP_JUMP_IF_FALSE",
		POP_JUMP_IF_TRUE: "POP_JUMP_IF_TRUE", LOAD_GLOBAL: "LOAD_GLOBAL", IS_OP: "IS_OP",
		CONTAINS_OP: "CONTAINS_OP", JUMP_IF_NOT_EXC_MATCH: "JUMP_IF_NOT_EXC_MATCH",
		SETUP_FINALLY: "SETUP_FINALLY", LOAD_FAST: "LOAD_FAST", STORE_FAST: "STORE_FAST",
		DELETE_FAST: "DELETE_FAST", RAISE_VARARGS: "RAISE_VARARGS", CALL_FUNCTION: "CALL_FUNCTION",
		MAKE_FUNCTION: "MAKE_FUNCTION", BUILD_SLICE: "BUILD_SLICE", LOAD_CLOSURE: "LOAD_CLOSURE",
		LOAD_DEREF: "LOAD_DEREF", STORE_DEREF: "STORE_DEREF", DELETE_DEREF: "DELETE_DEREF",
		CALL_FUNCTION_KW: "CALL_FUNCTION_KW", CALL_FUNCTION_EX: "CALL_FUNCTION_EX",
		SETUP_WITH: "SETUP_WITH", EXTENDED_ARG: "EXTENDED_ARG", LIST_APPEND: "LIST_APPEND",
		SET_ADD: "SET_ADD", MAP_ADD: "MAP_ADD", LOAD_CLASSDEREF: "LOAD_CLASSDEREF",
		SETUP_ASYNC_WITH: "SETUP_ASYNC_WITH", FORMAT_VALUE: "FORMAT_VALUE",
		BUILD_CONST_KEY_MAP: "BUILD_CONST_KEY_MAP", BUILD_STRING: "BUILD_STRING",
		LOAD_METHOD: "LOAD_METHOD", CALL_METHOD: "CALL_METHOD", LIST_EXTEND: "LIST_EXTEND",
		SET_UPDATE: "SET_UPDATE", DICT_MERGE: "DICT_MERGE", DICT_UPDATE: "DICT_UPDATE",
	} {
		t[op].name = name
	}
	for _, op := range []Opcode{JUMP_IF_FALSE_OR_POP, JUMP_IF_TRUE_OR_POP, JUMP_ABSOLUTE,
		POP_JUMP_IF_FALSE, POP_JUMP_IF_TRUE, JUMP_IF_NOT_EXC_MATCH} {
		t[op].jabs = true
	}
	for _, op := range []Opcode{FOR_ITER, JUMP_FORWARD, SETUP_FINALLY, SETUP_WITH, SETUP_ASYNC_WITH} {
		t[op].jrel = true
	}
	return t
}()

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for i, info := range opcodeTable {
		if info.name != "" {
			m[info.name] = Opcode(i)
		}
	}
	return m
}()

// String returns the opcode mnemonic, or a numeric placeholder for unassigned opcodes.
func (o Opcode) String() string {
	if name := opcodeTable[o].name; name != "" {
		return name
	}
	return "<" + strconv.Itoa(int(o)) + ">"
}

// Defined reports if the opcode is assigned in the instruction set.
func (o Opcode) Defined() bool {
	return opcodeTable[o].name != ""
}

// HasArgument reports if the opcode uses its operand.
func (o Opcode) HasArgument() bool {
	return o >= HaveArgument
}

// HasAbsoluteTarget reports if the operand is an absolute branch target.
func (o Opcode) HasAbsoluteTarget() bool {
	return opcodeTable[o].jabs
}

// HasRelativeTarget reports if the operand is a branch target relative to the next instruction.
func (o Opcode) HasRelativeTarget() bool {
	return opcodeTable[o].jrel
}

// IsBranch reports if the opcode may transfer control somewhere other than the next instruction.
func (o Opcode) IsBranch() bool {
	return o.HasAbsoluteTarget() || o.HasRelativeTarget()
}

// IsUnconditionalJump reports if control never falls through to the next instruction.
func (o Opcode) IsUnconditionalJump() bool {
	return o == JUMP_ABSOLUTE || o == JUMP_FORWARD
}

// LookupOpcode returns the opcode for a mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}
