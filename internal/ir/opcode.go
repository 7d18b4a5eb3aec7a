// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package ir

import "fmt"

// Opcode is the kind of an [Op], named after Ghidra's p-code.
type Opcode uint8

const (
	Invalid Opcode = iota

	COPY
	LOAD
	STORE
	BRANCH
	CBRANCH
	BRANCHIND
	CALL
	CALLIND
	CALLOTHER
	RETURN

	INT_EQUAL
	INT_NOTEQUAL
	INT_SLESS
	INT_SLESSEQUAL
	INT_LESS
	INT_LESSEQUAL
	INT_ZEXT
	INT_SEXT
	INT_ADD
	INT_SUB
	INT_2COMP
	INT_NEGATE
	INT_XOR
	INT_AND
	INT_OR
	INT_LEFT
	INT_RIGHT
	INT_SRIGHT
	INT_MULT
	INT_DIV
	INT_SDIV
	INT_REM
	INT_SREM

	BOOL_NEGATE
	BOOL_XOR
	BOOL_AND
	BOOL_OR

	MULTIEQUAL
	INDIRECT
	CAST

	numOpcodes
)

var opcodeNames = [...]string{
	Invalid:        "INVALID",
	COPY:           "COPY",
	LOAD:           "LOAD",
	STORE:          "STORE",
	BRANCH:         "BRANCH",
	CBRANCH:        "CBRANCH",
	BRANCHIND:      "BRANCHIND",
	CALL:           "CALL",
	CALLIND:        "CALLIND",
	CALLOTHER:      "CALLOTHER",
	RETURN:         "RETURN",
	INT_EQUAL:      "INT_EQUAL",
	INT_NOTEQUAL:   "INT_NOTEQUAL",
	INT_SLESS:      "INT_SLESS",
	INT_SLESSEQUAL: "INT_SLESSEQUAL",
	INT_LESS:       "INT_LESS",
	INT_LESSEQUAL:  "INT_LESSEQUAL",
	INT_ZEXT:       "INT_ZEXT",
	INT_SEXT:       "INT_SEXT",
	INT_ADD:        "INT_ADD",
	INT_SUB:        "INT_SUB",
	INT_2COMP:      "INT_2COMP",
	INT_NEGATE:     "INT_NEGATE",
	INT_XOR:        "INT_XOR",
	INT_AND:        "INT_AND",
	INT_OR:         "INT_OR",
	INT_LEFT:       "INT_LEFT",
	INT_RIGHT:      "INT_RIGHT",
	INT_SRIGHT:     "INT_SRIGHT",
	INT_MULT:       "INT_MULT",
	INT_DIV:        "INT_DIV",
	INT_SDIV:       "INT_SDIV",
	INT_REM:        "INT_REM",
	INT_SREM:       "INT_SREM",
	BOOL_NEGATE:    "BOOL_NEGATE",
	BOOL_XOR:       "BOOL_XOR",
	BOOL_AND:       "BOOL_AND",
	BOOL_OR:        "BOOL_OR",
	MULTIEQUAL:     "MULTIEQUAL",
	INDIRECT:       "INDIRECT",
	CAST:           "CAST",
}

func (o Opcode) String() string {
	if o < numOpcodes {
		return opcodeNames[o]
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(o))
}

// ParseOpcode is the inverse of [Opcode.String].
func ParseOpcode(name string) (Opcode, bool) {
	for i, n := range opcodeNames {
		if n == name && Opcode(i) != Invalid {
			return Opcode(i), true
		}
	}
	return Invalid, false
}

// IsBranch reports whether the opcode ends a block.
func (o Opcode) IsBranch() bool {
	switch o {
	case BRANCH, CBRANCH, BRANCHIND, RETURN:
		return true
	}
	return false
}
