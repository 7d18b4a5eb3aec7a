// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

// Package host declares the narrow interfaces deflat needs from the program
// it works on: decompiled functions, memory, symbols and an assembler.
package host

import (
	"fmt"

	"mvdan.cc/deflat/internal/ir"
)

// InstKind classifies a machine instruction by its effect on control flow.
type InstKind uint8

const (
	Other InstKind = iota
	Jump
	CondJump
	CondMove
	Call
	Return
	Nop
)

var instKindNames = [...]string{
	Other:    "other",
	Jump:     "jump",
	CondJump: "condjump",
	CondMove: "condmove",
	Call:     "call",
	Return:   "return",
	Nop:      "nop",
}

func (k InstKind) String() string {
	if int(k) < len(instKindNames) {
		return instKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Instruction is a decoded machine instruction.
type Instruction struct {
	Addr     uint64
	Len      int
	Mnemonic string // lower case, such as "jne" or "cmovne"
	Text     string // full disassembly
	Kind     InstKind
	Bytes    []byte
}

// Next is the address of the following instruction.
func (i Instruction) Next() uint64 { return i.Addr + uint64(i.Len) }

func (i Instruction) String() string { return fmt.Sprintf("%#x: %s", i.Addr, i.Text) }

type SymbolKind uint8

const (
	FunctionSymbol SymbolKind = iota
	LabelSymbol
)

func (k SymbolKind) String() string {
	if k == FunctionSymbol {
		return "function"
	}
	return "label"
}

// DataKind is the type of the data a label points to, if known.
type DataKind uint8

const (
	Undefined DataKind = iota
	Scalar
	Pointer
	Array
	Struct
)

var dataKindNames = [...]string{
	Undefined: "undefined",
	Scalar:    "scalar",
	Pointer:   "pointer",
	Array:     "array",
	Struct:    "struct",
}

func (k DataKind) String() string {
	if int(k) < len(dataKindNames) {
		return dataKindNames[k]
	}
	return fmt.Sprintf("data(%d)", k)
}

// RefKind is how a reference uses the symbol it points to.
type RefKind uint8

const (
	Read RefKind = iota
	Write
	DataRef // address taken, for example stored in a table
)

var refKindNames = [...]string{
	Read:    "read",
	Write:   "write",
	DataRef: "data",
}

func (k RefKind) String() string {
	if int(k) < len(refKindNames) {
		return refKindNames[k]
	}
	return fmt.Sprintf("ref(%d)", k)
}

// Reference is a use of a symbol from some other address.
type Reference struct {
	From     uint64
	Kind     RefKind
	External bool // from outside the program, such as a dynamic import
}

type Symbol struct {
	Name string
	Addr uint64
	Size int
	Kind SymbolKind
	Data DataKind
	Refs []Reference
}

// Decompiler returns the function containing an address.
type Decompiler interface {
	Decompile(addr uint64) (*ir.Func, error)
}

// Memory reads and writes the static image. ReadMemory decodes width bytes
// as a little-endian integer.
type Memory interface {
	ReadMemory(addr uint64, width int) (uint64, error)
	WriteBytes(addr uint64, data []byte) error
}

type Symbols interface {
	LookupSymbol(name string) (Symbol, bool)
	SymbolsAt(addr uint64) []Symbol
	AllSymbols() []Symbol
}

// Assembler turns instruction text into machine code and back.
type Assembler interface {
	Assemble(addr uint64, text string) ([]byte, error)
	DisassembleAt(addr uint64) (Instruction, error)
}

// Program is everything deflat uses from its host.
type Program interface {
	Decompiler
	Memory
	Symbols
	Assembler
	Arch() string
}
