// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

// Package x86 decodes and encodes the handful of x86-64 instructions deflat
// reads and writes.
package x86

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"mvdan.cc/deflat/internal/host"
)

// Mode is the processor mode used for decoding.
const Mode = 64

// MaxInstLen is the longest encoding x86 allows.
const MaxInstLen = 15

// Decode decodes the instruction at the start of code, which lives at addr.
func Decode(code []byte, addr uint64) (host.Instruction, error) {
	inst, err := x86asm.Decode(code, Mode)
	if err != nil {
		return host.Instruction{}, fmt.Errorf("decoding at %#x: %w", addr, err)
	}
	return host.Instruction{
		Addr:     addr,
		Len:      inst.Len,
		Mnemonic: strings.ToLower(inst.Op.String()),
		Text:     x86asm.IntelSyntax(inst, addr, nil),
		Kind:     kindOf(inst.Op),
		Bytes:    slices.Clone(code[:inst.Len]),
	}, nil
}

// DecodeAll decodes code linearly until it is exhausted.
func DecodeAll(code []byte, addr uint64) ([]host.Instruction, error) {
	var insts []host.Instruction
	for len(code) > 0 {
		inst, err := Decode(code, addr)
		if err != nil {
			return insts, err
		}
		insts = append(insts, inst)
		code = code[inst.Len:]
		addr += uint64(inst.Len)
	}
	return insts, nil
}

func kindOf(op x86asm.Op) host.InstKind {
	switch op {
	case x86asm.JMP:
		return host.Jump
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS:
		return host.CondJump
	case x86asm.CMOVA, x86asm.CMOVAE, x86asm.CMOVB, x86asm.CMOVBE, x86asm.CMOVE, x86asm.CMOVG,
		x86asm.CMOVGE, x86asm.CMOVL, x86asm.CMOVLE, x86asm.CMOVNE, x86asm.CMOVNO, x86asm.CMOVNP,
		x86asm.CMOVNS, x86asm.CMOVO, x86asm.CMOVP, x86asm.CMOVS:
		return host.CondMove
	case x86asm.CALL:
		return host.Call
	case x86asm.RET:
		return host.Return
	case x86asm.NOP:
		return host.Nop
	}
	return host.Other
}

// Cond is a condition code, numbered as in the low nibble of Jcc opcodes.
type Cond uint8

var condNames = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

var condAliases = map[string]string{
	"z":   "e",
	"nz":  "ne",
	"c":   "b",
	"nc":  "ae",
	"nae": "b",
	"nb":  "ae",
	"na":  "be",
	"nbe": "a",
	"nge": "l",
	"nl":  "ge",
	"ng":  "le",
	"nle": "g",
	"pe":  "p",
	"po":  "np",
}

func (c Cond) String() string { return condNames[c&0xf] }

// Negate returns the opposite condition; x86 pairs them in the lowest bit.
func (c Cond) Negate() Cond { return c ^ 1 }

// ParseCond parses a condition suffix such as "ne" or "nz".
func ParseCond(s string) (Cond, bool) {
	if alias, ok := condAliases[s]; ok {
		s = alias
	}
	for i, name := range condNames {
		if name == s {
			return Cond(i), true
		}
	}
	return 0, false
}

// CondOf extracts the condition of a Jcc, CMOVcc or SETcc mnemonic.
func CondOf(mnemonic string) (Cond, bool) {
	mnemonic = strings.ToLower(mnemonic)
	for _, prefix := range []string{"cmov", "set", "j"} {
		if rest, ok := strings.CutPrefix(mnemonic, prefix); ok {
			if prefix == "j" && rest == "mp" {
				return 0, false
			}
			return ParseCond(rest)
		}
	}
	return 0, false
}
