// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package x86

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

// Assemble encodes one instruction in Intel syntax placed at addr.
// Only what deflat writes back is supported: "nop", "ret", "int3",
// "jmp TARGET" and "jCC TARGET". Jumps use the short form when the target
// is in range.
func Assemble(addr uint64, text string) ([]byte, error) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty instruction")
	}
	mnemonic, args := fields[0], fields[1:]
	switch mnemonic {
	case "nop":
		return noArgs(mnemonic, args, 0x90)
	case "ret":
		return noArgs(mnemonic, args, 0xc3)
	case "int3":
		return noArgs(mnemonic, args, 0xcc)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("%s: want one operand, got %d", mnemonic, len(args))
	}
	target, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: bad target %q: %v", mnemonic, args[0], err)
	}
	if mnemonic == "jmp" {
		return jmp(addr, target)
	}
	cc, ok := CondOf(mnemonic)
	if !ok {
		return nil, fmt.Errorf("unsupported instruction %q", text)
	}
	return jcc(addr, cc, target)
}

func noArgs(mnemonic string, args []string, op byte) ([]byte, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("%s takes no operands", mnemonic)
	}
	return []byte{op}, nil
}

func jmp(addr, target uint64) ([]byte, error) {
	if rel := int64(target - (addr + 2)); fitsIn[int8](rel) {
		return []byte{0xeb, byte(rel)}, nil
	}
	rel := int64(target - (addr + 5))
	if !fitsIn[int32](rel) {
		return nil, fmt.Errorf("jmp from %#x to %#x out of range", addr, target)
	}
	return binary.LittleEndian.AppendUint32([]byte{0xe9}, uint32(rel)), nil
}

func jcc(addr uint64, cc Cond, target uint64) ([]byte, error) {
	if rel := int64(target - (addr + 2)); fitsIn[int8](rel) {
		return []byte{0x70 | byte(cc), byte(rel)}, nil
	}
	rel := int64(target - (addr + 6))
	if !fitsIn[int32](rel) {
		return nil, fmt.Errorf("j%s from %#x to %#x out of range", cc, addr, target)
	}
	return binary.LittleEndian.AppendUint32([]byte{0x0f, 0x80 | byte(cc)}, uint32(rel)), nil
}

// fitsIn reports whether v survives a round trip through T.
func fitsIn[T constraints.Signed](v int64) bool {
	return int64(T(v)) == v
}
