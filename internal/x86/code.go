// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package x86

import "encoding/binary"

// Reg is a 32-bit general purpose register, numbered as in ModRM.
type Reg uint8

const (
	EAX Reg = iota
	ECX
	EDX
	EBX
)

// Code accumulates machine code for a fixed base address. Every method uses
// a fixed-length encoding, so the size of a sequence does not depend on the
// operands and a layout can be computed before the targets are known.
type Code struct {
	Base uint64
	Buf  []byte
}

// PC is the address the next instruction will be placed at.
func (c *Code) PC() uint64 { return c.Base + uint64(len(c.Buf)) }

func (c *Code) emit(b ...byte) { c.Buf = append(c.Buf, b...) }

func (c *Code) imm32(v uint32) { c.Buf = binary.LittleEndian.AppendUint32(c.Buf, v) }

// Prologue emits "push rbp; mov rbp, rsp; sub rsp, frame".
func (c *Code) Prologue(frame uint8) {
	c.emit(0x55)
	c.emit(0x48, 0x89, 0xe5)
	c.emit(0x48, 0x83, 0xec, frame)
}

// Epilogue emits "leave; ret".
func (c *Code) Epilogue() { c.emit(0xc9, 0xc3) }

func (c *Code) Nop() { c.emit(0x90) }

// StoreLocalImm emits "mov dword [rbp+disp], imm".
func (c *Code) StoreLocalImm(disp int8, imm uint32) {
	c.emit(0xc7, 0x45, byte(disp))
	c.imm32(imm)
}

// StoreLocalReg emits "mov dword [rbp+disp], r".
func (c *Code) StoreLocalReg(disp int8, r Reg) {
	c.emit(0x89, 0x45|byte(r)<<3, byte(disp))
}

// LoadLocal emits "mov r, dword [rbp+disp]".
func (c *Code) LoadLocal(r Reg, disp int8) {
	c.emit(0x8b, 0x45|byte(r)<<3, byte(disp))
}

// CmpLocalImm emits "cmp dword [rbp+disp], imm".
func (c *Code) CmpLocalImm(disp int8, imm uint32) {
	c.emit(0x81, 0x7d, byte(disp))
	c.imm32(imm)
}

// MovImm emits "mov r, imm".
func (c *Code) MovImm(r Reg, imm uint32) {
	c.emit(0xb8 | byte(r))
	c.imm32(imm)
}

// LoadAbs emits "mov r, dword [addr]" with a 32-bit absolute address.
func (c *Code) LoadAbs(r Reg, addr uint32) {
	c.emit(0x8b, 0x04|byte(r)<<3, 0x25)
	c.imm32(addr)
}

// CmpImm emits "cmp r, imm" in its long ModRM form.
func (c *Code) CmpImm(r Reg, imm uint32) {
	c.emit(0x81, 0xf8|byte(r))
	c.imm32(imm)
}

// Cmov emits "cmovCC dst, src".
func (c *Code) Cmov(cc Cond, dst, src Reg) {
	c.emit(0x0f, 0x40|byte(cc), 0xc0|byte(dst)<<3|byte(src))
}

// Jmp emits "jmp rel32" to target.
func (c *Code) Jmp(target uint64) {
	c.emit(0xe9)
	c.imm32(uint32(target - (c.PC() + 4)))
}

// Jcc emits "jCC rel32" to target.
func (c *Code) Jcc(cc Cond, target uint64) {
	c.emit(0x0f, 0x80|byte(cc))
	c.imm32(uint32(target - (c.PC() + 4)))
}
