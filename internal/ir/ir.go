// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

// Package ir is a p-code style intermediate representation of a decompiled
// function: values with definition/use links, operations, basic blocks and
// the function that owns them.
package ir

import (
	"fmt"
	"slices"
)

// Space is the address space a value lives in.
type Space uint8

const (
	Const    Space = iota // Offset is the constant itself
	RAM                   // Offset is a static memory address
	Register              // Offset is a register number
	Unique                // Offset is a temporary id
)

var spaceNames = [...]string{
	Const:    "const",
	RAM:      "ram",
	Register: "register",
	Unique:   "unique",
}

func (s Space) String() string {
	if int(s) < len(spaceNames) {
		return spaceNames[s]
	}
	return fmt.Sprintf("space(%d)", s)
}

// ParseSpace is the inverse of [Space.String].
func ParseSpace(name string) (Space, bool) {
	for i, n := range spaceNames {
		if n == name {
			return Space(i), true
		}
	}
	return 0, false
}

// Value is a unit of data in the IR. Constants and memory references without
// a defining op are leaves; every other value is the result of its Def.
type Value struct {
	ID     int
	Space  Space
	Offset uint64
	Size   int // in bytes

	Def  *Op   // nil for free inputs
	Uses []*Op // consumers, in the order they were attached
}

func (v *Value) IsConst() bool   { return v.Space == Const }
func (v *Value) IsAddress() bool { return v.Space == RAM }

// LoneUse returns the only op consuming v, or nil if v has zero or several
// distinct consumers.
func (v *Value) LoneUse() *Op {
	var lone *Op
	for _, use := range v.Uses {
		if lone != nil && use != lone {
			return nil
		}
		lone = use
	}
	return lone
}

func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("(%s, %#x, %d)", v.Space, v.Offset, v.Size)
}

// Op is a single IR operation, owned by its block.
type Op struct {
	Opcode Opcode
	Addr   uint64 // address of the machine instruction the op came from
	Inputs []*Value
	Output *Value
	Block  *Block
}

// Input returns the i-th input, or nil if there are not that many.
func (op *Op) Input(i int) *Value {
	if i < len(op.Inputs) {
		return op.Inputs[i]
	}
	return nil
}

func (op *Op) String() string {
	s := ""
	if op.Output != nil {
		s = op.Output.String() + " "
	}
	s += op.Opcode.String()
	for i, in := range op.Inputs {
		if i == 0 {
			s += " "
		} else {
			s += ", "
		}
		s += in.String()
	}
	return s
}

// Block is a basic block. For a two-way terminator Succs[0] is the block
// taken when the CBRANCH condition holds and Succs[1] the other one.
type Block struct {
	Index   int
	Start   uint64 // address of the first instruction
	Stop    uint64 // address of the last instruction
	Comment string

	Ops   []*Op
	Succs []*Block
	Preds []*Block

	fn *Func
}

// Func returns the function owning the block.
func (b *Block) Func() *Func { return b.fn }

// Last returns the terminating op of the block, or nil if it is empty.
func (b *Block) Last() *Op {
	if len(b.Ops) == 0 {
		return nil
	}
	return b.Ops[len(b.Ops)-1]
}

// TrueOut and FalseOut return the successors of a two-way block.
func (b *Block) TrueOut() *Block  { return b.succ(0) }
func (b *Block) FalseOut() *Block { return b.succ(1) }

func (b *Block) succ(i int) *Block {
	if i < len(b.Succs) {
		return b.Succs[i]
	}
	return nil
}

// Name is the label used by the formatter and in diagnostics.
func (b *Block) Name() string {
	if b == nil {
		return "<nil>"
	}
	return fmt.Sprintf("block_%d", b.Index)
}

func (b *Block) String() string {
	if b == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%#x - %#x", b.Start, b.Stop)
}

// Append adds an op to the end of the block, wiring the def/use links of
// its output and inputs.
func (b *Block) Append(opcode Opcode, addr uint64, out *Value, inputs ...*Value) *Op {
	op := &Op{Opcode: opcode, Addr: addr, Inputs: inputs, Output: out, Block: b}
	if out != nil {
		out.Def = op
	}
	for _, in := range inputs {
		in.Uses = append(in.Uses, op)
	}
	b.Ops = append(b.Ops, op)
	if b.fn != nil {
		b.fn.byAddr = nil
	}
	return op
}

// RemoveLast removes the terminating op of the block and drops it from the
// uses of its inputs.
func (b *Block) RemoveLast() *Op {
	op := b.Last()
	if op == nil {
		return nil
	}
	b.Ops = b.Ops[:len(b.Ops)-1]
	for _, in := range op.Inputs {
		if i := slices.Index(in.Uses, op); i >= 0 {
			in.Uses = slices.Delete(in.Uses, i, i+1)
		}
	}
	if op.Output != nil && op.Output.Def == op {
		op.Output.Def = nil
	}
	if b.fn != nil {
		b.fn.byAddr = nil
	}
	return op
}

// Func is a decompiled function.
type Func struct {
	Name   string
	Entry  uint64
	Blocks []*Block

	values []*Value
	byAddr map[uint64][]*Op
}

func NewFunc(name string, entry uint64) *Func {
	return &Func{Name: name, Entry: entry}
}

// NewBlock creates an empty block appended to the function.
func (f *Func) NewBlock(comment string) *Block {
	b := &Block{Index: len(f.Blocks), Comment: comment, fn: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Adopt makes b, built for another function or detached, part of f.
func (f *Func) Adopt(b *Block) {
	b.fn = f
	b.Index = len(f.Blocks)
	f.Blocks = append(f.Blocks, b)
	f.byAddr = nil
}

// NewValue creates a value in the given space. Every call returns a distinct
// value, as with p-code varnodes: two constants with the same offset are not
// the same value.
func (f *Func) NewValue(space Space, offset uint64, size int) *Value {
	v := &Value{ID: len(f.values), Space: space, Offset: offset, Size: size}
	f.values = append(f.values, v)
	return v
}

func (f *Func) ConstValue(c uint64, size int) *Value { return f.NewValue(Const, c&Mask(size), size) }

// Values returns every value created for the function.
func (f *Func) Values() []*Value { return f.values }

// OpsAt returns the ops generated for the instruction at addr, in block order.
func (f *Func) OpsAt(addr uint64) []*Op {
	if f.byAddr == nil {
		f.byAddr = make(map[uint64][]*Op)
		for _, b := range f.Blocks {
			for _, op := range b.Ops {
				f.byAddr[op.Addr] = append(f.byAddr[op.Addr], op)
			}
		}
	}
	return f.byAddr[addr]
}

// Renumber assigns block indexes in slice order.
func (f *Func) Renumber() {
	for i, b := range f.Blocks {
		b.Index = i
		b.fn = f
	}
	f.byAddr = nil
}

// Contains reports whether addr falls inside one of the function's blocks.
func (f *Func) Contains(addr uint64) bool {
	for _, b := range f.Blocks {
		if addr >= b.Start && addr <= b.Stop {
			return true
		}
	}
	return false
}

// BlockAt returns the block starting at addr.
func (f *Func) BlockAt(addr uint64) *Block {
	for _, b := range f.Blocks {
		if b.Start == addr {
			return b
		}
	}
	return nil
}

// AddEdge appends to as a successor of from, and from as a predecessor of to.
func AddEdge(from, to *Block) {
	from.Succs = append(from.Succs, to)
	to.Preds = append(to.Preds, from)
}

// ReplacePred swaps old for repl in the predecessor list of b, keeping its
// position so that MULTIEQUAL inputs stay aligned.
func ReplacePred(b, old, repl *Block) {
	if i := slices.Index(b.Preds, old); i >= 0 {
		b.Preds[i] = repl
	}
}

// Mask returns the all-ones value for a size in bytes.
func Mask(size int) uint64 {
	if size <= 0 || size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}
