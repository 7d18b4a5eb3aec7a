// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package ctrlflow

import (
	"encoding/binary"
	"fmt"

	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/image"
	"mvdan.cc/deflat/internal/ir"
	"mvdan.cc/deflat/internal/x86"
)

const (
	// TextBase is where the first function is placed.
	TextBase = 0x401000

	pageSize  = 0x1000
	funcAlign = 16

	frameSize = 16
	stateDisp = -VarSize // the state variable lives at [rbp-4]
)

type layout struct {
	code *x86.Code
	last uint64 // address of the last instruction emitted
}

// Layout assigns addresses to the blocks and ops of funcs, as x86-64 code
// in a .text segment, and returns the image holding them. The globals read
// by opaque predicates go in a .rodata segment after the code.
//
// Every instruction has a fixed length, so a first pass finds all the
// addresses and a second one emits the final code.
func Layout(funcs []*Flattened) (*image.Image, error) {
	if len(funcs) == 0 {
		return nil, fmt.Errorf("no functions to lay out")
	}
	l := &layout{}
	var data []byte
	var dataBase uint64
	for range 2 {
		l.code = &x86.Code{Base: TextBase}
		for _, f := range funcs {
			if err := l.function(f); err != nil {
				return nil, err
			}
		}
		dataBase = (l.code.PC() + pageSize - 1) &^ (pageSize - 1)
		data = data[:0]
		for _, f := range funcs {
			for _, b := range f.Func.Blocks {
				if g := f.guards[b]; g != nil {
					g.ptr.Offset = dataBase + uint64(len(data))
					data = binary.LittleEndian.AppendUint32(data, g.value)
				}
			}
		}
	}

	img := image.New("x86")
	if err := img.AddSegment(&image.Segment{Name: ".text", Addr: TextBase, Data: l.code.Buf, FileOffset: -1}); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := img.AddSegment(&image.Segment{Name: ".rodata", Addr: dataBase, Data: data, FileOffset: -1}); err != nil {
			return nil, err
		}
	}
	for _, f := range funcs {
		fn := f.Func
		fn.Renumber()
		img.AddFunc(fn)
		last := fn.Blocks[len(fn.Blocks)-1]
		img.AddSymbol(host.Symbol{
			Name: fn.Name,
			Addr: fn.Entry,
			Size: int(last.Stop + 1 - fn.Entry),
			Kind: host.FunctionSymbol,
		})
		n := 0
		for _, b := range fn.Blocks {
			g := f.guards[b]
			if g == nil {
				continue
			}
			img.AddSymbol(host.Symbol{
				Name: fmt.Sprintf("%s.opaque%d", fn.Name, n),
				Addr: g.ptr.Offset,
				Size: 4,
				Kind: host.LabelSymbol,
				Data: host.Scalar,
				Refs: []host.Reference{{From: g.load.Addr, Kind: host.Read}},
			})
			n++
		}
	}
	return img, nil
}

// inst records op, if any, as the instruction about to be emitted.
func (l *layout) inst(op *ir.Op) {
	l.last = l.code.PC()
	if op != nil {
		op.Addr = l.last
	}
}

func constOf(op *ir.Op) uint32 { return uint32(op.Input(0).Offset) }

func (l *layout) function(f *Flattened) error {
	c := l.code
	for c.PC()%funcAlign != 0 {
		c.Nop()
	}
	f.Func.Entry = c.PC()
	for _, b := range f.Func.Blocks {
		if err := l.block(f, b); err != nil {
			return fmt.Errorf("%s: %s: %v", f.Func.Name, b.Name(), err)
		}
	}
	return nil
}

// body emits a no-op for each of the first n ops of b.
func (l *layout) body(b *ir.Block, n int) {
	for _, op := range b.Ops[:n] {
		l.inst(op)
		l.code.Nop()
	}
}

// ret emits the epilogue, with the return op at the ret instruction.
func (l *layout) ret(b *ir.Block) {
	l.inst(nil)
	l.code.Epilogue()
	l.last++
	b.Last().Addr = l.last
}

func (l *layout) block(f *Flattened, b *ir.Block) error {
	c := l.code
	kind := f.kinds[b]
	if kind == cmovArm {
		// Nothing of its own: it is the conditional move ending its
		// predecessor.
		at := b.Preds[0].Stop
		b.Start, b.Stop = at, at
		b.Ops[0].Addr = at
		return nil
	}
	b.Start = c.PC()
	ops := b.Ops
	n := len(ops)
	switch kind {
	case plainBlock:
		if n == 0 || ops[n-1].Opcode != ir.RETURN {
			return fmt.Errorf("block does not return")
		}
		l.body(b, n-1)
		l.ret(b)
	case exitBlock, trapBlock:
		l.ret(b)
	case prologueBlock:
		c.Prologue(frameSize)
		l.inst(ops[0])
		c.StoreLocalImm(stateDisp, constOf(ops[0]))
		l.jump(b, ops[1])
	case dispatchBlock, chainBlock:
		if kind == dispatchBlock {
			l.inst(ops[0])
			c.LoadLocal(x86.EAX, stateDisp)
			ops = ops[1:]
		}
		l.inst(ops[0])
		c.CmpImm(x86.EAX, uint32(ops[0].Input(1).Offset))
		l.branch(b, ops[1], x86Cond("e"))
	case jumpSite:
		l.body(b, n-2)
		l.inst(ops[n-2])
		c.StoreLocalImm(stateDisp, constOf(ops[n-2]))
		l.jump(b, ops[n-1])
	case cmovSite:
		l.body(b, n-2)
		l.inst(ops[n-2])
		c.MovImm(x86.EAX, constOf(ops[n-2]))
		l.inst(nil)
		c.MovImm(x86.ECX, constOf(b.TrueOut().Ops[0]))
		l.inst(nil)
		c.CmpImm(x86.EDX, 0)
		l.inst(ops[n-1])
		c.Cmov(x86Cond("ne"), x86.EAX, x86.ECX)
		ops[n-1].Input(0).Offset = l.last
	case cmovJoin:
		l.inst(ops[0])
		c.StoreLocalReg(stateDisp, x86.EAX)
		l.jump(b, ops[1])
	case guardBlock:
		g := f.guards[b]
		l.inst(g.load)
		c.LoadAbs(x86.EAX, uint32(g.ptr.Offset))
		l.inst(ops[1])
		c.CmpImm(x86.EAX, g.imm)
		l.branch(b, ops[2], g.cc)
		l.inst(nil)
		c.Jmp(b.FalseOut().Start)
	default:
		return fmt.Errorf("unknown block kind %d", kind)
	}
	b.Stop = l.last
	return nil
}

func (l *layout) jump(b *ir.Block, op *ir.Op) {
	target := b.Succs[0].Start
	op.Input(0).Offset = target
	l.inst(op)
	l.code.Jmp(target)
}

// branch emits a conditional jump to the true successor; the false one is
// whatever follows.
func (l *layout) branch(b *ir.Block, op *ir.Op, cc x86.Cond) {
	target := b.TrueOut().Start
	op.Input(0).Offset = target
	l.inst(op)
	l.code.Jcc(cc, target)
}
