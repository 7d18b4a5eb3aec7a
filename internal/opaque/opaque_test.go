// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package opaque

import (
	"testing"

	"github.com/go-quicktest/qt"

	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/image"
	"mvdan.cc/deflat/internal/ir"
	"mvdan.cc/deflat/internal/patch"
	"mvdan.cc/deflat/internal/x86"
)

const (
	globalAddr = 0x3000 // read-only, holds 8
	writeAddr  = 0x3004 // written elsewhere, holds 8
)

var (
	readOnly = host.Symbol{
		Name: "key", Addr: globalAddr, Size: 4, Kind: host.LabelSymbol, Data: host.Scalar,
		Refs: []host.Reference{{From: 0x1000, Kind: host.Read}, {From: 0x9000, Kind: host.DataRef, External: true}},
	}
	written = host.Symbol{
		Name: "counter", Addr: writeAddr, Size: 4, Kind: host.LabelSymbol, Data: host.Scalar,
		Refs: []host.Reference{{From: 0x1000, Kind: host.Read}, {From: 0x1010, Kind: host.Write}},
	}
)

// branchSite lays out "cmp; jcc true; jmp false" and returns the image with
// the addresses involved.
type branchSite struct {
	img                  *image.Image
	jcc, trueAt, falseAt uint64
}

func newBranchSite(t *testing.T) *branchSite {
	s := &branchSite{img: image.New("x86")}
	cc, _ := x86.ParseCond("e")
	c := &x86.Code{Base: 0x1000}
	c.LoadAbs(x86.EAX, globalAddr)
	c.CmpImm(x86.EAX, 16)
	s.jcc = c.PC()
	s.trueAt = 0x1040
	s.falseAt = 0x1050
	c.Jcc(cc, s.trueAt)
	c.Jmp(s.falseAt)
	for c.PC() < 0x1060 {
		c.Nop()
	}
	qt.Assert(t, qt.IsNil(s.img.AddSegment(&image.Segment{Name: ".text", Addr: c.Base, Data: c.Buf, FileOffset: -1})))
	qt.Assert(t, qt.IsNil(s.img.AddSegment(&image.Segment{
		Name: ".data", Addr: globalAddr,
		Data: []byte{8, 0, 0, 0, 8, 0, 0, 0}, FileOffset: -1,
	})))
	s.img.AddSymbol(readOnly)
	s.img.AddSymbol(written)
	return s
}

// function builds a function whose only branch, at s.jcc, tests cond.
func (s *branchSite) function(cond func(fn *ir.Func, b *ir.Block) *ir.Value) *ir.Func {
	fn := ir.NewFunc("f", 0x1000)
	entry, tru, fls := fn.NewBlock("entry"), fn.NewBlock(""), fn.NewBlock("")
	entry.Start, entry.Stop = 0x1000, s.jcc
	tru.Start, tru.Stop = s.trueAt, s.trueAt
	fls.Start, fls.Stop = s.falseAt, s.falseAt
	v := cond(fn, entry)
	entry.Append(ir.CBRANCH, s.jcc, nil, fn.NewValue(ir.RAM, s.trueAt, 8), v)
	ir.AddEdge(entry, tru)
	ir.AddEdge(entry, fls)
	tru.Append(ir.RETURN, s.trueAt, nil)
	fls.Append(ir.RETURN, s.falseAt, nil)
	return fn
}

func (s *branchSite) fold(t *testing.T, fn *ir.Func, set *ReadOnlySet) ([]Folded, []error) {
	arch, err := patch.Lookup("x86")
	qt.Assert(t, qt.IsNil(err))
	return Fold(fn, set, s.img, patch.New(s.img, arch))
}

func binop(fn *ir.Func, b *ir.Block, opcode ir.Opcode, size int, x, y *ir.Value) *ir.Value {
	out := fn.NewValue(ir.Unique, uint64(len(fn.Values()))*0x10, size)
	b.Append(opcode, b.Stop, out, x, y)
	return out
}

// fivePlusThree computes (5 + 3) * 2 == 16 with 4-byte arithmetic.
func fivePlusThree(five *ir.Value) func(fn *ir.Func, b *ir.Block) *ir.Value {
	return func(fn *ir.Func, b *ir.Block) *ir.Value {
		if five == nil {
			five = fn.ConstValue(5, 4)
		}
		sum := binop(fn, b, ir.INT_ADD, 4, five, fn.ConstValue(3, 4))
		prod := binop(fn, b, ir.INT_MULT, 4, sum, fn.ConstValue(2, 4))
		return binop(fn, b, ir.INT_EQUAL, 1, prod, fn.ConstValue(16, 4))
	}
}

func TestFoldConstant(t *testing.T) {
	s := newBranchSite(t)
	fn := s.function(fivePlusThree(nil))
	folded, errs := s.fold(t, fn, Manual(nil))
	qt.Assert(t, qt.HasLen(errs, 0))
	qt.Assert(t, qt.HasLen(folded, 1))
	qt.Assert(t, qt.IsTrue(folded[0].Taken))
	qt.Assert(t, qt.Equals(folded[0].Cond.String(), "INT_EQUAL(INT_MULT(INT_ADD(0x5, 0x3), 0x2), 0x10)"))

	inst, err := s.img.DisassembleAt(s.jcc)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(inst.Kind, host.Jump))
	qt.Assert(t, qt.StringContains(inst.Text, "0x1040"))
}

func TestFoldRegisterSkipped(t *testing.T) {
	s := newBranchSite(t)
	before, err := s.img.ReadBytes(s.jcc, 6)
	qt.Assert(t, qt.IsNil(err))

	fn := s.function(func(f *ir.Func, b *ir.Block) *ir.Value {
		return fivePlusThree(f.NewValue(ir.Register, 0, 4))(f, b)
	})
	folded, errs := s.fold(t, fn, Manual(nil))
	qt.Assert(t, qt.HasLen(folded, 0))
	qt.Assert(t, qt.HasLen(errs, 1))
	qt.Assert(t, qt.ErrorIs(errs[0], ErrNotFoldable))

	after, err := s.img.ReadBytes(s.jcc, 6)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(after, before))
}

func TestFoldMemory(t *testing.T) {
	tests := []struct {
		name  string
		addr  uint64
		set   func(*image.Image) *ReadOnlySet
		taken bool
		err   error
	}{
		{"Discovered", globalAddr, func(m *image.Image) *ReadOnlySet { return Discover(m) }, true, nil},
		{"Manual", writeAddr, func(*image.Image) *ReadOnlySet { return Manual([]host.Symbol{written}) }, true, nil},
		{"Written", writeAddr, func(m *image.Image) *ReadOnlySet { return Discover(m) }, false, ErrNotFoldable},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newBranchSite(t)
			fn := s.function(func(f *ir.Func, b *ir.Block) *ir.Value {
				// Loaded through a pointer constant, doubled, compared.
				v := f.NewValue(ir.Unique, 0x100, 4)
				b.Append(ir.LOAD, 0x1000, v, f.ConstValue(0, 4), f.ConstValue(test.addr, 8))
				dbl := binop(f, b, ir.INT_LEFT, 4, v, f.ConstValue(1, 1))
				return binop(f, b, ir.INT_EQUAL, 1, dbl, f.ConstValue(16, 4))
			})
			folded, errs := s.fold(t, fn, test.set(s.img))
			if test.err != nil {
				qt.Assert(t, qt.HasLen(errs, 1))
				qt.Assert(t, qt.ErrorIs(errs[0], test.err))
				return
			}
			qt.Assert(t, qt.HasLen(errs, 0))
			qt.Assert(t, qt.HasLen(folded, 1))
			qt.Assert(t, qt.Equals(folded[0].Taken, test.taken))
		})
	}
}

func TestFoldNotTaken(t *testing.T) {
	s := newBranchSite(t)
	fn := s.function(func(f *ir.Func, b *ir.Block) *ir.Value {
		return binop(f, b, ir.INT_SLESS, 1, f.ConstValue(1, 4), f.ConstValue(0xffffffff, 4))
	})
	folded, errs := s.fold(t, fn, Manual(nil))
	qt.Assert(t, qt.HasLen(errs, 0))
	qt.Assert(t, qt.IsFalse(folded[0].Taken))

	code, err := s.img.ReadBytes(s.jcc, 6)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(code, []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90}))
	inst, err := s.img.DisassembleAt(s.jcc + 6)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.StringContains(inst.Text, "0x1050"))
}

func TestFoldErrors(t *testing.T) {
	tests := []struct {
		name string
		cond func(f *ir.Func, b *ir.Block) *ir.Value
		want error
	}{
		{"DivideByZero", func(f *ir.Func, b *ir.Block) *ir.Value {
			return binop(f, b, ir.INT_SDIV, 4, f.ConstValue(1, 4), f.ConstValue(0, 4))
		}, ErrNotFoldable},
		{"Merge", func(f *ir.Func, b *ir.Block) *ir.Value {
			v := f.NewValue(ir.Unique, 0x100, 1)
			b.Append(ir.MULTIEQUAL, 0x1000, v, f.ConstValue(1, 1), f.ConstValue(0, 1))
			return v
		}, ErrNotFoldable},
		{"Call", func(f *ir.Func, b *ir.Block) *ir.Value {
			v := f.NewValue(ir.Register, 0, 1)
			b.Append(ir.CALL, 0x1000, v, f.NewValue(ir.RAM, 0x2000, 8))
			return v
		}, ErrNotFoldable},
		{"Unsupported", func(f *ir.Func, b *ir.Block) *ir.Value {
			v := f.NewValue(ir.Unique, 0x100, 1)
			b.Append(ir.STORE, 0x1000, v, f.ConstValue(1, 1))
			return v
		}, ErrUnsupportedExpression},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newBranchSite(t)
			_, errs := s.fold(t, s.function(test.cond), Manual(nil))
			qt.Assert(t, qt.HasLen(errs, 1))
			qt.Assert(t, qt.ErrorIs(errs[0], test.want))
		})
	}
}

func TestIsReadOnly(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*host.Symbol)
		want   bool
	}{
		{"ReadsAndExternal", func(*host.Symbol) {}, true},
		{"Written", func(s *host.Symbol) { s.Refs = append(s.Refs, host.Reference{Kind: host.Write}) }, false},
		{"ExternalWrite", func(s *host.Symbol) { s.Refs = append(s.Refs, host.Reference{Kind: host.Write, External: true}) }, true},
		{"DataRef", func(s *host.Symbol) { s.Refs = append(s.Refs, host.Reference{Kind: host.DataRef}) }, false},
		{"Unreferenced", func(s *host.Symbol) { s.Refs = nil }, false},
		{"Function", func(s *host.Symbol) { s.Kind = host.FunctionSymbol }, false},
		{"Pointer", func(s *host.Symbol) { s.Data = host.Pointer }, false},
		{"Array", func(s *host.Symbol) { s.Data = host.Array }, false},
		{"Struct", func(s *host.Symbol) { s.Data = host.Struct }, false},
		{"NoData", func(s *host.Symbol) { s.Data = host.Undefined }, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sym := readOnly
			sym.Refs = append([]host.Reference(nil), readOnly.Refs...)
			test.modify(&sym)
			qt.Assert(t, qt.Equals(IsReadOnly(sym), test.want))
		})
	}
}

func TestCovers(t *testing.T) {
	set := Manual([]host.Symbol{readOnly, {Name: "unsized", Addr: 0x4000}, readOnly})
	qt.Assert(t, qt.Equals(set.Len(), 2))
	qt.Assert(t, qt.IsTrue(set.Covers(globalAddr, 4)))
	qt.Assert(t, qt.IsTrue(set.Covers(globalAddr+2, 2)))
	qt.Assert(t, qt.IsFalse(set.Covers(globalAddr+2, 4)))
	qt.Assert(t, qt.IsTrue(set.Covers(0x4000, 8)))
	qt.Assert(t, qt.IsFalse(set.Covers(0x4001, 1)))
}
