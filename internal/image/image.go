// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

// Package image implements a static program image: decompiled functions,
// memory segments and symbols, loaded from a JSON dump and optionally backed
// by an ELF file. It is the host deflat runs against.
package image

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/ir"
	"mvdan.cc/deflat/internal/x86"
)

var ErrUnmapped = errors.New("address not mapped")

// Segment is a contiguous range of memory. FileOffset is where the data
// lives in the backing ELF file, or -1 if it has none.
type Segment struct {
	Name       string
	Addr       uint64
	Data       []byte
	FileOffset int64
}

func (s *Segment) End() uint64 { return s.Addr + uint64(len(s.Data)) }

func (s *Segment) contains(addr uint64, n int) bool {
	return addr >= s.Addr && addr+uint64(n) <= s.End() && addr+uint64(n) >= addr
}

// Image is a static program image. It implements [host.Program].
// It is not safe for concurrent use.
type Image struct {
	arch     string
	segments []*Segment
	symbols  []host.Symbol
	funcs    []*ir.Func
}

var _ host.Program = (*Image)(nil)

func New(arch string) *Image {
	return &Image{arch: arch}
}

func (m *Image) Arch() string { return m.arch }

// AddSegment maps a new segment. Segments may not overlap.
func (m *Image) AddSegment(seg *Segment) error {
	for _, s := range m.segments {
		if seg.Addr < s.End() && s.Addr < seg.End() {
			return fmt.Errorf("segment %q overlaps %q", seg.Name, s.Name)
		}
	}
	m.segments = append(m.segments, seg)
	slices.SortFunc(m.segments, func(a, b *Segment) int { return cmp.Compare(a.Addr, b.Addr) })
	return nil
}

func (m *Image) Segments() []*Segment { return m.segments }

func (m *Image) AddSymbol(sym host.Symbol) { m.symbols = append(m.symbols, sym) }

func (m *Image) AddFunc(fn *ir.Func) { m.funcs = append(m.funcs, fn) }

func (m *Image) Funcs() []*ir.Func { return m.funcs }

func (m *Image) segment(addr uint64, n int) (*Segment, error) {
	for _, s := range m.segments {
		if s.contains(addr, n) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %d bytes at %#x", ErrUnmapped, n, addr)
}

// ReadBytes returns a copy of n bytes at addr.
func (m *Image) ReadBytes(addr uint64, n int) ([]byte, error) {
	s, err := m.segment(addr, n)
	if err != nil {
		return nil, err
	}
	off := addr - s.Addr
	return slices.Clone(s.Data[off : off+uint64(n)]), nil
}

func (m *Image) ReadMemory(addr uint64, width int) (uint64, error) {
	switch width {
	case 1, 2, 4, 8:
	default:
		return 0, fmt.Errorf("unsupported read width %d", width)
	}
	b, err := m.ReadBytes(addr, width)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *Image) WriteBytes(addr uint64, data []byte) error {
	s, err := m.segment(addr, len(data))
	if err != nil {
		return err
	}
	copy(s.Data[addr-s.Addr:], data)
	return nil
}

// Decompile returns the function whose entry is addr, or else the one with
// a block containing addr.
func (m *Image) Decompile(addr uint64) (*ir.Func, error) {
	for _, fn := range m.funcs {
		if fn.Entry == addr {
			return fn, nil
		}
	}
	for _, fn := range m.funcs {
		if fn.Contains(addr) {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("no function contains %#x", addr)
}

func (m *Image) LookupSymbol(name string) (host.Symbol, bool) {
	for _, sym := range m.symbols {
		if sym.Name == name {
			return sym, true
		}
	}
	return host.Symbol{}, false
}

func (m *Image) SymbolsAt(addr uint64) []host.Symbol {
	var syms []host.Symbol
	for _, sym := range m.symbols {
		if sym.Addr == addr {
			syms = append(syms, sym)
		}
	}
	return syms
}

func (m *Image) AllSymbols() []host.Symbol { return m.symbols }

func (m *Image) Assemble(addr uint64, text string) ([]byte, error) {
	if m.arch != "x86" {
		return nil, fmt.Errorf("no assembler for arch %q", m.arch)
	}
	return x86.Assemble(addr, text)
}

func (m *Image) DisassembleAt(addr uint64) (host.Instruction, error) {
	if m.arch != "x86" {
		return host.Instruction{}, fmt.Errorf("no disassembler for arch %q", m.arch)
	}
	s, err := m.segment(addr, 1)
	if err != nil {
		return host.Instruction{}, err
	}
	off := addr - s.Addr
	end := min(off+x86.MaxInstLen, uint64(len(s.Data)))
	return x86.Decode(s.Data[off:end], addr)
}
