// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

// Package opaque folds opaque predicates: conditional branches whose
// condition only depends on constants and global values that the program
// never writes.
package opaque

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"mvdan.cc/deflat/internal/host"
)

// ReadOnlySet is the set of global variables treated as constants.
type ReadOnlySet struct {
	syms   []host.Symbol
	starts mapset.Set[uint64]
	bytes  mapset.Set[uint64]
}

func newSet(syms []host.Symbol) *ReadOnlySet {
	s := &ReadOnlySet{
		starts: mapset.NewThreadUnsafeSet[uint64](),
		bytes:  mapset.NewThreadUnsafeSet[uint64](),
	}
	for _, sym := range syms {
		if s.starts.Contains(sym.Addr) {
			continue
		}
		s.syms = append(s.syms, sym)
		s.starts.Add(sym.Addr)
		for i := range sym.Size {
			s.bytes.Add(sym.Addr + uint64(i))
		}
	}
	slices.SortFunc(s.syms, func(a, b host.Symbol) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return s
}

// Discover returns the labels that qualify as read-only globals. It only
// queries the symbol table.
func Discover(view host.Symbols) *ReadOnlySet {
	var syms []host.Symbol
	for _, sym := range view.AllSymbols() {
		if IsReadOnly(sym) {
			syms = append(syms, sym)
		}
	}
	return newSet(syms)
}

// Manual returns a set made of exactly the given symbols.
func Manual(syms []host.Symbol) *ReadOnlySet { return newSet(syms) }

// IsReadOnly reports whether sym is a referenced scalar data label whose
// references are all reads or come from outside the program.
func IsReadOnly(sym host.Symbol) bool {
	if sym.Kind != host.LabelSymbol || len(sym.Refs) == 0 {
		return false
	}
	switch sym.Data {
	case host.Undefined, host.Pointer, host.Array, host.Struct:
		return false
	}
	for _, ref := range sym.Refs {
		if !ref.External && ref.Kind != host.Read {
			return false
		}
	}
	return true
}

// Covers reports whether a read of size bytes at addr only touches
// read-only globals. A symbol of unknown size covers reads at its address.
func (s *ReadOnlySet) Covers(addr uint64, size int) bool {
	if s.starts.Contains(addr) && !s.bytes.Contains(addr) {
		return true
	}
	for i := range size {
		if !s.bytes.Contains(addr + uint64(i)) {
			return false
		}
	}
	return size > 0
}

// Symbols returns the members of the set sorted by address.
func (s *ReadOnlySet) Symbols() []host.Symbol { return s.syms }

func (s *ReadOnlySet) Len() int { return len(s.syms) }
