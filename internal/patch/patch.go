// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

// Package patch writes recovered control flow back into machine code.
package patch

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"mvdan.cc/deflat/internal/deflat"
	"mvdan.cc/deflat/internal/host"
)

var (
	ErrInsufficientPatchSpace = errors.New("insufficient patch space")
	ErrUnsupportedPatchShape  = errors.New("unsupported patch shape")
)

// maxScan bounds how many instructions after a conditional move are
// searched for the jump that ends its patch budget.
const maxScan = 8

// Entry is a patch written to the image.
type Entry struct {
	Addr  uint64
	Bytes []byte
	Asm   []string
}

func (e Entry) String() string {
	return fmt.Sprintf("%#x: % x (%s)", e.Addr, e.Bytes, strings.Join(e.Asm, "; "))
}

// Host is what the patcher needs from the program.
type Host interface {
	host.Assembler
	host.Memory
}

type Patcher struct {
	host Host
	arch Arch
}

func New(h Host, arch Arch) *Patcher {
	return &Patcher{host: h, arch: arch}
}

// PatchEdges patches every edge in order. A failing edge writes nothing and
// does not stop the others; its error is returned alongside the entries of
// the edges that succeeded.
func (p *Patcher) PatchEdges(edges []deflat.Edge) ([]Entry, []error) {
	var entries []Entry
	var errs []error
	for _, e := range edges {
		entry, err := p.PatchEdge(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("patching %s: %w", e, err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, errs
}

// PatchEdge rewrites the last instruction of e.From. An unconditional edge
// becomes a direct jump in the space of that instruction. A conditional
// edge requires the instruction to be a conditional move, which becomes a
// conditional jump to the true target followed by a jump to the false
// target, in the space running up to and including the next unconditional
// jump.
func (p *Patcher) PatchEdge(e deflat.Edge) (Entry, error) {
	term, err := p.host.DisassembleAt(e.From.Stop)
	if err != nil {
		return Entry{}, err
	}
	var asm []string
	budget := term.Len
	if !e.Conditional() {
		asm = []string{p.arch.UnconditionalJump(e.True.Start)}
	} else {
		if asm, err = p.arch.ConditionalRewrite(term, e.True.Start, e.False.Start); err != nil {
			return Entry{}, err
		}
		if budget, err = p.budgetThroughJump(term); err != nil {
			return Entry{}, err
		}
	}
	return p.write(term.Addr, budget, asm)
}

func (p *Patcher) budgetThroughJump(term host.Instruction) (int, error) {
	inst := term
	for range maxScan {
		next, err := p.host.DisassembleAt(inst.Next())
		if err != nil {
			return 0, fmt.Errorf("%w: after %s: %v", ErrUnsupportedPatchShape, term, err)
		}
		inst = next
		if inst.Kind == host.Jump {
			return int(inst.Next() - term.Addr), nil
		}
	}
	return 0, fmt.Errorf("%w: no unconditional jump within %d instructions of %s", ErrUnsupportedPatchShape, maxScan, term)
}

// FoldBranch rewrites the conditional jump at addr once its outcome is
// known: a jump to target when taken, or no-ops to fall through.
func (p *Patcher) FoldBranch(addr uint64, taken bool, target uint64) (Entry, error) {
	term, err := p.host.DisassembleAt(addr)
	if err != nil {
		return Entry{}, err
	}
	if term.Kind != host.CondJump {
		return Entry{}, fmt.Errorf("%w: %s is not a conditional jump", ErrUnsupportedPatchShape, term)
	}
	var asm []string
	if taken {
		asm = []string{p.arch.UnconditionalJump(target)}
	}
	return p.write(addr, term.Len, asm)
}

// write assembles asm at addr, pads it to budget bytes with no-ops, and only
// then touches memory, with a single write.
func (p *Patcher) write(addr uint64, budget int, asm []string) (Entry, error) {
	var code []byte
	for _, text := range asm {
		b, err := p.host.Assemble(addr+uint64(len(code)), text)
		if err != nil {
			return Entry{}, fmt.Errorf("assembling %q: %w", text, err)
		}
		code = append(code, b...)
	}
	if len(code) > budget {
		return Entry{}, fmt.Errorf("%w: %q needs %d bytes at %#x, have %d",
			ErrInsufficientPatchSpace, strings.Join(asm, "; "), len(code), addr, budget)
	}
	for len(code) < budget {
		text := p.arch.Nop()
		b, err := p.host.Assemble(addr+uint64(len(code)), text)
		if err != nil {
			return Entry{}, fmt.Errorf("assembling %q: %w", text, err)
		}
		if len(code)+len(b) > budget {
			return Entry{}, fmt.Errorf("%w: cannot pad %#x to %d bytes", ErrInsufficientPatchSpace, addr, budget)
		}
		code = append(code, b...)
		asm = append(asm, text)
	}
	if err := p.host.WriteBytes(addr, code); err != nil {
		return Entry{}, err
	}
	entry := Entry{Addr: addr, Bytes: code, Asm: asm}
	log.Printf("patched %s", entry)
	return entry, nil
}
