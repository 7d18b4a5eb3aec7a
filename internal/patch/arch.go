// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package patch

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/x86"
)

// Arch produces the instruction text used to rewrite block terminators for
// one architecture. The text is assembled by the host.
type Arch interface {
	// UnconditionalJump returns a direct jump to target.
	UnconditionalJump(target uint64) string

	// ConditionalRewrite returns the instructions replacing the conditional
	// move term, so that control reaches trueAddr when its condition holds
	// and falseAddr otherwise.
	ConditionalRewrite(term host.Instruction, trueAddr, falseAddr uint64) ([]string, error)

	Nop() string
}

var archMap = map[string]Arch{
	"x86": x86Arch{},
}

// Lookup returns the strategy registered for an architecture tag.
func Lookup(tag string) (Arch, error) {
	a, ok := archMap[tag]
	if !ok {
		return nil, fmt.Errorf("unsupported architecture %q (have %s)", tag,
			strings.Join(slices.Sorted(maps.Keys(archMap)), ", "))
	}
	return a, nil
}

type x86Arch struct{}

func (x86Arch) UnconditionalJump(target uint64) string { return fmt.Sprintf("jmp %#x", target) }

func (x86Arch) ConditionalRewrite(term host.Instruction, trueAddr, falseAddr uint64) ([]string, error) {
	if term.Kind != host.CondMove {
		return nil, fmt.Errorf("%w: %s is not a conditional move", ErrUnsupportedPatchShape, term)
	}
	cc, ok := x86.CondOf(term.Mnemonic)
	if !ok {
		return nil, fmt.Errorf("%w: unknown condition in %s", ErrUnsupportedPatchShape, term)
	}
	return []string{
		fmt.Sprintf("j%s %#x", cc, trueAddr),
		fmt.Sprintf("jmp %#x", falseAddr),
	}, nil
}

func (x86Arch) Nop() string { return "nop" }
