// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package opaque

import (
	"fmt"
	"log"

	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/ir"
	"mvdan.cc/deflat/internal/patch"
)

// Folded is a conditional branch that was rewritten.
type Folded struct {
	Addr  uint64
	Cond  *Node
	Taken bool
	Patch patch.Entry
}

func (f Folded) String() string {
	outcome := "never taken"
	if f.Taken {
		outcome = "always taken"
	}
	return fmt.Sprintf("%#x: %s %s", f.Addr, f.Cond, outcome)
}

// Fold evaluates the condition of every CBRANCH in fn. A branch whose
// condition is known becomes a jump to its true successor when the
// condition holds, and falls through otherwise.
//
// Branches that cannot be folded are returned as errors, one per branch,
// and do not stop the walk.
func Fold(fn *ir.Func, set *ReadOnlySet, mem host.Memory, p *patch.Patcher) ([]Folded, []error) {
	var folded []Folded
	var errs []error
	for _, b := range fn.Blocks {
		op := b.Last()
		if op == nil || op.Opcode != ir.CBRANCH {
			continue
		}
		f, err := foldBranch(b, op, set, mem, p)
		if err != nil {
			log.Printf("branch at %#x in %s: %v", op.Addr, fn.Name, err)
			errs = append(errs, fmt.Errorf("branch at %#x: %w", op.Addr, err))
			continue
		}
		folded = append(folded, f)
	}
	return folded, errs
}

func foldBranch(b *ir.Block, op *ir.Op, set *ReadOnlySet, mem host.Memory, p *patch.Patcher) (Folded, error) {
	cond := op.Input(1)
	if cond == nil {
		return Folded{}, fmt.Errorf("%w: CBRANCH without a condition", ErrUnsupportedExpression)
	}
	tree, err := Build(cond, set, mem)
	if err != nil {
		return Folded{}, err
	}
	val, err := tree.Eval()
	if err != nil {
		return Folded{}, err
	}
	f := Folded{Addr: op.Addr, Cond: tree, Taken: val != 0}
	var target uint64
	if f.Taken {
		succ := b.TrueOut()
		if succ == nil {
			return Folded{}, fmt.Errorf("%w: %s has no true successor", ErrNotFoldable, b.Name())
		}
		target = succ.Start
	}
	log.Printf("%s evaluates to %#x", tree, val)
	if f.Patch, err = p.FoldBranch(op.Addr, f.Taken, target); err != nil {
		return Folded{}, err
	}
	return f, nil
}
