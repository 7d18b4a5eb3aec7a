// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package deflat

import (
	"fmt"
	"log"

	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/ir"
)

// Edge is a recovered control flow edge. False is nil for an unconditional
// edge.
type Edge struct {
	From  *ir.Block
	True  *ir.Block
	False *ir.Block
}

func (e Edge) Conditional() bool { return e.False != nil }

func (e Edge) String() string {
	if e.False == nil {
		return fmt.Sprintf("%s [%s] -> %s [%s]", e.From.Name(), e.From, e.True.Name(), e.True)
	}
	return fmt.Sprintf("%s [%s] -> true %s [%s], false %s [%s]",
		e.From.Name(), e.From, e.True.Name(), e.True, e.False.Name(), e.False)
}

// Recover turns the assignment sites of the tree into direct edges. The
// sites are the children of the root; nested merges are looked through.
// Blocks made of a single conditional move are skipped, since the edge is
// recovered from the comparison block that precedes them.
func Recover(t *Tree, conds Conditions, dis host.Assembler) ([]Edge, error) {
	var edges []Edge
	seen := make(map[Edge]bool)
	emit := func(e Edge) {
		if !seen[e] {
			seen[e] = true
			edges = append(edges, e)
		}
	}
	for _, i := range t.sites(rootIndex) {
		site := &t.Nodes[i]
		block := site.Block
		if !site.Resolved {
			return nil, fmt.Errorf("%w: no constant reaches the dispatcher from %s [%s]",
				ErrUnsupportedDataflowShape, block.Name(), block)
		}
		switch len(block.Succs) {
		case 1:
			if isCondMove(block, dis) {
				log.Printf("skipping conditional move %s [%s]", block.Name(), block)
				continue
			}
			target, ok := conds.Lookup(site.Const)
			if !ok {
				return nil, fmt.Errorf("%w: constant %#x assigned in %s [%s]",
					ErrNoMatchingTarget, site.Const, block.Name(), block)
			}
			emit(Edge{From: block, True: target})
		case 2:
			tc, fc := t.branchConst(block.TrueOut(), site.Const), t.branchConst(block.FalseOut(), site.Const)
			trueTarget, ok := conds.Lookup(tc)
			if !ok {
				return nil, fmt.Errorf("%w: true branch of %s [%s] assigns %#x",
					ErrNoMatchingTarget, block.Name(), block, tc)
			}
			falseTarget, ok := conds.Lookup(fc)
			if !ok {
				return nil, fmt.Errorf("%w: false branch of %s [%s] assigns %#x",
					ErrNoMatchingTarget, block.Name(), block, fc)
			}
			if tc == fc && fc == site.Const {
				return nil, fmt.Errorf("%w: both branches of %s [%s] keep %#x, true %s [%s], false %s [%s]",
					ErrAmbiguousBranch, block.Name(), block, tc,
					trueTarget.Name(), trueTarget, falseTarget.Name(), falseTarget)
			}
			emit(Edge{From: block, True: trueTarget, False: falseTarget})
		default:
			return nil, fmt.Errorf("%w: %s [%s] has %d successors",
				ErrUnsupportedDataflowShape, block.Name(), block, len(block.Succs))
		}
	}
	for _, e := range edges {
		log.Printf("recovered %s", e)
	}
	return edges, nil
}

// sites lists the assignment sites under node i, expanding unresolved
// children with children of their own.
func (t *Tree) sites(i int) []int {
	var list []int
	for _, c := range t.Nodes[i].Children {
		n := &t.Nodes[c]
		if !n.Resolved && len(n.Children) > 0 {
			list = append(list, t.sites(c)...)
			continue
		}
		list = append(list, c)
	}
	return list
}

// branchConst is the constant assigned on the way into succ, or def if the
// successor does not assign the state variable.
func (t *Tree) branchConst(succ *ir.Block, def uint64) uint64 {
	if i := t.find(succ); i >= 0 {
		return t.Nodes[i].Const
	}
	return def
}

func isCondMove(b *ir.Block, dis host.Assembler) bool {
	if b.Start != b.Stop || dis == nil {
		return false
	}
	inst, err := dis.DisassembleAt(b.Start)
	if err != nil {
		log.Printf("cannot disassemble %s at %#x: %v", b.Name(), b.Start, err)
		return false
	}
	return inst.Kind == host.CondMove
}
