// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package deflat

import (
	"fmt"
	"log"

	"mvdan.cc/deflat/internal/ir"
)

type CondKind uint8

const (
	Equal CondKind = iota
	NotEqual
)

func (k CondKind) String() string {
	if k == Equal {
		return "EQUAL"
	}
	return "NOT_EQUAL"
}

// ConditionEntry records that the dispatcher holding Const leads to Target,
// as decided by the comparison at the end of Block.
type ConditionEntry struct {
	Const  uint64
	Kind   CondKind
	Target *ir.Block
	Block  *ir.Block
}

func (e ConditionEntry) String() string {
	return fmt.Sprintf("%s %#x -> %s [%s]", e.Kind, e.Const, e.Target.Name(), e.Target)
}

// Conditions is the relation table built by [ExtractConditions].
type Conditions []ConditionEntry

// Lookup returns the target of the first entry comparing against c.
func (cs Conditions) Lookup(c uint64) (*ir.Block, bool) {
	for _, e := range cs {
		if e.Const == c {
			return e.Target, true
		}
	}
	return nil, false
}

// aliasLimit bounds how many COPY, CAST or INDIRECT ops are looked through
// when matching a comparison operand against the dispatcher.
const aliasLimit = 16

// ExtractConditions collects, in block order, every two-way block whose
// CBRANCH tests the dispatcher for equality with a constant. An INT_EQUAL
// unlocks its true successor and an INT_NOTEQUAL its false successor.
// Constants are masked to the width of the dispatcher.
func ExtractConditions(fn *ir.Func, dispatcher *ir.Value) Conditions {
	var conds Conditions
	for _, b := range fn.Blocks {
		if len(b.Succs) != 2 {
			continue
		}
		last := b.Last()
		if last == nil || last.Opcode != ir.CBRANCH {
			continue
		}
		cond := last.Input(1)
		if cond == nil || cond.Def == nil {
			continue
		}
		cmp := cond.Def
		var kind CondKind
		switch cmp.Opcode {
		case ir.INT_EQUAL:
			kind = Equal
		case ir.INT_NOTEQUAL:
			kind = NotEqual
		default:
			continue
		}
		x, y := cmp.Input(0), cmp.Input(1)
		if x == nil || y == nil {
			continue
		}
		var k *ir.Value
		switch {
		case x.IsConst() && !y.IsConst() && aliases(y, dispatcher):
			k = x
		case y.IsConst() && !x.IsConst() && aliases(x, dispatcher):
			k = y
		default:
			continue
		}
		e := ConditionEntry{
			Const: k.Offset & ir.Mask(dispatcher.Size),
			Kind:  kind,
			Block: b,
		}
		if kind == Equal {
			e.Target = b.TrueOut()
		} else {
			e.Target = b.FalseOut()
		}
		log.Printf("relation in %s: %s", b.Name(), e)
		conds = append(conds, e)
	}
	return conds
}

// aliases reports whether v is the dispatcher, possibly behind a short chain
// of copies.
func aliases(v, dispatcher *ir.Value) bool {
	for range aliasLimit {
		if v == dispatcher {
			return true
		}
		if v == nil || v.Def == nil {
			return false
		}
		switch v.Def.Opcode {
		case ir.COPY, ir.CAST, ir.INDIRECT:
			v = v.Def.Input(0)
		default:
			return false
		}
	}
	return false
}
