// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package ctrlflow

import (
	"math"
	mathrand "math/rand"
	"slices"

	"mvdan.cc/deflat/internal/ir"
	"mvdan.cc/deflat/internal/x86"
)

// guard is an opaque predicate: a comparison of a read-only global against
// an immediate which always holds.
type guard struct {
	value uint32 // contents of the global
	imm   uint32 // compared against
	cc    x86.Cond
	ptr   *ir.Value // address of the global, set by Layout
	load  *ir.Op
}

// addOpaquePredicates puts a guard in front of count random blocks reached
// from the dispatcher. The guard continues to the block when the global
// holds its value, and to a trap which returns otherwise.
func addOpaquePredicates(f *Flattened, count int, obfRand *mathrand.Rand) {
	fn := f.Func
	candidates := slices.Clone(f.targets)
	obfRand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for _, target := range candidates[:min(count, len(candidates))] {
		pred := target.Preds[0]

		g := fn.NewBlock("ctrflow.opaque")
		gd := &guard{value: obfRand.Uint32(), ptr: fn.ConstValue(0, 8)}
		v := f.temp(4)
		gd.load = g.Append(ir.LOAD, 0, v, fn.ConstValue(0, 4), gd.ptr)
		c := f.temp(1)
		if obfRand.Intn(2) == 0 {
			gd.imm, gd.cc = gd.value, x86Cond("e")
			g.Append(ir.INT_EQUAL, 0, c, v, fn.ConstValue(uint64(gd.imm), 4))
		} else {
			// Any other value, so the inequality holds.
			gd.imm, gd.cc = gd.value^(1+uint32(obfRand.Int31n(math.MaxInt32))), x86Cond("ne")
			g.Append(ir.INT_NOTEQUAL, 0, c, v, fn.ConstValue(uint64(gd.imm), 4))
		}
		g.Append(ir.CBRANCH, 0, nil, fn.NewValue(ir.RAM, 0, 8), c)

		trap := fn.NewBlock("ctrflow.trap")
		trap.Append(ir.RETURN, 0, nil)

		for i, s := range pred.Succs {
			if s == target {
				pred.Succs[i] = g
			}
		}
		g.Preds = []*ir.Block{pred}
		g.Succs = []*ir.Block{target, trap}
		trap.Preds = []*ir.Block{g}
		ir.ReplacePred(target, pred, g)

		for i := range f.Edges {
			e := &f.Edges[i]
			if e.True == target {
				e.True = g
			}
			if e.False == target {
				e.False = g
			}
		}
		f.kinds[g], f.kinds[trap] = guardBlock, trapBlock
		f.guards[g] = gd
	}
}

func x86Cond(name string) x86.Cond {
	cc, ok := x86.ParseCond(name)
	if !ok {
		panic("unknown condition " + name)
	}
	return cc
}
