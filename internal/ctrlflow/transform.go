// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package ctrlflow

import (
	mathrand "math/rand"
	"strconv"

	"mvdan.cc/deflat/internal/ir"
)

func jumpTo(fn *ir.Func, b *ir.Block) {
	b.Append(ir.BRANCH, 0, nil, fn.NewValue(ir.RAM, 0, 8))
}

// addJunkBlocks adds junk jumps into random blocks. Can create chains of junk jumps.
func addJunkBlocks(fn *ir.Func, count int, obfRand *mathrand.Rand) {
	if count == 0 {
		return
	}
	var candidates []*ir.Block
	for _, block := range fn.Blocks {
		if len(block.Succs) > 0 {
			candidates = append(candidates, block)
		}
	}

	if len(candidates) == 0 {
		return
	}

	for i := 0; i < count; i++ {
		targetBlock := candidates[obfRand.Intn(len(candidates))]
		succsIdx := obfRand.Intn(len(targetBlock.Succs))
		succ := targetBlock.Succs[succsIdx]

		fakeBlock := fn.NewBlock("ctrflow.fake." + strconv.Itoa(i))
		jumpTo(fn, fakeBlock)
		fakeBlock.Preds = []*ir.Block{targetBlock}
		fakeBlock.Succs = []*ir.Block{succ}
		targetBlock.Succs[succsIdx] = fakeBlock
		ir.ReplacePred(succ, targetBlock, fakeBlock)

		candidates = append(candidates, fakeBlock)
	}
}

// applySplitting splits biggest block into 2 parts of random size.
// Returns false if no block large enough for splitting is found
func applySplitting(fn *ir.Func, obfRand *mathrand.Rand) bool {
	var targetBlock *ir.Block
	for _, block := range fn.Blocks {
		if targetBlock == nil || len(block.Ops) > len(targetBlock.Ops) {
			targetBlock = block
		}
	}

	if targetBlock == nil {
		return false
	}
	// Merges stay at the head of the first part.
	lo := 0
	for lo < len(targetBlock.Ops) && targetBlock.Ops[lo].Opcode == ir.MULTIEQUAL {
		lo++
	}
	lo = max(lo, 1)
	const minOpCount = 1 + 1 // 1 exit op + 1 any op
	if len(targetBlock.Ops)-lo < minOpCount {
		return false
	}

	splitIdx := lo + obfRand.Intn(len(targetBlock.Ops)-1-lo)

	secondPart := targetBlock.Ops[splitIdx:]
	targetBlock.Ops = targetBlock.Ops[:splitIdx:splitIdx]

	newBlock := fn.NewBlock("ctrflow.split." + strconv.Itoa(targetBlock.Index))
	newBlock.Ops = secondPart
	for _, op := range newBlock.Ops {
		op.Block = newBlock
	}
	newBlock.Preds = []*ir.Block{targetBlock}
	newBlock.Succs = targetBlock.Succs

	// Fix preds for MULTIEQUAL inputs
	for _, succ := range newBlock.Succs {
		ir.ReplacePred(succ, targetBlock, newBlock)
	}

	targetBlock.Succs = []*ir.Block{newBlock}
	jumpTo(fn, targetBlock)
	return true
}
