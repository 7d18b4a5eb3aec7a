// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package deflat

import (
	"fmt"

	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/ir"
)

// Target is one state variable to recover, given by the address of the
// instruction that initializes it and its size in bytes.
type Target struct {
	InitAddr uint64
	VarSize  int
}

func (t Target) String() string {
	return fmt.Sprintf("%d-byte state variable at %#x", t.VarSize, t.InitAddr)
}

// Result holds what each stage found for one target.
type Result struct {
	Func       *ir.Func
	Dispatcher *ir.Value
	Conditions Conditions
	Tree       *Tree
	Edges      []Edge
}

// Host is what the analysis needs from the program.
type Host interface {
	host.Decompiler
	host.Memory
	host.Assembler
}

// Analyze runs locating, extraction, tree building and recovery for a
// target. The partial result is returned alongside any error.
func Analyze(h Host, target Target) (*Result, error) {
	fn, err := h.Decompile(target.InitAddr)
	if err != nil {
		return nil, err
	}
	res := &Result{Func: fn}
	if res.Dispatcher, err = Locate(fn, target.InitAddr); err != nil {
		return res, err
	}
	res.Conditions = ExtractConditions(fn, res.Dispatcher)
	if res.Tree, err = BuildTree(res.Dispatcher, h, target.VarSize); err != nil {
		return res, err
	}
	if res.Edges, err = Recover(res.Tree, res.Conditions, h); err != nil {
		return res, err
	}
	return res, nil
}
