// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

// Package deflat recovers the control flow of a function flattened around a
// dispatcher loop: it finds the state variable, maps the constants it is
// compared against to the blocks they unlock, traces where each assigned
// value comes from and rebuilds the direct edges.
package deflat

import (
	"errors"
	"fmt"
	"log"

	"mvdan.cc/deflat/internal/ir"
)

var (
	ErrDispatcherNotFound           = errors.New("dispatcher not found")
	ErrUnresolvableDispatcherSource = errors.New("unresolvable dispatcher source")
	ErrUnsupportedDataflowShape     = errors.New("unsupported dataflow shape")
	ErrAmbiguousBranch              = errors.New("ambiguous branch")
	ErrNoMatchingTarget             = errors.New("no matching target")
)

// Locate finds the dispatcher: the output of the MULTIEQUAL that the state
// variable's initial constant flows into. initAddr is the address of the
// instruction storing that constant. When several COPY ops from a constant
// share the address, the last one is used.
func Locate(fn *ir.Func, initAddr uint64) (*ir.Value, error) {
	var init *ir.Op
	for _, op := range fn.OpsAt(initAddr) {
		if op.Opcode == ir.COPY && op.Input(0) != nil && op.Input(0).IsConst() {
			init = op
		}
	}
	if init == nil {
		return nil, fmt.Errorf("%w: no COPY from a constant at %#x", ErrDispatcherNotFound, initAddr)
	}
	log.Printf("state variable initialized by %s at %#x", init, initAddr)

	limit := 0
	for _, b := range fn.Blocks {
		limit += len(b.Ops)
	}
	op := init
	for step := 0; step <= limit; step++ {
		if op.Output == nil {
			return nil, fmt.Errorf("%w: %s at %#x has no output", ErrDispatcherNotFound, op, op.Addr)
		}
		next := op.Output.LoneUse()
		if next == nil {
			return nil, fmt.Errorf("%w: %s at %#x does not have exactly one consumer (%d uses)",
				ErrDispatcherNotFound, op.Output, op.Addr, len(op.Output.Uses))
		}
		if next.Opcode == ir.MULTIEQUAL {
			if next.Output == nil {
				return nil, fmt.Errorf("%w: MULTIEQUAL at %#x has no output", ErrDispatcherNotFound, next.Addr)
			}
			log.Printf("dispatcher is %s in %s after %d steps", next.Output, next.Block.Name(), step)
			return next.Output, nil
		}
		op = next
	}
	return nil, fmt.Errorf("%w: use chain from %#x never reaches a MULTIEQUAL", ErrDispatcherNotFound, initAddr)
}
