// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package opaque

import (
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/ir"
)

var (
	// ErrUnsupportedExpression is returned for conditions computed with an
	// opcode the evaluator does not implement.
	ErrUnsupportedExpression = errors.New("unsupported expression")

	// ErrNotFoldable is returned when a condition depends on a value that
	// is not known statically.
	ErrNotFoldable = errors.New("not foldable")
)

type Kind uint8

const (
	Constant     Kind = iota
	Opaque            // read-only memory
	Intermediate      // computed by Opcode from X and Y
)

// Node is a node of an arithmetic tree: the computation of a value from
// constants and read-only memory.
type Node struct {
	Kind   Kind
	Size   int
	Value  uint64 // for Constant and Opaque
	Addr   uint64 // for Opaque
	Opcode ir.Opcode
	X, Y   *Node
}

func (n *Node) String() string {
	switch n.Kind {
	case Constant:
		return fmt.Sprintf("%#x", n.Value)
	case Opaque:
		return fmt.Sprintf("[%#x]", n.Addr)
	}
	var sb strings.Builder
	sb.WriteString(n.Opcode.String())
	sb.WriteByte('(')
	sb.WriteString(n.X.String())
	if n.Y != nil {
		sb.WriteString(", ")
		sb.WriteString(n.Y.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// maxDepth bounds the expressions Build follows.
const maxDepth = 64

var arity = map[ir.Opcode]int{
	ir.BOOL_NEGATE:    1,
	ir.INT_NEGATE:     1,
	ir.INT_2COMP:      1,
	ir.INT_ZEXT:       1,
	ir.INT_SEXT:       1,
	ir.BOOL_AND:       2,
	ir.BOOL_OR:        2,
	ir.BOOL_XOR:       2,
	ir.INT_ADD:        2,
	ir.INT_SUB:        2,
	ir.INT_MULT:       2,
	ir.INT_DIV:        2,
	ir.INT_SDIV:       2,
	ir.INT_REM:        2,
	ir.INT_SREM:       2,
	ir.INT_AND:        2,
	ir.INT_OR:         2,
	ir.INT_XOR:        2,
	ir.INT_EQUAL:      2,
	ir.INT_NOTEQUAL:   2,
	ir.INT_LESS:       2,
	ir.INT_LESSEQUAL:  2,
	ir.INT_SLESS:      2,
	ir.INT_SLESSEQUAL: 2,
	ir.INT_LEFT:       2,
	ir.INT_RIGHT:      2,
	ir.INT_SRIGHT:     2,
}

// Build returns the arithmetic tree computing v. Memory leaves must be
// covered by set, and their current contents are read from mem.
func Build(v *ir.Value, set *ReadOnlySet, mem host.Memory) (*Node, error) {
	b := &builder{set: set, mem: mem}
	return b.build(v, 0)
}

type builder struct {
	set *ReadOnlySet
	mem host.Memory
}

func (b *builder) build(v *ir.Value, depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: expression deeper than %d", ErrNotFoldable, maxDepth)
	}
	if v.IsConst() {
		return &Node{Kind: Constant, Size: v.Size, Value: v.Offset & ir.Mask(v.Size)}, nil
	}
	op := v.Def
	if op == nil {
		if v.IsAddress() {
			return b.memory(v.Offset, v.Size)
		}
		return nil, fmt.Errorf("%w: free input %s", ErrNotFoldable, v)
	}
	switch op.Opcode {
	case ir.COPY, ir.CAST:
		if op.Input(0) == nil {
			return nil, fmt.Errorf("%w: %s without input", ErrUnsupportedExpression, op.Opcode)
		}
		return b.build(op.Input(0), depth+1)
	case ir.LOAD:
		ptr := op.Input(len(op.Inputs) - 1)
		if ptr == nil || !ptr.IsConst() {
			return nil, fmt.Errorf("%w: load through %v at %#x", ErrNotFoldable, ptr, op.Addr)
		}
		return b.memory(ptr.Offset, v.Size)
	case ir.MULTIEQUAL:
		return nil, fmt.Errorf("%w: %s merges several definitions at %#x", ErrNotFoldable, v, op.Addr)
	case ir.INDIRECT, ir.CALL, ir.CALLIND, ir.CALLOTHER:
		return nil, fmt.Errorf("%w: %s comes from %s at %#x", ErrNotFoldable, v, op.Opcode, op.Addr)
	}
	n, ok := arity[op.Opcode]
	if !ok {
		return nil, fmt.Errorf("%w: %s at %#x", ErrUnsupportedExpression, op.Opcode, op.Addr)
	}
	if len(op.Inputs) != n {
		return nil, fmt.Errorf("%w: %s with %d inputs at %#x", ErrUnsupportedExpression, op.Opcode, len(op.Inputs), op.Addr)
	}
	node := &Node{Kind: Intermediate, Size: v.Size, Opcode: op.Opcode}
	var err error
	if node.X, err = b.build(op.Input(0), depth+1); err != nil {
		return nil, err
	}
	if n == 2 {
		if node.Y, err = b.build(op.Input(1), depth+1); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func (b *builder) memory(addr uint64, size int) (*Node, error) {
	if !b.set.Covers(addr, size) {
		return nil, fmt.Errorf("%w: %#x is not read-only", ErrNotFoldable, addr)
	}
	val, err := b.mem.ReadMemory(addr, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFoldable, err)
	}
	return &Node{Kind: Opaque, Size: size, Addr: addr, Value: val}, nil
}
