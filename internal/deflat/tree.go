// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package deflat

import (
	"fmt"
	"log"
	"strings"

	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/ir"
)

// Node is a node of a definition tree. Leaves carry the constant assigned to
// the state variable in Block. An interior node with a single child takes
// over its child's constant; one with several children is a nested merge and
// stays unresolved.
type Node struct {
	Const    uint64
	Resolved bool
	Block    *ir.Block
	Parent   int // -1 for the root
	Children []int
}

// Tree is the definition tree of a dispatcher: its root is the dispatcher's
// MULTIEQUAL and every path down leads to an assignment of the state
// variable. Nodes reference each other by index into Nodes.
type Tree struct {
	Nodes []Node
}

const rootIndex = 0

func (t *Tree) Root() *Node { return &t.Nodes[rootIndex] }

func (t *Tree) add(parent int, n Node) int {
	n.Parent = parent
	i := len(t.Nodes)
	t.Nodes = append(t.Nodes, n)
	if parent >= 0 {
		t.Nodes[parent].Children = append(t.Nodes[parent].Children, i)
	}
	return i
}

// Ancestors returns the indexes of i's ancestors, nearest first, not
// including the root.
func (t *Tree) Ancestors(i int) []int {
	var list []int
	for p := t.Nodes[i].Parent; p > rootIndex; p = t.Nodes[p].Parent {
		list = append(list, p)
	}
	return list
}

// find returns the index of the first resolved non-root node for block, in
// depth-first order, or -1.
func (t *Tree) find(block *ir.Block) int {
	var walk func(i int) int
	walk = func(i int) int {
		n := &t.Nodes[i]
		if i != rootIndex && n.Resolved && n.Block == block {
			return i
		}
		for _, c := range n.Children {
			if found := walk(c); found >= 0 {
				return found
			}
		}
		return -1
	}
	return walk(rootIndex)
}

func (t *Tree) String() string {
	var sb strings.Builder
	var walk func(i, depth int)
	walk = func(i, depth int) {
		n := &t.Nodes[i]
		sb.WriteString(strings.Repeat("  ", depth))
		switch {
		case i == rootIndex:
			fmt.Fprintf(&sb, "root %s [%s]\n", n.Block.Name(), n.Block)
		case n.Resolved:
			fmt.Fprintf(&sb, "%#x %s [%s]\n", n.Const, n.Block.Name(), n.Block)
		default:
			fmt.Fprintf(&sb, "? %s [%s]\n", n.Block.Name(), n.Block)
		}
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(rootIndex, 0)
	return sb.String()
}

type treeBuilder struct {
	tree   *Tree
	mem    host.Memory
	size   int
	onPath map[*ir.Op]bool
}

// BuildTree traces every input of the dispatcher's MULTIEQUAL back to the
// constants assigned to the state variable. Memory sources are read from
// mem with the given variable size.
func BuildTree(dispatcher *ir.Value, mem host.Memory, varSize int) (*Tree, error) {
	merge := dispatcher.Def
	if merge == nil || merge.Opcode != ir.MULTIEQUAL {
		return nil, fmt.Errorf("%w: dispatcher %s is not defined by a MULTIEQUAL", ErrUnsupportedDataflowShape, dispatcher)
	}
	b := &treeBuilder{
		tree:   &Tree{},
		mem:    mem,
		size:   varSize,
		onPath: map[*ir.Op]bool{merge: true},
	}
	root := b.tree.add(-1, Node{Block: merge.Block})
	if err := b.merge(merge, root, 0); err != nil {
		return nil, err
	}
	b.collapse(root)
	return b.tree, nil
}

func (b *treeBuilder) merge(op *ir.Op, parent, depth int) error {
	log.Printf("%*smerge %s in %s", depth*2, "", op.Output, op.Block.Name())
	for i, in := range op.Inputs {
		if in == op.Output {
			continue
		}
		var pred *ir.Block
		if i < len(op.Block.Preds) {
			pred = op.Block.Preds[i]
		}
		if in.Def == nil {
			if pred == nil {
				return fmt.Errorf("%w: input %d of MULTIEQUAL at %#x has no predecessor", ErrUnsupportedDataflowShape, i, op.Addr)
			}
			if err := b.leaf(in, parent, pred, depth); err != nil {
				return err
			}
			continue
		}
		if err := b.def(in.Def, parent, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (b *treeBuilder) def(op *ir.Op, parent, depth int) error {
	if b.onPath[op] {
		return fmt.Errorf("%w: cycle through %s at %#x", ErrUnsupportedDataflowShape, op.Opcode, op.Addr)
	}
	b.onPath[op] = true
	defer delete(b.onPath, op)

	switch op.Opcode {
	case ir.COPY, ir.INDIRECT:
		src := op.Input(0)
		if src == nil {
			return fmt.Errorf("%w: %s at %#x has no input", ErrUnsupportedDataflowShape, op.Opcode, op.Addr)
		}
		if src.Def == nil {
			return b.leaf(src, parent, op.Block, depth)
		}
		log.Printf("%*s%s of computed %s in %s", depth*2, "", op.Opcode, src, op.Block.Name())
		n := b.tree.add(parent, Node{Block: op.Block})
		if err := b.def(src.Def, n, depth+1); err != nil {
			return err
		}
		b.collapse(n)
	case ir.MULTIEQUAL:
		n := b.tree.add(parent, Node{Block: op.Block})
		if err := b.merge(op, n, depth); err != nil {
			return err
		}
		b.collapse(n)
	default:
		return fmt.Errorf("%w: state variable defined by %s at %#x", ErrUnsupportedDataflowShape, op.Opcode, op.Addr)
	}
	return nil
}

// leaf adds a resolved node for a constant or memory source.
func (b *treeBuilder) leaf(src *ir.Value, parent int, block *ir.Block, depth int) error {
	var c uint64
	switch src.Space {
	case ir.Const:
		c = src.Offset
	case ir.RAM:
		v, err := b.mem.ReadMemory(src.Offset, b.size)
		if err != nil {
			return fmt.Errorf("%w: reading %#x: %v", ErrUnresolvableDispatcherSource, src.Offset, err)
		}
		c = v
	default:
		return fmt.Errorf("%w: %s in %s has no definition", ErrUnresolvableDispatcherSource, src, block.Name())
	}
	c &= ir.Mask(b.size)
	log.Printf("%*sassign %#x in %s", depth*2, "", c, block.Name())
	b.tree.add(parent, Node{Const: c, Resolved: true, Block: block})
	return nil
}

func (b *treeBuilder) collapse(i int) {
	n := &b.tree.Nodes[i]
	if len(n.Children) == 1 {
		child := b.tree.Nodes[n.Children[0]]
		n.Const, n.Resolved = child.Const, child.Resolved
	}
}
