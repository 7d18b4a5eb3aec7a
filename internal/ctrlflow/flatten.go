// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package ctrlflow

import (
	"cmp"
	"fmt"
	"log"
	mathrand "math/rand"
	"slices"

	"mvdan.cc/deflat/internal/deflat"
	"mvdan.cc/deflat/internal/ir"
)

// VarSize is the size in bytes of the state variable of flattened functions.
const VarSize = 4

type blockKind uint8

const (
	plainBlock    blockKind = iota // returns
	prologueBlock                  // stores the entry key
	dispatchBlock                  // loads the state and compares it with the first key
	chainBlock                     // compares the state with one more key
	exitBlock                      // no key matched
	jumpSite                       // stores a key and jumps back
	cmovSite                       // selects one of two keys with a conditional move
	cmovArm                        // the conditional move alone
	cmovJoin                       // stores the selected key and jumps back
	guardBlock                     // opaque predicate
	trapBlock                      // never reached through a guard
)

// Flattened is a function rewritten around a dispatcher loop.
type Flattened struct {
	Func *ir.Func

	// Edges is the control flow before flattening, with the blocks of
	// Func: From is the block whose terminator assigns the state, True and
	// False are the blocks the dispatcher then leads to.
	Edges []deflat.Edge

	// Init is the op storing the first key.
	Init *ir.Op

	kinds    map[*ir.Block]blockKind
	dispatch *ir.Block
	chain    []*ir.Block // dispatch, further comparisons, exit
	targets  []*ir.Block
	guards   map[*ir.Block]*guard
	next     uint64 // next free offset in the unique space
}

// Target is what deflat needs to find the state variable, once laid out.
func (f *Flattened) Target() deflat.Target {
	return deflat.Target{InitAddr: f.Init.Addr, VarSize: VarSize}
}

// Guards returns the number of opaque predicates inserted.
func (f *Flattened) Guards() int { return len(f.guards) }

func (f *Flattened) temp(size int) *ir.Value {
	v := f.Func.NewValue(ir.Unique, f.next, size)
	f.next += 0x10
	return v
}

func (f *Flattened) key(k uint32) *ir.Value { return f.Func.ConstValue(uint64(k), VarSize) }

// Obfuscate splits blocks, adds junk jumps, flattens fn around a dispatcher
// and guards some blocks with opaque predicates, as selected by params.
// fn is modified in place and its blocks end up in layout order.
func Obfuscate(fn *ir.Func, params Params, obfRand *mathrand.Rand) (*Flattened, error) {
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("%s has no blocks", fn.Name)
	}
	for i := 0; i < params.BlockSplits; i++ {
		if !applySplitting(fn, obfRand) {
			break // no more candidates for splitting
		}
	}
	addJunkBlocks(fn, params.JunkJumps, obfRand)
	f, err := applyFlattening(fn, obfRand)
	if err != nil {
		return nil, err
	}
	addOpaquePredicates(f, params.OpaquePredicates, obfRand)
	f.shuffle(obfRand)
	log.Printf("flattened %s: %d blocks, %d edges, %d opaque predicates", fn.Name, len(fn.Blocks), len(f.Edges), len(f.guards))
	return f, nil
}

// generateKeys is used to generate a list of pseudo-random unique non-zero keys.
func generateKeys(count int, rnd *mathrand.Rand) []uint32 {
	m := make(map[uint32]bool, count)
	arr := make([]uint32, 0, count)
	for count > len(arr) {
		key := uint32(rnd.Int31())
		if key == 0 || m[key] {
			continue
		}
		arr = append(arr, key)
		m[key] = true
	}
	return arr
}

// applyFlattening gives every block that is the target of an edge, and the
// entry block, a key. Each edge becomes an assignment of the key of its
// target to the state variable followed by a jump to the dispatcher, which
// compares the state against every key in turn. Two-way blocks select
// between two keys with a conditional move.
func applyFlattening(fn *ir.Func, obfRand *mathrand.Rand) (*Flattened, error) {
	f := &Flattened{
		Func:   fn,
		kinds:  make(map[*ir.Block]blockKind),
		guards: make(map[*ir.Block]*guard),
		next:   0x100000,
	}
	orig := slices.Clone(fn.Blocks)
	entry := orig[0]

	keyOf := make(map[*ir.Block]uint32)
	addTarget := func(b *ir.Block) {
		if _, ok := keyOf[b]; !ok {
			keyOf[b] = 0
			f.targets = append(f.targets, b)
		}
	}
	addTarget(entry)
	for _, b := range orig {
		for _, s := range b.Succs {
			addTarget(s)
		}
	}
	for i, k := range generateKeys(len(f.targets), obfRand) {
		keyOf[f.targets[i]] = k
	}

	prologue := fn.NewBlock("ctrflow.prologue")
	f.kinds[prologue] = prologueBlock
	s0 := f.temp(VarSize)
	f.Init = prologue.Append(ir.COPY, 0, s0, f.key(keyOf[entry]))
	jumpTo(fn, prologue)

	f.dispatch = fn.NewBlock("ctrflow.dispatch")
	f.kinds[f.dispatch] = dispatchBlock
	prologue.Succs = []*ir.Block{f.dispatch}
	incoming := []*ir.Value{s0}
	preds := []*ir.Block{prologue}
	f.Edges = append(f.Edges, deflat.Edge{From: prologue, True: entry})

	for _, b := range orig {
		switch len(b.Succs) {
		case 0:
			f.kinds[b] = plainBlock
		case 1:
			t := b.Succs[0]
			b.RemoveLast()
			s := f.temp(VarSize)
			b.Append(ir.COPY, 0, s, f.key(keyOf[t]))
			jumpTo(fn, b)
			b.Succs = []*ir.Block{f.dispatch}
			f.kinds[b] = jumpSite

			incoming = append(incoming, s)
			preds = append(preds, b)
			f.Edges = append(f.Edges, deflat.Edge{From: b, True: t})
		case 2:
			t, e := b.Succs[0], b.Succs[1]
			last := b.RemoveLast()
			if last == nil || last.Opcode != ir.CBRANCH {
				return nil, fmt.Errorf("%s in %s: two successors without a CBRANCH", b.Name(), fn.Name)
			}
			sF := f.temp(VarSize)
			b.Append(ir.COPY, 0, sF, f.key(keyOf[e]))
			b.Append(ir.CBRANCH, 0, nil, fn.NewValue(ir.RAM, 0, 8), last.Input(1))

			arm := fn.NewBlock("ctrflow.cmov")
			sT := f.temp(VarSize)
			arm.Append(ir.COPY, 0, sT, f.key(keyOf[t]))

			join := fn.NewBlock("ctrflow.join")
			sJ := f.temp(VarSize)
			join.Append(ir.MULTIEQUAL, 0, sJ, sT, sF)
			jumpTo(fn, join)

			b.Succs = []*ir.Block{arm, join}
			arm.Preds = []*ir.Block{b}
			arm.Succs = []*ir.Block{join}
			join.Preds = []*ir.Block{arm, b}
			join.Succs = []*ir.Block{f.dispatch}
			f.kinds[b], f.kinds[arm], f.kinds[join] = cmovSite, cmovArm, cmovJoin

			incoming = append(incoming, sJ)
			preds = append(preds, join)
			f.Edges = append(f.Edges, deflat.Edge{From: b, True: t, False: e})
		default:
			return nil, fmt.Errorf("%s in %s has %d successors", b.Name(), fn.Name, len(b.Succs))
		}
	}
	for _, b := range orig {
		b.Preds = nil
	}

	disp := f.temp(VarSize)
	f.dispatch.Append(ir.MULTIEQUAL, 0, disp, incoming...)
	f.dispatch.Preds = preds

	order := slices.Clone(f.targets)
	obfRand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	cur := f.dispatch
	f.chain = []*ir.Block{cur}
	for i, t := range order {
		if i > 0 {
			next := fn.NewBlock("ctrflow.chain")
			f.kinds[next] = chainBlock
			ir.AddEdge(cur, next)
			cur = next
			f.chain = append(f.chain, cur)
		}
		c := f.temp(1)
		cur.Append(ir.INT_EQUAL, 0, c, disp, f.key(keyOf[t]))
		cur.Append(ir.CBRANCH, 0, nil, fn.NewValue(ir.RAM, 0, 8), c)
		cur.Succs = append([]*ir.Block{t}, cur.Succs...)
		t.Preds = []*ir.Block{cur}
	}
	exit := fn.NewBlock("ctrflow.exit")
	f.kinds[exit] = exitBlock
	exit.Append(ir.RETURN, 0, nil)
	ir.AddEdge(cur, exit)
	f.chain = append(f.chain, exit)
	return f, nil
}

// shuffle puts the blocks in a random layout order, keeping the prologue
// first and the blocks that fall through into each other together.
func (f *Flattened) shuffle(obfRand *mathrand.Rand) {
	var prologue *ir.Block
	var units [][]*ir.Block
	for _, b := range f.Func.Blocks {
		switch f.kinds[b] {
		case prologueBlock:
			prologue = b
		case dispatchBlock:
			units = append(units, f.chain)
		case cmovSite:
			units = append(units, []*ir.Block{b, b.Succs[0], b.Succs[1]})
		case chainBlock, exitBlock, cmovArm, cmovJoin:
		default:
			units = append(units, []*ir.Block{b})
		}
	}
	obfRand.Shuffle(len(units), func(i, j int) {
		units[i], units[j] = units[j], units[i]
	})
	blocks := []*ir.Block{prologue}
	for _, u := range units {
		blocks = append(blocks, u...)
	}
	f.Func.Blocks = blocks
	f.Func.Renumber()
}

// EdgeKey identifies an edge by address: the terminator of the block it
// leaves from and the start of the blocks it leads to.
type EdgeKey struct {
	From, True, False uint64
}

func (k EdgeKey) String() string {
	if k.False == 0 {
		return fmt.Sprintf("%#x -> %#x", k.From, k.True)
	}
	return fmt.Sprintf("%#x -> %#x, %#x", k.From, k.True, k.False)
}

// Keys returns the keys of edges in a stable order.
func Keys(edges []deflat.Edge) []EdgeKey {
	keys := make([]EdgeKey, 0, len(edges))
	for _, e := range edges {
		k := EdgeKey{From: e.From.Stop, True: e.True.Start}
		if e.False != nil {
			k.False = e.False.Start
		}
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b EdgeKey) int {
		return cmp.Or(cmp.Compare(a.From, b.From), cmp.Compare(a.True, b.True), cmp.Compare(a.False, b.False))
	})
	return keys
}
