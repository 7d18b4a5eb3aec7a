// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package ctrlflow

import (
	"bytes"
	"encoding/binary"
	"go/ast"
	"go/parser"
	"go/token"
	mathrand "math/rand"
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/tools/go/ssa"

	"mvdan.cc/deflat/internal/deflat"
	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/image"
	"mvdan.cc/deflat/internal/ir"
	"mvdan.cc/deflat/internal/opaque"
	"mvdan.cc/deflat/internal/patch"
	"mvdan.cc/deflat/internal/x86"
)

const sample = `package sample

//deflat:selfcheck
func abs(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

//deflat:selfcheck block_splits=max junk_jumps=4 opaque_predicates=3
func collatz(n uint32) uint32 {
	steps := uint32(0)
	for n != 1 {
		if n%2 == 0 {
			n /= 2
		} else {
			n = 3*n + 1
		}
		steps++
	}
	return steps
}

//deflat:selfcheck junk_jumps=2 opaque_predicates=max
func clamp(v, lo, hi int64) int64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

func unmarked(a, b int) int { return a + b }
`

func loadSample(t *testing.T, src string) ([]*ast.File, *ssa.Package) {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "sample.go", src, parser.ParseComments)
	qt.Assert(t, qt.IsNil(err))
	files := []*ast.File{f}
	ssaPkg, err := Load(fset, files)
	qt.Assert(t, qt.IsNil(err))
	return files, ssaPkg
}

func TestParseDirective(t *testing.T) {
	tests := []struct {
		comment string
		ok      bool
		want    directiveParamMap
	}{
		{"//deflat:selfcheck", true, nil},
		{"//deflat:selfcheck block_splits=2 flag", true, directiveParamMap{"block_splits": "2", "flag": ""}},
		{"//deflat:selfcheck\tjunk_jumps=max", true, directiveParamMap{"junk_jumps": "max"}},
		{"//deflat:selfchecks", false, nil},
		{"// deflat:selfcheck", false, nil},
		{"//go:noinline", false, nil},
	}
	for _, test := range tests {
		got, ok := parseDirective(test.comment)
		qt.Check(t, qt.Equals(ok, test.ok), qt.Commentf("%q", test.comment))
		qt.Check(t, qt.DeepEquals(got, test.want), qt.Commentf("%q", test.comment))
	}
}

func TestParams(t *testing.T) {
	p, err := paramsFrom(directiveParamMap{"junk_jumps": "max", "opaque_predicates": "5"})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(p, Params{JunkJumps: maxJunkJumps, OpaquePredicates: 5}))
	qt.Assert(t, qt.Equals(p.String(), "block_splits=0 junk_jumps=256 opaque_predicates=5"))

	for _, m := range []directiveParamMap{
		{"unknown": "1"},
		{"junk_jumps": "many"},
		{"block_splits": "-1"},
		{"opaque_predicates": "65"},
	} {
		_, err := paramsFrom(m)
		qt.Check(t, qt.IsNotNil(err), qt.Commentf("%v", m))
	}
}

func TestFind(t *testing.T) {
	files, ssaPkg := loadSample(t, sample)
	marked, err := Find(files, ssaPkg)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(marked, 3))

	var names []string
	for _, m := range marked {
		names = append(names, m.Func.Name())
	}
	qt.Assert(t, qt.DeepEquals(names, []string{"abs", "collatz", "clamp"}))
	qt.Assert(t, qt.Equals(marked[1].Params, Params{BlockSplits: maxBlockSplits, JunkJumps: 4, OpaquePredicates: 3}))

	files, ssaPkg = loadSample(t, "package bad\n\n//deflat:selfcheck loops=1\nfunc f() {}\n")
	_, err = Find(files, ssaPkg)
	qt.Assert(t, qt.ErrorMatches(err, `f: unknown parameter "loops"`))
}

func TestLift(t *testing.T) {
	files, ssaPkg := loadSample(t, sample)
	marked, err := Find(files, ssaPkg)
	qt.Assert(t, qt.IsNil(err))

	fn, err := Lift(marked[0].Func)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(fn.Name, "abs"))
	qt.Assert(t, qt.HasLen(fn.Blocks, len(marked[0].Func.Blocks)))

	entry := fn.Blocks[0]
	qt.Assert(t, qt.HasLen(entry.Succs, 2))
	br := entry.Last()
	qt.Assert(t, qt.Equals(br.Opcode, ir.CBRANCH))
	cond := br.Input(1).Def
	qt.Assert(t, qt.Equals(cond.Opcode, ir.INT_SLESS))
	qt.Assert(t, qt.Equals(cond.Input(0).Space, ir.Register))
	qt.Assert(t, qt.IsTrue(cond.Input(1).IsConst()))

	var negated bool
	for _, b := range fn.Blocks {
		for _, op := range b.Ops {
			if op.Opcode == ir.INT_2COMP {
				negated = true
				qt.Assert(t, qt.Equals(op.Input(0), cond.Input(0)))
			}
		}
	}
	qt.Assert(t, qt.IsTrue(negated))

	// Phis become merges aligned with their predecessors.
	fn, err = Lift(marked[1].Func)
	qt.Assert(t, qt.IsNil(err))
	var merges int
	for _, b := range fn.Blocks {
		for _, op := range b.Ops {
			if op.Opcode == ir.MULTIEQUAL {
				merges++
				qt.Assert(t, qt.HasLen(op.Inputs, len(b.Preds)))
			}
		}
	}
	qt.Assert(t, qt.IsTrue(merges > 0))
}

func TestSplitting(t *testing.T) {
	fn := ir.NewFunc("f", 0)
	a, b := fn.NewBlock(""), fn.NewBlock("")
	for i := range 4 {
		a.Append(ir.CALLOTHER, 0, fn.NewValue(ir.Unique, uint64(i)*0x10, 4))
	}
	jumpTo(fn, a)
	b.Append(ir.RETURN, 0, nil)
	ir.AddEdge(a, b)

	rnd := mathrand.New(mathrand.NewSource(1))
	qt.Assert(t, qt.IsTrue(applySplitting(fn, rnd)))
	qt.Assert(t, qt.HasLen(fn.Blocks, 3))
	split := fn.Blocks[2]
	qt.Assert(t, qt.Equals(a.Last().Opcode, ir.BRANCH))
	qt.Assert(t, qt.Equals(split.Last().Opcode, ir.BRANCH))
	qt.Assert(t, qt.Equals(len(a.Ops)-1+len(split.Ops), 5))
	qt.Assert(t, qt.HasLen(a.Succs, 1))
	qt.Assert(t, qt.Equals(a.Succs[0], split))
	qt.Assert(t, qt.HasLen(b.Preds, 1))
	qt.Assert(t, qt.Equals(b.Preds[0], split))
	for _, op := range split.Ops {
		qt.Assert(t, qt.Equals(op.Block, split))
	}

	tiny := ir.NewFunc("g", 0)
	ret := tiny.NewBlock("")
	ret.Append(ir.RETURN, 0, nil)
	qt.Assert(t, qt.IsFalse(applySplitting(tiny, rnd)))
}

func TestGenerateKeys(t *testing.T) {
	keys := generateKeys(500, mathrand.New(mathrand.NewSource(7)))
	qt.Assert(t, qt.HasLen(keys, 500))
	seen := make(map[uint32]bool)
	for _, k := range keys {
		qt.Assert(t, qt.Not(qt.Equals(k, 0)))
		qt.Assert(t, qt.IsFalse(seen[k]))
		seen[k] = true
	}
}

// flattenSample obfuscates and lays out every marked function of sample.
func flattenSample(t *testing.T, seed int64) ([]*Flattened, *image.Image) {
	t.Helper()
	files, ssaPkg := loadSample(t, sample)
	marked, err := Find(files, ssaPkg)
	qt.Assert(t, qt.IsNil(err))

	rnd := mathrand.New(mathrand.NewSource(seed))
	var flat []*Flattened
	for _, m := range marked {
		fn, err := Lift(m.Func)
		qt.Assert(t, qt.IsNil(err))
		f, err := Obfuscate(fn, m.Params, rnd)
		qt.Assert(t, qt.IsNil(err))
		flat = append(flat, f)
	}
	img, err := Layout(flat)
	qt.Assert(t, qt.IsNil(err))
	return flat, img
}

func TestLayout(t *testing.T) {
	flat, img := flattenSample(t, 1)

	text := img.Segments()[0]
	qt.Assert(t, qt.Equals(text.Name, ".text"))
	insts, err := x86.DecodeAll(text.Data, text.Addr)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(len(insts) > 0))

	for _, f := range flat {
		fn := f.Func
		qt.Assert(t, qt.Equals(fn.Entry%funcAlign, 0))
		sym, ok := img.LookupSymbol(fn.Name)
		qt.Assert(t, qt.IsTrue(ok))
		qt.Assert(t, qt.Equals(sym.Addr, fn.Entry))

		got, err := img.Decompile(f.Init.Addr)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(got, fn))

		init, err := img.DisassembleAt(f.Init.Addr)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(init.Mnemonic, "mov"))
		key := binary.LittleEndian.Uint32(init.Bytes[3:])
		qt.Assert(t, qt.Equals(uint64(key), f.Init.Input(0).Offset))

		for _, b := range fn.Blocks {
			qt.Assert(t, qt.IsTrue(b.Start <= b.Stop), qt.Commentf("%s", b.Name()))
			last, err := img.DisassembleAt(b.Stop)
			qt.Assert(t, qt.IsNil(err))
			switch f.kinds[b] {
			case cmovArm:
				qt.Assert(t, qt.Equals(last.Kind, host.CondMove))
			case guardBlock, prologueBlock, jumpSite, cmovJoin:
				qt.Assert(t, qt.Equals(last.Kind, host.Jump))
			case dispatchBlock, chainBlock:
				qt.Assert(t, qt.Equals(last.Kind, host.CondJump))
				qt.Assert(t, qt.Equals(jumpTarget(t, last), b.TrueOut().Start))
			case plainBlock, exitBlock, trapBlock:
				qt.Assert(t, qt.Equals(last.Kind, host.Return))
			}
		}
	}
}

func jumpTarget(t *testing.T, inst host.Instruction) uint64 {
	t.Helper()
	b := inst.Bytes
	switch {
	case b[0] == 0xeb || b[0]&0xf0 == 0x70:
		return inst.Next() + uint64(int64(int8(b[1])))
	case b[0] == 0xe9:
		return inst.Next() + uint64(int64(int32(binary.LittleEndian.Uint32(b[1:]))))
	case b[0] == 0x0f && b[1]&0xf0 == 0x80:
		return inst.Next() + uint64(int64(int32(binary.LittleEndian.Uint32(b[2:]))))
	}
	t.Fatalf("not a direct jump: %s", inst)
	return 0
}

func TestRoundTrip(t *testing.T) {
	for _, seed := range []int64{1, 2, 3, 42} {
		flat, img := flattenSample(t, seed)
		arch, err := patch.Lookup(img.Arch())
		qt.Assert(t, qt.IsNil(err))
		p := patch.New(img, arch)

		for _, f := range flat {
			res, err := deflat.Analyze(img, f.Target())
			qt.Assert(t, qt.IsNil(err), qt.Commentf("seed %d: %s", seed, f.Func.Name))
			qt.Assert(t, qt.DeepEquals(Keys(res.Edges), Keys(f.Edges)))

			entries, errs := p.PatchEdges(res.Edges)
			qt.Assert(t, qt.HasLen(errs, 0))
			qt.Assert(t, qt.HasLen(entries, len(res.Edges)))

			for _, e := range res.Edges {
				inst, err := img.DisassembleAt(e.From.Stop)
				qt.Assert(t, qt.IsNil(err))
				if !e.Conditional() {
					qt.Assert(t, qt.Equals(inst.Kind, host.Jump))
					qt.Assert(t, qt.Equals(jumpTarget(t, inst), e.True.Start))
					continue
				}
				qt.Assert(t, qt.Equals(inst.Kind, host.CondJump))
				qt.Assert(t, qt.Equals(inst.Mnemonic, "jne"))
				qt.Assert(t, qt.Equals(jumpTarget(t, inst), e.True.Start))
				next, err := img.DisassembleAt(inst.Next())
				qt.Assert(t, qt.IsNil(err))
				qt.Assert(t, qt.Equals(next.Kind, host.Jump))
				qt.Assert(t, qt.Equals(jumpTarget(t, next), e.False.Start))
			}

			folded, _ := opaque.Fold(f.Func, opaque.Discover(img), img, p)
			qt.Assert(t, qt.HasLen(folded, f.Guards()))
			for _, fd := range folded {
				qt.Assert(t, qt.IsTrue(fd.Taken))
				inst, err := img.DisassembleAt(fd.Addr)
				qt.Assert(t, qt.IsNil(err))
				qt.Assert(t, qt.Equals(inst.Kind, host.Jump))
			}
		}
		qt.Assert(t, qt.Equals(flat[1].Guards(), 3))
	}
}

func TestDumpRoundTrip(t *testing.T) {
	flat, img := flattenSample(t, 5)
	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil(img.Save(&buf)))
	loaded, err := image.Load(&buf)
	qt.Assert(t, qt.IsNil(err))

	for _, f := range flat {
		res, err := deflat.Analyze(loaded, f.Target())
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.DeepEquals(Keys(res.Edges), Keys(f.Edges)))
	}
	set := opaque.Discover(loaded)
	qt.Assert(t, qt.Equals(set.Len(), flat[1].Guards()+flat[2].Guards()))
}
