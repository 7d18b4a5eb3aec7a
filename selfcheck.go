// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"

	"github.com/google/go-cmp/cmp"

	"mvdan.cc/deflat/internal/config"
	"mvdan.cc/deflat/internal/ctrlflow"
	"mvdan.cc/deflat/internal/deflat"
	"mvdan.cc/deflat/internal/image"
	"mvdan.cc/deflat/internal/opaque"
	"mvdan.cc/deflat/internal/patch"
)

// commandSelfcheck implements "deflat selfcheck".
func commandSelfcheck(args []string) error {
	fs := newFlagSet("selfcheck", `
usage: deflat [-seed=...] selfcheck [-emit IMAGE -emit-config CONFIG] FILES...

Selfcheck flattens the functions of a Go package marked with a directive,

	//deflat:selfcheck block_splits=N junk_jumps=N opaque_predicates=N

lays them out as x86-64 code, and checks that solving recovers the edges
they had before flattening. The flattened image and a config to solve it
can be written out with -emit and -emit-config.

`[1:])
	emitPath := fs.String("emit", "", "write the flattened image to this path")
	emitConfig := fs.String("emit-config", "", "write a config solving the flattened image to this path")
	if err := fs.Parse(args); err != nil {
		return errJustExit(2)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errJustExit(2)
	}

	fset := token.NewFileSet()
	var files []*ast.File
	for _, path := range fs.Args() {
		file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			return err
		}
		files = append(files, file)
	}
	ssaPkg, err := ctrlflow.Load(fset, files)
	if err != nil {
		return err
	}
	marked, err := ctrlflow.Find(files, ssaPkg)
	if err != nil {
		return err
	}
	if len(marked) == 0 {
		return fmt.Errorf("no functions marked with //deflat:selfcheck")
	}

	rnd := newRand()
	var flat []*ctrlflow.Flattened
	for _, m := range marked {
		fn, err := ctrlflow.Lift(m.Func)
		if err != nil {
			return err
		}
		f, err := ctrlflow.Obfuscate(fn, m.Params, rnd)
		if err != nil {
			return err
		}
		flat = append(flat, f)
	}
	img, err := ctrlflow.Layout(flat)
	if err != nil {
		return err
	}
	if *emitPath != "" {
		if err := img.SaveFile(*emitPath); err != nil {
			return err
		}
	}
	if *emitConfig != "" {
		if err := writeConfig(*emitConfig, flat); err != nil {
			return err
		}
	}

	arch, err := patch.Lookup(img.Arch())
	if err != nil {
		return err
	}
	p := patch.New(img, arch)
	set := opaque.Discover(img)
	var errs []error
	for _, f := range flat {
		if err := check(img, p, set, f); err != nil {
			fmt.Printf("%s: FAIL: %v\n", f.Func.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", f.Func.Name, err))
			continue
		}
		fmt.Printf("%s: ok, %d edges, %d opaque predicates\n", f.Func.Name, len(f.Edges), f.Guards())
	}
	return errors.Join(errs...)
}

// check solves a flattened function and compares the result with the
// edges it had before flattening.
func check(img *image.Image, p *patch.Patcher, set *opaque.ReadOnlySet, f *ctrlflow.Flattened) error {
	res, err := deflat.Analyze(img, f.Target())
	if err != nil {
		return err
	}
	if diff := cmp.Diff(ctrlflow.Keys(f.Edges), ctrlflow.Keys(res.Edges)); diff != "" {
		return fmt.Errorf("recovered edges differ (-want +got):\n%s", diff)
	}
	if _, errs := p.PatchEdges(res.Edges); len(errs) > 0 {
		return errors.Join(errs...)
	}
	folded, _ := opaque.Fold(f.Func, set, img, p)
	if len(folded) != f.Guards() {
		return fmt.Errorf("folded %d opaque predicates, want %d", len(folded), f.Guards())
	}
	for _, fd := range folded {
		if !fd.Taken {
			return fmt.Errorf("opaque predicate at %#x is never taken", fd.Addr)
		}
	}
	return nil
}

func writeConfig(path string, flat []*ctrlflow.Flattened) error {
	cfg := config.Config{Mode: config.Auto}
	for _, f := range flat {
		t := f.Target()
		cfg.TargetLocalVars = append(cfg.TargetLocalVars, config.LocalVar{
			VarSize:  t.VarSize,
			InitAddr: config.Address(t.InitAddr),
		})
		cfg.Functions = append(cfg.Functions, config.SymbolRef{Name: f.Func.Name})
	}
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o666)
}
