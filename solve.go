// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"mvdan.cc/deflat/internal/config"
	"mvdan.cc/deflat/internal/deflat"
	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/image"
	"mvdan.cc/deflat/internal/opaque"
	"mvdan.cc/deflat/internal/patch"
)

// commandSolve implements "deflat solve".
func commandSolve(args []string) error {
	fs := newFlagSet("solve", `
usage: deflat solve -config FILE [-o OUT] [-elf BIN] IMAGE

Solve recovers the control flow around every state variable listed in the
config file, patches it into the image, and then folds the opaque
predicates of the listed functions.

`[1:])
	configPath := fs.String("config", "", "JSON config listing the targets")
	outPath := fs.String("o", "", "write the patched image to this path")
	elfPath := fs.String("elf", "", "ELF binary backing the image; -o then writes a patched copy of it")
	if err := fs.Parse(args); err != nil {
		return errJustExit(2)
	}
	if fs.NArg() != 1 || *configPath == "" {
		fs.Usage()
		return errJustExit(2)
	}

	// Anything going wrong before the analysis starts is fatal.
	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		return err
	}
	img, err := image.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if *elfPath != "" {
		if err := img.AttachELF(*elfPath); err != nil {
			return err
		}
	}
	resolved, err := cfg.Resolve(img)
	if err != nil {
		return err
	}
	arch, err := patch.Lookup(img.Arch())
	if err != nil {
		return err
	}

	s := &solver{
		out:     os.Stdout,
		img:     img,
		patcher: patch.New(img, arch),
	}
	targets := cfg.Targets()
	var failed int
	for _, target := range targets {
		// A failing target is reported, and the others still run.
		if err := s.deflatten(target); err != nil {
			fmt.Fprintf(s.out, "%s: %v\n", target, err)
			failed++
		}
	}

	var set *opaque.ReadOnlySet
	switch cfg.Mode {
	case config.Auto:
		set = opaque.Discover(img)
	case config.Manual:
		set = opaque.Manual(resolved.ReadOnly)
	}
	if set != nil {
		printGlobals(s.out, set)
		for _, sym := range resolved.Functions {
			if err := s.fold(sym, set); err != nil {
				fmt.Fprintf(s.out, "%s: %v\n", sym.Name, err)
				failed++
			}
		}
	}

	if *outPath != "" {
		if *elfPath != "" {
			err = img.WriteELF(*elfPath, *outPath)
		} else {
			err = img.SaveFile(*outPath)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "wrote %s\n", *outPath)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets and functions failed", failed, len(targets)+len(resolved.Functions))
	}
	return nil
}

type solver struct {
	out     io.Writer
	img     *image.Image
	patcher *patch.Patcher
}

func (s *solver) deflatten(target deflat.Target) error {
	start := time.Now()
	res, err := deflat.Analyze(s.img, target)
	if res != nil && res.Dispatcher != nil {
		fmt.Fprintf(s.out, "%s in %s: dispatcher %s in %s\n",
			target, res.Func.Name, res.Dispatcher, res.Dispatcher.Def.Block.Name())
		printConditions(s.out, res.Conditions)
	}
	if err != nil {
		return err
	}
	log.Printf("definition tree of %s:", target)
	for i := range res.Tree.Nodes {
		log.Printf("  %s", nodeString(res.Tree, i))
	}

	fmt.Fprintf(s.out, "recovered %d edges:\n", len(res.Edges))
	for _, e := range res.Edges {
		fmt.Fprintf(s.out, "  %s\n", e)
	}
	entries, errs := s.patcher.PatchEdges(res.Edges)
	for _, entry := range entries {
		fmt.Fprintf(s.out, "patched %s\n", entry)
	}
	log.Printf("deflattened %s in %s", target, debugSince(start))
	return errors.Join(errs...)
}

func nodeString(t *deflat.Tree, i int) string {
	n := &t.Nodes[i]
	depth := len(t.Ancestors(i))
	if i > 0 {
		depth++
	}
	pad := fmt.Sprintf("%*s", depth*2, "")
	switch {
	case i == 0:
		return fmt.Sprintf("%sroot %s", pad, n.Block.Name())
	case n.Resolved:
		return fmt.Sprintf("%s%#x %s [%s]", pad, n.Const, n.Block.Name(), n.Block)
	}
	return fmt.Sprintf("%s? %s [%s]", pad, n.Block.Name(), n.Block)
}

// fold folds the opaque predicates of a function. Branches which cannot be
// folded or rewritten are expected, so they are only logged.
func (s *solver) fold(sym host.Symbol, set *opaque.ReadOnlySet) error {
	fn, err := s.img.Decompile(sym.Addr)
	if err != nil {
		return err
	}
	folded, errs := opaque.Fold(fn, set, s.img, s.patcher)
	var fatal []error
	for _, err := range errs {
		if skipBranch(err) {
			continue // already logged by Fold
		}
		fatal = append(fatal, err)
	}
	fmt.Fprintf(s.out, "folded %d opaque predicates in %s\n", len(folded), fn.Name)
	for _, f := range folded {
		fmt.Fprintf(s.out, "  %s\n  patched %s\n", f, f.Patch)
	}
	return errors.Join(fatal...)
}

// skipBranch reports whether a per-branch folding error only skips that
// branch.
func skipBranch(err error) bool {
	switch {
	case errors.Is(err, opaque.ErrNotFoldable),
		errors.Is(err, opaque.ErrUnsupportedExpression),
		errors.Is(err, patch.ErrUnsupportedPatchShape),
		errors.Is(err, patch.ErrInsufficientPatchSpace):
		return true
	}
	return false
}

func printConditions(w io.Writer, conds deflat.Conditions) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Block", "Relation", "Constant", "Target"})
	for _, c := range conds {
		table.Append([]string{
			c.Block.Name(),
			c.Kind.String(),
			fmt.Sprintf("%#x", c.Const),
			fmt.Sprintf("%s [%s]", c.Target.Name(), c.Target),
		})
	}
	table.Render()
}

func printGlobals(w io.Writer, set *opaque.ReadOnlySet) {
	fmt.Fprintf(w, "%d read-only globals\n", set.Len())
	if set.Len() == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Address", "Size", "Data", "References"})
	for _, sym := range set.Symbols() {
		table.Append([]string{
			sym.Name,
			fmt.Sprintf("%#x", sym.Addr),
			fmt.Sprint(sym.Size),
			sym.Data.String(),
			fmt.Sprint(len(sym.Refs)),
		})
	}
	table.Render()
}

// commandGlobals implements "deflat globals".
func commandGlobals(args []string) error {
	fs := newFlagSet("globals", `
usage: deflat globals IMAGE

Globals lists the labels of an image which are only ever read, and so can
be folded into opaque predicates.

`[1:])
	if err := fs.Parse(args); err != nil {
		return errJustExit(2)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errJustExit(2)
	}
	img, err := image.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	printGlobals(os.Stdout, opaque.Discover(img))
	return nil
}
