// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

// Package ctrlflow produces flattened functions to check deflat against. It
// lifts Go functions to IR through SSA, flattens them around a dispatcher
// loop as an obfuscator would, and lays the result out as x86 machine code.
package ctrlflow

import (
	"fmt"
	"go/ast"
	"go/importer"
	"go/token"
	"go/types"
	"log"
	"math"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ast/astutil"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

const (
	directiveName = "//deflat:selfcheck"

	defaultBlockSplits      = 0
	defaultJunkJumps        = 0
	defaultOpaquePredicates = 0

	maxBlockSplits      = math.MaxInt32
	maxJunkJumps        = 256
	maxOpaquePredicates = 64
)

type directiveParamMap map[string]string

func (m directiveParamMap) GetInt(name string, def, max int) (int, error) {
	rawVal, ok := m[name]
	if !ok {
		return def, nil
	}

	if rawVal == "max" {
		return max, nil
	}

	val, err := strconv.Atoi(rawVal)
	if err != nil {
		return 0, fmt.Errorf("invalid flag %q format: %v", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("negative flag %q value: %d", name, val)
	}
	if val > max {
		return 0, fmt.Errorf("too big flag %q value: %d (max: %d)", name, val, max)
	}
	return val, nil
}

// parseDirective parses a directive string and returns a map of directive parameters.
// Each parameter should be in the form "key=value" or "key"
func parseDirective(directive string) (directiveParamMap, bool) {
	fieldsStr, ok := strings.CutPrefix(directive, directiveName)
	if !ok {
		return nil, false
	}
	if fieldsStr != "" && fieldsStr[0] != ' ' && fieldsStr[0] != '\t' {
		return nil, false // a longer directive name
	}

	fields := strings.Fields(fieldsStr)
	if len(fields) == 0 {
		return nil, true
	}
	m := make(map[string]string)
	for _, v := range fields {
		key, value, ok := strings.Cut(v, "=")
		if ok {
			m[key] = value
		} else {
			m[key] = ""
		}
	}
	return m, true
}

// Params select the transforms applied to a function:
//
//	//deflat:selfcheck block_splits=1 junk_jumps=2 opaque_predicates=1
//	func someFunc() {}
//
// block_splits - how many times the largest block is split in two.
// junk_jumps - how many jump-only blocks are inserted on random edges.
// opaque_predicates - how many blocks are guarded by an always-true
// comparison against a read-only global.
type Params struct {
	BlockSplits      int
	JunkJumps        int
	OpaquePredicates int
}

func (p Params) String() string {
	return fmt.Sprintf("block_splits=%d junk_jumps=%d opaque_predicates=%d",
		p.BlockSplits, p.JunkJumps, p.OpaquePredicates)
}

func paramsFrom(m directiveParamMap) (Params, error) {
	for key := range m {
		switch key {
		case "block_splits", "junk_jumps", "opaque_predicates":
		default:
			return Params{}, fmt.Errorf("unknown parameter %q", key)
		}
	}
	var p Params
	var err error
	if p.BlockSplits, err = m.GetInt("block_splits", defaultBlockSplits, maxBlockSplits); err != nil {
		return Params{}, err
	}
	if p.JunkJumps, err = m.GetInt("junk_jumps", defaultJunkJumps, maxJunkJumps); err != nil {
		return Params{}, err
	}
	if p.OpaquePredicates, err = m.GetInt("opaque_predicates", defaultOpaquePredicates, maxOpaquePredicates); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Load type-checks files as a single package and builds its SSA form.
func Load(fset *token.FileSet, files []*ast.File) (*ssa.Package, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no Go files")
	}
	pkg := types.NewPackage("selfcheck/"+files[0].Name.Name, files[0].Name.Name)
	conf := &types.Config{Importer: importer.ForCompiler(fset, "source", nil)}
	ssaPkg, _, err := ssautil.BuildPackage(conf, fset, pkg, files, ssa.SanityCheckFunctions)
	if err != nil {
		return nil, err
	}
	return ssaPkg, nil
}

// Marked is a function carrying the selfcheck directive.
type Marked struct {
	Func   *ssa.Function
	Params Params
}

// Find returns the functions of files marked with the directive, in source
// order.
func Find(files []*ast.File, ssaPkg *ssa.Package) ([]Marked, error) {
	var marked []Marked
	for _, file := range files {
		for _, decl := range file.Decls {
			funcDecl, ok := decl.(*ast.FuncDecl)
			if !ok || funcDecl.Doc == nil || funcDecl.Body == nil {
				continue
			}

			for _, comment := range funcDecl.Doc.List {
				m, hasDirective := parseDirective(comment.Text)
				if !hasDirective {
					continue
				}
				params, err := paramsFrom(m)
				if err != nil {
					return nil, fmt.Errorf("%s: %v", funcDecl.Name.Name, err)
				}

				path, _ := astutil.PathEnclosingInterval(file, funcDecl.Pos(), funcDecl.Pos())
				ssaFunc := ssa.EnclosingFunction(ssaPkg, path)
				if ssaFunc == nil {
					return nil, fmt.Errorf("%s: function exists in ast but not found in ssa", funcDecl.Name.Name)
				}

				log.Printf("detected function for selfcheck %s (params: %v)", funcDecl.Name.Name, params)
				marked = append(marked, Marked{Func: ssaFunc, Params: params})
				break
			}
		}
	}
	return marked, nil
}
