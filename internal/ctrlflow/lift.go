// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package ctrlflow

import (
	"fmt"
	"go/constant"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"

	"mvdan.cc/deflat/internal/ir"
)

var sizes = types.SizesFor("gc", "amd64")

type lifter struct {
	fn     *ir.Func
	values map[ssa.Value]*ir.Value
	next   uint64 // next free offset in the unique space
}

// Lift lowers a Go SSA function to IR. Blocks and edges are kept as they
// are; integer arithmetic, comparisons and conversions become the
// equivalent ops and everything else becomes CALLOTHER. No addresses are
// assigned.
func Lift(fn *ssa.Function) (*ir.Func, error) {
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("%s has no body", fn)
	}
	name := fn.Name()
	if fn.Pkg != nil {
		name = fn.RelString(fn.Pkg.Pkg) // "(*T).M" for methods
	}
	l := &lifter{fn: ir.NewFunc(name, 0), values: make(map[ssa.Value]*ir.Value)}
	blocks := make([]*ir.Block, len(fn.Blocks))
	for i, b := range fn.Blocks {
		blocks[i] = l.fn.NewBlock(b.Comment)
	}
	// Set the edges from the SSA lists so that phi edges stay aligned.
	for i, b := range fn.Blocks {
		for _, s := range b.Succs {
			blocks[i].Succs = append(blocks[i].Succs, blocks[s.Index])
		}
		for _, p := range b.Preds {
			blocks[i].Preds = append(blocks[i].Preds, blocks[p.Index])
		}
	}
	for i, b := range fn.Blocks {
		for _, instr := range b.Instrs {
			if err := l.instr(blocks[i], instr); err != nil {
				return nil, fmt.Errorf("%s: %v", fn, err)
			}
		}
	}
	return l.fn, nil
}

func size(t types.Type) int {
	if _, ok := t.(*types.Tuple); ok {
		return 8
	}
	switch n := sizes.Sizeof(t); {
	case n <= 0:
		return 1
	case n > 8:
		return 8
	default:
		return int(n)
	}
}

func isInteger(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&(types.IsInteger|types.IsBoolean) != 0
}

func isUnsigned(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsUnsigned != 0
}

func (l *lifter) temp(size int) *ir.Value {
	v := l.fn.NewValue(ir.Unique, l.next, size)
	l.next += 0x10
	return v
}

// result returns the value an SSA instruction defines.
func (l *lifter) result(v ssa.Value) *ir.Value {
	if irv, ok := l.values[v]; ok {
		return irv
	}
	irv := l.temp(size(v.Type()))
	l.values[v] = irv
	return irv
}

// operand returns the value an SSA operand is read from. Constants are not
// shared: every use gets its own, as in p-code.
func (l *lifter) operand(v ssa.Value) *ir.Value {
	switch v := v.(type) {
	case *ssa.Const:
		sz := size(v.Type())
		if v.Value == nil {
			return l.fn.ConstValue(0, sz)
		}
		switch v.Value.Kind() {
		case constant.Bool:
			if constant.BoolVal(v.Value) {
				return l.fn.ConstValue(1, sz)
			}
			return l.fn.ConstValue(0, sz)
		case constant.Int:
			if u, ok := constant.Uint64Val(v.Value); ok {
				return l.fn.ConstValue(u, sz)
			}
			if i, ok := constant.Int64Val(v.Value); ok {
				return l.fn.ConstValue(uint64(i), sz)
			}
		}
		return l.fn.NewValue(ir.RAM, 0, sz)
	case *ssa.Parameter, *ssa.FreeVar:
		if irv, ok := l.values[v]; ok {
			return irv
		}
		irv := l.fn.NewValue(ir.Register, uint64(len(l.values))*8, size(v.Type()))
		l.values[v] = irv
		return irv
	case *ssa.Global, *ssa.Function:
		return l.fn.NewValue(ir.RAM, 0, 8)
	}
	return l.result(v)
}

var binOps = map[token.Token][2]ir.Opcode{
	// signed, unsigned
	token.ADD: {ir.INT_ADD, ir.INT_ADD},
	token.SUB: {ir.INT_SUB, ir.INT_SUB},
	token.MUL: {ir.INT_MULT, ir.INT_MULT},
	token.QUO: {ir.INT_SDIV, ir.INT_DIV},
	token.REM: {ir.INT_SREM, ir.INT_REM},
	token.AND: {ir.INT_AND, ir.INT_AND},
	token.OR:  {ir.INT_OR, ir.INT_OR},
	token.XOR: {ir.INT_XOR, ir.INT_XOR},
	token.SHL: {ir.INT_LEFT, ir.INT_LEFT},
	token.SHR: {ir.INT_SRIGHT, ir.INT_RIGHT},
	token.EQL: {ir.INT_EQUAL, ir.INT_EQUAL},
	token.NEQ: {ir.INT_NOTEQUAL, ir.INT_NOTEQUAL},
	token.LSS: {ir.INT_SLESS, ir.INT_LESS},
	token.LEQ: {ir.INT_SLESSEQUAL, ir.INT_LESSEQUAL},
	token.GTR: {ir.INT_SLESS, ir.INT_LESS},
	token.GEQ: {ir.INT_SLESSEQUAL, ir.INT_LESSEQUAL},
}

func (l *lifter) instr(b *ir.Block, instr ssa.Instruction) error {
	switch instr := instr.(type) {
	case *ssa.DebugRef:
		return nil
	case *ssa.Jump:
		b.Append(ir.BRANCH, 0, nil, l.fn.NewValue(ir.RAM, 0, 8))
		return nil
	case *ssa.If:
		b.Append(ir.CBRANCH, 0, nil, l.fn.NewValue(ir.RAM, 0, 8), l.operand(instr.Cond))
		return nil
	case *ssa.Return:
		var ins []*ir.Value
		for _, r := range instr.Results {
			ins = append(ins, l.operand(r))
		}
		b.Append(ir.RETURN, 0, nil, ins...)
		return nil
	case *ssa.Panic:
		b.Append(ir.RETURN, 0, nil, l.operand(instr.X))
		return nil
	case *ssa.Phi:
		if len(instr.Edges) != len(b.Preds) {
			return fmt.Errorf("phi %s has %d edges for %d predecessors", instr.Name(), len(instr.Edges), len(b.Preds))
		}
		var ins []*ir.Value
		for _, e := range instr.Edges {
			ins = append(ins, l.operand(e))
		}
		b.Append(ir.MULTIEQUAL, 0, l.result(instr), ins...)
		return nil
	case *ssa.BinOp:
		ops, ok := binOps[instr.Op]
		if ok && isInteger(instr.X.Type()) {
			op := ops[0]
			if isUnsigned(instr.X.Type()) {
				op = ops[1]
			}
			x, y := l.operand(instr.X), l.operand(instr.Y)
			if instr.Op == token.GTR || instr.Op == token.GEQ {
				x, y = y, x
			}
			b.Append(op, 0, l.result(instr), x, y)
			return nil
		}
	case *ssa.UnOp:
		if isInteger(instr.X.Type()) {
			switch instr.Op {
			case token.NOT:
				b.Append(ir.BOOL_NEGATE, 0, l.result(instr), l.operand(instr.X))
				return nil
			case token.SUB:
				b.Append(ir.INT_2COMP, 0, l.result(instr), l.operand(instr.X))
				return nil
			case token.XOR:
				b.Append(ir.INT_NEGATE, 0, l.result(instr), l.operand(instr.X))
				return nil
			}
		}
	case *ssa.Convert:
		from, to := instr.X.Type(), instr.Type()
		if isInteger(from) && isInteger(to) {
			fs, ts := size(from), size(to)
			switch {
			case fs == ts:
				b.Append(ir.CAST, 0, l.result(instr), l.operand(instr.X))
				return nil
			case fs < ts && isUnsigned(from):
				b.Append(ir.INT_ZEXT, 0, l.result(instr), l.operand(instr.X))
				return nil
			case fs < ts:
				b.Append(ir.INT_SEXT, 0, l.result(instr), l.operand(instr.X))
				return nil
			}
		}
	}
	var out *ir.Value
	if v, ok := instr.(ssa.Value); ok {
		out = l.result(v)
	}
	var ins []*ir.Value
	for _, p := range instr.Operands(nil) {
		if p != nil && *p != nil {
			ins = append(ins, l.operand(*p))
		}
	}
	b.Append(ir.CALLOTHER, 0, out, ins...)
	return nil
}
