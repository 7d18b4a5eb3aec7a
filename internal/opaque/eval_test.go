// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package opaque

import (
	"errors"
	"testing"

	"github.com/go-quicktest/qt"

	"mvdan.cc/deflat/internal/ir"
)

func konst(v uint64, size int) *Node {
	return &Node{Kind: Constant, Size: size, Value: v}
}

func expr(op ir.Opcode, size int, x, y *Node) *Node {
	return &Node{Kind: Intermediate, Opcode: op, Size: size, X: x, Y: y}
}

func TestEval(t *testing.T) {
	tests := []struct {
		name string
		n    *Node
		want uint64
	}{
		{"AddWraps", expr(ir.INT_ADD, 1, konst(0xff, 1), konst(2, 1)), 1},
		{"SubWraps", expr(ir.INT_SUB, 4, konst(0, 4), konst(1, 4)), 0xffffffff},
		{"MultWraps", expr(ir.INT_MULT, 2, konst(0x100, 2), konst(0x100, 2)), 0},
		{"Div", expr(ir.INT_DIV, 4, konst(0xfffffff6, 4), konst(3, 4)), 0x55555552},
		{"SDiv", expr(ir.INT_SDIV, 4, konst(0xfffffff6, 4), konst(3, 4)), 0xfffffffd},
		{"SDivOverflow", expr(ir.INT_SDIV, 1, konst(0x80, 1), konst(0xff, 1)), 0x80},
		{"SRem", expr(ir.INT_SREM, 4, konst(0xfffffff6, 4), konst(3, 4)), 0xffffffff},
		{"Rem", expr(ir.INT_REM, 8, konst(10, 8), konst(3, 8)), 1},
		{"Negate", expr(ir.INT_NEGATE, 2, konst(0x00ff, 2), nil), 0xff00},
		{"TwosComp", expr(ir.INT_2COMP, 4, konst(1, 4), nil), 0xffffffff},
		{"Less", expr(ir.INT_LESS, 1, konst(1, 4), konst(0xffffffff, 4)), 1},
		{"SLess", expr(ir.INT_SLESS, 1, konst(1, 4), konst(0xffffffff, 4)), 0},
		{"SLessEqual", expr(ir.INT_SLESSEQUAL, 1, konst(0xffffffff, 4), konst(0xffffffff, 4)), 1},
		{"LeftPastWidth", expr(ir.INT_LEFT, 4, konst(1, 4), konst(32, 1)), 0},
		{"Right", expr(ir.INT_RIGHT, 4, konst(0x80000000, 4), konst(31, 1)), 1},
		{"SRight", expr(ir.INT_SRIGHT, 4, konst(0x80000000, 4), konst(31, 1)), 0xffffffff},
		{"SRightPastWidth", expr(ir.INT_SRIGHT, 1, konst(0x80, 1), konst(200, 1)), 0xff},
		{"ZExt", expr(ir.INT_ZEXT, 8, konst(0x80, 1), nil), 0x80},
		{"SExt", expr(ir.INT_SEXT, 8, konst(0x80, 1), nil), 0xffffffffffffff80},
		{"BoolAnd", expr(ir.BOOL_AND, 1, konst(1, 1), konst(0, 1)), 0},
		{"BoolOr", expr(ir.BOOL_OR, 1, konst(1, 1), konst(0, 1)), 1},
		{"BoolXor", expr(ir.BOOL_XOR, 1, konst(1, 1), konst(1, 1)), 0},
		{"BoolNegate", expr(ir.BOOL_NEGATE, 1, konst(0, 1), nil), 1},
		{"Opaque", &Node{Kind: Opaque, Size: 2, Addr: 0x3000, Value: 0x12345}, 0x2345},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := test.n.Eval()
			qt.Assert(t, qt.IsNil(err))
			qt.Assert(t, qt.Equals(got, test.want))
		})
	}
}

func TestEvalErrors(t *testing.T) {
	_, err := expr(ir.INT_REM, 4, konst(1, 4), konst(0, 4)).Eval()
	qt.Assert(t, qt.ErrorIs(err, ErrNotFoldable))

	_, err = expr(ir.INT_ADD, 3, konst(1, 3), konst(1, 3)).Eval()
	qt.Assert(t, qt.ErrorIs(err, ErrUnsupportedExpression))

	_, err = expr(ir.CALLOTHER, 4, konst(1, 4), nil).Eval()
	qt.Assert(t, qt.ErrorIs(err, ErrUnsupportedExpression))
}

var fuzzOps = []ir.Opcode{
	ir.INT_ADD, ir.INT_SUB, ir.INT_MULT, ir.INT_DIV, ir.INT_SDIV, ir.INT_REM, ir.INT_SREM,
	ir.INT_AND, ir.INT_OR, ir.INT_XOR, ir.INT_EQUAL, ir.INT_NOTEQUAL,
	ir.INT_LESS, ir.INT_LESSEQUAL, ir.INT_SLESS, ir.INT_SLESSEQUAL,
	ir.INT_LEFT, ir.INT_RIGHT, ir.INT_SRIGHT,
}

// want computes op the way Go does on 32-bit integers.
func want(op ir.Opcode, x, y int32) uint32 {
	ux, uy := uint32(x), uint32(y)
	b := func(v bool) uint32 {
		if v {
			return 1
		}
		return 0
	}
	switch op {
	case ir.INT_ADD:
		return uint32(x + y)
	case ir.INT_SUB:
		return uint32(x - y)
	case ir.INT_MULT:
		return uint32(x * y)
	case ir.INT_DIV:
		return ux / uy
	case ir.INT_SDIV:
		return uint32(x / y)
	case ir.INT_REM:
		return ux % uy
	case ir.INT_SREM:
		return uint32(x % y)
	case ir.INT_AND:
		return ux & uy
	case ir.INT_OR:
		return ux | uy
	case ir.INT_XOR:
		return ux ^ uy
	case ir.INT_EQUAL:
		return b(x == y)
	case ir.INT_NOTEQUAL:
		return b(x != y)
	case ir.INT_LESS:
		return b(ux < uy)
	case ir.INT_LESSEQUAL:
		return b(ux <= uy)
	case ir.INT_SLESS:
		return b(x < y)
	case ir.INT_SLESSEQUAL:
		return b(x <= y)
	case ir.INT_LEFT:
		return ux << uy
	case ir.INT_RIGHT:
		return ux >> uy
	case ir.INT_SRIGHT:
		return uint32(x >> uy)
	}
	panic("unreachable")
}

func FuzzEval(f *testing.F) {
	f.Add(uint8(0), int32(5), int32(3))
	f.Add(uint8(4), int32(-2147483648), int32(-1))
	f.Add(uint8(18), int32(-8), int32(40))
	f.Fuzz(func(t *testing.T, opIdx uint8, x, y int32) {
		op := fuzzOps[int(opIdx)%len(fuzzOps)]
		size := 4
		switch op {
		case ir.INT_EQUAL, ir.INT_NOTEQUAL, ir.INT_LESS, ir.INT_LESSEQUAL, ir.INT_SLESS, ir.INT_SLESSEQUAL:
			size = 1
		}
		// Sign-extended operands must not leak into the result.
		n := expr(op, size,
			konst(uint64(int64(x)), 4),
			konst(uint64(int64(y)), 4))
		got, err := n.Eval()
		switch op {
		case ir.INT_DIV, ir.INT_SDIV, ir.INT_REM, ir.INT_SREM:
			if y == 0 {
				if !errors.Is(err, ErrNotFoldable) {
					t.Fatalf("%s by zero: got %v", op, err)
				}
				return
			}
		}
		if err != nil {
			t.Fatal(err)
		}
		if w := uint64(want(op, x, y)); got != w {
			t.Fatalf("%s(%#x, %#x) = %#x, want %#x", op, uint32(x), uint32(y), got, w)
		}
	})
}
