// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package opaque

import (
	"fmt"

	"golang.org/x/exp/constraints"

	"mvdan.cc/deflat/internal/ir"
)

// Eval computes the value of n, truncated to n.Size bytes. Operations wrap
// around at the width of their operands, as the machine would.
func (n *Node) Eval() (uint64, error) {
	if n.Kind != Intermediate {
		return n.Value & ir.Mask(n.Size), nil
	}
	x, err := n.X.Eval()
	if err != nil {
		return 0, err
	}
	var y uint64
	if n.Y != nil {
		if y, err = n.Y.Eval(); err != nil {
			return 0, err
		}
	}
	var r uint64
	switch n.X.Size {
	case 1:
		r, err = apply[uint8, int8](n.Opcode, x, y)
	case 2:
		r, err = apply[uint16, int16](n.Opcode, x, y)
	case 4:
		r, err = apply[uint32, int32](n.Opcode, x, y)
	case 8:
		r, err = apply[uint64, int64](n.Opcode, x, y)
	default:
		return 0, fmt.Errorf("%w: %d-byte operands", ErrUnsupportedExpression, n.X.Size)
	}
	if err != nil {
		return 0, err
	}
	return r & ir.Mask(n.Size), nil
}

// apply evaluates op on operands of width U. Shift counts are used as they
// are, so that counts past the width are not truncated first.
func apply[U constraints.Unsigned, S constraints.Signed](op ir.Opcode, xv, yv uint64) (uint64, error) {
	x, y := U(xv), U(yv)
	sx, sy := S(x), S(y)
	switch op {
	case ir.BOOL_NEGATE:
		return b2u(x == 0), nil
	case ir.BOOL_AND:
		return b2u(x != 0 && y != 0), nil
	case ir.BOOL_OR:
		return b2u(x != 0 || y != 0), nil
	case ir.BOOL_XOR:
		return b2u((x != 0) != (y != 0)), nil
	case ir.INT_ADD:
		return uint64(x + y), nil
	case ir.INT_SUB:
		return uint64(x - y), nil
	case ir.INT_MULT:
		return uint64(x * y), nil
	case ir.INT_DIV, ir.INT_REM, ir.INT_SDIV, ir.INT_SREM:
		if y == 0 {
			return 0, fmt.Errorf("%w: %s by zero", ErrNotFoldable, op)
		}
		switch op {
		case ir.INT_DIV:
			return uint64(x / y), nil
		case ir.INT_REM:
			return uint64(x % y), nil
		case ir.INT_SDIV:
			return uint64(U(sx / sy)), nil
		default:
			return uint64(U(sx % sy)), nil
		}
	case ir.INT_AND:
		return uint64(x & y), nil
	case ir.INT_OR:
		return uint64(x | y), nil
	case ir.INT_XOR:
		return uint64(x ^ y), nil
	case ir.INT_NEGATE:
		return uint64(^x), nil
	case ir.INT_2COMP:
		return uint64(-x), nil
	case ir.INT_EQUAL:
		return b2u(x == y), nil
	case ir.INT_NOTEQUAL:
		return b2u(x != y), nil
	case ir.INT_LESS:
		return b2u(x < y), nil
	case ir.INT_LESSEQUAL:
		return b2u(x <= y), nil
	case ir.INT_SLESS:
		return b2u(sx < sy), nil
	case ir.INT_SLESSEQUAL:
		return b2u(sx <= sy), nil
	case ir.INT_LEFT:
		return uint64(x << yv), nil
	case ir.INT_RIGHT:
		return uint64(x >> yv), nil
	case ir.INT_SRIGHT:
		return uint64(U(sx >> yv)), nil
	case ir.INT_ZEXT:
		return uint64(x), nil
	case ir.INT_SEXT:
		return uint64(int64(sx)), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedExpression, op)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
