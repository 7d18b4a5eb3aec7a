// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package ir

import (
	"fmt"
	"io"
	"strings"
)

// Fprint writes a listing of the function, one block at a time.
func Fprint(w io.Writer, f *Func) error {
	if _, err := fmt.Fprintf(w, "func %s @ %#x {\n", f.Name, f.Entry); err != nil {
		return err
	}
	for _, b := range f.Blocks {
		if _, err := io.WriteString(w, formatBlock(b)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}\n")
	return err
}

func formatBlock(b *Block) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: [%s]", b.Name(), b)
	if b.Comment != "" {
		fmt.Fprintf(&sb, " ; %s", b.Comment)
	}
	sb.WriteString("\n")
	for _, op := range b.Ops {
		fmt.Fprintf(&sb, "\t%#x: %s\n", op.Addr, op)
	}
	if len(b.Succs) > 0 {
		sb.WriteString("\t->")
		for _, s := range b.Succs {
			sb.WriteString(" " + s.Name())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (f *Func) String() string {
	var sb strings.Builder
	Fprint(&sb, f)
	return sb.String()
}
