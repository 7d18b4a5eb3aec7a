// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package image

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/mod/semver"

	"mvdan.cc/deflat/internal/host"
	"mvdan.cc/deflat/internal/ir"
)

// FormatVersion is written to every dump. Dumps with the same major version
// can be loaded.
const FormatVersion = "v1.0.0"

type dumpImage struct {
	Format    string        `json:"format"`
	Arch      string        `json:"arch"`
	Segments  []dumpSegment `json:"segments"`
	Symbols   []dumpSymbol  `json:"symbols,omitempty"`
	Functions []dumpFunc    `json:"functions,omitempty"`
}

type dumpSegment struct {
	Name       string `json:"name"`
	Addr       uint64 `json:"addr"`
	Data       string `json:"data"`
	FileOffset *int64 `json:"file_offset,omitempty"`
}

type dumpSymbol struct {
	Name string    `json:"name"`
	Addr uint64    `json:"addr"`
	Size int       `json:"size,omitempty"`
	Kind string    `json:"kind"`
	Data string    `json:"data,omitempty"`
	Refs []dumpRef `json:"refs,omitempty"`
}

type dumpRef struct {
	From     uint64 `json:"from"`
	Kind     string `json:"kind"`
	External bool   `json:"external,omitempty"`
}

type dumpFunc struct {
	Name   string      `json:"name"`
	Entry  uint64      `json:"entry"`
	Values []dumpValue `json:"values"`
	Blocks []dumpBlock `json:"blocks"`
}

type dumpValue struct {
	Space  string `json:"space"`
	Offset uint64 `json:"offset"`
	Size   int    `json:"size"`
}

type dumpBlock struct {
	Start   uint64   `json:"start"`
	Stop    uint64   `json:"stop"`
	Comment string   `json:"comment,omitempty"`
	Ops     []dumpOp `json:"ops"`
	Succs   []int    `json:"succs,omitempty"`
	Preds   []int    `json:"preds,omitempty"`
}

type dumpOp struct {
	Opcode string `json:"op"`
	Addr   uint64 `json:"addr"`
	Out    *int   `json:"out,omitempty"`
	In     []int  `json:"in,omitempty"`
}

// Load decodes an image dump.
func Load(r io.Reader) (*Image, error) {
	var d dumpImage
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("cannot decode image: %w", err)
	}
	if !semver.IsValid(d.Format) {
		return nil, fmt.Errorf("invalid image format version %q", d.Format)
	}
	if want := semver.Major(FormatVersion); semver.Major(d.Format) != want {
		return nil, fmt.Errorf("unsupported image format %s, want %s.x.x", d.Format, want)
	}

	m := New(d.Arch)
	for _, ds := range d.Segments {
		data, err := hex.DecodeString(ds.Data)
		if err != nil {
			return nil, fmt.Errorf("segment %q: %w", ds.Name, err)
		}
		seg := &Segment{Name: ds.Name, Addr: ds.Addr, Data: data, FileOffset: -1}
		if ds.FileOffset != nil {
			seg.FileOffset = *ds.FileOffset
		}
		if err := m.AddSegment(seg); err != nil {
			return nil, err
		}
	}
	for _, ds := range d.Symbols {
		sym, err := ds.symbol()
		if err != nil {
			return nil, err
		}
		m.AddSymbol(sym)
	}
	for _, df := range d.Functions {
		fn, err := df.function()
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", df.Name, err)
		}
		m.AddFunc(fn)
	}
	return m, nil
}

func (ds dumpSymbol) symbol() (host.Symbol, error) {
	sym := host.Symbol{Name: ds.Name, Addr: ds.Addr, Size: ds.Size}
	switch ds.Kind {
	case "function":
		sym.Kind = host.FunctionSymbol
	case "label":
		sym.Kind = host.LabelSymbol
	default:
		return sym, fmt.Errorf("symbol %s: unknown kind %q", ds.Name, ds.Kind)
	}
	if ds.Data != "" {
		kind, ok := parseName(ds.Data, host.Undefined, host.Struct)
		if !ok {
			return sym, fmt.Errorf("symbol %s: unknown data kind %q", ds.Name, ds.Data)
		}
		sym.Data = kind
	}
	for _, dr := range ds.Refs {
		kind, ok := parseName(dr.Kind, host.Read, host.DataRef)
		if !ok {
			return sym, fmt.Errorf("symbol %s: unknown reference kind %q", ds.Name, dr.Kind)
		}
		sym.Refs = append(sym.Refs, host.Reference{From: dr.From, Kind: kind, External: dr.External})
	}
	return sym, nil
}

// parseName finds the value in [first, last] whose String is name.
func parseName[T interface {
	~uint8
	String() string
}](name string, first, last T) (T, bool) {
	for k := first; k <= last; k++ {
		if k.String() == name {
			return k, true
		}
	}
	return first, false
}

func (df dumpFunc) function() (*ir.Func, error) {
	fn := ir.NewFunc(df.Name, df.Entry)
	values := make([]*ir.Value, len(df.Values))
	for i, dv := range df.Values {
		space, ok := ir.ParseSpace(dv.Space)
		if !ok {
			return nil, fmt.Errorf("value %d: unknown space %q", i, dv.Space)
		}
		values[i] = fn.NewValue(space, dv.Offset, dv.Size)
	}
	value := func(i int) (*ir.Value, error) {
		if i < 0 || i >= len(values) {
			return nil, fmt.Errorf("value index %d out of range", i)
		}
		return values[i], nil
	}

	for _, db := range df.Blocks {
		b := fn.NewBlock(db.Comment)
		b.Start, b.Stop = db.Start, db.Stop
		for _, dop := range db.Ops {
			opcode, ok := ir.ParseOpcode(dop.Opcode)
			if !ok {
				return nil, fmt.Errorf("%s: unknown opcode %q", b.Name(), dop.Opcode)
			}
			var out *ir.Value
			if dop.Out != nil {
				v, err := value(*dop.Out)
				if err != nil {
					return nil, err
				}
				out = v
			}
			inputs := make([]*ir.Value, len(dop.In))
			for i, idx := range dop.In {
				v, err := value(idx)
				if err != nil {
					return nil, err
				}
				inputs[i] = v
			}
			b.Append(opcode, dop.Addr, out, inputs...)
		}
	}
	block := func(i int) (*ir.Block, error) {
		if i < 0 || i >= len(fn.Blocks) {
			return nil, fmt.Errorf("block index %d out of range", i)
		}
		return fn.Blocks[i], nil
	}
	for i, db := range df.Blocks {
		b := fn.Blocks[i]
		for _, idx := range db.Succs {
			s, err := block(idx)
			if err != nil {
				return nil, err
			}
			b.Succs = append(b.Succs, s)
		}
		for _, idx := range db.Preds {
			p, err := block(idx)
			if err != nil {
				return nil, err
			}
			b.Preds = append(b.Preds, p)
		}
	}
	return fn, nil
}

// Save encodes the image as a dump.
func (m *Image) Save(w io.Writer) error {
	d := dumpImage{Format: FormatVersion, Arch: m.arch}
	for _, s := range m.segments {
		ds := dumpSegment{Name: s.Name, Addr: s.Addr, Data: hex.EncodeToString(s.Data)}
		if s.FileOffset >= 0 {
			off := s.FileOffset
			ds.FileOffset = &off
		}
		d.Segments = append(d.Segments, ds)
	}
	for _, sym := range m.symbols {
		ds := dumpSymbol{Name: sym.Name, Addr: sym.Addr, Size: sym.Size, Kind: sym.Kind.String()}
		if sym.Data != host.Undefined {
			ds.Data = sym.Data.String()
		}
		for _, ref := range sym.Refs {
			ds.Refs = append(ds.Refs, dumpRef{From: ref.From, Kind: ref.Kind.String(), External: ref.External})
		}
		d.Symbols = append(d.Symbols, ds)
	}
	for _, fn := range m.funcs {
		d.Functions = append(d.Functions, dumpFunction(fn))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	return enc.Encode(d)
}

func dumpFunction(fn *ir.Func) dumpFunc {
	df := dumpFunc{Name: fn.Name, Entry: fn.Entry}
	index := make(map[*ir.Value]int, len(fn.Values()))
	for i, v := range fn.Values() {
		index[v] = i
		df.Values = append(df.Values, dumpValue{Space: v.Space.String(), Offset: v.Offset, Size: v.Size})
	}
	fn.Renumber()
	for _, b := range fn.Blocks {
		db := dumpBlock{Start: b.Start, Stop: b.Stop, Comment: b.Comment}
		for _, op := range b.Ops {
			dop := dumpOp{Opcode: op.Opcode.String(), Addr: op.Addr}
			if op.Output != nil {
				out := index[op.Output]
				dop.Out = &out
			}
			for _, in := range op.Inputs {
				dop.In = append(dop.In, index[in])
			}
			db.Ops = append(db.Ops, dop)
		}
		for _, s := range b.Succs {
			db.Succs = append(db.Succs, s.Index)
		}
		for _, p := range b.Preds {
			db.Preds = append(db.Preds, p.Index)
		}
		df.Blocks = append(df.Blocks, db)
	}
	return df
}

// LoadFile loads a dump from disk.
func LoadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// SaveFile writes the dump to path while holding an exclusive lock on
// path+".lock", so that concurrent runs writing the same output serialize.
func (m *Image) SaveFile(path string) error {
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		return err
	}
	return writeLocked(path, buf.Bytes())
}

func writeLocked(path string, data []byte) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("cannot lock %s: %w", path, err)
	}
	defer lock.Unlock()
	return os.WriteFile(path, data, 0o666)
}
