// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package image

import (
	"debug/elf"
	"fmt"
	"os"
)

// AttachELF replaces the contents of the image's segments with the matching
// allocated sections of an ELF file, and records their file offsets so that
// [Image.WriteELF] can write patches back. Sections missing from the image
// are mapped as new segments.
func (m *Image) AttachELF(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return fmt.Errorf("%s: unsupported machine %v", path, f.Machine)
	}
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_ALLOC == 0 || sec.Size == 0 {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("%s: section %s: %w", path, sec.Name, err)
		}
		if seg := m.segmentNamed(sec.Name); seg != nil {
			if seg.Addr != sec.Addr {
				return fmt.Errorf("%s: section %s at %#x, image has it at %#x", path, sec.Name, sec.Addr, seg.Addr)
			}
			seg.Data = data
			seg.FileOffset = int64(sec.Offset)
			continue
		}
		seg := &Segment{Name: sec.Name, Addr: sec.Addr, Data: data, FileOffset: int64(sec.Offset)}
		if err := m.AddSegment(seg); err != nil {
			return err
		}
	}
	if m.arch == "" {
		m.arch = "x86"
	}
	return nil
}

func (m *Image) segmentNamed(name string) *Segment {
	for _, s := range m.segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// WriteELF copies the ELF file at src to dst with every file-backed segment
// overwritten by the image's current contents.
func (m *Image) WriteELF(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	for _, s := range m.segments {
		if s.FileOffset < 0 {
			continue
		}
		end := s.FileOffset + int64(len(s.Data))
		if end > int64(len(data)) {
			return fmt.Errorf("segment %s ends at file offset %#x past the end of %s", s.Name, end, src)
		}
		copy(data[s.FileOffset:end], s.Data)
	}
	return writeLocked(dst, data)
}
