// Package loader reads RISC-V ELF executables into loadable segments.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/Chungws/riscv-emulator/internal/isa"
)

var (
	ErrBadMagic      = errors.New("not an ELF file")
	ErrWrongClass    = errors.New("ELF class does not match hart width")
	ErrWrongEndian   = errors.New("ELF file is not little-endian")
	ErrWrongMachine  = errors.New("ELF machine is not RISC-V")
	ErrNoSegments    = errors.New("ELF file has no loadable segments")
	ErrSegmentLayout = errors.New("invalid ELF segment")
)

// Segment is one PT_LOAD program header. Bytes between len(Data) and MemSize
// are zero-filled when loaded.
type Segment struct {
	Addr    uint64
	Data    []byte
	MemSize uint64
}

// Image is a parsed executable.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Span returns the lowest and one-past-highest address covered by the image.
func (img *Image) Span() (lo, hi uint64) {
	for i, seg := range img.Segments {
		end := seg.Addr + seg.MemSize
		if i == 0 || seg.Addr < lo {
			lo = seg.Addr
		}
		if end > hi {
			hi = end
		}
	}
	return lo, hi
}

// Load opens path and parses it for a hart of width xlen.
func Load(path string, xlen isa.Xlen) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open executable: %w", err)
	}
	defer f.Close()

	img, err := Parse(f, xlen)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return img, nil
}

// Parse reads an ELF executable from r. The file class must match xlen, the
// data encoding must be little-endian and the machine must be EM_RISCV.
func Parse(r io.ReaderAt, xlen isa.Xlen) (*Image, error) {
	var ident [elf.EI_NIDENT]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, fmt.Errorf("read ELF ident: %w", err)
	}
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return nil, ErrBadMagic
	}

	wantClass := elf.ELFCLASS64
	if xlen == isa.XLEN32 {
		wantClass = elf.ELFCLASS32
	}
	if elf.Class(ident[elf.EI_CLASS]) != wantClass {
		return nil, fmt.Errorf("%w: file is %v, hart is %s", ErrWrongClass, elf.Class(ident[elf.EI_CLASS]), xlen)
	}
	if elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, ErrWrongEndian
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("%w: %v", ErrWrongMachine, f.Machine)
	}

	img := &Image{Entry: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: file size %#x exceeds mem size %#x", ErrSegmentLayout, prog.Filesz, prog.Memsz)
		}
		if prog.Filesz > uint64(math.MaxInt) {
			return nil, fmt.Errorf("%w: file size %#x exceeds host limits", ErrSegmentLayout, prog.Filesz)
		}
		if prog.Paddr+prog.Memsz < prog.Paddr || (xlen == isa.XLEN32 && prog.Paddr+prog.Memsz > 1<<32) {
			return nil, fmt.Errorf("%w: [%#x, +%#x) overflows the address space", ErrSegmentLayout, prog.Paddr, prog.Memsz)
		}
		data := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
			}
		}
		img.Segments = append(img.Segments, Segment{
			Addr:    prog.Paddr,
			Data:    data,
			MemSize: prog.Memsz,
		})
	}

	if len(img.Segments) == 0 {
		return nil, ErrNoSegments
	}
	return img, nil
}

// Raw wraps a flat binary as a single segment at base with entry at base.
func Raw(data []byte, base uint64) *Image {
	return &Image{
		Entry: base,
		Segments: []Segment{{
			Addr:    base,
			Data:    append([]byte(nil), data...),
			MemSize: uint64(len(data)),
		}},
	}
}

// LoadRaw reads a flat binary from path.
func LoadRaw(path string, base uint64) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read raw binary: %w", err)
	}
	return Raw(data, base), nil
}
