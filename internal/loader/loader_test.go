package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Chungws/riscv-emulator/internal/asm"
	rv "github.com/Chungws/riscv-emulator/internal/asm/riscv"
	"github.com/Chungws/riscv-emulator/internal/isa"
)

func buildELF(t *testing.T, class elf.Class, bss int) []byte {
	t.Helper()
	prog := rv.MustEmit(rv.Addi(rv.A0, rv.X0, 1), rv.Halt())
	if bss > 0 {
		prog = asm.NewProgram(prog.Bytes(), nil, bss)
	}
	image, err := rv.StandaloneELFWithConfig(prog, rv.StandaloneELFConfig{Class: class})
	if err != nil {
		t.Fatalf("StandaloneELF failed: %v", err)
	}
	return image
}

func TestParseELF64(t *testing.T) {
	img, err := Parse(bytes.NewReader(buildELF(t, elf.ELFCLASS64, 0)), isa.XLEN64)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if img.Entry != isa.RAMBase {
		t.Fatalf("entry=%#x, want %#x", img.Entry, isa.RAMBase)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.Addr != isa.RAMBase || len(seg.Data) != 8 || seg.MemSize != 8 {
		t.Fatalf("segment addr=%#x len=%d memsz=%d", seg.Addr, len(seg.Data), seg.MemSize)
	}
	if got := binary.LittleEndian.Uint32(seg.Data); got != 0x00100513 {
		t.Fatalf("first word=%#08x, want addi a0, x0, 1", got)
	}
}

func TestParseELF32WithBSS(t *testing.T) {
	img, err := Parse(bytes.NewReader(buildELF(t, elf.ELFCLASS32, 24)), isa.XLEN32)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	seg := img.Segments[0]
	if len(seg.Data) != 8 || seg.MemSize != 32 {
		t.Fatalf("filesz=%d memsz=%d, want 8 and 32", len(seg.Data), seg.MemSize)
	}
	lo, hi := img.Span()
	if lo != isa.RAMBase || hi != isa.RAMBase+32 {
		t.Fatalf("span=[%#x, %#x)", lo, hi)
	}
}

func TestParseErrors(t *testing.T) {
	good := buildELF(t, elf.ELFCLASS64, 0)
	patch := func(off int, b byte) []byte {
		out := append([]byte(nil), good...)
		out[off] = b
		return out
	}
	noPhdrs := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(noPhdrs[56:], 0)

	tests := []struct {
		name string
		data []byte
		xlen isa.Xlen
		want error
	}{
		{"empty", nil, isa.XLEN64, ErrBadMagic},
		{"text", []byte("#!/bin/sh\necho hello\n"), isa.XLEN64, ErrBadMagic},
		{"class", good, isa.XLEN32, ErrWrongClass},
		{"endian", patch(elf.EI_DATA, byte(elf.ELFDATA2MSB)), isa.XLEN64, ErrWrongEndian},
		{"machine", patch(18, byte(elf.EM_AARCH64)), isa.XLEN64, ErrWrongMachine},
		{"no segments", noPhdrs, isa.XLEN64, ErrNoSegments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(bytes.NewReader(tt.data), tt.xlen)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Parse error=%v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseRejectsFileLargerThanMemory(t *testing.T) {
	data := buildELF(t, elf.ELFCLASS64, 0)
	// p_memsz of the only program header.
	binary.LittleEndian.PutUint64(data[64+40:], 4)
	if _, err := Parse(bytes.NewReader(data), isa.XLEN64); err == nil {
		t.Fatal("Parse accepted a segment with filesz > memsz")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.elf")
	if err := os.WriteFile(path, buildELF(t, elf.ELFCLASS64, 0), 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := Load(path, isa.XLEN64)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.Entry != isa.RAMBase {
		t.Fatalf("entry=%#x", img.Entry)
	}

	if _, err := Load(filepath.Join(dir, "missing.elf"), isa.XLEN64); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load of missing file returned %v", err)
	}
}

func TestRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.bin")
	if err := os.WriteFile(path, []byte{0x13, 0, 0, 0}, 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := LoadRaw(path, isa.RAMBase)
	if err != nil {
		t.Fatalf("LoadRaw failed: %v", err)
	}
	if img.Entry != isa.RAMBase || len(img.Segments) != 1 || img.Segments[0].MemSize != 4 {
		t.Fatalf("unexpected image %+v", img)
	}
}
