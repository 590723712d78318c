package riscv

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/Chungws/riscv-emulator/internal/asm"
)

const (
	elf64HeaderSize        = 64
	elf64ProgramHeaderSize = 56
	elf32HeaderSize        = 52
	elf32ProgramHeaderSize = 32
)

var defaultStandaloneELFConfig = StandaloneELFConfig{
	Class:            elf.ELFCLASS64,
	BaseAddress:      0x8000_0000,
	SegmentOffset:    0x1000,
	SegmentAlignment: 0x1000,
	SegmentFlags:     elf.PF_R | elf.PF_W | elf.PF_X,
}

// StandaloneELFConfig controls the layout of a single-segment executable.
// The entry point is the start of the segment.
type StandaloneELFConfig struct {
	Class            elf.Class
	BaseAddress      uint64
	SegmentOffset    uint64
	SegmentAlignment uint64
	SegmentFlags     elf.ProgFlag
}

func DefaultStandaloneELFConfig() StandaloneELFConfig {
	return defaultStandaloneELFConfig
}

func StandaloneELF(prog asm.Program) ([]byte, error) {
	return StandaloneELFWithConfig(prog, DefaultStandaloneELFConfig())
}

func StandaloneELFWithConfig(prog asm.Program, cfg StandaloneELFConfig) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	code := prog.Bytes()
	fileSize := uint64(len(code))
	memSize := fileSize + uint64(prog.BSSSize())

	prefix := make([]byte, cfg.SegmentOffset)
	if cfg.Class == elf.ELFCLASS32 {
		if cfg.BaseAddress+memSize > 1<<32 {
			return nil, fmt.Errorf("segment [%#x, %#x) does not fit a 32-bit address space", cfg.BaseAddress, cfg.BaseAddress+memSize)
		}
		fillELF32Header(prefix[:elf32HeaderSize], cfg)
		fillProgram32Header(prefix[elf32HeaderSize:elf32HeaderSize+elf32ProgramHeaderSize], cfg, fileSize, memSize)
	} else {
		fillELF64Header(prefix[:elf64HeaderSize], cfg)
		fillProgram64Header(prefix[elf64HeaderSize:elf64HeaderSize+elf64ProgramHeaderSize], cfg, fileSize, memSize)
	}

	return append(prefix, code...), nil
}

func EmitStandaloneELF(f asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(f)
	if err != nil {
		return nil, err
	}
	return StandaloneELF(prog)
}

func EmitStandaloneELFWithConfig(f asm.Fragment, cfg StandaloneELFConfig) ([]byte, error) {
	prog, err := EmitProgram(f)
	if err != nil {
		return nil, err
	}
	return StandaloneELFWithConfig(prog, cfg)
}

func (cfg StandaloneELFConfig) withDefaults() StandaloneELFConfig {
	def := DefaultStandaloneELFConfig()
	if cfg.Class == elf.ELFCLASSNONE {
		cfg.Class = def.Class
	}
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = def.BaseAddress
	}
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = def.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = def.SegmentAlignment
	}
	if cfg.SegmentFlags == 0 {
		cfg.SegmentFlags = def.SegmentFlags
	}
	return cfg
}

func (cfg StandaloneELFConfig) validate() error {
	var headerSize uint64
	switch cfg.Class {
	case elf.ELFCLASS32:
		headerSize = elf32HeaderSize + elf32ProgramHeaderSize
	case elf.ELFCLASS64:
		headerSize = elf64HeaderSize + elf64ProgramHeaderSize
	default:
		return fmt.Errorf("unsupported ELF class %v", cfg.Class)
	}
	if cfg.SegmentOffset < headerSize {
		return fmt.Errorf("segment offset %#x too small for ELF headers (%#x)", cfg.SegmentOffset, headerSize)
	}
	if cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("segment offset %#x must be aligned to %#x", cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.BaseAddress%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("base address %#x must be aligned to %#x", cfg.BaseAddress, cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset > uint64(maxInt) {
		return fmt.Errorf("segment offset %#x exceeds platform limits", cfg.SegmentOffset)
	}
	return nil
}

func fillIdent(buf []byte, class elf.Class) {
	buf[0] = 0x7f
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = byte(class)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)
}

func fillELF64Header(buf []byte, cfg StandaloneELFConfig) {
	fillIdent(buf, elf.ELFCLASS64)
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_RISCV))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], uint64(elf64HeaderSize))
	binary.LittleEndian.PutUint64(buf[40:], 0) // section header offset
	binary.LittleEndian.PutUint32(buf[48:], 0) // flags
	binary.LittleEndian.PutUint16(buf[52:], uint16(elf64HeaderSize))
	binary.LittleEndian.PutUint16(buf[54:], uint16(elf64ProgramHeaderSize))
	binary.LittleEndian.PutUint16(buf[56:], 1) // one program header
}

func fillProgram64Header(buf []byte, cfg StandaloneELFConfig, fileSize, memSize uint64) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(cfg.SegmentFlags))
	binary.LittleEndian.PutUint64(buf[8:], cfg.SegmentOffset)
	binary.LittleEndian.PutUint64(buf[16:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], fileSize)
	binary.LittleEndian.PutUint64(buf[40:], memSize)
	binary.LittleEndian.PutUint64(buf[48:], cfg.SegmentAlignment)
}

func fillELF32Header(buf []byte, cfg StandaloneELFConfig) {
	fillIdent(buf, elf.ELFCLASS32)
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_RISCV))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint32(buf[24:], uint32(cfg.BaseAddress))
	binary.LittleEndian.PutUint32(buf[28:], uint32(elf32HeaderSize))
	binary.LittleEndian.PutUint32(buf[32:], 0) // section header offset
	binary.LittleEndian.PutUint32(buf[36:], 0) // flags
	binary.LittleEndian.PutUint16(buf[40:], uint16(elf32HeaderSize))
	binary.LittleEndian.PutUint16(buf[42:], uint16(elf32ProgramHeaderSize))
	binary.LittleEndian.PutUint16(buf[44:], 1)
}

// The 32-bit program header orders p_flags after p_memsz.
func fillProgram32Header(buf []byte, cfg StandaloneELFConfig, fileSize, memSize uint64) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(cfg.SegmentOffset))
	binary.LittleEndian.PutUint32(buf[8:], uint32(cfg.BaseAddress))
	binary.LittleEndian.PutUint32(buf[12:], uint32(cfg.BaseAddress))
	binary.LittleEndian.PutUint32(buf[16:], uint32(fileSize))
	binary.LittleEndian.PutUint32(buf[20:], uint32(memSize))
	binary.LittleEndian.PutUint32(buf[24:], uint32(cfg.SegmentFlags))
	binary.LittleEndian.PutUint32(buf[28:], uint32(cfg.SegmentAlignment))
}

const maxInt = int(^uint(0) >> 1)
