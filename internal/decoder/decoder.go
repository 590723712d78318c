// Package decoder splits 32-bit RISC-V instruction words into their fields.
//
// Decoding is stateless and never fails: any word has an opcode, register
// fields and an immediate. Whether the combination means anything is decided by
// the hart when it dispatches the instruction.
package decoder

import (
	"fmt"

	"github.com/Chungws/riscv-emulator/internal/isa"
)

// Format is the encoding layout of an instruction.
type Format uint8

const (
	FormatR Format = iota
	FormatI
	FormatS
	FormatB
	FormatU
	FormatJ
)

func (f Format) String() string {
	switch f {
	case FormatR:
		return "R"
	case FormatI:
		return "I"
	case FormatS:
		return "S"
	case FormatB:
		return "B"
	case FormatU:
		return "U"
	case FormatJ:
		return "J"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// Instruction is a decoded instruction word.
type Instruction struct {
	Word   uint32
	Format Format
	Opcode uint32
	Rd     uint32
	Rs1    uint32
	Rs2    uint32
	Funct3 uint32
	Funct7 uint32
	// Imm is the format's immediate sign-extended to 64 bits. R-format
	// instructions carry no immediate.
	Imm int64
}

// Field extraction
func Opcode(insn uint32) uint32 { return insn & 0x7f }
func Rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func Funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func Rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func Rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func Funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

// SignExtend sign-extends the low bits of val to 64 bits.
func SignExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

// ImmI returns the I-type immediate (bits 31:20).
func ImmI(insn uint32) int64 {
	return int64(int32(insn) >> 20)
}

// ImmS returns the S-type immediate (bits 31:25 and 11:7).
func ImmS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return SignExtend(uint64(imm), 12)
}

// ImmB returns the B-type branch offset. Bit 0 is always zero.
func ImmB(insn uint32) int64 {
	imm := ((insn >> 8) & 0xf) << 1
	imm |= ((insn >> 25) & 0x3f) << 5
	imm |= ((insn >> 7) & 0x1) << 11
	imm |= ((insn >> 31) & 0x1) << 12
	return SignExtend(uint64(imm), 13)
}

// ImmU returns the U-type immediate already shifted into bits 31:12.
func ImmU(insn uint32) int64 {
	return int64(int32(insn & 0xffff_f000))
}

// ImmJ returns the J-type jump offset. The encoding scatters imm[20|10:1|11|19:12]
// across bits 31:12.
func ImmJ(insn uint32) int64 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 0x1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	imm |= ((insn >> 31) & 0x1) << 20
	return SignExtend(uint64(imm), 21)
}

// FormatOf returns the encoding format used by an opcode. Opcodes outside the
// implemented set are reported as R-type.
func FormatOf(opcode uint32) Format {
	switch opcode {
	case isa.OpLoad, isa.OpOpImm, isa.OpOpImm32, isa.OpJalr, isa.OpMiscMem, isa.OpSystem:
		return FormatI
	case isa.OpStore:
		return FormatS
	case isa.OpBranch:
		return FormatB
	case isa.OpLui, isa.OpAuipc:
		return FormatU
	case isa.OpJal:
		return FormatJ
	default:
		return FormatR
	}
}

// Decode splits insn into its fields.
func Decode(insn uint32) Instruction {
	op := Opcode(insn)
	d := Instruction{
		Word:   insn,
		Format: FormatOf(op),
		Opcode: op,
		Rd:     Rd(insn),
		Rs1:    Rs1(insn),
		Rs2:    Rs2(insn),
		Funct3: Funct3(insn),
		Funct7: Funct7(insn),
	}

	switch d.Format {
	case FormatI:
		d.Imm = ImmI(insn)
	case FormatS:
		d.Imm = ImmS(insn)
	case FormatB:
		d.Imm = ImmB(insn)
	case FormatU:
		d.Imm = ImmU(insn)
	case FormatJ:
		d.Imm = ImmJ(insn)
	}

	return d
}

// Shamt returns the shift amount of an immediate shift. Word operations and
// RV32 harts use 5 bits, RV64 uses 6.
func (d Instruction) Shamt(xlen isa.Xlen, word bool) uint32 {
	if word || xlen == isa.XLEN32 {
		return (d.Word >> 20) & 0x1f
	}
	return (d.Word >> 20) & 0x3f
}

// CSR returns the 12-bit CSR address of a SYSTEM instruction.
func (d Instruction) CSR() uint16 {
	return uint16(d.Word >> 20)
}

// Zimm returns the zero-extended 5-bit immediate held in the rs1 field of the
// CSR immediate forms.
func (d Instruction) Zimm() uint64 {
	return uint64(d.Rs1)
}

// Funct5 returns bits 31:27, the operation selector of the A extension.
func (d Instruction) Funct5() uint32 {
	return d.Funct7 >> 2
}

// Fence holds the operand fields of a FENCE instruction.
type Fence struct {
	FM   uint32
	Pred uint32
	Succ uint32
}

// Fence parses the ordering fields of a MISC-MEM instruction.
func (d Instruction) Fence() Fence {
	return Fence{
		FM:   (d.Word >> 28) & 0xf,
		Pred: (d.Word >> 24) & 0xf,
		Succ: (d.Word >> 20) & 0xf,
	}
}

func (d Instruction) String() string {
	return fmt.Sprintf("%08x op=%07b rd=x%d rs1=x%d rs2=x%d f3=%d f7=%#x imm=%d",
		d.Word, d.Opcode, d.Rd, d.Rs1, d.Rs2, d.Funct3, d.Funct7, d.Imm)
}
