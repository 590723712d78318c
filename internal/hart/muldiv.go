package hart

import (
	"math"
	"math/bits"

	"github.com/Chungws/riscv-emulator/internal/decoder"
	"github.com/Chungws/riscv-emulator/internal/isa"
)

// execMulDiv executes the M extension register operations at XLEN width.
func (cpu *CPU) execMulDiv(d decoder.Instruction, r1, r2 uint64) (uint64, error) {
	if cpu.xlen == isa.XLEN32 {
		return mulDiv32(d, uint32(r1), uint32(r2))
	}

	switch d.Funct3 {
	case 0b000: // MUL
		return r1 * r2, nil
	case 0b001: // MULH
		return mulh64(int64(r1), int64(r2)), nil
	case 0b010: // MULHSU
		return mulhsu64(int64(r1), r2), nil
	case 0b011: // MULHU
		hi, _ := bits.Mul64(r1, r2)
		return hi, nil
	case 0b100: // DIV
		return uint64(div64(int64(r1), int64(r2))), nil
	case 0b101: // DIVU
		if r2 == 0 {
			return math.MaxUint64, nil
		}
		return r1 / r2, nil
	case 0b110: // REM
		return uint64(rem64(int64(r1), int64(r2))), nil
	default: // REMU
		if r2 == 0 {
			return r1, nil
		}
		return r1 % r2, nil
	}
}

// mulDiv32 is the RV32 form of execMulDiv.
func mulDiv32(d decoder.Instruction, r1, r2 uint32) (uint64, error) {
	a, b := int64(int32(r1)), int64(int32(r2))

	switch d.Funct3 {
	case 0b000: // MUL
		return uint64(r1 * r2), nil
	case 0b001: // MULH
		return uint64(uint32((a * b) >> 32)), nil
	case 0b010: // MULHSU
		return uint64(uint32((a * int64(r2)) >> 32)), nil
	case 0b011: // MULHU
		return (uint64(r1) * uint64(r2)) >> 32, nil
	default:
		return uint64(divRem32(d.Funct3, r1, r2)), nil
	}
}

// execMulDivW executes MULW, DIVW, DIVUW, REMW and REMUW. The 32-bit result is
// sign-extended by the caller.
func execMulDivW(d decoder.Instruction, r1, r2 uint32) (uint32, error) {
	switch d.Funct3 {
	case 0b000: // MULW
		return r1 * r2, nil
	case 0b100, 0b101, 0b110, 0b111:
		return divRem32(d.Funct3, r1, r2), nil
	default:
		return 0, Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}
}

// divRem32 implements the 32-bit division family selected by funct3.
func divRem32(f3 uint32, r1, r2 uint32) uint32 {
	a, b := int32(r1), int32(r2)

	switch f3 {
	case 0b100: // DIV
		if b == 0 {
			return math.MaxUint32
		}
		if a == math.MinInt32 && b == -1 {
			return r1
		}
		return uint32(a / b)
	case 0b101: // DIVU
		if r2 == 0 {
			return math.MaxUint32
		}
		return r1 / r2
	case 0b110: // REM
		if b == 0 {
			return r1
		}
		if a == math.MinInt32 && b == -1 {
			return 0
		}
		return uint32(a % b)
	default: // REMU
		if r2 == 0 {
			return r1
		}
		return r1 % r2
	}
}

func div64(a, b int64) int64 {
	if b == 0 {
		return -1
	}
	if a == math.MinInt64 && b == -1 {
		return a
	}
	return a / b
}

func rem64(a, b int64) int64 {
	if b == 0 {
		return a
	}
	if a == math.MinInt64 && b == -1 {
		return 0
	}
	return a % b
}

// mulh64 returns the high 64 bits of the signed 128-bit product.
func mulh64(a, b int64) uint64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return hi
}

// mulhsu64 returns the high 64 bits of signed a times unsigned b.
func mulhsu64(a int64, b uint64) uint64 {
	hi, _ := bits.Mul64(uint64(a), b)
	if a < 0 {
		hi -= b
	}
	return hi
}
