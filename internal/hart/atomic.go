package hart

import (
	"github.com/Chungws/riscv-emulator/internal/decoder"
	"github.com/Chungws/riscv-emulator/internal/isa"
)

// AMO funct5 values
const (
	amoAdd  = 0b00000
	amoSwap = 0b00001
	amoLR   = 0b00010
	amoSC   = 0b00011
	amoXor  = 0b00100
	amoOr   = 0b01000
	amoAnd  = 0b01100
	amoMin  = 0b10000
	amoMax  = 0b10100
	amoMinU = 0b11000
	amoMaxU = 0b11100
)

// execAMO executes atomic memory operations. The read-modify-write and the
// reservation bookkeeping happen inside the bus so they are indivisible with
// respect to other harts.
func (cpu *CPU) execAMO(d decoder.Instruction) error {
	var size int
	switch d.Funct3 {
	case 0b010: // .W
		size = 4
	case 0b011: // .D
		if cpu.xlen != isa.XLEN64 {
			return Exception(isa.CauseIllegalInsn, uint64(d.Word))
		}
		size = 8
	default:
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}

	addr := cpu.ReadReg(d.Rs1)
	src := cpu.ReadReg(d.Rs2)
	f5 := d.Funct5()

	// Check alignment
	if addr&uint64(size-1) != 0 {
		return Exception(isa.CauseStoreAddrMisaligned, addr)
	}

	switch f5 {
	case amoLR:
		if d.Rs2 != 0 {
			return Exception(isa.CauseIllegalInsn, uint64(d.Word))
		}
		val, err := cpu.Bus.LoadReserved(cpu.ID, addr, size)
		if err != nil {
			return Exception(isa.CauseLoadAccessFault, addr)
		}
		cpu.WriteReg(d.Rd, extendLoaded(val, size))
		return nil

	case amoSC:
		ok, err := cpu.Bus.StoreConditional(cpu.ID, addr, size, src)
		if err != nil {
			return Exception(isa.CauseStoreAccessFault, addr)
		}
		if ok {
			cpu.WriteReg(d.Rd, 0) // Success
		} else {
			cpu.WriteReg(d.Rd, 1) // Failure
		}
		return nil
	}

	op, ok := amoOp(f5, size)
	if !ok {
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}
	old, err := cpu.Bus.AtomicRMW(addr, size, func(old uint64) uint64 {
		return op(old, src)
	})
	if err != nil {
		return Exception(isa.CauseStoreAccessFault, addr)
	}
	cpu.WriteReg(d.Rd, extendLoaded(old, size))
	return nil
}

// extendLoaded sign-extends word results to the register width.
func extendLoaded(val uint64, size int) uint64 {
	if size == 4 {
		return uint64(int32(val))
	}
	return val
}

// amoOp returns the combining function of an AMO. Operands are compared at
// the access width; the result is truncated by the bus.
func amoOp(f5 uint32, size int) (func(old, src uint64) uint64, bool) {
	signed := func(v uint64) int64 {
		if size == 4 {
			return int64(int32(v))
		}
		return int64(v)
	}
	unsigned := func(v uint64) uint64 {
		if size == 4 {
			return uint64(uint32(v))
		}
		return v
	}

	switch f5 {
	case amoSwap:
		return func(_, src uint64) uint64 { return src }, true
	case amoAdd:
		return func(old, src uint64) uint64 { return old + src }, true
	case amoXor:
		return func(old, src uint64) uint64 { return old ^ src }, true
	case amoAnd:
		return func(old, src uint64) uint64 { return old & src }, true
	case amoOr:
		return func(old, src uint64) uint64 { return old | src }, true
	case amoMin:
		return func(old, src uint64) uint64 {
			if signed(old) < signed(src) {
				return old
			}
			return src
		}, true
	case amoMax:
		return func(old, src uint64) uint64 {
			if signed(old) > signed(src) {
				return old
			}
			return src
		}, true
	case amoMinU:
		return func(old, src uint64) uint64 {
			if unsigned(old) < unsigned(src) {
				return old
			}
			return src
		}, true
	case amoMaxU:
		return func(old, src uint64) uint64 {
			if unsigned(old) > unsigned(src) {
				return old
			}
			return src
		}, true
	}
	return nil, false
}
