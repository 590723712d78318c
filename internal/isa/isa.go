// Package isa holds the architectural constants shared by the decoder, the CSR
// file, the bus and the hart: register widths, privilege levels, opcodes, trap
// causes and the bit layout of the status and interrupt registers.
package isa

import "fmt"

// Xlen is the integer register width of a hart in bits.
type Xlen int

const (
	XLEN32 Xlen = 32
	XLEN64 Xlen = 64
)

// Valid reports whether x is a supported register width.
func (x Xlen) Valid() bool {
	return x == XLEN32 || x == XLEN64
}

// Mask returns the all-ones value of the register width.
func (x Xlen) Mask() uint64 {
	if x == XLEN32 {
		return 0xffff_ffff
	}
	return ^uint64(0)
}

// InterruptBit returns the cause register bit that marks an interrupt.
func (x Xlen) InterruptBit() uint64 {
	return uint64(1) << (uint(x) - 1)
}

func (x Xlen) String() string {
	return fmt.Sprintf("RV%dI", int(x))
}

// Privilege is the current protection level of a hart.
type Privilege uint8

const (
	PrivUser       Privilege = 0
	PrivSupervisor Privilege = 1
	PrivMachine    Privilege = 3
)

func (p Privilege) String() string {
	switch p {
	case PrivUser:
		return "U"
	case PrivSupervisor:
		return "S"
	case PrivMachine:
		return "M"
	default:
		return fmt.Sprintf("Priv(%d)", uint8(p))
	}
}

// Base opcodes (bits 6:0 of the instruction word).
const (
	OpLoad    uint32 = 0b0000011
	OpMiscMem uint32 = 0b0001111
	OpOpImm   uint32 = 0b0010011
	OpAuipc   uint32 = 0b0010111
	OpOpImm32 uint32 = 0b0011011
	OpStore   uint32 = 0b0100011
	OpAMO     uint32 = 0b0101111
	OpOp      uint32 = 0b0110011
	OpLui     uint32 = 0b0110111
	OpOp32    uint32 = 0b0111011
	OpBranch  uint32 = 0b1100011
	OpJalr    uint32 = 0b1100111
	OpJal     uint32 = 0b1101111
	OpSystem  uint32 = 0b1110011
)

// Exception codes.
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseEcallFromM          uint64 = 11
)

// Interrupt codes. The interrupt bit of the cause register is added by the
// trap controller since its position depends on XLEN.
const (
	IntSSoftware uint64 = 1
	IntMSoftware uint64 = 3
	IntSTimer    uint64 = 5
	IntMTimer    uint64 = 7
	IntSExternal uint64 = 9
	IntMExternal uint64 = 11
)

// mstatus bits
const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPIE uint64 = 1 << 5
	MstatusMPIE uint64 = 1 << 7
	MstatusSPP  uint64 = 1 << 8
	MstatusMPP  uint64 = 3 << 11
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19
	MstatusTVM  uint64 = 1 << 20
	MstatusTW   uint64 = 1 << 21
	MstatusTSR  uint64 = 1 << 22
	MstatusUXL  uint64 = 3 << 32
	MstatusSXL  uint64 = 3 << 34
)

const (
	MstatusSPPShift = 8
	MstatusMPPShift = 11
)

// mip/mie bits
const (
	MipSSIP uint64 = 1 << IntSSoftware
	MipMSIP uint64 = 1 << IntMSoftware
	MipSTIP uint64 = 1 << IntSTimer
	MipMTIP uint64 = 1 << IntMTimer
	MipSEIP uint64 = 1 << IntSExternal
	MipMEIP uint64 = 1 << IntMExternal
)

// ISA extension bits for misa
const (
	MisaA uint64 = 1 << ('A' - 'A')
	MisaI uint64 = 1 << ('I' - 'A')
	MisaM uint64 = 1 << ('M' - 'A')
	MisaS uint64 = 1 << ('S' - 'A')
	MisaU uint64 = 1 << ('U' - 'A')
)

// Memory map of the reference platform.
const (
	CLINTBase uint64 = 0x0200_0000
	CLINTSize uint64 = 0x0001_0000
	UARTBase  uint64 = 0x1000_0000
	UARTSize  uint64 = 0x0000_0008
	RAMBase   uint64 = 0x8000_0000
	RAMSize   uint64 = 128 * 1024 * 1024
)
