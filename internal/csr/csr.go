// Package csr implements the control and status register file of a hart.
package csr

import (
	"errors"
	"fmt"

	"github.com/Chungws/riscv-emulator/internal/isa"
)

// CSR addresses
const (
	Sstatus    uint16 = 0x100
	Sie        uint16 = 0x104
	Stvec      uint16 = 0x105
	Scounteren uint16 = 0x106
	Sscratch   uint16 = 0x140
	Sepc       uint16 = 0x141
	Scause     uint16 = 0x142
	Stval      uint16 = 0x143
	Sip        uint16 = 0x144
	Satp       uint16 = 0x180
	Mstatus    uint16 = 0x300
	Misa       uint16 = 0x301
	Medeleg    uint16 = 0x302
	Mideleg    uint16 = 0x303
	Mie        uint16 = 0x304
	Mtvec      uint16 = 0x305
	Mcounteren uint16 = 0x306
	Mscratch   uint16 = 0x340
	Mepc       uint16 = 0x341
	Mcause     uint16 = 0x342
	Mtval      uint16 = 0x343
	Mip        uint16 = 0x344
	Mcycle     uint16 = 0xB00
	Minstret   uint16 = 0xB02
	Mcycleh    uint16 = 0xB80
	Minstreth  uint16 = 0xB82
	Cycle      uint16 = 0xC00
	Time       uint16 = 0xC01
	Instret    uint16 = 0xC02
	Cycleh     uint16 = 0xC80
	Timeh      uint16 = 0xC81
	Instreth   uint16 = 0xC82
	Mvendorid  uint16 = 0xF11
	Marchid    uint16 = 0xF12
	Mimpid     uint16 = 0xF13
	Mhartid    uint16 = 0xF14
)

// Bits of mstatus visible through sstatus.
const SstatusMask = isa.MstatusSIE | isa.MstatusSPIE | isa.MstatusSPP |
	isa.MstatusSUM | isa.MstatusMXR

// Bits of mie/mip visible through sie/sip.
const SupervisorInterrupts = isa.MipSSIP | isa.MipSTIP | isa.MipSEIP

// AllInterrupts is every interrupt bit implemented in mie/mip.
const AllInterrupts = isa.MipSSIP | isa.MipMSIP | isa.MipSTIP | isa.MipMTIP |
	isa.MipSEIP | isa.MipMEIP

const mstatusWritable = isa.MstatusSIE | isa.MstatusMIE | isa.MstatusSPIE |
	isa.MstatusMPIE | isa.MstatusSPP | isa.MstatusMPP | isa.MstatusMPRV |
	isa.MstatusSUM | isa.MstatusMXR | isa.MstatusTVM | isa.MstatusTW |
	isa.MstatusTSR

// Every synchronous exception except ecall from M can be delegated.
const medelegWritable = 1<<isa.CauseInsnAddrMisaligned |
	1<<isa.CauseInsnAccessFault |
	1<<isa.CauseIllegalInsn |
	1<<isa.CauseBreakpoint |
	1<<isa.CauseLoadAddrMisaligned |
	1<<isa.CauseLoadAccessFault |
	1<<isa.CauseStoreAddrMisaligned |
	1<<isa.CauseStoreAccessFault |
	1<<isa.CauseEcallFromU |
	1<<isa.CauseEcallFromS

var (
	// ErrPrivilege is returned when a CSR is accessed from a privilege level
	// below the one encoded in its address.
	ErrPrivilege = errors.New("csr: insufficient privilege")
	// ErrReadOnly is returned on writes to a read-only CSR.
	ErrReadOnly = errors.New("csr: write to read-only register")
)

// AccessError describes a rejected CSR access. The hart turns it into an
// illegal instruction exception.
type AccessError struct {
	Addr  uint16
	Priv  isa.Privilege
	Write bool
	Err   error
}

func (e *AccessError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("csr %s %#03x from %s: %v", op, e.Addr, e.Priv, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

var _ error = &AccessError{}

// reg is the closed enumeration of CSRs with backing storage. Views and
// constant registers have no slot.
type reg uint8

const (
	regMstatus reg = iota
	regMisa
	regMedeleg
	regMideleg
	regMie
	regMtvec
	regMcounteren
	regMscratch
	regMepc
	regMcause
	regMtval
	regMip
	regMcycle
	regMinstret
	regStvec
	regScounteren
	regSscratch
	regSepc
	regScause
	regStval
	regSatp
	numRegs
)

var storage = map[uint16]reg{
	Mstatus:    regMstatus,
	Misa:       regMisa,
	Medeleg:    regMedeleg,
	Mideleg:    regMideleg,
	Mie:        regMie,
	Mtvec:      regMtvec,
	Mcounteren: regMcounteren,
	Mscratch:   regMscratch,
	Mepc:       regMepc,
	Mcause:     regMcause,
	Mtval:      regMtval,
	Mip:        regMip,
	Mcycle:     regMcycle,
	Minstret:   regMinstret,
	Stvec:      regStvec,
	Scounteren: regScounteren,
	Sscratch:   regSscratch,
	Sepc:       regSepc,
	Scause:     regScause,
	Stval:      regStval,
	Satp:       regSatp,
}

// TimeSource returns the current value of the platform timer.
type TimeSource func() uint64

// File is the CSR space of one hart.
type File struct {
	xlen   isa.Xlen
	hartID uint64
	regs   [numRegs]uint64
	time   TimeSource
}

// New returns a CSR file in its reset state.
func New(xlen isa.Xlen, hartID uint64) *File {
	f := &File{xlen: xlen, hartID: hartID}
	f.Reset()
	return f
}

// Reset restores every register to its reset value.
func (f *File) Reset() {
	f.regs = [numRegs]uint64{}

	ext := isa.MisaI | isa.MisaM | isa.MisaA | isa.MisaS | isa.MisaU
	if f.xlen == isa.XLEN32 {
		f.regs[regMisa] = 1<<30 | ext
	} else {
		f.regs[regMisa] = 2<<62 | ext
		// UXL and SXL are fixed at 64 bits.
		f.regs[regMstatus] = 2<<32 | 2<<34
	}
}

// SetTimeSource installs the source read by the time CSR. Without one, time
// mirrors mcycle.
func (f *File) SetTimeSource(src TimeSource) {
	f.time = src
}

// Xlen returns the register width of the file.
func (f *File) Xlen() isa.Xlen { return f.xlen }

// Known reports whether addr is part of the implemented CSR set.
func (f *File) Known(addr uint16) bool {
	if _, ok := storage[addr]; ok {
		return true
	}
	switch addr {
	case Sstatus, Sie, Sip, Cycle, Time, Instret,
		Mvendorid, Marchid, Mimpid, Mhartid:
		return true
	case Mcycleh, Minstreth, Cycleh, Timeh, Instreth:
		return f.xlen == isa.XLEN32
	}
	return false
}

func (f *File) now() uint64 {
	if f.time != nil {
		return f.time()
	}
	return f.regs[regMcycle]
}

// Get returns the value of a CSR without access checks. Views resolve to
// their machine register; unknown addresses read as zero.
func (f *File) Get(addr uint16) uint64 {
	mask := f.xlen.Mask()

	switch addr {
	case Sstatus:
		return f.regs[regMstatus] & SstatusMask & mask
	case Sie:
		return f.regs[regMie] & SupervisorInterrupts
	case Sip:
		return f.regs[regMip] & SupervisorInterrupts
	case Cycle:
		return f.regs[regMcycle] & mask
	case Instret:
		return f.regs[regMinstret] & mask
	case Time:
		return f.now() & mask
	case Mvendorid, Marchid, Mimpid:
		return 0
	case Mhartid:
		return f.hartID
	}

	if f.xlen == isa.XLEN32 {
		switch addr {
		case Mcycleh, Cycleh:
			return f.regs[regMcycle] >> 32
		case Minstreth, Instreth:
			return f.regs[regMinstret] >> 32
		case Timeh:
			return f.now() >> 32
		}
	}

	if r, ok := storage[addr]; ok {
		if r == regMcycle || r == regMinstret {
			return f.regs[r] & mask
		}
		return f.regs[r]
	}
	return 0
}

// Set stores a CSR without access checks or WARL legalisation beyond the
// register width. Views merge into their machine register through the view
// mask. Writes to unknown or constant registers are discarded.
func (f *File) Set(addr uint16, value uint64) {
	value &= f.xlen.Mask()

	switch addr {
	case Sstatus:
		f.regs[regMstatus] = f.regs[regMstatus]&^SstatusMask | value&SstatusMask
		return
	case Sie:
		f.regs[regMie] = f.regs[regMie]&^SupervisorInterrupts | value&SupervisorInterrupts
		return
	case Sip:
		f.regs[regMip] = f.regs[regMip]&^SupervisorInterrupts | value&SupervisorInterrupts
		return
	}

	if f.xlen == isa.XLEN32 {
		switch addr {
		case Mcycleh:
			f.regs[regMcycle] = f.regs[regMcycle]&0xffff_ffff | value<<32
			return
		case Minstreth:
			f.regs[regMinstret] = f.regs[regMinstret]&0xffff_ffff | value<<32
			return
		case Mcycle:
			f.regs[regMcycle] = f.regs[regMcycle]&^0xffff_ffff | value
			return
		case Minstret:
			f.regs[regMinstret] = f.regs[regMinstret]&^0xffff_ffff | value
			return
		}
	}

	if r, ok := storage[addr]; ok {
		f.regs[r] = value
	}
}

// Read performs a guest CSR read from privilege level priv.
func (f *File) Read(addr uint16, priv isa.Privilege) (uint64, error) {
	if isa.Privilege((addr>>8)&3) > priv {
		return 0, &AccessError{Addr: addr, Priv: priv, Err: ErrPrivilege}
	}
	return f.Get(addr), nil
}

// Write performs a guest CSR write from privilege level priv, applying the
// write mask of the register.
func (f *File) Write(addr uint16, value uint64, priv isa.Privilege) error {
	if isa.Privilege((addr>>8)&3) > priv {
		return &AccessError{Addr: addr, Priv: priv, Write: true, Err: ErrPrivilege}
	}
	if addr>>10 == 3 {
		return &AccessError{Addr: addr, Priv: priv, Write: true, Err: ErrReadOnly}
	}

	value &= f.xlen.Mask()

	switch addr {
	case Mstatus:
		// MPP=2 is reserved and reads back as U.
		if (value&isa.MstatusMPP)>>isa.MstatusMPPShift == 2 {
			value &^= isa.MstatusMPP
		}
		f.Set(Mstatus, f.regs[regMstatus]&^mstatusWritable|value&mstatusWritable)
	case Sstatus:
		f.Set(Sstatus, value)
	case Misa:
		// Extensions are fixed.
	case Medeleg:
		f.Set(Medeleg, value&medelegWritable)
	case Mideleg:
		f.Set(Mideleg, value&SupervisorInterrupts)
	case Mie:
		f.Set(Mie, value&AllInterrupts)
	case Sie:
		f.Set(Sie, value)
	case Mip:
		// MSIP, MTIP and MEIP are driven by devices.
		f.Set(Mip, f.regs[regMip]&^SupervisorInterrupts|value&SupervisorInterrupts)
	case Sip:
		// STIP and SEIP are read-only from supervisor context.
		f.regs[regMip] = f.regs[regMip]&^isa.MipSSIP | value&isa.MipSSIP
	case Mepc, Sepc:
		f.Set(addr, value&^3)
	default:
		f.Set(addr, value)
	}
	return nil
}

// SetPending updates the device-driven bits of mip selected by mask.
func (f *File) SetPending(mask, value uint64) {
	f.regs[regMip] = f.regs[regMip]&^mask | value&mask
}

// Pending returns the interrupts that are both pending and enabled.
func (f *File) Pending() uint64 {
	return f.regs[regMip] & f.regs[regMie]
}

// Tick advances mcycle and, when an instruction retired, minstret.
func (f *File) Tick(retired bool) {
	f.regs[regMcycle]++
	if retired {
		f.regs[regMinstret]++
	}
}

// Name returns the assembler name of a CSR address, or its hex form when the
// address is not implemented.
func Name(addr uint16) string {
	if n, ok := names[addr]; ok {
		return n
	}
	return fmt.Sprintf("csr%#03x", addr)
}

var names = map[uint16]string{
	Sstatus:    "sstatus",
	Sie:        "sie",
	Stvec:      "stvec",
	Scounteren: "scounteren",
	Sscratch:   "sscratch",
	Sepc:       "sepc",
	Scause:     "scause",
	Stval:      "stval",
	Sip:        "sip",
	Satp:       "satp",
	Mstatus:    "mstatus",
	Misa:       "misa",
	Medeleg:    "medeleg",
	Mideleg:    "mideleg",
	Mie:        "mie",
	Mtvec:      "mtvec",
	Mcounteren: "mcounteren",
	Mscratch:   "mscratch",
	Mepc:       "mepc",
	Mcause:     "mcause",
	Mtval:      "mtval",
	Mip:        "mip",
	Mcycle:     "mcycle",
	Minstret:   "minstret",
	Mcycleh:    "mcycleh",
	Minstreth:  "minstreth",
	Cycle:      "cycle",
	Time:       "time",
	Instret:    "instret",
	Cycleh:     "cycleh",
	Timeh:      "timeh",
	Instreth:   "instreth",
	Mvendorid:  "mvendorid",
	Marchid:    "marchid",
	Mimpid:     "mimpid",
	Mhartid:    "mhartid",
}
