package hart

import (
	"fmt"

	"github.com/Chungws/riscv-emulator/internal/csr"
	"github.com/Chungws/riscv-emulator/internal/isa"
)

// trapRegs names the CSRs used when a trap targets one privilege level.
type trapRegs struct {
	tvec, epc, cause, tval uint16
}

var (
	machineTrap    = trapRegs{csr.Mtvec, csr.Mepc, csr.Mcause, csr.Mtval}
	supervisorTrap = trapRegs{csr.Stvec, csr.Sepc, csr.Scause, csr.Stval}
)

// trapTarget returns the privilege level that handles a trap. Traps taken
// below machine mode go to supervisor mode when the cause is delegated.
func (cpu *CPU) trapTarget(code uint64, interrupt bool) isa.Privilege {
	if cpu.Priv > isa.PrivSupervisor {
		return isa.PrivMachine
	}
	deleg := cpu.CSR.Get(csr.Medeleg)
	if interrupt {
		deleg = cpu.CSR.Get(csr.Mideleg)
	}
	if code < 64 && deleg&(1<<code) != 0 {
		return isa.PrivSupervisor
	}
	return isa.PrivMachine
}

// takeTrap enters the trap handler for an exception or interrupt with the
// given code. PC must hold the address of the trapping instruction.
//
// An exception whose handler vector is zero cannot be delivered; it is
// returned as a *FatalError, or as an *ExitError for a machine-mode ecall
// when ecall exits are enabled.
func (cpu *CPU) takeTrap(code, tval uint64, interrupt bool) error {
	target := cpu.trapTarget(code, interrupt)
	regs := machineTrap
	if target == isa.PrivSupervisor {
		regs = supervisorTrap
	}

	tvec := cpu.CSR.Get(regs.tvec)
	base := tvec &^ 3
	if base == 0 && !interrupt {
		return cpu.unhandled(code, tval)
	}

	cpu.state = StateTrapEntry

	cause := code
	if interrupt {
		cause |= cpu.xlen.InterruptBit()
	}

	cpu.CSR.Set(regs.epc, cpu.PC)
	cpu.CSR.Set(regs.cause, cause)
	cpu.CSR.Set(regs.tval, tval)

	mstatus := cpu.CSR.Get(csr.Mstatus)
	if target == isa.PrivSupervisor {
		// Save current SIE to SPIE
		if mstatus&isa.MstatusSIE != 0 {
			mstatus |= isa.MstatusSPIE
		} else {
			mstatus &^= isa.MstatusSPIE
		}
		mstatus &^= isa.MstatusSIE

		// Save current privilege to SPP
		if cpu.Priv == isa.PrivSupervisor {
			mstatus |= isa.MstatusSPP
		} else {
			mstatus &^= isa.MstatusSPP
		}
	} else {
		// Save current MIE to MPIE
		if mstatus&isa.MstatusMIE != 0 {
			mstatus |= isa.MstatusMPIE
		} else {
			mstatus &^= isa.MstatusMPIE
		}
		mstatus &^= isa.MstatusMIE

		// Save current privilege to MPP
		mstatus &^= isa.MstatusMPP
		mstatus |= uint64(cpu.Priv) << isa.MstatusMPPShift
	}
	cpu.CSR.Set(csr.Mstatus, mstatus)

	from := cpu.Priv
	pc := cpu.PC
	cpu.Priv = target

	// Vectored mode only applies to interrupts.
	if tvec&3 != 0 && interrupt {
		cpu.PC = (base + 4*code) & cpu.mask
	} else {
		cpu.PC = base
	}

	cpu.state = StateTrapped
	cpu.log.Debug("trap",
		"hart", cpu.ID,
		"cause", causeName(code, interrupt),
		"from", from,
		"to", target,
		"epc", hex(pc),
		"tval", hex(tval),
		"vector", hex(cpu.PC),
	)
	if cpu.tracer != nil {
		cpu.tracer.Trap(cpu.ID, pc, cause, tval)
	}
	return nil
}

// unhandled converts an undeliverable exception into the error that ends
// the run.
func (cpu *CPU) unhandled(code, tval uint64) error {
	if code == isa.CauseEcallFromM && cpu.ecallExit {
		return &ExitError{Hart: cpu.ID, Code: cpu.ReadReg(10)}
	}

	var err error
	switch code {
	case isa.CauseIllegalInsn:
		err = ErrIllegalInstruction
	case isa.CauseInsnAccessFault, isa.CauseLoadAccessFault, isa.CauseStoreAccessFault:
		err = ErrAccessFault
	case isa.CauseInsnAddrMisaligned, isa.CauseLoadAddrMisaligned, isa.CauseStoreAddrMisaligned:
		err = ErrMisaligned
	default:
		err = fmt.Errorf("%w: %s", ErrUnhandledTrap, causeName(code, false))
	}
	return &FatalError{Hart: cpu.ID, PC: cpu.PC, Cause: code, Tval: tval, Err: err}
}

var exceptionNames = map[uint64]string{
	isa.CauseInsnAddrMisaligned:  "instruction address misaligned",
	isa.CauseInsnAccessFault:     "instruction access fault",
	isa.CauseIllegalInsn:         "illegal instruction",
	isa.CauseBreakpoint:          "breakpoint",
	isa.CauseLoadAddrMisaligned:  "load address misaligned",
	isa.CauseLoadAccessFault:     "load access fault",
	isa.CauseStoreAddrMisaligned: "store/AMO address misaligned",
	isa.CauseStoreAccessFault:    "store/AMO access fault",
	isa.CauseEcallFromU:          "ecall from U",
	isa.CauseEcallFromS:          "ecall from S",
	isa.CauseEcallFromM:          "ecall from M",
}

var interruptNames = map[uint64]string{
	isa.IntSSoftware: "supervisor software interrupt",
	isa.IntMSoftware: "machine software interrupt",
	isa.IntSTimer:    "supervisor timer interrupt",
	isa.IntMTimer:    "machine timer interrupt",
	isa.IntSExternal: "supervisor external interrupt",
	isa.IntMExternal: "machine external interrupt",
}

// causeName describes a trap cause code.
func causeName(code uint64, interrupt bool) string {
	names := exceptionNames
	if interrupt {
		names = interruptNames
	}
	if n, ok := names[code]; ok {
		return n
	}
	return fmt.Sprintf("cause %d", code)
}

// CauseName describes the value of an mcause or scause register.
func CauseName(xlen isa.Xlen, cause uint64) string {
	bit := xlen.InterruptBit()
	return causeName(cause&^bit, cause&bit != 0)
}

type hex uint64

func (h hex) String() string { return fmt.Sprintf("0x%x", uint64(h)) }
