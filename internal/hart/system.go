package hart

import (
	"github.com/Chungws/riscv-emulator/internal/csr"
	"github.com/Chungws/riscv-emulator/internal/decoder"
	"github.com/Chungws/riscv-emulator/internal/isa"
)

// SYSTEM instruction words with no operands
const (
	insnEcall  = 0x00000073
	insnEbreak = 0x00100073
	insnSret   = 0x10200073
	insnMret   = 0x30200073
	insnWfi    = 0x10500073
)

// System instructions (ECALL, EBREAK, CSR, etc.)
func (cpu *CPU) execSystem(d decoder.Instruction) error {
	if d.Funct3 == 0 {
		switch d.Word {
		case insnEcall:
			return cpu.handleEcall()
		case insnEbreak:
			return Exception(isa.CauseBreakpoint, cpu.PC)
		case insnMret:
			return cpu.handleMret()
		case insnSret:
			return cpu.handleSret()
		case insnWfi:
			return cpu.handleWfi()
		}
		// SFENCE.VMA
		if d.Funct7 == 0b0001001 && d.Rd == 0 {
			if cpu.Priv == isa.PrivUser ||
				(cpu.Priv == isa.PrivSupervisor && cpu.CSR.Get(csr.Mstatus)&isa.MstatusTVM != 0) {
				return Exception(isa.CauseIllegalInsn, uint64(d.Word))
			}
			cpu.PC = (cpu.PC + 4) & cpu.mask
			return nil
		}
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}

	if err := cpu.execCSR(d); err != nil {
		return err
	}
	cpu.PC = (cpu.PC + 4) & cpu.mask
	return nil
}

// execCSR implements the six Zicsr instructions: read the old value,
// conditionally write the new one, then place the old value in rd.
func (cpu *CPU) execCSR(d decoder.Instruction) error {
	addr := d.CSR()
	illegal := Exception(isa.CauseIllegalInsn, uint64(d.Word))

	if addr == csr.Satp && cpu.Priv == isa.PrivSupervisor &&
		cpu.CSR.Get(csr.Mstatus)&isa.MstatusTVM != 0 {
		return illegal
	}

	src := cpu.ReadReg(d.Rs1)
	if d.Funct3 >= 5 {
		// Immediate forms use rs1 field as immediate
		src = d.Zimm()
	}

	old, err := cpu.CSR.Read(addr, cpu.Priv)
	if err != nil {
		return illegal
	}

	var val uint64
	var write bool
	switch d.Funct3 & 3 {
	case 1: // CSRRW(I)
		val, write = src, true
	case 2: // CSRRS(I)
		val, write = old|src, src != 0
	case 3: // CSRRC(I)
		val, write = old&^src, src != 0
	default:
		return illegal
	}

	if write {
		if err := cpu.CSR.Write(addr, val, cpu.Priv); err != nil {
			return illegal
		}
	}

	cpu.WriteReg(d.Rd, old)
	return nil
}

// handleEcall raises the environment call exception for the current level.
func (cpu *CPU) handleEcall() error {
	switch cpu.Priv {
	case isa.PrivUser:
		return Exception(isa.CauseEcallFromU, 0)
	case isa.PrivSupervisor:
		return Exception(isa.CauseEcallFromS, 0)
	default:
		return Exception(isa.CauseEcallFromM, 0)
	}
}

func (cpu *CPU) handleWfi() error {
	mstatus := cpu.CSR.Get(csr.Mstatus)
	if cpu.Priv == isa.PrivUser ||
		(cpu.Priv == isa.PrivSupervisor && mstatus&isa.MstatusTW != 0) {
		return Exception(isa.CauseIllegalInsn, insnWfi)
	}
	cpu.WFI = true
	cpu.PC = (cpu.PC + 4) & cpu.mask
	return nil
}

// handleMret handles machine-mode return
func (cpu *CPU) handleMret() error {
	if cpu.Priv < isa.PrivMachine {
		return Exception(isa.CauseIllegalInsn, insnMret)
	}
	cpu.state = StateTrapReturn

	mstatus := cpu.CSR.Get(csr.Mstatus)
	mpp := isa.Privilege((mstatus & isa.MstatusMPP) >> isa.MstatusMPPShift)

	// Restore MIE from MPIE
	if mstatus&isa.MstatusMPIE != 0 {
		mstatus |= isa.MstatusMIE
	} else {
		mstatus &^= isa.MstatusMIE
	}
	mstatus |= isa.MstatusMPIE
	mstatus &^= isa.MstatusMPP
	if mpp != isa.PrivMachine {
		mstatus &^= isa.MstatusMPRV
	}
	cpu.CSR.Set(csr.Mstatus, mstatus)

	cpu.Priv = mpp
	cpu.PC = cpu.CSR.Get(csr.Mepc)
	cpu.returned("mret")
	return nil
}

// handleSret handles supervisor-mode return
func (cpu *CPU) handleSret() error {
	mstatus := cpu.CSR.Get(csr.Mstatus)
	if cpu.Priv < isa.PrivSupervisor ||
		(cpu.Priv == isa.PrivSupervisor && mstatus&isa.MstatusTSR != 0) {
		return Exception(isa.CauseIllegalInsn, insnSret)
	}
	cpu.state = StateTrapReturn

	// Restore privilege level from SPP
	priv := isa.PrivUser
	if mstatus&isa.MstatusSPP != 0 {
		priv = isa.PrivSupervisor
	}

	// Restore SIE from SPIE
	if mstatus&isa.MstatusSPIE != 0 {
		mstatus |= isa.MstatusSIE
	} else {
		mstatus &^= isa.MstatusSIE
	}
	mstatus |= isa.MstatusSPIE
	mstatus &^= isa.MstatusSPP
	mstatus &^= isa.MstatusMPRV
	cpu.CSR.Set(csr.Mstatus, mstatus)

	cpu.Priv = priv
	cpu.PC = cpu.CSR.Get(csr.Sepc)
	cpu.returned("sret")
	return nil
}

func (cpu *CPU) returned(insn string) {
	cpu.state = StateNormal
	cpu.log.Debug("trap return", "hart", cpu.ID, "insn", insn, "priv", cpu.Priv, "pc", hex(cpu.PC))
}
