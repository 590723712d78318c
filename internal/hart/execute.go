package hart

import (
	"errors"

	"github.com/Chungws/riscv-emulator/internal/decoder"
	"github.com/Chungws/riscv-emulator/internal/isa"
)

// Step executes one instruction, or takes one pending interrupt. Exceptions
// raised by the instruction are delivered to the guest trap handler; an error
// is returned only when execution cannot continue.
func (cpu *CPU) Step() error {
	if code, ok := cpu.pendingInterrupt(); ok {
		cpu.WFI = false
		cpu.CSR.Tick(false)
		return cpu.takeTrap(code, 0, true)
	}
	if cpu.WFI {
		// Any enabled pending interrupt ends the wait, even one that is
		// globally masked.
		if cpu.CSR.Pending() == 0 {
			cpu.CSR.Tick(false)
			return nil
		}
		cpu.WFI = false
	}

	pc := cpu.PC
	insn, err := cpu.Bus.Read32(pc)
	if err != nil {
		cpu.CSR.Tick(false)
		return cpu.takeTrap(isa.CauseInsnAccessFault, pc, false)
	}

	err = cpu.Execute(insn)
	if err != nil {
		cpu.CSR.Tick(false)
		var exc ExceptionError
		if errors.As(err, &exc) {
			cpu.PC = pc
			return cpu.takeTrap(exc.Cause, exc.Tval, false)
		}
		return err
	}

	cpu.CSR.Tick(true)
	if cpu.tracer != nil {
		cpu.tracer.Retire(cpu.ID, pc, insn)
	}
	return nil
}

// Execute executes a single instruction word at PC and advances PC.
func (cpu *CPU) Execute(insn uint32) error {
	d := decoder.Decode(insn)
	next := cpu.PC + 4

	var err error
	switch d.Opcode {
	case isa.OpLui:
		cpu.WriteReg(d.Rd, uint64(d.Imm))
	case isa.OpAuipc:
		cpu.WriteReg(d.Rd, cpu.PC+uint64(d.Imm))
	case isa.OpJal:
		return cpu.jump(d.Rd, cpu.PC+uint64(d.Imm))
	case isa.OpJalr:
		if d.Funct3 != 0 {
			return Exception(isa.CauseIllegalInsn, uint64(insn))
		}
		return cpu.jump(d.Rd, (cpu.ReadReg(d.Rs1)+uint64(d.Imm))&^1)
	case isa.OpBranch:
		return cpu.execBranch(d)
	case isa.OpLoad:
		err = cpu.execLoad(d)
	case isa.OpStore:
		err = cpu.execStore(d)
	case isa.OpOpImm:
		err = cpu.execOpImm(d)
	case isa.OpOpImm32:
		err = cpu.execOpImm32(d)
	case isa.OpOp:
		err = cpu.execOp(d)
	case isa.OpOp32:
		err = cpu.execOp32(d)
	case isa.OpMiscMem:
		err = cpu.execMiscMem(d)
	case isa.OpAMO:
		err = cpu.execAMO(d)
	case isa.OpSystem:
		return cpu.execSystem(d)
	default:
		return Exception(isa.CauseIllegalInsn, uint64(insn))
	}

	if err != nil {
		return err
	}
	cpu.PC = next & cpu.mask
	return nil
}

// jump writes the link register and moves PC to target. Targets must be
// 4-byte aligned.
func (cpu *CPU) jump(rd uint32, target uint64) error {
	target &= cpu.mask
	if target&3 != 0 {
		return Exception(isa.CauseInsnAddrMisaligned, target)
	}
	cpu.WriteReg(rd, cpu.PC+4)
	cpu.PC = target
	return nil
}

// Branch instructions
func (cpu *CPU) execBranch(d decoder.Instruction) error {
	r1 := cpu.ReadReg(d.Rs1)
	r2 := cpu.ReadReg(d.Rs2)

	var taken bool
	switch d.Funct3 {
	case 0b000: // BEQ
		taken = r1 == r2
	case 0b001: // BNE
		taken = r1 != r2
	case 0b100: // BLT
		taken = cpu.signed(r1) < cpu.signed(r2)
	case 0b101: // BGE
		taken = cpu.signed(r1) >= cpu.signed(r2)
	case 0b110: // BLTU
		taken = r1 < r2
	case 0b111: // BGEU
		taken = r1 >= r2
	default:
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}

	if taken {
		return cpu.jump(0, cpu.PC+uint64(d.Imm))
	}
	cpu.PC = (cpu.PC + 4) & cpu.mask
	return nil
}

// Load instructions
func (cpu *CPU) execLoad(d decoder.Instruction) error {
	addr := (cpu.ReadReg(d.Rs1) + uint64(d.Imm)) & cpu.mask
	rv64 := cpu.xlen == isa.XLEN64

	var val uint64
	var err error

	switch d.Funct3 {
	case 0b000: // LB
		v, e := cpu.Bus.Read8(addr)
		val, err = uint64(int8(v)), e
	case 0b001: // LH
		v, e := cpu.Bus.Read16(addr)
		val, err = uint64(int16(v)), e
	case 0b010: // LW
		v, e := cpu.Bus.Read32(addr)
		val, err = uint64(int32(v)), e
	case 0b011: // LD
		if !rv64 {
			return Exception(isa.CauseIllegalInsn, uint64(d.Word))
		}
		val, err = cpu.Bus.Read64(addr)
	case 0b100: // LBU
		v, e := cpu.Bus.Read8(addr)
		val, err = uint64(v), e
	case 0b101: // LHU
		v, e := cpu.Bus.Read16(addr)
		val, err = uint64(v), e
	case 0b110: // LWU
		if !rv64 {
			return Exception(isa.CauseIllegalInsn, uint64(d.Word))
		}
		v, e := cpu.Bus.Read32(addr)
		val, err = uint64(v), e
	default:
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}

	if err != nil {
		return Exception(isa.CauseLoadAccessFault, addr)
	}

	cpu.WriteReg(d.Rd, val)
	return nil
}

// Store instructions
func (cpu *CPU) execStore(d decoder.Instruction) error {
	addr := (cpu.ReadReg(d.Rs1) + uint64(d.Imm)) & cpu.mask
	val := cpu.ReadReg(d.Rs2)

	if d.Funct3 > 0b011 || (d.Funct3 == 0b011 && cpu.xlen == isa.XLEN32) {
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}

	// Check for stop on zero
	if cpu.stopOnZero && addr == 0 {
		return ErrHalt
	}

	var err error
	switch d.Funct3 {
	case 0b000: // SB
		err = cpu.Bus.Write8(addr, uint8(val))
	case 0b001: // SH
		err = cpu.Bus.Write16(addr, uint16(val))
	case 0b010: // SW
		err = cpu.Bus.Write32(addr, uint32(val))
	case 0b011: // SD
		err = cpu.Bus.Write64(addr, val)
	}

	if err != nil {
		return Exception(isa.CauseStoreAccessFault, addr)
	}

	return nil
}

// Immediate ALU operations
func (cpu *CPU) execOpImm(d decoder.Instruction) error {
	r1 := cpu.ReadReg(d.Rs1)
	imm := uint64(d.Imm) & cpu.mask

	var val uint64
	switch d.Funct3 {
	case 0b000: // ADDI
		val = r1 + imm
	case 0b010: // SLTI
		if cpu.signed(r1) < d.Imm {
			val = 1
		}
	case 0b011: // SLTIU
		if r1 < imm {
			val = 1
		}
	case 0b100: // XORI
		val = r1 ^ imm
	case 0b110: // ORI
		val = r1 | imm
	case 0b111: // ANDI
		val = r1 & imm
	case 0b001: // SLLI
		if !cpu.validShiftImm(d, false) || d.Funct7>>1 != 0 {
			return Exception(isa.CauseIllegalInsn, uint64(d.Word))
		}
		val = r1 << d.Shamt(cpu.xlen, false)
	case 0b101: // SRLI/SRAI
		if !cpu.validShiftImm(d, false) {
			return Exception(isa.CauseIllegalInsn, uint64(d.Word))
		}
		sh := d.Shamt(cpu.xlen, false)
		switch d.Funct7 >> 1 {
		case 0b000000: // SRLI
			val = r1 >> sh
		case 0b010000: // SRAI
			val = uint64(cpu.signed(r1) >> sh)
		default:
			return Exception(isa.CauseIllegalInsn, uint64(d.Word))
		}
	}

	cpu.WriteReg(d.Rd, val)
	return nil
}

// validShiftImm rejects shift amounts wider than the operation allows.
func (cpu *CPU) validShiftImm(d decoder.Instruction, word bool) bool {
	if word || cpu.xlen == isa.XLEN32 {
		// imm[5] must be zero.
		return d.Funct7&1 == 0
	}
	return true
}

// Immediate ALU operations on the low 32 bits (RV64 only)
func (cpu *CPU) execOpImm32(d decoder.Instruction) error {
	if cpu.xlen != isa.XLEN64 {
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}
	r1 := uint32(cpu.ReadReg(d.Rs1))

	var val uint32
	switch d.Funct3 {
	case 0b000: // ADDIW
		val = r1 + uint32(d.Imm)
	case 0b001: // SLLIW
		if d.Funct7 != 0 {
			return Exception(isa.CauseIllegalInsn, uint64(d.Word))
		}
		val = r1 << d.Shamt(cpu.xlen, true)
	case 0b101: // SRLIW/SRAIW
		sh := d.Shamt(cpu.xlen, true)
		switch d.Funct7 {
		case 0b0000000: // SRLIW
			val = r1 >> sh
		case 0b0100000: // SRAIW
			val = uint32(int32(r1) >> sh)
		default:
			return Exception(isa.CauseIllegalInsn, uint64(d.Word))
		}
	default:
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}

	cpu.WriteReg(d.Rd, uint64(int32(val)))
	return nil
}

// Register ALU operations
func (cpu *CPU) execOp(d decoder.Instruction) error {
	r1 := cpu.ReadReg(d.Rs1)
	r2 := cpu.ReadReg(d.Rs2)

	if d.Funct7 == 0b0000001 {
		val, err := cpu.execMulDiv(d, r1, r2)
		if err != nil {
			return err
		}
		cpu.WriteReg(d.Rd, val)
		return nil
	}

	shmask := uint64(63)
	if cpu.xlen == isa.XLEN32 {
		shmask = 31
	}

	var val uint64
	switch {
	case d.Funct3 == 0b000 && d.Funct7 == 0b0000000: // ADD
		val = r1 + r2
	case d.Funct3 == 0b000 && d.Funct7 == 0b0100000: // SUB
		val = r1 - r2
	case d.Funct3 == 0b001 && d.Funct7 == 0: // SLL
		val = r1 << (r2 & shmask)
	case d.Funct3 == 0b010 && d.Funct7 == 0: // SLT
		if cpu.signed(r1) < cpu.signed(r2) {
			val = 1
		}
	case d.Funct3 == 0b011 && d.Funct7 == 0: // SLTU
		if r1 < r2 {
			val = 1
		}
	case d.Funct3 == 0b100 && d.Funct7 == 0: // XOR
		val = r1 ^ r2
	case d.Funct3 == 0b101 && d.Funct7 == 0b0000000: // SRL
		val = r1 >> (r2 & shmask)
	case d.Funct3 == 0b101 && d.Funct7 == 0b0100000: // SRA
		val = uint64(cpu.signed(r1) >> (r2 & shmask))
	case d.Funct3 == 0b110 && d.Funct7 == 0: // OR
		val = r1 | r2
	case d.Funct3 == 0b111 && d.Funct7 == 0: // AND
		val = r1 & r2
	default:
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}

	cpu.WriteReg(d.Rd, val)
	return nil
}

// Register ALU operations on the low 32 bits (RV64 only)
func (cpu *CPU) execOp32(d decoder.Instruction) error {
	if cpu.xlen != isa.XLEN64 {
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}
	r1 := uint32(cpu.ReadReg(d.Rs1))
	r2 := uint32(cpu.ReadReg(d.Rs2))

	if d.Funct7 == 0b0000001 {
		val, err := execMulDivW(d, r1, r2)
		if err != nil {
			return err
		}
		cpu.WriteReg(d.Rd, uint64(int32(val)))
		return nil
	}

	var val uint32
	switch {
	case d.Funct3 == 0b000 && d.Funct7 == 0b0000000: // ADDW
		val = r1 + r2
	case d.Funct3 == 0b000 && d.Funct7 == 0b0100000: // SUBW
		val = r1 - r2
	case d.Funct3 == 0b001 && d.Funct7 == 0: // SLLW
		val = r1 << (r2 & 0x1f)
	case d.Funct3 == 0b101 && d.Funct7 == 0b0000000: // SRLW
		val = r1 >> (r2 & 0x1f)
	case d.Funct3 == 0b101 && d.Funct7 == 0b0100000: // SRAW
		val = uint32(int32(r1) >> (r2 & 0x1f))
	default:
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}

	cpu.WriteReg(d.Rd, uint64(int32(val)))
	return nil
}

// FENCE and FENCE.I. Memory is sequentially consistent across harts, so both
// only need to be recognised.
func (cpu *CPU) execMiscMem(d decoder.Instruction) error {
	switch d.Funct3 {
	case 0b000: // FENCE
		f := d.Fence()
		if f.FM != 0 && f.FM != 0b1000 {
			// Reserved fence modes behave as a normal fence.
			cpu.log.Debug("reserved fence mode", "hart", cpu.ID, "fm", f.FM)
		}
		return nil
	case 0b001: // FENCE.I
		return nil
	default:
		return Exception(isa.CauseIllegalInsn, uint64(d.Word))
	}
}
