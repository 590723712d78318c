// Package riscv assembles RV32/RV64 IMA and Zicsr instructions into
// fragments for the asm package.
package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/Chungws/riscv-emulator/internal/asm"
)

const (
	X0 asm.Variable = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
)

// ABI register names
const (
	Zero = X0
	RA   = X1
	SP   = X2
	GP   = X3
	TP   = X4
	T0   = X5
	T1   = X6
	T2   = X7
	S0   = X8
	S1   = X9
	A0   = X10
	A1   = X11
	A2   = X12
	A3   = X13
	A4   = X14
	A5   = X15
	A6   = X16
	A7   = X17
	T3   = X28
	T4   = X29
	T5   = X30
	T6   = X31
)

// Opcodes
const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opOpImm   = 0x13
	opAuipc   = 0x17
	opOpImm32 = 0x1b
	opStore   = 0x23
	opAMO     = 0x2f
	opOp      = 0x33
	opLui     = 0x37
	opOp32    = 0x3b
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6f
	opSystem  = 0x73
)

// word is a fully encoded instruction, or the error found while encoding it.
type word struct {
	insn uint32
	err  error
}

func (w word) Emit(ctx asm.Context) error {
	if w.err != nil {
		return w.err
	}
	emitInsn(ctx, w.insn)
	return nil
}

func checkReg(regs ...asm.Variable) error {
	for _, r := range regs {
		if r < 0 || r > 31 {
			return fmt.Errorf("riscv: invalid register x%d", int(r))
		}
	}
	return nil
}

func rType(f7 uint32, rs2, rs1 asm.Variable, f3 uint32, rd asm.Variable, op uint32) asm.Fragment {
	if err := checkReg(rd, rs1, rs2); err != nil {
		return word{err: err}
	}
	return word{insn: f7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op}
}

func iType(imm int32, rs1 asm.Variable, f3 uint32, rd asm.Variable, op uint32) asm.Fragment {
	if err := checkReg(rd, rs1); err != nil {
		return word{err: err}
	}
	insn, err := encodeI(imm, uint32(rs1), f3, uint32(rd), op)
	return word{insn: insn, err: err}
}

func sType(imm int32, rs1, rs2 asm.Variable, f3 uint32) asm.Fragment {
	if err := checkReg(rs1, rs2); err != nil {
		return word{err: err}
	}
	insn, err := encodeS(imm, uint32(rs1), uint32(rs2), f3, opStore)
	return word{insn: insn, err: err}
}

func shift(rd, rs1 asm.Variable, shamt uint32, f3, f7 uint32, op uint32, limit uint32) asm.Fragment {
	if shamt >= limit {
		return word{err: fmt.Errorf("riscv: shift amount %d out of range", shamt)}
	}
	if err := checkReg(rd, rs1); err != nil {
		return word{err: err}
	}
	return word{insn: f7<<25 | shamt<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op}
}

// RV32I/RV64I register-register operations
func Add(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0, rs2, rs1, 0, rd, opOp) }
func Sub(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x20, rs2, rs1, 0, rd, opOp) }
func Sll(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0, rs2, rs1, 1, rd, opOp) }
func Slt(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0, rs2, rs1, 2, rd, opOp) }
func Sltu(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0, rs2, rs1, 3, rd, opOp) }
func Xor(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0, rs2, rs1, 4, rd, opOp) }
func Srl(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0, rs2, rs1, 5, rd, opOp) }
func Sra(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x20, rs2, rs1, 5, rd, opOp) }
func Or(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(0, rs2, rs1, 6, rd, opOp) }
func And(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0, rs2, rs1, 7, rd, opOp) }

// RV64I word operations
func Addw(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0, rs2, rs1, 0, rd, opOp32) }
func Subw(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0x20, rs2, rs1, 0, rd, opOp32) }
func Sllw(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0, rs2, rs1, 1, rd, opOp32) }
func Srlw(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0, rs2, rs1, 5, rd, opOp32) }
func Sraw(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0x20, rs2, rs1, 5, rd, opOp32) }

// M extension
func Mul(rd, rs1, rs2 asm.Variable) asm.Fragment    { return rType(1, rs2, rs1, 0, rd, opOp) }
func Mulh(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(1, rs2, rs1, 1, rd, opOp) }
func Mulhsu(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(1, rs2, rs1, 2, rd, opOp) }
func Mulhu(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(1, rs2, rs1, 3, rd, opOp) }
func Div(rd, rs1, rs2 asm.Variable) asm.Fragment    { return rType(1, rs2, rs1, 4, rd, opOp) }
func Divu(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(1, rs2, rs1, 5, rd, opOp) }
func Rem(rd, rs1, rs2 asm.Variable) asm.Fragment    { return rType(1, rs2, rs1, 6, rd, opOp) }
func Remu(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(1, rs2, rs1, 7, rd, opOp) }
func Mulw(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(1, rs2, rs1, 0, rd, opOp32) }
func Divw(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(1, rs2, rs1, 4, rd, opOp32) }
func Divuw(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(1, rs2, rs1, 5, rd, opOp32) }
func Remw(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(1, rs2, rs1, 6, rd, opOp32) }
func Remuw(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(1, rs2, rs1, 7, rd, opOp32) }

// Register-immediate operations
func Addi(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(imm, rs1, 0, rd, opOpImm) }
func Slti(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(imm, rs1, 2, rd, opOpImm) }
func Sltiu(rd, rs1 asm.Variable, imm int32) asm.Fragment { return iType(imm, rs1, 3, rd, opOpImm) }
func Xori(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(imm, rs1, 4, rd, opOpImm) }
func Ori(rd, rs1 asm.Variable, imm int32) asm.Fragment   { return iType(imm, rs1, 6, rd, opOpImm) }
func Andi(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(imm, rs1, 7, rd, opOpImm) }
func Addiw(rd, rs1 asm.Variable, imm int32) asm.Fragment { return iType(imm, rs1, 0, rd, opOpImm32) }

// Slli shifts rs1 left by shamt bits (0-63).
func Slli(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shift(rd, rs1, shamt, 1, 0, opOpImm, 64)
}

// Srli shifts rs1 right logically by shamt bits (0-63).
func Srli(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shift(rd, rs1, shamt, 5, 0, opOpImm, 64)
}

// Srai shifts rs1 right arithmetically by shamt bits (0-63).
func Srai(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shift(rd, rs1, shamt, 5, 0x20, opOpImm, 64)
}

func Slliw(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shift(rd, rs1, shamt, 1, 0, opOpImm32, 32)
}

func Srliw(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shift(rd, rs1, shamt, 5, 0, opOpImm32, 32)
}

func Sraiw(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shift(rd, rs1, shamt, 5, 0x20, opOpImm32, 32)
}

// Loads: rd = [rs1+imm]
func Lb(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(imm, rs1, 0, rd, opLoad) }
func Lh(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(imm, rs1, 1, rd, opLoad) }
func Lw(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(imm, rs1, 2, rd, opLoad) }
func Ld(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(imm, rs1, 3, rd, opLoad) }
func Lbu(rd, rs1 asm.Variable, imm int32) asm.Fragment { return iType(imm, rs1, 4, rd, opLoad) }
func Lhu(rd, rs1 asm.Variable, imm int32) asm.Fragment { return iType(imm, rs1, 5, rd, opLoad) }
func Lwu(rd, rs1 asm.Variable, imm int32) asm.Fragment { return iType(imm, rs1, 6, rd, opLoad) }

// Stores: [rs1+imm] = rs2
func Sb(rs2, rs1 asm.Variable, imm int32) asm.Fragment { return sType(imm, rs1, rs2, 0) }
func Sh(rs2, rs1 asm.Variable, imm int32) asm.Fragment { return sType(imm, rs1, rs2, 1) }
func Sw(rs2, rs1 asm.Variable, imm int32) asm.Fragment { return sType(imm, rs1, rs2, 2) }
func Sd(rs2, rs1 asm.Variable, imm int32) asm.Fragment { return sType(imm, rs1, rs2, 3) }

// Lui loads the 20-bit immediate into bits 31:12 of rd.
func Lui(rd asm.Variable, imm int32) asm.Fragment {
	if err := checkReg(rd); err != nil {
		return word{err: err}
	}
	insn, err := encodeU(imm, uint32(rd), opLui)
	return word{insn: insn, err: err}
}

// Auipc adds the 20-bit immediate shifted left by 12 to PC.
func Auipc(rd asm.Variable, imm int32) asm.Fragment {
	if err := checkReg(rd); err != nil {
		return word{err: err}
	}
	insn, err := encodeU(imm, uint32(rd), opAuipc)
	return word{insn: insn, err: err}
}

// Jalr jumps to rs1+imm and writes the return address to rd.
func Jalr(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return iType(imm, rs1, 0, rd, opJalr)
}

// Ret returns through ra.
func Ret() asm.Fragment { return Jalr(X0, RA, 0) }

// Nop emits ADDI x0, x0, 0.
func Nop() asm.Fragment { return Addi(X0, X0, 0) }

// Mv copies rs into rd.
func Mv(rd, rs asm.Variable) asm.Fragment { return Addi(rd, rs, 0) }

// System instructions
func Ecall() asm.Fragment  { return word{insn: 0x00000073} }
func Ebreak() asm.Fragment { return word{insn: 0x00100073} }
func Mret() asm.Fragment   { return word{insn: 0x30200073} }
func Sret() asm.Fragment   { return word{insn: 0x10200073} }
func Wfi() asm.Fragment    { return word{insn: 0x10500073} }

// SfenceVma emits SFENCE.VMA rs1, rs2.
func SfenceVma(rs1, rs2 asm.Variable) asm.Fragment {
	return rType(0b0001001, rs2, rs1, 0, X0, opSystem)
}

// Fence emits FENCE with the given predecessor and successor sets (4 bits
// each: I, O, R, W).
func Fence(pred, succ uint32) asm.Fragment {
	return word{insn: (pred&0xf)<<24 | (succ&0xf)<<20 | opMiscMem}
}

// FenceI emits FENCE.I.
func FenceI() asm.Fragment { return word{insn: 1<<12 | opMiscMem} }

func csrOp(rd asm.Variable, csr uint16, src uint32, f3 uint32) asm.Fragment {
	if err := checkReg(rd); err != nil {
		return word{err: err}
	}
	if csr > 0xfff {
		return word{err: fmt.Errorf("riscv: csr %#x out of range", csr)}
	}
	return word{insn: uint32(csr)<<20 | (src&0x1f)<<15 | f3<<12 | uint32(rd)<<7 | opSystem}
}

// Zicsr
func Csrrw(rd asm.Variable, csr uint16, rs1 asm.Variable) asm.Fragment {
	return csrOp(rd, csr, uint32(rs1), 1)
}

func Csrrs(rd asm.Variable, csr uint16, rs1 asm.Variable) asm.Fragment {
	return csrOp(rd, csr, uint32(rs1), 2)
}

func Csrrc(rd asm.Variable, csr uint16, rs1 asm.Variable) asm.Fragment {
	return csrOp(rd, csr, uint32(rs1), 3)
}

func Csrrwi(rd asm.Variable, csr uint16, zimm uint32) asm.Fragment {
	return csrOp(rd, csr, zimm, 5)
}

func Csrrsi(rd asm.Variable, csr uint16, zimm uint32) asm.Fragment {
	return csrOp(rd, csr, zimm, 6)
}

func Csrrci(rd asm.Variable, csr uint16, zimm uint32) asm.Fragment {
	return csrOp(rd, csr, zimm, 7)
}

// Csrr reads a CSR into rd.
func Csrr(rd asm.Variable, csr uint16) asm.Fragment { return Csrrs(rd, csr, X0) }

// Csrw writes rs to a CSR.
func Csrw(csr uint16, rs asm.Variable) asm.Fragment { return Csrrw(X0, csr, rs) }

// AmoOp selects an atomic memory operation (funct5).
type AmoOp uint32

const (
	AmoAdd  AmoOp = 0b00000
	AmoSwap AmoOp = 0b00001
	AmoXor  AmoOp = 0b00100
	AmoOr   AmoOp = 0b01000
	AmoAnd  AmoOp = 0b01100
	AmoMin  AmoOp = 0b10000
	AmoMax  AmoOp = 0b10100
	AmoMinU AmoOp = 0b11000
	AmoMaxU AmoOp = 0b11100

	amoLR AmoOp = 0b00010
	amoSC AmoOp = 0b00011
)

func amo(op AmoOp, f3 uint32, rd, rs1, rs2 asm.Variable) asm.Fragment {
	return rType(uint32(op)<<2, rs2, rs1, f3, rd, opAMO)
}

// AmoW emits a 32-bit AMO: rd = [rs1]; [rs1] = op([rs1], rs2).
func AmoW(op AmoOp, rd, rs1, rs2 asm.Variable) asm.Fragment { return amo(op, 2, rd, rs1, rs2) }

// AmoD emits a 64-bit AMO.
func AmoD(op AmoOp, rd, rs1, rs2 asm.Variable) asm.Fragment { return amo(op, 3, rd, rs1, rs2) }

func LrW(rd, rs1 asm.Variable) asm.Fragment      { return amo(amoLR, 2, rd, rs1, X0) }
func LrD(rd, rs1 asm.Variable) asm.Fragment      { return amo(amoLR, 3, rd, rs1, X0) }
func ScW(rd, rs1, rs2 asm.Variable) asm.Fragment { return amo(amoSC, 2, rd, rs1, rs2) }
func ScD(rd, rs1, rs2 asm.Variable) asm.Fragment { return amo(amoSC, 3, rd, rs1, rs2) }

// Li loads a 64-bit constant into rd using LUI, ADDI and SLLI. Values that
// fit in 32 bits load in at most two instructions.
func Li(rd asm.Variable, value int64) asm.Fragment {
	return &loadImmediate{rd: rd, value: value}
}

// Li32 loads a 32-bit constant with LUI+ADDI. It is intended for RV32
// programs, where the upper half of the register does not exist.
func Li32(rd asm.Variable, value uint32) asm.Fragment {
	return &loadImmediate{rd: rd, value: int64(int32(value)), wrap32: true}
}

type loadImmediate struct {
	rd     asm.Variable
	value  int64
	wrap32 bool
}

func (l *loadImmediate) Emit(ctx asm.Context) error {
	if err := checkReg(l.rd); err != nil {
		return err
	}
	var seq []uint32
	if l.wrap32 {
		seq = li32(uint32(l.rd), l.value)
	} else {
		seq = li64(uint32(l.rd), l.value)
	}
	for _, insn := range seq {
		emitInsn(ctx, insn)
	}
	return nil
}

func signExtend12(v int64) int64 {
	return (v << 52) >> 52
}

// li32 returns LUI+ADDI. The upper immediate wraps, which is only correct
// when registers are 32 bits wide or the value keeps LUI in range.
func li32(rd uint32, value int64) []uint32 {
	if value >= -2048 && value <= 2047 {
		insn, _ := encodeI(int32(value), 0, 0, rd, opOpImm)
		return []uint32{insn}
	}
	lo := signExtend12(value)
	hi := (value - lo) >> 12
	lui, _ := encodeU(int32(hi), rd, opLui)
	seq := []uint32{lui}
	if lo != 0 {
		addi, _ := encodeI(int32(lo), rd, 0, rd, opOpImm)
		seq = append(seq, addi)
	}
	return seq
}

func li64(rd uint32, value int64) []uint32 {
	lo := signExtend12(value)
	hi := (value - lo) >> 12
	if value >= -2048 && value <= 2047 {
		return li32(rd, value)
	}
	if hi >= -(1<<19) && hi < 1<<19 {
		return li32(rd, value)
	}

	// Build the upper part, shift it into place and add the low 12 bits.
	upper := value - lo
	sh := uint32(12)
	for upper&(1<<sh) == 0 && sh < 63 {
		sh++
	}
	seq := li64(rd, upper>>sh)
	slli := uint32(sh)<<20 | rd<<15 | 1<<12 | rd<<7 | opOpImm
	seq = append(seq, slli)
	if lo != 0 {
		addi, _ := encodeI(int32(lo), rd, 0, rd, opOpImm)
		seq = append(seq, addi)
	}
	return seq
}

type halt struct{}

// Halt terminates execution by storing zero to address zero, which triggers the
// stop-on-zero check in the emulator.
func Halt() asm.Fragment { return halt{} }

func (halt) Emit(ctx asm.Context) error {
	insn, err := encodeS(0, uint32(X0), uint32(X0), 2, opStore)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

type branch struct {
	f3       uint32
	rs1, rs2 asm.Variable
	target   asm.Label
}

// Conditional branches to a label
func Beq(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch{0, rs1, rs2, target} }
func Bne(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch{1, rs1, rs2, target} }
func Blt(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch{4, rs1, rs2, target} }
func Bge(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch{5, rs1, rs2, target} }
func Bltu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment { return branch{6, rs1, rs2, target} }
func Bgeu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment { return branch{7, rs1, rs2, target} }

// Beqz branches when rs is zero.
func Beqz(rs asm.Variable, target asm.Label) asm.Fragment { return Beq(rs, X0, target) }

// Bnez branches when rs is not zero.
func Bnez(rs asm.Variable, target asm.Label) asm.Fragment { return Bne(rs, X0, target) }

func (b branch) Emit(ctx asm.Context) error {
	if err := checkReg(b.rs1, b.rs2); err != nil {
		return err
	}
	at := ctx.Offset()
	emitInsn(ctx, 0)
	ctx.AddFixup(b.target, at, func(code []byte, at, target int) error {
		insn, err := encodeB(int32(target-at), uint32(b.rs1), uint32(b.rs2), b.f3)
		if err != nil {
			return fmt.Errorf("branch to %q: %w", b.target, err)
		}
		binary.LittleEndian.PutUint32(code[at:], insn)
		return nil
	})
	return nil
}

type jump struct {
	rd     asm.Variable
	target asm.Label
}

// Jal jumps to a label and writes the return address to rd.
func Jal(rd asm.Variable, target asm.Label) asm.Fragment { return jump{rd, target} }

// J jumps to a label.
func J(target asm.Label) asm.Fragment { return jump{X0, target} }

// Call jumps to a label, linking through ra.
func Call(target asm.Label) asm.Fragment { return jump{RA, target} }

func (j jump) Emit(ctx asm.Context) error {
	if err := checkReg(j.rd); err != nil {
		return err
	}
	at := ctx.Offset()
	emitInsn(ctx, 0)
	ctx.AddFixup(j.target, at, func(code []byte, at, target int) error {
		insn, err := encodeJ(int32(target-at), uint32(j.rd))
		if err != nil {
			return fmt.Errorf("jump to %q: %w", j.target, err)
		}
		binary.LittleEndian.PutUint32(code[at:], insn)
		return nil
	})
	return nil
}

type loadAddress struct {
	rd     asm.Variable
	target asm.Label
}

// La loads the PC-relative address of a label with AUIPC+ADDI.
func La(rd asm.Variable, target asm.Label) asm.Fragment { return loadAddress{rd, target} }

func (l loadAddress) Emit(ctx asm.Context) error {
	if err := checkReg(l.rd); err != nil {
		return err
	}
	at := ctx.Offset()
	emitInsn(ctx, 0)
	emitInsn(ctx, 0)
	ctx.AddFixup(l.target, at, func(code []byte, at, target int) error {
		off := int64(target - at)
		lo := signExtend12(off)
		hi := (off - lo) >> 12
		auipc, err := encodeU(int32(hi), uint32(l.rd), opAuipc)
		if err != nil {
			return err
		}
		addi, err := encodeI(int32(lo), uint32(l.rd), 0, uint32(l.rd), opOpImm)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(code[at:], auipc)
		binary.LittleEndian.PutUint32(code[at+4:], addi)
		return nil
	})
	return nil
}

func emitInsn(ctx asm.Context, insn uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	ctx.EmitBytes(buf[:])
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeS(imm int32, rs1 uint32, rs2 uint32, funct3 uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	immHi := (uimm >> 5) & 0x7f
	immLo := uimm & 0x1f

	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode, nil
}

func encodeB(offset int32, rs1 uint32, rs2 uint32, funct3 uint32) (uint32, error) {
	if offset < -4096 || offset > 4094 || offset&1 != 0 {
		return 0, fmt.Errorf("riscv: branch offset %d out of range", offset)
	}
	imm := uint32(offset)
	return ((imm>>12)&1)<<31 | ((imm>>5)&0x3f)<<25 | rs2<<20 | rs1<<15 |
		funct3<<12 | ((imm>>1)&0xf)<<8 | ((imm>>11)&1)<<7 | opBranch, nil
}

func encodeU(imm int32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -(1<<19) || imm >= 1<<20 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for U-type", imm)
	}
	uimm := uint32(imm) & 0xfffff
	return (uimm << 12) | (rd << 7) | opcode, nil
}

func encodeJ(offset int32, rd uint32) (uint32, error) {
	if offset < -(1<<20) || offset >= 1<<20 || offset&1 != 0 {
		return 0, fmt.Errorf("riscv: jump offset %d out of range", offset)
	}
	imm := uint32(offset)
	return ((imm>>20)&1)<<31 | ((imm>>1)&0x3ff)<<21 | ((imm>>11)&1)<<20 |
		((imm>>12)&0xff)<<12 | rd<<7 | opJal, nil
}
