// Package hart implements a RISC-V RV32I/RV64I hart with the M, A and Zicsr
// extensions and the machine/supervisor privileged architecture.
package hart

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Chungws/riscv-emulator/internal/bus"
	"github.com/Chungws/riscv-emulator/internal/csr"
	"github.com/Chungws/riscv-emulator/internal/isa"
)

var (
	// ErrHalt is returned when the guest stores to address zero and the hart
	// was built with WithStopOnZero.
	ErrHalt = errors.New("machine halted")
	// ErrIllegalInstruction marks an unhandled illegal instruction exception.
	ErrIllegalInstruction = errors.New("illegal instruction")
	// ErrAccessFault marks an unhandled access fault.
	ErrAccessFault = errors.New("access fault")
	// ErrMisaligned marks an unhandled address misaligned exception.
	ErrMisaligned = errors.New("misaligned address")
	// ErrUnhandledTrap marks any other exception taken with no trap vector.
	ErrUnhandledTrap = errors.New("unhandled trap")
)

// State tracks where a hart is in the trap life cycle.
type State uint8

const (
	StateNormal State = iota
	StateTrapEntry
	StateTrapped
	StateTrapReturn
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateTrapEntry:
		return "trap-entry"
	case StateTrapped:
		return "trapped"
	case StateTrapReturn:
		return "trap-return"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ExceptionError represents a synchronous exception raised while executing an
// instruction. The step loop hands it to the trap controller.
type ExceptionError struct {
	Cause uint64
	Tval  uint64
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("exception: cause=%d tval=0x%x", e.Cause, e.Tval)
}

// Exception creates an exception with the given cause and tval
func Exception(cause uint64, tval uint64) error {
	return ExceptionError{Cause: cause, Tval: tval}
}

// FatalError is returned by Step when an exception is raised but the target
// privilege level has no trap vector installed.
type FatalError struct {
	Hart  int
	PC    uint64
	Cause uint64
	Tval  uint64
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("hart %d: %v at pc=0x%x (cause=%d tval=0x%x)", e.Hart, e.Err, e.PC, e.Cause, e.Tval)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ExitError is returned when the guest requests program exit with an ecall
// from machine mode and no trap vector is installed. Code holds a0.
type ExitError struct {
	Hart int
	Code uint64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("hart %d exited with code %d", e.Hart, e.Code)
}

var (
	_ error = ExceptionError{}
	_ error = &FatalError{}
	_ error = &ExitError{}
)

// Tracer observes retired instructions and taken traps.
type Tracer interface {
	Retire(hart int, pc uint64, insn uint32)
	Trap(hart int, pc uint64, cause uint64, tval uint64)
}

// Option configures a CPU.
type Option func(*CPU)

// WithLogger sets the logger used for trap diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(cpu *CPU) { cpu.log = l }
}

// WithTracer installs an instruction tracer.
func WithTracer(t Tracer) Option {
	return func(cpu *CPU) { cpu.tracer = t }
}

// WithStopOnZero makes a store to physical address zero halt the hart.
func WithStopOnZero(enable bool) Option {
	return func(cpu *CPU) { cpu.stopOnZero = enable }
}

// WithEcallExit treats an ecall from machine mode with no trap vector as a
// program exit.
func WithEcallExit(enable bool) Option {
	return func(cpu *CPU) { cpu.ecallExit = enable }
}

// CPU represents the state of one hart
type CPU struct {
	ID int

	// Integer registers x0-x31. On RV32 values are kept zero-extended.
	X [32]uint64

	// Program counter
	PC uint64

	// Current privilege level
	Priv isa.Privilege

	CSR *csr.File
	Bus *bus.Bus

	// WFI is set while the hart waits for an interrupt
	WFI bool

	xlen  isa.Xlen
	mask  uint64
	state State

	log        *slog.Logger
	tracer     Tracer
	stopOnZero bool
	ecallExit  bool
}

// New creates a hart attached to b in its reset state.
func New(id int, xlen isa.Xlen, b *bus.Bus, opts ...Option) *CPU {
	cpu := &CPU{
		ID:   id,
		Bus:  b,
		CSR:  csr.New(xlen, uint64(id)),
		xlen: xlen,
		mask: xlen.Mask(),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cpu)
	}
	cpu.Reset()
	return cpu
}

// Reset resets the hart to its initial state. PC is set to the RAM base.
func (cpu *CPU) Reset() {
	cpu.X = [32]uint64{}
	cpu.PC = isa.RAMBase
	cpu.Priv = isa.PrivMachine
	cpu.WFI = false
	cpu.state = StateNormal
	cpu.CSR.Reset()
}

// Xlen returns the register width of the hart.
func (cpu *CPU) Xlen() isa.Xlen { return cpu.xlen }

// State returns the trap life-cycle state.
func (cpu *CPU) State() State { return cpu.state }

// ReadReg reads an integer register (x0 always returns 0)
func (cpu *CPU) ReadReg(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return cpu.X[reg]
}

// WriteReg writes an integer register (writes to x0 are ignored)
func (cpu *CPU) WriteReg(reg uint32, val uint64) {
	if reg != 0 {
		cpu.X[reg] = val & cpu.mask
	}
}

// SetPC sets the program counter
func (cpu *CPU) SetPC(pc uint64) {
	cpu.PC = pc & cpu.mask
}

// signed returns v interpreted as a signed XLEN-bit value.
func (cpu *CPU) signed(v uint64) int64 {
	if cpu.xlen == isa.XLEN32 {
		return int64(int32(v))
	}
	return int64(v)
}

// SetPending updates the device-driven bits of mip selected by mask. A
// waiting hart notices the change on its next step.
func (cpu *CPU) SetPending(mask, value uint64) {
	cpu.CSR.SetPending(mask, value)
}

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// Dump writes the architectural state of the hart to w.
func (cpu *CPU) Dump(w io.Writer) {
	width := 16
	if cpu.xlen == isa.XLEN32 {
		width = 8
	}
	fmt.Fprintf(w, "hart %d %s priv=%s pc=%0*x state=%s\n", cpu.ID, cpu.xlen, cpu.Priv, width, cpu.PC, cpu.state)
	for i := 0; i < 32; i += 4 {
		for j := i; j < i+4; j++ {
			fmt.Fprintf(w, "x%-2d %-4s %0*x  ", j, abiNames[j], width, cpu.ReadReg(uint32(j)))
		}
		fmt.Fprintln(w)
	}
	for _, addr := range []uint16{csr.Mstatus, csr.Mie, csr.Mip, csr.Mtvec, csr.Mepc, csr.Mcause, csr.Mtval} {
		fmt.Fprintf(w, "%-8s %0*x\n", csr.Name(addr), width, cpu.CSR.Get(addr))
	}
}
