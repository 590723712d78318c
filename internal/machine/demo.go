package machine

import (
	"fmt"

	"github.com/Chungws/riscv-emulator/internal/asm"
	rv "github.com/Chungws/riscv-emulator/internal/asm/riscv"
	"github.com/Chungws/riscv-emulator/internal/isa"
	"github.com/Chungws/riscv-emulator/internal/loader"
)

// DemoMessage is the text printed by the demo program.
func DemoMessage(xlen isa.Xlen) string {
	return fmt.Sprintf("RV%d!\n", int(xlen))
}

// DemoProgram builds a program that writes DemoMessage to the UART one byte
// at a time, sets a0 to zero and halts.
func DemoProgram(xlen isa.Xlen) asm.Program {
	return rv.MustEmit(
		rv.Li(rv.T0, int64(isa.UARTBase)),
		rv.La(rv.A1, "msg"),
		asm.MarkLabel("loop"),
		rv.Lbu(rv.T1, rv.A1, 0),
		rv.Beqz(rv.T1, "done"),
		rv.Sb(rv.T1, rv.T0, 0),
		rv.Addi(rv.A1, rv.A1, 1),
		rv.J("loop"),
		asm.MarkLabel("done"),
		rv.Li(rv.A0, 0),
		rv.Halt(),
		asm.MarkLabel("msg"),
		asm.String(DemoMessage(xlen)),
	)
}

// DemoImage wraps the demo program as an image loaded at base.
func DemoImage(xlen isa.Xlen, base uint64) *loader.Image {
	return loader.Raw(DemoProgram(xlen).Bytes(), base)
}
