// Package uart implements a 16550-compatible serial port with 16-byte
// receive and transmit FIFOs.
package uart

import (
	"io"
	"sync"

	"github.com/Chungws/riscv-emulator/internal/bus"
)

// UART register offsets (16550 compatible)
const (
	RegRBR = 0 // Receive Buffer Register (read)
	RegTHR = 0 // Transmit Holding Register (write)
	RegDLL = 0 // Divisor Latch Low (DLAB=1)
	RegIER = 1 // Interrupt Enable Register
	RegDLM = 1 // Divisor Latch High (DLAB=1)
	RegIIR = 2 // Interrupt Identification Register (read)
	RegFCR = 2 // FIFO Control Register (write)
	RegLCR = 3 // Line Control Register
	RegMCR = 4 // Modem Control Register
	RegLSR = 5 // Line Status Register
	RegMSR = 6 // Modem Status Register
	RegSCR = 7 // Scratch Register
)

// Size of the register window.
const Size = 8

// FIFODepth is the capacity of each FIFO.
const FIFODepth = 16

// LSR bits
const (
	LSRDataReady = 1 << 0
	LSROverrun   = 1 << 1
	LSRTHREmpty  = 1 << 5
	LSRTxEmpty   = 1 << 6
)

// IER bits
const (
	IERRxAvailable = 1 << 0
	IERTxEmpty     = 1 << 1
)

// IIR values
const (
	IIRNoInterrupt = 0x01
	IIRTxEmpty     = 0x02
	IIRRxAvailable = 0x04
	IIRFIFOEnabled = 0xc0
)

const lcrDLAB = 0x80

// UART implements a simple 16550-compatible UART. It is safe to feed input
// from another goroutine while the guest accesses the registers.
type UART struct {
	mu     sync.Mutex
	output io.Writer

	rx []byte
	tx []byte

	ier uint8
	iir uint8
	lcr uint8
	mcr uint8
	lsr uint8
	scr uint8
	dll uint8
	dlm uint8
}

// New creates a UART that transmits to output. A nil output discards bytes.
func New(output io.Writer) *UART {
	if output == nil {
		output = io.Discard
	}
	return &UART{
		output: output,
		iir:    IIRFIFOEnabled | IIRNoInterrupt,
		lsr:    LSRTHREmpty | LSRTxEmpty,
	}
}

// Size implements bus.Device
func (u *UART) Size() uint64 {
	return Size
}

// Tick implements bus.Device
func (u *UART) Tick() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.transmit()
}

// Read implements bus.Device. Only the addressed byte is meaningful; wider
// accesses return it zero-extended.
func (u *UART) Read(offset uint64, size int) (uint64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	dlab := u.lcr&lcrDLAB != 0

	switch offset {
	case RegRBR:
		if dlab {
			return uint64(u.dll), nil
		}
		var data uint8
		if len(u.rx) > 0 {
			data = u.rx[0]
			u.rx = u.rx[1:]
		}
		u.update()
		return uint64(data), nil
	case RegIER:
		if dlab {
			return uint64(u.dlm), nil
		}
		return uint64(u.ier), nil
	case RegIIR:
		return uint64(u.iir), nil
	case RegLCR:
		return uint64(u.lcr), nil
	case RegMCR:
		return uint64(u.mcr), nil
	case RegLSR:
		u.update()
		lsr := u.lsr
		// Overrun is cleared by reading LSR.
		u.lsr &^= LSROverrun
		return uint64(lsr), nil
	case RegMSR:
		return 0, nil
	case RegSCR:
		return uint64(u.scr), nil
	}

	return 0, nil
}

// Write implements bus.Device
func (u *UART) Write(offset uint64, size int, value uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	data := uint8(value)
	dlab := u.lcr&lcrDLAB != 0

	switch offset {
	case RegTHR:
		if dlab {
			u.dll = data
			return nil
		}
		if len(u.tx) < FIFODepth {
			u.tx = append(u.tx, data)
		}
		u.transmit()
	case RegIER:
		if dlab {
			u.dlm = data
			return nil
		}
		u.ier = data & 0x0f
	case RegFCR:
		if data&0x02 != 0 {
			u.rx = nil
		}
		if data&0x04 != 0 {
			u.tx = nil
		}
	case RegLCR:
		u.lcr = data
	case RegMCR:
		u.mcr = data & 0x1f
	case RegSCR:
		u.scr = data
	}

	u.update()
	return nil
}

// transmit drains the transmit FIFO to the output.
func (u *UART) transmit() {
	if len(u.tx) == 0 {
		return
	}
	out := u.tx
	u.tx = nil
	// Loopback mode keeps output on the chip.
	if u.mcr&0x10 != 0 {
		u.pushRx(out...)
		return
	}
	_, _ = u.output.Write(out)
}

func (u *UART) pushRx(data ...byte) {
	for _, b := range data {
		if len(u.rx) >= FIFODepth {
			u.lsr |= LSROverrun
			continue
		}
		u.rx = append(u.rx, b)
	}
}

// update recomputes LSR and IIR from the FIFO state.
func (u *UART) update() {
	u.lsr &^= LSRDataReady | LSRTHREmpty | LSRTxEmpty
	if len(u.rx) > 0 {
		u.lsr |= LSRDataReady
	}
	if len(u.tx) == 0 {
		u.lsr |= LSRTHREmpty | LSRTxEmpty
	}

	switch {
	case u.ier&IERRxAvailable != 0 && len(u.rx) > 0:
		u.iir = IIRFIFOEnabled | IIRRxAvailable
	case u.ier&IERTxEmpty != 0 && len(u.tx) == 0:
		u.iir = IIRFIFOEnabled | IIRTxEmpty
	default:
		u.iir = IIRFIFOEnabled | IIRNoInterrupt
	}
}

// EnqueueInput adds input bytes to be read by the guest. Bytes beyond the
// FIFO capacity are dropped and flagged as an overrun. It returns the number
// of bytes accepted.
func (u *UART) EnqueueInput(data ...byte) int {
	u.mu.Lock()
	defer u.mu.Unlock()

	n := FIFODepth - len(u.rx)
	if n > len(data) {
		n = len(data)
	}
	if n < 0 {
		n = 0
	}
	u.pushRx(data...)
	u.update()
	return n
}

// RxSpace returns how many more bytes the receive FIFO can hold.
func (u *UART) RxSpace() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return FIFODepth - len(u.rx)
}

// InterruptPending reports whether the UART is raising its interrupt line.
func (u *UART) InterruptPending() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.iir&IIRNoInterrupt == 0
}

var _ bus.Device = (*UART)(nil)
