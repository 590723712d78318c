// Package clint implements the core-local interruptor: a shared 64-bit
// timer plus per-hart timer compare and software interrupt registers.
package clint

import (
	"time"

	"github.com/Chungws/riscv-emulator/internal/bus"
)

// CLINT register offsets
const (
	Msip     = 0x0000 // Machine Software Interrupt Pending (4 bytes per hart)
	Mtimecmp = 0x4000 // Machine Timer Compare (8 bytes per hart)
	Mtime    = 0xbff8 // Machine Time
)

// Size of the CLINT register window.
const Size = 0x10000

// DefaultNsPerTick gives a 10 MHz real-time timer.
const DefaultNsPerTick = 100

// Mode selects how mtime advances.
type Mode int

const (
	// ModeStep advances mtime by one on every Tick.
	ModeStep Mode = iota
	// ModeRealtime derives mtime from the host clock.
	ModeRealtime
)

func (m Mode) String() string {
	switch m {
	case ModeStep:
		return "step"
	case ModeRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// Option configures a CLINT.
type Option func(*CLINT)

// WithRealtime derives mtime from the host clock at one tick per nsPerTick
// nanoseconds.
func WithRealtime(nsPerTick uint64) Option {
	return func(c *CLINT) {
		if nsPerTick == 0 {
			nsPerTick = DefaultNsPerTick
		}
		c.mode = ModeRealtime
		c.nsPerTick = nsPerTick
	}
}

// WithClock replaces the host clock used in real-time mode.
func WithClock(now func() time.Time) Option {
	return func(c *CLINT) {
		c.now = now
	}
}

// CLINT implements the Core Local Interruptor
type CLINT struct {
	mode      Mode
	nsPerTick uint64
	now       func() time.Time
	startTime time.Time

	// In step mode mtime is the counter itself. In real-time mode it is an
	// offset applied to the wall clock so guest writes stick.
	mtime uint64

	msip     []uint32
	mtimecmp []uint64
}

// New creates a CLINT serving the given number of harts.
func New(harts int, opts ...Option) *CLINT {
	c := &CLINT{
		mode:     ModeStep,
		now:      time.Now,
		msip:     make([]uint32, harts),
		mtimecmp: make([]uint64, harts),
	}
	for i := range c.mtimecmp {
		// No interrupt until the guest programs a compare value.
		c.mtimecmp[i] = ^uint64(0)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startTime = c.now()
	return c
}

// Mode returns how mtime advances.
func (c *CLINT) Mode() Mode { return c.mode }

// Size implements bus.Device
func (c *CLINT) Size() uint64 {
	return Size
}

// Time returns the current mtime value.
func (c *CLINT) Time() uint64 {
	if c.mode == ModeRealtime {
		elapsed := c.now().Sub(c.startTime).Nanoseconds()
		return uint64(elapsed)/c.nsPerTick + c.mtime
	}
	return c.mtime
}

func (c *CLINT) setTime(v uint64) {
	if c.mode == ModeRealtime {
		c.mtime = 0
		c.mtime = v - c.Time()
		return
	}
	c.mtime = v
}

// Tick implements bus.Device
func (c *CLINT) Tick() {
	if c.mode == ModeStep {
		c.mtime++
	}
}

// Pending reports the software and timer interrupt lines of hart.
func (c *CLINT) Pending(hart int) (software, timer bool) {
	if hart < 0 || hart >= len(c.msip) {
		return false, false
	}
	return c.msip[hart]&1 != 0, c.Time() >= c.mtimecmp[hart]
}

// merge replaces the bytes of old selected by an access of size bytes at
// byte offset shift.
func merge(old uint64, shift uint64, size int, value uint64) uint64 {
	if size >= 8 {
		return value
	}
	mask := (uint64(1)<<(uint(size)*8) - 1) << (shift * 8)
	return old&^mask | (value<<(shift*8))&mask
}

func extract(reg uint64, shift uint64, size int) uint64 {
	v := reg >> (shift * 8)
	if size < 8 {
		v &= uint64(1)<<(uint(size)*8) - 1
	}
	return v
}

// Read implements bus.Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset < Msip+4*uint64(len(c.msip)):
		hart := offset / 4
		return extract(uint64(c.msip[hart]), offset%4, size), nil

	case offset >= Mtimecmp && offset < Mtimecmp+8*uint64(len(c.mtimecmp)):
		hart := (offset - Mtimecmp) / 8
		return extract(c.mtimecmp[hart], (offset-Mtimecmp)%8, size), nil

	case offset >= Mtime && offset < Mtime+8:
		return extract(c.Time(), offset-Mtime, size), nil
	}

	return 0, nil
}

// Write implements bus.Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset < Msip+4*uint64(len(c.msip)):
		hart := offset / 4
		if offset%4 == 0 {
			// Only bit 0 is implemented.
			c.msip[hart] = uint32(value & 1)
		}

	case offset >= Mtimecmp && offset < Mtimecmp+8*uint64(len(c.mtimecmp)):
		hart := (offset - Mtimecmp) / 8
		c.mtimecmp[hart] = merge(c.mtimecmp[hart], (offset-Mtimecmp)%8, size, value)

	case offset >= Mtime && offset < Mtime+8:
		c.setTime(merge(c.Time(), offset-Mtime, size, value))
	}

	return nil
}

var _ bus.Device = (*CLINT)(nil)
