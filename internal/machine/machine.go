// Package machine assembles a complete system from a config: RAM, the CLINT,
// the UART and one or more harts sharing a bus. Harts are stepped
// round-robin, one instruction each per round.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Chungws/riscv-emulator/internal/bus"
	"github.com/Chungws/riscv-emulator/internal/config"
	"github.com/Chungws/riscv-emulator/internal/csr"
	"github.com/Chungws/riscv-emulator/internal/devices/clint"
	"github.com/Chungws/riscv-emulator/internal/devices/uart"
	"github.com/Chungws/riscv-emulator/internal/hart"
	"github.com/Chungws/riscv-emulator/internal/isa"
	"github.com/Chungws/riscv-emulator/internal/loader"
)

// ErrHalt is returned when a hart stores to address zero.
var ErrHalt = hart.ErrHalt

// ErrStepLimit is returned by Run when the round budget is used up.
var ErrStepLimit = errors.New("step limit reached")

// ExitError reports a program exit through an unhandled machine-mode ecall.
type ExitError = hart.ExitError

// rounds between context checks
const batchSize = 10000

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger for the machine and its harts.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithOutput sets where UART output goes. The default discards it.
func WithOutput(w io.Writer) Option {
	return func(m *Machine) { m.output = w }
}

// WithTracer installs an instruction tracer on every hart.
func WithTracer(t hart.Tracer) Option {
	return func(m *Machine) { m.tracer = t }
}

// WithClock replaces the host clock of a real-time CLINT.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithProgress registers fn to be called with the round count after every
// batch of rounds in Run.
func WithProgress(fn func(rounds uint64)) Option {
	return func(m *Machine) { m.progress = fn }
}

// Machine is a complete emulated system.
type Machine struct {
	cfg config.Config

	bus   *bus.Bus
	ram   *bus.Memory
	clint *clint.CLINT
	uart  *uart.UART
	harts []*hart.CPU

	log      *slog.Logger
	output   io.Writer
	tracer   hart.Tracer
	now      func() time.Time
	progress func(rounds uint64)

	rounds uint64
}

// New builds a machine from cfg. Defaults are applied to unset fields.
func New(cfg config.Config, opts ...Option) (*Machine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	var clintOpts []clint.Option
	if cfg.Timer.Mode == config.TimerRealtime {
		clintOpts = append(clintOpts, clint.WithRealtime(cfg.Timer.NsPerTick))
	}
	if m.now != nil {
		clintOpts = append(clintOpts, clint.WithClock(m.now))
	}
	m.clint = clint.New(cfg.Harts, clintOpts...)
	m.ram = bus.NewMemory(uint64(cfg.MemorySize))

	mappings := []bus.Mapping{
		{Name: "ram", Base: cfg.RAMBase, Device: m.ram},
		{Name: "clint", Base: isa.CLINTBase, Device: m.clint},
	}
	if cfg.UARTEnabled() {
		m.uart = uart.New(m.output)
		mappings = append(mappings, bus.Mapping{Name: "uart", Base: isa.UARTBase, Device: m.uart})
	}

	b, err := bus.New(mappings...)
	if err != nil {
		return nil, fmt.Errorf("create bus: %w", err)
	}
	m.bus = b

	for i := 0; i < cfg.Harts; i++ {
		hartOpts := []hart.Option{
			hart.WithLogger(m.log.With("hart", i)),
			hart.WithStopOnZero(cfg.StopOnZeroEnabled()),
			hart.WithEcallExit(cfg.EcallExitEnabled()),
		}
		if m.tracer != nil {
			hartOpts = append(hartOpts, hart.WithTracer(m.tracer))
		}
		h := hart.New(i, cfg.Xlen, b, hartOpts...)
		h.CSR.SetTimeSource(m.clint.Time)
		h.SetPC(cfg.RAMBase)
		m.harts = append(m.harts, h)
	}

	m.log.Debug("machine created",
		"xlen", cfg.Xlen,
		"harts", cfg.Harts,
		"memory", cfg.MemorySize,
		"ram_base", fmt.Sprintf("%#x", cfg.RAMBase),
		"timer", m.clint.Mode(),
		"uart", m.uart != nil)
	return m, nil
}

// Config returns the effective configuration.
func (m *Machine) Config() config.Config { return m.cfg }

// Bus returns the system bus.
func (m *Machine) Bus() *bus.Bus { return m.bus }

// CLINT returns the timer device.
func (m *Machine) CLINT() *clint.CLINT { return m.clint }

// UART returns the serial device, or nil when it is disabled.
func (m *Machine) UART() *uart.UART { return m.uart }

// Harts returns the harts in ID order.
func (m *Machine) Harts() []*hart.CPU { return m.harts }

// Hart returns hart id.
func (m *Machine) Hart(id int) *hart.CPU { return m.harts[id] }

// Rounds returns the number of scheduler rounds completed.
func (m *Machine) Rounds() uint64 { return m.rounds }

// Retired returns the total number of instructions retired by all harts.
func (m *Machine) Retired() uint64 {
	var n uint64
	for _, h := range m.harts {
		n += h.CSR.Get(csr.Minstret)
		if h.Xlen() == isa.XLEN32 {
			n += h.CSR.Get(csr.Minstreth) << 32
		}
	}
	return n
}

// SetPC points every hart at pc.
func (m *Machine) SetPC(pc uint64) {
	for _, h := range m.harts {
		h.SetPC(pc)
	}
}

// LoadImage copies the segments of img into memory, zero-fills each segment
// up to its memory size and starts every hart at the entry point.
func (m *Machine) LoadImage(img *loader.Image) error {
	for _, seg := range img.Segments {
		if err := m.bus.LoadBytes(seg.Addr, seg.Data); err != nil {
			return fmt.Errorf("load segment at %#x: %w", seg.Addr, err)
		}
		if seg.MemSize > uint64(len(seg.Data)) {
			bss := seg.MemSize - uint64(len(seg.Data))
			if err := m.bus.Zero(seg.Addr+uint64(len(seg.Data)), bss); err != nil {
				return fmt.Errorf("zero segment at %#x: %w", seg.Addr, err)
			}
		}
	}
	m.SetPC(img.Entry)

	lo, hi := img.Span()
	m.log.Info("image loaded",
		"entry", fmt.Sprintf("%#x", img.Entry),
		"segments", len(img.Segments),
		"span", fmt.Sprintf("[%#x, %#x)", lo, hi))
	return nil
}

// LoadFile reads an ELF executable, or a flat binary when the config asks
// for raw images, and loads it.
func (m *Machine) LoadFile(path string) error {
	var (
		img *loader.Image
		err error
	)
	if m.cfg.Raw {
		img, err = loader.LoadRaw(path, m.cfg.RAMBase)
	} else {
		img, err = loader.Load(path, m.cfg.Xlen)
	}
	if err != nil {
		return err
	}
	return m.LoadImage(img)
}

// updateInterrupts copies the device interrupt lines into each hart's mip.
// The UART is wired to the external interrupt of hart 0.
func (m *Machine) updateInterrupts() {
	for i, h := range m.harts {
		mask := isa.MipMSIP | isa.MipMTIP
		var value uint64

		software, timer := m.clint.Pending(i)
		if software {
			value |= isa.MipMSIP
		}
		if timer {
			value |= isa.MipMTIP
		}
		if i == 0 && m.uart != nil {
			mask |= isa.MipMEIP
			if m.uart.InterruptPending() {
				value |= isa.MipMEIP
			}
		}
		h.SetPending(mask, value)
	}
}

// Step runs one scheduler round: devices tick, interrupt lines are
// sampled and every hart executes one step.
func (m *Machine) Step() error {
	m.bus.Tick()
	m.updateInterrupts()
	for _, h := range m.harts {
		if err := h.Step(); err != nil {
			return err
		}
	}
	m.rounds++
	return nil
}

// Run steps the machine until a hart halts or exits, an error occurs, ctx is
// cancelled or maxRounds rounds have run. A zero maxRounds means no limit.
func (m *Machine) Run(ctx context.Context, maxRounds uint64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		for i := 0; i < batchSize; i++ {
			if maxRounds > 0 && m.rounds >= maxRounds {
				m.log.Info("step limit reached", "rounds", m.rounds)
				return ErrStepLimit
			}
			if err := m.Step(); err != nil {
				m.logStop(err)
				return err
			}
		}

		if m.progress != nil {
			m.progress(m.rounds)
		}
	}
}

func (m *Machine) logStop(err error) {
	var exit *ExitError
	switch {
	case errors.Is(err, ErrHalt):
		m.log.Debug("machine halted", "rounds", m.rounds, "retired", m.Retired())
	case errors.As(err, &exit):
		m.log.Debug("program exited", "hart", exit.Hart, "code", exit.Code, "rounds", m.rounds)
	default:
		m.log.Error("machine stopped", "error", err, "rounds", m.rounds)
	}
}

// Dump writes the state of every hart to w.
func (m *Machine) Dump(w io.Writer) {
	for _, h := range m.harts {
		h.Dump(w)
	}
}
