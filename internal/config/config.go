// Package config describes an emulated machine and loads that description
// from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Chungws/riscv-emulator/internal/isa"
	"gopkg.in/yaml.v3"
)

const (
	TimerStep     = "step"
	TimerRealtime = "realtime"

	// MaxHarts bounds the hart count so every hart fits the CLINT msip array.
	MaxHarts = 64

	maxConfigSize = 1024 * 1024
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid machine config")

// Size is a byte count. In YAML it may be an integer or a string with a
// KiB, MiB or GiB suffix.
type Size uint64

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = v
	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s Size) String() string {
	switch {
	case s != 0 && s%(1<<30) == 0:
		return fmt.Sprintf("%dGiB", uint64(s)>>30)
	case s != 0 && s%(1<<20) == 0:
		return fmt.Sprintf("%dMiB", uint64(s)>>20)
	case s != 0 && s%(1<<10) == 0:
		return fmt.Sprintf("%dKiB", uint64(s)>>10)
	}
	return strconv.FormatUint(uint64(s), 10)
}

// ParseSize parses "4096", "0x1000", "64KiB", "128MiB" or "1GiB".
func ParseSize(text string) (Size, error) {
	text = strings.TrimSpace(text)
	mult := uint64(1)
	for _, unit := range []struct {
		suffix string
		mult   uint64
	}{{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10}} {
		if strings.HasSuffix(text, unit.suffix) {
			text = strings.TrimSpace(strings.TrimSuffix(text, unit.suffix))
			mult = unit.mult
			break
		}
	}
	n, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", text)
	}
	if n > ^uint64(0)/mult {
		return 0, fmt.Errorf("size %q overflows", text)
	}
	return Size(n * mult), nil
}

type TimerConfig struct {
	// Mode is "step" (mtime advances once per scheduler round) or
	// "realtime" (mtime follows the host clock).
	Mode      string `yaml:"mode"`
	NsPerTick uint64 `yaml:"ns_per_tick"`
}

type UARTConfig struct {
	Enabled *bool `yaml:"enabled"` // pointer to distinguish unset vs false
}

// Config is the full description of a machine.
type Config struct {
	Xlen       isa.Xlen    `yaml:"xlen"`
	Harts      int         `yaml:"harts"`
	MemorySize Size        `yaml:"memory_size"`
	RAMBase    uint64      `yaml:"ram_base"`
	Timer      TimerConfig `yaml:"timer"`
	UART       UARTConfig  `yaml:"uart"`
	StopOnZero *bool       `yaml:"stop_on_zero"`
	EcallExit  *bool       `yaml:"ecall_exit"`
	MaxSteps   uint64      `yaml:"max_steps"`
	TraceFile  string      `yaml:"trace_file"`
	Raw        bool        `yaml:"raw"`
}

func boolPtr(v bool) *bool { return &v }

// Default returns the reference machine: one RV64 hart, 128 MiB of RAM at
// 0x8000_0000, a step-driven CLINT and the UART.
func Default() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Xlen == 0 {
		c.Xlen = isa.XLEN64
	}
	if c.Harts == 0 {
		c.Harts = 1
	}
	if c.MemorySize == 0 {
		c.MemorySize = Size(isa.RAMSize)
	}
	if c.RAMBase == 0 {
		c.RAMBase = isa.RAMBase
	}
	if c.Timer.Mode == "" {
		c.Timer.Mode = TimerStep
	}
	if c.Timer.NsPerTick == 0 {
		c.Timer.NsPerTick = 100
	}
	if c.UART.Enabled == nil {
		c.UART.Enabled = boolPtr(true)
	}
	if c.StopOnZero == nil {
		c.StopOnZero = boolPtr(true)
	}
	if c.EcallExit == nil {
		c.EcallExit = boolPtr(true)
	}
}

// UARTEnabled reports whether the UART is mapped.
func (c Config) UARTEnabled() bool { return c.UART.Enabled == nil || *c.UART.Enabled }

// StopOnZeroEnabled reports whether a store to address zero halts.
func (c Config) StopOnZeroEnabled() bool { return c.StopOnZero == nil || *c.StopOnZero }

// EcallExitEnabled reports whether an unhandled machine-mode ecall exits.
func (c Config) EcallExitEnabled() bool { return c.EcallExit == nil || *c.EcallExit }

// Validate checks a config after defaults have been applied.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !c.Xlen.Valid() {
		fail("xlen must be 32 or 64, got %d", c.Xlen)
	}
	if c.Harts < 1 || c.Harts > MaxHarts {
		fail("harts must be between 1 and %d, got %d", MaxHarts, c.Harts)
	}
	if c.MemorySize == 0 || c.MemorySize%4096 != 0 {
		fail("memory_size must be a non-zero multiple of 4KiB, got %d", uint64(c.MemorySize))
	}
	if c.RAMBase%4096 != 0 {
		fail("ram_base %#x is not 4KiB aligned", c.RAMBase)
	}
	end := c.RAMBase + uint64(c.MemorySize)
	if end < c.RAMBase {
		fail("ram [%#x, +%#x) wraps the address space", c.RAMBase, uint64(c.MemorySize))
	} else if c.Xlen == isa.XLEN32 && end > 1<<32 {
		fail("ram [%#x, %#x) exceeds the 32-bit address space", c.RAMBase, end)
	}
	for _, dev := range []struct {
		name       string
		base, size uint64
	}{
		{"clint", isa.CLINTBase, isa.CLINTSize},
		{"uart", isa.UARTBase, isa.UARTSize},
	} {
		if c.RAMBase < dev.base+dev.size && dev.base < end {
			fail("ram [%#x, %#x) overlaps the %s", c.RAMBase, end, dev.name)
		}
	}
	switch c.Timer.Mode {
	case TimerStep:
	case TimerRealtime:
		if c.Timer.NsPerTick == 0 {
			fail("timer.ns_per_tick must be positive")
		}
	default:
		fail("timer.mode must be %q or %q, got %q", TimerStep, TimerRealtime, c.Timer.Mode)
	}

	return errors.Join(errs...)
}

// Parse decodes YAML, applies defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse machine config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the config file at path.
func Load(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("stat machine config: %w", err)
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("machine config %s is too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read machine config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
