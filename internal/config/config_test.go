package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Chungws/riscv-emulator/internal/isa"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Xlen != isa.XLEN64 || cfg.Harts != 1 {
		t.Fatalf("xlen=%v harts=%d", cfg.Xlen, cfg.Harts)
	}
	if uint64(cfg.MemorySize) != isa.RAMSize || cfg.RAMBase != isa.RAMBase {
		t.Fatalf("memory %v at %#x", cfg.MemorySize, cfg.RAMBase)
	}
	if cfg.Timer.Mode != TimerStep {
		t.Fatalf("timer mode=%q", cfg.Timer.Mode)
	}
	if !cfg.UARTEnabled() || !cfg.StopOnZeroEnabled() || !cfg.EcallExitEnabled() {
		t.Fatal("expected uart, stop_on_zero and ecall_exit enabled by default")
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
xlen: 32
harts: 2
memory_size: 16MiB
timer:
  mode: realtime
  ns_per_tick: 50
uart:
  enabled: false
stop_on_zero: false
max_steps: 1000
trace_file: out.trace
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Xlen != isa.XLEN32 || cfg.Harts != 2 {
		t.Fatalf("xlen=%v harts=%d", cfg.Xlen, cfg.Harts)
	}
	if cfg.MemorySize != 16<<20 {
		t.Fatalf("memory_size=%d", cfg.MemorySize)
	}
	if cfg.Timer.Mode != TimerRealtime || cfg.Timer.NsPerTick != 50 {
		t.Fatalf("timer=%+v", cfg.Timer)
	}
	if cfg.UARTEnabled() || cfg.StopOnZeroEnabled() {
		t.Fatal("explicit false overridden by defaults")
	}
	if !cfg.EcallExitEnabled() {
		t.Fatal("unset ecall_exit should default to true")
	}
	if cfg.MaxSteps != 1000 || cfg.TraceFile != "out.trace" {
		t.Fatalf("max_steps=%d trace_file=%q", cfg.MaxSteps, cfg.TraceFile)
	}
	if cfg.RAMBase != isa.RAMBase {
		t.Fatalf("ram_base=%#x", cfg.RAMBase)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) failed: %v", err)
	}
	if cfg.Harts != 1 {
		t.Fatalf("harts=%d", cfg.Harts)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("hart_count: 4\n")); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		substr string
	}{
		{"xlen", "xlen: 128", "xlen"},
		{"harts", "harts: 65", "harts"},
		{"negative harts", "harts: -1", "harts"},
		{"memory", "memory_size: 1000", "memory_size"},
		{"alignment", "ram_base: 0x80000100", "aligned"},
		{"overlap clint", "ram_base: 0x02000000", "clint"},
		{"overlap uart", "ram_base: 0x0ffff000\nmemory_size: 8KiB", "uart"},
		{"rv32 range", "xlen: 32\nram_base: 0xfff00000\nmemory_size: 2MiB", "32-bit"},
		{"timer", "timer:\n  mode: fast", "timer.mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Parse error=%v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.substr) {
				t.Fatalf("error %q does not mention %q", err, tt.substr)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{"4096", 4096},
		{"0x1000", 4096},
		{"64KiB", 64 << 10},
		{"128MiB", 128 << 20},
		{"1 GiB", 1 << 30},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseSize(%q)=%d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
	for _, bad := range []string{"", "lots", "-1", "99999999999999999999GiB"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q) succeeded", bad)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Harts = 3
	data, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), "memory_size: 128MiB") {
		t.Fatalf("unexpected yaml:\n%s", data)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v\n%s", err, data)
	}
	if back.Harts != 3 || back.MemorySize != cfg.MemorySize {
		t.Fatalf("round trip lost fields: %+v", back)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yml")
	if err := os.WriteFile(path, []byte("harts: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Harts != 4 {
		t.Fatalf("harts=%d", cfg.Harts)
	}
	if _, err := Load(filepath.Join(dir, "missing.yml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load(missing)=%v", err)
	}
}
