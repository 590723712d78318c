package machine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Chungws/riscv-emulator/internal/asm"
	rv "github.com/Chungws/riscv-emulator/internal/asm/riscv"
	"github.com/Chungws/riscv-emulator/internal/config"
	"github.com/Chungws/riscv-emulator/internal/csr"
	"github.com/Chungws/riscv-emulator/internal/devices/uart"
	"github.com/Chungws/riscv-emulator/internal/hart"
	"github.com/Chungws/riscv-emulator/internal/isa"
	"github.com/Chungws/riscv-emulator/internal/loader"
)

const testMemory = 1 << 20

func testConfig(xlen isa.Xlen, harts int) config.Config {
	return config.Config{
		Xlen:       xlen,
		Harts:      harts,
		MemorySize: testMemory,
	}
}

func newTestMachine(t *testing.T, cfg config.Config, frags ...asm.Fragment) (*Machine, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	m, err := New(cfg, WithOutput(&out))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(frags) > 0 {
		prog, err := rv.EmitProgram(asm.Group(frags))
		if err != nil {
			t.Fatalf("EmitProgram failed: %v", err)
		}
		if err := m.LoadImage(loader.Raw(prog.Bytes(), isa.RAMBase)); err != nil {
			t.Fatalf("LoadImage failed: %v", err)
		}
	}
	return m, &out
}

func runMachine(t *testing.T, m *Machine, maxRounds uint64) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.Run(ctx, maxRounds)
}

func TestDemoPrintsThroughUART(t *testing.T) {
	for _, xlen := range []isa.Xlen{isa.XLEN64, isa.XLEN32} {
		t.Run(xlen.String(), func(t *testing.T) {
			m, out := newTestMachine(t, testConfig(xlen, 1))
			if err := m.LoadImage(DemoImage(xlen, isa.RAMBase)); err != nil {
				t.Fatal(err)
			}
			if err := runMachine(t, m, 10000); !errors.Is(err, ErrHalt) {
				t.Fatalf("Run=%v, want ErrHalt", err)
			}
			if got, want := out.String(), DemoMessage(xlen); got != want {
				t.Fatalf("uart output %q, want %q", got, want)
			}
			if m.Retired() == 0 || m.Rounds() == 0 {
				t.Fatalf("retired=%d rounds=%d", m.Retired(), m.Rounds())
			}
		})
	}
}

func TestDemoMessage(t *testing.T) {
	if DemoMessage(isa.XLEN64) != "RV64!\n" {
		t.Fatalf("DemoMessage=%q", DemoMessage(isa.XLEN64))
	}
}

func TestEcallExitCode(t *testing.T) {
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 1),
		rv.Li(rv.A0, 3),
		rv.Ecall(),
	)
	err := runMachine(t, m, 100)
	var exit *ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("Run=%v, want ExitError", err)
	}
	if exit.Code != 3 || exit.Hart != 0 {
		t.Fatalf("exit=%+v", exit)
	}
}

func TestStepLimit(t *testing.T) {
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 1),
		asm.MarkLabel("spin"),
		rv.J("spin"),
	)
	if err := runMachine(t, m, 100); !errors.Is(err, ErrStepLimit) {
		t.Fatalf("Run=%v, want ErrStepLimit", err)
	}
	if m.Rounds() != 100 {
		t.Fatalf("rounds=%d, want 100", m.Rounds())
	}
}

func TestRunCancelled(t *testing.T) {
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 1),
		asm.MarkLabel("spin"),
		rv.J("spin"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run=%v, want context.Canceled", err)
	}
}

func TestProgressCallback(t *testing.T) {
	var calls []uint64
	m, err := New(testConfig(isa.XLEN64, 1), WithProgress(func(rounds uint64) {
		calls = append(calls, rounds)
	}))
	if err != nil {
		t.Fatal(err)
	}
	prog := rv.MustEmit(asm.MarkLabel("spin"), rv.J("spin"))
	if err := m.LoadImage(loader.Raw(prog.Bytes(), isa.RAMBase)); err != nil {
		t.Fatal(err)
	}
	if err := runMachine(t, m, 2*batchSize+5); !errors.Is(err, ErrStepLimit) {
		t.Fatalf("Run=%v", err)
	}
	if len(calls) != 2 || calls[0] != batchSize || calls[1] != 2*batchSize {
		t.Fatalf("progress calls=%v", calls)
	}
}

func TestTimerInterruptWakesWFI(t *testing.T) {
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 1),
		rv.La(rv.T0, "handler"),
		rv.Csrw(csr.Mtvec, rv.T0),
		rv.Li(rv.T0, int64(isa.CLINTBase+0x4000)),
		rv.Li(rv.T1, 50),
		rv.Sd(rv.T1, rv.T0, 0),
		rv.Li(rv.T0, int64(isa.MipMTIP)),
		rv.Csrw(csr.Mie, rv.T0),
		rv.Csrrsi(rv.X0, csr.Mstatus, uint32(isa.MstatusMIE)),
		asm.MarkLabel("idle"),
		rv.Wfi(),
		rv.J("idle"),
		asm.MarkLabel("handler"),
		rv.Csrr(rv.A0, csr.Mcause),
		rv.Csrr(rv.A1, csr.Time),
		rv.Halt(),
	)
	if err := runMachine(t, m, 1000); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run=%v, want ErrHalt", err)
	}
	h := m.Hart(0)
	if h.X[10] != 1<<63|isa.IntMTimer {
		t.Fatalf("mcause=%#x", h.X[10])
	}
	if h.X[11] < 50 {
		t.Fatalf("time=%d read in handler, want >= 50", h.X[11])
	}
}

func TestSoftwareInterruptAcrossHarts(t *testing.T) {
	// Hart 1 raises msip for hart 0, which is waiting in wfi.
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 2),
		rv.Csrr(rv.T2, csr.Mhartid),
		rv.Bnez(rv.T2, "sender"),
		rv.La(rv.T0, "handler"),
		rv.Csrw(csr.Mtvec, rv.T0),
		rv.Li(rv.T0, int64(isa.MipMSIP)),
		rv.Csrw(csr.Mie, rv.T0),
		rv.Csrrsi(rv.X0, csr.Mstatus, uint32(isa.MstatusMIE)),
		asm.MarkLabel("idle"),
		rv.Wfi(),
		rv.J("idle"),
		asm.MarkLabel("sender"),
		rv.Li(rv.T0, int64(isa.CLINTBase)),
		rv.Li(rv.T1, 1),
		rv.Sw(rv.T1, rv.T0, 0),
		asm.MarkLabel("spin"),
		rv.J("spin"),
		asm.MarkLabel("handler"),
		rv.Csrr(rv.A0, csr.Mcause),
		rv.Halt(),
	)
	if err := runMachine(t, m, 1000); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run=%v, want ErrHalt", err)
	}
	if got := m.Hart(0).X[10]; got != 1<<63|isa.IntMSoftware {
		t.Fatalf("mcause=%#x", got)
	}
}

func TestHartsSharingACounter(t *testing.T) {
	counter := int64(isa.RAMBase) + 0x1000
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 2),
		rv.Li(rv.T1, counter),
		rv.Li(rv.T3, 100),
		asm.MarkLabel("loop"),
		asm.MarkLabel("retry"),
		rv.LrD(rv.T0, rv.T1),
		rv.Addi(rv.T0, rv.T0, 1),
		rv.ScD(rv.T2, rv.T1, rv.T0),
		rv.Bnez(rv.T2, "retry"),
		rv.Addi(rv.T3, rv.T3, -1),
		rv.Bnez(rv.T3, "loop"),
		rv.Csrr(rv.A0, csr.Mhartid),
		rv.Bnez(rv.A0, "secondary"),
		asm.MarkLabel("wait"),
		rv.Ld(rv.T4, rv.T1, 8),
		rv.Beqz(rv.T4, "wait"),
		rv.Halt(),
		asm.MarkLabel("secondary"),
		rv.Li(rv.T4, 1),
		rv.Sd(rv.T4, rv.T1, 8),
		asm.MarkLabel("spin"),
		rv.J("spin"),
	)
	if err := runMachine(t, m, 100000); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run=%v, want ErrHalt", err)
	}
	got, err := m.Bus().Read64(uint64(counter))
	if err != nil {
		t.Fatal(err)
	}
	if got != 200 {
		t.Fatalf("counter=%d, want 200", got)
	}
	if m.Hart(1).X[10] != 1 {
		t.Fatalf("hart 1 read mhartid %d", m.Hart(1).X[10])
	}
}

func TestUARTInterruptRoutesToHart0(t *testing.T) {
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 2),
		asm.MarkLabel("spin"),
		rv.J("spin"),
	)
	if err := m.UART().Write(uart.RegIER, 1, uart.IERRxAvailable); err != nil {
		t.Fatal(err)
	}
	m.UART().EnqueueInput('x')
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}
	if m.Hart(0).CSR.Get(csr.Mip)&isa.MipMEIP == 0 {
		t.Fatal("hart 0 does not see the UART interrupt")
	}
	if m.Hart(1).CSR.Get(csr.Mip)&isa.MipMEIP != 0 {
		t.Fatal("hart 1 sees the UART interrupt")
	}

	// Reading the byte drops the line on the next round.
	if _, err := m.Bus().Read8(isa.UARTBase + uart.RegRBR); err != nil {
		t.Fatal(err)
	}
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}
	if m.Hart(0).CSR.Get(csr.Mip)&isa.MipMEIP != 0 {
		t.Fatal("interrupt still pending after the FIFO drained")
	}
}

func TestUARTDisabled(t *testing.T) {
	cfg := testConfig(isa.XLEN64, 1)
	off := false
	cfg.UART.Enabled = &off
	m, _ := newTestMachine(t, cfg,
		rv.La(rv.T0, "handler"),
		rv.Csrw(csr.Mtvec, rv.T0),
		rv.Li(rv.T0, int64(isa.UARTBase)),
		rv.Sb(rv.X0, rv.T0, 0),
		asm.MarkLabel("handler"),
		rv.Csrr(rv.A0, csr.Mcause),
		rv.Halt(),
	)
	if m.UART() != nil {
		t.Fatal("UART mapped while disabled")
	}
	if err := runMachine(t, m, 100); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run=%v", err)
	}
	if m.Hart(0).X[10] != isa.CauseStoreAccessFault {
		t.Fatalf("mcause=%d, want store access fault", m.Hart(0).X[10])
	}
}

func TestLoadImageZeroFillsBSS(t *testing.T) {
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 1))
	addr := isa.RAMBase + 0x100
	if err := m.Bus().LoadBytes(addr, bytes.Repeat([]byte{0xff}, 16)); err != nil {
		t.Fatal(err)
	}
	img := &loader.Image{
		Entry: addr,
		Segments: []loader.Segment{{
			Addr:    addr,
			Data:    []byte{1, 2, 3, 4},
			MemSize: 16,
		}},
	}
	if err := m.LoadImage(img); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 16)
	for i := range got {
		b, err := m.Bus().Read8(addr + uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		got[i] = b
	}
	want := append([]byte{1, 2, 3, 4}, make([]byte, 12)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("memory=%x, want %x", got, want)
	}
	if m.Hart(0).PC != addr {
		t.Fatalf("pc=%#x, want %#x", m.Hart(0).PC, addr)
	}
}

func TestLoadFileRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.bin")
	if err := os.WriteFile(path, DemoProgram(isa.XLEN64).Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(isa.XLEN64, 1)
	cfg.Raw = true
	m, out := newTestMachine(t, cfg)
	if err := m.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := runMachine(t, m, 10000); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run=%v, want ErrHalt", err)
	}
	if got, want := out.String(), DemoMessage(isa.XLEN64); got != want {
		t.Fatalf("uart output %q, want %q", got, want)
	}
}

func TestLoadFileMissing(t *testing.T) {
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 1))
	if err := m.LoadFile(filepath.Join(t.TempDir(), "nope.elf")); err == nil {
		t.Fatal("LoadFile of a missing file succeeded")
	}
}

func TestLoadImageOutsideRAM(t *testing.T) {
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 1))
	img := loader.Raw([]byte{0x13, 0, 0, 0}, isa.RAMBase+testMemory)
	if err := m.LoadImage(img); err == nil {
		t.Fatal("LoadImage accepted a segment past the end of RAM")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(isa.XLEN64, 0)
	cfg.Harts = config.MaxHarts + 1
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("New=%v, want ErrInvalid", err)
	}
}

func TestRealtimeTimer(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := testConfig(isa.XLEN64, 1)
	cfg.Timer.Mode = config.TimerRealtime
	cfg.Timer.NsPerTick = 100
	m, err := New(cfg, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Microsecond)
	if got := m.CLINT().Time(); got != 10 {
		t.Fatalf("mtime=%d, want 10", got)
	}
	if got := m.Hart(0).CSR.Get(csr.Time); got != 10 {
		t.Fatalf("time csr=%d, want 10", got)
	}
}

type recorder struct {
	retired []uint64
	traps   []uint64
}

func (r *recorder) Retire(hart int, pc uint64, insn uint32) { r.retired = append(r.retired, pc) }
func (r *recorder) Trap(hart int, pc, cause, tval uint64)   { r.traps = append(r.traps, cause) }

var _ hart.Tracer = (*recorder)(nil)

func TestTracerSeesEveryHart(t *testing.T) {
	rec := &recorder{}
	m, err := New(testConfig(isa.XLEN64, 2), WithTracer(rec))
	if err != nil {
		t.Fatal(err)
	}
	prog := rv.MustEmit(rv.Nop(), rv.Nop(), rv.Halt())
	if err := m.LoadImage(loader.Raw(prog.Bytes(), isa.RAMBase)); err != nil {
		t.Fatal(err)
	}
	if err := runMachine(t, m, 100); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run=%v", err)
	}
	// Both harts retire two nops before hart 0 halts.
	if len(rec.retired) != 4 {
		t.Fatalf("retired %d instructions, want 4", len(rec.retired))
	}
}

func TestDump(t *testing.T) {
	m, _ := newTestMachine(t, testConfig(isa.XLEN64, 2))
	var buf bytes.Buffer
	m.Dump(&buf)
	if !bytes.Contains(buf.Bytes(), []byte("hart 1")) {
		t.Fatalf("dump missing hart 1:\n%s", buf.String())
	}
}
