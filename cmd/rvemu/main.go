package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Chungws/riscv-emulator/internal/config"
	"github.com/Chungws/riscv-emulator/internal/devices/uart"
	"github.com/Chungws/riscv-emulator/internal/isa"
	"github.com/Chungws/riscv-emulator/internal/loader"
	"github.com/Chungws/riscv-emulator/internal/machine"
	"github.com/Chungws/riscv-emulator/internal/trace"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		var exitErr *machine.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(int(exitErr.Code & 0xff))
		}
		fmt.Fprintf(os.Stderr, "rvemu: %v\n", err)
		var usage usageError
		if errors.As(err, &usage) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	if _, err := f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'})); err != nil {
		return 0, err
	}
	return len(p), nil
}

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }

func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type uint64Flag struct {
	v   uint64
	set bool
}

func (f *uint64Flag) String() string { return strconv.FormatUint(f.v, 10) }

func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string {
	if f.v {
		return "true"
	}
	return "false"
}

func (f *boolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

func (f *boolFlag) IsBoolFlag() bool { return true }

type sizeFlag struct {
	v   config.Size
	set bool
}

func (f *sizeFlag) String() string { return f.v.String() }

func (f *sizeFlag) Set(s string) error {
	v, err := config.ParseSize(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type stringFlag struct {
	v   string
	set bool
}

func (f *stringFlag) String() string { return f.v }

func (f *stringFlag) Set(s string) error {
	f.v = s
	f.set = true
	return nil
}

// flags that override the machine config when given
type overrides struct {
	xlen       intFlag
	harts      intFlag
	memory     sizeFlag
	ramBase    uint64Flag
	timer      stringFlag
	uart       boolFlag
	stopOnZero boolFlag
	ecallExit  boolFlag
	maxSteps   uint64Flag
	raw        boolFlag
	traceFile  stringFlag
}

func (o *overrides) register() {
	flag.Var(&o.xlen, "xlen", "Register width, 32 or 64 (default 64)")
	flag.Var(&o.harts, "harts", "Number of harts (default 1)")
	flag.Var(&o.memory, "memory", "RAM size, e.g. 64MiB (default 128MiB)")
	flag.Var(&o.ramBase, "ram-base", "RAM base address (default 0x80000000)")
	flag.Var(&o.timer, "timer", "Timer mode: step or realtime (default step)")
	flag.Var(&o.uart, "uart", "Map the UART (default true)")
	flag.Var(&o.stopOnZero, "stop-on-zero", "Halt on a store to address 0 (default true)")
	flag.Var(&o.ecallExit, "ecall-exit", "Exit on an unhandled machine-mode ecall (default true)")
	flag.Var(&o.maxSteps, "max-steps", "Stop after this many scheduler rounds (0 = unlimited)")
	flag.Var(&o.raw, "raw", "Load the binary as a flat image at the RAM base")
	flag.Var(&o.traceFile, "trace-file", "Write an execution trace to file")
}

func (o *overrides) apply(cfg *config.Config) {
	if o.xlen.set {
		cfg.Xlen = isa.Xlen(o.xlen.v)
	}
	if o.harts.set {
		cfg.Harts = o.harts.v
	}
	if o.memory.set {
		cfg.MemorySize = o.memory.v
	}
	if o.ramBase.set {
		cfg.RAMBase = o.ramBase.v
	}
	if o.timer.set {
		cfg.Timer.Mode = o.timer.v
	}
	if o.uart.set {
		cfg.UART.Enabled = &o.uart.v
	}
	if o.stopOnZero.set {
		cfg.StopOnZero = &o.stopOnZero.v
	}
	if o.ecallExit.set {
		cfg.EcallExit = &o.ecallExit.v
	}
	if o.maxSteps.set {
		cfg.MaxSteps = o.maxSteps.v
	}
	if o.raw.set {
		cfg.Raw = o.raw.v
	}
	if o.traceFile.set {
		cfg.TraceFile = o.traceFile.v
	}
}

func run() error {
	configFile := flag.String("config", "", "Machine config (YAML)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	progress := flag.Bool("progress", false, "Show a progress bar on stderr")
	demo := flag.Bool("demo", false, "Run the built-in demo program instead of a binary")
	dump := flag.Bool("dump", false, "Dump hart registers on exit")
	printConfig := flag.Bool("print-config", false, "Print the effective machine config and exit")
	var ov overrides
	ov.register()
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <binary>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a bare-metal RISC-V program.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -demo\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -xlen 32 -max-steps 1000000 prog.elf\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			return err
		}
	}
	ov.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return usageError(err.Error())
	}

	if *printConfig {
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	var (
		image *loader.Image
		name  string
	)
	switch {
	case *demo:
		if flag.NArg() != 0 {
			return usageError("-demo takes no binary")
		}
		image = machine.DemoImage(cfg.Xlen, cfg.RAMBase)
		name = "demo"
	case flag.NArg() == 1:
		name = flag.Arg(0)
	default:
		return usageError("expected exactly one binary")
	}

	isTerminal := term.IsTerminal(int(os.Stdin.Fd()))
	var output io.Writer = os.Stdout
	if isTerminal {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
		output = &fixCrlf{w: os.Stdout}
	}

	opts := []machine.Option{
		machine.WithLogger(log),
		machine.WithOutput(output),
	}

	if cfg.TraceFile != "" {
		f, err := os.Create(cfg.TraceFile)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()

		tw, err := trace.NewWriter(f, trace.Meta{
			Xlen:  int(cfg.Xlen),
			Harts: cfg.Harts,
			Image: filepath.Base(name),
		})
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer func() {
			if err := tw.Close(); err != nil {
				log.Error("close trace", "error", err)
				return
			}
			log.Debug("trace written", "file", cfg.TraceFile, "records", tw.Count())
		}()
		opts = append(opts, machine.WithTracer(tw))
	}

	if *progress {
		total := int64(-1)
		if cfg.MaxSteps > 0 {
			total = int64(cfg.MaxSteps)
		}
		bar := progressbar.Default(total, "rounds")
		defer bar.Close()
		opts = append(opts, machine.WithProgress(func(rounds uint64) {
			_ = bar.Set64(int64(rounds))
		}))
	}

	m, err := machine.New(cfg, opts...)
	if err != nil {
		return err
	}
	if image != nil {
		err = m.LoadImage(image)
	} else {
		err = m.LoadFile(name)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Run(ctx, cfg.MaxSteps)
	})
	if u := m.UART(); u != nil {
		input := make(chan []byte)
		go readInput(os.Stdin, input)
		g.Go(func() error {
			return pumpInput(ctx, u, input, isTerminal)
		})
	}
	err = g.Wait()

	elapsed := time.Since(start)
	log.Debug("machine stopped",
		"rounds", m.Rounds(),
		"retired", m.Retired(),
		"elapsed", elapsed)

	var fatal bool
	var exitErr *machine.ExitError
	switch {
	case err == nil, errors.Is(err, machine.ErrHalt):
		err = nil
	case errors.As(err, &exitErr):
	case errors.Is(err, machine.ErrStepLimit), errors.Is(err, errDetached), errors.Is(err, context.Canceled):
		err = fmt.Errorf("stopped after %d rounds: %w", m.Rounds(), err)
	default:
		fatal = true
		err = fmt.Errorf("run: %w", err)
	}

	if *dump || fatal {
		m.Dump(os.Stderr)
	}
	return err
}

// errDetached is returned when the user presses Ctrl-A x on a raw terminal.
var errDetached = errors.New("detached by user")

// readInput forwards stdin chunks to ch until stdin fails.
func readInput(r io.Reader, ch chan<- []byte) {
	defer close(ch)
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			ch <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

// pumpInput feeds stdin into the UART receive FIFO, waiting while it is
// full. On a raw terminal Ctrl-A x detaches.
func pumpInput(ctx context.Context, u *uart.UART, input <-chan []byte, escape bool) error {
	var pendingEscape bool
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-input:
			if !ok {
				<-ctx.Done()
				return nil
			}
			data = chunk
		}

		if escape {
			out := data[:0:0]
			for _, b := range data {
				switch {
				case pendingEscape && b == 'x':
					return errDetached
				case pendingEscape:
					pendingEscape = false
					out = append(out, 0x01, b)
				case b == 0x01:
					pendingEscape = true
				default:
					out = append(out, b)
				}
			}
			data = out
		}

		for len(data) > 0 {
			if n := min(u.RxSpace(), len(data)); n > 0 {
				u.EnqueueInput(data[:n]...)
				data = data[n:]
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
		}
	}
}
