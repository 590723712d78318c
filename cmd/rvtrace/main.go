package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/Chungws/riscv-emulator/internal/decoder"
	"github.com/Chungws/riscv-emulator/internal/hart"
	"github.com/Chungws/riscv-emulator/internal/isa"
	"github.com/Chungws/riscv-emulator/internal/trace"
)

type hartSummary struct {
	Retired uint64
	Traps   map[string]int
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Trace file to read")
	sums := fs.Bool("sums", false, "Print per-hart instruction and trap counts")
	hartFilter := fs.Int("hart", -1, "Only show records from this hart")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	summaries := map[uint32]*hartSummary{}
	printedMeta := false

	if err := trace.ReadAllRecords(f, func(meta trace.Meta, rec trace.Record) error {
		if *hartFilter >= 0 && rec.Hart != uint32(*hartFilter) {
			return nil
		}
		xlen := isa.Xlen(meta.Xlen)

		if *sums {
			s, ok := summaries[rec.Hart]
			if !ok {
				s = &hartSummary{Traps: map[string]int{}}
				summaries[rec.Hart] = s
			}
			switch rec.Kind {
			case trace.KindRetire:
				s.Retired++
			case trace.KindTrap:
				s.Traps[hart.CauseName(xlen, rec.Value)]++
			}
			return nil
		}

		if !printedMeta {
			fmt.Printf("# %s harts=%d image=%s\n", xlen, meta.Harts, meta.Image)
			printedMeta = true
		}
		switch rec.Kind {
		case trace.KindRetire:
			fmt.Printf("%d %#x %s\n", rec.Hart, rec.PC, decoder.Decode(uint32(rec.Value)))
		case trace.KindTrap:
			fmt.Printf("%d %#x trap %s tval=%#x\n", rec.Hart, rec.PC, hart.CauseName(xlen, rec.Value), rec.Tval)
		default:
			fmt.Printf("%d %#x %s\n", rec.Hart, rec.PC, rec.Kind)
		}
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
		os.Exit(1)
	}

	if *sums {
		ids := make([]uint32, 0, len(summaries))
		for id := range summaries {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			s := summaries[id]
			fmt.Printf("hart %d retired=%d\n", id, s.Retired)
			names := make([]string, 0, len(s.Traps))
			for name := range s.Traps {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  % 32s %d\n", name, s.Traps[name])
			}
		}
	}
}
