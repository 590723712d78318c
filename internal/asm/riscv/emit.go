package riscv

import (
	"errors"
	"fmt"

	"github.com/Chungws/riscv-emulator/internal/asm"
)

type fixup struct {
	label asm.Label
	at    int
	patch asm.Patch
}

type emitter struct {
	code   []byte
	labels map[asm.Label]int
	fixups []fixup
}

// EmitBytes implements asm.Context.
func (e *emitter) EmitBytes(data []byte) {
	e.code = append(e.code, data...)
}

// Offset implements asm.Context.
func (e *emitter) Offset() int {
	return len(e.code)
}

// GetLabel implements asm.Context.
func (e *emitter) GetLabel(label asm.Label) (int, bool) {
	if e.labels == nil {
		return 0, false
	}
	offset, ok := e.labels[label]
	return offset, ok
}

// SetLabel implements asm.Context.
func (e *emitter) SetLabel(label asm.Label) {
	if e.labels == nil {
		e.labels = make(map[asm.Label]int)
	}
	e.labels[label] = len(e.code)
}

// AddFixup implements asm.Context.
func (e *emitter) AddFixup(label asm.Label, at int, patch asm.Patch) {
	e.fixups = append(e.fixups, fixup{label: label, at: at, patch: patch})
}

func (e *emitter) resolve() error {
	var errs []error
	for _, f := range e.fixups {
		target, ok := e.labels[f.label]
		if !ok {
			errs = append(errs, fmt.Errorf("riscv: undefined label %q", f.label))
			continue
		}
		if err := f.patch(e.code, f.at, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EmitProgram lowers the provided fragment into an asm.Program.
func EmitProgram(frag asm.Fragment) (asm.Program, error) {
	if frag == nil {
		return asm.Program{}, fmt.Errorf("riscv: fragment must be non-nil")
	}

	em := &emitter{
		code:   make([]byte, 0, 64),
		labels: make(map[asm.Label]int),
	}

	if err := frag.Emit(em); err != nil {
		return asm.Program{}, err
	}
	if err := em.resolve(); err != nil {
		return asm.Program{}, err
	}

	return asm.NewProgram(em.code, em.labels, 0), nil
}

// MustEmit is EmitProgram for fixed programs known to assemble.
func MustEmit(frags ...asm.Fragment) asm.Program {
	prog, err := EmitProgram(asm.Group(frags))
	if err != nil {
		panic(err)
	}
	return prog
}
