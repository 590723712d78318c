// Package asm holds the architecture-neutral pieces of the fragment
// assembler: contexts, fragments, labels and the emitted program.
package asm

import (
	"encoding/binary"
	"fmt"
)

// Variable names a machine register by number.
type Variable int

type Context interface {
	EmitBytes(data []byte)
	// Offset returns the number of bytes emitted so far.
	Offset() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)

	// AddFixup schedules patch to run once every label is placed. at is the
	// offset of the bytes to patch and target the offset of label.
	AddFixup(label Label, at int, patch Patch)
}

// Patch rewrites already emitted code once a label offset is known.
type Patch func(code []byte, at, target int) error

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type literal []byte

// Bytes emits raw data.
func Bytes(data []byte) Fragment {
	return literal(append([]byte(nil), data...))
}

// String emits s followed by a NUL terminator.
func String(s string) Fragment {
	return literal(append([]byte(s), 0))
}

func (l literal) Emit(ctx Context) error {
	ctx.EmitBytes(l)
	return nil
}

type align int

// Align pads the output with zero bytes to a multiple of n.
func Align(n int) Fragment {
	return align(n)
}

func (a align) Emit(ctx Context) error {
	if a <= 0 || a&(a-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two", int(a))
	}
	if pad := (int(a) - ctx.Offset()%int(a)) % int(a); pad > 0 {
		ctx.EmitBytes(make([]byte, pad))
	}
	return nil
}

type Program struct {
	code    []byte
	labels  map[Label]int
	bssSize int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

// Words returns the code as little-endian 32-bit words. A trailing partial
// word is dropped.
func (p Program) Words() []uint32 {
	out := make([]uint32, 0, len(p.code)/4)
	for off := 0; off+4 <= len(p.code); off += 4 {
		out = append(out, binary.LittleEndian.Uint32(p.code[off:]))
	}
	return out
}

// Label returns the offset of a label placed in the program.
func (p Program) Label(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

func (p Program) BSSSize() int {
	return p.bssSize
}

func (p Program) Clone() Program {
	return NewProgram(p.code, p.labels, p.bssSize)
}

func NewProgram(code []byte, labels map[Label]int, bss int) Program {
	copied := make(map[Label]int, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return Program{
		code:    append([]byte(nil), code...),
		labels:  copied,
		bssSize: bss,
	}
}
