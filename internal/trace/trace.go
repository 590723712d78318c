// Package trace records retired instructions and taken traps to a compact
// binary stream and reads such streams back.
//
// A stream is a fixed header, a JSON metadata block, zero padding to 4 KiB
// and then fixed-size little-endian records.
package trace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	Magic   uint32 = 0x52565452 // "RVTR"
	Version uint32 = 1

	pageSize = 4096
)

var (
	ErrBadMagic   = errors.New("trace: invalid magic")
	ErrBadVersion = errors.New("trace: unsupported version")
	ErrClosed     = errors.New("trace: writer closed")
)

type header struct {
	Magic      uint32
	Version    uint32
	MetaLength uint32
}

// Meta describes the machine that produced a trace.
type Meta struct {
	Xlen  int    `json:"xlen"`
	Harts int    `json:"harts"`
	Image string `json:"image,omitempty"`
}

// Kind distinguishes record types.
type Kind uint32

const (
	KindRetire Kind = 1
	KindTrap   Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRetire:
		return "retire"
	case KindTrap:
		return "trap"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// Record is one trace event. For retire records Value holds the instruction
// word; for trap records Value is the cause register and Tval the trap value.
type Record struct {
	Kind  Kind
	Hart  uint32
	PC    uint64
	Value uint64
	Tval  uint64
}

var recordSize = binary.Size(Record{})

func putRecord(buf []byte, rec Record) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(rec.Kind))
	binary.LittleEndian.PutUint32(buf[4:], rec.Hart)
	binary.LittleEndian.PutUint64(buf[8:], rec.PC)
	binary.LittleEndian.PutUint64(buf[16:], rec.Value)
	binary.LittleEndian.PutUint64(buf[24:], rec.Tval)
}

// Writer streams records to an io.Writer from a background goroutine. It
// satisfies the hart tracer interface.
type Writer struct {
	w        io.Writer
	records  chan Record
	complete chan error

	mu     sync.RWMutex
	closed bool
	count  atomic.Uint64
}

// NewWriter writes the stream header and starts the writer goroutine.
func NewWriter(w io.Writer, meta Meta) (*Writer, error) {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("trace: marshal meta: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:      Magic,
		Version:    Version,
		MetaLength: uint32(len(encoded)),
	}); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}
	off := binary.Size(header{})

	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("trace: write meta: %w", err)
	}
	off += len(encoded)

	// pad to 4096 so records are page aligned
	if off%pageSize != 0 {
		if _, err := w.Write(make([]byte, pageSize-off%pageSize)); err != nil {
			return nil, fmt.Errorf("trace: write padding: %w", err)
		}
	}

	tw := &Writer{
		w:        w,
		records:  make(chan Record, 4096),
		complete: make(chan error, 1),
	}
	go tw.run()
	return tw, nil
}

func (tw *Writer) run() {
	var buf [pageSize]byte
	off := 0
	var werr error

	flush := func() {
		if off > 0 && werr == nil {
			if _, err := tw.w.Write(buf[:off]); err != nil {
				werr = err
			}
		}
		off = 0
	}

	// Keep draining after a write error so producers never block.
	for rec := range tw.records {
		if off+recordSize > len(buf) {
			flush()
		}
		putRecord(buf[off:], rec)
		off += recordSize
	}
	flush()

	tw.complete <- werr
}

func (tw *Writer) send(rec Record) {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	if tw.closed {
		return
	}
	tw.records <- rec
	tw.count.Add(1)
}

// Retire records a retired instruction.
func (tw *Writer) Retire(hart int, pc uint64, insn uint32) {
	tw.send(Record{Kind: KindRetire, Hart: uint32(hart), PC: pc, Value: uint64(insn)})
}

// Trap records a taken trap.
func (tw *Writer) Trap(hart int, pc, cause, tval uint64) {
	tw.send(Record{Kind: KindTrap, Hart: uint32(hart), PC: pc, Value: cause, Tval: tval})
}

// Count returns the number of records accepted so far.
func (tw *Writer) Count() uint64 {
	return tw.count.Load()
}

// Close flushes buffered records and stops the writer goroutine. It does not
// close the underlying writer.
func (tw *Writer) Close() error {
	tw.mu.Lock()
	if tw.closed {
		tw.mu.Unlock()
		return ErrClosed
	}
	tw.closed = true
	close(tw.records)
	tw.mu.Unlock()

	if err := <-tw.complete; err != nil {
		return fmt.Errorf("trace: write thread: %w", err)
	}
	return nil
}

// Reader decodes a trace stream.
type Reader struct {
	buf  *bufio.Reader
	meta Meta
}

// NewReader reads the stream header and metadata.
func NewReader(r io.Reader) (*Reader, error) {
	buf := bufio.NewReaderSize(r, pageSize)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("trace: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return nil, ErrBadMagic
	}
	if hdr.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, hdr.Version)
	}
	if hdr.MetaLength > pageSize*16 {
		return nil, fmt.Errorf("trace: metadata length %d too large", hdr.MetaLength)
	}

	var meta Meta
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.MetaLength)))
	if err := dec.Decode(&meta); err != nil {
		return nil, fmt.Errorf("trace: decode meta: %w", err)
	}

	// skip the padding
	off := int(hdr.MetaLength) + binary.Size(hdr)
	if off%pageSize != 0 {
		if _, err := buf.Discard(pageSize - off%pageSize); err != nil {
			return nil, fmt.Errorf("trace: skip padding: %w", err)
		}
	}

	return &Reader{buf: buf, meta: meta}, nil
}

// Meta returns the stream metadata.
func (r *Reader) Meta() Meta { return r.meta }

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := binary.Read(r.buf, binary.LittleEndian, &rec); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("trace: truncated record: %w", err)
		}
		return Record{}, err
	}
	return rec, nil
}

// ReadAllRecords calls fn for every record in the stream.
func ReadAllRecords(r io.Reader, fn func(meta Meta, rec Record) error) error {
	tr, err := NewReader(r)
	if err != nil {
		return err
	}
	for {
		rec, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(tr.meta, rec); err != nil {
			return err
		}
	}
}
