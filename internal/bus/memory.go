package bus

import (
	"fmt"
	"io"
)

// Memory is a contiguous region of RAM.
type Memory struct {
	Data []byte
}

// NewMemory creates a zeroed memory region of the given size.
func NewMemory(size uint64) *Memory {
	return &Memory{
		Data: make([]byte, size),
	}
}

func (m *Memory) bounds(offset uint64, size int) error {
	if offset+uint64(size) > uint64(len(m.Data)) || offset+uint64(size) < offset {
		return fmt.Errorf("%w: offset=0x%x size=%d len=%d", ErrOutOfBounds, offset, size, len(m.Data))
	}
	return nil
}

// Read implements Device
func (m *Memory) Read(offset uint64, size int) (uint64, error) {
	if err := m.bounds(offset, size); err != nil {
		return 0, err
	}

	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(busEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(busEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return busEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrAccessSize, size)
	}
}

// Write implements Device
func (m *Memory) Write(offset uint64, size int, value uint64) error {
	if err := m.bounds(offset, size); err != nil {
		return err
	}

	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		busEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		busEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		busEndian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("%w: %d", ErrAccessSize, size)
	}
	return nil
}

// Size implements Device
func (m *Memory) Size() uint64 {
	return uint64(len(m.Data))
}

// Tick implements Device
func (m *Memory) Tick() {}

// ReadAt implements io.ReaderAt
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	n := copy(p, m.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Slice returns a view of length bytes at offset, or nil when out of range.
func (m *Memory) Slice(offset, length uint64) []byte {
	if offset+length > uint64(len(m.Data)) {
		return nil
	}
	return m.Data[offset : offset+length]
}

var (
	_ Device      = (*Memory)(nil)
	_ io.ReaderAt = (*Memory)(nil)
)
