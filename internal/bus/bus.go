// Package bus routes physical addresses to RAM and memory-mapped devices and
// owns the load-reserved/store-conditional reservation state shared by harts.
package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Endianness of every access on the bus.
var busEndian = binary.LittleEndian

var (
	// ErrUnmapped is returned for accesses that hit no mapping.
	ErrUnmapped = errors.New("no device at address")
	// ErrOverlap is returned by New when two mappings share addresses.
	ErrOverlap = errors.New("overlapping mappings")
	// ErrAccessSize is returned for access sizes other than 1, 2, 4 and 8.
	ErrAccessSize = errors.New("invalid access size")
	// ErrOutOfBounds is returned when an access runs past the end of a device.
	ErrOutOfBounds = errors.New("access out of bounds")
)

// Device represents a memory-mapped device
type Device interface {
	// Read reads from the device at the given offset
	Read(offset uint64, size int) (uint64, error)
	// Write writes to the device at the given offset
	Write(offset uint64, size int, value uint64) error
	// Size returns the size of the device's address space
	Size() uint64
	// Tick advances the device by one scheduler round
	Tick()
}

// Mapping binds a device to an address range.
type Mapping struct {
	Name   string
	Base   uint64
	Device Device
}

func (m Mapping) end() uint64 { return m.Base + m.Device.Size() }

func (m Mapping) contains(addr uint64, size int) bool {
	return addr >= m.Base && addr-m.Base+uint64(size) <= m.Device.Size()
}

// AccessError describes a failed bus access.
type AccessError struct {
	Addr  uint64
	Size  int
	Write bool
	Err   error
}

func (e *AccessError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("bus %s of %d bytes at 0x%x: %v", op, e.Size, e.Addr, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

var _ error = &AccessError{}

// Bus connects harts to memory and devices. The routing table is fixed at
// construction. All accesses are serialised by an internal mutex so harts can
// share one bus.
type Bus struct {
	mu           sync.Mutex
	mappings     []Mapping
	reservations *Reservations
}

// New creates a bus over the given mappings. Mappings must not overlap.
func New(mappings ...Mapping) (*Bus, error) {
	sorted := make([]Mapping, len(mappings))
	copy(sorted, mappings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	for i, m := range sorted {
		if m.Device == nil || m.Device.Size() == 0 {
			return nil, fmt.Errorf("mapping %q at 0x%x: empty device", m.Name, m.Base)
		}
		if m.end() < m.Base {
			return nil, fmt.Errorf("mapping %q at 0x%x: wraps address space", m.Name, m.Base)
		}
		if i > 0 && sorted[i-1].end() > m.Base {
			return nil, fmt.Errorf("%w: %q [0x%x, 0x%x) and %q at 0x%x",
				ErrOverlap, sorted[i-1].Name, sorted[i-1].Base, sorted[i-1].end(), m.Name, m.Base)
		}
	}

	return &Bus{
		mappings:     sorted,
		reservations: NewReservations(),
	}, nil
}

// Mappings returns the routing table in address order.
func (bus *Bus) Mappings() []Mapping {
	out := make([]Mapping, len(bus.mappings))
	copy(out, bus.mappings)
	return out
}

// Reservations exposes the reservation table for inspection.
func (bus *Bus) Reservations() *Reservations {
	return bus.reservations
}

// findDevice finds the device holding [addr, addr+size).
func (bus *Bus) findDevice(addr uint64, size int) (Device, uint64, bool) {
	i := sort.Search(len(bus.mappings), func(i int) bool {
		return bus.mappings[i].end() > addr
	})
	if i < len(bus.mappings) && bus.mappings[i].contains(addr, size) {
		m := bus.mappings[i]
		return m.Device, addr - m.Base, true
	}
	return nil, 0, false
}

func checkSize(size int) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	}
	return ErrAccessSize
}

func (bus *Bus) read(addr uint64, size int) (uint64, error) {
	if err := checkSize(size); err != nil {
		return 0, &AccessError{Addr: addr, Size: size, Err: err}
	}
	dev, offset, ok := bus.findDevice(addr, size)
	if !ok {
		return 0, &AccessError{Addr: addr, Size: size, Err: ErrUnmapped}
	}
	val, err := dev.Read(offset, size)
	if err != nil {
		return 0, &AccessError{Addr: addr, Size: size, Err: err}
	}
	return val, nil
}

func (bus *Bus) write(addr uint64, size int, value uint64) error {
	if err := checkSize(size); err != nil {
		return &AccessError{Addr: addr, Size: size, Write: true, Err: err}
	}
	dev, offset, ok := bus.findDevice(addr, size)
	if !ok {
		return &AccessError{Addr: addr, Size: size, Write: true, Err: ErrUnmapped}
	}
	if err := dev.Write(offset, size, value); err != nil {
		return &AccessError{Addr: addr, Size: size, Write: true, Err: err}
	}
	bus.reservations.Invalidate(addr, size)
	return nil
}

// Read reads size bytes from the bus
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.read(addr, size)
}

// Write writes size bytes to the bus and invalidates every reservation that
// overlaps the written bytes.
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.write(addr, size, value)
}

// Read8 reads a byte from the bus
func (bus *Bus) Read8(addr uint64) (uint8, error) {
	val, err := bus.Read(addr, 1)
	return uint8(val), err
}

// Read16 reads a halfword from the bus
func (bus *Bus) Read16(addr uint64) (uint16, error) {
	val, err := bus.Read(addr, 2)
	return uint16(val), err
}

// Read32 reads a word from the bus
func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

// Read64 reads a doubleword from the bus
func (bus *Bus) Read64(addr uint64) (uint64, error) {
	return bus.Read(addr, 8)
}

// Write8 writes a byte to the bus
func (bus *Bus) Write8(addr uint64, value uint8) error {
	return bus.Write(addr, 1, uint64(value))
}

// Write16 writes a halfword to the bus
func (bus *Bus) Write16(addr uint64, value uint16) error {
	return bus.Write(addr, 2, uint64(value))
}

// Write32 writes a word to the bus
func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

// Write64 writes a doubleword to the bus
func (bus *Bus) Write64(addr uint64, value uint64) error {
	return bus.Write(addr, 8, value)
}

// LoadBytes copies data into the bus starting at addr.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	// Fast path for RAM
	if dev, offset, ok := bus.findDevice(addr, len(data)); ok {
		if mem, ok := dev.(*Memory); ok {
			copy(mem.Data[offset:], data)
			bus.reservations.Invalidate(addr, len(data))
			return nil
		}
	}

	for i, b := range data {
		if err := bus.write(addr+uint64(i), 1, uint64(b)); err != nil {
			return err
		}
	}
	return nil
}

// Zero clears n bytes starting at addr.
func (bus *Bus) Zero(addr, n uint64) error {
	return bus.LoadBytes(addr, make([]byte, n))
}

// Tick advances every device by one round.
func (bus *Bus) Tick() {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for _, m := range bus.mappings {
		m.Device.Tick()
	}
}

// LoadReserved reads size bytes at addr and records a reservation for hart,
// replacing any reservation it held before.
func (bus *Bus) LoadReserved(hart int, addr uint64, size int) (uint64, error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	val, err := bus.read(addr, size)
	if err != nil {
		return 0, err
	}
	bus.reservations.Reserve(hart, addr, size)
	return val, nil
}

// StoreConditional writes value at addr only if hart still holds a
// reservation on exactly that address. The reservation is cleared whether or
// not the store happens.
func (bus *Bus) StoreConditional(hart int, addr uint64, size int, value uint64) (bool, error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	ok := bus.reservations.Check(hart, addr)
	bus.reservations.Clear(hart)
	if !ok {
		return false, nil
	}
	if err := bus.write(addr, size, value); err != nil {
		return false, err
	}
	return true, nil
}

// AtomicRMW replaces the value at addr with op(old) as one indivisible step
// and returns old.
func (bus *Bus) AtomicRMW(addr uint64, size int, op func(old uint64) uint64) (uint64, error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	old, err := bus.read(addr, size)
	if err != nil {
		return 0, err
	}
	if err := bus.write(addr, size, op(old)); err != nil {
		return 0, err
	}
	return old, nil
}
