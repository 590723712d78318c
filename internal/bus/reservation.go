package bus

// Reservations tracks the LR/SC reservation of every hart. Each hart holds at
// most one reserved range. The bus serialises access to the table.
type Reservations struct {
	held map[int]reservation
}

type reservation struct {
	addr uint64
	size uint64
}

func (res reservation) overlaps(addr, size uint64) bool {
	return addr < res.addr+res.size && res.addr < addr+size
}

// NewReservations returns an empty reservation table.
func NewReservations() *Reservations {
	return &Reservations{held: make(map[int]reservation)}
}

// Reserve records a reservation of size bytes at addr for hart, replacing
// any earlier one.
func (r *Reservations) Reserve(hart int, addr uint64, size int) {
	r.held[hart] = reservation{addr: addr, size: uint64(size)}
}

// Check reports whether hart holds a reservation starting at exactly addr.
func (r *Reservations) Check(hart int, addr uint64) bool {
	held, ok := r.held[hart]
	return ok && held.addr == addr
}

// Clear drops the reservation of hart.
func (r *Reservations) Clear(hart int) {
	delete(r.held, hart)
}

// Invalidate drops every reservation overlapping [addr, addr+size)
// regardless of owner.
func (r *Reservations) Invalidate(addr uint64, size int) {
	for hart, held := range r.held {
		if held.overlaps(addr, uint64(size)) {
			delete(r.held, hart)
		}
	}
}

// Len returns the number of live reservations.
func (r *Reservations) Len() int {
	return len(r.held)
}
