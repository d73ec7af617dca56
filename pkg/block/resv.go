package block

import (
	"fmt"
	"sync"
)

// ResvType is the NVMe persistent reservation type, reduced to the
// types the nexus actually negotiates.
type ResvType int

const (
	// ResvNone means no reservation is held.
	ResvNone ResvType = iota
	// ResvWriteExclusive allows writes from the holder only.
	ResvWriteExclusive
	// ResvWriteExclusiveAllRegs allows writes from all registrants.
	ResvWriteExclusiveAllRegs
)

func (t ResvType) String() string {
	switch t {
	case ResvNone:
		return "none"
	case ResvWriteExclusive:
		return "write exclusive"
	case ResvWriteExclusiveAllRegs:
		return "write exclusive, all registrants"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Reservation is the per-device registration and reservation state.
// The device is the single arbitration point: concurrent register,
// acquire and preempt calls from competing nexus instances are
// serialized here, and the loser gets an ErrResvConflict.
type Reservation struct {
	mu          sync.Mutex
	typ         ResvType
	holder      uint64
	registrants map[uint64]struct{}
}

// ResvReport is a snapshot of the reservation state.
type ResvReport struct {
	Type        ResvType
	Holder      uint64
	Registrants []uint64
}

func newReservation() *Reservation {
	return &Reservation{
		registrants: make(map[uint64]struct{}),
	}
}

// Register adds key to the registrant set. Re-registering an already
// registered key is a no-op.
func (r *Reservation) Register(key uint64) error {
	if key == 0 {
		return fmt.Errorf("cannot register zero reservation key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrants[key] = struct{}{}
	return nil
}

// Unregister removes key from the registrant set. If key held the
// reservation, the reservation is released.
func (r *Reservation) Unregister(key uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registrants, key)
	if r.holder == key {
		r.holder = 0
		r.typ = ResvNone
	}
}

// Acquire takes the reservation for key. If preemptKey is non-zero the
// current holder registered under preemptKey is preempted: its
// registration is dropped and key becomes the holder. key must already
// be registered.
func (r *Reservation) Acquire(key uint64, typ ResvType, preemptKey uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registrants[key]; !ok {
		return fmt.Errorf("key %#x not registered: %w", key, ErrResvConflict)
	}

	if preemptKey != 0 {
		if _, ok := r.registrants[preemptKey]; !ok && r.holder != preemptKey {
			return fmt.Errorf("preempt key %#x matches no registrant: %w", preemptKey, ErrResvConflict)
		}
		delete(r.registrants, preemptKey)
		r.holder = key
		r.typ = typ
		return nil
	}

	if r.holder != 0 && r.holder != key {
		return fmt.Errorf("held by %#x: %w", r.holder, ErrResvConflict)
	}
	r.holder = key
	r.typ = typ
	return nil
}

// Release drops the reservation if key holds it.
func (r *Reservation) Release(key uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder == key {
		r.holder = 0
		r.typ = ResvNone
	}
}

// Report returns the current reservation state.
func (r *Reservation) Report() ResvReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := ResvReport{
		Type:   r.typ,
		Holder: r.holder,
	}
	for k := range r.registrants {
		rep.Registrants = append(rep.Registrants, k)
	}
	return rep
}

// mayWrite decides whether a write submitted under key passes the
// reservation. A device with no reservation accepts every write.
func (r *Reservation) mayWrite(key uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.typ {
	case ResvNone:
		return true
	case ResvWriteExclusive:
		return key == r.holder
	case ResvWriteExclusiveAllRegs:
		_, ok := r.registrants[key]
		return ok
	}
	return false
}
