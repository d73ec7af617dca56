package block

import (
	"context"
	"errors"
)

var (
	// ErrDeviceGone is returned when the backend behind a device has
	// disappeared (process restart, cable pull, ...).
	ErrDeviceGone = errors.New("block device gone")
	// ErrOutOfRange is returned for an I/O beyond the device capacity.
	ErrOutOfRange = errors.New("io out of range")
	// ErrResvConflict is returned when a write is rejected by the
	// device's persistent reservation.
	ErrResvConflict = errors.New("reservation conflict")
)

// Device is one backend replica reachable through the shared block
// transport. The transport itself is an external collaborator; devices
// here only expose the raw read/write surface the nexus consumes,
// plus the NVMe-style reservation state the backend arbitrates.
//
// Devices are owned by the Resolver that opened them. Several nexus
// instances may hold the same Device (multipath); none of them closes it.
type Device interface {
	// URI the device was resolved from.
	URI() string
	// BlockLen is the logical block size in bytes.
	BlockLen() uint64
	// NumBlocks is the usable capacity in blocks.
	NumBlocks() uint64
	// ReadAt reads len(p) bytes at byte offset off.
	ReadAt(ctx context.Context, p []byte, off uint64) error
	// WriteAt writes p at byte offset off on behalf of the controller
	// registered under key. The write is checked against the device's
	// reservation and fails with ErrResvConflict if key may not write.
	WriteAt(ctx context.Context, key uint64, p []byte, off uint64) error
	// Resv is the reservation state held on this device.
	Resv() *Reservation
	// Alive reports whether the backend is still reachable.
	Alive() bool
}

// SizeBytes of the device.
func SizeBytes(dev Device) uint64 {
	return dev.BlockLen() * dev.NumBlocks()
}

func checkRange(dev Device, l int, off uint64) error {
	if off+uint64(l) > SizeBytes(dev) {
		return ErrOutOfRange
	}
	return nil
}
