package block

import (
	"context"
	"sync"
)

// MemDevice is a RAM-backed device, the malloc bdev of this engine.
// It is used as a child backend in tests and dev deployments. Kill
// simulates the backend process going away: every subsequent I/O fails
// with ErrDeviceGone until Revive is called.
type MemDevice struct {
	uri       string
	blockLen  uint64
	numBlocks uint64
	resv      *Reservation

	mu   sync.RWMutex
	data []byte
	dead bool
}

var _ Device = &MemDevice{}

// NewMemDevice allocates a zeroed device of numBlocks blocks.
func NewMemDevice(uri string, blockLen, numBlocks uint64) *MemDevice {
	return &MemDevice{
		uri:       uri,
		blockLen:  blockLen,
		numBlocks: numBlocks,
		resv:      newReservation(),
		data:      make([]byte, blockLen*numBlocks),
	}
}

func (d *MemDevice) URI() string       { return d.uri }
func (d *MemDevice) BlockLen() uint64  { return d.blockLen }
func (d *MemDevice) NumBlocks() uint64 { return d.numBlocks }

func (d *MemDevice) Resv() *Reservation { return d.resv }

func (d *MemDevice) Alive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.dead
}

// Kill makes the device unreachable.
func (d *MemDevice) Kill() {
	d.mu.Lock()
	d.dead = true
	d.mu.Unlock()
}

// Revive brings a killed device back, content intact.
func (d *MemDevice) Revive() {
	d.mu.Lock()
	d.dead = false
	d.mu.Unlock()
}

func (d *MemDevice) ReadAt(ctx context.Context, p []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(d, len(p), off); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.dead {
		return ErrDeviceGone
	}
	copy(p, d.data[off:])
	return nil
}

func (d *MemDevice) WriteAt(ctx context.Context, key uint64, p []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(d, len(p), off); err != nil {
		return err
	}
	if !d.resv.mayWrite(key) {
		return ErrResvConflict
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dead {
		return ErrDeviceGone
	}
	copy(d.data[off:], p)
	return nil
}
