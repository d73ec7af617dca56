package block

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FileDevice is a file-backed device, the aio bdev of this engine.
// The reservation state lives in memory next to the file handle; the
// file only carries the data blocks.
type FileDevice struct {
	uri       string
	blockLen  uint64
	numBlocks uint64
	resv      *Reservation

	mu   sync.Mutex
	f    *os.File
	dead bool
}

var _ Device = &FileDevice{}

// OpenFileDevice opens (or creates) path truncated to numBlocks blocks.
func OpenFileDevice(uri, path string, blockLen, numBlocks uint64) (dev *FileDevice, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open file device %s: %w", path, err)
	}
	size := int64(blockLen * numBlocks)
	fi, err := f.Stat()
	if err == nil && fi.Size() < size {
		err = f.Truncate(size)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("size file device %s: %w", path, err)
	}
	return &FileDevice{
		uri:       uri,
		blockLen:  blockLen,
		numBlocks: numBlocks,
		resv:      newReservation(),
		f:         f,
	}, nil
}

func (d *FileDevice) URI() string        { return d.uri }
func (d *FileDevice) BlockLen() uint64   { return d.blockLen }
func (d *FileDevice) NumBlocks() uint64  { return d.numBlocks }
func (d *FileDevice) Resv() *Reservation { return d.resv }

func (d *FileDevice) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.dead
}

// Close releases the backing file. Only the owning Resolver calls this.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dead = true
	return d.f.Close()
}

func (d *FileDevice) ReadAt(ctx context.Context, p []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(d, len(p), off); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dead {
		return ErrDeviceGone
	}
	if _, err := d.f.ReadAt(p, int64(off)); err != nil {
		return fmt.Errorf("file device read: %w", err)
	}
	return nil
}

func (d *FileDevice) WriteAt(ctx context.Context, key uint64, p []byte, off uint64) error {
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
	if _, err := d.f.WriteAt(p, int64(off)); err != nil {
		return fmt.Errorf("file device write: %w", err)
	}
	return nil
}
