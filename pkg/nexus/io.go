package nexus

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/block"
)

// beginIO admits one I/O past the shutdown barrier, or rejects it when
// the nexus no longer accepts I/O. The caller must call endIO exactly
// once for every successful beginIO.
func (n *Nexus) beginIO() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case StateOpen:
		n.inflight.Add(1)
		return nil
	default:
		return ErrNexusQuiesced
	}
}

func (n *Nexus) endIO() { n.inflight.Done() }

// checkIORange validates the byte range against the declared nexus size
// and block alignment.
func (n *Nexus) checkIORange(length, off uint64) error {
	if length%n.blockLen != 0 || off%n.blockLen != 0 {
		return Errorf(CodeInvalidArgument,
			"i/o [%d, %d) is not aligned to block size %d", off, off+length, n.blockLen)
	}
	if off+length > n.size || off+length < off {
		return Errorf(CodeInvalidArgument,
			"i/o [%d, %d) exceeds nexus size %d", off, off+length, n.size)
	}
	return nil
}

// WriteAt mirrors p to every child in the write path and completes only
// when all of them acknowledged. A child failure faults that child
// inline and does not fail the write as long as at least one copy
// landed.
func (n *Nexus) WriteAt(ctx context.Context, p []byte, off uint64) error {
	if err := n.checkIORange(uint64(len(p)), off); err != nil {
		return err
	}
	if err := n.beginIO(); err != nil {
		return err
	}
	defer n.endIO()

	// A rebuild copying this range holds the lock across its source
	// read and target write; the write waits so the copy cannot land
	// stale data on top of it.
	n.ranges.Lock(off, uint64(len(p)))
	defer n.ranges.Unlock(off, uint64(len(p)))

	n.mu.Lock()
	var targets []*Child
	for _, c := range n.children {
		if c.inWritePath() {
			targets = append(targets, c)
		}
	}
	n.mu.Unlock()

	if len(targets) == 0 {
		return ErrNexusFaulted
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, c := range targets {
		wg.Add(1)
		go func(i int, c *Child) {
			defer wg.Done()
			errs[i] = c.dev.WriteAt(ctx, n.resv.Key(), p, off)
		}(i, c)
	}
	wg.Wait()

	ok := 0
	for i, err := range errs {
		if err == nil {
			ok++
			continue
		}
		n.faultChildOnIO(targets[i], err)
	}
	if ok == 0 {
		return ErrNexusFaulted
	}
	return nil
}

// ReadAt serves the read from one healthy child, rotating across them
// for load spread. A rebuilding child is eligible when the requested
// range lies entirely inside its already-synced region. On a child
// failure the read retries the remaining candidates before giving up.
func (n *Nexus) ReadAt(ctx context.Context, p []byte, off uint64) error {
	if err := n.checkIORange(uint64(len(p)), off); err != nil {
		return err
	}
	if err := n.beginIO(); err != nil {
		return err
	}
	defer n.endIO()

	candidates := n.readCandidates(uint64(len(p)), off)
	if len(candidates) == 0 {
		return ErrNexusFaulted
	}

	for _, c := range candidates {
		err := c.dev.ReadAt(ctx, p, off)
		if err == nil {
			return nil
		}
		n.faultChildOnIO(c, err)
	}
	return ErrNexusFaulted
}

// readCandidates snapshots the children able to serve a read of the
// given range, starting from the round-robin cursor.
func (n *Nexus) readCandidates(length, off uint64) []*Child {
	n.mu.Lock()
	defer n.mu.Unlock()

	var eligible []*Child
	for _, c := range n.children {
		if c.IsHealthy() {
			eligible = append(eligible, c)
			continue
		}
		// A rebuilding child can serve reads below its sync watermark.
		if j := c.Rebuild(); j != nil && off+length <= j.SyncedBytes() {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	start := n.readIdx % uint64(len(eligible))
	n.readIdx++
	ordered := make([]*Child, 0, len(eligible))
	for i := 0; i < len(eligible); i++ {
		ordered = append(ordered, eligible[(int(start)+i)%len(eligible)])
	}
	return ordered
}

// faultChildOnIO retires a child after a failed completion and
// recomputes the nexus status.
func (n *Nexus) faultChildOnIO(c *Child, err error) {
	reason := ioReason(err)
	if !c.fault(reason) {
		return
	}
	n.ioErrors.Add(1)
	klog.Errorf("nexus %s: child %s faulted (%s): %v", n.uuid, c.uri, reason, err)

	n.mu.Lock()
	n.recomputeLocked()
	n.persistLocked()
	n.mu.Unlock()
}

// ioReason maps a device error onto a child fault reason.
func ioReason(err error) Reason {
	switch {
	case errors.Is(err, block.ErrResvConflict):
		return ReasonIoError
	case errors.Is(err, syscall.ENOSPC):
		return ReasonNoSpace
	default:
		return ReasonIoError
	}
}
