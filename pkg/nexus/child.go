package nexus

import (
	"sync"
	"time"

	"github.com/openebs/mayastor/pkg/block"
	"github.com/openebs/mayastor/pkg/nexus/rebuild"
)

// Child is the handle to one backend replica attached to a nexus. A
// child belongs to exactly one nexus; its health fields have their own
// lock so the liveness monitor and the I/O completion path can fault it
// without taking the nexus-wide state lock.
type Child struct {
	uri string
	dev block.Device

	mu      sync.RWMutex
	state   ChildState
	reason  Reason
	job     *rebuild.Job
	faultAt time.Time
}

func newChild(uri string, dev block.Device, state ChildState, reason Reason) *Child {
	return &Child{
		uri:    uri,
		dev:    dev,
		state:  state,
		reason: reason,
	}
}

// URI of the backend replica.
func (c *Child) URI() string { return c.uri }

// Device behind this child.
func (c *Child) Device() block.Device { return c.dev }

// State returns the current health state.
func (c *Child) State() ChildState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// StateReason returns why the child is not Online.
func (c *Child) StateReason() Reason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// IsHealthy reports whether the child serves reads.
func (c *Child) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == ChildOnline
}

// inWritePath: Online children, plus a rebuilding target which must
// receive live writes so already-copied regions do not go stale.
func (c *Child) inWritePath() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == ChildOnline {
		return true
	}
	return c.state == ChildDegraded && c.reason == ReasonOutOfSync && c.job != nil
}

// fault moves the child to Degraded or Faulted depending on how
// recoverable the reason is. Returns false if the child was already in
// that terminal state (so callers do not recompute twice).
func (c *Child) fault(reason Reason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := ChildFaulted
	if reason.recoverable() {
		target = ChildDegraded
	}
	if c.state == target && c.reason == reason {
		return false
	}
	c.state = target
	c.reason = reason
	c.faultAt = time.Now()
	return true
}

// setOnline marks the child fully synced.
func (c *Child) setOnline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ChildOnline
	c.reason = ReasonNone
	c.faultAt = time.Time{}
}

// close marks the child closed on nexus shutdown.
func (c *Child) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ChildDegraded
	c.reason = ReasonClosed
	c.job = nil
}

// finishRebuild applies a terminal rebuild outcome. The transition is
// skipped when the child left the out-of-sync state in the meantime
// (e.g. it was faulted by a live write while the copy wound down).
func (c *Child) finishRebuild(outcome rebuild.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.job = nil
	if c.state != ChildDegraded || c.reason != ReasonOutOfSync {
		return
	}
	switch outcome {
	case rebuild.StateCompleted:
		c.state = ChildOnline
		c.reason = ReasonNone
		c.faultAt = time.Time{}
	case rebuild.StateFailed:
		c.reason = ReasonRebuildFailed
	}
	// Stopped leaves the child Degraded and out of sync.
}

func (c *Child) setJob(j *rebuild.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.job = j
}

// Rebuild returns the active rebuild job targeting this child, if any.
func (c *Child) Rebuild() *rebuild.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.job
}

// RebuildProgress in percent, or -1 when no job targets the child.
func (c *Child) RebuildProgress() int {
	c.mu.RLock()
	j := c.job
	c.mu.RUnlock()
	if j == nil {
		return -1
	}
	return int(j.Stats().Progress)
}

// FaultTime is when the child last left the Online state.
func (c *Child) FaultTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.faultAt
}
