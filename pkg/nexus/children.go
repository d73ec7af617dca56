package nexus

import (
	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/block"
	"github.com/openebs/mayastor/pkg/nexus/rebuild"
)

// AddChild attaches a new backend replica. The child starts Degraded
// and out of sync; unless norebuild is set, a rebuild from a healthy
// peer is started right away.
func (n *Nexus) AddChild(uri string, resolver *block.Resolver, norebuild bool) (c *Child, err error) {
	dev, err := resolver.Resolve(uri)
	if err != nil {
		klog.Error(err)
		return nil, WrapErr(CodeInvalidArgument, err, "cannot open child %q", uri)
	}

	n.mu.Lock()
	if n.state != StateOpen {
		n.mu.Unlock()
		return nil, Errorf(CodeFailedPrecondition, "nexus %s is %s", n.uuid, n.state)
	}
	if n.recomputeLocked() == StatusFaulted {
		n.mu.Unlock()
		return nil, Errorf(CodeFailedPrecondition, "nexus %s is faulted", n.uuid)
	}
	if n.childLocked(uri) != nil {
		n.mu.Unlock()
		return nil, Errorf(CodeAlreadyExists, "nexus %s already has child %q", n.uuid, uri)
	}
	if dev.BlockLen() != n.blockLen {
		n.mu.Unlock()
		return nil, Errorf(CodeInvalidArgument,
			"child %q block size %d differs from nexus block size %d", uri, dev.BlockLen(), n.blockLen)
	}
	if block.SizeBytes(dev) < n.size {
		n.mu.Unlock()
		return nil, Errorf(CodeResourceExhausted,
			"child %q capacity %d below nexus size %d", uri, block.SizeBytes(dev), n.size)
	}

	if err = n.resv.Acquire(dev); err != nil {
		n.mu.Unlock()
		return nil, WrapErr(CodeInternal, err, "reservation on child %q", uri)
	}

	c = newChild(uri, dev, ChildDegraded, ReasonOutOfSync)
	n.children = append(n.children, c)
	n.recomputeLocked()
	n.persistLocked()
	n.mu.Unlock()

	klog.Infof("nexus %s: added child %q", n.uuid, uri)

	if !norebuild {
		if err := n.StartRebuild(uri); err != nil {
			// The child stays attached and out of sync; a later
			// StartRebuild can still recover it.
			klog.Errorf("nexus %s: auto rebuild of %q failed to start: %v", n.uuid, uri, err)
		}
	}
	return c, nil
}

// RemoveChild detaches a replica. Any rebuild reading from or writing
// to the child is stopped first. The last remaining child cannot be
// removed; destroy the nexus instead.
func (n *Nexus) RemoveChild(uri string) error {
	n.mu.Lock()
	c := n.childLocked(uri)
	if c == nil {
		n.mu.Unlock()
		return Errorf(CodeNotFound, "nexus %s has no child %q", n.uuid, uri)
	}
	if len(n.children) == 1 {
		n.mu.Unlock()
		return Errorf(CodeFailedPrecondition,
			"cannot remove the last child of nexus %s", n.uuid)
	}

	var stop []*rebuild.Job
	for _, j := range n.jobs {
		if j.DstURI() == uri || j.SrcURI() == uri {
			stop = append(stop, j)
		}
	}
	n.mu.Unlock()

	for _, j := range stop {
		if err := j.Stop(); err == nil {
			<-j.Done()
		}
	}

	n.mu.Lock()
	// Re-check: a concurrent remove may have won.
	if n.childLocked(uri) == nil {
		n.mu.Unlock()
		return Errorf(CodeNotFound, "nexus %s has no child %q", n.uuid, uri)
	}
	kept := n.children[:0]
	for _, ch := range n.children {
		if ch.uri != uri {
			kept = append(kept, ch)
		}
	}
	n.children = kept
	n.resv.Release(c.dev)
	n.recomputeLocked()
	n.persistLocked()
	n.mu.Unlock()

	klog.Infof("nexus %s: removed child %q", n.uuid, uri)
	return nil
}

// ChildAction is an operator-requested child state change.
type ChildAction string

const (
	// ChildActionOnline clears a fault and queues the child for rebuild.
	ChildActionOnline ChildAction = "online"
	// ChildActionOffline takes the child out of the I/O path, recoverably.
	ChildActionOffline ChildAction = "offline"
	// ChildActionFault retires the child as if it had failed.
	ChildActionFault ChildAction = "fault"
)

// ParseChildAction maps a wire string to a ChildAction.
func ParseChildAction(s string) (ChildAction, error) {
	switch ChildAction(s) {
	case ChildActionOnline, ChildActionOffline, ChildActionFault:
		return ChildAction(s), nil
	}
	return "", Errorf(CodeInvalidArgument, "unknown child action %q", s)
}

// ChildOperation applies an operator action to a child. Onlining a
// child never skips resynchronization: the child comes back Degraded
// and out of sync and a rebuild is started.
func (n *Nexus) ChildOperation(uri string, action ChildAction) error {
	n.mu.Lock()
	if n.state != StateOpen {
		n.mu.Unlock()
		return Errorf(CodeFailedPrecondition, "nexus %s is %s", n.uuid, n.state)
	}
	c := n.childLocked(uri)
	if c == nil {
		n.mu.Unlock()
		return Errorf(CodeNotFound, "nexus %s has no child %q", n.uuid, uri)
	}

	switch action {
	case ChildActionOffline:
		c.fault(ReasonOffline)
	case ChildActionFault:
		c.fault(ReasonByClient)
	case ChildActionOnline:
		if c.State() == ChildOnline {
			n.mu.Unlock()
			return nil
		}
		if !c.dev.Alive() {
			n.mu.Unlock()
			return Errorf(CodeFailedPrecondition, "child %q backend is gone", uri)
		}
		c.mu.Lock()
		c.state = ChildDegraded
		c.reason = ReasonOutOfSync
		c.mu.Unlock()
	default:
		n.mu.Unlock()
		return Errorf(CodeInvalidArgument, "unknown child action %q", action)
	}

	n.recomputeLocked()
	n.persistLocked()
	n.mu.Unlock()

	klog.Infof("nexus %s: child %q %s", n.uuid, uri, action)

	if action == ChildActionOnline {
		if err := n.StartRebuild(uri); err != nil {
			klog.Errorf("nexus %s: rebuild of onlined child %q failed to start: %v", n.uuid, uri, err)
		}
	}
	return nil
}

// FaultChild retires a child on behalf of the liveness monitor or an
// I/O completion, with the given reason.
func (n *Nexus) FaultChild(uri string, reason Reason) error {
	n.mu.Lock()
	c := n.childLocked(uri)
	n.mu.Unlock()
	if c == nil {
		return Errorf(CodeNotFound, "nexus %s has no child %q", n.uuid, uri)
	}
	if c.fault(reason) {
		klog.Warningf("nexus %s: child %q faulted (%s)", n.uuid, uri, reason)
		n.mu.Lock()
		n.recomputeLocked()
		n.persistLocked()
		n.mu.Unlock()
	}
	return nil
}
