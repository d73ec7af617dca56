package nexus

import (
	"k8s.io/klog/v2"
)

// Shutdown quiesces the nexus: new I/O is rejected, rebuilds are
// stopped, in-flight I/O drains, then every child is closed and the
// persisted record is marked cleanly shut down. Idempotent; concurrent
// callers all return once the nexus is quiesced.
func (n *Nexus) Shutdown() error {
	n.mu.Lock()
	switch n.state {
	case StateShutdown:
		n.mu.Unlock()
		return nil
	case StateShuttingDown:
		n.mu.Unlock()
		n.inflight.Wait()
		return nil
	}
	n.state = StateShuttingDown
	n.recomputeLocked()
	n.mu.Unlock()

	klog.Infof("nexus %s: shutting down", n.uuid)

	n.stopAllRebuilds()
	n.inflight.Wait()

	n.mu.Lock()
	for _, c := range n.children {
		c.close()
	}
	n.state = StateShutdown
	n.recomputeLocked()
	n.persistShutdownLocked()
	n.mu.Unlock()

	klog.Infof("nexus %s: shutdown complete", n.uuid)
	return nil
}
