package nexus

import (
	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/store"
)

// persistLocked writes the current child roster and health under the
// nexus info key. Persistence failures are logged, never propagated:
// the data path must not stall on the store. Caller holds n.mu.
func (n *Nexus) persistLocked() {
	n.persistInfoLocked(false)
}

// persistShutdownLocked marks the record cleanly shut down so the next
// open trusts every child again. Caller holds n.mu.
func (n *Nexus) persistShutdownLocked() {
	n.persistInfoLocked(true)
}

func (n *Nexus) persistInfoLocked(clean bool) {
	if n.store == nil {
		return
	}
	info := store.NexusInfo{
		CleanShutdown: clean,
		ResvKey:       n.resv.Key(),
	}
	for _, c := range n.children {
		info.Children = append(info.Children, store.ChildInfo{
			URI:     c.uri,
			Healthy: c.IsHealthy(),
		})
	}
	if err := n.store.Put(n.infoKey, info); err != nil {
		klog.Errorf("nexus %s: persist info: %v", n.uuid, err)
	}
}
