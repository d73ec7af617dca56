package engine

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/nexus"
)

// monitor probes child backends and retires the ones whose device has
// gone away, so a dead replica is detected even when no I/O is flowing.
type monitor struct {
	registry *nexus.Registry
	interval time.Duration
}

func newMonitor(registry *nexus.Registry, interval time.Duration) *monitor {
	return &monitor{registry: registry, interval: interval}
}

func (m *monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *monitor) sweep() {
	for _, n := range m.registry.List("") {
		for _, c := range n.Children() {
			if c.State() != nexus.ChildOnline || c.Device().Alive() {
				continue
			}
			klog.Warningf("monitor: child %s of nexus %s lost its backend", c.URI(), n.UUID())
			if err := n.FaultChild(c.URI(), nexus.ReasonTimedOut); err != nil {
				klog.Error(err)
			}
		}
	}
}
