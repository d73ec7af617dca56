// Package reservation negotiates NVMe-style persistent reservations on
// child backends on behalf of one nexus.
package reservation

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/block"
)

// Manager holds the reservation key material of one nexus and applies
// it to child devices. The backend device arbitrates concurrent
// registration and preemption; the manager only has to be idempotent
// and to surface a lost race as an error the core can degrade on.
type Manager struct {
	key        uint64
	preemptKey uint64
	typ        block.ResvType
}

// NewManager for a nexus with the given key. preemptKey is the previous
// holder's key to boot out, zero for none. A zero typ defaults to
// write-exclusive-all-registrants, the type the nexus grants children.
func NewManager(key, preemptKey uint64, typ block.ResvType) *Manager {
	if typ == block.ResvNone {
		typ = block.ResvWriteExclusiveAllRegs
	}
	return &Manager{key: key, preemptKey: preemptKey, typ: typ}
}

// Key the manager registers on children.
func (m *Manager) Key() uint64 { return m.key }

// Acquire registers the nexus key on dev and takes the reservation,
// preempting the configured previous holder if one was supplied.
// Re-registering an already registered key is a no-op.
func (m *Manager) Acquire(dev block.Device) (err error) {
	if m.key == 0 {
		return nil
	}
	if err = dev.Resv().Register(m.key); err != nil {
		klog.Error(err)
		return fmt.Errorf("register key %#x on %s: %w", m.key, dev.URI(), err)
	}
	if err = dev.Resv().Acquire(m.key, m.typ, m.preemptKey); err != nil {
		klog.Error(err)
		return fmt.Errorf("acquire reservation on %s: %w", dev.URI(), err)
	}
	klog.Infof("reservation on %s: key %#x type %q preempted %#x",
		dev.URI(), m.key, m.typ, m.preemptKey)
	return nil
}

// Release unregisters the nexus key from dev, dropping the reservation
// if this nexus held it.
func (m *Manager) Release(dev block.Device) {
	if m.key == 0 {
		return
	}
	dev.Resv().Unregister(m.key)
}
