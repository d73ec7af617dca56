// Package nexus implements the mirrored virtual block device: the
// child set, the top-level state machine, I/O fan-out and the rebuild
// and reservation orchestration.
package nexus

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/block"
	"github.com/openebs/mayastor/pkg/nexus/ana"
	"github.com/openebs/mayastor/pkg/nexus/rebuild"
	"github.com/openebs/mayastor/pkg/nexus/reservation"
	"github.com/openebs/mayastor/pkg/store"
)

const (
	// NvmeMinCntlID / NvmeMaxCntlID bound the controller-ID range a
	// nexus may claim for its NVMe target.
	NvmeMinCntlID = 1
	NvmeMaxCntlID = 0xffef
)

// Options to create a nexus.
type Options struct {
	Name string
	UUID string
	// Size in bytes the nexus declares upward. Immutable.
	Size      uint64
	MinCntlID uint16
	MaxCntlID uint16
	// ResvKey is this nexus's reservation key; zero disables
	// reservations. PreemptKey, if non-zero, is the previous holder's
	// key to preempt on creation.
	ResvKey    uint64
	PreemptKey uint64
	ResvType   block.ResvType
	// Children are the backend replica URIs; at least one is required.
	Children []string
	// NexusInfoKey keys the persisted nexus info record; defaults to
	// the UUID.
	NexusInfoKey string
}

// Nexus aggregates two or more backend replicas into one fault-tolerant
// block device. Structural mutations serialize on mu; the data path
// only takes mu long enough to snapshot its targets.
type Nexus struct {
	name      string
	uuid      string
	size      uint64
	blockLen  uint64
	minCntlID uint16
	maxCntlID uint16
	infoKey   string

	resv     *reservation.Manager
	store    store.NexusStoreIface
	reporter *ana.Reporter
	allowed  map[Protocol]bool
	segment  uint64
	// ranges serializes rebuild segment copies against front-end
	// writes to the overlapping byte range.
	ranges *rebuild.RangeLock
	log    logr.Logger

	mu       sync.Mutex
	state    NexusState
	status   NexusStatus
	children []*Child
	jobs     map[string]*rebuild.Job
	history  *rebuild.History
	target   *Target
	readIdx  uint64

	// inflight tracks admitted I/O for the shutdown barrier.
	inflight sync.WaitGroup
	ioErrors atomic.Uint64
}

// Name of the nexus; by convention the volume identity.
func (n *Nexus) Name() string { return n.name }

// UUID of the nexus. Immutable.
func (n *Nexus) UUID() string { return n.uuid }

// Size in bytes declared at creation. Immutable.
func (n *Nexus) Size() uint64 { return n.size }

// BlockLen shared by all children.
func (n *Nexus) BlockLen() uint64 { return n.blockLen }

// State returns the lifecycle state.
func (n *Nexus) State() NexusState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Status derives the externally visible health.
func (n *Nexus) Status() NexusStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return ComputeStatus(n.state, n.children)
}

// Children returns a snapshot of the child set.
func (n *Nexus) Children() []*Child {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Child, len(n.children))
	copy(out, n.children)
	return out
}

// IOErrors is the count of child I/O failures absorbed by this nexus.
func (n *Nexus) IOErrors() uint64 { return n.ioErrors.Load() }

// ResvKey registered on the children, zero if reservations are off.
func (n *Nexus) ResvKey() uint64 { return n.resv.Key() }

func (n *Nexus) childLocked(uri string) *Child {
	for _, c := range n.children {
		if c.uri == uri {
			return c
		}
	}
	return nil
}

// recomputeLocked funnels every child mutation through ComputeStatus
// and logs the transition once.
func (n *Nexus) recomputeLocked() NexusStatus {
	st := ComputeStatus(n.state, n.children)
	if st != n.status {
		klog.Infof("nexus %s (%s): %s -> %s", n.name, n.uuid, n.status, st)
		n.status = st
	}
	return st
}

func validateOptions(opts *Options) error {
	if opts.Name == "" {
		return Errorf(CodeInvalidArgument, "nexus name is required")
	}
	if _, err := uuid.Parse(opts.UUID); err != nil {
		return Errorf(CodeInvalidArgument, "malformed nexus uuid %q", opts.UUID)
	}
	if opts.Size == 0 {
		return Errorf(CodeInvalidArgument, "nexus size must be non-zero")
	}
	if len(opts.Children) == 0 {
		return Errorf(CodeInvalidArgument, "at least one child is required")
	}
	if opts.MinCntlID == 0 {
		opts.MinCntlID = NvmeMinCntlID
	}
	if opts.MaxCntlID == 0 {
		opts.MaxCntlID = NvmeMaxCntlID
	}
	if opts.MinCntlID > opts.MaxCntlID {
		return Errorf(CodeInvalidArgument, "invalid controller id range [%d, %d]",
			opts.MinCntlID, opts.MaxCntlID)
	}
	if opts.PreemptKey != 0 && opts.ResvKey == 0 {
		return Errorf(CodeInvalidArgument, "preempt key supplied without a reservation key")
	}
	if opts.NexusInfoKey == "" {
		opts.NexusInfoKey = opts.UUID
	}
	return nil
}
