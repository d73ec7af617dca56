package nexus

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/block"
	"github.com/openebs/mayastor/pkg/nexus/ana"
	"github.com/openebs/mayastor/pkg/nexus/rebuild"
	"github.com/openebs/mayastor/pkg/nexus/reservation"
	"github.com/openebs/mayastor/pkg/store"
)

// RegistryOptions carry the engine-wide collaborators and defaults.
type RegistryOptions struct {
	Resolver *block.Resolver
	// Store persists nexus info records; nil disables persistence.
	Store store.NexusStoreIface
	// Reporter tracks multipath ANA state; nil disables reporting.
	Reporter *ana.Reporter
	// ShareProtocols is the publish allow-list; empty means the
	// default (none, nvmf).
	ShareProtocols []Protocol
	// SegmentBlocks is the rebuild copy granularity.
	SegmentBlocks uint64
	// HistoryCapacity bounds the per-nexus rebuild history.
	HistoryCapacity int
}

// Registry owns every nexus of the process, keyed by UUID and by name,
// with an explicit create/destroy lifecycle.
type Registry struct {
	opts RegistryOptions

	mu     sync.Mutex
	byUUID map[string]*Nexus
	byName map[string]*Nexus
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Resolver == nil {
		opts.Resolver = block.NewResolver()
	}
	return &Registry{
		opts:   opts,
		byUUID: make(map[string]*Nexus),
		byName: make(map[string]*Nexus),
	}
}

// Resolver used to open child devices.
func (r *Registry) Resolver() *block.Resolver { return r.opts.Resolver }

// Lookup finds a nexus by UUID.
func (r *Registry) Lookup(uuid string) (*Nexus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byUUID[uuid]
	if !ok {
		return nil, Errorf(CodeNotFound, "nexus %s not found", uuid)
	}
	return n, nil
}

// LookupName finds a nexus by name.
func (r *Registry) LookupName(name string) (*Nexus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byName[name]
	return n, ok
}

// List returns all nexuses, optionally filtered by name.
func (r *Registry) List(name string) []*Nexus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Nexus
	for _, n := range r.byUUID {
		if name != "" && n.name != name {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Create validates the options, opens every child, takes reservations
// and registers the new nexus. No nexus object is observable after any
// validation failure.
func (r *Registry) Create(opts Options) (n *Nexus, err error) {
	if err = validateOptions(&opts); err != nil {
		klog.Error(err)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[opts.Name]; ok {
		return nil, Errorf(CodeAlreadyExists, "nexus with name %q already exists", opts.Name)
	}
	if _, ok := r.byUUID[opts.UUID]; ok {
		return nil, Errorf(CodeAlreadyExists, "nexus with uuid %s already exists", opts.UUID)
	}

	n, err = r.open(opts)
	if err != nil {
		klog.Error(err)
		return nil, err
	}

	r.byUUID[opts.UUID] = n
	r.byName[opts.Name] = n
	klog.Infof("created nexus %s/%s: size=%d children=%d", opts.Name, opts.UUID, opts.Size, len(opts.Children))
	return n, nil
}

// open resolves and validates the children, applies reservations and
// assembles the nexus. On error nothing is left registered.
func (r *Registry) open(opts Options) (n *Nexus, err error) {
	// A record left behind by an unclean restart tells us which
	// children are still trustworthy.
	var prev store.NexusInfo
	var recovered bool
	if r.opts.Store != nil {
		info, found, gerr := r.opts.Store.Get(opts.NexusInfoKey)
		if gerr != nil {
			klog.Error(gerr)
		} else if found && !info.CleanShutdown {
			prev, recovered = info, true
		}
	}

	// The record also recovers the reservation key when the control
	// plane does not resupply one.
	resvKey := opts.ResvKey
	if recovered && resvKey == 0 {
		resvKey = prev.ResvKey
	}
	resv := reservation.NewManager(resvKey, opts.PreemptKey, opts.ResvType)

	var (
		devs     []block.Device
		acquired []block.Device
		blockLen uint64
		minSize  = ^uint64(0)
	)
	defer func() {
		if err != nil {
			for _, dev := range acquired {
				resv.Release(dev)
			}
		}
	}()

	for _, uri := range opts.Children {
		dev, rerr := r.opts.Resolver.Resolve(uri)
		if rerr != nil {
			return nil, WrapErr(CodeInvalidArgument, rerr, "cannot open child %q", uri)
		}
		if blockLen == 0 {
			blockLen = dev.BlockLen()
		} else if dev.BlockLen() != blockLen {
			return nil, Errorf(CodeInvalidArgument,
				"children have mixed block sizes: %d vs %d", blockLen, dev.BlockLen())
		}
		if s := block.SizeBytes(dev); s < minSize {
			minSize = s
		}
		devs = append(devs, dev)
	}

	if opts.Size > minSize {
		return nil, Errorf(CodeResourceExhausted,
			"requested size %d exceeds smallest child capacity %d", opts.Size, minSize)
	}

	for _, dev := range devs {
		if aerr := resv.Acquire(dev); aerr != nil {
			return nil, WrapErr(CodeInternal, aerr, "reservation on child %s", dev.URI())
		}
		acquired = append(acquired, dev)
	}

	n = &Nexus{
		name:      opts.Name,
		uuid:      opts.UUID,
		size:      opts.Size,
		blockLen:  blockLen,
		minCntlID: opts.MinCntlID,
		maxCntlID: opts.MaxCntlID,
		infoKey:   opts.NexusInfoKey,
		resv:      resv,
		store:     r.opts.Store,
		reporter:  r.opts.Reporter,
		allowed:   protocolSet(r.opts.ShareProtocols),
		segment:   r.opts.SegmentBlocks,
		log:       klog.Background().WithName("nexus").WithValues("uuid", opts.UUID),
		ranges:    rebuild.NewRangeLock(),
		state:     StateOpen,
		jobs:      make(map[string]*rebuild.Job),
		history:   rebuild.NewHistory(r.opts.HistoryCapacity),
	}

	for i, uri := range opts.Children {
		state, reason := ChildOnline, ReasonNone
		if recovered {
			if ci, ok := prev.Find(uri); ok && !ci.Healthy {
				state, reason = ChildDegraded, ReasonOutOfSync
			}
		}
		n.children = append(n.children, newChild(uri, devs[i], state, reason))
	}

	n.status = ComputeStatus(n.state, n.children)
	n.persistLocked()
	return n, nil
}

// Destroy unpublishes, cancels rebuilds, releases reservations and
// drops the nexus from the registry. Returns NotFound for an unknown
// UUID; the API layer decides whether that is an error (see
// DestroyMissingIsError).
func (r *Registry) Destroy(uuid string) error {
	r.mu.Lock()
	n, ok := r.byUUID[uuid]
	r.mu.Unlock()
	if !ok {
		return Errorf(CodeNotFound, "nexus %s not found", uuid)
	}

	n.destroy()

	if r.opts.Store != nil {
		if err := r.opts.Store.Delete(n.infoKey); err != nil {
			klog.Error(err)
		}
	}

	r.mu.Lock()
	delete(r.byUUID, n.uuid)
	delete(r.byName, n.name)
	r.mu.Unlock()
	klog.Infof("destroyed nexus %s/%s", n.name, n.uuid)
	return nil
}

// destroy tears a nexus down: unpublish, quiesce through the shutdown
// barrier, then release the reservations. The persisted record is
// marked cleanly shut down by Shutdown.
func (n *Nexus) destroy() {
	n.Unpublish()
	if err := n.Shutdown(); err != nil {
		klog.Error(err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.children {
		n.resv.Release(c.dev)
	}
}
