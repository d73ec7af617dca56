package nexus

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/nexus/ana"
)

// Protocol a nexus can be shared over.
type Protocol string

const (
	ProtocolNone  Protocol = "none"
	ProtocolNvmf  Protocol = "nvmf"
	ProtocolIscsi Protocol = "iscsi"
)

// ParseProtocol maps a config or wire string to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolNone, ProtocolNvmf, ProtocolIscsi:
		return Protocol(s), nil
	case "":
		return ProtocolNvmf, nil
	}
	return ProtocolNone, fmt.Errorf("unknown share protocol %q", s)
}

func protocolSet(ps []Protocol) map[Protocol]bool {
	set := make(map[Protocol]bool)
	if len(ps) == 0 {
		ps = []Protocol{ProtocolNone, ProtocolNvmf}
	}
	for _, p := range ps {
		set[p] = true
	}
	return set
}

// nvmfPort is the fixed NVMe-oF listener port baked into device URIs.
const nvmfPort = 4420

// Target describes an active share of a nexus.
type Target struct {
	Protocol     Protocol
	URI          string
	AllowedHosts []string
	AnaState     ana.State
}

// PublishOptions control how a nexus is shared.
type PublishOptions struct {
	Protocol Protocol
	// Key enables data-at-rest encryption on the share; empty disables
	// it, otherwise it must be exactly 16 characters.
	Key          string
	AllowedHosts []string
}

// Publish shares the nexus over the given protocol and returns the
// device URI. Publishing an already published nexus over the same
// protocol is idempotent and returns the existing URI; a different
// protocol is rejected as invalid and requires an unpublish first.
func (n *Nexus) Publish(opts PublishOptions) (deviceURI string, err error) {
	if opts.Key != "" && len(opts.Key) != 16 {
		return "", Errorf(CodeInvalidArgument, "encryption key must be 16 characters, got %d", len(opts.Key))
	}
	if opts.Protocol == "" {
		opts.Protocol = ProtocolNvmf
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateShuttingDown, StateShutdown:
		return "", Errorf(CodeFailedPrecondition, "nexus %s is %s", n.uuid, n.state)
	}
	if n.recomputeLocked() == StatusFaulted {
		return "", Errorf(CodeFailedPrecondition, "cannot publish faulted nexus %s", n.uuid)
	}

	if n.target != nil {
		if n.target.Protocol == opts.Protocol {
			return n.target.URI, nil
		}
		return "", Errorf(CodeInvalidArgument,
			"nexus %s is already shared over %s", n.uuid, n.target.Protocol)
	}

	if !n.allowed[opts.Protocol] {
		return "", Errorf(CodeInvalidArgument, "share protocol %s is not enabled", opts.Protocol)
	}

	uri, err := n.shareURI(opts.Protocol)
	if err != nil {
		klog.Error(err)
		return "", WrapErr(CodeInternal, err, "share nexus %s", n.uuid)
	}

	t := &Target{
		Protocol:     opts.Protocol,
		URI:          uri,
		AllowedHosts: opts.AllowedHosts,
	}
	if n.reporter != nil {
		t.AnaState = n.reporter.Register(n.name, n.uuid)
	}
	n.target = t
	klog.Infof("published nexus %s over %s at %s", n.uuid, opts.Protocol, uri)
	return uri, nil
}

// shareURI builds the device URI a host connects to.
func (n *Nexus) shareURI(p Protocol) (string, error) {
	switch p {
	case ProtocolNone:
		return "bdev:///" + n.name, nil
	case ProtocolNvmf:
		host, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("resolve nvmf listener host: %w", err)
		}
		return fmt.Sprintf("nvmf://%s:%d/nqn.2019-05.io.openebs:%s", host, nvmfPort, n.name), nil
	}
	return "", fmt.Errorf("share protocol %s is not supported", p)
}

// Unpublish withdraws the share. Idempotent.
func (n *Nexus) Unpublish() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unpublishLocked()
}

func (n *Nexus) unpublishLocked() {
	if n.target == nil {
		return
	}
	if n.reporter != nil {
		if promoted := n.reporter.Deregister(n.name, n.uuid); promoted != "" {
			klog.Infof("ana path for volume %s moved to nexus %s", n.name, promoted)
		}
	}
	klog.Infof("unpublished nexus %s from %s", n.uuid, n.target.URI)
	n.target = nil
}

// Target returns the active share, nil when unpublished.
func (n *Nexus) Target() *Target {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.target == nil {
		return nil
	}
	t := *n.target
	return &t
}

// DeviceURI of the active share, empty when unpublished.
func (n *Nexus) DeviceURI() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.target == nil {
		return ""
	}
	return n.target.URI
}

// AnaState of this nexus's path for its volume.
func (n *Nexus) AnaState() (ana.State, error) {
	n.mu.Lock()
	reporter, published := n.reporter, n.target != nil
	n.mu.Unlock()

	if !published {
		return ana.StateInvalid, Errorf(CodeFailedPrecondition, "nexus %s is not published", n.uuid)
	}
	if reporter == nil {
		return ana.StateInvalid, Errorf(CodeInternal, "ana reporting is not enabled")
	}
	st, ok := reporter.Lookup(n.name, n.uuid)
	if !ok {
		return ana.StateInvalid, Errorf(CodeInternal, "no ana path for nexus %s", n.uuid)
	}
	return st, nil
}

// SetAnaState forces this path's ANA state.
func (n *Nexus) SetAnaState(st ana.State) error {
	n.mu.Lock()
	reporter, published := n.reporter, n.target != nil
	n.mu.Unlock()

	if !published {
		return Errorf(CodeFailedPrecondition, "nexus %s is not published", n.uuid)
	}
	if reporter == nil {
		return Errorf(CodeInternal, "ana reporting is not enabled")
	}
	if err := reporter.Set(n.name, n.uuid, st); err != nil {
		return WrapErr(CodeInvalidArgument, err, "set ana state of nexus %s", n.uuid)
	}
	return nil
}
