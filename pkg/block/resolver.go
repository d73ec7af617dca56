package block

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"k8s.io/klog/v2"
)

const (
	SchemeMem  = "mem"
	SchemeFile = "file"

	// DefaultBlockLen when the URI does not carry a blk_size parameter.
	DefaultBlockLen = 512
)

// OpenerFn resolves a parsed child URI into a Device.
type OpenerFn func(u *url.URL) (Device, error)

// Resolver opens child devices from URIs and owns them afterwards.
// Resolving the same URI twice hands out the same Device, which is what
// lets two nexus instances share a replica (multipath). There is one
// resolver per engine; tests build their own.
type Resolver struct {
	mu      sync.Mutex
	schemes map[string]OpenerFn
	devices map[string]Device
}

func NewResolver() *Resolver {
	r := &Resolver{
		schemes: make(map[string]OpenerFn),
		devices: make(map[string]Device),
	}
	r.RegisterScheme(SchemeMem, openMem)
	r.RegisterScheme(SchemeFile, openFile)
	return r
}

// RegisterScheme installs an opener for a URI scheme.
func (r *Resolver) RegisterScheme(scheme string, fn OpenerFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[scheme] = fn
}

// Resolve opens the device behind uri, or returns the already open one.
func (r *Resolver) Resolve(uri string) (dev Device, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("malformed child uri %q: %w", uri, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[canonical(u)]; ok {
		if !dev.Alive() {
			return nil, fmt.Errorf("child %s: %w", uri, ErrDeviceGone)
		}
		return dev, nil
	}

	open, ok := r.schemes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported child uri scheme %q", u.Scheme)
	}
	dev, err = open(u)
	if err != nil {
		klog.Error(err)
		return nil, err
	}
	r.devices[canonical(u)] = dev
	klog.Infof("opened device %s (blk=%d, blocks=%d)", uri, dev.BlockLen(), dev.NumBlocks())
	return dev, nil
}

// Forget drops a device from the resolver so the next Resolve reopens it.
func (r *Resolver) Forget(uri string) {
	u, err := url.Parse(uri)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, canonical(u))
}

// MemDevice looks up an open mem device by its URI. Test hook for
// simulating backend loss.
func (r *Resolver) MemDevice(uri string) (*MemDevice, bool) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[canonical(u)].(*MemDevice)
	return dev, ok
}

// canonical strips query parameters so that size/blk hints in a URI do
// not split one backend into two devices.
func canonical(u *url.URL) string {
	return u.Scheme + "://" + u.Host + u.Path
}

func uriParams(u *url.URL) (blockLen, numBlocks uint64, err error) {
	q := u.Query()
	blockLen = DefaultBlockLen
	if v := q.Get("blk_size"); v != "" {
		blockLen, err = strconv.ParseUint(v, 10, 32)
		if err != nil || blockLen == 0 {
			return 0, 0, fmt.Errorf("malformed blk_size %q in %s", v, u)
		}
	}
	sizeMiB := uint64(0)
	if v := q.Get("size_mib"); v != "" {
		sizeMiB, err = strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed size_mib %q in %s", v, u)
		}
	}
	numBlocks = sizeMiB << 20 / blockLen
	return blockLen, numBlocks, nil
}

func openMem(u *url.URL) (Device, error) {
	blockLen, numBlocks, err := uriParams(u)
	if err != nil {
		return nil, err
	}
	if numBlocks == 0 {
		return nil, fmt.Errorf("mem device %s needs a size_mib parameter", u)
	}
	return NewMemDevice(canonical(u), blockLen, numBlocks), nil
}

func openFile(u *url.URL) (Device, error) {
	blockLen, numBlocks, err := uriParams(u)
	if err != nil {
		return nil, err
	}
	if numBlocks == 0 {
		return nil, fmt.Errorf("file device %s needs a size_mib parameter", u)
	}
	return OpenFileDevice(canonical(u), u.Path, blockLen, numBlocks)
}
