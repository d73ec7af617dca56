// Package store persists the nexus info record used to recover child
// health and reservation key material across an engine restart.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// NexusInfo is the record written under a nexus's info key.
type NexusInfo struct {
	// CleanShutdown is set once the nexus was destroyed or shut down
	// in an orderly fashion.
	CleanShutdown bool `json:"cleanShutdown"`
	// ResvKey recovers the reservation key after a restart.
	ResvKey uint64 `json:"resvKey,omitempty"`
	// Children is the roster with the last known health of each child.
	Children []ChildInfo `json:"children"`
}

// ChildInfo is one child's persisted health.
type ChildInfo struct {
	URI     string `json:"uri"`
	Healthy bool   `json:"healthy"`
}

// Find returns the record of the child with the given URI.
func (n *NexusInfo) Find(uri string) (ChildInfo, bool) {
	for _, c := range n.Children {
		if c.URI == uri {
			return c, true
		}
	}
	return ChildInfo{}, false
}

// NexusStoreIface is the persistent KV surface the core writes through.
// Keys are nexus info keys: either the key supplied by the control
// plane or the nexus UUID.
type NexusStoreIface interface {
	Put(key string, info NexusInfo) error
	// Get returns found=false, not an error, for an absent key.
	Get(key string) (info NexusInfo, found bool, err error)
	Delete(key string) error
}

const (
	defaultPutRetries = 3
	retryDelay        = 100 * time.Millisecond
)

// FileStore keeps one JSON file per key under a state directory.
type FileStore struct {
	dir     string
	retries int
}

var _ NexusStoreIface = &FileStore{}

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string) (s *FileStore, err error) {
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, retries: defaultPutRetries}, nil
}

func (s *FileStore) path(key string) string {
	// Keys come from the control plane; keep them from escaping dir.
	key = strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, key+".json")
}

// Put persists the record, retrying transient write failures a bounded
// number of times before giving up.
func (s *FileStore) Put(key string, info NexusInfo) (err error) {
	bs, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode nexus info %s: %w", key, err)
	}
	for attempt := 0; attempt < s.retries; attempt++ {
		err = writeAtomic(s.path(key), bs)
		if err == nil {
			return nil
		}
		klog.Errorf("persist nexus info %s failed (attempt %d): %v", key, attempt+1, err)
		time.Sleep(retryDelay)
	}
	return fmt.Errorf("persist nexus info %s: %w", key, err)
}

func (s *FileStore) Get(key string) (info NexusInfo, found bool, err error) {
	bs, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return info, false, nil
		}
		return info, false, fmt.Errorf("read nexus info %s: %w", key, err)
	}
	if err = json.Unmarshal(bs, &info); err != nil {
		return info, false, fmt.Errorf("decode nexus info %s: %w", key, err)
	}
	return info, true, nil
}

func (s *FileStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete nexus info %s: %w", key, err)
	}
	return nil
}

func writeAtomic(path string, bs []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
