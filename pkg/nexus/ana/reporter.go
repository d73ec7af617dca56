// Package ana tracks per-path NVMe ANA accessibility state when the
// same volume is published through more than one nexus instance.
package ana

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// State is the ANA accessibility of one path.
type State int

const (
	StateInvalid State = iota
	StateOptimized
	StateNonOptimized
	StateInaccessible
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateOptimized:
		return "optimized"
	case StateNonOptimized:
		return "non_optimized"
	case StateInaccessible:
		return "inaccessible"
	}
	return "unknown"
}

// ParseState maps the wire string back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "optimized":
		return StateOptimized, nil
	case "non_optimized":
		return StateNonOptimized, nil
	case "inaccessible":
		return StateInaccessible, nil
	}
	return StateInvalid, fmt.Errorf("unknown ana state %q", s)
}

type path struct {
	nexusUUID string
	state     State
}

// Reporter derives per-path ANA state for volumes reachable through
// several nexus instances. Exactly one path per volume is Optimized;
// the rest stand by as NonOptimized. Promotion on teardown of the
// active path is purely a path-state change: reservation ownership is
// an independent axis and is never touched here.
type Reporter struct {
	mu   sync.Mutex
	vols map[string][]*path
}

func NewReporter() *Reporter {
	return &Reporter{vols: make(map[string][]*path)}
}

// Register adds a path for volume through the given nexus and returns
// its initial state: the first path of a volume becomes Optimized,
// later ones NonOptimized standbys.
func (r *Reporter) Register(volume, nexusUUID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.vols[volume] {
		if p.nexusUUID == nexusUUID {
			return p.state
		}
	}
	st := StateNonOptimized
	if !r.hasOptimized(volume) {
		st = StateOptimized
	}
	r.vols[volume] = append(r.vols[volume], &path{nexusUUID: nexusUUID, state: st})
	klog.Infof("ana: volume %s path %s registered as %s", volume, nexusUUID, st)
	return st
}

// Deregister removes the path on nexus teardown. If the Optimized path
// goes away, the first remaining standby is promoted; the promoted
// nexus UUID is returned, empty if none.
func (r *Reporter) Deregister(volume, nexusUUID string) (promoted string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := r.vols[volume]
	wasOptimized := false
	kept := paths[:0]
	for _, p := range paths {
		if p.nexusUUID == nexusUUID {
			wasOptimized = p.state == StateOptimized
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		delete(r.vols, volume)
		return ""
	}
	r.vols[volume] = kept

	if wasOptimized {
		kept[0].state = StateOptimized
		promoted = kept[0].nexusUUID
		klog.Infof("ana: volume %s promoted standby path %s", volume, promoted)
	}
	return promoted
}

// Lookup returns the state of one path.
func (r *Reporter) Lookup(volume, nexusUUID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.vols[volume] {
		if p.nexusUUID == nexusUUID {
			return p.state, true
		}
	}
	return StateInvalid, false
}

// Set forces the state of one path. Setting a path Optimized demotes
// the current Optimized path of the same volume to NonOptimized.
func (r *Reporter) Set(volume, nexusUUID string, st State) error {
	if st == StateInvalid {
		return fmt.Errorf("cannot set invalid ana state")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *path
	for _, p := range r.vols[volume] {
		if p.nexusUUID == nexusUUID {
			target = p
			break
		}
	}
	if target == nil {
		return fmt.Errorf("volume %s has no path through nexus %s", volume, nexusUUID)
	}
	if st == StateOptimized {
		for _, p := range r.vols[volume] {
			if p.state == StateOptimized && p != target {
				p.state = StateNonOptimized
			}
		}
	}
	target.state = st
	return nil
}

func (r *Reporter) hasOptimized(volume string) bool {
	for _, p := range r.vols[volume] {
		if p.state == StateOptimized {
			return true
		}
	}
	return false
}
