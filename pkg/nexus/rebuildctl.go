package nexus

import (
	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/nexus/rebuild"
)

// StartRebuild launches a copy from a healthy peer onto the named
// child. The child must be attached, degraded and out of sync, and must
// not already be the target of a job.
func (n *Nexus) StartRebuild(uri string) error {
	n.mu.Lock()

	if n.state != StateOpen {
		n.mu.Unlock()
		return Errorf(CodeFailedPrecondition, "nexus %s is %s", n.uuid, n.state)
	}
	c := n.childLocked(uri)
	if c == nil {
		n.mu.Unlock()
		return Errorf(CodeNotFound, "nexus %s has no child %q", n.uuid, uri)
	}
	if c.State() != ChildDegraded || c.StateReason() != ReasonOutOfSync {
		n.mu.Unlock()
		return Errorf(CodeFailedPrecondition,
			"child %q is %s (%s), not awaiting rebuild", uri, c.State(), c.StateReason())
	}
	if _, busy := n.jobs[uri]; busy {
		n.mu.Unlock()
		return Errorf(CodeAlreadyExists, "child %q is already being rebuilt", uri)
	}

	var src *Child
	for _, peer := range n.children {
		if peer != c && peer.IsHealthy() {
			src = peer
			break
		}
	}
	if src == nil {
		n.mu.Unlock()
		return Errorf(CodeFailedPrecondition,
			"nexus %s has no online child to rebuild %q from", n.uuid, uri)
	}

	j, err := rebuild.New(rebuild.Options{
		NexusUUID:     n.uuid,
		SrcURI:        src.uri,
		DstURI:        uri,
		Src:           src.dev,
		Dst:           c.dev,
		ResvKey:       n.resv.Key(),
		Blocks:        n.size / n.blockLen,
		SegmentBlocks: n.segment,
		Ranges:        n.ranges,
		OnDone:        n.onRebuildDone,
		Log:           n.log,
	})
	if err != nil {
		n.mu.Unlock()
		klog.Error(err)
		return WrapErr(CodeInternal, err, "create rebuild for child %q", uri)
	}

	n.jobs[uri] = j
	c.setJob(j)
	n.mu.Unlock()

	if err := j.Start(); err != nil {
		n.mu.Lock()
		delete(n.jobs, uri)
		c.setJob(nil)
		n.mu.Unlock()
		return WrapErr(CodeInternal, err, "start rebuild for child %q", uri)
	}
	return nil
}

// PauseRebuild freezes the copy targeting the named child at the next
// segment boundary.
func (n *Nexus) PauseRebuild(uri string) error {
	j, err := n.rebuildJob(uri)
	if err != nil {
		return err
	}
	if err := j.Pause(); err != nil {
		return WrapErr(CodeFailedPrecondition, err, "pause rebuild of %q", uri)
	}
	return nil
}

// ResumeRebuild continues a paused copy from where it stopped.
func (n *Nexus) ResumeRebuild(uri string) error {
	j, err := n.rebuildJob(uri)
	if err != nil {
		return err
	}
	if err := j.Resume(); err != nil {
		return WrapErr(CodeFailedPrecondition, err, "resume rebuild of %q", uri)
	}
	return nil
}

// StopRebuild cancels the copy targeting the named child and waits for
// the job to wind down. The child stays degraded and out of sync.
func (n *Nexus) StopRebuild(uri string) error {
	j, err := n.rebuildJob(uri)
	if err != nil {
		return err
	}
	if err := j.Stop(); err != nil {
		return WrapErr(CodeFailedPrecondition, err, "stop rebuild of %q", uri)
	}
	<-j.Done()
	return nil
}

// RebuildState of the job targeting the named child.
func (n *Nexus) RebuildState(uri string) (rebuild.State, error) {
	j, err := n.rebuildJob(uri)
	if err != nil {
		return rebuild.StateInit, err
	}
	return j.State(), nil
}

// RebuildStats of the job targeting the named child.
func (n *Nexus) RebuildStats(uri string) (rebuild.Stats, error) {
	j, err := n.rebuildJob(uri)
	if err != nil {
		return rebuild.Stats{}, err
	}
	return j.Stats(), nil
}

// RebuildHistory returns records of past rebuilds, newest last.
func (n *Nexus) RebuildHistory() []rebuild.Record {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.history.Records()
}

func (n *Nexus) rebuildJob(uri string) (*rebuild.Job, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.childLocked(uri) == nil {
		return nil, Errorf(CodeNotFound, "nexus %s has no child %q", n.uuid, uri)
	}
	j, ok := n.jobs[uri]
	if !ok {
		return nil, Errorf(CodeNotFound, "child %q has no rebuild", uri)
	}
	return j, nil
}

// onRebuildDone fires once per job from the job's own goroutine. It
// retires the job, applies the outcome to the child and archives the
// run.
func (n *Nexus) onRebuildDone(j *rebuild.Job) {
	outcome := j.State()

	n.mu.Lock()
	if n.jobs[j.DstURI()] == j {
		delete(n.jobs, j.DstURI())
	}
	c := n.childLocked(j.DstURI())
	if c != nil {
		c.finishRebuild(outcome)
	}
	n.history.Push(j.Record())
	n.recomputeLocked()
	n.persistLocked()
	n.mu.Unlock()

	if err := j.Err(); err != nil {
		klog.Errorf("nexus %s: rebuild of %q ended %s: %v", n.uuid, j.DstURI(), outcome, err)
	} else {
		klog.Infof("nexus %s: rebuild of %q ended %s", n.uuid, j.DstURI(), outcome)
	}
}

// stopAllRebuilds cancels every active job and waits for each to reach
// a terminal state.
func (n *Nexus) stopAllRebuilds() {
	n.mu.Lock()
	jobs := make([]*rebuild.Job, 0, len(n.jobs))
	for _, j := range n.jobs {
		jobs = append(jobs, j)
	}
	n.mu.Unlock()

	for _, j := range jobs {
		if err := j.Stop(); err == nil {
			<-j.Done()
		}
	}
}
