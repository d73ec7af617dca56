// Package rebuild implements the background copy task that brings an
// out-of-sync child back in line with its healthy peers.
package rebuild

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/openebs/mayastor/pkg/block"
)

// State of a rebuild job.
type State int

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateStopped
	StateFailed
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Done reports whether the state is terminal.
func (s State) Done() bool {
	switch s {
	case StateStopped, StateFailed, StateCompleted:
		return true
	}
	return false
}

// DefaultSegmentBlocks is the copy granularity when the engine config
// does not override it (64 KiB at a 512 byte block size).
const DefaultSegmentBlocks = 128

// Options to create a Job.
type Options struct {
	NexusUUID string
	SrcURI    string
	DstURI    string
	Src       block.Device
	Dst       block.Device
	// ResvKey is the nexus's reservation key the copy writes under.
	ResvKey uint64
	// Blocks to copy; zero means the destination's full capacity.
	Blocks uint64
	// SegmentBlocks per copy iteration; zero means DefaultSegmentBlocks.
	SegmentBlocks uint64
	// Ranges, when set, serializes each segment copy against front-end
	// writes to the overlapping range.
	Ranges *RangeLock
	// OnDone fires exactly once when the job reaches a terminal state.
	OnDone func(*Job)
	Log    logr.Logger
}

// Job copies the source child's content onto the target in bounded
// segments. Pause suspends the copy loop without losing position; Stop
// and a source/target failure terminate it with bounded latency because
// every segment I/O is bound to the job context.
type Job struct {
	nexusUUID string
	srcURI    string
	dstURI    string
	src       block.Device
	dst       block.Device
	resvKey   uint64

	blockLen uint64
	total    uint64
	segment  uint64
	ranges   *RangeLock

	copied atomic.Uint64

	mu     sync.Mutex
	cond   *sync.Cond
	state  State
	err    error
	cancel context.CancelFunc
	start  time.Time
	end    time.Time

	onDone func(*Job)
	done   chan struct{}
	log    logr.Logger
}

// New validates the options and builds a job in Init state.
func New(opts Options) (j *Job, err error) {
	if opts.Src == nil || opts.Dst == nil {
		return nil, fmt.Errorf("rebuild needs both a source and a target device")
	}
	if opts.Src.BlockLen() != opts.Dst.BlockLen() {
		return nil, fmt.Errorf("rebuild source and target disagree on block size: %d vs %d",
			opts.Src.BlockLen(), opts.Dst.BlockLen())
	}
	total := opts.Blocks
	if total == 0 {
		total = opts.Dst.NumBlocks()
	}
	if total == 0 {
		return nil, fmt.Errorf("rebuild range is empty")
	}
	if total > opts.Src.NumBlocks() {
		return nil, fmt.Errorf("rebuild range %d blocks exceeds source capacity %d",
			total, opts.Src.NumBlocks())
	}
	segment := opts.SegmentBlocks
	if segment == 0 {
		segment = DefaultSegmentBlocks
	}

	j = &Job{
		nexusUUID: opts.NexusUUID,
		srcURI:    opts.SrcURI,
		dstURI:    opts.DstURI,
		src:       opts.Src,
		dst:       opts.Dst,
		resvKey:   opts.ResvKey,
		blockLen:  opts.Dst.BlockLen(),
		total:     total,
		segment:   segment,
		ranges:    opts.Ranges,
		state:     StateInit,
		onDone:    opts.OnDone,
		done:      make(chan struct{}),
		log:       opts.Log,
	}
	j.cond = sync.NewCond(&j.mu)
	return j, nil
}

// NexusUUID of the owning nexus.
func (j *Job) NexusUUID() string { return j.nexusUUID }

// SrcURI of the healthy child being read.
func (j *Job) SrcURI() string { return j.srcURI }

// DstURI of the child being rebuilt.
func (j *Job) DstURI() string { return j.dstURI }

// Start moves the job to Running and launches the copy loop.
func (j *Job) Start() error {
	j.mu.Lock()
	if j.state != StateInit {
		j.mu.Unlock()
		return j.opError("start")
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.state = StateRunning
	j.start = time.Now()
	j.mu.Unlock()

	j.log.Info("rebuild started", "nexus", j.nexusUUID, "src", j.srcURI, "dst", j.dstURI, "blocks", j.total)
	go j.run(ctx)
	return nil
}

// Pause freezes progress at the next segment boundary.
func (j *Job) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return j.opError("pause")
	}
	j.state = StatePaused
	return nil
}

// Resume continues from the paused offset.
func (j *Job) Resume() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePaused {
		return j.opError("resume")
	}
	j.state = StateRunning
	j.cond.Broadcast()
	return nil
}

// Stop cancels the job. An in-flight segment I/O is aborted through the
// job context rather than awaited.
func (j *Job) Stop() error {
	j.mu.Lock()
	if j.state != StateRunning && j.state != StatePaused {
		defer j.mu.Unlock()
		return j.opError("stop")
	}
	j.state = StateStopped
	j.cancel()
	j.cond.Broadcast()
	j.mu.Unlock()
	return nil
}

// State returns the current job state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err is the copy error of a Failed job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// SyncedBytes is how far the copy has progressed; regions below this
// offset are identical on source and target. Monotonic.
func (j *Job) SyncedBytes() uint64 {
	return j.copied.Load() * j.blockLen
}

// Stats is a best-effort snapshot of the copy progress.
type Stats struct {
	BlocksTotal     uint64
	BlocksRecovered uint64
	BlocksRemaining uint64
	Progress        uint64 // percent
	SegmentBlocks   uint64
	BlockSize       uint64
	StartTime       time.Time
}

// Stats returns a snapshot of the job's progress counters.
func (j *Job) Stats() Stats {
	copied := j.copied.Load()
	j.mu.Lock()
	start := j.start
	j.mu.Unlock()
	return Stats{
		BlocksTotal:     j.total,
		BlocksRecovered: copied,
		BlocksRemaining: j.total - copied,
		Progress:        copied * 100 / j.total,
		SegmentBlocks:   j.segment,
		BlockSize:       j.blockLen,
		StartTime:       start,
	}
}

func (j *Job) opError(op string) error {
	return fmt.Errorf("cannot %s rebuild of %s: job is %s", op, j.dstURI, j.state)
}

// waitRunning blocks while paused; returns false once the job is no
// longer pausable/runnable.
func (j *Job) waitRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.state == StatePaused {
		j.cond.Wait()
	}
	return j.state == StateRunning
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateRunning || j.state == StatePaused {
		j.state = StateFailed
		j.err = err
	}
}

func (j *Job) run(ctx context.Context) {
	buf := make([]byte, j.segment*j.blockLen)

	for blk := uint64(0); blk < j.total; {
		if !j.waitRunning() {
			break
		}
		n := j.segment
		if blk+n > j.total {
			n = j.total - blk
		}
		seg := buf[:n*j.blockLen]
		off := blk * j.blockLen

		if err := j.copySegment(ctx, seg, off); err != nil {
			j.fail(err)
			break
		}
		blk += n
		j.copied.Store(blk)
	}

	j.mu.Lock()
	if j.state == StateRunning {
		j.state = StateCompleted
	}
	if j.cancel != nil {
		j.cancel()
	}
	j.end = time.Now()
	state := j.state
	err := j.err
	j.mu.Unlock()

	if err != nil {
		j.log.Error(err, "rebuild finished", "nexus", j.nexusUUID, "dst", j.dstURI, "state", state.String())
	} else {
		j.log.Info("rebuild finished", "nexus", j.nexusUUID, "dst", j.dstURI, "state", state.String())
	}

	close(j.done)
	if j.onDone != nil {
		j.onDone(j)
	}
}

// copySegment copies one segment while holding the range lock, so a
// front-end write to the same range cannot slip between the source
// read and the target write and be clobbered with stale data.
func (j *Job) copySegment(ctx context.Context, seg []byte, off uint64) error {
	if j.ranges != nil {
		j.ranges.Lock(off, uint64(len(seg)))
		defer j.ranges.Unlock(off, uint64(len(seg)))
	}
	if err := j.src.ReadAt(ctx, seg, off); err != nil {
		return fmt.Errorf("rebuild read from %s failed: %w", j.srcURI, err)
	}
	if err := j.dst.WriteAt(ctx, j.resvKey, seg, off); err != nil {
		return fmt.Errorf("rebuild write to %s failed: %w", j.dstURI, err)
	}
	return nil
}

// Record converts the finished job into a history record.
func (j *Job) Record() Record {
	stats := j.Stats()
	j.mu.Lock()
	defer j.mu.Unlock()
	return Record{
		ChildURI:        j.dstURI,
		SrcURI:          j.srcURI,
		State:           j.state,
		BlocksTotal:     stats.BlocksTotal,
		BlocksRecovered: stats.BlocksRecovered,
		BlockSize:       stats.BlockSize,
		StartTime:       j.start,
		EndTime:         j.end,
	}
}
