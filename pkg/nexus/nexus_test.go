package nexus

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openebs/mayastor/pkg/block"
	"github.com/openebs/mayastor/pkg/nexus/ana"
	"github.com/openebs/mayastor/pkg/nexus/rebuild"
	"github.com/openebs/mayastor/pkg/store"
)

const (
	uuidA = "aabbccdd-0000-0000-0000-000000000001"
	uuidB = "aabbccdd-0000-0000-0000-000000000002"

	sizeMiB = 8
	size    = sizeMiB << 20
)

func childURI(name string) string {
	return fmt.Sprintf("mem:///%s?size_mib=%d", name, sizeMiB)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewRegistry(RegistryOptions{
		Resolver: block.NewResolver(),
		Store:    st,
		Reporter: ana.NewReporter(),
	})
}

func createNexus(t *testing.T, r *Registry, uuid string, children ...string) *Nexus {
	t.Helper()
	n, err := r.Create(Options{
		Name:     "vol-" + uuid,
		UUID:     uuid,
		Size:     size,
		ResvKey:  0x10,
		Children: children,
	})
	require.NoError(t, err)
	return n
}

func killChild(t *testing.T, r *Registry, uri string) {
	t.Helper()
	dev, ok := r.Resolver().MemDevice(uri)
	require.True(t, ok)
	dev.Kill()
}

func TestCreateValidation(t *testing.T) {
	r := testRegistry(t)

	cases := []struct {
		name string
		opts Options
		code Code
	}{
		{"missing name", Options{UUID: uuidA, Size: size, Children: []string{childURI("v1")}}, CodeInvalidArgument},
		{"bad uuid", Options{Name: "n", UUID: "nope", Size: size, Children: []string{childURI("v2")}}, CodeInvalidArgument},
		{"zero size", Options{Name: "n", UUID: uuidA, Size: 0, Children: []string{childURI("v3")}}, CodeInvalidArgument},
		{"no children", Options{Name: "n", UUID: uuidA, Size: size}, CodeInvalidArgument},
		{"bad cntlid range", Options{Name: "n", UUID: uuidA, Size: size, MinCntlID: 10, MaxCntlID: 5, Children: []string{childURI("v4")}}, CodeInvalidArgument},
		{"preempt without key", Options{Name: "n", UUID: uuidA, Size: size, PreemptKey: 1, Children: []string{childURI("v5")}}, CodeInvalidArgument},
		{"unopenable child", Options{Name: "n", UUID: uuidA, Size: size, Children: []string{"bogus:///x"}}, CodeInvalidArgument},
		{"size over capacity", Options{Name: "n", UUID: uuidA, Size: size * 4, Children: []string{childURI("v6")}}, CodeResourceExhausted},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := r.Create(c.opts)
			require.Error(t, err)
			assert.Equal(t, c.code, CodeOf(err))
		})
	}

	// mixed block sizes
	_, err := r.Create(Options{
		Name: "n", UUID: uuidA, Size: size,
		Children: []string{childURI("m512"), fmt.Sprintf("mem:///m4k?size_mib=%d&blk_size=4096", sizeMiB)},
	})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	// nothing observable is left behind after the failures
	assert.Empty(t, r.List(""))
}

func TestCreateDuplicate(t *testing.T) {
	r := testRegistry(t)
	createNexus(t, r, uuidA, childURI("a1"))

	_, err := r.Create(Options{Name: "vol-" + uuidA, UUID: uuidB, Size: size, Children: []string{childURI("a2")}})
	assert.Equal(t, CodeAlreadyExists, CodeOf(err))

	_, err = r.Create(Options{Name: "other", UUID: uuidA, Size: size, Children: []string{childURI("a3")}})
	assert.Equal(t, CodeAlreadyExists, CodeOf(err))
}

func TestCreateOnlineAndReserved(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("b1"), childURI("b2"))

	assert.Equal(t, StatusOnline, n.Status())
	assert.Equal(t, StateOpen, n.State())
	assert.Equal(t, uint64(size), n.Size())
	assert.Len(t, n.Children(), 2)

	for _, c := range n.Children() {
		assert.Equal(t, ChildOnline, c.State())
		assert.Equal(t, uint64(0x10), c.Device().Resv().Report().Holder)
	}

	got, err := r.Lookup(uuidA)
	require.NoError(t, err)
	assert.Same(t, n, got)
}

func TestWriteFanout(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("c1"), childURI("c2"))
	ctx := context.Background()

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, n.WriteAt(ctx, buf, 8192))

	// both replicas carry the data
	for _, c := range n.Children() {
		out := make([]byte, 4096)
		require.NoError(t, c.Device().ReadAt(ctx, out, 8192))
		assert.Equal(t, buf, out)
	}
}

func TestWriteSurvivesChildFailure(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("d1"), childURI("d2"))
	ctx := context.Background()

	killChild(t, r, childURI("d2"))

	buf := make([]byte, 512)
	require.NoError(t, n.WriteAt(ctx, buf, 0))

	assert.Equal(t, StatusDegraded, n.Status())
	assert.Equal(t, uint64(1), n.IOErrors())

	killChild(t, r, childURI("d1"))
	assert.ErrorIs(t, n.WriteAt(ctx, buf, 0), ErrNexusFaulted)
	assert.Equal(t, StatusFaulted, n.Status())
}

func TestReadRetriesNextChild(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("e1"), childURI("e2"))
	ctx := context.Background()

	buf := make([]byte, 512)
	buf[0] = 0x5a
	require.NoError(t, n.WriteAt(ctx, buf, 0))

	killChild(t, r, childURI("e1"))

	// reads keep succeeding off the survivor, whichever child the
	// round-robin cursor picks first
	for i := 0; i < 4; i++ {
		out := make([]byte, 512)
		require.NoError(t, n.ReadAt(ctx, out, 0))
		assert.Equal(t, byte(0x5a), out[0])
	}
	assert.Equal(t, StatusDegraded, n.Status())
}

func TestIOBounds(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("f1"))
	ctx := context.Background()

	err := n.WriteAt(ctx, make([]byte, 100), 0)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	err = n.ReadAt(ctx, make([]byte, 512), size)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestShutdown(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("g1"), childURI("g2"))
	ctx := context.Background()

	require.NoError(t, n.Shutdown())
	assert.Equal(t, StatusShutdown, n.Status())

	assert.ErrorIs(t, n.WriteAt(ctx, make([]byte, 512), 0), ErrNexusQuiesced)
	assert.ErrorIs(t, n.ReadAt(ctx, make([]byte, 512), 0), ErrNexusQuiesced)

	for _, c := range n.Children() {
		assert.Equal(t, ChildDegraded, c.State())
		assert.Equal(t, ReasonClosed, c.StateReason())
	}

	// idempotent
	require.NoError(t, n.Shutdown())

	// the persisted record is marked clean
	info, found, err := r.opts.Store.Get(uuidA)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, info.CleanShutdown)
}

func TestPublish(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("h1"))

	_, err := n.Publish(PublishOptions{Protocol: ProtocolNvmf, Key: "short"})
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	uri, err := n.Publish(PublishOptions{Protocol: ProtocolNvmf})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "nvmf://"))
	assert.Contains(t, uri, n.Name())

	// republish over the same protocol returns the same URI
	again, err := n.Publish(PublishOptions{Protocol: ProtocolNvmf})
	require.NoError(t, err)
	assert.Equal(t, uri, again)

	// a different protocol needs an unpublish first
	_, err = n.Publish(PublishOptions{Protocol: ProtocolNone})
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	st, err := n.AnaState()
	require.NoError(t, err)
	assert.Equal(t, ana.StateOptimized, st)

	n.Unpublish()
	assert.Equal(t, "", n.DeviceURI())
	_, err = n.AnaState()
	assert.Equal(t, CodeFailedPrecondition, CodeOf(err))

	// protocols outside the allow-list are rejected
	_, err = n.Publish(PublishOptions{Protocol: ProtocolIscsi})
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestAddChildAndRebuild(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("i1"))
	ctx := context.Background()

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0x77
	}
	require.NoError(t, n.WriteAt(ctx, buf, 0))

	c, err := n.AddChild(childURI("i2"), r.Resolver(), false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State() == ChildOnline },
		10*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusOnline, n.Status())

	// the rebuilt replica carries the pre-existing data
	out := make([]byte, 4096)
	require.NoError(t, c.Device().ReadAt(ctx, out, 0))
	assert.Equal(t, buf, out)

	recs := n.RebuildHistory()
	require.Len(t, recs, 1)
	assert.Equal(t, childURI("i2"), recs[0].ChildURI)
	assert.Equal(t, rebuild.StateCompleted, recs[0].State)
}

func TestAddChildNoRebuild(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("j1"))

	c, err := n.AddChild(childURI("j2"), r.Resolver(), true)
	require.NoError(t, err)
	assert.Equal(t, ChildDegraded, c.State())
	assert.Equal(t, ReasonOutOfSync, c.StateReason())
	assert.Equal(t, StatusDegraded, n.Status())

	_, err = n.AddChild(childURI("j2"), r.Resolver(), true)
	assert.Equal(t, CodeAlreadyExists, CodeOf(err))

	// an explicit start brings it in line
	require.NoError(t, n.StartRebuild(childURI("j2")))
	require.Eventually(t, func() bool { return c.State() == ChildOnline },
		10*time.Second, 10*time.Millisecond)
}

func TestStartRebuildPreconditions(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("k1"), childURI("k2"))

	// an online child has nothing to rebuild
	err := n.StartRebuild(childURI("k1"))
	assert.Equal(t, CodeFailedPrecondition, CodeOf(err))

	err = n.StartRebuild("mem:///unknown?size_mib=8")
	assert.Equal(t, CodeNotFound, CodeOf(err))

	// no healthy source left
	single := createNexus(t, r, uuidB, childURI("k3"))
	_, err = single.AddChild(childURI("k4"), r.Resolver(), true)
	require.NoError(t, err)
	require.NoError(t, single.FaultChild(childURI("k3"), ReasonTimedOut))
	err = single.StartRebuild(childURI("k4"))
	assert.Equal(t, CodeFailedPrecondition, CodeOf(err))
}

func TestRebuildPauseResumeStop(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("l1"))

	c, err := n.AddChild(childURI("l2"), r.Resolver(), true)
	require.NoError(t, err)

	// no job yet
	_, err = n.RebuildState(childURI("l2"))
	assert.Equal(t, CodeNotFound, CodeOf(err))

	require.NoError(t, n.StartRebuild(childURI("l2")))
	if err := n.PauseRebuild(childURI("l2")); err == nil {
		st, serr := n.RebuildState(childURI("l2"))
		require.NoError(t, serr)
		assert.Equal(t, rebuild.StatePaused, st)

		stats, serr := n.RebuildStats(childURI("l2"))
		require.NoError(t, serr)
		assert.Equal(t, uint64(size/512), stats.BlocksTotal)

		require.NoError(t, n.ResumeRebuild(childURI("l2")))
	}

	require.Eventually(t, func() bool { return c.State() == ChildOnline },
		10*time.Second, 10*time.Millisecond)

	// the finished job is gone from the control surface
	_, err = n.RebuildState(childURI("l2"))
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestRemoveChild(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("m1"), childURI("m2"))

	require.NoError(t, n.RemoveChild(childURI("m2")))
	assert.Len(t, n.Children(), 1)

	err := n.RemoveChild(childURI("m2"))
	assert.Equal(t, CodeNotFound, CodeOf(err))

	err = n.RemoveChild(childURI("m1"))
	assert.Equal(t, CodeFailedPrecondition, CodeOf(err))
}

func TestChildOperations(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("n1"), childURI("n2"))

	require.NoError(t, n.ChildOperation(childURI("n2"), ChildActionOffline))
	c := n.Children()[1]
	assert.Equal(t, ChildDegraded, c.State())
	assert.Equal(t, ReasonOffline, c.StateReason())
	assert.Equal(t, StatusDegraded, n.Status())

	// online re-syncs through a rebuild
	require.NoError(t, n.ChildOperation(childURI("n2"), ChildActionOnline))
	require.Eventually(t, func() bool { return c.State() == ChildOnline },
		10*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusOnline, n.Status())

	// onlining an online child is a no-op
	require.NoError(t, n.ChildOperation(childURI("n2"), ChildActionOnline))

	require.NoError(t, n.ChildOperation(childURI("n2"), ChildActionFault))
	assert.Equal(t, ChildFaulted, c.State())
	assert.Equal(t, ReasonByClient, c.StateReason())

	err := n.ChildOperation(childURI("n2"), ChildAction("bogus"))
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestDestroy(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("o1"), childURI("o2"))
	devs := []block.Device{n.Children()[0].Device(), n.Children()[1].Device()}

	require.NoError(t, r.Destroy(uuidA))
	assert.Empty(t, r.List(""))

	_, err := r.Lookup(uuidA)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	// reservations were released
	for _, dev := range devs {
		assert.Equal(t, uint64(0), dev.Resv().Report().Holder)
	}

	// the persisted record went with the nexus
	_, found, err := r.opts.Store.Get(uuidA)
	require.NoError(t, err)
	assert.False(t, found)

	err = r.Destroy(uuidA)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestRecoveryAfterUncleanShutdown(t *testing.T) {
	r := testRegistry(t)

	// a crash left a record telling us child p2 was unhealthy
	require.NoError(t, r.opts.Store.Put(uuidA, store.NexusInfo{
		CleanShutdown: false,
		ResvKey:       0x10,
		Children: []store.ChildInfo{
			{URI: childURI("p1"), Healthy: true},
			{URI: childURI("p2"), Healthy: false},
		},
	}))

	n := createNexus(t, r, uuidA, childURI("p1"), childURI("p2"))
	assert.Equal(t, StatusDegraded, n.Status())

	children := n.Children()
	assert.Equal(t, ChildOnline, children[0].State())
	assert.Equal(t, ChildDegraded, children[1].State())
	assert.Equal(t, ReasonOutOfSync, children[1].StateReason())
}

func TestCleanRecordTrustsAllChildren(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.opts.Store.Put(uuidA, store.NexusInfo{
		CleanShutdown: true,
		Children: []store.ChildInfo{
			{URI: childURI("q1"), Healthy: true},
			{URI: childURI("q2"), Healthy: false},
		},
	}))

	n := createNexus(t, r, uuidA, childURI("q1"), childURI("q2"))
	assert.Equal(t, StatusOnline, n.Status())
}

func TestReservationPreemptionBetweenNexuses(t *testing.T) {
	// two engine instances sharing the same replicas, as in a
	// failover: B takes over by preempting A's key
	resolver := block.NewResolver()
	reporter := ana.NewReporter()
	nodeA := NewRegistry(RegistryOptions{Resolver: resolver, Reporter: reporter})
	nodeB := NewRegistry(RegistryOptions{Resolver: resolver, Reporter: reporter})

	children := []string{childURI("r1"), childURI("r2")}
	ctx := context.Background()

	a, err := nodeA.Create(Options{Name: "vol-r", UUID: uuidA, Size: size, ResvKey: 0x1, Children: children})
	require.NoError(t, err)
	require.NoError(t, a.WriteAt(ctx, make([]byte, 512), 0))

	b, err := nodeB.Create(Options{Name: "vol-r", UUID: uuidB, Size: size, ResvKey: 0x2, PreemptKey: 0x1, Children: children})
	require.NoError(t, err)

	// the loser's writes bounce off the reservation and fault it
	err = a.WriteAt(ctx, make([]byte, 512), 0)
	assert.ErrorIs(t, err, ErrNexusFaulted)
	assert.Equal(t, StatusFaulted, a.Status())

	// the new holder keeps writing
	require.NoError(t, b.WriteAt(ctx, make([]byte, 512), 0))
	assert.Equal(t, StatusOnline, b.Status())
}

func TestAnaPathPerVolume(t *testing.T) {
	resolver := block.NewResolver()
	reporter := ana.NewReporter()
	nodeA := NewRegistry(RegistryOptions{Resolver: resolver, Reporter: reporter})
	nodeB := NewRegistry(RegistryOptions{Resolver: resolver, Reporter: reporter})

	a, err := nodeA.Create(Options{Name: "vol-s", UUID: uuidA, Size: size, Children: []string{childURI("s1")}})
	require.NoError(t, err)
	b, err := nodeB.Create(Options{Name: "vol-s", UUID: uuidB, Size: size, Children: []string{childURI("s1")}})
	require.NoError(t, err)

	_, err = a.Publish(PublishOptions{Protocol: ProtocolNvmf})
	require.NoError(t, err)
	_, err = b.Publish(PublishOptions{Protocol: ProtocolNvmf})
	require.NoError(t, err)

	stA, err := a.AnaState()
	require.NoError(t, err)
	stB, err := b.AnaState()
	require.NoError(t, err)
	assert.Equal(t, ana.StateOptimized, stA)
	assert.Equal(t, ana.StateNonOptimized, stB)

	// tearing down the optimized path promotes the standby
	a.Unpublish()
	stB, err = b.AnaState()
	require.NoError(t, err)
	assert.Equal(t, ana.StateOptimized, stB)

	// an explicit flip demotes the current optimized path
	_, err = a.Publish(PublishOptions{Protocol: ProtocolNvmf})
	require.NoError(t, err)
	require.NoError(t, a.SetAnaState(ana.StateOptimized))
	stB, err = b.AnaState()
	require.NoError(t, err)
	assert.Equal(t, ana.StateNonOptimized, stB)
}

// gateDevice parks the first write it sees until gate is closed,
// signalling entered when the writer arrives. It lets a test hold a
// rebuild's segment copy mid-flight.
type gateDevice struct {
	*block.MemDevice
	entered chan struct{}
	gate    chan struct{}

	mu    sync.Mutex
	gated bool
}

func newGateDevice(uri string) *gateDevice {
	return &gateDevice{
		MemDevice: block.NewMemDevice(uri, 512, size/512),
		entered:   make(chan struct{}, 1),
		gate:      make(chan struct{}),
	}
}

func (g *gateDevice) WriteAt(ctx context.Context, key uint64, p []byte, off uint64) error {
	g.mu.Lock()
	first := !g.gated
	g.gated = true
	g.mu.Unlock()
	if first {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.gate:
		}
	}
	return g.MemDevice.WriteAt(ctx, key, p, off)
}

func gatedRegistry(t *testing.T, uri string) (*Registry, *gateDevice) {
	t.Helper()
	r := testRegistry(t)
	g := newGateDevice(uri)
	r.Resolver().RegisterScheme("gated", func(u *url.URL) (block.Device, error) {
		return g, nil
	})
	return r, g
}

func TestRebuildDoesNotClobberConcurrentWrite(t *testing.T) {
	r, gated := gatedRegistry(t, "gated:///u2")
	n := createNexus(t, r, uuidA, childURI("u1"))
	ctx := context.Background()

	stale := bytes.Repeat([]byte{0xaa}, 512)
	require.NoError(t, n.WriteAt(ctx, stale, 0))

	c, err := n.AddChild("gated:///u2", r.Resolver(), true)
	require.NoError(t, err)
	require.NoError(t, n.StartRebuild("gated:///u2"))

	// the copy of the first segment is now parked between its source
	// read and its target write
	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild never reached the gated child")
	}

	fresh := bytes.Repeat([]byte{0xbb}, 512)
	writeDone := make(chan error, 1)
	go func() { writeDone <- n.WriteAt(ctx, fresh, 0) }()

	// the write overlaps the segment under copy and must wait for it
	select {
	case err := <-writeDone:
		t.Fatalf("write to a range under copy did not wait: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(gated.gate)
	require.NoError(t, <-writeDone)

	require.Eventually(t, func() bool { return c.State() == ChildOnline },
		10*time.Second, 10*time.Millisecond)

	// the live write, not the copied stale data, is what survives on
	// the rebuilt replica
	out := make([]byte, 512)
	require.NoError(t, gated.MemDevice.ReadAt(ctx, out, 0))
	assert.Equal(t, fresh, out)
}

func TestStopRebuildLeavesChildDegraded(t *testing.T) {
	r, gated := gatedRegistry(t, "gated:///v2")
	n := createNexus(t, r, uuidA, childURI("v1"))

	c, err := n.AddChild("gated:///v2", r.Resolver(), true)
	require.NoError(t, err)
	require.NoError(t, n.StartRebuild("gated:///v2"))

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild never reached the gated child")
	}

	require.NoError(t, n.StopRebuild("gated:///v2"))

	// the child never came online and still awaits a resync
	assert.Equal(t, ChildDegraded, c.State())
	assert.Equal(t, ReasonOutOfSync, c.StateReason())
	assert.Equal(t, StatusDegraded, n.Status())

	// the run is archived as stopped and the job left the control surface
	require.Eventually(t, func() bool { return len(n.RebuildHistory()) == 1 },
		5*time.Second, 10*time.Millisecond)
	rec := n.RebuildHistory()[0]
	assert.Equal(t, rebuild.StateStopped, rec.State)
	assert.Equal(t, "gated:///v2", rec.ChildURI)

	_, err = n.RebuildState("gated:///v2")
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestRecoveryInheritsReservationKey(t *testing.T) {
	r := testRegistry(t)

	// a crash left a record carrying the key the children are still
	// reserved under; a create without a key picks it back up
	require.NoError(t, r.opts.Store.Put(uuidA, store.NexusInfo{
		CleanShutdown: false,
		ResvKey:       0x77,
		Children:      []store.ChildInfo{{URI: childURI("w1"), Healthy: true}},
	}))
	_, err := r.Create(Options{
		Name: "vol-" + uuidA, UUID: uuidA, Size: size,
		Children: []string{childURI("w1")},
	})
	require.NoError(t, err)

	dev, ok := r.Resolver().MemDevice(childURI("w1"))
	require.True(t, ok)
	assert.Equal(t, uint64(0x77), dev.Resv().Report().Holder)

	// an explicitly supplied key still wins over the record
	require.NoError(t, r.opts.Store.Put(uuidB, store.NexusInfo{
		CleanShutdown: false,
		ResvKey:       0x88,
		Children:      []store.ChildInfo{{URI: childURI("w2"), Healthy: true}},
	}))
	_, err = r.Create(Options{
		Name: "vol-" + uuidB, UUID: uuidB, Size: size, ResvKey: 0x99,
		Children: []string{childURI("w2")},
	})
	require.NoError(t, err)

	dev, ok = r.Resolver().MemDevice(childURI("w2"))
	require.True(t, ok)
	assert.Equal(t, uint64(0x99), dev.Resv().Report().Holder)
}

func TestAddChildToFaultedNexus(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("x1"))

	require.NoError(t, n.ChildOperation(childURI("x1"), ChildActionFault))
	assert.Equal(t, StatusFaulted, n.Status())

	_, err := n.AddChild(childURI("x2"), r.Resolver(), true)
	assert.Equal(t, CodeFailedPrecondition, CodeOf(err))
	assert.Len(t, n.Children(), 1)
}

func TestReadFromRebuildingChildSyncedRegion(t *testing.T) {
	r := testRegistry(t)
	n := createNexus(t, r, uuidA, childURI("t1"))
	ctx := context.Background()

	c, err := n.AddChild(childURI("t2"), r.Resolver(), true)
	require.NoError(t, err)

	// without a job the rebuilding child never serves reads
	cands := n.readCandidates(512, 0)
	require.Len(t, cands, 1)
	assert.Equal(t, childURI("t1"), cands[0].URI())

	require.NoError(t, n.StartRebuild(childURI("t2")))
	require.Eventually(t, func() bool { return c.State() == ChildOnline },
		10*time.Second, 10*time.Millisecond)

	out := make([]byte, 512)
	require.NoError(t, n.ReadAt(ctx, out, 0))
}
