package e2e

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/openebs/mayastor/pkg/rpc"
)

const (
	volSizeMiB = 8
	volSize    = volSizeMiB << 20

	timeout    = 30 * time.Second
	pollPeriod = 50 * time.Millisecond
)

func replicaURI(name string) string {
	return fmt.Sprintf("mem:///%s?size_mib=%d", name, volSizeMiB)
}

func nexusState(uuid string) func() string {
	return func() string {
		list, err := cli.ListNexus("")
		Expect(err).ToNot(HaveOccurred())
		for _, n := range list {
			if n.UUID == uuid {
				return n.State
			}
		}
		return "gone"
	}
}

var _ = Describe("nexus lifecycle", Ordered, func() {
	const uuid = "e2e00000-0000-0000-0000-000000000001"

	AfterAll(func() {
		_ = cli.DestroyNexus(uuid)
	})

	It("creates a two-replica nexus online", func() {
		n, err := cli.CreateNexus(rpc.CreateNexusReq{
			Name:     "e2e-vol-1",
			UUID:     uuid,
			Size:     volSize,
			ResvKey:  0xe2e1,
			Children: []string{replicaURI("r1"), replicaURI("r2")},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(n.State).To(Equal("online"))
		Expect(n.Children).To(HaveLen(2))
	})

	It("publishes over nvmf idempotently", func() {
		uri, err := cli.PublishNexus(rpc.PublishNexusReq{UUID: uuid, Protocol: "nvmf"})
		Expect(err).ToNot(HaveOccurred())
		Expect(uri).To(HavePrefix("nvmf://"))

		again, err := cli.PublishNexus(rpc.PublishNexusReq{UUID: uuid, Protocol: "nvmf"})
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(Equal(uri))

		st, err := cli.GetAnaState(uuid)
		Expect(err).ToNot(HaveOccurred())
		Expect(st).To(Equal("optimized"))
	})

	It("degrades when a replica backend dies", func() {
		dev, ok := eng.Registry().Resolver().MemDevice(replicaURI("r2"))
		Expect(ok).To(BeTrue())
		dev.Kill()

		// the liveness monitor notices without any I/O flowing
		Eventually(nexusState(uuid), timeout, pollPeriod).Should(Equal("degraded"))

		// and I/O keeps working off the survivor
		n, err := eng.Registry().Lookup(uuid)
		Expect(err).ToNot(HaveOccurred())
		buf := make([]byte, 4096)
		Expect(n.WriteAt(context.Background(), buf, 0)).To(Succeed())
		Expect(n.ReadAt(context.Background(), buf, 0)).To(Succeed())
	})

	It("heals by rebuilding onto a replacement replica", func() {
		_, err := cli.RemoveChild(uuid, replicaURI("r2"))
		Expect(err).ToNot(HaveOccurred())

		_, err = cli.AddChild(rpc.AddChildReq{UUID: uuid, URI: replicaURI("r3")})
		Expect(err).ToNot(HaveOccurred())

		Eventually(nexusState(uuid), timeout, pollPeriod).Should(Equal("online"))

		recs, err := cli.GetRebuildHistory(uuid)
		Expect(err).ToNot(HaveOccurred())
		Expect(recs).ToNot(BeEmpty())
		Expect(recs[len(recs)-1].State).To(Equal("completed"))
	})

	It("destroys the nexus and its share", func() {
		Expect(cli.DestroyNexus(uuid)).To(Succeed())
		list, err := cli.ListNexus("e2e-vol-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(list).To(BeEmpty())
	})
})

var _ = Describe("reservation takeover", Ordered, func() {
	const (
		uuidOld = "e2e00000-0000-0000-0000-0000000000aa"
		uuidNew = "e2e00000-0000-0000-0000-0000000000bb"
	)
	children := []string{replicaURI("shared-1"), replicaURI("shared-2")}

	AfterAll(func() {
		_ = cli.DestroyNexus(uuidOld)
		_ = cli.DestroyNexus(uuidNew)
	})

	It("lets a new nexus preempt the previous holder", func() {
		_, err := cli.CreateNexus(rpc.CreateNexusReq{
			Name:     "e2e-takeover-old",
			UUID:     uuidOld,
			Size:     volSize,
			ResvKey:  0x1,
			Children: children,
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = cli.CreateNexus(rpc.CreateNexusReq{
			Name:       "e2e-takeover-new",
			UUID:       uuidNew,
			Size:       volSize,
			ResvKey:    0x2,
			PreemptKey: 0x1,
			Children:   children,
		})
		Expect(err).ToNot(HaveOccurred())
	})

	It("faults the preempted writer and keeps the new one online", func() {
		old, err := eng.Registry().Lookup(uuidOld)
		Expect(err).ToNot(HaveOccurred())
		next, err := eng.Registry().Lookup(uuidNew)
		Expect(err).ToNot(HaveOccurred())

		buf := make([]byte, 512)
		Expect(old.WriteAt(context.Background(), buf, 0)).ToNot(Succeed())
		Eventually(nexusState(uuidOld), timeout, pollPeriod).Should(Equal("faulted"))

		Expect(next.WriteAt(context.Background(), buf, 0)).To(Succeed())
		Expect(nexusState(uuidNew)()).To(Equal("online"))
	})
})

var _ = Describe("rebuild control", Ordered, func() {
	const uuid = "e2e00000-0000-0000-0000-0000000000cc"

	AfterAll(func() {
		_ = cli.DestroyNexus(uuid)
	})

	It("pauses, resumes and reports a rebuild", func() {
		_, err := cli.CreateNexus(rpc.CreateNexusReq{
			Name:     "e2e-rebuild",
			UUID:     uuid,
			Size:     volSize,
			Children: []string{replicaURI("rb-1")},
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = cli.AddChild(rpc.AddChildReq{UUID: uuid, URI: replicaURI("rb-2"), NoRebuild: true})
		Expect(err).ToNot(HaveOccurred())

		Expect(cli.StartRebuild(uuid, replicaURI("rb-2"))).To(Succeed())

		// the copy may already have finished; pause only if it is still there
		if err := cli.PauseRebuild(uuid, replicaURI("rb-2")); err == nil {
			st, serr := cli.GetRebuildState(uuid, replicaURI("rb-2"))
			Expect(serr).ToNot(HaveOccurred())
			Expect(st).To(Equal("paused"))

			stats, serr := cli.GetRebuildStats(uuid, replicaURI("rb-2"))
			Expect(serr).ToNot(HaveOccurred())
			Expect(stats.BlocksTotal).To(Equal(uint64(volSize / 512)))

			Expect(cli.ResumeRebuild(uuid, replicaURI("rb-2"))).To(Succeed())
		}

		Eventually(nexusState(uuid), timeout, pollPeriod).Should(Equal("online"))
	})
})
