package shadow

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Pool", func() {
	var (
		f *fixture
		d *Domain
		g *Guard
	)

	BeforeEach(func() {
		f = newFixture()
	})

	AfterEach(func() {
		if g != nil && g.depth > 0 {
			g.Unlock()
		}

		g = nil
	})

	Context("sizing", func() {
		It("should raise a target to the minimum allocation", func() {
			f.quiet()
			d = f.pooled(1)

			Expect(d.PoolStats()).To(Equal(PoolStats{Total: 128, Free: 128}))
			Expect(f.pages.live).To(HaveLen(128))
		})

		It("should count the 1:1 table and guest memory for HVM guests", func() {
			f.quiet()
			d = f.builder().WithHVM(true).WithVCPUs(2).WithGuestPages(1 << 20).Build(1)

			Expect(d.minAllocation()).To(Equal(2*128 + (1<<20)/256 + 1))
		})

		It("should shrink the pool back to the allocator", func() {
			f.quiet()
			d = f.pooled(300)

			g = d.Lock()
			Expect(d.SetAllocation(g, 200, false)).To(Succeed())

			Expect(d.PoolStats().Total).To(Equal(200))
			Expect(f.pages.freed).To(HaveLen(100))
		})

		It("should report the allocation in megabytes, rounded up", func() {
			f.quiet()
			d = f.pooled(300)

			Expect(d.Allocation()).To(Equal(2))
		})

		It("should fail when the allocator runs dry", func() {
			f.quiet()
			f.pages.limit = 10
			d = f.builder().Build(1)

			g = d.Lock()
			err := d.SetAllocation(g, 128, false)

			Expect(err).To(MatchError(ErrNoMemory))
			Expect(d.PoolStats().Total).To(Equal(10))
		})

		It("should yield at a preemption point and continue on the next call", func() {
			d = f.builder().Build(1)
			f.preempter.EXPECT().ShouldYield().Return(false).Times(9)
			f.preempter.EXPECT().ShouldYield().Return(true)

			g = d.Lock()
			err := d.SetAllocation(g, 128, true)

			Expect(err).To(MatchError(ErrPreempted))
			Expect(d.PoolStats().Total).To(Equal(10))

			f.preempter.EXPECT().ShouldYield().Return(false).AnyTimes()
			Expect(d.SetAllocation(g, 128, true)).To(Succeed())
			Expect(d.PoolStats().Total).To(Equal(128))
		})
	})

	Context("allocating", func() {
		BeforeEach(func() {
			f.quiet()
			d = f.pooled(200)
			g = d.Lock()
		})

		It("should take every page of a multi-page kind", func() {
			Expect(d.Prealloc(g, KindL2_32, 1)).To(BeTrue())

			smfn := d.Alloc(g, KindL2_32, 0x55)

			info, ok := d.ShadowInfo(smfn)
			Expect(ok).To(BeTrue())
			Expect(info.Pages).To(Equal(4))
			Expect(info.Kind).To(Equal(KindL2_32))
			Expect(info.Back).To(Equal(uint64(0x55)))
			Expect(d.PoolStats()).To(Equal(PoolStats{Total: 200, Free: 196, InUse: 4}))
			Expect(f.hook.at(HookPosAlloc)).To(HaveLen(1))
		})

		It("should give the pages back on free", func() {
			smfn := d.Alloc(g, KindL1_64, 0x55)
			d.Free(g, smfn)

			Expect(d.PoolStats()).To(Equal(PoolStats{Total: 200, Free: 200}))
			_, ok := d.ShadowInfo(smfn)
			Expect(ok).To(BeFalse())
			Expect(f.pages.freed).To(BeEmpty())
		})

		It("should return pages straight to the allocator when dying", func() {
			smfn := d.Alloc(g, KindL1_64, 0x55)
			d.SetDying()
			d.Free(g, smfn)

			Expect(d.PoolStats()).To(Equal(PoolStats{Total: 199, Free: 199}))
			Expect(f.pages.freed).To(ConsistOf(smfn))
		})

		It("should forget the last writable shadow when it is freed", func() {
			smfn := d.Alloc(g, KindL1_64, 0x55)
			d.VCPU(0).lastWritableSMFN = smfn

			d.Free(g, smfn)

			Expect(d.VCPU(0).LastWritableSMFN().Valid()).To(BeFalse())
		})

		It("should panic when allocating without a prealloc", func() {
			for d.PoolStats().Free > 0 {
				d.Alloc(g, KindL1_64, 0)
			}

			Expect(func() { d.Alloc(g, KindL1_64, 0) }).To(Panic())
		})

		It("should divert a page to the p2m", func() {
			g.Unlock()

			mfn, ok := d.AllocP2MPage(nil)

			Expect(ok).To(BeTrue())
			Expect(d.PoolStats()).To(Equal(PoolStats{Total: 199, Free: 199, P2M: 1}))

			d.FreeP2MPage(nil, mfn)
			Expect(d.PoolStats()).To(Equal(PoolStats{Total: 200, Free: 200}))

			g = d.Lock()
		})

		It("should not divert pages of a dying domain", func() {
			d.SetDying()

			_, ok := d.AllocP2MPage(g)

			Expect(ok).To(BeFalse())
			Expect(d.PoolStats()).To(Equal(PoolStats{Total: 200, Free: 200}))
		})
	})

	Context("p2m pages from a minimal pool", func() {
		It("should refuse and warn only once", func() {
			f.quiet()
			d = f.pooled(1)

			_, ok := d.AllocP2MPage(nil)
			Expect(ok).To(BeFalse())
			Expect(d.p2mAllocFailed).To(BeTrue())

			_, ok = d.AllocP2MPage(nil)
			Expect(ok).To(BeFalse())
		})
	})

	Context("flushing recycled pages", func() {
		It("should flush only CPUs that have not flushed since the free", func() {
			d = f.builder().Build(1)
			d.VCPU(0).SetDirtyCPU(3)

			f.preempter.EXPECT().ShouldYield().Return(false).AnyTimes()
			f.memory.EXPECT().ClearFrame(gomock.Any()).AnyTimes()
			f.frames.EXPECT().Owner(gomock.Any()).Return(DomainID(1)).AnyTimes()

			g = d.Lock()
			Expect(d.SetAllocation(g, 128, false)).To(Succeed())

			mask := CPUSet(0).Add(3)
			f.flusher.EXPECT().Filter(mask, uint64(0)).Return(mask)
			f.flusher.EXPECT().Flush(mask)

			Expect(d.Prealloc(g, KindL1_64, 1)).To(BeTrue())
			smfn := d.Alloc(g, KindL1_64, 1)

			f.flusher.EXPECT().Now().Return(uint64(7))
			d.Free(g, smfn)

			Expect(d.stamps[smfn]).To(Equal(uint64(7)))
		})
	})

	Context("reclaiming", func() {
		BeforeEach(func() {
			f.quiet()
			d = f.pooled(128)
			g = d.Lock()
		})

		It("should unpin the oldest top levels first", func() {
			first := d.MakeShadow(g, nil, 0x1000, KindL4_64)
			Expect(d.Pin(g, first)).To(BeTrue())
			second := d.MakeShadow(g, nil, 0x2000, KindL4_64)
			Expect(d.Pin(g, second)).To(BeTrue())

			for d.PoolStats().Free > 0 {
				d.Alloc(g, KindOOSSnapshot, 0)
			}

			Expect(d.Prealloc(g, KindL1_64, 1)).To(BeTrue())

			Expect(d.IsShadowed(0x1000)).To(BeFalse())
			Expect(d.IsShadowed(0x2000)).To(BeTrue())

			unpins := f.hook.at(HookPosPreallocUnpin)
			Expect(unpins).To(HaveLen(1))
			Expect(unpins[0].Item.SMFN).To(Equal(first))
			Expect(unpins[0].Item.GMFN).To(Equal(MFN(0x1000)))
		})

		It("should unhook installed top levels when pins are not enough", func() {
			top := d.MakeShadow(g, nil, 0x1000, KindL4_64)
			Expect(d.GetRef(g, top, NoEntry)).To(BeTrue())
			d.VCPU(0).shadowTable[0] = top

			for d.PoolStats().Free > 0 {
				d.Alloc(g, KindOOSSnapshot, 0)
			}

			f.codec.EXPECT().UnhookMappings(g, top, false).Do(
				func(g *Guard, _ MFN, _ bool) {
					for _, info := range d.Shadows() {
						if info.Kind == KindOOSSnapshot {
							d.Free(g, info.SMFN)
							return
						}
					}
				})

			Expect(d.Prealloc(g, KindL1_64, 1)).To(BeTrue())
			Expect(f.hook.at(HookPosPreallocUnhook)).To(HaveLen(1))
		})

		It("should crash the domain when nothing can be reclaimed", func() {
			ok := d.Prealloc(g, KindL1_64, 129)

			Expect(ok).To(BeFalse())
			crashed, _ := d.Crashed()
			Expect(crashed).To(BeTrue())
			Expect(d.PoolStats().Total).To(Equal(128))
			Expect(f.hook.at(HookPosDomainCrash)).To(HaveLen(1))
		})

		It("should not reclaim for a dying domain", func() {
			d.SetDying()

			Expect(d.Prealloc(g, KindL1_64, 1)).To(BeFalse())
		})
	})
})
