package shadow

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Control", func() {
	var (
		f *fixture
		d *Domain
	)

	BeforeEach(func() {
		f = newFixture()
		f.quiet()
	})

	Context("enabling", func() {
		BeforeEach(func() {
			d = f.builder().Build(1)
		})

		It("should size the pool and install shadows on every vCPU", func() {
			f.codec.EXPECT().UpdateCR3(gomock.Any(), d.VCPU(0))

			Expect(d.Enable(ModeRefcounts)).To(Succeed())

			Expect(d.Mode()).To(Equal(ModeEnable | ModeRefcounts))
			Expect(d.PoolStats().Total).To(Equal(enablePages))
			Expect(d.PoolStats().InUse).To(Equal(oosPages))
			Expect(d.VCPU(0).Mode()).To(Equal(GuestMode2Level))
			Expect(d.ShadowCounts()[KindOOSSnapshot]).To(Equal(oosPages))
		})

		It("should require refcounts for translated guests", func() {
			Expect(d.Enable(ModeTranslate)).To(MatchError(ErrInvalid))
		})

		It("should refuse to enable twice", func() {
			f.codec.EXPECT().UpdateCR3(gomock.Any(), gomock.Any()).AnyTimes()
			Expect(d.Enable(ModeRefcounts)).To(Succeed())

			Expect(d.Enable(ModeRefcounts)).To(MatchError(ErrInvalid))
		})

		It("should give the pool back when it cannot be sized", func() {
			f.pages.limit = 10

			Expect(d.Enable(ModeRefcounts)).To(MatchError(ErrNoMemory))

			Expect(d.PoolStats().Total).To(BeZero())
			Expect(f.pages.live).To(BeEmpty())
			Expect(d.Mode().Enabled()).To(BeFalse())
		})

		It("should crash the domain when no codec serves the guest mode", func() {
			d.codecs[GuestMode2Level] = nil

			Expect(d.Enable(ModeRefcounts)).To(Succeed())

			crashed, reason := d.Crashed()
			Expect(crashed).To(BeTrue())
			Expect(reason).To(ContainSubstring("2-level"))
		})
	})

	Context("HVM guests", func() {
		BeforeEach(func() {
			d = f.builder().WithHVM(true).WithGuestPages(4096).Build(1)
			f.codec.EXPECT().UpdateCR3(gomock.Any(), gomock.Any()).AnyTimes()
		})

		It("should walk the 1:1 table while paging is off", func() {
			Expect(d.Enable(ModeRefcounts | ModeTranslate | ModeExternal)).To(Succeed())

			v := d.VCPU(0)
			Expect(d.Unpaged().Valid()).To(BeTrue())
			Expect(v.GuestTable()).To(Equal(d.Unpaged()))
			Expect(v.MonitorTable().Valid()).To(BeTrue())
			Expect(d.PoolStats().P2M).To(Equal(1))
			Expect(d.OOSActive()).To(BeFalse())
		})

		It("should follow the guest into long mode", func() {
			Expect(d.Enable(ModeRefcounts | ModeTranslate)).To(Succeed())

			v := d.VCPU(0)
			g := d.Lock()
			v.SetGuestState(g, GuestState{
				PagingEnabled: true,
				PAE:           true,
				LongMode:      true,
				CR3:           0x5000,
			})
			d.UpdatePagingModes(g, v)
			g.Unlock()

			Expect(v.Mode()).To(Equal(GuestMode4Level))
			Expect(v.GuestTable()).To(Equal(MFN(0x5000)))
			Expect(d.OOSActive()).To(BeTrue())
		})

		It("should keep out-of-sync pages off when asked to", func() {
			d = f.builder().WithHVM(true).WithOOS(false).Build(2)
			Expect(d.Enable(ModeRefcounts)).To(Succeed())

			v := d.VCPU(0)
			g := d.Lock()
			v.SetGuestState(g, GuestState{PagingEnabled: true, PAE: true, CR3: 0x5000})
			d.UpdatePagingModes(g, v)
			g.Unlock()

			Expect(v.Mode()).To(Equal(GuestMode3Level))
			Expect(d.OOSActive()).To(BeFalse())
		})

		It("should refuse guest state changes without the lock", func() {
			v := d.VCPU(0)

			Expect(func() {
				v.SetGuestState(nil, GuestState{PagingEnabled: true, CR3: 0x5000})
			}).To(Panic())

			other := f.builder().Build(3)
			g := other.Lock()
			defer g.Unlock()

			Expect(func() {
				v.SetGuestState(g, GuestState{PagingEnabled: true, CR3: 0x5000})
			}).To(Panic())
			Expect(v.GuestState()).To(Equal(GuestState{}))
		})

		It("should return every page on teardown", func() {
			Expect(d.Enable(ModeRefcounts | ModeTranslate)).To(Succeed())

			d.SetDying()
			Expect(d.Teardown(false)).To(Succeed())
			d.FinalTeardown()

			Expect(d.PoolStats()).To(Equal(PoolStats{}))
			Expect(f.pages.live).To(BeEmpty())
			Expect(d.Unpaged().Valid()).To(BeFalse())
		})
	})

	Context("updating paging modes", func() {
		It("should do nothing while shadow paging is off", func() {
			d = f.builder().Build(1)

			d.UpdatePagingModes(nil, d.VCPU(0))

			Expect(d.VCPU(0).Mode()).To(Equal(GuestModeNone))
		})
	})

	Context("administrative requests", func() {
		BeforeEach(func() {
			d = f.builder().Build(1)
			f.codec.EXPECT().UpdateCR3(gomock.Any(), gomock.Any()).AnyTimes()
		})

		It("should report and set the allocation in megabytes", func() {
			Expect(d.Enable(ModeRefcounts)).To(Succeed())

			res, err := d.Control(ControlOp{Kind: OpGetAllocation})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.MB).To(Equal(enablePages / pagesPerMB))

			res, err = d.Control(ControlOp{Kind: OpSetAllocation, MB: 8})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.MB).To(Equal(8))
			Expect(d.PoolStats().Total).To(Equal(8 * pagesPerMB))
		})

		It("should not drop the pool while shadows are in use", func() {
			Expect(d.Enable(ModeRefcounts)).To(Succeed())

			_, err := d.Control(ControlOp{Kind: OpSetAllocation, MB: 0})

			Expect(err).To(MatchError(ErrInvalid))
		})

		It("should reject a negative allocation", func() {
			_, err := d.Control(ControlOp{Kind: OpSetAllocation, MB: -1})

			Expect(err).To(MatchError(ErrInvalid))
		})

		It("should reject unknown requests", func() {
			_, err := d.Control(ControlOp{Kind: ControlKind(42)})

			Expect(err).To(MatchError(ErrInvalid))
			Expect(ControlKind(42).String()).To(Equal("unknown"))
		})

		It("should enable for testing and turn off again", func() {
			_, err := d.Control(ControlOp{Kind: OpEnableTest})
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Mode()).To(Equal(ModeEnable))
			Expect(d.PoolStats().Total).To(Equal(d.minAllocation()))

			_, err = d.Control(ControlOp{Kind: OpOff})
			Expect(err).NotTo(HaveOccurred())

			Expect(d.Mode()).To(BeZero())
			Expect(d.PoolStats()).To(Equal(PoolStats{}))
			Expect(d.VCPU(0).Mode()).To(Equal(GuestModeNone))
			Expect(d.hash).To(BeNil())
		})

		It("should not turn off a fully enabled domain", func() {
			_, err := d.Control(ControlOp{Kind: OpEnable, Mode: ModeRefcounts})
			Expect(err).NotTo(HaveOccurred())

			_, err = d.Control(ControlOp{Kind: OpOff})

			Expect(err).NotTo(HaveOccurred())
			Expect(d.Mode().Enabled()).To(BeTrue())
		})
	})

	Context("teardown", func() {
		It("should panic for a live domain", func() {
			d = f.builder().Build(1)

			Expect(func() { _ = d.Teardown(false) }).To(Panic())
		})

		It("should stop at a preemption point", func() {
			f = newFixture()
			f.memory.EXPECT().ClearFrame(gomock.Any()).AnyTimes()
			f.flusher.EXPECT().Now().Return(uint64(0)).AnyTimes()
			f.flusher.EXPECT().Flush(gomock.Any()).AnyTimes()
			f.codec.EXPECT().UpdateCR3(gomock.Any(), gomock.Any()).AnyTimes()

			d = f.builder().Build(1)
			Expect(d.Enable(ModeRefcounts)).To(Succeed())

			f.preempter.EXPECT().ShouldYield().Return(true)

			d.SetDying()
			Expect(d.Teardown(true)).To(MatchError(ErrPreempted))
			Expect(d.PoolStats().Total).To(BeNumerically(">", 0))

			f.preempter.EXPECT().ShouldYield().Return(false).AnyTimes()
			Expect(d.Teardown(true)).To(Succeed())
			Expect(d.PoolStats().Total).To(BeZero())
		})
	})

	Context("flushing vCPUs", func() {
		It("should refresh the selected vCPUs and flush where they ran", func() {
			f.vcpus = 2
			d = f.builder().Build(1)
			f.codec.EXPECT().UpdateCR3(gomock.Any(), gomock.Any()).Times(2)
			Expect(d.Enable(ModeRefcounts)).To(Succeed())

			d.VCPU(0).SetDirtyCPU(2)
			d.VCPU(1).SetDirtyCPU(5)
			f.flushes = nil

			f.codec.EXPECT().UpdateCR3(gomock.Any(), d.VCPU(1))

			d.FlushVCPUs(nil, []int{1})

			Expect(f.flushes).To(Equal([]CPUSet{CPUSet(0).Add(5)}))
		})

		It("should blow the tables only once enabled", func() {
			d = f.builder().Build(1)

			d.BlowTablesPerDomain()
			Expect(f.hook.at(HookPosBlowTables)).To(BeEmpty())

			f.codec.EXPECT().UpdateCR3(gomock.Any(), gomock.Any())
			Expect(d.Enable(ModeRefcounts)).To(Succeed())

			d.BlowTablesPerDomain()
			Expect(f.hook.at(HookPosBlowTables)).To(HaveLen(1))
		})
	})
})
