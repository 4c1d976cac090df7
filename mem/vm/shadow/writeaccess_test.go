package shadow

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Write access", func() {
	const (
		gmfn      = MFN(0x1000)
		faultAddr = 0x400000
	)

	var (
		f *fixture
		d *Domain
		g *Guard
		v *VCPU
	)

	BeforeEach(func() {
		f = newFixture()
		f.quiet()
		d = f.pooled(200)
		v = d.VCPU(0)
		g = d.Lock()

		f.writable[gmfn] = 1
	})

	AfterEach(func() {
		if g.depth > 0 {
			g.Unlock()
		}
	})

	revoke := func(g *Guard, _ *VCPU, _ uint64, target MFN) bool {
		f.writable[target] = 0
		return true
	}

	It("should do nothing without refcounts", func() {
		d.mode = ModeEnable

		flush, err := d.RemoveWriteAccess(g, v, gmfn, 1, faultAddr)

		Expect(flush).To(BeFalse())
		Expect(err).NotTo(HaveOccurred())
		Expect(f.writable[gmfn]).To(Equal(uint32(1)))
	})

	It("should do nothing for a page without writable mappings", func() {
		f.writable[gmfn] = 0

		flush, err := d.RemoveWriteAccess(g, v, gmfn, 1, faultAddr)

		Expect(flush).To(BeFalse())
		Expect(err).NotTo(HaveOccurred())
	})

	It("should find the mapping with a heuristic", func() {
		v.mode = GuestMode2Level
		f.codec.EXPECT().
			GuessWritableMapping(g, v, uint64(0xC0000000+faultAddr>>10), gmfn).
			DoAndReturn(revoke)

		flush, err := d.RemoveWriteAccess(g, v, gmfn, 1, faultAddr)

		Expect(flush).To(BeTrue())
		Expect(err).NotTo(HaveOccurred())

		events := f.hook.at(HookPosWriteAccess)
		Expect(events).To(HaveLen(1))
		Expect(events[0].Item.What).To(Equal("w2k3-linear"))
		Expect(events[0].Detail).To(Equal(StageHeuristic))
	})

	It("should try the heuristics in order", func() {
		v.mode = GuestMode2Level
		gomock.InOrder(
			f.codec.EXPECT().
				GuessWritableMapping(g, v, uint64(0xC0000000+faultAddr>>10), gmfn).
				Return(false),
			f.codec.EXPECT().
				GuessWritableMapping(g, v, uint64(0xC0000000)+uint64(gmfn)<<PageShift, gmfn).
				DoAndReturn(revoke),
		)

		_, err := d.RemoveWriteAccess(g, v, gmfn, 1, faultAddr)

		Expect(err).NotTo(HaveOccurred())
		Expect(f.hook.at(HookPosWriteAccess)[0].Item.What).To(Equal("linux-lowmem"))
	})

	It("should use a custom heuristic table", func() {
		d.heuristics = HeuristicTable{Version: HeuristicsVersion, Heuristics: []Heuristic{
			{Name: "only", GuestLevels: 4, Base: 0x7000, Source: SourceGFN, Shift: 3},
		}}
		v.mode = GuestMode4Level

		f.codec.EXPECT().
			GuessWritableMapping(g, v, uint64(0x7000)+uint64(gmfn)<<3, gmfn).
			DoAndReturn(revoke)

		_, err := d.RemoveWriteAccess(g, v, gmfn, 3, faultAddr)

		Expect(err).NotTo(HaveOccurred())
		Expect(f.hook.at(HookPosWriteAccess)[0].Item.What).To(Equal("only"))
	})

	It("should look where the last search succeeded", func() {
		sl1 := d.Alloc(g, KindL1_64, 0x2000)
		v.lastWritableSMFN = sl1

		f.codec.EXPECT().RemoveWriteAccessFromL1(g, sl1, gmfn).
			DoAndReturn(func(_ *Guard, _, target MFN) bool {
				f.writable[target] = 0
				return true
			})

		flush, err := d.RemoveWriteAccess(g, v, gmfn, 1, faultAddr)

		Expect(flush).To(BeTrue())
		Expect(err).NotTo(HaveOccurred())

		events := f.hook.at(HookPosWriteAccess)
		Expect(events).To(HaveLen(1))
		Expect(events[0].Item.SMFN).To(Equal(sl1))
		Expect(events[0].Detail).To(Equal(StageLastSMFN))
	})

	It("should fall back to searching every shadow l1", func() {
		holder := d.MakeShadow(g, v, 0x2000, KindL1_64)
		d.MakeShadow(g, v, 0x3000, KindL1_64)
		d.MakeShadow(g, v, 0x4000, KindL2_64)

		f.codec.EXPECT().RemoveWriteAccessFromL1(g, gomock.Any(), gmfn).
			DoAndReturn(func(_ *Guard, smfn, target MFN) bool {
				if smfn == holder {
					f.writable[target] = 0
				}

				return false
			}).MinTimes(1)

		flush, err := d.RemoveWriteAccess(g, v, gmfn, 1, faultAddr)

		Expect(flush).To(BeTrue())
		Expect(err).NotTo(HaveOccurred())
		Expect(v.LastWritableSMFN()).To(Equal(holder))

		events := f.hook.at(HookPosWriteAccess)
		Expect(events).To(HaveLen(1))
		Expect(events[0].Item.SMFN).To(Equal(holder))
		Expect(events[0].Detail).To(Equal(StageBruteForce))
	})

	It("should report a mapping it cannot reach when not on a fault", func() {
		flush, err := d.RemoveWriteAccess(g, v, gmfn, 0, 0)

		Expect(flush).To(BeTrue())
		Expect(err).To(MatchError(ErrWriteAccessNotRemoved))

		crashed, _ := d.Crashed()
		Expect(crashed).To(BeFalse())
	})

	It("should crash the domain on a mapping it cannot reach from a fault", func() {
		_, err := d.RemoveWriteAccess(g, v, gmfn, 2, faultAddr)

		Expect(err).NotTo(HaveOccurred())
		crashed, _ := d.Crashed()
		Expect(crashed).To(BeTrue())
	})

	It("should crash the domain on special-use frames", func() {
		f.special[gmfn] = true

		flush, err := d.RemoveWriteAccess(g, v, gmfn, 1, faultAddr)

		Expect(flush).To(BeFalse())
		Expect(err).NotTo(HaveOccurred())
		crashed, reason := d.Crashed()
		Expect(crashed).To(BeTrue())
		Expect(reason).To(ContainSubstring("special-use"))
	})

	It("should leave pagetables that are already protected alone", func() {
		f.writable[gmfn] = 0
		d.Promote(g, gmfn, KindL2_64)
		f.writable[gmfn] = 1

		flush, err := d.RemoveWriteAccess(g, v, gmfn, 1, faultAddr)

		Expect(flush).To(BeFalse())
		Expect(err).NotTo(HaveOccurred())
	})
})
