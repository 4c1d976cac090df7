package shadow

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Out of sync", func() {
	var (
		f  *fixture
		d  *Domain
		g  *Guard
		v0 *VCPU
	)

	setUp := func(vcpus int) {
		f = newFixture()
		f.vcpus = vcpus
		f.quiet()

		d = f.pooled(400)
		d.hvm = true
		d.oosActive = true

		g = d.Lock()

		for _, v := range d.vcpus {
			for i := range v.oosSnapshot {
				v.oosSnapshot[i] = d.Alloc(g, KindOOSSnapshot, 0)
			}
		}

		v0 = d.VCPU(0)
	}

	l1 := func(gmfn MFN) MFN {
		return d.MakeShadow(g, v0, gmfn, KindL1_64)
	}

	AfterEach(func() {
		if g != nil && g.depth > 0 {
			g.Unlock()
		}

		g = nil
	})

	Context("unsync", func() {
		BeforeEach(func() {
			setUp(1)
		})

		It("should let a guest l1 go out of sync", func() {
			l1(0x1000)

			Expect(d.Unsync(g, v0, 0x1000)).To(BeTrue())

			Expect(d.IsOutOfSync(0x1000)).To(BeTrue())
			Expect(d.OOSMayWrite(0x1000)).To(BeTrue())
			Expect(d.IsPageTable(0x1000)).To(BeFalse())
			Expect(v0.OOSEntries()).To(ConsistOf(OOSEntry{
				Slot:     int(0x1000 % oosPages),
				GMFN:     0x1000,
				Snapshot: v0.oosSnapshot[0x1000%oosPages],
			}))
			Expect(f.hook.at(HookPosUnsync)).To(HaveLen(1))
		})

		It("should refuse pages that are not shadowed", func() {
			Expect(d.Unsync(g, v0, 0x1000)).To(BeFalse())
		})

		It("should refuse pages shadowed above l1", func() {
			d.MakeShadow(g, v0, 0x1000, KindL2_64)

			Expect(d.Unsync(g, v0, 0x1000)).To(BeFalse())
		})

		It("should refuse pages shadowed twice", func() {
			l1(0x1000)
			d.MakeShadow(g, v0, 0x1000, KindL1PAE)

			Expect(d.Unsync(g, v0, 0x1000)).To(BeFalse())
		})

		It("should refuse pages that are out of sync already", func() {
			l1(0x1000)
			Expect(d.Unsync(g, v0, 0x1000)).To(BeTrue())

			Expect(d.Unsync(g, v0, 0x1000)).To(BeFalse())
		})

		It("should refuse while some vCPU runs unpaged", func() {
			l1(0x1000)
			d.oosActive = false

			Expect(d.Unsync(g, v0, 0x1000)).To(BeFalse())
		})

		It("should refuse for non-translated guests", func() {
			l1(0x1000)
			d.hvm = false

			Expect(d.Unsync(g, v0, 0x1000)).To(BeFalse())
		})
	})

	Context("the per-vCPU table", func() {
		BeforeEach(func() {
			setUp(1)
		})

		It("should move a home occupant to the alternate slot", func() {
			l1(3)
			l1(6)

			Expect(d.Unsync(g, v0, 3)).To(BeTrue())
			snapshot := d.SnapshotOf(g, 3)

			Expect(d.Unsync(g, v0, 6)).To(BeTrue())

			Expect(oosSlot(v0, 6)).To(Equal(0))
			Expect(oosSlot(v0, 3)).To(Equal(1))
			Expect(d.SnapshotOf(g, 3)).To(Equal(snapshot))
			Expect(d.SnapshotOf(g, 6)).NotTo(Equal(snapshot))
		})

		It("should resync what the alternate slot held", func() {
			l1(3)
			l1(6)
			l1(9)

			Expect(d.Unsync(g, v0, 3)).To(BeTrue())
			Expect(d.Unsync(g, v0, 6)).To(BeTrue())

			f.codec.EXPECT().ResyncL1(g, v0, MFN(3), gomock.Any())

			Expect(d.Unsync(g, v0, 9)).To(BeTrue())

			Expect(d.IsOutOfSync(3)).To(BeFalse())
			Expect(d.IsShadowed(3)).To(BeTrue())
			Expect(d.IsOutOfSync(6)).To(BeTrue())
			Expect(d.IsOutOfSync(9)).To(BeTrue())
			Expect(f.hook.at(HookPosResync)).To(HaveLen(1))
		})
	})

	Context("fixups", func() {
		var sl1s []MFN

		BeforeEach(func() {
			setUp(1)
			l1(0x1000)
			Expect(d.Unsync(g, v0, 0x1000)).To(BeTrue())

			sl1s = nil
			for i := 0; i < oosFixups+1; i++ {
				sl1s = append(sl1s, d.Alloc(g, KindL1_64, uint64(0x2000+i)))
			}
		})

		It("should remember the writable entries of the page", func() {
			d.AddFixup(g, 0x1000, sl1s[0], 8)
			d.AddFixup(g, 0x1000, sl1s[1], 16)
			d.AddFixup(g, 0x1000, sl1s[0], 8)

			Expect(v0.OOSEntries()[0].Fixups).To(ConsistOf(
				EntryRef{SMFN: sl1s[0], Offset: 8},
				EntryRef{SMFN: sl1s[1], Offset: 16},
			))
		})

		It("should write-protect the oldest entry when full", func() {
			for i := 0; i < oosFixups; i++ {
				d.AddFixup(g, 0x1000, sl1s[i], 8)
			}

			f.codec.EXPECT().
				RemoveWriteAccessFromSL1P(g, MFN(0x1000), sl1s[0], uint32(8)).
				Return(true)

			d.AddFixup(g, 0x1000, sl1s[oosFixups], 8)

			Expect(v0.OOSEntries()[0].Fixups).To(HaveLen(oosFixups))
			Expect(v0.OOSEntries()[0].Fixups).NotTo(ContainElement(
				EntryRef{SMFN: sl1s[0], Offset: 8}))

			evicted := f.hook.at(HookPosFixupEvict)
			Expect(evicted).To(HaveLen(1))
			Expect(evicted[0].Item.SMFN).To(Equal(sl1s[0]))
			Expect(evicted[0].Detail).To(Equal(uint32(8)))
		})

		It("should write-protect every fixup on resync", func() {
			d.AddFixup(g, 0x1000, sl1s[0], 8)
			d.AddFixup(g, 0x1000, sl1s[1], 24)

			gomock.InOrder(
				f.codec.EXPECT().
					RemoveWriteAccessFromSL1P(g, MFN(0x1000), sl1s[0], uint32(8)).
					Return(true),
				f.codec.EXPECT().
					RemoveWriteAccessFromSL1P(g, MFN(0x1000), sl1s[1], uint32(24)).
					Return(true),
				f.codec.EXPECT().ResyncL1(g, v0, MFN(0x1000), gomock.Any()),
			)

			d.Resync(g, 0x1000)

			Expect(d.IsOutOfSync(0x1000)).To(BeFalse())
			Expect(d.OOSMayWrite(0x1000)).To(BeFalse())
			Expect(d.IsPageTable(0x1000)).To(BeTrue())
			Expect(v0.OOSEntries()).To(BeEmpty())
		})
	})

	Context("resync of a page that stays writable", func() {
		It("should unshadow the page instead", func() {
			setUp(1)

			parent := d.MakeShadow(g, v0, 0x3000, KindL2_64)
			sl1 := l1(0x1000)
			up := EntryRef{SMFN: parent, Offset: 8}
			Expect(d.GetRef(g, sl1, up)).To(BeTrue())
			Expect(d.Unsync(g, v0, 0x1000)).To(BeTrue())

			f.writable[0x1000] = 1
			f.codec.EXPECT().
				RemoveWriteAccessFromL1(gomock.Any(), sl1, MFN(0x1000)).
				Return(false)
			f.codec.EXPECT().ClearShadowEntry(g, up).Do(func(g *Guard, e EntryRef) {
				d.PutRef(g, sl1, e)
			})

			d.Resync(g, 0x1000)

			Expect(d.IsShadowed(0x1000)).To(BeFalse())
			Expect(v0.OOSEntries()).To(BeEmpty())
			crashed, _ := d.Crashed()
			Expect(crashed).To(BeFalse())
		})
	})

	Context("several vCPUs", func() {
		var v1 *VCPU

		BeforeEach(func() {
			setUp(2)
			v1 = d.VCPU(1)

			l1(0x1000)
			Expect(d.Unsync(g, v0, 0x1000)).To(BeTrue())
		})

		It("should update the shadows of other vCPUs in place", func() {
			f.codec.EXPECT().SafeNotToSync(g, v1, MFN(0x1000)).Return(false)
			f.codec.EXPECT().ResyncL1(g, v0, MFN(0x1000), v0.oosSnapshot[oosSlot(v0, 0x1000)])

			d.SyncOtherVCPUs(g, v1)

			Expect(d.IsOutOfSync(0x1000)).To(BeTrue())
			Expect(f.hook.at(HookPosResyncOnly)).To(HaveLen(1))
			Expect(f.hook.at(HookPosResyncOnly)[0].Detail).To(Equal(0))
		})

		It("should leave pages alone that cannot be reached", func() {
			f.codec.EXPECT().SafeNotToSync(g, v1, MFN(0x1000)).Return(true)

			d.SyncOtherVCPUs(g, v1)

			Expect(d.IsOutOfSync(0x1000)).To(BeTrue())
			Expect(f.hook.at(HookPosResyncOnly)).To(BeEmpty())
		})

		It("should only resync the pages of the current vCPU", func() {
			d.ResyncCurrent(g, v1)

			Expect(d.IsOutOfSync(0x1000)).To(BeTrue())
		})

		It("should resync every page on request", func() {
			f.codec.EXPECT().ResyncL1(g, v0, MFN(0x1000), gomock.Any())

			d.ResyncAllPages(g, v1)

			Expect(d.IsOutOfSync(0x1000)).To(BeFalse())
			Expect(v0.OOSEntries()).To(BeEmpty())
			Expect(f.hook.at(HookPosResync)[0].Detail).To(Equal(0))
		})

		It("should resync before promoting the page again", func() {
			f.codec.EXPECT().ResyncL1(g, v0, MFN(0x1000), gomock.Any())

			d.MakeShadow(g, v1, 0x1000, KindL2_64)

			Expect(d.IsOutOfSync(0x1000)).To(BeFalse())
			Expect(d.ShadowFlags(0x1000)).To(Equal(KindL1_64.Mask() | KindL2_64.Mask()))
		})
	})
})
