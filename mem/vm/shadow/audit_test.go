package shadow

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Audit", func() {
	var (
		f *fixture
		d *Domain
	)

	BeforeEach(func() {
		f = newFixture()
		f.quiet()
		d = f.pooled(200)
	})

	It("should accept a consistent hash", func() {
		g := d.Lock()
		d.MakeShadow(g, d.VCPU(0), 0x1000, KindL1_64)
		d.MakeShadow(g, d.VCPU(0), 0x1000, KindL2_64)
		g.Unlock()

		Expect(d.AuditHash).NotTo(Panic())
		Expect(d.AuditOOS).NotTo(Panic())
	})

	It("should catch a shadow whose guest page lost the flag", func() {
		g := d.Lock()
		d.MakeShadow(g, d.VCPU(0), 0x1000, KindL1_64)
		d.guests[0x1000].flags = 0
		g.Unlock()

		Expect(d.AuditHash).To(Panic())
	})

	It("should catch a writable in-sync pagetable", func() {
		g := d.Lock()
		d.MakeShadow(g, d.VCPU(0), 0x1000, KindL2_64)
		g.Unlock()

		f.writable[0x1000] = 1

		Expect(d.AuditHash).To(Panic())
	})

	It("should catch an out-of-sync page in the wrong slot", func() {
		v := d.VCPU(0)
		v.oos[(oosIndex(0x1000)+2)%oosPages] = 0x1000

		Expect(d.AuditOOS).To(Panic())
	})
})
