package machine

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmshadow/mem/vm/shadow"
)

var _ = Describe("Concurrent vCPU state", func() {
	It("should switch guest tables atomically under the domain lock", func() {
		sb := newSandbox(shadow.GuestMode4Level, 2, true)
		v := sb.d.VCPU(0)

		other, err := sb.m.NewGuestSpace(sb.d.ID(), shadow.GuestMode4Level, 0x400)
		Expect(err).NotTo(HaveOccurred())

		sb.mapNew(0x200000)
		_, err = other.MapNew(0x200000, FlagWritable|FlagUser)
		Expect(err).NotTo(HaveOccurred())

		roots := map[shadow.MFN]bool{sb.s.Root(): true, other.Root(): true}
		LoadCR3(sb.d, v, sb.s)

		const rounds = 200

		var (
			wg   sync.WaitGroup
			torn int
		)

		wg.Add(2)

		go func() {
			defer wg.Done()

			for i := 0; i < rounds; i++ {
				if i%2 == 0 {
					LoadCR3(sb.d, v, other)
				} else {
					LoadCR3(sb.d, v, sb.s)
				}
			}
		}()

		go func() {
			defer wg.Done()

			for i := 0; i < rounds; i++ {
				g := sb.d.Lock()
				table, state := v.GuestTable(), v.GuestState()
				if table != state.CR3 || !roots[table] || v.Mode() != shadow.GuestMode4Level {
					torn++
				}
				g.Unlock()
			}
		}()

		wg.Wait()

		Expect(torn).To(BeZero())
		Expect(sb.crashed()).To(BeFalse())
	})

	It("should report a crash to readers that do not hold the lock", func() {
		sb := newSandbox(shadow.GuestMode4Level, 1, true)

		go func() {
			g := sb.d.Lock()
			defer g.Unlock()

			sb.d.Crash("stopped by the test")
		}()

		Eventually(func() string {
			_, reason := sb.d.Crashed()
			return reason
		}).Should(Equal("stopped by the test"))
	})
})
