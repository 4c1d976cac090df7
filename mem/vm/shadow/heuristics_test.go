package shadow

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Heuristics", func() {
	const table = `
version = 1

[[heuristic]]
name = "linear"
guest_levels = 4
level = 1
base = "0xfffff68000000000"
source = "fault"
shift = 9
mask_vaddr = true

[[heuristic]]
name = "lowmem"
guest_levels = 2
base = "0xC0000000"
source = "gfn"
shift = 12
max_gfn = "0x38000"
`

	It("should parse a table with kernel addresses as strings", func() {
		t, err := ParseHeuristics(table)

		Expect(err).NotTo(HaveOccurred())
		Expect(t.Version).To(Equal(HeuristicsVersion))
		Expect(t.Heuristics).To(Equal([]Heuristic{
			{
				Name: "linear", GuestLevels: 4, Level: 1, Base: 0xfffff68000000000,
				Source: SourceFault, Shift: 9, MaskVaddr: true,
			},
			{
				Name: "lowmem", GuestLevels: 2, Base: 0xC0000000,
				Source: SourceGFN, Shift: 12, MaxGFN: 0x38000,
			},
		}))
	})

	It("should load a table from a file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "heuristics.toml")
		Expect(os.WriteFile(path, []byte(table), 0o600)).To(Succeed())

		t, err := LoadHeuristics(path)

		Expect(err).NotTo(HaveOccurred())
		Expect(t.Heuristics).To(HaveLen(2))
	})

	It("should report a missing file", func() {
		_, err := LoadHeuristics(filepath.Join(GinkgoT().TempDir(), "none.toml"))

		Expect(err).To(HaveOccurred())
	})

	DescribeTable("rejecting bad tables",
		func(text, msg string) {
			_, err := ParseHeuristics(text)

			Expect(err).To(MatchError(ContainSubstring(msg)))
		},
		Entry("unknown version", "version = 2", "unsupported heuristics version 2"),
		Entry("bad levels", `
version = 1
[[heuristic]]
name = "x"
guest_levels = 5
base = "0"
source = "gfn"`, "invalid guest levels 5"),
		Entry("bad source", `
version = 1
[[heuristic]]
name = "x"
guest_levels = 2
base = "0"
source = "cr2"`, `invalid source "cr2"`),
		Entry("fault without level", `
version = 1
[[heuristic]]
name = "x"
guest_levels = 2
base = "0"
source = "fault"`, "fault heuristic needs a level"),
		Entry("bad base", `
version = 1
[[heuristic]]
name = "x"
guest_levels = 2
base = "kernel"
source = "gfn"`, "invalid base"),
		Entry("bad max gfn", `
version = 1
[[heuristic]]
name = "x"
guest_levels = 2
base = "0"
source = "gfn"
max_gfn = "lots"`, "invalid max_gfn"),
		Entry("not toml", "version = ", "parsing heuristics"),
	)

	DescribeTable("computing the address to probe",
		func(h Heuristic, levels, level int, faultAddr uint64, gfn GFN, addr uint64, ok bool) {
			got, applies := h.applies(levels, level, faultAddr, gfn)

			Expect(applies).To(Equal(ok))
			if ok {
				Expect(got).To(Equal(addr))
			}
		},
		Entry("fault source",
			Heuristic{GuestLevels: 2, Level: 1, Base: 0xC0000000, Source: SourceFault, Shift: 10},
			2, 1, uint64(0x400000), GFN(0), uint64(0xC0001000), true),
		Entry("fault source at another level",
			Heuristic{GuestLevels: 2, Level: 1, Base: 0xC0000000, Source: SourceFault, Shift: 10},
			2, 2, uint64(0x400000), GFN(0), uint64(0), false),
		Entry("fault source off a fault path",
			Heuristic{GuestLevels: 2, Level: 1, Base: 0xC0000000, Source: SourceFault, Shift: 10},
			2, 0, uint64(0x400000), GFN(0), uint64(0), false),
		Entry("masked fault address",
			Heuristic{GuestLevels: 4, Level: 1, Base: 0x1000, Source: SourceFault, Shift: 9,
				MaskVaddr: true},
			4, 1, uint64(0xffff800000000000), GFN(0), uint64(0x1000+0x800000000000>>9), true),
		Entry("gfn source",
			Heuristic{GuestLevels: 3, Base: 0xC0000000, Source: SourceGFN, Shift: 12},
			3, 0, uint64(0), GFN(5), uint64(0xC0005000), true),
		Entry("gfn beyond the limit",
			Heuristic{GuestLevels: 3, Base: 0xC0000000, Source: SourceGFN, Shift: 12, MaxGFN: 5},
			3, 0, uint64(0), GFN(5), uint64(0), false),
		Entry("other guest mode",
			Heuristic{GuestLevels: 3, Base: 0xC0000000, Source: SourceGFN, Shift: 12},
			4, 0, uint64(0), GFN(5), uint64(0), false),
	)

	It("should provide guesses for every guest mode", func() {
		levels := map[int]int{}
		for _, h := range DefaultHeuristics().Heuristics {
			levels[h.GuestLevels]++
		}

		Expect(levels).To(HaveKey(2))
		Expect(levels).To(HaveKey(3))
		Expect(levels).To(HaveKey(4))
		Expect(DefaultHeuristics().Heuristics[0].Name).To(Equal("w2k3-linear"))
	})
})
