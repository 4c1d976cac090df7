package cmd

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmshadow/mem/vm/shadow"
	"github.com/sarchlab/vmshadow/tracing"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var _ = Describe("Sandbox", func() {
	var cfg sandboxConfig

	BeforeEach(func() {
		level := logrus.GetLevel()
		logrus.SetLevel(logrus.ErrorLevel)
		DeferCleanup(func() { logrus.SetLevel(level) })

		cfg = sandboxConfig{
			Domains: 3,
			VCPUs:   2,
			Frames:  1 << 15,
			Pages:   16,
			Steps:   200,
			Seed:    3,
		}
	})

	It("should give every domain a guest in its own paging mode", func() {
		sb, err := buildSandbox(cfg)
		Expect(err).NotTo(HaveOccurred())
		defer sb.close()

		Expect(sb.domains).To(HaveLen(3))
		Expect(sb.workloads).To(HaveLen(3))

		for i, d := range sb.domains {
			Expect(d.ID()).To(Equal(shadow.DomainID(i + 1)))
			Expect(d.Mode().Enabled()).To(BeTrue())
			Expect(d.VCPU(0).Mode()).To(Equal(sandboxModes[i]))
		}
	})

	It("should size the pools as asked", func() {
		cfg.PoolMB = 6

		sb, err := buildSandbox(cfg)
		Expect(err).NotTo(HaveOccurred())
		defer sb.close()

		for _, d := range sb.domains {
			Expect(d.Allocation()).To(Equal(6))
		}
	})

	It("should refuse an empty sandbox", func() {
		cfg.Domains = 0

		_, err := buildSandbox(cfg)

		Expect(err).To(HaveOccurred())
	})

	It("should report a missing heuristics file", func() {
		cfg.Heuristics = filepath.Join(GinkgoT().TempDir(), "none.toml")

		_, err := buildSandbox(cfg)

		Expect(err).To(HaveOccurred())
	})

	It("should run the workloads and record their events", func() {
		cfg.TraceDB = filepath.Join(GinkgoT().TempDir(), "trace")

		sb, err := buildSandbox(cfg)
		Expect(err).NotTo(HaveOccurred())

		g, ctx := errgroup.WithContext(context.Background())
		sb.run(ctx, g, cfg)
		Expect(g.Wait()).To(Succeed())

		for _, w := range sb.workloads {
			stats := w.Stats()
			Expect(stats.Reads + stats.Writes + stats.PTEWrites + stats.Reloads).
				To(Equal(cfg.Steps))
		}

		sb.close()

		reader := tracing.NewSQLiteEventReader(cfg.TraceDB + ".sqlite3")
		Expect(reader.Init()).To(Succeed())
		defer reader.Close()

		counts, err := reader.CountByWhat()
		Expect(err).NotTo(HaveOccurred())
		Expect(counts).To(HaveKey(shadow.HookPosAlloc.Name))
		Expect(counts).To(HaveKey(shadow.HookPosPromote.Name))
	})
})

var _ = Describe("Configuration", func() {
	It("should take defaults from the environment", func() {
		Expect(os.Setenv("SHADOWCTL_TEST_INT", "12")).To(Succeed())
		Expect(os.Setenv("SHADOWCTL_TEST_BAD", "many")).To(Succeed())
		DeferCleanup(func() {
			os.Unsetenv("SHADOWCTL_TEST_INT")
			os.Unsetenv("SHADOWCTL_TEST_BAD")
		})

		Expect(envInt("SHADOWCTL_TEST_INT", 1)).To(Equal(12))
		Expect(envInt("SHADOWCTL_TEST_BAD", 1)).To(Equal(1))
		Expect(envInt("SHADOWCTL_TEST_UNSET", 5)).To(Equal(5))
		Expect(envString("SHADOWCTL_TEST_UNSET", "x")).To(Equal("x"))
	})

	It("should find the port of an address", func() {
		port, err := portOf("localhost:8123")
		Expect(err).NotTo(HaveOccurred())
		Expect(port).To(Equal(8123))

		_, err = portOf("localhost")
		Expect(err).To(HaveOccurred())
	})
})
