package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/sarchlab/vmshadow/mem/vm/shadow"
	"github.com/sarchlab/vmshadow/mem/vm/shadow/machine"
	"github.com/sarchlab/vmshadow/monitoring"
	"github.com/sarchlab/vmshadow/tracing"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// sandboxConfig describes the sandbox that serve runs.
type sandboxConfig struct {
	Domains    int
	VCPUs      int
	PoolMB     int
	Frames     int
	Pages      int
	Steps      int
	Pause      time.Duration
	Seed       int64
	TraceDB    string
	Heuristics string
}

var sandboxModes = []shadow.GuestMode{
	shadow.GuestMode4Level,
	shadow.GuestMode3Level,
	shadow.GuestMode2Level,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run shadow domains with a synthetic guest workload and serve them.",
	Long: `serve builds shadow domains on an in-memory machine, runs a guest ` +
		`that keeps editing its own pagetables on each, and serves the ` +
		`domains over HTTP until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := sandboxConfigFromFlags(cmd)
		open, _ := cmd.Flags().GetBool("open")

		port, err := portOf(serverAddr)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, port, open)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.Int("domains", envInt("SHADOWCTL_DOMAINS", 2), "Number of domains")
	f.Int("vcpus", envInt("SHADOWCTL_VCPUS", 2), "vCPUs per domain")
	f.Int("pool-mb", envInt("SHADOWCTL_POOL_MB", 0),
		"Shadow pool size per domain in MB, 0 keeps the default")
	f.String("trace-db", envString("SHADOWCTL_TRACE_DB", ""),
		"Record shadow events into this SQLite database")
	f.String("heuristics", envString("SHADOWCTL_HEURISTICS", ""),
		"TOML table of writable-mapping heuristics")
	f.Int("frames", 1<<16, "Frames of the machine")
	f.Int("pages", 64, "Data pages of each guest")
	f.Int("steps", 0, "Guest operations per domain, 0 runs until interrupted")
	f.Duration("pause", 10*time.Millisecond, "Pause between guest operations")
	f.Int64("seed", 1, "Seed of the guest workload")
	f.Bool("open", false, "Open the monitor in a browser")
}

func sandboxConfigFromFlags(cmd *cobra.Command) sandboxConfig {
	f := cmd.Flags()

	cfg := sandboxConfig{}
	cfg.Domains, _ = f.GetInt("domains")
	cfg.VCPUs, _ = f.GetInt("vcpus")
	cfg.PoolMB, _ = f.GetInt("pool-mb")
	cfg.Frames, _ = f.GetInt("frames")
	cfg.Pages, _ = f.GetInt("pages")
	cfg.Steps, _ = f.GetInt("steps")
	cfg.Pause, _ = f.GetDuration("pause")
	cfg.Seed, _ = f.GetInt64("seed")
	cfg.TraceDB, _ = f.GetString("trace-db")
	cfg.Heuristics, _ = f.GetString("heuristics")

	return cfg
}

func portOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	return strconv.Atoi(port)
}

// A sandbox is a set of shadow domains running on one machine.
type sandbox struct {
	m         *machine.Machine
	domains   []*shadow.Domain
	workloads []*machine.Workload
	recorder  *tracing.SQLiteRecorder
}

func buildSandbox(cfg sandboxConfig) (*sandbox, error) {
	if cfg.Domains < 1 || cfg.VCPUs < 1 || cfg.Pages < 1 {
		return nil, errors.New("domains, vcpus and pages must be positive")
	}

	heuristics := shadow.DefaultHeuristics()
	if cfg.Heuristics != "" {
		var err error

		heuristics, err = shadow.LoadHeuristics(cfg.Heuristics)
		if err != nil {
			return nil, err
		}
	}

	sb := &sandbox{m: machine.NewMachine(cfg.Frames)}

	if cfg.TraceDB != "" {
		sb.recorder = tracing.NewSQLiteRecorder(cfg.TraceDB)
		if err := sb.recorder.Init(); err != nil {
			return nil, fmt.Errorf("creating trace database: %w", err)
		}

		logrus.WithField("file", sb.recorder.FileName()).Info("recording shadow events")
	}

	for i := 0; i < cfg.Domains; i++ {
		d, err := sb.addDomain(shadow.DomainID(i+1), cfg, heuristics)
		if err != nil {
			return nil, err
		}

		mode := sandboxModes[i%len(sandboxModes)]

		w, err := sb.m.NewWorkload(d, mode, cfg.Pages, cfg.Seed+int64(i))
		if err != nil {
			return nil, fmt.Errorf("laying out the guest of domain %d: %w", d.ID(), err)
		}

		sb.workloads = append(sb.workloads, w)
	}

	return sb, nil
}

func (sb *sandbox) addDomain(
	id shadow.DomainID,
	cfg sandboxConfig,
	heuristics shadow.HeuristicTable,
) (*shadow.Domain, error) {
	b := sb.m.DomainBuilder().
		WithVCPUs(cfg.VCPUs).
		WithGuestPages(uint64(cfg.Pages) * 4).
		WithHeuristics(heuristics).
		WithLogger(logrus.StandardLogger())

	if sb.recorder != nil {
		b = b.WithHook(sb.recorder)
	}

	d := b.Build(id)

	err := d.Enable(shadow.ModeRefcounts | shadow.ModeTranslate | shadow.ModeExternal)
	if err != nil {
		return nil, fmt.Errorf("enabling shadow paging on domain %d: %w", id, err)
	}

	if cfg.PoolMB > 0 {
		if err := resizePool(d, cfg.PoolMB); err != nil {
			return nil, fmt.Errorf("sizing the pool of domain %d: %w", id, err)
		}
	}

	sb.domains = append(sb.domains, d)

	return d, nil
}

// resizePool repeats a preempted resize until it completes.
func resizePool(d *shadow.Domain, mb int) error {
	op := shadow.ControlOp{Kind: shadow.OpSetAllocation, MB: mb}

	for {
		_, err := d.Control(op)
		if !errors.Is(err, shadow.ErrPreempted) {
			return err
		}
	}
}

// run drives every workload until it finishes or ctx is done. A crashed
// domain stops its own workload only.
func (sb *sandbox) run(ctx context.Context, g *errgroup.Group, cfg sandboxConfig) {
	for i, w := range sb.workloads {
		d := sb.domains[i]

		g.Go(func() error {
			err := w.Run(ctx, cfg.Steps, cfg.Pause)

			entry := logrus.WithFields(logrus.Fields{
				"domain":     uint32(d.ID()),
				"reads":      w.Stats().Reads,
				"writes":     w.Stats().Writes,
				"pte_writes": w.Stats().PTEWrites,
				"reloads":    w.Stats().Reloads,
			})

			if errors.Is(err, machine.ErrDomainCrashed) {
				_, reason := d.Crashed()
				entry.WithField("reason", reason).Warn("domain crashed")

				return nil
			}

			if err != nil {
				return fmt.Errorf("domain %d: %w", d.ID(), err)
			}

			entry.Info("workload stopped")

			return nil
		})
	}
}

func (sb *sandbox) close() {
	if sb.recorder != nil {
		if err := sb.recorder.Close(); err != nil {
			logrus.WithError(err).Error("closing trace database")
		}
	}
}

func serve(ctx context.Context, cfg sandboxConfig, port int, open bool) error {
	sb, err := buildSandbox(cfg)
	if err != nil {
		return err
	}
	defer sb.close()

	monitor := monitoring.NewMonitor().WithPortNumber(port)
	for _, d := range sb.domains {
		if err := monitor.RegisterDomain(d); err != nil {
			return err
		}
	}

	url := monitor.StartServer()

	if open {
		if err := browser.OpenURL(url + "/api/domains"); err != nil {
			logrus.WithError(err).Warn("cannot open a browser")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	sb.run(gctx, g, cfg)

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return monitor.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
