package machine

import (
	"context"
	"math/rand"
	"time"

	"github.com/sarchlab/vmshadow/mem/vm/shadow"
)

// Virtual layout of a workload space.
const (
	workloadDataBase  = 0x200000
	workloadAliasBase = 0x40000000
	workloadFirstGFN  = 0x100
)

// WorkloadStats counts the operations a workload has issued.
type WorkloadStats struct {
	Reads     int
	Writes    int
	PTEWrites int
	Reloads   int
}

// A Workload drives a guest that keeps editing its own pagetables. Its l1
// tables are mapped writable at an alias address, so the shadow code sees
// pagetable writes, unsyncs and resyncs, and write-access revocation.
type Workload struct {
	m   *Machine
	d   *shadow.Domain
	s   *GuestSpace
	rng *rand.Rand

	pages   []uint64
	gfns    []shadow.GFN
	aliases map[shadow.MFN]uint64

	stats WorkloadStats
}

// NewWorkload lays out a guest space of the given mode with pages data pages
// in the memory of d and loads it on every vCPU. d must be enabled.
func (m *Machine) NewWorkload(
	d *shadow.Domain,
	mode shadow.GuestMode,
	pages int,
	seed int64,
) (*Workload, error) {
	s, err := m.NewGuestSpace(d.ID(), mode, workloadFirstGFN)
	if err != nil {
		return nil, err
	}

	w := &Workload{
		m:       m,
		d:       d,
		s:       s,
		rng:     rand.New(rand.NewSource(seed)),
		aliases: make(map[shadow.MFN]uint64),
	}

	for i := 0; i < pages; i++ {
		vaddr := uint64(workloadDataBase + i*shadow.PageSize)

		mfn, err := s.MapNew(vaddr, FlagWritable|FlagUser)
		if err != nil {
			return nil, err
		}

		w.pages = append(w.pages, vaddr)
		w.gfns = append(w.gfns, m.GFNOf(mfn))
	}

	for _, vaddr := range w.pages {
		l1, _, err := s.Table(vaddr, 1)
		if err != nil {
			return nil, err
		}

		if _, found := w.aliases[l1]; found {
			continue
		}

		alias := uint64(workloadAliasBase + len(w.aliases)*shadow.PageSize)
		if err := s.Map(alias, m.GFNOf(l1), FlagWritable); err != nil {
			return nil, err
		}

		w.aliases[l1] = alias
	}

	for _, v := range d.VCPUs() {
		LoadCR3(d, v, s)
	}

	return w, nil
}

// Space returns the guest space of the workload.
func (w *Workload) Space() *GuestSpace {
	return w.s
}

// Stats returns the operations issued so far.
func (w *Workload) Stats() WorkloadStats {
	return w.stats
}

// Step issues one random guest operation on a random vCPU.
func (w *Workload) Step() error {
	if crashed, _ := w.d.Crashed(); crashed {
		return ErrDomainCrashed
	}

	vcpus := w.d.VCPUs()
	v := vcpus[w.rng.Intn(len(vcpus))]
	vaddr := w.pages[w.rng.Intn(len(w.pages))]

	var err error

	switch op := w.rng.Intn(10); {
	case op < 4:
		_, err = w.m.Read(w.d, v, vaddr)
		w.stats.Reads++
	case op < 6:
		err = w.m.Write(w.d, v, vaddr, w.rng.Uint64())
		w.stats.Writes++
	case op < 8:
		err = w.remap(v, vaddr)
		w.stats.PTEWrites++
	case op < 9:
		_, err = w.m.Read(w.d, v, w.aliasOf(vaddr))
		w.stats.Reads++
	default:
		LoadCR3(w.d, v, w.s)
		w.stats.Reloads++
	}

	if crashed, _ := w.d.Crashed(); crashed {
		return ErrDomainCrashed
	}

	return err
}

// remap points vaddr at a random data frame by writing the guest l1 entry
// through its alias.
func (w *Workload) remap(v *shadow.VCPU, vaddr uint64) error {
	gfn := w.gfns[w.rng.Intn(len(w.gfns))]

	return w.m.Write(w.d, v, w.aliasOf(vaddr),
		PTE(uint64(gfn), FlagPresent|FlagWritable|FlagUser))
}

// aliasOf returns the alias address of the l1 entry that maps vaddr.
func (w *Workload) aliasOf(vaddr uint64) uint64 {
	l1, idx, err := w.s.Table(vaddr, 1)
	if err != nil {
		panic(err)
	}

	return w.aliases[l1] + uint64(idx*w.s.Codec().EntryBytes())
}

// Run issues steps operations, or runs until ctx is done when steps is zero.
// It pauses between operations.
func (w *Workload) Run(ctx context.Context, steps int, pause time.Duration) error {
	for i := 0; steps == 0 || i < steps; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := w.Step(); err != nil {
			return err
		}

		if pause <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
	}

	return nil
}
