package machine

import (
	"errors"

	"github.com/sarchlab/vmshadow/mem/vm/shadow"
)

var (
	// ErrGuestFault is returned when the guest's own tables do not allow
	// the access. The guest would take the page fault.
	ErrGuestFault = errors.New("guest page fault")

	// ErrWriteProtected is returned by Fault when a write hits a guest
	// pagetable that stays write-protected. The write has to be emulated.
	ErrWriteProtected = errors.New("write to a protected pagetable")

	// ErrDomainCrashed is returned once the domain has been crashed.
	ErrDomainCrashed = errors.New("domain crashed")

	// ErrNoCodec is returned when the vCPU has no paging mode set.
	ErrNoCodec = errors.New("vcpu has no paging mode")

	errRetry = errors.New("shadow changed under the fault")
)

// faultRetries bounds how often a fault is restarted when the shadow it was
// filling went away.
const faultRetries = 4

func codecOf(v *shadow.VCPU) (*Codec, error) {
	c, ok := v.Codec().(*Codec)
	if !ok || c == nil {
		return nil, ErrNoCodec
	}

	return c, nil
}

// Fault handles a page fault of v at vaddr. The shadows on the way are
// built and the leaf entry is filled. It returns the machine frame vaddr
// maps.
func (m *Machine) Fault(
	d *shadow.Domain,
	v *shadow.VCPU,
	vaddr uint64,
	write bool,
) (shadow.MFN, error) {
	g := d.Lock()
	defer g.Unlock()

	c, err := codecOf(v)
	if err != nil {
		return shadow.InvalidMFN, err
	}

	return c.fault(g, v, vaddr, write)
}

// Read loads the entry slot vaddr points to, faulting it in if needed.
func (m *Machine) Read(d *shadow.Domain, v *shadow.VCPU, vaddr uint64) (uint64, error) {
	g := d.Lock()
	defer g.Unlock()

	c, err := codecOf(v)
	if err != nil {
		return 0, err
	}

	target, err := c.fault(g, v, vaddr, false)
	if err != nil {
		return 0, err
	}

	return m.Peek(target, c.slot(vaddr)), nil
}

// Write stores value in the entry slot vaddr points to. A write to a
// protected pagetable is emulated and propagated to its shadows.
func (m *Machine) Write(d *shadow.Domain, v *shadow.VCPU, vaddr, value uint64) error {
	g := d.Lock()
	defer g.Unlock()

	c, err := codecOf(v)
	if err != nil {
		return err
	}

	target, err := c.fault(g, v, vaddr, true)
	switch {
	case err == nil:
		m.Poke(target, c.slot(vaddr), value)
	case errors.Is(err, ErrWriteProtected):
		c.writeEntry(g, v, target, c.slot(vaddr), value)
	default:
		return err
	}

	return nil
}

// WriteEntry stores a guest entry at index idx of the guest frame gmfn, the
// way the monitor does when it emulates a guest store. If gmfn is a
// protected pagetable the write is propagated to its shadows.
func (m *Machine) WriteEntry(
	d *shadow.Domain,
	v *shadow.VCPU,
	gmfn shadow.MFN,
	idx int,
	value uint64,
) error {
	g := d.Lock()
	defer g.Unlock()

	c, err := codecOf(v)
	if err != nil {
		return err
	}

	c.writeEntry(g, v, gmfn, idx, value)

	return nil
}

// Translate walks the installed shadows of v for vaddr without faulting.
// It returns the frame and whether the translation allows writes.
func (m *Machine) Translate(
	d *shadow.Domain,
	v *shadow.VCPU,
	vaddr uint64,
) (mfn shadow.MFN, writable bool, ok bool) {
	g := d.Lock()
	defer g.Unlock()

	c, err := codecOf(v)
	if err != nil {
		return shadow.InvalidMFN, false, false
	}

	sl1, idx, found := c.shadowLeaf(v, vaddr)
	if !found {
		return shadow.InvalidMFN, false, false
	}

	e := m.Peek(sl1, idx)
	if !Present(e) {
		return shadow.InvalidMFN, false, false
	}

	return Frame(e), Writable(e), true
}

func (c *Codec) slot(vaddr uint64) int {
	return int(vaddr&(shadow.PageSize-1)) / c.l.entryBytes
}

func (c *Codec) writeEntry(g *shadow.Guard, v *shadow.VCPU, gmfn shadow.MFN, idx int, value uint64) {
	d := g.Domain()

	c.m.Poke(gmfn, idx, value)

	if d.IsPageTable(gmfn) {
		d.ValidateGuestPTWrite(g, v, gmfn, uint32(idx*c.l.entryBytes), c.Encode(value))
	}
}

func (c *Codec) fault(g *shadow.Guard, v *shadow.VCPU, vaddr uint64, write bool) (shadow.MFN, error) {
	var (
		target shadow.MFN
		err    error
	)

	for i := 0; i < faultRetries; i++ {
		target, err = c.faultOnce(g, v, vaddr, write)
		if !errors.Is(err, errRetry) {
			return target, err
		}
	}

	return target, ErrGuestFault
}

func (c *Codec) faultOnce(g *shadow.Guard, v *shadow.VCPU, vaddr uint64, write bool) (shadow.MFN, error) {
	d := g.Domain()

	if crashed, _ := d.Crashed(); crashed {
		return shadow.InvalidMFN, ErrDomainCrashed
	}

	// Reserve the whole chain now, so that building one level cannot
	// reclaim the level above it.
	if !d.Prealloc(g, c.l.kinds[1], c.l.levels) {
		return shadow.InvalidMFN, ErrDomainCrashed
	}

	smfn := c.rootOf(v, vaddr)
	if !smfn.Valid() {
		return shadow.InvalidMFN, ErrGuestFault
	}

	info, _ := d.ShadowInfo(smfn)
	gframe := shadow.MFN(info.Back)

	for level := c.l.levels; level > 1; level-- {
		idx := c.Index(vaddr, level)

		ge := c.m.Peek(gframe, idx)
		if !Present(ge) || (write && !Writable(ge)) {
			return shadow.InvalidMFN, ErrGuestFault
		}

		if level == 2 && ge&FlagSuper != 0 {
			return c.faultSuper(g, v, smfn, idx, ge, vaddr, write)
		}

		gchild, ok := c.m.GFNToMFN(d.ID(), GuestFrame(ge))
		if !ok {
			return shadow.InvalidMFN, ErrGuestFault
		}

		kind := c.l.kinds[level-1]

		child := d.GetOrCreateShadow(g, v, gchild, kind, level-1, vaddr)
		if !child.Valid() {
			return shadow.InvalidMFN, ErrDomainCrashed
		}

		rc := c.installChild(g, smfn, idx, PTE(uint64(child), entryFlags(ge)))
		if rc&shadow.SetError != 0 {
			return shadow.InvalidMFN, ErrDomainCrashed
		}

		smfn, gframe = child, gchild
	}

	idx := c.Index(vaddr, 1)

	ge := c.m.Peek(gframe, idx)
	if !Present(ge) || (write && !Writable(ge)) {
		return shadow.InvalidMFN, ErrGuestFault
	}

	target, ok := c.m.GFNToMFN(d.ID(), GuestFrame(ge))
	if !ok {
		return shadow.InvalidMFN, ErrGuestFault
	}

	if d.IsOutOfSync(gframe) {
		c.m.Poke(d.SnapshotOf(g, gframe), idx, ge)
	}

	return c.mapLeaf(g, v, smfn, idx, entryFlags(ge), target, write)
}

// faultSuper fills the leaf of a guest superpage. Its l1 shadow is keyed by
// the first guest frame of the superpage.
func (c *Codec) faultSuper(
	g *shadow.Guard,
	v *shadow.VCPU,
	sl2 shadow.MFN,
	idx int,
	ge uint64,
	vaddr uint64,
	write bool,
) (shadow.MFN, error) {
	d := g.Domain()
	base := c.superBase(ge)

	fl1 := d.GetOrCreateShadow(g, v, shadow.MFN(base), c.l.fl1, 1, vaddr)
	if !fl1.Valid() {
		return shadow.InvalidMFN, ErrDomainCrashed
	}

	rc := c.installChild(g, sl2, idx, PTE(uint64(fl1), entryFlags(ge)&^FlagSuper))
	if rc&shadow.SetError != 0 {
		return shadow.InvalidMFN, ErrDomainCrashed
	}

	i1 := c.Index(vaddr, 1)

	target, ok := c.m.GFNToMFN(d.ID(), base+shadow.GFN(i1))
	if !ok {
		return shadow.InvalidMFN, ErrGuestFault
	}

	return c.mapLeaf(g, v, fl1, i1, entryFlags(ge), target, write)
}

// mapLeaf writes the shadow l1 entry for a demand fault. Writes to a
// shadowed l1 let it go out of sync when the domain allows it; the
// writable entry is then recorded as a fixup. Any other shadowed target is
// mapped read-only.
func (c *Codec) mapLeaf(
	g *shadow.Guard,
	v *shadow.VCPU,
	sl1 shadow.MFN,
	idx int,
	f uint64,
	target shadow.MFN,
	write bool,
) (shadow.MFN, error) {
	d := g.Domain()
	f &^= FlagSuper

	var err error

	fixup := false

	if d.IsShadowed(target) {
		switch {
		case !write:
			f &^= FlagWritable
		case d.OOSMayWrite(target):
			fixup = true
		case d.Unsync(g, v, target):
			fixup = true

			// Going out of sync may have evicted and unshadowed the
			// l1 this fault is filling.
			if _, alive := d.ShadowInfo(sl1); !alive {
				return shadow.InvalidMFN, errRetry
			}
		default:
			f &^= FlagWritable
			err = ErrWriteProtected
		}
	}

	if c.setLeaf(sl1, idx, PTE(uint64(target), f))&shadow.SetFlush != 0 {
		d.FlushDirty()
	}

	if fixup {
		d.AddFixup(g, target, sl1, uint32(idx*shadowEntryBytes))
	}

	return target, err
}
