package shadow

import (
	"log"

	"github.com/sirupsen/logrus"
)

// enablePages is the pool a domain gets when shadow paging is enabled on it
// before any allocation was set.
const enablePages = 1024

// Unpaged returns the table HVM vCPUs walk while guest paging is off.
func (d *Domain) Unpaged() MFN {
	return d.unpaged
}

// Enable turns shadow paging on with the given features. The pool is grown
// to its minimum if it has not been sized yet.
func (d *Domain) Enable(mode ModeFlags) error {
	mode |= ModeEnable

	if mode&ModeTranslate != 0 && mode&ModeRefcounts == 0 {
		return ErrInvalid
	}

	g := d.Lock()
	defer g.Unlock()

	if d.mode.Enabled() {
		return ErrInvalid
	}

	if d.totalPages < d.minAllocation() {
		if err := d.SetAllocation(g, enablePages, false); err != nil {
			_ = d.SetAllocation(g, 0, false)
			return err
		}
	}

	if d.hvm {
		pg, ok := d.AllocP2MPage(g)
		if !ok {
			return ErrNoMemory
		}

		if m, ok := d.codecs[GuestMode2Level].(IdentityMapper); ok {
			m.FillIdentityMap(pg)
		}

		d.unpaged = pg
	}

	d.hashAlloc()
	d.newMode(g, mode)

	d.log.WithField("mode", uint32(mode)).Info("shadow paging enabled")

	return nil
}

// EnableTest turns on shadow paging alone, without any other feature.
func (d *Domain) EnableTest() error {
	g := d.Lock()
	defer g.Unlock()

	if d.mode&ModeEnable != 0 {
		return ErrInvalid
	}

	if d.totalPages < d.minAllocation() {
		if err := d.SetAllocation(g, 1, false); err != nil {
			_ = d.SetAllocation(g, 0, false)
			return ErrNoMemory
		}
	}

	if d.mode == 0 {
		d.hashAlloc()
	}

	d.newMode(g, d.mode|ModeEnable)

	return nil
}

// DisableTest turns shadow paging off. When no feature is left, every vCPU
// is taken off its shadows and the pool is emptied.
func (d *Domain) DisableTest() error {
	g := d.Lock()
	defer g.Unlock()

	return d.disableTest(g)
}

func (d *Domain) disableTest(g *Guard) error {
	if d.mode&ModeEnable == 0 {
		return ErrInvalid
	}

	d.newMode(g, d.mode&^ModeEnable)

	if d.mode != 0 {
		return nil
	}

	for _, v := range d.vcpus {
		if v.mode != GuestModeNone {
			d.DetachOldTables(g, v)
		}

		d.freeMonitorTable(g, v)
		d.freeSnapshots(g, v)
		v.mode = GuestModeNone
	}

	if err := d.SetAllocation(g, 0, false); err != nil {
		log.Panicf("domain %d: cannot empty the shadow pool: %v", d.id, err)
	}

	d.hashTeardown()
	d.oosActive = false

	d.log.WithFields(logrus.Fields{
		"total": d.totalPages,
		"free":  d.freePages,
		"p2m":   d.p2mPages,
	}).Info("shadow paging disabled")

	return nil
}

func (d *Domain) newMode(g *Guard, mode ModeFlags) {
	d.mode = mode

	if !mode.Enabled() {
		return
	}

	for _, v := range d.vcpus {
		d.updatePagingModes(g, v)
	}
}

// UpdatePagingModes re-derives the paging mode of the vCPU from its guest
// state and installs the matching shadows. Call it after the guest changed
// its paging registers.
//
// The lock may or may not be held by the caller.
func (d *Domain) UpdatePagingModes(g *Guard, v *VCPU) {
	g = d.LockRecursive(g)
	defer g.Unlock()

	if !d.mode.Enabled() {
		return
	}

	d.updatePagingModes(g, v)
}

func (d *Domain) updatePagingModes(g *Guard, v *VCPU) {
	if !v.oosSnapshot[0].Valid() {
		if !d.Prealloc(g, KindOOSSnapshot, oosPages) {
			return
		}

		for i := range v.oosSnapshot {
			v.oosSnapshot[i] = d.Alloc(g, KindOOSSnapshot, 0)
		}
	}

	if v.mode != GuestModeNone {
		d.DetachOldTables(g, v)
	}

	if d.hvm {
		// A page unsynced under one mode must not be resynced under
		// another.
		d.ResyncAllPages(g, v)
	}

	s := v.state

	switch {
	case d.hvm && !s.PagingEnabled:
		v.guestTable = d.unpaged
		v.mode = GuestMode2Level
	case s.LongMode:
		v.mode = GuestMode4Level
	case s.PAE:
		v.mode = GuestMode3Level
	default:
		v.mode = GuestMode2Level
	}

	if d.hvm {
		if !v.monitorTable.Valid() {
			v.monitorTable = d.makeMonitorTable(g)
		}

		d.oosActive = !d.oosOff && d.allPagingEnabled()
	}

	codec := v.Codec()
	if codec == nil {
		d.log.WithField("guest_mode", v.mode.String()).Error("no codec for guest mode")
		d.Crash("no codec for guest mode " + v.mode.String())

		return
	}

	codec.UpdateCR3(g, v)
}

func (d *Domain) allPagingEnabled() bool {
	for _, v := range d.vcpus {
		if !v.state.PagingEnabled {
			return false
		}
	}

	return true
}

func (d *Domain) makeMonitorTable(g *Guard) MFN {
	if !d.Prealloc(g, KindMonitor, 1) {
		return InvalidMFN
	}

	return d.Alloc(g, KindMonitor, 0)
}

func (d *Domain) freeMonitorTable(g *Guard, v *VCPU) {
	if v.monitorTable.Valid() {
		d.Free(g, v.monitorTable)
		v.monitorTable = InvalidMFN
	}
}

func (d *Domain) freeSnapshots(g *Guard, v *VCPU) {
	for i := range v.oosSnapshot {
		if v.oosSnapshot[i].Valid() {
			d.Free(g, v.oosSnapshot[i])
			v.oosSnapshot[i] = InvalidMFN
		}
	}
}

// VCPUTeardown releases the shadows and the monitor table of a vCPU.
func (d *Domain) VCPUTeardown(v *VCPU) {
	g := d.Lock()
	defer g.Unlock()

	d.vcpuTeardown(g, v)
}

func (d *Domain) vcpuTeardown(g *Guard, v *VCPU) {
	if !d.mode.Enabled() || v.mode == GuestModeNone {
		return
	}

	d.DetachOldTables(g, v)
	d.freeMonitorTable(g, v)
}

// Teardown destroys the shadows of a dying domain and returns its pool to
// the allocator. With preemptible set it may return ErrPreempted; call it
// again to continue.
func (d *Domain) Teardown(preemptible bool) error {
	g := d.Lock()

	if !d.Dying() {
		g.Unlock()
		log.Panicf("domain %d: teardown of a live domain", d.id)
	}

	for _, v := range d.vcpus {
		d.vcpuTeardown(g, v)
	}

	// Dying domains do not reclaim, so everything must be freed before the
	// pool can shrink.
	d.BlowTables(g)

	for _, v := range d.vcpus {
		d.freeSnapshots(g, v)
	}

	if d.totalPages != 0 {
		if err := d.SetAllocation(g, 0, preemptible); err != nil {
			g.Unlock()
			return err
		}
	}

	if d.hash != nil {
		d.hashTeardown()
	}

	unpaged := d.unpaged
	if unpaged.Valid() {
		for _, v := range d.vcpus {
			if v.guestTable == unpaged {
				v.guestTable = InvalidMFN
			}
		}

		d.unpaged = InvalidMFN
	}

	g.Unlock()

	if unpaged.Valid() {
		d.FreeP2MPage(nil, unpaged)
	}

	return nil
}

// FinalTeardown makes sure the domain holds no pool memory at all. The p2m
// must have returned its pages before.
func (d *Domain) FinalTeardown() {
	g := d.Lock()
	pending := d.totalPages != 0
	g.Unlock()

	if pending {
		d.SetDying()

		if err := d.Teardown(false); err != nil {
			log.Panicf("domain %d: teardown failed: %v", d.id, err)
		}
	}

	g = d.Lock()
	defer g.Unlock()

	if err := d.SetAllocation(g, 0, false); err != nil {
		log.Panicf("domain %d: cannot empty the shadow pool: %v", d.id, err)
	}

	if d.p2mPages != 0 || d.freePages != 0 || d.totalPages != 0 {
		log.Panicf("domain %d: pool not empty after teardown: total %d free %d p2m %d",
			d.id, d.totalPages, d.freePages, d.p2mPages)
	}

	d.log.Info("shadow final teardown done")
}

// FlushVCPUs refreshes the top-level shadows of the selected vCPUs and
// flushes the TLBs of the CPUs they ran on. A nil selection selects every
// vCPU.
//
// The lock may or may not be held by the caller.
func (d *Domain) FlushVCPUs(g *Guard, vcpus []int) {
	g = d.LockRecursive(g)
	defer g.Unlock()

	selected := func(v *VCPU) bool {
		if vcpus == nil {
			return true
		}

		for _, id := range vcpus {
			if id == v.id {
				return true
			}
		}

		return false
	}

	var mask CPUSet

	for _, v := range d.vcpus {
		if !selected(v) {
			continue
		}

		if c := v.Codec(); c != nil && d.mode.Enabled() {
			c.UpdateCR3(g, v)
		}

		if v.dirtyCPU >= 0 {
			mask = mask.Add(v.dirtyCPU)
		}
	}

	if !mask.Empty() {
		d.flusher.Flush(mask)
	}
}
