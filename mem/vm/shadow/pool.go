package shadow

import (
	"log"

	"github.com/sirupsen/logrus"
)

// pagesPerMB is the number of pool pages in a megabyte.
const pagesPerMB = 1 << (20 - PageShift)

// PoolStats is the accounting of a domain's shadow pool. Free+InUse always
// equals Total; pages diverted to the p2m are counted in P2M only.
type PoolStats struct {
	Total int
	Free  int
	InUse int
	P2M   int
}

// PoolStats returns the pool accounting. Hold the lock for a consistent
// view.
func (d *Domain) PoolStats() PoolStats {
	return PoolStats{
		Total: d.totalPages,
		Free:  d.freePages,
		InUse: d.inUsePages,
		P2M:   d.p2mPages,
	}
}

// minAcceptablePages is the least pool that lets every vCPU hold its top
// levels and make progress on one instruction.
func (d *Domain) minAcceptablePages() int {
	return len(d.vcpus) * 128
}

// minAllocation adds room for the p2m and, for HVM guests, the 1:1 table
// used while paging is off.
func (d *Domain) minAllocation() int {
	hvm := 0
	hvmTables := 0

	if d.hvm {
		hvm = 1
		hvmTables = 6
	}

	extra := max(int(d.guestPages/256), hvmTables) + hvm

	return d.minAcceptablePages() + max(extra, d.p2mPages)
}

// Prealloc makes sure count shadows of the given kind can be allocated
// without failing. It reclaims shadows to get there: first by unpinning the
// oldest pinned top levels, then by unhooking the top levels the vCPUs have
// loaded. If even that is not enough, the domain is crashed.
//
// Call Prealloc before any Alloc, and early enough that the reclaim cannot
// free shadows the caller is working on.
func (d *Domain) Prealloc(g *Guard, kind Kind, count int) bool {
	g.mustHold(d)

	if d.Dying() {
		return false
	}

	ok := d.prealloc(g, kind.Pages()*count)
	if !ok {
		d.Crash("cannot preallocate shadow pages")
	}

	return ok
}

func (d *Domain) prealloc(g *Guard, pages int) bool {
	if d.freePages >= pages {
		return true
	}

	if d.Dying() {
		return false
	}

	if len(d.vcpus) == 0 {
		return false
	}

	for _, h := range d.pinnedSnapshot() {
		rec := &d.arena[h.handle]
		if !rec.live || rec.gen != h.gen || !rec.pinned {
			continue
		}

		smfn := rec.mfns[0]
		d.fire(HookPosPreallocUnpin,
			Event{GMFN: d.backMFN(rec), SMFN: smfn, Kind: rec.kind}, nil)
		d.Unpin(g, smfn)

		if d.freePages >= pages {
			return true
		}
	}

	for _, v := range d.vcpus {
		for i := range v.shadowTable {
			smfn := v.shadowTable[i]
			if !smfn.Valid() {
				continue
			}

			d.fire(HookPosPreallocUnhook,
				Event{GMFN: InvalidMFN, SMFN: smfn, Kind: d.kindOf(smfn)}, nil)
			d.UnhookMappings(g, smfn, false)

			if d.freePages >= pages {
				d.FlushDirty()
				return true
			}
		}
	}

	d.log.WithFields(logrus.Fields{
		"pages": pages,
		"total": d.totalPages,
		"free":  d.freePages,
		"p2m":   d.p2mPages,
	}).Error("cannot preallocate shadow pages")

	d.FlushDirty()

	return false
}

// Alloc takes the pages of one shadow from the pool. The pages are flushed
// from every TLB that may still cache them and cleared. Alloc never fails
// after a successful Prealloc; calling it without one is a bug.
func (d *Domain) Alloc(g *Guard, kind Kind, back uint64) MFN {
	g.mustHold(d)

	pages := kind.Pages()
	if pages == 0 {
		log.Panicf("cannot allocate shadow of kind %s", kind)
	}

	if d.freePages < pages {
		log.Panicf("domain %d cannot allocate %d shadow pages", d.id, pages)
	}

	d.freePages -= pages

	mfns := make([]MFN, pages)
	for i := range mfns {
		mfn := d.freeList[0]
		d.freeList = d.freeList[1:]

		mask := d.dirtyMask()
		if !mask.Empty() {
			mask = d.flusher.Filter(mask, d.stamps[mfn])
			if !mask.Empty() {
				d.flusher.Flush(mask)
			}
		}

		d.memory.ClearFrame(mfn)
		mfns[i] = mfn
	}

	h := d.newHandle()
	rec := &d.arena[h]
	rec.kind = kind
	rec.mfns = mfns
	rec.back = back
	rec.pinned = false
	rec.count = 0
	rec.up = NoEntry
	rec.next = noHandle
	rec.live = true

	d.byMFN[mfns[0]] = h
	d.inUsePages += pages

	d.fire(HookPosAlloc, Event{GMFN: d.backMFN(rec), SMFN: mfns[0], Kind: kind}, nil)

	return mfns[0]
}

// Free returns the pages of a shadow to the pool. For a dying domain they go
// straight back to the allocator.
func (d *Domain) Free(g *Guard, smfn MFN) {
	g.mustHold(d)

	h := d.mustHandle(smfn)
	rec := &d.arena[h]
	pages := len(rec.mfns)
	now := d.flusher.Now()

	d.fire(HookPosFree, Event{GMFN: d.backMFN(rec), SMFN: smfn, Kind: rec.kind}, nil)

	for _, mfn := range rec.mfns {
		for _, v := range d.vcpus {
			if v.lastWritableSMFN == mfn {
				v.lastWritableSMFN = InvalidMFN
			}
		}

		if d.Dying() {
			delete(d.stamps, mfn)
			d.allocator.FreePage(mfn)

			continue
		}

		d.stamps[mfn] = now
		d.freeList = append(d.freeList, mfn)
	}

	delete(d.byMFN, smfn)
	d.releaseHandle(h)
	d.inUsePages -= pages

	if d.Dying() {
		d.totalPages -= pages
	} else {
		d.freePages += pages
	}
}

// AllocP2MPage diverts one pool page to the p2m. The lock may or may not be
// held by the caller.
func (d *Domain) AllocP2MPage(g *Guard) (MFN, bool) {
	g = d.LockRecursive(g)
	defer g.Unlock()

	if d.Dying() {
		return InvalidMFN, false
	}

	if d.totalPages < d.minAcceptablePages()+1 {
		if !d.p2mAllocFailed {
			d.p2mAllocFailed = true
			d.log.WithFields(logrus.Fields{
				"total": d.totalPages,
				"p2m":   d.p2mPages,
				"min":   d.minAcceptablePages(),
			}).Error("failed to allocate p2m page from shadow pool")
		}

		return InvalidMFN, false
	}

	if !d.Prealloc(g, KindP2M, 1) {
		return InvalidMFN, false
	}

	mfn := d.Alloc(g, KindP2M, 0)
	d.p2mPages++
	d.totalPages--
	d.inUsePages--

	return mfn, true
}

// FreeP2MPage gives a p2m page back to the pool.
func (d *Domain) FreeP2MPage(g *Guard, mfn MFN) {
	g = d.LockRecursive(g)
	defer g.Unlock()

	h := d.mustHandle(mfn)
	if d.arena[h].kind != KindP2M {
		log.Panicf("page %#x is a %s, not a p2m page", uint64(mfn), d.arena[h].kind)
	}

	d.p2mPages--
	d.totalPages++
	d.inUsePages++
	d.Free(g, mfn)
}

// SetAllocation grows or shrinks the pool to the given number of pages. A
// non-zero target is raised to the minimum the domain needs. Only this
// operation talks to the allocator.
//
// If preemptible is set, a preemption point is checked after every page and
// ErrPreempted is returned when it fires; call again to continue.
func (d *Domain) SetAllocation(g *Guard, pages int, preemptible bool) error {
	g.mustHold(d)

	if pages > 0 {
		pages = max(pages, d.minAllocation())
		pages -= d.p2mPages
	}

	d.log.WithFields(logrus.Fields{
		"total":  d.totalPages,
		"target": pages,
	}).Debug("set shadow allocation")

	for {
		switch {
		case d.totalPages < pages:
			mfn, ok := d.allocator.AllocPage(d.id)
			if !ok {
				d.log.Warn("failed to allocate shadow pages")
				return ErrNoMemory
			}

			d.freePages++
			d.totalPages++
			d.stamps[mfn] = 0
			d.freeList = append(d.freeList, mfn)
		case d.totalPages > pages:
			if !d.prealloc(g, 1) {
				return ErrNoMemory
			}

			mfn := d.freeList[0]
			d.freeList = d.freeList[1:]
			delete(d.stamps, mfn)
			d.freePages--
			d.totalPages--
			d.allocator.FreePage(mfn)
		default:
			return nil
		}

		if preemptible && d.preempter.ShouldYield() {
			return ErrPreempted
		}
	}
}

// Allocation returns the pool size in megabytes, rounded up.
func (d *Domain) Allocation() int {
	pages := d.totalPages + d.p2mPages
	return (pages + pagesPerMB - 1) / pagesPerMB
}

type pinnedRef struct {
	handle Handle
	gen    uint32
}

func (d *Domain) pinnedSnapshot() []pinnedRef {
	refs := make([]pinnedRef, 0, len(d.pinned))
	for _, h := range d.pinned {
		refs = append(refs, pinnedRef{handle: h, gen: d.arena[h].gen})
	}

	return refs
}

func (d *Domain) newHandle() Handle {
	if n := len(d.freeHandles); n > 0 {
		h := d.freeHandles[n-1]
		d.freeHandles = d.freeHandles[:n-1]

		return h
	}

	d.arena = append(d.arena, shadowPage{})

	return Handle(len(d.arena) - 1)
}

func (d *Domain) releaseHandle(h Handle) {
	rec := &d.arena[h]
	gen := rec.gen + 1
	*rec = shadowPage{gen: gen, up: NoEntry}
	d.freeHandles = append(d.freeHandles, h)
}

func (d *Domain) mustHandle(smfn MFN) Handle {
	h, ok := d.byMFN[smfn]
	if !ok {
		log.Panicf("domain %d: %#x is not a shadow page", d.id, uint64(smfn))
	}

	return h
}

func (d *Domain) kindOf(smfn MFN) Kind {
	h, ok := d.byMFN[smfn]
	if !ok {
		return KindNone
	}

	return d.arena[h].kind
}

func (d *Domain) backMFN(rec *shadowPage) MFN {
	if !rec.kind.IsShadow() || rec.kind.IsFloating() {
		return InvalidMFN
	}

	return MFN(rec.back)
}
