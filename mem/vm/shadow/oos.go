package shadow

import "log"

// A guest l1 may be left out of sync with its shadow while the guest writes
// to it directly. The rules that keep this safe:
//
//  1. Only l1s go out of sync. A page shadowed at any other level is always
//     validated synchronously.
//  2. Every shadow operation that starts from a guest page resyncs the page
//     first, under the domain lock.
//  3. Operations that start from a shadow must expect it to be stale.
//
// Out-of-sync pages are kept per vCPU, so that the resync usually runs on
// the vCPU that let the page go, in a small open-addressed table with one
// alternate slot.

const (
	oosPages  = 3
	oosFixups = 3
)

// fixupSet remembers the writable shadow l1 entries that map an out-of-sync
// page, as a ring. When it is full the oldest entry is write-protected
// before it is forgotten.
type fixupSet struct {
	smfn [oosFixups]MFN
	off  [oosFixups]uint32
	next int
}

func newFixupSet() fixupSet {
	f := fixupSet{}
	for i := range f.smfn {
		f.smfn[i] = InvalidMFN
	}

	return f
}

func (f *fixupSet) entries() []EntryRef {
	var refs []EntryRef

	for i := range f.smfn {
		if f.smfn[i].Valid() {
			refs = append(refs, EntryRef{SMFN: f.smfn[i], Offset: f.off[i]})
		}
	}

	return refs
}

func oosIndex(gmfn MFN) int {
	return int(uint64(gmfn) % oosPages)
}

func oosSlot(v *VCPU, gmfn MFN) int {
	idx := oosIndex(gmfn)
	if v.oos[idx] != gmfn {
		idx = (idx + 1) % oosPages
	}

	if v.oos[idx] != gmfn {
		return -1
	}

	return idx
}

func (d *Domain) findOOS(gmfn MFN) (*VCPU, int) {
	for _, v := range d.vcpus {
		if idx := oosSlot(v, gmfn); idx >= 0 {
			return v, idx
		}
	}

	return nil, -1
}

func (d *Domain) mustFindOOS(gmfn MFN) (*VCPU, int) {
	v, idx := d.findOOS(gmfn)
	if v == nil {
		log.Panicf("domain %d: gmfn %#x was out of sync but not in any table",
			d.id, uint64(gmfn))
	}

	return v, idx
}

func (d *Domain) l1CodecOf(gmfn MFN) (ModeCodec, Kind) {
	flags := d.ShadowFlags(gmfn)
	for _, k := range MaskL1Any.Kinds() {
		if flags.Has(k) {
			return d.dispatch[k], k
		}
	}

	log.Panicf("domain %d: gmfn %#x is out of sync but not shadowed as an l1",
		d.id, uint64(gmfn))

	return nil, KindNone
}

// resyncL1 updates the shadow of an out-of-sync page and leaves it out of
// sync.
func (d *Domain) resyncL1(g *Guard, v *VCPU, gmfn, snapshot MFN) {
	if !d.IsOutOfSync(gmfn) {
		log.Panicf("domain %d: resync of in-sync gmfn %#x", d.id, uint64(gmfn))
	}

	codec, _ := d.l1CodecOf(gmfn)
	codec.ResyncL1(g, v, gmfn, snapshot)
}

func (d *Domain) removeWriteAccessFromSL1P(
	g *Guard,
	gmfn, smfn MFN,
	off uint32,
) bool {
	kind := d.kindOf(smfn)
	if !(MaskL1Any | MaskFL1Any).Has(kind) {
		return false
	}

	return d.dispatch[kind].RemoveWriteAccessFromSL1P(g, gmfn, smfn, off)
}

// flushFixups write-protects every entry of the set. The TLBs must always be
// flushed afterwards, since evicted fixups were not flushed when they went.
func (d *Domain) flushFixups(g *Guard, gmfn MFN, f *fixupSet) {
	for i := range f.smfn {
		if !f.smfn[i].Valid() {
			continue
		}

		d.removeWriteAccessFromSL1P(g, gmfn, f.smfn[i], f.off[i])
		f.smfn[i] = InvalidMFN
	}
}

// AddFixup records that the shadow l1 entry at (smfn, off) maps the
// out-of-sync page gmfn writable.
func (d *Domain) AddFixup(g *Guard, gmfn, smfn MFN, off uint32) {
	g.mustHold(d)

	v, idx := d.mustFindOOS(gmfn)
	f := &v.oosFixup[idx]

	for i := range f.smfn {
		if f.smfn[i] == smfn && f.off[i] == off {
			return
		}
	}

	next := f.next
	if f.smfn[next].Valid() {
		d.fire(HookPosFixupEvict,
			Event{GMFN: gmfn, SMFN: f.smfn[next], Kind: d.kindOf(f.smfn[next])},
			f.off[next])
		d.removeWriteAccessFromSL1P(g, gmfn, f.smfn[next], f.off[next])
	}

	f.smfn[next] = smfn
	f.off[next] = off
	f.next = (next + 1) % oosFixups
}

// oosRemoveWriteAccess takes away every writable mapping of an out-of-sync
// page. It returns true if the page had to be unshadowed instead.
func (d *Domain) oosRemoveWriteAccess(g *Guard, v *VCPU, gmfn MFN, f *fixupSet) bool {
	d.flushFixups(g, gmfn, f)

	if _, err := d.RemoveWriteAccess(g, v, gmfn, 0, 0); err != nil {
		// A writable mapping we cannot reach, such as a grant, has
		// appeared. Unshadow the page; that also flushes.
		d.RemoveAllShadows(g, gmfn)
		return true
	}

	d.FlushDirty()

	return false
}

// resync brings one page back in sync: its writable mappings are removed,
// and its shadow is updated from the guest contents.
func (d *Domain) resync(g *Guard, v *VCPU, gmfn MFN, f *fixupSet, snapshot MFN) {
	flags := d.ShadowFlags(gmfn)
	if !d.IsOutOfSync(gmfn) || flags&MaskPageTypes&^MaskL1Any != 0 ||
		flags.Count() > 1 {
		log.Panicf("domain %d: cannot resync gmfn %#x with flags %#x",
			d.id, uint64(gmfn), uint32(flags))
	}

	if d.oosRemoveWriteAccess(g, v, gmfn, f) {
		return
	}

	p := d.guests[gmfn]
	p.mayWrite = false

	d.resyncL1(g, v, gmfn, snapshot)

	p.outOfSync = false

	_, kind := d.l1CodecOf(gmfn)
	d.fire(HookPosResync, Event{GMFN: gmfn, SMFN: InvalidMFN, Kind: kind}, v.id)
}

// oosHashAdd registers gmfn in the vCPU's table. An occupant of the home
// slot that is itself in its home slot moves to the alternate slot, and
// whatever was in that slot is resynced.
func (d *Domain) oosHashAdd(g *Guard, v *VCPU, gmfn MFN) {
	fixup := newFixupSet()
	idx := oosIndex(gmfn)
	oidx := idx
	swapped := false

	if v.oos[idx].Valid() && oosIndex(v.oos[idx]) == idx {
		v.oos[idx], gmfn = gmfn, v.oos[idx]
		v.oosFixup[idx], fixup = fixup, v.oosFixup[idx]
		swapped = true
		idx = (idx + 1) % oosPages
	}

	if v.oos[idx].Valid() {
		d.resync(g, v, v.oos[idx], &v.oosFixup[idx], v.oosSnapshot[idx])
	}

	v.oos[idx] = gmfn
	v.oosFixup[idx] = fixup

	if swapped {
		v.oosSnapshot[idx], v.oosSnapshot[oidx] = v.oosSnapshot[oidx], v.oosSnapshot[idx]
	}

	d.memory.CopyFrame(v.oosSnapshot[oidx], v.oos[oidx])
}

func (d *Domain) oosHashRemove(gmfn MFN) {
	v, idx := d.mustFindOOS(gmfn)
	v.oos[idx] = InvalidMFN
	v.oosFixup[idx] = newFixupSet()
}

// SnapshotOf returns the snapshot taken when gmfn went out of sync.
func (d *Domain) SnapshotOf(g *Guard, gmfn MFN) MFN {
	g.mustHold(d)

	v, idx := d.mustFindOOS(gmfn)

	return v.oosSnapshot[idx]
}

// Resync brings one out-of-sync page back in sync.
func (d *Domain) Resync(g *Guard, gmfn MFN) {
	g.mustHold(d)

	v, idx := d.mustFindOOS(gmfn)
	d.resync(g, v, gmfn, &v.oosFixup[idx], v.oosSnapshot[idx])
	v.oos[idx] = InvalidMFN
}

// ResyncAll brings out-of-sync pages back in sync. With this set, the
// vCPU's own pages are resynced and write-protected. With others set, the
// pages of the other vCPUs are resynced too, unless skip is set, in which
// case their shadows are only updated in place, or left alone when the mode
// says it is safe, and the pages stay out of sync.
func (d *Domain) ResyncAll(g *Guard, v *VCPU, skip, this, others bool) {
	g.mustHold(d)

	if this {
		for idx := 0; idx < oosPages; idx++ {
			if !v.oos[idx].Valid() {
				continue
			}

			d.resync(g, v, v.oos[idx], &v.oosFixup[idx], v.oosSnapshot[idx])
			v.oos[idx] = InvalidMFN
		}
	}

	if !others {
		return
	}

	for _, other := range d.vcpus {
		if other == v {
			continue
		}

		for idx := 0; idx < oosPages; idx++ {
			gmfn := other.oos[idx]
			if !gmfn.Valid() {
				continue
			}

			if !skip {
				d.resync(g, other, gmfn, &other.oosFixup[idx], other.oosSnapshot[idx])
				other.oos[idx] = InvalidMFN

				continue
			}

			codec, kind := d.l1CodecOf(gmfn)
			if codec.SafeNotToSync(g, v, gmfn) {
				continue
			}

			d.fire(HookPosResyncOnly, Event{GMFN: gmfn, SMFN: InvalidMFN, Kind: kind}, other.id)
			d.resyncL1(g, other, gmfn, other.oosSnapshot[idx])
		}
	}
}

// ResyncAllPages resyncs the pages of every vCPU.
func (d *Domain) ResyncAllPages(g *Guard, v *VCPU) {
	d.ResyncAll(g, v, false, true, true)
}

// ResyncCurrent resyncs the pages of the given vCPU only.
func (d *Domain) ResyncCurrent(g *Guard, v *VCPU) {
	d.ResyncAll(g, v, false, true, false)
}

// SyncOtherVCPUs makes the pages of the other vCPUs safe for v to walk.
func (d *Domain) SyncOtherVCPUs(g *Guard, v *VCPU) {
	d.ResyncAll(g, v, true, false, true)
}

// Unsync lets the guest l1 gmfn go out of sync with its shadow. It returns
// false if the page is not eligible: it must be shadowed once, as an l1, not
// already be out of sync, and the domain must allow out-of-sync pages.
func (d *Domain) Unsync(g *Guard, v *VCPU, gmfn MFN) bool {
	g.mustHold(d)

	p, ok := d.guests[gmfn]
	if !ok {
		return false
	}

	if p.flags&MaskPageTypes&^MaskL1Any != 0 || p.outOfSync ||
		p.flags.Count() > 1 || !d.hvm || !d.oosActive ||
		!v.oosSnapshot[0].Valid() {
		return false
	}

	p.outOfSync = true
	p.mayWrite = true
	d.oosHashAdd(g, v, gmfn)

	if auditEnabled {
		d.auditOOS()
	}

	_, kind := d.l1CodecOf(gmfn)
	d.fire(HookPosUnsync, Event{GMFN: gmfn, SMFN: InvalidMFN, Kind: kind}, v.id)

	return true
}
