package shadow

import (
	"fmt"
	"log"
)

// maxRefCount is the largest use count a shadow can hold.
const maxRefCount = 1<<26 - 1

// Promote marks gmfn as shadowed with the given kind. The page must not have
// the kind set already. A page that still has writable references cannot be
// safely shadowed; the domain is crashed.
func (d *Domain) Promote(g *Guard, gmfn MFN, kind Kind) {
	g.mustHold(d)

	if !kind.IsShadow() || kind.IsFloating() {
		log.Panicf("cannot promote to kind %s", kind)
	}

	if d.IsOutOfSync(gmfn) {
		d.Resync(g, gmfn)
	}

	p, ok := d.guests[gmfn]
	if !ok {
		p = &guestPage{}
		d.guests[gmfn] = p
	}

	if p.flags.Has(kind) {
		log.Panicf("domain %d: gmfn %#x is already shadowed as %s",
			d.id, uint64(gmfn), kind)
	}

	if t, n := d.frames.TypeInfo(gmfn); t == PageTypeWritable && n > 0 {
		d.log.WithFields(d.fields(gmfn, InvalidMFN, kind)).
			WithField("writable", n).
			Error("promoting a page with writable mappings")
		d.Crash(fmt.Sprintf("gmfn %#x shadowed while writable", uint64(gmfn)))
	}

	p.flags |= kind.Mask()

	d.fire(HookPosPromote, Event{GMFN: gmfn, SMFN: InvalidMFN, Kind: kind}, nil)
}

// Demote clears the kind from the shadow flags of gmfn. When the last kind
// goes the page stops being shadowed and leaves the out-of-sync table.
func (d *Domain) Demote(g *Guard, gmfn MFN, kind Kind) {
	g.mustHold(d)

	p, ok := d.guests[gmfn]
	if !ok || !p.flags.Has(kind) {
		log.Panicf("domain %d: gmfn %#x is not shadowed as %s",
			d.id, uint64(gmfn), kind)
	}

	p.flags &^= kind.Mask()

	if p.flags&MaskPageTypes == 0 {
		if p.outOfSync {
			d.oosHashRemove(gmfn)
			p.outOfSync = false
			p.mayWrite = false
		}

		delete(d.guests, gmfn)
	}

	d.fire(HookPosDemote, Event{GMFN: gmfn, SMFN: InvalidMFN, Kind: kind}, nil)
}

// ValidateGuestEntry propagates a guest write of entry at offset of gmfn into
// every shadow of the page, lower levels first. It returns the union of what
// the shadows reported.
func (d *Domain) ValidateGuestEntry(
	g *Guard,
	v *VCPU,
	gmfn MFN,
	offset uint32,
	entry []byte,
) SetFlags {
	g.mustHold(d)

	var result SetFlags

	for _, k := range validateOrder {
		if !d.ShadowFlags(gmfn).Has(k) {
			continue
		}

		result |= d.dispatch[k].MapAndValidate(g, v, k, gmfn, offset, entry)
	}

	return result
}

// ValidateGuestPTWrite handles a trapped guest write to a shadowed page. It
// flushes if a shadow entry lost permissions, and unshadows the page if the
// write makes no sense as a pagetable entry.
func (d *Domain) ValidateGuestPTWrite(
	g *Guard,
	v *VCPU,
	gmfn MFN,
	offset uint32,
	entry []byte,
) {
	rc := d.ValidateGuestEntry(g, v, gmfn, offset, entry)

	if rc&SetFlush != 0 {
		d.FlushDirty()
	}

	if rc&SetError != 0 {
		d.RemoveShadows(g, gmfn, false, false)
	}
}

// DestroyShadow removes the shadow from the hash, clears its kind from the
// guest page, has the codec release what the shadow references and returns
// its pages to the pool.
func (d *Domain) DestroyShadow(g *Guard, smfn MFN) {
	g.mustHold(d)

	h := d.mustHandle(smfn)
	rec := d.arena[h]

	if !rec.kind.IsShadow() {
		log.Panicf("cannot destroy %#x of kind %s", uint64(smfn), rec.kind)
	}

	if rec.pinned || rec.count != 0 {
		log.Panicf("destroying shadow %#x that is still referenced", uint64(smfn))
	}

	if !rec.kind.IsFloating() {
		if owner := d.frames.Owner(MFN(rec.back)); owner != d.id && owner != NoDomain {
			log.Panicf("domain %d: shadow %#x backs gmfn %#x of domain %d",
				d.id, uint64(smfn), rec.back, owner)
		}
	}

	if !d.Delete(g, rec.back, rec.kind, smfn) {
		log.Panicf("domain %d: shadow %#x is missing from the hash",
			d.id, uint64(smfn))
	}

	if !rec.kind.IsFloating() {
		d.Demote(g, MFN(rec.back), rec.kind)
	}

	d.dispatch[rec.kind].DestroyShadow(g, rec.kind, smfn)
	d.Free(g, smfn)
}

// GetRef takes a reference on a shadow on behalf of the entry from, which is
// NoEntry for installations and pins. The first entry that references a
// shadow with an up-pointer is remembered. It returns false, after crashing
// the domain, if the count would overflow.
func (d *Domain) GetRef(g *Guard, smfn MFN, from EntryRef) bool {
	g.mustHold(d)

	h := d.mustHandle(smfn)
	rec := &d.arena[h]

	if rec.count >= maxRefCount {
		d.log.WithFields(d.fields(d.backMFN(rec), smfn, rec.kind)).
			Error("shadow reference count overflow")
		d.Crash(fmt.Sprintf("shadow %#x reference overflow", uint64(smfn)))

		return false
	}

	rec.count++

	if from.Valid() && rec.kind.HasUpPointer() && !rec.up.Valid() {
		rec.up = from
	}

	return true
}

// PutRef drops a reference on a shadow. The shadow is destroyed when the
// last one goes.
func (d *Domain) PutRef(g *Guard, smfn MFN, from EntryRef) {
	g.mustHold(d)

	h := d.mustHandle(smfn)
	rec := &d.arena[h]

	if rec.count == 0 {
		log.Panicf("domain %d: shadow %#x reference underflow", d.id, uint64(smfn))
	}

	if from.Valid() && rec.kind.HasUpPointer() && rec.up == from {
		rec.up = NoEntry
	}

	rec.count--

	if rec.count == 0 {
		d.DestroyShadow(g, smfn)
	}
}

// Pin keeps a top-level shadow alive while no vCPU has it installed. Pinning
// a pinned shadow makes it the most recently pinned.
func (d *Domain) Pin(g *Guard, smfn MFN) bool {
	g.mustHold(d)

	h := d.mustHandle(smfn)
	if !d.arena[h].kind.IsPinnable() {
		log.Panicf("cannot pin shadow %#x of kind %s", uint64(smfn), d.arena[h].kind)
	}

	if d.arena[h].pinned {
		d.removePinned(h)
	} else {
		if !d.GetRef(g, smfn, NoEntry) {
			return false
		}

		d.arena[h].pinned = true
	}

	d.pinned = append(d.pinned, h)

	return true
}

// Unpin drops the pin of a shadow, which may destroy it.
func (d *Domain) Unpin(g *Guard, smfn MFN) {
	g.mustHold(d)

	h := d.mustHandle(smfn)
	if !d.arena[h].kind.IsPinnable() {
		log.Panicf("cannot unpin shadow %#x of kind %s", uint64(smfn), d.arena[h].kind)
	}

	if !d.arena[h].pinned {
		return
	}

	d.arena[h].pinned = false
	d.removePinned(h)
	d.PutRef(g, smfn, NoEntry)
}

func (d *Domain) removePinned(h Handle) {
	for i, x := range d.pinned {
		if x == h {
			d.pinned = append(d.pinned[:i], d.pinned[i+1:]...)
			return
		}
	}
}

// MakeShadow allocates the shadow of frame with the given kind, promotes the
// guest page and hashes the shadow. For floating kinds, frame is a GFN and
// nothing is promoted. The pool must have been preallocated.
func (d *Domain) MakeShadow(g *Guard, v *VCPU, frame MFN, kind Kind) MFN {
	g.mustHold(d)

	smfn := d.Alloc(g, kind, uint64(frame))

	if !kind.IsFloating() {
		d.Promote(g, frame, kind)
	}

	d.Insert(g, uint64(frame), kind, smfn)

	return smfn
}

// GetOrCreateShadow returns the shadow of gmfn with the given kind, creating
// it when there is none. Before a shadow is created, the writable mappings of
// gmfn are removed, using the faulting address to guess where they are.
// level is the guest level at which gmfn was found. InvalidMFN is returned
// if the domain crashed on the way.
func (d *Domain) GetOrCreateShadow(
	g *Guard,
	v *VCPU,
	gmfn MFN,
	kind Kind,
	level int,
	faultAddr uint64,
) MFN {
	g.mustHold(d)

	if smfn := d.Lookup(g, uint64(gmfn), kind); smfn.Valid() {
		return smfn
	}

	if !d.Prealloc(g, kind, 1) {
		return InvalidMFN
	}

	if !kind.IsFloating() {
		flush, err := d.RemoveWriteAccess(g, v, gmfn, level, faultAddr)
		if err != nil {
			d.Crash(fmt.Sprintf("cannot shadow gmfn %#x: %v", uint64(gmfn), err))
			return InvalidMFN
		}

		if flush {
			d.FlushDirty()
		}
	}

	if crashed, _ := d.Crashed(); crashed {
		return InvalidMFN
	}

	return d.MakeShadow(g, v, gmfn, kind)
}

// ShadowInfo describes one shadow page.
type ShadowInfo struct {
	SMFN   MFN
	Kind   Kind
	Back   uint64
	Pages  int
	Pinned bool
	Count  uint32
	Up     EntryRef
}

// ShadowInfo returns the description of the shadow whose first page is smfn.
func (d *Domain) ShadowInfo(smfn MFN) (ShadowInfo, bool) {
	h, ok := d.byMFN[smfn]
	if !ok {
		return ShadowInfo{}, false
	}

	rec := d.arena[h]

	return ShadowInfo{
		SMFN:   smfn,
		Kind:   rec.kind,
		Back:   rec.back,
		Pages:  len(rec.mfns),
		Pinned: rec.pinned,
		Count:  rec.count,
		Up:     rec.up,
	}, true
}

// Shadows lists every page allocated from the pool, in allocation slot
// order.
func (d *Domain) Shadows() []ShadowInfo {
	var infos []ShadowInfo

	for h := 1; h < len(d.arena); h++ {
		rec := d.arena[h]
		if !rec.live {
			continue
		}

		info, _ := d.ShadowInfo(rec.mfns[0])
		infos = append(infos, info)
	}

	return infos
}

// ShadowCounts returns the number of live pool pages of each kind.
func (d *Domain) ShadowCounts() map[Kind]int {
	counts := make(map[Kind]int)

	for h := 1; h < len(d.arena); h++ {
		if d.arena[h].live {
			counts[d.arena[h].kind]++
		}
	}

	return counts
}
