package shadow

import (
	"fmt"
	"log"
)

// SetToplevelShadow installs the shadow of gmfn with the root kind in a slot
// of the vCPU. A missing shadow is created with makeShadow, or MakeShadow if
// that is nil. The installed shadow is pinned. What the slot held before
// is released. An invalid gmfn empties the slot.
func (d *Domain) SetToplevelShadow(
	g *Guard,
	v *VCPU,
	slot int,
	gmfn MFN,
	rootKind Kind,
	makeShadow MakeShadowFunc,
) MFN {
	g.mustHold(d)

	if !rootKind.IsPinnable() {
		log.Panicf("cannot install a %s shadow as a top level", rootKind)
	}

	if makeShadow == nil {
		makeShadow = d.MakeShadow
	}

	installed := InvalidMFN

	if gmfn.Valid() {
		smfn := d.Lookup(g, uint64(gmfn), rootKind)
		if !smfn.Valid() && d.Prealloc(g, rootKind, 1) {
			smfn = makeShadow(g, v, gmfn, rootKind)
		}

		switch {
		case !smfn.Valid():
		case d.GetRef(g, smfn, NoEntry):
			d.Pin(g, smfn)
			installed = smfn
		default:
			d.log.WithFields(d.fields(gmfn, smfn, rootKind)).
				Error("cannot install top-level shadow")
			d.Crash(fmt.Sprintf("cannot install %#x as top-level shadow", uint64(smfn)))
		}
	}

	old := v.shadowTable[slot]
	v.shadowTable[slot] = installed

	if old.Valid() {
		h := d.mustHandle(old)
		if !d.arena[h].pinned && !d.Pin(g, old) {
			d.log.WithFields(d.fields(InvalidMFN, old, d.arena[h].kind)).
				Error("cannot re-pin old top-level shadow")
			d.Crash(fmt.Sprintf("cannot re-pin %#x", uint64(old)))
		}

		d.PutRef(g, old, NoEntry)
	}

	return installed
}

// DetachOldTables releases every top-level shadow the vCPU has installed.
func (d *Domain) DetachOldTables(g *Guard, v *VCPU) {
	g.mustHold(d)

	for i := range v.shadowTable {
		smfn := v.shadowTable[i]
		v.shadowTable[i] = InvalidMFN

		if smfn.Valid() {
			d.PutRef(g, smfn, NoEntry)
		}
	}
}

// UnhookMappings blanks the guest mappings of a top-level shadow, which
// releases the lower levels it references.
func (d *Domain) UnhookMappings(g *Guard, smfn MFN, userOnly bool) {
	g.mustHold(d)

	kind := d.kindOf(smfn)
	if !kind.IsPinnable() {
		log.Panicf("cannot unhook %#x of kind %s", uint64(smfn), kind)
	}

	d.dispatch[kind].UnhookMappings(g, smfn, userOnly)
}

// BlowTables frees every shadow it can: all pins are dropped, the installed
// top levels are unhooked and the TLBs are flushed.
func (d *Domain) BlowTables(g *Guard) {
	g.mustHold(d)

	d.fire(HookPosBlowTables, Event{GMFN: InvalidMFN, SMFN: InvalidMFN}, nil)

	for _, ref := range d.pinnedSnapshot() {
		rec := d.arena[ref.handle]
		if !rec.live || rec.gen != ref.gen || !rec.pinned {
			continue
		}

		d.Unpin(g, rec.mfns[0])
	}

	for _, v := range d.vcpus {
		for _, smfn := range v.shadowTable {
			if smfn.Valid() {
				d.UnhookMappings(g, smfn, false)
			}
		}
	}

	d.FlushDirty()
}

// BlowTablesPerDomain takes the lock and blows the tables of a domain that
// uses shadow paging.
func (d *Domain) BlowTablesPerDomain() {
	g := d.Lock()
	defer g.Unlock()

	if !d.mode.Enabled() || len(d.vcpus) == 0 {
		return
	}

	d.BlowTables(g)
}
