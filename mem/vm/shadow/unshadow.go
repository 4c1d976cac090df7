package shadow

import "fmt"

// codecCallbacks builds a Foreach table that calls fn with the codec of the
// visited shadow, for every kind in mask.
func (d *Domain) codecCallbacks(
	mask KindMask,
	fn func(c ModeCodec, g *Guard, smfn, arg MFN) bool,
) *HashCallbacks {
	cbs := new(HashCallbacks)

	for _, k := range mask.Kinds() {
		c := d.dispatch[k]
		cbs[k] = func(g *Guard, smfn, arg MFN) bool {
			return fn(c, g, smfn, arg)
		}
	}

	return cbs
}

// removeShadowViaPointer blanks the one parent entry recorded in the
// shadow's up-pointer. It returns true if that was the last reference, in
// which case the shadow is gone.
func (d *Domain) removeShadowViaPointer(g *Guard, smfn MFN) bool {
	h := d.mustHandle(smfn)
	rec := d.arena[h]

	if !rec.up.Valid() {
		return false
	}

	last := rec.count == 1

	parent := d.kindOf(rec.up.SMFN)
	d.dispatch[parent].ClearShadowEntry(g, rec.up)

	return last
}

// RemoveShadows takes away the shadows of gmfn, children before parents.
// Top-level shadows lose their pin, and others the parent entry their
// up-pointer names. Unless fast is set, the hash is then searched for every
// other parent that still references the shadow. With all set, a shadow
// that survives crashes the domain.
//
// The lock may or may not be held by the caller.
func (d *Domain) RemoveShadows(g *Guard, gmfn MFN, fast, all bool) {
	g = d.LockRecursive(g)
	defer g.Unlock()

	if !d.IsShadowed(gmfn) {
		return
	}

	for _, k := range unshadowOrder {
		if !d.ShadowFlags(gmfn).Has(k) {
			continue
		}

		smfn := d.Lookup(g, uint64(gmfn), k)
		if !smfn.Valid() {
			d.log.WithFields(d.fields(gmfn, InvalidMFN, k)).
				WithField("flags", uint32(d.ShadowFlags(gmfn))).
				Error("shadow flag set but no shadow found")
			d.Crash(fmt.Sprintf("gmfn %#x has no %s shadow", uint64(gmfn), k))

			continue
		}

		if k.IsPinnable() {
			d.Unpin(g, smfn)
		} else if k.HasUpPointer() {
			d.removeShadowViaPointer(g, smfn)
		}

		if !fast && d.ShadowFlags(gmfn).Has(k) {
			cbs := d.codecCallbacks(parentMasks[k],
				func(c ModeCodec, g *Guard, parent, child MFN) bool {
					return c.RemoveChildShadow(g, parent, child)
				})
			d.Foreach(g, parentMasks[k], cbs, smfn)
		}
	}

	if !fast && all && d.IsShadowed(gmfn) {
		d.log.WithFields(d.fields(gmfn, InvalidMFN, KindNone)).
			WithField("flags", uint32(d.ShadowFlags(gmfn))).
			Error("cannot find all shadows")
		d.Crash(fmt.Sprintf("cannot find all shadows of gmfn %#x", uint64(gmfn)))
	}

	d.FlushDirty()
}

// RemoveAllShadows unshadows gmfn completely.
func (d *Domain) RemoveAllShadows(g *Guard, gmfn MFN) {
	d.RemoveShadows(g, gmfn, false, true)
}

// RemoveAllMappings strips every shadow l1 entry that maps gmfn. It returns
// true; the caller must flush the TLBs.
//
// The lock may or may not be held by the caller.
func (d *Domain) RemoveAllMappings(g *Guard, gmfn MFN) bool {
	g = d.LockRecursive(g)
	defer g.Unlock()

	mask := MaskL1Any | MaskFL1Any
	cbs := d.codecCallbacks(mask, func(c ModeCodec, g *Guard, smfn, target MFN) bool {
		return c.RemoveMappingsFromL1(g, smfn, target)
	})
	d.Foreach(g, mask, cbs, gmfn)

	if n := d.frames.Mappings(gmfn); n != 0 {
		d.log.WithFields(d.fields(gmfn, InvalidMFN, KindNone)).
			WithField("refs", n).
			Warn("cannot find all mappings")
	}

	return true
}

// PreparePageTypeChange is called before the allocator retypes gmfn. A page
// cannot change type while shadowed, except that an out-of-sync page that
// may be written can become writable.
func (d *Domain) PreparePageTypeChange(g *Guard, gmfn MFN, newType PageType) {
	g = d.LockRecursive(g)
	defer g.Unlock()

	if !d.IsShadowed(gmfn) {
		return
	}

	if d.OOSMayWrite(gmfn) && newType == PageTypeWritable {
		return
	}

	d.RemoveAllShadows(g, gmfn)
}
