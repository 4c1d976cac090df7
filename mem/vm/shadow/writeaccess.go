package shadow

import "fmt"

func (d *Domain) writableRefs(gmfn MFN) uint32 {
	_, n := d.frames.TypeInfo(gmfn)
	return n
}

// RemoveWriteAccess removes every shadow l1 entry that maps gmfn writable, so
// that the page can be shadowed. level is the guest level at which gmfn was
// reached by the walk that faulted at faultAddr, or 0 if the caller is not on
// a fault path.
//
// The search runs from cheapest to dearest: guesses at the guest's linear
// map, then the shadow l1 where the last search succeeded, then every shadow
// l1 of the domain. A writable mapping that survives the search is not one
// a shadow holds. At level 0 that returns ErrWriteAccessNotRemoved; at other
// levels it crashes the domain.
//
// It returns true if any mapping was changed and the TLBs need a flush.
func (d *Domain) RemoveWriteAccess(
	g *Guard,
	v *VCPU,
	gmfn MFN,
	level int,
	faultAddr uint64,
) (bool, error) {
	g.mustHold(d)

	if d.mode&ModeRefcounts == 0 {
		return false, nil
	}

	if (d.IsShadowed(gmfn) && !d.OOSMayWrite(gmfn)) || d.writableRefs(gmfn) == 0 {
		return false, nil
	}

	if t, _ := d.frames.TypeInfo(gmfn); t != PageTypeWritable {
		d.log.WithFields(d.fields(gmfn, InvalidMFN, KindNone)).
			WithField("type", t).
			Error("cannot remove write access: frame has special-use mappings")
		d.Crash(fmt.Sprintf("gmfn %#x has special-use mappings", uint64(gmfn)))

		return false, nil
	}

	if v != nil && v.d == d {
		if d.guessWritableMappings(g, v, gmfn, level, faultAddr) {
			return true, nil
		}

		if d.tryLastWritable(g, v, gmfn) {
			return true, nil
		}
	}

	d.bruteForceWriteAccess(g, v, gmfn)

	if n := d.writableRefs(gmfn); n != 0 {
		if level == 0 {
			return false, ErrWriteAccessNotRemoved
		}

		d.log.WithFields(d.fields(gmfn, InvalidMFN, KindNone)).
			WithField("writable", n).
			Error("cannot remove write access: frame has special-use mappings")
		d.Crash(fmt.Sprintf("cannot remove write access to gmfn %#x", uint64(gmfn)))
	}

	return true, nil
}

// guessWritableMappings probes the addresses the heuristic table suggests.
// It returns true as soon as no writable reference is left.
func (d *Domain) guessWritableMappings(
	g *Guard,
	v *VCPU,
	gmfn MFN,
	level int,
	faultAddr uint64,
) bool {
	codec := v.Codec()
	if codec == nil {
		return false
	}

	levels := v.mode.Levels()
	gfn := d.frames.GFNOf(gmfn)

	for _, h := range d.heuristics.Heuristics {
		addr, ok := h.applies(levels, level, faultAddr, gfn)
		if !ok {
			continue
		}

		if !codec.GuessWritableMapping(g, v, addr, gmfn) {
			continue
		}

		if d.writableRefs(gmfn) == 0 {
			d.fire(HookPosWriteAccess,
				Event{GMFN: gmfn, SMFN: InvalidMFN, What: h.Name}, StageHeuristic)

			return true
		}
	}

	return false
}

func (d *Domain) tryLastWritable(g *Guard, v *VCPU, gmfn MFN) bool {
	smfn := v.lastWritableSMFN
	if !smfn.Valid() {
		return false
	}

	kind := d.kindOf(smfn)
	if !(MaskL1Any | MaskFL1Any).Has(kind) {
		return false
	}

	d.dispatch[kind].RemoveWriteAccessFromL1(g, smfn, gmfn)

	if d.writableRefs(gmfn) != 0 {
		return false
	}

	d.fire(HookPosWriteAccess,
		Event{GMFN: gmfn, SMFN: smfn, Kind: kind}, StageLastSMFN)

	return true
}

// bruteForceWriteAccess asks every shadow l1 to drop its writable mappings of
// gmfn. The shadow in which one is found is remembered for the next search.
func (d *Domain) bruteForceWriteAccess(g *Guard, v *VCPU, gmfn MFN) {
	mask := MaskL1Any | MaskFL1Any
	cbs := d.codecCallbacks(mask, func(c ModeCodec, g *Guard, smfn, target MFN) bool {
		before := d.writableRefs(target)
		stop := c.RemoveWriteAccessFromL1(g, smfn, target)
		after := d.writableRefs(target)

		if after < before && v != nil && v.d == d {
			v.lastWritableSMFN = smfn
		}

		if after == 0 {
			d.fire(HookPosWriteAccess,
				Event{GMFN: target, SMFN: smfn, Kind: d.kindOf(smfn)}, StageBruteForce)
			return true
		}

		return stop
	})

	d.Foreach(g, mask, cbs, gmfn)
}
