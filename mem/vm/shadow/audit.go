package shadow

import "log"

// AuditHash checks every bucket of the hash. A broken invariant panics.
func (d *Domain) AuditHash() {
	g := d.Lock()
	defer g.Unlock()

	d.auditHash()
}

// AuditOOS checks the out-of-sync tables of every vCPU. A broken invariant
// panics.
func (d *Domain) AuditOOS() {
	g := d.Lock()
	defer g.Unlock()

	d.auditOOS()
}

func (d *Domain) auditHash() {
	if d.hash == nil {
		return
	}

	for bucket := 0; bucket < hashBuckets; bucket++ {
		d.auditBucket(bucket)
	}
}

func (d *Domain) auditBucket(bucket int) {
	for h := d.hash[bucket]; h != noHandle; h = d.arena[h].next {
		rec := &d.arena[h]

		if !rec.live {
			log.Panicf("domain %d: freed shadow in bucket %d", d.id, bucket)
		}

		if !rec.kind.IsShadow() {
			log.Panicf("domain %d: bogus kind %s in bucket %d", d.id, rec.kind, bucket)
		}

		if d.byMFN[rec.mfns[0]] != h {
			log.Panicf("domain %d: bucket %d holds a tail page", d.id, bucket)
		}

		if hashKey(rec.back, rec.kind) != bucket {
			log.Panicf("domain %d: shadow %#x in wrong bucket %d",
				d.id, uint64(rec.mfns[0]), bucket)
		}

		for x := rec.next; x != noHandle; x = d.arena[x].next {
			if d.arena[x].back == rec.back && d.arena[x].kind == rec.kind {
				log.Panicf("domain %d: duplicate shadow of (%#x, %s)",
					d.id, rec.back, rec.kind)
			}
		}

		if rec.kind.IsFloating() {
			continue
		}

		gmfn := MFN(rec.back)
		if !d.ShadowFlags(gmfn).Has(rec.kind) {
			log.Panicf("domain %d: gmfn %#x lacks flag %s of shadow %#x",
				d.id, rec.back, rec.kind, uint64(rec.mfns[0]))
		}

		t, n := d.frames.TypeInfo(gmfn)
		writable := t == PageTypeWritable && n != 0

		if rec.kind.IsLeaf() {
			if writable && !d.IsOutOfSync(gmfn) {
				log.Panicf("domain %d: in-sync l1 gmfn %#x is writable",
					d.id, rec.back)
			}
		} else if writable {
			log.Panicf("domain %d: gmfn %#x shadowed as %s is writable",
				d.id, rec.back, rec.kind)
		}

		if d.IsOutOfSync(gmfn) && !rec.kind.IsLeaf() {
			log.Panicf("domain %d: out-of-sync gmfn %#x shadowed as %s",
				d.id, rec.back, rec.kind)
		}
	}
}

func (d *Domain) auditOOS() {
	for _, v := range d.vcpus {
		for idx := 0; idx < oosPages; idx++ {
			gmfn := v.oos[idx]
			if !gmfn.Valid() {
				continue
			}

			want := oosIndex(gmfn)
			if idx != want && idx != (want+1)%oosPages {
				log.Panicf("domain %d vcpu %d: slot %d holds gmfn %#x, expected at %d or %d",
					d.id, v.id, idx, uint64(gmfn), want, (want+1)%oosPages)
			}

			if !d.IsShadowed(gmfn) {
				log.Panicf("domain %d vcpu %d: gmfn %#x in slot %d is not shadowed",
					d.id, v.id, uint64(gmfn), idx)
			}

			if !d.IsOutOfSync(gmfn) {
				log.Panicf("domain %d vcpu %d: gmfn %#x in slot %d is not out of sync",
					d.id, v.id, uint64(gmfn), idx)
			}

			if d.ShadowFlags(gmfn)&MaskPageTypes&^MaskL1Any != 0 {
				log.Panicf("domain %d vcpu %d: gmfn %#x in slot %d is shadowed above l1",
					d.id, v.id, uint64(gmfn), idx)
			}
		}
	}
}
