package shadow

import "log"

// hashBuckets is prime. Other useful primes are 509, 1021, 2039 and 4093.
const hashBuckets = 251

// hashKey mixes the frame number and the kind. Only the 40 bits of a frame
// number that a 52-bit physical address can have are used.
func hashKey(n uint64, k Kind) int {
	key := uint32(k)

	for i := 0; i < 5; i++ {
		key = uint32(uint8(n)) + (key << 6) + (key << 16) - key
		n >>= 8
	}

	return int(key % hashBuckets)
}

type hashVisit struct {
	handle Handle
	gen    uint32
}

func (d *Domain) hashAlloc() {
	if d.hash != nil {
		log.Panicf("domain %d already has a shadow hash table", d.id)
	}

	d.hash = new([hashBuckets]Handle)
}

func (d *Domain) hashTeardown() {
	d.hash = nil
}

func (d *Domain) mustHaveHash() {
	if d.hash == nil {
		log.Panicf("domain %d has no shadow hash table", d.id)
	}
}

// Lookup finds the shadow of kind k for frame n, which is a guest MFN or, for
// floating l1s, a GFN. A hit is moved to the front of its bucket unless a
// Foreach is running.
func (d *Domain) Lookup(g *Guard, n uint64, k Kind) MFN {
	g.mustHold(d)
	d.mustHaveHash()

	if k == KindNone {
		log.Panic("hash lookup of kind none")
	}

	key := hashKey(n, k)
	prev := noHandle

	if auditEnabled {
		d.auditBucket(key)
	}

	for h := d.hash[key]; h != noHandle; h = d.arena[h].next {
		rec := &d.arena[h]
		if rec.back != n || rec.kind != k {
			prev = h
			continue
		}

		if h != d.hash[key] && d.walking == 0 {
			d.arena[prev].next = rec.next
			rec.next = d.hash[key]
			d.hash[key] = h
		}

		return rec.mfns[0]
	}

	return InvalidMFN
}

// Insert adds the shadow smfn under (n, k). The key must not be present.
func (d *Domain) Insert(g *Guard, n uint64, k Kind, smfn MFN) {
	g.mustHold(d)
	d.mustHaveHash()

	if !k.IsShadow() {
		log.Panicf("cannot hash a shadow of kind %s", k)
	}

	h := d.mustHandle(smfn)
	rec := &d.arena[h]

	if rec.kind != k || rec.back != n {
		log.Panicf("shadow %#x is (%#x, %s), not (%#x, %s)",
			uint64(smfn), rec.back, rec.kind, n, k)
	}

	key := hashKey(n, k)
	for x := d.hash[key]; x != noHandle; x = d.arena[x].next {
		if x == h || (d.arena[x].back == n && d.arena[x].kind == k) {
			log.Panicf("duplicate shadow hash entry for (%#x, %s)", n, k)
		}
	}

	rec.next = d.hash[key]
	d.hash[key] = h
}

// Delete removes the shadow smfn from under (n, k). It returns false if the
// shadow is not in the bucket it should be in.
func (d *Domain) Delete(g *Guard, n uint64, k Kind, smfn MFN) bool {
	g.mustHold(d)
	d.mustHaveHash()

	if !k.IsShadow() {
		log.Panicf("cannot unhash a shadow of kind %s", k)
	}

	h := d.mustHandle(smfn)
	key := hashKey(n, k)

	if d.hash[key] == h {
		d.hash[key] = d.arena[h].next
		d.arena[h].next = noHandle

		return true
	}

	for x := d.hash[key]; x != noHandle; x = d.arena[x].next {
		if d.arena[x].next == h {
			d.arena[x].next = d.arena[h].next
			d.arena[h].next = noHandle

			return true
		}
	}

	return false
}

// Foreach calls the callback of each shadow whose kind is in mask, until a
// callback returns true.
//
// The members of a bucket are collected before any of its callbacks runs,
// and a member freed by an earlier callback is skipped. Callbacks may
// therefore create and destroy shadows; shadows created in a bucket already
// collected are not visited.
func (d *Domain) Foreach(g *Guard, mask KindMask, cbs *HashCallbacks, arg MFN) {
	g.mustHold(d)

	if d.hash == nil {
		return
	}

	for _, k := range mask.Kinds() {
		if cbs[k] == nil {
			log.Panicf("no hash callback for kind %s", k)
		}
	}

	d.walking++
	defer func() { d.walking-- }()

	var visits []hashVisit

	for bucket := 0; bucket < hashBuckets; bucket++ {
		visits = visits[:0]

		for h := d.hash[bucket]; h != noHandle; h = d.arena[h].next {
			if mask.Has(d.arena[h].kind) {
				visits = append(visits, hashVisit{handle: h, gen: d.arena[h].gen})
			}
		}

		for _, vis := range visits {
			rec := d.arena[vis.handle]
			if !rec.live || rec.gen != vis.gen {
				continue
			}

			if cbs[rec.kind](g, rec.mfns[0], arg) {
				return
			}

			if d.hash == nil {
				return
			}
		}
	}
}

// Walking returns true while a Foreach is running.
func (d *Domain) Walking() bool {
	return d.walking > 0
}
