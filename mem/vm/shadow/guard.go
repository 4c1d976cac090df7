package shadow

import "log"

// A Guard proves that the holder owns the lock of a domain. Every operation
// that mutates shadow state takes the guard of the domain it works on.
//
// The lock is recursive for its owner: code that may be reached both with
// and without the lock held calls LockRecursive with the guard it has, or
// nil, and always releases what it got.
type Guard struct {
	d     *Domain
	depth int
}

// Lock acquires the domain lock.
func (d *Domain) Lock() *Guard {
	d.mu.Lock()

	g := &Guard{d: d, depth: 1}
	d.owner = g

	return g
}

// LockRecursive re-enters the lock if g already holds it, and acquires it
// otherwise.
func (d *Domain) LockRecursive(g *Guard) *Guard {
	if g == nil {
		return d.Lock()
	}

	g.mustHold(d)
	g.depth++

	return g
}

// Unlock releases one level of the lock.
func (g *Guard) Unlock() {
	if g.depth <= 0 {
		log.Panic("unlocking a released guard")
	}

	g.depth--
	if g.depth > 0 {
		return
	}

	d := g.d
	d.owner = nil
	d.mu.Unlock()
}

// Domain returns the domain the guard locks.
func (g *Guard) Domain() *Domain {
	return g.d
}

func (g *Guard) mustHold(d *Domain) {
	if g == nil || g.d != d || g.depth <= 0 || d.owner != g {
		log.Panicf("domain %d lock is not held by the caller", d.id)
	}
}
