// Package machine provides an in-memory machine that the shadow subsystem
// can run on: a frame allocator with per-frame metadata, guest physical
// memory, a TLB flush clock and a page-table codec for 2-, 3- and 4-level
// guests.
package machine

import (
	"log"
	"sync"

	"github.com/sarchlab/vmshadow/mem/vm/shadow"
)

// slotsPerFrame is the number of entry slots a frame holds. It fits the 1024
// four-byte entries of a 2-level guest table.
const slotsPerFrame = 1024

// firstMFN is the number of the first frame handed out.
const firstMFN shadow.MFN = 0x1000

// frame is one machine page and its metadata. Slots are allocated the first
// time the frame is written.
type frame struct {
	slots []uint64

	owner shadow.DomainID
	gfn   shadow.GFN
	pool  bool

	writable uint32
	mappings uint32
	special  uint32
	grants   uint32
}

func (f *frame) load(idx int) uint64 {
	if f.slots == nil {
		return 0
	}

	return f.slots[idx]
}

func (f *frame) store(idx int, value uint64) {
	if f.slots == nil {
		f.slots = make([]uint64, slotsPerFrame)
	}

	f.slots[idx] = value
}

// A Machine is the physical memory of a host. It provides every collaborator
// a shadow domain needs from its environment.
type Machine struct {
	mu sync.Mutex

	frames   map[shadow.MFN]*frame
	free     []shadow.MFN
	next     shadow.MFN
	capacity int
	used     int
	p2m      map[shadow.DomainID]map[shadow.GFN]shadow.MFN

	clock    uint64
	cpuStamp map[int]uint64
	flushLog []shadow.CPUSet

	yieldEvery int
	checks     int
}

// NewMachine creates a machine with the given number of frames.
func NewMachine(capacity int) *Machine {
	return &Machine{
		frames:   make(map[shadow.MFN]*frame),
		next:     firstMFN,
		capacity: capacity,
		p2m:      make(map[shadow.DomainID]map[shadow.GFN]shadow.MFN),
		cpuStamp: make(map[int]uint64),
	}
}

// Capacity returns the number of frames of the machine.
func (m *Machine) Capacity() int {
	return m.capacity
}

// FramesInUse returns the number of frames currently allocated.
func (m *Machine) FramesInUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.used
}

func (m *Machine) allocFrame() (shadow.MFN, *frame, bool) {
	if m.used >= m.capacity {
		return shadow.InvalidMFN, nil, false
	}

	var mfn shadow.MFN
	if n := len(m.free); n > 0 {
		mfn = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		mfn = m.next
		m.next++
	}

	f := &frame{owner: shadow.NoDomain, gfn: shadow.GFN(shadow.InvalidMFN)}
	m.frames[mfn] = f
	m.used++

	return mfn, f, true
}

func (m *Machine) mustFrame(mfn shadow.MFN) *frame {
	f, ok := m.frames[mfn]
	if !ok {
		log.Panicf("machine: frame %#x is not allocated", uint64(mfn))
	}

	return f
}

// AllocPage hands a frame to the shadow pool of a domain.
func (m *Machine) AllocPage(domain shadow.DomainID) (shadow.MFN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mfn, f, ok := m.allocFrame()
	if !ok {
		return shadow.InvalidMFN, false
	}

	f.owner = domain
	f.pool = true

	return mfn, true
}

// FreePage takes a frame back. The frame must not be mapped anywhere.
func (m *Machine) FreePage(mfn shadow.MFN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.mustFrame(mfn)
	if f.mappings != 0 || f.writable != 0 {
		log.Panicf("machine: freeing frame %#x that is still mapped", uint64(mfn))
	}

	delete(m.frames, mfn)
	m.free = append(m.free, mfn)
	m.used--
}

// PopulateGuest backs a guest frame of a domain with a machine frame.
func (m *Machine) PopulateGuest(domain shadow.DomainID, gfn shadow.GFN) (shadow.MFN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p2m, ok := m.p2m[domain]
	if !ok {
		p2m = make(map[shadow.GFN]shadow.MFN)
		m.p2m[domain] = p2m
	}

	if mfn, found := p2m[gfn]; found {
		return mfn, true
	}

	mfn, f, ok := m.allocFrame()
	if !ok {
		return shadow.InvalidMFN, false
	}

	f.owner = domain
	f.gfn = gfn
	p2m[gfn] = mfn

	return mfn, true
}

// ReleaseGuest gives back every guest frame of a domain.
func (m *Machine) ReleaseGuest(domain shadow.DomainID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mfn := range m.p2m[domain] {
		delete(m.frames, mfn)
		m.free = append(m.free, mfn)
		m.used--
	}

	delete(m.p2m, domain)
}

// GFNToMFN translates a guest frame of a domain.
func (m *Machine) GFNToMFN(domain shadow.DomainID, gfn shadow.GFN) (shadow.MFN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mfn, ok := m.p2m[domain][gfn]

	return mfn, ok
}

// TypeInfo returns the type of a frame and the number of references of that
// type.
func (m *Machine) TypeInfo(mfn shadow.MFN) (shadow.PageType, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[mfn]
	if !ok {
		return shadow.PageTypeNone, 0
	}

	switch {
	case f.special > 0:
		return shadow.PageTypeSpecial, f.special
	case f.writable+f.grants > 0:
		return shadow.PageTypeWritable, f.writable + f.grants
	default:
		return shadow.PageTypeNone, 0
	}
}

// Owner returns the domain a frame belongs to.
func (m *Machine) Owner(mfn shadow.MFN) shadow.DomainID {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[mfn]
	if !ok || f.pool {
		return shadow.NoDomain
	}

	return f.owner
}

// GFNOf returns the guest frame number of a guest frame.
func (m *Machine) GFNOf(mfn shadow.MFN) shadow.GFN {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[mfn]
	if !ok {
		return shadow.GFN(shadow.InvalidMFN)
	}

	return f.gfn
}

// Mappings returns the number of leaf entries and grants that map a frame.
func (m *Machine) Mappings(mfn shadow.MFN) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[mfn]
	if !ok {
		return 0
	}

	return f.mappings + f.grants
}

// Grant maps a frame writable on behalf of a device or another domain. The
// mapping is not held by any shadow, so no shadow operation can revoke it.
func (m *Machine) Grant(mfn shadow.MFN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mustFrame(mfn).grants++
}

// RevokeGrant drops one grant of a frame.
func (m *Machine) RevokeGrant(mfn shadow.MFN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.mustFrame(mfn)
	if f.grants == 0 {
		log.Panicf("machine: frame %#x has no grant", uint64(mfn))
	}

	f.grants--
}

// SetSpecial marks a frame as used by the monitor itself with n references.
func (m *Machine) SetSpecial(mfn shadow.MFN, n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mustFrame(mfn).special = n
}

// ClearFrame zeroes a frame.
func (m *Machine) ClearFrame(mfn shadow.MFN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mustFrame(mfn).slots = nil
}

// CopyFrame copies the contents of src to dst.
func (m *Machine) CopyFrame(dst, src shadow.MFN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.mustFrame(dst)
	s := m.mustFrame(src)

	if s.slots == nil {
		d.slots = nil
		return
	}

	d.slots = make([]uint64, slotsPerFrame)
	copy(d.slots, s.slots)
}

// Peek reads an entry slot of a frame.
func (m *Machine) Peek(mfn shadow.MFN, idx int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mustFrame(mfn).load(idx)
}

// Poke writes an entry slot of a frame without any trap. It is meant to set
// up guest memory before it is shadowed.
func (m *Machine) Poke(mfn shadow.MFN, idx int, value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mustFrame(mfn).store(idx, value)
}

// setLeaf writes a shadow leaf entry and moves the mapping accounting from
// the frame the old entry mapped to the one the new entry maps.
func (m *Machine) setLeaf(smfn shadow.MFN, idx int, value uint64) (old uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.mustFrame(smfn)
	old = f.load(idx)

	if old == value {
		return old
	}

	if Present(old) {
		if t, ok := m.frames[Frame(old)]; ok {
			t.mappings--
			if Writable(old) {
				t.writable--
			}
		}
	}

	if Present(value) {
		if t, ok := m.frames[Frame(value)]; ok {
			t.mappings++
			if Writable(value) {
				t.writable++
			}
		}
	}

	f.store(idx, value)

	return old
}
