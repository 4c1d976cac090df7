package machine

import (
	"fmt"

	"github.com/sarchlab/vmshadow/mem/vm/shadow"
)

// A GuestSpace lays out the pagetables of one guest address space in the
// memory of a domain, the way a guest kernel would before it loads them.
type GuestSpace struct {
	m      *Machine
	c      *Codec
	domain shadow.DomainID
	root   shadow.MFN
	next   shadow.GFN
}

// NewGuestSpace creates an empty address space. Frames for tables and data
// are taken from firstGFN upwards.
func (m *Machine) NewGuestSpace(
	domain shadow.DomainID,
	mode shadow.GuestMode,
	firstGFN shadow.GFN,
) (*GuestSpace, error) {
	s := &GuestSpace{
		m:      m,
		c:      NewCodec(m, mode),
		domain: domain,
		next:   firstGFN,
	}

	_, root, err := s.NewFrame()
	if err != nil {
		return nil, err
	}

	s.root = root

	return s, nil
}

// Root returns the frame the guest loads into CR3.
func (s *GuestSpace) Root() shadow.MFN {
	return s.root
}

// Codec returns the codec of the space's paging mode.
func (s *GuestSpace) Codec() *Codec {
	return s.c
}

// NewFrame populates the next free guest frame.
func (s *GuestSpace) NewFrame() (shadow.GFN, shadow.MFN, error) {
	gfn := s.next

	mfn, ok := s.m.PopulateGuest(s.domain, gfn)
	if !ok {
		return 0, shadow.InvalidMFN, fmt.Errorf("machine out of frames at gfn %#x", uint64(gfn))
	}

	s.next++

	return gfn, mfn, nil
}

// tableBelow returns the table an entry points to, creating it when the
// entry is empty.
func (s *GuestSpace) tableBelow(table shadow.MFN, idx int, flags uint64) (shadow.MFN, error) {
	e := s.m.Peek(table, idx)
	if Present(e) {
		mfn, ok := s.m.GFNToMFN(s.domain, GuestFrame(e))
		if !ok {
			return shadow.InvalidMFN, fmt.Errorf("entry %d of %#x maps no frame", idx, uint64(table))
		}

		return mfn, nil
	}

	gfn, mfn, err := s.NewFrame()
	if err != nil {
		return shadow.InvalidMFN, err
	}

	s.m.Poke(table, idx, PTE(uint64(gfn), flags))

	return mfn, nil
}

// Table returns the guest table of the given level that translates vaddr,
// creating the tables above it as needed, and the index of vaddr in it.
func (s *GuestSpace) Table(vaddr uint64, level int) (shadow.MFN, int, error) {
	table := s.root
	top := s.c.l.levels

	if s.c.l.mode == shadow.GuestMode3Level {
		var err error

		table, err = s.tableBelow(s.root, int(vaddr>>30)&(pdptEntries-1), FlagPresent)
		if err != nil {
			return shadow.InvalidMFN, 0, err
		}
	}

	for l := top; l > level; l-- {
		var err error

		table, err = s.tableBelow(table, s.c.Index(vaddr, l), FlagPresent|FlagWritable|FlagUser)
		if err != nil {
			return shadow.InvalidMFN, 0, err
		}
	}

	return table, s.c.Index(vaddr, level), nil
}

// Map makes vaddr translate to gfn with the given flags.
func (s *GuestSpace) Map(vaddr uint64, gfn shadow.GFN, flags uint64) error {
	table, idx, err := s.Table(vaddr, 1)
	if err != nil {
		return err
	}

	s.m.Poke(table, idx, PTE(uint64(gfn), flags|FlagPresent))

	return nil
}

// MapSuper makes the superpage at vaddr translate to the guest frames from
// gfn on. gfn must be aligned to the superpage size.
func (s *GuestSpace) MapSuper(vaddr uint64, gfn shadow.GFN, flags uint64) error {
	table, idx, err := s.Table(vaddr, 2)
	if err != nil {
		return err
	}

	s.m.Poke(table, idx, PTE(uint64(gfn), flags|FlagPresent|FlagSuper))

	return nil
}

// MapNew populates a fresh guest frame and maps it at vaddr.
func (s *GuestSpace) MapNew(vaddr uint64, flags uint64) (shadow.MFN, error) {
	gfn, mfn, err := s.NewFrame()
	if err != nil {
		return shadow.InvalidMFN, err
	}

	return mfn, s.Map(vaddr, gfn, flags)
}
