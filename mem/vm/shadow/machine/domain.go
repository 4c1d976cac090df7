package machine

import "github.com/sarchlab/vmshadow/mem/vm/shadow"

var guestModes = []shadow.GuestMode{
	shadow.GuestMode2Level,
	shadow.GuestMode3Level,
	shadow.GuestMode4Level,
}

// DomainBuilder returns a shadow domain builder that runs on the machine,
// with a codec for every guest paging mode.
func (m *Machine) DomainBuilder() shadow.Builder {
	b := shadow.MakeBuilder().
		WithAllocator(m).
		WithFrameTable(m).
		WithMemory(m).
		WithFlusher(m).
		WithPreempter(m)

	for _, mode := range guestModes {
		b = b.WithCodec(mode, NewCodec(m, mode))
	}

	return b
}

// LoadCR3 points v at the guest tables of a space, turns paging on in the
// space's mode and installs the matching shadows, all under the domain lock.
func LoadCR3(d *shadow.Domain, v *shadow.VCPU, s *GuestSpace) {
	mode := s.c.l.mode

	g := d.Lock()
	defer g.Unlock()

	v.SetGuestState(g, shadow.GuestState{
		PagingEnabled: true,
		PAE:           mode != shadow.GuestMode2Level,
		LongMode:      mode == shadow.GuestMode4Level,
		CR3:           s.Root(),
	})

	d.UpdatePagingModes(g, v)
}
