package shadow

// shadowSlots is the number of top-level shadows a vCPU can have installed.
const shadowSlots = 4

// GuestState is the part of a vCPU's control registers that selects its
// paging mode.
type GuestState struct {
	PagingEnabled bool
	PAE           bool
	LongMode      bool
	CR3           MFN
}

// A VCPU is one virtual CPU of a domain.
type VCPU struct {
	d  *Domain
	id int

	state        GuestState
	mode         GuestMode
	guestTable   MFN
	shadowTable  [shadowSlots]MFN
	monitorTable MFN
	dirtyCPU     int

	oos         [oosPages]MFN
	oosSnapshot [oosPages]MFN
	oosFixup    [oosPages]fixupSet

	lastWritableSMFN MFN
}

func newVCPU(d *Domain, id int) *VCPU {
	v := &VCPU{
		d:                d,
		id:               id,
		guestTable:       InvalidMFN,
		monitorTable:     InvalidMFN,
		dirtyCPU:         -1,
		lastWritableSMFN: InvalidMFN,
	}

	for i := range v.shadowTable {
		v.shadowTable[i] = InvalidMFN
	}

	for i := 0; i < oosPages; i++ {
		v.oos[i] = InvalidMFN
		v.oosSnapshot[i] = InvalidMFN
		v.oosFixup[i] = newFixupSet()
	}

	return v
}

// ID returns the index of the vCPU in its domain.
func (v *VCPU) ID() int {
	return v.id
}

// Domain returns the domain the vCPU belongs to.
func (v *VCPU) Domain() *Domain {
	return v.d
}

// Mode returns the guest paging mode the vCPU currently runs in.
func (v *VCPU) Mode() GuestMode {
	return v.mode
}

// Codec returns the codec of the vCPU's paging mode, or nil if no mode has
// been set.
func (v *VCPU) Codec() ModeCodec {
	if v.mode == GuestModeNone {
		return nil
	}

	return v.d.codecs[v.mode]
}

// GuestState returns the paging registers of the vCPU. Hold the domain lock.
func (v *VCPU) GuestState() GuestState {
	return v.state
}

// SetGuestState changes the paging registers. Call UpdatePagingModes
// afterwards, under the same guard, so that the shadows follow.
func (v *VCPU) SetGuestState(g *Guard, s GuestState) {
	g.mustHold(v.d)

	v.state = s
	if s.PagingEnabled {
		v.guestTable = s.CR3
	}
}

// GuestTable returns the guest top-level table the vCPU walks. Hold the
// domain lock.
func (v *VCPU) GuestTable() MFN {
	return v.guestTable
}

// ShadowTable returns the top-level shadow installed in a slot.
func (v *VCPU) ShadowTable(slot int) MFN {
	return v.shadowTable[slot]
}

// MonitorTable returns the monitor table of the vCPU.
func (v *VCPU) MonitorTable() MFN {
	return v.monitorTable
}

// DirtyCPU returns the physical CPU that holds the vCPU's state, or -1.
func (v *VCPU) DirtyCPU() int {
	return v.dirtyCPU
}

// SetDirtyCPU records the physical CPU the vCPU last ran on. Pass -1 when it
// no longer holds any translations.
func (v *VCPU) SetDirtyCPU(cpu int) {
	v.dirtyCPU = cpu
}

// LastWritableSMFN returns the shadow l1 in which the last brute-force search
// found a writable mapping.
func (v *VCPU) LastWritableSMFN() MFN {
	return v.lastWritableSMFN
}

// OOSEntry describes one slot of a vCPU's out-of-sync table.
type OOSEntry struct {
	Slot     int
	GMFN     MFN
	Snapshot MFN
	Fixups   []EntryRef
}

// OOSEntries lists the occupied out-of-sync slots.
func (v *VCPU) OOSEntries() []OOSEntry {
	var entries []OOSEntry

	for i := 0; i < oosPages; i++ {
		if !v.oos[i].Valid() {
			continue
		}

		entries = append(entries, OOSEntry{
			Slot:     i,
			GMFN:     v.oos[i],
			Snapshot: v.oosSnapshot[i],
			Fixups:   v.oosFixup[i].entries(),
		})
	}

	return entries
}
