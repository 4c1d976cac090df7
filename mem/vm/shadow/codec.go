package shadow

// GuestMode is the paging mode a guest vCPU runs in.
type GuestMode int

// Guest paging modes.
const (
	GuestModeNone GuestMode = iota
	GuestMode2Level
	GuestMode3Level
	GuestMode4Level
	numGuestModes
)

func (m GuestMode) String() string {
	switch m {
	case GuestMode2Level:
		return "2-level"
	case GuestMode3Level:
		return "3-level"
	case GuestMode4Level:
		return "4-level"
	default:
		return "none"
	}
}

// Levels returns the number of guest pagetable levels of the mode.
func (m GuestMode) Levels() int {
	switch m {
	case GuestMode2Level:
		return 2
	case GuestMode3Level:
		return 3
	case GuestMode4Level:
		return 4
	default:
		return 0
	}
}

// RootKind returns the kind of the top-level shadow installed for the mode.
func (m GuestMode) RootKind() Kind {
	switch m {
	case GuestMode2Level:
		return KindL2_32
	case GuestMode3Level:
		return KindL2PAE
	case GuestMode4Level:
		return KindL4_64
	default:
		return KindNone
	}
}

// SetFlags report what a shadow entry update did.
type SetFlags uint8

// Results of propagating a guest entry into a shadow.
const (
	SetChanged SetFlags = 1 << iota
	SetFlush
	SetError
)

// EntryRef names one entry of a shadow page by the page's MFN and the byte
// offset of the entry.
type EntryRef struct {
	SMFN   MFN
	Offset uint32
}

// NoEntry is the reference used by top-level installations and pins, which
// are not held by any shadow entry.
var NoEntry = EntryRef{SMFN: InvalidMFN}

// Valid returns true if the reference names an entry.
func (r EntryRef) Valid() bool {
	return r.SMFN.Valid()
}

// A ModeCodec implements everything that depends on the entry format of one
// guest paging mode. The core never reads shadow or guest entries itself; it
// selects the codec by the kind of the shadow it is working on.
type ModeCodec interface {
	// GuestLevels returns the number of guest pagetable levels.
	GuestLevels() int

	// MapAndValidate propagates a guest write of entry at offset of gmfn
	// into the shadow of the given kind.
	MapAndValidate(
		g *Guard,
		v *VCPU,
		kind Kind,
		gmfn MFN,
		offset uint32,
		entry []byte,
	) SetFlags

	// DestroyShadow drops every reference the shadow holds on lower-level
	// shadows and guest frames. The core frees the pages afterwards.
	DestroyShadow(g *Guard, kind Kind, smfn MFN)

	// ResyncL1 brings the shadows of an out-of-sync guest l1 up to date with
	// the guest contents, using the snapshot to find what changed, and
	// refreshes the snapshot.
	ResyncL1(g *Guard, v *VCPU, gmfn, snapshot MFN)

	// SafeNotToSync returns true if the shadow of the guest l1 cannot be
	// reached by any vCPU, so it may stay stale.
	SafeNotToSync(g *Guard, v *VCPU, gl1mfn MFN) bool

	// RemoveWriteAccessFromSL1P drops the write permission of one shadow l1
	// entry if it maps gmfn. Returns true if an entry was changed.
	RemoveWriteAccessFromSL1P(g *Guard, gmfn, smfn MFN, offset uint32) bool

	// RemoveWriteAccessFromL1 drops every writable mapping of gmfn from a
	// shadow l1. Returns true when the scan may stop.
	RemoveWriteAccessFromL1(g *Guard, smfn, gmfn MFN) bool

	// RemoveMappingsFromL1 drops every mapping of gmfn from a shadow l1.
	// Returns true when the scan may stop.
	RemoveMappingsFromL1(g *Guard, smfn, gmfn MFN) bool

	// RemoveChildShadow blanks the entries of parent that reference child.
	// Returns true if it removed one, which ends the hash scan.
	RemoveChildShadow(g *Guard, parent, child MFN) bool

	// ClearShadowEntry blanks one shadow entry and drops the reference it
	// held.
	ClearShadowEntry(g *Guard, entry EntryRef)

	// UnhookMappings blanks the guest mappings of a top-level shadow.
	UnhookMappings(g *Guard, smfn MFN, userOnly bool)

	// GuessWritableMapping looks up vaddr in the vCPU's current shadow and
	// drops the write permission if that leaf entry maps gmfn.
	GuessWritableMapping(g *Guard, v *VCPU, vaddr uint64, gmfn MFN) bool

	// UpdateCR3 installs the top-level shadows for the vCPU's current guest
	// table.
	UpdateCR3(g *Guard, v *VCPU)
}

// A HashCallback is invoked by Foreach for every shadow of a selected kind.
// Returning true stops the scan.
type HashCallback func(g *Guard, smfn MFN, arg MFN) bool

// HashCallbacks selects a callback per kind.
type HashCallbacks [numKinds]HashCallback

// MakeShadowFunc creates the shadow of gmfn with the given kind. The pool
// must have been preallocated.
type MakeShadowFunc func(g *Guard, v *VCPU, gmfn MFN, kind Kind) MFN

// An IdentityMapper is a codec that can fill the table HVM vCPUs walk while
// guest paging is off, mapping guest physical memory one to one.
type IdentityMapper interface {
	FillIdentityMap(mfn MFN)
}
