package shadow

import "fmt"

// MFN is a machine frame number, the monitor's real physical page number.
type MFN uint64

// InvalidMFN marks an empty slot.
const InvalidMFN MFN = ^MFN(0)

// Valid returns true if the MFN is not InvalidMFN.
func (m MFN) Valid() bool {
	return m != InvalidMFN
}

// GFN is a guest frame number, the guest's view of a physical page number.
type GFN uint64

// PageShift is the log2 of the page size.
const PageShift = 12

// PageSize is the size of a page in bytes.
const PageSize = 1 << PageShift

// A Kind identifies what a shadow page shadows: the paging level crossed with
// the guest paging mode. A few kinds do not shadow guest pagetables at all
// (p2m tables, monitor tables and OOS snapshots).
type Kind uint8

// Shadow kinds. The numeric values index KindMask bits and the dispatch
// tables.
const (
	KindNone Kind = iota
	KindL1_32
	KindFL1_32
	KindL2_32
	KindL1PAE
	KindFL1PAE
	KindL2PAE
	KindL1_64
	KindFL1_64
	KindL2_64
	KindL2H_64
	KindL3_64
	KindL4_64
	KindP2M
	KindMonitor
	KindOOSSnapshot
	numKinds
)

const (
	kindMinShadow = KindL1_32
	kindMaxShadow = KindL4_64
)

var kindNames = [numKinds]string{
	KindNone:        "none",
	KindL1_32:       "l1_32",
	KindFL1_32:      "fl1_32",
	KindL2_32:       "l2_32",
	KindL1PAE:       "l1_pae",
	KindFL1PAE:      "fl1_pae",
	KindL2PAE:       "l2_pae",
	KindL1_64:       "l1_64",
	KindFL1_64:      "fl1_64",
	KindL2_64:       "l2_64",
	KindL2H_64:      "l2h_64",
	KindL3_64:       "l3_64",
	KindL4_64:       "l4_64",
	KindP2M:         "p2m",
	KindMonitor:     "monitor",
	KindOOSSnapshot: "oos_snapshot",
}

// A 32-bit guest l1 covers 4MB and needs two PAE/64-bit shadow l1s; a 32-bit
// l2 needs four.
var kindPages = [numKinds]int{
	KindL1_32:       2,
	KindFL1_32:      2,
	KindL2_32:       4,
	KindL1PAE:       1,
	KindFL1PAE:      1,
	KindL2PAE:       1,
	KindL1_64:       1,
	KindFL1_64:      1,
	KindL2_64:       1,
	KindL2H_64:      1,
	KindL3_64:       1,
	KindL4_64:       1,
	KindP2M:         1,
	KindMonitor:     1,
	KindOOSSnapshot: 1,
}

func (k Kind) String() string {
	if k >= numKinds {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}

	return kindNames[k]
}

// Pages returns the number of pool pages a shadow of this kind occupies.
func (k Kind) Pages() int {
	if k >= numKinds {
		return 0
	}

	return kindPages[k]
}

// IsShadow returns true for the kinds that shadow guest pagetables and can be
// found in the hash table.
func (k Kind) IsShadow() bool {
	return k >= kindMinShadow && k <= kindMaxShadow
}

// IsFloating returns true for l1 shadows of guest superpages. They are keyed
// by GFN and have no guest page behind them.
func (k Kind) IsFloating() bool {
	return k == KindFL1_32 || k == KindFL1PAE || k == KindFL1_64
}

// IsLeaf returns true for guest l1 kinds.
func (k Kind) IsLeaf() bool {
	return k == KindL1_32 || k == KindL1PAE || k == KindL1_64
}

// IsPinnable returns true for the kinds that are installed as top-level
// shadows.
func (k Kind) IsPinnable() bool {
	return k == KindL2_32 || k == KindL2PAE || k == KindL4_64
}

// HasUpPointer returns true for kinds whose single parent entry is tracked.
func (k Kind) HasUpPointer() bool {
	switch k {
	case KindL1_32, KindL1PAE, KindL1_64, KindL2_64, KindL2H_64, KindL3_64:
		return true
	default:
		return false
	}
}

// Mode returns the guest paging mode the kind belongs to.
func (k Kind) Mode() GuestMode {
	switch k {
	case KindL1_32, KindFL1_32, KindL2_32:
		return GuestMode2Level
	case KindL1PAE, KindFL1PAE, KindL2PAE:
		return GuestMode3Level
	case KindL1_64, KindFL1_64, KindL2_64, KindL2H_64, KindL3_64, KindL4_64:
		return GuestMode4Level
	default:
		return GuestModeNone
	}
}

// Level returns the guest paging level that the kind shadows.
func (k Kind) Level() int {
	switch k {
	case KindL1_32, KindFL1_32, KindL1PAE, KindFL1PAE, KindL1_64, KindFL1_64:
		return 1
	case KindL2_32, KindL2PAE, KindL2_64, KindL2H_64:
		return 2
	case KindL3_64:
		return 3
	case KindL4_64:
		return 4
	default:
		return 0
	}
}

// Mask returns the single-bit mask of the kind.
func (k Kind) Mask() KindMask {
	return 1 << k
}

// KindMask is a set of kinds, one bit per kind.
type KindMask uint32

// Kind masks used by the dispatchers.
const (
	MaskL1Any  = KindMask(1<<KindL1_32 | 1<<KindL1PAE | 1<<KindL1_64)
	MaskFL1Any = KindMask(1<<KindFL1_32 | 1<<KindFL1PAE | 1<<KindFL1_64)
	Mask32     = KindMask(1<<KindL1_32 | 1<<KindFL1_32 | 1<<KindL2_32)
	MaskPAE    = KindMask(1<<KindL1PAE | 1<<KindFL1PAE | 1<<KindL2PAE)
	Mask64     = KindMask(1<<KindL1_64 | 1<<KindFL1_64 | 1<<KindL2_64 |
		1<<KindL2H_64 | 1<<KindL3_64 | 1<<KindL4_64)
	MaskPageTypes = Mask32 | MaskPAE | Mask64
)

// Has returns true if the kind is in the mask.
func (m KindMask) Has(k Kind) bool {
	return m&k.Mask() != 0
}

// Count returns the number of kinds in the mask.
func (m KindMask) Count() int {
	n := 0
	for v := m; v != 0; v &= v - 1 {
		n++
	}

	return n
}

// Kinds lists the kinds in the mask in numeric order.
func (m KindMask) Kinds() []Kind {
	var kinds []Kind

	for k := KindNone; k < numKinds; k++ {
		if m.Has(k) {
			kinds = append(kinds, k)
		}
	}

	return kinds
}

// validateOrder is the order in which a guest write is propagated: lower
// levels first so that no linear-map walker sees a new upper entry with an
// old lower one.
var validateOrder = []Kind{
	KindL1_32, KindL2_32,
	KindL1PAE, KindL2PAE,
	KindL1_64, KindL2_64, KindL2H_64, KindL3_64, KindL4_64,
}

// unshadowOrder is the order in which remove-shadows strips the kinds of a
// guest page, children before parents.
var unshadowOrder = []Kind{
	KindL1_32, KindL2_32,
	KindL1PAE, KindL2PAE,
	KindL1_64, KindL2_64, KindL2H_64, KindL3_64, KindL4_64,
}

// parentMasks tells remove-shadows which kinds may hold a reference to a
// shadow of the given kind.
var parentMasks = [numKinds]KindMask{
	KindL1_32:  KindL2_32.Mask(),
	KindL1PAE:  KindL2PAE.Mask(),
	KindL1_64:  KindL2H_64.Mask() | KindL2_64.Mask(),
	KindL2_64:  KindL3_64.Mask(),
	KindL2H_64: KindL3_64.Mask(),
	KindL3_64:  KindL4_64.Mask(),
}

// leafKindOf returns the l1 kind of a guest mode.
func leafKindOf(m GuestMode) Kind {
	switch m {
	case GuestMode2Level:
		return KindL1_32
	case GuestMode3Level:
		return KindL1PAE
	case GuestMode4Level:
		return KindL1_64
	default:
		return KindNone
	}
}
