package machine

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/sarchlab/vmshadow/mem/vm/shadow"
)

// shadowEntryBytes is the size of a shadow entry. Shadows of every mode use
// the wide format.
const shadowEntryBytes = 8

// layout describes the tables of one guest paging mode.
type layout struct {
	mode       shadow.GuestMode
	levels     int
	entryBytes int
	idxBits    uint
	kinds      [5]shadow.Kind
	fl1        shadow.Kind
}

var layouts = map[shadow.GuestMode]layout{
	shadow.GuestMode2Level: {
		mode:       shadow.GuestMode2Level,
		levels:     2,
		entryBytes: 4,
		idxBits:    10,
		kinds:      [5]shadow.Kind{1: shadow.KindL1_32, 2: shadow.KindL2_32},
		fl1:        shadow.KindFL1_32,
	},
	shadow.GuestMode3Level: {
		mode:       shadow.GuestMode3Level,
		levels:     2,
		entryBytes: 8,
		idxBits:    9,
		kinds:      [5]shadow.Kind{1: shadow.KindL1PAE, 2: shadow.KindL2PAE},
		fl1:        shadow.KindFL1PAE,
	},
	shadow.GuestMode4Level: {
		mode:       shadow.GuestMode4Level,
		levels:     4,
		entryBytes: 8,
		idxBits:    9,
		kinds: [5]shadow.Kind{
			1: shadow.KindL1_64,
			2: shadow.KindL2_64,
			3: shadow.KindL3_64,
			4: shadow.KindL4_64,
		},
		fl1: shadow.KindFL1_64,
	},
}

// pdptEntries is the number of entries of a 3-level guest's top table.
const pdptEntries = 4

// A Codec reads and writes the tables of one guest paging mode on a
// Machine. Guest entries hold guest frame numbers; shadow entries hold
// machine frame numbers.
type Codec struct {
	m *Machine
	l layout
}

// NewCodec creates the codec of a guest paging mode.
func NewCodec(m *Machine, mode shadow.GuestMode) *Codec {
	l, ok := layouts[mode]
	if !ok {
		log.Panicf("machine: no codec for guest mode %s", mode)
	}

	return &Codec{m: m, l: l}
}

// Mode returns the guest paging mode of the codec.
func (c *Codec) Mode() shadow.GuestMode {
	return c.l.mode
}

// GuestLevels returns the number of guest pagetable levels.
func (c *Codec) GuestLevels() int {
	return c.l.mode.Levels()
}

func (c *Codec) entries() int {
	return 1 << c.l.idxBits
}

// EntryBytes returns the size of a guest entry.
func (c *Codec) EntryBytes() int {
	return c.l.entryBytes
}

// Index returns the index of vaddr in a table of the given level.
func (c *Codec) Index(vaddr uint64, level int) int {
	shift := shadow.PageShift + c.l.idxBits*uint(level-1)
	return int(vaddr>>shift) & (c.entries() - 1)
}

// Encode returns the bytes a guest writes to store entry e.
func (c *Codec) Encode(e uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, e)

	return buf[:c.l.entryBytes]
}

func (c *Codec) decode(offset uint32, entry []byte) (int, uint64) {
	buf := make([]byte, 8)
	copy(buf, entry)

	return int(offset) / c.l.entryBytes, binary.LittleEndian.Uint64(buf)
}

func (c *Codec) childKind(kind shadow.Kind, ge uint64) shadow.Kind {
	level := kind.Level()
	if level == 2 && ge&FlagSuper != 0 {
		return c.l.fl1
	}

	return c.l.kinds[level-1]
}

func (c *Codec) superBase(ge uint64) shadow.GFN {
	return GuestFrame(ge) &^ shadow.GFN(c.entries()-1)
}

func entryRef(smfn shadow.MFN, idx int) shadow.EntryRef {
	return shadow.EntryRef{SMFN: smfn, Offset: uint32(idx * shadowEntryBytes)}
}

// propagateLeaf computes the shadow of a guest leaf entry. The copy never
// allows writes to a shadowed frame.
func (c *Codec) propagateLeaf(d *shadow.Domain, ge uint64) uint64 {
	if !Present(ge) {
		return 0
	}

	target, ok := c.m.GFNToMFN(d.ID(), GuestFrame(ge))
	if !ok {
		return 0
	}

	f := entryFlags(ge) &^ FlagSuper
	if d.IsShadowed(target) {
		f &^= FlagWritable
	}

	return PTE(uint64(target), f)
}

// setLeaf writes a shadow leaf entry.
func (c *Codec) setLeaf(smfn shadow.MFN, idx int, e uint64) shadow.SetFlags {
	old := c.m.setLeaf(smfn, idx, e)
	if old == e {
		return 0
	}

	rc := shadow.SetChanged

	if Present(old) &&
		(!Present(e) || Frame(old) != Frame(e) || (Writable(old) && !Writable(e))) {
		rc |= shadow.SetFlush
	}

	return rc
}

// installChild points a non-leaf shadow entry at a lower-level shadow, or
// blanks it when e is not present, moving the reference from the old child
// to the new one.
func (c *Codec) installChild(
	g *shadow.Guard,
	smfn shadow.MFN,
	idx int,
	e uint64,
) shadow.SetFlags {
	d := g.Domain()

	old := c.m.Peek(smfn, idx)
	if old == e {
		return 0
	}

	if Present(old) && Present(e) && Frame(old) == Frame(e) {
		c.m.Poke(smfn, idx, e)
		return shadow.SetChanged | shadow.SetFlush
	}

	ref := entryRef(smfn, idx)

	if Present(e) && !d.GetRef(g, Frame(e), ref) {
		return shadow.SetError
	}

	c.m.Poke(smfn, idx, e)

	rc := shadow.SetChanged
	if Present(old) {
		d.PutRef(g, Frame(old), ref)
		rc |= shadow.SetFlush
	}

	return rc
}

// MapAndValidate propagates a guest write into the shadow of the given kind.
func (c *Codec) MapAndValidate(
	g *shadow.Guard,
	v *shadow.VCPU,
	kind shadow.Kind,
	gmfn shadow.MFN,
	offset uint32,
	entry []byte,
) shadow.SetFlags {
	d := g.Domain()

	smfn := d.Lookup(g, uint64(gmfn), kind)
	if !smfn.Valid() {
		return 0
	}

	idx, ge := c.decode(offset, entry)
	if idx >= c.entries() {
		return shadow.SetError
	}

	if kind.IsLeaf() {
		if d.IsOutOfSync(gmfn) {
			c.m.Poke(d.SnapshotOf(g, gmfn), idx, ge)
		}

		return c.setLeaf(smfn, idx, c.propagateLeaf(d, ge))
	}

	return c.validateNonLeaf(g, kind, smfn, idx, ge)
}

// validateNonLeaf links an existing lower-level shadow of what the guest
// entry points to. Missing shadows are left for the fault handler to build.
func (c *Codec) validateNonLeaf(
	g *shadow.Guard,
	kind shadow.Kind,
	smfn shadow.MFN,
	idx int,
	ge uint64,
) shadow.SetFlags {
	d := g.Domain()

	var e uint64

	if Present(ge) {
		child := shadow.InvalidMFN

		ck := c.childKind(kind, ge)
		if ck.IsFloating() {
			child = d.Lookup(g, uint64(c.superBase(ge)), ck)
		} else {
			gchild, ok := c.m.GFNToMFN(d.ID(), GuestFrame(ge))
			if !ok {
				return shadow.SetError
			}

			child = d.Lookup(g, uint64(gchild), ck)
		}

		if child.Valid() {
			e = PTE(uint64(child), entryFlags(ge)&^FlagSuper)
		}
	}

	return c.installChild(g, smfn, idx, e)
}

// DestroyShadow drops what the shadow maps or references.
func (c *Codec) DestroyShadow(g *shadow.Guard, kind shadow.Kind, smfn shadow.MFN) {
	leaf := kind.IsLeaf() || kind.IsFloating()

	for idx := 0; idx < c.entries(); idx++ {
		e := c.m.Peek(smfn, idx)
		if !Present(e) {
			continue
		}

		if leaf {
			c.m.setLeaf(smfn, idx, 0)
			continue
		}

		c.installChild(g, smfn, idx, 0)
	}
}

// ResyncL1 re-propagates the guest entries that changed since the snapshot
// was taken, and refreshes the snapshot.
func (c *Codec) ResyncL1(g *shadow.Guard, v *shadow.VCPU, gmfn, snapshot shadow.MFN) {
	d := g.Domain()

	smfn := d.Lookup(g, uint64(gmfn), c.l.kinds[1])
	if !smfn.Valid() {
		return
	}

	var rc shadow.SetFlags

	for idx := 0; idx < c.entries(); idx++ {
		ge := c.m.Peek(gmfn, idx)
		if ge == c.m.Peek(snapshot, idx) {
			continue
		}

		rc |= c.setLeaf(smfn, idx, c.propagateLeaf(d, ge))
		c.m.Poke(snapshot, idx, ge)
	}

	if rc&shadow.SetFlush != 0 {
		d.FlushDirty()
	}
}

// SafeNotToSync follows the single-parent chain from the l1 shadow to its
// top level. If every link is the only reference and the top level is not
// installed on v, v cannot reach the shadow.
func (c *Codec) SafeNotToSync(g *shadow.Guard, v *shadow.VCPU, gl1mfn shadow.MFN) bool {
	d := g.Domain()

	cur := d.Lookup(g, uint64(gl1mfn), c.l.kinds[1])
	if !cur.Valid() {
		return false
	}

	for {
		info, ok := d.ShadowInfo(cur)
		if !ok {
			return false
		}

		if info.Kind.IsPinnable() {
			break
		}

		if info.Count != 1 || !info.Up.Valid() {
			return false
		}

		cur = info.Up.SMFN
	}

	for slot := 0; slot < pdptEntries; slot++ {
		if v.ShadowTable(slot) == cur {
			return false
		}
	}

	return true
}

// RemoveWriteAccessFromSL1P write-protects one shadow l1 entry if it maps
// gmfn writable.
func (c *Codec) RemoveWriteAccessFromSL1P(
	g *shadow.Guard,
	gmfn, smfn shadow.MFN,
	offset uint32,
) bool {
	idx := int(offset) / shadowEntryBytes

	e := c.m.Peek(smfn, idx)
	if !Writable(e) || Frame(e) != gmfn {
		return false
	}

	c.m.setLeaf(smfn, idx, e&^FlagWritable)

	return true
}

func (c *Codec) writableRefs(gmfn shadow.MFN) uint32 {
	_, n := c.m.TypeInfo(gmfn)
	return n
}

// RemoveWriteAccessFromL1 write-protects every entry of the shadow l1 that
// maps gmfn. It stops once gmfn has no writable reference left.
func (c *Codec) RemoveWriteAccessFromL1(g *shadow.Guard, smfn, gmfn shadow.MFN) bool {
	for idx := 0; idx < c.entries(); idx++ {
		e := c.m.Peek(smfn, idx)
		if !Writable(e) || Frame(e) != gmfn {
			continue
		}

		c.m.setLeaf(smfn, idx, e&^FlagWritable)

		if c.writableRefs(gmfn) == 0 {
			return true
		}
	}

	return false
}

// RemoveMappingsFromL1 blanks every entry of the shadow l1 that maps gmfn.
func (c *Codec) RemoveMappingsFromL1(g *shadow.Guard, smfn, gmfn shadow.MFN) bool {
	for idx := 0; idx < c.entries(); idx++ {
		e := c.m.Peek(smfn, idx)
		if !Present(e) || Frame(e) != gmfn {
			continue
		}

		c.m.setLeaf(smfn, idx, 0)

		if c.m.Mappings(gmfn) == 0 {
			return true
		}
	}

	return false
}

// RemoveChildShadow blanks the entries of parent that reference child. It
// returns true once the child has been destroyed.
func (c *Codec) RemoveChildShadow(g *shadow.Guard, parent, child shadow.MFN) bool {
	d := g.Domain()

	for idx := 0; idx < c.entries(); idx++ {
		e := c.m.Peek(parent, idx)
		if !Present(e) || Frame(e) != child {
			continue
		}

		c.installChild(g, parent, idx, 0)

		if _, alive := d.ShadowInfo(child); !alive {
			return true
		}
	}

	return false
}

// ClearShadowEntry blanks the entry and drops the reference it held.
func (c *Codec) ClearShadowEntry(g *shadow.Guard, entry shadow.EntryRef) {
	d := g.Domain()
	idx := int(entry.Offset) / shadowEntryBytes

	info, ok := d.ShadowInfo(entry.SMFN)
	if !ok {
		return
	}

	if info.Kind.IsLeaf() || info.Kind.IsFloating() {
		c.m.setLeaf(entry.SMFN, idx, 0)
		return
	}

	c.installChild(g, entry.SMFN, idx, 0)
}

// UnhookMappings blanks the entries of a top-level shadow. With userOnly set
// only user mappings go.
func (c *Codec) UnhookMappings(g *shadow.Guard, smfn shadow.MFN, userOnly bool) {
	for idx := 0; idx < c.entries(); idx++ {
		e := c.m.Peek(smfn, idx)
		if !Present(e) || (userOnly && e&FlagUser == 0) {
			continue
		}

		c.installChild(g, smfn, idx, 0)
	}
}

// rootOf returns the installed top-level shadow that translates vaddr.
func (c *Codec) rootOf(v *shadow.VCPU, vaddr uint64) shadow.MFN {
	if c.l.mode == shadow.GuestMode3Level {
		return v.ShadowTable(int(vaddr>>30) & (pdptEntries - 1))
	}

	return v.ShadowTable(0)
}

// shadowLeaf walks the installed shadows of v down to the l1 entry that
// maps vaddr.
func (c *Codec) shadowLeaf(v *shadow.VCPU, vaddr uint64) (shadow.MFN, int, bool) {
	cur := c.rootOf(v, vaddr)
	if !cur.Valid() {
		return shadow.InvalidMFN, 0, false
	}

	for level := c.l.levels; level > 1; level-- {
		e := c.m.Peek(cur, c.Index(vaddr, level))
		if !Present(e) {
			return shadow.InvalidMFN, 0, false
		}

		cur = Frame(e)
	}

	return cur, c.Index(vaddr, 1), true
}

// GuessWritableMapping write-protects the shadow l1 entry that translates
// vaddr for v if it maps gmfn writable.
func (c *Codec) GuessWritableMapping(
	g *shadow.Guard,
	v *shadow.VCPU,
	vaddr uint64,
	gmfn shadow.MFN,
) bool {
	sl1, idx, ok := c.shadowLeaf(v, vaddr)
	if !ok {
		return false
	}

	return c.RemoveWriteAccessFromSL1P(g, gmfn, sl1, uint32(idx*shadowEntryBytes))
}

// UpdateCR3 installs the shadows of the guest top-level table of v. A
// 3-level guest gets one shadow per present entry of its top table.
func (c *Codec) UpdateCR3(g *shadow.Guard, v *shadow.VCPU) {
	d := g.Domain()

	d.ResyncCurrent(g, v)

	root := v.GuestTable()
	kind := c.l.mode.RootKind()

	if c.l.mode != shadow.GuestMode3Level {
		d.SetToplevelShadow(g, v, 0, root, kind, c.makeToplevel)
		d.SyncOtherVCPUs(g, v)

		return
	}

	for slot := 0; slot < pdptEntries; slot++ {
		gl2 := shadow.InvalidMFN

		if root.Valid() {
			if e := c.m.Peek(root, slot); Present(e) {
				if mfn, ok := c.m.GFNToMFN(d.ID(), GuestFrame(e)); ok {
					gl2 = mfn
				}
			}
		}

		d.SetToplevelShadow(g, v, slot, gl2, kind, c.makeToplevel)
	}

	d.SyncOtherVCPUs(g, v)
}

// makeToplevel write-protects a guest top-level table before shadowing it.
func (c *Codec) makeToplevel(
	g *shadow.Guard,
	v *shadow.VCPU,
	gmfn shadow.MFN,
	kind shadow.Kind,
) shadow.MFN {
	d := g.Domain()

	flush, err := d.RemoveWriteAccess(g, v, gmfn, kind.Level(), 0)
	if err != nil {
		d.Crash(fmt.Sprintf("cannot shadow top level %#x: %v", uint64(gmfn), err))
	}

	if flush {
		d.FlushDirty()
	}

	if crashed, _ := d.Crashed(); crashed {
		return shadow.InvalidMFN
	}

	return d.MakeShadow(g, v, gmfn, kind)
}

// FillIdentityMap fills a 2-level table with superpage entries that map
// guest physical memory one to one.
func (c *Codec) FillIdentityMap(mfn shadow.MFN) {
	const entries = 1 << 10

	for idx := 0; idx < entries; idx++ {
		c.m.Poke(mfn, idx,
			PTE(uint64(idx)*entries, FlagPresent|FlagWritable|FlagUser|FlagSuper))
	}
}
