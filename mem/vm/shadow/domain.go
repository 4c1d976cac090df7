package shadow

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ModeFlags are the shadow features enabled on a domain.
type ModeFlags uint32

// Shadow features.
const (
	ModeEnable ModeFlags = 1 << iota
	ModeRefcounts
	ModeTranslate
	ModeExternal
)

// Enabled returns true if shadow paging is on.
func (m ModeFlags) Enabled() bool {
	return m&ModeEnable != 0
}

// guestPage is the shadow metadata of one guest frame.
type guestPage struct {
	flags     KindMask
	outOfSync bool
	mayWrite  bool
}

// shadowPage is one allocation from the pool. Shadow kinds are also members
// of the hash table.
type shadowPage struct {
	kind   Kind
	mfns   []MFN
	back   uint64
	pinned bool
	count  uint32
	up     EntryRef
	next   Handle
	live   bool
	gen    uint32
}

// Handle indexes the shadow arena of a domain. The zero Handle is never
// used by a live page.
type Handle int32

const noHandle Handle = 0

// A Domain is one guest machine instance and the shadow state it owns.
type Domain struct {
	*HookableBase

	mu    sync.Mutex
	owner *Guard

	id         DomainID
	allocator  PageAllocator
	frames     FrameTable
	memory     FrameMemory
	flusher    TLBFlusher
	preempter  Preempter
	codecs     [numGuestModes]ModeCodec
	dispatch   [numKinds]ModeCodec
	heuristics HeuristicTable
	log        logrus.FieldLogger

	vcpus      []*VCPU
	hvm        bool
	guestPages uint64
	oosOff     bool

	mode      ModeFlags
	oosActive bool

	// Read without the lock by vCPU loops and monitors.
	dying atomic.Bool
	crash atomic.Pointer[string]

	freeList       []MFN
	stamps         map[MFN]uint64
	totalPages     int
	freePages      int
	p2mPages       int
	inUsePages     int
	p2mAllocFailed bool

	arena       []shadowPage
	freeHandles []Handle
	byMFN       map[MFN]Handle
	hash        *[hashBuckets]Handle
	walking     int
	pinned      []Handle

	guests  map[MFN]*guestPage
	unpaged MFN
}

// ID returns the domain ID.
func (d *Domain) ID() DomainID {
	return d.id
}

// VCPUs returns the virtual CPUs of the domain.
func (d *Domain) VCPUs() []*VCPU {
	return d.vcpus
}

// VCPU returns the virtual CPU with the given index.
func (d *Domain) VCPU(i int) *VCPU {
	return d.vcpus[i]
}

// HVM returns true if the domain is a translated, externally paged guest.
func (d *Domain) HVM() bool {
	return d.hvm
}

// Mode returns the enabled shadow features. Hold the lock unless nothing
// else can enable or disable the domain concurrently.
func (d *Domain) Mode() ModeFlags {
	return d.mode
}

// Codec returns the codec of a guest paging mode.
func (d *Domain) Codec(m GuestMode) ModeCodec {
	return d.codecs[m]
}

// Logger returns the domain logger.
func (d *Domain) Logger() logrus.FieldLogger {
	return d.log
}

// Crashed returns true if the domain has been crashed, and why.
func (d *Domain) Crashed() (bool, string) {
	reason := d.crash.Load()
	if reason == nil {
		return false, ""
	}

	return true, *reason
}

// Dying returns true once the domain is being torn down.
func (d *Domain) Dying() bool {
	return d.dying.Load()
}

// SetDying marks the domain as being torn down. From then on freed shadow
// pages go straight back to the allocator and no reclaim is attempted.
func (d *Domain) SetDying() {
	d.dying.Store(true)
}

// Crash marks the domain as failed. Other domains are unaffected.
func (d *Domain) Crash(reason string) {
	if !d.crash.CompareAndSwap(nil, &reason) {
		return
	}

	d.log.WithField("reason", reason).Error("domain crashed")
	d.fire(HookPosDomainCrash, Event{}, reason)
}

// OOSActive returns true if guest l1s may currently go out of sync.
func (d *Domain) OOSActive() bool {
	return d.oosActive
}

// IsShadowed returns true if the guest frame has at least one shadow.
func (d *Domain) IsShadowed(gmfn MFN) bool {
	_, ok := d.guests[gmfn]
	return ok
}

// ShadowFlags returns the kinds the guest frame is shadowed as.
func (d *Domain) ShadowFlags(gmfn MFN) KindMask {
	p, ok := d.guests[gmfn]
	if !ok {
		return 0
	}

	return p.flags
}

// IsOutOfSync returns true if the guest frame is out of sync with its
// shadow.
func (d *Domain) IsOutOfSync(gmfn MFN) bool {
	p, ok := d.guests[gmfn]
	return ok && p.outOfSync
}

// OOSMayWrite returns true if writable mappings of the out-of-sync guest
// frame may be created.
func (d *Domain) OOSMayWrite(gmfn MFN) bool {
	p, ok := d.guests[gmfn]
	return ok && p.mayWrite
}

// IsPageTable returns true if the guest frame is shadowed and may not be
// mapped writable.
func (d *Domain) IsPageTable(gmfn MFN) bool {
	return d.IsShadowed(gmfn) && !d.OOSMayWrite(gmfn)
}

func (d *Domain) dirtyMask() CPUSet {
	var mask CPUSet

	for _, v := range d.vcpus {
		if v.dirtyCPU >= 0 {
			mask = mask.Add(v.dirtyCPU)
		}
	}

	return mask
}

// FlushDirty flushes the TLBs of every CPU that may hold translations of the
// domain.
func (d *Domain) FlushDirty() {
	mask := d.dirtyMask()
	if mask.Empty() {
		return
	}

	d.flusher.Flush(mask)
}

func (d *Domain) fields(gmfn, smfn MFN, kind Kind) logrus.Fields {
	f := logrus.Fields{}

	if gmfn.Valid() {
		f["gmfn"] = uint64(gmfn)
	}

	if smfn.Valid() {
		f["smfn"] = uint64(smfn)
	}

	if kind != KindNone {
		f["kind"] = kind.String()
	}

	return f
}
