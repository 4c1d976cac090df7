package shadow

// DomainID identifies a guest machine instance.
type DomainID uint32

// NoDomain is the owner of frames that belong to nobody.
const NoDomain DomainID = ^DomainID(0)

// PageType is the use the allocator has typed a frame for.
type PageType uint8

// Page types relevant to shadowing.
const (
	PageTypeNone PageType = iota
	PageTypeWritable
	PageTypePageTable
	PageTypeSpecial
)

// CPUSet is a set of physical CPUs, one bit per CPU.
type CPUSet uint64

// Add adds a CPU to the set.
func (s CPUSet) Add(cpu int) CPUSet {
	return s | 1<<uint(cpu)
}

// Has returns true if the CPU is in the set.
func (s CPUSet) Has(cpu int) bool {
	return s&(1<<uint(cpu)) != 0
}

// Empty returns true if no CPU is in the set.
func (s CPUSet) Empty() bool {
	return s == 0
}

// A PageAllocator hands out machine frames. It is the only source of pool
// memory.
type PageAllocator interface {
	AllocPage(domain DomainID) (MFN, bool)
	FreePage(mfn MFN)
}

// A FrameTable exposes the allocator's metadata of guest frames.
type FrameTable interface {
	// TypeInfo returns the type of the frame and the number of references
	// of that type.
	TypeInfo(mfn MFN) (PageType, uint32)
	Owner(mfn MFN) DomainID
	GFNOf(mfn MFN) GFN

	// Mappings returns the number of leaf entries, shadow or not, that map
	// the frame.
	Mappings(mfn MFN) uint32
}

// FrameMemory gives access to the contents of frames.
type FrameMemory interface {
	ClearFrame(mfn MFN)
	CopyFrame(dst, src MFN)
}

// A TLBFlusher flushes translations cached by physical CPUs.
type TLBFlusher interface {
	// Now returns the current flush clock.
	Now() uint64

	// Filter removes from mask every CPU that has flushed since stamp.
	Filter(mask CPUSet, stamp uint64) CPUSet

	// Flush flushes the TLBs of the CPUs in mask.
	Flush(mask CPUSet)
}

// A Preempter tells long running operations when to yield.
type Preempter interface {
	ShouldYield() bool
}

type neverYield struct{}

func (neverYield) ShouldYield() bool { return false }
