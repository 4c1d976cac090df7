package machine

import "github.com/sarchlab/vmshadow/mem/vm/shadow"

// Entry flags. Guest entries hold guest frame numbers, shadow entries hold
// machine frame numbers.
const (
	FlagPresent  uint64 = 1 << 0
	FlagWritable uint64 = 1 << 1
	FlagUser     uint64 = 1 << 2
	FlagSuper    uint64 = 1 << 7
)

const (
	frameMask = (uint64(1)<<40 - 1) << shadow.PageShift
	flagMask  = FlagPresent | FlagWritable | FlagUser | FlagSuper
)

// PTE encodes an entry that maps frame n with the given flags.
func PTE(n uint64, flags uint64) uint64 {
	return (n<<shadow.PageShift)&frameMask | flags&flagMask
}

// Frame returns the frame number an entry maps.
func Frame(e uint64) shadow.MFN {
	return shadow.MFN((e & frameMask) >> shadow.PageShift)
}

// GuestFrame returns the guest frame number a guest entry maps.
func GuestFrame(e uint64) shadow.GFN {
	return shadow.GFN((e & frameMask) >> shadow.PageShift)
}

// Present returns true if the entry maps anything.
func Present(e uint64) bool {
	return e&FlagPresent != 0
}

// Writable returns true if the entry is present and allows writes.
func Writable(e uint64) bool {
	return e&(FlagPresent|FlagWritable) == FlagPresent|FlagWritable
}

func entryFlags(e uint64) uint64 {
	return e & flagMask
}
