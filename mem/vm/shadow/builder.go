package shadow

import (
	"log"

	"github.com/sirupsen/logrus"
)

// A Builder can build Domains
type Builder struct {
	allocator  PageAllocator
	frames     FrameTable
	memory     FrameMemory
	flusher    TLBFlusher
	preempter  Preempter
	codecs     map[GuestMode]ModeCodec
	numVCPUs   int
	hvm        bool
	guestPages uint64
	oos        bool
	heuristics HeuristicTable
	logger     logrus.FieldLogger
	hooks      []Hook
}

// MakeBuilder returns a Builder
func MakeBuilder() Builder {
	return Builder{
		codecs:     make(map[GuestMode]ModeCodec),
		numVCPUs:   1,
		hvm:        true,
		oos:        true,
		heuristics: DefaultHeuristics(),
	}
}

// WithAllocator sets the allocator that provides the pool pages.
func (b Builder) WithAllocator(a PageAllocator) Builder {
	b.allocator = a
	return b
}

// WithFrameTable sets where the type and owner of guest frames is looked up.
func (b Builder) WithFrameTable(t FrameTable) Builder {
	b.frames = t
	return b
}

// WithMemory sets the accessor of frame contents.
func (b Builder) WithMemory(m FrameMemory) Builder {
	b.memory = m
	return b
}

// WithFlusher sets the TLB flush primitive.
func (b Builder) WithFlusher(f TLBFlusher) Builder {
	b.flusher = f
	return b
}

// WithPreempter sets the source of preemption points used by pool resizes.
func (b Builder) WithPreempter(p Preempter) Builder {
	b.preempter = p
	return b
}

// WithCodec registers the codec of a guest paging mode.
func (b Builder) WithCodec(mode GuestMode, c ModeCodec) Builder {
	codecs := make(map[GuestMode]ModeCodec, len(b.codecs)+1)
	for m, existing := range b.codecs {
		codecs[m] = existing
	}

	codecs[mode] = c
	b.codecs = codecs

	return b
}

// WithVCPUs sets the number of virtual CPUs.
func (b Builder) WithVCPUs(n int) Builder {
	b.numVCPUs = n
	return b
}

// WithHVM sets if the domain is a translated guest.
func (b Builder) WithHVM(hvm bool) Builder {
	b.hvm = hvm
	return b
}

// WithGuestPages sets the amount of guest memory, in pages. It determines the
// minimum pool size.
func (b Builder) WithGuestPages(n uint64) Builder {
	b.guestPages = n
	return b
}

// WithOOS enables or disables out-of-sync guest l1s.
func (b Builder) WithOOS(enabled bool) Builder {
	b.oos = enabled
	return b
}

// WithHeuristics sets the table of writable-mapping guesses.
func (b Builder) WithHeuristics(t HeuristicTable) Builder {
	b.heuristics = t
	return b
}

// WithLogger sets the logger of the domain.
func (b Builder) WithLogger(l logrus.FieldLogger) Builder {
	b.logger = l
	return b
}

// WithHook registers a hook on the built domain.
func (b Builder) WithHook(h Hook) Builder {
	b.hooks = append(b.hooks[:len(b.hooks):len(b.hooks)], h)
	return b
}

// Build creates a domain with the given ID.
func (b Builder) Build(id DomainID) *Domain {
	b.mustBeComplete()

	d := &Domain{
		HookableBase: NewHookableBase(),
		id:           id,
		allocator:    b.allocator,
		frames:       b.frames,
		memory:       b.memory,
		flusher:      b.flusher,
		preempter:    b.preempter,
		heuristics:   b.heuristics,
		hvm:          b.hvm,
		guestPages:   b.guestPages,
		oosOff:       !b.oos,
		stamps:       make(map[MFN]uint64),
		arena:        make([]shadowPage, 1),
		byMFN:        make(map[MFN]Handle),
		guests:       make(map[MFN]*guestPage),
		unpaged:      InvalidMFN,
	}

	if d.preempter == nil {
		d.preempter = neverYield{}
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	d.log = logger.WithField("domain", uint32(id))

	for mode, c := range b.codecs {
		d.codecs[mode] = c
	}

	for k := KindNone; k < numKinds; k++ {
		d.dispatch[k] = d.codecs[k.Mode()]
	}

	for i := 0; i < b.numVCPUs; i++ {
		d.vcpus = append(d.vcpus, newVCPU(d, i))
	}

	for _, h := range b.hooks {
		d.AcceptHook(h)
	}

	return d
}

func (b Builder) mustBeComplete() {
	if b.allocator == nil {
		log.Panic("shadow domain requires a page allocator")
	}

	if b.frames == nil {
		log.Panic("shadow domain requires a frame table")
	}

	if b.memory == nil {
		log.Panic("shadow domain requires frame memory")
	}

	if b.flusher == nil {
		log.Panic("shadow domain requires a TLB flusher")
	}

	if b.numVCPUs <= 0 || b.numVCPUs > 64 {
		log.Panicf("invalid number of vCPUs %d", b.numVCPUs)
	}
}
