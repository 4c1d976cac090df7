package shadow

import (
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
)

// HeuristicsVersion is the table format understood by LoadHeuristics.
const HeuristicsVersion = 1

// vaddrMask keeps the 48 implemented bits of a virtual address.
const vaddrMask = 1<<48 - 1

// Sources of the address a heuristic probes.
const (
	SourceFault = "fault"
	SourceGFN   = "gfn"
)

// A Heuristic guesses the linear address at which a guest kernel maps the
// pagetable entry that makes a frame writable.
//
// With SourceFault, the address is Base + (faultAddr >> Shift), the fault
// address masked to 48 bits first if MaskVaddr is set. Such guesses only
// apply when the frame was found at Level of the guest walk. With SourceGFN
// the address is Base + (gfn << Shift), for any level unless Level is set,
// and only for GFNs below MaxGFN when MaxGFN is set.
type Heuristic struct {
	Name        string
	GuestLevels int
	Level       int
	Base        uint64
	Source      string
	Shift       uint
	MaskVaddr   bool
	MaxGFN      uint64
}

// applies returns the address to probe, if the heuristic applies.
func (h Heuristic) applies(levels, level int, faultAddr uint64, gfn GFN) (uint64, bool) {
	if h.GuestLevels != levels {
		return 0, false
	}

	switch h.Source {
	case SourceFault:
		if level == 0 || h.Level != level {
			return 0, false
		}

		addr := faultAddr
		if h.MaskVaddr {
			addr &= vaddrMask
		}

		return h.Base + addr>>h.Shift, true
	case SourceGFN:
		if h.Level != 0 && h.Level != level {
			return 0, false
		}

		if h.MaxGFN != 0 && uint64(gfn) >= h.MaxGFN {
			return 0, false
		}

		return h.Base + uint64(gfn)<<h.Shift, true
	default:
		return 0, false
	}
}

// A HeuristicTable is an ordered list of guesses. They are tried in order.
type HeuristicTable struct {
	Version    int
	Heuristics []Heuristic
}

// DefaultHeuristics returns the guesses for the linear maps of common
// 32-bit and 64-bit kernels.
func DefaultHeuristics() HeuristicTable {
	return HeuristicTable{
		Version: HeuristicsVersion,
		Heuristics: []Heuristic{
			// 2-level guests.
			{Name: "w2k3-linear", GuestLevels: 2, Level: 1,
				Base: 0xC0000000, Source: SourceFault, Shift: 10},
			{Name: "linux-lowmem", GuestLevels: 2,
				Base: 0xC0000000, Source: SourceGFN, Shift: PageShift, MaxGFN: 0x38000},
			{Name: "freebsd-linear", GuestLevels: 2, Level: 1,
				Base: 0xBFC00000, Source: SourceFault, Shift: 10, MaskVaddr: true},

			// 3-level guests.
			{Name: "w2k3-pae-l1", GuestLevels: 3, Level: 1,
				Base: 0xC0000000, Source: SourceFault, Shift: 9},
			{Name: "w2k3-pae-l2", GuestLevels: 3, Level: 2,
				Base: 0xC0600000, Source: SourceFault, Shift: 18},
			{Name: "linux-pae-lowmem", GuestLevels: 3,
				Base: 0xC0000000, Source: SourceGFN, Shift: PageShift, MaxGFN: 0x38000},
			{Name: "freebsd-pae-l1", GuestLevels: 3, Level: 1,
				Base: 0xBF800000, Source: SourceFault, Shift: 9, MaskVaddr: true},
			{Name: "freebsd-pae-l2", GuestLevels: 3, Level: 2,
				Base: 0xBFDFC000, Source: SourceFault, Shift: 18, MaskVaddr: true},

			// 4-level guests.
			{Name: "w2k3-64-l1", GuestLevels: 4, Level: 1,
				Base: 0xfffff68000000000, Source: SourceFault, Shift: 9, MaskVaddr: true},
			{Name: "w2k3-64-l2", GuestLevels: 4, Level: 2,
				Base: 0xfffff6fb40000000, Source: SourceFault, Shift: 18, MaskVaddr: true},
			{Name: "w2k3-64-l3", GuestLevels: 4, Level: 3,
				Base: 0xfffff6fb7da00000, Source: SourceFault, Shift: 27, MaskVaddr: true},
			{Name: "linux-64-directmap", GuestLevels: 4,
				Base: 0xffff880000000000, Source: SourceGFN, Shift: PageShift},
			{Name: "linux-64-directmap-old", GuestLevels: 4,
				Base: 0xffff810000000000, Source: SourceGFN, Shift: PageShift},
			{Name: "linux-64-directmap-older", GuestLevels: 4,
				Base: 0x0000010000000000, Source: SourceGFN, Shift: PageShift},
			{Name: "solaris-64-kpm", GuestLevels: 4,
				Base: 0xfffffe0000000000, Source: SourceGFN, Shift: PageShift},
			{Name: "freebsd-64-l1", GuestLevels: 4, Level: 1,
				Base: 0xffff800000000000, Source: SourceFault, Shift: 9, MaskVaddr: true},
			{Name: "freebsd-64-l2", GuestLevels: 4, Level: 2,
				Base: 0xffff804000000000, Source: SourceFault, Shift: 18, MaskVaddr: true},
			{Name: "freebsd-64-l3", GuestLevels: 4, Level: 3,
				Base: 0xffff804020000000, Source: SourceFault, Shift: 27, MaskVaddr: true},
			{Name: "freebsd-64-directmap", GuestLevels: 4,
				Base: 0xffffff0000000000, Source: SourceGFN, Shift: PageShift},
		},
	}
}

// heuristicsFile is the TOML form of a table. Bases are strings because
// kernel addresses do not fit TOML's signed integers.
type heuristicsFile struct {
	Version   int             `toml:"version"`
	Heuristic []heuristicItem `toml:"heuristic"`
}

type heuristicItem struct {
	Name        string `toml:"name"`
	GuestLevels int    `toml:"guest_levels"`
	Level       int    `toml:"level"`
	Base        string `toml:"base"`
	Source      string `toml:"source"`
	Shift       uint   `toml:"shift"`
	MaskVaddr   bool   `toml:"mask_vaddr"`
	MaxGFN      string `toml:"max_gfn"`
}

// LoadHeuristics reads a table from a TOML file.
func LoadHeuristics(path string) (HeuristicTable, error) {
	var f heuristicsFile

	if _, err := toml.DecodeFile(path, &f); err != nil {
		return HeuristicTable{}, fmt.Errorf("reading heuristics %s: %w", path, err)
	}

	return f.table()
}

// ParseHeuristics reads a table from TOML text.
func ParseHeuristics(text string) (HeuristicTable, error) {
	var f heuristicsFile

	if _, err := toml.Decode(text, &f); err != nil {
		return HeuristicTable{}, fmt.Errorf("parsing heuristics: %w", err)
	}

	return f.table()
}

func (f heuristicsFile) table() (HeuristicTable, error) {
	if f.Version != HeuristicsVersion {
		return HeuristicTable{}, fmt.Errorf("unsupported heuristics version %d", f.Version)
	}

	t := HeuristicTable{Version: f.Version}

	for i, item := range f.Heuristic {
		h, err := item.heuristic()
		if err != nil {
			return HeuristicTable{}, fmt.Errorf("heuristic %d (%s): %w", i, item.Name, err)
		}

		t.Heuristics = append(t.Heuristics, h)
	}

	return t, nil
}

func (item heuristicItem) heuristic() (Heuristic, error) {
	if item.GuestLevels < 2 || item.GuestLevels > 4 {
		return Heuristic{}, fmt.Errorf("invalid guest levels %d", item.GuestLevels)
	}

	if item.Source != SourceFault && item.Source != SourceGFN {
		return Heuristic{}, fmt.Errorf("invalid source %q", item.Source)
	}

	if item.Source == SourceFault && item.Level == 0 {
		return Heuristic{}, fmt.Errorf("fault heuristic needs a level")
	}

	base, err := strconv.ParseUint(item.Base, 0, 64)
	if err != nil {
		return Heuristic{}, fmt.Errorf("invalid base: %w", err)
	}

	var maxGFN uint64
	if item.MaxGFN != "" {
		maxGFN, err = strconv.ParseUint(item.MaxGFN, 0, 64)
		if err != nil {
			return Heuristic{}, fmt.Errorf("invalid max_gfn: %w", err)
		}
	}

	return Heuristic{
		Name:        item.Name,
		GuestLevels: item.GuestLevels,
		Level:       item.Level,
		Base:        base,
		Source:      item.Source,
		Shift:       item.Shift,
		MaskVaddr:   item.MaskVaddr,
		MaxGFN:      maxGFN,
	}, nil
}
