package monitoring

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sarchlab/vmshadow/mem/vm/shadow"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"
)

// DomainSummary is what /api/domains reports for one domain.
type DomainSummary struct {
	ID           uint32         `json:"id"`
	Mode         uint32         `json:"mode"`
	Enabled      bool           `json:"enabled"`
	HVM          bool           `json:"hvm"`
	VCPUs        int            `json:"vcpus"`
	Crashed      bool           `json:"crashed"`
	CrashReason  string         `json:"crash_reason,omitempty"`
	OOSActive    bool           `json:"oos_active"`
	AllocationMB int            `json:"allocation_mb"`
	Pool         PoolSummary    `json:"pool"`
	Shadows      map[string]int `json:"shadows"`
}

// PoolSummary is the pool accounting of a domain.
type PoolSummary struct {
	Total int `json:"total"`
	Free  int `json:"free"`
	InUse int `json:"in_use"`
	P2M   int `json:"p2m"`
}

// VCPUOOS lists the out-of-sync pages of one vCPU.
type VCPUOOS struct {
	VCPU    int        `json:"vcpu"`
	Entries []OOSEntry `json:"entries"`
}

// OOSEntry is one occupied slot of an out-of-sync table.
type OOSEntry struct {
	Slot     int      `json:"slot"`
	GMFN     uint64   `json:"gmfn"`
	Snapshot uint64   `json:"snapshot"`
	Fixups   []string `json:"fixups"`
}

// AllocationRsp reports the pool size of a domain.
type AllocationRsp struct {
	MB int `json:"mb"`
}

// domainStatus is the detailed view serialized for /api/domain/{id}.
type domainStatus struct {
	Summary DomainSummary
	VCPUs   []vcpuStatus
	Shadows []shadow.ShadowInfo
	Pinned  int
	Unpaged shadow.MFN
}

type vcpuStatus struct {
	ID               int
	Mode             string
	GuestTable       shadow.MFN
	MonitorTable     shadow.MFN
	LastWritableSMFN shadow.MFN
	OOS              []shadow.OOSEntry
}

func summarize(d *shadow.Domain) DomainSummary {
	crashed, reason := d.Crashed()
	stats := d.PoolStats()

	s := DomainSummary{
		ID:           uint32(d.ID()),
		Mode:         uint32(d.Mode()),
		Enabled:      d.Mode().Enabled(),
		HVM:          d.HVM(),
		VCPUs:        len(d.VCPUs()),
		Crashed:      crashed,
		CrashReason:  reason,
		OOSActive:    d.OOSActive(),
		AllocationMB: d.Allocation(),
		Pool: PoolSummary{
			Total: stats.Total,
			Free:  stats.Free,
			InUse: stats.InUse,
			P2M:   stats.P2M,
		},
		Shadows: make(map[string]int),
	}

	for k, n := range d.ShadowCounts() {
		s.Shadows[k.String()] = n
	}

	return s
}

func (m *Monitor) listDomains(w http.ResponseWriter, _ *http.Request) {
	summaries := make([]DomainSummary, 0)

	for _, d := range m.domains.Domains() {
		g := d.Lock()
		summaries = append(summaries, summarize(d))
		g.Unlock()
	}

	writeJSON(w, summaries)
}

func (m *Monitor) domainDetails(w http.ResponseWriter, r *http.Request) {
	d := m.findDomainOr404(w, r)
	if d == nil {
		return
	}

	g := d.Lock()

	status := domainStatus{
		Summary: summarize(d),
		Shadows: d.Shadows(),
		Unpaged: d.Unpaged(),
	}

	for _, v := range d.VCPUs() {
		status.VCPUs = append(status.VCPUs, vcpuStatus{
			ID:               v.ID(),
			Mode:             v.Mode().String(),
			GuestTable:       v.GuestTable(),
			MonitorTable:     v.MonitorTable(),
			LastWritableSMFN: v.LastWritableSMFN(),
			OOS:              v.OOSEntries(),
		})
	}

	for _, info := range status.Shadows {
		if info.Pinned {
			status.Pinned++
		}
	}

	g.Unlock()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&status)
	serializer.SetMaxDepth(3)
	if err := serializer.Serialize(w); err != nil {
		logrus.WithError(err).
			WithField("domain", uint32(d.ID())).
			Warn("monitor: serializing domain status")
	}
}

func (m *Monitor) listOOS(w http.ResponseWriter, r *http.Request) {
	d := m.findDomainOr404(w, r)
	if d == nil {
		return
	}

	g := d.Lock()

	list := make([]VCPUOOS, 0, len(d.VCPUs()))
	for _, v := range d.VCPUs() {
		item := VCPUOOS{VCPU: v.ID(), Entries: make([]OOSEntry, 0)}

		for _, e := range v.OOSEntries() {
			entry := OOSEntry{
				Slot:     e.Slot,
				GMFN:     uint64(e.GMFN),
				Snapshot: uint64(e.Snapshot),
				Fixups:   make([]string, 0, len(e.Fixups)),
			}

			for _, f := range e.Fixups {
				entry.Fixups = append(entry.Fixups,
					fmt.Sprintf("%#x+%d", uint64(f.SMFN), f.Offset))
			}

			item.Entries = append(item.Entries, entry)
		}

		list = append(list, item)
	}

	g.Unlock()

	writeJSON(w, list)
}

func (m *Monitor) blowDomainTables(w http.ResponseWriter, r *http.Request) {
	d := m.findDomainOr404(w, r)
	if d == nil {
		return
	}

	d.BlowTablesPerDomain()

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) blowAllTables(w http.ResponseWriter, _ *http.Request) {
	m.domains.BlowAllTables()

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) getAllocation(w http.ResponseWriter, r *http.Request) {
	d := m.findDomainOr404(w, r)
	if d == nil {
		return
	}

	res, err := d.Control(shadow.ControlOp{Kind: shadow.OpGetAllocation})
	if err != nil {
		writeControlError(w, err)
		return
	}

	writeJSON(w, AllocationRsp{MB: res.MB})
}

func (m *Monitor) setAllocation(w http.ResponseWriter, r *http.Request) {
	d := m.findDomainOr404(w, r)
	if d == nil {
		return
	}

	mb, err := strconv.Atoi(mux.Vars(r)["mb"])
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	res, err := d.Control(shadow.ControlOp{
		Kind: shadow.OpSetAllocation,
		MB:   mb,
	})
	if err != nil {
		writeControlError(w, err)
		return
	}

	writeJSON(w, AllocationRsp{MB: res.MB})
}

// writeControlError maps the result of a control request to a status code.
// A preempted request is accepted; the client sends it again.
func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shadow.ErrPreempted):
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, shadow.ErrInvalid):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, shadow.ErrNoMemory):
		w.WriteHeader(http.StatusInsufficientStorage)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}

	fmt.Fprintf(w, "Error: %s", err)
}

func (m *Monitor) findDomainOr404(
	w http.ResponseWriter,
	r *http.Request,
) *shadow.Domain {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return nil
	}

	d, ok := m.domains.Domain(shadow.DomainID(id))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Error: domain %d not found", id)

		return nil
	}

	return d
}
