package monitoring

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"
	"github.com/sarchlab/vmshadow/mem/vm/shadow"
	"github.com/shirou/gopsutil/process"
)

const defaultProfileTop = 20

// ResourceRsp is what /api/resource reports: the host process and the
// machine memory the monitored shadow pools hold.
type ResourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSS        uint64  `json:"rss"`
	Domains    int     `json:"domains"`
	PoolPages  int     `json:"pool_pages"`
	P2MPages   int     `json:"p2m_pages"`
	InUsePages int     `json:"in_use_pages"`
	PoolBytes  uint64  `json:"pool_bytes"`
}

// ProfileRsp is a CPU profile of the monitor process reduced to the
// functions that were on CPU. Shadow marks the shadow paging code.
type ProfileRsp struct {
	DurationMS int64            `json:"duration_ms"`
	Samples    int64            `json:"samples"`
	Functions  []FunctionSample `json:"functions"`
}

// FunctionSample counts the samples a function was running in.
type FunctionSample struct {
	Name   string `json:"name"`
	Flat   int64  `json:"flat"`
	Shadow bool   `json:"shadow"`
}

// poolUsage adds up the pools of every monitored domain.
func (m *Monitor) poolUsage() (rsp ResourceRsp) {
	for _, d := range m.domains.Domains() {
		g := d.Lock()
		stats := d.PoolStats()
		g.Unlock()

		rsp.Domains++
		rsp.PoolPages += stats.Total + stats.P2M
		rsp.P2MPages += stats.P2M
		rsp.InUsePages += stats.InUse
	}

	rsp.PoolBytes = uint64(rsp.PoolPages) * shadow.PageSize

	return rsp
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	rsp := m.poolUsage()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		writeServerError(w, "inspecting the monitor process", err)
		return
	}

	if rsp.CPUPercent, err = proc.CPUPercent(); err != nil {
		writeServerError(w, "reading CPU usage", err)
		return
	}

	mem, err := proc.MemoryInfo()
	if err != nil {
		writeServerError(w, "reading memory usage", err)
		return
	}

	rsp.RSS = mem.RSS

	writeJSON(w, rsp)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	top := defaultProfileTop

	if s := r.URL.Query().Get("top"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Error: invalid top %q", s)

			return
		}

		top = n
	}

	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(m.profileFor)
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		writeServerError(w, "parsing the CPU profile", err)
		return
	}

	rsp := flatProfile(prof, top)
	rsp.DurationMS = m.profileFor.Milliseconds()

	writeJSON(w, rsp)
}

// flatProfile charges every sample to the function on top of its stack and
// keeps the busiest functions.
func flatProfile(prof *profile.Profile, top int) ProfileRsp {
	rsp := ProfileRsp{Functions: []FunctionSample{}}
	flat := make(map[string]int64)

	for _, s := range prof.Sample {
		if len(s.Value) == 0 {
			continue
		}

		rsp.Samples += s.Value[0]

		if len(s.Location) == 0 || len(s.Location[0].Line) == 0 {
			continue
		}

		fn := s.Location[0].Line[0].Function
		if fn == nil {
			continue
		}

		flat[fn.Name] += s.Value[0]
	}

	for name, n := range flat {
		rsp.Functions = append(rsp.Functions, FunctionSample{
			Name:   name,
			Flat:   n,
			Shadow: strings.Contains(name, "/mem/vm/shadow"),
		})
	}

	sort.Slice(rsp.Functions, func(i, j int) bool {
		a, b := rsp.Functions[i], rsp.Functions[j]
		if a.Flat != b.Flat {
			return a.Flat > b.Flat
		}

		return a.Name < b.Name
	})

	if len(rsp.Functions) > top {
		rsp.Functions = rsp.Functions[:top]
	}

	return rsp
}
