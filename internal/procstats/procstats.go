// Package procstats samples the resource usage of a process for capture
// reports.
package procstats

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is one sample. Fields the platform cannot report stay zero.
type Stats struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name,omitempty"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSMB      float64 `json:"rssMb"`
	Threads    int32   `json:"threads"`
}

// Sample reads CPU, resident memory and thread count for pid.
func Sample(pid int) (Stats, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Stats{}, fmt.Errorf("process %d not found: %w", pid, err)
	}

	st := Stats{PID: p.Pid}
	if name, err := p.Name(); err == nil {
		st.Name = name
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		st.RSSMB = float64(mem.RSS) / 1024 / 1024
	}
	if threads, err := p.NumThreads(); err == nil {
		st.Threads = threads
	}
	return st, nil
}

// LogArgs flattens a sample into slog key/value pairs.
func (s Stats) LogArgs() []any {
	return []any{
		"pid", s.PID,
		"cpuPercent", s.CPUPercent,
		"rssMb", s.RSSMB,
		"threads", s.Threads,
	}
}
