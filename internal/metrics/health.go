package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// HostHealth is the cached process/host snapshot attached to health
// responses.
type HostHealth struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSSMB   float64 `json:"memory_rss_mb"`
	Goroutines    int     `json:"goroutines"`
}

// HealthCollector gathers process metrics with a short cache so frequent
// health polls stay cheap.
type HealthCollector struct {
	startTime time.Time

	mu      sync.Mutex
	cached  *HostHealth
	expires time.Time
}

// NewHealthCollector creates a collector anchored at process start.
func NewHealthCollector() *HealthCollector {
	return &HealthCollector{startTime: time.Now()}
}

// Snapshot returns the current host health, cached for 15 seconds.
func (h *HealthCollector) Snapshot() HostHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cached != nil && time.Now().Before(h.expires) {
		return *h.cached
	}

	snap := HostHealth{
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			snap.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
		}
	}

	h.cached = &snap
	h.expires = time.Now().Add(15 * time.Second)
	return snap
}
