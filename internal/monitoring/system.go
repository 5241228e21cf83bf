package monitoring

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is one snapshot of process resource usage, served by the
// gateway's health endpoint.
type ProcessStats struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	Goroutines int       `json:"goroutines"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemMonitor periodically samples process CPU and memory. Measure once,
// query many times: every health check reads the same cached snapshot.
type SystemMonitor struct {
	proc   *process.Process
	logger zerolog.Logger

	mu    sync.RWMutex
	stats ProcessStats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor for the current process. If process
// handles are unavailable it falls back to system-wide memory figures.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error().Err(err).Msg("failed to get process handle, falling back to system memory")
		proc = nil
	}
	return &SystemMonitor{
		proc:   proc,
		logger: logger.With().Str("component", "system_monitor").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start begins sampling at the given interval.
func (m *SystemMonitor) Start(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer RecoverPanic(m.logger, "system_monitor")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.collect()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.collect()
			}
		}
	}()
}

// Stop halts sampling and waits for the collector goroutine.
func (m *SystemMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Stats returns the latest snapshot.
func (m *SystemMonitor) Stats() ProcessStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *SystemMonitor) collect() {
	stats := ProcessStats{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	if m.proc != nil {
		if cpuPercent, err := m.proc.CPUPercent(); err == nil {
			stats.CPUPercent = cpuPercent
		}
		if memInfo, err := m.proc.MemoryInfo(); err == nil {
			stats.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
		}
	} else if vmem, err := mem.VirtualMemory(); err == nil {
		stats.MemoryMB = float64(vmem.Used) / 1024 / 1024
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()

	m.logger.Debug().
		Float64("cpu_percent", stats.CPUPercent).
		Float64("memory_mb", stats.MemoryMB).
		Int("goroutines", stats.Goroutines).
		Msg("process stats updated")
}
