package monitoring

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMonitor samples process CPU and memory on a slow cadence tick and
// serves the latest snapshot to the health endpoint.
type SystemMonitor struct {
	mu   sync.RWMutex
	log  zerolog.Logger
	proc *process.Process

	cpuPercent float64
	memoryMB   float64
}

func NewSystemMonitor(log zerolog.Logger) *SystemMonitor {
	sm := &SystemMonitor{log: log.With().Str("component", "sysmon").Logger()}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		sm.log.Error().Err(err).Msg("Failed to attach to own process, falling back to system memory")
	} else {
		sm.proc = proc
	}
	return sm
}

// Sample refreshes the snapshot. Called from the serverTick_30s cadence.
func (sm *SystemMonitor) Sample() {
	var cpuPercent, memoryMB float64

	if sm.proc != nil {
		if v, err := sm.proc.CPUPercent(); err == nil {
			cpuPercent = v
		}
		if info, err := sm.proc.MemoryInfo(); err == nil {
			memoryMB = float64(info.RSS) / 1024 / 1024
		}
	} else if vmem, err := mem.VirtualMemory(); err == nil {
		memoryMB = float64(vmem.Used) / 1024 / 1024
	}

	sm.mu.Lock()
	sm.cpuPercent = cpuPercent
	sm.memoryMB = memoryMB
	sm.mu.Unlock()

	sm.log.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("memory_mb", memoryMB).
		Msg("System snapshot")
}

// Snapshot returns the last sampled CPU percentage and RSS in MiB.
func (sm *SystemMonitor) Snapshot() (cpuPercent, memoryMB float64) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.cpuPercent, sm.memoryMB
}
