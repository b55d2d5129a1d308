// Package gpu discovers host GPU devices and ranks them as admission
// candidates for the scheduler.
package gpu

import "time"

// Snapshot is a single consistent read of one device's state. Every
// field except Processes is drawn from one underlying vendor query (no
// split reads across those fields); Processes is filled from a separate
// compute-apps query made right after it.
type Snapshot struct {
	Index           int
	Name            string
	Temperature     float64 // Celsius
	UtilizationPct  float64 // 0-100
	MemoryTotalMB   uint64
	MemoryUsedMB    uint64
	MemoryFreeMB    uint64
	PowerDrawWatts  float64
	PowerLimitWatts float64
	Processes       []Process
	ObservedAt      time.Time
}

// MemoryFreeGB reports free memory in gigabytes (fractional), used by the
// Selector's admissibility check against a task's memory_gb requirement.
func (s Snapshot) MemoryFreeGB() float64 {
	return float64(s.MemoryFreeMB) / 1024.0
}

// Process is one process nvidia-smi reports as resident on a device.
type Process struct {
	PID        int
	Username   string
	Command    string
	UsedMemMB  uint64
}
