package scheduler

import (
	"strconv"
	"time"

	"github.com/nodepool/gpusched/pkg/task"
)

// Snapshot is the Scheduler Instance's only externally visible state
// (spec §4.G): an immutable point-in-time observation safe to hand to
// an HTTP handler or a websocket writer without further locking.
type Snapshot struct {
	PID           int
	Mode          task.Mode
	ConfigIndex   int
	State         task.InstanceState
	StartedAt     time.Time
	ChosenDevices []int
	LedgerHeld    map[int]int

	PendingTasks   int
	RunningTasks   int
	CompletedTasks int
	FailedTasks    int
	TotalTasks     int

	PerQueue []QueueSnapshot

	LastError string
}

// QueueSnapshot is one queue's contribution to an instance Snapshot.
type QueueSnapshot struct {
	ID                 int
	State              task.QueueState
	Counters           task.Counters
	CurrentTaskSummary string
	Processes          []ProcessSnapshot
}

// ProcessSnapshot describes one task from the outside, named "process"
// in spec §4.G's snapshot shape since it is the unit of observation an
// operator associates with one spawned child at a time.
type ProcessSnapshot struct {
	Index          int
	State          task.State
	MemoryGB       float64
	GPUCount       int
	CurrentDevices []int
	RetryCount     int
	Commands       []string
	LastError      string
}

// Identity renders the (mode, config_index) pair as the path-segment
// and Prometheus-label string named in SPEC_FULL.md's glossary.
func Identity(mode task.Mode, configIndex int) string {
	return string(mode) + "/" + strconv.Itoa(configIndex)
}
