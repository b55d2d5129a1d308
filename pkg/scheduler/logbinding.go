package scheduler

import "github.com/nodepool/gpusched/pkg/task"

// LogBinding is the external store named in spec §6: a lookup from
// (mode, config_index, queue_id, process_index) to an absolute log file
// path. The scheduler reads it once per execution attempt of a task, to
// decide where to route a child's stdio (spec §4.F step 2) — it never
// writes to it.
type LogBinding interface {
	Path(mode task.Mode, configIndex, queueID, processIndex int) (string, bool)
}

// NoLogBinding is a LogBinding that never has a binding, routing every
// task's stdio to the scheduler's own log instead.
type NoLogBinding struct{}

// Path implements LogBinding.
func (NoLogBinding) Path(task.Mode, int, int, int) (string, bool) { return "", false }
