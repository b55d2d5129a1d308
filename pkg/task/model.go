package task

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Mode selects single- or multi-GPU execution, per spec §1.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// Task is one unit of sequential work within a Queue (spec §3).
type Task struct {
	// Immutable
	ID            int      // stable config-wide id (spec §3)
	QueueID       int
	QueuePosition int      // 0-based position within its queue; the §4.F/§6 "process_index" key
	CommandTmpls  []string // with {work_dir} placeholders, before substitution
	MemoryGB      float64
	GPUCount      int // >=1 in multi mode; always 1 in single mode
	CorrelationID string

	// Mutable runtime fields, guarded by mu
	mu         sync.Mutex
	state      State
	retryCount int
	lastError  string
	devices    []int
	commands   []string // after {work_dir} substitution
}

// NewTask constructs a Task in state pending, substituting {work_dir} in
// every command template (spec §4.E step 3). id is the stable
// config-wide task id (spec §3); queuePosition is the task's 0-based
// position within its own queue, the key external log bindings and
// ProcessSnapshot use (spec §4.F step 2 / §6).
func NewTask(id, queueID, queuePosition int, commandTmpls []string, memoryGB float64, gpuCount int, workDir string) *Task {
	commands := make([]string, len(commandTmpls))
	for i, tmpl := range commandTmpls {
		commands[i] = strings.ReplaceAll(tmpl, "{work_dir}", workDir)
	}
	return &Task{
		ID:            id,
		QueueID:       queueID,
		QueuePosition: queuePosition,
		CommandTmpls:  commandTmpls,
		MemoryGB:      memoryGB,
		GPUCount:      gpuCount,
		CorrelationID: uuid.NewString(),
		state:         StatePending,
		commands:      commands,
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Commands returns the task's post-substitution command list.
func (t *Task) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.commands))
	copy(out, t.commands)
	return out
}

// RetryCount returns how many times the task has failed admission/execution.
func (t *Task) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

// LastError returns the most recently recorded failure, if any.
func (t *Task) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

// Devices returns the device ids currently held by this task, if running.
func (t *Task) Devices() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.devices))
	copy(out, t.devices)
	return out
}

// transition moves the task to 'to', enforcing the legal-transition table.
// It panics on an illegal transition: that is a worker bug, not a runtime
// condition the scheduler should swallow.
func (t *Task) transition(to State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.state, to) {
		panic("task: illegal transition " + string(t.state) + " -> " + string(to))
	}
	t.state = to
}

// MarkRunning transitions pending -> running and records the acquired devices.
func (t *Task) MarkRunning(devices []int) {
	t.transition(StateRunning)
	t.mu.Lock()
	t.devices = append([]int(nil), devices...)
	t.mu.Unlock()
}

// MarkCompleted transitions running -> completed and releases device bookkeeping.
func (t *Task) MarkCompleted() {
	t.transition(StateCompleted)
	t.mu.Lock()
	t.devices = nil
	t.mu.Unlock()
}

// MarkRetrying transitions running -> retrying, incrementing retry_count and
// recording last_error (spec §4.F step 3).
func (t *Task) MarkRetrying(errMsg string) int {
	t.transition(StateRetrying)
	t.mu.Lock()
	t.retryCount++
	t.lastError = errMsg
	t.devices = nil
	n := t.retryCount
	t.mu.Unlock()
	return n
}

// MarkPendingAfterBackoff transitions retrying -> pending, returning the task
// to the admit loop for another attempt.
func (t *Task) MarkPendingAfterBackoff() {
	t.transition(StatePending)
}

// MarkFailed transitions running -> failed. The worker does not call it:
// a stop returns the task to pending via MarkPendingAfterStop, and
// ordinary command failures retry instead.
func (t *Task) MarkFailed(errMsg string) {
	t.transition(StateFailed)
	t.mu.Lock()
	t.lastError = errMsg
	t.devices = nil
	t.mu.Unlock()
}

// MarkPendingAfterStop transitions running -> pending directly, without
// touching retry_count or last_error, for a task interrupted by a stop
// request rather than classified as a failure (spec §4.F "Queue
// termination").
func (t *Task) MarkPendingAfterStop() {
	t.transition(StatePending)
	t.mu.Lock()
	t.devices = nil
	t.mu.Unlock()
}

// Queue is an ordered list of Tasks sharing one serial execution lane
// (spec §3).
type Queue struct {
	ID    int
	Tasks []*Task

	mu    sync.Mutex
	state QueueState
}

// NewQueue builds a Queue in state idle.
func NewQueue(id int, tasks []*Task) *Queue {
	return &Queue{ID: id, Tasks: tasks, state: QueueIdle}
}

// State returns the queue's current lifecycle state.
func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// SetState overwrites the queue's lifecycle state; called by the worker
// as tasks progress (spec §4.F "Queue termination").
func (q *Queue) SetState(s QueueState) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

// Counters holds the derived per-queue (and, summed, per-instance)
// counters named in spec §3 and §4.G's snapshot shape.
type Counters struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Total     int
}

// Counters computes this queue's derived counters by scanning its tasks.
func (q *Queue) Counters() Counters {
	c := Counters{}
	for _, t := range q.Tasks {
		c.Total++
		switch t.State() {
		case StatePending, StateRetrying:
			c.Pending++
		case StateRunning:
			c.Running++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
	}
	return c
}

// CurrentDevices returns the union of devices held by this queue's
// currently running task(s) (normally at most one, since a queue's tasks
// run strictly serially).
func (q *Queue) CurrentDevices() []int {
	for _, t := range q.Tasks {
		if t.State() == StateRunning {
			return t.Devices()
		}
	}
	return nil
}
