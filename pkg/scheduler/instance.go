package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/nodepool/gpusched/pkg/config"
	"github.com/nodepool/gpusched/pkg/gpu"
	"github.com/nodepool/gpusched/pkg/parser"
	"github.com/nodepool/gpusched/pkg/task"
)

// ErrNoDevicesProbed is returned by NewInstance when the GPU Probe
// reports an empty device list, the fatal start-up condition spec
// §4.A/§4.G name explicitly.
var ErrNoDevicesProbed = errors.New("scheduler: no GPU devices probed")

// ErrMalformedCommandFile wraps a command-file parse failure surfaced
// during Start, per spec §4.G step 3.
var ErrMalformedCommandFile = errors.New("scheduler: malformed command file")

// MetricsSink receives instance state changes for export, implemented
// by pkg/observability against prometheus/client_golang (spec
// SPEC_FULL.md §4.G [DOMAIN-STACK]). Nil-safe: an Instance with no
// sink configured simply doesn't export metrics.
type MetricsSink interface {
	SetQueueState(identity string, queueID int, state task.QueueState)
	SetTaskCounts(identity string, pending, running, completed, failed int)
	SetGPUHeld(identity string, device int, held bool)
}

// SnapshotSink receives a fresh Snapshot when the instance starts
// running, each time one of its queue workers exits, and when the
// instance reaches its terminal state; individual task transitions do
// not trigger a publish. Implemented by pkg/observability to push over a
// gorilla/websocket connection (SPEC_FULL.md §4.G [DOMAIN-STACK]).
type SnapshotSink interface {
	Publish(Snapshot)
}

// Instance is the Scheduler Instance of spec §4.G: owns a
// SchedulerConfig, the Occupancy Ledger, the queue map, and the
// aggregate counters a Snapshot exposes.
type Instance struct {
	mode        task.Mode
	configIndex int
	cfg         config.SchedulerConfig

	pid           int
	startedAt     time.Time
	chosenDevices []int

	ledger  *Ledger
	queues  []*task.Queue
	workers []*Worker

	logBinding LogBinding
	metrics    MetricsSink
	snapshots  SnapshotSink
	logger     *logrus.Entry
	tracer     trace.Tracer

	mu        sync.Mutex
	state     task.InstanceState
	lastError string

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// InstanceDeps bundles the collaborators an Instance needs beyond its
// config; the optional ones (LogBinding, MetricsSink, SnapshotSink,
// Logger, Tracer) may be left nil.
type InstanceDeps struct {
	Probe      *gpu.Probe
	LogBinding LogBinding
	Metrics    MetricsSink
	Snapshots  SnapshotSink
	Logger     *logrus.Entry
	Tracer     trace.Tracer
}

// NewInstance runs the spec §4.G start sequence: probe devices,
// compute chosen, parse the command file, build queues, and launch one
// worker goroutine per queue. It returns once every worker is running;
// callers observe progress via Snapshot.
func NewInstance(mode task.Mode, configIndex int, cfg config.SchedulerConfig, deps InstanceDeps) (*Instance, error) {
	inst := &Instance{
		mode:        mode,
		configIndex: configIndex,
		cfg:         cfg,
		pid:         os.Getpid(),
		ledger:      NewLedger(),
		logBinding:  deps.LogBinding,
		metrics:     deps.Metrics,
		snapshots:   deps.Snapshots,
		logger:      deps.Logger,
		tracer:      deps.Tracer,
		state:       task.InstanceStarting,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	devices, err := deps.Probe.ListDevices()
	if err != nil {
		inst.fail(fmt.Sprintf("probe: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrNoDevicesProbed, err)
	}
	if len(devices) == 0 {
		inst.fail("probe returned no devices")
		return nil, ErrNoDevicesProbed
	}

	inst.chosenDevices = chooseDevices(devices, cfg)

	commandFile := cfg.GPUCommandFile
	parseFn := parser.ParseSingle
	if mode == task.ModeMulti {
		commandFile = cfg.GPUsCommandFile
		parseFn = parser.ParseMulti
	}
	data, err := os.ReadFile(commandFile)
	if err != nil {
		inst.fail(fmt.Sprintf("read command file: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommandFile, err)
	}
	parsed, err := parseFn(data)
	if err != nil {
		inst.fail(fmt.Sprintf("parse command file: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommandFile, err)
	}

	inst.queues = buildQueues(parsed, cfg.WorkDir)

	probe := deps.Probe
	selector := gpu.NewSelector(probe)
	myUsername := currentUsername()

	inst.workers = make([]*Worker, len(inst.queues))
	for i, q := range inst.queues {
		inst.workers[i] = NewWorker(q, WorkerConfig{
			Mode:           mode,
			ConfigIndex:    configIndex,
			ChosenDevices:  inst.chosenDevices,
			Ledger:         inst.ledger,
			Probe:          probe,
			Selector:       selector,
			CheckInterval:  time.Duration(cfg.CheckTime) * time.Second,
			MaximizeUtil:   cfg.MaximizeResourceUtilization,
			MemorySaveMode: cfg.MemorySaveMode,
			MyUsername:     myUsername,
			RetryPolicy:    task.RetryPolicy{MaxRetryBeforeBackoff: cfg.RetryConfig.MaxRetryBeforeBackoff, BackoffDurationSec: cfg.RetryConfig.BackoffDuration},
			LogBinding:     inst.logBinding,
			Logger:         inst.logger,
			Tracer:         inst.tracer,
			StopCh:         inst.stopCh,
		})
	}

	inst.startedAt = time.Now()
	inst.setState(task.InstanceRunning)

	var wg sync.WaitGroup
	for _, w := range inst.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(context.Background())
			inst.publish()
		}(w)
	}
	go func() {
		wg.Wait()
		inst.finalize()
		close(inst.doneCh)
	}()

	inst.publish()
	return inst, nil
}

// chooseDevices implements spec §4.E step 1 and §6's compete_gpus /
// use_all_gpus keys: the eligible set is the full probed list when
// use_all_gpus is set, else probed ∩ compete_gpus; chosen is the K
// numerically smallest of that eligible set.
func chooseDevices(probed []int, cfg config.SchedulerConfig) []int {
	eligible := probed
	if !cfg.UseAllGPUs && len(cfg.CompeteGPUs) > 0 {
		allowed := make(map[int]bool, len(cfg.CompeteGPUs))
		for _, d := range cfg.CompeteGPUs {
			allowed[d] = true
		}
		eligible = nil
		for _, d := range probed {
			if allowed[d] {
				eligible = append(eligible, d)
			}
		}
	}

	sorted := append([]int(nil), eligible...)
	sort.Ints(sorted)

	k := cfg.ChosenCount(len(sorted))
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}

// buildQueues groups parsed command-file tasks by queue id, in
// first-appearance order, and constructs Task/Queue objects (spec
// §4.E step 3).
func buildQueues(parsed []parser.ParsedTask, workDir string) []*task.Queue {
	byQueue := parser.GroupByQueue(parsed)
	order := parser.QueueOrder(parsed)

	queues := make([]*task.Queue, 0, len(order))
	taskID := 0
	for _, qid := range order {
		var tasks []*task.Task
		for position, pt := range byQueue[qid] {
			taskID++
			tasks = append(tasks, task.NewTask(taskID, qid, position, pt.Commands, pt.MemoryGB, pt.GPUCount, workDir))
		}
		queues = append(queues, task.NewQueue(qid, tasks))
	}
	return queues
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

// Stop implements the spec §4.G stop sequence: set the stop flag,
// signal every worker, and wait for them to unwind before finalizing
// instance state. It is idempotent.
func (inst *Instance) Stop() {
	inst.once.Do(func() {
		inst.setState(task.InstanceStopping)
		close(inst.stopCh)
	})
	<-inst.doneCh
}

// Done returns a channel closed once every worker has exited and the
// instance has reached a terminal state.
func (inst *Instance) Done() <-chan struct{} { return inst.doneCh }

func (inst *Instance) setState(s task.InstanceState) {
	inst.mu.Lock()
	inst.state = s
	inst.mu.Unlock()
}

func (inst *Instance) fail(errMsg string) {
	inst.mu.Lock()
	inst.state = task.InstanceFailed
	inst.lastError = errMsg
	inst.mu.Unlock()
}

// finalize computes the instance's terminal state from its queues'
// final states, per spec §4.G: failed if any queue failed, else
// completed.
func (inst *Instance) finalize() {
	failed := false
	for _, q := range inst.queues {
		if q.State() == task.QueueFailed {
			failed = true
			break
		}
	}
	if failed {
		inst.setState(task.InstanceFailed)
	} else {
		inst.setState(task.InstanceCompleted)
	}
	inst.publish()
}

// Snapshot produces the immutable point-in-time observation named in
// spec §4.G; it is the only externally visible instance state.
func (inst *Instance) Snapshot() Snapshot {
	inst.mu.Lock()
	state := inst.state
	lastError := inst.lastError
	inst.mu.Unlock()

	snap := Snapshot{
		PID:           inst.pid,
		Mode:          inst.mode,
		ConfigIndex:   inst.configIndex,
		State:         state,
		StartedAt:     inst.startedAt,
		ChosenDevices: append([]int(nil), inst.chosenDevices...),
		LedgerHeld:    inst.ledger.HeldSet(),
		LastError:     lastError,
	}

	for _, q := range inst.queues {
		counters := q.Counters()
		snap.PendingTasks += counters.Pending
		snap.RunningTasks += counters.Running
		snap.CompletedTasks += counters.Completed
		snap.FailedTasks += counters.Failed
		snap.TotalTasks += counters.Total

		qs := QueueSnapshot{ID: q.ID, State: q.State(), Counters: counters}
		for _, t := range q.Tasks {
			ps := ProcessSnapshot{
				Index:          t.QueuePosition,
				State:          t.State(),
				MemoryGB:       t.MemoryGB,
				GPUCount:       t.GPUCount,
				CurrentDevices: t.Devices(),
				RetryCount:     t.RetryCount(),
				Commands:       t.Commands(),
				LastError:      t.LastError(),
			}
			qs.Processes = append(qs.Processes, ps)
			if ps.State == task.StateRunning {
				qs.CurrentTaskSummary = fmt.Sprintf("task %d running on %v", ps.Index, ps.CurrentDevices)
			}
		}
		snap.PerQueue = append(snap.PerQueue, qs)
	}

	return snap
}

// publish pushes the current state to the configured MetricsSink and
// SnapshotSink, both optional (spec SPEC_FULL.md §4.G [DOMAIN-STACK]).
func (inst *Instance) publish() {
	snap := inst.Snapshot()
	identity := Identity(inst.mode, inst.configIndex)

	if inst.metrics != nil {
		inst.metrics.SetTaskCounts(identity, snap.PendingTasks, snap.RunningTasks, snap.CompletedTasks, snap.FailedTasks)
		for _, qs := range snap.PerQueue {
			inst.metrics.SetQueueState(identity, qs.ID, qs.State)
		}
		for _, d := range inst.chosenDevices {
			_, held := snap.LedgerHeld[d]
			inst.metrics.SetGPUHeld(identity, d, held)
		}
	}
	if inst.snapshots != nil {
		inst.snapshots.Publish(snap)
	}
}
