package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nodepool/gpusched/pkg/gpu"
	"github.com/nodepool/gpusched/pkg/task"
)

// commandTimeout is the 7200s wall-clock ceiling spec §4.F/§5 places on a
// single spawned command.
const commandTimeout = 7200 * time.Second

// killGracePeriod is how long a child is given to exit after a graceful
// terminate signal before a forceful kill is sent (spec §5).
const killGracePeriod = 5 * time.Second

// Worker drives one queue's tasks strictly in order (spec §4.F).
type Worker struct {
	Queue *task.Queue

	mode           task.Mode
	configIndex    int
	chosenDevices  []int
	ledger         *Ledger
	probe          *gpu.Probe
	selector       *gpu.Selector
	checkInterval  time.Duration
	maximizeUtil   bool
	memorySaveMode bool
	myUsername     string
	retryPolicy    task.RetryPolicy
	logBinding     LogBinding
	fallbackLog    io.Writer
	logger         *logrus.Entry
	tracer         trace.Tracer

	stopCh <-chan struct{}
}

// WorkerConfig bundles a Worker's dependencies, all of which are owned
// by the Scheduler Instance that constructs it.
type WorkerConfig struct {
	Mode           task.Mode
	ConfigIndex    int
	ChosenDevices  []int
	Ledger         *Ledger
	Probe          *gpu.Probe
	Selector       *gpu.Selector
	CheckInterval  time.Duration
	MaximizeUtil   bool
	MemorySaveMode bool
	MyUsername     string
	RetryPolicy    task.RetryPolicy
	LogBinding     LogBinding
	FallbackLog    io.Writer
	Logger         *logrus.Entry
	Tracer         trace.Tracer
	StopCh         <-chan struct{}
}

// NewWorker builds a Worker for queue q from cfg.
func NewWorker(q *task.Queue, cfg WorkerConfig) *Worker {
	logBinding := cfg.LogBinding
	if logBinding == nil {
		logBinding = NoLogBinding{}
	}
	fallback := cfg.FallbackLog
	if fallback == nil {
		fallback = os.Stderr
	}
	return &Worker{
		Queue:          q,
		mode:           cfg.Mode,
		configIndex:    cfg.ConfigIndex,
		chosenDevices:  cfg.ChosenDevices,
		ledger:         cfg.Ledger,
		probe:          cfg.Probe,
		selector:       cfg.Selector,
		checkInterval:  cfg.CheckInterval,
		maximizeUtil:   cfg.MaximizeUtil,
		memorySaveMode: cfg.MemorySaveMode,
		myUsername:     cfg.MyUsername,
		retryPolicy:    cfg.RetryPolicy,
		logBinding:     logBinding,
		fallbackLog:    fallback,
		logger:         cfg.Logger,
		tracer:         cfg.Tracer,
		stopCh:         cfg.StopCh,
	}
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Run drives every task of w.Queue strictly in order until all are
// completed or the instance stop signal fires (spec §4.F, §5 ordering
// guarantee #1).
func (w *Worker) Run(ctx context.Context) {
	for i, t := range w.Queue.Tasks {
		if w.stopped() {
			return
		}
		if i == 0 {
			w.Queue.SetState(task.QueueRunning)
		}
		w.runTask(ctx, t)
		if w.stopped() {
			return
		}
	}
	w.finalizeQueueState()
}

func (w *Worker) finalizeQueueState() {
	for _, t := range w.Queue.Tasks {
		if t.State() == task.StateFailed {
			w.Queue.SetState(task.QueueFailed)
			return
		}
	}
	for _, t := range w.Queue.Tasks {
		if t.State() != task.StateCompleted {
			return // leave queue in its last state; not every task finished
		}
	}
	w.Queue.SetState(task.QueueCompleted)
}

// runTask drives one task through admit -> execute -> classify&retry ->
// release, repeating on TransientFailure until Success or stop (spec §4.F).
func (w *Worker) runTask(ctx context.Context, t *task.Task) {
	for {
		if w.stopped() {
			return
		}

		devices, ok := w.admit(ctx, t)
		if !ok {
			// stop fired mid-admit-loop; task remains pending.
			return
		}

		t.MarkRunning(devices)
		w.logf(t, logrus.InfoLevel, "task admitted", devices)

		outcome, errMsg := w.execute(ctx, t, devices)

		w.ledger.ReleaseAll(devices, w.Queue.ID)

		if w.stopped() {
			// Interrupted by stop, not a failure classification (spec §8 S5).
			t.MarkPendingAfterStop()
			return
		}

		if outcome == task.Success {
			t.MarkCompleted()
			return
		}

		retryCount := t.MarkRetrying(errMsg)
		w.logger0().WithFields(logrus.Fields{
			"queue_id":       t.QueueID,
			"task_id":        t.ID,
			"correlation_id": t.CorrelationID,
			"retry_count":    retryCount,
			"last_error":     errMsg,
		}).Warn("task failed, will retry")

		if shouldBackoff, seconds := w.retryPolicy.ShouldBackOff(retryCount); shouldBackoff {
			if !w.sleepInterruptible(time.Duration(seconds) * time.Second) {
				return
			}
		}
		t.MarkPendingAfterBackoff()
	}
}

// admit implements spec §4.F step 1: loop until the Selector yields
// device(s) this task can atomically acquire, or the instance is stopped.
func (w *Worker) admit(ctx context.Context, t *task.Task) ([]int, bool) {
	for {
		if w.stopped() {
			return nil, false
		}

		candidates := w.internallyAvailable()
		survivors := w.filterExternally(candidates, t.MemoryGB)

		count := 1
		if w.mode == task.ModeMulti {
			count = t.GPUCount
		}

		if len(survivors) >= count {
			var devices []int
			var ok bool
			var err error
			if count == 1 {
				dev, found, selErr := w.selector.SelectOne(ctx, survivors, t.MemoryGB, w.memorySaveMode)
				ok, err = found, selErr
				devices = []int{dev}
			} else {
				devices, ok, err = w.selector.SelectMany(ctx, survivors, count, t.MemoryGB, w.memorySaveMode)
			}
			if err != nil {
				w.logger0().WithError(err).Error("selector query failed")
			} else if ok {
				if w.ledger.AcquireAll(devices, w.Queue.ID) {
					return devices, true
				}
				// A sibling queue raced us; loop and retry.
				continue
			}
		}

		if !w.sleepInterruptible(w.checkInterval) {
			return nil, false
		}
	}
}

// internallyAvailable computes chosen \ ledger.held_set(), or chosen
// unmodified when maximize_utilization disables ledger exclusion (spec
// §4.F step 1).
func (w *Worker) internallyAvailable() []int {
	if w.maximizeUtil {
		return append([]int(nil), w.chosenDevices...)
	}
	held := w.ledger.HeldSet()
	var out []int
	for _, d := range w.chosenDevices {
		if _, busy := held[d]; !busy {
			out = append(out, d)
		}
	}
	return out
}

// filterExternally requires memory_free >= memory_gb and, unless
// maximize_utilization is set, no foreign python process (spec §4.F step 1).
func (w *Worker) filterExternally(candidates []int, memoryGB float64) []int {
	var survivors []int
	for _, d := range candidates {
		snap, err := w.probe.Query(d)
		if err != nil {
			continue
		}
		if snap.MemoryFreeGB() < memoryGB {
			continue
		}
		if !w.maximizeUtil {
			foreign, err := w.probe.ForeignPythonProcesses(d, w.myUsername)
			if err != nil || len(foreign) > 0 {
				continue
			}
		}
		survivors = append(survivors, d)
	}
	return survivors
}

// execute implements spec §4.F step 2: set CUDA_VISIBLE_DEVICES, run
// each command in order via a shell, stop at the first non-zero exit or
// timeout.
func (w *Worker) execute(ctx context.Context, t *task.Task, devices []int) (task.Outcome, string) {
	var span trace.Span
	if w.tracer != nil {
		ctx, span = w.tracer.Start(ctx, "task.execute", trace.WithAttributes(
			attribute.Int("queue_id", t.QueueID),
			attribute.Int("task_id", t.ID),
			attribute.Int("retry_count", t.RetryCount()),
			attribute.String("correlation_id", t.CorrelationID),
		))
		defer span.End()
	}

	deviceStrs := make([]string, len(devices))
	for i, d := range devices {
		deviceStrs[i] = strconv.Itoa(d)
	}
	cudaVisible := "CUDA_VISIBLE_DEVICES=" + strings.Join(deviceStrs, ",")

	out := w.stdioFor(t)

	for idx, command := range t.Commands() {
		if w.stopped() {
			return task.TransientFailure, "stopped"
		}

		exitCode, timedOut, err := w.runCommand(ctx, command, cudaVisible, out)
		if err != nil && exitCode == -1 && !timedOut {
			return task.TransientFailure, err.Error()
		}

		outcome := task.Classify(exitCode, timedOut)
		if outcome != task.Success {
			msg := fmt.Sprintf("command %d %q exited %d (timed_out=%v)", idx, command, exitCode, timedOut)
			return outcome, msg
		}
	}
	return task.Success, ""
}

// runCommand spawns one shell-wrapped command, enforcing the 7200s
// timeout and graceful-then-forceful kill-on-stop (spec §4.F, §5, §9
// "Subprocess management").
func (w *Worker) runCommand(ctx context.Context, command, cudaVisible string, out io.Writer) (exitCode int, timedOut bool, err error) {
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.Command("sh", "-c", command)
	cmd.Env = append(os.Environ(), cudaVisible)
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)

	if startErr := cmd.Start(); startErr != nil {
		return -1, false, startErr
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		return exitStatus(waitErr), false, nil
	case <-cmdCtx.Done():
		terminate(cmd, done)
		return 1, true, nil
	case <-w.stopCh:
		terminate(cmd, done)
		return 1, false, nil
	}
}

// stdioFor resolves the spec §4.F step 2 stdio routing decision: the
// bound log file for (mode, config_index, queue_id, process_index) if
// one exists, else the scheduler's own log.
func (w *Worker) stdioFor(t *task.Task) io.Writer {
	path, ok := w.logBinding.Path(w.mode, w.configIndex, t.QueueID, t.QueuePosition)
	if !ok {
		return w.fallbackLog
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.logger0().WithError(err).Warn("could not open bound log file, falling back to scheduler log")
		return w.fallbackLog
	}
	return f
}

func (w *Worker) sleepInterruptible(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stopCh:
		return false
	}
}

func (w *Worker) logger0() *logrus.Entry {
	if w.logger != nil {
		return w.logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (w *Worker) logf(t *task.Task, level logrus.Level, msg string, devices []int) {
	w.logger0().WithFields(logrus.Fields{
		"queue_id":       t.QueueID,
		"task_id":        t.ID,
		"correlation_id": t.CorrelationID,
		"devices":        devices,
	}).Log(level, msg)
}
