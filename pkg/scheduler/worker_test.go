package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/gpusched/pkg/gpu"
	"github.com/nodepool/gpusched/pkg/task"
)

// fakeWorkerBackend is a single-device gpu.Backend stand-in so Worker
// tests never shell out to nvidia-smi, grounded on the same fake-backend
// pattern pkg/gpu's own tests use.
type fakeWorkerBackend struct {
	freeMB uint64
}

func (f *fakeWorkerBackend) ListDevices() ([]int, error) { return []int{0}, nil }

func (f *fakeWorkerBackend) QueryDevice(index int) (gpu.Snapshot, error) {
	return gpu.Snapshot{
		Index:          index,
		UtilizationPct: 10,
		MemoryTotalMB:  8192,
		MemoryUsedMB:   8192 - f.freeMB,
		MemoryFreeMB:   f.freeMB,
	}, nil
}

func (f *fakeWorkerBackend) ComputeProcesses(index int) ([]gpu.Process, error) { return nil, nil }

func newTestWorker(t *testing.T, q *task.Queue, stopCh <-chan struct{}) *Worker {
	t.Helper()
	probe := gpu.NewProbe(&fakeWorkerBackend{freeMB: 8192})
	return NewWorker(q, WorkerConfig{
		Mode:          task.ModeSingle,
		ChosenDevices: []int{0},
		Ledger:        NewLedger(),
		Probe:         probe,
		Selector:      gpu.NewSelector(probe),
		CheckInterval: time.Millisecond,
		MyUsername:    "tester",
		RetryPolicy:   task.RetryPolicy{MaxRetryBeforeBackoff: 1000, BackoffDurationSec: 0},
		StopCh:        stopCh,
	})
}

func TestWorkerHappyPathCompletesTaskAndReleasesDevice(t *testing.T) {
	tsk := task.NewTask(1, 7, 0, []string{"true"}, 1, 1, "/tmp")
	q := task.NewQueue(7, []*task.Task{tsk})
	ledger := NewLedger()

	probe := gpu.NewProbe(&fakeWorkerBackend{freeMB: 8192})
	w := NewWorker(q, WorkerConfig{
		Mode:          task.ModeSingle,
		ChosenDevices: []int{0},
		Ledger:        ledger,
		Probe:         probe,
		Selector:      gpu.NewSelector(probe),
		CheckInterval: time.Millisecond,
		RetryPolicy:   task.RetryPolicy{MaxRetryBeforeBackoff: 1000},
		StopCh:        make(chan struct{}),
	})

	w.Run(context.Background())

	assert.Equal(t, task.StateCompleted, tsk.State())
	assert.Equal(t, task.QueueCompleted, q.State())
	assert.Empty(t, ledger.HeldSet())
}

func TestWorkerRetriesFailingCommandWithoutFailing(t *testing.T) {
	// "false" always exits 1, so this task never reaches Success; assert it
	// ends up Retrying-then-Pending with a growing retry_count rather than
	// ever being marked Failed (spec §4.D: retries are unbounded).
	tsk := task.NewTask(1, 7, 0, []string{"false"}, 1, 1, "/tmp")
	q := task.NewQueue(7, []*task.Task{tsk})
	stopCh := make(chan struct{})
	w := newTestWorker(t, q, stopCh)

	done := make(chan struct{})
	go func() {
		w.runTask(context.Background(), tsk)
		close(done)
	}()

	// Let it retry a few times, then stop the worker.
	time.Sleep(20 * time.Millisecond)
	close(stopCh)
	<-done

	assert.NotEqual(t, task.StateFailed, tsk.State())
	assert.GreaterOrEqual(t, tsk.RetryCount(), 1)
}

func TestWorkerStopDuringAdmitLeavesTaskPending(t *testing.T) {
	tsk := task.NewTask(1, 7, 0, []string{"true"}, 1, 1, "/tmp")
	q := task.NewQueue(7, []*task.Task{tsk})
	stopCh := make(chan struct{})
	close(stopCh) // already stopped before admit is attempted

	w := newTestWorker(t, q, stopCh)
	w.runTask(context.Background(), tsk)

	assert.Equal(t, task.StatePending, tsk.State())
}

func TestWorkerAdmitWaitsForBusyDeviceThenProceeds(t *testing.T) {
	tsk := task.NewTask(1, 7, 0, []string{"true"}, 1, 1, "/tmp")
	q := task.NewQueue(7, []*task.Task{tsk})
	stopCh := make(chan struct{})
	w := newTestWorker(t, q, stopCh)

	// A sibling queue holds device 0; release it shortly after so admit's
	// polling loop must retry before succeeding.
	w.ledger.Acquire(0, 999)
	go func() {
		time.Sleep(5 * time.Millisecond)
		w.ledger.Release(0, 999)
	}()

	done := make(chan struct{})
	go func() {
		w.runTask(context.Background(), tsk)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never admitted after device became free")
	}

	require.Equal(t, task.StateCompleted, tsk.State())
}
