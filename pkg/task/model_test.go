package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskSubstitutesWorkDir(t *testing.T) {
	tsk := NewTask(1, 1, 0, []string{"echo {work_dir}/run.sh"}, 20, 1, "/data/job1")
	require.Equal(t, StatePending, tsk.State())
	assert.Equal(t, []string{"echo /data/job1/run.sh"}, tsk.Commands())
}

func TestTaskLifecycleHappyPath(t *testing.T) {
	tsk := NewTask(1, 1, 0, []string{"true"}, 10, 1, "/tmp")

	tsk.MarkRunning([]int{0})
	assert.Equal(t, StateRunning, tsk.State())
	assert.Equal(t, []int{0}, tsk.Devices())

	tsk.MarkCompleted()
	assert.Equal(t, StateCompleted, tsk.State())
	assert.Empty(t, tsk.Devices())
}

func TestTaskRetryCycle(t *testing.T) {
	tsk := NewTask(1, 1, 0, []string{"false"}, 10, 1, "/tmp")
	tsk.MarkRunning([]int{0})

	n := tsk.MarkRetrying("exit status 1")
	assert.Equal(t, 1, n)
	assert.Equal(t, StateRetrying, tsk.State())
	assert.Equal(t, "exit status 1", tsk.LastError())

	tsk.MarkPendingAfterBackoff()
	assert.Equal(t, StatePending, tsk.State())
	assert.Equal(t, 1, tsk.RetryCount())
}

func TestTaskIllegalTransitionPanics(t *testing.T) {
	tsk := NewTask(1, 1, 0, []string{"true"}, 10, 1, "/tmp")
	assert.Panics(t, func() { tsk.MarkCompleted() })
}

func TestQueueCounters(t *testing.T) {
	t1 := NewTask(1, 1, 0, []string{"true"}, 10, 1, "/tmp")
	t2 := NewTask(2, 1, 1, []string{"true"}, 10, 1, "/tmp")
	t1.MarkRunning([]int{0})
	q := NewQueue(1, []*Task{t1, t2})

	c := q.Counters()
	assert.Equal(t, 2, c.Total)
	assert.Equal(t, 1, c.Running)
	assert.Equal(t, 1, c.Pending)
	assert.Equal(t, []int{0}, q.CurrentDevices())
}
