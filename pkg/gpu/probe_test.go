package gpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeListDevicesWrapsUnavailable(t *testing.T) {
	backend := &fakeBackend{queryErr: errors.New("boom")}
	probe := NewProbe(backend)

	_, err := probe.ListDevices()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestProbeQueryConsistentSnapshot(t *testing.T) {
	backend := &fakeBackend{
		devices: []int{0},
		snapshots: map[int]Snapshot{
			0: {Index: 0, MemoryTotalMB: 81920, MemoryUsedMB: 1024, MemoryFreeMB: 80896, UtilizationPct: 5},
		},
	}
	probe := NewProbe(backend)

	snap, err := probe.Query(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(80896), snap.MemoryFreeMB)
	assert.InDelta(t, 79.0, snap.MemoryFreeGB(), 0.5)
}

func TestForeignPythonProcessesFiltersByInterpreter(t *testing.T) {
	backend := &fakeBackend{
		processes: map[int][]Process{
			0: {
				{PID: 100, Command: "/usr/bin/python3 train.py"},
				{PID: 101, Command: "/usr/local/cuda/bin/nvidia-cuda-mps-server"},
				{PID: 102, Command: "python other_job.py"},
			},
		},
	}
	probe := NewProbe(backend)

	pids, err := probe.ForeignPythonProcesses(0, "me")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{100, 102}, pids)
}

func TestLooksLikePython(t *testing.T) {
	assert.True(t, looksLikePython("/usr/bin/python3 foo.py"))
	assert.True(t, looksLikePython("python -m http.server"))
	assert.False(t, looksLikePython("./my-cuda-binary"))
	assert.False(t, looksLikePython(""))
}
