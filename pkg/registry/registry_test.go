package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/gpusched/pkg/config"
	"github.com/nodepool/gpusched/pkg/gpu"
	"github.com/nodepool/gpusched/pkg/task"
)

// fakeRegistryBackend is a two-device gpu.Backend with ample free
// memory, used so Registry tests never shell out to nvidia-smi.
type fakeRegistryBackend struct{}

func (fakeRegistryBackend) ListDevices() ([]int, error) { return []int{0, 1}, nil }

func (fakeRegistryBackend) QueryDevice(index int) (gpu.Snapshot, error) {
	return gpu.Snapshot{Index: index, UtilizationPct: 5, MemoryTotalMB: 8192, MemoryFreeMB: 8192}, nil
}

func (fakeRegistryBackend) ComputeProcesses(int) ([]gpu.Process, error) { return nil, nil }

func writeCommandFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testConfig(t *testing.T, body string) config.SchedulerConfig {
	t.Helper()
	cfg := config.DefaultSchedulerConfig()
	cfg.CheckTime = 1
	cfg.MinGPU = 1
	cfg.MaxGPU = 1
	cfg.GPUCommandFile = writeCommandFile(t, body)
	cfg.WorkDir = "/tmp"
	return cfg
}

func TestRegistryStartRunsToCompletionAndReaps(t *testing.T) {
	cfg := testConfig(t, "1\ntrue\n1\n")
	reg := New(Deps{Probe: gpu.NewProbe(fakeRegistryBackend{})})

	res, err := reg.Start(task.ModeSingle, 0, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Identity.ConfigIndex)

	id := Identity{Mode: task.ModeSingle, ConfigIndex: 0}
	require.Eventually(t, func() bool {
		_, err := reg.Get(id)
		return err == ErrNotFound
	}, 2*time.Second, 5*time.Millisecond, "instance should be reaped after completion")
}

func TestRegistryStartRefusesWhenAlreadyLive(t *testing.T) {
	cfg := testConfig(t, "1\nsleep 1\n1\n")
	reg := New(Deps{Probe: gpu.NewProbe(fakeRegistryBackend{})})

	_, err := reg.Start(task.ModeSingle, 1, cfg)
	require.NoError(t, err)

	_, err = reg.Start(task.ModeSingle, 1, cfg)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, reg.Stop(Identity{Mode: task.ModeSingle, ConfigIndex: 1}))
}

func TestRegistryStopUnknownIdentity(t *testing.T) {
	reg := New(Deps{Probe: gpu.NewProbe(fakeRegistryBackend{})})
	err := reg.Stop(Identity{Mode: task.ModeSingle, ConfigIndex: 99})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryListIncludesLiveInstances(t *testing.T) {
	cfg := testConfig(t, "1\nsleep 1\n1\n")
	reg := New(Deps{Probe: gpu.NewProbe(fakeRegistryBackend{})})

	_, err := reg.Start(task.ModeSingle, 2, cfg)
	require.NoError(t, err)

	snaps := reg.List()
	assert.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].ConfigIndex)

	require.NoError(t, reg.Stop(Identity{Mode: task.ModeSingle, ConfigIndex: 2}))
}
