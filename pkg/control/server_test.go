package control

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodepool/gpusched/pkg/config"
	"github.com/nodepool/gpusched/pkg/gpu"
	"github.com/nodepool/gpusched/pkg/observability"
	"github.com/nodepool/gpusched/pkg/registry"
	"github.com/nodepool/gpusched/pkg/task"
)

type fakeControlBackend struct{}

func (fakeControlBackend) ListDevices() ([]int, error) { return []int{0}, nil }

func (fakeControlBackend) QueryDevice(index int) (gpu.Snapshot, error) {
	return gpu.Snapshot{Index: index, MemoryTotalMB: 8192, MemoryFreeMB: 8192}, nil
}

func (fakeControlBackend) ComputeProcesses(int) ([]gpu.Process, error) { return nil, nil }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	reg := registry.New(registry.Deps{Probe: gpu.NewProbe(fakeControlBackend{})})
	metrics := observability.NewMetrics(nil)
	s := NewServer("127.0.0.1:0", Deps{Registry: reg, Metrics: metrics, Logs: NewMapLogBinding()})

	srv := httptest.NewServer(s.http.Handler)
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func writeTestCommandFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestHandleStartAndGetAndStop(t *testing.T) {
	_, base := newTestServer(t)

	cfg := config.DefaultSchedulerConfig()
	cfg.CheckTime = 1
	cfg.MinGPU, cfg.MaxGPU = 1, 1
	cfg.WorkDir = "/tmp"
	cfg.GPUCommandFile = writeTestCommandFile(t, "1\nsleep 1\n1\n")

	body, err := json.Marshal(startRequest{Mode: task.ModeSingle, ConfigIndex: 0, Config: cfg})
	require.NoError(t, err)

	resp, err := http.Post(base+"/v1/schedulers", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var started startResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.Equal(t, 0, started.ConfigIndex)

	getResp, err := http.Get(base + "/v1/schedulers/single/0")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, base+"/v1/schedulers/single/0", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestHandleStartRejectsInvalidConfig(t *testing.T) {
	_, base := newTestServer(t)

	cfg := config.DefaultSchedulerConfig()
	cfg.MinGPU, cfg.MaxGPU = 5, 1 // invalid: min > max

	body, err := json.Marshal(startRequest{Mode: task.ModeSingle, ConfigIndex: 1, Config: cfg})
	require.NoError(t, err)

	resp, err := http.Post(base+"/v1/schedulers", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleStopUnknownIdentityReturns404(t *testing.T) {
	_, base := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, base+"/v1/schedulers/single/9", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleListReflectsLiveInstances(t *testing.T) {
	_, base := newTestServer(t)

	cfg := config.DefaultSchedulerConfig()
	cfg.CheckTime = 1
	cfg.MinGPU, cfg.MaxGPU = 1, 1
	cfg.WorkDir = "/tmp"
	cfg.GPUCommandFile = writeTestCommandFile(t, "1\nsleep 1\n1\n")

	body, err := json.Marshal(startRequest{Mode: task.ModeSingle, ConfigIndex: 2, Config: cfg})
	require.NoError(t, err)
	resp, err := http.Post(base+"/v1/schedulers", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	listResp, err := http.Get(base + "/v1/schedulers")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var snaps []map[string]interface{}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&snaps))
	require.Len(t, snaps, 1)

	req, err := http.NewRequest(http.MethodDelete, base+"/v1/schedulers/single/2", nil)
	require.NoError(t, err)
	_, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
}

func TestHandleLogTailServesRegisteredFile(t *testing.T) {
	s, base := newTestServer(t)

	dir := t.TempDir()
	logPath := filepath.Join(dir, "task.log")
	require.NoError(t, os.WriteFile(logPath, []byte("line1\nline2\nline3\n"), 0o644))
	s.logs.Bind(task.ModeSingle, 0, 1, 2, logPath)

	resp, err := http.Get(base + "/v1/logs/single/0/1/2?tail=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "line2\nline3\n", buf.String())
}

func TestHandleLogTailUnknownBindingReturns404(t *testing.T) {
	_, base := newTestServer(t)

	resp, err := http.Get(base + "/v1/logs/single/0/1/2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
