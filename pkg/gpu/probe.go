package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable is returned by Probe.Snapshot and Probe.ListDevices when
// the underlying vendor query cannot be reached at all. The Scheduler
// Instance treats this as a fatal start-up condition (spec §4.A, §7).
var ErrUnavailable = errors.New("gpu: vendor query unavailable")

// Backend is the minimal abstraction a GPU vendor tool must provide:
// enumerate devices, fetch one consistent reading for a device, and list
// the compute processes resident on a device. Keeping it this small lets
// a mock backend stand in for nvidia-smi in tests (spec §9, "Probe
// abstraction").
type Backend interface {
	ListDevices() ([]int, error)
	QueryDevice(index int) (Snapshot, error)
	ComputeProcesses(index int) ([]Process, error)
}

// Probe discovers host GPUs and samples their instantaneous state.
type Probe struct {
	backend Backend
}

// NewProbe wires a Probe to a Backend. Production callers use
// NewNvidiaSMIProbe; tests substitute a fake Backend.
func NewProbe(backend Backend) *Probe {
	return &Probe{backend: backend}
}

// NewNvidiaSMIProbe returns a Probe backed by the host's nvidia-smi binary.
func NewNvidiaSMIProbe() *Probe {
	return NewProbe(&nvidiaSMIBackend{})
}

// ListDevices enumerates device indices. A nil result with an error
// wrapping ErrUnavailable means the vendor query itself is unreachable.
func (p *Probe) ListDevices() ([]int, error) {
	devices, err := p.backend.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return devices, nil
}

// Query returns a Snapshot drawn from a single underlying probe call.
func (p *Probe) Query(index int) (Snapshot, error) {
	snap, err := p.backend.QueryDevice(index)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return snap, nil
}

// ForeignPythonProcesses returns the PIDs of processes on device index
// whose command line names a scripting interpreter prefixed "python",
// per spec §4.A's co-tenancy heuristic, regardless of owner. A process
// owned by myUsername is reported just like one owned by another user,
// so the scheduler avoids stomping on the current user's own
// non-scheduler workloads.
func (p *Probe) ForeignPythonProcesses(index int, myUsername string) ([]int, error) {
	procs, err := p.backend.ComputeProcesses(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var pids []int
	for _, proc := range procs {
		if !looksLikePython(proc.Command) {
			continue
		}
		pids = append(pids, proc.PID)
		_ = myUsername // username is informational only; the heuristic is interpreter-name based, see spec §4.A
	}
	return pids, nil
}

func looksLikePython(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	base := fields[0]
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	return strings.HasPrefix(base, "python")
}

// nvidiaSMIBackend shells out to nvidia-smi, validating the binary path
// before every call (grounded on the teacher's pkg/k8s/monitor.go use of
// exec.LookPath ahead of exec.Command).
type nvidiaSMIBackend struct{}

func (nvidiaSMIBackend) binary() (string, error) {
	return exec.LookPath("nvidia-smi")
}

func (b nvidiaSMIBackend) ListDevices() ([]int, error) {
	bin, err := b.binary()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, "--query-gpu=index", "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var devices []int
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		devices = append(devices, idx)
	}
	return devices, nil
}

const smiQueryFields = "index,name,temperature.gpu,utilization.gpu,memory.total,memory.used,memory.free,power.draw,power.limit"

func (b nvidiaSMIBackend) QueryDevice(index int) (Snapshot, error) {
	bin, err := b.binary()
	if err != nil {
		return Snapshot{}, err
	}
	cmd := exec.Command(bin,
		fmt.Sprintf("--id=%d", index),
		"--query-gpu="+smiQueryFields,
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return Snapshot{}, err
	}

	line := strings.TrimSpace(string(out))
	fields := strings.Split(line, ", ")
	if len(fields) < 9 {
		return Snapshot{}, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}

	snap := Snapshot{ObservedAt: time.Now()}
	snap.Index, _ = strconv.Atoi(strings.TrimSpace(fields[0]))
	snap.Name = strings.TrimSpace(fields[1])
	snap.Temperature = parseFloatOr(fields[2], 0)
	snap.UtilizationPct = parseFloatOr(fields[3], 0)
	snap.MemoryTotalMB = parseUintOr(fields[4], 0)
	snap.MemoryUsedMB = parseUintOr(fields[5], 0)
	snap.MemoryFreeMB = parseUintOr(fields[6], 0)
	snap.PowerDrawWatts = parseFloatOr(fields[7], 0)
	snap.PowerLimitWatts = parseFloatOr(fields[8], 0)

	procs, err := b.ComputeProcesses(index)
	if err == nil {
		snap.Processes = procs
	}
	return snap, nil
}

func (b nvidiaSMIBackend) ComputeProcesses(index int) ([]Process, error) {
	bin, err := b.binary()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin,
		fmt.Sprintf("--id=%d", index),
		"--query-compute-apps=pid,process_name,used_memory",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		// No compute-apps support or no processes running is not fatal.
		return nil, nil
	}

	var procs []Process
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ", ")
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		proc := Process{
			PID:       pid,
			Command:   strings.TrimSpace(fields[1]),
			UsedMemMB: parseUintOr(fields[2], 0),
		}
		proc.Command = cmdlineOrName(pid, proc.Command)
		procs = append(procs, proc)
	}
	return procs, nil
}

// cmdlineOrName reads /proc/<pid>/cmdline for a more reliable interpreter
// name than nvidia-smi's truncated process_name field; falls back to the
// name nvidia-smi reported when /proc is unavailable (non-Linux hosts).
func cmdlineOrName(pid int, fallback string) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil || len(data) == 0 {
		return fallback
	}
	parts := strings.Split(string(data), "\x00")
	if len(parts) == 0 || parts[0] == "" {
		return fallback
	}
	return strings.Join(parts, " ")
}

func parseFloatOr(s string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return v
}

func parseUintOr(s string, def uint64) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return def
	}
	return v
}
