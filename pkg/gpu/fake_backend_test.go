package gpu

import "fmt"

// fakeBackend is a scripted Backend used across pkg/gpu's tests, grounded
// on the teacher's pkg/gpu/mock_collector.go (a simulated backend so
// tests don't need a real NVIDIA GPU).
type fakeBackend struct {
	devices   []int
	snapshots map[int]Snapshot
	processes map[int][]Process
	queryErr  error
}

func (f *fakeBackend) ListDevices() ([]int, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.devices, nil
}

func (f *fakeBackend) QueryDevice(index int) (Snapshot, error) {
	if f.queryErr != nil {
		return Snapshot{}, f.queryErr
	}
	snap, ok := f.snapshots[index]
	if !ok {
		return Snapshot{}, fmt.Errorf("no such device %d", index)
	}
	return snap, nil
}

func (f *fakeBackend) ComputeProcesses(index int) ([]Process, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.processes[index], nil
}
