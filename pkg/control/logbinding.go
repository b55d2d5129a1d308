// Package control implements the control-plane HTTP surface of
// SPEC_FULL.md §6: start/stop/list/get/ws against a pkg/registry.Registry,
// a /metrics scrape endpoint, and a log-tail passthrough.
package control

import (
	"fmt"
	"sync"

	"github.com/nodepool/gpusched/pkg/task"
)

// MapLogBinding is the concrete in-memory LogBinding named in
// SPEC_FULL.md §9 Supplement 2: an operator registers a log file path
// per (mode, config_index, queue_id, process_index) and the worker's
// "attach stdio to the bound log file if a binding exists" step (spec
// §4.F step 2) looks it up through the scheduler.LogBinding seam.
type MapLogBinding struct {
	mu    sync.RWMutex
	paths map[string]string
}

// NewMapLogBinding returns an empty binding table.
func NewMapLogBinding() *MapLogBinding {
	return &MapLogBinding{paths: make(map[string]string)}
}

func logBindingKey(mode task.Mode, configIndex, queueID, processIndex int) string {
	return fmt.Sprintf("%s/%d/%d/%d", mode, configIndex, queueID, processIndex)
}

// Bind registers path as the stdio log file for the given coordinates.
func (b *MapLogBinding) Bind(mode task.Mode, configIndex, queueID, processIndex int, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths[logBindingKey(mode, configIndex, queueID, processIndex)] = path
}

// Unbind removes a previously registered binding, if any.
func (b *MapLogBinding) Unbind(mode task.Mode, configIndex, queueID, processIndex int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.paths, logBindingKey(mode, configIndex, queueID, processIndex))
}

// Path implements scheduler.LogBinding.
func (b *MapLogBinding) Path(mode task.Mode, configIndex, queueID, processIndex int) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.paths[logBindingKey(mode, configIndex, queueID, processIndex)]
	return p, ok
}
