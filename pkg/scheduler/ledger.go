// Package scheduler implements the Occupancy Ledger (spec §4.C), the
// Per-Queue Worker (spec §4.F), and the Scheduler Instance (spec §4.G).
package scheduler

import "sync"

// Ledger is the per-instance Occupancy Ledger: a mapping from device id
// to the owning queue id, or none (spec §4.C). It is the only structure
// mutated by more than one worker, so every operation is serialized
// behind a single mutex (spec §5), grounded on the teacher's
// sync.RWMutex-guarded map pattern in pkg/gpu/scheduler.go and
// pkg/serving/router.go.
type Ledger struct {
	mu    sync.Mutex
	held  map[int]int // device id -> queue id
}

// NewLedger builds an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{held: make(map[int]int)}
}

// Acquire claims device for queueID. It returns false (busy) if the
// device is already held by a different queue of this instance.
func (l *Ledger) Acquire(device, queueID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.held[device]; ok && owner != queueID {
		return false
	}
	l.held[device] = queueID
	return true
}

// Release relinquishes device if held by queueID. It returns false
// (not_held) if the device was not held by that queue.
func (l *Ledger) Release(device, queueID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.held[device]
	if !ok || owner != queueID {
		return false
	}
	delete(l.held, device)
	return true
}

// IsHeld returns the owning queue id and true if device is currently held.
func (l *Ledger) IsHeld(device int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.held[device]
	return owner, ok
}

// HeldSet returns a snapshot copy of the full device->queue mapping.
func (l *Ledger) HeldSet() map[int]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]int, len(l.held))
	for k, v := range l.held {
		out[k] = v
	}
	return out
}

// AcquireAll attempts to claim every device in devices for queueID,
// atomically from the caller's point of view: if any single Acquire call
// fails, everything already claimed in this call is released before
// returning false, so a racing sibling queue never observes a partial hold.
func (l *Ledger) AcquireAll(devices []int, queueID int) bool {
	acquired := make([]int, 0, len(devices))
	for _, d := range devices {
		if !l.Acquire(d, queueID) {
			for _, a := range acquired {
				l.Release(a, queueID)
			}
			return false
		}
		acquired = append(acquired, d)
	}
	return true
}

// ReleaseAll releases every device in devices held by queueID.
func (l *Ledger) ReleaseAll(devices []int, queueID int) {
	for _, d := range devices {
		l.Release(d, queueID)
	}
}
